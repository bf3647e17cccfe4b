package batchload

import (
	"fmt"
	"slices"
	"strings"
	"time"
)

// CurrentSchemaVersion is the only WatchConfig layout this engine accepts.
// Older documents must be upgraded before use.
const CurrentSchemaVersion = 1

type DataFormat string

const (
	FormatCSV     DataFormat = "CSV"
	FormatJSON    DataFormat = "JSON"
	FormatAVRO    DataFormat = "AVRO"
	FormatParquet DataFormat = "PARQUET"
	FormatORC     DataFormat = "ORC"
)

func ParseDataFormat(raw string) (DataFormat, error) {
	switch f := DataFormat(strings.ToUpper(strings.TrimSpace(raw))); f {
	case FormatCSV, FormatJSON, FormatAVRO, FormatParquet, FormatORC:
		return f, nil
	default:
		return "", fmt.Errorf("%w: %s", ErrUnsupportedFormat, raw)
	}
}

// LoadTarget is one warehouse cluster and table receiving every batch of a
// watched location.
type LoadTarget struct {
	Endpoint          string `json:"endpoint"`
	Port              int    `json:"port"`
	Database          string `json:"database"`
	User              string `json:"user"`
	EncryptedPassword string `json:"encryptedPassword"`
	Table             string `json:"table"`
	ColumnList        string `json:"columnList,omitempty"`
	TruncateTarget    bool   `json:"truncateTarget,omitempty"`
	UseSSL            bool   `json:"useSSL,omitempty"`
	PreSQL            string `json:"preSQL,omitempty"`
	PostSQL           string `json:"postSQL,omitempty"`
}

// Name identifies the target in per-target load results.
func (t LoadTarget) Name() string {
	return fmt.Sprintf("%s:%d/%s.%s", t.Endpoint, t.Port, t.Database, t.Table)
}

// WatchConfig is the configuration row of one watched location. A zero
// threshold is unset and never triggers a flush.
type WatchConfig struct {
	SchemaVersion     int        `json:"schemaVersion"`
	Prefix            string     `json:"prefix"`
	CurrentBatchID    string     `json:"currentBatchId"`
	LastBatchRotation *time.Time `json:"lastBatchRotation,omitempty"`

	FilenameFilter      string `json:"filenameFilter,omitempty"`
	BatchSizeCount      int    `json:"batchSizeCount,omitempty"`
	BatchSizeBytes      int64  `json:"batchSizeBytes,omitempty"`
	BatchTimeoutSeconds int    `json:"batchTimeoutSeconds,omitempty"`

	DataFormat      DataFormat `json:"dataFormat"`
	CSVDelimiter    string     `json:"csvDelimiter,omitempty"`
	IgnoreCSVHeader bool       `json:"ignoreCsvHeader,omitempty"`
	JSONPath        string     `json:"jsonPath,omitempty"`
	CopyOptions     string     `json:"copyOptions,omitempty"`
	Compression     string     `json:"compression,omitempty"`

	LoadTargets []LoadTarget `json:"loadTargets"`

	ManifestBucket    string `json:"manifestBucket"`
	ManifestKey       string `json:"manifestKey"`
	FailedManifestKey string `json:"failedManifestKey,omitempty"`

	SuccessTopic string `json:"successTopic,omitempty"`
	FailureTopic string `json:"failureTopic,omitempty"`

	EncryptedMasterSymmetricKey string `json:"encryptedMasterSymmetricKey,omitempty"`
	AccessKeyForS3              string `json:"accessKeyForS3,omitempty"`
	EncryptedSecretKeyForS3     string `json:"encryptedSecretKeyForS3,omitempty"`
}

func (c WatchConfig) Validate() error {
	if c.SchemaVersion != CurrentSchemaVersion {
		return fmt.Errorf("%w: got %d, want %d", ErrUnsupportedSchemaVersion, c.SchemaVersion, CurrentSchemaVersion)
	}
	if strings.TrimSpace(c.Prefix) == "" {
		return fmt.Errorf("%w: prefix is required", ErrInvalidInput)
	}
	if _, err := ParseDataFormat(string(c.DataFormat)); err != nil {
		return err
	}
	if c.DataFormat == FormatCSV && c.CSVDelimiter == "" {
		return fmt.Errorf("%w: csvDelimiter is required for CSV", ErrInvalidInput)
	}
	if len(c.LoadTargets) == 0 {
		return fmt.Errorf("%w: at least one load target is required", ErrInvalidInput)
	}
	for i, target := range c.LoadTargets {
		if target.Endpoint == "" || target.Table == "" || target.Database == "" {
			return fmt.Errorf("%w: load target %d needs endpoint, database and table", ErrInvalidInput, i)
		}
	}
	if c.ManifestBucket == "" || c.ManifestKey == "" {
		return fmt.Errorf("%w: manifestBucket and manifestKey are required", ErrInvalidInput)
	}
	if c.BatchSizeCount < 0 || c.BatchSizeBytes < 0 || c.BatchTimeoutSeconds < 0 {
		return fmt.Errorf("%w: thresholds cannot be negative", ErrInvalidInput)
	}
	if c.AccessKeyForS3 != "" && c.EncryptedSecretKeyForS3 == "" {
		return fmt.Errorf("%w: accessKeyForS3 requires encryptedSecretKeyForS3", ErrInvalidInput)
	}
	return nil
}

// TargetResult is the outcome of loading one target.
type TargetResult struct {
	Status string `json:"status"`
	Error  string `json:"error,omitempty"`
	Target string `json:"cluster"`
}

const (
	TargetOK    = "ok"
	TargetError = "error"
)

type Batch struct {
	BatchID            string                  `json:"batchId"`
	Prefix             string                  `json:"prefix"`
	Status             BatchStatus             `json:"status,omitempty"`
	Entries            []string                `json:"entries,omitempty"`
	EntrySizes         map[string]int64        `json:"entrySizes,omitempty"`
	WriteDates         []time.Time             `json:"writeDates,omitempty"`
	Size               int64                   `json:"size"`
	ManifestPath       string                  `json:"manifestPath,omitempty"`
	FailedManifestPath string                  `json:"failedManifestPath,omitempty"`
	LoadStatus         map[string]TargetResult `json:"clusterLoadStatus,omitempty"`
	ErrorMessage       string                  `json:"errorMessage,omitempty"`
	LastUpdate         time.Time               `json:"lastUpdate"`
}

// CreatedAt is the earliest append, which is when the batch started
// accumulating. It is zero for a batch without appends.
func (b Batch) CreatedAt() time.Time {
	var earliest time.Time
	for _, at := range b.WriteDates {
		if earliest.IsZero() || at.Before(earliest) {
			earliest = at
		}
	}
	return earliest
}

func (b Batch) HasEntry(file string) bool {
	return slices.Contains(b.Entries, file)
}

// ProcessedFile is the idempotency ledger row for one file reference.
type ProcessedFile struct {
	LoadFile        string    `json:"loadFile"`
	ReceiveDateTime time.Time `json:"receiveDateTime"`
	TimesReceived   int64     `json:"timesReceived"`
	BatchID         string    `json:"batchId,omitempty"`
	PreviousBatches []string  `json:"previousBatches,omitempty"`
}
