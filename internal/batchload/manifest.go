package batchload

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
)

const readableTimeLayout = "2006-01-02 15:04:05"

type Manifest struct {
	Entries []ManifestEntry `json:"entries"`
}

type ManifestEntry struct {
	URL       string        `json:"url"`
	Mandatory bool          `json:"mandatory"`
	Meta      *ManifestMeta `json:"meta,omitempty"`
}

type ManifestMeta struct {
	ContentLength int64 `json:"content_length"`
}

// ManifestLocation says where a manifest object was written.
type ManifestLocation struct {
	Bucket string `json:"bucket"`
	// Key is the object key below Bucket, "<manifestKey>/<name>".
	Key string `json:"key"`
}

// Path is "bucket/key", the form stored on the batch and used in COPY.
func (l ManifestLocation) Path() string {
	if l.Bucket == "" && l.Key == "" {
		return ""
	}
	return l.Bucket + "/" + l.Key
}

// ManifestURL turns a batch entry into the object URL the warehouse reads.
// Notifications encode a space as '+' and a plus as "%2B"; the warehouse
// wants the original key.
func ManifestURL(entry string) string {
	return "s3://" + ObjectKey(entry)
}

// BuildManifest lists every entry of batch as mandatory. Entry sizes are
// included when the batch recorded them.
func BuildManifest(batch Batch) Manifest {
	m := Manifest{Entries: make([]ManifestEntry, 0, len(batch.Entries))}
	for _, entry := range batch.Entries {
		me := ManifestEntry{URL: ManifestURL(entry), Mandatory: true}
		if size, ok := batch.EntrySizes[entry]; ok {
			me.Meta = &ManifestMeta{ContentLength: size}
		}
		m.Entries = append(m.Entries, me)
	}
	return m
}

// WriteManifest stores the manifest of a locked batch and records its path
// on the batch row.
func (e *Engine) WriteManifest(ctx context.Context, cfg WatchConfig, batch Batch) (ManifestLocation, error) {
	if len(batch.Entries) == 0 {
		return ManifestLocation{}, fmt.Errorf("%w: batch %s", ErrBatchEmpty, batch.BatchID)
	}
	if e.objects == nil {
		return ManifestLocation{}, fmt.Errorf("%w: no object store configured", ErrInvalidInput)
	}
	body, err := json.Marshal(BuildManifest(batch))
	if err != nil {
		return ManifestLocation{}, fmt.Errorf("encode manifest: %w", err)
	}
	name := fmt.Sprintf("manifest-%s-%d", e.now().Format(readableTimeLayout), e.intn(10000))
	loc := ManifestLocation{
		Bucket: cfg.ManifestBucket,
		Key:    strings.TrimSuffix(cfg.ManifestKey, "/") + "/" + name,
	}
	if err := e.objects.PutObject(ctx, loc.Bucket, loc.Key, body, "application/json"); err != nil {
		return ManifestLocation{}, fmt.Errorf("write manifest %s: %w", loc.Path(), err)
	}
	e.logf("wrote manifest %s for batch %s (%d entries)", loc.Path(), batch.BatchID, len(batch.Entries))

	err = e.withStoreRetry(ctx, "record manifest "+batch.BatchID, func() error {
		_, err := e.records.MutateExistingBatch(ctx, batch.Prefix, batch.BatchID, func(b *Batch) error {
			b.ManifestPath = loc.Path()
			b.LastUpdate = e.now()
			return nil
		})
		return err
	})
	if err != nil {
		return loc, err
	}
	return loc, nil
}

// failedManifestLocation moves loc from the manifest key to the failed
// manifest key of cfg.
func failedManifestLocation(cfg WatchConfig, loc ManifestLocation) ManifestLocation {
	manifestKey := strings.TrimSuffix(cfg.ManifestKey, "/") + "/"
	failedKey := strings.TrimSuffix(cfg.FailedManifestKey, "/") + "/"
	return ManifestLocation{
		Bucket: loc.Bucket,
		Key:    failedKey + strings.TrimPrefix(loc.Key, manifestKey),
	}
}
