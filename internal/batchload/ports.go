package batchload

import (
	"context"
	"time"
)

// ObjectStore is the part of object storage the engine needs.
type ObjectStore interface {
	PutObject(ctx context.Context, bucket, key string, body []byte, contentType string) error
	HeadObject(ctx context.Context, bucket, key string) (ObjectInfo, error)
	CopyObject(ctx context.Context, in CopyObjectInput) error
}

type ObjectInfo struct {
	Size         int64
	ContentType  string
	Metadata     map[string]string
	LastModified time.Time
}

// CopyObjectInput copies Source into Bucket/Key. With ReplaceMetadata the
// destination gets Metadata instead of the source metadata; copying an
// object onto itself this way makes the store emit a new creation event.
type CopyObjectInput struct {
	SourceBucket    string
	SourceKey       string
	Bucket          string
	Key             string
	Metadata        map[string]string
	ReplaceMetadata bool
}

// Notifier publishes fire-and-forget notifications.
type Notifier interface {
	Publish(ctx context.Context, topic, subject string, message []byte) error
}

type Decryptor interface {
	Decrypt(ctx context.Context, ciphertext string) (string, error)
}

// Executor runs one load statement against a warehouse target.
type Executor interface {
	Exec(ctx context.Context, conn Connection, statement string) error
}

type Connection struct {
	Host     string
	Port     int
	Database string
	User     string
	Password string
	UseSSL   bool
}

// Credentials are the object-store keys a warehouse uses to read the
// manifest and data files.
type Credentials struct {
	AccessKeyID     string
	SecretAccessKey string
	SessionToken    string
}

// Observer receives batch lifecycle events. Implementations must not block.
type Observer interface {
	BatchChanged(BatchEvent)
}

type BatchEvent struct {
	Type    string      `json:"type"`
	Prefix  string      `json:"prefix"`
	BatchID string      `json:"batchId"`
	Status  BatchStatus `json:"status"`
	File    string      `json:"file,omitempty"`
	Detail  string      `json:"detail,omitempty"`
	At      time.Time   `json:"at"`
}

const (
	EventAppended     = "appended"
	EventLocked       = "locked"
	EventClosed       = "closed"
	EventReprocessing = "reprocessing"
	EventReprocessed  = "reprocessed"
	EventUnlocked     = "unlocked"
)
