package batchload

import (
	"encoding/json"
	"fmt"
	"net/url"
	"path"
	"strings"

	"golang.org/x/text/unicode/norm"
)

// ObjectCreatedEvent is one object-store creation notification after
// validation and key normalisation.
type ObjectCreatedEvent struct {
	Bucket    string
	Key       string
	Size      int64
	EventName string
}

// FileRef is the ledger and batch entry for the object: "bucket/key".
func (ev ObjectCreatedEvent) FileRef() string {
	return ev.Bucket + "/" + ev.Key
}

// InputPrefix is "bucket/<key directory>", the most specific location a
// configuration may be registered for.
func (ev ObjectCreatedEvent) InputPrefix() string {
	dir := path.Dir(ev.Key)
	if dir == "." || dir == "/" {
		return ev.Bucket
	}
	return ev.Bucket + "/" + strings.TrimSuffix(dir, "/")
}

func (ev ObjectCreatedEvent) Filename() string {
	return path.Base(ev.Key)
}

// S3Notification is the notification document object stores deliver.
type S3Notification struct {
	Records []S3EventRecord `json:"Records"`
}

type S3EventRecord struct {
	EventSource string `json:"eventSource"`
	EventName   string `json:"eventName"`
	EventTime   string `json:"eventTime,omitempty"`
	S3          struct {
		SchemaVersion string `json:"s3SchemaVersion"`
		Bucket        struct {
			Name string `json:"name"`
		} `json:"bucket"`
		Object struct {
			Key  string `json:"key"`
			Size int64  `json:"size"`
		} `json:"object"`
	} `json:"s3"`
}

var acceptedEventNames = map[string]struct{}{
	"ObjectCreated:Put":                     {},
	"ObjectCreated:Copy":                    {},
	"ObjectCreated:CompleteMultipartUpload": {},
}

// EncodeObjectKey applies the notification encoding to a stored key.
func EncodeObjectKey(key string) string {
	segments := strings.Split(key, "/")
	for i, segment := range segments {
		segments[i] = url.QueryEscape(segment)
	}
	return strings.Join(segments, "/")
}

// ObjectKey reverses the space and plus encoding of an event key or batch
// entry.
func ObjectKey(encoded string) string {
	return strings.ReplaceAll(strings.ReplaceAll(encoded, "+", " "), "%2B", "+")
}

func ParseNotification(raw []byte) (ObjectCreatedEvent, error) {
	var n S3Notification
	if err := json.Unmarshal(raw, &n); err != nil {
		return ObjectCreatedEvent{}, fmt.Errorf("%w: %v", ErrInvalidEvent, err)
	}
	return n.Event()
}

// Event validates the notification and extracts its single record.
func (n S3Notification) Event() (ObjectCreatedEvent, error) {
	if len(n.Records) != 1 {
		return ObjectCreatedEvent{}, fmt.Errorf("%w: expected exactly one record, got %d", ErrInvalidEvent, len(n.Records))
	}
	r := n.Records[0]
	if r.EventSource != "aws:s3" {
		return ObjectCreatedEvent{}, fmt.Errorf("%w: invalid event source %q", ErrInvalidEvent, r.EventSource)
	}
	if _, ok := acceptedEventNames[r.EventName]; !ok {
		return ObjectCreatedEvent{}, fmt.Errorf("%w: invalid event name %q", ErrInvalidEvent, r.EventName)
	}
	if r.S3.SchemaVersion != "1.0" {
		return ObjectCreatedEvent{}, fmt.Errorf("%w: unknown s3 schema version %q", ErrInvalidEvent, r.S3.SchemaVersion)
	}
	return NewObjectCreatedEvent(r.S3.Bucket.Name, r.S3.Object.Key, r.S3.Object.Size, r.EventName)
}

// NewObjectCreatedEvent percent-decodes and NFC-normalises the key and strips
// a leading "bucket/" that copy notifications sometimes carry. Notifications
// encode a space as '+' and a plus as "%2B"; both are kept encoded so batch
// entries stay unambiguous, and ObjectKey recovers the stored key.
func NewObjectCreatedEvent(bucket, rawKey string, size int64, eventName string) (ObjectCreatedEvent, error) {
	if bucket == "" || rawKey == "" {
		return ObjectCreatedEvent{}, fmt.Errorf("%w: bucket and key are required", ErrInvalidEvent)
	}
	parts := strings.Split(strings.ReplaceAll(rawKey, "%2b", "%2B"), "%2B")
	for i, part := range parts {
		decoded, err := url.PathUnescape(part)
		if err != nil {
			return ObjectCreatedEvent{}, fmt.Errorf("%w: undecodable key %q", ErrInvalidEvent, rawKey)
		}
		parts[i] = decoded
	}
	key := norm.NFC.String(strings.Join(parts, "%2B"))
	key = strings.TrimPrefix(key, bucket+"/")
	if key == "" || strings.HasSuffix(key, "/") {
		return ObjectCreatedEvent{}, fmt.Errorf("%w: key %q does not name an object", ErrInvalidEvent, rawKey)
	}
	return ObjectCreatedEvent{Bucket: bucket, Key: key, Size: size, EventName: eventName}, nil
}
