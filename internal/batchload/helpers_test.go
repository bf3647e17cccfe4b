package batchload

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/agentworkforce/batchloader/internal/coordination"
)

type fakeObjects struct {
	mu      sync.Mutex
	objects map[string][]byte
	meta    map[string]map[string]string
	puts    []string
	copies  []CopyObjectInput
	putErr  error
	copyErr error
}

func newFakeObjects() *fakeObjects {
	return &fakeObjects{objects: map[string][]byte{}, meta: map[string]map[string]string{}}
}

func (f *fakeObjects) PutObject(_ context.Context, bucket, key string, body []byte, _ string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.putErr != nil {
		return f.putErr
	}
	f.objects[bucket+"/"+key] = append([]byte(nil), body...)
	f.puts = append(f.puts, bucket+"/"+key)
	return nil
}

func (f *fakeObjects) HeadObject(_ context.Context, bucket, key string) (ObjectInfo, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	body, ok := f.objects[bucket+"/"+key]
	if !ok {
		return ObjectInfo{}, fmt.Errorf("head %s/%s: %w", bucket, key, ErrNotFound)
	}
	return ObjectInfo{Size: int64(len(body)), Metadata: f.meta[bucket+"/"+key]}, nil
}

func (f *fakeObjects) CopyObject(_ context.Context, in CopyObjectInput) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.copyErr != nil {
		return f.copyErr
	}
	body, ok := f.objects[in.SourceBucket+"/"+in.SourceKey]
	if !ok {
		return fmt.Errorf("copy %s/%s: %w", in.SourceBucket, in.SourceKey, ErrNotFound)
	}
	f.objects[in.Bucket+"/"+in.Key] = body
	f.meta[in.Bucket+"/"+in.Key] = in.Metadata
	f.copies = append(f.copies, in)
	return nil
}

func (f *fakeObjects) get(path string) ([]byte, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	body, ok := f.objects[path]
	return body, ok
}

type published struct {
	Topic   string
	Subject string
	Message []byte
}

type fakeNotifier struct {
	mu   sync.Mutex
	sent []published
	err  error
}

func (f *fakeNotifier) Publish(_ context.Context, topic, subject string, message []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return f.err
	}
	f.sent = append(f.sent, published{Topic: topic, Subject: subject, Message: message})
	return nil
}

func (f *fakeNotifier) messages() []published {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]published(nil), f.sent...)
}

// fakeWarehouse fails each host with its queued errors before succeeding.
type fakeWarehouse struct {
	mu         sync.Mutex
	failures   map[string][]error
	statements map[string][]string
	passwords  map[string]string
}

func newFakeWarehouse() *fakeWarehouse {
	return &fakeWarehouse{
		failures:   map[string][]error{},
		statements: map[string][]string{},
		passwords:  map[string]string{},
	}
}

func (f *fakeWarehouse) Exec(_ context.Context, conn Connection, statement string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.statements[conn.Host] = append(f.statements[conn.Host], statement)
	f.passwords[conn.Host] = conn.Password
	if queued := f.failures[conn.Host]; len(queued) > 0 {
		f.failures[conn.Host] = queued[1:]
		return queued[0]
	}
	return nil
}

func (f *fakeWarehouse) fail(host string, errs ...error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.failures[host] = append(f.failures[host], errs...)
}

func (f *fakeWarehouse) calls(host string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.statements[host])
}

func (f *fakeWarehouse) totalCalls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, s := range f.statements {
		n += len(s)
	}
	return n
}

// prefixDecryptor treats "enc:<value>" as the ciphertext of value.
type prefixDecryptor struct{}

func (prefixDecryptor) Decrypt(_ context.Context, ciphertext string) (string, error) {
	plain, ok := strings.CutPrefix(ciphertext, "enc:")
	if !ok {
		return "", fmt.Errorf("not encrypted: %q", ciphertext)
	}
	return plain, nil
}

// throttlingBackend returns ErrThrottled for the first Gets and Mutates.
type throttlingBackend struct {
	coordination.Backend
	mu          sync.Mutex
	getFails    int
	mutateFails int
	gets        int
}

func (b *throttlingBackend) Get(ctx context.Context, table, key string) ([]byte, error) {
	b.mu.Lock()
	b.gets++
	if b.getFails > 0 {
		b.getFails--
		b.mu.Unlock()
		return nil, fmt.Errorf("read %s: %w", key, coordination.ErrThrottled)
	}
	b.mu.Unlock()
	return b.Backend.Get(ctx, table, key)
}

func (b *throttlingBackend) Mutate(ctx context.Context, table, key string, fn coordination.MutateFunc) ([]byte, error) {
	b.mu.Lock()
	if b.mutateFails > 0 {
		b.mutateFails--
		b.mu.Unlock()
		return nil, fmt.Errorf("write %s: %w", key, coordination.ErrThrottled)
	}
	b.mu.Unlock()
	return b.Backend.Mutate(ctx, table, key, fn)
}

type recordingObserver struct {
	mu     sync.Mutex
	events []BatchEvent
}

func (o *recordingObserver) BatchChanged(ev BatchEvent) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.events = append(o.events, ev)
}

func (o *recordingObserver) types() []string {
	o.mu.Lock()
	defer o.mu.Unlock()
	out := make([]string, 0, len(o.events))
	for _, ev := range o.events {
		out = append(out, ev.Type)
	}
	return out
}

type fixture struct {
	engine    *Engine
	backend   coordination.Backend
	objects   *fakeObjects
	notifier  *fakeNotifier
	warehouse *fakeWarehouse
	observer  *recordingObserver

	mu     sync.Mutex
	now    time.Time
	sleeps []time.Duration
	nextID int
}

func (f *fixture) advance(d time.Duration) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.now = f.now.Add(d)
}

func (f *fixture) sleepLog() []time.Duration {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]time.Duration(nil), f.sleeps...)
}

func newFixture(t *testing.T, configure ...func(*EngineOptions)) *fixture {
	t.Helper()
	f := &fixture{
		backend:   coordination.NewMemoryBackend(),
		objects:   newFakeObjects(),
		notifier:  &fakeNotifier{},
		warehouse: newFakeWarehouse(),
		observer:  &recordingObserver{},
		now:       time.Date(2026, 3, 14, 9, 26, 53, 0, time.UTC),
	}
	opts := EngineOptions{
		Backend:   f.backend,
		Objects:   f.objects,
		Notifier:  f.notifier,
		Decryptor: prefixDecryptor{},
		Warehouse: f.warehouse,
		Observer:  f.observer,
		LoadCredentials: Credentials{
			AccessKeyID:     "AKIDEXAMPLE",
			SecretAccessKey: "secret",
		},
		Now: func() time.Time {
			f.mu.Lock()
			defer f.mu.Unlock()
			return f.now
		},
		Sleep: func(ctx context.Context, d time.Duration) error {
			f.mu.Lock()
			f.sleeps = append(f.sleeps, d)
			f.mu.Unlock()
			return ctx.Err()
		},
		NewBatchID: func() string {
			f.mu.Lock()
			defer f.mu.Unlock()
			f.nextID++
			return fmt.Sprintf("batch-%d", f.nextID)
		},
		Intn: func(n int) int { return 42 % n },
		Logf: t.Logf,
	}
	for _, fn := range configure {
		fn(&opts)
	}
	if opts.Backend != nil {
		f.backend = opts.Backend
	}
	engine, err := NewEngine(opts)
	require.NoError(t, err)
	f.engine = engine
	return f
}

func testConfig(prefix string) WatchConfig {
	return WatchConfig{
		SchemaVersion:  CurrentSchemaVersion,
		Prefix:         prefix,
		BatchSizeCount: 3,
		DataFormat:     FormatCSV,
		CSVDelimiter:   "|",
		LoadTargets: []LoadTarget{{
			Endpoint:          "wh1.example.com",
			Port:              5439,
			Database:          "dev",
			User:              "loader",
			EncryptedPassword: "enc:pw1",
			Table:             "events",
		}},
		ManifestBucket:    "manifests",
		ManifestKey:       "loads/manifest",
		FailedManifestKey: "loads/failed",
		SuccessTopic:      "batch.ok",
		FailureTopic:      "batch.failed",
	}
}

func putConfig(t *testing.T, f *fixture, cfg WatchConfig) WatchConfig {
	t.Helper()
	stored, err := f.engine.Records().PutWatchConfig(context.Background(), cfg)
	require.NoError(t, err)
	return stored
}

func currentConfig(t *testing.T, f *fixture, prefix string) WatchConfig {
	t.Helper()
	cfg, err := f.engine.Records().GetWatchConfig(context.Background(), prefix)
	require.NoError(t, err)
	return cfg
}

func createdEvent(t *testing.T, bucket, key string, size int64) ObjectCreatedEvent {
	t.Helper()
	ev, err := NewObjectCreatedEvent(bucket, key, size, "ObjectCreated:Put")
	require.NoError(t, err)
	return ev
}

// seedBatch writes a batch row directly, bypassing the state table.
func seedBatch(t *testing.T, f *fixture, batch Batch) {
	t.Helper()
	_, err := f.engine.Records().MutateBatch(context.Background(), batch.Prefix, batch.BatchID, func(b *Batch, _ bool) error {
		*b = batch
		return nil
	})
	require.NoError(t, err)
}
