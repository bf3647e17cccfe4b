package batchload

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func seedObject(f *fixture, path string) {
	f.objects.mu.Lock()
	defer f.objects.mu.Unlock()
	f.objects.objects[path] = []byte("data")
	f.objects.meta[path] = map[string]string{"owner": "etl"}
}

func TestReprocessBatch(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	cfg := putConfig(t, f, testConfig("landing/sales"))
	entries := []string{"landing/sales/a.csv", "landing/sales/b+c.csv", "landing/sales/skip.csv"}
	seedBatch(t, f, Batch{BatchID: "b1", Prefix: cfg.Prefix, Status: StatusError, Entries: entries})
	seedObject(f, "landing/sales/a.csv")
	seedObject(f, "landing/sales/b c.csv")
	for _, entry := range entries {
		require.NoError(t, f.engine.LinkFileToBatch(ctx, entry, "b1"))
	}

	result, err := f.engine.ReprocessBatch(ctx, cfg.Prefix, "b1", []string{"landing/sales/skip.csv"})
	require.NoError(t, err)
	assert.Equal(t, StatusReprocessed, result.Batch.Status)
	assert.Equal(t, []string{"landing/sales/a.csv", "landing/sales/b+c.csv"}, result.Retriggered)
	assert.Equal(t, []string{"landing/sales/skip.csv"}, result.Omitted)
	assert.Equal(t, 2, result.Detached)

	require.Len(t, f.objects.copies, 2)
	copied := f.objects.copies[1]
	assert.Equal(t, "landing", copied.Bucket)
	assert.Equal(t, "sales/b c.csv", copied.Key)
	assert.Equal(t, copied.SourceKey, copied.Key)
	assert.True(t, copied.ReplaceMetadata)
	assert.Equal(t, "etl", copied.Metadata["owner"])
	assert.Equal(t, "Batch Loader Reprocess Batch b1", copied.Metadata["x-amz-meta-copy-reason"])

	pf, err := f.engine.DescribeProcessedFile(ctx, "landing/sales/a.csv")
	require.NoError(t, err)
	assert.Empty(t, pf.BatchID)
	assert.Equal(t, []string{"b1"}, pf.PreviousBatches)
	skipped, err := f.engine.DescribeProcessedFile(ctx, "landing/sales/skip.csv")
	require.NoError(t, err)
	assert.Equal(t, "b1", skipped.BatchID)

	assert.Equal(t, []string{EventReprocessing, EventReprocessed}, f.observer.types())
}

func TestReprocessBatchPreconditions(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	cfg := putConfig(t, f, testConfig("landing/sales"))
	seedBatch(t, f, Batch{BatchID: "open", Prefix: cfg.Prefix, Status: StatusOpen, Entries: []string{"landing/sales/a.csv"}})
	seedBatch(t, f, Batch{BatchID: "done", Prefix: cfg.Prefix, Status: StatusComplete, Entries: []string{"landing/sales/a.csv"}})
	seedBatch(t, f, Batch{BatchID: "empty", Prefix: cfg.Prefix, Status: StatusLocked})

	_, err := f.engine.ReprocessBatch(ctx, cfg.Prefix, "open", nil)
	assert.ErrorIs(t, err, ErrInvalidState)
	_, err = f.engine.ReprocessBatch(ctx, cfg.Prefix, "done", nil)
	assert.ErrorIs(t, err, ErrInvalidState)
	_, err = f.engine.ReprocessBatch(ctx, cfg.Prefix, "empty", nil)
	assert.ErrorIs(t, err, ErrBatchEmpty)
	_, err = f.engine.ReprocessBatch(ctx, cfg.Prefix, "missing", nil)
	assert.ErrorIs(t, err, ErrNotFound)

	batch, err := f.engine.DescribeBatch(ctx, cfg.Prefix, "empty")
	require.NoError(t, err)
	assert.Equal(t, StatusLocked, batch.Status, "a refused run leaves the batch untouched")
}

func TestReprocessBatchStaysReprocessingOnCopyFailure(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	cfg := putConfig(t, f, testConfig("landing/sales"))
	seedBatch(t, f, Batch{BatchID: "b1", Prefix: cfg.Prefix, Status: StatusLocked, Entries: []string{"landing/sales/gone.csv"}})

	_, err := f.engine.ReprocessBatch(ctx, cfg.Prefix, "b1", nil)
	assert.ErrorIs(t, err, ErrNotFound)
	batch, err := f.engine.DescribeBatch(ctx, cfg.Prefix, "b1")
	require.NoError(t, err)
	assert.Equal(t, StatusReprocessing, batch.Status)
}

func TestReprocessFile(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	seedObject(f, "landing/sales/a.csv")
	require.NoError(t, f.engine.LinkFileToBatch(ctx, "landing/sales/a.csv", "b7"))

	require.NoError(t, f.engine.ReprocessFile(ctx, "landing/sales/a.csv"))
	pf, err := f.engine.DescribeProcessedFile(ctx, "landing/sales/a.csv")
	require.NoError(t, err)
	assert.Empty(t, pf.BatchID)
	assert.Equal(t, []string{"b7"}, pf.PreviousBatches)
	require.Len(t, f.objects.copies, 1)
	assert.Equal(t, "Batch Loader Reprocess File", f.objects.copies[0].Metadata["x-amz-meta-copy-reason"])
}
