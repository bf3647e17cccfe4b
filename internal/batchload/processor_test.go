package batchload

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHandleEventFlushesOnCount(t *testing.T) {
	f := newFixture(t)
	cfg := testConfig("landing/sales")
	cfg.CurrentBatchID = "batch-0"
	putConfig(t, f, cfg)
	ctx := context.Background()

	for i, name := range []string{"a.csv", "b.csv"} {
		out, err := f.engine.HandleEvent(ctx, createdEvent(t, "landing", "sales/"+name, int64(i+1)))
		require.NoError(t, err)
		assert.True(t, out.Admitted)
		assert.False(t, out.Flushed)
		assert.Equal(t, "batch-0", out.BatchID)
	}
	out, err := f.engine.HandleEvent(ctx, createdEvent(t, "landing", "sales/c.csv", 3))
	require.NoError(t, err)
	assert.True(t, out.Flushed)
	assert.Equal(t, FlushCount, out.Reason)
	assert.Equal(t, StatusComplete, out.Status)

	batch, err := f.engine.DescribeBatch(ctx, cfg.Prefix, "batch-0")
	require.NoError(t, err)
	assert.Equal(t, StatusComplete, batch.Status)
	assert.Equal(t, int64(6), batch.Size)
	assert.Equal(t, "manifests/loads/manifest/manifest-2026-03-14 09:26:53-42", batch.ManifestPath)
	assert.Equal(t, TargetOK, batch.LoadStatus["wh1.example.com:5439/dev.events"].Status)
	assert.Equal(t, "batch-1", currentConfig(t, f, cfg.Prefix).CurrentBatchID)
	assert.Equal(t, 1, f.warehouse.calls("wh1.example.com"))

	sent := f.notifier.messages()
	require.Len(t, sent, 1)
	assert.Equal(t, "batch.ok", sent[0].Topic)
	assert.Equal(t, "Batch Loader Batch Load batch-0 OK", sent[0].Subject)
	var note Notification
	require.NoError(t, json.Unmarshal(sent[0].Message, &note))
	assert.Equal(t, "ok", note.Status)
	assert.Equal(t, "landing/sales", note.Prefix)
	assert.Equal(t, "landing/sales/c.csv", note.Key)
	assert.Equal(t, batch.ManifestPath, note.OriginalManifest)

	out, err = f.engine.HandleEvent(ctx, createdEvent(t, "landing", "sales/d.csv", 1))
	require.NoError(t, err)
	assert.Equal(t, "batch-1", out.BatchID)

	out, err = f.engine.HandleEvent(ctx, createdEvent(t, "landing", "sales/a.csv", 1))
	require.NoError(t, err)
	assert.True(t, out.Duplicate)
	assert.Equal(t, "batch-0", out.BatchID)
	pf, err := f.engine.DescribeProcessedFile(ctx, "landing/sales/a.csv")
	require.NoError(t, err)
	assert.Equal(t, int64(2), pf.TimesReceived)
}

func TestHandleEventFailureNotifiesAndRelocatesManifest(t *testing.T) {
	f := newFixture(t)
	cfg := twoTargetConfig()
	cfg.BatchSizeCount = 1
	putConfig(t, f, cfg)
	f.warehouse.fail("wh2.example.com", errors.New("relation events does not exist"))

	out, err := f.engine.HandleEvent(context.Background(), createdEvent(t, "landing", "sales/a.csv", 10))
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrBatchFailed)
	assert.Equal(t, StatusError, out.Status)

	batch, err := f.engine.DescribeBatch(context.Background(), cfg.Prefix, out.BatchID)
	require.NoError(t, err)
	assert.Equal(t, StatusError, batch.Status)
	var perTarget map[string]TargetResult
	require.NoError(t, json.Unmarshal([]byte(batch.ErrorMessage), &perTarget))
	assert.Equal(t, TargetOK, perTarget["wh1.example.com:5439/dev.events"].Status)
	assert.Equal(t, TargetError, perTarget["wh2.example.com:5439/dev.events"].Status)
	assert.Equal(t, "manifests/loads/failed/manifest-2026-03-14 09:26:53-42", batch.FailedManifestPath)
	_, ok := f.objects.get(batch.FailedManifestPath)
	assert.True(t, ok)

	sent := f.notifier.messages()
	require.Len(t, sent, 1)
	assert.Equal(t, "batch.failed", sent[0].Topic)
	assert.Equal(t, fmt.Sprintf("Batch Loader Batch Load %s Failure", out.BatchID), sent[0].Subject)
	var note Notification
	require.NoError(t, json.Unmarshal(sent[0].Message, &note))
	assert.Equal(t, "error", note.Status)
	assert.Equal(t, batch.FailedManifestPath, note.FailedManifest)
}

func TestHandleEventSuppressesNotifiedFailure(t *testing.T) {
	f := newFixture(t, func(o *EngineOptions) { o.SuppressFailureOnNotification = true })
	cfg := testConfig("landing/sales")
	cfg.BatchSizeCount = 1
	putConfig(t, f, cfg)
	f.warehouse.fail("wh1.example.com", errors.New("disk full"))

	out, err := f.engine.HandleEvent(context.Background(), createdEvent(t, "landing", "sales/a.csv", 10))
	require.NoError(t, err)
	assert.Equal(t, StatusError, out.Status)

	f.notifier.err = errors.New("topic unavailable")
	f.warehouse.fail("wh1.example.com", errors.New("disk full"))
	_, err = f.engine.HandleEvent(context.Background(), createdEvent(t, "landing", "sales/b.csv", 10))
	assert.ErrorIs(t, err, ErrBatchFailed, "an unsent notification cannot suppress the failure")
}

func TestHandleEventManifestWriteFailure(t *testing.T) {
	f := newFixture(t)
	cfg := testConfig("landing/sales")
	cfg.BatchSizeCount = 1
	putConfig(t, f, cfg)
	f.objects.putErr = errors.New("bucket gone")

	out, err := f.engine.HandleEvent(context.Background(), createdEvent(t, "landing", "sales/a.csv", 10))
	assert.ErrorIs(t, err, ErrBatchFailed)
	assert.Contains(t, err.Error(), "bucket gone")
	assert.Zero(t, f.warehouse.totalCalls())

	batch, err := f.engine.DescribeBatch(context.Background(), cfg.Prefix, out.BatchID)
	require.NoError(t, err)
	assert.Equal(t, StatusError, batch.Status)
	assert.Contains(t, batch.ErrorMessage, "bucket gone")
}

func TestHandleEventFilenameFilter(t *testing.T) {
	f := newFixture(t)
	cfg := testConfig("landing/sales")
	cfg.FilenameFilter = `\.csv$`
	cfg.CurrentBatchID = "batch-0"
	putConfig(t, f, cfg)

	out, err := f.engine.HandleEvent(context.Background(), createdEvent(t, "landing", "sales/_SUCCESS", 0))
	require.NoError(t, err)
	assert.True(t, out.Filtered)
	assert.False(t, out.Admitted)
	_, err = f.engine.DescribeProcessedFile(context.Background(), "landing/sales/_SUCCESS")
	assert.ErrorIs(t, err, ErrNotFound)

	assert.True(t, filenameMatches(`([`, "anything"), "an invalid filter matches")
}

func TestHandleEventFilteredFileFlushesAgedBatch(t *testing.T) {
	f := newFixture(t)
	cfg := testConfig("landing/sales")
	cfg.FilenameFilter = `\.csv$`
	cfg.BatchSizeCount = 0
	cfg.BatchTimeoutSeconds = 60
	cfg.CurrentBatchID = "batch-0"
	putConfig(t, f, cfg)

	_, err := f.engine.HandleEvent(context.Background(), createdEvent(t, "landing", "sales/a.csv", 1))
	require.NoError(t, err)
	f.advance(2 * time.Minute)

	out, err := f.engine.HandleEvent(context.Background(), createdEvent(t, "landing", "sales/marker.done", 0))
	require.NoError(t, err)
	assert.True(t, out.Filtered)
	assert.True(t, out.Flushed)
	assert.Equal(t, FlushAge, out.Reason)
}

func TestHandleEventUnknownPrefix(t *testing.T) {
	f := newFixture(t)
	_, err := f.engine.HandleEvent(context.Background(), createdEvent(t, "landing", "nowhere/a.csv", 1))
	assert.ErrorIs(t, err, ErrConfigNotFound)
}

func TestHandleEventStuckBatchNotifies(t *testing.T) {
	f := newFixture(t, func(o *EngineOptions) { o.AppendRetryLimit = 2 })
	cfg := testConfig("landing/sales")
	cfg.CurrentBatchID = "batch-0"
	putConfig(t, f, cfg)
	seedBatch(t, f, Batch{BatchID: "batch-0", Prefix: cfg.Prefix, Status: StatusLocked, Entries: []string{"x"}})

	_, err := f.engine.HandleEvent(context.Background(), createdEvent(t, "landing", "sales/a.csv", 1))
	assert.ErrorIs(t, err, ErrStuckBatch)
	sent := f.notifier.messages()
	require.Len(t, sent, 1)
	assert.Equal(t, "batch.failed", sent[0].Topic)
	assert.Contains(t, string(sent[0].Message), "batch-0")
}

func TestConcurrentEventsLandInExactlyOneBatch(t *testing.T) {
	f := newFixture(t)
	cfg := testConfig("landing/sales")
	cfg.BatchSizeCount = 5
	cfg.CurrentBatchID = "batch-0"
	putConfig(t, f, cfg)

	const files = 40
	var wg sync.WaitGroup
	for i := 0; i < files; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			ev := createdEvent(t, "landing", fmt.Sprintf("sales/f%02d.csv", n), 1)
			_, err := f.engine.HandleEvent(context.Background(), ev)
			assert.NoError(t, err)
		}(i)
	}
	wg.Wait()

	batches, err := f.engine.QueryBatches(context.Background(), BatchQuery{Prefix: cfg.Prefix})
	require.NoError(t, err)
	owner := map[string]string{}
	complete := 0
	for _, b := range batches {
		if b.Status == StatusComplete {
			complete++
			assert.GreaterOrEqual(t, len(b.Entries), 5)
		} else {
			assert.Equal(t, StatusOpen, b.Status)
			assert.Less(t, len(b.Entries), 5)
		}
		for _, entry := range b.Entries {
			prev, dup := owner[entry]
			assert.False(t, dup, "%s in %s and %s", entry, prev, b.BatchID)
			owner[entry] = b.BatchID
		}
	}
	assert.Len(t, owner, files)
	assert.Equal(t, complete, f.warehouse.calls("wh1.example.com"))

	for entry, batchID := range owner {
		pf, err := f.engine.DescribeProcessedFile(context.Background(), entry)
		require.NoError(t, err)
		assert.Equal(t, batchID, pf.BatchID)
	}
}

func TestSweepPendingFlushesAgedBatches(t *testing.T) {
	f := newFixture(t)
	aged := testConfig("landing/sales")
	aged.BatchSizeCount = 0
	aged.BatchTimeoutSeconds = 60
	aged.CurrentBatchID = "batch-0"
	putConfig(t, f, aged)
	fresh := testConfig("landing/orders")
	fresh.CurrentBatchID = "orders-0"
	putConfig(t, f, fresh)

	_, err := f.engine.HandleEvent(context.Background(), createdEvent(t, "landing", "sales/a.csv", 1))
	require.NoError(t, err)
	_, err = f.engine.HandleEvent(context.Background(), createdEvent(t, "landing", "orders/a.csv", 1))
	require.NoError(t, err)

	flushed, err := f.engine.SweepPending(context.Background())
	require.NoError(t, err)
	assert.Zero(t, flushed)

	f.advance(61 * time.Second)
	flushed, err = f.engine.SweepPending(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, flushed)

	batch, err := f.engine.DescribeBatch(context.Background(), aged.Prefix, "batch-0")
	require.NoError(t, err)
	assert.Equal(t, StatusComplete, batch.Status)
	orders, err := f.engine.DescribeBatch(context.Background(), fresh.Prefix, "orders-0")
	require.NoError(t, err)
	assert.Equal(t, StatusOpen, orders.Status)
}

type hookObserver struct {
	fn func(BatchEvent)
}

func (h *hookObserver) BatchChanged(ev BatchEvent) {
	if h.fn != nil {
		h.fn(ev)
	}
}

func TestRedeliveryDuringRotationAdmitsOnce(t *testing.T) {
	hook := &hookObserver{}
	f := newFixture(t, func(o *EngineOptions) { o.Observer = hook })
	cfg := testConfig("landing/sales")
	cfg.BatchSizeCount = 10
	cfg.CurrentBatchID = "batch-0"
	putConfig(t, f, cfg)
	ctx := context.Background()

	var second Outcome
	var secondErr error
	hook.fn = func(ev BatchEvent) {
		if ev.Type != EventAppended || ev.BatchID != "batch-0" {
			return
		}
		hook.fn = nil
		_, locked, err := f.engine.LockAndRotate(ctx, cfg.Prefix, "batch-0")
		require.NoError(t, err)
		require.True(t, locked)
		second, secondErr = f.engine.HandleEvent(ctx, createdEvent(t, "landing", "sales/x.csv", 5))
	}

	first, err := f.engine.HandleEvent(ctx, createdEvent(t, "landing", "sales/x.csv", 5))
	require.NoError(t, err)
	assert.True(t, first.Admitted)
	require.NoError(t, secondErr)
	assert.True(t, second.Duplicate)
	assert.False(t, second.Admitted)
	assert.Equal(t, "batch-0", second.BatchID)

	locked, err := f.engine.DescribeBatch(ctx, cfg.Prefix, "batch-0")
	require.NoError(t, err)
	assert.Equal(t, StatusLocked, locked.Status)
	assert.Equal(t, []string{"landing/sales/x.csv"}, locked.Entries)
	assert.Equal(t, "batch-1", currentConfig(t, f, cfg.Prefix).CurrentBatchID)
	_, err = f.engine.DescribeBatch(ctx, cfg.Prefix, "batch-1")
	assert.ErrorIs(t, err, ErrNotFound, "the redelivery must not start the next batch")

	pf, err := f.engine.DescribeProcessedFile(ctx, "landing/sales/x.csv")
	require.NoError(t, err)
	assert.Equal(t, "batch-0", pf.BatchID)
	assert.Equal(t, int64(2), pf.TimesReceived)
}

func TestStuckAppendReleasesClaim(t *testing.T) {
	f := newFixture(t, func(o *EngineOptions) { o.AppendRetryLimit = 2 })
	cfg := testConfig("landing/sales")
	cfg.CurrentBatchID = "batch-0"
	putConfig(t, f, cfg)
	seedBatch(t, f, Batch{BatchID: "batch-0", Prefix: cfg.Prefix, Status: StatusLocked, Entries: []string{"landing/sales/z.csv"}})
	ctx := context.Background()

	_, err := f.engine.HandleEvent(ctx, createdEvent(t, "landing", "sales/a.csv", 1))
	assert.ErrorIs(t, err, ErrStuckBatch)
	pf, err := f.engine.DescribeProcessedFile(ctx, "landing/sales/a.csv")
	require.NoError(t, err)
	assert.Empty(t, pf.BatchID, "a file that never reached a batch keeps no claim")
	sent := f.notifier.messages()
	require.Len(t, sent, 1)
	assert.Equal(t, "Batch Loader Batch Load batch-0 Stuck", sent[0].Subject)

	_, err = f.engine.UnlockBatch(ctx, cfg.Prefix, "batch-0")
	require.NoError(t, err)
	out, err := f.engine.HandleEvent(ctx, createdEvent(t, "landing", "sales/a.csv", 1))
	require.NoError(t, err)
	assert.True(t, out.Admitted)
	assert.Equal(t, "batch-0", out.BatchID)
}

// cancellingWarehouse cancels the invocation context while a load runs.
type cancellingWarehouse struct {
	cancel context.CancelFunc
}

func (w *cancellingWarehouse) Exec(ctx context.Context, _ Connection, _ string) error {
	w.cancel()
	return ctx.Err()
}

func TestFlushClosesBatchWhenCallerCancels(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	f := newFixture(t, func(o *EngineOptions) { o.Warehouse = &cancellingWarehouse{cancel: cancel} })
	cfg := testConfig("landing/sales")
	cfg.BatchSizeCount = 1
	cfg.CurrentBatchID = "batch-0"
	putConfig(t, f, cfg)

	out, err := f.engine.HandleEvent(ctx, createdEvent(t, "landing", "sales/a.csv", 10))
	assert.ErrorIs(t, err, ErrBatchFailed)
	assert.True(t, out.Flushed)
	assert.Equal(t, StatusError, out.Status)

	batch, err := f.engine.DescribeBatch(context.Background(), cfg.Prefix, "batch-0")
	require.NoError(t, err)
	assert.Equal(t, StatusError, batch.Status)
	assert.NotEmpty(t, batch.FailedManifestPath)
	assert.Equal(t, "batch-1", currentConfig(t, f, cfg.Prefix).CurrentBatchID)

	sent := f.notifier.messages()
	require.Len(t, sent, 1)
	assert.Equal(t, "batch.failed", sent[0].Topic)
	var note Notification
	require.NoError(t, json.Unmarshal(sent[0].Message, &note))
	assert.Equal(t, batch.FailedManifestPath, note.FailedManifest)
}
