package batchload

import (
	"context"
	"errors"
	"time"

	"github.com/agentworkforce/batchloader/internal/metrics"
)

// FlushReason names the threshold that made a batch due.
type FlushReason string

const (
	FlushNone  FlushReason = ""
	FlushCount FlushReason = "count"
	FlushAge   FlushReason = "age"
	FlushSize  FlushReason = "size"
)

// ShouldFlush evaluates the thresholds of cfg against batch. Unset (zero)
// thresholds never trigger, and age and size only count for a batch that
// holds entries.
func ShouldFlush(cfg WatchConfig, batch Batch, now time.Time) FlushReason {
	count := len(batch.Entries)
	if cfg.BatchSizeCount > 0 && count >= cfg.BatchSizeCount {
		return FlushCount
	}
	if count == 0 {
		return FlushNone
	}
	if cfg.BatchTimeoutSeconds > 0 {
		if created := batch.CreatedAt(); !created.IsZero() && now.Sub(created) > time.Duration(cfg.BatchTimeoutSeconds)*time.Second {
			return FlushAge
		}
	}
	if cfg.BatchSizeBytes > 0 && batch.Size >= cfg.BatchSizeBytes {
		return FlushSize
	}
	return FlushNone
}

// AppendToBatch adds file to the open batch of cfg. When the batch it aims
// at has been locked, it re-reads the current batch pointer and follows a
// rotation at once, moving the ledger claim on file along with it, or backs
// off while the pointer is unchanged. After the retry limit it gives up with
// a StuckBatchError.
func (e *Engine) AppendToBatch(ctx context.Context, cfg WatchConfig, file string, size int64) (Batch, error) {
	batchID := cfg.CurrentBatchID
	if batchID == "" {
		rotated, err := e.ensureCurrentBatch(ctx, cfg.Prefix)
		if err != nil {
			return Batch{}, err
		}
		batchID = rotated
	}
	for attempt := 1; attempt <= e.appendRetryLimit; attempt++ {
		var batch Batch
		err := e.withStoreRetry(ctx, "append to batch "+batchID, func() error {
			var err error
			batch, err = e.records.MutateBatch(ctx, cfg.Prefix, batchID, func(b *Batch, _ bool) error {
				if checkTransition(batchID, b.Status, StatusOpen) != nil {
					return ErrConditionFailed
				}
				now := e.now()
				b.Status = StatusOpen
				b.LastUpdate = now
				if b.HasEntry(file) {
					return nil
				}
				b.Entries = append(b.Entries, file)
				if b.EntrySizes == nil {
					b.EntrySizes = map[string]int64{}
				}
				b.EntrySizes[file] = size
				b.Size += size
				b.WriteDates = append(b.WriteDates, now)
				return nil
			})
			return err
		})
		if err == nil {
			if attempt > 1 {
				e.metrics.IncCounter(metrics.AppendRetriesTotal, float64(attempt-1), metrics.Labels{"prefix": cfg.Prefix})
			}
			e.emit(BatchEvent{Type: EventAppended, Prefix: cfg.Prefix, BatchID: batchID, Status: StatusOpen, File: file})
			return batch, nil
		}
		if !errors.Is(err, ErrConditionFailed) {
			return Batch{}, err
		}

		latest, err := e.reloadConfig(ctx, cfg.Prefix)
		if err != nil {
			return Batch{}, err
		}
		if latest.CurrentBatchID != "" && latest.CurrentBatchID != batchID {
			e.logf("batch %s of %s rotated to %s, retrying append of %s", batchID, cfg.Prefix, latest.CurrentBatchID, file)
			if _, err := e.RepointFile(ctx, file, batchID, latest.CurrentBatchID); err != nil {
				return Batch{}, err
			}
			batchID = latest.CurrentBatchID
			continue
		}
		wait := quadraticBackoff(attempt)
		e.logf("batch %s of %s is not open, retrying append of %s in %s (attempt %d)", batchID, cfg.Prefix, file, wait, attempt)
		if err := e.sleep(ctx, wait); err != nil {
			return Batch{}, err
		}
	}
	e.metrics.IncCounter(metrics.AppendRetriesTotal, float64(e.appendRetryLimit), metrics.Labels{"prefix": cfg.Prefix, "outcome": "stuck"})
	return Batch{}, &StuckBatchError{Prefix: cfg.Prefix, BatchID: batchID, File: file, Attempts: e.appendRetryLimit}
}

// ensureCurrentBatch gives a config without a batch pointer its first batch.
func (e *Engine) ensureCurrentBatch(ctx context.Context, prefix string) (string, error) {
	var cfg WatchConfig
	err := e.withStoreRetry(ctx, "initialise current batch "+prefix, func() error {
		var err error
		cfg, err = e.records.MutateWatchConfig(ctx, prefix, func(c *WatchConfig) error {
			if c.CurrentBatchID == "" {
				now := e.now()
				c.CurrentBatchID = e.newBatchID()
				c.LastBatchRotation = &now
			}
			return nil
		})
		return err
	})
	return cfg.CurrentBatchID, err
}

// LockAndRotate locks batchID and points the config at a fresh batch.
// locked is false, with no error, when another worker got there first or
// the batch is not open.
func (e *Engine) LockAndRotate(ctx context.Context, prefix, batchID string) (Batch, bool, error) {
	var batch Batch
	err := e.withStoreRetry(ctx, "lock batch "+batchID, func() error {
		var err error
		batch, err = e.records.MutateExistingBatch(ctx, prefix, batchID, func(b *Batch) error {
			if checkTransition(batchID, b.Status, StatusLocked) != nil {
				return ErrConditionFailed
			}
			b.Status = StatusLocked
			b.LastUpdate = e.now()
			return nil
		})
		return err
	})
	if errors.Is(err, ErrConditionFailed) || errors.Is(err, ErrNotFound) {
		return Batch{}, false, nil
	}
	if err != nil {
		return Batch{}, false, err
	}
	e.emit(BatchEvent{Type: EventLocked, Prefix: prefix, BatchID: batchID, Status: StatusLocked})

	// Once locked, rotation no longer depends on the caller's context.
	rotateCtx, cancel := e.detached(ctx)
	defer cancel()
	next := e.newBatchID()
	err = e.withStoreRetry(rotateCtx, "rotate batch "+batchID, func() error {
		_, err := e.records.MutateWatchConfig(rotateCtx, prefix, func(c *WatchConfig) error {
			if c.CurrentBatchID != batchID && c.CurrentBatchID != "" {
				return nil
			}
			now := e.now()
			c.CurrentBatchID = next
			c.LastBatchRotation = &now
			return nil
		})
		return err
	})
	if err != nil {
		return batch, true, err
	}
	e.logf("locked batch %s of %s with %d entries, rotated to %s", batchID, prefix, len(batch.Entries), next)
	return batch, true, nil
}
