package batchload

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strings"
)

// ReprocessResult summarises a reprocessing run.
type ReprocessResult struct {
	Batch       Batch
	Retriggered []string
	Omitted     []string
	Detached    int
}

// ReprocessBatch re-submits every entry of a locked or failed batch except
// those in omit. Each entry is detached from the batch in the ledger and
// then copied onto itself so the store delivers a fresh creation event.
// The batch stays in reprocessing when any re-trigger fails.
func (e *Engine) ReprocessBatch(ctx context.Context, prefix, batchID string, omit []string) (ReprocessResult, error) {
	var batch Batch
	err := e.withStoreRetry(ctx, "start reprocessing "+batchID, func() error {
		var err error
		batch, err = e.records.MutateExistingBatch(ctx, prefix, batchID, func(b *Batch) error {
			if err := checkTransition(batchID, b.Status, StatusReprocessing); err != nil {
				return err
			}
			if len(b.Entries) == 0 {
				return fmt.Errorf("%w: batch %s", ErrBatchEmpty, batchID)
			}
			b.Status = StatusReprocessing
			b.LastUpdate = e.now()
			return nil
		})
		return err
	})
	if err != nil {
		return ReprocessResult{}, err
	}
	e.emit(BatchEvent{Type: EventReprocessing, Prefix: prefix, BatchID: batchID, Status: StatusReprocessing})

	result := ReprocessResult{Batch: batch}
	var errs []error
	for _, entry := range batch.Entries {
		if slices.Contains(omit, entry) {
			result.Omitted = append(result.Omitted, entry)
			continue
		}
		detached, err := e.DetachFileFromBatch(ctx, entry, batchID)
		if err != nil {
			errs = append(errs, fmt.Errorf("detach %s: %w", entry, err))
			continue
		}
		if detached {
			result.Detached++
		}
		if err := e.retrigger(ctx, entry, "Reprocess Batch "+batchID); err != nil {
			errs = append(errs, err)
			continue
		}
		result.Retriggered = append(result.Retriggered, entry)
	}
	if len(errs) > 0 {
		return result, errors.Join(errs...)
	}

	err = e.withStoreRetry(ctx, "finish reprocessing "+batchID, func() error {
		var err error
		batch, err = e.records.MutateExistingBatch(ctx, prefix, batchID, func(b *Batch) error {
			if err := checkTransition(batchID, b.Status, StatusReprocessed); err != nil {
				return err
			}
			b.Status = StatusReprocessed
			b.LastUpdate = e.now()
			return nil
		})
		return err
	})
	if err != nil {
		return result, err
	}
	result.Batch = batch
	e.emit(BatchEvent{Type: EventReprocessed, Prefix: prefix, BatchID: batchID, Status: StatusReprocessed})
	e.logf("reprocessed batch %s of %s: %d re-triggered, %d omitted", batchID, prefix, len(result.Retriggered), len(result.Omitted))
	return result, nil
}

// ReprocessFile detaches one file from whatever batch holds it and
// re-triggers it.
func (e *Engine) ReprocessFile(ctx context.Context, file string) error {
	if _, err := e.DetachFileFromBatch(ctx, file, ""); err != nil {
		return fmt.Errorf("detach %s: %w", file, err)
	}
	return e.retrigger(ctx, file, "Reprocess File")
}

// retrigger copies a batch entry onto itself with replaced metadata.
func (e *Engine) retrigger(ctx context.Context, entry, reason string) error {
	if e.objects == nil {
		return fmt.Errorf("%w: no object store configured", ErrInvalidInput)
	}
	bucket, key, ok := strings.Cut(ObjectKey(entry), "/")
	if !ok || bucket == "" || key == "" {
		return fmt.Errorf("%w: entry %q is not bucket/key", ErrInvalidInput, entry)
	}
	info, err := e.objects.HeadObject(ctx, bucket, key)
	if err != nil {
		return fmt.Errorf("head %s: %w", entry, err)
	}
	meta := make(map[string]string, len(info.Metadata)+1)
	for k, v := range info.Metadata {
		meta[k] = v
	}
	meta["x-amz-meta-copy-reason"] = e.product + " " + reason
	err = e.objects.CopyObject(ctx, CopyObjectInput{
		SourceBucket:    bucket,
		SourceKey:       key,
		Bucket:          bucket,
		Key:             key,
		Metadata:        meta,
		ReplaceMetadata: true,
	})
	if err != nil {
		return fmt.Errorf("copy %s: %w", entry, err)
	}
	return nil
}
