package batchload

import (
	"context"
	"errors"
	"slices"
)

// CheckAndAdmit records a sighting of file and, in the same write, claims
// it for batchID. The sighting is always counted; admitted is true only for
// the call whose write set the claim, so concurrent deliveries of one file
// admit it once.
func (e *Engine) CheckAndAdmit(ctx context.Context, file, batchID string) (ProcessedFile, bool, error) {
	if file == "" || batchID == "" {
		return ProcessedFile{}, false, ErrInvalidInput
	}
	var pf ProcessedFile
	admitted := false
	err := e.withStoreRetry(ctx, "record processed file", func() error {
		var err error
		admitted = false
		pf, err = e.records.MutateProcessedFile(ctx, file, func(row *ProcessedFile, _ bool) error {
			row.ReceiveDateTime = e.now()
			row.TimesReceived++
			if row.BatchID == "" {
				row.BatchID = batchID
				admitted = true
			}
			return nil
		})
		return err
	})
	if err != nil {
		return ProcessedFile{}, false, err
	}
	return pf, admitted, nil
}

// RepointFile moves the claim on file from one batch to another. moved is
// false when the claim no longer points at from.
func (e *Engine) RepointFile(ctx context.Context, file, from, to string) (bool, error) {
	moved := false
	err := e.withStoreRetry(ctx, "repoint processed file", func() error {
		moved = false
		_, err := e.records.MutateProcessedFile(ctx, file, func(row *ProcessedFile, exists bool) error {
			if !exists || row.BatchID != from {
				return errNothingToDetach
			}
			row.BatchID = to
			moved = true
			return nil
		})
		return err
	})
	if errors.Is(err, errNothingToDetach) {
		return false, nil
	}
	return moved, err
}

// releaseClaim drops the claim on file when the claimed batch does not hold
// it, so a redelivery can admit the file again.
func (e *Engine) releaseClaim(ctx context.Context, prefix, file string) error {
	pf, err := e.records.GetProcessedFile(ctx, file)
	if errors.Is(err, ErrNotFound) {
		return nil
	}
	if err != nil {
		return err
	}
	if pf.BatchID == "" {
		return nil
	}
	batch, err := e.records.GetBatch(ctx, prefix, pf.BatchID)
	switch {
	case errors.Is(err, ErrNotFound):
	case err != nil:
		return err
	case batch.HasEntry(file):
		return nil
	}
	err = e.withStoreRetry(ctx, "release processed file", func() error {
		_, err := e.records.MutateProcessedFile(ctx, file, func(row *ProcessedFile, exists bool) error {
			if !exists || row.BatchID != pf.BatchID {
				return errNothingToDetach
			}
			row.BatchID = ""
			return nil
		})
		return err
	})
	if errors.Is(err, errNothingToDetach) {
		return nil
	}
	return err
}

// LinkFileToBatch marks file as a member of batchID.
func (e *Engine) LinkFileToBatch(ctx context.Context, file, batchID string) error {
	return e.withStoreRetry(ctx, "link processed file", func() error {
		_, err := e.records.MutateProcessedFile(ctx, file, func(row *ProcessedFile, _ bool) error {
			row.BatchID = batchID
			return nil
		})
		return err
	})
}

// DetachFileFromBatch clears the batch link of file when it points at
// batchID, or at any batch when batchID is empty, and appends the old id to
// the file's history. detached is false when there was nothing to detach.
func (e *Engine) DetachFileFromBatch(ctx context.Context, file, batchID string) (bool, error) {
	detached := false
	err := e.withStoreRetry(ctx, "detach processed file", func() error {
		detached = false
		_, err := e.records.MutateProcessedFile(ctx, file, func(row *ProcessedFile, exists bool) error {
			if !exists || row.BatchID == "" {
				return errNothingToDetach
			}
			if batchID != "" && row.BatchID != batchID {
				return errNothingToDetach
			}
			if !slices.Contains(row.PreviousBatches, row.BatchID) {
				row.PreviousBatches = append(row.PreviousBatches, row.BatchID)
			}
			row.BatchID = ""
			detached = true
			return nil
		})
		return err
	})
	if errors.Is(err, errNothingToDetach) {
		return false, nil
	}
	return detached, err
}

var errNothingToDetach = errors.New("processed file not linked")
