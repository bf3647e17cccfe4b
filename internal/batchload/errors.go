package batchload

import (
	"errors"
	"fmt"
)

var (
	ErrNotFound                 = errors.New("not found")
	ErrConfigNotFound           = errors.New("no watch configuration found")
	ErrConditionFailed          = errors.New("conditional update failed")
	ErrInvalidInput             = errors.New("invalid input")
	ErrInvalidState             = errors.New("invalid state")
	ErrInvalidEvent             = errors.New("invalid event")
	ErrUnsupportedFormat        = errors.New("unsupported data format")
	ErrUnsupportedSchemaVersion = errors.New("unsupported configuration schema version")
	ErrInsufficientBudget       = errors.New("insufficient execution budget")
	ErrBatchEmpty               = errors.New("batch is empty")
	ErrStuckBatch               = errors.New("unable to append to open batch")
	ErrRetriesExhausted         = errors.New("retries exhausted")
	ErrBatchFailed              = errors.New("batch load failed")
)

// TransitionError reports a status change the state table does not allow.
type TransitionError struct {
	BatchID string
	From    BatchStatus
	To      BatchStatus
}

func (e *TransitionError) Error() string {
	return fmt.Sprintf("batch %s cannot move from %q to %q", e.BatchID, e.From, e.To)
}

func (e *TransitionError) Is(target error) bool {
	return target == ErrInvalidState
}

// StuckBatchError is raised when an append could not land in any open batch.
// The message carries the recovery steps an operator has to take.
type StuckBatchError struct {
	Prefix   string
	BatchID  string
	File     string
	Attempts int
}

func (e *StuckBatchError) Error() string {
	return fmt.Sprintf(
		"unable to write %s in %d attempts; failing further processing to batch %s of %s which may be stuck in %q state. "+
			"Unlock the batch, delete the processed file marker for %s, and store the file again",
		e.File, e.Attempts, e.BatchID, e.Prefix, StatusLocked, e.File,
	)
}

func (e *StuckBatchError) Is(target error) bool {
	return target == ErrStuckBatch
}
