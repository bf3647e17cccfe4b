package batchload

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"
)

// BatchQuery filters batches. Zero fields match everything.
type BatchQuery struct {
	Prefix        string
	Status        *BatchStatus
	UpdatedAfter  time.Time
	UpdatedBefore time.Time
}

func (q BatchQuery) matches(b Batch) bool {
	if q.Prefix != "" && b.Prefix != q.Prefix {
		return false
	}
	if q.Status != nil && b.Status != *q.Status {
		return false
	}
	if !q.UpdatedAfter.IsZero() && b.LastUpdate.Before(q.UpdatedAfter) {
		return false
	}
	if !q.UpdatedBefore.IsZero() && b.LastUpdate.After(q.UpdatedBefore) {
		return false
	}
	return true
}

func (e *Engine) DescribeBatch(ctx context.Context, prefix, batchID string) (Batch, error) {
	return e.records.GetBatch(ctx, prefix, batchID)
}

// QueryBatches returns matching batches, most recently updated first.
func (e *Engine) QueryBatches(ctx context.Context, q BatchQuery) ([]Batch, error) {
	var out []Batch
	err := e.records.ScanBatches(ctx, func(b Batch) error {
		if q.matches(b) {
			out = append(out, b)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	sort.SliceStable(out, func(i, j int) bool {
		return out[i].LastUpdate.After(out[j].LastUpdate)
	})
	return out, nil
}

// DeleteBatch removes a batch row. Open batches are still accumulating and
// cannot be deleted.
func (e *Engine) DeleteBatch(ctx context.Context, prefix, batchID string) error {
	batch, err := e.records.GetBatch(ctx, prefix, batchID)
	if err != nil {
		return err
	}
	if batch.Status == StatusOpen {
		return fmt.Errorf("%w: batch %s is open", ErrInvalidState, batchID)
	}
	return e.withStoreRetry(ctx, "delete batch "+batchID, func() error {
		return e.records.DeleteBatch(ctx, prefix, batchID)
	})
}

// UnlockBatch returns a locked or failed batch to open so further appends
// and a later flush can succeed.
func (e *Engine) UnlockBatch(ctx context.Context, prefix, batchID string) (Batch, error) {
	var batch Batch
	err := e.withStoreRetry(ctx, "unlock batch "+batchID, func() error {
		var err error
		batch, err = e.records.MutateExistingBatch(ctx, prefix, batchID, func(b *Batch) error {
			if err := checkOperatorTransition(batchID, b.Status, StatusOpen); err != nil {
				return err
			}
			b.Status = StatusOpen
			b.LastUpdate = e.now()
			return nil
		})
		return err
	})
	if err != nil {
		return Batch{}, err
	}
	e.emit(BatchEvent{Type: EventUnlocked, Prefix: prefix, BatchID: batchID, Status: StatusOpen})
	return batch, nil
}

// ResetCurrentBatch points the configuration at a brand new batch. Unless
// force is set, the current batch must not be open.
func (e *Engine) ResetCurrentBatch(ctx context.Context, prefix string, force bool) (WatchConfig, error) {
	cfg, err := e.records.GetWatchConfig(ctx, prefix)
	if err != nil {
		return WatchConfig{}, err
	}
	if !force && cfg.CurrentBatchID != "" {
		batch, err := e.records.GetBatch(ctx, prefix, cfg.CurrentBatchID)
		switch {
		case errors.Is(err, ErrNotFound):
		case err != nil:
			return WatchConfig{}, err
		case batch.Status == StatusOpen:
			return WatchConfig{}, fmt.Errorf("%w: current batch %s is open", ErrInvalidState, batch.BatchID)
		}
	}
	previous := cfg.CurrentBatchID
	next := e.newBatchID()
	err = e.withStoreRetry(ctx, "reset current batch of "+prefix, func() error {
		var err error
		cfg, err = e.records.MutateWatchConfig(ctx, prefix, func(c *WatchConfig) error {
			if c.CurrentBatchID != previous {
				return fmt.Errorf("%w: current batch changed to %s", ErrConditionFailed, c.CurrentBatchID)
			}
			now := e.now()
			c.CurrentBatchID = next
			c.LastBatchRotation = &now
			return nil
		})
		return err
	})
	if err != nil {
		return WatchConfig{}, err
	}
	return cfg, nil
}

func (e *Engine) DescribeProcessedFile(ctx context.Context, file string) (ProcessedFile, error) {
	return e.records.GetProcessedFile(ctx, file)
}

func (e *Engine) DeleteProcessedFile(ctx context.Context, file string) error {
	return e.withStoreRetry(ctx, "delete processed file "+file, func() error {
		return e.records.DeleteProcessedFile(ctx, file)
	})
}

// PutWatchConfigDocument validates raw against the configuration schema
// and stores it.
func (e *Engine) PutWatchConfigDocument(ctx context.Context, raw []byte) (WatchConfig, error) {
	cfg, err := ParseWatchConfigDocument(raw)
	if err != nil {
		return WatchConfig{}, err
	}
	var stored WatchConfig
	err = e.withStoreRetry(ctx, "put watch config "+cfg.Prefix, func() error {
		var err error
		stored, err = e.records.PutWatchConfig(ctx, cfg)
		return err
	})
	return stored, err
}

var immutableConfigAttributes = map[string]struct{}{
	"prefix":            {},
	"schemaVersion":     {},
	"currentBatchId":    {},
	"lastBatchRotation": {},
}

// UpdateConfigAttribute sets one top-level attribute of a configuration.
// value is parsed as JSON when possible and used as a string otherwise; an
// empty value removes the attribute.
func (e *Engine) UpdateConfigAttribute(ctx context.Context, prefix, attribute, value string) (WatchConfig, error) {
	attribute = strings.TrimSpace(attribute)
	if attribute == "" {
		return WatchConfig{}, fmt.Errorf("%w: attribute is required", ErrInvalidInput)
	}
	if _, ok := immutableConfigAttributes[attribute]; ok {
		return WatchConfig{}, fmt.Errorf("%w: %s cannot be updated", ErrInvalidInput, attribute)
	}
	var updated WatchConfig
	err := e.withStoreRetry(ctx, "update watch config "+prefix, func() error {
		var err error
		updated, err = e.records.MutateWatchConfig(ctx, prefix, func(cfg *WatchConfig) error {
			raw, err := json.Marshal(cfg)
			if err != nil {
				return err
			}
			var doc map[string]any
			if err := json.Unmarshal(raw, &doc); err != nil {
				return err
			}
			if value == "" {
				delete(doc, attribute)
			} else {
				var parsed any
				if err := json.Unmarshal([]byte(value), &parsed); err != nil {
					parsed = value
				}
				doc[attribute] = parsed
			}
			raw, err = json.Marshal(doc)
			if err != nil {
				return err
			}
			next, err := ParseWatchConfigDocument(raw)
			if err != nil {
				return err
			}
			*cfg = next
			return nil
		})
		return err
	})
	return updated, err
}
