package batchload

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/agentworkforce/batchloader/internal/coordination"
)

const (
	TableWatchConfigs   = "watch_configs"
	TableBatches        = "batches"
	TableProcessedFiles = "processed_files"
)

// Records maps the three coordination tables onto typed rows. Each Mutate*
// call is a single atomic backend operation; predicates checked inside the
// callback act as conditional writes and fail with ErrConditionFailed.
type Records struct {
	backend coordination.Backend
}

func NewRecords(backend coordination.Backend) *Records {
	return &Records{backend: backend}
}

func batchKey(prefix, batchID string) string {
	return batchID + "@" + prefix
}

func translateBackendError(err error) error {
	if errors.Is(err, coordination.ErrNotFound) {
		return fmt.Errorf("%w: %v", ErrNotFound, err)
	}
	return err
}

func (r *Records) GetWatchConfig(ctx context.Context, prefix string) (WatchConfig, error) {
	raw, err := r.backend.Get(ctx, TableWatchConfigs, prefix)
	if err != nil {
		return WatchConfig{}, translateBackendError(err)
	}
	return decodeWatchConfig(raw)
}

func decodeWatchConfig(raw []byte) (WatchConfig, error) {
	var cfg WatchConfig
	if err := json.Unmarshal(raw, &cfg); err != nil {
		return WatchConfig{}, fmt.Errorf("decode watch config: %w", err)
	}
	if cfg.SchemaVersion != CurrentSchemaVersion {
		return WatchConfig{}, fmt.Errorf("%w: prefix %s has version %d", ErrUnsupportedSchemaVersion, cfg.Prefix, cfg.SchemaVersion)
	}
	return cfg, nil
}

// PutWatchConfig stores cfg after validation, keeping the current batch
// pointer of an existing row unless cfg sets one.
func (r *Records) PutWatchConfig(ctx context.Context, cfg WatchConfig) (WatchConfig, error) {
	if err := cfg.Validate(); err != nil {
		return WatchConfig{}, err
	}
	raw, err := r.backend.Mutate(ctx, TableWatchConfigs, cfg.Prefix, func(current []byte) ([]byte, error) {
		if current != nil && cfg.CurrentBatchID == "" {
			var existing WatchConfig
			if err := json.Unmarshal(current, &existing); err == nil {
				cfg.CurrentBatchID = existing.CurrentBatchID
				cfg.LastBatchRotation = existing.LastBatchRotation
			}
		}
		return json.Marshal(cfg)
	})
	if err != nil {
		return WatchConfig{}, translateBackendError(err)
	}
	return decodeWatchConfig(raw)
}

// MutateWatchConfig applies fn to an existing config row.
func (r *Records) MutateWatchConfig(ctx context.Context, prefix string, fn func(*WatchConfig) error) (WatchConfig, error) {
	raw, err := r.backend.Mutate(ctx, TableWatchConfigs, prefix, func(current []byte) ([]byte, error) {
		if current == nil {
			return nil, fmt.Errorf("%w: watch config %s", ErrNotFound, prefix)
		}
		cfg, err := decodeWatchConfig(current)
		if err != nil {
			return nil, err
		}
		if err := fn(&cfg); err != nil {
			return nil, err
		}
		return json.Marshal(cfg)
	})
	if err != nil {
		return WatchConfig{}, translateBackendError(err)
	}
	return decodeWatchConfig(raw)
}

func (r *Records) ScanWatchConfigs(ctx context.Context, fn func(WatchConfig) error) error {
	return r.backend.Scan(ctx, TableWatchConfigs, func(key string, doc []byte) error {
		cfg, err := decodeWatchConfig(doc)
		if err != nil {
			return fmt.Errorf("watch config %s: %w", key, err)
		}
		return fn(cfg)
	})
}

func (r *Records) DeleteWatchConfig(ctx context.Context, prefix string) error {
	return translateBackendError(r.backend.Delete(ctx, TableWatchConfigs, prefix))
}

func (r *Records) GetBatch(ctx context.Context, prefix, batchID string) (Batch, error) {
	raw, err := r.backend.Get(ctx, TableBatches, batchKey(prefix, batchID))
	if err != nil {
		return Batch{}, translateBackendError(err)
	}
	var batch Batch
	if err := json.Unmarshal(raw, &batch); err != nil {
		return Batch{}, fmt.Errorf("decode batch: %w", err)
	}
	return batch, nil
}

// MutateBatch applies fn to the batch row, creating it when absent. exists
// tells fn whether the row was already there.
func (r *Records) MutateBatch(ctx context.Context, prefix, batchID string, fn func(b *Batch, exists bool) error) (Batch, error) {
	raw, err := r.backend.Mutate(ctx, TableBatches, batchKey(prefix, batchID), func(current []byte) ([]byte, error) {
		batch := Batch{BatchID: batchID, Prefix: prefix}
		exists := current != nil
		if exists {
			if err := json.Unmarshal(current, &batch); err != nil {
				return nil, fmt.Errorf("decode batch: %w", err)
			}
		}
		if err := fn(&batch, exists); err != nil {
			return nil, err
		}
		return json.Marshal(batch)
	})
	if err != nil {
		return Batch{}, translateBackendError(err)
	}
	var batch Batch
	if err := json.Unmarshal(raw, &batch); err != nil {
		return Batch{}, fmt.Errorf("decode batch: %w", err)
	}
	return batch, nil
}

// MutateExistingBatch is MutateBatch that refuses to create a row.
func (r *Records) MutateExistingBatch(ctx context.Context, prefix, batchID string, fn func(b *Batch) error) (Batch, error) {
	return r.MutateBatch(ctx, prefix, batchID, func(b *Batch, exists bool) error {
		if !exists {
			return fmt.Errorf("%w: batch %s for %s", ErrNotFound, batchID, prefix)
		}
		return fn(b)
	})
}

func (r *Records) ScanBatches(ctx context.Context, fn func(Batch) error) error {
	return r.backend.Scan(ctx, TableBatches, func(key string, doc []byte) error {
		var batch Batch
		if err := json.Unmarshal(doc, &batch); err != nil {
			return fmt.Errorf("batch %s: %w", key, err)
		}
		return fn(batch)
	})
}

func (r *Records) DeleteBatch(ctx context.Context, prefix, batchID string) error {
	return translateBackendError(r.backend.Delete(ctx, TableBatches, batchKey(prefix, batchID)))
}

func (r *Records) GetProcessedFile(ctx context.Context, file string) (ProcessedFile, error) {
	raw, err := r.backend.Get(ctx, TableProcessedFiles, file)
	if err != nil {
		return ProcessedFile{}, translateBackendError(err)
	}
	var pf ProcessedFile
	if err := json.Unmarshal(raw, &pf); err != nil {
		return ProcessedFile{}, fmt.Errorf("decode processed file: %w", err)
	}
	return pf, nil
}

func (r *Records) MutateProcessedFile(ctx context.Context, file string, fn func(pf *ProcessedFile, exists bool) error) (ProcessedFile, error) {
	raw, err := r.backend.Mutate(ctx, TableProcessedFiles, file, func(current []byte) ([]byte, error) {
		pf := ProcessedFile{LoadFile: file}
		exists := current != nil
		if exists {
			if err := json.Unmarshal(current, &pf); err != nil {
				return nil, fmt.Errorf("decode processed file: %w", err)
			}
		}
		if err := fn(&pf, exists); err != nil {
			return nil, err
		}
		return json.Marshal(pf)
	})
	if err != nil {
		return ProcessedFile{}, translateBackendError(err)
	}
	var pf ProcessedFile
	if err := json.Unmarshal(raw, &pf); err != nil {
		return ProcessedFile{}, fmt.Errorf("decode processed file: %w", err)
	}
	return pf, nil
}

func (r *Records) DeleteProcessedFile(ctx context.Context, file string) error {
	return translateBackendError(r.backend.Delete(ctx, TableProcessedFiles, file))
}
