package batchload

import (
	"context"
	"errors"
	"fmt"
	"regexp"

	"github.com/agentworkforce/batchloader/internal/metrics"
)

// Outcome describes what handling one event did.
type Outcome struct {
	Prefix    string
	File      string
	BatchID   string
	Admitted  bool
	Duplicate bool
	Filtered  bool
	// Flushed is set when this invocation locked a batch and ran its load;
	// Status is then the final batch status.
	Flushed bool
	Reason  FlushReason
	Status  BatchStatus
}

// HandleEvent runs the whole pipeline for one created object: resolve the
// configuration, admit the file, append it, and flush the batch when a
// threshold is reached.
func (e *Engine) HandleEvent(ctx context.Context, ev ObjectCreatedEvent) (Outcome, error) {
	file := ev.FileRef()
	out := Outcome{File: file}
	e.metrics.IncCounter(metrics.EventsTotal, 1, metrics.Labels{"event": ev.EventName})

	cfg, err := e.ResolveConfig(ctx, ev.InputPrefix())
	if err != nil {
		return out, err
	}
	out.Prefix = cfg.Prefix

	if !filenameMatches(cfg.FilenameFilter, ev.Filename()) {
		e.logf("%s does not match filter %q of %s", file, cfg.FilenameFilter, cfg.Prefix)
		out.Filtered = true
		flushed, err := e.FlushIfDue(ctx, cfg, file)
		mergeFlush(&out, flushed)
		return out, err
	}

	if cfg.CurrentBatchID == "" {
		cfg.CurrentBatchID, err = e.ensureCurrentBatch(ctx, cfg.Prefix)
		if err != nil {
			return out, err
		}
	}
	pf, admitted, err := e.CheckAndAdmit(ctx, file, cfg.CurrentBatchID)
	if err != nil {
		return out, err
	}
	if !admitted {
		e.logf("%s already claimed by batch %s, received %d times", file, pf.BatchID, pf.TimesReceived)
		e.metrics.IncCounter(metrics.AdmissionsTotal, 1, metrics.Labels{"prefix": cfg.Prefix, "outcome": "duplicate"})
		out.Duplicate = true
		out.BatchID = pf.BatchID
		return out, nil
	}
	e.metrics.IncCounter(metrics.AdmissionsTotal, 1, metrics.Labels{"prefix": cfg.Prefix, "outcome": "admitted"})
	out.Admitted = true

	batch, err := e.AppendToBatch(ctx, cfg, file, ev.Size)
	if err != nil {
		cleanupCtx, cancel := e.detached(ctx)
		defer cancel()
		var stuck *StuckBatchError
		if errors.As(err, &stuck) {
			e.logf("%v", stuck)
			e.notifyStuck(cleanupCtx, cfg, stuck)
		}
		if releaseErr := e.releaseClaim(cleanupCtx, cfg.Prefix, file); releaseErr != nil {
			e.logf("release of %s after failed append: %v", file, releaseErr)
		}
		return out, err
	}
	out.BatchID = batch.BatchID

	current, err := e.records.GetBatch(ctx, cfg.Prefix, batch.BatchID)
	if err != nil {
		return out, err
	}
	reason := ShouldFlush(cfg, current, e.now())
	if reason == FlushNone {
		return out, nil
	}
	flushed, err := e.flush(ctx, cfg, current.BatchID, file, reason)
	mergeFlush(&out, flushed)
	return out, err
}

// FlushIfDue flushes the current batch of cfg when a threshold is reached
// without a new append, as for filtered files and periodic sweeps.
func (e *Engine) FlushIfDue(ctx context.Context, cfg WatchConfig, triggerKey string) (Outcome, error) {
	out := Outcome{Prefix: cfg.Prefix, BatchID: cfg.CurrentBatchID}
	if cfg.CurrentBatchID == "" {
		return out, nil
	}
	batch, err := e.records.GetBatch(ctx, cfg.Prefix, cfg.CurrentBatchID)
	if errors.Is(err, ErrNotFound) {
		return out, nil
	}
	if err != nil {
		return out, err
	}
	if batch.Status != StatusOpen {
		return out, nil
	}
	reason := ShouldFlush(cfg, batch, e.now())
	if reason == FlushNone {
		return out, nil
	}
	return e.flush(ctx, cfg, batch.BatchID, triggerKey, reason)
}

// flush locks and rotates batchID, writes its manifest, loads every target
// and closes the batch. Losing the lock race returns a zero Outcome.
func (e *Engine) flush(ctx context.Context, cfg WatchConfig, batchID, triggerKey string, reason FlushReason) (Outcome, error) {
	out := Outcome{Prefix: cfg.Prefix, BatchID: batchID, Reason: reason}
	locked, ok, rotateErr := e.LockAndRotate(ctx, cfg.Prefix, batchID)
	if !ok {
		return out, rotateErr
	}
	out.Flushed = true
	e.metrics.IncCounter(metrics.BatchesFlushedTotal, 1, metrics.Labels{"prefix": cfg.Prefix, "reason": string(reason)})
	e.metrics.ObserveHistogram(metrics.BatchEntriesObserved, float64(len(locked.Entries)), metrics.Labels{"prefix": cfg.Prefix})

	if rotateErr != nil {
		e.logf("rotation after locking batch %s of %s failed: %v", batchID, cfg.Prefix, rotateErr)
	}

	req := CloseRequest{Config: cfg, BatchID: batchID, TriggerKey: triggerKey}
	manifest, err := e.WriteManifest(ctx, cfg, locked)
	if err != nil {
		req.Failure = err
		// A written manifest is still worth relocating even if recording
		// its path failed.
		req.Manifest = manifest
	} else {
		req.Manifest = manifest
		req.Results = e.LoadTargets(ctx, cfg, manifest)
	}
	// A locked batch always reaches complete or error, so closing does not
	// stop when ctx is cancelled.
	closeCtx, cancel := e.detached(ctx)
	defer cancel()
	closed, err := e.CloseBatch(closeCtx, req)
	out.Status = closed.Status
	return out, errors.Join(err, rotateErr)
}

// filenameMatches treats an empty or uncompilable filter as matching.
func filenameMatches(filter, name string) bool {
	if filter == "" {
		return true
	}
	re, err := regexp.Compile(filter)
	if err != nil {
		return true
	}
	return re.MatchString(name)
}

func mergeFlush(out *Outcome, flushed Outcome) {
	if !flushed.Flushed {
		return
	}
	out.Flushed = true
	out.Reason = flushed.Reason
	out.Status = flushed.Status
	if out.BatchID == "" {
		out.BatchID = flushed.BatchID
	}
}

// SweepPending checks the open batch of every configuration for the age
// threshold. It returns how many batches this call flushed.
func (e *Engine) SweepPending(ctx context.Context) (int, error) {
	var configs []WatchConfig
	if err := e.records.ScanWatchConfigs(ctx, func(cfg WatchConfig) error {
		configs = append(configs, cfg)
		return nil
	}); err != nil {
		return 0, err
	}
	flushed := 0
	var errs []error
	for _, cfg := range configs {
		if err := ctx.Err(); err != nil {
			return flushed, err
		}
		out, err := e.FlushIfDue(ctx, cfg, "")
		if out.Flushed {
			flushed++
		}
		if err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", cfg.Prefix, err))
		}
	}
	return flushed, errors.Join(errs...)
}
