package batchload

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/agentworkforce/batchloader/internal/metrics"
)

// CloseRequest carries what is known about a locked batch once loading has
// finished or could not start.
type CloseRequest struct {
	Config     WatchConfig
	BatchID    string
	TriggerKey string
	Manifest   ManifestLocation
	Results    []TargetResult
	// Failure is set when the batch failed before any target ran, for
	// instance because the manifest could not be written.
	Failure error
}

// Notification is the message body sent to success and failure topics.
type Notification struct {
	Error            string `json:"error,omitempty"`
	Status           string `json:"status"`
	BatchID          string `json:"batchId"`
	Prefix           string `json:"s3Prefix"`
	Key              string `json:"key,omitempty"`
	OriginalManifest string `json:"originalManifest,omitempty"`
	FailedManifest   string `json:"failedManifest,omitempty"`
}

// CloseBatch moves a locked batch to complete or error and notifies. The
// returned error is non-nil for a failed batch unless failure suppression
// is on and the failure notification went out.
func (e *Engine) CloseBatch(ctx context.Context, req CloseRequest) (Batch, error) {
	cfg := req.Config
	status := StatusComplete
	var errorMessage string
	loadStatus := make(map[string]TargetResult, len(req.Results))
	for _, result := range req.Results {
		loadStatus[result.Target] = result
		if result.Status != TargetOK {
			status = StatusError
		}
	}
	if req.Failure != nil {
		status = StatusError
		errorMessage = req.Failure.Error()
	} else if len(req.Results) == 0 {
		status = StatusError
		errorMessage = "no load targets ran"
	} else if status == StatusError {
		raw, err := json.Marshal(loadStatus)
		if err != nil {
			return Batch{}, fmt.Errorf("encode load status: %w", err)
		}
		errorMessage = string(raw)
	}

	var failed ManifestLocation
	if status == StatusError && cfg.FailedManifestKey != "" && req.Manifest.Key != "" && e.objects != nil {
		dest := failedManifestLocation(cfg, req.Manifest)
		err := e.objects.CopyObject(ctx, CopyObjectInput{
			SourceBucket:    req.Manifest.Bucket,
			SourceKey:       req.Manifest.Key,
			Bucket:          dest.Bucket,
			Key:             dest.Key,
			Metadata:        map[string]string{"x-amz-meta-load-date": e.now().Format(readableTimeLayout)},
			ReplaceMetadata: true,
		})
		if err != nil {
			errorMessage += " " + fmt.Sprintf("failed manifest copy: %v", err)
			e.logf("copy of failed manifest %s to %s failed: %v", req.Manifest.Path(), dest.Path(), err)
		} else {
			failed = dest
			e.logf("created failed manifest %s", dest.Path())
		}
	}

	var batch Batch
	err := e.withStoreRetry(ctx, "close batch "+req.BatchID, func() error {
		var err error
		batch, err = e.records.MutateExistingBatch(ctx, cfg.Prefix, req.BatchID, func(b *Batch) error {
			if err := checkTransition(b.BatchID, b.Status, status); err != nil {
				return err
			}
			b.Status = status
			b.LastUpdate = e.now()
			if len(loadStatus) > 0 {
				b.LoadStatus = loadStatus
			}
			b.ErrorMessage = errorMessage
			if failed.Key != "" {
				b.FailedManifestPath = failed.Path()
			}
			return nil
		})
		return err
	})
	if err != nil {
		return Batch{}, err
	}
	e.metrics.IncCounter(metrics.BatchesClosedTotal, 1, metrics.Labels{"prefix": cfg.Prefix, "status": status.String()})
	e.emit(BatchEvent{Type: EventClosed, Prefix: cfg.Prefix, BatchID: req.BatchID, Status: status, Detail: errorMessage})

	notified, notifyErr := e.notifyClosed(ctx, cfg, batch, req, failed)
	if status == StatusComplete {
		if notifyErr != nil {
			e.logf("success notification for batch %s failed: %v", req.BatchID, notifyErr)
		}
		return batch, nil
	}
	if e.suppressFailure && notified {
		e.logf("batch %s failed; failure notification sent, not reporting failure", req.BatchID)
		return batch, nil
	}
	if notifyErr != nil {
		return batch, fmt.Errorf("%w: batch %s: %s (notification: %v)", ErrBatchFailed, req.BatchID, errorMessage, notifyErr)
	}
	return batch, fmt.Errorf("%w: batch %s: %s", ErrBatchFailed, req.BatchID, errorMessage)
}

func (e *Engine) notifyClosed(ctx context.Context, cfg WatchConfig, batch Batch, req CloseRequest, failed ManifestLocation) (bool, error) {
	topic, outcome := cfg.SuccessTopic, "OK"
	if batch.Status == StatusError {
		topic, outcome = cfg.FailureTopic, "Failure"
	}
	if topic == "" || e.notifier == nil {
		return false, nil
	}
	msg := Notification{
		Error:            batch.ErrorMessage,
		Status:           TargetOK,
		BatchID:          batch.BatchID,
		Prefix:           cfg.Prefix,
		Key:              req.TriggerKey,
		OriginalManifest: req.Manifest.Path(),
		FailedManifest:   failed.Path(),
	}
	if batch.Status == StatusError {
		msg.Status = TargetError
	}
	body, err := json.Marshal(msg)
	if err != nil {
		return false, err
	}
	subject := fmt.Sprintf("%s Batch Load %s %s", e.product, batch.BatchID, outcome)
	if err := e.notifier.Publish(ctx, topic, subject, body); err != nil {
		return false, fmt.Errorf("publish to %s: %w", topic, err)
	}
	return true, nil
}

// notifyStuck tells the failure topic that appends to a batch are stuck.
func (e *Engine) notifyStuck(ctx context.Context, cfg WatchConfig, stuck *StuckBatchError) {
	if cfg.FailureTopic == "" || e.notifier == nil {
		return
	}
	body, err := json.Marshal(Notification{
		Error:   stuck.Error(),
		Status:  TargetError,
		BatchID: stuck.BatchID,
		Prefix:  stuck.Prefix,
		Key:     stuck.File,
	})
	if err != nil {
		return
	}
	subject := fmt.Sprintf("%s Batch Load %s Stuck", e.product, stuck.BatchID)
	if err := e.notifier.Publish(ctx, cfg.FailureTopic, subject, body); err != nil {
		e.logf("stuck batch notification for %s failed: %v", stuck.BatchID, err)
	}
}
