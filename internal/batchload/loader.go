package batchload

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/agentworkforce/batchloader/internal/metrics"
)

// LoadTargets runs one load per target of cfg concurrently and waits for
// all of them. A failing target never cancels the others; results are in
// target order.
func (e *Engine) LoadTargets(ctx context.Context, cfg WatchConfig, manifest ManifestLocation) []TargetResult {
	results := make([]TargetResult, len(cfg.LoadTargets))
	var wg sync.WaitGroup
	for i, target := range cfg.LoadTargets {
		wg.Add(1)
		go func(i int, target LoadTarget) {
			defer wg.Done()
			results[i] = e.loadTarget(ctx, cfg, target, manifest)
		}(i, target)
	}
	wg.Wait()
	return results
}

func (e *Engine) loadTarget(ctx context.Context, cfg WatchConfig, target LoadTarget, manifest ManifestLocation) TargetResult {
	started := time.Now()
	result := TargetResult{Status: TargetOK, Target: target.Name()}
	if err := e.runTargetLoad(ctx, cfg, target, manifest); err != nil {
		result.Status = TargetError
		result.Error = err.Error()
		e.logf("load of %s into %s failed: %v", manifest.Path(), result.Target, err)
	} else {
		e.logf("loaded %s into %s", manifest.Path(), result.Target)
	}
	labels := metrics.Labels{"prefix": cfg.Prefix, "status": result.Status}
	e.metrics.IncCounter(metrics.TargetLoadsTotal, 1, labels)
	e.metrics.ObserveHistogram(metrics.TargetLoadSeconds, time.Since(started).Seconds(), labels)
	return result
}

func (e *Engine) runTargetLoad(ctx context.Context, cfg WatchConfig, target LoadTarget, manifest ManifestLocation) error {
	if e.warehouse == nil {
		return fmt.Errorf("%w: no warehouse executor configured", ErrInvalidInput)
	}
	deadline, hasDeadline := ctx.Deadline()
	timeout, err := StatementTimeout(deadline, hasDeadline, time.Now())
	if err != nil {
		return err
	}
	password, err := e.decrypt(ctx, target.EncryptedPassword)
	if err != nil {
		return fmt.Errorf("decrypt password: %w", err)
	}
	creds, err := e.credentialsFor(ctx, cfg)
	if err != nil {
		return err
	}
	var symmetricKey string
	if cfg.EncryptedMasterSymmetricKey != "" {
		if symmetricKey, err = e.decrypt(ctx, cfg.EncryptedMasterSymmetricKey); err != nil {
			return fmt.Errorf("decrypt master symmetric key: %w", err)
		}
	}
	statement, err := BuildLoadStatement(LoadStatementParams{
		Config:        cfg,
		Target:        target,
		ManifestPath:  manifest.Path(),
		Credentials:   creds,
		SymmetricKey:  symmetricKey,
		TimeoutMillis: timeout,
	})
	if err != nil {
		return err
	}
	conn := Connection{
		Host:     target.Endpoint,
		Port:     target.Port,
		Database: target.Database,
		User:     target.User,
		Password: password,
		UseSSL:   target.UseSSL,
	}
	return e.execWithRetry(ctx, conn, statement)
}

func (e *Engine) credentialsFor(ctx context.Context, cfg WatchConfig) (Credentials, error) {
	if cfg.AccessKeyForS3 == "" {
		return e.loadCredentials, nil
	}
	secret, err := e.decrypt(ctx, cfg.EncryptedSecretKeyForS3)
	if err != nil {
		return Credentials{}, fmt.Errorf("decrypt object store secret key: %w", err)
	}
	return Credentials{AccessKeyID: cfg.AccessKeyForS3, SecretAccessKey: secret}, nil
}

func (e *Engine) decrypt(ctx context.Context, ciphertext string) (string, error) {
	if ciphertext == "" {
		return "", nil
	}
	if e.decryptor == nil {
		return "", fmt.Errorf("%w: no decryptor configured", ErrInvalidInput)
	}
	return e.decryptor.Decrypt(ctx, ciphertext)
}

// execWithRetry retries only errors matching the retryable allow-list,
// backing off 2^n times the base between attempts.
func (e *Engine) execWithRetry(ctx context.Context, conn Connection, statement string) error {
	for attempt := 1; ; attempt++ {
		err := e.warehouse.Exec(ctx, conn, statement)
		if err == nil {
			return nil
		}
		if !e.retryableLoadError(err) {
			return err
		}
		if attempt >= e.maxLoadRetries {
			return fmt.Errorf("%w after %d attempts: %v", ErrRetriesExhausted, attempt, err)
		}
		wait := time.Duration(1<<attempt) * e.loadRetryBase
		e.logf("retryable load error on %s, attempt %d, retrying in %s: %v", conn.Host, attempt, wait, err)
		if sleepErr := e.sleep(ctx, wait); sleepErr != nil {
			return errors.Join(err, sleepErr)
		}
	}
}

func (e *Engine) retryableLoadError(err error) bool {
	msg := err.Error()
	for _, trap := range e.retryableLoadErrors {
		if trap != "" && strings.Contains(msg, trap) {
			return true
		}
	}
	return false
}
