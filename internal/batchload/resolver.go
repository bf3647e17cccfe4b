package batchload

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/agentworkforce/batchloader/internal/coordination"
)

var hiveValue = regexp.MustCompile(`=.*`)

// CollapseHiveSegments rewrites every key=value path segment to key=*, so
// date or partition directories match a single configuration.
func CollapseHiveSegments(prefix string) string {
	tokens := strings.Split(prefix, "/")
	for i, token := range tokens {
		if token != "" {
			tokens[i] = hiveValue.ReplaceAllString(token, "=*")
		}
	}
	return strings.Join(tokens, "/")
}

// ResolveConfig finds the most specific configuration for inputPrefix,
// dropping one trailing path segment at a time.
func (e *Engine) ResolveConfig(ctx context.Context, inputPrefix string) (WatchConfig, error) {
	candidate := strings.TrimSuffix(inputPrefix, "/")
	for candidate != "" {
		lookup := candidate
		if _, verbatim := e.verbatimPrefixes[candidate]; !verbatim {
			lookup = CollapseHiveSegments(candidate)
		}
		cfg, err := e.lookupConfig(ctx, lookup)
		if err == nil {
			return cfg, nil
		}
		if !errors.Is(err, ErrNotFound) {
			return WatchConfig{}, err
		}
		idx := strings.LastIndex(candidate, "/")
		if idx < 0 {
			break
		}
		candidate = candidate[:idx]
	}
	return WatchConfig{}, fmt.Errorf("%w for %s", ErrConfigNotFound, inputPrefix)
}

// lookupConfig retries throttled reads with random jitter; anything else is
// returned at once.
func (e *Engine) lookupConfig(ctx context.Context, prefix string) (WatchConfig, error) {
	var lastErr error
	for attempt := 1; attempt <= e.configLookupRetries; attempt++ {
		cfg, err := e.records.GetWatchConfig(ctx, prefix)
		if err == nil || !errors.Is(err, coordination.ErrThrottled) {
			return cfg, err
		}
		lastErr = err
		wait := time.Duration(e.intn(int(configLookupJitter/time.Millisecond))) * time.Millisecond
		e.logf("config lookup for %s throttled, retrying in %s (attempt %d)", prefix, wait, attempt)
		if err := e.sleep(ctx, wait); err != nil {
			return WatchConfig{}, err
		}
	}
	return WatchConfig{}, fmt.Errorf("config lookup for %s: %w: %v", prefix, ErrRetriesExhausted, lastErr)
}

// reloadConfig re-reads the configuration row, bypassing prefix resolution.
func (e *Engine) reloadConfig(ctx context.Context, prefix string) (WatchConfig, error) {
	var cfg WatchConfig
	err := e.withStoreRetry(ctx, "reload config "+prefix, func() error {
		var err error
		cfg, err = e.records.GetWatchConfig(ctx, prefix)
		return err
	})
	return cfg, err
}
