package batchload

import (
	"context"
	"errors"
	"fmt"
	"log"
	"math/rand"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/agentworkforce/batchloader/internal/coordination"
	"github.com/agentworkforce/batchloader/internal/metrics"
)

const (
	defaultAppendRetryLimit    = 100
	defaultConfigLookupRetries = 10
	defaultStoreRetryLimit     = 100
	defaultMaxLoadRetries      = 5
	defaultLoadRetryBase       = 30 * time.Millisecond
	defaultNotificationProduct = "Batch Loader"
	defaultCloseTimeout        = 30 * time.Second
	appendBackoffStep          = 10 * time.Millisecond
	appendBackoffCap           = 200 * time.Millisecond
	configLookupJitter         = time.Second
	storeThrottleBackoffCap    = time.Second
)

// DefaultRetryableLoadErrors are load errors caused by eventually consistent
// object listings.
var DefaultRetryableLoadErrors = []string{"S3ServiceException:The specified key does not exist.,Status 404"}

type EngineOptions struct {
	Backend   coordination.Backend
	Objects   ObjectStore
	Notifier  Notifier
	Decryptor Decryptor
	Warehouse Executor
	Metrics   metrics.Backend
	Observer  Observer

	// VerbatimPrefixes are looked up as-is instead of with hive segments
	// collapsed to key=*.
	VerbatimPrefixes []string
	// LoadCredentials are used when a config has no object-store keys.
	LoadCredentials Credentials

	RetryableLoadErrors []string
	MaxLoadRetries      int
	LoadRetryBase       time.Duration
	AppendRetryLimit    int
	ConfigLookupRetries int
	StoreRetryLimit     int

	// SuppressFailureOnNotification reports a failed batch as handled to the
	// caller once its failure notification has been sent.
	SuppressFailureOnNotification bool
	NotificationProduct           string

	// CloseTimeout bounds the steps that run after a batch is locked
	// (rotation, closing, notification) once the caller's context is gone.
	CloseTimeout time.Duration

	Now        func() time.Time
	Sleep      func(ctx context.Context, d time.Duration) error
	NewBatchID func() string
	Intn       func(n int) int
	Logf       func(format string, args ...any)
}

// Engine coordinates batch accumulation and loading for every watched
// location. It holds no batch state of its own: all shared state lives in
// the coordination backend, so any number of engines may run side by side.
type Engine struct {
	records   *Records
	objects   ObjectStore
	notifier  Notifier
	decryptor Decryptor
	warehouse Executor
	metrics   metrics.Backend
	observer  Observer

	verbatimPrefixes    map[string]struct{}
	loadCredentials     Credentials
	retryableLoadErrors []string
	maxLoadRetries      int
	loadRetryBase       time.Duration
	appendRetryLimit    int
	configLookupRetries int
	storeRetryLimit     int
	suppressFailure     bool
	product             string
	closeTimeout        time.Duration

	now        func() time.Time
	sleep      func(ctx context.Context, d time.Duration) error
	newBatchID func() string
	intn       func(n int) int
	logf       func(format string, args ...any)
}

func NewEngine(opts EngineOptions) (*Engine, error) {
	if opts.Backend == nil {
		return nil, fmt.Errorf("%w: coordination backend is required", ErrInvalidInput)
	}
	e := &Engine{
		records:             NewRecords(opts.Backend),
		objects:             opts.Objects,
		notifier:            opts.Notifier,
		decryptor:           opts.Decryptor,
		warehouse:           opts.Warehouse,
		metrics:             opts.Metrics,
		observer:            opts.Observer,
		verbatimPrefixes:    map[string]struct{}{},
		loadCredentials:     opts.LoadCredentials,
		retryableLoadErrors: opts.RetryableLoadErrors,
		maxLoadRetries:      opts.MaxLoadRetries,
		loadRetryBase:       opts.LoadRetryBase,
		appendRetryLimit:    opts.AppendRetryLimit,
		configLookupRetries: opts.ConfigLookupRetries,
		storeRetryLimit:     opts.StoreRetryLimit,
		suppressFailure:     opts.SuppressFailureOnNotification,
		product:             opts.NotificationProduct,
		closeTimeout:        opts.CloseTimeout,
		now:                 opts.Now,
		sleep:               opts.Sleep,
		newBatchID:          opts.NewBatchID,
		intn:                opts.Intn,
		logf:                opts.Logf,
	}
	for _, prefix := range opts.VerbatimPrefixes {
		e.verbatimPrefixes[prefix] = struct{}{}
	}
	if e.metrics == nil {
		e.metrics = metrics.Nop{}
	}
	if e.retryableLoadErrors == nil {
		e.retryableLoadErrors = DefaultRetryableLoadErrors
	}
	if e.maxLoadRetries <= 0 {
		e.maxLoadRetries = defaultMaxLoadRetries
	}
	if e.loadRetryBase <= 0 {
		e.loadRetryBase = defaultLoadRetryBase
	}
	if e.appendRetryLimit <= 0 {
		e.appendRetryLimit = defaultAppendRetryLimit
	}
	if e.configLookupRetries <= 0 {
		e.configLookupRetries = defaultConfigLookupRetries
	}
	if e.storeRetryLimit <= 0 {
		e.storeRetryLimit = defaultStoreRetryLimit
	}
	if e.product == "" {
		e.product = defaultNotificationProduct
	}
	if e.closeTimeout <= 0 {
		e.closeTimeout = defaultCloseTimeout
	}
	if e.now == nil {
		e.now = func() time.Time { return time.Now().UTC() }
	}
	if e.sleep == nil {
		e.sleep = sleepContext
	}
	if e.newBatchID == nil {
		e.newBatchID = uuid.NewString
	}
	if e.intn == nil {
		var mu sync.Mutex
		rng := rand.New(rand.NewSource(time.Now().UnixNano()))
		e.intn = func(n int) int {
			mu.Lock()
			defer mu.Unlock()
			return rng.Intn(n)
		}
	}
	if e.logf == nil {
		e.logf = log.Printf
	}
	return e, nil
}

// Records exposes the typed coordination rows, mainly for admin tooling.
func (e *Engine) Records() *Records {
	return e.records
}

// detached returns a context that keeps the values of ctx but not its
// cancellation, bounded by the close timeout.
func (e *Engine) detached(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.WithoutCancel(ctx), e.closeTimeout)
}

func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

func quadraticBackoff(attempt int) time.Duration {
	wait := time.Duration(attempt*attempt) * appendBackoffStep
	if wait > appendBackoffCap {
		return appendBackoffCap
	}
	return wait
}

// withStoreRetry runs op until it succeeds, fails with a non-throttling
// error, or the store retry ceiling is reached.
func (e *Engine) withStoreRetry(ctx context.Context, what string, op func() error) error {
	for attempt := 1; ; attempt++ {
		err := op()
		if err == nil || !errors.Is(err, coordination.ErrThrottled) {
			return err
		}
		if attempt >= e.storeRetryLimit {
			return fmt.Errorf("%s: %w after %d attempts: %v", what, ErrRetriesExhausted, attempt, err)
		}
		wait := quadraticBackoff(attempt) * 5
		if wait > storeThrottleBackoffCap {
			wait = storeThrottleBackoffCap
		}
		e.logf("%s throttled, retrying in %s (attempt %d)", what, wait, attempt)
		if err := e.sleep(ctx, wait); err != nil {
			return err
		}
	}
}

func (e *Engine) emit(ev BatchEvent) {
	if e.observer == nil {
		return
	}
	if ev.At.IsZero() {
		ev.At = e.now()
	}
	e.observer.BatchChanged(ev)
}
