package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/agentworkforce/batchloader/internal/batchload"
	"github.com/agentworkforce/batchloader/internal/coordination"
	"github.com/agentworkforce/batchloader/internal/httpapi"
	"github.com/agentworkforce/batchloader/internal/metrics"
	"github.com/agentworkforce/batchloader/internal/metrics/datadog"
	"github.com/agentworkforce/batchloader/internal/notify"
	"github.com/agentworkforce/batchloader/internal/objectstore"
	"github.com/agentworkforce/batchloader/internal/secrets"
	"github.com/agentworkforce/batchloader/internal/sweep"
	"github.com/agentworkforce/batchloader/internal/warehouse"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	if err := run(ctx); err != nil {
		log.Fatalf("batchloader: %v", err)
	}
}

func run(ctx context.Context) error {
	addr := os.Getenv("BATCHLOADER_ADDR")
	if addr == "" {
		addr = ":8080"
	}

	backend, err := buildCoordinationBackendFromEnv()
	if err != nil {
		return fmt.Errorf("failed to initialize coordination backend: %w", err)
	}
	defer backend.Close()

	decryptor, err := buildDecryptorFromEnv()
	if err != nil {
		return err
	}

	var natsConn *nats.Conn
	var notifier batchload.Notifier = notify.LogNotifier{}
	if natsURL := strings.TrimSpace(os.Getenv("BATCHLOADER_NATS_URL")); natsURL != "" {
		natsConn, err = nats.Connect(natsURL, nats.Name("batchloader"), nats.MaxReconnects(-1))
		if err != nil {
			return fmt.Errorf("connect nats %s: %w", natsURL, err)
		}
		defer natsConn.Drain()
		notifier = notify.NewNATSPublisher(natsConn)
	}

	var metricsBackend metrics.Backend = metrics.Nop{}
	if os.Getenv("DD_API_KEY") != "" {
		dd, err := datadog.NewBackend(ctx, datadog.Options{
			Service:    os.Getenv("DD_SERVICE"),
			Tags:       datadog.ParseTagsCSV(os.Getenv("DD_TAGS")),
			FlushEvery: durationEnv("BATCHLOADER_METRICS_FLUSH_EVERY", 0),
		})
		if err != nil {
			return err
		}
		defer dd.Close()
		metricsBackend = dd
	}

	objectRoot := strings.TrimSpace(os.Getenv("BATCHLOADER_OBJECT_ROOT"))
	if objectRoot == "" {
		objectRoot = filepath.Join(dataDir(), "objects")
	}
	objects := objectstore.NewFSStore(objectRoot)

	executor := warehouse.NewPgxExecutor(warehouse.Options{
		MaxConns:       int32(intEnv("BATCHLOADER_WAREHOUSE_MAX_CONNS", 0)),
		ConnectTimeout: durationEnv("BATCHLOADER_WAREHOUSE_CONNECT_TIMEOUT", 0),
	})
	defer executor.Close()

	hub := httpapi.NewHub()
	engine, err := batchload.NewEngine(engineOptionsFromEnv(batchload.EngineOptions{
		Backend:   backend,
		Objects:   objects,
		Notifier:  notifier,
		Decryptor: decryptor,
		Warehouse: executor,
		Metrics:   metricsBackend,
		Observer:  hub,
	}))
	if err != nil {
		return err
	}

	if topic := strings.TrimSpace(os.Getenv("BATCHLOADER_REPROCESS_FAILURE_TOPIC")); topic != "" {
		if natsConn == nil {
			return errors.New("BATCHLOADER_REPROCESS_FAILURE_TOPIC requires BATCHLOADER_NATS_URL")
		}
		subscriber := notify.NewFailureSubscriber(natsConn, engine, "batchloader-reprocess", nil)
		sub, err := subscriber.Subscribe(ctx, topic)
		if err != nil {
			return fmt.Errorf("subscribe %s: %w", topic, err)
		}
		defer sub.Unsubscribe()
		log.Printf("reprocessing failed batches announced on %s", topic)
	}

	if schedule := strings.TrimSpace(os.Getenv("BATCHLOADER_SWEEP_SCHEDULE")); schedule != "off" {
		scheduler, err := sweep.NewScheduler(engine, schedule, nil)
		if err != nil {
			return err
		}
		scheduler.Start()
		defer scheduler.Stop()
	}

	eventBudget := durationEnv("BATCHLOADER_EVENT_BUDGET", 5*time.Minute)
	if boolEnv("BATCHLOADER_WATCH_OBJECTS", false) {
		watcher := objectstore.NewWatcher(objectRoot, func(ctx context.Context, ev batchload.ObjectCreatedEvent) {
			ctx, cancel := context.WithTimeout(ctx, eventBudget)
			defer cancel()
			if _, err := engine.HandleEvent(ctx, ev); err != nil {
				log.Printf("event %s failed: %v", ev.FileRef(), err)
			}
		}, objectstore.WatcherOptions{Settle: durationEnv("BATCHLOADER_WATCH_SETTLE", 0)})
		go func() {
			if err := watcher.Run(ctx); err != nil {
				log.Printf("object watcher stopped: %v", err)
			}
		}()
		log.Printf("watching %s for new objects", objectRoot)
	}

	server := &http.Server{
		Addr: addr,
		Handler: httpapi.NewServer(engine, hub, httpapi.ServerConfig{
			JWTSecret:       os.Getenv("BATCHLOADER_JWT_SECRET"),
			EventHMACSecret: os.Getenv("BATCHLOADER_EVENT_HMAC_SECRET"),
			EventMaxSkew:    durationEnv("BATCHLOADER_EVENT_MAX_SKEW", 5*time.Minute),
			RateLimitMax:    intEnv("BATCHLOADER_RATE_LIMIT_MAX", 0),
			RateLimitWindow: durationEnv("BATCHLOADER_RATE_LIMIT_WINDOW", time.Minute),
			MaxBodyBytes:    int64Env("BATCHLOADER_MAX_BODY_BYTES", 0),
			EventBudget:     eventBudget,
			StreamOrigins:   csvEnv("BATCHLOADER_STREAM_ORIGINS"),
		}),
	}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		_ = server.Shutdown(shutdownCtx)
	}()

	log.Printf("batchloader listening on %s", addr)
	if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("server failed: %w", err)
	}
	return nil
}

func engineOptionsFromEnv(opts batchload.EngineOptions) batchload.EngineOptions {
	opts.VerbatimPrefixes = csvEnv("BATCHLOADER_VERBATIM_PREFIXES")
	opts.LoadCredentials = batchload.Credentials{
		AccessKeyID:     os.Getenv("BATCHLOADER_LOAD_ACCESS_KEY_ID"),
		SecretAccessKey: os.Getenv("BATCHLOADER_LOAD_SECRET_ACCESS_KEY"),
		SessionToken:    os.Getenv("BATCHLOADER_LOAD_SESSION_TOKEN"),
	}
	if retryable := splitEnv("BATCHLOADER_RETRYABLE_LOAD_ERRORS", ";\n"); len(retryable) > 0 {
		opts.RetryableLoadErrors = retryable
	}
	opts.MaxLoadRetries = intEnv("BATCHLOADER_MAX_LOAD_RETRIES", 0)
	opts.LoadRetryBase = durationEnv("BATCHLOADER_LOAD_RETRY_BASE", 0)
	opts.AppendRetryLimit = intEnv("BATCHLOADER_APPEND_RETRY_LIMIT", 0)
	opts.ConfigLookupRetries = intEnv("BATCHLOADER_CONFIG_LOOKUP_RETRIES", 0)
	opts.StoreRetryLimit = intEnv("BATCHLOADER_STORE_RETRY_LIMIT", 0)
	opts.SuppressFailureOnNotification = boolEnv("SUPPRESS_FAILURE_ON_OK_NOTIFICATION", false)
	opts.NotificationProduct = os.Getenv("BATCHLOADER_NOTIFICATION_PRODUCT")
	opts.CloseTimeout = durationEnv("BATCHLOADER_CLOSE_TIMEOUT", 0)
	return opts
}

func buildDecryptorFromEnv() (batchload.Decryptor, error) {
	key := strings.TrimSpace(os.Getenv("BATCHLOADER_SECRET_KEY"))
	if key == "" {
		log.Printf("BATCHLOADER_SECRET_KEY not set; configuration secrets are read as plain text")
		return secrets.Plaintext{}, nil
	}
	box, err := secrets.NewBox(key)
	if err != nil {
		return nil, fmt.Errorf("BATCHLOADER_SECRET_KEY: %w", err)
	}
	return box, nil
}

func buildCoordinationBackendFromEnv() (coordination.Backend, error) {
	profileDSN, err := storageProfileDefaultFromEnv()
	if err != nil {
		return nil, err
	}
	dsn := strings.TrimSpace(os.Getenv("BATCHLOADER_COORDINATION_DSN"))
	if dsn == "" {
		dsn = profileDSN
	}
	if dsn == "" {
		dsn = "memory://"
	}
	return coordination.BuildBackendFromDSN(dsn)
}

func storageProfileDefaultFromEnv() (string, error) {
	profile := strings.ToLower(strings.TrimSpace(os.Getenv("BATCHLOADER_BACKEND_PROFILE")))
	switch profile {
	case "", "custom":
		return "", nil
	case "memory", "inmemory":
		return "memory://", nil
	case "production", "prod":
		productionDSN := strings.TrimSpace(os.Getenv("BATCHLOADER_POSTGRES_DSN"))
		if productionDSN == "" {
			return "", fmt.Errorf("BATCHLOADER_POSTGRES_DSN is required when BATCHLOADER_BACKEND_PROFILE=%s", profile)
		}
		return productionDSN, nil
	case "durable-local", "local-durable":
		return "file://" + filepath.Join(dataDir(), "coordination.json"), nil
	case "sqlite":
		return "sqlite://" + filepath.Join(dataDir(), "coordination.db"), nil
	default:
		return "", fmt.Errorf("unsupported BATCHLOADER_BACKEND_PROFILE: %s", profile)
	}
}

func dataDir() string {
	dir := strings.TrimSpace(os.Getenv("BATCHLOADER_DATA_DIR"))
	if dir == "" {
		return ".batchloader"
	}
	return dir
}

func intEnv(name string, fallback int) int {
	raw := os.Getenv(name)
	if raw == "" {
		return fallback
	}
	value, err := strconv.Atoi(raw)
	if err != nil {
		log.Printf("invalid %s=%q, using fallback %d", name, raw, fallback)
		return fallback
	}
	return value
}

func int64Env(name string, fallback int64) int64 {
	raw := os.Getenv(name)
	if raw == "" {
		return fallback
	}
	value, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		log.Printf("invalid %s=%q, using fallback %d", name, raw, fallback)
		return fallback
	}
	return value
}

func durationEnv(name string, fallback time.Duration) time.Duration {
	raw := os.Getenv(name)
	if raw == "" {
		return fallback
	}
	value, err := time.ParseDuration(raw)
	if err != nil {
		log.Printf("invalid %s=%q, using fallback %s", name, raw, fallback.String())
		return fallback
	}
	return value
}

func boolEnv(name string, fallback bool) bool {
	raw := strings.TrimSpace(os.Getenv(name))
	if raw == "" {
		return fallback
	}
	value, err := strconv.ParseBool(raw)
	if err != nil {
		log.Printf("invalid %s=%q, using fallback %t", name, raw, fallback)
		return fallback
	}
	return value
}

func csvEnv(name string) []string {
	return splitEnv(name, ",")
}

// splitEnv splits on any rune of seps. Load error traps contain commas, so
// they are separated by semicolons or newlines instead.
func splitEnv(name, seps string) []string {
	var out []string
	items := strings.FieldsFunc(os.Getenv(name), func(r rune) bool {
		return strings.ContainsRune(seps, r)
	})
	for _, item := range items {
		if item = strings.TrimSpace(item); item != "" {
			out = append(out, item)
		}
	}
	return out
}
