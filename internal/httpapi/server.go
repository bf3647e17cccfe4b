package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"math"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/agentworkforce/batchloader/internal/batchload"
)

// Engine is the batch engine surface the API exposes.
type Engine interface {
	HandleEvent(ctx context.Context, ev batchload.ObjectCreatedEvent) (batchload.Outcome, error)
	SweepPending(ctx context.Context) (int, error)
	DescribeBatch(ctx context.Context, prefix, batchID string) (batchload.Batch, error)
	QueryBatches(ctx context.Context, q batchload.BatchQuery) ([]batchload.Batch, error)
	DeleteBatch(ctx context.Context, prefix, batchID string) error
	UnlockBatch(ctx context.Context, prefix, batchID string) (batchload.Batch, error)
	ReprocessBatch(ctx context.Context, prefix, batchID string, omit []string) (batchload.ReprocessResult, error)
	ResetCurrentBatch(ctx context.Context, prefix string, force bool) (batchload.WatchConfig, error)
	DescribeProcessedFile(ctx context.Context, file string) (batchload.ProcessedFile, error)
	DeleteProcessedFile(ctx context.Context, file string) error
	ReprocessFile(ctx context.Context, file string) error
	PutWatchConfigDocument(ctx context.Context, raw []byte) (batchload.WatchConfig, error)
	UpdateConfigAttribute(ctx context.Context, prefix, attribute, value string) (batchload.WatchConfig, error)
	Records() *batchload.Records
}

type ServerConfig struct {
	JWTSecret       string
	EventHMACSecret string
	EventMaxSkew    time.Duration
	RateLimitMax    int
	RateLimitWindow time.Duration
	MaxBodyBytes    int64
	// EventBudget bounds the handling of one event, load included. The
	// remaining budget sets the warehouse statement timeout.
	EventBudget   time.Duration
	StreamOrigins []string
	Logf          func(format string, args ...any)
}

type Server struct {
	engine        Engine
	hub           *Hub
	cfg           ServerConfig
	rateLimiter   *rateLimiter
	eventReplayMu sync.Mutex
	eventReplay   map[string]time.Time
}

type rateLimiter struct {
	mu      sync.Mutex
	window  time.Duration
	max     int
	entries map[string]rateEntry
}

type rateEntry struct {
	count   int
	resetAt time.Time
}

// NewServer serves engine. hub must be the engine's observer for the
// stream endpoint to see events; nil disables streaming.
func NewServer(engine Engine, hub *Hub, cfg ServerConfig) *Server {
	if cfg.JWTSecret == "" {
		cfg.JWTSecret = "dev-secret"
	}
	if cfg.EventHMACSecret == "" {
		cfg.EventHMACSecret = "dev-event-secret"
	}
	if cfg.EventMaxSkew == 0 {
		cfg.EventMaxSkew = 5 * time.Minute
	}
	if cfg.RateLimitMax < 0 {
		cfg.RateLimitMax = 0
	}
	if cfg.RateLimitWindow <= 0 {
		cfg.RateLimitWindow = time.Minute
	}
	if cfg.MaxBodyBytes <= 0 {
		cfg.MaxBodyBytes = 1 << 20
	}
	if cfg.EventBudget <= 0 {
		cfg.EventBudget = 5 * time.Minute
	}
	if cfg.Logf == nil {
		cfg.Logf = log.Printf
	}
	var limiter *rateLimiter
	if cfg.RateLimitMax > 0 {
		limiter = &rateLimiter{
			window:  cfg.RateLimitWindow,
			max:     cfg.RateLimitMax,
			entries: map[string]rateEntry{},
		}
	}
	return &Server{
		engine:      engine,
		hub:         hub,
		cfg:         cfg,
		rateLimiter: limiter,
		eventReplay: map[string]time.Time{},
	}
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	switch {
	case r.URL.Path == "/health" && r.Method == http.MethodGet:
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
		return
	case r.URL.Path == "/dashboard":
		s.handleDashboard(w, r)
		return
	case r.URL.Path == "/v1/events" && r.Method == http.MethodPost:
		s.handleEvent(w, r)
		return
	}

	var requiredScope, route string
	switch {
	case r.URL.Path == "/v1/batches/stream" && r.Method == http.MethodGet:
		requiredScope, route = scopeRead, "stream"
	case r.URL.Path == "/v1/admin/batches" && r.Method == http.MethodGet:
		requiredScope, route = scopeRead, "query_batches"
	case r.URL.Path == "/v1/admin/batch" && r.Method == http.MethodGet:
		requiredScope, route = scopeRead, "describe_batch"
	case r.URL.Path == "/v1/admin/batch" && r.Method == http.MethodDelete:
		requiredScope, route = scopeWrite, "delete_batch"
	case r.URL.Path == "/v1/admin/batch/unlock" && r.Method == http.MethodPost:
		requiredScope, route = scopeWrite, "unlock_batch"
	case r.URL.Path == "/v1/admin/batch/reprocess" && r.Method == http.MethodPost:
		requiredScope, route = scopeWrite, "reprocess_batch"
	case r.URL.Path == "/v1/admin/processed-file" && r.Method == http.MethodGet:
		requiredScope, route = scopeRead, "describe_file"
	case r.URL.Path == "/v1/admin/processed-file" && r.Method == http.MethodDelete:
		requiredScope, route = scopeWrite, "delete_file"
	case r.URL.Path == "/v1/admin/processed-file/reprocess" && r.Method == http.MethodPost:
		requiredScope, route = scopeWrite, "reprocess_file"
	case r.URL.Path == "/v1/admin/config" && r.Method == http.MethodGet:
		requiredScope, route = scopeRead, "get_config"
	case r.URL.Path == "/v1/admin/config" && r.Method == http.MethodPut:
		requiredScope, route = scopeWrite, "put_config"
	case r.URL.Path == "/v1/admin/config" && r.Method == http.MethodPatch:
		requiredScope, route = scopeWrite, "update_config"
	case r.URL.Path == "/v1/admin/config/reset-batch" && r.Method == http.MethodPost:
		requiredScope, route = scopeWrite, "reset_batch"
	case r.URL.Path == "/v1/admin/sweep" && r.Method == http.MethodPost:
		requiredScope, route = scopeWrite, "sweep"
	default:
		writeError(w, http.StatusNotFound, "not_found", "route not found", getCorrelationID(r))
		return
	}

	authHeader := r.Header.Get("Authorization")
	if authHeader == "" && route == "stream" {
		// Browsers cannot set headers on a websocket handshake.
		if token := r.URL.Query().Get("access_token"); token != "" {
			authHeader = "Bearer " + token
		}
	}
	claims, authErr := authorizeBearer(authHeader, s.cfg.JWTSecret, requiredScope, time.Now().UTC())
	if authErr != nil {
		writeError(w, authErr.status, authErr.code, authErr.message, getCorrelationID(r))
		return
	}
	if route == "stream" {
		if s.hub == nil {
			writeError(w, http.StatusNotFound, "not_found", "streaming is disabled", getCorrelationID(r))
			return
		}
		s.handleStream(w, r)
		return
	}
	correlationID := getCorrelationID(r)
	if correlationID == "" {
		writeError(w, http.StatusBadRequest, "bad_request", "missing X-Correlation-Id header", "")
		return
	}
	if s.rateLimiter != nil && !s.rateLimiter.allow(claims.Subject, time.Now().UTC()) {
		retryAfter := int(math.Ceil(s.rateLimiter.window.Seconds()))
		if retryAfter < 1 {
			retryAfter = 1
		}
		w.Header().Set("Retry-After", strconv.Itoa(retryAfter))
		writeError(w, http.StatusTooManyRequests, "rate_limited", "rate limit exceeded", correlationID)
		return
	}

	q := r.URL.Query()
	switch route {
	case "query_batches":
		s.handleQueryBatches(w, r, correlationID)
	case "describe_batch":
		if prefix, batchID, ok := requireBatchParams(w, q, correlationID); ok {
			batch, err := s.engine.DescribeBatch(r.Context(), prefix, batchID)
			respond(w, http.StatusOK, batch, err, correlationID)
		}
	case "delete_batch":
		if prefix, batchID, ok := requireBatchParams(w, q, correlationID); ok {
			err := s.engine.DeleteBatch(r.Context(), prefix, batchID)
			respond(w, http.StatusOK, map[string]string{"status": "deleted"}, err, correlationID)
		}
	case "unlock_batch":
		if prefix, batchID, ok := requireBatchParams(w, q, correlationID); ok {
			batch, err := s.engine.UnlockBatch(r.Context(), prefix, batchID)
			respond(w, http.StatusOK, batch, err, correlationID)
		}
	case "reprocess_batch":
		s.handleReprocessBatch(w, r, correlationID)
	case "describe_file":
		if file, ok := requireParam(w, q, "file", correlationID); ok {
			pf, err := s.engine.DescribeProcessedFile(r.Context(), file)
			respond(w, http.StatusOK, pf, err, correlationID)
		}
	case "delete_file":
		if file, ok := requireParam(w, q, "file", correlationID); ok {
			err := s.engine.DeleteProcessedFile(r.Context(), file)
			respond(w, http.StatusOK, map[string]string{"status": "deleted"}, err, correlationID)
		}
	case "reprocess_file":
		if file, ok := requireParam(w, q, "file", correlationID); ok {
			err := s.engine.ReprocessFile(r.Context(), file)
			respond(w, http.StatusAccepted, map[string]string{"status": "retriggered", "file": file}, err, correlationID)
		}
	case "get_config":
		if prefix, ok := requireParam(w, q, "prefix", correlationID); ok {
			cfg, err := s.engine.Records().GetWatchConfig(r.Context(), prefix)
			respond(w, http.StatusOK, cfg, err, correlationID)
		}
	case "put_config":
		body, ok := s.readRequestBody(w, r, correlationID)
		if ok {
			cfg, err := s.engine.PutWatchConfigDocument(r.Context(), body)
			respond(w, http.StatusOK, cfg, err, correlationID)
		}
	case "update_config":
		s.handleUpdateConfig(w, r, correlationID)
	case "reset_batch":
		if prefix, ok := requireParam(w, q, "prefix", correlationID); ok {
			force, err := parseOptionalBool(q.Get("force"), false)
			if err != nil {
				writeError(w, http.StatusBadRequest, "bad_request", "invalid force", correlationID)
				return
			}
			cfg, err := s.engine.ResetCurrentBatch(r.Context(), prefix, force)
			respond(w, http.StatusOK, cfg, err, correlationID)
		}
	case "sweep":
		flushed, err := s.engine.SweepPending(r.Context())
		respond(w, http.StatusOK, map[string]int{"flushed": flushed}, err, correlationID)
	default:
		writeError(w, http.StatusNotFound, "not_found", "route not found", correlationID)
	}
}

type eventResponse struct {
	Prefix    string `json:"prefix,omitempty"`
	File      string `json:"file,omitempty"`
	BatchID   string `json:"batchId,omitempty"`
	Admitted  bool   `json:"admitted"`
	Duplicate bool   `json:"duplicate,omitempty"`
	Filtered  bool   `json:"filtered,omitempty"`
	Flushed   bool   `json:"flushed,omitempty"`
	Reason    string `json:"reason,omitempty"`
	Status    string `json:"status,omitempty"`
}

func (s *Server) handleEvent(w http.ResponseWriter, r *http.Request) {
	correlationID := getCorrelationID(r)
	body, ok := s.readRequestBody(w, r, correlationID)
	if !ok {
		return
	}
	now := time.Now().UTC()
	timestamp, signature := r.Header.Get("X-Batch-Timestamp"), r.Header.Get("X-Batch-Signature")
	if authErr := verifyEventSignature(s.cfg.EventHMACSecret, timestamp, signature, body, now, s.cfg.EventMaxSkew); authErr != nil {
		writeError(w, authErr.status, authErr.code, authErr.message, correlationID)
		return
	}
	if !s.markEventSeen(timestamp, signature, now) {
		writeError(w, http.StatusUnauthorized, "unauthorized", "event replay detected", correlationID)
		return
	}

	ev, err := batchload.ParseNotification(body)
	if err != nil {
		writeError(w, http.StatusBadRequest, "bad_request", err.Error(), correlationID)
		return
	}
	// The event is marked seen, so a client that hangs up cannot retry it;
	// handling continues without the request's cancellation.
	ctx, cancel := context.WithTimeout(context.WithoutCancel(r.Context()), s.cfg.EventBudget)
	defer cancel()
	out, err := s.engine.HandleEvent(ctx, ev)
	if err != nil {
		s.cfg.Logf("event %s failed: %v", ev.FileRef(), err)
	}
	resp := eventResponse{
		Prefix:    out.Prefix,
		File:      out.File,
		BatchID:   out.BatchID,
		Admitted:  out.Admitted,
		Duplicate: out.Duplicate,
		Filtered:  out.Filtered,
		Flushed:   out.Flushed,
		Reason:    string(out.Reason),
	}
	if out.Status != batchload.StatusUnset {
		resp.Status = out.Status.String()
	}
	respond(w, http.StatusOK, resp, err, correlationID)
}

func (s *Server) handleQueryBatches(w http.ResponseWriter, r *http.Request, correlationID string) {
	q := r.URL.Query()
	query := batchload.BatchQuery{Prefix: q.Get("prefix")}
	if raw := q.Get("status"); raw != "" {
		status, err := batchload.ParseBatchStatus(raw)
		if err != nil {
			writeError(w, http.StatusBadRequest, "bad_request", "invalid status", correlationID)
			return
		}
		query.Status = &status
	}
	for name, dst := range map[string]*time.Time{"updatedAfter": &query.UpdatedAfter, "updatedBefore": &query.UpdatedBefore} {
		if raw := q.Get(name); raw != "" {
			parsed, err := time.Parse(time.RFC3339, raw)
			if err != nil {
				writeError(w, http.StatusBadRequest, "bad_request", "invalid "+name, correlationID)
				return
			}
			*dst = parsed
		}
	}
	limit, err := parseOptionalBoundedInt(q.Get("limit"), 100, 1, 1000)
	if err != nil {
		writeError(w, http.StatusBadRequest, "bad_request", "invalid limit", correlationID)
		return
	}
	batches, err := s.engine.QueryBatches(r.Context(), query)
	if err != nil {
		respond(w, http.StatusOK, nil, err, correlationID)
		return
	}
	total := len(batches)
	if len(batches) > limit {
		batches = batches[:limit]
	}
	if batches == nil {
		batches = []batchload.Batch{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"batches": batches, "total": total})
}

func (s *Server) handleReprocessBatch(w http.ResponseWriter, r *http.Request, correlationID string) {
	prefix, batchID, ok := requireBatchParams(w, r.URL.Query(), correlationID)
	if !ok {
		return
	}
	var req struct {
		Omit []string `json:"omit"`
	}
	body, ok := s.readRequestBody(w, r, correlationID)
	if !ok {
		return
	}
	if len(strings.TrimSpace(string(body))) > 0 {
		if err := json.Unmarshal(body, &req); err != nil {
			writeError(w, http.StatusBadRequest, "bad_request", "invalid json body", correlationID)
			return
		}
	}
	result, err := s.engine.ReprocessBatch(r.Context(), prefix, batchID, req.Omit)
	respond(w, http.StatusAccepted, map[string]any{
		"batch":       result.Batch,
		"retriggered": result.Retriggered,
		"omitted":     result.Omitted,
		"detached":    result.Detached,
	}, err, correlationID)
}

func (s *Server) handleUpdateConfig(w http.ResponseWriter, r *http.Request, correlationID string) {
	prefix, ok := requireParam(w, r.URL.Query(), "prefix", correlationID)
	if !ok {
		return
	}
	var req struct {
		Attribute string          `json:"attribute"`
		Value     json.RawMessage `json:"value"`
	}
	if !s.decodeJSONBody(w, r, correlationID, &req) {
		return
	}
	// The raw JSON value is handed on; null removes the attribute.
	value := strings.TrimSpace(string(req.Value))
	if value == "null" {
		value = ""
	}
	cfg, err := s.engine.UpdateConfigAttribute(r.Context(), prefix, req.Attribute, value)
	respond(w, http.StatusOK, cfg, err, correlationID)
}

func requireParam(w http.ResponseWriter, q map[string][]string, name, correlationID string) (string, bool) {
	values := q[name]
	if len(values) == 0 || strings.TrimSpace(values[0]) == "" {
		writeError(w, http.StatusBadRequest, "bad_request", "missing "+name, correlationID)
		return "", false
	}
	return values[0], true
}

func requireBatchParams(w http.ResponseWriter, q map[string][]string, correlationID string) (string, string, bool) {
	prefix, ok := requireParam(w, q, "prefix", correlationID)
	if !ok {
		return "", "", false
	}
	batchID, ok := requireParam(w, q, "batchId", correlationID)
	if !ok {
		return "", "", false
	}
	return prefix, batchID, true
}

// respond writes data, or the error mapped to a status code.
func respond(w http.ResponseWriter, status int, data any, err error, correlationID string) {
	if err == nil {
		writeJSON(w, status, data)
		return
	}
	switch {
	case errors.Is(err, batchload.ErrNotFound), errors.Is(err, batchload.ErrConfigNotFound):
		writeError(w, http.StatusNotFound, "not_found", err.Error(), correlationID)
	case errors.Is(err, batchload.ErrInvalidInput),
		errors.Is(err, batchload.ErrInvalidEvent),
		errors.Is(err, batchload.ErrUnsupportedFormat),
		errors.Is(err, batchload.ErrUnsupportedSchemaVersion):
		writeError(w, http.StatusBadRequest, "bad_request", err.Error(), correlationID)
	case errors.Is(err, batchload.ErrInvalidState), errors.Is(err, batchload.ErrBatchEmpty), errors.Is(err, batchload.ErrConditionFailed):
		writeError(w, http.StatusConflict, "invalid_state", err.Error(), correlationID)
	case errors.Is(err, batchload.ErrStuckBatch):
		writeError(w, http.StatusServiceUnavailable, "stuck_batch", err.Error(), correlationID)
	case errors.Is(err, batchload.ErrBatchFailed):
		writeError(w, http.StatusBadGateway, "batch_failed", err.Error(), correlationID)
	case errors.Is(err, batchload.ErrRetriesExhausted):
		w.Header().Set("Retry-After", "1")
		writeError(w, http.StatusServiceUnavailable, "throttled", err.Error(), correlationID)
	case errors.Is(err, context.DeadlineExceeded), errors.Is(err, batchload.ErrInsufficientBudget):
		writeError(w, http.StatusGatewayTimeout, "timeout", err.Error(), correlationID)
	default:
		writeError(w, http.StatusInternalServerError, "internal_error", err.Error(), correlationID)
	}
}

func getCorrelationID(r *http.Request) string {
	return r.Header.Get("X-Correlation-Id")
}

func (s *Server) readRequestBody(w http.ResponseWriter, r *http.Request, correlationID string) ([]byte, bool) {
	r.Body = http.MaxBytesReader(w, r.Body, s.cfg.MaxBodyBytes)
	body, err := io.ReadAll(r.Body)
	if err != nil {
		var maxErr *http.MaxBytesError
		if errors.As(err, &maxErr) {
			writeError(w, http.StatusRequestEntityTooLarge, "payload_too_large", "request body exceeds configured limit", correlationID)
			return nil, false
		}
		writeError(w, http.StatusBadRequest, "bad_request", "failed to read request body", correlationID)
		return nil, false
	}
	return body, true
}

func (s *Server) decodeJSONBody(w http.ResponseWriter, r *http.Request, correlationID string, dst any) bool {
	body, ok := s.readRequestBody(w, r, correlationID)
	if !ok {
		return false
	}
	if err := json.Unmarshal(body, dst); err != nil {
		writeError(w, http.StatusBadRequest, "bad_request", "invalid json body", correlationID)
		return false
	}
	return true
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, code, message, correlationID string) {
	writeJSON(w, status, map[string]any{
		"code":          code,
		"message":       message,
		"correlationId": correlationID,
	})
}

func (r *rateLimiter) allow(key string, now time.Time) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	entry, ok := r.entries[key]
	if !ok || now.After(entry.resetAt) {
		r.entries[key] = rateEntry{count: 1, resetAt: now.Add(r.window)}
		return true
	}
	if entry.count >= r.max {
		return false
	}
	entry.count++
	r.entries[key] = entry
	return true
}

// markEventSeen rejects a signed event delivered twice inside the skew
// window.
func (s *Server) markEventSeen(timestamp, signature string, now time.Time) bool {
	key := strings.TrimSpace(strings.ToLower(timestamp)) + "|" + strings.TrimSpace(strings.ToLower(signature))
	if key == "|" {
		return false
	}
	s.eventReplayMu.Lock()
	defer s.eventReplayMu.Unlock()
	for replayKey, expiresAt := range s.eventReplay {
		if !now.Before(expiresAt) {
			delete(s.eventReplay, replayKey)
		}
	}
	if expiresAt, exists := s.eventReplay[key]; exists && now.Before(expiresAt) {
		return false
	}
	s.eventReplay[key] = now.Add(s.cfg.EventMaxSkew)
	return true
}

func parseOptionalBoundedInt(raw string, fallback, min, max int) (int, error) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return fallback, nil
	}
	parsed, err := strconv.Atoi(trimmed)
	if err != nil {
		return 0, err
	}
	if parsed < min || parsed > max {
		return 0, fmt.Errorf("out of range")
	}
	return parsed, nil
}

func parseOptionalBool(raw string, fallback bool) (bool, error) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return fallback, nil
	}
	return strconv.ParseBool(trimmed)
}
