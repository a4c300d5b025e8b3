package httpapi

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/agentworkforce/notesync/internal/notes"
)

type ServerConfig struct {
	JWTSecret       string
	RateLimitMax    int
	RateLimitWindow time.Duration
	MaxBodyBytes    int64
	// LivePingInterval is the heartbeat period of /v1/sync/live.
	LivePingInterval time.Duration
	// LiveOriginPatterns are passed to the websocket handshake. Empty means
	// same origin only.
	LiveOriginPatterns []string
	Logger             *slog.Logger
	Now                func() time.Time
}

type Server struct {
	processor   *notes.BatchProcessor
	store       notes.EntityStore
	cfg         ServerConfig
	rateLimiter *rateLimiter
	logger      *slog.Logger
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

func NewServer(processor *notes.BatchProcessor, store notes.EntityStore) *Server {
	return NewServerWithConfig(processor, store, ServerConfig{})
}

func NewServerWithConfig(processor *notes.BatchProcessor, store notes.EntityStore, cfg ServerConfig) *Server {
	if cfg.JWTSecret == "" {
		cfg.JWTSecret = "dev-secret"
	}
	if cfg.RateLimitMax < 0 {
		cfg.RateLimitMax = 0
	}
	if cfg.RateLimitWindow <= 0 {
		cfg.RateLimitWindow = time.Minute
	}
	if cfg.MaxBodyBytes <= 0 {
		cfg.MaxBodyBytes = 1 << 20
		if processor != nil {
			cfg.MaxBodyBytes = notes.MaxBatchBodyBytes(processor.MaxBatchSize())
		}
	}
	if cfg.LivePingInterval <= 0 {
		cfg.LivePingInterval = 15 * time.Second
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
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
		processor:   processor,
		store:       store,
		cfg:         cfg,
		rateLimiter: limiter,
		logger:      cfg.Logger,
	}
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.URL.Path == "/health" && r.Method == http.MethodGet {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
		return
	}

	parts := strings.Split(strings.Trim(r.URL.Path, "/"), "/")
	if len(parts) < 2 || parts[0] != "v1" {
		writeError(w, http.StatusNotFound, "not_found", "route not found", getCorrelationID(r))
		return
	}

	var requiredScope string
	var route string
	switch {
	case len(parts) == 3 && parts[1] == "sync" && parts[2] == "batch" && r.Method == http.MethodPost:
		requiredScope = scopeWrite
		route = "sync_batch"
	case len(parts) == 3 && parts[1] == "sync" && parts[2] == "live" && r.Method == http.MethodGet:
		requiredScope = scopeRead
		route = "sync_live"
	case len(parts) == 2 && parts[1] == "notes" && r.Method == http.MethodGet:
		requiredScope = scopeRead
		route = "notes_list"
	case len(parts) == 3 && parts[1] == "notes" && parts[2] != "" && r.Method == http.MethodGet:
		requiredScope = scopeRead
		route = "note"
	case len(parts) == 4 && parts[1] == "notes" && parts[2] != "" && parts[3] == "versions" && r.Method == http.MethodGet:
		requiredScope = scopeRead
		route = "note_versions"
	default:
		writeError(w, http.StatusNotFound, "not_found", "route not found", getCorrelationID(r))
		return
	}

	authHeader := r.Header.Get("Authorization")
	if authHeader == "" && route == "sync_live" {
		// Browsers cannot set headers on a websocket handshake.
		if token := r.URL.Query().Get("access_token"); token != "" {
			authHeader = "Bearer " + token
		}
	}
	correlationID := getCorrelationID(r)
	claims, authErr := authorizeBearer(authHeader, s.cfg.JWTSecret, requiredScope, s.cfg.Now().UTC())
	if authErr != nil {
		writeError(w, authErr.status, authErr.code, authErr.message, correlationID)
		return
	}
	if s.rateLimiter != nil && route != "sync_live" {
		if !s.rateLimiter.allow(claims.UserID, s.cfg.Now().UTC()) {
			retryAfter := int(math.Ceil(s.rateLimiter.window.Seconds()))
			if retryAfter < 1 {
				retryAfter = 1
			}
			w.Header().Set("Retry-After", strconv.Itoa(retryAfter))
			writeError(w, http.StatusTooManyRequests, "rate_limited", "rate limit exceeded", correlationID)
			return
		}
	}

	switch route {
	case "sync_batch":
		s.handleSyncBatch(w, r, claims, correlationID)
	case "sync_live":
		s.handleSyncLive(w, r, claims)
	case "notes_list":
		s.handleListNotes(w, r, claims, correlationID)
	case "note":
		s.handleGetNote(w, r, claims, parts[2], correlationID)
	case "note_versions":
		s.handleNoteVersions(w, r, claims, parts[2], correlationID)
	default:
		writeError(w, http.StatusNotFound, "not_found", "route not found", correlationID)
	}
}

type batchRequest struct {
	Operations json.RawMessage `json:"operations"`
}

func (s *Server) handleSyncBatch(w http.ResponseWriter, r *http.Request, claims tokenClaims, correlationID string) {
	var req batchRequest
	if !s.decodeJSONBody(w, r, correlationID, &req) {
		return
	}
	raw := bytes.TrimSpace(req.Operations)
	if len(raw) == 0 || bytes.Equal(raw, []byte("null")) {
		writeError(w, http.StatusBadRequest, "bad_request", "operations is required", correlationID)
		return
	}
	if raw[0] != '[' {
		writeError(w, http.StatusBadRequest, "bad_request", "operations must be an array", correlationID)
		return
	}
	var items []json.RawMessage
	if err := json.Unmarshal(raw, &items); err != nil {
		writeError(w, http.StatusBadRequest, "bad_request", "operations must be an array", correlationID)
		return
	}
	if err := s.processor.CheckSize(len(items)); err != nil {
		code := "bad_request"
		if errors.Is(err, notes.ErrBatchTooLarge) {
			code = "batch_too_large"
		}
		writeError(w, http.StatusBadRequest, code, err.Error(), correlationID)
		return
	}

	ops := make([]notes.Operation, len(items))
	for i, item := range items {
		ops[i] = decodeOperation(item)
	}
	resp, err := s.processor.Process(r.Context(), claims.UserID, ops)
	if err != nil {
		writeError(w, http.StatusBadRequest, "bad_request", err.Error(), correlationID)
		return
	}
	status := http.StatusOK
	if resp.Partial {
		status = http.StatusRequestTimeout
		s.logger.Warn("batch deadline exceeded",
			"correlation_id", correlationID,
			"user_id", claims.UserID,
			"total", resp.Summary.Total,
			"failed", resp.Summary.Failed,
		)
	}
	writeJSON(w, status, resp)
}

// decodeOperation never fails: an element that does not decode becomes an
// operation with no type, which the reconciler reports as a validation
// failure for that index only.
func decodeOperation(raw json.RawMessage) notes.Operation {
	var op notes.Operation
	if err := json.Unmarshal(raw, &op); err == nil {
		return op
	}
	var ident struct {
		ID string `json:"id"`
	}
	_ = json.Unmarshal(raw, &ident)
	return notes.Operation{ID: ident.ID}
}

func (s *Server) handleListNotes(w http.ResponseWriter, r *http.Request, claims tokenClaims, correlationID string) {
	list, err := s.store.ListNotes(r.Context(), claims.UserID)
	if err != nil {
		s.writeStoreError(w, err, correlationID)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"notes": list})
}

func (s *Server) handleGetNote(w http.ResponseWriter, r *http.Request, claims tokenClaims, noteID, correlationID string) {
	note, ok := s.ownedNote(w, r, claims, noteID, correlationID)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, note)
}

func (s *Server) handleNoteVersions(w http.ResponseWriter, r *http.Request, claims tokenClaims, noteID, correlationID string) {
	if _, ok := s.ownedNote(w, r, claims, noteID, correlationID); !ok {
		return
	}
	versions, err := s.store.ListVersions(r.Context(), noteID)
	if err != nil {
		s.writeStoreError(w, err, correlationID)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"noteId":   noteID,
		"versions": versions,
	})
}

func (s *Server) ownedNote(w http.ResponseWriter, r *http.Request, claims tokenClaims, noteID, correlationID string) (notes.Note, bool) {
	note, err := s.store.GetNote(r.Context(), noteID)
	if err != nil {
		s.writeStoreError(w, err, correlationID)
		return notes.Note{}, false
	}
	if note.OwnerID != claims.UserID {
		writeError(w, http.StatusForbidden, "forbidden", "note belongs to another user", correlationID)
		return notes.Note{}, false
	}
	return note, true
}

func (s *Server) writeStoreError(w http.ResponseWriter, err error, correlationID string) {
	if errors.Is(err, notes.ErrNotFound) {
		writeError(w, http.StatusNotFound, "not_found", "note not found", correlationID)
		return
	}
	s.logger.Error("entity store read failed", "correlation_id", correlationID, "error", err)
	writeError(w, http.StatusServiceUnavailable, "unavailable", "entity store unavailable", correlationID)
}

// getCorrelationID returns the caller supplied correlation id or a fresh one.
func getCorrelationID(r *http.Request) string {
	if id := strings.TrimSpace(r.Header.Get("X-Correlation-Id")); id != "" {
		return id
	}
	return fmt.Sprintf("srv_%s", uuid.NewString())
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
		r.entries[key] = rateEntry{
			count:   1,
			resetAt: now.Add(r.window),
		}
		return true
	}
	if entry.count >= r.max {
		return false
	}
	entry.count++
	r.entries[key] = entry
	return true
}
