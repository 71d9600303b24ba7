package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"math"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"nhooyr.io/websocket"
	"nhooyr.io/websocket/wsjson"

	"github.com/agentworkforce/relaytimeline/internal/timeline"
)

type ServerConfig struct {
	JWTSecret          string
	RateLimitMax       int
	RateLimitWindow    time.Duration
	MaxBodyBytes       int64
	IntentWaitTimeout  time.Duration
	StreamWriteTimeout time.Duration
	// AllowedOrigins are host patterns accepted for cross-origin websocket
	// upgrades.
	AllowedOrigins []string
	Logger         timeline.Logger
}

type Server struct {
	engine      *timeline.Engine
	cfg         ServerConfig
	rateLimiter *rateLimiter
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

func NewServer(engine *timeline.Engine) *Server {
	return NewServerWithConfig(engine, ServerConfig{})
}

func NewServerWithConfig(engine *timeline.Engine, cfg ServerConfig) *Server {
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
	}
	if cfg.IntentWaitTimeout <= 0 {
		cfg.IntentWaitTimeout = 30 * time.Second
	}
	if cfg.StreamWriteTimeout <= 0 {
		cfg.StreamWriteTimeout = 10 * time.Second
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
		cfg:         cfg,
		rateLimiter: limiter,
	}
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.URL.Path == "/health" && r.Method == http.MethodGet {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
		return
	}

	parts := strings.Split(strings.Trim(r.URL.Path, "/"), "/")
	if len(parts) < 2 || parts[0] != "v1" || parts[1] != "timelines" {
		writeError(w, http.StatusNotFound, "not_found", "route not found", getCorrelationID(r))
		return
	}

	var timelineKey string
	if len(parts) >= 3 {
		timelineKey = parts[2]
	}
	var requiredScope string
	var route string
	switch {
	case len(parts) == 2 && r.Method == http.MethodGet:
		requiredScope = scopeTimelineRead
		route = "list"
	case len(parts) == 2 && r.Method == http.MethodPost:
		requiredScope = scopeTimelineWrite
		route = "register"
	case len(parts) == 4 && parts[3] == "snapshot" && r.Method == http.MethodGet:
		requiredScope = scopeTimelineRead
		route = "snapshot"
	case len(parts) == 4 && parts[3] == "state" && r.Method == http.MethodGet:
		requiredScope = scopeTimelineRead
		route = "state"
	case len(parts) == 6 && parts[3] == "records" && r.Method == http.MethodGet:
		requiredScope = scopeTimelineRead
		route = "record"
	case len(parts) == 4 && parts[3] == "stream" && r.Method == http.MethodGet:
		requiredScope = scopeTimelineRead
		route = "stream"
	case len(parts) == 4 && parts[3] == "refresh" && r.Method == http.MethodPost:
		requiredScope = scopeTimelineWrite
		route = "refresh"
	case len(parts) == 4 && parts[3] == "load-older" && r.Method == http.MethodPost:
		requiredScope = scopeTimelineWrite
		route = "load_older"
	case len(parts) == 4 && parts[3] == "retry" && r.Method == http.MethodPost:
		requiredScope = scopeTimelineWrite
		route = "retry"
	case len(parts) == 4 && parts[3] == "trim" && r.Method == http.MethodPost:
		requiredScope = scopeTimelineWrite
		route = "trim"
	default:
		writeError(w, http.StatusNotFound, "not_found", "route not found", getCorrelationID(r))
		return
	}

	authHeader := r.Header.Get("Authorization")
	correlationID := getCorrelationID(r)
	if route == "stream" {
		// Browsers cannot set headers on a websocket upgrade.
		if authHeader == "" {
			if token := strings.TrimSpace(r.URL.Query().Get("access_token")); token != "" {
				authHeader = "Bearer " + token
			}
		}
		if correlationID == "" {
			correlationID = uuid.NewString()
		}
	}
	claims, authErr := authorizeBearer(authHeader, s.cfg.JWTSecret, timelineKey, requiredScope, time.Now().UTC())
	if authErr != nil {
		writeError(w, authErr.status, authErr.code, authErr.message, correlationID)
		return
	}
	if correlationID == "" {
		writeError(w, http.StatusBadRequest, "bad_request", "missing X-Correlation-Id header", "")
		return
	}
	if s.rateLimiter != nil && route != "stream" {
		if !s.rateLimiter.allow(claims.Subject, time.Now().UTC()) {
			retryAfter := int(math.Ceil(s.rateLimiter.window.Seconds()))
			if retryAfter < 1 {
				retryAfter = 1
			}
			w.Header().Set("Retry-After", strconv.Itoa(retryAfter))
			writeError(w, http.StatusTooManyRequests, "rate_limited", "rate limit exceeded", correlationID)
			return
		}
	}

	key := timeline.TimelineKey(timelineKey)
	switch route {
	case "list":
		s.handleList(w, claims, correlationID)
	case "register":
		s.handleRegister(w, r, claims, correlationID)
	case "snapshot":
		s.handleSnapshot(w, r, key, correlationID)
	case "state":
		s.handleState(w, key, correlationID)
	case "record":
		ref := timeline.RecordRef{Platform: timeline.Platform(parts[4]), LocalID: parts[5]}
		s.handleRecord(w, r, key, ref, correlationID)
	case "stream":
		s.handleStream(w, r, key, correlationID)
	case "refresh":
		s.handleIntent(w, r, key, correlationID, s.engine.Refresh)
	case "load_older":
		s.handleIntent(w, r, key, correlationID, s.engine.LoadOlder)
	case "retry":
		s.handleIntent(w, r, key, correlationID, s.engine.Retry)
	case "trim":
		s.handleTrim(w, r, key, correlationID)
	default:
		writeError(w, http.StatusNotFound, "not_found", "route not found", correlationID)
	}
}

type stateView struct {
	Phase     timeline.Phase     `json:"phase"`
	Direction timeline.Direction `json:"direction,omitempty"`
	Error     string             `json:"error,omitempty"`
}

func newStateView(state timeline.FetchState) stateView {
	view := stateView{Phase: state.Phase, Direction: state.Direction}
	if state.Err != nil {
		view.Error = state.Err.Error()
	}
	return view
}

type timelineView struct {
	timeline.TimelineConfig
	State stateView `json:"state"`
}

func (s *Server) handleList(w http.ResponseWriter, claims tokenClaims, correlationID string) {
	configs := s.engine.Timelines()
	items := make([]timelineView, 0, len(configs))
	for _, cfg := range configs {
		if !claims.allowsTimeline(string(cfg.Key)) {
			continue
		}
		state, err := s.engine.State(cfg.Key)
		if err != nil {
			continue
		}
		items = append(items, timelineView{TimelineConfig: cfg, State: newStateView(state)})
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"timelines":     items,
		"correlationId": correlationID,
	})
}

func (s *Server) handleRegister(w http.ResponseWriter, r *http.Request, claims tokenClaims, correlationID string) {
	var cfg timeline.TimelineConfig
	if !s.decodeJSONBody(w, r, correlationID, &cfg) {
		return
	}
	if !claims.allowsTimeline(strings.TrimSpace(string(cfg.Key))) {
		writeError(w, http.StatusForbidden, "forbidden", "timeline not granted", correlationID)
		return
	}
	if err := s.engine.Register(cfg); err != nil {
		s.writeEngineError(w, err, correlationID)
		return
	}
	s.logf("timeline %s registered by %s (%s)", strings.TrimSpace(string(cfg.Key)), claims.Subject, correlationID)
	writeJSON(w, http.StatusCreated, map[string]any{
		"key":           strings.TrimSpace(string(cfg.Key)),
		"correlationId": correlationID,
	})
}

func (s *Server) handleSnapshot(w http.ResponseWriter, r *http.Request, key timeline.TimelineKey, correlationID string) {
	snap, err := s.engine.Snapshot(r.Context(), key)
	if err != nil {
		s.writeEngineError(w, err, correlationID)
		return
	}
	writeJSON(w, http.StatusOK, snap)
}

func (s *Server) handleState(w http.ResponseWriter, key timeline.TimelineKey, correlationID string) {
	state, err := s.engine.State(key)
	if err != nil {
		s.writeEngineError(w, err, correlationID)
		return
	}
	writeJSON(w, http.StatusOK, newStateView(state))
}

func (s *Server) handleRecord(w http.ResponseWriter, r *http.Request, key timeline.TimelineKey, ref timeline.RecordRef, correlationID string) {
	rec, err := s.engine.Record(r.Context(), key, ref)
	if err != nil {
		s.writeEngineError(w, err, correlationID)
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

type intentResponse struct {
	Accepted      bool                  `json:"accepted"`
	Settled       bool                  `json:"settled"`
	Superseded    bool                  `json:"superseded,omitempty"`
	Direction     timeline.Direction    `json:"direction,omitempty"`
	State         *stateView            `json:"state,omitempty"`
	Result        *timeline.MergeResult `json:"result,omitempty"`
	Error         string                `json:"error,omitempty"`
	CorrelationID string                `json:"correlationId"`
}

// handleIntent submits an intent. With ?wait=true the response is sent once
// the cycle settles; otherwise 202 is returned as soon as it is accepted.
func (s *Server) handleIntent(
	w http.ResponseWriter,
	r *http.Request,
	key timeline.TimelineKey,
	correlationID string,
	submit func(context.Context, timeline.TimelineKey) *timeline.Pending,
) {
	wait, err := parseOptionalBool(r.URL.Query().Get("wait"), false)
	if err != nil {
		writeError(w, http.StatusBadRequest, "bad_request", "invalid wait parameter", correlationID)
		return
	}
	pending := submit(r.Context(), key)
	select {
	case <-pending.Done():
	default:
		if !wait {
			writeJSON(w, http.StatusAccepted, intentResponse{Accepted: true, CorrelationID: correlationID})
			return
		}
	}

	waitCtx, cancel := context.WithTimeout(r.Context(), s.cfg.IntentWaitTimeout)
	defer cancel()
	outcome, err := pending.Wait(waitCtx)
	if err != nil && errors.Is(err, context.DeadlineExceeded) && waitCtx.Err() != nil {
		writeJSON(w, http.StatusAccepted, intentResponse{Accepted: true, CorrelationID: correlationID})
		return
	}
	if errors.Is(err, timeline.ErrUnknownTimeline) {
		s.writeEngineError(w, err, correlationID)
		return
	}

	state := newStateView(outcome.State)
	resp := intentResponse{
		Accepted:      !outcome.Dropped,
		Settled:       true,
		Superseded:    outcome.Superseded,
		Direction:     outcome.Direction,
		State:         &state,
		CorrelationID: correlationID,
	}
	if !outcome.Dropped && err == nil {
		result := outcome.Result
		resp.Result = &result
	}
	if err != nil {
		resp.Error = err.Error()
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleTrim(w http.ResponseWriter, r *http.Request, key timeline.TimelineKey, correlationID string) {
	var body struct {
		Keep *int `json:"keep"`
	}
	if !s.decodeJSONBody(w, r, correlationID, &body) {
		return
	}
	if body.Keep == nil || *body.Keep < 0 {
		writeError(w, http.StatusBadRequest, "bad_request", "keep must be a non-negative integer", correlationID)
		return
	}
	removed, err := s.engine.Trim(r.Context(), key, *body.Keep)
	if err != nil {
		s.writeEngineError(w, err, correlationID)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"removed":       removed,
		"correlationId": correlationID,
	})
}

type streamMessage struct {
	Type       string               `json:"type"`
	Timeline   timeline.TimelineKey `json:"timeline"`
	Snapshot   *timeline.Snapshot   `json:"snapshot,omitempty"`
	Ops        []timeline.DiffOp    `json:"ops,omitempty"`
	Phase      timeline.Phase       `json:"phase,omitempty"`
	Refreshing bool                 `json:"refreshing,omitempty"`
	Failure    *timeline.Failure    `json:"failure,omitempty"`
}

// handleStream upgrades to a websocket and sends the current snapshot
// followed by diffs against the previously sent one.
func (s *Server) handleStream(w http.ResponseWriter, r *http.Request, key timeline.TimelineKey, correlationID string) {
	updates, unsubscribe, err := s.engine.Subscribe(r.Context(), key)
	if err != nil {
		s.writeEngineError(w, err, correlationID)
		return
	}
	defer unsubscribe()

	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{OriginPatterns: s.cfg.AllowedOrigins})
	if err != nil {
		s.logf("timeline %s: websocket accept failed (%s): %v", key, correlationID, err)
		return
	}
	defer conn.CloseNow()
	ctx := conn.CloseRead(r.Context())

	var prev *timeline.Snapshot
	for {
		select {
		case <-ctx.Done():
			return
		case snap, ok := <-updates:
			if !ok {
				_ = conn.Close(websocket.StatusGoingAway, "subscription closed")
				return
			}
			msg := streamMessage{Type: "snapshot", Timeline: snap.Timeline, Snapshot: &snap}
			if prev != nil {
				msg = streamMessage{
					Type:       "diff",
					Timeline:   snap.Timeline,
					Ops:        timeline.Diff(prev.Items, snap.Items),
					Phase:      snap.Phase,
					Refreshing: snap.Refreshing,
					Failure:    snap.Failure,
				}
			}
			writeCtx, cancel := context.WithTimeout(ctx, s.cfg.StreamWriteTimeout)
			err := wsjson.Write(writeCtx, conn, msg)
			cancel()
			if err != nil {
				s.logf("timeline %s: stream write failed (%s): %v", key, correlationID, err)
				return
			}
			sent := snap
			prev = &sent
		}
	}
}

func (s *Server) writeEngineError(w http.ResponseWriter, err error, correlationID string) {
	switch {
	case errors.Is(err, timeline.ErrUnknownTimeline):
		writeError(w, http.StatusNotFound, "not_found", err.Error(), correlationID)
	case errors.Is(err, timeline.ErrUnknownPlatform), errors.Is(err, timeline.ErrInvalidInput):
		writeError(w, http.StatusBadRequest, "bad_request", err.Error(), correlationID)
	case errors.Is(err, timeline.ErrPersistence):
		s.logf("persistence failure (%s): %v", correlationID, err)
		writeError(w, http.StatusServiceUnavailable, "persistence_error", "timeline store unavailable", correlationID)
	case errors.Is(err, timeline.ErrNotFound):
		writeError(w, http.StatusNotFound, "not_found", err.Error(), correlationID)
	default:
		s.logf("internal error (%s): %v", correlationID, err)
		writeError(w, http.StatusInternalServerError, "internal_error", "internal error", correlationID)
	}
}

func (s *Server) logf(format string, args ...any) {
	if s.cfg.Logger == nil {
		return
	}
	s.cfg.Logger.Printf(format, args...)
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

func parseOptionalBool(raw string, fallback bool) (bool, error) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return fallback, nil
	}
	parsed, err := strconv.ParseBool(trimmed)
	if err != nil {
		return false, err
	}
	return parsed, nil
}
