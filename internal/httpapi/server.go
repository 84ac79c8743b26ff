package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/ent0n29/voicebench/internal/config"
	"github.com/ent0n29/voicebench/internal/device"
	"github.com/ent0n29/voicebench/internal/engine"
	"github.com/ent0n29/voicebench/internal/history"
	"github.com/ent0n29/voicebench/internal/observability"
	"github.com/ent0n29/voicebench/internal/profile"
	"github.com/ent0n29/voicebench/internal/session"
)

// Engine is the controller surface the API drives: intents in, snapshots out.
type Engine interface {
	Connect(ctx context.Context, profile string) error
	Disconnect(ctx context.Context) error
	EndTurn(ctx context.Context) error
	Interrupt(ctx context.Context) error
	Snapshot() engine.Snapshot
	Subscribe() (<-chan engine.Snapshot, func())
	Turns() ([]session.Turn, error)
	LatencyWindow() observability.TurnSegmentSnapshot
	Profiles() *profile.Catalog
	Sessions() *session.Manager
}

type Server struct {
	cfg      config.Config
	engine   Engine
	history  history.Store
	metrics  *observability.Metrics
	logger   *zap.Logger
	upgrader websocket.Upgrader
}

func New(cfg config.Config, eng Engine, store history.Store, metrics *observability.Metrics, logger *zap.Logger) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Server{
		cfg:     cfg,
		engine:  eng,
		history: store,
		metrics: metrics,
		logger:  logger,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin: func(r *http.Request) bool {
				// Only same-origin browsers may watch the session unless configured otherwise.
				if cfg.AllowAnyOrigin {
					return true
				}
				origin := strings.TrimSpace(r.Header.Get("Origin"))
				if origin == "" {
					return true
				}
				u, err := url.Parse(origin)
				if err != nil {
					return false
				}
				if u.Scheme != "http" && u.Scheme != "https" {
					return false
				}
				return strings.EqualFold(u.Host, r.Host)
			},
		},
	}
}

func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Get("/healthz", s.handleHealth)
	r.Get("/readyz", s.handleReady)
	r.Get("/metrics", func(w http.ResponseWriter, r *http.Request) {
		observability.MetricsHandler().ServeHTTP(w, r)
	})

	r.Get("/v1/voice/state", s.handleState)
	r.Get("/v1/voice/state/ws", s.handleStateWS)
	r.Post("/v1/voice/connect", s.handleConnect)
	r.Post("/v1/voice/disconnect", s.intent(func(ctx context.Context) error { return s.engine.Disconnect(ctx) }))
	r.Post("/v1/voice/end_turn", s.intent(func(ctx context.Context) error { return s.engine.EndTurn(ctx) }))
	r.Post("/v1/voice/interrupt", s.intent(func(ctx context.Context) error { return s.engine.Interrupt(ctx) }))
	r.Get("/v1/voice/turns", s.handleTurns)
	r.Get("/v1/voice/sessions", s.handleSessions)
	r.Get("/v1/voice/profiles", s.handleProfiles)
	r.Get("/v1/perf/latency", s.handlePerfLatency)
	r.Get("/v1/history/sessions", s.handleHistorySessions)
	r.Get("/v1/history/sessions/{id}/turns", s.handleHistoryTurns)
	return r
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	respondJSON(w, http.StatusOK, map[string]any{
		"status": "ok",
		"state":  s.engine.Snapshot().State,
	})
}

func (s *Server) handleReady(w http.ResponseWriter, _ *http.Request) {
	respondJSON(w, http.StatusOK, map[string]any{
		"status":        "ready",
		"history_store": s.historyMode(),
		"audio_device":  s.cfg.AudioDevice,
	})
}

func (s *Server) handleState(w http.ResponseWriter, _ *http.Request) {
	respondJSON(w, http.StatusOK, s.engine.Snapshot())
}

type connectRequest struct {
	Profile string `json:"profile"`
}

func (s *Server) handleConnect(w http.ResponseWriter, r *http.Request) {
	var req connectRequest
	if err := decodeJSON(r, &req); err != nil && !errors.Is(err, errEmptyBody) {
		respondError(w, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}
	if strings.TrimSpace(req.Profile) == "" {
		req.Profile = s.cfg.ProfileName
	}
	if err := s.engine.Connect(r.Context(), req.Profile); err != nil {
		s.respondIntentError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, s.engine.Snapshot())
}

func (s *Server) intent(fn func(ctx context.Context) error) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if err := fn(r.Context()); err != nil {
			s.respondIntentError(w, err)
			return
		}
		respondJSON(w, http.StatusOK, s.engine.Snapshot())
	}
}

func (s *Server) respondIntentError(w http.ResponseWriter, err error) {
	status, code := http.StatusBadGateway, "agent_error"
	switch {
	case errors.Is(err, engine.ErrAlreadyConnected):
		status, code = http.StatusConflict, "already_connected"
	case errors.Is(err, engine.ErrNotConnected):
		status, code = http.StatusConflict, "not_connected"
	case errors.Is(err, engine.ErrNotListening):
		status, code = http.StatusConflict, "not_listening"
	case errors.Is(err, engine.ErrBargeInDisabled):
		status, code = http.StatusConflict, "barge_in_disabled"
	case errors.Is(err, profile.ErrNotFound):
		status, code = http.StatusNotFound, "profile_not_found"
	case errors.Is(err, device.ErrPermissionDenied):
		status, code = http.StatusForbidden, "permission_denied"
	case errors.Is(err, engine.ErrConnectTimeout):
		status, code = http.StatusGatewayTimeout, "connect_timeout"
	case errors.Is(err, engine.ErrStopped), errors.Is(err, context.Canceled):
		status, code = http.StatusServiceUnavailable, "unavailable"
	}
	respondError(w, status, code, err.Error())
}

func (s *Server) handleTurns(w http.ResponseWriter, _ *http.Request) {
	turns, err := s.engine.Turns()
	if err != nil {
		respondError(w, http.StatusNotFound, "session_not_found", err.Error())
		return
	}
	if turns == nil {
		turns = []session.Turn{}
	}
	respondJSON(w, http.StatusOK, map[string]any{"turns": turns})
}

func (s *Server) handleSessions(w http.ResponseWriter, _ *http.Request) {
	respondJSON(w, http.StatusOK, map[string]any{"sessions": s.engine.Sessions().List()})
}

func (s *Server) handleProfiles(w http.ResponseWriter, _ *http.Request) {
	catalog := s.engine.Profiles()
	names := catalog.Names()
	out := make([]profile.Profile, 0, len(names))
	for _, name := range names {
		if p, err := catalog.Get(name); err == nil {
			out = append(out, p)
		}
	}
	respondJSON(w, http.StatusOK, map[string]any{
		"default":  catalog.DefaultName(),
		"profiles": out,
	})
}

func (s *Server) handlePerfLatency(w http.ResponseWriter, _ *http.Request) {
	respondJSON(w, http.StatusOK, s.engine.LatencyWindow())
}

func (s *Server) handleHistorySessions(w http.ResponseWriter, r *http.Request) {
	if s.history == nil {
		respondError(w, http.StatusNotImplemented, "unavailable", "history store not configured")
		return
	}
	limit := 50
	if raw := strings.TrimSpace(r.URL.Query().Get("limit")); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			respondError(w, http.StatusBadRequest, "invalid_limit", "limit must be a positive integer")
			return
		}
		limit = n
	}
	sessions, err := s.history.ListSessions(r.Context(), limit)
	if err != nil {
		respondError(w, http.StatusInternalServerError, "history_error", err.Error())
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{"sessions": sessions})
}

func (s *Server) handleHistoryTurns(w http.ResponseWriter, r *http.Request) {
	if s.history == nil {
		respondError(w, http.StatusNotImplemented, "unavailable", "history store not configured")
		return
	}
	id := strings.TrimSpace(chi.URLParam(r, "id"))
	if id == "" {
		respondError(w, http.StatusBadRequest, "invalid_session_id", "missing session id")
		return
	}
	turns, err := s.history.ListTurns(r.Context(), id)
	if err != nil {
		respondError(w, http.StatusInternalServerError, "history_error", err.Error())
		return
	}
	if turns == nil {
		turns = []session.Turn{}
	}
	respondJSON(w, http.StatusOK, map[string]any{"turns": turns})
}

// handleStateWS streams every published snapshot. Slow clients skip
// intermediate snapshots rather than stall the controller.
func (s *Server) handleStateWS(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	defer conn.Close()
	s.metrics.SessionEvent("ws_connected")
	defer s.metrics.SessionEvent("ws_disconnected")

	updates, unsubscribe := s.engine.Subscribe()
	defer unsubscribe()

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	go func() {
		defer cancel()
		conn.SetReadLimit(4096)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return
		case snap := <-updates:
			_ = conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
			if err := conn.WriteJSON(snap); err != nil {
				s.logger.Debug("snapshot stream write failed", zap.Error(err))
				return
			}
			s.metrics.WSMessage("outbound", "snapshot")
		}
	}
}

func (s *Server) historyMode() string {
	switch s.history.(type) {
	case nil:
		return "disabled"
	case *history.PostgresStore:
		return "postgres"
	default:
		return "in-memory"
	}
}

type errorResponse struct {
	Error string `json:"error"`
	Code  string `json:"code"`
}

var errEmptyBody = errors.New("empty body")

func decodeJSON(r *http.Request, out any) error {
	if r.Body == nil {
		return errEmptyBody
	}
	defer r.Body.Close()
	dec := json.NewDecoder(r.Body)
	if err := dec.Decode(out); err != nil {
		if errors.Is(err, io.EOF) {
			return errEmptyBody
		}
		return err
	}
	return nil
}

func respondJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func respondError(w http.ResponseWriter, status int, code, message string) {
	respondJSON(w, status, errorResponse{Error: message, Code: code})
}
