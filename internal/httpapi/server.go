package httpapi

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/url"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/ent0n29/geminilive/internal/config"
	"github.com/ent0n29/geminilive/internal/observability"
	"github.com/ent0n29/geminilive/internal/session"
)

type Server struct {
	cfg      config.Config
	sessions *session.Manager
	metrics  *observability.Metrics
	gatherer prometheus.Gatherer
	upgrader websocket.Upgrader
}

// New builds the HTTP surface. A nil gatherer serves the default Prometheus
// registry on /metrics.
func New(cfg config.Config, sessions *session.Manager, metrics *observability.Metrics, gatherer prometheus.Gatherer) *Server {
	return &Server{
		cfg:      cfg,
		sessions: sessions,
		metrics:  metrics,
		gatherer: gatherer,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin: func(r *http.Request) bool {
				// Only same-origin browsers may drive a session unless explicitly allowed.
				if cfg.AllowAnyOrigin {
					return true
				}
				origin := strings.TrimSpace(r.Header.Get("Origin"))
				if origin == "" {
					// Non-browser clients often omit Origin.
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
		if s.gatherer != nil {
			observability.MetricsHandlerFor(s.gatherer).ServeHTTP(w, r)
			return
		}
		observability.MetricsHandler().ServeHTTP(w, r)
	})

	r.Post("/v1/live/session", s.handleCreateSession)
	r.Get("/v1/live/session/ws", s.handleSessionWS)
	r.Get("/v1/live/session/{id}", s.handleGetSession)
	r.Post("/v1/live/session/{id}/end", s.handleEndSession)
	r.Get("/v1/perf/latency", s.handlePerfLatency)

	return r
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	respondJSON(w, http.StatusOK, map[string]any{
		"status":     "ok",
		"voice_mode": s.cfg.VoiceMode,
	})
}

func (s *Server) handleReady(w http.ResponseWriter, _ *http.Request) {
	respondJSON(w, http.StatusOK, map[string]any{
		"status":          "ready",
		"active_sessions": s.sessions.ActiveCount(),
	})
}

func (s *Server) handleCreateSession(w http.ResponseWriter, r *http.Request) {
	var req session.CreateRequest
	if err := decodeJSON(r, &req); err != nil && !errors.Is(err, errEmptyBody) {
		respondError(w, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}

	created, err := s.sessions.Create(strings.TrimSpace(req.UserID))
	if err != nil {
		respondError(w, http.StatusInternalServerError, "session_create_failed", err.Error())
		return
	}
	s.observeSessions("created")

	state := ""
	if snap, err := s.sessions.Snapshot(created.ID); err == nil {
		state = snap.State
	}
	respondJSON(w, http.StatusCreated, session.CreateResponse{
		SessionID:       created.ID,
		UserID:          created.UserID,
		Status:          created.Status,
		State:           state,
		StartedAt:       created.StartedAt,
		LastActivityAt:  created.LastActivityAt,
		InactivityTTLMS: s.sessions.InactivityTimeout().Milliseconds(),
	})
}

func (s *Server) handleGetSession(w http.ResponseWriter, r *http.Request) {
	snap, err := s.sessions.Snapshot(chi.URLParam(r, "id"))
	if err != nil {
		respondSessionError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, snap)
}

func (s *Server) handleEndSession(w http.ResponseWriter, r *http.Request) {
	ended, err := s.sessions.End(chi.URLParam(r, "id"), session.EndReasonClient)
	if err != nil {
		respondSessionError(w, err)
		return
	}
	s.observeSessions("ended")
	respondJSON(w, http.StatusOK, ended)
}

// observeSessions records a lifecycle event and refreshes the active gauge.
func (s *Server) observeSessions(event string) {
	if s.metrics == nil {
		return
	}
	s.metrics.SessionEvents.WithLabelValues(event).Inc()
	s.metrics.ActiveSessions.Set(float64(s.sessions.ActiveCount()))
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

func respondSessionError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, session.ErrNotFound):
		respondError(w, http.StatusNotFound, "session_not_found", err.Error())
	case errors.Is(err, session.ErrEnded):
		respondError(w, http.StatusGone, "session_ended", err.Error())
	default:
		respondError(w, http.StatusInternalServerError, "internal_error", err.Error())
	}
}
