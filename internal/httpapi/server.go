package httpapi

import (
	"encoding/json"
	"errors"
	"net/http"
	"net/url"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"

	"fleethub/internal/config"
	"fleethub/internal/fleet"
	"fleethub/internal/hub"
	"fleethub/internal/observability"
	"fleethub/internal/orchestrator"
)

type Server struct {
	cfg       config.Config
	orch      *orchestrator.Orchestrator
	fleet     *fleet.Registry
	hub       *hub.Broadcaster
	metrics   *observability.Metrics
	storeMode string
	upgrader  websocket.Upgrader
}

func New(cfg config.Config, orch *orchestrator.Orchestrator, registry *fleet.Registry, broadcaster *hub.Broadcaster, metrics *observability.Metrics, storeMode string) *Server {
	return &Server{
		cfg:       cfg,
		orch:      orch,
		fleet:     registry,
		hub:       broadcaster,
		metrics:   metrics,
		storeMode: storeMode,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin: func(r *http.Request) bool {
				// Browser connections must come from the same origin unless
				// explicitly opened up. Non-browser device clients omit
				// Origin and are allowed through.
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

	r.Get("/v1/ws", s.handleWS)

	r.Post("/v1/devices", s.handleRegisterDevice)
	r.Get("/v1/devices", s.handleListDevices)
	r.Post("/v1/devices/{id}/heartbeat", s.handleDeviceHeartbeat)
	r.Patch("/v1/devices/{id}/capabilities", s.handleDeviceCapabilities)

	r.Post("/v1/tasks", s.handleCreateTask)
	r.Get("/v1/tasks", s.handleListTasks)
	r.Get("/v1/tasks/{id}", s.handleGetTask)
	r.Patch("/v1/tasks/{id}/status", s.handleUpdateTaskStatus)
	r.Post("/v1/tasks/{id}/execute", s.handleExecuteTask)
	r.Post("/v1/tasks/{id}/cancel", s.handleCancelTask)
	r.Delete("/v1/tasks/{id}", s.handleDeleteTask)

	return r
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	respondJSON(w, http.StatusOK, map[string]any{
		"status":     "ok",
		"store_mode": s.storeMode,
	})
}

func (s *Server) handleReady(w http.ResponseWriter, _ *http.Request) {
	respondJSON(w, http.StatusOK, map[string]any{
		"status":     "ready",
		"store_mode": s.storeMode,
		"sessions":   s.hub.SessionCount(),
	})
}

// userID extracts the authenticated user from the request. The auth
// handshake lives in front of this service; by the time a request lands
// here the header is trusted.
func userID(r *http.Request) string {
	return strings.TrimSpace(r.Header.Get("X-User-ID"))
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
		if strings.Contains(strings.ToLower(err.Error()), "eof") {
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
