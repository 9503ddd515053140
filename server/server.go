// Package server implements the Pinion HTTP server, REST API, auth, and
// SSE real-time events.
package server

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/GoCodeAlone/pinion/comms"
	"github.com/GoCodeAlone/pinion/config"
	"github.com/GoCodeAlone/pinion/server/api"
	"github.com/GoCodeAlone/pinion/server/ws"
	"github.com/GoCodeAlone/pinion/task"
	"github.com/GoCodeAlone/pinion/workflow"
)

// Server is the Pinion HTTP server.
type Server struct {
	cfg     config.Config
	mux     *http.ServeMux
	httpSrv *http.Server
	logger  *slog.Logger
	hub     *ws.Hub

	agents   api.AgentManager
	tasks    *task.Service
	executor *workflow.Executor
	bus      comms.Bus
	handlers *api.Handlers

	// JWT secret caching
	secretOnce      sync.Once
	generatedSecret string

	startTime time.Time
	version   string
}

// New creates a new Server with the given config and logger.
func New(cfg config.Config, ver string, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{
		cfg:       cfg,
		mux:       http.NewServeMux(),
		logger:    logger,
		hub:       ws.NewHub(logger),
		startTime: time.Now(),
		version:   ver,
	}
}

// SetAgentManager attaches an agent manager to the server.
func (s *Server) SetAgentManager(mgr api.AgentManager) {
	s.agents = mgr
}

// SetTaskService attaches the task dependency service to the server.
func (s *Server) SetTaskService(svc *task.Service) {
	s.tasks = svc
}

// SetExecutor attaches the workflow executor to the server.
func (s *Server) SetExecutor(e *workflow.Executor) {
	s.executor = e
}

// SetBus attaches a comms bus to the server.
func (s *Server) SetBus(bus comms.Bus) {
	s.bus = bus
}

// Start registers routes and begins listening.
func (s *Server) Start() error {
	s.registerRoutes()

	addr := s.cfg.Server.Addr
	if addr == "" {
		addr = ":9090"
	}
	s.httpSrv = &http.Server{
		Addr:              addr,
		Handler:           s.mux,
		ReadHeaderTimeout: 15 * time.Second,
	}
	s.logger.Info("server listening", slog.String("addr", addr))
	return s.httpSrv.ListenAndServe()
}

// Stop gracefully shuts down the HTTP server.
func (s *Server) Stop(ctx context.Context) error {
	if s.httpSrv == nil {
		return nil
	}
	return s.httpSrv.Shutdown(ctx)
}

// registerRoutes sets up all HTTP routes.
func (s *Server) registerRoutes() {
	h := &api.Handlers{
		Agents:   s.agents,
		Tasks:    s.tasks,
		Executor: s.executor,
		Bus:      s.bus,
		Logger:   s.logger,
		Version:  s.version,
		Events:   s.hub,
	}
	s.handlers = h

	// Public routes (no auth required)
	s.mux.HandleFunc("POST /api/auth/login", s.handleLogin)
	s.mux.HandleFunc("GET /api/status", h.StatusHandler())

	// SSE — auth handled inline because EventSource can't set headers
	s.mux.HandleFunc("GET /events", s.handleSSE)

	// Protected API — wrapped in auth middleware
	apiMux := http.NewServeMux()
	h.RegisterRoutes(apiMux)
	apiMux.HandleFunc("GET /api/auth/me", s.handleMe)

	s.mux.Handle("/api/", s.authMiddleware(apiMux))
}

// handleSSE verifies the query token and hands the connection to the hub.
func (s *Server) handleSSE(w http.ResponseWriter, r *http.Request) {
	// EventSource can't set headers, so auth rides the token query param.
	token := r.URL.Query().Get("token")
	if token != "" {
		if _, err := verifyJWT(s.jwtSecret(), token); err != nil {
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return
		}
	}
	s.hub.ServeSSE(w, r)
}

// BroadcastEvent sends a typed event to all connected SSE clients.
func (s *Server) BroadcastEvent(eventType string, payload any) {
	s.hub.Broadcast(ws.Event{Type: eventType, Payload: payload})
}

// writeJSON encodes v as JSON and writes it with the given status code.
func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// writeJSONError writes a JSON error response.
func writeJSONError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
