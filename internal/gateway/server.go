// Package gateway exposes the orchestrator over HTTP: a REST API for
// task, schedule, and lesson queries plus a WebSocket stream relaying
// bus events to subscribed clients.
package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/dohr-michael/quorum/internal/config"
	"github.com/dohr-michael/quorum/internal/events"
	"github.com/dohr-michael/quorum/internal/fault"
	"github.com/dohr-michael/quorum/internal/gateway/ws"
	"github.com/dohr-michael/quorum/internal/lessons"
	"github.com/dohr-michael/quorum/internal/schedule"
	"github.com/dohr-michael/quorum/internal/store"
	"github.com/dohr-michael/quorum/internal/task"
)

// Deps are the collaborators the HTTP surface exposes. Schedules and
// Lessons may be nil; their routes then answer 503.
type Deps struct {
	Bus       *events.Bus
	Store     *store.Store
	Tasks     *task.Manager
	Schedules *schedule.Scheduler
	Lessons   *lessons.Journal
	Log       *slog.Logger
}

// Server is the gateway HTTP server.
type Server struct {
	httpServer *http.Server
	hub        *ws.Hub
	deps       Deps
	log        *slog.Logger
}

// NewServer wires the router and the WebSocket hub. Call Start to begin
// listening.
func NewServer(cfg config.GatewayConfig, deps Deps) *Server {
	log := deps.Log
	if log == nil {
		log = slog.Default()
	}
	log = log.With(slog.String("component", "gateway"))

	s := &Server{
		hub:  ws.NewHub(deps.Bus, log),
		deps: deps,
		log:  log,
	}

	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Use(middleware.RealIP)

	r.Get("/api/health", s.handleHealth)
	r.Get("/api/ws", s.hub.ServeWS)
	r.Get("/api/events", s.handleEvents)
	r.Get("/api/agents", s.handleListAgents)
	r.Get("/api/lessons", s.handleListLessons)

	r.Route("/api/tasks", func(r chi.Router) {
		r.Post("/", s.handleCreateTask)
		r.Get("/", s.handleListTasks)
		r.Get("/{id}", s.handleGetTask)
		r.Delete("/{id}", s.handleDeleteTask)
		r.Post("/{id}/pause", s.handlePauseTask)
		r.Post("/{id}/resume", s.handleResumeTask)
		r.Post("/{id}/messages", s.handleSendMessage)
		r.Get("/{id}/costs", s.handleTaskCosts)
	})

	r.Route("/api/schedules", func(r chi.Router) {
		r.Post("/", s.handleCreateSchedule)
		r.Get("/", s.handleListSchedules)
		r.Delete("/{id}", s.handleDeleteSchedule)
		r.Post("/{id}/enable", s.handleEnableSchedule)
		r.Post("/{id}/disable", s.handleDisableSchedule)
	})

	s.httpServer = &http.Server{
		Addr:    fmt.Sprintf("%s:%d", cfg.Host, cfg.Port),
		Handler: r,
	}
	return s
}

// Start listens and serves until Shutdown. It blocks.
func (s *Server) Start() error {
	ln, err := net.Listen("tcp", s.httpServer.Addr)
	if err != nil {
		return err
	}
	s.log.Info("gateway listening", slog.String("addr", ln.Addr().String()))
	if err := s.httpServer.Serve(ln); !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Shutdown closes the WebSocket hub and drains in-flight requests.
func (s *Server) Shutdown(ctx context.Context) error {
	s.hub.Close()
	return s.httpServer.Shutdown(ctx)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func respondJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(v)
}

// respondFault maps a tagged error onto an HTTP status and a JSON body
// carrying both the message and the taxonomy kind.
func respondFault(w http.ResponseWriter, err error) {
	kind := fault.KindOf(err)
	respondJSON(w, statusFor(kind), map[string]string{
		"error": err.Error(),
		"kind":  string(kind),
	})
}

func statusFor(kind fault.Kind) int {
	switch kind {
	case fault.NotFound:
		return http.StatusNotFound
	case fault.InvalidParam, fault.MissingRequiredParam, fault.ParseFailed:
		return http.StatusBadRequest
	case fault.AuthenticationFailed:
		return http.StatusUnauthorized
	case fault.Forbidden:
		return http.StatusForbidden
	case fault.ServiceUnavailable:
		return http.StatusServiceUnavailable
	}
	return http.StatusInternalServerError
}
