package gateway

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/dohr-michael/quorum/internal/fault"
	"github.com/dohr-michael/quorum/internal/schedule"
	"github.com/dohr-michael/quorum/internal/store"
	"github.com/dohr-michael/quorum/internal/task"
)

// defaultHistoryLimit bounds /api/events and /api/lessons when no limit
// query parameter is given.
const defaultHistoryLimit = 50

type createTaskRequest struct {
	Prompt      string   `json:"prompt"`
	Profile     string   `json:"profile,omitempty"`
	Models      []string `json:"models,omitempty"`
	BudgetLimit *float64 `json:"budget_limit,omitempty"`
}

type sendMessageRequest struct {
	Content string `json:"content"`
}

type createScheduleRequest struct {
	Name        string   `json:"name"`
	CronExpr    string   `json:"cron_expr"`
	Prompt      string   `json:"prompt"`
	BudgetLimit *float64 `json:"budget_limit,omitempty"`
	MaxRuns     int      `json:"max_runs,omitempty"`
}

type taskCostsResponse struct {
	TaskID string             `json:"task_id"`
	Total  float64            `json:"total"`
	Costs  []store.CostRecord `json:"costs"`
}

func decodeBody(r *http.Request, v any) error {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		return fault.Wrap(fault.ParseFailed, err, "request body")
	}
	return nil
}

func queryLimit(r *http.Request) int {
	limit := defaultHistoryLimit
	if raw := r.URL.Query().Get("limit"); raw != "" {
		if v, err := strconv.Atoi(raw); err == nil {
			limit = v
		}
	}
	return limit
}

func (s *Server) handleCreateTask(w http.ResponseWriter, r *http.Request) {
	var req createTaskRequest
	if err := decodeBody(r, &req); err != nil {
		respondFault(w, err)
		return
	}
	t, err := s.deps.Tasks.Create(r.Context(), task.CreateRequest{
		Prompt:      req.Prompt,
		Profile:     req.Profile,
		Models:      req.Models,
		BudgetLimit: req.BudgetLimit,
	})
	if err != nil {
		respondFault(w, err)
		return
	}
	respondJSON(w, http.StatusCreated, t)
}

func (s *Server) handleListTasks(w http.ResponseWriter, r *http.Request) {
	list, err := s.deps.Store.ListTasks(r.Context())
	if err != nil {
		respondFault(w, err)
		return
	}
	respondJSON(w, http.StatusOK, list)
}

func (s *Server) handleGetTask(w http.ResponseWriter, r *http.Request) {
	t, err := s.deps.Store.GetTask(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		respondFault(w, err)
		return
	}
	respondJSON(w, http.StatusOK, t)
}

func (s *Server) handleDeleteTask(w http.ResponseWriter, r *http.Request) {
	if err := s.deps.Tasks.Delete(r.Context(), chi.URLParam(r, "id")); err != nil {
		respondFault(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handlePauseTask(w http.ResponseWriter, r *http.Request) {
	s.handleTransition(w, r, s.deps.Tasks.Pause)
}

func (s *Server) handleResumeTask(w http.ResponseWriter, r *http.Request) {
	s.handleTransition(w, r, s.deps.Tasks.Resume)
}

// handleTransition applies a lifecycle transition and answers with the
// fresh task row so clients see the resulting status.
func (s *Server) handleTransition(w http.ResponseWriter, r *http.Request, fn func(ctx context.Context, id string) error) {
	id := chi.URLParam(r, "id")
	if err := fn(r.Context(), id); err != nil {
		respondFault(w, err)
		return
	}
	t, err := s.deps.Store.GetTask(r.Context(), id)
	if err != nil {
		respondFault(w, err)
		return
	}
	respondJSON(w, http.StatusOK, t)
}

func (s *Server) handleSendMessage(w http.ResponseWriter, r *http.Request) {
	var req sendMessageRequest
	if err := decodeBody(r, &req); err != nil {
		respondFault(w, err)
		return
	}
	if err := s.deps.Tasks.Send(r.Context(), chi.URLParam(r, "id"), req.Content); err != nil {
		respondFault(w, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]string{"status": "sent"})
}

func (s *Server) handleTaskCosts(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if _, err := s.deps.Store.GetTask(r.Context(), id); err != nil {
		respondFault(w, err)
		return
	}
	costs, err := s.deps.Store.ListCostsByTask(r.Context(), id)
	if err != nil {
		respondFault(w, err)
		return
	}
	total, err := s.deps.Store.SumCostsByTask(r.Context(), id)
	if err != nil {
		respondFault(w, err)
		return
	}
	respondJSON(w, http.StatusOK, taskCostsResponse{TaskID: id, Total: total, Costs: costs})
}

func (s *Server) handleListAgents(w http.ResponseWriter, r *http.Request) {
	taskID := r.URL.Query().Get("task_id")
	if taskID == "" {
		respondFault(w, fault.New(fault.MissingRequiredParam, "task_id query parameter"))
		return
	}
	agents, err := s.deps.Store.ListAgentsByTask(r.Context(), taskID)
	if err != nil {
		respondFault(w, err)
		return
	}
	respondJSON(w, http.StatusOK, agents)
}

func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, s.deps.Bus.History(queryLimit(r)))
}

func (s *Server) handleListLessons(w http.ResponseWriter, r *http.Request) {
	if s.deps.Lessons == nil {
		respondFault(w, fault.New(fault.ServiceUnavailable, "lessons are not configured"))
		return
	}
	rows, err := s.deps.Lessons.List(r.Context(), queryLimit(r))
	if err != nil {
		respondFault(w, err)
		return
	}
	respondJSON(w, http.StatusOK, rows)
}

func (s *Server) handleCreateSchedule(w http.ResponseWriter, r *http.Request) {
	if s.deps.Schedules == nil {
		respondFault(w, fault.New(fault.ServiceUnavailable, "scheduler is not running"))
		return
	}
	var req createScheduleRequest
	if err := decodeBody(r, &req); err != nil {
		respondFault(w, err)
		return
	}
	row, err := s.deps.Schedules.Add(r.Context(), schedule.Definition{
		Name:        req.Name,
		CronExpr:    req.CronExpr,
		Prompt:      req.Prompt,
		BudgetLimit: req.BudgetLimit,
		MaxRuns:     req.MaxRuns,
	})
	if err != nil {
		respondFault(w, err)
		return
	}
	respondJSON(w, http.StatusCreated, row)
}

func (s *Server) handleListSchedules(w http.ResponseWriter, r *http.Request) {
	if s.deps.Schedules == nil {
		respondFault(w, fault.New(fault.ServiceUnavailable, "scheduler is not running"))
		return
	}
	rows, err := s.deps.Schedules.List(r.Context())
	if err != nil {
		respondFault(w, err)
		return
	}
	respondJSON(w, http.StatusOK, rows)
}

func (s *Server) handleDeleteSchedule(w http.ResponseWriter, r *http.Request) {
	if s.deps.Schedules == nil {
		respondFault(w, fault.New(fault.ServiceUnavailable, "scheduler is not running"))
		return
	}
	if err := s.deps.Schedules.Remove(r.Context(), chi.URLParam(r, "id")); err != nil {
		respondFault(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleEnableSchedule(w http.ResponseWriter, r *http.Request) {
	s.handleScheduleToggle(w, r, true)
}

func (s *Server) handleDisableSchedule(w http.ResponseWriter, r *http.Request) {
	s.handleScheduleToggle(w, r, false)
}

func (s *Server) handleScheduleToggle(w http.ResponseWriter, r *http.Request, enabled bool) {
	if s.deps.Schedules == nil {
		respondFault(w, fault.New(fault.ServiceUnavailable, "scheduler is not running"))
		return
	}
	id := chi.URLParam(r, "id")
	if err := s.deps.Schedules.SetEnabled(r.Context(), id, enabled); err != nil {
		respondFault(w, err)
		return
	}
	row, err := s.deps.Store.GetSchedule(r.Context(), id)
	if err != nil {
		respondFault(w, err)
		return
	}
	respondJSON(w, http.StatusOK, row)
}
