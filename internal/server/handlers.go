package server

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"time"

	"go.uber.org/zap"

	"github.com/t77yq/ping-scheduler/internal/model"
	"github.com/t77yq/ping-scheduler/internal/scheduler"
	"github.com/t77yq/ping-scheduler/internal/storage"
)

const (
	defaultHistoryLimit = 50
	maxHistoryLimit     = 500
)

type pingResponse struct {
	*scheduler.RunReport
	Timestamp time.Time `json:"timestamp"`
}

type statusResponse struct {
	response
	SchedulerEnabled bool                 `json:"scheduler_enabled"`
	TotalTasks       int                  `json:"total_tasks"`
	TaskNames        []string             `json:"task_names"`
	TasksInfo        []scheduler.TaskInfo `json:"tasks_info"`
	StatsAvailable   bool                 `json:"stats_available"`
	Host             *model.HostStats     `json:"host,omitempty"`
	LastSelfPing     *scheduler.RunReport `json:"last_self_ping,omitempty"`
}

type taskInfoResponse struct {
	response
	Task           *scheduler.TaskInfo `json:"task"`
	StatsAvailable bool                `json:"stats_available"`
}

type executeResponse struct {
	response
	Result *model.ExecutionResult `json:"result"`
}

type historyResponse struct {
	response
	Total   int                    `json:"total"`
	Offset  int                    `json:"offset"`
	Limit   int                    `json:"limit"`
	History []*storage.TaskHistory `json:"history"`
}

func (s *Server) handlePing(w http.ResponseWriter, r *http.Request) {
	if s.opts.Disabled {
		s.writeJSON(w, http.StatusOK, s.failure(messageDisabled, ""))
		return
	}
	if !s.storeReady(w, r, "") {
		return
	}

	ctx := r.Context()
	if s.opts.PingTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.opts.PingTimeout)
		defer cancel()
	}

	report := s.registry.RunAll(ctx, s.now())
	s.writeJSON(w, http.StatusOK, pingResponse{
		RunReport: report,
		Timestamp: s.now(),
	})
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	infos, statsAvailable := s.registry.ListTaskInfo(r.Context(), s.now())

	resp := statusResponse{
		response:         response{Success: true, Timestamp: s.now()},
		SchedulerEnabled: !s.opts.Disabled,
		TotalTasks:       s.registry.TaskCount(),
		TaskNames:        s.registry.TaskNames(),
		TasksInfo:        infos,
		StatsAvailable:   statsAvailable,
	}
	if s.host != nil {
		resp.Host = s.host.Latest()
	}
	if s.pings != nil {
		resp.LastSelfPing = s.pings.LastReport()
	}
	s.writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleTaskInfo(w http.ResponseWriter, r *http.Request) {
	name := r.PathValue("task_name")

	info, statsAvailable, err := s.registry.TaskInfo(r.Context(), name, s.now())
	if err != nil {
		s.writeTaskError(w, name, err)
		return
	}

	s.writeJSON(w, http.StatusOK, taskInfoResponse{
		response:       response{Success: true, TaskName: name, Timestamp: s.now()},
		Task:           info,
		StatsAvailable: statsAvailable,
	})
}

func (s *Server) handleExecute(w http.ResponseWriter, r *http.Request) {
	name := r.PathValue("task_name")
	if name == "" {
		s.writeJSON(w, http.StatusBadRequest, s.failure(messageTaskNameRequired, ""))
		return
	}
	force, _ := strconv.ParseBool(r.URL.Query().Get("force"))

	if !s.registry.Has(name) {
		s.writeTaskError(w, name, scheduler.ErrTaskNotFound)
		return
	}
	if !s.storeReady(w, r, name) {
		return
	}

	result, err := s.registry.RunOne(r.Context(), name, s.now(), force)
	if err != nil {
		s.writeTaskError(w, name, err)
		return
	}

	resp := executeResponse{
		response: response{
			Success:   result.Succeeded(),
			TaskName:  name,
			Timestamp: s.now(),
		},
		Result: result,
	}
	switch result.Status {
	case model.ExecutionStatusSucceeded:
		resp.Message = messageTaskExecuted
	case model.ExecutionStatusSkipped:
		resp.Message = result.Reason
	default:
		resp.Message = result.ErrorMessage
	}
	s.writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleHistory(w http.ResponseWriter, r *http.Request) {
	if s.history == nil {
		s.writeJSON(w, http.StatusNotFound, s.failure(messageHistoryDisabled, ""))
		return
	}

	query := r.URL.Query()
	filter := storage.HistoryFilter{
		TaskName: query.Get("task"),
		Status:   model.ExecutionStatus(query.Get("status")),
	}
	if since := query.Get("since"); since != "" {
		t, err := time.Parse(time.RFC3339, since)
		if err != nil {
			s.writeJSON(w, http.StatusBadRequest, s.failure("Invalid since: expected RFC 3339 time", ""))
			return
		}
		filter.Since = t
	}

	offset, ok := intParam(query.Get("offset"), 0)
	if !ok || offset < 0 {
		s.writeJSON(w, http.StatusBadRequest, s.failure("Invalid offset", ""))
		return
	}
	limit, ok := intParam(query.Get("limit"), defaultHistoryLimit)
	if !ok || limit < 1 {
		s.writeJSON(w, http.StatusBadRequest, s.failure("Invalid limit", ""))
		return
	}
	if limit > maxHistoryLimit {
		limit = maxHistoryLimit
	}

	total, err := s.history.Count(r.Context(), filter)
	if err != nil {
		s.writeInternal(w, "Error getting history: ", "", err)
		return
	}
	entries, err := s.history.List(r.Context(), filter, offset, limit)
	if err != nil {
		s.writeInternal(w, "Error getting history: ", "", err)
		return
	}

	s.writeJSON(w, http.StatusOK, historyResponse{
		response: response{Success: true, Timestamp: s.now()},
		Total:    total,
		Offset:   offset,
		Limit:    limit,
		History:  entries,
	})
}

// storeReady answers 500 and returns false when the stat store cannot
// record runs
func (s *Server) storeReady(w http.ResponseWriter, r *http.Request, taskName string) bool {
	ok, err := s.registry.StoreAvailable(r.Context())
	switch {
	case err != nil && !errors.Is(err, storage.ErrStoreUnavailable):
		s.writeInternal(w, "Internal error: ", taskName, err)
		return false
	case err != nil || !ok:
		s.logger.Error("Task stats table is missing")
		resp := s.failure(messageMigrationRequired, errorTypeMigrationRequired)
		resp.TaskName = taskName
		s.writeJSON(w, http.StatusInternalServerError, resp)
		return false
	}
	return true
}

func (s *Server) writeTaskError(w http.ResponseWriter, name string, err error) {
	if errors.Is(err, scheduler.ErrTaskNotFound) {
		resp := s.failure("Task not found: "+name, "")
		resp.TaskName = name
		s.writeJSON(w, http.StatusNotFound, resp)
		return
	}
	s.writeInternal(w, "Error executing task: ", name, err)
}

func (s *Server) writeInternal(w http.ResponseWriter, prefix, taskName string, err error) {
	s.logger.Error("Request failed", zap.String("task", taskName), zap.Error(err))
	resp := s.failure(prefix+err.Error(), errorTypeInternal)
	resp.TaskName = taskName
	s.writeJSON(w, http.StatusInternalServerError, resp)
}

func intParam(raw string, fallback int) (int, bool) {
	if raw == "" {
		return fallback, true
	}
	v, err := strconv.Atoi(raw)
	if err != nil {
		return 0, false
	}
	return v, true
}
