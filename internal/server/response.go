package server

import (
	"encoding/json"
	"net/http"
	"time"

	"go.uber.org/zap"
)

const (
	errorTypeMigrationRequired = "migration_required"
	errorTypeInternal          = "internal_error"

	messageDisabled          = "Scheduler is disabled"
	messageMigrationRequired = "Migration required: start the scheduler with storage.auto_migrate enabled"
	messageTaskNameRequired  = "Task name is required"
	messageTaskExecuted      = "Task executed"
	messageHistoryDisabled   = "Task history is disabled"
)

// response carries the fields every reply shares
type response struct {
	Success   bool      `json:"success"`
	Message   string    `json:"message,omitempty"`
	ErrorType string    `json:"error_type,omitempty"`
	TaskName  string    `json:"task_name,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

func (s *Server) failure(message, errorType string) response {
	return response{
		Message:   message,
		ErrorType: errorType,
		Timestamp: s.now(),
	}
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		s.logger.Error("Failed to encode response", zap.Error(err))
	}
}
