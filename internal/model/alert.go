package model

import "time"

// AlertSeverity represents the severity level of an alert
type AlertSeverity string

const (
	AlertSeverityWarning AlertSeverity = "warning"
	AlertSeverityError   AlertSeverity = "error"
)

// AlertType represents the type of alert
type AlertType string

const (
	AlertTypeTaskFailure AlertType = "task_failure"
)

// Alert is published when a task run fails
type Alert struct {
	ID        string                 `json:"id"`
	Type      AlertType              `json:"type"`
	Severity  AlertSeverity          `json:"severity"`
	TaskName  string                 `json:"task_name"`
	Message   string                 `json:"message"`
	Forced    bool                   `json:"forced,omitempty"`
	Data      map[string]interface{} `json:"data,omitempty"`
	CreatedAt time.Time              `json:"created_at"`
}
