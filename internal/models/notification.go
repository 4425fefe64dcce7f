package models

import "time"

const (
	NotificationInactivityWarning = "inactivity_warning"
	NotificationAutoClosed        = "auto_closed"
)

// Notification is a user-visible message raised by the core.
type Notification struct {
	Kind      string    `json:"kind"`
	TaskID    string    `json:"task_id"`
	Message   string    `json:"message"`
	CreatedAt time.Time `json:"created_at"`
}
