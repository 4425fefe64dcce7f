package models

import (
	"encoding/json"
	"fmt"
	"time"
)

// Task statuses used by finalize payloads.
const (
	TaskStatusCompleted  = "completada"
	TaskStatusIncomplete = "incompleta"
)

// SubmissionPayload is the task-completion record captured by the worker.
// Consumptions and MachineryUsage are opaque to the core and passed through as-is.
type SubmissionPayload struct {
	Status         string          `json:"status"`
	ExecutedAt     time.Time       `json:"executed_at"`
	Observations   string          `json:"observations,omitempty"`
	Consumptions   json.RawMessage `json:"consumptions,omitempty"`
	MachineryUsage json.RawMessage `json:"machinery_usage,omitempty"`
	Photos         []string        `json:"photos,omitempty"`
}

// PendingSubmission is a queued finalize request. Payload holds the JSON
// encoding of SubmissionPayload exactly as it was stored.
type PendingSubmission struct {
	ID        int64     `json:"id"`
	TaskID    string    `json:"task_id"`
	Payload   string    `json:"payload"`
	CreatedAt time.Time `json:"created_at"`
}

// Decode parses the stored payload.
func (s PendingSubmission) Decode() (SubmissionPayload, error) {
	var payload SubmissionPayload
	if err := json.Unmarshal([]byte(s.Payload), &payload); err != nil {
		return payload, fmt.Errorf("decode submission %d: %w", s.ID, err)
	}
	return payload, nil
}
