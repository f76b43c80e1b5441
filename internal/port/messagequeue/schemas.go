package messagequeue

import "time"

// RunStatusPayload is the schema for runs.status messages.
type RunStatusPayload struct {
	ProjectID string    `json:"project_id"`
	RunID     int64     `json:"run_id"`
	Scope     string    `json:"scope"`
	Status    string    `json:"status"`
	Step      string    `json:"step,omitempty"`
	Completed int       `json:"completed_units"`
	Total     int       `json:"total_units"`
	Error     string    `json:"error,omitempty"`
	At        time.Time `json:"at"`
}

// RunEventPayload is the schema for runs.events messages.
type RunEventPayload struct {
	ProjectID string `json:"project_id"`
	RunID     int64  `json:"run_id"`
	Seq       uint64 `json:"seq"`
	Level     string `json:"level"`
	Message   string `json:"message"`
	Outcome   string `json:"outcome,omitempty"`
}

// RunCancelPayload is the schema for runs.cancel messages.
type RunCancelPayload struct {
	ProjectID string `json:"project_id"`
	RunID     int64  `json:"run_id"`
}
