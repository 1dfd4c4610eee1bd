package api

import (
	"time"

	"github.com/cmdrelay/cmdrelay/internal/envelope"
	"github.com/cmdrelay/cmdrelay/internal/events"
)

// SubmitRequest is the JSON body for POST /jobs. File handles reference blobs
// already uploaded to a configured backend; the API never moves file bytes
// itself.
type SubmitRequest struct {
	Template string                `json:"template"`
	Args     map[string]string     `json:"args,omitempty"`
	Env      map[string]string     `json:"env,omitempty"`
	Inputs   []envelope.FileHandle `json:"inputs,omitempty"`
	Outputs  []envelope.FileHandle `json:"outputs,omitempty"`
}

// SubmitResponse is returned on successful submission.
type SubmitResponse struct {
	JobID  string `json:"job_id"`
	Status string `json:"status"`
}

// JobStatusResponse is returned by GET /jobs/{job_id}.
type JobStatusResponse struct {
	JobID      string                   `json:"job_id"`
	Status     string                   `json:"status"`
	Template   string                   `json:"template,omitempty"`
	RetryCount int                      `json:"retry_count"`
	CreatedAt  time.Time                `json:"created_at"`
	UpdatedAt  time.Time                `json:"updated_at"`
	Result     *envelope.ResultEnvelope `json:"result,omitempty"`
}

// PaletteResponse is returned by GET /palette.
type PaletteResponse struct {
	Templates []string `json:"templates"`
}

// EventsResponse is returned by GET /events. LastID feeds the next poll's
// ?since= parameter.
type EventsResponse struct {
	Events []events.Event `json:"events"`
	LastID int64          `json:"last_id"`
}

// ErrorResponse is returned on errors.
type ErrorResponse struct {
	Error string `json:"error"`
}

// HealthzResponse is returned by GET /healthz.
type HealthzResponse struct {
	Status        string `json:"status"`
	UptimeSeconds int64  `json:"uptime_seconds"`
	JobsQueued    int    `json:"jobs_queued"`
	ResultsQueued int    `json:"results_queued"`
}
