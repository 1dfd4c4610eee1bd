package envelope

import "time"

// Role marks which side of an execution a file handle belongs to.
type Role string

const (
	RoleInput  Role = "input"
	RoleOutput Role = "output"
)

// FailureKind classifies terminal job failures. Non-zero command exit is not a
// failure kind; it is reported as a completed result with that exit code.
type FailureKind string

const (
	FailureNone              FailureKind = ""
	FailureStagingFailed     FailureKind = "staging_failed"
	FailureMalformedEnvelope FailureKind = "malformed_envelope"
	FailureExecFailed        FailureKind = "exec_failed"
	FailureRetriesExhausted  FailureKind = "retries_exhausted"
	FailureCancelled         FailureKind = "cancelled"
)

// FileHandle is a location-independent reference to a file: a storage backend
// identifier plus a key, and the local path the command expects the file at.
// Keys are scoped by job_id so concurrently staged jobs never collide.
type FileHandle struct {
	Backend   string `json:"backend"`
	Key       string `json:"key"`
	Role      Role   `json:"role"`
	LocalPath string `json:"local_path"`
	Digest    string `json:"digest,omitempty"`
}

// JobEnvelope is the wire/storage form of a validated job. Immutable once
// dispatched.
type JobEnvelope struct {
	JobID       string            `json:"job_id"`
	Template    string            `json:"template"`
	Argv        []string          `json:"argv"`
	Env         map[string]string `json:"env,omitempty"`
	WorkingDir  string            `json:"working_dir,omitempty"`
	Inputs      []FileHandle      `json:"inputs,omitempty"`
	Outputs     []FileHandle      `json:"outputs,omitempty"`
	SubmittedAt time.Time         `json:"submitted_at"`
}

// OutputConfirmation records whether a declared output was actually produced
// and pushed. Missing outputs are reported, not silently dropped.
type OutputConfirmation struct {
	Handle  FileHandle `json:"handle"`
	Present bool       `json:"present"`
}

// ResultEnvelope is the wire/storage form of one execution outcome. The worker
// creates at most one per processed job delivery; the dispatcher folds
// duplicates away.
type ResultEnvelope struct {
	JobID       string               `json:"job_id"`
	ExitCode    int                  `json:"exit_code"`
	StdoutKey   string               `json:"stdout_key,omitempty"`
	StderrKey   string               `json:"stderr_key,omitempty"`
	Outputs     []OutputConfirmation `json:"outputs,omitempty"`
	CompletedAt time.Time            `json:"completed_at"`
	FailureKind FailureKind          `json:"failure_kind,omitempty"`
	Detail      string               `json:"detail,omitempty"`
}

// ClaimNotice is the lightweight message a worker publishes when it picks up a
// job, so the dispatcher can record the Running transition without the worker
// ever touching the job record directly.
type ClaimNotice struct {
	JobID     string    `json:"job_id"`
	Worker    string    `json:"worker"`
	ClaimedAt time.Time `json:"claimed_at"`
}

// Failed reports whether the result is a system failure rather than a normal
// command completion.
func (r *ResultEnvelope) Failed() bool {
	return r.FailureKind != FailureNone
}

// Equal compares two results for the idempotent fold's duplicate check.
// CompletedAt is excluded: a broker redelivery carries the same payload, but a
// genuine re-execution will stamp a new completion time while everything that
// matters stays identical.
func (r *ResultEnvelope) Equal(other *ResultEnvelope) bool {
	if r == nil || other == nil {
		return r == other
	}
	if r.JobID != other.JobID ||
		r.ExitCode != other.ExitCode ||
		r.StdoutKey != other.StdoutKey ||
		r.StderrKey != other.StderrKey ||
		r.FailureKind != other.FailureKind ||
		r.Detail != other.Detail ||
		len(r.Outputs) != len(other.Outputs) {
		return false
	}
	for i := range r.Outputs {
		if r.Outputs[i] != other.Outputs[i] {
			return false
		}
	}
	return true
}

func validFailureKind(kind FailureKind) bool {
	switch kind {
	case FailureNone, FailureStagingFailed, FailureMalformedEnvelope,
		FailureExecFailed, FailureRetriesExhausted, FailureCancelled:
		return true
	}
	return false
}
