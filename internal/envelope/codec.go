package envelope

import (
	"encoding/json"
	"fmt"
	"io"
)

// MalformedEnvelopeError reports bytes that could not be decoded into a valid
// envelope. Callers treat it as a recoverable, loggable condition that marks
// the job failed; it must never escalate into a panic.
type MalformedEnvelopeError struct {
	Kind   string // "job" | "result" | "claim"
	Reason string
	Err    error
}

func (e *MalformedEnvelopeError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("malformed %s envelope: %s: %v", e.Kind, e.Reason, e.Err)
	}
	return fmt.Sprintf("malformed %s envelope: %s", e.Kind, e.Reason)
}

func (e *MalformedEnvelopeError) Unwrap() error { return e.Err }

// EncodeJob serializes a JobEnvelope to JSON and writes it to w.
func EncodeJob(w io.Writer, job *JobEnvelope) error {
	if job.JobID == "" {
		return fmt.Errorf("job envelope has empty job_id")
	}
	if len(job.Argv) == 0 {
		return fmt.Errorf("job envelope has empty argv")
	}
	if err := json.NewEncoder(w).Encode(job); err != nil {
		return fmt.Errorf("encode job envelope: %w", err)
	}
	return nil
}

// DecodeJob reads and validates a JobEnvelope from JSON in r. Unknown fields
// are ignored so the dispatcher and worker can be upgraded independently.
func DecodeJob(r io.Reader) (*JobEnvelope, error) {
	var job JobEnvelope
	if err := json.NewDecoder(r).Decode(&job); err != nil {
		return nil, &MalformedEnvelopeError{Kind: "job", Reason: "invalid JSON", Err: err}
	}
	if job.JobID == "" {
		return nil, &MalformedEnvelopeError{Kind: "job", Reason: "missing job_id"}
	}
	if len(job.Argv) == 0 {
		return nil, &MalformedEnvelopeError{Kind: "job", Reason: "empty argv"}
	}
	for _, h := range job.Inputs {
		if h.Role != RoleInput {
			return nil, &MalformedEnvelopeError{Kind: "job", Reason: fmt.Sprintf("input handle %q has role %q", h.Key, h.Role)}
		}
	}
	for _, h := range job.Outputs {
		if h.Role != RoleOutput {
			return nil, &MalformedEnvelopeError{Kind: "job", Reason: fmt.Sprintf("output handle %q has role %q", h.Key, h.Role)}
		}
	}
	return &job, nil
}

// EncodeResult serializes a ResultEnvelope to JSON and writes it to w.
func EncodeResult(w io.Writer, res *ResultEnvelope) error {
	if res.JobID == "" {
		return fmt.Errorf("result envelope has empty job_id")
	}
	if !validFailureKind(res.FailureKind) {
		return fmt.Errorf("result envelope has unknown failure_kind %q", res.FailureKind)
	}
	if err := json.NewEncoder(w).Encode(res); err != nil {
		return fmt.Errorf("encode result envelope: %w", err)
	}
	return nil
}

// DecodeResult reads and validates a ResultEnvelope from JSON in r. Unknown
// fields are ignored.
func DecodeResult(r io.Reader) (*ResultEnvelope, error) {
	var res ResultEnvelope
	if err := json.NewDecoder(r).Decode(&res); err != nil {
		return nil, &MalformedEnvelopeError{Kind: "result", Reason: "invalid JSON", Err: err}
	}
	if res.JobID == "" {
		return nil, &MalformedEnvelopeError{Kind: "result", Reason: "missing job_id"}
	}
	if !validFailureKind(res.FailureKind) {
		return nil, &MalformedEnvelopeError{Kind: "result", Reason: fmt.Sprintf("unknown failure_kind %q", res.FailureKind)}
	}
	return &res, nil
}

// EncodeClaim serializes a ClaimNotice to JSON and writes it to w.
func EncodeClaim(w io.Writer, claim *ClaimNotice) error {
	if claim.JobID == "" {
		return fmt.Errorf("claim notice has empty job_id")
	}
	if err := json.NewEncoder(w).Encode(claim); err != nil {
		return fmt.Errorf("encode claim notice: %w", err)
	}
	return nil
}

// DecodeClaim reads and validates a ClaimNotice from JSON in r.
func DecodeClaim(r io.Reader) (*ClaimNotice, error) {
	var claim ClaimNotice
	if err := json.NewDecoder(r).Decode(&claim); err != nil {
		return nil, &MalformedEnvelopeError{Kind: "claim", Reason: "invalid JSON", Err: err}
	}
	if claim.JobID == "" {
		return nil, &MalformedEnvelopeError{Kind: "claim", Reason: "missing job_id"}
	}
	return &claim, nil
}
