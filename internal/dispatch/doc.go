// Package dispatch owns the per-job state machine and the broker-facing
// orchestration loops.
//
// Per job_id the lifecycle is:
//
//	pending --submit--> dispatched --claim--> running --result--> completed|failed
//	dispatched/running --claim timeout--> requeued (retry_count+1, bounded)
//
// The dispatcher is the only writer of job records. Workers report back
// through two queues: claim notices (advisory, mark the job running) and
// result envelopes (folded idempotently into the record). Both queues are
// at-least-once, so every consume path here tolerates redelivery: the fold
// discards duplicate results after an equality check, and a repeated claim
// just refreshes the deadline.
//
// Multiple dispatcher replicas may share the store. No process-level
// coordination exists: correctness rests on the store's status-guarded
// updates (CasStatus, FoldResult) being atomic per job_id.
package dispatch
