package model

import "time"

type JobStatus string

const (
	JobQueued          JobStatus = "queued"
	JobInFlight        JobStatus = "in_flight"
	JobConfirmed       JobStatus = "confirmed"
	JobFailedRetryable JobStatus = "failed_retryable"
	JobFailedTerminal  JobStatus = "failed_terminal"
	JobCancelled       JobStatus = "cancelled"
)

// SettlementJob tracks the external-chain side effect of a batch of ledger
// entries. Batches never cross tenant boundaries.
type SettlementJob struct {
	JobID         string    `json:"job_id"`
	TenantID      string    `json:"tenant_id"`
	Adapter       string    `json:"adapter"`
	EntryIDs      []string  `json:"entry_ids"`
	AttemptCount  int       `json:"attempt_count"`
	LastError     string    `json:"last_error,omitempty"`
	ExternalTxRef string    `json:"external_tx_ref,omitempty"`
	Status        JobStatus `json:"status"`
	CreatedAt     time.Time `json:"created_at"`
	UpdatedAt     time.Time `json:"updated_at"`
}

// Terminal reports whether the job state machine can move no further.
func (j *SettlementJob) Terminal() bool {
	switch j.Status {
	case JobConfirmed, JobFailedTerminal, JobCancelled:
		return true
	}
	return false
}
