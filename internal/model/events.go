package model

import "time"

// Event bus subjects. Delivery is at-least-once; consumers must be idempotent
// on entry_id.
const (
	SubjectEntryCommitted        = "ledger.entry.committed"
	SubjectEntrySettled          = "ledger.entry.settled"
	SubjectEntrySettlementFailed = "ledger.entry.settlement_failed"
	SubjectEntryReversed         = "ledger.entry.reversed"

	SubjectSettlementJobs = "settlement.jobs"
	SubjectFraudPostCheck = "fraud.postcheck"

	SubjectCommandsEvent = "commands.event"
)

// EntryEvent is the outbound lifecycle notification for one ledger entry.
type EntryEvent struct {
	EntryID      string    `json:"entry_id"`
	TenantID     string    `json:"tenant_id"`
	CustomerID   string    `json:"customer_id"`
	Kind         EntryKind `json:"kind"`
	Amount       int64     `json:"amount"`
	BalanceAfter int64     `json:"balance_after"`
	TraceSummary []string  `json:"trace_summary,omitempty"`
	Reason       string    `json:"reason,omitempty"`
	OccurredAt   time.Time `json:"occurred_at"`
}

// JobDispatch tells a settlement worker to drive one job.
type JobDispatch struct {
	JobID    string `json:"job_id"`
	TenantID string `json:"tenant_id"`
}

// PostCheckRequest asks the fraud worker to re-examine a flagged entry.
type PostCheckRequest struct {
	TenantID string `json:"tenant_id"`
	EntryID  string `json:"entry_id"`
}
