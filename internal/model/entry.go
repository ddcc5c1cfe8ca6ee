package model

import (
	"errors"
	"time"
)

// Failure modes surfaced synchronously to callers. Settlement errors are
// never part of this set: by the time settlement runs, the caller already
// holds a committed entry.
var (
	ErrValidation          = errors.New("validation error")
	ErrConflictingRetry    = errors.New("idempotency key reused with different payload")
	ErrInsufficientBalance = errors.New("insufficient balance")
	ErrFraudBlocked        = errors.New("event rejected")
	ErrStaleRuleVersion    = errors.New("rule version no longer active")
	ErrTenantSuspended     = errors.New("tenant is suspended")
	ErrTenantNotFound      = errors.New("tenant not found")
	ErrEntryNotFound       = errors.New("ledger entry not found")
)

type EntryKind string

const (
	KindEarn        EntryKind = "earn"
	KindRedeem      EntryKind = "redeem"
	KindRevoke      EntryKind = "revoke"
	KindExpire      EntryKind = "expire"
	KindTransferOut EntryKind = "transfer_out"
	KindTransferIn  EntryKind = "transfer_in"
	KindAdjustment  EntryKind = "adjustment"
)

type EntryStatus string

const (
	StatusPending           EntryStatus = "pending"
	StatusCommitted         EntryStatus = "committed"
	StatusSettlementPending EntryStatus = "settlement_pending"
	StatusSettled           EntryStatus = "settled"
	StatusSettlementFailed  EntryStatus = "settlement_failed"
	StatusReversed          EntryStatus = "reversed"
)

// LedgerEntry is the atomic, immutable unit of truth. Entries are append-only;
// a reversal appends a compensating entry of kind revoke and stamps ReversedBy
// on the original, never touching its economic fields.
type LedgerEntry struct {
	EntryID       string      `json:"entry_id"`
	TenantID      string      `json:"tenant_id"`
	CustomerID    string      `json:"customer_id"`
	Kind          EntryKind   `json:"kind"`
	Amount        int64       `json:"amount"`
	BalanceAfter  int64       `json:"balance_after"`
	SourceEventID string      `json:"source_event_id"`
	PayloadHash   string      `json:"payload_hash"`
	Trace         []RuleTrace `json:"applied_rule_trace"`
	Status        EntryStatus `json:"status"`
	Flagged       bool        `json:"flagged"`
	ReversedBy    string      `json:"reversed_by,omitempty"`
	CreatedAt     time.Time   `json:"created_at"`
	SettledAt     *time.Time  `json:"settled_at,omitempty"`
}

// Debits reports whether the entry is a customer-initiated spend and therefore
// must not drive the balance below zero. Compensating kinds (revoke, expire,
// adjustment) are exempt: a fraud reversal has to land even after the customer
// spent the points, leaving a negative balance to recover.
func (e *LedgerEntry) Debits() bool {
	switch e.Kind {
	case KindRedeem, KindTransferOut:
		return e.Amount < 0
	}
	return false
}

type Tenant struct {
	TenantID     string    `json:"tenant_id"`
	Name         string    `json:"name"`
	Suspended    bool      `json:"suspended"`
	ChainAdapter string    `json:"chain_adapter,omitempty"`
	// PointTTL is how long earned points stay redeemable. Zero disables
	// expiry for the tenant.
	PointTTL  time.Duration `json:"point_ttl,omitempty"`
	CreatedAt time.Time     `json:"created_at"`
}

// RequiresSettlement reports whether committed entries for this tenant are
// mirrored onto an external chain.
func (t *Tenant) RequiresSettlement() bool {
	return t.ChainAdapter != ""
}

type Customer struct {
	TenantID   string    `json:"tenant_id"`
	CustomerID string    `json:"customer_id"`
	Active     bool      `json:"active"`
	CreatedAt  time.Time `json:"created_at"`
}
