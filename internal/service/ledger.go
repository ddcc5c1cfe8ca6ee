package service

import (
	"context"
	"time"

	"perka/internal/model"
)

// LedgerService defines the business operations of the points ledger.
// All transport layers (HTTP, NATS) depend on this interface, not on the
// concrete service.
type LedgerService interface {
	// Submit runs one economic event through admission, fraud pre-check,
	// policy evaluation, and commit. Resubmitting the same event returns the
	// originally committed entry.
	Submit(ctx context.Context, ev *model.EconomicEvent) (*SubmitResult, error)

	// Reverse appends a compensating revoke entry for a committed entry.
	// The original entry is never mutated beyond its reversed_by marker.
	Reverse(ctx context.Context, tenantID, entryID, reason string) (*model.LedgerEntry, error)

	GetBalance(ctx context.Context, tenantID, customerID string) (int64, error)
	GetHistory(ctx context.Context, tenantID, customerID string, from, to time.Time, limit int) ([]model.LedgerEntry, error)
	GetSettlementStatus(ctx context.Context, tenantID, entryID string) (*model.SettlementJob, error)

	// RecomputeBalance folds over the entry log and verifies the projection,
	// returning the recomputed value. Support tooling uses this for audits.
	RecomputeBalance(ctx context.Context, tenantID, customerID string) (int64, error)

	PublishRule(ctx context.Context, rule model.PolicyRule) (*model.PolicyRule, error)
	ListRules(ctx context.Context, tenantID string) ([]model.PolicyRule, error)
}

// SubmitResult is what the caller gets back from a commit. Duplicate is true
// when the idempotency key had already been committed with the same payload.
type SubmitResult struct {
	Entry     model.LedgerEntry `json:"entry"`
	Duplicate bool              `json:"duplicate"`
}

// LedgerStore is the persistence contract the service runs against. The
// Postgres implementation lives in internal/repository; tests use an
// in-memory one.
type LedgerStore interface {
	// Commit atomically appends the entry and updates the balance projection.
	// It enforces the idempotency CAS on (tenant_id, entry_id): a duplicate
	// with a matching payload hash returns the original entry and true; a
	// duplicate with a different hash returns model.ErrConflictingRetry.
	// Redeem and transfer_out entries that would drive the balance
	// negative return model.ErrInsufficientBalance and append nothing.
	// Compensating entries (revoke, expire, adjustment) always append,
	// even into a negative balance.
	Commit(ctx context.Context, entry model.LedgerEntry) (*model.LedgerEntry, bool, error)

	Entry(ctx context.Context, tenantID, entryID string) (*model.LedgerEntry, error)
	History(ctx context.Context, tenantID, customerID string, from, to time.Time, limit int) ([]model.LedgerEntry, error)
	Balance(ctx context.Context, tenantID, customerID string) (int64, error)
	RecomputeBalance(ctx context.Context, tenantID, customerID string) (int64, error)

	// MarkReversed stamps reversed_by on the original entry after its
	// compensating entry committed.
	MarkReversed(ctx context.Context, tenantID, entryID, reversedBy string) error

	Tenant(ctx context.Context, tenantID string) (*model.Tenant, error)
}

// RuleStore serves versioned policy rules.
type RuleStore interface {
	// ActiveRules returns, per rule_id, the single version active at the
	// given instant for the tenant.
	ActiveRules(ctx context.Context, tenantID string, at time.Time) ([]model.PolicyRule, error)
	Publish(ctx context.Context, rule model.PolicyRule) (*model.PolicyRule, error)
	List(ctx context.Context, tenantID string) ([]model.PolicyRule, error)
}

// SettlementReader is the slice of the settlement store the query surface
// needs.
type SettlementReader interface {
	JobForEntry(ctx context.Context, tenantID, entryID string) (*model.SettlementJob, error)
}

// FraudGuard is the synchronous pre-check hook. The asynchronous post-check
// runs out of band from the fraud worker.
type FraudGuard interface {
	PreCheck(ctx context.Context, ev *model.EconomicEvent) (model.Decision, error)
}
