package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"perka/internal/model"
	"perka/internal/policy"
	"perka/internal/repository"
)

// Service wires the idempotency guard, fraud pre-check, policy evaluator, and
// ledger commit into the synchronous submit path. Settlement is driven
// asynchronously by the orchestrator off the committed log.
type Service struct {
	ledger      LedgerStore
	rules       RuleStore
	settlements SettlementReader
	fraud       FraudGuard
	bus         repository.MessageBus
	now         func() time.Time
}

func New(ledger LedgerStore, rules RuleStore, settlements SettlementReader, fraud FraudGuard, bus repository.MessageBus) *Service {
	return &Service{
		ledger:      ledger,
		rules:       rules,
		settlements: settlements,
		fraud:       fraud,
		bus:         bus,
		now:         time.Now,
	}
}

var eventKindToEntryKind = map[model.EventKind]model.EntryKind{
	model.EventEarn:     model.KindEarn,
	model.EventRedeem:   model.KindRedeem,
	model.EventTransfer: model.KindTransferOut,
}

func (s *Service) Submit(ctx context.Context, ev *model.EconomicEvent) (*SubmitResult, error) {
	if err := ev.Validate(); err != nil {
		return nil, err
	}

	tenant, err := s.ledger.Tenant(ctx, ev.TenantID)
	if err != nil {
		return nil, err
	}
	if tenant.Suspended {
		return nil, model.ErrTenantSuspended
	}

	payloadHash := ev.PayloadHash()

	// Idempotency fast path: a committed entry under this key short-circuits
	// fraud and evaluation. The commit below re-checks atomically, so two
	// concurrent retries cannot both pass this lookup and double-commit.
	if prior, err := s.ledger.Entry(ctx, ev.TenantID, ev.IdempotencyKey); err == nil {
		if prior.PayloadHash != payloadHash {
			return nil, model.ErrConflictingRetry
		}
		return &SubmitResult{Entry: *prior, Duplicate: true}, nil
	} else if !errors.Is(err, model.ErrEntryNotFound) {
		return nil, err
	}

	decision, err := s.fraud.PreCheck(ctx, ev)
	if err != nil {
		return nil, fmt.Errorf("fraud pre-check: %w", err)
	}
	if decision.Verdict == model.VerdictBlock {
		// Full detail stays in the log; the caller sees a generic rejection.
		slog.Warn("fraud block",
			"tenant_id", ev.TenantID,
			"customer_id", ev.CustomerID,
			"idempotency_key", ev.IdempotencyKey,
			"reason", decision.Reason,
		)
		return nil, model.ErrFraudBlocked
	}

	at := s.now().UTC()
	rules, err := s.rules.ActiveRules(ctx, ev.TenantID, at)
	if err != nil {
		return nil, fmt.Errorf("load rules: %w", err)
	}
	eval, err := policy.Evaluate(ev, at, rules)
	if err != nil {
		return nil, err
	}

	// Callers that evaluated earlier (preview flows) may pin the rule-set
	// fingerprint they saw; a mismatch means rules changed under them.
	if pinned, ok := ev.ContextSnapshot["expected_rule_version"].(string); ok && pinned != eval.RuleSetVersion {
		return nil, model.ErrStaleRuleVersion
	}

	status := model.StatusCommitted
	if tenant.RequiresSettlement() {
		status = model.StatusSettlementPending
	}
	entry := model.LedgerEntry{
		EntryID:       ev.IdempotencyKey,
		TenantID:      ev.TenantID,
		CustomerID:    ev.CustomerID,
		Kind:          eventKindToEntryKind[ev.Kind],
		Amount:        eval.Delta,
		SourceEventID: ev.ActionType,
		PayloadHash:   payloadHash,
		Trace:         eval.Trace,
		Status:        status,
		Flagged:       decision.Verdict == model.VerdictFlag,
		CreatedAt:     at,
	}
	if src, ok := ev.ContextSnapshot["source_event_id"].(string); ok {
		entry.SourceEventID = src
	}

	committed, duplicate, err := s.ledger.Commit(ctx, entry)
	if err != nil {
		return nil, err
	}
	if duplicate {
		return &SubmitResult{Entry: *committed, Duplicate: true}, nil
	}

	s.publishEntry(model.SubjectEntryCommitted, committed, "")

	if committed.Flagged {
		s.publishJSON(model.SubjectFraudPostCheck, model.PostCheckRequest{
			TenantID: committed.TenantID,
			EntryID:  committed.EntryID,
		})
	}

	slog.Info("entry committed",
		"tenant_id", committed.TenantID,
		"customer_id", committed.CustomerID,
		"entry_id", committed.EntryID,
		"kind", committed.Kind,
		"amount", committed.Amount,
		"balance_after", committed.BalanceAfter,
		"flagged", committed.Flagged,
	)
	return &SubmitResult{Entry: *committed}, nil
}

// Reverse appends the compensating entry for a committed entry. The revoke
// entry id is derived from the original, so reversing twice is a no-op
// duplicate rather than a double refund.
func (s *Service) Reverse(ctx context.Context, tenantID, entryID, reason string) (*model.LedgerEntry, error) {
	original, err := s.ledger.Entry(ctx, tenantID, entryID)
	if err != nil {
		return nil, err
	}
	if original.ReversedBy != "" {
		prior, err := s.ledger.Entry(ctx, tenantID, original.ReversedBy)
		if err != nil {
			return nil, err
		}
		return prior, nil
	}

	revoke := model.LedgerEntry{
		EntryID:       "revoke-" + original.EntryID,
		TenantID:      original.TenantID,
		CustomerID:    original.CustomerID,
		Kind:          model.KindRevoke,
		Amount:        -original.Amount,
		SourceEventID: original.EntryID,
		PayloadHash:   original.PayloadHash,
		Status:        model.StatusCommitted,
		CreatedAt:     s.now().UTC(),
	}
	committed, duplicate, err := s.ledger.Commit(ctx, revoke)
	if err != nil {
		return nil, fmt.Errorf("commit revoke for %s: %w", entryID, err)
	}
	if !duplicate {
		if err := s.ledger.MarkReversed(ctx, tenantID, entryID, committed.EntryID); err != nil {
			return nil, err
		}
		s.publishEntry(model.SubjectEntryReversed, committed, reason)
		slog.Info("entry reversed",
			"tenant_id", tenantID,
			"entry_id", entryID,
			"revoke_entry_id", committed.EntryID,
			"reason", reason,
		)
	}
	return committed, nil
}

func (s *Service) GetBalance(ctx context.Context, tenantID, customerID string) (int64, error) {
	return s.ledger.Balance(ctx, tenantID, customerID)
}

func (s *Service) GetHistory(ctx context.Context, tenantID, customerID string, from, to time.Time, limit int) ([]model.LedgerEntry, error) {
	return s.ledger.History(ctx, tenantID, customerID, from, to, limit)
}

func (s *Service) GetSettlementStatus(ctx context.Context, tenantID, entryID string) (*model.SettlementJob, error) {
	return s.settlements.JobForEntry(ctx, tenantID, entryID)
}

func (s *Service) RecomputeBalance(ctx context.Context, tenantID, customerID string) (int64, error) {
	return s.ledger.RecomputeBalance(ctx, tenantID, customerID)
}

func (s *Service) PublishRule(ctx context.Context, rule model.PolicyRule) (*model.PolicyRule, error) {
	if rule.TenantID == "" || rule.RuleID == "" {
		return nil, fmt.Errorf("%w: rule tenant_id and rule_id are required", model.ErrValidation)
	}
	return s.rules.Publish(ctx, rule)
}

func (s *Service) ListRules(ctx context.Context, tenantID string) ([]model.PolicyRule, error) {
	return s.rules.List(ctx, tenantID)
}

func (s *Service) publishEntry(subject string, entry *model.LedgerEntry, reason string) {
	summary := make([]string, 0, len(entry.Trace))
	for _, tr := range entry.Trace {
		summary = append(summary, fmt.Sprintf("%s:v%d:%+d", tr.RuleID, tr.Version, tr.Delta))
	}
	s.publishJSON(subject, model.EntryEvent{
		EntryID:      entry.EntryID,
		TenantID:     entry.TenantID,
		CustomerID:   entry.CustomerID,
		Kind:         entry.Kind,
		Amount:       entry.Amount,
		BalanceAfter: entry.BalanceAfter,
		TraceSummary: summary,
		Reason:       reason,
		OccurredAt:   s.now().UTC(),
	})
}

// publishJSON is best-effort: bus delivery is at-least-once overall because
// the reconciliation sweep re-derives state from the ledger, so a publish
// failure is logged, not surfaced to the caller.
func (s *Service) publishJSON(subject string, payload any) {
	data, _ := json.Marshal(payload)
	if err := s.bus.Publish(subject, data); err != nil {
		slog.Error("bus publish failed", "subject", subject, "error", err)
	}
}
