package service

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"perka/internal/model"
)

// memLedger is an in-memory LedgerStore mirroring the Postgres commit
// semantics: idempotency CAS, overdraft rejection, balance projection.
type memLedger struct {
	mu       sync.Mutex
	entries  map[string]model.LedgerEntry
	balances map[string]int64
	tenants  map[string]model.Tenant
}

func newMemLedger() *memLedger {
	return &memLedger{
		entries:  make(map[string]model.LedgerEntry),
		balances: make(map[string]int64),
		tenants:  make(map[string]model.Tenant),
	}
}

func (m *memLedger) Commit(ctx context.Context, entry model.LedgerEntry) (*model.LedgerEntry, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	key := entry.TenantID + "|" + entry.EntryID
	if prior, ok := m.entries[key]; ok {
		if prior.PayloadHash != entry.PayloadHash {
			return nil, false, model.ErrConflictingRetry
		}
		return &prior, true, nil
	}
	balKey := entry.TenantID + "|" + entry.CustomerID
	next := m.balances[balKey] + entry.Amount
	if entry.Debits() && next < 0 {
		return nil, false, model.ErrInsufficientBalance
	}
	entry.BalanceAfter = next
	m.entries[key] = entry
	m.balances[balKey] = next
	return &entry, false, nil
}

func (m *memLedger) Entry(ctx context.Context, tenantID, entryID string) (*model.LedgerEntry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.entries[tenantID+"|"+entryID]
	if !ok {
		return nil, model.ErrEntryNotFound
	}
	return &e, nil
}

func (m *memLedger) History(ctx context.Context, tenantID, customerID string, from, to time.Time, limit int) ([]model.LedgerEntry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []model.LedgerEntry
	for _, e := range m.entries {
		if e.TenantID == tenantID && e.CustomerID == customerID {
			out = append(out, e)
		}
	}
	return out, nil
}

func (m *memLedger) Balance(ctx context.Context, tenantID, customerID string) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.balances[tenantID+"|"+customerID], nil
}

func (m *memLedger) RecomputeBalance(ctx context.Context, tenantID, customerID string) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var sum int64
	for _, e := range m.entries {
		if e.TenantID == tenantID && e.CustomerID == customerID && e.Status != model.StatusPending {
			sum += e.Amount
		}
	}
	return sum, nil
}

func (m *memLedger) MarkReversed(ctx context.Context, tenantID, entryID, reversedBy string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	key := tenantID + "|" + entryID
	e, ok := m.entries[key]
	if !ok {
		return model.ErrEntryNotFound
	}
	if e.ReversedBy == "" {
		e.ReversedBy = reversedBy
		e.Status = model.StatusReversed
		m.entries[key] = e
	}
	return nil
}

func (m *memLedger) Tenant(ctx context.Context, tenantID string) (*model.Tenant, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.tenants[tenantID]
	if !ok {
		return nil, model.ErrTenantNotFound
	}
	return &t, nil
}

type memRules struct {
	rules []model.PolicyRule
}

func (m *memRules) ActiveRules(ctx context.Context, tenantID string, at time.Time) ([]model.PolicyRule, error) {
	var out []model.PolicyRule
	for _, r := range m.rules {
		if r.TenantID == tenantID && r.ActiveAt(at) {
			out = append(out, r)
		}
	}
	return out, nil
}

func (m *memRules) Publish(ctx context.Context, rule model.PolicyRule) (*model.PolicyRule, error) {
	version := 0
	for _, r := range m.rules {
		if r.RuleID == rule.RuleID && r.Version > version {
			version = r.Version
		}
	}
	rule.Version = version + 1
	m.rules = append(m.rules, rule)
	return &rule, nil
}

func (m *memRules) List(ctx context.Context, tenantID string) ([]model.PolicyRule, error) {
	return m.rules, nil
}

type stubSettlements struct {
	job *model.SettlementJob
}

func (s *stubSettlements) JobForEntry(ctx context.Context, tenantID, entryID string) (*model.SettlementJob, error) {
	if s.job == nil {
		return nil, model.ErrEntryNotFound
	}
	return s.job, nil
}

type stubGuard struct {
	decision model.Decision
	err      error
}

func (s *stubGuard) PreCheck(ctx context.Context, ev *model.EconomicEvent) (model.Decision, error) {
	return s.decision, s.err
}

type recBus struct {
	mu   sync.Mutex
	msgs map[string]int
}

func (b *recBus) Publish(topic string, data []byte) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.msgs == nil {
		b.msgs = make(map[string]int)
	}
	b.msgs[topic]++
	return nil
}

func (b *recBus) count(topic string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.msgs[topic]
}

type fixture struct {
	ledger *memLedger
	rules  *memRules
	guard  *stubGuard
	bus    *recBus
	svc    *Service
}

func newFixture() *fixture {
	ledger := newMemLedger()
	ledger.tenants["acme"] = model.Tenant{TenantID: "acme"}
	rules := &memRules{rules: []model.PolicyRule{{
		TenantID: "acme",
		RuleID:   "base-earn",
		Version:  1,
		Predicate: model.Predicate{
			Op: model.PredCompare, Field: "kind", Cmp: model.CmpEq, Value: "earn",
		},
		Effect:   model.Effect{Type: model.EffectRate, BasisPoints: 1000},
		Priority: 100,
	}}}
	guard := &stubGuard{decision: model.Decision{Verdict: model.VerdictAllow}}
	bus := &recBus{}
	return &fixture{
		ledger: ledger,
		rules:  rules,
		guard:  guard,
		bus:    bus,
		svc:    New(ledger, rules, &stubSettlements{}, guard, bus),
	}
}

func earnEvent(key string, amount int64) *model.EconomicEvent {
	return &model.EconomicEvent{
		IdempotencyKey: key,
		TenantID:       "acme",
		CustomerID:     "cust-1",
		Kind:           model.EventEarn,
		RawAmount:      &amount,
		ActionType:     "purchase",
	}
}

func redeemEvent(key string, points int64) *model.EconomicEvent {
	return &model.EconomicEvent{
		IdempotencyKey:  key,
		TenantID:        "acme",
		CustomerID:      "cust-1",
		Kind:            model.EventRedeem,
		ActionType:      "reward",
		ContextSnapshot: map[string]any{"requested_points": float64(points)},
	}
}

func TestSubmit_EarnRedeemLifecycle(t *testing.T) {
	f := newFixture()
	ctx := context.Background()

	// Purchase of 100 at a 10% rate rule earns 10 points.
	res, err := f.svc.Submit(ctx, earnEvent("e1", 100))
	if err != nil {
		t.Fatal(err)
	}
	if res.Duplicate {
		t.Fatal("first submit flagged duplicate")
	}
	if res.Entry.Amount != 10 || res.Entry.BalanceAfter != 10 {
		t.Fatalf("entry = %+v, want +10 to balance 10", res.Entry)
	}
	if res.Entry.Status != model.StatusCommitted {
		t.Fatalf("status = %s, want committed for off-chain tenant", res.Entry.Status)
	}
	if len(res.Entry.Trace) != 1 || res.Entry.Trace[0].RuleID != "base-earn" {
		t.Fatalf("trace = %+v", res.Entry.Trace)
	}

	// Retrying the same event returns the original commit unchanged.
	dup, err := f.svc.Submit(ctx, earnEvent("e1", 100))
	if err != nil {
		t.Fatal(err)
	}
	if !dup.Duplicate || dup.Entry.EntryID != "e1" {
		t.Fatalf("retry = %+v, want duplicate of e1", dup)
	}
	if bal, _ := f.svc.GetBalance(ctx, "acme", "cust-1"); bal != 10 {
		t.Fatalf("balance after retry = %d, want 10", bal)
	}

	// Redeeming more than the balance must reject without appending.
	if _, err := f.svc.Submit(ctx, redeemEvent("r1", 15)); !errors.Is(err, model.ErrInsufficientBalance) {
		t.Fatalf("overdraft err = %v, want ErrInsufficientBalance", err)
	}
	if bal, _ := f.svc.GetBalance(ctx, "acme", "cust-1"); bal != 10 {
		t.Fatalf("balance after rejected redeem = %d, want 10", bal)
	}

	// Redeeming the full balance drains it to zero.
	res, err = f.svc.Submit(ctx, redeemEvent("r2", 10))
	if err != nil {
		t.Fatal(err)
	}
	if res.Entry.Amount != -10 || res.Entry.BalanceAfter != 0 {
		t.Fatalf("redeem entry = %+v, want -10 to balance 0", res.Entry)
	}

	if got := f.bus.count(model.SubjectEntryCommitted); got != 2 {
		t.Fatalf("committed events = %d, want 2", got)
	}
}

func TestSubmit_ConflictingRetry(t *testing.T) {
	f := newFixture()
	ctx := context.Background()

	if _, err := f.svc.Submit(ctx, earnEvent("e1", 100)); err != nil {
		t.Fatal(err)
	}
	_, err := f.svc.Submit(ctx, earnEvent("e1", 250))
	if !errors.Is(err, model.ErrConflictingRetry) {
		t.Fatalf("err = %v, want ErrConflictingRetry", err)
	}
	if bal, _ := f.svc.GetBalance(ctx, "acme", "cust-1"); bal != 10 {
		t.Fatalf("balance = %d, conflicting retry must not commit", bal)
	}
}

func TestSubmit_ValidationRejects(t *testing.T) {
	f := newFixture()
	ev := earnEvent("e1", 100)
	ev.Kind = "adjust"
	if _, err := f.svc.Submit(context.Background(), ev); !errors.Is(err, model.ErrValidation) {
		t.Fatalf("err = %v, want ErrValidation", err)
	}
}

func TestSubmit_FraudBlock(t *testing.T) {
	f := newFixture()
	f.guard.decision = model.Decision{Verdict: model.VerdictBlock, Reason: "velocity"}

	_, err := f.svc.Submit(context.Background(), earnEvent("e1", 100))
	if !errors.Is(err, model.ErrFraudBlocked) {
		t.Fatalf("err = %v, want ErrFraudBlocked", err)
	}
	if bal, _ := f.svc.GetBalance(context.Background(), "acme", "cust-1"); bal != 0 {
		t.Fatal("blocked event must not commit")
	}
}

func TestSubmit_FraudFlagCommitsAndRequestsPostCheck(t *testing.T) {
	f := newFixture()
	f.guard.decision = model.Decision{Verdict: model.VerdictFlag, Reason: "velocity"}

	res, err := f.svc.Submit(context.Background(), earnEvent("e1", 100))
	if err != nil {
		t.Fatal(err)
	}
	if !res.Entry.Flagged {
		t.Fatal("entry not flagged")
	}
	if got := f.bus.count(model.SubjectFraudPostCheck); got != 1 {
		t.Fatalf("post-check requests = %d, want 1", got)
	}
}

func TestSubmit_SuspendedTenant(t *testing.T) {
	f := newFixture()
	tenant := f.ledger.tenants["acme"]
	tenant.Suspended = true
	f.ledger.tenants["acme"] = tenant

	_, err := f.svc.Submit(context.Background(), earnEvent("e1", 100))
	if !errors.Is(err, model.ErrTenantSuspended) {
		t.Fatalf("err = %v, want ErrTenantSuspended", err)
	}
}

func TestSubmit_SettlementTenantCommitsPending(t *testing.T) {
	f := newFixture()
	tenant := f.ledger.tenants["acme"]
	tenant.ChainAdapter = "evmrelay"
	f.ledger.tenants["acme"] = tenant

	res, err := f.svc.Submit(context.Background(), earnEvent("e1", 100))
	if err != nil {
		t.Fatal(err)
	}
	if res.Entry.Status != model.StatusSettlementPending {
		t.Fatalf("status = %s, want settlement_pending", res.Entry.Status)
	}
}

func TestSubmit_StaleRuleVersionPin(t *testing.T) {
	f := newFixture()
	ev := earnEvent("e1", 100)
	ev.ContextSnapshot = map[string]any{"expected_rule_version": "0000000000000000"}

	_, err := f.svc.Submit(context.Background(), ev)
	if !errors.Is(err, model.ErrStaleRuleVersion) {
		t.Fatalf("err = %v, want ErrStaleRuleVersion", err)
	}
}

func TestReverse_AppendsCompensatingEntry(t *testing.T) {
	f := newFixture()
	ctx := context.Background()

	if _, err := f.svc.Submit(ctx, earnEvent("e1", 100)); err != nil {
		t.Fatal(err)
	}

	revoke, err := f.svc.Reverse(ctx, "acme", "e1", "post-check reversal")
	if err != nil {
		t.Fatal(err)
	}
	if revoke.EntryID != "revoke-e1" || revoke.Amount != -10 {
		t.Fatalf("revoke = %+v", revoke)
	}
	if bal, _ := f.svc.GetBalance(ctx, "acme", "cust-1"); bal != 0 {
		t.Fatalf("balance = %d, want 0 after reversal", bal)
	}

	original, err := f.ledger.Entry(ctx, "acme", "e1")
	if err != nil {
		t.Fatal(err)
	}
	if original.ReversedBy != "revoke-e1" || original.Status != model.StatusReversed {
		t.Fatalf("original = %+v, want reversed_by stamp", original)
	}
	// The original amount is untouched; the compensator carries the offset.
	if original.Amount != 10 {
		t.Fatalf("original amount mutated to %d", original.Amount)
	}

	// Reversing again is a no-op returning the same compensator.
	again, err := f.svc.Reverse(ctx, "acme", "e1", "post-check reversal")
	if err != nil {
		t.Fatal(err)
	}
	if again.EntryID != "revoke-e1" {
		t.Fatalf("second reverse = %+v", again)
	}
	if bal, _ := f.svc.GetBalance(ctx, "acme", "cust-1"); bal != 0 {
		t.Fatalf("balance = %d, double reversal must not double refund", bal)
	}
}

func TestReverse_AfterSpendDrivesBalanceNegative(t *testing.T) {
	// The customer spends the flagged earnings before fraud catches up.
	// The reversal still lands and the balance goes negative, which only
	// future earns can recover.
	f := newFixture()
	ctx := context.Background()

	if _, err := f.svc.Submit(ctx, earnEvent("e1", 100)); err != nil {
		t.Fatal(err)
	}
	if _, err := f.svc.Submit(ctx, redeemEvent("r1", 10)); err != nil {
		t.Fatal(err)
	}

	revoke, err := f.svc.Reverse(ctx, "acme", "e1", "post-check reversal")
	if err != nil {
		t.Fatalf("reverse after spend: %v", err)
	}
	if revoke.EntryID != "revoke-e1" || revoke.Amount != -10 {
		t.Fatalf("revoke = %+v", revoke)
	}
	if bal, _ := f.svc.GetBalance(ctx, "acme", "cust-1"); bal != -10 {
		t.Fatalf("balance = %d, want -10", bal)
	}

	original, err := f.ledger.Entry(ctx, "acme", "e1")
	if err != nil {
		t.Fatal(err)
	}
	if original.ReversedBy != "revoke-e1" || original.Status != model.StatusReversed {
		t.Fatalf("original = %+v, want reversed_by stamp", original)
	}

	// Redeeming out of a negative balance is still refused.
	if _, err := f.svc.Submit(ctx, redeemEvent("r2", 1)); !errors.Is(err, model.ErrInsufficientBalance) {
		t.Fatalf("redeem on negative balance err = %v, want ErrInsufficientBalance", err)
	}
}

func TestRecomputeBalance_MatchesProjection(t *testing.T) {
	f := newFixture()
	ctx := context.Background()

	for _, key := range []string{"e1", "e2", "e3"} {
		if _, err := f.svc.Submit(ctx, earnEvent(key, 100)); err != nil {
			t.Fatal(err)
		}
	}
	if _, err := f.svc.Reverse(ctx, "acme", "e2", "audit"); err != nil {
		t.Fatal(err)
	}

	projected, _ := f.svc.GetBalance(ctx, "acme", "cust-1")
	recomputed, err := f.svc.RecomputeBalance(ctx, "acme", "cust-1")
	if err != nil {
		t.Fatal(err)
	}
	if projected != recomputed || projected != 20 {
		t.Fatalf("projected %d vs recomputed %d, want 20", projected, recomputed)
	}
}

func TestPublishRule_Versions(t *testing.T) {
	f := newFixture()
	ctx := context.Background()

	rule := model.PolicyRule{
		TenantID:  "acme",
		RuleID:    "promo",
		Predicate: model.Predicate{Op: model.PredAlways},
		Effect:    model.Effect{Type: model.EffectFixed, Amount: 5},
	}
	v1, err := f.svc.PublishRule(ctx, rule)
	if err != nil {
		t.Fatal(err)
	}
	v2, err := f.svc.PublishRule(ctx, rule)
	if err != nil {
		t.Fatal(err)
	}
	if v1.Version != 1 || v2.Version != 2 {
		t.Fatalf("versions = %d, %d; publishing must monotonically increase", v1.Version, v2.Version)
	}

	if _, err := f.svc.PublishRule(ctx, model.PolicyRule{TenantID: "acme"}); !errors.Is(err, model.ErrValidation) {
		t.Fatalf("err = %v, want ErrValidation for missing rule_id", err)
	}
}
