package repository

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"hash/fnv"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"perka/internal/model"
)

// LedgerRepo is the Postgres source of truth for ledger entries and the
// derived balance projection.
type LedgerRepo struct {
	db *pgxpool.Pool
}

func NewLedgerRepo(db *pgxpool.Pool) *LedgerRepo {
	return &LedgerRepo{db: db}
}

// customerLockKey derives the advisory lock key that serializes commits per
// (tenant, customer). Commits for different customers take different keys and
// proceed concurrently.
func customerLockKey(tenantID, customerID string) int64 {
	h := fnv.New64a()
	h.Write([]byte(tenantID))
	h.Write([]byte{0})
	h.Write([]byte(customerID))
	return int64(h.Sum64())
}

const entryColumns = `entry_id, tenant_id, customer_id, kind, amount, balance_after,
	source_event_id, payload_hash, trace, status, flagged, reversed_by, created_at, settled_at`

func prefixedEntryColumns(prefix string) string {
	cols := strings.Split(entryColumns, ",")
	for i, c := range cols {
		cols[i] = prefix + strings.TrimSpace(c)
	}
	return strings.Join(cols, ", ")
}

// Commit appends the entry and updates the balance projection in one
// transaction. The advisory lock serializes per customer; the select on
// (tenant_id, entry_id) under that lock is the idempotency compare-and-set.
func (r *LedgerRepo) Commit(ctx context.Context, entry model.LedgerEntry) (*model.LedgerEntry, bool, error) {
	tx, err := r.db.Begin(ctx)
	if err != nil {
		return nil, false, fmt.Errorf("begin commit tx: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	if _, err := tx.Exec(ctx, `SELECT pg_advisory_xact_lock($1)`,
		customerLockKey(entry.TenantID, entry.CustomerID)); err != nil {
		return nil, false, fmt.Errorf("acquire customer lock: %w", err)
	}

	prior, err := scanEntry(tx.QueryRow(ctx,
		`SELECT `+entryColumns+` FROM ledger_entries WHERE tenant_id = $1 AND entry_id = $2`,
		entry.TenantID, entry.EntryID))
	if err == nil {
		if prior.PayloadHash != entry.PayloadHash {
			return nil, false, model.ErrConflictingRetry
		}
		return prior, true, nil
	}
	if !errors.Is(err, model.ErrEntryNotFound) {
		return nil, false, err
	}

	// Customers materialize on their first entry.
	if _, err := tx.Exec(ctx,
		`INSERT INTO customers (tenant_id, customer_id, active, created_at)
		 VALUES ($1, $2, TRUE, $3)
		 ON CONFLICT (tenant_id, customer_id) DO NOTHING`,
		entry.TenantID, entry.CustomerID, entry.CreatedAt); err != nil {
		return nil, false, fmt.Errorf("ensure customer: %w", err)
	}

	var balance int64
	err = tx.QueryRow(ctx,
		`SELECT amount FROM balances WHERE tenant_id = $1 AND customer_id = $2`,
		entry.TenantID, entry.CustomerID).Scan(&balance)
	if err != nil && !errors.Is(err, pgx.ErrNoRows) {
		return nil, false, fmt.Errorf("read balance: %w", err)
	}

	newBalance := balance + entry.Amount
	if entry.Debits() && newBalance < 0 {
		return nil, false, model.ErrInsufficientBalance
	}
	entry.BalanceAfter = newBalance

	trace, err := json.Marshal(entry.Trace)
	if err != nil {
		return nil, false, fmt.Errorf("marshal trace: %w", err)
	}
	if _, err := tx.Exec(ctx,
		`INSERT INTO ledger_entries
		 (entry_id, tenant_id, customer_id, kind, amount, balance_after,
		  source_event_id, payload_hash, trace, status, flagged, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)`,
		entry.EntryID, entry.TenantID, entry.CustomerID, entry.Kind, entry.Amount,
		entry.BalanceAfter, entry.SourceEventID, entry.PayloadHash, trace,
		entry.Status, entry.Flagged, entry.CreatedAt); err != nil {
		return nil, false, fmt.Errorf("insert entry: %w", err)
	}

	if _, err := tx.Exec(ctx,
		`INSERT INTO balances (tenant_id, customer_id, amount, updated_at)
		 VALUES ($1, $2, $3, $4)
		 ON CONFLICT (tenant_id, customer_id)
		 DO UPDATE SET amount = EXCLUDED.amount, updated_at = EXCLUDED.updated_at`,
		entry.TenantID, entry.CustomerID, newBalance, entry.CreatedAt); err != nil {
		return nil, false, fmt.Errorf("update balance projection: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, false, fmt.Errorf("commit tx: %w", err)
	}
	return &entry, false, nil
}

func (r *LedgerRepo) Entry(ctx context.Context, tenantID, entryID string) (*model.LedgerEntry, error) {
	return scanEntry(r.db.QueryRow(ctx,
		`SELECT `+entryColumns+` FROM ledger_entries WHERE tenant_id = $1 AND entry_id = $2`,
		tenantID, entryID))
}

func (r *LedgerRepo) History(ctx context.Context, tenantID, customerID string, from, to time.Time, limit int) ([]model.LedgerEntry, error) {
	if limit <= 0 {
		limit = 100
	}
	var fromArg, toArg *time.Time
	if !from.IsZero() {
		fromArg = &from
	}
	if !to.IsZero() {
		toArg = &to
	}
	rows, err := r.db.Query(ctx,
		`SELECT `+entryColumns+` FROM ledger_entries
		 WHERE tenant_id = $1 AND customer_id = $2
		   AND ($3::timestamptz IS NULL OR created_at >= $3)
		   AND ($4::timestamptz IS NULL OR created_at < $4)
		 ORDER BY created_at DESC
		 LIMIT $5`,
		tenantID, customerID, fromArg, toArg, limit)
	if err != nil {
		return nil, fmt.Errorf("query history: %w", err)
	}
	defer rows.Close()
	return collectEntries(rows)
}

func (r *LedgerRepo) Balance(ctx context.Context, tenantID, customerID string) (int64, error) {
	var balance int64
	err := r.db.QueryRow(ctx,
		`SELECT amount FROM balances WHERE tenant_id = $1 AND customer_id = $2`,
		tenantID, customerID).Scan(&balance)
	if errors.Is(err, pgx.ErrNoRows) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("read balance: %w", err)
	}
	return balance, nil
}

// RecomputeBalance folds over the entry log. Compensating entries already
// offset what they reverse, so every appended entry counts exactly once.
func (r *LedgerRepo) RecomputeBalance(ctx context.Context, tenantID, customerID string) (int64, error) {
	var sum int64
	err := r.db.QueryRow(ctx,
		`SELECT COALESCE(SUM(amount), 0) FROM ledger_entries
		 WHERE tenant_id = $1 AND customer_id = $2 AND status <> 'pending'`,
		tenantID, customerID).Scan(&sum)
	if err != nil {
		return 0, fmt.Errorf("recompute balance: %w", err)
	}
	return sum, nil
}

func (r *LedgerRepo) MarkReversed(ctx context.Context, tenantID, entryID, reversedBy string) error {
	tag, err := r.db.Exec(ctx,
		`UPDATE ledger_entries SET status = 'reversed', reversed_by = $3
		 WHERE tenant_id = $1 AND entry_id = $2 AND reversed_by IS NULL`,
		tenantID, entryID, reversedBy)
	if err != nil {
		return fmt.Errorf("mark reversed: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return nil // already marked by a concurrent reversal of the same entry
	}
	return nil
}

func (r *LedgerRepo) Tenant(ctx context.Context, tenantID string) (*model.Tenant, error) {
	var t model.Tenant
	var adapter *string
	var ttlSeconds int64
	err := r.db.QueryRow(ctx,
		`SELECT tenant_id, name, suspended, chain_adapter, point_ttl_seconds, created_at
		 FROM tenants WHERE tenant_id = $1`, tenantID).
		Scan(&t.TenantID, &t.Name, &t.Suspended, &adapter, &ttlSeconds, &t.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, model.ErrTenantNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("read tenant: %w", err)
	}
	if adapter != nil {
		t.ChainAdapter = *adapter
	}
	t.PointTTL = time.Duration(ttlSeconds) * time.Second
	return &t, nil
}

// CreateTenant exists for provisioning tooling and tests; onboarding itself
// is an external collaborator.
func (r *LedgerRepo) CreateTenant(ctx context.Context, t model.Tenant) error {
	var adapter *string
	if t.ChainAdapter != "" {
		adapter = &t.ChainAdapter
	}
	_, err := r.db.Exec(ctx,
		`INSERT INTO tenants (tenant_id, name, suspended, chain_adapter, point_ttl_seconds, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6)
		 ON CONFLICT (tenant_id) DO NOTHING`,
		t.TenantID, t.Name, t.Suspended, adapter, int64(t.PointTTL/time.Second), t.CreatedAt)
	if err != nil {
		return fmt.Errorf("create tenant: %w", err)
	}
	return nil
}

// ExpirableEntries finds credit entries whose tenant TTL has lapsed and that
// have not been reversed or expired yet. The expiry sweep turns each into a
// compensating expire entry with a deterministic id, so re-finding an entry
// between sweeps is harmless.
func (r *LedgerRepo) ExpirableEntries(ctx context.Context, limit int) ([]model.LedgerEntry, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := r.db.Query(ctx,
		`SELECT `+prefixedEntryColumns("le.")+` FROM ledger_entries le
		 JOIN tenants t ON t.tenant_id = le.tenant_id
		 WHERE t.point_ttl_seconds > 0
		   AND le.amount > 0
		   AND le.kind = 'earn'
		   AND le.status <> 'pending'
		   AND le.reversed_by IS NULL
		   AND le.created_at < NOW() - make_interval(secs => t.point_ttl_seconds)
		   AND NOT EXISTS (
		       SELECT 1 FROM ledger_entries ex
		       WHERE ex.tenant_id = le.tenant_id AND ex.entry_id = 'expire-' || le.entry_id)
		 ORDER BY le.created_at
		 LIMIT $1`, limit)
	if err != nil {
		return nil, fmt.Errorf("query expirable entries: %w", err)
	}
	defer rows.Close()
	return collectEntries(rows)
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanEntry(row rowScanner) (*model.LedgerEntry, error) {
	var e model.LedgerEntry
	var trace []byte
	var reversedBy *string
	var settledAt *time.Time
	err := row.Scan(&e.EntryID, &e.TenantID, &e.CustomerID, &e.Kind, &e.Amount,
		&e.BalanceAfter, &e.SourceEventID, &e.PayloadHash, &trace, &e.Status,
		&e.Flagged, &reversedBy, &e.CreatedAt, &settledAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, model.ErrEntryNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scan entry: %w", err)
	}
	if len(trace) > 0 {
		if err := json.Unmarshal(trace, &e.Trace); err != nil {
			return nil, fmt.Errorf("decode trace: %w", err)
		}
	}
	if reversedBy != nil {
		e.ReversedBy = *reversedBy
	}
	e.SettledAt = settledAt
	return &e, nil
}

func collectEntries(rows pgx.Rows) ([]model.LedgerEntry, error) {
	var entries []model.LedgerEntry
	for rows.Next() {
		e, err := scanEntry(rows)
		if err != nil {
			return nil, err
		}
		entries = append(entries, *e)
	}
	return entries, rows.Err()
}
