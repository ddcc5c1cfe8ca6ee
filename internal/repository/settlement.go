package repository

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"perka/internal/model"
)

// SettlementRepo stores settlement jobs and owns the entry status transitions
// tied to settlement outcomes.
type SettlementRepo struct {
	db *pgxpool.Pool
}

func NewSettlementRepo(db *pgxpool.Pool) *SettlementRepo {
	return &SettlementRepo{db: db}
}

const jobColumns = `job_id, tenant_id, adapter, entry_ids, attempt_count,
	last_error, external_tx_ref, status, created_at, updated_at`

func (r *SettlementRepo) CreateJob(ctx context.Context, job model.SettlementJob) error {
	_, err := r.db.Exec(ctx,
		`INSERT INTO settlement_jobs
		 (job_id, tenant_id, adapter, entry_ids, attempt_count, last_error,
		  external_tx_ref, status, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`,
		job.JobID, job.TenantID, job.Adapter, job.EntryIDs, job.AttemptCount,
		job.LastError, job.ExternalTxRef, job.Status, job.CreatedAt, job.UpdatedAt)
	if err != nil {
		return fmt.Errorf("create settlement job: %w", err)
	}
	return nil
}

func (r *SettlementRepo) Job(ctx context.Context, jobID string) (*model.SettlementJob, error) {
	return scanJob(r.db.QueryRow(ctx,
		`SELECT `+jobColumns+` FROM settlement_jobs WHERE job_id = $1`, jobID))
}

func (r *SettlementRepo) JobForEntry(ctx context.Context, tenantID, entryID string) (*model.SettlementJob, error) {
	return scanJob(r.db.QueryRow(ctx,
		`SELECT `+jobColumns+` FROM settlement_jobs
		 WHERE tenant_id = $1 AND $2 = ANY(entry_ids)
		 ORDER BY created_at DESC LIMIT 1`, tenantID, entryID))
}

func (r *SettlementRepo) UpdateJob(ctx context.Context, job model.SettlementJob) error {
	_, err := r.db.Exec(ctx,
		`UPDATE settlement_jobs
		 SET attempt_count = $2, last_error = $3, external_tx_ref = $4,
		     status = $5, updated_at = $6
		 WHERE job_id = $1`,
		job.JobID, job.AttemptCount, job.LastError, job.ExternalTxRef,
		job.Status, job.UpdatedAt)
	if err != nil {
		return fmt.Errorf("update settlement job: %w", err)
	}
	return nil
}

// ClaimQueued performs the queued→in_flight transition as a compare-and-set,
// so two workers dequeuing the same dispatch process it once.
func (r *SettlementRepo) ClaimQueued(ctx context.Context, jobID string) (bool, error) {
	tag, err := r.db.Exec(ctx,
		`UPDATE settlement_jobs SET status = 'in_flight', updated_at = NOW()
		 WHERE job_id = $1 AND status = 'queued'`, jobID)
	if err != nil {
		return false, fmt.Errorf("claim job: %w", err)
	}
	return tag.RowsAffected() == 1, nil
}

// CancelQueued cancels a job only while it has not entered in_flight.
func (r *SettlementRepo) CancelQueued(ctx context.Context, jobID string) (bool, error) {
	tag, err := r.db.Exec(ctx,
		`UPDATE settlement_jobs SET status = 'cancelled', updated_at = NOW()
		 WHERE job_id = $1 AND status = 'queued'`, jobID)
	if err != nil {
		return false, fmt.Errorf("cancel job: %w", err)
	}
	return tag.RowsAffected() == 1, nil
}

// PendingEntries returns entries awaiting settlement that no live job covers,
// ordered so the orchestrator can batch them per tenant.
func (r *SettlementRepo) PendingEntries(ctx context.Context, limit int) ([]model.LedgerEntry, error) {
	rows, err := r.db.Query(ctx,
		`SELECT `+entryColumns+` FROM ledger_entries e
		 WHERE e.status = 'settlement_pending'
		   AND NOT EXISTS (
		     SELECT 1 FROM settlement_jobs j
		     WHERE j.tenant_id = e.tenant_id
		       AND e.entry_id = ANY(j.entry_ids)
		       AND j.status IN ('queued', 'in_flight', 'failed_retryable', 'confirmed'))
		 ORDER BY e.tenant_id, e.created_at
		 LIMIT $1`, limit)
	if err != nil {
		return nil, fmt.Errorf("query pending entries: %w", err)
	}
	defer rows.Close()
	return collectEntries(rows)
}

func (r *SettlementRepo) EntriesByIDs(ctx context.Context, tenantID string, entryIDs []string) ([]model.LedgerEntry, error) {
	rows, err := r.db.Query(ctx,
		`SELECT `+entryColumns+` FROM ledger_entries
		 WHERE tenant_id = $1 AND entry_id = ANY($2)
		 ORDER BY created_at`, tenantID, entryIDs)
	if err != nil {
		return nil, fmt.Errorf("query entries by id: %w", err)
	}
	defer rows.Close()
	return collectEntries(rows)
}

// MarkEntriesSettled records the external confirmation on the entries of a
// job. Idempotent: entries already settled are left alone, so a late
// confirmation replay is harmless.
func (r *SettlementRepo) MarkEntriesSettled(ctx context.Context, tenantID string, entryIDs []string, settledAt time.Time) error {
	_, err := r.db.Exec(ctx,
		`UPDATE ledger_entries SET status = 'settled', settled_at = $3
		 WHERE tenant_id = $1 AND entry_id = ANY($2)
		   AND status IN ('settlement_pending', 'settlement_failed')`,
		tenantID, entryIDs, settledAt)
	if err != nil {
		return fmt.Errorf("mark entries settled: %w", err)
	}
	return nil
}

// MarkEntriesSettlementFailed moves entries to the off-chain-only fallback
// state. The points stay real; only the external mirror is marked failed.
func (r *SettlementRepo) MarkEntriesSettlementFailed(ctx context.Context, tenantID string, entryIDs []string) error {
	_, err := r.db.Exec(ctx,
		`UPDATE ledger_entries SET status = 'settlement_failed'
		 WHERE tenant_id = $1 AND entry_id = ANY($2) AND status = 'settlement_pending'`,
		tenantID, entryIDs)
	if err != nil {
		return fmt.Errorf("mark entries settlement_failed: %w", err)
	}
	return nil
}

// StaleInFlight lists jobs stuck in_flight longer than the threshold; the
// reconciliation sweep re-polls them against the adapter.
func (r *SettlementRepo) StaleInFlight(ctx context.Context, olderThan time.Time) ([]model.SettlementJob, error) {
	rows, err := r.db.Query(ctx,
		`SELECT `+jobColumns+` FROM settlement_jobs
		 WHERE status = 'in_flight' AND updated_at < $1
		 ORDER BY updated_at`, olderThan)
	if err != nil {
		return nil, fmt.Errorf("query stale in-flight jobs: %w", err)
	}
	defer rows.Close()
	return collectJobs(rows)
}

// Retryable lists jobs parked in failed_retryable longer than the threshold,
// awaiting redispatch.
func (r *SettlementRepo) Retryable(ctx context.Context, olderThan time.Time) ([]model.SettlementJob, error) {
	rows, err := r.db.Query(ctx,
		`SELECT `+jobColumns+` FROM settlement_jobs
		 WHERE status = 'failed_retryable' AND updated_at < $1
		 ORDER BY updated_at`, olderThan)
	if err != nil {
		return nil, fmt.Errorf("query retryable jobs: %w", err)
	}
	defer rows.Close()
	return collectJobs(rows)
}

// UnresolvedTerminal lists terminally failed jobs that did reach the chain;
// the reconciliation sweep re-polls them for late confirmations.
func (r *SettlementRepo) UnresolvedTerminal(ctx context.Context) ([]model.SettlementJob, error) {
	rows, err := r.db.Query(ctx,
		`SELECT `+jobColumns+` FROM settlement_jobs
		 WHERE status = 'failed_terminal' AND external_tx_ref <> ''
		 ORDER BY updated_at`)
	if err != nil {
		return nil, fmt.Errorf("query unresolved terminal jobs: %w", err)
	}
	defer rows.Close()
	return collectJobs(rows)
}

func scanJob(row rowScanner) (*model.SettlementJob, error) {
	var j model.SettlementJob
	err := row.Scan(&j.JobID, &j.TenantID, &j.Adapter, &j.EntryIDs,
		&j.AttemptCount, &j.LastError, &j.ExternalTxRef, &j.Status,
		&j.CreatedAt, &j.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, model.ErrEntryNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scan settlement job: %w", err)
	}
	return &j, nil
}

func collectJobs(rows pgx.Rows) ([]model.SettlementJob, error) {
	var jobs []model.SettlementJob
	for rows.Next() {
		j, err := scanJob(rows)
		if err != nil {
			return nil, err
		}
		jobs = append(jobs, *j)
	}
	return jobs, rows.Err()
}
