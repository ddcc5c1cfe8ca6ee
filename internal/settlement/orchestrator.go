package settlement

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sethvargo/go-retry"

	"perka/internal/chain"
	"perka/internal/model"
	"perka/internal/repository"
)

// Store is the persistence contract the orchestrator drives jobs through.
// The Postgres implementation lives in internal/repository.
type Store interface {
	CreateJob(ctx context.Context, job model.SettlementJob) error
	Job(ctx context.Context, jobID string) (*model.SettlementJob, error)
	UpdateJob(ctx context.Context, job model.SettlementJob) error
	ClaimQueued(ctx context.Context, jobID string) (bool, error)
	CancelQueued(ctx context.Context, jobID string) (bool, error)

	PendingEntries(ctx context.Context, limit int) ([]model.LedgerEntry, error)
	EntriesByIDs(ctx context.Context, tenantID string, entryIDs []string) ([]model.LedgerEntry, error)
	MarkEntriesSettled(ctx context.Context, tenantID string, entryIDs []string, settledAt time.Time) error
	MarkEntriesSettlementFailed(ctx context.Context, tenantID string, entryIDs []string) error

	StaleInFlight(ctx context.Context, olderThan time.Time) ([]model.SettlementJob, error)
	Retryable(ctx context.Context, olderThan time.Time) ([]model.SettlementJob, error)
	UnresolvedTerminal(ctx context.Context) ([]model.SettlementJob, error)
}

// TenantReader resolves a tenant's chain binding when batching.
type TenantReader interface {
	Tenant(ctx context.Context, tenantID string) (*model.Tenant, error)
}

// Options are the retry/batch knobs, sourced from config.
type Options struct {
	MaxAttempts       int
	BackoffBase       time.Duration
	BackoffCap        time.Duration
	BatchSize         int
	PollInterval      time.Duration
	PollBudget        time.Duration
	InFlightAge       time.Duration
	TenantConcurrency int
}

// Orchestrator drives the external settlement of committed ledger entries.
// Ledger commits never wait on it; it works off the committed log and the job
// table, and the ledger stays authoritative whatever the chain does.
type Orchestrator struct {
	store   Store
	tenants TenantReader
	chains  *chain.Registry
	bus     repository.MessageBus
	opts    Options
	now     func() time.Time

	mu    sync.Mutex
	slots map[string]chan struct{}
}

func NewOrchestrator(store Store, tenants TenantReader, chains *chain.Registry, bus repository.MessageBus, opts Options) *Orchestrator {
	if opts.TenantConcurrency < 1 {
		opts.TenantConcurrency = 1
	}
	return &Orchestrator{
		store:   store,
		tenants: tenants,
		chains:  chains,
		bus:     bus,
		opts:    opts,
		now:     time.Now,
		slots:   make(map[string]chan struct{}),
	}
}

// tenantSlot bounds concurrent jobs per tenant; jobs for different tenants
// never contend.
func (o *Orchestrator) tenantSlot(tenantID string) chan struct{} {
	o.mu.Lock()
	defer o.mu.Unlock()
	slot, ok := o.slots[tenantID]
	if !ok {
		slot = make(chan struct{}, o.opts.TenantConcurrency)
		o.slots[tenantID] = slot
	}
	return slot
}

// DispatchPending batches uncovered settlement_pending entries into queued
// jobs, one tenant per job, and announces them on the dispatch subject.
func (o *Orchestrator) DispatchPending(ctx context.Context) error {
	entries, err := o.store.PendingEntries(ctx, o.opts.BatchSize)
	if err != nil {
		return fmt.Errorf("load pending entries: %w", err)
	}
	if len(entries) == 0 {
		return nil
	}

	byTenant := make(map[string][]string)
	for _, e := range entries {
		byTenant[e.TenantID] = append(byTenant[e.TenantID], e.EntryID)
	}

	for tenantID, entryIDs := range byTenant {
		tenant, err := o.tenants.Tenant(ctx, tenantID)
		if err != nil {
			slog.Error("dispatch: tenant lookup failed", "tenant_id", tenantID, "error", err)
			continue
		}
		if !tenant.RequiresSettlement() {
			continue
		}
		if _, err := o.enqueue(ctx, tenantID, tenant.ChainAdapter, entryIDs); err != nil {
			slog.Error("dispatch: enqueue failed", "tenant_id", tenantID, "error", err)
		}
	}
	return nil
}

func (o *Orchestrator) enqueue(ctx context.Context, tenantID, adapter string, entryIDs []string) (*model.SettlementJob, error) {
	now := o.now().UTC()
	job := model.SettlementJob{
		JobID:     uuid.NewString(),
		TenantID:  tenantID,
		Adapter:   adapter,
		EntryIDs:  entryIDs,
		Status:    model.JobQueued,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := o.store.CreateJob(ctx, job); err != nil {
		return nil, err
	}
	o.publishDispatch(job)
	slog.Info("settlement job queued",
		"job_id", job.JobID, "tenant_id", tenantID, "adapter", adapter, "entries", len(entryIDs))
	return &job, nil
}

// Cancel withdraws a job that has not yet entered in_flight. Once submitted
// to an adapter, cancellation is not guaranteed and reconciliation owns the
// outcome.
func (o *Orchestrator) Cancel(ctx context.Context, jobID string) (bool, error) {
	return o.store.CancelQueued(ctx, jobID)
}

// ProcessJob claims a queued job and drives it to a terminal state:
// queued → in_flight → {confirmed | failed_retryable → in_flight | failed_terminal}.
func (o *Orchestrator) ProcessJob(ctx context.Context, jobID string) error {
	job, err := o.store.Job(ctx, jobID)
	if err != nil {
		return fmt.Errorf("load job %s: %w", jobID, err)
	}

	slot := o.tenantSlot(job.TenantID)
	select {
	case slot <- struct{}{}:
		defer func() { <-slot }()
	case <-ctx.Done():
		return ctx.Err()
	}

	claimed, err := o.store.ClaimQueued(ctx, jobID)
	if err != nil {
		return err
	}
	if !claimed {
		// Another worker owns it, or it was cancelled; either way not ours.
		return nil
	}
	job.Status = model.JobInFlight

	adapter, err := o.chains.Get(job.Adapter)
	if err != nil {
		return o.finalizeFailure(ctx, job, err.Error())
	}
	entries, err := o.store.EntriesByIDs(ctx, job.TenantID, job.EntryIDs)
	if err != nil {
		return fmt.Errorf("load job entries: %w", err)
	}

	op := chain.Operation{TenantID: job.TenantID}
	for _, e := range entries {
		op.Entries = append(op.Entries, chain.OperationEntry{
			EntryID:    e.EntryID,
			CustomerID: e.CustomerID,
			Amount:     e.Amount,
		})
	}

	backoff := retry.WithCappedDuration(o.opts.BackoffCap, retry.NewExponential(o.opts.BackoffBase))
	backoff = retry.WithMaxRetries(uint64(o.opts.MaxAttempts-1), backoff)

	var status chain.Status
	err = retry.Do(ctx, backoff, func(ctx context.Context) error {
		job.AttemptCount++

		handle := chain.JobHandle{Adapter: job.Adapter, Ref: job.ExternalTxRef}
		if handle.Ref == "" {
			submitted, err := adapter.Submit(ctx, op)
			if err != nil {
				return o.recordAttempt(ctx, job, err)
			}
			handle = submitted
			job.ExternalTxRef = submitted.Ref
			job.LastError = ""
			if err := o.store.UpdateJob(ctx, *job); err != nil {
				return err
			}
		}

		polled, err := o.awaitStatus(ctx, adapter, handle)
		if err != nil {
			return o.recordAttempt(ctx, job, err)
		}
		// A retryable failure with nothing confirmed re-submits the whole
		// batch: atomic adapters never attribute entries, and a partial
		// adapter that failed everything has no subset to settle. Only a
		// retryable failure with a confirmed subset leaves the loop, to be
		// split below.
		if polled.State == chain.StateFailed && polled.Retryable && len(polled.ConfirmedEntries) == 0 {
			job.ExternalTxRef = ""
			return o.recordAttempt(ctx, job, chain.Transient("adapter reported retryable failure: %s", polled.Reason))
		}
		status = polled
		return nil
	})
	if err != nil {
		// Retries exhausted or a terminal submit error.
		return o.finalizeFailure(ctx, job, err.Error())
	}

	switch status.State {
	case chain.StateConfirmed:
		return o.finalizeConfirmed(ctx, job, status.Ref)
	case chain.StateFailed:
		if adapter.SupportsPartialBatch() && len(status.ConfirmedEntries) > 0 {
			return o.splitPartial(ctx, job, status)
		}
		return o.finalizeFailure(ctx, job, status.Reason)
	default:
		// Poll budget ran out with the operation still pending; park the job
		// for the reconciliation sweep, which treats the eventual external
		// answer as authoritative.
		job.LastError = "poll budget exhausted while pending"
		job.UpdatedAt = o.now().UTC()
		return o.store.UpdateJob(ctx, *job)
	}
}

// recordAttempt persists the failed attempt and tells go-retry whether to
// continue. Terminal classification stops the loop immediately.
func (o *Orchestrator) recordAttempt(ctx context.Context, job *model.SettlementJob, cause error) error {
	job.LastError = cause.Error()
	job.Status = model.JobFailedRetryable
	job.UpdatedAt = o.now().UTC()
	if err := o.store.UpdateJob(ctx, *job); err != nil {
		return err
	}
	if chain.IsRetryable(cause) {
		job.Status = model.JobInFlight
		return retry.RetryableError(cause)
	}
	return cause
}

// awaitStatus polls the adapter until the operation leaves pending or the
// poll budget is spent.
func (o *Orchestrator) awaitStatus(ctx context.Context, adapter chain.Adapter, handle chain.JobHandle) (chain.Status, error) {
	deadline := o.now().Add(o.opts.PollBudget)
	for {
		status, err := adapter.PollStatus(ctx, handle)
		if err != nil {
			return chain.Status{}, err
		}
		if status.State != chain.StatePending {
			return status, nil
		}
		if o.now().After(deadline) {
			return status, nil
		}
		select {
		case <-ctx.Done():
			return chain.Status{}, ctx.Err()
		case <-time.After(o.opts.PollInterval):
		}
	}
}

func (o *Orchestrator) finalizeConfirmed(ctx context.Context, job *model.SettlementJob, ref string) error {
	now := o.now().UTC()
	job.Status = model.JobConfirmed
	job.ExternalTxRef = ref
	job.LastError = ""
	job.UpdatedAt = now
	if err := o.store.UpdateJob(ctx, *job); err != nil {
		return err
	}
	if err := o.store.MarkEntriesSettled(ctx, job.TenantID, job.EntryIDs, now); err != nil {
		return err
	}
	o.publishEntryEvents(ctx, model.SubjectEntrySettled, job.TenantID, job.EntryIDs, "")
	slog.Info("settlement confirmed",
		"job_id", job.JobID, "tenant_id", job.TenantID, "tx_ref", ref, "attempts", job.AttemptCount)
	return nil
}

// finalizeFailure parks the job in failed_terminal. The underlying entries
// stay valid in the ledger; their settlement is marked failed and they fall
// back to an off-chain-only record.
func (o *Orchestrator) finalizeFailure(ctx context.Context, job *model.SettlementJob, reason string) error {
	job.Status = model.JobFailedTerminal
	job.LastError = reason
	job.UpdatedAt = o.now().UTC()
	if err := o.store.UpdateJob(ctx, *job); err != nil {
		return err
	}
	if err := o.store.MarkEntriesSettlementFailed(ctx, job.TenantID, job.EntryIDs); err != nil {
		return err
	}
	o.publishEntryEvents(ctx, model.SubjectEntrySettlementFailed, job.TenantID, job.EntryIDs, reason)
	slog.Error("settlement failed terminally",
		"job_id", job.JobID, "tenant_id", job.TenantID, "attempts", job.AttemptCount, "reason", reason)
	return nil
}

// splitPartial settles the confirmed subset of a partial-batch failure and
// re-queues only the failed entries as a fresh job.
func (o *Orchestrator) splitPartial(ctx context.Context, job *model.SettlementJob, status chain.Status) error {
	now := o.now().UTC()
	if err := o.store.MarkEntriesSettled(ctx, job.TenantID, status.ConfirmedEntries, now); err != nil {
		return err
	}
	o.publishEntryEvents(ctx, model.SubjectEntrySettled, job.TenantID, status.ConfirmedEntries, "")

	job.Status = model.JobFailedTerminal
	job.LastError = fmt.Sprintf("partial batch: %d settled, %d re-queued: %s",
		len(status.ConfirmedEntries), len(status.FailedEntries), status.Reason)
	job.UpdatedAt = now
	if err := o.store.UpdateJob(ctx, *job); err != nil {
		return err
	}

	_, err := o.enqueue(ctx, job.TenantID, job.Adapter, status.FailedEntries)
	return err
}

func (o *Orchestrator) publishEntryEvents(ctx context.Context, subject, tenantID string, entryIDs []string, reason string) {
	entries, err := o.store.EntriesByIDs(ctx, tenantID, entryIDs)
	if err != nil {
		slog.Error("publish: load entries failed", "tenant_id", tenantID, "error", err)
		return
	}
	for _, e := range entries {
		data, _ := json.Marshal(model.EntryEvent{
			EntryID:      e.EntryID,
			TenantID:     e.TenantID,
			CustomerID:   e.CustomerID,
			Kind:         e.Kind,
			Amount:       e.Amount,
			BalanceAfter: e.BalanceAfter,
			Reason:       reason,
			OccurredAt:   o.now().UTC(),
		})
		if err := o.bus.Publish(subject, data); err != nil {
			slog.Error("bus publish failed", "subject", subject, "entry_id", e.EntryID, "error", err)
		}
	}
}

func (o *Orchestrator) publishDispatch(job model.SettlementJob) {
	data, _ := json.Marshal(model.JobDispatch{JobID: job.JobID, TenantID: job.TenantID})
	if err := o.bus.Publish(model.SubjectSettlementJobs, data); err != nil {
		slog.Error("bus publish failed", "subject", model.SubjectSettlementJobs, "job_id", job.JobID, "error", err)
	}
}
