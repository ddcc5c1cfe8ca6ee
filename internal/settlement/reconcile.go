package settlement

import (
	"context"
	"log/slog"

	"perka/internal/chain"
	"perka/internal/model"
)

// Reconcile is the periodic sweep that closes the gaps external delivery can
// leave: lost confirmations for in_flight jobs, retryable jobs awaiting
// redispatch, and late confirmations arriving after a local failure was
// recorded. An external confirmation is authoritative whenever it shows up.
func (o *Orchestrator) Reconcile(ctx context.Context) error {
	if err := o.reconcileStaleInFlight(ctx); err != nil {
		return err
	}
	if err := o.requeueRetryable(ctx); err != nil {
		return err
	}
	return o.reconcileLateConfirmations(ctx)
}

func (o *Orchestrator) reconcileStaleInFlight(ctx context.Context) error {
	jobs, err := o.store.StaleInFlight(ctx, o.now().UTC().Add(-o.opts.InFlightAge))
	if err != nil {
		return err
	}
	for _, job := range jobs {
		job := job
		if err := o.resolveByPolling(ctx, &job); err != nil {
			slog.Error("reconcile: resolve failed", "job_id", job.JobID, "error", err)
		}
	}
	return nil
}

// resolveByPolling asks the adapter what actually happened to a stuck job.
func (o *Orchestrator) resolveByPolling(ctx context.Context, job *model.SettlementJob) error {
	if job.ExternalTxRef == "" {
		// Never got a handle back; the submit may or may not have landed.
		// Requeue and let the adapter's own idempotency on entry ids dedup.
		return o.requeue(ctx, job, "in_flight without tx ref")
	}

	adapter, err := o.chains.Get(job.Adapter)
	if err != nil {
		return o.finalizeFailure(ctx, job, err.Error())
	}
	status, err := adapter.PollStatus(ctx, chain.JobHandle{Adapter: job.Adapter, Ref: job.ExternalTxRef})
	if err != nil {
		if chain.IsRetryable(err) {
			return nil // transient poll failure, try again next sweep
		}
		return o.finalizeFailure(ctx, job, err.Error())
	}

	switch status.State {
	case chain.StateConfirmed:
		return o.finalizeConfirmed(ctx, job, statusRef(status, job))
	case chain.StateFailed:
		if status.Retryable {
			job.ExternalTxRef = ""
			return o.requeue(ctx, job, status.Reason)
		}
		return o.finalizeFailure(ctx, job, status.Reason)
	default:
		return nil // still pending on-chain, keep waiting
	}
}

func (o *Orchestrator) requeueRetryable(ctx context.Context) error {
	// Only jobs parked long enough that no worker is still mid-backoff on
	// them, so the sweep cannot double-dispatch an actively retried job.
	jobs, err := o.store.Retryable(ctx, o.now().UTC().Add(-o.opts.InFlightAge))
	if err != nil {
		return err
	}
	for _, job := range jobs {
		job := job
		if err := o.requeue(ctx, &job, job.LastError); err != nil {
			slog.Error("reconcile: requeue failed", "job_id", job.JobID, "error", err)
		}
	}
	return nil
}

func (o *Orchestrator) requeue(ctx context.Context, job *model.SettlementJob, reason string) error {
	if job.AttemptCount >= o.opts.MaxAttempts {
		return o.finalizeFailure(ctx, job, "retry budget exhausted: "+reason)
	}
	job.Status = model.JobQueued
	job.LastError = reason
	job.UpdatedAt = o.now().UTC()
	if err := o.store.UpdateJob(ctx, *job); err != nil {
		return err
	}
	o.publishDispatch(*job)
	return nil
}

// reconcileLateConfirmations re-polls terminally failed jobs that did reach
// the chain. If the confirmation eventually arrives, the local failure is
// overturned: the chain's answer wins.
func (o *Orchestrator) reconcileLateConfirmations(ctx context.Context) error {
	jobs, err := o.store.UnresolvedTerminal(ctx)
	if err != nil {
		return err
	}
	for _, job := range jobs {
		job := job
		adapter, err := o.chains.Get(job.Adapter)
		if err != nil {
			continue
		}
		status, err := adapter.PollStatus(ctx, chain.JobHandle{Adapter: job.Adapter, Ref: job.ExternalTxRef})
		if err != nil || status.State != chain.StateConfirmed {
			continue
		}
		slog.Info("late confirmation overturns local failure",
			"job_id", job.JobID, "tenant_id", job.TenantID, "tx_ref", job.ExternalTxRef)
		if err := o.finalizeConfirmed(ctx, &job, statusRef(status, &job)); err != nil {
			slog.Error("reconcile: late confirmation finalize failed", "job_id", job.JobID, "error", err)
		}
	}
	return nil
}

func statusRef(status chain.Status, job *model.SettlementJob) string {
	if status.Ref != "" {
		return status.Ref
	}
	return job.ExternalTxRef
}
