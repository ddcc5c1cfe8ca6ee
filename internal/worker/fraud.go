package worker

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/nats-io/nats.go"

	"perka/internal/fraud"
	"perka/internal/model"
	"perka/internal/service"
)

// EntryReader loads the flagged entry the post-check re-examines.
type EntryReader interface {
	Entry(ctx context.Context, tenantID, entryID string) (*model.LedgerEntry, error)
}

// FraudWorker consumes post-check requests for flagged entries. A confirmed
// entry needs no action; a rejected one gets a compensating reversal, never a
// mutation of the committed entry.
type FraudWorker struct {
	checker  *fraud.PostChecker
	entries  EntryReader
	svc      service.LedgerService
	natsConn *nats.Conn
}

func NewFraudWorker(checker *fraud.PostChecker, entries EntryReader, svc service.LedgerService, nc *nats.Conn) *FraudWorker {
	return &FraudWorker{checker: checker, entries: entries, svc: svc, natsConn: nc}
}

func (w *FraudWorker) Run(ctx context.Context) error {
	sub, err := w.natsConn.QueueSubscribe(model.SubjectFraudPostCheck, "fraud_group", func(m *nats.Msg) {
		var req model.PostCheckRequest
		if err := json.Unmarshal(m.Data, &req); err != nil {
			slog.Error("fraud worker: failed to unmarshal post-check request", "error", err)
			return
		}
		w.handle(ctx, req)
	})
	if err != nil {
		return fmt.Errorf("fraud worker: failed to subscribe: %w", err)
	}

	slog.Info("Fraud post-check worker is running")

	<-ctx.Done()

	slog.Info("Fraud worker received shutdown signal, draining subscription...")
	return sub.Drain()
}

func (w *FraudWorker) handle(ctx context.Context, req model.PostCheckRequest) {
	entry, err := w.entries.Entry(ctx, req.TenantID, req.EntryID)
	if err != nil {
		slog.Error("fraud worker: entry lookup failed",
			"tenant_id", req.TenantID, "entry_id", req.EntryID, "error", err)
		return
	}
	if entry.ReversedBy != "" {
		return
	}

	decision, err := w.checker.PostCheck(ctx, entry)
	if err != nil {
		slog.Error("fraud worker: post-check failed",
			"tenant_id", req.TenantID, "entry_id", req.EntryID, "error", err)
		return
	}

	if decision.Verdict != model.VerdictBlock {
		slog.Info("fraud worker: flagged entry confirmed",
			"tenant_id", req.TenantID, "entry_id", req.EntryID)
		return
	}

	if _, err := w.svc.Reverse(ctx, req.TenantID, req.EntryID, decision.Reason); err != nil {
		slog.Error("fraud worker: reversal failed",
			"tenant_id", req.TenantID, "entry_id", req.EntryID, "error", err)
		return
	}
	slog.Warn("fraud worker: flagged entry reversed",
		"tenant_id", req.TenantID,
		"entry_id", req.EntryID,
		"reason", decision.Reason,
	)
}

// Start implements the infrastructure.Server interface.
func (w *FraudWorker) Start(ctx context.Context) error {
	return w.Run(ctx)
}

// Stop implements the infrastructure.Server interface (no-op, shutdown is via ctx).
func (w *FraudWorker) Stop(ctx context.Context) error {
	return nil
}
