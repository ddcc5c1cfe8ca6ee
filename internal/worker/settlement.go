package worker

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/nats-io/nats.go"

	"perka/internal/model"
	"perka/internal/settlement"
)

// SettlementWorker consumes job dispatches and drives each job through the
// orchestrator. QueueSubscribe spreads jobs across instances while each
// dispatch lands on exactly one worker in the group.
type SettlementWorker struct {
	orch     *settlement.Orchestrator
	natsConn *nats.Conn
}

func NewSettlementWorker(orch *settlement.Orchestrator, nc *nats.Conn) *SettlementWorker {
	return &SettlementWorker{orch: orch, natsConn: nc}
}

func (w *SettlementWorker) Run(ctx context.Context) error {
	sub, err := w.natsConn.QueueSubscribe(model.SubjectSettlementJobs, "settlement_group", func(m *nats.Msg) {
		var dispatch model.JobDispatch
		if err := json.Unmarshal(m.Data, &dispatch); err != nil {
			slog.Error("settlement worker: failed to unmarshal dispatch", "error", err)
			return
		}
		// ProcessJob claims via CAS, so a redelivered dispatch is a no-op.
		if err := w.orch.ProcessJob(ctx, dispatch.JobID); err != nil {
			slog.Error("settlement worker: job processing failed",
				"job_id", dispatch.JobID,
				"tenant_id", dispatch.TenantID,
				"error", err,
			)
		}
	})
	if err != nil {
		return fmt.Errorf("settlement worker: failed to subscribe: %w", err)
	}

	slog.Info("Settlement worker is running")

	<-ctx.Done()

	slog.Info("Settlement worker received shutdown signal, draining subscription...")
	return sub.Drain()
}

// Start implements the infrastructure.Server interface.
func (w *SettlementWorker) Start(ctx context.Context) error {
	return w.Run(ctx)
}

// Stop implements the infrastructure.Server interface (no-op, shutdown is via ctx).
func (w *SettlementWorker) Stop(ctx context.Context) error {
	return nil
}
