package worker

import (
	"context"
	"log/slog"
	"time"

	"perka/internal/settlement"
)

// Sweeper runs the periodic settlement housekeeping: batching uncovered
// pending entries into jobs and reconciling jobs the happy path lost track
// of. One sweeper per deployment is enough; running several is safe because
// every transition goes through a CAS or an idempotent update.
type Sweeper struct {
	orch              *settlement.Orchestrator
	dispatchInterval  time.Duration
	reconcileInterval time.Duration
}

func NewSweeper(orch *settlement.Orchestrator, dispatchInterval, reconcileInterval time.Duration) *Sweeper {
	return &Sweeper{
		orch:              orch,
		dispatchInterval:  dispatchInterval,
		reconcileInterval: reconcileInterval,
	}
}

func (s *Sweeper) Run(ctx context.Context) error {
	dispatch := time.NewTicker(s.dispatchInterval)
	defer dispatch.Stop()
	reconcile := time.NewTicker(s.reconcileInterval)
	defer reconcile.Stop()

	slog.Info("Settlement sweeper is running",
		"dispatch_interval", s.dispatchInterval,
		"reconcile_interval", s.reconcileInterval,
	)

	for {
		select {
		case <-ctx.Done():
			slog.Info("Settlement sweeper shutting down")
			return nil
		case <-dispatch.C:
			if err := s.orch.DispatchPending(ctx); err != nil {
				slog.Error("sweeper: dispatch pass failed", "error", err)
			}
		case <-reconcile.C:
			if err := s.orch.Reconcile(ctx); err != nil {
				slog.Error("sweeper: reconcile pass failed", "error", err)
			}
		}
	}
}

// Start implements the infrastructure.Server interface.
func (s *Sweeper) Start(ctx context.Context) error {
	return s.Run(ctx)
}

// Stop implements the infrastructure.Server interface (no-op, shutdown is via ctx).
func (s *Sweeper) Stop(ctx context.Context) error {
	return nil
}
