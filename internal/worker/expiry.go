package worker

import (
	"context"
	"log/slog"
	"time"

	"perka/internal/model"
)

// ExpiryStore is the slice of the ledger the expiry sweep needs.
type ExpiryStore interface {
	ExpirableEntries(ctx context.Context, limit int) ([]model.LedgerEntry, error)
	Commit(ctx context.Context, entry model.LedgerEntry) (*model.LedgerEntry, bool, error)
	Balance(ctx context.Context, tenantID, customerID string) (int64, error)
}

// ExpirySweeper retires points past their tenant's TTL by appending
// compensating expire entries. Points already spent cannot expire, so the
// expired amount is clamped to what the customer still holds.
type ExpirySweeper struct {
	store     ExpiryStore
	interval  time.Duration
	batchSize int
	now       func() time.Time
}

func NewExpirySweeper(store ExpiryStore, interval time.Duration, batchSize int) *ExpirySweeper {
	if batchSize < 1 {
		batchSize = 100
	}
	return &ExpirySweeper{store: store, interval: interval, batchSize: batchSize, now: time.Now}
}

func (s *ExpirySweeper) Run(ctx context.Context) error {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	slog.Info("Expiry sweeper is running", "interval", s.interval)

	for {
		select {
		case <-ctx.Done():
			slog.Info("Expiry sweeper shutting down")
			return nil
		case <-ticker.C:
			if err := s.Sweep(ctx); err != nil {
				slog.Error("expiry sweep failed", "error", err)
			}
		}
	}
}

// Sweep runs one expiry pass. Each pass is idempotent: the expire entry id is
// derived from the original, so a crash mid-pass redoes nothing.
func (s *ExpirySweeper) Sweep(ctx context.Context) error {
	entries, err := s.store.ExpirableEntries(ctx, s.batchSize)
	if err != nil {
		return err
	}

	for _, original := range entries {
		if err := s.expire(ctx, original); err != nil {
			slog.Error("expire entry failed",
				"tenant_id", original.TenantID,
				"entry_id", original.EntryID,
				"error", err,
			)
		}
	}
	return nil
}

func (s *ExpirySweeper) expire(ctx context.Context, original model.LedgerEntry) error {
	balance, err := s.store.Balance(ctx, original.TenantID, original.CustomerID)
	if err != nil {
		return err
	}
	if balance <= 0 {
		return nil
	}
	amount := original.Amount
	if amount > balance {
		amount = balance
	}

	entry := model.LedgerEntry{
		EntryID:       "expire-" + original.EntryID,
		TenantID:      original.TenantID,
		CustomerID:    original.CustomerID,
		Kind:          model.KindExpire,
		Amount:        -amount,
		SourceEventID: original.EntryID,
		PayloadHash:   original.PayloadHash,
		Status:        model.StatusCommitted,
		CreatedAt:     s.now().UTC(),
	}
	committed, duplicate, err := s.store.Commit(ctx, entry)
	if err != nil {
		return err
	}
	if !duplicate {
		slog.Info("points expired",
			"tenant_id", committed.TenantID,
			"customer_id", committed.CustomerID,
			"entry_id", committed.EntryID,
			"amount", committed.Amount,
		)
	}
	return nil
}

// Start implements the infrastructure.Server interface.
func (s *ExpirySweeper) Start(ctx context.Context) error {
	return s.Run(ctx)
}

// Stop implements the infrastructure.Server interface (no-op, shutdown is via ctx).
func (s *ExpirySweeper) Stop(ctx context.Context) error {
	return nil
}
