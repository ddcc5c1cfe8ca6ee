package nats

import (
	"context"
	"encoding/json"
	"log/slog"

	"github.com/nats-io/nats.go"

	"perka/internal/model"
	"perka/internal/service"
)

// Handler subscribes to NATS command topics and delegates to the ledger
// service. Partner integrations that cannot speak HTTP push economic events
// through here; idempotency keys make at-least-once delivery safe.
type Handler struct {
	svc  service.LedgerService
	nc   *nats.Conn
	subs []*nats.Subscription
}

func NewHandler(svc service.LedgerService, nc *nats.Conn) *Handler {
	return &Handler{svc: svc, nc: nc}
}

// Start subscribes to command topics and blocks until ctx is cancelled.
func (h *Handler) Start(ctx context.Context) error {
	sub, err := h.nc.QueueSubscribe(model.SubjectCommandsEvent, "ledger_group", func(m *nats.Msg) {
		var ev model.EconomicEvent
		if err := json.Unmarshal(m.Data, &ev); err != nil {
			slog.Error("nats: failed to unmarshal event command", "error", err)
			return
		}
		res, err := h.svc.Submit(ctx, &ev)
		if err != nil {
			slog.Error("nats: event submit failed",
				"tenant_id", ev.TenantID,
				"customer_id", ev.CustomerID,
				"idempotency_key", ev.IdempotencyKey,
				"error", err,
			)
			return
		}
		if m.Reply != "" {
			data, _ := json.Marshal(res)
			if err := m.Respond(data); err != nil {
				slog.Error("nats: reply failed", "error", err)
			}
		}
	})
	if err != nil {
		return err
	}
	h.subs = append(h.subs, sub)

	slog.Info("NATS command handler is running")

	<-ctx.Done()
	slog.Info("NATS command handler shutting down, draining subscriptions...")

	for _, s := range h.subs {
		_ = s.Drain()
	}
	return nil
}

func (h *Handler) Stop(ctx context.Context) error {
	for _, s := range h.subs {
		_ = s.Unsubscribe()
	}
	return nil
}
