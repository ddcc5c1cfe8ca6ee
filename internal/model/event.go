package model

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
)

// EventKind is the caller-facing operation requested by an EconomicEvent.
type EventKind string

const (
	EventEarn     EventKind = "earn"
	EventRedeem   EventKind = "redeem"
	EventTransfer EventKind = "transfer_request"
)

// EconomicEvent is the inbound contract from POS/partner adapters.
// The idempotency key must be stable across retries of the same logical event.
type EconomicEvent struct {
	IdempotencyKey  string         `json:"idempotency_key"`
	TenantID        string         `json:"tenant_id"`
	CustomerID      string         `json:"customer_id"`
	Kind            EventKind      `json:"kind"`
	RawAmount       *int64         `json:"raw_amount"`
	ActionType      string         `json:"action_type"`
	ContextSnapshot map[string]any `json:"context_snapshot"`
}

func (e *EconomicEvent) Validate() error {
	if e.IdempotencyKey == "" {
		return fmt.Errorf("%w: idempotency_key is required", ErrValidation)
	}
	if e.TenantID == "" || e.CustomerID == "" {
		return fmt.Errorf("%w: tenant_id and customer_id are required", ErrValidation)
	}
	switch e.Kind {
	case EventEarn, EventRedeem, EventTransfer:
	default:
		return fmt.Errorf("%w: unknown event kind %q", ErrValidation, e.Kind)
	}
	if e.RawAmount != nil && *e.RawAmount < 0 {
		return fmt.Errorf("%w: raw_amount must not be negative", ErrValidation)
	}
	return nil
}

// PayloadHash is the canonical hash used to detect a retry that reuses an
// idempotency key with a different payload.
func (e *EconomicEvent) PayloadHash() string {
	data, _ := json.Marshal(e)
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

// RequestedPoints reads the redemption amount from the context snapshot.
// Redeem events carry no raw_amount; the caller states how many points to burn.
func (e *EconomicEvent) RequestedPoints() (int64, error) {
	v, ok := e.ContextSnapshot["requested_points"]
	if !ok {
		return 0, fmt.Errorf("%w: context_snapshot.requested_points is required for %s", ErrValidation, e.Kind)
	}
	var n int64
	switch t := v.(type) {
	case float64:
		n = int64(t)
	case int64:
		n = t
	case int:
		n = int64(t)
	case json.Number:
		parsed, err := t.Int64()
		if err != nil {
			return 0, fmt.Errorf("%w: requested_points is not an integer", ErrValidation)
		}
		n = parsed
	default:
		return 0, fmt.Errorf("%w: requested_points has unsupported type", ErrValidation)
	}
	if n <= 0 {
		return 0, fmt.Errorf("%w: requested_points must be positive", ErrValidation)
	}
	return n, nil
}
