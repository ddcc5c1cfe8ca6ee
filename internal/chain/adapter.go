package chain

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"
)

// OperationEntry is one ledger entry's share of a settlement operation.
// Positive amounts mint, negative amounts burn.
type OperationEntry struct {
	EntryID    string `json:"entry_id"`
	CustomerID string `json:"customer_id"`
	Amount     int64  `json:"amount"`
}

// Operation is the normalized unit of work submitted to an adapter. It never
// spans more than one tenant.
type Operation struct {
	TenantID string           `json:"tenant_id"`
	Entries  []OperationEntry `json:"entries"`
}

// JobHandle identifies a submitted operation for later polling.
type JobHandle struct {
	Adapter string `json:"adapter"`
	Ref     string `json:"ref"`
}

type StatusState string

const (
	StatePending   StatusState = "pending"
	StateConfirmed StatusState = "confirmed"
	StateFailed    StatusState = "failed"
)

// Status is the adapter-reported state of a submitted operation. For
// partial-batch adapters a failed status may carry per-entry attribution in
// ConfirmedEntries/FailedEntries; atomic adapters leave both nil.
type Status struct {
	State            StatusState `json:"state"`
	Ref              string      `json:"ref,omitempty"`
	Reason           string      `json:"reason,omitempty"`
	Retryable        bool        `json:"retryable"`
	ConfirmedEntries []string    `json:"confirmed_entries,omitempty"`
	FailedEntries    []string    `json:"failed_entries,omitempty"`
}

type CostEstimate struct {
	Currency string `json:"currency"`
	Amount   int64  `json:"amount"`
}

// Adapter is the contract every settlement backend normalizes to. Adapters
// own their fee/gas-sponsorship bookkeeping; the orchestrator only consumes
// submission results and status classifications.
type Adapter interface {
	Name() string
	// SupportsPartialBatch reports whether a failed batch is attributable to
	// and retryable at the level of its constituent entries.
	SupportsPartialBatch() bool
	Submit(ctx context.Context, op Operation) (JobHandle, error)
	PollStatus(ctx context.Context, handle JobHandle) (Status, error)
	EstimateCost(ctx context.Context, op Operation) (CostEstimate, error)
}

// TransientError marks a submission failure as retryable (timeouts, network
// faults, momentary sponsor illiquidity). Anything else is terminal.
type TransientError struct {
	Err error
}

func (e *TransientError) Error() string { return e.Err.Error() }
func (e *TransientError) Unwrap() error { return e.Err }

func Transient(format string, args ...any) error {
	return &TransientError{Err: fmt.Errorf(format, args...)}
}

// IsRetryable classifies an error from Submit or PollStatus. Network-level
// failures are always retryable.
func IsRetryable(err error) bool {
	var transient *TransientError
	if errors.As(err, &transient) {
		return true
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return true
	}
	return errors.Is(err, context.DeadlineExceeded)
}

// Registry resolves a tenant's configured adapter by name.
type Registry struct {
	adapters map[string]Adapter
}

func NewRegistry(adapters ...Adapter) *Registry {
	r := &Registry{adapters: make(map[string]Adapter, len(adapters))}
	for _, a := range adapters {
		r.adapters[a.Name()] = a
	}
	return r
}

func (r *Registry) Get(name string) (Adapter, error) {
	a, ok := r.adapters[name]
	if !ok {
		return nil, fmt.Errorf("no chain adapter registered under %q", name)
	}
	return a, nil
}

// newHTTPClient is the shared transport tuning for adapter RPC clients.
func newHTTPClient(timeout time.Duration) *http.Client {
	return &http.Client{
		Timeout: timeout,
		Transport: &http.Transport{
			MaxIdleConns:        100,
			MaxIdleConnsPerHost: 10,
			IdleConnTimeout:     90 * time.Second,
		},
	}
}
