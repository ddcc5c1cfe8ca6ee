package chain

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"
)

// EVMRelayAdapter settles through a meta-transaction relayer on an EVM-style
// chain. Every entry becomes its own relayed meta-transaction inside a
// client-identified batch, so the relayer can report per-entry outcomes and a
// failed batch is retryable at entry granularity.
type EVMRelayAdapter struct {
	baseURL    string
	apiKey     string
	forwarder  string
	httpClient *http.Client
}

func NewEVMRelayAdapter(baseURL, apiKey, forwarder string, timeout time.Duration) *EVMRelayAdapter {
	return &EVMRelayAdapter{
		baseURL:    baseURL,
		apiKey:     apiKey,
		forwarder:  forwarder,
		httpClient: newHTTPClient(timeout),
	}
}

func (a *EVMRelayAdapter) Name() string               { return "evmrelay" }
func (a *EVMRelayAdapter) SupportsPartialBatch() bool { return true }

func (a *EVMRelayAdapter) EstimateCost(ctx context.Context, op Operation) (CostEstimate, error) {
	// Per-entry meta-transactions: relayed gas scales with batch size.
	return CostEstimate{Currency: "GWEI", Amount: 21000 * int64(len(op.Entries))}, nil
}

type relayMetaTx struct {
	EntryID    string `json:"entry_id"`
	CustomerID string `json:"customer_id"`
	Amount     int64  `json:"amount"`
	Forwarder  string `json:"forwarder"`
}

type relaySubmitRequest struct {
	TenantID string        `json:"tenant_id"`
	MetaTxs  []relayMetaTx `json:"meta_txs"`
}

type relaySubmitResponse struct {
	BatchID string `json:"batch_id"`
	Code    string `json:"code,omitempty"`
	Error   string `json:"error,omitempty"`
}

func (a *EVMRelayAdapter) Submit(ctx context.Context, op Operation) (JobHandle, error) {
	req := relaySubmitRequest{TenantID: op.TenantID}
	for _, e := range op.Entries {
		req.MetaTxs = append(req.MetaTxs, relayMetaTx{
			EntryID:    e.EntryID,
			CustomerID: e.CustomerID,
			Amount:     e.Amount,
			Forwarder:  a.forwarder,
		})
	}

	var out relaySubmitResponse
	if err := a.post(ctx, "/relay/batches", req, &out); err != nil {
		return JobHandle{}, Transient("relay submit: %v", err)
	}
	switch out.Code {
	case "":
		return JobHandle{Adapter: a.Name(), Ref: out.BatchID}, nil
	case "relayer_congested", "gas_price_spike":
		return JobHandle{}, Transient("relay rejected: %s", out.Code)
	default:
		return JobHandle{}, fmt.Errorf("relay rejected: %s: %s", out.Code, out.Error)
	}
}

type relayTxStatus struct {
	EntryID string `json:"entry_id"`
	Status  string `json:"status"` // pending | mined | reverted
	TxHash  string `json:"tx_hash,omitempty"`
	Reason  string `json:"reason,omitempty"`
}

type relayBatchStatusResponse struct {
	BatchID string          `json:"batch_id"`
	Txs     []relayTxStatus `json:"txs"`
}

// PollStatus aggregates per-meta-tx outcomes. Any pending tx keeps the batch
// pending; otherwise mined entries are confirmed and reverted ones attributed
// individually so the orchestrator can re-batch just the failures.
func (a *EVMRelayAdapter) PollStatus(ctx context.Context, handle JobHandle) (Status, error) {
	var out relayBatchStatusResponse
	if err := a.get(ctx, "/relay/batches/"+handle.Ref, &out); err != nil {
		return Status{}, Transient("poll batch %s: %v", handle.Ref, err)
	}

	// A report with no per-tx entries means the relayer accepted the batch
	// but has not attempted it yet; that is pending, never a confirmation.
	if len(out.Txs) == 0 {
		return Status{State: StatePending, Ref: handle.Ref}, nil
	}

	status := Status{Ref: handle.Ref}
	for _, tx := range out.Txs {
		switch tx.Status {
		case "mined":
			status.ConfirmedEntries = append(status.ConfirmedEntries, tx.EntryID)
		case "reverted":
			status.FailedEntries = append(status.FailedEntries, tx.EntryID)
			if status.Reason == "" {
				status.Reason = tx.Reason
			}
		default:
			return Status{State: StatePending, Ref: handle.Ref}, nil
		}
	}

	if len(status.FailedEntries) == 0 {
		status.State = StateConfirmed
		return status, nil
	}
	status.State = StateFailed
	status.Retryable = true
	return status, nil
}

func (a *EVMRelayAdapter) post(ctx context.Context, path string, in, out any) error {
	body, err := json.Marshal(in)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, a.baseURL+path, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Api-Key", a.apiKey)
	return a.do(req, out)
}

func (a *EVMRelayAdapter) get(ctx context.Context, path string, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, a.baseURL+path, nil)
	if err != nil {
		return err
	}
	req.Header.Set("X-Api-Key", a.apiKey)
	return a.do(req, out)
}

func (a *EVMRelayAdapter) do(req *http.Request, out any) error {
	resp, err := a.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 500 {
		return fmt.Errorf("relayer returned %d", resp.StatusCode)
	}
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return err
	}
	return json.Unmarshal(data, out)
}
