package chain

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"
)

// AccountChainAdapter settles against an account-centric chain. Fees are paid
// by a rotating pool of fee-payer accounts; the adapter tracks each payer's
// sequence number locally and resynchronizes on a sequence mismatch.
type AccountChainAdapter struct {
	baseURL    string
	apiKey     string
	httpClient *http.Client

	mu        sync.Mutex
	feePayers []string
	next      int
	sequences map[string]uint64
}

func NewAccountChainAdapter(baseURL, apiKey string, feePayers []string, timeout time.Duration) *AccountChainAdapter {
	return &AccountChainAdapter{
		baseURL:    baseURL,
		apiKey:     apiKey,
		httpClient: newHTTPClient(timeout),
		feePayers:  feePayers,
		sequences:  make(map[string]uint64, len(feePayers)),
	}
}

func (a *AccountChainAdapter) Name() string               { return "accountchain" }
func (a *AccountChainAdapter) SupportsPartialBatch() bool { return false }

func (a *AccountChainAdapter) EstimateCost(ctx context.Context, op Operation) (CostEstimate, error) {
	// One transaction per batch regardless of entry count; batching is what
	// amortizes the flat fee.
	return CostEstimate{Currency: "ACCT", Amount: 100}, nil
}

// nextPayer rotates through the pool and hands out the payer's next sequence
// number.
func (a *AccountChainAdapter) nextPayer() (string, uint64) {
	a.mu.Lock()
	defer a.mu.Unlock()
	payer := a.feePayers[a.next%len(a.feePayers)]
	a.next++
	seq := a.sequences[payer]
	a.sequences[payer] = seq + 1
	return payer, seq
}

func (a *AccountChainAdapter) resyncSequence(payer string, chainSeq uint64) {
	a.mu.Lock()
	a.sequences[payer] = chainSeq
	a.mu.Unlock()
}

type accountSubmitRequest struct {
	TenantID string           `json:"tenant_id"`
	FeePayer string           `json:"fee_payer"`
	Sequence uint64           `json:"sequence"`
	Entries  []OperationEntry `json:"entries"`
}

type accountSubmitResponse struct {
	TxHash        string  `json:"tx_hash"`
	Code          string  `json:"code,omitempty"`
	Error         string  `json:"error,omitempty"`
	ChainSequence *uint64 `json:"chain_sequence,omitempty"`
}

func (a *AccountChainAdapter) Submit(ctx context.Context, op Operation) (JobHandle, error) {
	if len(a.feePayers) == 0 {
		return JobHandle{}, fmt.Errorf("no fee payers configured")
	}
	payer, seq := a.nextPayer()

	var out accountSubmitResponse
	err := a.post(ctx, "/v1/transactions", accountSubmitRequest{
		TenantID: op.TenantID,
		FeePayer: payer,
		Sequence: seq,
		Entries:  op.Entries,
	}, &out)
	if err != nil {
		return JobHandle{}, Transient("submit via %s: %v", payer, err)
	}
	switch out.Code {
	case "":
		return JobHandle{Adapter: a.Name(), Ref: out.TxHash}, nil
	case "sequence_mismatch":
		if out.ChainSequence != nil {
			a.resyncSequence(payer, *out.ChainSequence)
		}
		return JobHandle{}, Transient("sequence mismatch for payer %s", payer)
	case "fee_payer_underfunded":
		return JobHandle{}, Transient("fee payer %s underfunded", payer)
	default:
		return JobHandle{}, fmt.Errorf("submit rejected: %s: %s", out.Code, out.Error)
	}
}

type accountStatusResponse struct {
	Status string `json:"status"` // pending | committed | rejected
	TxHash string `json:"tx_hash"`
	Reason string `json:"reason,omitempty"`
}

func (a *AccountChainAdapter) PollStatus(ctx context.Context, handle JobHandle) (Status, error) {
	var out accountStatusResponse
	if err := a.get(ctx, "/v1/transactions/"+handle.Ref, &out); err != nil {
		return Status{}, Transient("poll %s: %v", handle.Ref, err)
	}
	switch out.Status {
	case "committed":
		return Status{State: StateConfirmed, Ref: out.TxHash}, nil
	case "rejected":
		return Status{State: StateFailed, Reason: out.Reason, Retryable: false}, nil
	default:
		return Status{State: StatePending, Ref: out.TxHash}, nil
	}
}

func (a *AccountChainAdapter) post(ctx context.Context, path string, in, out any) error {
	body, err := json.Marshal(in)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, a.baseURL+path, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+a.apiKey)
	return a.do(req, out)
}

func (a *AccountChainAdapter) get(ctx context.Context, path string, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, a.baseURL+path, nil)
	if err != nil {
		return err
	}
	req.Header.Set("Authorization", "Bearer "+a.apiKey)
	return a.do(req, out)
}

func (a *AccountChainAdapter) do(req *http.Request, out any) error {
	resp, err := a.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 500 {
		return fmt.Errorf("gateway returned %d", resp.StatusCode)
	}
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return err
	}
	return json.Unmarshal(data, out)
}
