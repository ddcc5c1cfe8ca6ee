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

// ObjectChainAdapter settles against an object-centric chain where a sponsor
// account pays execution fees for every object mutation. The adapter keeps
// its own sponsor-budget bookkeeping: submissions reserve from a local budget
// that the gateway's sponsor top-ups replenish, and a drained budget is a
// transient condition, not a terminal one.
type ObjectChainAdapter struct {
	baseURL    string
	apiKey     string
	httpClient *http.Client

	perObjectFee int64

	mu            sync.Mutex
	sponsorBudget int64
}

func NewObjectChainAdapter(baseURL, apiKey string, sponsorBudget int64, timeout time.Duration) *ObjectChainAdapter {
	return &ObjectChainAdapter{
		baseURL:       baseURL,
		apiKey:        apiKey,
		httpClient:    newHTTPClient(timeout),
		perObjectFee:  25,
		sponsorBudget: sponsorBudget,
	}
}

func (a *ObjectChainAdapter) Name() string               { return "objectchain" }
func (a *ObjectChainAdapter) SupportsPartialBatch() bool { return false }

func (a *ObjectChainAdapter) EstimateCost(ctx context.Context, op Operation) (CostEstimate, error) {
	return CostEstimate{
		Currency: "OBJ",
		Amount:   a.perObjectFee * int64(len(op.Entries)),
	}, nil
}

// reserve takes the operation's fee from the local sponsor budget, refunded
// on terminal failure by release.
func (a *ObjectChainAdapter) reserve(cost int64) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.sponsorBudget < cost {
		return Transient("sponsor budget %d below required %d", a.sponsorBudget, cost)
	}
	a.sponsorBudget -= cost
	return nil
}

func (a *ObjectChainAdapter) release(cost int64) {
	a.mu.Lock()
	a.sponsorBudget += cost
	a.mu.Unlock()
}

// TopUpSponsor credits the local budget; called when the sponsor account is
// refilled out of band.
func (a *ObjectChainAdapter) TopUpSponsor(amount int64) {
	a.release(amount)
}

type objectExecuteRequest struct {
	TenantID string           `json:"tenant_id"`
	Entries  []OperationEntry `json:"entries"`
}

type objectExecuteResponse struct {
	Digest string `json:"digest"`
	Code   string `json:"code,omitempty"`
	Error  string `json:"error,omitempty"`
}

func (a *ObjectChainAdapter) Submit(ctx context.Context, op Operation) (JobHandle, error) {
	estimate, _ := a.EstimateCost(ctx, op)
	if err := a.reserve(estimate.Amount); err != nil {
		return JobHandle{}, err
	}

	var out objectExecuteResponse
	err := a.post(ctx, "/v1/sponsor/execute", objectExecuteRequest{
		TenantID: op.TenantID,
		Entries:  op.Entries,
	}, &out)
	if err != nil {
		// Network faults may still have landed the transaction; keep the
		// reservation and let reconciliation settle the question.
		return JobHandle{}, Transient("sponsor execute: %v", err)
	}
	if out.Code != "" {
		if out.Code == "sponsor_busy" || out.Code == "sequencer_overloaded" {
			a.release(estimate.Amount)
			return JobHandle{}, Transient("sponsor execute rejected: %s", out.Code)
		}
		a.release(estimate.Amount)
		return JobHandle{}, fmt.Errorf("sponsor execute rejected: %s: %s", out.Code, out.Error)
	}
	return JobHandle{Adapter: a.Name(), Ref: out.Digest}, nil
}

type objectStatusResponse struct {
	Status string `json:"status"` // executing | finalized | aborted
	Digest string `json:"digest"`
	Abort  string `json:"abort_reason,omitempty"`
}

func (a *ObjectChainAdapter) PollStatus(ctx context.Context, handle JobHandle) (Status, error) {
	var out objectStatusResponse
	if err := a.get(ctx, "/v1/objects/tx/"+handle.Ref, &out); err != nil {
		return Status{}, Transient("poll %s: %v", handle.Ref, err)
	}
	switch out.Status {
	case "finalized":
		return Status{State: StateConfirmed, Ref: out.Digest}, nil
	case "aborted":
		return Status{State: StateFailed, Reason: out.Abort, Retryable: false}, nil
	default:
		return Status{State: StatePending, Ref: out.Digest}, nil
	}
}

func (a *ObjectChainAdapter) post(ctx context.Context, path string, in, out any) error {
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

func (a *ObjectChainAdapter) get(ctx context.Context, path string, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, a.baseURL+path, nil)
	if err != nil {
		return err
	}
	req.Header.Set("Authorization", "Bearer "+a.apiKey)
	return a.do(req, out)
}

func (a *ObjectChainAdapter) do(req *http.Request, out any) error {
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
