package http

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"perka/internal/model"
	"perka/internal/service"
)

// fakeService scripts the service layer so handler tests exercise only
// decoding, routing, and error mapping.
type fakeService struct {
	submitResult *service.SubmitResult
	submitErr    error
	balance      int64
	balanceErr   error
	history      []model.LedgerEntry
	job          *model.SettlementJob
	jobErr       error
	reversed     *model.LedgerEntry
	reverseErr   error
	rule         *model.PolicyRule
	ruleErr      error
}

func (f *fakeService) Submit(ctx context.Context, ev *model.EconomicEvent) (*service.SubmitResult, error) {
	return f.submitResult, f.submitErr
}

func (f *fakeService) Reverse(ctx context.Context, tenantID, entryID, reason string) (*model.LedgerEntry, error) {
	return f.reversed, f.reverseErr
}

func (f *fakeService) GetBalance(ctx context.Context, tenantID, customerID string) (int64, error) {
	return f.balance, f.balanceErr
}

func (f *fakeService) GetHistory(ctx context.Context, tenantID, customerID string, from, to time.Time, limit int) ([]model.LedgerEntry, error) {
	return f.history, nil
}

func (f *fakeService) GetSettlementStatus(ctx context.Context, tenantID, entryID string) (*model.SettlementJob, error) {
	return f.job, f.jobErr
}

func (f *fakeService) RecomputeBalance(ctx context.Context, tenantID, customerID string) (int64, error) {
	return f.balance, f.balanceErr
}

func (f *fakeService) PublishRule(ctx context.Context, rule model.PolicyRule) (*model.PolicyRule, error) {
	return f.rule, f.ruleErr
}

func (f *fakeService) ListRules(ctx context.Context, tenantID string) ([]model.PolicyRule, error) {
	return nil, nil
}

func newTestMux(svc service.LedgerService) *http.ServeMux {
	mux := http.NewServeMux()
	NewHandler(svc).Register(mux)
	return mux
}

func postJSON(t *testing.T, mux *http.ServeMux, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	data, err := json.Marshal(body)
	if err != nil {
		t.Fatal(err)
	}
	req := httptest.NewRequest(http.MethodPost, path, bytes.NewReader(data))
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, req)
	return rec
}

func get(mux *http.ServeMux, path string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodGet, path, nil)
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, req)
	return rec
}

func TestSubmitEvent_Created(t *testing.T) {
	svc := &fakeService{submitResult: &service.SubmitResult{
		Entry: model.LedgerEntry{EntryID: "e1", Amount: 10},
	}}
	mux := newTestMux(svc)

	rec := postJSON(t, mux, "/events", model.EconomicEvent{
		IdempotencyKey: "e1", TenantID: "acme", CustomerID: "c1", Kind: model.EventEarn,
	})
	if rec.Code != http.StatusCreated {
		t.Fatalf("status = %d, want 201", rec.Code)
	}

	var res service.SubmitResult
	if err := json.Unmarshal(rec.Body.Bytes(), &res); err != nil {
		t.Fatal(err)
	}
	if res.Entry.EntryID != "e1" {
		t.Fatalf("entry = %+v", res.Entry)
	}
}

func TestSubmitEvent_DuplicateIsOK(t *testing.T) {
	svc := &fakeService{submitResult: &service.SubmitResult{
		Entry:     model.LedgerEntry{EntryID: "e1"},
		Duplicate: true,
	}}
	rec := postJSON(t, newTestMux(svc), "/events", model.EconomicEvent{IdempotencyKey: "e1"})
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200 for duplicate", rec.Code)
	}
}

func TestSubmitEvent_InvalidJSON(t *testing.T) {
	mux := newTestMux(&fakeService{})
	req := httptest.NewRequest(http.MethodPost, "/events", bytes.NewReader([]byte("{not json")))
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, req)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", rec.Code)
	}
}

func TestSubmitEvent_ErrorMapping(t *testing.T) {
	cases := []struct {
		err  error
		want int
	}{
		{model.ErrValidation, http.StatusBadRequest},
		{model.ErrConflictingRetry, http.StatusConflict},
		{model.ErrInsufficientBalance, http.StatusUnprocessableEntity},
		{model.ErrFraudBlocked, http.StatusForbidden},
		{model.ErrStaleRuleVersion, http.StatusConflict},
		{model.ErrTenantSuspended, http.StatusForbidden},
		{model.ErrTenantNotFound, http.StatusNotFound},
	}
	for _, tc := range cases {
		svc := &fakeService{submitErr: tc.err}
		rec := postJSON(t, newTestMux(svc), "/events", model.EconomicEvent{IdempotencyKey: "e1"})
		if rec.Code != tc.want {
			t.Errorf("%v: status = %d, want %d", tc.err, rec.Code, tc.want)
		}
	}
}

func TestGetBalance(t *testing.T) {
	svc := &fakeService{balance: 42}
	rec := get(newTestMux(svc), "/balance?tenant_id=acme&customer_id=c1")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	var body struct {
		Balance int64 `json:"balance"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatal(err)
	}
	if body.Balance != 42 {
		t.Fatalf("balance = %d, want 42", body.Balance)
	}
}

func TestGetBalance_MissingParams(t *testing.T) {
	rec := get(newTestMux(&fakeService{}), "/balance?tenant_id=acme")
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", rec.Code)
	}
}

func TestGetHistory_BadTimeRange(t *testing.T) {
	rec := get(newTestMux(&fakeService{}), "/history?tenant_id=acme&customer_id=c1&from=yesterday")
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", rec.Code)
	}
}

func TestGetSettlementStatus(t *testing.T) {
	svc := &fakeService{job: &model.SettlementJob{JobID: "j1", Status: model.JobConfirmed}}
	rec := get(newTestMux(svc), "/settlements/e1?tenant_id=acme")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	var job model.SettlementJob
	if err := json.Unmarshal(rec.Body.Bytes(), &job); err != nil {
		t.Fatal(err)
	}
	if job.JobID != "j1" {
		t.Fatalf("job = %+v", job)
	}
}

func TestGetSettlementStatus_NotFound(t *testing.T) {
	svc := &fakeService{jobErr: model.ErrEntryNotFound}
	rec := get(newTestMux(svc), "/settlements/missing?tenant_id=acme")
	if rec.Code != http.StatusNotFound {
		t.Fatalf("status = %d, want 404", rec.Code)
	}
}

func TestReverseEntry(t *testing.T) {
	svc := &fakeService{reversed: &model.LedgerEntry{EntryID: "revoke-e1", Amount: -10}}
	rec := postJSON(t, newTestMux(svc), "/entries/e1/reverse", map[string]string{
		"tenant_id": "acme", "reason": "support refund",
	})
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
}

func TestPublishRule(t *testing.T) {
	svc := &fakeService{rule: &model.PolicyRule{RuleID: "promo", Version: 1}}
	rec := postJSON(t, newTestMux(svc), "/rules", model.PolicyRule{TenantID: "acme", RuleID: "promo"})
	if rec.Code != http.StatusCreated {
		t.Fatalf("status = %d, want 201", rec.Code)
	}
}
