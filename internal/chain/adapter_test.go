package chain

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"
)

func testOp(n int) Operation {
	op := Operation{TenantID: "t1"}
	for i := 0; i < n; i++ {
		op.Entries = append(op.Entries, OperationEntry{
			EntryID:    "e" + string(rune('0'+i)),
			CustomerID: "c1",
			Amount:     10,
		})
	}
	return op
}

func TestObjectChain_SubmitAndPoll(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch {
		case r.Method == http.MethodPost && r.URL.Path == "/v1/sponsor/execute":
			json.NewEncoder(w).Encode(map[string]string{"digest": "0xabc"})
		case r.Method == http.MethodGet && r.URL.Path == "/v1/objects/tx/0xabc":
			json.NewEncoder(w).Encode(map[string]string{"status": "finalized", "digest": "0xabc"})
		default:
			w.WriteHeader(http.StatusNotFound)
		}
	}))
	defer srv.Close()

	a := NewObjectChainAdapter(srv.URL, "key", 1000, time.Second)
	handle, err := a.Submit(context.Background(), testOp(2))
	if err != nil {
		t.Fatal(err)
	}
	if handle.Ref != "0xabc" {
		t.Fatalf("ref = %s", handle.Ref)
	}

	status, err := a.PollStatus(context.Background(), handle)
	if err != nil {
		t.Fatal(err)
	}
	if status.State != StateConfirmed {
		t.Fatalf("state = %s, want confirmed", status.State)
	}
}

func TestObjectChain_SponsorBudgetExhaustionIsTransient(t *testing.T) {
	// Budget covers one entry at 25 OBJ; a two-entry batch must not submit.
	a := NewObjectChainAdapter("http://unreachable.invalid", "key", 25, time.Second)
	_, err := a.Submit(context.Background(), testOp(2))
	if err == nil {
		t.Fatal("expected budget error")
	}
	if !IsRetryable(err) {
		t.Fatalf("budget exhaustion must be retryable, got %v", err)
	}

	a.TopUpSponsor(100)
	_, err = a.Submit(context.Background(), testOp(2))
	// The unreachable host now fails at the network layer, which is still transient.
	if err == nil || !IsRetryable(err) {
		t.Fatalf("network failure must be retryable, got %v", err)
	}
}

func TestObjectChain_TerminalRejection(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]string{"code": "invalid_operation", "error": "negative mint"})
	}))
	defer srv.Close()

	a := NewObjectChainAdapter(srv.URL, "key", 1000, time.Second)
	_, err := a.Submit(context.Background(), testOp(1))
	if err == nil || IsRetryable(err) {
		t.Fatalf("invalid operation must be terminal, got %v", err)
	}
}

func TestAccountChain_RotatesFeePayers(t *testing.T) {
	var seenPayers []string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req accountSubmitRequest
		json.NewDecoder(r.Body).Decode(&req)
		seenPayers = append(seenPayers, req.FeePayer)
		json.NewEncoder(w).Encode(map[string]string{"tx_hash": "h" + req.FeePayer})
	}))
	defer srv.Close()

	a := NewAccountChainAdapter(srv.URL, "key", []string{"p1", "p2"}, time.Second)
	for i := 0; i < 4; i++ {
		if _, err := a.Submit(context.Background(), testOp(1)); err != nil {
			t.Fatal(err)
		}
	}
	want := []string{"p1", "p2", "p1", "p2"}
	for i := range want {
		if seenPayers[i] != want[i] {
			t.Fatalf("payer rotation = %v, want %v", seenPayers, want)
		}
	}
}

func TestAccountChain_SequenceMismatchResyncs(t *testing.T) {
	calls := 0
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req accountSubmitRequest
		json.NewDecoder(r.Body).Decode(&req)
		calls++
		if calls == 1 {
			chainSeq := uint64(7)
			json.NewEncoder(w).Encode(accountSubmitResponse{Code: "sequence_mismatch", ChainSequence: &chainSeq})
			return
		}
		if req.Sequence != 7 {
			t.Errorf("sequence after resync = %d, want 7", req.Sequence)
		}
		json.NewEncoder(w).Encode(map[string]string{"tx_hash": "h2"})
	}))
	defer srv.Close()

	a := NewAccountChainAdapter(srv.URL, "key", []string{"p1"}, time.Second)
	_, err := a.Submit(context.Background(), testOp(1))
	if err == nil || !IsRetryable(err) {
		t.Fatalf("sequence mismatch must be transient, got %v", err)
	}
	if _, err := a.Submit(context.Background(), testOp(1)); err != nil {
		t.Fatal(err)
	}
}

func TestEVMRelay_PartialBatchAttribution(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch {
		case r.Method == http.MethodPost:
			json.NewEncoder(w).Encode(map[string]string{"batch_id": "b1"})
		default:
			json.NewEncoder(w).Encode(relayBatchStatusResponse{
				BatchID: "b1",
				Txs: []relayTxStatus{
					{EntryID: "e0", Status: "mined", TxHash: "0x1"},
					{EntryID: "e1", Status: "reverted", Reason: "out of gas"},
				},
			})
		}
	}))
	defer srv.Close()

	a := NewEVMRelayAdapter(srv.URL, "key", "0xforwarder", time.Second)
	if !a.SupportsPartialBatch() {
		t.Fatal("evmrelay must support partial batches")
	}
	handle, err := a.Submit(context.Background(), testOp(2))
	if err != nil {
		t.Fatal(err)
	}
	status, err := a.PollStatus(context.Background(), handle)
	if err != nil {
		t.Fatal(err)
	}
	if status.State != StateFailed || !status.Retryable {
		t.Fatalf("status = %+v, want retryable failure", status)
	}
	if len(status.ConfirmedEntries) != 1 || status.ConfirmedEntries[0] != "e0" {
		t.Fatalf("confirmed = %v", status.ConfirmedEntries)
	}
	if len(status.FailedEntries) != 1 || status.FailedEntries[0] != "e1" {
		t.Fatalf("failed = %v", status.FailedEntries)
	}
}

func TestEVMRelay_PendingWhileAnyTxPending(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(relayBatchStatusResponse{
			BatchID: "b1",
			Txs: []relayTxStatus{
				{EntryID: "e0", Status: "mined"},
				{EntryID: "e1", Status: "pending"},
			},
		})
	}))
	defer srv.Close()

	a := NewEVMRelayAdapter(srv.URL, "key", "0xf", time.Second)
	status, err := a.PollStatus(context.Background(), JobHandle{Adapter: "evmrelay", Ref: "b1"})
	if err != nil {
		t.Fatal(err)
	}
	if status.State != StatePending {
		t.Fatalf("state = %s, want pending", status.State)
	}
}

func TestEVMRelay_EmptyReportIsPending(t *testing.T) {
	// The relayer acknowledges a batch before attempting any meta-tx;
	// a report with no per-tx entries must never read as confirmed.
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(relayBatchStatusResponse{BatchID: "b1"})
	}))
	defer srv.Close()

	a := NewEVMRelayAdapter(srv.URL, "key", "0xf", time.Second)
	status, err := a.PollStatus(context.Background(), JobHandle{Adapter: "evmrelay", Ref: "b1"})
	if err != nil {
		t.Fatal(err)
	}
	if status.State != StatePending {
		t.Fatalf("state = %s, want pending", status.State)
	}
	if len(status.ConfirmedEntries) != 0 {
		t.Fatalf("confirmed = %v, want none", status.ConfirmedEntries)
	}
}
