package http

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"perka/internal/model"
	"perka/internal/service"
)

type Handler struct {
	svc service.LedgerService
}

func NewHandler(svc service.LedgerService) *Handler {
	return &Handler{svc: svc}
}

func (h *Handler) Register(mux *http.ServeMux) {
	mux.HandleFunc("GET /health", h.Health)
	mux.HandleFunc("POST /events", h.SubmitEvent)
	mux.HandleFunc("GET /balance", h.GetBalance)
	mux.HandleFunc("POST /balance/recompute", h.RecomputeBalance)
	mux.HandleFunc("GET /history", h.GetHistory)
	mux.HandleFunc("GET /settlements/{entry_id}", h.GetSettlementStatus)
	mux.HandleFunc("POST /entries/{entry_id}/reverse", h.ReverseEntry)
	mux.HandleFunc("POST /rules", h.PublishRule)
	mux.HandleFunc("GET /rules", h.ListRules)
}

func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("OK"))
}

func (h *Handler) SubmitEvent(w http.ResponseWriter, r *http.Request) {
	var ev model.EconomicEvent
	if err := json.NewDecoder(r.Body).Decode(&ev); err != nil {
		h.respondError(w, http.StatusBadRequest, "invalid_json")
		return
	}
	res, err := h.svc.Submit(r.Context(), &ev)
	if err != nil {
		h.respondServiceError(w, err)
		return
	}
	status := http.StatusCreated
	if res.Duplicate {
		status = http.StatusOK
	}
	h.respondJSON(w, status, res)
}

func (h *Handler) GetBalance(w http.ResponseWriter, r *http.Request) {
	tenantID := r.URL.Query().Get("tenant_id")
	customerID := r.URL.Query().Get("customer_id")
	if tenantID == "" || customerID == "" {
		h.respondError(w, http.StatusBadRequest, "missing_params")
		return
	}
	bal, err := h.svc.GetBalance(r.Context(), tenantID, customerID)
	if err != nil {
		h.respondServiceError(w, err)
		return
	}
	h.respondJSON(w, http.StatusOK, map[string]any{
		"tenant_id":   tenantID,
		"customer_id": customerID,
		"balance":     bal,
	})
}

func (h *Handler) RecomputeBalance(w http.ResponseWriter, r *http.Request) {
	var req struct {
		TenantID   string `json:"tenant_id"`
		CustomerID string `json:"customer_id"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.respondError(w, http.StatusBadRequest, "invalid_json")
		return
	}
	if req.TenantID == "" || req.CustomerID == "" {
		h.respondError(w, http.StatusBadRequest, "missing_params")
		return
	}
	bal, err := h.svc.RecomputeBalance(r.Context(), req.TenantID, req.CustomerID)
	if err != nil {
		h.respondServiceError(w, err)
		return
	}
	h.respondJSON(w, http.StatusOK, map[string]any{"balance": bal})
}

func (h *Handler) GetHistory(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	tenantID := q.Get("tenant_id")
	customerID := q.Get("customer_id")
	if tenantID == "" || customerID == "" {
		h.respondError(w, http.StatusBadRequest, "missing_params")
		return
	}
	var from, to time.Time
	if v := q.Get("from"); v != "" {
		parsed, err := time.Parse(time.RFC3339, v)
		if err != nil {
			h.respondError(w, http.StatusBadRequest, "invalid_from")
			return
		}
		from = parsed
	}
	if v := q.Get("to"); v != "" {
		parsed, err := time.Parse(time.RFC3339, v)
		if err != nil {
			h.respondError(w, http.StatusBadRequest, "invalid_to")
			return
		}
		to = parsed
	}
	limit := 100
	if v := q.Get("limit"); v != "" {
		parsed, err := strconv.Atoi(v)
		if err != nil || parsed < 1 {
			h.respondError(w, http.StatusBadRequest, "invalid_limit")
			return
		}
		limit = parsed
	}
	entries, err := h.svc.GetHistory(r.Context(), tenantID, customerID, from, to, limit)
	if err != nil {
		h.respondServiceError(w, err)
		return
	}
	h.respondJSON(w, http.StatusOK, map[string]any{"entries": entries})
}

func (h *Handler) GetSettlementStatus(w http.ResponseWriter, r *http.Request) {
	tenantID := r.URL.Query().Get("tenant_id")
	entryID := r.PathValue("entry_id")
	if tenantID == "" || entryID == "" {
		h.respondError(w, http.StatusBadRequest, "missing_params")
		return
	}
	job, err := h.svc.GetSettlementStatus(r.Context(), tenantID, entryID)
	if err != nil {
		h.respondServiceError(w, err)
		return
	}
	h.respondJSON(w, http.StatusOK, job)
}

func (h *Handler) ReverseEntry(w http.ResponseWriter, r *http.Request) {
	entryID := r.PathValue("entry_id")
	var req struct {
		TenantID string `json:"tenant_id"`
		Reason   string `json:"reason"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.respondError(w, http.StatusBadRequest, "invalid_json")
		return
	}
	if req.TenantID == "" {
		h.respondError(w, http.StatusBadRequest, "missing_params")
		return
	}
	entry, err := h.svc.Reverse(r.Context(), req.TenantID, entryID, req.Reason)
	if err != nil {
		h.respondServiceError(w, err)
		return
	}
	h.respondJSON(w, http.StatusOK, entry)
}

func (h *Handler) PublishRule(w http.ResponseWriter, r *http.Request) {
	var rule model.PolicyRule
	if err := json.NewDecoder(r.Body).Decode(&rule); err != nil {
		h.respondError(w, http.StatusBadRequest, "invalid_json")
		return
	}
	published, err := h.svc.PublishRule(r.Context(), rule)
	if err != nil {
		h.respondServiceError(w, err)
		return
	}
	h.respondJSON(w, http.StatusCreated, published)
}

func (h *Handler) ListRules(w http.ResponseWriter, r *http.Request) {
	tenantID := r.URL.Query().Get("tenant_id")
	if tenantID == "" {
		h.respondError(w, http.StatusBadRequest, "missing_params")
		return
	}
	rules, err := h.svc.ListRules(r.Context(), tenantID)
	if err != nil {
		h.respondServiceError(w, err)
		return
	}
	h.respondJSON(w, http.StatusOK, map[string]any{"rules": rules})
}

// respondServiceError maps the sentinel errors of the ledger onto HTTP status
// codes. Unknown errors stay opaque to the caller.
func (h *Handler) respondServiceError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, model.ErrValidation):
		h.respondError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, model.ErrConflictingRetry):
		h.respondError(w, http.StatusConflict, "idempotency_key_reused_with_different_payload")
	case errors.Is(err, model.ErrInsufficientBalance):
		h.respondError(w, http.StatusUnprocessableEntity, "insufficient_balance")
	case errors.Is(err, model.ErrFraudBlocked):
		h.respondError(w, http.StatusForbidden, "rejected")
	case errors.Is(err, model.ErrStaleRuleVersion):
		h.respondError(w, http.StatusConflict, "rule_set_changed")
	case errors.Is(err, model.ErrTenantSuspended):
		h.respondError(w, http.StatusForbidden, "tenant_suspended")
	case errors.Is(err, model.ErrTenantNotFound), errors.Is(err, model.ErrEntryNotFound):
		h.respondError(w, http.StatusNotFound, "not_found")
	default:
		h.respondError(w, http.StatusInternalServerError, "internal_error")
	}
}

func (h *Handler) respondJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if data != nil {
		_ = json.NewEncoder(w).Encode(data)
	}
}

func (h *Handler) respondError(w http.ResponseWriter, status int, message string) {
	h.respondJSON(w, status, map[string]string{"error": message})
}
