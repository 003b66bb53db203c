package handlers

import (
	"encoding/json"
	"io"
	"log"
	"net/http"
	"strconv"

	"github.com/cardrewards/ledger/internal/models"
	"github.com/cardrewards/ledger/internal/services"
	"github.com/go-chi/chi/v5"
)

type LedgerHandler struct {
	service   *services.LedgerService
	validator *services.ValidationHelper
}

func NewLedgerHandler(service *services.LedgerService) *LedgerHandler {
	return &LedgerHandler{
		service:   service,
		validator: services.NewValidationHelper(),
	}
}

// decodeJSON reads exactly one JSON object into dst and validates it.
// It writes the error response itself and reports whether decoding succeeded.
func (h *LedgerHandler) decodeJSON(w http.ResponseWriter, r *http.Request, dst any) bool {
	r.Body = http.MaxBytesReader(w, r.Body, 1_048_576)
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()

	if err := dec.Decode(dst); err != nil {
		log.Printf("[HTTP] %s %s - decode error: %v", r.Method, r.URL.Path, err)
		services.SendErrorResponse(w, services.KindValidation, "Invalid request body", http.StatusBadRequest, nil)
		return false
	}

	if err := dec.Decode(&struct{}{}); err != io.EOF {
		services.SendErrorResponse(w, services.KindValidation, "Request body must only contain a single JSON object", http.StatusBadRequest, nil)
		return false
	}

	if err := h.validator.ValidateStruct(dst); err != nil {
		services.SendErrorResponse(w, services.KindValidation, "Validation failed", http.StatusBadRequest, err)
		return false
	}
	return true
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(payload)
}

// Pay charges an account and awards loyalty points
// @Summary Pay
// @Tags Transactions
// @Accept json
// @Produce json
// @Param request body models.PayRequest true "Payment request"
// @Success 200 {object} models.PayResult
// @Failure 400 {object} services.ErrorResponse
// @Failure 409 {object} services.ErrorResponse
// @Failure 429 {object} services.ErrorResponse
// @Router /transactions/pay [post]
func (h *LedgerHandler) Pay(w http.ResponseWriter, r *http.Request) {
	var req models.PayRequest
	if !h.decodeJSON(w, r, &req) {
		return
	}

	result, err := h.service.Pay(r.Context(), req)
	if err != nil {
		services.SendLedgerError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

// Void reverses a pending or paid entry
// @Summary Void
// @Tags Transactions
// @Accept json
// @Produce json
// @Param request body models.EntryActionRequest true "Void request"
// @Success 200 {object} models.VoidResult
// @Failure 403 {object} services.ErrorResponse
// @Failure 404 {object} services.ErrorResponse
// @Failure 409 {object} services.ErrorResponse
// @Router /transactions/void [post]
func (h *LedgerHandler) Void(w http.ResponseWriter, r *http.Request) {
	var req models.EntryActionRequest
	if !h.decodeJSON(w, r, &req) {
		return
	}

	result, err := h.service.Void(r.Context(), req)
	if err != nil {
		services.SendLedgerError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

// Refund claws back a paid entry
// @Summary Refund
// @Tags Transactions
// @Accept json
// @Produce json
// @Param request body models.EntryActionRequest true "Refund request"
// @Success 200 {object} models.RefundResult
// @Failure 403 {object} services.ErrorResponse
// @Failure 404 {object} services.ErrorResponse
// @Failure 409 {object} services.ErrorResponse
// @Router /transactions/refund [post]
func (h *LedgerHandler) Refund(w http.ResponseWriter, r *http.Request) {
	var req models.EntryActionRequest
	if !h.decodeJSON(w, r, &req) {
		return
	}

	result, err := h.service.Refund(r.Context(), req)
	if err != nil {
		services.SendLedgerError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

func accountIDParam(w http.ResponseWriter, r *http.Request) (int64, bool) {
	id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil || id <= 0 {
		services.SendErrorResponse(w, services.KindValidation, "Invalid account id", http.StatusBadRequest, nil)
		return 0, false
	}
	return id, true
}

// @Router /accounts/{id} [get]
func (h *LedgerHandler) GetAccount(w http.ResponseWriter, r *http.Request) {
	id, ok := accountIDParam(w, r)
	if !ok {
		return
	}

	account, err := h.service.GetAccount(r.Context(), id)
	if err != nil {
		services.SendLedgerError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, account)
}

// @Router /accounts/{id}/entries [get]
func (h *LedgerHandler) ListEntries(w http.ResponseWriter, r *http.Request) {
	id, ok := accountIDParam(w, r)
	if !ok {
		return
	}

	limit := 0
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 0 {
			services.SendErrorResponse(w, services.KindValidation, "Invalid limit", http.StatusBadRequest, nil)
			return
		}
		limit = n
	}

	entries, err := h.service.ListEntries(r.Context(), id, limit)
	if err != nil {
		services.SendLedgerError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"account_id": id,
		"entries":    entries,
	})
}

// @Router /accounts/{id}/reconcile [get]
func (h *LedgerHandler) Reconcile(w http.ResponseWriter, r *http.Request) {
	id, ok := accountIDParam(w, r)
	if !ok {
		return
	}

	report, err := h.service.Reconcile(r.Context(), id)
	if err != nil {
		services.SendLedgerError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, report)
}

func (h *LedgerHandler) Health(w http.ResponseWriter, r *http.Request) {
	if err := h.service.Ping(r.Context()); err != nil {
		log.Printf("[HTTP] health check failed: %v", err)
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "unavailable"})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "healthy"})
}
