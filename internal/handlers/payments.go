package handlers

import (
	"encoding/json"
	"errors"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/hanko-field/paypal-express/internal/domain"
	"github.com/hanko-field/paypal-express/internal/platform/httpx"
	"github.com/hanko-field/paypal-express/internal/services"
)

const maxPaymentRequestBody = 4 * 1024

// PaymentHandlers exposes operator payment operations under /internal.
type PaymentHandlers struct {
	payments services.PaymentService
}

// NewPaymentHandlers constructs the internal payment endpoints.
func NewPaymentHandlers(payments services.PaymentService) *PaymentHandlers {
	return &PaymentHandlers{payments: payments}
}

// Routes registers the endpoints relative to the /internal group.
func (h *PaymentHandlers) Routes(r chi.Router) {
	if r == nil {
		return
	}
	r.Get("/payments/{paymentId}", h.get)
	r.Post("/payments/{paymentId}:capture", h.capture)
	r.Post("/payments/{paymentId}:void", h.void)
	r.Post("/payments/{paymentId}:refund", h.refund)
}

type amountRequest struct {
	Amount   string `json:"amount"`
	Currency string `json:"currency"`
}

func (h *PaymentHandlers) get(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if !h.available(w, r) {
		return
	}
	payment, err := h.payments.Get(ctx, chi.URLParam(r, "paymentId"))
	if err != nil {
		writePaymentError(ctx, w, err)
		return
	}
	writeJSONResponse(w, http.StatusOK, newPaymentResponse(payment))
}

func (h *PaymentHandlers) capture(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if !h.available(w, r) {
		return
	}
	amount, ok := readAmount(w, r)
	if !ok {
		return
	}
	payment, err := h.payments.Capture(ctx, chi.URLParam(r, "paymentId"), amount)
	if err != nil {
		writePaymentError(ctx, w, err)
		return
	}
	writeJSONResponse(w, http.StatusOK, newPaymentResponse(payment))
}

func (h *PaymentHandlers) void(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if !h.available(w, r) {
		return
	}
	payment, err := h.payments.Void(ctx, chi.URLParam(r, "paymentId"))
	if err != nil {
		writePaymentError(ctx, w, err)
		return
	}
	writeJSONResponse(w, http.StatusOK, newPaymentResponse(payment))
}

func (h *PaymentHandlers) refund(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if !h.available(w, r) {
		return
	}
	amount, ok := readAmount(w, r)
	if !ok {
		return
	}
	payment, err := h.payments.Refund(ctx, chi.URLParam(r, "paymentId"), amount)
	if err != nil {
		writePaymentError(ctx, w, err)
		return
	}
	writeJSONResponse(w, http.StatusOK, newPaymentResponse(payment))
}

func (h *PaymentHandlers) available(w http.ResponseWriter, r *http.Request) bool {
	if h.payments == nil {
		httpx.WriteError(r.Context(), w, httpx.NewError("payments_unavailable", "payment service unavailable", http.StatusServiceUnavailable))
		return false
	}
	return true
}

// readAmount parses the optional {"amount","currency"} body. An empty body or an
// empty amount yields nil, meaning the operation default.
func readAmount(w http.ResponseWriter, r *http.Request) (*domain.Money, bool) {
	ctx := r.Context()
	body, err := httpx.ReadLimitedBody(r, maxPaymentRequestBody)
	if err != nil {
		status := http.StatusBadRequest
		if errors.Is(err, httpx.ErrBodyTooLarge) {
			status = http.StatusRequestEntityTooLarge
		}
		httpx.WriteError(ctx, w, httpx.NewError("invalid_request", err.Error(), status))
		return nil, false
	}
	if len(strings.TrimSpace(string(body))) == 0 {
		return nil, true
	}
	var req amountRequest
	if err := json.Unmarshal(body, &req); err != nil {
		httpx.WriteError(ctx, w, httpx.NewError("invalid_request", "request body must be valid JSON", http.StatusBadRequest))
		return nil, false
	}
	if strings.TrimSpace(req.Amount) == "" {
		return nil, true
	}
	amount, err := domain.ParseMoney(req.Amount, req.Currency)
	if err != nil {
		httpx.WriteError(ctx, w, httpx.NewError("invalid_amount", err.Error(), http.StatusBadRequest))
		return nil, false
	}
	return &amount, true
}
