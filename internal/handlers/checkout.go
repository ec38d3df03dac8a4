package handlers

import (
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/hanko-field/paypal-express/internal/domain"
	"github.com/hanko-field/paypal-express/internal/platform/httpx"
	"github.com/hanko-field/paypal-express/internal/services"
)

// CheckoutHandlers serves the buyer redirect endpoints of the PayPal flow.
type CheckoutHandlers struct {
	checkout services.ExpressCheckoutService
	baseURL  string
}

// NewCheckoutHandlers constructs handlers. baseURL is the public origin PayPal sends the buyer back to.
func NewCheckoutHandlers(checkout services.ExpressCheckoutService, baseURL string) *CheckoutHandlers {
	return &CheckoutHandlers{
		checkout: checkout,
		baseURL:  strings.TrimRight(strings.TrimSpace(baseURL), "/"),
	}
}

// Routes registers the endpoints relative to the /checkout group.
func (h *CheckoutHandlers) Routes(r chi.Router) {
	if r == nil {
		return
	}
	r.Get("/orders/{orderId}/paypal", h.initiate)
	r.Get("/orders/{orderId}/paypal/return", h.complete)
	r.Get("/orders/{orderId}/paypal/cancel", h.cancel)
}

type paymentResponse struct {
	ID             string   `json:"id"`
	OrderID        string   `json:"orderId"`
	Gateway        string   `json:"gateway"`
	Test           bool     `json:"test"`
	State          string   `json:"state"`
	Amount         string   `json:"amount"`
	RefundedAmount string   `json:"refundedAmount"`
	Currency       string   `json:"currency"`
	RemoteID       string   `json:"remoteId,omitempty"`
	RemoteState    string   `json:"remoteState,omitempty"`
	RefundIDs      []string `json:"refundIds,omitempty"`
	AuthorizedAt   string   `json:"authorizedAt,omitempty"`
	CapturedAt     string   `json:"capturedAt,omitempty"`
	CreatedAt      string   `json:"createdAt"`
	UpdatedAt      string   `json:"updatedAt"`
}

func newPaymentResponse(p domain.Payment) paymentResponse {
	resp := paymentResponse{
		ID:             p.ID,
		OrderID:        p.OrderID,
		Gateway:        p.Gateway,
		Test:           p.Test,
		State:          string(p.State),
		Amount:         p.Amount.Format(),
		RefundedAmount: p.RefundedAmount.Format(),
		Currency:       p.Amount.Currency,
		RemoteID:       p.RemoteID,
		RemoteState:    p.RemoteState,
		RefundIDs:      p.RefundIDs,
		CreatedAt:      formatTime(p.CreatedAt),
		UpdatedAt:      formatTime(p.UpdatedAt),
	}
	if p.AuthorizedAt != nil {
		resp.AuthorizedAt = formatTime(*p.AuthorizedAt)
	}
	if p.CapturedAt != nil {
		resp.CapturedAt = formatTime(*p.CapturedAt)
	}
	return resp
}

func formatTime(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.UTC().Format(time.RFC3339Nano)
}

func (h *CheckoutHandlers) initiate(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if h.checkout == nil {
		httpx.WriteError(ctx, w, httpx.NewError("checkout_unavailable", "checkout service unavailable", http.StatusServiceUnavailable))
		return
	}
	orderID := strings.TrimSpace(chi.URLParam(r, "orderId"))

	cmd := services.InitiateExpressCheckoutCommand{
		OrderID:   orderID,
		ReturnURL: h.flowURL(orderID, "return"),
		CancelURL: h.flowURL(orderID, "cancel"),
	}
	if raw := strings.TrimSpace(r.URL.Query().Get("capture")); raw != "" {
		capture, err := strconv.ParseBool(raw)
		if err != nil {
			httpx.WriteError(ctx, w, httpx.NewError("invalid_request", "capture must be true or false", http.StatusBadRequest))
			return
		}
		cmd.Capture = &capture
	}

	redirect, err := h.checkout.Initiate(ctx, cmd)
	if err != nil {
		writePaymentError(ctx, w, err)
		return
	}
	if redirect.Empty() {
		httpx.WriteError(ctx, w, httpx.NewError("paypal_checkout_unavailable", "paypal did not open a checkout session", http.StatusBadGateway))
		return
	}
	http.Redirect(w, r, redirect.RedirectURL, http.StatusFound)
}

func (h *CheckoutHandlers) complete(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if h.checkout == nil {
		httpx.WriteError(ctx, w, httpx.NewError("checkout_unavailable", "checkout service unavailable", http.StatusServiceUnavailable))
		return
	}
	payment, err := h.checkout.Return(ctx, services.ReturnExpressCheckoutCommand{
		OrderID: strings.TrimSpace(chi.URLParam(r, "orderId")),
		Token:   strings.TrimSpace(r.URL.Query().Get("token")),
	})
	if err != nil {
		writePaymentError(ctx, w, err)
		return
	}
	writeJSONResponse(w, http.StatusOK, newPaymentResponse(payment))
}

func (h *CheckoutHandlers) cancel(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if h.checkout == nil {
		httpx.WriteError(ctx, w, httpx.NewError("checkout_unavailable", "checkout service unavailable", http.StatusServiceUnavailable))
		return
	}
	orderID := strings.TrimSpace(chi.URLParam(r, "orderId"))
	if err := h.checkout.Cancel(ctx, orderID); err != nil {
		writePaymentError(ctx, w, err)
		return
	}
	writeJSONResponse(w, http.StatusOK, map[string]string{"status": "cancelled", "orderId": orderID})
}

func (h *CheckoutHandlers) flowURL(orderID, step string) string {
	return h.baseURL + defaultAPIPrefix + "/checkout/orders/" + url.PathEscape(orderID) + "/paypal/" + step
}
