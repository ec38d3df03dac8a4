package handlers

import (
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/hanko-field/paypal-express/internal/platform/httpx"
	"github.com/hanko-field/paypal-express/internal/services"
)

const maxIPNBody = 64 * 1024

// WebhookHandlers receives PayPal Instant Payment Notifications.
type WebhookHandlers struct {
	notifications services.NotificationService
}

// NewWebhookHandlers constructs the IPN listener.
func NewWebhookHandlers(notifications services.NotificationService) *WebhookHandlers {
	return &WebhookHandlers{notifications: notifications}
}

// Routes registers the endpoints relative to the /webhooks group.
func (h *WebhookHandlers) Routes(r chi.Router) {
	if r == nil {
		return
	}
	r.Post("/paypal/ipn", h.ipn)
}

type ipnResponse struct {
	Outcome string `json:"outcome"`
	Reason  string `json:"reason,omitempty"`
}

// ipn answers 200 for every handled delivery, discarded ones included. A 5xx makes
// PayPal redeliver, so it is reserved for failures worth retrying.
func (h *WebhookHandlers) ipn(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if h.notifications == nil {
		httpx.WriteError(ctx, w, httpx.NewError("webhooks_unavailable", "notification service unavailable", http.StatusServiceUnavailable))
		return
	}
	body, err := httpx.ReadLimitedBody(r, maxIPNBody)
	if err != nil {
		status := http.StatusBadRequest
		if errors.Is(err, httpx.ErrBodyTooLarge) {
			status = http.StatusRequestEntityTooLarge
		}
		httpx.WriteError(ctx, w, httpx.NewError("invalid_request", err.Error(), status))
		return
	}

	result, err := h.notifications.Handle(ctx, body)
	if err != nil {
		if errors.Is(err, services.ErrNotificationInProgress) {
			httpx.WriteError(ctx, w, httpx.NewError("ipn_in_progress", "notification is being processed", http.StatusServiceUnavailable))
			return
		}
		httpx.WriteError(ctx, w, httpx.NewError("ipn_failed", "notification could not be processed", http.StatusInternalServerError))
		return
	}
	writeJSONResponse(w, http.StatusOK, ipnResponse{Outcome: string(result.Outcome), Reason: result.Reason})
}
