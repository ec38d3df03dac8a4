package handlers

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/hanko-field/paypal-express/internal/services"
)

func newWebhookRouter(svc services.NotificationService) http.Handler {
	h := NewWebhookHandlers(svc)
	return NewRouter(WithWebhookRoutes(h.Routes))
}

func TestIPNPassesRawBody(t *testing.T) {
	const payload = "txn_id=TX1&payment_status=Completed&auth_id=AUTH-1"
	var got string
	svc := &stubNotificationService{handleFn: func(_ context.Context, raw []byte) (services.NotificationResult, error) {
		got = string(raw)
		return services.NotificationResult{Outcome: services.NotificationApplied, Reason: services.ReasonTransitionApplied, PaymentID: "pay_1"}, nil
	}}

	rec := httptest.NewRecorder()
	newWebhookRouter(svc).ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/api/v1/webhooks/paypal/ipn", strings.NewReader(payload)))

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	if got != payload {
		t.Fatalf("expected raw body to be forwarded, got %q", got)
	}
	body := decodeBody(t, rec)
	if body["outcome"] != "applied" || body["reason"] != services.ReasonTransitionApplied {
		t.Fatalf("unexpected body %v", body)
	}
}

func TestIPNDiscardedStillAnswers200(t *testing.T) {
	svc := &stubNotificationService{handleFn: func(context.Context, []byte) (services.NotificationResult, error) {
		return services.NotificationResult{Outcome: services.NotificationDiscarded, Reason: services.ReasonNotVerified}, nil
	}}

	rec := httptest.NewRecorder()
	newWebhookRouter(svc).ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/api/v1/webhooks/paypal/ipn", strings.NewReader("txn_id=TX1")))

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
}

func TestIPNFailuresAskForRedelivery(t *testing.T) {
	cases := []struct {
		name   string
		err    error
		status int
	}{
		{name: "in progress", err: services.ErrNotificationInProgress, status: http.StatusServiceUnavailable},
		{name: "storage", err: errors.New("firestore unavailable"), status: http.StatusInternalServerError},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			svc := &stubNotificationService{handleFn: func(context.Context, []byte) (services.NotificationResult, error) {
				return services.NotificationResult{}, tc.err
			}}
			rec := httptest.NewRecorder()
			newWebhookRouter(svc).ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/api/v1/webhooks/paypal/ipn", strings.NewReader("txn_id=TX1")))

			if rec.Code != tc.status {
				t.Fatalf("expected %d, got %d", tc.status, rec.Code)
			}
		})
	}
}

func TestIPNRejectsOversizedBody(t *testing.T) {
	svc := &stubNotificationService{handleFn: func(context.Context, []byte) (services.NotificationResult, error) {
		t.Fatalf("handle should not be called")
		return services.NotificationResult{}, nil
	}}
	payload := "custom=" + strings.Repeat("a", maxIPNBody)

	rec := httptest.NewRecorder()
	newWebhookRouter(svc).ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/api/v1/webhooks/paypal/ipn", strings.NewReader(payload)))

	if rec.Code != http.StatusRequestEntityTooLarge {
		t.Fatalf("expected 413, got %d", rec.Code)
	}
}
