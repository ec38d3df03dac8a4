package handlers

import (
	"context"
	"encoding/json"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/hanko-field/paypal-express/internal/domain"
	"github.com/hanko-field/paypal-express/internal/services"
)

var testNow = time.Date(2025, 3, 14, 10, 30, 0, 0, time.UTC)

type stubCheckoutService struct {
	initiateFn func(context.Context, services.InitiateExpressCheckoutCommand) (services.CheckoutRedirect, error)
	returnFn   func(context.Context, services.ReturnExpressCheckoutCommand) (domain.Payment, error)
	cancelFn   func(context.Context, string) error
}

func (s *stubCheckoutService) Initiate(ctx context.Context, cmd services.InitiateExpressCheckoutCommand) (services.CheckoutRedirect, error) {
	if s.initiateFn != nil {
		return s.initiateFn(ctx, cmd)
	}
	return services.CheckoutRedirect{}, nil
}

func (s *stubCheckoutService) Return(ctx context.Context, cmd services.ReturnExpressCheckoutCommand) (domain.Payment, error) {
	if s.returnFn != nil {
		return s.returnFn(ctx, cmd)
	}
	return domain.Payment{}, nil
}

func (s *stubCheckoutService) Cancel(ctx context.Context, orderID string) error {
	if s.cancelFn != nil {
		return s.cancelFn(ctx, orderID)
	}
	return nil
}

type stubPaymentService struct {
	getFn     func(context.Context, string) (domain.Payment, error)
	captureFn func(context.Context, string, *domain.Money) (domain.Payment, error)
	voidFn    func(context.Context, string) (domain.Payment, error)
	refundFn  func(context.Context, string, *domain.Money) (domain.Payment, error)
}

func (s *stubPaymentService) Get(ctx context.Context, id string) (domain.Payment, error) {
	if s.getFn != nil {
		return s.getFn(ctx, id)
	}
	return domain.Payment{}, nil
}

func (s *stubPaymentService) Capture(ctx context.Context, id string, amount *domain.Money) (domain.Payment, error) {
	if s.captureFn != nil {
		return s.captureFn(ctx, id, amount)
	}
	return domain.Payment{}, nil
}

func (s *stubPaymentService) Void(ctx context.Context, id string) (domain.Payment, error) {
	if s.voidFn != nil {
		return s.voidFn(ctx, id)
	}
	return domain.Payment{}, nil
}

func (s *stubPaymentService) Refund(ctx context.Context, id string, amount *domain.Money) (domain.Payment, error) {
	if s.refundFn != nil {
		return s.refundFn(ctx, id, amount)
	}
	return domain.Payment{}, nil
}

type stubNotificationService struct {
	handleFn func(context.Context, []byte) (services.NotificationResult, error)
}

func (s *stubNotificationService) Handle(ctx context.Context, raw []byte) (services.NotificationResult, error) {
	if s.handleFn != nil {
		return s.handleFn(ctx, raw)
	}
	return services.NotificationResult{}, nil
}

type stubSystemService struct {
	report services.SystemHealthReport
	err    error
}

func (s *stubSystemService) HealthReport(context.Context) (services.SystemHealthReport, error) {
	return s.report, s.err
}

func samplePayment() domain.Payment {
	authorized := testNow
	return domain.Payment{
		ID:             "pay_1",
		OrderID:        "ord_1",
		Gateway:        domain.PaymentGatewayPayPalExpress,
		Test:           true,
		State:          domain.PaymentStateAuthorization,
		Amount:         domain.MustMoney("25.00", "USD"),
		RefundedAmount: domain.MustMoney("0", "USD"),
		RemoteID:       "AUTH-1",
		RemoteState:    "Pending",
		AuthorizedAt:   &authorized,
		CreatedAt:      testNow,
		UpdatedAt:      testNow,
	}
}

func decodeBody(t *testing.T, rec *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var body map[string]any
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("failed to decode response %q: %v", rec.Body.String(), err)
	}
	return body
}
