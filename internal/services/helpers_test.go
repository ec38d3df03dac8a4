package services

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/hanko-field/paypal-express/internal/domain"
	"github.com/hanko-field/paypal-express/internal/payments"
	"github.com/hanko-field/paypal-express/internal/repositories/memory"
)

var testNow = time.Date(2025, time.March, 14, 10, 30, 0, 0, time.UTC)

func fixedClock() time.Time { return testNow }

type stubPayPalGateway struct {
	mode        payments.Mode
	setFunc     func(ctx context.Context, req payments.SetExpressCheckoutRequest) (payments.SetExpressCheckoutResponse, error)
	detailsFunc func(ctx context.Context, token string) (payments.CheckoutDetails, error)
	doFunc      func(ctx context.Context, req payments.DoExpressCheckoutPaymentRequest) (payments.CheckoutPaymentResult, error)
	captureFunc func(ctx context.Context, req payments.CaptureRequest) (payments.CaptureResult, error)
	voidFunc    func(ctx context.Context, authorizationID string) (payments.VoidResult, error)
	refundFunc  func(ctx context.Context, req payments.RefundRequest) (payments.RefundResult, error)
	calls       int
}

var errUnexpectedCall = errors.New("unexpected gateway call")

func (s *stubPayPalGateway) Mode() payments.Mode {
	if s.mode == "" {
		return payments.ModeTest
	}
	return s.mode
}

func (s *stubPayPalGateway) CheckoutURL(token string) string {
	return "https://www.sandbox.paypal.com/checkoutnow?token=" + token
}

func (s *stubPayPalGateway) SetExpressCheckout(ctx context.Context, req payments.SetExpressCheckoutRequest) (payments.SetExpressCheckoutResponse, error) {
	s.calls++
	if s.setFunc == nil {
		return payments.SetExpressCheckoutResponse{}, errUnexpectedCall
	}
	return s.setFunc(ctx, req)
}

func (s *stubPayPalGateway) GetExpressCheckoutDetails(ctx context.Context, token string) (payments.CheckoutDetails, error) {
	s.calls++
	if s.detailsFunc == nil {
		return payments.CheckoutDetails{}, errUnexpectedCall
	}
	return s.detailsFunc(ctx, token)
}

func (s *stubPayPalGateway) DoExpressCheckoutPayment(ctx context.Context, req payments.DoExpressCheckoutPaymentRequest) (payments.CheckoutPaymentResult, error) {
	s.calls++
	if s.doFunc == nil {
		return payments.CheckoutPaymentResult{}, errUnexpectedCall
	}
	return s.doFunc(ctx, req)
}

func (s *stubPayPalGateway) DoCapture(ctx context.Context, req payments.CaptureRequest) (payments.CaptureResult, error) {
	s.calls++
	if s.captureFunc == nil {
		return payments.CaptureResult{}, errUnexpectedCall
	}
	return s.captureFunc(ctx, req)
}

func (s *stubPayPalGateway) DoVoid(ctx context.Context, authorizationID string) (payments.VoidResult, error) {
	s.calls++
	if s.voidFunc == nil {
		return payments.VoidResult{}, errUnexpectedCall
	}
	return s.voidFunc(ctx, authorizationID)
}

func (s *stubPayPalGateway) RefundTransaction(ctx context.Context, req payments.RefundRequest) (payments.RefundResult, error) {
	s.calls++
	if s.refundFunc == nil {
		return payments.RefundResult{}, errUnexpectedCall
	}
	return s.refundFunc(ctx, req)
}

type recordingPublisher struct {
	mu     sync.Mutex
	events []PaymentEvent
	err    error
}

func (p *recordingPublisher) PublishPaymentEvent(_ context.Context, event PaymentEvent) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, event)
	return p.err
}

type logEntry struct {
	event  string
	fields map[string]any
}

type recordingLogger struct {
	mu      sync.Mutex
	entries []logEntry
}

func (l *recordingLogger) log(_ context.Context, event string, fields map[string]any) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.entries = append(l.entries, logEntry{event: event, fields: fields})
}

func (l *recordingLogger) has(event string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	for _, e := range l.entries {
		if e.event == event {
			return true
		}
	}
	return false
}

func testOrder() domain.Order {
	return domain.Order{
		ID:          "ord_1",
		OrderNumber: "1001",
		Total:       domain.MustMoney("25.00", "USD"),
		Items: []domain.OrderItem{
			{Title: "Stamp", UnitPrice: domain.MustMoney("12.50", "USD"), Quantity: 2},
		},
		CreatedAt: testNow.Add(-time.Hour),
		UpdatedAt: testNow.Add(-time.Hour),
	}
}

func seedPayment(t *testing.T, repo *memory.PaymentRepository, payment domain.Payment) domain.Payment {
	t.Helper()
	if payment.ID == "" {
		payment.ID = "pay_1"
	}
	if payment.OrderID == "" {
		payment.OrderID = "ord_1"
	}
	if payment.Gateway == "" {
		payment.Gateway = domain.PaymentGatewayPayPalExpress
	}
	if payment.RefundedAmount.Currency == "" {
		payment.RefundedAmount = payment.Amount.Zero()
	}
	created, err := repo.Create(context.Background(), payment)
	if err != nil {
		t.Fatalf("seed payment: %v", err)
	}
	return created
}

func mustFind(t *testing.T, repo *memory.PaymentRepository, id string) domain.Payment {
	t.Helper()
	payment, err := repo.FindByID(context.Background(), id)
	if err != nil {
		t.Fatalf("find payment %s: %v", id, err)
	}
	return payment
}
