package services

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/hanko-field/paypal-express/internal/domain"
	"github.com/hanko-field/paypal-express/internal/payments"
	"github.com/hanko-field/paypal-express/internal/repositories"
)

// PaymentServiceDeps wires the collaborators of the payment service.
type PaymentServiceDeps struct {
	Payments repositories.PaymentRepository
	Orders   repositories.OrderRepository
	Gateway  PayPalGateway
	Events   PaymentEventPublisher
	Clock    func() time.Time
	Logger   func(ctx context.Context, event string, fields map[string]any)
}

type paymentService struct {
	payments repositories.PaymentRepository
	orders   repositories.OrderRepository
	gateway  PayPalGateway
	events   eventSink
	now      func() time.Time
	logger   func(ctx context.Context, event string, fields map[string]any)
}

var _ PaymentService = (*paymentService)(nil)

// NewPaymentService constructs the capture, void and refund operations.
func NewPaymentService(deps PaymentServiceDeps) (PaymentService, error) {
	if deps.Payments == nil {
		return nil, errors.New("payment service: payment repository is required")
	}
	if deps.Orders == nil {
		return nil, errors.New("payment service: order repository is required")
	}
	if deps.Gateway == nil {
		return nil, errors.New("payment service: paypal gateway is required")
	}
	clock := deps.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := deps.Logger
	if logger == nil {
		logger = func(context.Context, string, map[string]any) {}
	}
	return &paymentService{
		payments: deps.Payments,
		orders:   deps.Orders,
		gateway:  deps.Gateway,
		events:   eventSink{publisher: deps.Events, logger: logger},
		now: func() time.Time {
			return clock().UTC()
		},
		logger: logger,
	}, nil
}

func (s *paymentService) Get(ctx context.Context, paymentID string) (domain.Payment, error) {
	return s.load(ctx, paymentID)
}

// Capture settles an authorization. A nil amount captures the authorized amount.
func (s *paymentService) Capture(ctx context.Context, paymentID string, amount *domain.Money) (domain.Payment, error) {
	payment, err := s.load(ctx, paymentID)
	if err != nil {
		return domain.Payment{}, err
	}
	if err := requireState(payment, domain.PaymentStateAuthorization); err != nil {
		return domain.Payment{}, err
	}
	captureAmount, err := resolveAmount(amount, payment.Amount)
	if err != nil {
		return domain.Payment{}, err
	}
	invoice, err := s.invoiceNumber(ctx, payment)
	if err != nil {
		return domain.Payment{}, err
	}

	result, err := s.gateway.DoCapture(ctx, payments.CaptureRequest{
		AuthorizationID: payment.RemoteID,
		Amount:          captureAmount,
		InvoiceID:       invoice,
	})
	if err != nil {
		return domain.Payment{}, s.remoteFailure(ctx, "payment.capture_failed", payment, err)
	}

	previous := payment.State
	applyCapture(&payment, captureAmount, s.now())
	if result.TransactionID != "" {
		payment.RemoteID = result.TransactionID
	}
	payment.RemoteState = firstNonEmpty(result.PaymentStatus, payments.RemoteStatusCompleted)
	return s.persist(ctx, payment, previous, PaymentEventSourceCapture)
}

// Void cancels an authorization.
func (s *paymentService) Void(ctx context.Context, paymentID string) (domain.Payment, error) {
	payment, err := s.load(ctx, paymentID)
	if err != nil {
		return domain.Payment{}, err
	}
	if err := requireState(payment, domain.PaymentStateAuthorization); err != nil {
		return domain.Payment{}, err
	}
	if _, err := s.gateway.DoVoid(ctx, payment.RemoteID); err != nil {
		return domain.Payment{}, s.remoteFailure(ctx, "payment.void_failed", payment, err)
	}

	previous := payment.State
	payment.State = domain.PaymentStateAuthorizationVoided
	payment.RemoteState = payments.RemoteStatusVoided
	return s.persist(ctx, payment, previous, PaymentEventSourceVoid)
}

// Refund returns funds of a captured payment. A nil amount refunds the remaining balance.
func (s *paymentService) Refund(ctx context.Context, paymentID string, amount *domain.Money) (domain.Payment, error) {
	payment, err := s.load(ctx, paymentID)
	if err != nil {
		return domain.Payment{}, err
	}
	if err := requireState(payment, domain.PaymentStateCaptureCompleted, domain.PaymentStateCapturePartiallyRefunded); err != nil {
		return domain.Payment{}, err
	}
	refundAmount, err := resolveAmount(amount, payment.Balance())
	if err != nil {
		return domain.Payment{}, err
	}
	if err := checkRefund(payment, refundAmount); err != nil {
		return domain.Payment{}, err
	}

	result, err := s.gateway.RefundTransaction(ctx, payments.RefundRequest{
		TransactionID: payment.RemoteID,
		Type:          refundType(payment, refundAmount),
		Amount:        refundAmount,
	})
	if err != nil {
		return domain.Payment{}, s.remoteFailure(ctx, "payment.refund_failed", payment, err)
	}

	previous := payment.State
	if err := applyRefund(&payment, refundAmount, result.RefundTransactionID); err != nil {
		return domain.Payment{}, err
	}
	if payment.State == domain.PaymentStateCaptureRefunded {
		payment.RemoteState = payments.RemoteStatusRefunded
	} else {
		payment.RemoteState = payments.RemoteStatusPartiallyRefunded
	}
	return s.persist(ctx, payment, previous, PaymentEventSourceRefund)
}

func (s *paymentService) load(ctx context.Context, paymentID string) (domain.Payment, error) {
	id := strings.TrimSpace(paymentID)
	if id == "" {
		return domain.Payment{}, ErrPaymentNotFound
	}
	payment, err := s.payments.FindByID(ctx, id)
	if err != nil {
		if repositories.IsNotFound(err) {
			return domain.Payment{}, ErrPaymentNotFound
		}
		return domain.Payment{}, fmt.Errorf("payment service: load %s: %w", id, err)
	}
	return payment, nil
}

func (s *paymentService) invoiceNumber(ctx context.Context, payment domain.Payment) (string, error) {
	order, err := s.orders.FindByID(ctx, payment.OrderID)
	if err != nil {
		if repositories.IsNotFound(err) {
			return "", ErrOrderNotFound
		}
		return "", fmt.Errorf("payment service: load order %s: %w", payment.OrderID, err)
	}
	return firstNonEmpty(order.OrderNumber, order.ID), nil
}

// persist saves a transitioned payment. The remote side already moved, so a lost
// write is logged loudly; the IPN for the same transition repairs the record.
func (s *paymentService) persist(ctx context.Context, payment domain.Payment, previous domain.PaymentState, source PaymentEventSource) (domain.Payment, error) {
	saved, err := s.payments.Save(ctx, payment)
	if err != nil {
		s.logger(ctx, "payment.persist_failed", map[string]any{
			"paymentID": payment.ID,
			"state":     string(payment.State),
			"source":    string(source),
			"error":     err,
		})
		if repositories.IsConflict(err) {
			return domain.Payment{}, ErrPaymentConflict
		}
		return domain.Payment{}, fmt.Errorf("payment service: save %s: %w", payment.ID, err)
	}
	s.logger(ctx, "payment."+string(source), map[string]any{
		"paymentID":     saved.ID,
		"previousState": string(previous),
		"state":         string(saved.State),
		"amount":        saved.Amount.String(),
	})
	s.events.publish(ctx, newPaymentEvent(saved, previous, source, s.now()))
	return saved, nil
}

func (s *paymentService) remoteFailure(ctx context.Context, event string, payment domain.Payment, err error) error {
	fields := map[string]any{
		"paymentID": payment.ID,
		"remoteID":  payment.RemoteID,
		"error":     err,
	}
	if gwErr, ok := payments.AsGatewayError(err); ok {
		fields["code"] = gwErr.Code
		fields["correlationID"] = gwErr.CorrelationID
	}
	s.logger(ctx, event, fields)
	return err
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if trimmed := strings.TrimSpace(v); trimmed != "" {
			return trimmed
		}
	}
	return ""
}
