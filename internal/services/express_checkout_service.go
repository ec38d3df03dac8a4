package services

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/oklog/ulid/v2"

	"github.com/hanko-field/paypal-express/internal/domain"
	"github.com/hanko-field/paypal-express/internal/payments"
	"github.com/hanko-field/paypal-express/internal/repositories"
)

const paymentIDPrefix = "pay_"

// ExpressCheckoutOptions are the merchant level checkout flow settings.
type ExpressCheckoutOptions struct {
	SolutionType                payments.SolutionType
	ReferenceTransactions       bool
	BillingAgreementDescription string
	NotifyURL                   string
	// Capture selects Sale instead of Authorization unless the command overrides it.
	Capture bool
}

// ExpressCheckoutServiceDeps wires the collaborators of the express checkout flow.
type ExpressCheckoutServiceDeps struct {
	Orders   repositories.OrderRepository
	Payments repositories.PaymentRepository
	Gateway  PayPalGateway
	Events   PaymentEventPublisher
	Options  ExpressCheckoutOptions
	// CancelHook runs when the buyer declines on PayPal. The default only logs.
	CancelHook  func(ctx context.Context, order domain.Order) error
	Clock       func() time.Time
	IDGenerator func() string
	Logger      func(ctx context.Context, event string, fields map[string]any)
}

type expressCheckoutService struct {
	orders     repositories.OrderRepository
	payments   repositories.PaymentRepository
	gateway    PayPalGateway
	events     eventSink
	options    ExpressCheckoutOptions
	cancelHook func(ctx context.Context, order domain.Order) error
	now        func() time.Time
	newID      func() string
	logger     func(ctx context.Context, event string, fields map[string]any)
}

var _ ExpressCheckoutService = (*expressCheckoutService)(nil)

// NewExpressCheckoutService constructs the redirect flow controller.
func NewExpressCheckoutService(deps ExpressCheckoutServiceDeps) (ExpressCheckoutService, error) {
	if deps.Orders == nil {
		return nil, errors.New("express checkout service: order repository is required")
	}
	if deps.Payments == nil {
		return nil, errors.New("express checkout service: payment repository is required")
	}
	if deps.Gateway == nil {
		return nil, errors.New("express checkout service: paypal gateway is required")
	}
	clock := deps.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := deps.Logger
	if logger == nil {
		logger = func(context.Context, string, map[string]any) {}
	}
	idGen := deps.IDGenerator
	if idGen == nil {
		idGen = func() string { return paymentIDPrefix + ulid.Make().String() }
	}
	options := deps.Options
	if options.SolutionType == "" {
		options.SolutionType = payments.SolutionMark
	}
	return &expressCheckoutService{
		orders:     deps.Orders,
		payments:   deps.Payments,
		gateway:    deps.Gateway,
		events:     eventSink{publisher: deps.Events, logger: logger},
		options:    options,
		cancelHook: deps.CancelHook,
		now: func() time.Time {
			return clock().UTC()
		},
		newID:  idGen,
		logger: logger,
	}, nil
}

// Initiate opens an approval session and records the token on the order. A rejected
// session yields an empty redirect and a nil error; transport failures are returned.
func (s *expressCheckoutService) Initiate(ctx context.Context, cmd InitiateExpressCheckoutCommand) (CheckoutRedirect, error) {
	returnURL := strings.TrimSpace(cmd.ReturnURL)
	cancelURL := strings.TrimSpace(cmd.CancelURL)
	if returnURL == "" || cancelURL == "" {
		return CheckoutRedirect{}, errors.New("express checkout: return and cancel urls are required")
	}
	order, err := s.loadOrder(ctx, cmd.OrderID)
	if err != nil {
		return CheckoutRedirect{}, err
	}
	if !order.Total.IsPositive() {
		return CheckoutRedirect{}, fmt.Errorf("%w: order %s total %s", ErrPaymentInvalidAmount, order.ID, order.Total)
	}

	capture := s.options.Capture
	if cmd.Capture != nil {
		capture = *cmd.Capture
	}
	var previousToken string
	if data, ok := order.ExpressCheckout(); ok {
		previousToken = data.Token
	}

	items := make([]payments.LineItem, 0, len(order.Items))
	for _, item := range order.Items {
		items = append(items, payments.LineItem{Name: item.Title, Amount: item.UnitPrice, Quantity: item.Quantity})
	}

	resp, err := s.gateway.SetExpressCheckout(ctx, payments.SetExpressCheckoutRequest{
		Amount:                      order.Total,
		InvoiceID:                   fmt.Sprintf("%s-%d", order.ID, s.now().Unix()),
		ReturnURL:                   returnURL,
		CancelURL:                   cancelURL,
		Token:                       previousToken,
		Items:                       items,
		Action:                      payments.ActionFor(capture),
		SolutionType:                s.options.SolutionType,
		ReferenceTransactions:       s.options.ReferenceTransactions,
		BillingAgreementDescription: s.options.BillingAgreementDescription,
		NotifyURL:                   s.options.NotifyURL,
	})
	if err != nil {
		if gwErr, ok := payments.AsGatewayError(err); ok {
			s.logger(ctx, "checkout.paypal.set_express_checkout_failed", map[string]any{
				"orderID":       order.ID,
				"code":          gwErr.Code,
				"message":       gwErr.Message,
				"correlationID": gwErr.CorrelationID,
			})
			return CheckoutRedirect{}, nil
		}
		return CheckoutRedirect{}, err
	}
	token := strings.TrimSpace(resp.Token)
	if token == "" {
		s.logger(ctx, "checkout.paypal.token_missing", map[string]any{
			"orderID": order.ID,
			"ack":     resp.Raw.Ack(),
		})
		return CheckoutRedirect{}, nil
	}

	order.SetExpressCheckout(domain.ExpressCheckoutData{
		Flow:    domain.ExpressCheckoutFlow,
		Token:   token,
		Capture: capture,
	})
	if _, err := s.saveOrder(ctx, order); err != nil {
		return CheckoutRedirect{}, err
	}
	s.logger(ctx, "checkout.paypal.initiated", map[string]any{
		"orderID": order.ID,
		"token":   token,
		"capture": capture,
	})
	return CheckoutRedirect{Token: token, RedirectURL: s.gateway.CheckoutURL(token)}, nil
}

// Return reads the buyer approval, completes the payment and records it.
func (s *expressCheckoutService) Return(ctx context.Context, cmd ReturnExpressCheckoutCommand) (domain.Payment, error) {
	order, err := s.loadOrder(ctx, cmd.OrderID)
	if err != nil {
		return domain.Payment{}, err
	}
	data, ok := order.ExpressCheckout()
	if !ok || data.Token == "" {
		return domain.Payment{}, s.abort(ctx, order.ID, "token_missing", nil)
	}
	if returned := strings.TrimSpace(cmd.Token); returned != "" && returned != data.Token {
		return domain.Payment{}, s.abort(ctx, order.ID, "token_mismatch", nil)
	}

	if data.PaymentID != "" {
		if existing, found, err := s.completedPayment(ctx, order.ID, data.PaymentID); err != nil {
			return domain.Payment{}, err
		} else if found {
			return existing, nil
		}
	}

	details, err := s.gateway.GetExpressCheckoutDetails(ctx, data.Token)
	if err != nil {
		if _, ok := payments.AsGatewayError(err); ok {
			return domain.Payment{}, s.abort(ctx, order.ID, "get_details_failed", err)
		}
		return domain.Payment{}, err
	}
	payerID := strings.TrimSpace(details.PayerID)
	if payerID == "" {
		return domain.Payment{}, s.abort(ctx, order.ID, "payer_missing", nil)
	}

	data.PayerID = payerID
	order.SetExpressCheckout(data)
	if strings.TrimSpace(order.Email) == "" {
		order.Email = strings.TrimSpace(details.Email)
	}
	order, err = s.saveOrder(ctx, order)
	if err != nil {
		return domain.Payment{}, err
	}

	result, err := s.gateway.DoExpressCheckoutPayment(ctx, payments.DoExpressCheckoutPaymentRequest{
		Token:     data.Token,
		PayerID:   payerID,
		Amount:    order.Total,
		InvoiceID: firstNonEmpty(order.OrderNumber, order.ID),
		Action:    payments.ActionFor(data.Capture),
	})
	if err != nil {
		if _, ok := payments.AsGatewayError(err); ok {
			return domain.Payment{}, s.abort(ctx, order.ID, "do_payment_failed", err)
		}
		return domain.Payment{}, err
	}
	if result.PaymentStatus == payments.RemoteStatusFailed {
		return domain.Payment{}, s.abort(ctx, order.ID, "payment_failed", nil)
	}

	state, known := remotePaymentState(result.PaymentStatus)
	if !known {
		s.logger(ctx, "checkout.paypal.unknown_payment_status", map[string]any{
			"orderID":       order.ID,
			"paymentStatus": result.PaymentStatus,
			"pendingReason": result.PendingReason,
		})
	}

	remoteID := strings.TrimSpace(result.TransactionID)
	if remoteID != "" {
		if existing, found, err := s.findByRemoteID(ctx, remoteID); err != nil {
			return domain.Payment{}, err
		} else if found {
			return s.linkPayment(ctx, order, data, existing), nil
		}
	}

	now := s.now()
	authorizedAt := now
	payment := domain.Payment{
		ID:             s.newID(),
		OrderID:        order.ID,
		Gateway:        domain.PaymentGatewayPayPalExpress,
		Test:           s.gateway.Mode().IsTest(),
		State:          state,
		Amount:         order.Total,
		RefundedAmount: order.Total.Zero(),
		RemoteID:       remoteID,
		RemoteState:    result.PaymentStatus,
		AuthorizedAt:   &authorizedAt,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	if state == domain.PaymentStateCaptureCompleted {
		capturedAt := now
		payment.CapturedAt = &capturedAt
	}

	created, err := s.payments.Create(ctx, payment)
	if err != nil {
		if repositories.IsConflict(err) && remoteID != "" {
			if existing, found, findErr := s.findByRemoteID(ctx, remoteID); findErr == nil && found {
				return s.linkPayment(ctx, order, data, existing), nil
			}
		}
		s.logger(ctx, "checkout.paypal.create_payment_failed", map[string]any{
			"orderID":  order.ID,
			"remoteID": remoteID,
			"error":    err,
		})
		return domain.Payment{}, fmt.Errorf("express checkout: create payment: %w", err)
	}
	s.logger(ctx, "checkout.paypal.completed", map[string]any{
		"orderID":   order.ID,
		"paymentID": created.ID,
		"state":     string(created.State),
		"remoteID":  remoteID,
	})
	s.events.publish(ctx, newPaymentEvent(created, "", PaymentEventSourceCheckout, now))
	return s.linkPayment(ctx, order, data, created), nil
}

// Cancel records that the buyer declined. No payment is created and the order is not modified.
func (s *expressCheckoutService) Cancel(ctx context.Context, orderID string) error {
	order, err := s.loadOrder(ctx, orderID)
	if err != nil {
		return err
	}
	s.logger(ctx, "checkout.paypal.cancelled", map[string]any{"orderID": order.ID})
	if s.cancelHook == nil {
		return nil
	}
	return s.cancelHook(ctx, order)
}

func (s *expressCheckoutService) abort(ctx context.Context, orderID, reason string, cause error) error {
	fields := map[string]any{
		"orderID": orderID,
		"reason":  reason,
	}
	if gwErr, ok := payments.AsGatewayError(cause); ok {
		fields["code"] = gwErr.Code
		fields["message"] = gwErr.Message
		fields["correlationID"] = gwErr.CorrelationID
	}
	s.logger(ctx, "checkout.paypal.aborted", fields)
	if cause != nil {
		return fmt.Errorf("%w: %s: %w", ErrExpressCheckoutAborted, reason, cause)
	}
	return fmt.Errorf("%w: %s", ErrExpressCheckoutAborted, reason)
}

func (s *expressCheckoutService) loadOrder(ctx context.Context, orderID string) (domain.Order, error) {
	id := strings.TrimSpace(orderID)
	if id == "" {
		return domain.Order{}, ErrOrderNotFound
	}
	order, err := s.orders.FindByID(ctx, id)
	if err != nil {
		if repositories.IsNotFound(err) {
			return domain.Order{}, ErrOrderNotFound
		}
		return domain.Order{}, fmt.Errorf("express checkout: load order %s: %w", id, err)
	}
	return order, nil
}

func (s *expressCheckoutService) saveOrder(ctx context.Context, order domain.Order) (domain.Order, error) {
	saved, err := s.orders.Save(ctx, order)
	if err != nil {
		if repositories.IsConflict(err) {
			return domain.Order{}, ErrOrderConflict
		}
		return domain.Order{}, fmt.Errorf("express checkout: save order %s: %w", order.ID, err)
	}
	return saved, nil
}

func (s *expressCheckoutService) findByRemoteID(ctx context.Context, remoteID string) (domain.Payment, bool, error) {
	payment, err := s.payments.FindByRemoteID(ctx, remoteID)
	if err != nil {
		if repositories.IsNotFound(err) {
			return domain.Payment{}, false, nil
		}
		return domain.Payment{}, false, fmt.Errorf("express checkout: find payment %s: %w", remoteID, err)
	}
	return payment, true, nil
}

// completedPayment loads the payment recorded for the current token. A record that is gone or
// belongs to another order is ignored so the return is completed again.
func (s *expressCheckoutService) completedPayment(ctx context.Context, orderID, paymentID string) (domain.Payment, bool, error) {
	payment, err := s.payments.FindByID(ctx, paymentID)
	if err != nil {
		if repositories.IsNotFound(err) {
			return domain.Payment{}, false, nil
		}
		return domain.Payment{}, false, fmt.Errorf("express checkout: load payment %s: %w", paymentID, err)
	}
	if payment.OrderID != orderID {
		return domain.Payment{}, false, nil
	}
	return payment, true, nil
}

// linkPayment records the payment id against the current token. The payment already exists, so
// a failed order save is logged and the payment is still returned.
func (s *expressCheckoutService) linkPayment(ctx context.Context, order domain.Order, data domain.ExpressCheckoutData, payment domain.Payment) domain.Payment {
	if payment.OrderID != order.ID || data.PaymentID == payment.ID {
		return payment
	}
	data.PaymentID = payment.ID
	order.SetExpressCheckout(data)
	if _, err := s.saveOrder(ctx, order); err != nil {
		s.logger(ctx, "checkout.paypal.link_payment_failed", map[string]any{
			"orderID":   order.ID,
			"paymentID": payment.ID,
			"error":     err,
		})
	}
	return payment
}
