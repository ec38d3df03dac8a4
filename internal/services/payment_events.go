package services

import (
	"context"
	"time"

	"github.com/hanko-field/paypal-express/internal/domain"
)

// PaymentEventStateChanged is the type of every payment transition event.
const PaymentEventStateChanged = "payment.state_changed"

// PaymentEventSource names the operation that caused a transition.
type PaymentEventSource string

const (
	PaymentEventSourceCheckout PaymentEventSource = "checkout"
	PaymentEventSourceCapture  PaymentEventSource = "capture"
	PaymentEventSourceVoid     PaymentEventSource = "void"
	PaymentEventSourceRefund   PaymentEventSource = "refund"
	PaymentEventSourceIPN      PaymentEventSource = "ipn"
)

// PaymentEvent is published after a payment was created or changed state.
type PaymentEvent struct {
	Type           string              `json:"type"`
	PaymentID      string              `json:"paymentId"`
	OrderID        string              `json:"orderId,omitempty"`
	PreviousState  domain.PaymentState `json:"previousState,omitempty"`
	State          domain.PaymentState `json:"state"`
	Amount         string              `json:"amount"`
	RefundedAmount string              `json:"refundedAmount,omitempty"`
	Currency       string              `json:"currency"`
	RemoteID       string              `json:"remoteId,omitempty"`
	Source         PaymentEventSource  `json:"source"`
	OccurredAt     time.Time           `json:"occurredAt"`
}

// PaymentEventPublisher delivers payment events to downstream consumers.
type PaymentEventPublisher interface {
	PublishPaymentEvent(ctx context.Context, event PaymentEvent) error
}

type noopPaymentEventPublisher struct{}

func (noopPaymentEventPublisher) PublishPaymentEvent(context.Context, PaymentEvent) error {
	return nil
}

// NoopPaymentEventPublisher drops every event.
func NoopPaymentEventPublisher() PaymentEventPublisher {
	return noopPaymentEventPublisher{}
}

func newPaymentEvent(payment domain.Payment, previous domain.PaymentState, source PaymentEventSource, at time.Time) PaymentEvent {
	event := PaymentEvent{
		Type:          PaymentEventStateChanged,
		PaymentID:     payment.ID,
		OrderID:       payment.OrderID,
		PreviousState: previous,
		State:         payment.State,
		Amount:        payment.Amount.Format(),
		Currency:      payment.Amount.Currency,
		RemoteID:      payment.RemoteID,
		Source:        source,
		OccurredAt:    at.UTC(),
	}
	if payment.RefundedAmount.IsPositive() {
		event.RefundedAmount = payment.RefundedAmount.Format()
	}
	return event
}

// eventSink publishes events without failing the calling operation.
type eventSink struct {
	publisher PaymentEventPublisher
	logger    func(ctx context.Context, event string, fields map[string]any)
}

func (s eventSink) publish(ctx context.Context, event PaymentEvent) {
	if s.publisher == nil {
		return
	}
	if err := s.publisher.PublishPaymentEvent(ctx, event); err != nil {
		s.logger(ctx, "payment.event.publish_failed", map[string]any{
			"paymentID": event.PaymentID,
			"state":     string(event.State),
			"error":     err.Error(),
		})
	}
}
