// Package jobs publishes payment lifecycle events for downstream workers.
package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"cloud.google.com/go/pubsub"

	"github.com/hanko-field/paypal-express/internal/services"
)

// PubSubPaymentEventPublisher publishes payment state changes to a topic.
// Messages are ordered per payment.
type PubSubPaymentEventPublisher struct {
	topic *pubsub.Topic
}

// NewPubSubPaymentEventPublisher enables ordering on topic and wraps it.
func NewPubSubPaymentEventPublisher(topic *pubsub.Topic) (*PubSubPaymentEventPublisher, error) {
	if topic == nil {
		return nil, errors.New("jobs: payment events topic is required")
	}
	topic.EnableMessageOrdering = true
	return &PubSubPaymentEventPublisher{topic: topic}, nil
}

// PublishPaymentEvent blocks until Pub/Sub acknowledges the message.
func (p *PubSubPaymentEventPublisher) PublishPaymentEvent(ctx context.Context, event services.PaymentEvent) error {
	data, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("jobs: marshal payment event: %w", err)
	}
	attrs := map[string]string{
		"type":      event.Type,
		"paymentId": event.PaymentID,
		"state":     string(event.State),
	}
	if event.OrderID != "" {
		attrs["orderId"] = event.OrderID
	}
	result := p.topic.Publish(ctx, &pubsub.Message{
		Data:        data,
		Attributes:  attrs,
		OrderingKey: event.PaymentID,
	})
	if _, err := result.Get(ctx); err != nil {
		p.topic.ResumePublish(event.PaymentID)
		return fmt.Errorf("jobs: publish payment event: %w", err)
	}
	return nil
}

// Stop flushes pending messages.
func (p *PubSubPaymentEventPublisher) Stop() {
	p.topic.Stop()
}
