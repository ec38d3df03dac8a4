// Package firestore implements the repositories on Cloud Firestore.
package firestore

import (
	"fmt"
	"time"

	"github.com/hanko-field/paypal-express/internal/domain"
)

const (
	ordersCollection   = "orders"
	paymentsCollection = "payments"
)

// Firestore keeps microseconds; timestamps are truncated before writing so the
// optimistic UpdatedAt comparison survives a round trip.
func stamp(t time.Time) time.Time {
	return t.UTC().Truncate(time.Microsecond)
}

type moneyDoc struct {
	Amount   string `firestore:"amount"`
	Currency string `firestore:"currency"`
}

func moneyToDoc(m domain.Money) moneyDoc {
	if m.Currency == "" {
		return moneyDoc{}
	}
	return moneyDoc{Amount: m.Format(), Currency: m.Currency}
}

func (d moneyDoc) money() (domain.Money, error) {
	if d.Currency == "" {
		return domain.Money{}, nil
	}
	return domain.ParseMoney(d.Amount, d.Currency)
}

type orderItemDoc struct {
	Title     string   `firestore:"title"`
	UnitPrice moneyDoc `firestore:"unitPrice"`
	Quantity  int      `firestore:"quantity"`
}

type orderDoc struct {
	OrderNumber string         `firestore:"orderNumber"`
	Email       string         `firestore:"email"`
	Total       moneyDoc       `firestore:"total"`
	Items       []orderItemDoc `firestore:"items"`
	Data        map[string]any `firestore:"data"`
	CreatedAt   time.Time      `firestore:"createdAt"`
	UpdatedAt   time.Time      `firestore:"updatedAt"`
}

func orderToDoc(o domain.Order) orderDoc {
	doc := orderDoc{
		OrderNumber: o.OrderNumber,
		Email:       o.Email,
		Total:       moneyToDoc(o.Total),
		Data:        o.Data,
		CreatedAt:   stamp(o.CreatedAt),
		UpdatedAt:   stamp(o.UpdatedAt),
	}
	for _, item := range o.Items {
		doc.Items = append(doc.Items, orderItemDoc{Title: item.Title, UnitPrice: moneyToDoc(item.UnitPrice), Quantity: item.Quantity})
	}
	return doc
}

func (d orderDoc) order(id string) (domain.Order, error) {
	total, err := d.Total.money()
	if err != nil {
		return domain.Order{}, fmt.Errorf("order %s total: %w", id, err)
	}
	order := domain.Order{
		ID:          id,
		OrderNumber: d.OrderNumber,
		Email:       d.Email,
		Total:       total,
		Data:        d.Data,
		CreatedAt:   d.CreatedAt,
		UpdatedAt:   d.UpdatedAt,
	}
	for _, item := range d.Items {
		price, err := item.UnitPrice.money()
		if err != nil {
			return domain.Order{}, fmt.Errorf("order %s item %q: %w", id, item.Title, err)
		}
		order.Items = append(order.Items, domain.OrderItem{Title: item.Title, UnitPrice: price, Quantity: item.Quantity})
	}
	return order, nil
}

type paymentDoc struct {
	OrderID        string     `firestore:"orderId"`
	Gateway        string     `firestore:"gateway"`
	Test           bool       `firestore:"test"`
	State          string     `firestore:"state"`
	Amount         moneyDoc   `firestore:"amount"`
	RefundedAmount moneyDoc   `firestore:"refundedAmount"`
	RemoteID       string     `firestore:"remoteId"`
	RemoteState    string     `firestore:"remoteState"`
	AuthorizedAt   *time.Time `firestore:"authorizedAt"`
	CapturedAt     *time.Time `firestore:"capturedAt"`
	RefundIDs      []string   `firestore:"refundIds"`
	CreatedAt      time.Time  `firestore:"createdAt"`
	UpdatedAt      time.Time  `firestore:"updatedAt"`
}

func paymentToDoc(p domain.Payment) paymentDoc {
	return paymentDoc{
		OrderID:        p.OrderID,
		Gateway:        p.Gateway,
		Test:           p.Test,
		State:          string(p.State),
		Amount:         moneyToDoc(p.Amount),
		RefundedAmount: moneyToDoc(p.RefundedAmount),
		RemoteID:       p.RemoteID,
		RemoteState:    p.RemoteState,
		AuthorizedAt:   p.AuthorizedAt,
		CapturedAt:     p.CapturedAt,
		RefundIDs:      p.RefundIDs,
		CreatedAt:      stamp(p.CreatedAt),
		UpdatedAt:      stamp(p.UpdatedAt),
	}
}

func (d paymentDoc) payment(id string) (domain.Payment, error) {
	amount, err := d.Amount.money()
	if err != nil {
		return domain.Payment{}, fmt.Errorf("payment %s amount: %w", id, err)
	}
	refunded, err := d.RefundedAmount.money()
	if err != nil {
		return domain.Payment{}, fmt.Errorf("payment %s refunded amount: %w", id, err)
	}
	return domain.Payment{
		ID:             id,
		OrderID:        d.OrderID,
		Gateway:        d.Gateway,
		Test:           d.Test,
		State:          domain.PaymentState(d.State),
		Amount:         amount,
		RefundedAmount: refunded,
		RemoteID:       d.RemoteID,
		RemoteState:    d.RemoteState,
		AuthorizedAt:   d.AuthorizedAt,
		CapturedAt:     d.CapturedAt,
		RefundIDs:      d.RefundIDs,
		CreatedAt:      d.CreatedAt,
		UpdatedAt:      d.UpdatedAt,
	}, nil
}
