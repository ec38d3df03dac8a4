package domain

import (
	"time"
)

// Order is the slice of the commerce order the PayPal gateway reads and writes. Everything but
// Email and Data is owned by the surrounding system.
type Order struct {
	ID          string
	OrderNumber string
	Email       string
	Total       Money
	Items       []OrderItem
	// Data is the opaque per-gateway blob persisted with the order.
	Data      map[string]any
	CreatedAt time.Time
	UpdatedAt time.Time
}

// OrderItem is one purchasable line on an order.
type OrderItem struct {
	Title     string
	UnitPrice Money
	Quantity  int
}

// ExpressCheckoutDataKey is the key under Order.Data holding the express checkout state.
const ExpressCheckoutDataKey = "paypal_express_checkout"

// ExpressCheckoutFlow identifies the flow recorded in the order blob.
const ExpressCheckoutFlow = "ec"

// ExpressCheckoutData is the typed view of Order.Data[ExpressCheckoutDataKey].
type ExpressCheckoutData struct {
	Flow    string
	Token   string
	PayerID string
	Capture bool

	// PaymentID is the payment created when this token was completed.
	PaymentID string
}

// HasPayer reports whether the buyer has returned and a payer id is recorded.
func (d ExpressCheckoutData) HasPayer() bool {
	return d.PayerID != ""
}

// ExpressCheckout returns the stored express checkout state and whether it was present.
func (o *Order) ExpressCheckout() (ExpressCheckoutData, bool) {
	if o == nil || o.Data == nil {
		return ExpressCheckoutData{}, false
	}
	raw, ok := o.Data[ExpressCheckoutDataKey]
	if !ok || raw == nil {
		return ExpressCheckoutData{}, false
	}
	switch v := raw.(type) {
	case ExpressCheckoutData:
		return v, true
	case *ExpressCheckoutData:
		if v == nil {
			return ExpressCheckoutData{}, false
		}
		return *v, true
	case map[string]any:
		data := ExpressCheckoutData{
			Flow:      stringValue(v["flow"]),
			Token:     stringValue(v["token"]),
			PayerID:   stringValue(v["payerid"]),
			PaymentID: stringValue(v["payment_id"]),
		}
		if capture, ok := v["capture"].(bool); ok {
			data.Capture = capture
		}
		return data, true
	default:
		return ExpressCheckoutData{}, false
	}
}

// SetExpressCheckout stores the state in its map form. An absent payer id is written as false
// and payment_id is only written once a payment exists.
func (o *Order) SetExpressCheckout(data ExpressCheckoutData) {
	if o.Data == nil {
		o.Data = make(map[string]any)
	}
	var payer any = false
	if data.PayerID != "" {
		payer = data.PayerID
	}
	blob := map[string]any{
		"flow":    data.Flow,
		"token":   data.Token,
		"payerid": payer,
		"capture": data.Capture,
	}
	if data.PaymentID != "" {
		blob["payment_id"] = data.PaymentID
	}
	o.Data[ExpressCheckoutDataKey] = blob
}

func stringValue(v any) string {
	s, _ := v.(string)
	return s
}
