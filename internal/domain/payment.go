package domain

import (
	"slices"
	"time"
)

// PaymentState is the local lifecycle state of a payment.
type PaymentState string

const (
	PaymentStateAuthorization            PaymentState = "authorization"
	PaymentStateAuthorizationVoided      PaymentState = "authorization_voided"
	PaymentStateAuthorizationExpired     PaymentState = "authorization_expired"
	PaymentStateCaptureCompleted         PaymentState = "capture_completed"
	PaymentStateCapturePartiallyRefunded PaymentState = "capture_partially_refunded"
	PaymentStateCaptureRefunded          PaymentState = "capture_refunded"
)

// Refundable reports whether money can still be returned from this state.
func (s PaymentState) Refundable() bool {
	return s == PaymentStateCaptureCompleted || s == PaymentStateCapturePartiallyRefunded
}

// Terminal reports whether no further transition is possible.
func (s PaymentState) Terminal() bool {
	switch s {
	case PaymentStateAuthorizationVoided, PaymentStateAuthorizationExpired, PaymentStateCaptureRefunded:
		return true
	default:
		return false
	}
}

// PaymentGatewayPayPalExpress identifies payments created by the express checkout flow.
const PaymentGatewayPayPalExpress = "paypal_express_checkout"

// Payment is one movement of funds for an order.
type Payment struct {
	ID             string
	OrderID        string
	Gateway        string
	Test           bool
	State          PaymentState
	Amount         Money
	RefundedAmount Money
	// RemoteID is the PayPal transaction id currently representing the payment.
	RemoteID string
	// RemoteState is the last raw status string reported by PayPal.
	RemoteState  string
	AuthorizedAt *time.Time
	CapturedAt   *time.Time
	RefundIDs    []string
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

// Balance returns the amount that has not been refunded yet.
func (p Payment) Balance() Money {
	refunded := p.RefundedAmount
	if refunded.Currency == "" {
		refunded = p.Amount.Zero()
	}
	balance, err := p.Amount.Sub(refunded)
	if err != nil {
		return p.Amount
	}
	return balance
}

// HasRefund reports whether a remote refund transaction was already recorded.
func (p Payment) HasRefund(refundID string) bool {
	if refundID == "" {
		return false
	}
	return slices.Contains(p.RefundIDs, refundID)
}
