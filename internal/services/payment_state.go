package services

import (
	"fmt"
	"time"

	"github.com/hanko-field/paypal-express/internal/domain"
	"github.com/hanko-field/paypal-express/internal/payments"
)

// remotePaymentState maps a PayPal payment status onto the local state machine.
// The boolean is false for statuses the mapping does not know; those fall back to
// authorization.
func remotePaymentState(status string) (domain.PaymentState, bool) {
	switch status {
	case payments.RemoteStatusVoided:
		return domain.PaymentStateAuthorizationVoided, true
	case payments.RemoteStatusPending:
		return domain.PaymentStateAuthorization, true
	case payments.RemoteStatusCompleted, payments.RemoteStatusProcessed:
		return domain.PaymentStateCaptureCompleted, true
	case payments.RemoteStatusRefunded:
		return domain.PaymentStateCaptureRefunded, true
	case payments.RemoteStatusPartiallyRefunded:
		return domain.PaymentStateCapturePartiallyRefunded, true
	case payments.RemoteStatusExpired:
		return domain.PaymentStateAuthorizationExpired, true
	default:
		return domain.PaymentStateAuthorization, false
	}
}

// authorizationTarget is the state an IPN about an authorization moves the payment to.
func authorizationTarget(status string) (domain.PaymentState, bool) {
	switch status {
	case payments.RemoteStatusVoided:
		return domain.PaymentStateAuthorizationVoided, true
	case payments.RemoteStatusPending:
		return domain.PaymentStateAuthorization, true
	case payments.RemoteStatusCompleted:
		return domain.PaymentStateCaptureCompleted, true
	default:
		return "", false
	}
}

func requireState(payment domain.Payment, allowed ...domain.PaymentState) error {
	for _, state := range allowed {
		if payment.State == state {
			return nil
		}
	}
	return fmt.Errorf("%w: payment %s is %s", ErrPaymentInvalidState, payment.ID, payment.State)
}

// resolveAmount returns fallback when requested is nil and validates the result
// against the payment currency.
func resolveAmount(requested *domain.Money, fallback domain.Money) (domain.Money, error) {
	amount := fallback
	if requested != nil {
		amount = *requested
	}
	if !amount.IsPositive() {
		return domain.Money{}, fmt.Errorf("%w: %s must be positive", ErrPaymentInvalidAmount, amount.Format())
	}
	if !amount.SameCurrency(fallback) {
		return domain.Money{}, fmt.Errorf("%w: currency %s does not match %s", ErrPaymentInvalidAmount, amount.Currency, fallback.Currency)
	}
	amount.Currency = fallback.Currency
	return amount, nil
}

// refundType is Partial unless the refund returns the whole captured amount at once.
func refundType(payment domain.Payment, amount domain.Money) payments.RefundType {
	if payment.RefundedAmount.IsZero() {
		if cmp, err := amount.Cmp(payment.Amount); err == nil && cmp == 0 {
			return payments.RefundFull
		}
	}
	return payments.RefundPartial
}

// checkRefund validates amount against the refundable balance without mutating.
func checkRefund(payment domain.Payment, amount domain.Money) error {
	if !payment.State.Refundable() {
		return fmt.Errorf("%w: payment %s is %s", ErrPaymentInvalidState, payment.ID, payment.State)
	}
	if !amount.IsPositive() || !amount.SameCurrency(payment.Amount) {
		return fmt.Errorf("%w: refund %s", ErrPaymentInvalidAmount, amount)
	}
	cmp, err := amount.Cmp(payment.Balance())
	if err != nil {
		return fmt.Errorf("%w: %v", ErrPaymentInvalidAmount, err)
	}
	if cmp > 0 {
		return fmt.Errorf("%w: refund %s, balance %s", ErrRefundExceedsBalance, amount, payment.Balance())
	}
	return nil
}

// applyRefund adds amount to the refunded total, records refundID and moves the
// payment to the partially or fully refunded state.
func applyRefund(payment *domain.Payment, amount domain.Money, refundID string) error {
	if err := checkRefund(*payment, amount); err != nil {
		return err
	}
	refunded := payment.RefundedAmount
	if refunded.Currency == "" {
		refunded = payment.Amount.Zero()
	}
	total, err := refunded.Add(amount)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrPaymentInvalidAmount, err)
	}
	payment.RefundedAmount = total
	if cmp, _ := total.Cmp(payment.Amount); cmp < 0 {
		payment.State = domain.PaymentStateCapturePartiallyRefunded
	} else {
		payment.State = domain.PaymentStateCaptureRefunded
	}
	if refundID != "" && !payment.HasRefund(refundID) {
		payment.RefundIDs = append(payment.RefundIDs, refundID)
	}
	return nil
}

// applyCapture records a completed capture of amount at now.
func applyCapture(payment *domain.Payment, amount domain.Money, now time.Time) {
	payment.State = domain.PaymentStateCaptureCompleted
	payment.Amount = amount
	payment.RefundedAmount = amount.Zero()
	captured := now
	payment.CapturedAt = &captured
}
