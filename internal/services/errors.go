package services

import (
	"errors"
	"fmt"
)

var (
	// ErrOrderNotFound indicates the order does not exist.
	ErrOrderNotFound = errors.New("order: not found")
	// ErrOrderConflict indicates the order changed while the flow was running.
	ErrOrderConflict = errors.New("order: conflict")
	// ErrExpressCheckoutAborted indicates the buyer's return could not be turned into a payment.
	ErrExpressCheckoutAborted = errors.New("express checkout: aborted")

	// ErrPaymentNotFound indicates the payment does not exist.
	ErrPaymentNotFound = errors.New("payment: not found")
	// ErrPaymentInvalidArgument groups every precondition failure detected before calling PayPal.
	ErrPaymentInvalidArgument = errors.New("payment: invalid argument")
	// ErrPaymentInvalidState indicates the operation is not legal from the current state.
	ErrPaymentInvalidState = fmt.Errorf("%w: invalid state", ErrPaymentInvalidArgument)
	// ErrPaymentInvalidAmount indicates a non-positive amount or a currency mismatch.
	ErrPaymentInvalidAmount = fmt.Errorf("%w: invalid amount", ErrPaymentInvalidArgument)
	// ErrRefundExceedsBalance indicates a refund larger than the unrefunded balance.
	ErrRefundExceedsBalance = errors.New("payment: refund exceeds balance")
	// ErrPaymentConflict indicates a concurrent writer updated the payment first.
	ErrPaymentConflict = errors.New("payment: conflict")

	// ErrNotificationInProgress indicates the same IPN body is being processed elsewhere.
	ErrNotificationInProgress = errors.New("notification: delivery in progress")
)
