package payments

import (
	"context"
	"errors"
	"fmt"
	"strings"
)

// Mode selects the PayPal environment.
type Mode string

const (
	// ModeTest targets the PayPal sandbox.
	ModeTest Mode = "test"
	// ModeLive targets production PayPal.
	ModeLive Mode = "live"
)

// ParseMode validates a configured mode string.
func ParseMode(raw string) (Mode, error) {
	switch Mode(strings.ToLower(strings.TrimSpace(raw))) {
	case ModeTest:
		return ModeTest, nil
	case ModeLive:
		return ModeLive, nil
	default:
		return "", fmt.Errorf("payments: unsupported mode %q", raw)
	}
}

// IsTest reports whether the mode targets the sandbox.
func (m Mode) IsTest() bool {
	return m != ModeLive
}

// SolutionType controls whether the buyer needs a PayPal account.
type SolutionType string

const (
	// SolutionMark requires a PayPal account.
	SolutionMark SolutionType = "Mark"
	// SolutionSoleLogin allows guest checkout, landing on the login page.
	SolutionSoleLogin SolutionType = "SoleLogin"
	// SolutionSoleBilling allows guest checkout, landing on the billing page.
	SolutionSoleBilling SolutionType = "SoleBilling"
)

// ParseSolutionType validates a configured solution type.
func ParseSolutionType(raw string) (SolutionType, error) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "", "mark":
		return SolutionMark, nil
	case "solelogin":
		return SolutionSoleLogin, nil
	case "solebilling":
		return SolutionSoleBilling, nil
	default:
		return "", fmt.Errorf("payments: unsupported solution type %q", raw)
	}
}

// PaymentAction is the NVP PAYMENTACTION value.
type PaymentAction string

const (
	PaymentActionSale          PaymentAction = "Sale"
	PaymentActionAuthorization PaymentAction = "Authorization"
)

// ActionFor returns Sale for immediate capture and Authorization otherwise.
func ActionFor(capture bool) PaymentAction {
	if capture {
		return PaymentActionSale
	}
	return PaymentActionAuthorization
}

// RefundType is the NVP REFUNDTYPE value.
type RefundType string

const (
	RefundFull    RefundType = "Full"
	RefundPartial RefundType = "Partial"
)

// Remote payment statuses reported by DoExpressCheckoutPayment and IPN.
const (
	RemoteStatusVoided            = "Voided"
	RemoteStatusPending           = "Pending"
	RemoteStatusCompleted         = "Completed"
	RemoteStatusProcessed         = "Processed"
	RemoteStatusRefunded          = "Refunded"
	RemoteStatusPartiallyRefunded = "Partially-Refunded"
	RemoteStatusExpired           = "Expired"
	RemoteStatusFailed            = "Failed"
)

// ErrTransport marks failures to reach PayPal or read its reply.
var ErrTransport = errors.New("payments: paypal transport failure")

// GatewayError is PayPal rejecting an operation with ACK=Failure.
type GatewayError struct {
	Method        string
	Code          string
	Message       string
	ShortMessage  string
	CorrelationID string
}

func (e *GatewayError) Error() string {
	if e == nil {
		return "<nil>"
	}
	msg := e.Message
	if msg == "" {
		msg = e.ShortMessage
	}
	if e.Code == "" {
		return fmt.Sprintf("paypal: %s rejected: %s", e.Method, msg)
	}
	return fmt.Sprintf("paypal: %s rejected (%s): %s", e.Method, e.Code, msg)
}

// ResponseError returns a *GatewayError for a rejected response and nil otherwise.
func ResponseError(method string, resp Message) error {
	if !resp.Failed() {
		return nil
	}
	return &GatewayError{
		Method:        method,
		Code:          resp.ErrorCode(),
		Message:       resp.LongMessage(),
		ShortMessage:  resp.ShortMessage(),
		CorrelationID: resp.CorrelationID(),
	}
}

// AsGatewayError unwraps err into a *GatewayError when possible.
func AsGatewayError(err error) (*GatewayError, bool) {
	var gwErr *GatewayError
	if errors.As(err, &gwErr) {
		return gwErr, true
	}
	return nil, false
}

// Logger defines the logging contract shared by the PayPal adapters.
type Logger func(ctx context.Context, event string, fields map[string]any)

func noopLogger(context.Context, string, map[string]any) {}
