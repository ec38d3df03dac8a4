package services

import (
	"context"
	"time"

	"github.com/hanko-field/paypal-express/internal/domain"
	"github.com/hanko-field/paypal-express/internal/payments"
)

// ExpressCheckoutService drives the buyer redirect flow against PayPal.
type ExpressCheckoutService interface {
	Initiate(ctx context.Context, cmd InitiateExpressCheckoutCommand) (CheckoutRedirect, error)
	Return(ctx context.Context, cmd ReturnExpressCheckoutCommand) (domain.Payment, error)
	Cancel(ctx context.Context, orderID string) error
}

// PaymentService exposes the operator operations on recorded payments.
type PaymentService interface {
	Get(ctx context.Context, paymentID string) (domain.Payment, error)
	Capture(ctx context.Context, paymentID string, amount *domain.Money) (domain.Payment, error)
	Void(ctx context.Context, paymentID string) (domain.Payment, error)
	Refund(ctx context.Context, paymentID string, amount *domain.Money) (domain.Payment, error)
}

// NotificationService consumes raw IPN deliveries.
type NotificationService interface {
	Handle(ctx context.Context, raw []byte) (NotificationResult, error)
}

// SystemService reports service health.
type SystemService interface {
	HealthReport(ctx context.Context) (SystemHealthReport, error)
}

// PayPalGateway is the subset of payments.PayPalClient used by the services.
type PayPalGateway interface {
	Mode() payments.Mode
	CheckoutURL(token string) string
	SetExpressCheckout(ctx context.Context, req payments.SetExpressCheckoutRequest) (payments.SetExpressCheckoutResponse, error)
	GetExpressCheckoutDetails(ctx context.Context, token string) (payments.CheckoutDetails, error)
	DoExpressCheckoutPayment(ctx context.Context, req payments.DoExpressCheckoutPaymentRequest) (payments.CheckoutPaymentResult, error)
	DoCapture(ctx context.Context, req payments.CaptureRequest) (payments.CaptureResult, error)
	DoVoid(ctx context.Context, authorizationID string) (payments.VoidResult, error)
	RefundTransaction(ctx context.Context, req payments.RefundRequest) (payments.RefundResult, error)
}

// NotificationValidator confirms an IPN body with PayPal.
type NotificationValidator interface {
	Validate(ctx context.Context, raw []byte) (bool, error)
}

// NotificationArchiver keeps a copy of verified IPN bodies.
type NotificationArchiver interface {
	Archive(ctx context.Context, receivedAt time.Time, txnID, bodyHash string, body []byte) (string, error)
}

// InitiateExpressCheckoutCommand opens a PayPal approval session for an order.
type InitiateExpressCheckoutCommand struct {
	OrderID   string
	ReturnURL string
	CancelURL string
	// Capture overrides the configured payment action when set.
	Capture *bool
}

// CheckoutRedirect is the approval page the buyer is sent to. An empty value means
// PayPal refused the session.
type CheckoutRedirect struct {
	Token       string
	RedirectURL string
}

// Empty reports whether no redirect was produced.
func (r CheckoutRedirect) Empty() bool {
	return r.RedirectURL == ""
}

// ReturnExpressCheckoutCommand completes the flow after the buyer approved.
type ReturnExpressCheckoutCommand struct {
	OrderID string
	// Token is the token query value PayPal appended to the return URL.
	Token string
}

// NotificationOutcome classifies the handling of one IPN delivery.
type NotificationOutcome string

const (
	NotificationApplied   NotificationOutcome = "applied"
	NotificationDiscarded NotificationOutcome = "discarded"
	NotificationDuplicate NotificationOutcome = "duplicate"
)

// NotificationResult describes what an IPN delivery did.
type NotificationResult struct {
	Outcome   NotificationOutcome
	Reason    string
	PaymentID string
}

// BuildInfo captures runtime metadata exposed via health endpoints.
type BuildInfo struct {
	Version     string
	CommitSHA   string
	Environment string
	StartedAt   time.Time
}

// SystemHealthReport is the dependency report enriched with build metadata.
type SystemHealthReport struct {
	Status      domain.HealthStatus
	Checks      map[string]domain.SystemHealthCheck
	GeneratedAt time.Time
	Version     string
	CommitSHA   string
	Environment string
	Uptime      time.Duration
}
