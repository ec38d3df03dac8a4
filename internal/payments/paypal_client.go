package payments

import (
	"context"
	"errors"
	"fmt"
	"html"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/microcosm-cc/bluemonday"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"

	"github.com/hanko-field/paypal-express/internal/domain"
)

const (
	// APIVersion is the NVP API version sent with every call.
	APIVersion = "124.0"

	sandboxNVPEndpoint    = "https://api-3t.sandbox.paypal.com/nvp"
	liveNVPEndpoint       = "https://api-3t.paypal.com/nvp"
	sandboxCheckoutURL    = "https://www.sandbox.paypal.com/checkoutnow"
	liveCheckoutURL       = "https://www.paypal.com/checkoutnow"
	instrumentationName   = "github.com/hanko-field/paypal-express/internal/payments"
	billingAgreementType  = "MerchantInitiatedBillingSingleAgreement"
	maxItemNameLength     = 127
	maxResponseBodyLength = 1 << 20
)

// NVP method names.
const (
	MethodSetExpressCheckout        = "SetExpressCheckout"
	MethodGetExpressCheckoutDetails = "GetExpressCheckoutDetails"
	MethodDoExpressCheckoutPayment  = "DoExpressCheckoutPayment"
	MethodDoCapture                 = "DoCapture"
	MethodDoVoid                    = "DoVoid"
	MethodRefundTransaction         = "RefundTransaction"
)

var tracer = otel.Tracer(instrumentationName)

// HTTPDoer is the subset of *http.Client used by the PayPal adapters.
type HTTPDoer interface {
	Do(req *http.Request) (*http.Response, error)
}

// PayPalClientConfig configures the NVP client.
type PayPalClientConfig struct {
	Username  string
	Password  string
	Signature string
	Mode      Mode
	// Endpoint overrides the NVP endpoint derived from Mode.
	Endpoint   string
	HTTPClient HTTPDoer
	Timeout    time.Duration
	Logger     Logger
	Meter      metric.Meter
}

// PayPalClient issues NVP calls against the sandbox or live API.
type PayPalClient struct {
	username  string
	password  string
	signature string
	mode      Mode
	endpoint  string
	http      HTTPDoer
	logger    Logger
	requests  metric.Int64Counter
	latency   metric.Float64Histogram
	sanitizer *bluemonday.Policy
}

// NewPayPalClient validates credentials and constructs the client.
func NewPayPalClient(cfg PayPalClientConfig) (*PayPalClient, error) {
	username := strings.TrimSpace(cfg.Username)
	password := strings.TrimSpace(cfg.Password)
	signature := strings.TrimSpace(cfg.Signature)
	if username == "" || password == "" || signature == "" {
		return nil, errors.New("paypal: api username, password and signature are required")
	}

	mode := cfg.Mode
	if mode == "" {
		mode = ModeTest
	}
	if _, err := ParseMode(string(mode)); err != nil {
		return nil, err
	}

	endpoint := strings.TrimSpace(cfg.Endpoint)
	if endpoint == "" {
		endpoint = nvpEndpoint(mode)
	}

	httpClient := cfg.HTTPClient
	if httpClient == nil {
		timeout := cfg.Timeout
		if timeout <= 0 {
			timeout = 30 * time.Second
		}
		httpClient = &http.Client{Timeout: timeout}
	}

	logger := cfg.Logger
	if logger == nil {
		logger = noopLogger
	}

	meter := cfg.Meter
	if meter == nil {
		meter = otel.GetMeterProvider().Meter(instrumentationName)
	}
	requests, err := meter.Int64Counter(
		"paypal.nvp.requests",
		metric.WithDescription("Count of PayPal NVP calls by method and ACK"),
	)
	if err != nil {
		return nil, fmt.Errorf("paypal: register request counter: %w", err)
	}
	latency, err := meter.Float64Histogram(
		"paypal.nvp.latency",
		metric.WithUnit("ms"),
		metric.WithDescription("Latency in milliseconds for PayPal NVP calls"),
	)
	if err != nil {
		return nil, fmt.Errorf("paypal: register latency histogram: %w", err)
	}

	return &PayPalClient{
		username:  username,
		password:  password,
		signature: signature,
		mode:      mode,
		endpoint:  endpoint,
		http:      httpClient,
		logger:    logger,
		requests:  requests,
		latency:   latency,
		sanitizer: bluemonday.StrictPolicy(),
	}, nil
}

func nvpEndpoint(mode Mode) string {
	if mode == ModeLive {
		return liveNVPEndpoint
	}
	return sandboxNVPEndpoint
}

// Mode returns the configured environment.
func (c *PayPalClient) Mode() Mode {
	return c.mode
}

// Endpoint returns the NVP URL requests are posted to.
func (c *PayPalClient) Endpoint() string {
	return c.endpoint
}

// CheckoutURL returns the buyer approval page for token.
func (c *PayPalClient) CheckoutURL(token string) string {
	return CheckoutURL(c.mode, token)
}

// CheckoutURL returns the buyer approval page for token in the given mode.
func CheckoutURL(mode Mode, token string) string {
	base := sandboxCheckoutURL
	if mode == ModeLive {
		base = liveCheckoutURL
	}
	return base + "?token=" + url.QueryEscape(token)
}

// Request merges credentials into msg, posts it and decodes the reply. Keys already present in
// msg are never overwritten. ACK is not inspected.
func (c *PayPalClient) Request(ctx context.Context, msg Message) (Message, error) {
	if c == nil {
		return Message{}, errors.New("paypal: client is nil")
	}
	out := msg.Clone()
	out.SetDefault("USER", c.username)
	out.SetDefault("PWD", c.password)
	out.SetDefault("SIGNATURE", c.signature)
	out.SetDefault("VERSION", APIVersion)

	method := out.Get("METHOD")
	ctx, span := tracer.Start(ctx, "paypal.nvp "+method, trace.WithSpanKind(trace.SpanKindClient))
	defer span.End()
	span.SetAttributes(
		attribute.String("paypal.method", method),
		attribute.String("paypal.mode", string(c.mode)),
	)

	started := time.Now()
	resp, err := c.post(ctx, out)
	elapsed := time.Since(started)

	ack := "error"
	if err == nil {
		ack = resp.Ack()
	}
	attrs := metric.WithAttributes(attribute.String("method", method), attribute.String("ack", ack))
	c.requests.Add(ctx, 1, attrs)
	c.latency.Record(ctx, float64(elapsed)/float64(time.Millisecond), attrs)

	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "transport failure")
		c.logger(ctx, "payments.paypal.request_failed", map[string]any{
			"method": method,
			"error":  err.Error(),
		})
		return Message{}, err
	}

	span.SetAttributes(attribute.String("paypal.ack", ack), attribute.String("paypal.correlation_id", resp.CorrelationID()))
	if resp.Failed() {
		span.SetStatus(codes.Error, resp.ErrorCode())
	}
	c.logger(ctx, "payments.paypal.request", map[string]any{
		"method":        method,
		"ack":           ack,
		"correlationID": resp.CorrelationID(),
		"durationMs":    elapsed.Milliseconds(),
	})
	return resp, nil
}

func (c *PayPalClient) post(ctx context.Context, msg Message) (Message, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint, strings.NewReader(Encode(msg)))
	if err != nil {
		return Message{}, fmt.Errorf("%w: build request: %v", ErrTransport, err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := c.http.Do(req)
	if err != nil {
		return Message{}, fmt.Errorf("%w: %v", ErrTransport, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBodyLength))
	if err != nil {
		return Message{}, fmt.Errorf("%w: read response: %v", ErrTransport, err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return Message{}, fmt.Errorf("%w: unexpected status %d", ErrTransport, resp.StatusCode)
	}
	return Decode(string(body)), nil
}

// call runs Request and converts ACK=Failure into a *GatewayError.
func (c *PayPalClient) call(ctx context.Context, msg Message) (Message, error) {
	resp, err := c.Request(ctx, msg)
	if err != nil {
		return Message{}, err
	}
	if gwErr := ResponseError(msg.Get("METHOD"), resp); gwErr != nil {
		return resp, gwErr
	}
	return resp, nil
}

// LineItem is one item line on a SetExpressCheckout request.
type LineItem struct {
	Name     string
	Amount   domain.Money
	Quantity int
}

// SetExpressCheckoutRequest describes the approval session to open.
type SetExpressCheckoutRequest struct {
	Amount       domain.Money
	InvoiceID    string
	ReturnURL    string
	CancelURL    string
	Token        string
	Items        []LineItem
	Action       PaymentAction
	SolutionType SolutionType
	// ReferenceTransactions enables the billing agreement fields when a description is set.
	ReferenceTransactions       bool
	BillingAgreementDescription string
	NotifyURL                   string
}

// SetExpressCheckoutResponse carries the approval token.
type SetExpressCheckoutResponse struct {
	Token string
	Raw   Message
}

// BuildSetExpressCheckout renders the SetExpressCheckout message.
func (c *PayPalClient) BuildSetExpressCheckout(req SetExpressCheckoutRequest) Message {
	action := req.Action
	if action == "" {
		action = PaymentActionAuthorization
	}
	msg := NewMessage(
		"METHOD", MethodSetExpressCheckout,
		"SOLUTIONTYPE", string(SolutionMark),
		"LANDINGPAGE", "Login",
		"ALLOWNOTE", "0",
		"PAYMENTREQUEST_0_PAYMENTACTION", string(action),
		"PAYMENTREQUEST_0_AMT", req.Amount.Format(),
		"PAYMENTREQUEST_0_CURRENCYCODE", req.Amount.Currency,
		"PAYMENTREQUEST_0_INVNUM", req.InvoiceID,
		"RETURNURL", req.ReturnURL,
		"CANCELURL", req.CancelURL,
	)
	if req.Token != "" {
		msg.Set("TOKEN", req.Token)
	}
	for n, item := range req.Items {
		idx := strconv.Itoa(n)
		msg.Set("L_PAYMENTREQUEST_0_NAME"+idx, c.itemName(item.Name))
		msg.Set("L_PAYMENTREQUEST_0_AMT"+idx, item.Amount.Format())
		msg.Set("L_PAYMENTREQUEST_0_QTY"+idx, strconv.Itoa(item.Quantity))
	}
	if req.ReferenceTransactions && strings.TrimSpace(req.BillingAgreementDescription) != "" {
		msg.Set("BILLINGTYPE", billingAgreementType)
		msg.Set("L_BILLINGTYPE0", billingAgreementType)
		msg.Set("L_BILLINGAGREEMENTDESCRIPTION0", req.BillingAgreementDescription)
	}
	if req.SolutionType != "" && req.SolutionType != SolutionMark {
		msg.Set("SOLUTIONTYPE", "Sole")
		if req.SolutionType == SolutionSoleBilling {
			msg.Set("LANDINGPAGE", "Billing")
		}
	}
	if req.NotifyURL != "" {
		msg.Set("PAYMENTREQUEST_0_NOTIFYURL", req.NotifyURL)
	}
	msg.Set("NOSHIPPING", "1")
	return msg
}

// itemName strips markup and clamps the name to PayPal's field length.
func (c *PayPalClient) itemName(name string) string {
	policy := c.sanitizer
	if policy == nil {
		policy = bluemonday.StrictPolicy()
	}
	clean := strings.TrimSpace(html.UnescapeString(policy.Sanitize(name)))
	if utf8.RuneCountInString(clean) <= maxItemNameLength {
		return clean
	}
	runes := []rune(clean)
	return string(runes[:maxItemNameLength])
}

// SetExpressCheckout opens a buyer approval session.
func (c *PayPalClient) SetExpressCheckout(ctx context.Context, req SetExpressCheckoutRequest) (SetExpressCheckoutResponse, error) {
	if c == nil {
		return SetExpressCheckoutResponse{}, errors.New("paypal: client is nil")
	}
	resp, err := c.call(ctx, c.BuildSetExpressCheckout(req))
	if err != nil {
		return SetExpressCheckoutResponse{Raw: resp}, err
	}
	return SetExpressCheckoutResponse{Token: resp.Get("TOKEN"), Raw: resp}, nil
}

// CheckoutDetails is the buyer information returned after approval.
type CheckoutDetails struct {
	Token   string
	PayerID string
	Email   string
	Raw     Message
}

// GetExpressCheckoutDetails reads the buyer's approval state for token.
func (c *PayPalClient) GetExpressCheckoutDetails(ctx context.Context, token string) (CheckoutDetails, error) {
	if c == nil {
		return CheckoutDetails{}, errors.New("paypal: client is nil")
	}
	resp, err := c.call(ctx, NewMessage(
		"METHOD", MethodGetExpressCheckoutDetails,
		"TOKEN", token,
	))
	if err != nil {
		return CheckoutDetails{Raw: resp}, err
	}
	return CheckoutDetails{
		Token:   resp.Get("TOKEN"),
		PayerID: resp.Get("PAYERID"),
		Email:   resp.Get("EMAIL"),
		Raw:     resp,
	}, nil
}

// DoExpressCheckoutPaymentRequest completes an approved session.
type DoExpressCheckoutPaymentRequest struct {
	Token     string
	PayerID   string
	Amount    domain.Money
	InvoiceID string
	Action    PaymentAction
}

// CheckoutPaymentResult is the first payment info block of DoExpressCheckoutPayment.
type CheckoutPaymentResult struct {
	TransactionID string
	PaymentStatus string
	PendingReason string
	Raw           Message
}

// DoExpressCheckoutPayment authorizes or captures the approved amount.
func (c *PayPalClient) DoExpressCheckoutPayment(ctx context.Context, req DoExpressCheckoutPaymentRequest) (CheckoutPaymentResult, error) {
	if c == nil {
		return CheckoutPaymentResult{}, errors.New("paypal: client is nil")
	}
	action := req.Action
	if action == "" {
		action = PaymentActionAuthorization
	}
	resp, err := c.call(ctx, NewMessage(
		"METHOD", MethodDoExpressCheckoutPayment,
		"TOKEN", req.Token,
		"PAYERID", req.PayerID,
		"PAYMENTREQUEST_0_AMT", req.Amount.Format(),
		"PAYMENTREQUEST_0_CURRENCYCODE", req.Amount.Currency,
		"PAYMENTREQUEST_0_INVNUM", req.InvoiceID,
		"PAYMENTREQUEST_0_PAYMENTACTION", string(action),
	))
	if err != nil {
		return CheckoutPaymentResult{Raw: resp}, err
	}
	return CheckoutPaymentResult{
		TransactionID: resp.Get("PAYMENTINFO_0_TRANSACTIONID"),
		PaymentStatus: resp.Get("PAYMENTINFO_0_PAYMENTSTATUS"),
		PendingReason: resp.Get("PAYMENTINFO_0_PENDINGREASON"),
		Raw:           resp,
	}, nil
}

// CaptureRequest captures funds held by an authorization.
type CaptureRequest struct {
	AuthorizationID string
	Amount          domain.Money
	InvoiceID       string
}

// CaptureResult identifies the capture transaction.
type CaptureResult struct {
	TransactionID string
	PaymentStatus string
	Raw           Message
}

// DoCapture settles an authorization with COMPLETETYPE=Complete.
func (c *PayPalClient) DoCapture(ctx context.Context, req CaptureRequest) (CaptureResult, error) {
	if c == nil {
		return CaptureResult{}, errors.New("paypal: client is nil")
	}
	resp, err := c.call(ctx, NewMessage(
		"METHOD", MethodDoCapture,
		"AUTHORIZATIONID", req.AuthorizationID,
		"AMT", req.Amount.Format(),
		"CURRENCYCODE", req.Amount.Currency,
		"INVNUM", req.InvoiceID,
		"COMPLETETYPE", "Complete",
	))
	if err != nil {
		return CaptureResult{Raw: resp}, err
	}
	return CaptureResult{
		TransactionID: resp.Get("TRANSACTIONID"),
		PaymentStatus: resp.Get("PAYMENTSTATUS"),
		Raw:           resp,
	}, nil
}

// VoidResult echoes the voided authorization.
type VoidResult struct {
	AuthorizationID string
	Raw             Message
}

// DoVoid cancels an authorization.
func (c *PayPalClient) DoVoid(ctx context.Context, authorizationID string) (VoidResult, error) {
	if c == nil {
		return VoidResult{}, errors.New("paypal: client is nil")
	}
	resp, err := c.call(ctx, NewMessage(
		"METHOD", MethodDoVoid,
		"AUTHORIZATIONID", authorizationID,
	))
	if err != nil {
		return VoidResult{Raw: resp}, err
	}
	return VoidResult{AuthorizationID: resp.Get("AUTHORIZATIONID"), Raw: resp}, nil
}

// RefundRequest returns funds of a captured transaction.
type RefundRequest struct {
	TransactionID string
	Type          RefundType
	Amount        domain.Money
}

// RefundResult identifies the refund transaction.
type RefundResult struct {
	RefundTransactionID string
	RefundStatus        string
	Raw                 Message
}

// RefundTransaction refunds all or part of a captured transaction.
func (c *PayPalClient) RefundTransaction(ctx context.Context, req RefundRequest) (RefundResult, error) {
	if c == nil {
		return RefundResult{}, errors.New("paypal: client is nil")
	}
	refundType := req.Type
	if refundType == "" {
		refundType = RefundFull
	}
	resp, err := c.call(ctx, NewMessage(
		"METHOD", MethodRefundTransaction,
		"TRANSACTIONID", req.TransactionID,
		"REFUNDTYPE", string(refundType),
		"AMT", req.Amount.Format(),
		"CURRENCYCODE", req.Amount.Currency,
	))
	if err != nil {
		return RefundResult{Raw: resp}, err
	}
	return RefundResult{
		RefundTransactionID: resp.Get("REFUNDTRANSACTIONID"),
		RefundStatus:        resp.Get("REFUNDSTATUS"),
		Raw:                 resp,
	}, nil
}
