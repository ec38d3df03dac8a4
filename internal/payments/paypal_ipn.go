package payments

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

const (
	sandboxIPNEndpoint = "https://www.sandbox.paypal.com/cgi-bin/webscr"
	liveIPNEndpoint    = "https://www.paypal.com/cgi-bin/webscr"
	validatePrefix     = "cmd=_notify-validate&"

	ipnVerified = "VERIFIED"
	ipnInvalid  = "INVALID"
)

// IPNValidatorConfig configures the notification postback.
type IPNValidatorConfig struct {
	HTTPClient HTTPDoer
	Timeout    time.Duration
	// SandboxEndpoint and LiveEndpoint override the PayPal postback URLs.
	SandboxEndpoint string
	LiveEndpoint    string
	Logger          Logger
}

// IPNValidator confirms notifications by posting them back to PayPal.
type IPNValidator struct {
	http    HTTPDoer
	sandbox string
	live    string
	logger  Logger
}

// NewIPNValidator constructs a validator.
func NewIPNValidator(cfg IPNValidatorConfig) *IPNValidator {
	httpClient := cfg.HTTPClient
	if httpClient == nil {
		timeout := cfg.Timeout
		if timeout <= 0 {
			timeout = 30 * time.Second
		}
		httpClient = &http.Client{Timeout: timeout}
	}
	sandbox := strings.TrimSpace(cfg.SandboxEndpoint)
	if sandbox == "" {
		sandbox = sandboxIPNEndpoint
	}
	live := strings.TrimSpace(cfg.LiveEndpoint)
	if live == "" {
		live = liveIPNEndpoint
	}
	logger := cfg.Logger
	if logger == nil {
		logger = noopLogger
	}
	return &IPNValidator{http: httpClient, sandbox: sandbox, live: live, logger: logger}
}

// EndpointFor picks the postback URL from the notification's own test_ipn flag.
func (v *IPNValidator) EndpointFor(notification Message) string {
	if strings.TrimSpace(notification.Get("test_ipn")) == "1" {
		return v.sandbox
	}
	return v.live
}

// Validate re-posts the exact raw body and reports whether PayPal answered VERIFIED.
// Any other answer, INVALID included, is reported as not valid without an error.
func (v *IPNValidator) Validate(ctx context.Context, raw []byte) (bool, error) {
	if v == nil {
		return false, errors.New("paypal: ipn validator is nil")
	}
	notification := Decode(string(raw))
	endpoint := v.EndpointFor(notification)

	ctx, span := tracer.Start(ctx, "paypal.ipn validate", trace.WithSpanKind(trace.SpanKindClient))
	defer span.End()
	span.SetAttributes(attribute.Bool("paypal.sandbox", endpoint == v.sandbox))

	body := make([]byte, 0, len(validatePrefix)+len(raw))
	body = append(body, validatePrefix...)
	body = append(body, raw...)

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return false, fmt.Errorf("%w: build ipn postback: %v", ErrTransport, err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.Header.Set("Connection", "close")

	resp, err := v.http.Do(req)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "transport failure")
		return false, fmt.Errorf("%w: ipn postback: %v", ErrTransport, err)
	}
	defer resp.Body.Close()

	reply, err := io.ReadAll(io.LimitReader(resp.Body, 4096))
	if err != nil {
		return false, fmt.Errorf("%w: read ipn postback: %v", ErrTransport, err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		span.SetStatus(codes.Error, "unexpected status")
		return false, fmt.Errorf("%w: ipn postback status %d", ErrTransport, resp.StatusCode)
	}

	verdict := strings.TrimSpace(DecodeEntities(string(reply)))
	span.SetAttributes(attribute.String("paypal.ipn.verdict", verdict))
	switch verdict {
	case ipnVerified:
		return true, nil
	case ipnInvalid:
		v.logger(ctx, "payments.paypal.ipn_invalid", map[string]any{
			"txnID": notification.Get("txn_id"),
		})
		return false, nil
	default:
		v.logger(ctx, "payments.paypal.ipn_unexpected_reply", map[string]any{
			"txnID": notification.Get("txn_id"),
			"reply": truncate(verdict, 64),
		})
		return false, nil
	}
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}
