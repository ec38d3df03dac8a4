package payments

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/hanko-field/paypal-express/internal/domain"
)

type doerFunc func(*http.Request) (*http.Response, error)

func (f doerFunc) Do(req *http.Request) (*http.Response, error) {
	return f(req)
}

func replyWith(status int, body string) *http.Response {
	return &http.Response{
		StatusCode: status,
		Body:       io.NopCloser(strings.NewReader(body)),
		Header:     make(http.Header),
	}
}

func newTestClient(t *testing.T, doer HTTPDoer) *PayPalClient {
	t.Helper()
	client, err := NewPayPalClient(PayPalClientConfig{
		Username:   "merchant_api1.example.com",
		Password:   "secret",
		Signature:  "sig",
		Mode:       ModeTest,
		HTTPClient: doer,
	})
	if err != nil {
		t.Fatalf("new client: %v", err)
	}
	return client
}

func TestRequestMergesCredentialsWithoutOverwriting(t *testing.T) {
	var sent Message
	var target string
	client := newTestClient(t, doerFunc(func(req *http.Request) (*http.Response, error) {
		target = req.URL.String()
		if ct := req.Header.Get("Content-Type"); ct != "application/x-www-form-urlencoded" {
			t.Fatalf("unexpected content type %q", ct)
		}
		body, _ := io.ReadAll(req.Body)
		sent = Decode(string(body))
		return replyWith(http.StatusOK, "ACK=Success&CORRELATIONID=abc"), nil
	}))

	resp, err := client.Request(context.Background(), NewMessage("METHOD", "DoVoid", "VERSION", "98.0"))
	if err != nil {
		t.Fatalf("request: %v", err)
	}
	if target != sandboxNVPEndpoint {
		t.Fatalf("expected sandbox endpoint, got %q", target)
	}
	if sent.Get("USER") != "merchant_api1.example.com" || sent.Get("PWD") != "secret" || sent.Get("SIGNATURE") != "sig" {
		t.Fatalf("credentials not merged: %v", sent.Values())
	}
	if sent.Get("VERSION") != "98.0" {
		t.Fatalf("expected caller VERSION to win, got %q", sent.Get("VERSION"))
	}
	if resp.Ack() != "Success" || resp.CorrelationID() != "abc" {
		t.Fatalf("unexpected response %v", resp.Values())
	}
}

func TestRequestTransportFailures(t *testing.T) {
	client := newTestClient(t, doerFunc(func(*http.Request) (*http.Response, error) {
		return nil, errors.New("dial tcp: timeout")
	}))
	if _, err := client.Request(context.Background(), NewMessage("METHOD", "DoVoid")); !errors.Is(err, ErrTransport) {
		t.Fatalf("expected transport error, got %v", err)
	}

	client = newTestClient(t, doerFunc(func(*http.Request) (*http.Response, error) {
		return replyWith(http.StatusServiceUnavailable, "busy"), nil
	}))
	if _, err := client.Request(context.Background(), NewMessage("METHOD", "DoVoid")); !errors.Is(err, ErrTransport) {
		t.Fatalf("expected transport error for 503, got %v", err)
	}
}

func TestLiveModeUsesLiveEndpoints(t *testing.T) {
	srvHit := false
	client, err := NewPayPalClient(PayPalClientConfig{
		Username:  "u",
		Password:  "p",
		Signature: "s",
		Mode:      ModeLive,
		HTTPClient: doerFunc(func(req *http.Request) (*http.Response, error) {
			srvHit = req.URL.String() == liveNVPEndpoint
			return replyWith(http.StatusOK, "ACK=Success"), nil
		}),
	})
	if err != nil {
		t.Fatalf("new client: %v", err)
	}
	if _, err := client.Request(context.Background(), NewMessage("METHOD", "DoVoid")); err != nil {
		t.Fatalf("request: %v", err)
	}
	if !srvHit {
		t.Fatalf("expected live endpoint")
	}
	if got := client.CheckoutURL("EC-1"); got != "https://www.paypal.com/checkoutnow?token=EC-1" {
		t.Fatalf("unexpected live checkout url %q", got)
	}
	if got := CheckoutURL(ModeTest, "EC-1"); got != "https://www.sandbox.paypal.com/checkoutnow?token=EC-1" {
		t.Fatalf("unexpected sandbox checkout url %q", got)
	}
}

func TestNewPayPalClientRequiresCredentials(t *testing.T) {
	if _, err := NewPayPalClient(PayPalClientConfig{Username: "u", Password: "p"}); err == nil {
		t.Fatalf("expected error without signature")
	}
	if _, err := NewPayPalClient(PayPalClientConfig{Username: "u", Password: "p", Signature: "s", Mode: "staging"}); err == nil {
		t.Fatalf("expected error for unknown mode")
	}
}

func TestBuildSetExpressCheckout(t *testing.T) {
	client := newTestClient(t, doerFunc(func(*http.Request) (*http.Response, error) {
		return nil, errors.New("unused")
	}))
	msg := client.BuildSetExpressCheckout(SetExpressCheckoutRequest{
		Amount:    domain.MustMoney("25", "USD"),
		InvoiceID: "ord_1-1735689600",
		ReturnURL: "https://shop.example/return",
		CancelURL: "https://shop.example/cancel",
		Token:     "EC-OLD",
		Items: []LineItem{
			{Name: "<b>Seal</b> & Case", Amount: domain.MustMoney("12.5", "USD"), Quantity: 2},
		},
		Action:                      PaymentActionSale,
		SolutionType:                SolutionSoleBilling,
		ReferenceTransactions:       true,
		BillingAgreementDescription: "Monthly refill",
	})

	want := map[string]string{
		"METHOD":                         "SetExpressCheckout",
		"SOLUTIONTYPE":                   "Sole",
		"LANDINGPAGE":                    "Billing",
		"ALLOWNOTE":                      "0",
		"PAYMENTREQUEST_0_PAYMENTACTION": "Sale",
		"PAYMENTREQUEST_0_AMT":           "25.00",
		"PAYMENTREQUEST_0_CURRENCYCODE":  "USD",
		"PAYMENTREQUEST_0_INVNUM":        "ord_1-1735689600",
		"RETURNURL":                      "https://shop.example/return",
		"CANCELURL":                      "https://shop.example/cancel",
		"TOKEN":                          "EC-OLD",
		"L_PAYMENTREQUEST_0_NAME0":       "Seal & Case",
		"L_PAYMENTREQUEST_0_AMT0":        "12.50",
		"L_PAYMENTREQUEST_0_QTY0":        "2",
		"BILLINGTYPE":                    "MerchantInitiatedBillingSingleAgreement",
		"L_BILLINGTYPE0":                 "MerchantInitiatedBillingSingleAgreement",
		"L_BILLINGAGREEMENTDESCRIPTION0": "Monthly refill",
		"NOSHIPPING":                     "1",
	}
	for k, v := range want {
		if got := msg.Get(k); got != v {
			t.Fatalf("expected %s=%q, got %q", k, v, got)
		}
	}
	keys := msg.Keys()
	if keys[len(keys)-1] != "NOSHIPPING" {
		t.Fatalf("expected NOSHIPPING last, got %v", keys)
	}
}

func TestBuildSetExpressCheckoutDefaults(t *testing.T) {
	client := newTestClient(t, doerFunc(func(*http.Request) (*http.Response, error) {
		return nil, errors.New("unused")
	}))
	msg := client.BuildSetExpressCheckout(SetExpressCheckoutRequest{
		Amount:                      domain.MustMoney("5", "EUR"),
		SolutionType:                SolutionMark,
		BillingAgreementDescription: "ignored without reference transactions",
	})
	if msg.Get("SOLUTIONTYPE") != "Mark" || msg.Get("LANDINGPAGE") != "Login" {
		t.Fatalf("unexpected checkout flow fields %v", msg.Values())
	}
	if msg.Get("PAYMENTREQUEST_0_PAYMENTACTION") != "Authorization" {
		t.Fatalf("expected Authorization action, got %q", msg.Get("PAYMENTREQUEST_0_PAYMENTACTION"))
	}
	if msg.Has("TOKEN") || msg.Has("BILLINGTYPE") {
		t.Fatalf("unexpected optional fields %v", msg.Values())
	}
}

func TestTypedCallsSurfaceGatewayErrors(t *testing.T) {
	client := newTestClient(t, doerFunc(func(*http.Request) (*http.Response, error) {
		return replyWith(http.StatusOK, "ACK=Failure&L_ERRORCODE0=10602&L_LONGMESSAGE0=Authorization+has+already+been+completed.&L_SHORTMESSAGE0=Authorization+completed."), nil
	}))
	_, err := client.DoCapture(context.Background(), CaptureRequest{AuthorizationID: "A1", Amount: domain.MustMoney("10", "USD"), InvoiceID: "1001"})
	gwErr, ok := AsGatewayError(err)
	if !ok {
		t.Fatalf("expected gateway error, got %v", err)
	}
	if gwErr.Code != "10602" || gwErr.Message != "Authorization has already been completed." || gwErr.Method != MethodDoCapture {
		t.Fatalf("unexpected gateway error %+v", gwErr)
	}
}

func TestTypedCallFields(t *testing.T) {
	var sent []Message
	replies := []string{
		"ACK=Success&TRANSACTIONID=CAP-1&PAYMENTSTATUS=Completed",
		"ACK=Success&AUTHORIZATIONID=A2",
		"ACK=Success&REFUNDTRANSACTIONID=R-1&REFUNDSTATUS=Instant",
		"ACK=Success&PAYMENTINFO_0_TRANSACTIONID=T-1&PAYMENTINFO_0_PAYMENTSTATUS=Pending",
		"ACK=Success&TOKEN=EC-1&PAYERID=P-1&EMAIL=buyer%40example.com",
	}
	client := newTestClient(t, doerFunc(func(req *http.Request) (*http.Response, error) {
		body, _ := io.ReadAll(req.Body)
		sent = append(sent, Decode(string(body)))
		reply := replies[len(sent)-1]
		return replyWith(http.StatusOK, reply), nil
	}))
	ctx := context.Background()

	capture, err := client.DoCapture(ctx, CaptureRequest{AuthorizationID: "A1", Amount: domain.MustMoney("10", "USD"), InvoiceID: "1001"})
	if err != nil || capture.TransactionID != "CAP-1" {
		t.Fatalf("capture: %+v %v", capture, err)
	}
	if sent[0].Get("COMPLETETYPE") != "Complete" || sent[0].Get("AMT") != "10.00" || sent[0].Get("INVNUM") != "1001" {
		t.Fatalf("unexpected capture fields %v", sent[0].Values())
	}

	if _, err := client.DoVoid(ctx, "A2"); err != nil {
		t.Fatalf("void: %v", err)
	}
	if sent[1].Get("METHOD") != "DoVoid" || sent[1].Get("AUTHORIZATIONID") != "A2" {
		t.Fatalf("unexpected void fields %v", sent[1].Values())
	}

	refund, err := client.RefundTransaction(ctx, RefundRequest{TransactionID: "CAP-1", Type: RefundPartial, Amount: domain.MustMoney("4", "USD")})
	if err != nil || refund.RefundTransactionID != "R-1" {
		t.Fatalf("refund: %+v %v", refund, err)
	}
	if sent[2].Get("REFUNDTYPE") != "Partial" || sent[2].Get("AMT") != "4.00" || sent[2].Get("CURRENCYCODE") != "USD" {
		t.Fatalf("unexpected refund fields %v", sent[2].Values())
	}

	payment, err := client.DoExpressCheckoutPayment(ctx, DoExpressCheckoutPaymentRequest{
		Token: "EC-1", PayerID: "P-1", Amount: domain.MustMoney("10", "USD"), InvoiceID: "1001", Action: PaymentActionAuthorization,
	})
	if err != nil || payment.TransactionID != "T-1" || payment.PaymentStatus != "Pending" {
		t.Fatalf("do payment: %+v %v", payment, err)
	}
	if sent[3].Get("PAYMENTREQUEST_0_PAYMENTACTION") != "Authorization" {
		t.Fatalf("unexpected payment fields %v", sent[3].Values())
	}

	details, err := client.GetExpressCheckoutDetails(ctx, "EC-1")
	if err != nil || details.PayerID != "P-1" || details.Email != "buyer@example.com" {
		t.Fatalf("details: %+v %v", details, err)
	}
}

func TestRequestAgainstHTTPServer(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if err := r.ParseForm(); err != nil {
			t.Errorf("parse form: %v", err)
		}
		if r.PostForm.Get("METHOD") != "SetExpressCheckout" {
			t.Errorf("unexpected method %q", r.PostForm.Get("METHOD"))
		}
		_, _ = io.WriteString(w, "TOKEN=EC%2d8AB&ACK=Success")
	}))
	defer srv.Close()

	client, err := NewPayPalClient(PayPalClientConfig{
		Username:   "u",
		Password:   "p",
		Signature:  "s",
		Endpoint:   srv.URL,
		HTTPClient: srv.Client(),
	})
	if err != nil {
		t.Fatalf("new client: %v", err)
	}
	resp, err := client.SetExpressCheckout(context.Background(), SetExpressCheckoutRequest{Amount: domain.MustMoney("1", "USD")})
	if err != nil {
		t.Fatalf("set express checkout: %v", err)
	}
	if resp.Token != "EC-8AB" {
		t.Fatalf("expected token EC-8AB, got %q", resp.Token)
	}
}
