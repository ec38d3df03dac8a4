package services

import (
	"context"
	"errors"
	"testing"

	"github.com/hanko-field/paypal-express/internal/domain"
	"github.com/hanko-field/paypal-express/internal/payments"
	"github.com/hanko-field/paypal-express/internal/repositories/memory"
)

type checkoutFixture struct {
	svc      ExpressCheckoutService
	orders   *memory.OrderRepository
	payments *memory.PaymentRepository
	gateway  *stubPayPalGateway
	logger   *recordingLogger
	events   *recordingPublisher
}

func newCheckoutFixture(t *testing.T, gateway *stubPayPalGateway, order domain.Order, opts ExpressCheckoutOptions) checkoutFixture {
	t.Helper()
	orders := memory.NewOrderRepository(fixedClock, order)
	paymentsRepo := memory.NewPaymentRepository(fixedClock)
	logger := &recordingLogger{}
	events := &recordingPublisher{}
	svc, err := NewExpressCheckoutService(ExpressCheckoutServiceDeps{
		Orders:      orders,
		Payments:    paymentsRepo,
		Gateway:     gateway,
		Events:      events,
		Options:     opts,
		Clock:       fixedClock,
		IDGenerator: func() string { return "pay_test" },
		Logger:      logger.log,
	})
	if err != nil {
		t.Fatalf("NewExpressCheckoutService: %v", err)
	}
	return checkoutFixture{svc: svc, orders: orders, payments: paymentsRepo, gateway: gateway, logger: logger, events: events}
}

func orderWithToken(token, payer string, capture bool) domain.Order {
	order := testOrder()
	order.SetExpressCheckout(domain.ExpressCheckoutData{Flow: domain.ExpressCheckoutFlow, Token: token, PayerID: payer, Capture: capture})
	return order
}

func TestExpressCheckoutInitiateStoresToken(t *testing.T) {
	var sent payments.SetExpressCheckoutRequest
	gateway := &stubPayPalGateway{
		setFunc: func(_ context.Context, req payments.SetExpressCheckoutRequest) (payments.SetExpressCheckoutResponse, error) {
			sent = req
			return payments.SetExpressCheckoutResponse{Token: "EC-1", Raw: payments.NewMessage("ACK", "Success", "TOKEN", "EC-1")}, nil
		},
	}
	fx := newCheckoutFixture(t, gateway, testOrder(), ExpressCheckoutOptions{NotifyURL: "https://shop.example/ipn"})

	redirect, err := fx.svc.Initiate(context.Background(), InitiateExpressCheckoutCommand{
		OrderID:   "ord_1",
		ReturnURL: "https://shop.example/return",
		CancelURL: "https://shop.example/cancel",
	})
	if err != nil {
		t.Fatalf("Initiate: %v", err)
	}
	if redirect.RedirectURL != "https://www.sandbox.paypal.com/checkoutnow?token=EC-1" {
		t.Fatalf("unexpected redirect %q", redirect.RedirectURL)
	}
	if sent.Action != payments.PaymentActionAuthorization {
		t.Fatalf("expected authorization action, got %s", sent.Action)
	}
	if sent.InvoiceID != "ord_1-1741948200" {
		t.Fatalf("unexpected invoice id %q", sent.InvoiceID)
	}
	if len(sent.Items) != 1 || sent.Items[0].Name != "Stamp" || sent.Items[0].Quantity != 2 {
		t.Fatalf("unexpected items %+v", sent.Items)
	}
	if sent.NotifyURL != "https://shop.example/ipn" || sent.SolutionType != payments.SolutionMark {
		t.Fatalf("unexpected options: %+v", sent)
	}

	stored, err := fx.orders.FindByID(context.Background(), "ord_1")
	if err != nil {
		t.Fatalf("FindByID: %v", err)
	}
	blob, ok := stored.Data[domain.ExpressCheckoutDataKey].(map[string]any)
	if !ok {
		t.Fatalf("expected blob map, got %#v", stored.Data[domain.ExpressCheckoutDataKey])
	}
	if blob["flow"] != "ec" || blob["token"] != "EC-1" || blob["payerid"] != false || blob["capture"] != false {
		t.Fatalf("unexpected blob %#v", blob)
	}
}

func TestExpressCheckoutInitiateReusesTokenAndCaptureOverride(t *testing.T) {
	var sent payments.SetExpressCheckoutRequest
	gateway := &stubPayPalGateway{
		setFunc: func(_ context.Context, req payments.SetExpressCheckoutRequest) (payments.SetExpressCheckoutResponse, error) {
			sent = req
			return payments.SetExpressCheckoutResponse{Token: "EC-2"}, nil
		},
	}
	fx := newCheckoutFixture(t, gateway, orderWithToken("EC-OLD", "", false), ExpressCheckoutOptions{})
	capture := true

	if _, err := fx.svc.Initiate(context.Background(), InitiateExpressCheckoutCommand{
		OrderID: "ord_1", ReturnURL: "https://r", CancelURL: "https://c", Capture: &capture,
	}); err != nil {
		t.Fatalf("Initiate: %v", err)
	}
	if sent.Token != "EC-OLD" {
		t.Fatalf("expected stored token to be sent, got %q", sent.Token)
	}
	if sent.Action != payments.PaymentActionSale {
		t.Fatalf("expected sale action, got %s", sent.Action)
	}
	stored, _ := fx.orders.FindByID(context.Background(), "ord_1")
	data, _ := stored.ExpressCheckout()
	if data.Token != "EC-2" || !data.Capture {
		t.Fatalf("unexpected stored data %+v", data)
	}
}

func TestExpressCheckoutInitiateGatewayFailureReturnsEmpty(t *testing.T) {
	gateway := &stubPayPalGateway{
		setFunc: func(context.Context, payments.SetExpressCheckoutRequest) (payments.SetExpressCheckoutResponse, error) {
			return payments.SetExpressCheckoutResponse{}, &payments.GatewayError{Method: "SetExpressCheckout", Code: "10413", Message: "totals mismatch"}
		},
	}
	fx := newCheckoutFixture(t, gateway, testOrder(), ExpressCheckoutOptions{})

	redirect, err := fx.svc.Initiate(context.Background(), InitiateExpressCheckoutCommand{OrderID: "ord_1", ReturnURL: "https://r", CancelURL: "https://c"})
	if err != nil {
		t.Fatalf("expected nil error, got %v", err)
	}
	if !redirect.Empty() {
		t.Fatalf("expected empty redirect, got %+v", redirect)
	}
	if !fx.logger.has("checkout.paypal.set_express_checkout_failed") {
		t.Fatalf("expected failure to be logged")
	}
	stored, _ := fx.orders.FindByID(context.Background(), "ord_1")
	if _, ok := stored.ExpressCheckout(); ok {
		t.Fatalf("expected no blob stored")
	}
}

func TestExpressCheckoutInitiatePropagatesTransportErrors(t *testing.T) {
	gateway := &stubPayPalGateway{
		setFunc: func(context.Context, payments.SetExpressCheckoutRequest) (payments.SetExpressCheckoutResponse, error) {
			return payments.SetExpressCheckoutResponse{}, payments.ErrTransport
		},
	}
	fx := newCheckoutFixture(t, gateway, testOrder(), ExpressCheckoutOptions{})

	_, err := fx.svc.Initiate(context.Background(), InitiateExpressCheckoutCommand{OrderID: "ord_1", ReturnURL: "https://r", CancelURL: "https://c"})
	if !errors.Is(err, payments.ErrTransport) {
		t.Fatalf("expected transport error, got %v", err)
	}
}

func TestExpressCheckoutInitiateUnknownOrder(t *testing.T) {
	fx := newCheckoutFixture(t, &stubPayPalGateway{}, testOrder(), ExpressCheckoutOptions{})
	_, err := fx.svc.Initiate(context.Background(), InitiateExpressCheckoutCommand{OrderID: "missing", ReturnURL: "https://r", CancelURL: "https://c"})
	if !errors.Is(err, ErrOrderNotFound) {
		t.Fatalf("expected order not found, got %v", err)
	}
}

func TestExpressCheckoutReturnCreatesPayment(t *testing.T) {
	var doReq payments.DoExpressCheckoutPaymentRequest
	gateway := &stubPayPalGateway{
		detailsFunc: func(_ context.Context, token string) (payments.CheckoutDetails, error) {
			return payments.CheckoutDetails{Token: token, PayerID: "PAYER-1", Email: "buyer@example.com"}, nil
		},
		doFunc: func(_ context.Context, req payments.DoExpressCheckoutPaymentRequest) (payments.CheckoutPaymentResult, error) {
			doReq = req
			return payments.CheckoutPaymentResult{TransactionID: "AUTH-1", PaymentStatus: "Pending", PendingReason: "authorization"}, nil
		},
	}
	fx := newCheckoutFixture(t, gateway, orderWithToken("EC-1", "", false), ExpressCheckoutOptions{})

	payment, err := fx.svc.Return(context.Background(), ReturnExpressCheckoutCommand{OrderID: "ord_1", Token: "EC-1"})
	if err != nil {
		t.Fatalf("Return: %v", err)
	}
	if doReq.PayerID != "PAYER-1" || doReq.InvoiceID != "1001" || doReq.Action != payments.PaymentActionAuthorization {
		t.Fatalf("unexpected DoExpressCheckoutPayment request %+v", doReq)
	}
	if payment.ID != "pay_test" || payment.State != domain.PaymentStateAuthorization {
		t.Fatalf("unexpected payment %+v", payment)
	}
	if payment.RemoteID != "AUTH-1" || payment.RemoteState != "Pending" || !payment.Test {
		t.Fatalf("unexpected remote fields %+v", payment)
	}
	if payment.AuthorizedAt == nil || payment.CapturedAt != nil {
		t.Fatalf("unexpected timestamps %+v", payment)
	}
	stored, _ := fx.orders.FindByID(context.Background(), "ord_1")
	if stored.Email != "buyer@example.com" {
		t.Fatalf("expected email to be set, got %q", stored.Email)
	}
	if data, _ := stored.ExpressCheckout(); data.PayerID != "PAYER-1" || data.PaymentID != "pay_test" {
		t.Fatalf("expected payer and payment ids stored, got %+v", data)
	}
	if len(fx.events.events) != 1 || fx.events.events[0].Source != PaymentEventSourceCheckout {
		t.Fatalf("expected checkout event, got %+v", fx.events.events)
	}
}

func TestExpressCheckoutReturnCompletedSaleStampsCapture(t *testing.T) {
	gateway := &stubPayPalGateway{
		detailsFunc: func(context.Context, string) (payments.CheckoutDetails, error) {
			return payments.CheckoutDetails{PayerID: "PAYER-1"}, nil
		},
		doFunc: func(_ context.Context, req payments.DoExpressCheckoutPaymentRequest) (payments.CheckoutPaymentResult, error) {
			if req.Action != payments.PaymentActionSale {
				t.Errorf("expected sale action, got %s", req.Action)
			}
			return payments.CheckoutPaymentResult{TransactionID: "TXN-1", PaymentStatus: "Completed"}, nil
		},
	}
	fx := newCheckoutFixture(t, gateway, orderWithToken("EC-1", "", true), ExpressCheckoutOptions{})

	payment, err := fx.svc.Return(context.Background(), ReturnExpressCheckoutCommand{OrderID: "ord_1"})
	if err != nil {
		t.Fatalf("Return: %v", err)
	}
	if payment.State != domain.PaymentStateCaptureCompleted || payment.CapturedAt == nil {
		t.Fatalf("expected captured payment, got %+v", payment)
	}
}

func TestExpressCheckoutReturnUnknownStatusDefaultsToAuthorization(t *testing.T) {
	gateway := &stubPayPalGateway{
		detailsFunc: func(context.Context, string) (payments.CheckoutDetails, error) {
			return payments.CheckoutDetails{PayerID: "PAYER-1"}, nil
		},
		doFunc: func(context.Context, payments.DoExpressCheckoutPaymentRequest) (payments.CheckoutPaymentResult, error) {
			return payments.CheckoutPaymentResult{TransactionID: "TXN-9", PaymentStatus: "In-Progress"}, nil
		},
	}
	fx := newCheckoutFixture(t, gateway, orderWithToken("EC-1", "", false), ExpressCheckoutOptions{})

	payment, err := fx.svc.Return(context.Background(), ReturnExpressCheckoutCommand{OrderID: "ord_1"})
	if err != nil {
		t.Fatalf("Return: %v", err)
	}
	if payment.State != domain.PaymentStateAuthorization {
		t.Fatalf("expected authorization, got %s", payment.State)
	}
	if !fx.logger.has("checkout.paypal.unknown_payment_status") {
		t.Fatalf("expected warning log")
	}
}

func TestExpressCheckoutReturnAborts(t *testing.T) {
	failure := &payments.GatewayError{Method: "GetExpressCheckoutDetails", Code: "10411", Message: "token expired"}
	tests := []struct {
		name    string
		order   domain.Order
		token   string
		gateway *stubPayPalGateway
	}{
		{name: "no stored token", order: testOrder(), gateway: &stubPayPalGateway{}},
		{name: "token mismatch", order: orderWithToken("EC-1", "", false), token: "EC-OTHER", gateway: &stubPayPalGateway{}},
		{
			name:  "details failure",
			order: orderWithToken("EC-1", "", false),
			gateway: &stubPayPalGateway{
				detailsFunc: func(context.Context, string) (payments.CheckoutDetails, error) {
					return payments.CheckoutDetails{}, failure
				},
			},
		},
		{
			name:  "payment failed status",
			order: orderWithToken("EC-1", "", false),
			gateway: &stubPayPalGateway{
				detailsFunc: func(context.Context, string) (payments.CheckoutDetails, error) {
					return payments.CheckoutDetails{PayerID: "PAYER-1"}, nil
				},
				doFunc: func(context.Context, payments.DoExpressCheckoutPaymentRequest) (payments.CheckoutPaymentResult, error) {
					return payments.CheckoutPaymentResult{TransactionID: "TXN-1", PaymentStatus: "Failed"}, nil
				},
			},
		},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			fx := newCheckoutFixture(t, tc.gateway, tc.order, ExpressCheckoutOptions{})

			_, err := fx.svc.Return(context.Background(), ReturnExpressCheckoutCommand{OrderID: "ord_1", Token: tc.token})
			if !errors.Is(err, ErrExpressCheckoutAborted) {
				t.Fatalf("expected abort, got %v", err)
			}
			list, _ := fx.payments.ListByOrder(context.Background(), "ord_1")
			if len(list) != 0 {
				t.Fatalf("expected no payment, got %d", len(list))
			}
		})
	}
}

func TestExpressCheckoutReturnIsIdempotentForExistingRemoteID(t *testing.T) {
	gateway := &stubPayPalGateway{
		detailsFunc: func(context.Context, string) (payments.CheckoutDetails, error) {
			return payments.CheckoutDetails{PayerID: "PAYER-1"}, nil
		},
		doFunc: func(context.Context, payments.DoExpressCheckoutPaymentRequest) (payments.CheckoutPaymentResult, error) {
			return payments.CheckoutPaymentResult{TransactionID: "AUTH-1", PaymentStatus: "Pending"}, nil
		},
	}
	fx := newCheckoutFixture(t, gateway, orderWithToken("EC-1", "", false), ExpressCheckoutOptions{})
	existing := seedPayment(t, fx.payments, domain.Payment{
		ID:       "pay_existing",
		OrderID:  "ord_other",
		State:    domain.PaymentStateAuthorization,
		Amount:   domain.MustMoney("25.00", "USD"),
		RemoteID: "AUTH-1",
	})

	payment, err := fx.svc.Return(context.Background(), ReturnExpressCheckoutCommand{OrderID: "ord_1"})
	if err != nil {
		t.Fatalf("Return: %v", err)
	}
	if payment.ID != existing.ID {
		t.Fatalf("expected existing payment %s, got %s", existing.ID, payment.ID)
	}
}

func TestExpressCheckoutReturnReplayReturnsLinkedPayment(t *testing.T) {
	order := testOrder()
	order.SetExpressCheckout(domain.ExpressCheckoutData{Flow: domain.ExpressCheckoutFlow, Token: "EC-1", PayerID: "PAYER-1", PaymentID: "pay_1"})
	fx := newCheckoutFixture(t, &stubPayPalGateway{}, order, ExpressCheckoutOptions{})
	seedPayment(t, fx.payments, domain.Payment{State: domain.PaymentStateAuthorization, Amount: domain.MustMoney("25.00", "USD"), RemoteID: "AUTH-1"})

	payment, err := fx.svc.Return(context.Background(), ReturnExpressCheckoutCommand{OrderID: "ord_1", Token: "EC-1"})
	if err != nil {
		t.Fatalf("Return: %v", err)
	}
	if payment.ID != "pay_1" {
		t.Fatalf("expected pay_1, got %s", payment.ID)
	}
	if fx.gateway.calls != 0 {
		t.Fatalf("expected no gateway calls, got %d", fx.gateway.calls)
	}
}

func TestExpressCheckoutReturnRetryOfNewTokenIgnoresEarlierPayment(t *testing.T) {
	doCalls := 0
	gateway := &stubPayPalGateway{
		detailsFunc: func(_ context.Context, token string) (payments.CheckoutDetails, error) {
			if token != "EC-2" {
				t.Errorf("expected EC-2, got %s", token)
			}
			return payments.CheckoutDetails{Token: token, PayerID: "PAYER-2"}, nil
		},
		doFunc: func(context.Context, payments.DoExpressCheckoutPaymentRequest) (payments.CheckoutPaymentResult, error) {
			doCalls++
			return payments.CheckoutPaymentResult{TransactionID: "AUTH-2", PaymentStatus: "Pending"}, nil
		},
	}
	// The buyer returned once for EC-2 but DoExpressCheckoutPayment never completed.
	fx := newCheckoutFixture(t, gateway, orderWithToken("EC-2", "PAYER-2", false), ExpressCheckoutOptions{})
	seedPayment(t, fx.payments, domain.Payment{
		ID:       "pay_old",
		State:    domain.PaymentStateAuthorizationVoided,
		Amount:   domain.MustMoney("25.00", "USD"),
		RemoteID: "AUTH-1",
	})

	payment, err := fx.svc.Return(context.Background(), ReturnExpressCheckoutCommand{OrderID: "ord_1", Token: "EC-2"})
	if err != nil {
		t.Fatalf("Return: %v", err)
	}
	if doCalls != 1 {
		t.Fatalf("expected DoExpressCheckoutPayment once, got %d", doCalls)
	}
	if payment.ID != "pay_test" || payment.RemoteID != "AUTH-2" || payment.State != domain.PaymentStateAuthorization {
		t.Fatalf("expected new payment for EC-2, got %+v", payment)
	}
	stored, _ := fx.orders.FindByID(context.Background(), "ord_1")
	if data, _ := stored.ExpressCheckout(); data.PaymentID != "pay_test" {
		t.Fatalf("expected EC-2 linked to pay_test, got %+v", data)
	}
}

func TestExpressCheckoutReturnIgnoresPaymentOfAnotherOrder(t *testing.T) {
	gateway := &stubPayPalGateway{
		detailsFunc: func(context.Context, string) (payments.CheckoutDetails, error) {
			return payments.CheckoutDetails{PayerID: "PAYER-1"}, nil
		},
		doFunc: func(context.Context, payments.DoExpressCheckoutPaymentRequest) (payments.CheckoutPaymentResult, error) {
			return payments.CheckoutPaymentResult{TransactionID: "AUTH-9", PaymentStatus: "Pending"}, nil
		},
	}
	order := testOrder()
	order.SetExpressCheckout(domain.ExpressCheckoutData{Flow: domain.ExpressCheckoutFlow, Token: "EC-1", PayerID: "PAYER-1", PaymentID: "pay_foreign"})
	fx := newCheckoutFixture(t, gateway, order, ExpressCheckoutOptions{})
	seedPayment(t, fx.payments, domain.Payment{ID: "pay_foreign", OrderID: "ord_other", Amount: domain.MustMoney("25.00", "USD"), RemoteID: "AUTH-8"})

	payment, err := fx.svc.Return(context.Background(), ReturnExpressCheckoutCommand{OrderID: "ord_1"})
	if err != nil {
		t.Fatalf("Return: %v", err)
	}
	if payment.ID != "pay_test" || payment.OrderID != "ord_1" {
		t.Fatalf("expected a payment for ord_1, got %+v", payment)
	}
}

func TestExpressCheckoutCancelRunsHook(t *testing.T) {
	orders := memory.NewOrderRepository(fixedClock, testOrder())
	var cancelled string
	svc, err := NewExpressCheckoutService(ExpressCheckoutServiceDeps{
		Orders:   orders,
		Payments: memory.NewPaymentRepository(fixedClock),
		Gateway:  &stubPayPalGateway{},
		CancelHook: func(_ context.Context, order domain.Order) error {
			cancelled = order.ID
			return nil
		},
	})
	if err != nil {
		t.Fatalf("NewExpressCheckoutService: %v", err)
	}
	if err := svc.Cancel(context.Background(), "ord_1"); err != nil {
		t.Fatalf("Cancel: %v", err)
	}
	if cancelled != "ord_1" {
		t.Fatalf("expected hook for ord_1, got %q", cancelled)
	}
	if err := svc.Cancel(context.Background(), "missing"); !errors.Is(err, ErrOrderNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
}
