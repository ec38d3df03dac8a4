package domain

import "testing"

func TestSetExpressCheckoutWritesMapForm(t *testing.T) {
	var o Order
	o.SetExpressCheckout(ExpressCheckoutData{Flow: ExpressCheckoutFlow, Token: "EC-1"})

	raw, ok := o.Data[ExpressCheckoutDataKey].(map[string]any)
	if !ok {
		t.Fatalf("expected map blob, got %T", o.Data[ExpressCheckoutDataKey])
	}
	if raw["flow"] != "ec" || raw["token"] != "EC-1" {
		t.Fatalf("unexpected blob %v", raw)
	}
	if raw["payerid"] != false {
		t.Fatalf("expected absent payer written as false, got %v", raw["payerid"])
	}
	if raw["capture"] != false {
		t.Fatalf("expected capture false, got %v", raw["capture"])
	}
	if _, ok := raw["payment_id"]; ok {
		t.Fatalf("expected no payment_id before a payment exists, got %v", raw)
	}
}

func TestExpressCheckoutRoundTripsPayer(t *testing.T) {
	o := Order{Data: map[string]any{"other_gateway": "kept"}}
	o.SetExpressCheckout(ExpressCheckoutData{Flow: ExpressCheckoutFlow, Token: "EC-1", PayerID: "PAYER1", Capture: true, PaymentID: "pay_1"})

	data, ok := o.ExpressCheckout()
	if !ok {
		t.Fatalf("expected express checkout data")
	}
	if data.Token != "EC-1" || data.PayerID != "PAYER1" || !data.Capture || !data.HasPayer() || data.PaymentID != "pay_1" {
		t.Fatalf("unexpected data %+v", data)
	}
	if o.Data["other_gateway"] != "kept" {
		t.Fatalf("expected unrelated keys to survive, got %v", o.Data)
	}
}

func TestExpressCheckoutAbsentOrFalsePayer(t *testing.T) {
	var nilOrder *Order
	if _, ok := nilOrder.ExpressCheckout(); ok {
		t.Fatalf("expected nil order to report no data")
	}

	o := Order{}
	if _, ok := o.ExpressCheckout(); ok {
		t.Fatalf("expected empty order to report no data")
	}

	o.Data = map[string]any{ExpressCheckoutDataKey: map[string]any{"flow": "ec", "token": "EC-2", "payerid": false}}
	data, ok := o.ExpressCheckout()
	if !ok {
		t.Fatalf("expected data")
	}
	if data.HasPayer() {
		t.Fatalf("expected payer false to read as absent, got %q", data.PayerID)
	}
}
