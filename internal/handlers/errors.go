package handlers

import (
	"context"
	"errors"
	"net/http"

	"github.com/hanko-field/paypal-express/internal/payments"
	"github.com/hanko-field/paypal-express/internal/platform/httpx"
	"github.com/hanko-field/paypal-express/internal/services"
)

// writePaymentError maps service and gateway failures onto the error envelope.
func writePaymentError(ctx context.Context, w http.ResponseWriter, err error) {
	if gwErr, ok := payments.AsGatewayError(err); ok {
		httpx.WriteError(ctx, w, httpx.NewError("payment_gateway_error", gwErr.Error(), http.StatusPaymentRequired).
			WithDetails(map[string]any{"code": gwErr.Code}))
		return
	}
	switch {
	case errors.Is(err, services.ErrExpressCheckoutAborted):
		httpx.WriteError(ctx, w, httpx.NewError("paypal_checkout_aborted", "paypal checkout was not completed", http.StatusPaymentRequired))
	case errors.Is(err, payments.ErrTransport):
		httpx.WriteError(ctx, w, httpx.NewError("paypal_unavailable", "paypal could not be reached", http.StatusBadGateway))
	case errors.Is(err, services.ErrPaymentNotFound):
		httpx.WriteError(ctx, w, httpx.NewError("payment_not_found", "payment not found", http.StatusNotFound))
	case errors.Is(err, services.ErrOrderNotFound):
		httpx.WriteError(ctx, w, httpx.NewError("order_not_found", "order not found", http.StatusNotFound))
	case errors.Is(err, services.ErrRefundExceedsBalance):
		httpx.WriteError(ctx, w, httpx.NewError("refund_exceeds_balance", err.Error(), http.StatusUnprocessableEntity))
	case errors.Is(err, services.ErrPaymentInvalidState):
		httpx.WriteError(ctx, w, httpx.NewError("invalid_payment_state", err.Error(), http.StatusConflict))
	case errors.Is(err, services.ErrPaymentInvalidAmount):
		httpx.WriteError(ctx, w, httpx.NewError("invalid_amount", err.Error(), http.StatusBadRequest))
	case errors.Is(err, services.ErrPaymentConflict), errors.Is(err, services.ErrOrderConflict):
		httpx.WriteError(ctx, w, httpx.NewError("payment_conflict", "payment changed concurrently; retry", http.StatusConflict))
	case errors.Is(err, context.DeadlineExceeded):
		httpx.WriteError(ctx, w, httpx.NewError("timeout", "request timed out", http.StatusGatewayTimeout))
	default:
		httpx.WriteError(ctx, w, httpx.NewError("payment_error", "failed to process payment request", http.StatusInternalServerError))
	}
}
