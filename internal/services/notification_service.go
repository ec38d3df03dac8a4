package services

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/hanko-field/paypal-express/internal/domain"
	"github.com/hanko-field/paypal-express/internal/payments"
	"github.com/hanko-field/paypal-express/internal/platform/idempotency"
	"github.com/hanko-field/paypal-express/internal/repositories"
)

const (
	ipnKeyPrefix           = "ipn:"
	defaultIPNLease        = 5 * time.Minute
	defaultIPNDedupeTTL    = 72 * time.Hour
	servicesInstrumentName = "github.com/hanko-field/paypal-express/internal/services"
)

// Discard and duplicate reasons reported in NotificationResult.Reason.
const (
	ReasonEmptyBody            = "empty_body"
	ReasonMalformedBody        = "malformed_body"
	ReasonNotVerified          = "not_verified"
	ReasonMissingTxnID         = "missing_txn_id"
	ReasonUnsupportedStatus    = "unsupported_status"
	ReasonFailedStatus         = "failed_status"
	ReasonHandledSynchronously = "handled_synchronously"
	ReasonPaymentNotFound      = "payment_not_found"
	ReasonIllegalTransition    = "illegal_transition"
	ReasonNotRefundable        = "not_refundable"
	ReasonInvalidAmount        = "invalid_amount"
	ReasonExceedsBalance       = "exceeds_balance"
	ReasonMissingParent        = "missing_parent_txn_id"
	ReasonAlreadyApplied       = "already_applied"
	ReasonDuplicateDelivery    = "duplicate_delivery"
	ReasonTransitionApplied    = "transition_applied"
	ReasonRefundApplied        = "refund_applied"
	ReasonRemoteRefreshed      = "remote_refreshed"
)

var notificationStatuses = map[string]struct{}{
	payments.RemoteStatusFailed:    {},
	payments.RemoteStatusVoided:    {},
	payments.RemoteStatusPending:   {},
	payments.RemoteStatusCompleted: {},
	payments.RemoteStatusRefunded:  {},
}

// NotificationServiceDeps wires the IPN handler.
type NotificationServiceDeps struct {
	Payments  repositories.PaymentRepository
	Validator NotificationValidator
	// Dedupe suppresses redelivered bodies. Nil disables delivery dedupe.
	Dedupe idempotency.Store
	// DedupeTTL is how long a processed body is remembered.
	DedupeTTL time.Duration
	// LeaseTTL bounds how long an in-flight delivery holds its key.
	LeaseTTL time.Duration
	// Archive stores verified bodies. Nil disables archiving.
	Archive NotificationArchiver
	Events  PaymentEventPublisher
	Meter   metric.Meter
	Clock   func() time.Time
	Logger  func(ctx context.Context, event string, fields map[string]any)
}

type notificationService struct {
	payments  repositories.PaymentRepository
	validator NotificationValidator
	dedupe    idempotency.Store
	dedupeTTL time.Duration
	leaseTTL  time.Duration
	archive   NotificationArchiver
	events    eventSink
	outcomes  metric.Int64Counter
	now       func() time.Time
	logger    func(ctx context.Context, event string, fields map[string]any)
}

var _ NotificationService = (*notificationService)(nil)

// NewNotificationService constructs the IPN handler.
func NewNotificationService(deps NotificationServiceDeps) (NotificationService, error) {
	if deps.Payments == nil {
		return nil, errors.New("notification service: payment repository is required")
	}
	if deps.Validator == nil {
		return nil, errors.New("notification service: validator is required")
	}
	clock := deps.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := deps.Logger
	if logger == nil {
		logger = func(context.Context, string, map[string]any) {}
	}
	dedupeTTL := deps.DedupeTTL
	if dedupeTTL <= 0 {
		dedupeTTL = defaultIPNDedupeTTL
	}
	leaseTTL := deps.LeaseTTL
	if leaseTTL <= 0 {
		leaseTTL = defaultIPNLease
	}
	meter := deps.Meter
	if meter == nil {
		meter = otel.GetMeterProvider().Meter(servicesInstrumentName)
	}
	outcomes, err := meter.Int64Counter(
		"paypal.ipn.notifications",
		metric.WithDescription("IPN deliveries by outcome"),
	)
	if err != nil {
		return nil, fmt.Errorf("notification service: register outcome counter: %w", err)
	}
	return &notificationService{
		payments:  deps.Payments,
		validator: deps.Validator,
		dedupe:    deps.Dedupe,
		dedupeTTL: dedupeTTL,
		leaseTTL:  leaseTTL,
		archive:   deps.Archive,
		events:    eventSink{publisher: deps.Events, logger: logger},
		outcomes:  outcomes,
		now: func() time.Time {
			return clock().UTC()
		},
		logger: logger,
	}, nil
}

// Handle processes one raw IPN body. Only transport and persistence failures are
// returned as errors; every other outcome is reported in the result.
func (s *notificationService) Handle(ctx context.Context, raw []byte) (NotificationResult, error) {
	if len(bytes.TrimSpace(raw)) == 0 {
		return s.finish(ctx, discarded(ReasonEmptyBody, "")), nil
	}
	sum := sha256.Sum256(raw)
	bodyHash := hex.EncodeToString(sum[:])

	if s.dedupe == nil {
		result, err := s.process(ctx, raw, bodyHash)
		if err != nil {
			return s.fail(ctx, bodyHash, err)
		}
		return s.finish(ctx, result), nil
	}

	key := ipnKeyPrefix + bodyHash
	reservation, err := s.dedupe.Reserve(ctx, key, bodyHash, s.now(), s.leaseTTL)
	if err != nil {
		return s.fail(ctx, bodyHash, fmt.Errorf("notification service: reserve delivery: %w", err))
	}
	switch reservation.State {
	case idempotency.ReservationCompleted:
		return s.finish(ctx, NotificationResult{Outcome: NotificationDuplicate, Reason: ReasonDuplicateDelivery}), nil
	case idempotency.ReservationPending:
		return s.fail(ctx, bodyHash, ErrNotificationInProgress)
	}

	result, err := s.process(ctx, raw, bodyHash)
	if err != nil {
		if releaseErr := s.dedupe.Release(ctx, key, bodyHash); releaseErr != nil {
			s.logger(ctx, "ipn.release_failed", map[string]any{"bodyHash": bodyHash, "error": releaseErr})
		}
		return s.fail(ctx, bodyHash, err)
	}
	if err := s.dedupe.Complete(ctx, key, bodyHash, idempotency.Response{}, s.now(), s.dedupeTTL); err != nil {
		s.logger(ctx, "ipn.complete_failed", map[string]any{"bodyHash": bodyHash, "error": err})
	}
	return s.finish(ctx, result), nil
}

func (s *notificationService) process(ctx context.Context, raw []byte, bodyHash string) (NotificationResult, error) {
	msg := payments.Decode(string(raw))
	if msg.Len() == 0 {
		return discarded(ReasonMalformedBody, ""), nil
	}
	verified, err := s.validator.Validate(ctx, raw)
	if err != nil {
		return NotificationResult{}, err
	}
	if !verified {
		return discarded(ReasonNotVerified, ""), nil
	}

	txnID := strings.TrimSpace(msg.Get("txn_id"))
	s.archiveBody(ctx, txnID, bodyHash, raw)
	if txnID == "" {
		return discarded(ReasonMissingTxnID, ""), nil
	}
	status := strings.TrimSpace(msg.Get("payment_status"))
	if _, ok := notificationStatuses[status]; !ok {
		return discarded(ReasonUnsupportedStatus, ""), nil
	}

	authID := strings.TrimSpace(msg.Get("auth_id"))
	switch {
	case status == payments.RemoteStatusFailed:
		return discarded(ReasonFailedStatus, ""), nil
	case status == payments.RemoteStatusRefunded:
		return s.applyRefund(ctx, msg, txnID)
	case authID != "":
		return s.applyAuthorization(ctx, msg, status, authID, txnID)
	default:
		return discarded(ReasonHandledSynchronously, ""), nil
	}
}

func (s *notificationService) applyAuthorization(ctx context.Context, msg payments.Message, status, authID, txnID string) (NotificationResult, error) {
	target, _ := authorizationTarget(status)
	payment, found, err := s.lookup(ctx, authID)
	if err != nil {
		return NotificationResult{}, err
	}
	if !found {
		// A replay after the first delivery finds the payment under its new remote id.
		payment, found, err = s.lookup(ctx, txnID)
		if err != nil {
			return NotificationResult{}, err
		}
		if !found || payment.State != target {
			return discarded(ReasonPaymentNotFound, ""), nil
		}
	}
	// A Pending notice for a live authorization still refreshes amount and remote fields.
	if payment.State == target && target != domain.PaymentStateAuthorization {
		return NotificationResult{Outcome: NotificationDuplicate, Reason: ReasonAlreadyApplied, PaymentID: payment.ID}, nil
	}
	if payment.State != domain.PaymentStateAuthorization {
		return discarded(ReasonIllegalTransition, payment.ID), nil
	}

	amount, ok, err := notificationAmount(msg)
	if err != nil {
		return discarded(ReasonInvalidAmount, payment.ID), nil
	}
	updated := payment
	if ok {
		updated.Amount = amount
		updated.RefundedAmount = amount.Zero()
	}
	updated.State = target
	if target == domain.PaymentStateCaptureCompleted {
		captured := s.now()
		updated.CapturedAt = &captured
	}
	updated.RemoteID = txnID
	updated.RemoteState = status

	if payment.State == target {
		if sameRemoteFields(payment, updated) {
			return NotificationResult{Outcome: NotificationDuplicate, Reason: ReasonAlreadyApplied, PaymentID: payment.ID}, nil
		}
		return s.save(ctx, updated, payment.State, ReasonRemoteRefreshed)
	}
	return s.save(ctx, updated, payment.State, ReasonTransitionApplied)
}

func sameRemoteFields(a, b domain.Payment) bool {
	if a.RemoteID != b.RemoteID || a.RemoteState != b.RemoteState {
		return false
	}
	cmp, err := a.Amount.Cmp(b.Amount)
	return err == nil && cmp == 0
}

func (s *notificationService) applyRefund(ctx context.Context, msg payments.Message, txnID string) (NotificationResult, error) {
	parent := strings.TrimSpace(msg.Get("parent_txn_id"))
	if parent == "" {
		return discarded(ReasonMissingParent, ""), nil
	}
	payment, found, err := s.lookup(ctx, parent)
	if err != nil {
		return NotificationResult{}, err
	}
	if !found {
		return discarded(ReasonPaymentNotFound, ""), nil
	}
	if payment.HasRefund(txnID) {
		return NotificationResult{Outcome: NotificationDuplicate, Reason: ReasonAlreadyApplied, PaymentID: payment.ID}, nil
	}
	if !payment.State.Refundable() {
		return discarded(ReasonNotRefundable, payment.ID), nil
	}
	amount, ok, err := notificationAmount(msg)
	if err != nil || !ok {
		return discarded(ReasonInvalidAmount, payment.ID), nil
	}

	previous := payment.State
	if err := applyRefund(&payment, amount.Abs(), txnID); err != nil {
		if errors.Is(err, ErrRefundExceedsBalance) {
			return discarded(ReasonExceedsBalance, payment.ID), nil
		}
		return discarded(ReasonInvalidAmount, payment.ID), nil
	}
	payment.RemoteState = payments.RemoteStatusRefunded
	return s.save(ctx, payment, previous, ReasonRefundApplied)
}

func (s *notificationService) save(ctx context.Context, payment domain.Payment, previous domain.PaymentState, reason string) (NotificationResult, error) {
	saved, err := s.payments.Save(ctx, payment)
	if err != nil {
		if repositories.IsConflict(err) {
			return NotificationResult{}, fmt.Errorf("notification service: save %s: %w", payment.ID, ErrPaymentConflict)
		}
		return NotificationResult{}, fmt.Errorf("notification service: save %s: %w", payment.ID, err)
	}
	s.events.publish(ctx, newPaymentEvent(saved, previous, PaymentEventSourceIPN, s.now()))
	return NotificationResult{Outcome: NotificationApplied, Reason: reason, PaymentID: saved.ID}, nil
}

func (s *notificationService) lookup(ctx context.Context, remoteID string) (domain.Payment, bool, error) {
	if remoteID == "" {
		return domain.Payment{}, false, nil
	}
	payment, err := s.payments.FindByRemoteID(ctx, remoteID)
	if err != nil {
		if repositories.IsNotFound(err) {
			return domain.Payment{}, false, nil
		}
		return domain.Payment{}, false, fmt.Errorf("notification service: find payment %s: %w", remoteID, err)
	}
	return payment, true, nil
}

func (s *notificationService) archiveBody(ctx context.Context, txnID, bodyHash string, raw []byte) {
	if s.archive == nil {
		return
	}
	name, err := s.archive.Archive(ctx, s.now(), txnID, bodyHash, raw)
	if err != nil {
		s.logger(ctx, "ipn.archive_failed", map[string]any{"txnID": txnID, "error": err})
		return
	}
	s.logger(ctx, "ipn.archived", map[string]any{"txnID": txnID, "object": name})
}

func (s *notificationService) finish(ctx context.Context, result NotificationResult) NotificationResult {
	s.outcomes.Add(ctx, 1, metric.WithAttributes(
		attribute.String("outcome", string(result.Outcome)),
		attribute.String("reason", result.Reason),
	))
	s.logger(ctx, "ipn."+string(result.Outcome), map[string]any{
		"reason":    result.Reason,
		"paymentID": result.PaymentID,
	})
	return result
}

func (s *notificationService) fail(ctx context.Context, bodyHash string, err error) (NotificationResult, error) {
	s.outcomes.Add(ctx, 1, metric.WithAttributes(
		attribute.String("outcome", "error"),
		attribute.String("reason", ""),
	))
	s.logger(ctx, "ipn.handle_failed", map[string]any{"bodyHash": bodyHash, "error": err})
	return NotificationResult{}, err
}

func discarded(reason, paymentID string) NotificationResult {
	return NotificationResult{Outcome: NotificationDiscarded, Reason: reason, PaymentID: paymentID}
}

// notificationAmount parses mc_gross in mc_currency. The boolean is false when the
// notification carries no amount.
func notificationAmount(msg payments.Message) (domain.Money, bool, error) {
	gross := strings.TrimSpace(msg.Get("mc_gross"))
	if gross == "" {
		return domain.Money{}, false, nil
	}
	amount, err := domain.ParseMoney(gross, msg.Get("mc_currency"))
	if err != nil {
		return domain.Money{}, false, err
	}
	return amount, true, nil
}
