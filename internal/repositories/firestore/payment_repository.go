package firestore

import (
	"context"
	"errors"
	"time"

	"cloud.google.com/go/firestore"
	"google.golang.org/api/iterator"

	"github.com/hanko-field/paypal-express/internal/domain"
	pfirestore "github.com/hanko-field/paypal-express/internal/platform/firestore"
	"github.com/hanko-field/paypal-express/internal/repositories"
)

// PaymentRepository stores payments in the payments collection. FindByRemoteID
// relies on the single field index on remoteId.
type PaymentRepository struct {
	provider *pfirestore.Provider
	now      func() time.Time
}

var _ repositories.PaymentRepository = (*PaymentRepository)(nil)

// NewPaymentRepository returns a repository using provider's client.
func NewPaymentRepository(provider *pfirestore.Provider, now func() time.Time) *PaymentRepository {
	if now == nil {
		now = time.Now
	}
	return &PaymentRepository{provider: provider, now: now}
}

func (r *PaymentRepository) collection(ctx context.Context) (*firestore.Client, *firestore.CollectionRef, error) {
	client, err := r.provider.Client(ctx)
	if err != nil {
		return nil, nil, err
	}
	return client, client.Collection(paymentsCollection), nil
}

func (r *PaymentRepository) Create(ctx context.Context, payment domain.Payment) (domain.Payment, error) {
	_, coll, err := r.collection(ctx)
	if err != nil {
		return domain.Payment{}, err
	}
	now := stamp(r.now())
	if payment.CreatedAt.IsZero() {
		payment.CreatedAt = now
	}
	payment.UpdatedAt = now
	if _, err := coll.Doc(payment.ID).Create(ctx, paymentToDoc(payment)); err != nil {
		return domain.Payment{}, pfirestore.WrapError("payments.create", err)
	}
	return payment, nil
}

func (r *PaymentRepository) Save(ctx context.Context, payment domain.Payment) (domain.Payment, error) {
	client, coll, err := r.collection(ctx)
	if err != nil {
		return domain.Payment{}, err
	}
	ref := coll.Doc(payment.ID)
	expected := stamp(payment.UpdatedAt)
	payment.UpdatedAt = stamp(r.now())

	err = pfirestore.RunTransaction(ctx, client, func(ctx context.Context, tx *firestore.Transaction) error {
		snap, err := tx.Get(ref)
		if err != nil {
			return pfirestore.WrapError("payments.save", err)
		}
		var current paymentDoc
		if err := snap.DataTo(&current); err != nil {
			return pfirestore.WrapError("payments.save", err)
		}
		if !stamp(current.UpdatedAt).Equal(expected) {
			return pfirestore.ConflictError("payments.save", "payment %s was modified concurrently", payment.ID)
		}
		return tx.Set(ref, paymentToDoc(payment))
	})
	if err != nil {
		return domain.Payment{}, err
	}
	return payment, nil
}

func (r *PaymentRepository) FindByID(ctx context.Context, id string) (domain.Payment, error) {
	_, coll, err := r.collection(ctx)
	if err != nil {
		return domain.Payment{}, err
	}
	snap, err := coll.Doc(id).Get(ctx)
	if err != nil {
		return domain.Payment{}, pfirestore.WrapError("payments.get", err)
	}
	return decodePayment(snap)
}

func (r *PaymentRepository) FindByRemoteID(ctx context.Context, remoteID string) (domain.Payment, error) {
	_, coll, err := r.collection(ctx)
	if err != nil {
		return domain.Payment{}, err
	}
	iter := coll.Where("remoteId", "==", remoteID).Limit(1).Documents(ctx)
	defer iter.Stop()
	snap, err := iter.Next()
	if errors.Is(err, iterator.Done) {
		return domain.Payment{}, pfirestore.NotFoundError("payments.find_by_remote_id", "no payment with remote id %s", remoteID)
	}
	if err != nil {
		return domain.Payment{}, pfirestore.WrapError("payments.find_by_remote_id", err)
	}
	return decodePayment(snap)
}

func (r *PaymentRepository) ListByOrder(ctx context.Context, orderID string) ([]domain.Payment, error) {
	_, coll, err := r.collection(ctx)
	if err != nil {
		return nil, err
	}
	snaps, err := coll.Where("orderId", "==", orderID).OrderBy("createdAt", firestore.Asc).Documents(ctx).GetAll()
	if err != nil {
		return nil, pfirestore.WrapError("payments.list_by_order", err)
	}
	out := make([]domain.Payment, 0, len(snaps))
	for _, snap := range snaps {
		p, err := decodePayment(snap)
		if err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, nil
}

func decodePayment(snap *firestore.DocumentSnapshot) (domain.Payment, error) {
	var doc paymentDoc
	if err := snap.DataTo(&doc); err != nil {
		return domain.Payment{}, pfirestore.WrapError("payments.decode", err)
	}
	return doc.payment(snap.Ref.ID)
}
