package firestore

import (
	"context"
	"time"

	"cloud.google.com/go/firestore"

	"github.com/hanko-field/paypal-express/internal/domain"
	pfirestore "github.com/hanko-field/paypal-express/internal/platform/firestore"
	"github.com/hanko-field/paypal-express/internal/repositories"
)

// OrderRepository stores orders in the orders collection.
type OrderRepository struct {
	provider *pfirestore.Provider
	now      func() time.Time
}

var _ repositories.OrderRepository = (*OrderRepository)(nil)

// NewOrderRepository returns a repository using provider's client.
func NewOrderRepository(provider *pfirestore.Provider, now func() time.Time) *OrderRepository {
	if now == nil {
		now = time.Now
	}
	return &OrderRepository{provider: provider, now: now}
}

func (r *OrderRepository) FindByID(ctx context.Context, id string) (domain.Order, error) {
	client, err := r.provider.Client(ctx)
	if err != nil {
		return domain.Order{}, err
	}
	snap, err := client.Collection(ordersCollection).Doc(id).Get(ctx)
	if err != nil {
		return domain.Order{}, pfirestore.WrapError("orders.get", err)
	}
	var doc orderDoc
	if err := snap.DataTo(&doc); err != nil {
		return domain.Order{}, pfirestore.WrapError("orders.decode", err)
	}
	return doc.order(snap.Ref.ID)
}

func (r *OrderRepository) Save(ctx context.Context, order domain.Order) (domain.Order, error) {
	client, err := r.provider.Client(ctx)
	if err != nil {
		return domain.Order{}, err
	}
	ref := client.Collection(ordersCollection).Doc(order.ID)
	expected := stamp(order.UpdatedAt)
	order.UpdatedAt = stamp(r.now())

	err = pfirestore.RunTransaction(ctx, client, func(ctx context.Context, tx *firestore.Transaction) error {
		snap, err := tx.Get(ref)
		if err != nil {
			return pfirestore.WrapError("orders.save", err)
		}
		current, err := snap.DataAt("updatedAt")
		if err != nil {
			return pfirestore.WrapError("orders.save", err)
		}
		if ts, _ := current.(time.Time); !stamp(ts).Equal(expected) {
			return pfirestore.ConflictError("orders.save", "order %s was modified concurrently", order.ID)
		}
		return tx.Set(ref, orderToDoc(order))
	})
	if err != nil {
		return domain.Order{}, err
	}
	return order, nil
}
