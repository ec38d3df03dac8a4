// Package memory provides mutex guarded repositories for local runs and tests.
package memory

import (
	"context"
	"fmt"
	"maps"
	"slices"
	"sort"
	"sync"
	"time"

	"github.com/hanko-field/paypal-express/internal/domain"
	"github.com/hanko-field/paypal-express/internal/repositories"
)

// Clock returns the timestamp written to UpdatedAt on save.
type Clock func() time.Time

func clockOrNow(c Clock) Clock {
	if c == nil {
		return func() time.Time { return time.Now().UTC() }
	}
	return c
}

// OrderRepository keeps orders in a map.
type OrderRepository struct {
	mu     sync.RWMutex
	orders map[string]domain.Order
	now    Clock
}

var _ repositories.OrderRepository = (*OrderRepository)(nil)

// NewOrderRepository returns a repository seeded with orders.
func NewOrderRepository(now Clock, orders ...domain.Order) *OrderRepository {
	r := &OrderRepository{orders: make(map[string]domain.Order, len(orders)), now: clockOrNow(now)}
	for _, o := range orders {
		r.orders[o.ID] = cloneOrder(o)
	}
	return r
}

func (r *OrderRepository) FindByID(_ context.Context, id string) (domain.Order, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	order, ok := r.orders[id]
	if !ok {
		return domain.Order{}, fmt.Errorf("order %s: %w", id, repositories.ErrNotFound)
	}
	return cloneOrder(order), nil
}

func (r *OrderRepository) Save(_ context.Context, order domain.Order) (domain.Order, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	current, ok := r.orders[order.ID]
	if !ok {
		return domain.Order{}, fmt.Errorf("order %s: %w", order.ID, repositories.ErrNotFound)
	}
	if !current.UpdatedAt.Equal(order.UpdatedAt) {
		return domain.Order{}, fmt.Errorf("order %s: %w", order.ID, repositories.ErrConflict)
	}
	order.UpdatedAt = r.now()
	r.orders[order.ID] = cloneOrder(order)
	return cloneOrder(order), nil
}

// PaymentRepository keeps payments in a map with a remote id index.
type PaymentRepository struct {
	mu       sync.RWMutex
	payments map[string]domain.Payment
	byRemote map[string]string
	now      Clock
}

var _ repositories.PaymentRepository = (*PaymentRepository)(nil)

// NewPaymentRepository returns an empty repository.
func NewPaymentRepository(now Clock) *PaymentRepository {
	return &PaymentRepository{
		payments: make(map[string]domain.Payment),
		byRemote: make(map[string]string),
		now:      clockOrNow(now),
	}
}

func (r *PaymentRepository) Create(_ context.Context, payment domain.Payment) (domain.Payment, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.payments[payment.ID]; exists {
		return domain.Payment{}, fmt.Errorf("payment %s: %w", payment.ID, repositories.ErrConflict)
	}
	now := r.now()
	if payment.CreatedAt.IsZero() {
		payment.CreatedAt = now
	}
	payment.UpdatedAt = now
	r.store(payment)
	return clonePayment(payment), nil
}

func (r *PaymentRepository) Save(_ context.Context, payment domain.Payment) (domain.Payment, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	current, ok := r.payments[payment.ID]
	if !ok {
		return domain.Payment{}, fmt.Errorf("payment %s: %w", payment.ID, repositories.ErrNotFound)
	}
	if !current.UpdatedAt.Equal(payment.UpdatedAt) {
		return domain.Payment{}, fmt.Errorf("payment %s: %w", payment.ID, repositories.ErrConflict)
	}
	if current.RemoteID != payment.RemoteID {
		delete(r.byRemote, current.RemoteID)
	}
	payment.UpdatedAt = r.now()
	r.store(payment)
	return clonePayment(payment), nil
}

func (r *PaymentRepository) store(payment domain.Payment) {
	r.payments[payment.ID] = clonePayment(payment)
	if payment.RemoteID != "" {
		r.byRemote[payment.RemoteID] = payment.ID
	}
}

func (r *PaymentRepository) FindByID(_ context.Context, id string) (domain.Payment, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	payment, ok := r.payments[id]
	if !ok {
		return domain.Payment{}, fmt.Errorf("payment %s: %w", id, repositories.ErrNotFound)
	}
	return clonePayment(payment), nil
}

func (r *PaymentRepository) FindByRemoteID(_ context.Context, remoteID string) (domain.Payment, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	id, ok := r.byRemote[remoteID]
	if !ok || remoteID == "" {
		return domain.Payment{}, fmt.Errorf("payment with remote id %s: %w", remoteID, repositories.ErrNotFound)
	}
	return clonePayment(r.payments[id]), nil
}

func (r *PaymentRepository) ListByOrder(_ context.Context, orderID string) ([]domain.Payment, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []domain.Payment
	for _, p := range r.payments {
		if p.OrderID == orderID {
			out = append(out, clonePayment(p))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func cloneOrder(o domain.Order) domain.Order {
	o.Items = slices.Clone(o.Items)
	if o.Data != nil {
		data := maps.Clone(o.Data)
		for k, v := range data {
			if nested, ok := v.(map[string]any); ok {
				data[k] = maps.Clone(nested)
			}
		}
		o.Data = data
	}
	return o
}

func clonePayment(p domain.Payment) domain.Payment {
	p.RefundIDs = slices.Clone(p.RefundIDs)
	if p.AuthorizedAt != nil {
		t := *p.AuthorizedAt
		p.AuthorizedAt = &t
	}
	if p.CapturedAt != nil {
		t := *p.CapturedAt
		p.CapturedAt = &t
	}
	return p
}
