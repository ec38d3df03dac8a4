// Package repositories defines the persistence contracts used by the services.
package repositories

import (
	"context"
	"errors"

	"github.com/hanko-field/paypal-express/internal/domain"
)

// OrderRepository reads and writes the orders the gateway pays for.
type OrderRepository interface {
	FindByID(ctx context.Context, id string) (domain.Order, error)
	// Save persists the order. The stored UpdatedAt must equal order.UpdatedAt,
	// otherwise a conflict is returned. The saved copy carries the new UpdatedAt.
	Save(ctx context.Context, order domain.Order) (domain.Order, error)
}

// PaymentRepository stores payments.
type PaymentRepository interface {
	Create(ctx context.Context, payment domain.Payment) (domain.Payment, error)
	// Save follows the same optimistic rule as OrderRepository.Save.
	Save(ctx context.Context, payment domain.Payment) (domain.Payment, error)
	FindByID(ctx context.Context, id string) (domain.Payment, error)
	FindByRemoteID(ctx context.Context, remoteID string) (domain.Payment, error)
	ListByOrder(ctx context.Context, orderID string) ([]domain.Payment, error)
}

// HealthRepository probes backing services for readiness.
type HealthRepository interface {
	Collect(ctx context.Context) (domain.SystemHealthReport, error)
}

// RepositoryError is implemented by backend errors that carry classification.
type RepositoryError interface {
	error
	IsNotFound() bool
	IsConflict() bool
	IsUnavailable() bool
}

var (
	// ErrNotFound is returned by in-memory repositories for missing records.
	ErrNotFound = errors.New("repositories: not found")
	// ErrConflict is returned by in-memory repositories for stale writes.
	ErrConflict = errors.New("repositories: conflict")
)

// IsNotFound reports whether err means the record does not exist.
func IsNotFound(err error) bool {
	if errors.Is(err, ErrNotFound) {
		return true
	}
	var repoErr RepositoryError
	return errors.As(err, &repoErr) && repoErr.IsNotFound()
}

// IsConflict reports whether err means a concurrent writer won.
func IsConflict(err error) bool {
	if errors.Is(err, ErrConflict) {
		return true
	}
	var repoErr RepositoryError
	return errors.As(err, &repoErr) && repoErr.IsConflict()
}
