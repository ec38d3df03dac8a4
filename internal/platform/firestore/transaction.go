package firestore

import (
	"context"
	"errors"
	"time"

	"cloud.google.com/go/firestore"
)

const (
	defaultTxAttempts = 5
	defaultTxTimeout  = 15 * time.Second
)

// TxFunc runs inside a Firestore transaction and may be retried.
type TxFunc func(ctx context.Context, tx *firestore.Transaction) error

// RunTransaction executes fn with bounded retries and a deadline no later than
// the default transaction timeout.
func RunTransaction(ctx context.Context, client *firestore.Client, fn TxFunc) error {
	if client == nil {
		return errors.New("firestore: client is nil")
	}
	if deadline, ok := ctx.Deadline(); !ok || time.Until(deadline) > defaultTxTimeout {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, defaultTxTimeout)
		defer cancel()
	}
	err := client.RunTransaction(ctx, func(ctx context.Context, tx *firestore.Transaction) error {
		return fn(ctx, tx)
	}, firestore.MaxAttempts(defaultTxAttempts))
	return WrapError("transaction", err)
}
