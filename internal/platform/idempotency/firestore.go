package idempotency

import (
	"context"
	"time"

	"cloud.google.com/go/firestore"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	pfirestore "github.com/hanko-field/paypal-express/internal/platform/firestore"
)

// DefaultCollection stores one document per hashed key.
const DefaultCollection = "idempotency_keys"

// FirestoreStore persists records in Firestore with transactional reservation.
type FirestoreStore struct {
	client     *firestore.Client
	collection string
}

// NewFirestoreStore returns a store writing to collection, or DefaultCollection when empty.
func NewFirestoreStore(client *firestore.Client, collection string) *FirestoreStore {
	if collection == "" {
		collection = DefaultCollection
	}
	return &FirestoreStore{client: client, collection: collection}
}

func (s *FirestoreStore) ref(key string) *firestore.DocumentRef {
	return s.client.Collection(s.collection).Doc(HashKey(key))
}

func (s *FirestoreStore) Reserve(ctx context.Context, key, fingerprint string, now time.Time, ttl time.Duration) (Reservation, error) {
	now = now.UTC()
	ref := s.ref(key)

	var out Reservation
	err := pfirestore.RunTransaction(ctx, s.client, func(ctx context.Context, tx *firestore.Transaction) error {
		snap, err := tx.Get(ref)
		if err != nil && status.Code(err) != codes.NotFound {
			return err
		}
		if err == nil {
			var doc recordDoc
			if err := snap.DataTo(&doc); err != nil {
				return err
			}
			existing := doc.record()
			if !expired(existing, now) {
				if existing.Fingerprint != fingerprint {
					return ErrFingerprintMismatch
				}
				out = Reservation{State: classify(existing), Record: existing}
				return nil
			}
		}
		record := pendingRecord(key, fingerprint, now, normalizeTTL(ttl))
		out = Reservation{State: ReservationNew, Record: record}
		return tx.Set(ref, docFrom(record))
	})
	if err != nil {
		return Reservation{}, err
	}
	return out, nil
}

func (s *FirestoreStore) Complete(ctx context.Context, key, fingerprint string, resp Response, now time.Time, ttl time.Duration) error {
	now = now.UTC()
	ref := s.ref(key)
	return pfirestore.RunTransaction(ctx, s.client, func(ctx context.Context, tx *firestore.Transaction) error {
		record := Record{Key: key, Fingerprint: fingerprint, CreatedAt: now}
		snap, err := tx.Get(ref)
		switch {
		case err == nil:
			var doc recordDoc
			if err := snap.DataTo(&doc); err != nil {
				return err
			}
			if doc.Fingerprint != fingerprint {
				return ErrFingerprintMismatch
			}
			record.CreatedAt = doc.CreatedAt
		case status.Code(err) != codes.NotFound:
			return err
		}
		record.Status = StatusCompleted
		record.ResponseStatus = resp.Status
		record.ResponseHeaders = storableHeaders(resp.Headers)
		record.ResponseBody = resp.Body
		record.UpdatedAt = now
		record.ExpiresAt = now.Add(normalizeTTL(ttl))
		return tx.Set(ref, docFrom(record))
	})
}

func (s *FirestoreStore) Release(ctx context.Context, key, fingerprint string) error {
	ref := s.ref(key)
	return pfirestore.RunTransaction(ctx, s.client, func(ctx context.Context, tx *firestore.Transaction) error {
		snap, err := tx.Get(ref)
		if status.Code(err) == codes.NotFound {
			return nil
		}
		if err != nil {
			return err
		}
		if fp, _ := snap.DataAt("fingerprint"); fp != fingerprint {
			return nil
		}
		return tx.Delete(ref)
	})
}

// CleanupExpired deletes up to limit expired records in one batch.
func (s *FirestoreStore) CleanupExpired(ctx context.Context, now time.Time, limit int) (int, error) {
	if limit <= 0 {
		limit = 100
	}
	docs, err := s.client.Collection(s.collection).
		Where("expiresAt", "<=", now.UTC()).
		Limit(limit).
		Documents(ctx).GetAll()
	if err != nil || len(docs) == 0 {
		return 0, pfirestore.WrapError("idempotency.cleanup", err)
	}
	bw := s.client.BulkWriter(ctx)
	for _, doc := range docs {
		if _, err := bw.Delete(doc.Ref); err != nil {
			bw.End()
			return 0, pfirestore.WrapError("idempotency.cleanup", err)
		}
	}
	bw.End()
	return len(docs), nil
}

type recordDoc struct {
	Key             string              `firestore:"key"`
	Fingerprint     string              `firestore:"fingerprint"`
	Status          string              `firestore:"status"`
	ResponseStatus  int                 `firestore:"responseStatus"`
	ResponseHeaders map[string][]string `firestore:"responseHeaders,omitempty"`
	ResponseBody    []byte              `firestore:"responseBody,omitempty"`
	CreatedAt       time.Time           `firestore:"createdAt"`
	UpdatedAt       time.Time           `firestore:"updatedAt"`
	ExpiresAt       time.Time           `firestore:"expiresAt"`
}

func docFrom(r Record) recordDoc {
	return recordDoc{
		Key:             r.Key,
		Fingerprint:     r.Fingerprint,
		Status:          string(r.Status),
		ResponseStatus:  r.ResponseStatus,
		ResponseHeaders: r.ResponseHeaders,
		ResponseBody:    r.ResponseBody,
		CreatedAt:       r.CreatedAt,
		UpdatedAt:       r.UpdatedAt,
		ExpiresAt:       r.ExpiresAt,
	}
}

func (d recordDoc) record() Record {
	return Record{
		Key:             d.Key,
		Fingerprint:     d.Fingerprint,
		Status:          Status(d.Status),
		ResponseStatus:  d.ResponseStatus,
		ResponseHeaders: d.ResponseHeaders,
		ResponseBody:    d.ResponseBody,
		CreatedAt:       d.CreatedAt,
		UpdatedAt:       d.UpdatedAt,
		ExpiresAt:       d.ExpiresAt,
	}
}
