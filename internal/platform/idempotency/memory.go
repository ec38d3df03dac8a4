package idempotency

import (
	"context"
	"sync"
	"time"
)

// MemoryStore keeps records in process; used for tests and local runs.
type MemoryStore struct {
	mu      sync.Mutex
	records map[string]Record
}

// NewMemoryStore returns an empty store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{records: make(map[string]Record)}
}

func (s *MemoryStore) Reserve(_ context.Context, key, fingerprint string, now time.Time, ttl time.Duration) (Reservation, error) {
	now = now.UTC()
	id := HashKey(key)

	s.mu.Lock()
	defer s.mu.Unlock()

	if existing, ok := s.records[id]; ok && !expired(existing, now) {
		if existing.Fingerprint != fingerprint {
			return Reservation{}, ErrFingerprintMismatch
		}
		return Reservation{State: classify(existing), Record: existing}, nil
	}
	record := pendingRecord(key, fingerprint, now, normalizeTTL(ttl))
	s.records[id] = record
	return Reservation{State: ReservationNew, Record: record}, nil
}

func (s *MemoryStore) Complete(_ context.Context, key, fingerprint string, resp Response, now time.Time, ttl time.Duration) error {
	now = now.UTC()
	id := HashKey(key)

	s.mu.Lock()
	defer s.mu.Unlock()

	record, ok := s.records[id]
	if ok && record.Fingerprint != fingerprint {
		return ErrFingerprintMismatch
	}
	if !ok {
		record = Record{Key: key, Fingerprint: fingerprint, CreatedAt: now}
	}
	record.Status = StatusCompleted
	record.ResponseStatus = resp.Status
	record.ResponseHeaders = storableHeaders(resp.Headers)
	record.ResponseBody = append([]byte(nil), resp.Body...)
	record.UpdatedAt = now
	record.ExpiresAt = now.Add(normalizeTTL(ttl))
	s.records[id] = record
	return nil
}

func (s *MemoryStore) Release(_ context.Context, key, fingerprint string) error {
	id := HashKey(key)
	s.mu.Lock()
	defer s.mu.Unlock()
	if record, ok := s.records[id]; ok && record.Fingerprint == fingerprint {
		delete(s.records, id)
	}
	return nil
}

func (s *MemoryStore) CleanupExpired(_ context.Context, now time.Time, limit int) (int, error) {
	now = now.UTC()
	s.mu.Lock()
	defer s.mu.Unlock()

	removed := 0
	for id, record := range s.records {
		if limit > 0 && removed >= limit {
			break
		}
		if expired(record, now) {
			delete(s.records, id)
			removed++
		}
	}
	return removed, nil
}
