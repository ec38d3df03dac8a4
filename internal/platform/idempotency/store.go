// Package idempotency deduplicates retried mutations, both HTTP requests with
// an Idempotency-Key header and internally derived keys such as IPN body hashes.
package idempotency

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"net/http"
	"strings"
	"time"
)

// DefaultTTL retains completed records for a day.
const DefaultTTL = 24 * time.Hour

// Status is the lifecycle stage of a record.
type Status string

const (
	StatusPending   Status = "pending"
	StatusCompleted Status = "completed"
)

// ReservationState is the outcome of Reserve.
type ReservationState int

const (
	// ReservationNew means the caller owns the key and must Complete or Release it.
	ReservationNew ReservationState = iota
	// ReservationCompleted means the key was already processed.
	ReservationCompleted
	// ReservationPending means another caller currently owns the key.
	ReservationPending
)

// Reservation is returned by Reserve.
type Reservation struct {
	State  ReservationState
	Record Record
}

// Record is the stored state of one key.
type Record struct {
	Key             string
	Fingerprint     string
	Status          Status
	ResponseStatus  int
	ResponseHeaders map[string][]string
	ResponseBody    []byte
	CreatedAt       time.Time
	UpdatedAt       time.Time
	ExpiresAt       time.Time
}

// Response is the outcome persisted by Complete. HTTP callers fill every
// field; internal callers may leave it zero.
type Response struct {
	Status  int
	Headers http.Header
	Body    []byte
}

// Store persists reservations. Reserve treats expired records as absent, so a
// short ttl on Reserve acts as a lease that a crashed owner cannot hold forever.
type Store interface {
	Reserve(ctx context.Context, key, fingerprint string, now time.Time, ttl time.Duration) (Reservation, error)
	Complete(ctx context.Context, key, fingerprint string, resp Response, now time.Time, ttl time.Duration) error
	Release(ctx context.Context, key, fingerprint string) error
	CleanupExpired(ctx context.Context, now time.Time, limit int) (int, error)
}

// ErrFingerprintMismatch means a key was reused for a different request.
var ErrFingerprintMismatch = errors.New("idempotency: key reserved for a different request")

// HashKey returns the hex sha256 used as the document id for key.
func HashKey(key string) string {
	return hashHex([]byte(strings.TrimSpace(key)))
}

func hashHex(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

func pendingRecord(key, fingerprint string, now time.Time, ttl time.Duration) Record {
	return Record{
		Key:         key,
		Fingerprint: fingerprint,
		Status:      StatusPending,
		CreatedAt:   now,
		UpdatedAt:   now,
		ExpiresAt:   now.Add(ttl),
	}
}

func expired(r Record, now time.Time) bool {
	return !r.ExpiresAt.IsZero() && !now.Before(r.ExpiresAt)
}

func classify(r Record) ReservationState {
	if r.Status == StatusCompleted {
		return ReservationCompleted
	}
	return ReservationPending
}

var hopByHop = map[string]struct{}{
	"Connection":          {},
	"Content-Length":      {},
	"Date":                {},
	"Keep-Alive":          {},
	"Proxy-Authenticate":  {},
	"Proxy-Authorization": {},
	"Te":                  {},
	"Trailers":            {},
	"Transfer-Encoding":   {},
	"Upgrade":             {},
}

func storableHeaders(h http.Header) map[string][]string {
	out := make(map[string][]string, len(h))
	for name, values := range h {
		name = http.CanonicalHeaderKey(name)
		if _, skip := hopByHop[name]; skip {
			continue
		}
		out[name] = append([]string(nil), values...)
	}
	if len(out) == 0 {
		return nil
	}
	return out
}

func normalizeTTL(ttl time.Duration) time.Duration {
	if ttl <= 0 {
		return DefaultTTL
	}
	return ttl
}
