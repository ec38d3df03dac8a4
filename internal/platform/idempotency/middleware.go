package idempotency

import (
	"bytes"
	"errors"
	"io"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/hanko-field/paypal-express/internal/platform/auth"
	"github.com/hanko-field/paypal-express/internal/platform/httpx"
	"github.com/hanko-field/paypal-express/internal/platform/requestctx"
)

const (
	// DefaultHeader carries the client supplied key.
	DefaultHeader = "Idempotency-Key"
	// ReplayHeader marks responses served from the store.
	ReplayHeader = "X-Idempotent-Replay"
)

type options struct {
	header string
	ttl    time.Duration
	now    func() time.Time
}

// Option customises Middleware.
type Option func(*options)

// WithHeader overrides the key header name.
func WithHeader(name string) Option {
	return func(o *options) {
		if name = strings.TrimSpace(name); name != "" {
			o.header = name
		}
	}
}

// WithTTL sets how long completed responses are replayed.
func WithTTL(ttl time.Duration) Option {
	return func(o *options) {
		if ttl > 0 {
			o.ttl = ttl
		}
	}
}

// WithClock injects the time source.
func WithClock(now func() time.Time) Option {
	return func(o *options) {
		if now != nil {
			o.now = now
		}
	}
}

// Middleware requires an idempotency key on POST requests and replays the
// stored response for retries. Keys are scoped to the calling service
// identity. Server errors release the key so the caller may retry.
func Middleware(store Store, opts ...Option) func(http.Handler) http.Handler {
	cfg := options{header: DefaultHeader, ttl: DefaultTTL, now: time.Now}
	for _, opt := range opts {
		if opt != nil {
			opt(&cfg)
		}
	}

	return func(next http.Handler) http.Handler {
		if store == nil {
			return next
		}
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if r.Method != http.MethodPost {
				next.ServeHTTP(w, r)
				return
			}
			ctx := r.Context()
			logger := requestctx.Logger(ctx)

			key := strings.TrimSpace(r.Header.Get(cfg.header))
			if key == "" {
				httpx.WriteError(ctx, w, httpx.NewError("idempotency_key_required", cfg.header+" header is required", http.StatusBadRequest))
				return
			}

			body, err := bufferBody(r)
			if err != nil {
				httpx.WriteError(ctx, w, httpx.NewError("invalid_request", "unable to read request body", http.StatusBadRequest))
				return
			}

			caller := "anonymous"
			if identity, ok := auth.ServiceIdentityFromContext(ctx); ok && identity.Principal() != "" {
				caller = identity.Principal()
			}
			scoped := caller + "|" + key
			fingerprint := hashHex([]byte(strings.Join([]string{r.Method, r.URL.Path, r.URL.RawQuery, hashHex(body)}, "|")))

			reservation, err := store.Reserve(ctx, scoped, fingerprint, cfg.now(), cfg.ttl)
			switch {
			case errors.Is(err, ErrFingerprintMismatch):
				httpx.WriteError(ctx, w, httpx.NewError("idempotency_key_conflict", "idempotency key reused with a different request", http.StatusConflict))
				return
			case err != nil:
				logger.Error("idempotency reserve failed", zap.Error(err))
				httpx.WriteError(ctx, w, httpx.NewError("idempotency_unavailable", "unable to process idempotency key", http.StatusServiceUnavailable))
				return
			}

			switch reservation.State {
			case ReservationCompleted:
				replay(w, reservation.Record)
				return
			case ReservationPending:
				httpx.WriteError(ctx, w, httpx.NewError("idempotency_in_progress", "a request with this idempotency key is in progress", http.StatusConflict))
				return
			}

			rec := &bufferedWriter{header: make(http.Header)}
			next.ServeHTTP(rec, r)

			if rec.statusCode() >= http.StatusInternalServerError {
				if err := store.Release(ctx, scoped, fingerprint); err != nil {
					logger.Warn("idempotency release failed", zap.Error(err))
				}
			} else if err := store.Complete(ctx, scoped, fingerprint, Response{
				Status:  rec.statusCode(),
				Headers: rec.header,
				Body:    rec.body.Bytes(),
			}, cfg.now(), cfg.ttl); err != nil {
				logger.Error("idempotency complete failed", zap.Error(err))
				if err := store.Release(ctx, scoped, fingerprint); err != nil {
					logger.Warn("idempotency release failed", zap.Error(err))
				}
			}
			rec.flush(w)
		})
	}
}

func bufferBody(r *http.Request) ([]byte, error) {
	if r.Body == nil {
		return nil, nil
	}
	data, err := io.ReadAll(r.Body)
	_ = r.Body.Close()
	if err != nil {
		return nil, err
	}
	r.Body = io.NopCloser(bytes.NewReader(data))
	return data, nil
}

func replay(w http.ResponseWriter, record Record) {
	for name, values := range record.ResponseHeaders {
		w.Header()[name] = append([]string(nil), values...)
	}
	w.Header().Set(ReplayHeader, "true")
	status := record.ResponseStatus
	if status == 0 {
		status = http.StatusOK
	}
	w.WriteHeader(status)
	_, _ = w.Write(record.ResponseBody)
}

type bufferedWriter struct {
	header http.Header
	status int
	body   bytes.Buffer
}

func (b *bufferedWriter) Header() http.Header { return b.header }

func (b *bufferedWriter) WriteHeader(status int) {
	if b.status == 0 {
		b.status = status
	}
}

func (b *bufferedWriter) Write(p []byte) (int, error) {
	if b.status == 0 {
		b.status = http.StatusOK
	}
	return b.body.Write(p)
}

func (b *bufferedWriter) statusCode() int {
	if b.status == 0 {
		return http.StatusOK
	}
	return b.status
}

func (b *bufferedWriter) flush(w http.ResponseWriter) {
	for name, values := range b.header {
		w.Header()[name] = values
	}
	w.WriteHeader(b.statusCode())
	_, _ = w.Write(b.body.Bytes())
}
