package idempotency

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"
)

var fixedTime = time.Date(2025, time.February, 3, 9, 0, 0, 0, time.UTC)

func newRequest(key, body string) *http.Request {
	req := httptest.NewRequest(http.MethodPost, "/api/v1/internal/payments/pay_1:capture", strings.NewReader(body))
	if key != "" {
		req.Header.Set(DefaultHeader, key)
	}
	return req
}

func errorCode(t *testing.T, rec *httptest.ResponseRecorder) string {
	t.Helper()
	var body map[string]any
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode body: %v", err)
	}
	code, _ := body["error"].(string)
	return code
}

func TestMiddlewareRequiresKey(t *testing.T) {
	called := false
	handler := Middleware(NewMemoryStore())(http.HandlerFunc(func(http.ResponseWriter, *http.Request) { called = true }))

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, newRequest("", `{}`))

	if called {
		t.Fatalf("expected handler not to run without key")
	}
	if rec.Code != http.StatusBadRequest || errorCode(t, rec) != "idempotency_key_required" {
		t.Fatalf("expected 400 idempotency_key_required, got %d %s", rec.Code, rec.Body.String())
	}
}

func TestMiddlewareReplaysCompletedResponse(t *testing.T) {
	calls := 0
	handler := Middleware(NewMemoryStore(), WithClock(func() time.Time { return fixedTime }))(
		http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			calls++
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(http.StatusOK)
			_, _ = w.Write([]byte(`{"state":"capture_completed"}`))
		}))

	first := httptest.NewRecorder()
	handler.ServeHTTP(first, newRequest("k-1", `{"amount":"10.00"}`))
	second := httptest.NewRecorder()
	handler.ServeHTTP(second, newRequest("k-1", `{"amount":"10.00"}`))

	if calls != 1 {
		t.Fatalf("expected one handler call, got %d", calls)
	}
	if second.Header().Get(ReplayHeader) != "true" {
		t.Fatalf("expected replay header on second response")
	}
	if second.Body.String() != first.Body.String() {
		t.Fatalf("expected identical body, got %q vs %q", second.Body.String(), first.Body.String())
	}
}

func TestMiddlewareRejectsReusedKeyWithDifferentBody(t *testing.T) {
	handler := Middleware(NewMemoryStore())(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))

	handler.ServeHTTP(httptest.NewRecorder(), newRequest("k-2", `{"amount":"10.00"}`))
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, newRequest("k-2", `{"amount":"5.00"}`))

	if rec.Code != http.StatusConflict || errorCode(t, rec) != "idempotency_key_conflict" {
		t.Fatalf("expected 409 idempotency_key_conflict, got %d %s", rec.Code, rec.Body.String())
	}
}

func TestMiddlewareReleasesKeyOnServerError(t *testing.T) {
	calls := 0
	handler := Middleware(NewMemoryStore())(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		if calls == 1 {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))

	first := httptest.NewRecorder()
	handler.ServeHTTP(first, newRequest("k-3", `{}`))
	second := httptest.NewRecorder()
	handler.ServeHTTP(second, newRequest("k-3", `{}`))

	if first.Code != http.StatusBadGateway || second.Code != http.StatusOK || calls != 2 {
		t.Fatalf("expected retry after 502, got %d then %d over %d calls", first.Code, second.Code, calls)
	}
}

func TestMemoryStoreLeaseExpiry(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()

	res, err := store.Reserve(ctx, "ipn:abc", "abc", fixedTime, time.Minute)
	if err != nil || res.State != ReservationNew {
		t.Fatalf("expected new reservation, got %v (%v)", res.State, err)
	}
	res, _ = store.Reserve(ctx, "ipn:abc", "abc", fixedTime.Add(30*time.Second), time.Minute)
	if res.State != ReservationPending {
		t.Fatalf("expected pending within lease, got %v", res.State)
	}
	res, _ = store.Reserve(ctx, "ipn:abc", "abc", fixedTime.Add(2*time.Minute), time.Minute)
	if res.State != ReservationNew {
		t.Fatalf("expected lease to lapse, got %v", res.State)
	}

	if err := store.Complete(ctx, "ipn:abc", "abc", Response{}, fixedTime.Add(2*time.Minute), time.Hour); err != nil {
		t.Fatalf("complete: %v", err)
	}
	res, _ = store.Reserve(ctx, "ipn:abc", "abc", fixedTime.Add(30*time.Minute), time.Minute)
	if res.State != ReservationCompleted {
		t.Fatalf("expected completed record, got %v", res.State)
	}

	removed, _ := store.CleanupExpired(ctx, fixedTime.Add(3*time.Hour), 10)
	if removed != 1 {
		t.Fatalf("expected 1 expired record removed, got %d", removed)
	}
}
