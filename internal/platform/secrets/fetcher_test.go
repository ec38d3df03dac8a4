package secrets

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"cloud.google.com/go/secretmanager/apiv1/secretmanagerpb"
	"github.com/googleapis/gax-go/v2"
	"go.uber.org/zap"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

type fakeSecretClient struct {
	mu     sync.Mutex
	values map[string]string
	errs   map[string]error
	calls  map[string]int
}

func newFakeSecretClient() *fakeSecretClient {
	return &fakeSecretClient{
		values: map[string]string{},
		errs:   map[string]error{},
		calls:  map[string]int{},
	}
}

func (c *fakeSecretClient) AccessSecretVersion(_ context.Context, req *secretmanagerpb.AccessSecretVersionRequest, _ ...gax.CallOption) (*secretmanagerpb.AccessSecretVersionResponse, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.calls[req.GetName()]++
	if err := c.errs[req.GetName()]; err != nil {
		return nil, err
	}
	value, ok := c.values[req.GetName()]
	if !ok {
		return nil, status.Error(codes.NotFound, "missing")
	}
	return &secretmanagerpb.AccessSecretVersionResponse{
		Payload: &secretmanagerpb.SecretPayload{Data: []byte(value)},
	}, nil
}

func (c *fakeSecretClient) Close() error { return nil }

func (c *fakeSecretClient) callCount(name string) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.calls[name]
}

func TestResolveCachesRemoteSecret(t *testing.T) {
	ctx := context.Background()
	client := newFakeSecretClient()
	resource := "projects/hf-prod/secrets/paypal-signature/versions/latest"
	client.values[resource] = "remote-signature\n"

	now := time.Date(2025, time.May, 1, 9, 0, 0, 0, time.UTC)
	fetcher, err := NewFetcher(ctx,
		WithSecretManagerClient(client),
		WithDefaultProject("hf-prod"),
		WithLogger(zap.NewNop()),
		WithCacheTTL(time.Minute),
		WithClock(func() time.Time { return now }),
	)
	if err != nil {
		t.Fatalf("NewFetcher returned error: %v", err)
	}
	defer fetcher.Close()

	for i := 0; i < 2; i++ {
		got, err := fetcher.ResolveSecret(ctx, "secret://paypal/signature")
		if err != nil {
			t.Fatalf("Resolve returned error: %v", err)
		}
		if got != "remote-signature" {
			t.Fatalf("expected remote-signature, got %q", got)
		}
	}
	if calls := client.callCount(resource); calls != 1 {
		t.Fatalf("expected remote fetch once, got %d", calls)
	}

	now = now.Add(2 * time.Minute)
	if _, err := fetcher.Resolve(ctx, "secret://paypal/signature"); err != nil {
		t.Fatalf("Resolve after expiry returned error: %v", err)
	}
	if calls := client.callCount(resource); calls != 2 {
		t.Fatalf("expected refetch after ttl, got %d calls", calls)
	}
}

func TestResolveHonoursVersionAndProject(t *testing.T) {
	ctx := context.Background()
	client := newFakeSecretClient()
	resource := "projects/other/secrets/paypal-password/versions/3"
	client.values[resource] = "pinned"

	fetcher, err := NewFetcher(ctx, WithSecretManagerClient(client), WithDefaultProject("hf-prod"))
	if err != nil {
		t.Fatalf("NewFetcher returned error: %v", err)
	}
	got, err := fetcher.Resolve(ctx, "secret://paypal/password?version=3&project=other")
	if err != nil {
		t.Fatalf("Resolve returned error: %v", err)
	}
	if got != "pinned" {
		t.Fatalf("expected pinned, got %q", got)
	}
}

func TestResolveFallsBackWhenSecretManagerUnavailable(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	fallbackPath := filepath.Join(dir, ".secrets.local")
	if err := os.WriteFile(fallbackPath, []byte("# local\nsm://paypal/signature=local-signature\n"), 0o600); err != nil {
		t.Fatalf("failed writing fallback file: %v", err)
	}

	client := newFakeSecretClient()
	client.errs["projects/hf-prod/secrets/paypal-signature/versions/latest"] = status.Error(codes.PermissionDenied, "denied")

	fetcher, err := NewFetcher(ctx,
		WithSecretManagerClient(client),
		WithDefaultProject("hf-prod"),
		WithFallbackFile(fallbackPath),
	)
	if err != nil {
		t.Fatalf("NewFetcher returned error: %v", err)
	}
	got, err := fetcher.Resolve(ctx, "secret://paypal/signature")
	if err != nil {
		t.Fatalf("Resolve returned error: %v", err)
	}
	if got != "local-signature" {
		t.Fatalf("expected local-signature, got %q", got)
	}
}

func TestResolveReturnsNonFallbackErrors(t *testing.T) {
	ctx := context.Background()
	client := newFakeSecretClient()
	client.errs["projects/hf-prod/secrets/paypal-signature/versions/latest"] = status.Error(codes.InvalidArgument, "bad name")

	fetcher, err := NewFetcher(ctx, WithSecretManagerClient(client), WithDefaultProject("hf-prod"), WithFallbackFile(""))
	if err != nil {
		t.Fatalf("NewFetcher returned error: %v", err)
	}
	if _, err := fetcher.Resolve(ctx, "secret://paypal/signature"); err == nil {
		t.Fatalf("expected error for invalid argument")
	}
}

func TestResolveRejectsBadReferences(t *testing.T) {
	fetcher, err := NewFetcher(context.Background(), WithFallbackFile(""))
	if err != nil {
		t.Fatalf("NewFetcher returned error: %v", err)
	}
	for _, ref := range []string{"", "https://example.com/x", "secret://"} {
		if _, err := fetcher.Resolve(context.Background(), ref); err == nil {
			t.Fatalf("expected error for %q", ref)
		}
	}
}
