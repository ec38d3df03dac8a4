package repositories

import (
	"context"
	"errors"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/hanko-field/paypal-express/internal/domain"
)

const defaultProbeTimeout = 1500 * time.Millisecond

// DependencyCheck is one readiness probe.
type DependencyCheck struct {
	Name    string
	Timeout time.Duration
	Check   func(context.Context) error
}

// DependencyHealthRepository runs its checks concurrently on each Collect.
type DependencyHealthRepository struct {
	checks []DependencyCheck
	now    func() time.Time
}

var _ HealthRepository = (*DependencyHealthRepository)(nil)

// NewDependencyHealthRepository validates checks. A nil clock uses time.Now.
func NewDependencyHealthRepository(checks []DependencyCheck, now func() time.Time) (*DependencyHealthRepository, error) {
	for _, c := range checks {
		if strings.TrimSpace(c.Name) == "" || c.Check == nil {
			return nil, errors.New("health repository: every check needs a name and a function")
		}
	}
	if now == nil {
		now = time.Now
	}
	return &DependencyHealthRepository{checks: append([]DependencyCheck(nil), checks...), now: now}, nil
}

// Collect never fails because of a probe; failures are reported per check.
func (r *DependencyHealthRepository) Collect(ctx context.Context) (domain.SystemHealthReport, error) {
	var (
		mu      sync.Mutex
		results = make(map[string]domain.SystemHealthCheck, len(r.checks))
	)
	g, gctx := errgroup.WithContext(ctx)
	for _, check := range r.checks {
		check := check
		g.Go(func() error {
			timeout := check.Timeout
			if timeout <= 0 {
				timeout = defaultProbeTimeout
			}
			probeCtx, cancel := context.WithTimeout(gctx, timeout)
			defer cancel()

			start := r.now()
			err := check.Check(probeCtx)
			end := r.now()

			result := domain.SystemHealthCheck{Status: domain.HealthStatusOK, Detail: "ok", Latency: end.Sub(start), CheckedAt: end}
			switch {
			case err == nil:
			case errors.Is(err, context.DeadlineExceeded):
				result.Status, result.Detail = domain.HealthStatusError, "timeout"
			default:
				result.Status, result.Detail = domain.HealthStatusDegraded, err.Error()
			}
			mu.Lock()
			results[check.Name] = result
			mu.Unlock()
			return nil
		})
	}
	_ = g.Wait()

	status := domain.HealthStatusOK
	for _, res := range results {
		if res.Status == domain.HealthStatusError {
			status = domain.HealthStatusError
			break
		}
		if res.Status == domain.HealthStatusDegraded {
			status = domain.HealthStatusDegraded
		}
	}
	return domain.SystemHealthReport{Status: status, Checks: results, GeneratedAt: r.now()}, nil
}
