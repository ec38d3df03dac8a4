package services

import (
	"context"
	"errors"
	"time"

	"github.com/hanko-field/paypal-express/internal/domain"
	"github.com/hanko-field/paypal-express/internal/repositories"
)

// SystemServiceDeps wires the readiness reporter.
type SystemServiceDeps struct {
	HealthRepository repositories.HealthRepository
	Clock            func() time.Time
	Build            BuildInfo
}

type readinessReporter struct {
	probes repositories.HealthRepository
	now    func() time.Time
	build  BuildInfo
}

// NewSystemService returns a SystemService that stamps dependency reports with build metadata.
func NewSystemService(deps SystemServiceDeps) (SystemService, error) {
	if deps.HealthRepository == nil {
		return nil, errors.New("system service: health repository is required")
	}
	now := deps.Clock
	if now == nil {
		now = time.Now
	}
	r := &readinessReporter{
		probes: deps.HealthRepository,
		now:    func() time.Time { return now().UTC() },
		build:  deps.Build,
	}
	if r.build.StartedAt.IsZero() {
		r.build.StartedAt = r.now()
	}
	return r, nil
}

func (r *readinessReporter) HealthReport(ctx context.Context) (SystemHealthReport, error) {
	collected, err := r.probes.Collect(ctx)
	if err != nil {
		return SystemHealthReport{}, err
	}
	now := r.now()
	out := SystemHealthReport{
		Status:      collected.Status,
		Checks:      collected.Checks,
		GeneratedAt: collected.GeneratedAt,
		Version:     r.build.Version,
		CommitSHA:   r.build.CommitSHA,
		Environment: r.build.Environment,
		Uptime:      now.Sub(r.build.StartedAt),
	}
	if out.Checks == nil {
		out.Checks = make(map[string]domain.SystemHealthCheck)
	}
	if out.GeneratedAt.IsZero() {
		out.GeneratedAt = now
	}
	if out.Status == "" {
		out.Status = worstStatus(out.Checks)
	}
	return out, nil
}

// worstStatus ranks error over degraded over ok.
func worstStatus(checks map[string]domain.SystemHealthCheck) domain.HealthStatus {
	worst := domain.HealthStatusOK
	for _, c := range checks {
		if c.Status == domain.HealthStatusError {
			return domain.HealthStatusError
		}
		if c.Status == domain.HealthStatusDegraded {
			worst = domain.HealthStatusDegraded
		}
	}
	return worst
}
