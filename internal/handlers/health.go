package handlers

import (
	"net/http"
	"sort"
	"time"

	"github.com/hanko-field/paypal-express/internal/domain"
	"github.com/hanko-field/paypal-express/internal/services"
)

// HealthHandlers serves liveness and readiness probes.
type HealthHandlers struct {
	system services.SystemService
	build  services.BuildInfo
	now    func() time.Time
}

// HealthOption configures HealthHandlers.
type HealthOption func(*HealthHandlers)

// WithHealthSystemService enables dependency checks on /readyz.
func WithHealthSystemService(svc services.SystemService) HealthOption {
	return func(h *HealthHandlers) { h.system = svc }
}

// WithHealthBuildInfo sets the metadata reported by /healthz.
func WithHealthBuildInfo(info services.BuildInfo) HealthOption {
	return func(h *HealthHandlers) { h.build = info }
}

// WithHealthClock overrides the clock.
func WithHealthClock(now func() time.Time) HealthOption {
	return func(h *HealthHandlers) {
		if now != nil {
			h.now = now
		}
	}
}

// NewHealthHandlers builds probes. Without a system service /readyz always reports ok.
func NewHealthHandlers(opts ...HealthOption) *HealthHandlers {
	h := &HealthHandlers{now: time.Now}
	for _, opt := range opts {
		opt(h)
	}
	if h.build.StartedAt.IsZero() {
		h.build.StartedAt = h.now()
	}
	return h
}

type healthCheckPayload struct {
	Status    domain.HealthStatus `json:"status"`
	LatencyMS int64               `json:"latencyMs"`
	Detail    string              `json:"detail,omitempty"`
	CheckedAt string              `json:"checkedAt,omitempty"`
}

type healthPayload struct {
	Status      domain.HealthStatus           `json:"status"`
	Version     string                        `json:"version,omitempty"`
	CommitSHA   string                        `json:"commitSha,omitempty"`
	Environment string                        `json:"environment,omitempty"`
	Uptime      string                        `json:"uptime"`
	Timestamp   string                        `json:"timestamp"`
	Checks      map[string]healthCheckPayload `json:"checks,omitempty"`
	Details     []string                      `json:"details,omitempty"`
}

// Healthz reports that the process is serving.
func (h *HealthHandlers) Healthz(w http.ResponseWriter, _ *http.Request) {
	now := h.now().UTC()
	writeJSONResponse(w, http.StatusOK, healthPayload{
		Status:      domain.HealthStatusOK,
		Version:     h.build.Version,
		CommitSHA:   h.build.CommitSHA,
		Environment: h.build.Environment,
		Uptime:      now.Sub(h.build.StartedAt).Round(time.Second).String(),
		Timestamp:   now.Format(time.RFC3339),
	})
}

// Readyz runs the dependency checks and answers 503 unless every check is ok.
func (h *HealthHandlers) Readyz(w http.ResponseWriter, r *http.Request) {
	now := h.now().UTC()
	if h.system == nil {
		h.Healthz(w, r)
		return
	}
	report, err := h.system.HealthReport(r.Context())
	if err != nil {
		writeJSONResponse(w, http.StatusServiceUnavailable, healthPayload{
			Status:    domain.HealthStatusError,
			Uptime:    now.Sub(h.build.StartedAt).Round(time.Second).String(),
			Timestamp: now.Format(time.RFC3339),
			Details:   []string{err.Error()},
		})
		return
	}

	payload := healthPayload{
		Status:      report.Status,
		Version:     firstNonEmpty(report.Version, h.build.Version),
		CommitSHA:   firstNonEmpty(report.CommitSHA, h.build.CommitSHA),
		Environment: firstNonEmpty(report.Environment, h.build.Environment),
		Uptime:      report.Uptime.Round(time.Second).String(),
		Timestamp:   now.Format(time.RFC3339),
		Checks:      make(map[string]healthCheckPayload, len(report.Checks)),
	}
	if payload.Status == "" {
		payload.Status = domain.HealthStatusOK
	}
	names := make([]string, 0, len(report.Checks))
	for name := range report.Checks {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		check := report.Checks[name]
		entry := healthCheckPayload{
			Status:    check.Status,
			LatencyMS: check.Latency.Milliseconds(),
			Detail:    check.Detail,
		}
		if !check.CheckedAt.IsZero() {
			entry.CheckedAt = check.CheckedAt.UTC().Format(time.RFC3339Nano)
		}
		payload.Checks[name] = entry
		if check.Status != domain.HealthStatusOK && check.Detail != "" {
			payload.Details = append(payload.Details, name+": "+check.Detail)
		}
	}

	status := http.StatusOK
	if payload.Status != domain.HealthStatusOK {
		status = http.StatusServiceUnavailable
	}
	writeJSONResponse(w, status, payload)
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}
