package handlers

import (
	"context"
	"net/http"
	"sort"
	"time"

	"go.uber.org/zap"

	"finitefield.org/seomatic-meta/internal/platform/httpx"
	"finitefield.org/seomatic-meta/internal/platform/requestctx"
)

const (
	healthStatusOK       = "ok"
	healthStatusDegraded = "degraded"
)

// BuildInfo describes the running binary.
type BuildInfo struct {
	Version     string
	CommitSHA   string
	Environment string
}

// ReadinessCheck reports whether one dependency is usable.
type ReadinessCheck func(ctx context.Context) error

// HealthHandlers serves /healthz and /readyz.
type HealthHandlers struct {
	clock     func() time.Time
	startedAt time.Time
	build     BuildInfo
	checks    map[string]ReadinessCheck
}

// HealthOption customises HealthHandlers.
type HealthOption func(*HealthHandlers)

// WithHealthClock overrides the clock used for uptime and timestamps.
func WithHealthClock(clock func() time.Time) HealthOption {
	return func(h *HealthHandlers) {
		if clock != nil {
			h.clock = clock
		}
	}
}

// WithHealthStartedAt sets the process start time reported as uptime.
func WithHealthStartedAt(t time.Time) HealthOption {
	return func(h *HealthHandlers) {
		h.startedAt = t
	}
}

func WithHealthBuildInfo(info BuildInfo) HealthOption {
	return func(h *HealthHandlers) {
		h.build = info
	}
}

// WithReadinessCheck registers a named check run by /readyz.
func WithReadinessCheck(name string, check ReadinessCheck) HealthOption {
	return func(h *HealthHandlers) {
		if name != "" && check != nil {
			h.checks[name] = check
		}
	}
}

// NewHealthHandlers constructs the health handlers.
func NewHealthHandlers(opts ...HealthOption) *HealthHandlers {
	h := &HealthHandlers{
		clock:  time.Now,
		checks: make(map[string]ReadinessCheck),
	}
	for _, opt := range opts {
		opt(h)
	}
	if h.startedAt.IsZero() {
		h.startedAt = h.clock()
	}
	return h
}

// Healthz reports liveness. It never consults dependencies.
func (h *HealthHandlers) Healthz(w http.ResponseWriter, r *http.Request) {
	httpx.WriteJSON(w, http.StatusOK, h.basePayload(healthStatusOK))
}

// Readyz runs every readiness check and answers 503 when any fails.
func (h *HealthHandlers) Readyz(w http.ResponseWriter, r *http.Request) {
	names := make([]string, 0, len(h.checks))
	for name := range h.checks {
		names = append(names, name)
	}
	sort.Strings(names)

	overall := healthStatusOK
	checks := make(map[string]any, len(names))
	for _, name := range names {
		if err := h.checks[name](r.Context()); err != nil {
			overall = healthStatusDegraded
			checks[name] = map[string]any{"status": healthStatusDegraded, "error": err.Error()}
			requestctx.Logger(r.Context()).Warn("readiness check failed", zap.String("check", name), zap.Error(err))
			continue
		}
		checks[name] = map[string]any{"status": healthStatusOK}
	}

	payload := h.basePayload(overall)
	payload["checks"] = checks
	status := http.StatusOK
	if overall != healthStatusOK {
		status = http.StatusServiceUnavailable
	}
	httpx.WriteJSON(w, status, payload)
}

func (h *HealthHandlers) basePayload(status string) map[string]any {
	now := h.clock()
	payload := map[string]any{
		"status":    status,
		"uptime":    now.Sub(h.startedAt).String(),
		"timestamp": now.UTC().Format(time.RFC3339),
	}
	if h.build.Version != "" {
		payload["version"] = h.build.Version
	}
	if h.build.CommitSHA != "" {
		payload["commitSha"] = h.build.CommitSHA
	}
	if h.build.Environment != "" {
		payload["environment"] = h.build.Environment
	}
	return payload
}
