// Package server assembles the referral service's HTTP surface: provider
// webhooks, the referral API, Prometheus metrics and health checks.
package server

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sort"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"github.com/mihaimyh/goreferral/pkg/api"
	"github.com/mihaimyh/goreferral/pkg/billing"
)

const defaultHealthTimeout = 2 * time.Second

// HealthCheck reports whether one dependency is reachable
type HealthCheck func(ctx context.Context) error

// Config holds the handlers the server mounts
type Config struct {
	// Providers are mounted at POST /webhooks/{provider.Name()}
	Providers []billing.Provider

	// API serves /referrals and /notifications (optional)
	API *api.Handler

	// Gatherer backs GET /metrics. Nil leaves the route unmounted.
	Gatherer prometheus.Gatherer

	// HealthChecks run on GET /healthz, keyed by dependency name
	HealthChecks map[string]HealthCheck

	// HealthTimeout bounds all checks together (default: 2s)
	HealthTimeout time.Duration

	Logger zerolog.Logger
}

// New returns the service router
func New(config Config) (http.Handler, error) {
	if len(config.Providers) == 0 && config.API == nil {
		return nil, fmt.Errorf("server: at least one provider or the API is required")
	}
	if config.HealthTimeout <= 0 {
		config.HealthTimeout = defaultHealthTimeout
	}

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(accessLog(config.Logger))
	r.Use(middleware.Recoverer)

	seen := make(map[string]bool)
	for _, p := range config.Providers {
		name := p.Name()
		if seen[name] {
			return nil, fmt.Errorf("server: provider %q registered twice", name)
		}
		seen[name] = true
		r.Method(http.MethodPost, "/webhooks/"+name, p.WebhookHandler())
	}

	if config.Gatherer != nil {
		r.Method(http.MethodGet, "/metrics", promhttp.HandlerFor(config.Gatherer, promhttp.HandlerOpts{}))
	}
	r.Get("/healthz", healthHandler(config.HealthChecks, config.HealthTimeout))

	if config.API != nil {
		r.Mount("/", config.API.Routes())
	}
	return r, nil
}

type healthResponse struct {
	Status string            `json:"status"`
	Checks map[string]string `json:"checks,omitempty"`
}

func healthHandler(checks map[string]HealthCheck, timeout time.Duration) http.HandlerFunc {
	names := make([]string, 0, len(checks))
	for name := range checks {
		names = append(names, name)
	}
	sort.Strings(names)

	return func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), timeout)
		defer cancel()

		resp := healthResponse{Status: "ok"}
		status := http.StatusOK
		for _, name := range names {
			if resp.Checks == nil {
				resp.Checks = make(map[string]string, len(names))
			}
			if err := checks[name](ctx); err != nil {
				resp.Checks[name] = err.Error()
				resp.Status = "unavailable"
				status = http.StatusServiceUnavailable
				continue
			}
			resp.Checks[name] = "ok"
		}

		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(status)
		_ = json.NewEncoder(w).Encode(resp)
	}
}

// accessLog writes one zerolog line per request
func accessLog(logger zerolog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
			start := time.Now()
			next.ServeHTTP(ww, r)

			status := ww.Status()
			if status == 0 {
				status = http.StatusOK
			}
			event := logger.Info()
			if status >= http.StatusInternalServerError {
				event = logger.Error()
			}
			event.
				Str("method", r.Method).
				Str("path", r.URL.Path).
				Int("status", status).
				Int("bytes", ww.BytesWritten()).
				Dur("duration", time.Since(start)).
				Str("request_id", middleware.GetReqID(r.Context())).
				Msg("http request")
		})
	}
}
