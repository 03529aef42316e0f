package metrics

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
)

var (
	RunsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "digest_runs_total",
		Help: "Batch runs by outcome",
	}, []string{"status"})

	UsersProcessedTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "digest_users_processed_total",
		Help: "Per-user pipeline outcomes",
	}, []string{"status"})

	EventsFilteredTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "digest_events_filtered_total",
		Help: "Events excluded before claiming, by reason",
	}, []string{"reason"})

	ClaimsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "digest_claims_total",
		Help: "Dedup ledger claim outcomes",
	}, []string{"outcome"})

	UserPipelineSeconds = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "digest_user_pipeline_seconds",
		Help:    "Duration of one user's fetch-filter-claim-send pipeline",
		Buckets: prometheus.DefBuckets,
	})

	SendSeconds = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "digest_send_seconds",
		Help:    "Duration of digest email sends",
		Buckets: prometheus.DefBuckets,
	})

	NetworkRequestDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "network_request_duration_seconds",
		Help:    "Duration of outbound network requests",
		Buckets: []float64{.005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10, 30, 60},
	}, []string{"component", "operation", "target", "status"})

	NetworkRequestTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "network_request_total",
		Help: "Count of outbound network requests",
	}, []string{"component", "operation", "target", "status"})
)

// MustRegister registers all collectors.
func MustRegister(registerer prometheus.Registerer) {
	registerer.MustRegister(
		RunsTotal,
		UsersProcessedTotal,
		EventsFilteredTotal,
		ClaimsTotal,
		UserPipelineSeconds,
		SendSeconds,
		NetworkRequestDuration,
		NetworkRequestTotal,
	)
}

// StartServer starts an HTTP server exposing /metrics until ctx is done.
func StartServer(ctx context.Context, logger zerolog.Logger, addr string) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	srv := &http.Server{
		Addr:         addr,
		Handler:      mux,
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 5 * time.Second,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error().Err(err).Msg("metrics: graceful shutdown failed")
		}
	}()

	go func() {
		logger.Info().Str("addr", addr).Msg("metrics: server started")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error().Err(err).Msg("metrics: server stopped")
		}
	}()
}

// ObserveNetworkRequest records the duration and status of an outbound call.
func ObserveNetworkRequest(component, operation, target string, start time.Time, err error) {
	if component == "" {
		component = "unknown"
	}
	if operation == "" {
		operation = "unknown"
	}
	if target == "" {
		target = "unknown"
	}
	status := "success"
	if err != nil {
		status = "error"
	}
	duration := time.Since(start).Seconds()
	NetworkRequestDuration.WithLabelValues(component, operation, target, status).Observe(duration)
	NetworkRequestTotal.WithLabelValues(component, operation, target, status).Inc()
}
