// Package metrics exposes the Prometheus instrumentation for the gating
// loop:
//   - gate_decisions_total{decision,reason} – evaluations by outcome
//   - gate_dedup_conflicts_total            – actionable events rejected as duplicates
//   - gate_quantize_fallback_total          – formats served by the coarse precision table
//   - gate_audit_write_failures_total       – decision records that could not be persisted
//   - gate_dispatch_failures_total{channel} – notifier/exchange handoff failures
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
)

var (
	Decisions = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "gate_decisions_total",
			Help: "Evaluations by decision and reason code",
		},
		[]string{"decision", "reason"},
	)

	DedupConflicts = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "gate_dedup_conflicts_total",
			Help: "Actionable events rejected by the dedup ledger",
		},
	)

	QuantizeFallbacks = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "gate_quantize_fallback_total",
			Help: "Values formatted with the coarse fallback precision table",
		},
	)

	AuditWriteFailures = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "gate_audit_write_failures_total",
			Help: "Decision records that could not be persisted",
		},
	)

	DispatchFailures = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "gate_dispatch_failures_total",
			Help: "Downstream handoff failures by channel",
		},
		[]string{"channel"},
	)
)

func init() {
	prometheus.MustRegister(
		Decisions,
		DedupConflicts,
		QuantizeFallbacks,
		AuditWriteFailures,
		DispatchFailures,
	)
}

// Serve starts the /metrics endpoint on addr in a background goroutine.
func Serve(addr string, logger zerolog.Logger) {
	if addr == "" {
		return
	}

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})

	srv := &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		logger.Info().Str("addr", addr).Msg("serving metrics")
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error().Err(err).Msg("metrics server terminated")
		}
	}()
}
