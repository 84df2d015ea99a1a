// Package metrics exposes Prometheus instrumentation for the trading loop.
package metrics

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Decisions counts risk decisions by rejection reason, "approved" otherwise.
	Decisions = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "ensemblebot_decisions_total",
		Help: "Risk decisions by outcome",
	}, []string{"reason"})

	// Trades counts execution attempts by status (executed, failed, dry_run).
	Trades = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "ensemblebot_trades_total",
		Help: "Trade execution attempts by status",
	}, []string{"status"})

	ProducerResults = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "ensemblebot_producer_results_total",
		Help: "Producer evaluations by producer and status",
	}, []string{"producer", "status"})

	Bankroll = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "ensemblebot_bankroll_mana",
		Help: "Uncommitted bankroll",
	})

	OpenPositions = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "ensemblebot_open_positions",
		Help: "Number of open positions",
	})

	RiskAtStake = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "ensemblebot_risk_at_stake_mana",
		Help: "Sum of entered amounts across open positions",
	})

	CycleDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "ensemblebot_cycle_duration_seconds",
		Help:    "Trading cycle duration in seconds",
		Buckets: []float64{1, 5, 15, 30, 60, 120, 300, 600},
	})
)

// ObserveDecision counts a decision. An empty reason means approved.
func ObserveDecision(reason string) {
	if reason == "" {
		reason = "approved"
	}
	Decisions.WithLabelValues(reason).Inc()
}

func ObserveTrade(status string) {
	Trades.WithLabelValues(status).Inc()
}

func ObserveProducer(producer, status string) {
	ProducerResults.WithLabelValues(producer, status).Inc()
}

// SetPortfolio publishes the portfolio gauges.
func SetPortfolio(bankroll float64, open int, atStake float64) {
	Bankroll.Set(bankroll)
	OpenPositions.Set(float64(open))
	RiskAtStake.Set(atStake)
}

func ObserveCycle(d time.Duration) {
	CycleDuration.Observe(d.Seconds())
}

// Router serves /health and /metrics.
func Router() http.Handler {
	r := chi.NewRouter()
	r.Get("/health", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"status":"ok"}`))
	})
	r.Handle("/metrics", promhttp.Handler())
	return r
}

// Serve runs the metrics server until ctx is cancelled.
func Serve(ctx context.Context, addr string) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           Router(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		slog.Info("metrics server listening", "addr", addr)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("metrics server: %w", err)
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("shutting down metrics server: %w", err)
		}
		return nil
	}
}
