package metrics

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"tabula/internal/coordinator"
)

// CoordinatorCollector exposes coordinator diagnostics as Prometheus metrics.
type CoordinatorCollector struct {
	contracts   prometheus.Gauge
	branches    prometheus.Gauge
	pendingAcks prometheus.Gauge
	recomputes  prometheus.Gauge
	published   prometheus.Gauge
	retired     prometheus.Gauge
	elections   prometheus.Gauge
	handOvers   prometheus.Gauge
}

// NewCoordinatorCollector creates a collector registered on the provided
// registry (default if nil).
func NewCoordinatorCollector(reg prometheus.Registerer, namespace string) *CoordinatorCollector {
	if namespace == "" {
		namespace = "tabula"
	}
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	builder := promauto.With(reg)
	return &CoordinatorCollector{
		contracts: builder.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "coordinator_contracts",
			Help:      "Number of currently published contracts.",
		}),
		branches: builder.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "coordinator_branches",
			Help:      "Number of branches registered in the history.",
		}),
		pendingAcks: builder.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "coordinator_pending_acks",
			Help:      "Acknowledgments held for still-published contracts.",
		}),
		recomputes: builder.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "coordinator_recomputes_total",
			Help:      "Total contract recomputations performed.",
		}),
		published: builder.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "coordinator_contracts_published_total",
			Help:      "Total contracts published across all recomputations.",
		}),
		retired: builder.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "coordinator_contracts_retired_total",
			Help:      "Total contracts retired across all recomputations.",
		}),
		elections: builder.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "coordinator_elections_total",
			Help:      "Total primary elections performed.",
		}),
		handOvers: builder.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "coordinator_hand_overs_total",
			Help:      "Total primary hand-over requests issued.",
		}),
	}
}

// Observe updates metrics from the supplied diagnostics sample.
func (c *CoordinatorCollector) Observe(diag coordinator.Diagnostics) {
	c.contracts.Set(float64(diag.Contracts))
	c.branches.Set(float64(diag.Branches))
	c.pendingAcks.Set(float64(diag.PendingAcks))
	c.recomputes.Set(float64(diag.Recomputes))
	c.published.Set(float64(diag.Published))
	c.retired.Set(float64(diag.Retired))
	c.elections.Set(float64(diag.Elections))
	c.handOvers.Set(float64(diag.HandOvers))
}

// StartServer serves Prometheus metrics on the provided address until the
// context is canceled.
func StartServer(ctx context.Context, addr string) error {
	if addr == "" {
		return fmt.Errorf("metrics address is empty")
	}
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())

	srv := &http.Server{
		Addr:    addr,
		Handler: mux,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()

	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Printf("metrics server error: %v", err)
		}
	}()

	return nil
}
