package metrics

import (
	"context"
	"fmt"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/push"
)

var (
	CollectionsProcessed = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "smarthouse_bootstrap_collections_total",
			Help: "Total number of collections handled by the bootstrap, by outcome",
		},
		[]string{"status"},
	)

	IndexesProcessed = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "smarthouse_bootstrap_indexes_total",
			Help: "Total number of indexes handled by the bootstrap, by outcome",
		},
		[]string{"status"},
	)

	BootstrapFailures = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "smarthouse_bootstrap_failures_total",
			Help: "Total number of failed bootstrap runs, by reason",
		},
		[]string{"reason"},
	)

	BootstrapDuration = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "smarthouse_bootstrap_duration_seconds",
			Help: "Wall time of the last bootstrap run",
		},
	)

	LastSuccess = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "smarthouse_bootstrap_last_success_timestamp_seconds",
			Help: "Unix time of the last successful bootstrap run",
		},
	)
)

// collectors is the set pushed to the Pushgateway; Go runtime metrics stay local
func collectors() []prometheus.Collector {
	return []prometheus.Collector{
		CollectionsProcessed,
		IndexesProcessed,
		BootstrapFailures,
		BootstrapDuration,
		LastSuccess,
	}
}

// Push sends the bootstrap metrics to a Prometheus Pushgateway, grouped by
// job and target database. A run replaces the previous group.
func Push(ctx context.Context, url, job, database string) error {
	pusher := push.New(url, job).Grouping("database", database)
	for _, c := range collectors() {
		pusher = pusher.Collector(c)
	}
	if err := pusher.PushContext(ctx); err != nil {
		return fmt.Errorf("failed to push metrics to %s: %w", url, err)
	}
	return nil
}
