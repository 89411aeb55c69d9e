package addrindex

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// Prevout resolver metrics
	prevoutLookups = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "blocklens_prevout_lookups_total",
			Help: "Total number of prevout lookups by source and outcome",
		},
		[]string{"source", "outcome"},
	)

	prevoutLookupTime = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "blocklens_prevout_lookup_duration_seconds",
			Help:    "Duration of prevout lookups by source",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"source"},
	)

	// Status gauges
	StatusBlocksRemaining = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "blocklens_sync_blocks_remaining",
			Help: "Number of blocks between the checkpoint and the chain tip",
		},
	)

	StatusProgressPercent = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "blocklens_sync_progress_percent",
			Help: "Indexing progress as a percentage of the chain tip height",
		},
	)

	StatusETASeconds = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "blocklens_sync_eta_seconds",
			Help: "Estimated seconds until the index reaches the chain tip",
		},
	)

	StatusTipHeight = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "blocklens_chain_tip_height",
			Help: "Best chain height reported by the node",
		},
	)

	StatusSyncInProgress = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "blocklens_sync_in_progress",
			Help: "Whether a block application is currently in flight (1=yes)",
		},
	)

	TxAnnouncementsObserved = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "blocklens_tx_announcements_observed_total",
			Help: "Mempool transaction announcements seen on the feed (not indexed)",
		},
	)

	StatusState = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "blocklens_sync_state",
			Help: "One-hot sync state gauge (exactly one state has value 1)",
		},
		[]string{"state"},
	)
)

func PrevoutLookupObserve(source, outcome string, duration time.Duration) {
	prevoutLookups.WithLabelValues(source, outcome).Inc()
	if duration > 0 {
		prevoutLookupTime.WithLabelValues(source).Observe(duration.Seconds())
	}
}

// StatusStateSet sets the one-hot state vector to the given state.
func StatusStateSet(state string, all []string) {
	for _, s := range all {
		value := float64(0)
		if s == state {
			value = 1
		}
		StatusState.WithLabelValues(s).Set(value)
	}
}
