package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds the Prometheus collectors for the feed, the ledger and the
// conversion engine.
type Metrics struct {
	Registry *prometheus.Registry

	// --- Feed ---
	FeedMessages        *prometheus.CounterVec
	FeedMalformed       prometheus.Counter
	FeedReconnects      prometheus.Counter
	FeedState           *prometheus.GaugeVec
	FeedSnapshotFetches *prometheus.CounterVec
	SubscriberPanics    *prometheus.CounterVec

	// --- Ledger ---
	PositionsOpened prometheus.Counter
	PositionsClosed prometheus.Counter
	OpenPositions   prometheus.Gauge
	LedgerRejected  *prometheus.CounterVec
	MarkDuration    prometheus.Histogram

	// --- Conversion ---
	Conversions *prometheus.CounterVec
}

// NewMetrics registers every collector on a fresh registry so that several
// instances (tests, multiple simulators) never collide.
func NewMetrics() *Metrics {
	reg := prometheus.NewRegistry()
	f := promauto.With(reg)

	return &Metrics{
		Registry: reg,

		FeedMessages: f.NewCounterVec(prometheus.CounterOpts{
			Name: "papertrade_feed_messages_total",
			Help: "Normalized feed messages by kind.",
		}, []string{"kind"}),
		FeedMalformed: f.NewCounter(prometheus.CounterOpts{
			Name: "papertrade_feed_malformed_total",
			Help: "Feed messages dropped because they could not be parsed.",
		}),
		FeedReconnects: f.NewCounter(prometheus.CounterOpts{
			Name: "papertrade_feed_reconnect_attempts_total",
			Help: "Scheduled reconnect attempts.",
		}),
		FeedState: f.NewGaugeVec(prometheus.GaugeOpts{
			Name: "papertrade_feed_state",
			Help: "1 for the current feed connection state, 0 otherwise.",
		}, []string{"state"}),
		FeedSnapshotFetches: f.NewCounterVec(prometheus.CounterOpts{
			Name: "papertrade_feed_snapshot_fetches_total",
			Help: "Bulk 24h snapshot fetch attempts by result.",
		}, []string{"result"}),
		SubscriberPanics: f.NewCounterVec(prometheus.CounterOpts{
			Name: "papertrade_subscriber_panics_total",
			Help: "Recovered subscriber callback panics by registry.",
		}, []string{"registry"}),

		PositionsOpened: f.NewCounter(prometheus.CounterOpts{
			Name: "papertrade_positions_opened_total",
			Help: "Positions opened.",
		}),
		PositionsClosed: f.NewCounter(prometheus.CounterOpts{
			Name: "papertrade_positions_closed_total",
			Help: "Positions closed.",
		}),
		OpenPositions: f.NewGauge(prometheus.GaugeOpts{
			Name: "papertrade_open_positions",
			Help: "Currently open positions.",
		}),
		LedgerRejected: f.NewCounterVec(prometheus.CounterOpts{
			Name: "papertrade_ledger_rejected_total",
			Help: "Rejected ledger operations by operation.",
		}, []string{"op"}),
		MarkDuration: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "papertrade_mark_to_market_seconds",
			Help:    "Time spent marking open positions for one tick batch.",
			Buckets: prometheus.ExponentialBuckets(0.00001, 4, 8),
		}),

		Conversions: f.NewCounterVec(prometheus.CounterOpts{
			Name: "papertrade_conversions_total",
			Help: "Conversions by status.",
		}, []string{"status"}),
	}
}
