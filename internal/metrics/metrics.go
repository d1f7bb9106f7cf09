// Package metrics implements the Prometheus instrumentation surface (C15):
// counters and gauges for events, pacer usage, wallet state, queue depth,
// and bid outcomes.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
)

// Registry holds every metric the bot exports. A single instance is created
// at startup and threaded into every other component that has something to
// record, mirroring how the rest of the corpus wires a metrics struct
// through its engine rather than reaching for global prometheus vars.
type Registry struct {
	EventsIngested   *prometheus.CounterVec
	EventsDropped    *prometheus.CounterVec
	BidsPlaced       *prometheus.CounterVec
	BidsCountered    *prometheus.CounterVec
	BidsCancelled    *prometheus.CounterVec
	BidsSkipped      *prometheus.CounterVec
	BidsWon          *prometheus.CounterVec
	PacerSlotsUsed   prometheus.Gauge
	PacerCapacity    prometheus.Gauge
	QueueDepth       prometheus.Gauge
	WalletsExhausted prometheus.Counter
	StreamReconnects prometheus.Counter
}

// NewRegistry creates and registers every metric against reg.
func NewRegistry(reg prometheus.Registerer) *Registry {
	r := &Registry{
		EventsIngested: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "bidbot",
			Name:      "events_ingested_total",
			Help:      "Marketplace activity events accepted past the watched-kind filter, by kind.",
		}, []string{"kind"}),
		EventsDropped: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "bidbot",
			Name:      "events_dropped_total",
			Help:      "Events dropped before dispatch, by reason.",
		}, []string{"reason"}),
		BidsPlaced: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "bidbot",
			Name:      "bids_placed_total",
			Help:      "Bids placed, by collection and offer type.",
		}, []string{"collection", "offer_type"}),
		BidsCountered: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "bidbot",
			Name:      "bids_countered_total",
			Help:      "Counter-bids placed in response to a competitor offer, by collection.",
		}, []string{"collection"}),
		BidsCancelled: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "bidbot",
			Name:      "bids_cancelled_total",
			Help:      "Bids cancelled (e.g. superseded, stale after a competitor purchase), by collection.",
		}, []string{"collection"}),
		BidsSkipped: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "bidbot",
			Name:      "bids_skipped_total",
			Help:      "Bid opportunities skipped before placement, by reason.",
		}, []string{"reason"}),
		BidsWon: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "bidbot",
			Name:      "bids_won_total",
			Help:      "Offers of ours confirmed as won by a purchase event naming one of our own addresses, by collection.",
		}, []string{"collection"}),
		PacerSlotsUsed: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "bidbot",
			Name:      "pacer_slots_used",
			Help:      "Bid-rate pacer slots currently reserved.",
		}),
		PacerCapacity: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "bidbot",
			Name:      "pacer_capacity",
			Help:      "Bid-rate pacer's configured capacity.",
		}),
		QueueDepth: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "bidbot",
			Name:      "queue_depth",
			Help:      "Pending events in the dispatch queue.",
		}),
		WalletsExhausted: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "bidbot",
			Name:      "wallet_pool_exhausted_total",
			Help:      "Times a cycle or counter-bid short-circuited on wallet pool exhaustion.",
		}),
		StreamReconnects: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "bidbot",
			Name:      "stream_reconnects_total",
			Help:      "Push-stream reconnect attempts.",
		}),
	}

	reg.MustRegister(
		r.EventsIngested,
		r.EventsDropped,
		r.BidsPlaced,
		r.BidsCountered,
		r.BidsCancelled,
		r.BidsSkipped,
		r.BidsWon,
		r.PacerSlotsUsed,
		r.PacerCapacity,
		r.QueueDepth,
		r.WalletsExhausted,
		r.StreamReconnects,
	)
	return r
}

// Totals is the aggregate outcome tally Totals() returns, summed across
// every label combination of the underlying CounterVecs.
type Totals struct {
	BidsPlaced    int64
	BidsCountered int64
	BidsCancelled int64
	BidsWon       int64
	SkipReasons   map[string]int64
}

// Totals reads back the registry's own counters for the status endpoint
// (C14), rather than keeping a second bookkeeping path alongside C15.
func (r *Registry) Totals() Totals {
	return Totals{
		BidsPlaced:    sumVec(r.BidsPlaced),
		BidsCountered: sumVec(r.BidsCountered),
		BidsCancelled: sumVec(r.BidsCancelled),
		BidsWon:       sumVec(r.BidsWon),
		SkipReasons:   labelTotals(r.BidsSkipped, "reason"),
	}
}

// sumVec adds together every label combination's current value of cv.
func sumVec(cv *prometheus.CounterVec) int64 {
	var total int64
	for _, v := range collect(cv) {
		total += int64(v.GetCounter().GetValue())
	}
	return total
}

// labelTotals sums cv's values grouped by the value of label, e.g.
// {"safety_gate": 3, "max_offer_exceeded": 1} for a "reason"-labeled vec.
func labelTotals(cv *prometheus.CounterVec, label string) map[string]int64 {
	out := make(map[string]int64)
	for _, m := range collect(cv) {
		key := ""
		for _, lp := range m.GetLabel() {
			if lp.GetName() == label {
				key = lp.GetValue()
			}
		}
		out[key] += int64(m.GetCounter().GetValue())
	}
	return out
}

// collect drains cv's current metric set through the same Collect/Write path
// the test suite uses, without going through a full registry Gather.
func collect(cv *prometheus.CounterVec) []*dto.Metric {
	ch := make(chan prometheus.Metric, 16)
	go func() {
		cv.Collect(ch)
		close(ch)
	}()
	var out []*dto.Metric
	for m := range ch {
		pb := &dto.Metric{}
		if err := m.Write(pb); err == nil {
			out = append(out, pb)
		}
	}
	return out
}
