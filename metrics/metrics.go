package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

var (
	BroadcastsSent = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "coparent_broadcasts_total",
			Help: "Envelopes broadcast on the bus, by transport.",
		},
		[]string{"transport"},
	)

	BroadcastsReceived = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "coparent_broadcasts_received_total",
			Help: "Envelopes received from sibling agents, by transport.",
		},
		[]string{"transport"},
	)

	BroadcastsDropped = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "coparent_broadcast_dropped_total",
			Help: "Envelopes dropped because they could not be sent or parsed.",
		},
		[]string{"transport", "reason"},
	)

	ListenerPanics = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "coparent_listener_panics_total",
			Help: "Subscriber callbacks that panicked during fan-out.",
		},
		[]string{"component"},
	)

	DeltasApplied = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "coparent_deltas_applied_total",
			Help: "Deltas that changed store state, by store and event kind.",
		},
		[]string{"store", "kind"},
	)

	FeedsActive = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "coparent_feeds_active",
			Help: "Distinct change-feed subscriptions currently open.",
		},
	)

	RelayPeers = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "coparent_relay_peers",
			Help: "Agents connected to the relay hub.",
		},
	)
)

func init() {
	prometheus.MustRegister(BroadcastsSent)
	prometheus.MustRegister(BroadcastsReceived)
	prometheus.MustRegister(BroadcastsDropped)
	prometheus.MustRegister(ListenerPanics)
	prometheus.MustRegister(DeltasApplied)
	prometheus.MustRegister(FeedsActive)
	prometheus.MustRegister(RelayPeers)
}
