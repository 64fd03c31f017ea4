// Package metrics holds the prometheus collectors of a node.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "vibecoin"

// Metrics are the collectors of a node.
type Metrics struct {
	BlocksAppended   prometheus.Counter
	BlocksRejected   *prometheus.CounterVec
	TxnsAccepted     prometheus.Counter
	TxnsRejected     *prometheus.CounterVec
	ChainHeight      prometheus.Gauge
	PendingTxns      prometheus.Gauge
	Peers            prometheus.Gauge
	BannedIPs        prometheus.Gauge
	SyncRounds       prometheus.Counter
	MessagesReceived *prometheus.CounterVec
	MessagesDropped  *prometheus.CounterVec
}

// New creates the collectors and registers them with reg. A nil reg
// creates unregistered collectors.
func New(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		BlocksAppended: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "blocks_appended_total",
			Help:      "Blocks appended to the local chain.",
		}),
		BlocksRejected: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "blocks_rejected_total",
			Help:      "Blocks rejected by validation.",
		}, []string{"code"}),
		TxnsAccepted: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "transactions_accepted_total",
			Help:      "Transactions added to the pending pool.",
		}),
		TxnsRejected: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "transactions_rejected_total",
			Help:      "Transactions rejected by the pending pool.",
		}, []string{"reason"}),
		ChainHeight: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "chain_height",
			Help:      "Index of the tip block.",
		}),
		PendingTxns: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "pending_transactions",
			Help:      "Size of the pending pool.",
		}),
		Peers: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "peers",
			Help:      "Connected peers.",
		}),
		BannedIPs: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "banned_ips",
			Help:      "Currently banned IP addresses.",
		}),
		SyncRounds: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "sync_rounds_total",
			Help:      "Block batches requested while syncing.",
		}),
		MessagesReceived: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "p2p_messages_received_total",
			Help:      "Peer messages received by type.",
		}, []string{"type"}),
		MessagesDropped: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "p2p_messages_dropped_total",
			Help:      "Peer messages dropped by reason.",
		}, []string{"reason"}),
	}
}
