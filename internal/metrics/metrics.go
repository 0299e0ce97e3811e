package metrics

import (
	"github.com/prometheus/client_golang/prometheus"

	"github.com/hireloop/realtime/internal/lifecycle"
	"github.com/hireloop/realtime/internal/notify"
)

// Register wires collectors that read directly from the lifecycle manager
// and the delivery adapter, so the realtime core carries no metrics
// dependency of its own.
func Register(reg prometheus.Registerer, mgr *lifecycle.Manager, adp *notify.Adapter) error {
	collectors := []prometheus.Collector{
		prometheus.NewGaugeFunc(
			prometheus.GaugeOpts{
				Name: "realtime_connection_state",
				Help: "Connection lifecycle state (0=disconnected, 1=connecting, 2=connected, 3=reconnecting).",
			},
			func() float64 { return float64(mgr.State()) },
		),
		prometheus.NewCounterFunc(
			prometheus.CounterOpts{
				Name: "realtime_reconnects_total",
				Help: "Connection drops that triggered reconnection.",
			},
			func() float64 { return float64(mgr.Reconnects()) },
		),
		prometheus.NewCounterFunc(
			prometheus.CounterOpts{
				Name: "realtime_notifications_delivered_total",
				Help: "Notifications accepted and forwarded to the sink.",
			},
			func() float64 { return float64(adp.Stats().TotalCount) },
		),
		prometheus.NewCounterFunc(
			prometheus.CounterOpts{
				Name: "realtime_notifications_duplicate_total",
				Help: "Redelivered notifications suppressed by id.",
			},
			func() float64 { return float64(adp.Stats().Duplicates) },
		),
		prometheus.NewCounterFunc(
			prometheus.CounterOpts{
				Name: "realtime_notifications_rejected_total",
				Help: "Notifications dropped for a missing or malformed id.",
			},
			func() float64 { return float64(adp.Stats().Rejected) },
		),
		prometheus.NewGaugeFunc(
			prometheus.GaugeOpts{
				Name: "realtime_unread_count",
				Help: "Unread notification counter (local increments overwritten by server-reported counts).",
			},
			func() float64 { return float64(adp.Stats().UnreadCount) },
		),
	}

	for _, c := range collectors {
		if err := reg.Register(c); err != nil {
			return err
		}
	}
	return nil
}
