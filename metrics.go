package netconfd

import (
	"github.com/prometheus/client_golang/prometheus"

	"pkt.systems/netconfd/internal/locktable"
	"pkt.systems/netconfd/internal/session"
)

// coordinatorMetrics exposes the coordinator's live state on the metrics
// endpoint. Gauges read the registry and lock table directly so they never
// drift from the source of truth.
type coordinatorMetrics struct {
	sessionsActive   prometheus.GaugeFunc
	locksHeld        prometheus.GaugeFunc
	sessionsAccepted prometheus.Counter
	bindFailures     prometheus.Counter
	rpcFrames        prometheus.Counter
	lockDenials      prometheus.Counter
	epochRestarts    prometheus.Counter
}

func newCoordinatorMetrics(registry *session.Registry, locks *locktable.Table) *coordinatorMetrics {
	return &coordinatorMetrics{
		sessionsActive: prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Name: "netconfd_sessions_active",
			Help: "Number of currently admitted sessions.",
		}, func() float64 { return float64(registry.ActiveCount()) }),
		locksHeld: prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Name: "netconfd_datastore_locks_held",
			Help: "Number of datastore lock slots currently held.",
		}, func() float64 { return float64(locks.HeldCount()) }),
		sessionsAccepted: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "netconfd_sessions_accepted_total",
			Help: "Sessions accepted and admitted since process start.",
		}),
		bindFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "netconfd_session_bind_failures_total",
			Help: "Sessions discarded because no backend store session could be opened.",
		}),
		rpcFrames: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "netconfd_rpc_frames_total",
			Help: "Inbound RPC frames dispatched.",
		}),
		lockDenials: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "netconfd_lock_denials_total",
			Help: "Operations refused because another session held the datastore lock.",
		}),
		epochRestarts: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "netconfd_epoch_restarts_total",
			Help: "Times the server tore down and re-initialized its listeners.",
		}),
	}
}

func (m *coordinatorMetrics) collectors() []prometheus.Collector {
	return []prometheus.Collector{
		m.sessionsActive,
		m.locksHeld,
		m.sessionsAccepted,
		m.bindFailures,
		m.rpcFrames,
		m.lockDenials,
		m.epochRestarts,
	}
}
