package witness

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "cccoin_witness"

type metrics struct {
	cycles      *prometheus.CounterVec
	cycleErrors *prometheus.CounterVec
	state       prometheus.Gauge
	highWater   prometheus.Gauge
	pendingTxs  prometheus.Gauge
	pendingLogs prometheus.Gauge
	confirmed   prometheus.Counter
	stale       prometheus.Counter
	reorged     prometheus.Counter
	events      *prometheus.CounterVec
	malformed   prometheus.Counter
	duplicates  prometheus.Counter
	rejected    *prometheus.CounterVec
	rewards     prometheus.Counter
	payouts     prometheus.Counter
}

func newMetrics(reg prometheus.Registerer) *metrics {
	f := promauto.With(reg)
	return &metrics{
		cycles: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "cycles_total", Help: "Loop cycles by result.",
		}, []string{"result"}),
		cycleErrors: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "cycle_errors_total", Help: "Aborted cycles by stage.",
		}, []string{"stage"}),
		state: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Name: "loop_state", Help: "Current loop state.",
		}),
		highWater: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Name: "high_water_height", Help: "Highest observed block height.",
		}),
		pendingTxs: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Name: "pending_transactions", Help: "Transactions awaiting confirmation.",
		}),
		pendingLogs: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Name: "pending_logs", Help: "Log events awaiting confirmation.",
		}),
		confirmed: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "confirmed_transactions_total", Help: "Transactions that reached the confirmation depth.",
		}),
		stale: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "stale_total", Help: "Transactions and logs abandoned as stale.",
		}),
		reorged: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "reorged_logs_total", Help: "Pending logs dropped by a reorg.",
		}),
		events: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "events_total", Help: "Applied confirmed events by type.",
		}, []string{"type"}),
		malformed: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "malformed_events_total", Help: "Confirmed payloads that failed to decode.",
		}),
		duplicates: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "duplicate_events_total", Help: "Confirmed events skipped as already applied.",
		}),
		rejected: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "rejected_votes_total", Help: "Votes not counted by reason.",
		}, []string{"reason"}),
		rewards: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "reward_transactions_total", Help: "Submitted reward distributions.",
		}),
		payouts: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "reward_amount_total", Help: "Sum of submitted reward amounts.",
		}),
	}
}
