package obs

import "github.com/prometheus/client_golang/prometheus"

type Metrics struct {
	AcquireTotal *prometheus.CounterVec // result=success|fail|timeout|canceled|error
	ReleaseTotal *prometheus.CounterVec // result=success|fail|error
	ExtendTotal  *prometheus.CounterVec // result=success|stale|error

	OpLatencyMS *prometheus.HistogramVec // op=trylock|lock|release|extend
	WaitSeconds prometheus.Histogram

	DBBusyTotal *prometheus.CounterVec // op
	SweepTotal  *prometheus.CounterVec // action=pruned|granted|reclaimed

	LocksHeld       prometheus.Gauge
	RequestsPending prometheus.Gauge
}

// NewMetrics creates the collectors and registers them on reg. A nil reg
// leaves them unregistered.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		AcquireTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "lock_acquire_total",
				Help: "Total acquire attempts by result",
			},
			[]string{"result"},
		),
		ReleaseTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "lock_release_total",
				Help: "Total release attempts by result",
			},
			[]string{"result"},
		),
		ExtendTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "lock_extend_total",
				Help: "Total lease extensions by result",
			},
			[]string{"result"},
		),
		OpLatencyMS: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "lock_op_latency_ms",
				Help:    "Latency of lock operations (ms)",
				Buckets: prometheus.ExponentialBuckets(1, 2, 12), // 1ms .. ~2048ms
			},
			[]string{"op"},
		),
		WaitSeconds: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "lock_wait_seconds",
			Help:    "Time blocking Lock calls spent queued",
			Buckets: prometheus.ExponentialBuckets(0.01, 2, 14), // 10ms .. ~80s
		}),
		DBBusyTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "lock_db_busy_total",
				Help: "Total sqlite busy/locked errors",
			},
			[]string{"op"},
		),
		SweepTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "lock_sweep_total",
				Help: "Rows changed by the maintenance sweeper by action",
			},
			[]string{"action"},
		),
		LocksHeld: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "locks_held",
			Help: "Number of currently held (unexpired) locks",
		}),
		RequestsPending: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "lock_requests_pending",
			Help: "Number of queued lock requests",
		}),
	}

	if reg != nil {
		reg.MustRegister(
			m.AcquireTotal,
			m.ReleaseTotal,
			m.ExtendTotal,
			m.OpLatencyMS,
			m.WaitSeconds,
			m.DBBusyTotal,
			m.SweepTotal,
			m.LocksHeld,
			m.RequestsPending,
		)
	}

	return m
}
