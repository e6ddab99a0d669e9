package monitoring

import (
	"context"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	scansTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "stagedoor_scans_total",
			Help: "QR scans by outcome",
		},
		[]string{"outcome"},
	)

	decisionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "stagedoor_checkin_decisions_total",
			Help: "Check-in decisions by verdict",
		},
		[]string{"verdict"},
	)

	signupOpsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "stagedoor_signup_operations_total",
			Help: "Stage signup operations by kind and outcome",
		},
		[]string{"operation", "outcome"},
	)

	standbyDepth = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "stagedoor_standby_depth",
			Help: "Performers waiting in standby for the active shift",
		},
		[]string{"shift_id"},
	)

	assignedDepth = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "stagedoor_assigned_depth",
			Help: "Performers currently grouped for the active shift",
		},
		[]string{"shift_id"},
	)
)

// QueueStats is the slice of the service the collector polls. It returns
// the active shift and its standby/assigned counts, or ok=false when no
// shift is running.
type QueueStats interface {
	ActiveQueueDepths(ctx context.Context) (shiftID string, standby, assigned int, ok bool, err error)
}

type Monitor struct {
	stats QueueStats
}

// NewMonitor starts a background poller that refreshes the queue gauges.
func NewMonitor(stats QueueStats) *Monitor {
	m := &Monitor{stats: stats}
	go m.collect()
	return m
}

func (m *Monitor) collect() {
	ticker := time.NewTicker(30 * time.Second)
	defer ticker.Stop()

	for range ticker.C {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		m.refreshQueueDepths(ctx)
		cancel()
	}
}

func (m *Monitor) refreshQueueDepths(ctx context.Context) {
	shiftID, standby, assigned, ok, err := m.stats.ActiveQueueDepths(ctx)
	if err != nil || !ok {
		return
	}
	standbyDepth.WithLabelValues(shiftID).Set(float64(standby))
	assignedDepth.WithLabelValues(shiftID).Set(float64(assigned))
}

func TrackScan(outcome string) {
	scansTotal.WithLabelValues(outcome).Inc()
}

func TrackDecision(verdict string) {
	decisionsTotal.WithLabelValues(verdict).Inc()
}

func TrackSignupOp(operation, outcome string) {
	signupOpsTotal.WithLabelValues(operation, outcome).Inc()
}
