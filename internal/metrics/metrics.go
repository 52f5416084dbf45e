package metrics

import (
	"github.com/prometheus/client_golang/prometheus"

	"workpulse/internal/apperr"
)

// Metrics holds the collectors for tracker traffic.
type Metrics struct {
	punches         *prometheus.CounterVec
	heartbeats      *prometheus.CounterVec
	partialOverview prometheus.Counter
	liveClients     prometheus.Gauge
}

// Outcome label value for a request that succeeded.
const OutcomeOK = "ok"

func NewMetrics(reg prometheus.Registerer) (*Metrics, error) {
	m := &Metrics{
		punches: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "workpulse",
			Name:      "punch_events_total",
			Help:      "Punch events by operation and outcome. Outcome is ok or the error kind.",
		}, []string{"op", "outcome"}),
		heartbeats: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "workpulse",
			Name:      "heartbeats_total",
			Help:      "Heartbeats by outcome.",
		}, []string{"outcome"}),
		partialOverview: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "workpulse",
			Name:      "overview_partial_total",
			Help:      "Overview reports served with at least one failed section.",
		}),
		liveClients: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "workpulse",
			Name:      "live_clients",
			Help:      "Connected live feed subscribers.",
		}),
	}

	if reg != nil {
		for _, c := range []prometheus.Collector{m.punches, m.heartbeats, m.partialOverview, m.liveClients} {
			if err := reg.Register(c); err != nil {
				return nil, err
			}
		}
	}
	return m, nil
}

func outcome(err error) string {
	if err == nil {
		return OutcomeOK
	}
	return string(apperr.KindOf(err))
}

// RecordPunch counts a punch event under its operation name. Callers pass
// a bounded op so client input never becomes a label value.
func (m *Metrics) RecordPunch(op string, err error) {
	m.punches.WithLabelValues(op, outcome(err)).Inc()
}

// RecordHeartbeat counts a heartbeat.
func (m *Metrics) RecordHeartbeat(err error) {
	m.heartbeats.WithLabelValues(outcome(err)).Inc()
}

// RecordOverview counts overview reports that degraded.
func (m *Metrics) RecordOverview(partial bool) {
	if partial {
		m.partialOverview.Inc()
	}
}

// LiveClients tracks the live feed subscriber count.
func (m *Metrics) LiveClients(n int) {
	m.liveClients.Set(float64(n))
}
