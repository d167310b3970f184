package telemetry

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "triviarena"

// Metrics groups the game counters. A nil *Metrics records nothing.
type Metrics struct {
	sessionsCreated prometheus.Counter
	sessionsActive  prometheus.Gauge
	answers         *prometheus.CounterVec
	roundsCompleted prometheus.Counter
	gamesFinished   prometheus.Counter
	graceExpired    prometheus.Counter
	commands        *prometheus.CounterVec
}

func NewMetrics(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)

	return &Metrics{
		sessionsCreated: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "sessions_created_total",
			Help:      "Number of sessions created.",
		}),
		sessionsActive: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "sessions_active",
			Help:      "Number of sessions alive in the shared store.",
		}),
		answers: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "answers_total",
			Help:      "Number of submitted answers by result.",
		}, []string{"result"}),
		roundsCompleted: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "rounds_completed_total",
			Help:      "Number of rounds ended.",
		}),
		gamesFinished: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "games_finished_total",
			Help:      "Number of games that reached the finished state.",
		}),
		graceExpired: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "grace_expired_total",
			Help:      "Number of disconnected players removed after the grace period.",
		}),
		commands: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "commands_total",
			Help:      "Number of client commands handled by command and result.",
		}, []string{"command", "result"}),
	}
}

func (m *Metrics) SessionCreated() {
	if m == nil {
		return
	}
	m.sessionsCreated.Inc()
}

func (m *Metrics) SetActiveSessions(n int64) {
	if m == nil {
		return
	}
	m.sessionsActive.Set(float64(n))
}

// Answer counts one submission; result is correct, wrong or duplicate.
func (m *Metrics) Answer(result string) {
	if m == nil {
		return
	}
	m.answers.WithLabelValues(result).Inc()
}

func (m *Metrics) RoundCompleted() {
	if m == nil {
		return
	}
	m.roundsCompleted.Inc()
}

func (m *Metrics) GameFinished() {
	if m == nil {
		return
	}
	m.gamesFinished.Inc()
}

func (m *Metrics) GraceExpired() {
	if m == nil {
		return
	}
	m.graceExpired.Inc()
}

func (m *Metrics) Command(command, result string) {
	if m == nil {
		return
	}
	m.commands.WithLabelValues(command, result).Inc()
}
