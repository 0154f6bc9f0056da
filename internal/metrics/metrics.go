package metrics

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

// Event names for the signaling relay. They become values of the `event`
// label on aero_call_signaling_events_total.
const (
	ConnectionsAccepted   = "connections_accepted"
	ConnectionsRejected   = "connections_rejected"
	ConnectionsReplaced   = "connections_replaced"
	ConnectionsClosed     = "connections_closed"
	ProposalsSubmitted    = "proposals_submitted"
	AnswersAttached       = "answers_attached"
	AnswersFailed         = "answers_failed"
	CandidatesRouted      = "candidates_routed"
	CandidatesQueued      = "candidates_queued"
	CandidatesDropped     = "candidates_dropped"
	TransportFailures     = "transport_failures"
	SessionsStarted       = "sessions_started"
	SessionStartDuplicate = "session_start_duplicate"
	SessionsExpired       = "sessions_expired"
	SessionWarnings       = "session_warnings"
	MessagesMalformed     = "messages_malformed"
	MessagesRateLimited   = "messages_rate_limited"
)

// Metrics counts relay events. Every counter is mirrored into a Prometheus
// counter vector so that it can be scraped; Get reads the local mirror so
// tests don't need a registry.
type Metrics struct {
	mu sync.Mutex
	m  map[string]uint64

	events *prometheus.CounterVec
}

func New() *Metrics {
	return &Metrics{
		m: make(map[string]uint64),
		events: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "aero",
			Subsystem: "call_signaling",
			Name:      "events_total",
			Help:      "Signaling relay events by kind.",
		}, []string{"event"}),
	}
}

func (m *Metrics) Inc(name string) {
	m.Add(name, 1)
}

func (m *Metrics) Add(name string, delta uint64) {
	if m == nil {
		return
	}
	m.mu.Lock()
	m.m[name] += delta
	m.mu.Unlock()
	m.events.WithLabelValues(name).Add(float64(delta))
}

func (m *Metrics) Get(name string) uint64 {
	if m == nil {
		return 0
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.m[name]
}

func (m *Metrics) Snapshot() map[string]uint64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make(map[string]uint64, len(m.m))
	for k, v := range m.m {
		out[k] = v
	}
	return out
}
