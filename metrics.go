package authsession

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Resolution outcomes recorded per request.
const (
	outcomeLoaded   = "loaded"
	outcomeNoToken  = "no_token"
	outcomeInvalid  = "invalid"
	outcomeNotFound = "not_found"
	outcomeError    = "error"
)

// Metrics holds the session manager's prometheus collectors. A nil *Metrics
// records nothing.
type Metrics struct {
	resolutions *prometheus.CounterVec
	created     prometheus.Counter
	saveErrors  prometheus.Counter
}

// NewMetrics registers the session collectors with reg.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		resolutions: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "authsession",
			Subsystem: "sessions",
			Name:      "resolutions_total",
			Help:      "Session resolutions by outcome of the inbound token.",
		}, []string{"outcome"}),
		created: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "authsession",
			Subsystem: "sessions",
			Name:      "created_total",
			Help:      "Sessions created.",
		}),
		saveErrors: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "authsession",
			Subsystem: "sessions",
			Name:      "save_errors_total",
			Help:      "Failures writing modified sessions back to the store.",
		}),
	}
}

func (m *Metrics) resolved(outcome string) {
	if m == nil {
		return
	}
	m.resolutions.WithLabelValues(outcome).Inc()
}

func (m *Metrics) sessionCreated() {
	if m == nil {
		return
	}
	m.created.Inc()
}

func (m *Metrics) saveFailed() {
	if m == nil {
		return
	}
	m.saveErrors.Inc()
}
