package rbac

import (
	"context"
	"io"
	"log/slog"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

type metrics struct {
	decisions *prometheus.CounterVec
	duration  prometheus.Histogram
}

func newMetrics(reg prometheus.Registerer) *metrics {
	return &metrics{
		decisions: promauto.With(reg).NewCounterVec(prometheus.CounterOpts{
			Name: "decisions_total", Namespace: "authsession", Subsystem: "rbac",
			Help: "Authorization decisions by resource type and result (allow, deny).",
		}, []string{"resource_type", "decision"}),
		duration: promauto.With(reg).NewHistogram(prometheus.HistogramOpts{
			Name: "authorize_duration_seconds", Namespace: "authsession", Subsystem: "rbac",
			Help:    "Time spent evaluating the authorization policy.",
			Buckets: []float64{0.00001, 0.00005, 0.0001, 0.0005, 0.001, 0.005, 0.01},
		}),
	}
}

// Authorizer evaluates a Policy, logging and recording every decision.
type Authorizer struct {
	policy  Policy
	grants  *Grants
	logger  *slog.Logger
	metrics *metrics
}

type AuthorizerOption func(*Authorizer)

// WithLogger sets the logger. Denials are logged at debug level with their detail.
func WithLogger(logger *slog.Logger) AuthorizerOption {
	return func(a *Authorizer) {
		if logger != nil {
			a.logger = logger
		}
	}
}

// WithGrants binds identified subjects that carry no resource-scoped roles of
// their own to the grants table.
func WithGrants(g *Grants) AuthorizerOption {
	return func(a *Authorizer) {
		a.grants = g
	}
}

// WithRegisterer registers the decision metrics with reg.
func WithRegisterer(reg prometheus.Registerer) AuthorizerOption {
	return func(a *Authorizer) {
		a.metrics = newMetrics(reg)
	}
}

// NewAuthorizer wraps policy. A nil policy means LayeredPolicy.
func NewAuthorizer(policy Policy, opts ...AuthorizerOption) *Authorizer {
	if policy == nil {
		policy = LayeredPolicy{}
	}
	a := &Authorizer{
		policy: policy,
		logger: slog.New(slog.NewTextHandler(io.Discard, nil)),
	}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

// Authorize returns nil when subj may perform action on res, and a
// *ForbiddenError otherwise.
func (a *Authorizer) Authorize(ctx context.Context, res Resource, subj Subject, action Action) error {
	subj = a.bind(subj)

	start := time.Now()
	err := Check(a.policy, res, subj, action)
	elapsed := time.Since(start)

	id := identify(res)
	decision := Allow
	if err != nil {
		decision = Deny
	}

	if a.metrics != nil {
		a.metrics.duration.Observe(elapsed.Seconds())
		a.metrics.decisions.WithLabelValues(id.Type, decision.String()).Inc()
	}

	if err != nil {
		var detail string
		if fe, ok := err.(*ForbiddenError); ok {
			detail = fe.Detail()
		}
		a.logger.DebugContext(ctx, "rbac: denied",
			slog.String("resource", id.String()),
			slog.String("action", string(action)),
			slog.String("detail", detail),
		)
	}
	return err
}

func (a *Authorizer) bind(subj Subject) Subject {
	if a.grants == nil {
		return subj
	}
	if _, ok := subj.(ScopedSubject); ok {
		return subj
	}
	if id, ok := subj.(Identified); ok {
		return a.grants.Bind(id)
	}
	return subj
}

// Filter returns the resources subj may perform action on, in order.
func Filter[R Resource](ctx context.Context, a *Authorizer, subj Subject, action Action, resources []R) []R {
	filtered := make([]R, 0, len(resources))
	for _, res := range resources {
		if a.Authorize(ctx, res, subj, action) == nil {
			filtered = append(filtered, res)
		}
	}
	return filtered
}
