package metrics

import (
	"net/http"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/ignite/dripline/internal/domain"
)

var (
	EmailsSent = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "dripline_emails_sent_total",
			Help: "Total step emails sent",
		},
	)

	EmailFailures = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "dripline_email_failures_total",
			Help: "Total step sends marked failed",
		},
	)

	JobsDeferred = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "dripline_jobs_deferred_total",
			Help: "Due jobs left scheduled by a tick, by reason",
		},
		[]string{"reason"},
	)

	TickDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "dripline_dispatch_tick_seconds",
			Help:    "Duration of dispatch ticks",
			Buckets: []float64{.01, .05, .1, .5, 1, 5, 15, 30, 60, 120},
		},
	)

	SessionState = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "dripline_session_state",
			Help: "1 for the current sending session state, 0 for the others",
		},
		[]string{"state"},
	)
)

// Deferral reasons.
const (
	DeferCampaignHeld = "campaign_held"
	DeferOrdering     = "ordering"
	DeferOrphaned     = "orphaned"
)

var initOnce sync.Once

// Init registers the collectors with the default registry. Safe to call
// more than once.
func Init() {
	initOnce.Do(func() {
		prometheus.MustRegister(EmailsSent, EmailFailures, JobsDeferred, TickDuration, SessionState)
	})
}

// Handler serves the default registry.
func Handler() http.Handler {
	return promhttp.Handler()
}

// SetSessionState flips the session gauge to s.
func SetSessionState(s domain.SessionState) {
	for _, st := range []domain.SessionState{
		domain.SessionAbsent, domain.SessionConnecting, domain.SessionActive, domain.SessionError,
	} {
		v := 0.0
		if st == s {
			v = 1
		}
		SessionState.WithLabelValues(string(st)).Set(v)
	}
}
