// Package metrics exposes pipeline counters to Prometheus.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"postbot/internal/analytics"
	"postbot/internal/dispatch"
	"postbot/internal/queue"
)

const namespace = "postbot"

// Metrics holds every collector on a private registry.
type Metrics struct {
	reg *prometheus.Registry

	// Labels: outcome (created, skipped, fallback)
	QueueSlots *prometheus.CounterVec
	// Labels: reason
	QueueSkips *prometheus.CounterVec
	// Labels: target, kind, result (success, unconfirmed, failure)
	TargetPosts *prometheus.CounterVec
	// Labels: status
	Entries *prometheus.CounterVec
	// Labels: result
	AnalyticsRows *prometheus.CounterVec
	// Labels: account, result
	SessionLogins *prometheus.CounterVec
	// Labels: job, result
	JobRuns     *prometheus.CounterVec
	JobDuration *prometheus.HistogramVec
}

func New() *Metrics {
	reg := prometheus.NewRegistry()
	m := &Metrics{
		reg: reg,
		QueueSlots: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "queue", Name: "slots_total",
			Help: "Slot instants handled by queue population.",
		}, []string{"outcome"}),
		QueueSkips: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "queue", Name: "skips_total",
			Help: "Skipped slot instants by reason.",
		}, []string{"reason"}),
		TargetPosts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "dispatch", Name: "target_posts_total",
			Help: "Publish attempts per surface.",
		}, []string{"target", "kind", "result"}),
		Entries: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "dispatch", Name: "entries_total",
			Help: "Queue entries brought to a terminal status.",
		}, []string{"status"}),
		AnalyticsRows: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "analytics", Name: "rows_total",
			Help: "Analytics rows refreshed.",
		}, []string{"result"}),
		SessionLogins: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "session", Name: "logins_total",
			Help: "Browser login attempts.",
		}, []string{"account", "result"}),
		JobRuns: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "jobs", Name: "runs_total",
			Help: "Scheduled job runs.",
		}, []string{"job", "result"}),
		JobDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace, Subsystem: "jobs", Name: "duration_seconds",
			Help:    "Scheduled job run time.",
			Buckets: []float64{0.5, 1, 5, 15, 30, 60, 120, 300, 600},
		}, []string{"job"}),
	}
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		m.QueueSlots, m.QueueSkips, m.TargetPosts, m.Entries,
		m.AnalyticsRows, m.SessionLogins, m.JobRuns, m.JobDuration,
	)
	return m
}

func (m *Metrics) Registry() *prometheus.Registry { return m.reg }

func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.reg, promhttp.HandlerOpts{Registry: m.reg})
}

func (m *Metrics) ObservePopulate(r queue.Result) {
	m.QueueSlots.WithLabelValues("created").Add(float64(r.Created))
	m.QueueSlots.WithLabelValues("skipped").Add(float64(r.Skipped))
	m.QueueSlots.WithLabelValues("fallback").Add(float64(r.Fallbacks))
	for reason, n := range r.Reasons {
		m.QueueSkips.WithLabelValues(reason).Add(float64(n))
	}
}

func (m *Metrics) ObserveDispatch(r dispatch.Result) {
	for _, e := range r.Entries {
		if !e.Stale {
			m.Entries.WithLabelValues(string(e.Status)).Inc()
		}
		for _, t := range e.Targets {
			result := "failure"
			switch {
			case t.Success && t.Unconfirmed:
				result = "unconfirmed"
			case t.Success:
				result = "success"
			}
			kind := t.Kind
			if kind == "" {
				kind = "none"
			}
			m.TargetPosts.WithLabelValues(string(t.Target), kind, result).Inc()
		}
	}
}

func (m *Metrics) ObserveAnalytics(r analytics.Result) {
	m.AnalyticsRows.WithLabelValues("updated").Add(float64(r.Updated))
	m.AnalyticsRows.WithLabelValues("failed").Add(float64(r.Failed))
}

func (m *Metrics) ObserveJob(job string, took time.Duration, err error) {
	result := "ok"
	if err != nil {
		result = "error"
	}
	m.JobRuns.WithLabelValues(job, result).Inc()
	m.JobDuration.WithLabelValues(job).Observe(took.Seconds())
}

func (m *Metrics) SessionLogin(account string, err error) {
	result := "ok"
	if err != nil {
		result = "error"
	}
	m.SessionLogins.WithLabelValues(account, result).Inc()
}

func (m *Metrics) SessionLogout(string) {}
