// Package metrics defines the Prometheus metrics of the mail pipeline:
// submissions, lifecycle transitions and periodic task runs.
package metrics

import (
	"context"
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/gotrs-io/gotrs-mail/internal/models"
	"github.com/gotrs-io/gotrs-mail/internal/outgoing"
)

var (
	MailsSubmitted = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "gotrs_mail_submitted_total",
		Help: "Total number of outgoing mails submitted",
	}, []string{"domain", "newsletter"})
	MailSize = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "gotrs_mail_message_size_bytes",
		Help:    "Size of generated outgoing messages",
		Buckets: prometheus.ExponentialBuckets(1024, 4, 9),
	})
	MailTransitions = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "gotrs_mail_transitions_total",
		Help: "Total number of outgoing mail status changes",
	}, []string{"from", "to"})
	TaskRuns = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "gotrs_mail_task_runs_total",
		Help: "Total number of periodic task runs by result (success, failure, skipped)",
	}, []string{"task", "result"})
	TaskDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "gotrs_mail_task_duration_seconds",
		Help:    "Duration of periodic task runs",
		Buckets: []float64{0.1, 0.5, 1, 5, 15, 60, 300, 900, 1800},
	}, []string{"task"})
)

func init() {
	prometheus.MustRegister(MailsSubmitted)
	prometheus.MustRegister(MailSize)
	prometheus.MustRegister(MailTransitions)
	prometheus.MustRegister(TaskRuns)
	prometheus.MustRegister(TaskDuration)
}

// Handler serves the default registry
func Handler() http.Handler {
	return promhttp.Handler()
}

// Hooks records lifecycle changes
type Hooks struct{}

var _ outgoing.Hooks = Hooks{}

// AfterSubmit implements outgoing.Hooks
func (Hooks) AfterSubmit(_ context.Context, m *models.OutgoingMail) {
	MailsSubmitted.WithLabelValues(m.DomainName, strconv.FormatBool(m.IsNewsletter)).Inc()
	MailSize.Observe(float64(m.MessageSize))
}

// AfterTransition implements outgoing.Hooks
func (Hooks) AfterTransition(_ context.Context, _ string, from, to outgoing.State) {
	MailTransitions.WithLabelValues(string(from), string(to)).Inc()
}

// ObserveTask records one periodic task run
func ObserveTask(task, result string, d time.Duration) {
	TaskRuns.WithLabelValues(task, result).Inc()
	if result != "skipped" {
		TaskDuration.WithLabelValues(task).Observe(d.Seconds())
	}
}
