package metrics

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gotrs-io/gotrs-mail/internal/models"
	"github.com/gotrs-io/gotrs-mail/internal/outgoing"
)

func TestHooks(t *testing.T) {
	MailsSubmitted.Reset()
	MailTransitions.Reset()
	defer MailsSubmitted.Reset()
	defer MailTransitions.Reset()

	var h outgoing.Hooks = Hooks{}
	ctx := context.Background()

	h.AfterSubmit(ctx, &models.OutgoingMail{DomainName: "example.com", MessageSize: 4096})
	h.AfterSubmit(ctx, &models.OutgoingMail{DomainName: "example.com", IsNewsletter: true, MessageSize: 2048})
	h.AfterTransition(ctx, "m1", outgoing.StateTransferred, outgoing.StateSent)

	assert.Equal(t, 1.0, testutil.ToFloat64(MailsSubmitted.WithLabelValues("example.com", "false")))
	assert.Equal(t, 1.0, testutil.ToFloat64(MailsSubmitted.WithLabelValues("example.com", "true")))
	assert.Equal(t, 1.0, testutil.ToFloat64(MailTransitions.WithLabelValues("Transferred", "Sent")))
}

func TestObserveTask(t *testing.T) {
	TaskRuns.Reset()
	TaskDuration.Reset()
	defer TaskRuns.Reset()
	defer TaskDuration.Reset()

	ObserveTask("transfer", "success", 2*time.Second)
	ObserveTask("transfer", "skipped", 0)

	assert.Equal(t, 1.0, testutil.ToFloat64(TaskRuns.WithLabelValues("transfer", "success")))
	assert.Equal(t, 1.0, testutil.ToFloat64(TaskRuns.WithLabelValues("transfer", "skipped")))
	assert.Equal(t, 1, testutil.CollectAndCount(TaskDuration))
}

func TestHandlerExposesMetrics(t *testing.T) {
	MailTransitions.WithLabelValues("Pending", "Transferred").Inc()
	defer MailTransitions.Reset()

	rec := httptest.NewRecorder()
	Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))

	require.Equal(t, http.StatusOK, rec.Code)
	assert.True(t, strings.Contains(rec.Body.String(), `gotrs_mail_transitions_total{from="Pending",to="Transferred"} 1`))
}
