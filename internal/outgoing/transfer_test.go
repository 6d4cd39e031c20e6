package outgoing

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gotrs-io/gotrs-mail/internal/models"
)

func (e *testEnv) pendingMails(n int) []string {
	ids := make([]string, 0, n)
	for i := 0; i < n; i++ {
		id := fmt.Sprintf("mail-%04d", i)
		e.submittedMail(id, models.StatusPending, testNow.Add(-time.Hour).Add(time.Duration(i)*time.Second))
		ids = append(ids, id)
	}
	return ids
}

func TestSweepPendingTransfersEverything(t *testing.T) {
	ctx := context.Background()
	e := newTestEnv(t)
	e.svc.transfer.BatchSize = 2
	ids := e.pendingMails(5)

	require.NoError(t, e.svc.SweepPending(ctx))

	assert.Equal(t, ids, e.client.sends, "oldest first")
	assert.Equal(t, 5, e.repo.countByStatus(models.StatusTransferred))
	assert.Equal(t, 3, e.dialer.dials, "one session per batch")
	assert.Empty(t, e.sleeps)
}

func TestSweepPendingBatchFailureThreshold(t *testing.T) {
	ctx := context.Background()
	e := newTestEnv(t)
	ids := e.pendingMails(500)

	failing := map[string]bool{}
	for _, i := range []int{10, 20, 30, 40, 50} {
		failing[ids[i]] = true
	}
	e.client.sendErr = func(id string) error {
		if failing[id] {
			return errors.New("550 relay denied")
		}
		return nil
	}

	err := e.svc.SweepPending(ctx)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrBatchAborted)

	// the fifth failure was the 51st send; nothing after it was attempted
	assert.Len(t, e.client.sends, 51)
	assert.Equal(t, ids[50], e.client.sends[50])
	assert.Equal(t, 46, e.repo.countByStatus(models.StatusTransferred))
	assert.Equal(t, 5, e.repo.countByStatus(models.StatusFailed))
	assert.Equal(t, 449, e.repo.countByStatus(models.StatusPending))
	assert.Empty(t, e.sleeps)

	failed := e.repo.stored(ids[10])
	assert.Contains(t, failed.ErrorLog, "550 relay denied")
	assert.Empty(t, failed.ErrorMessage)
}

func TestSweepPendingFailuresBelowThresholdContinue(t *testing.T) {
	ctx := context.Background()
	e := newTestEnv(t)
	e.svc.transfer.BatchSize = 3
	ids := e.pendingMails(7)

	e.client.sendErr = func(id string) error {
		if id == ids[1] || id == ids[5] {
			return errors.New("timeout")
		}
		return nil
	}

	require.NoError(t, e.svc.SweepPending(ctx))
	assert.Len(t, e.client.sends, 7)
	assert.Equal(t, 2, e.repo.countByStatus(models.StatusFailed))
	assert.Equal(t, 5, e.repo.countByStatus(models.StatusTransferred))
}

func TestSweepPendingUnrecordedTransferIsNotResent(t *testing.T) {
	ctx := context.Background()
	e := newTestEnv(t)
	ids := e.pendingMails(2)
	e.repo.markTransferredErr = errors.New("database is locked")

	require.NoError(t, e.svc.SweepPending(ctx))

	assert.Equal(t, ids, e.client.sends, "each mail is sent once")
	assert.Equal(t, 2, e.repo.countByStatus(models.StatusFailed))
	assert.Empty(t, e.sleeps, "not a run failure")

	failed := e.repo.stored(ids[0])
	assert.Contains(t, failed.ErrorLog, `token "T1"`)
	assert.Contains(t, failed.ErrorLog, "database is locked")
}

func TestSweepPendingConnectionFailuresBackOff(t *testing.T) {
	ctx := context.Background()
	e := newTestEnv(t)
	e.dialer.failFirst = 100
	e.pendingMails(3)

	err := e.svc.SweepPending(ctx)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "aborted after 3 failures")
	assert.Contains(t, err.Error(), "connection refused")

	assert.Equal(t, 3, e.dialer.dials)
	assert.Equal(t, []time.Duration{2 * time.Second, 4 * time.Second}, e.sleeps)
	assert.Empty(t, e.client.sends)
	assert.Equal(t, 3, e.repo.countByStatus(models.StatusPending), "connection failures are not mail failures")
}

func TestSweepPendingRecoversAfterConnectionFailure(t *testing.T) {
	ctx := context.Background()
	e := newTestEnv(t)
	e.dialer.failFirst = 1
	e.pendingMails(3)

	require.NoError(t, e.svc.SweepPending(ctx))
	assert.Equal(t, []time.Duration{2 * time.Second}, e.sleeps)
	assert.Equal(t, 3, e.repo.countByStatus(models.StatusTransferred))
}

func TestSweepPendingStopsWhenCancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	e := newTestEnv(t)
	e.dialer.failFirst = 100
	e.pendingMails(1)
	e.svc.sleep = func(ctx context.Context, d time.Duration) error {
		cancel()
		return ctx.Err()
	}

	err := e.svc.SweepPending(ctx)
	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, 1, e.dialer.dials)
}

func TestSweepPendingNothingToDo(t *testing.T) {
	e := newTestEnv(t)
	require.NoError(t, e.svc.SweepPending(context.Background()))
	assert.Zero(t, e.dialer.dials)
}

func TestBackoff(t *testing.T) {
	assert.Equal(t, 2*time.Second, backoff(1))
	assert.Equal(t, 4*time.Second, backoff(2))
	assert.Equal(t, 8*time.Second, backoff(3))
}

type wrappedErr struct{ err error }

func (w *wrappedErr) Error() string { return "send: " + w.err.Error() }
func (w *wrappedErr) Unwrap() error { return w.err }

func TestErrorLog(t *testing.T) {
	err := fmt.Errorf("transfer mail-1: %w", &wrappedErr{err: errors.New("connection reset")})
	log := errorLog(err)

	assert.Equal(t,
		"*fmt.wrapError: transfer mail-1: send: connection reset\n"+
			"*outgoing.wrappedErr: send: connection reset\n"+
			"*errors.errorString: connection reset\n",
		log)
}
