package outgoing

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"
)

// ErrBatchAborted is returned when too many mails of one sweep batch failed
var ErrBatchAborted = errors.New("transfer sweep aborted")

// TransferNow hands one mail to the delivery service. Unless forced, the mail
// is reloaded and only transferred while it is still pending. A failed send
// is recorded on the mail and is not returned.
func (s *Service) TransferNow(ctx context.Context, id string, force bool) error {
	logger := s.logger.Named("transfer").With(zap.String("mail_id", id))

	m, err := s.repo.Get(ctx, id)
	if err != nil {
		return err
	}

	from := StateOf(m)
	if !force && from != StatePending {
		logger.Debug("mail is not pending, skipping transfer", zap.String("state", string(from)))
		return nil
	}
	if from == StateDraft {
		return &TransitionError{From: from, Event: EventTransferSucceeded}
	}

	var submittedAt time.Time
	if m.SubmittedAt != nil {
		submittedAt = *m.SubmittedAt
	}

	client, err := s.dialer.Dial(ctx)
	if err != nil {
		return s.recordFailure(ctx, id, from, err)
	}
	_, err = s.send(ctx, client, &PendingMail{
		ID:          m.ID,
		Message:     m.Message,
		SubmittedAt: submittedAt,
		Recipients:  m.RecipientEmails(),
	}, from)
	return err
}

// send transfers one mail over an open session and records the outcome.
// sent reports whether the delivery service accepted the mail; err is only
// set when the outcome could not be recorded.
func (s *Service) send(ctx context.Context, client DeliveryClient, p *PendingMail, from State) (sent bool, err error) {
	startedAt := s.now()
	token, sendErr := client.Send(ctx, p.ID, p.Recipients, p.Message)
	if sendErr != nil {
		return false, s.recordFailure(ctx, p.ID, from, sendErr)
	}
	completedAt := s.now()

	to, err := s.sm.Transition(from, EventTransferSucceeded)
	if err != nil {
		return false, err
	}

	t := Transfer{
		Token:          token,
		StartedAt:      startedAt,
		StartedAfter:   secondsBetween(p.SubmittedAt, startedAt),
		CompletedAt:    completedAt,
		CompletedAfter: secondsBetween(startedAt, completedAt),
	}
	if err := s.repo.MarkTransferred(ctx, p.ID, t); err != nil {
		// left Pending the mail would be sent again by the next batch
		cause := fmt.Errorf("mail server accepted the mail with token %q but the transfer could not be recorded: %w", token, err)
		return false, s.recordFailure(ctx, p.ID, from, cause)
	}
	s.hooks.AfterTransition(ctx, p.ID, from, to)
	return true, nil
}

func (s *Service) recordFailure(ctx context.Context, id string, from State, cause error) error {
	to, err := s.sm.Transition(from, EventTransferFailed)
	if err != nil {
		return err
	}

	s.logger.Named("transfer").Warn("transfer failed", zap.String("mail_id", id), zap.Error(cause))
	if err := s.repo.MarkFailed(ctx, id, errorLog(cause)); err != nil {
		return fmt.Errorf("failed to record transfer failure of %s: %w", id, err)
	}
	s.hooks.AfterTransition(ctx, id, from, to)
	return nil
}

// SweepPending transfers all pending mail oldest first in batches over one
// session per batch.
//
// Two budgets apply independently. Per-mail failures, including a transfer
// that was accepted but could not be recorded, count against the batch
// failure threshold and abort the sweep once reached. Failures to open a
// session or to record a failure count against the run failure budget and
// are retried with exponential backoff.
func (s *Service) SweepPending(ctx context.Context) error {
	logger := s.logger.Named("transfer")

	var (
		runFailures int
		lastErr     error
	)
	for runFailures < s.transfer.MaxFailures {
		mails, err := s.repo.ListPending(ctx, s.transfer.BatchSize)
		if err != nil {
			return fmt.Errorf("failed to list pending mail: %w", err)
		}
		if len(mails) == 0 {
			return nil
		}

		aborted, err := s.sweepBatch(ctx, mails)
		if aborted {
			return err
		}
		if err == nil {
			continue
		}

		runFailures++
		lastErr = err
		logger.Error("transfer batch failed", zap.Int("failures", runFailures), zap.Error(err))
		if runFailures < s.transfer.MaxFailures {
			if err := s.sleep(ctx, backoff(runFailures)); err != nil {
				return err
			}
		}
	}

	return fmt.Errorf("transfer run aborted after %d failures: %w", runFailures, lastErr)
}

// sweepBatch sends one batch. aborted is set when the batch failure
// threshold was reached.
func (s *Service) sweepBatch(ctx context.Context, mails []*PendingMail) (aborted bool, err error) {
	client, err := s.dialer.Dial(ctx)
	if err != nil {
		return false, fmt.Errorf("failed to connect to mail server: %w", err)
	}

	var batchFailures int
	for _, p := range mails {
		sent, err := s.send(ctx, client, p, StatePending)
		if err != nil {
			return false, err
		}
		if sent {
			continue
		}

		batchFailures++
		if batchFailures >= s.transfer.BatchFailureThreshold {
			s.logger.Named("transfer").Error("too many failures in one batch, aborting sweep",
				zap.Int("failures", batchFailures),
				zap.Int("batch_size", len(mails)))
			return true, fmt.Errorf("%w: %d mails failed in one batch", ErrBatchAborted, batchFailures)
		}
	}
	return false, nil
}

// backoff is 2^failures seconds
func backoff(failures int) time.Duration {
	return time.Duration(1<<uint(failures)) * time.Second
}

func secondsBetween(from, to time.Time) int64 {
	if from.IsZero() {
		return 0
	}
	d := int64(to.Sub(from) / time.Second)
	if d < 0 {
		return 0
	}
	return d
}

// errorLog renders an error chain for storage. It holds the type and message
// of each wrapped error and nothing of the failing call's arguments.
func errorLog(err error) string {
	var b strings.Builder
	for e := err; e != nil; e = errors.Unwrap(e) {
		fmt.Fprintf(&b, "%T: %s\n", e, e.Error())
	}
	return b.String()
}
