package outgoing

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/gotrs-io/gotrs-mail/internal/models"
)

// Reconcile pulls delivery outcomes for transferred, queued and deferred
// mail, oldest first, and applies them. Every mail is asked about at most
// once per run. Failed remote calls count against the run failure budget and
// are retried with exponential backoff.
func (s *Service) Reconcile(ctx context.Context) error {
	logger := s.logger.Named("reconcile")

	var (
		cursor      ReconcileCursor
		runFailures int
		lastErr     error
	)
	for runFailures < s.reconcile.MaxFailures {
		candidates, err := s.repo.ListReconcilable(ctx, cursor, s.reconcile.BatchSize)
		if err != nil {
			return fmt.Errorf("failed to list reconcilable mail: %w", err)
		}
		if len(candidates) == 0 {
			return nil
		}

		if err := s.reconcileBatch(ctx, candidates); err != nil {
			runFailures++
			lastErr = err
			logger.Error("delivery status batch failed", zap.Int("failures", runFailures), zap.Error(err))
			if runFailures < s.reconcile.MaxFailures {
				if err := s.sleep(ctx, backoff(runFailures)); err != nil {
					return err
				}
			}
			continue
		}

		last := candidates[len(candidates)-1]
		cursor = ReconcileCursor{SubmittedAt: last.SubmittedAt, ID: last.ID}
	}

	return fmt.Errorf("delivery status run aborted after %d failures: %w", runFailures, lastErr)
}

func (s *Service) reconcileBatch(ctx context.Context, candidates []*ReconcileCandidate) error {
	logger := s.logger.Named("reconcile")

	client, err := s.dialer.Dial(ctx)
	if err != nil {
		return fmt.Errorf("failed to connect to mail server: %w", err)
	}

	mails := make([]models.MailToken, 0, len(candidates))
	for _, c := range candidates {
		mails = append(mails, models.MailToken{OutgoingMail: c.ID, Token: c.Token})
	}

	statuses, err := client.FetchDeliveryStatuses(ctx, mails)
	if err != nil {
		return fmt.Errorf("failed to fetch delivery statuses: %w", err)
	}

	for _, st := range statuses {
		err := s.ApplyDeliveryStatus(ctx, st)
		switch {
		case err == nil:
		case errors.Is(err, ErrInvalidToken), errors.Is(err, ErrInvalidTransition), errors.Is(err, ErrNotFound),
			IsValidationError(err):
			logger.Warn("delivery status rejected", zap.String("mail_id", st.OutgoingMail), zap.Error(err))
		default:
			return err
		}
	}
	return nil
}

// ApplyDeliveryStatus merges one delivery outcome into its mail. The update
// is rejected without any change unless its token matches the token the
// mail was transferred under.
func (s *Service) ApplyDeliveryStatus(ctx context.Context, st *models.DeliveryStatus) error {
	if st == nil || st.OutgoingMail == "" {
		return invalid("outgoing_mail", "outgoing mail is required")
	}

	m, err := s.repo.Get(ctx, st.OutgoingMail)
	if err != nil {
		return err
	}
	if m.Token == "" || m.Token != st.Token {
		return ErrInvalidToken
	}

	from := StateOf(m)
	if !s.sm.CanDeliver(from) {
		return &TransitionError{From: from, Event: EventDeliveryUpdate}
	}

	// the resulting state is checked before anything is written
	for _, r := range m.Recipients {
		if d := st.Recipients[r.Email]; d != nil {
			r.Status = d.Status
			r.ActionAt = d.ActionAt
			r.ActionAfter = d.ActionAfter
			r.Retries = d.Retries
			r.Response = d.Response
		}
	}
	to, err := s.sm.Deliver(from, State(ResolveStatus(m.Recipients, st.Status)))
	if err != nil {
		return err
	}

	for _, r := range m.Recipients {
		if st.Recipients[r.Email] == nil {
			continue
		}
		if err := s.repo.UpdateRecipient(ctx, r); err != nil {
			return fmt.Errorf("failed to update recipient %s: %w", r.Email, err)
		}
	}
	if err := s.repo.SetStatus(ctx, m.ID, to.Status(), st.ErrorMessage); err != nil {
		return fmt.Errorf("failed to update status: %w", err)
	}

	m.Status = to.Status()
	if st.ErrorMessage != nil {
		m.ErrorMessage = *st.ErrorMessage
	} else {
		m.ErrorMessage = ""
	}
	if to != from {
		s.hooks.AfterTransition(ctx, m.ID, from, to)
	}

	if to == StateSent && m.ViaAPI && s.publisher != nil {
		if err := s.publisher.PublishSent(ctx, m); err != nil {
			s.logger.Named("reconcile").Warn("failed to publish sent event", zap.String("mail_id", m.ID), zap.Error(err))
		}
	}
	return nil
}
