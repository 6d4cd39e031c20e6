package mailqueue

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/gotrs-io/gotrs-mail/internal/models"
	"github.com/gotrs-io/gotrs-mail/internal/outgoing"
)

var mailFields = []string{
	"id", "docstatus", "status", "folder", "amended_from",
	"sender", "domain_name", "display_name", "subject", "body_html", "body_plain", "raw_message", "reply_to",
	"in_reply_to", "in_reply_to_mail_type", "in_reply_to_mail_name",
	"via_api", "is_newsletter", "tracking_id", "ip_address",
	"message", "message_size", "message_id", "created_at", "submitted_at", "submitted_after",
	"token", "transfer_started_at", "transfer_started_after", "transfer_completed_at", "transfer_completed_after",
	"error_log", "error_message", "modified",
}

var (
	mailColumns = strings.Join(mailFields, ", ")

	insertMailQuery = "INSERT INTO outgoing_mail (" + mailColumns + ") VALUES (:" + strings.Join(mailFields, ", :") + ")"
	updateMailQuery = func() string {
		sets := make([]string, 0, len(mailFields)-1)
		for _, f := range mailFields[1:] {
			sets = append(sets, f+" = :"+f)
		}
		return "UPDATE outgoing_mail SET " + strings.Join(sets, ", ") + " WHERE id = :id"
	}()
	submitMailQuery = updateMailQuery + fmt.Sprintf(" AND docstatus = %d", models.DocStatusDraft)
)

var errNotDraft = errors.New("not a draft")

const (
	recipientColumns = "id, mail_id, idx, type, email, display_name, status, action_at, action_after, retries, response"

	insertRecipientQuery = `INSERT INTO outgoing_mail_recipient
		(mail_id, idx, type, email, display_name, status, action_at, action_after, retries, response)
		VALUES (:mail_id, :idx, :type, :email, :display_name, :status, :action_at, :action_after, :retries, :response)`

	insertHeaderQuery = `INSERT INTO outgoing_mail_header (mail_id, idx, header_key, header_value)
		VALUES (:mail_id, :idx, :header_key, :header_value)`
)

// reconcilable statuses are awaiting a delivery outcome
var reconcilable = []models.MailStatus{models.StatusTransferred, models.StatusQueued, models.StatusDeferred}

// Get loads a mail with its recipients and custom headers
func (s *Store) Get(ctx context.Context, id string) (*models.OutgoingMail, error) {
	var m models.OutgoingMail
	query := s.rebind("SELECT " + mailColumns + " FROM outgoing_mail WHERE id = ?")
	if err := s.db.GetContext(ctx, &m, query, id); err != nil {
		return nil, notFound(err)
	}

	query = s.rebind("SELECT " + recipientColumns + " FROM outgoing_mail_recipient WHERE mail_id = ? ORDER BY idx")
	if err := s.db.SelectContext(ctx, &m.Recipients, query, id); err != nil {
		return nil, fmt.Errorf("failed to load recipients of %s: %w", id, err)
	}

	query = s.rebind("SELECT mail_id, idx, header_key, header_value FROM outgoing_mail_header WHERE mail_id = ? ORDER BY idx")
	if err := s.db.SelectContext(ctx, &m.CustomHeaders, query, id); err != nil {
		return nil, fmt.Errorf("failed to load custom headers of %s: %w", id, err)
	}
	return &m, nil
}

// Insert stores a new mail
func (s *Store) Insert(ctx context.Context, m *models.OutgoingMail) error {
	m.Modified = s.now()
	err := s.inTx(ctx, func(tx *sqlx.Tx) error {
		if _, err := tx.NamedExecContext(ctx, insertMailQuery, m); err != nil {
			return err
		}
		return insertChildren(ctx, tx, m)
	})
	if err != nil {
		if isDuplicate(err) {
			return fmt.Errorf("outgoing mail %s already exists: %w", m.ID, err)
		}
		return fmt.Errorf("failed to insert outgoing mail: %w", err)
	}
	return nil
}

// Update replaces a stored mail and its child rows
func (s *Store) Update(ctx context.Context, m *models.OutgoingMail) error {
	m.Modified = s.now()
	err := s.inTx(ctx, func(tx *sqlx.Tx) error {
		if _, err := tx.NamedExecContext(ctx, updateMailQuery, m); err != nil {
			return err
		}
		if err := deleteChildren(ctx, tx, m.ID); err != nil {
			return err
		}
		return insertChildren(ctx, tx, m)
	})
	if err != nil {
		return fmt.Errorf("failed to update outgoing mail %s: %w", m.ID, err)
	}
	return nil
}

// Submit stores the generated message. Validation may have normalized the
// child rows, so they are rewritten as well. Only a stored draft is
// submitted; losing a concurrent submit yields outgoing.ErrInvalidTransition.
func (s *Store) Submit(ctx context.Context, m *models.OutgoingMail) error {
	m.Modified = s.now()
	err := s.inTx(ctx, func(tx *sqlx.Tx) error {
		res, err := tx.NamedExecContext(ctx, submitMailQuery, m)
		if err != nil {
			return err
		}
		n, err := res.RowsAffected()
		if err != nil {
			return err
		}
		if n == 0 {
			return errNotDraft
		}
		if err := deleteChildren(ctx, tx, m.ID); err != nil {
			return err
		}
		return insertChildren(ctx, tx, m)
	})
	if errors.Is(err, errNotDraft) {
		return fmt.Errorf("outgoing mail %s is no longer a draft: %w", m.ID, outgoing.ErrInvalidTransition)
	}
	if err != nil {
		return fmt.Errorf("failed to submit outgoing mail %s: %w", m.ID, err)
	}
	return nil
}

// Delete removes a mail and its child rows
func (s *Store) Delete(ctx context.Context, id string) error {
	err := s.inTx(ctx, func(tx *sqlx.Tx) error {
		if err := deleteChildren(ctx, tx, id); err != nil {
			return err
		}
		_, err := tx.ExecContext(ctx, tx.Rebind("DELETE FROM outgoing_mail WHERE id = ?"), id)
		return err
	})
	if err != nil {
		return fmt.Errorf("failed to delete outgoing mail %s: %w", id, err)
	}
	return nil
}

func insertChildren(ctx context.Context, tx *sqlx.Tx, m *models.OutgoingMail) error {
	for _, r := range m.Recipients {
		r.MailID = m.ID
		if _, err := tx.NamedExecContext(ctx, insertRecipientQuery, r); err != nil {
			return fmt.Errorf("failed to insert recipient %s: %w", r.Email, err)
		}
	}
	for _, h := range m.CustomHeaders {
		h.MailID = m.ID
		if _, err := tx.NamedExecContext(ctx, insertHeaderQuery, h); err != nil {
			return fmt.Errorf("failed to insert custom header %s: %w", h.Key, err)
		}
	}
	return nil
}

func deleteChildren(ctx context.Context, tx *sqlx.Tx, id string) error {
	for _, table := range []string{"outgoing_mail_recipient", "outgoing_mail_header"} {
		if _, err := tx.ExecContext(ctx, tx.Rebind("DELETE FROM "+table+" WHERE mail_id = ?"), id); err != nil {
			return fmt.Errorf("failed to delete from %s: %w", table, err)
		}
	}
	return nil
}

func (s *Store) exec(ctx context.Context, what, query string, args ...interface{}) error {
	if _, err := s.db.ExecContext(ctx, s.rebind(query), args...); err != nil {
		return fmt.Errorf("failed to %s: %w", what, err)
	}
	return nil
}

// SetFolder moves a mail between folders
func (s *Store) SetFolder(ctx context.Context, id, folder string) error {
	return s.exec(ctx, "update folder",
		"UPDATE outgoing_mail SET folder = ?, modified = ? WHERE id = ?", folder, s.now(), id)
}

// SetStatus records the aggregate delivery status
func (s *Store) SetStatus(ctx context.Context, id string, status models.MailStatus, errorMessage *string) error {
	msg := ""
	if errorMessage != nil {
		msg = *errorMessage
	}
	return s.exec(ctx, "update status",
		"UPDATE outgoing_mail SET status = ?, error_message = ?, modified = ? WHERE id = ?", status, msg, s.now(), id)
}

// MarkTransferred records a successful hand-off
func (s *Store) MarkTransferred(ctx context.Context, id string, t outgoing.Transfer) error {
	return s.exec(ctx, "record transfer", `UPDATE outgoing_mail
		SET status = ?, token = ?, error_log = '', error_message = '',
			transfer_started_at = ?, transfer_started_after = ?,
			transfer_completed_at = ?, transfer_completed_after = ?, modified = ?
		WHERE id = ?`,
		models.StatusTransferred, t.Token,
		t.StartedAt, t.StartedAfter,
		t.CompletedAt, t.CompletedAfter, s.now(),
		id)
}

// MarkFailed records a failed hand-off
func (s *Store) MarkFailed(ctx context.Context, id, errorLog string) error {
	return s.exec(ctx, "record transfer failure",
		"UPDATE outgoing_mail SET status = ?, error_log = ?, error_message = '', modified = ? WHERE id = ?",
		models.StatusFailed, errorLog, s.now(), id)
}

// ResetForRetry puts a mail back into the transfer queue
func (s *Store) ResetForRetry(ctx context.Context, id string) error {
	return s.exec(ctx, "reset mail for retry",
		"UPDATE outgoing_mail SET status = ?, error_log = '', error_message = '', modified = ? WHERE id = ?",
		models.StatusPending, s.now(), id)
}

// UpdateRecipient stores the delivery outcome of one recipient
func (s *Store) UpdateRecipient(ctx context.Context, r *models.Recipient) error {
	return s.exec(ctx, "update recipient", `UPDATE outgoing_mail_recipient
		SET status = ?, action_at = ?, action_after = ?, retries = ?, response = ?
		WHERE mail_id = ? AND type = ? AND email = ?`,
		r.Status, r.ActionAt, r.ActionAfter, r.Retries, r.Response,
		r.MailID, r.Type, r.Email)
}

// ListPending returns pending mail oldest first with distinct recipients
func (s *Store) ListPending(ctx context.Context, limit int) ([]*outgoing.PendingMail, error) {
	var mails []*outgoing.PendingMail
	query := s.rebind(`SELECT id, message, submitted_at FROM outgoing_mail
		WHERE docstatus = ? AND status = ?
		ORDER BY submitted_at ASC, id ASC
		LIMIT ?`)
	if err := s.db.SelectContext(ctx, &mails, query, models.DocStatusSubmitted, models.StatusPending, limit); err != nil {
		return nil, fmt.Errorf("failed to query pending mail: %w", err)
	}
	if len(mails) == 0 {
		return nil, nil
	}

	ids := make([]string, 0, len(mails))
	byID := make(map[string]*outgoing.PendingMail, len(mails))
	for _, p := range mails {
		ids = append(ids, p.ID)
		byID[p.ID] = p
	}

	query, args, err := s.in(`SELECT mail_id, email FROM outgoing_mail_recipient
		WHERE mail_id IN (?)
		ORDER BY mail_id, idx`, ids)
	if err != nil {
		return nil, err
	}
	var rows []struct {
		MailID string `db:"mail_id"`
		Email  string `db:"email"`
	}
	if err := s.db.SelectContext(ctx, &rows, query, args...); err != nil {
		return nil, fmt.Errorf("failed to query pending recipients: %w", err)
	}

	seen := make(map[string]bool, len(rows))
	for _, r := range rows {
		key := r.MailID + "\x00" + r.Email
		if seen[key] {
			continue
		}
		seen[key] = true
		byID[r.MailID].Recipients = append(byID[r.MailID].Recipients, r.Email)
	}
	return mails, nil
}

// ListReconcilable returns mail awaiting delivery outcomes after the cursor
func (s *Store) ListReconcilable(ctx context.Context, after outgoing.ReconcileCursor, limit int) ([]*outgoing.ReconcileCandidate, error) {
	query := `SELECT id, token, submitted_at FROM outgoing_mail
		WHERE docstatus = ? AND status IN (?)`
	args := []interface{}{models.DocStatusSubmitted, reconcilable}
	if after.ID != "" {
		query += ` AND (submitted_at > ? OR (submitted_at = ? AND id > ?))`
		args = append(args, after.SubmittedAt, after.SubmittedAt, after.ID)
	}
	query += ` ORDER BY submitted_at ASC, id ASC LIMIT ?`
	args = append(args, limit)

	query, args, err := s.in(query, args...)
	if err != nil {
		return nil, err
	}
	var out []*outgoing.ReconcileCandidate
	if err := s.db.SelectContext(ctx, &out, query, args...); err != nil {
		return nil, fmt.Errorf("failed to query reconcilable mail: %w", err)
	}
	return out, nil
}

// DeleteNewsletters removes sent newsletters of the given domains submitted
// before the cutoff.
func (s *Store) DeleteNewsletters(ctx context.Context, domains []string, before time.Time) (int64, error) {
	if len(domains) == 0 {
		return 0, nil
	}

	const where = `docstatus = ? AND status = ? AND is_newsletter = ? AND domain_name IN (?) AND submitted_at < ?`
	args := []interface{}{models.DocStatusSubmitted, models.StatusSent, true, domains, before}

	var deleted int64
	err := s.inTx(ctx, func(tx *sqlx.Tx) error {
		for _, table := range []string{"outgoing_mail_recipient", "outgoing_mail_header"} {
			query, a, err := s.in("DELETE FROM "+table+" WHERE mail_id IN (SELECT id FROM outgoing_mail WHERE "+where+")", args...)
			if err != nil {
				return err
			}
			if _, err := tx.ExecContext(ctx, query, a...); err != nil {
				return fmt.Errorf("failed to delete from %s: %w", table, err)
			}
		}

		query, a, err := s.in("DELETE FROM outgoing_mail WHERE "+where, args...)
		if err != nil {
			return err
		}
		res, err := tx.ExecContext(ctx, query, a...)
		if err != nil {
			return err
		}
		deleted, err = res.RowsAffected()
		return err
	})
	if err != nil {
		return 0, fmt.Errorf("failed to delete newsletters: %w", err)
	}
	return deleted, nil
}

// MessageIDOf returns the Message-ID of an incoming or outgoing mail
func (s *Store) MessageIDOf(ctx context.Context, mailType, name string) (string, error) {
	var table string
	switch mailType {
	case models.MailTypeIncoming:
		table = "incoming_mail"
	case models.MailTypeOutgoing:
		table = "outgoing_mail"
	default:
		return "", outgoing.ErrNotFound
	}

	var messageID string
	query := s.rebind("SELECT message_id FROM " + table + " WHERE id = ?")
	if err := s.db.GetContext(ctx, &messageID, query, name); err != nil {
		return "", notFound(err)
	}
	return messageID, nil
}

// FindByMessageID resolves a Message-ID, preferring incoming mail
func (s *Store) FindByMessageID(ctx context.Context, messageID string) (string, string, error) {
	for _, src := range []struct{ mailType, table string }{
		{models.MailTypeIncoming, "incoming_mail"},
		{models.MailTypeOutgoing, "outgoing_mail"},
	} {
		var name string
		query := s.rebind("SELECT id FROM " + src.table + " WHERE message_id = ? LIMIT 1")
		err := s.db.GetContext(ctx, &name, query, messageID)
		if err == nil {
			return src.mailType, name, nil
		}
		if err = notFound(err); !errors.Is(err, outgoing.ErrNotFound) {
			return "", "", fmt.Errorf("failed to look up message id: %w", err)
		}
	}
	return "", "", outgoing.ErrNotFound
}
