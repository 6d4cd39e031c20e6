package mailqueue

import (
	"context"
	"fmt"

	"github.com/gotrs-io/gotrs-mail/internal/models"
)

const mailboxColumns = `email, user_name, domain_name, enabled, outgoing, is_default, display_name, reply_to,
	override_display_name, override_reply_to, track_outgoing_mail, create_mail_contact`

// GetMailbox loads a mailbox by address
func (s *Store) GetMailbox(ctx context.Context, email string) (*models.Mailbox, error) {
	var mb models.Mailbox
	query := s.rebind("SELECT " + mailboxColumns + " FROM mailbox WHERE email = ?")
	if err := s.db.GetContext(ctx, &mb, query, email); err != nil {
		return nil, notFound(err)
	}
	return &mb, nil
}

// UserMailboxes lists the enabled mailboxes of a user, optionally only the
// ones allowed to send.
func (s *Store) UserMailboxes(ctx context.Context, user string, outgoingOnly bool) ([]string, error) {
	query := "SELECT email FROM mailbox WHERE user_name = ? AND enabled = ?"
	args := []interface{}{user, true}
	if outgoingOnly {
		query += " AND outgoing = ?"
		args = append(args, true)
	}
	query += " ORDER BY email"

	var emails []string
	if err := s.db.SelectContext(ctx, &emails, s.rebind(query), args...); err != nil {
		return nil, fmt.Errorf("failed to list mailboxes of %s: %w", user, err)
	}
	return emails, nil
}

// DefaultMailbox returns the default outgoing mailbox of a user
func (s *Store) DefaultMailbox(ctx context.Context, user string) (string, error) {
	var email string
	query := s.rebind(`SELECT email FROM mailbox
		WHERE user_name = ? AND enabled = ? AND outgoing = ? AND is_default = ?
		ORDER BY email LIMIT 1`)
	if err := s.db.GetContext(ctx, &email, query, user, true, true, true); err != nil {
		return "", notFound(err)
	}
	return email, nil
}

// SaveMailbox inserts or replaces a mailbox
func (s *Store) SaveMailbox(ctx context.Context, mb *models.Mailbox) error {
	mb.DomainName = models.DomainOf(mb.Email)
	if err := s.exec(ctx, "delete mailbox", "DELETE FROM mailbox WHERE email = ?", mb.Email); err != nil {
		return err
	}
	_, err := s.db.NamedExecContext(ctx, `INSERT INTO mailbox (`+mailboxColumns+`) VALUES (
		:email, :user_name, :domain_name, :enabled, :outgoing, :is_default, :display_name, :reply_to,
		:override_display_name, :override_reply_to, :track_outgoing_mail, :create_mail_contact)`, mb)
	if err != nil {
		return fmt.Errorf("failed to save mailbox %s: %w", mb.Email, err)
	}
	return nil
}

// CreateMailContact adds an address book entry. Existing contacts are kept.
func (s *Store) CreateMailContact(ctx context.Context, c *models.MailContact) error {
	if c.Created.IsZero() {
		c.Created = s.now()
	}
	_, err := s.db.NamedExecContext(ctx, `INSERT INTO mail_contact (user_name, email, display_name, created)
		VALUES (:user_name, :email, :display_name, :created)`, c)
	if err != nil && !isDuplicate(err) {
		return fmt.Errorf("failed to create mail contact %s: %w", c.Email, err)
	}
	return nil
}
