package outgoing

import (
	"context"
	"time"

	"github.com/gotrs-io/gotrs-mail/internal/models"
)

// PendingMail is one row of the transfer sweep: a pending mail with its
// distinct recipient addresses.
type PendingMail struct {
	ID          string    `db:"id"`
	Message     string    `db:"message"`
	SubmittedAt time.Time `db:"submitted_at"`
	Recipients  []string  `db:"-"`
}

// Transfer records a successful hand-off to the delivery service
type Transfer struct {
	Token          string
	StartedAt      time.Time
	StartedAfter   int64
	CompletedAt    time.Time
	CompletedAfter int64
}

// ReconcileCursor pages through reconcilable mail oldest first. The zero
// value starts at the beginning.
type ReconcileCursor struct {
	SubmittedAt time.Time
	ID          string
}

// Repository persists outgoing mail. Every write is committed on its own.
type Repository interface {
	Get(ctx context.Context, id string) (*models.OutgoingMail, error)
	Insert(ctx context.Context, m *models.OutgoingMail) error
	Update(ctx context.Context, m *models.OutgoingMail) error
	Delete(ctx context.Context, id string) error

	// Submit stores the generated message and submit time fields
	Submit(ctx context.Context, m *models.OutgoingMail) error
	SetFolder(ctx context.Context, id, folder string) error
	SetStatus(ctx context.Context, id string, status models.MailStatus, errorMessage *string) error
	MarkTransferred(ctx context.Context, id string, t Transfer) error
	MarkFailed(ctx context.Context, id, errorLog string) error
	ResetForRetry(ctx context.Context, id string) error
	UpdateRecipient(ctx context.Context, r *models.Recipient) error

	ListPending(ctx context.Context, limit int) ([]*PendingMail, error)
	ListReconcilable(ctx context.Context, after ReconcileCursor, limit int) ([]*ReconcileCandidate, error)
	DeleteNewsletters(ctx context.Context, domains []string, before time.Time) (int64, error)

	// MessageIDOf returns the Message-ID of an incoming or outgoing mail
	MessageIDOf(ctx context.Context, mailType, name string) (string, error)
	// FindByMessageID resolves a Message-ID to the mail carrying it
	FindByMessageID(ctx context.Context, messageID string) (mailType, name string, err error)
}

// ReconcileCandidate is a mail awaiting delivery outcomes
type ReconcileCandidate struct {
	ID          string    `db:"id"`
	Token       string    `db:"token"`
	SubmittedAt time.Time `db:"submitted_at"`
}

// MailboxStore reads mailboxes and records contacts
type MailboxStore interface {
	GetMailbox(ctx context.Context, email string) (*models.Mailbox, error)
	UserMailboxes(ctx context.Context, user string, outgoing bool) ([]string, error)
	DefaultMailbox(ctx context.Context, user string) (string, error)
	CreateMailContact(ctx context.Context, c *models.MailContact) error
}

// DomainStore reads mail domains
type DomainStore interface {
	GetDomain(ctx context.Context, name string) (*models.MailDomain, error)
	ListDomains(ctx context.Context) ([]*models.MailDomain, error)
}

// FileStore stores attachment files
type FileStore interface {
	GetFile(ctx context.Context, id string) (*models.File, error)
	ListAttachments(ctx context.Context, attachedToType, attachedToName string) ([]*models.Attachment, error)
	SaveFile(ctx context.Context, f *models.File) error
}

// DeliveryClient talks to the remote delivery service over an open session
type DeliveryClient interface {
	Send(ctx context.Context, mailID string, recipients []string, message string) (string, error)
	FetchDeliveryStatuses(ctx context.Context, mails []models.MailToken) ([]*models.DeliveryStatus, error)
}

// Dialer opens a session with the delivery service. A dial failure is a
// connection failure, distinct from a failure to send one message.
type Dialer interface {
	Dial(ctx context.Context) (DeliveryClient, error)
}

// DialerFunc adapts a function to Dialer
type DialerFunc func(ctx context.Context) (DeliveryClient, error)

func (f DialerFunc) Dial(ctx context.Context) (DeliveryClient, error) {
	return f(ctx)
}

// Publisher emits real-time mail events
type Publisher interface {
	PublishSent(ctx context.Context, m *models.OutgoingMail) error
}

// Hooks observe lifecycle changes. They run after the change is committed.
type Hooks interface {
	AfterSubmit(ctx context.Context, m *models.OutgoingMail)
	AfterTransition(ctx context.Context, id string, from, to State)
}

// NopHooks ignores every notification
type NopHooks struct{}

func (NopHooks) AfterSubmit(context.Context, *models.OutgoingMail) {}
func (NopHooks) AfterTransition(context.Context, string, State, State) {}

// MultiHooks notifies several hooks in order
type MultiHooks []Hooks

func (mh MultiHooks) AfterSubmit(ctx context.Context, m *models.OutgoingMail) {
	for _, h := range mh {
		h.AfterSubmit(ctx, m)
	}
}

func (mh MultiHooks) AfterTransition(ctx context.Context, id string, from, to State) {
	for _, h := range mh {
		h.AfterTransition(ctx, id, from, to)
	}
}
