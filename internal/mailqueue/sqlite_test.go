package mailqueue

import (
	"context"
	"testing"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gotrs-io/gotrs-mail/internal/models"
	"github.com/gotrs-io/gotrs-mail/internal/outgoing"
)

func newSQLiteStore(t *testing.T) *Store {
	t.Helper()
	db, err := sqlx.Open("sqlite3", ":memory:")
	require.NoError(t, err)
	// every connection to :memory: is a separate database
	db.SetMaxOpenConns(1)
	t.Cleanup(func() { _ = db.Close() })

	s := NewStore(db)
	s.now = func() time.Time { return fixedNow }
	require.NoError(t, s.Migrate(context.Background()))
	return s
}

func TestSQLiteMailLifecycle(t *testing.T) {
	ctx := context.Background()
	s := newSQLiteStore(t)

	// migrating twice is harmless
	require.NoError(t, s.Migrate(ctx))

	m := newDraft()
	require.NoError(t, s.Insert(ctx, m))

	got, err := s.Get(ctx, "m1")
	require.NoError(t, err)
	assert.True(t, got.IsDraft())
	require.Len(t, got.Recipients, 2)
	assert.Equal(t, "bob@example.org", got.Recipients[0].Email)
	assert.Equal(t, "X-Campaign", got.CustomHeaders[0].Key)

	submittedAt := fixedNow.Add(-time.Minute)
	got.DocStatus = models.DocStatusSubmitted
	got.Status = models.StatusPending
	got.Folder = models.FolderSent
	got.Message = "raw message"
	got.MessageID = "<m1@example.com>"
	got.SubmittedAt = &submittedAt
	require.NoError(t, s.Submit(ctx, got))

	pending, err := s.ListPending(ctx, 10)
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.Equal(t, "raw message", pending[0].Message)
	assert.Equal(t, []string{"bob@example.org", "carol@example.org"}, pending[0].Recipients)
	assert.True(t, submittedAt.Equal(pending[0].SubmittedAt))

	require.NoError(t, s.MarkTransferred(ctx, "m1", outgoing.Transfer{
		Token: "T1", StartedAt: fixedNow, StartedAfter: 60, CompletedAt: fixedNow, CompletedAfter: 0,
	}))

	pending, err = s.ListPending(ctx, 10)
	require.NoError(t, err)
	assert.Empty(t, pending)

	candidates, err := s.ListReconcilable(ctx, outgoing.ReconcileCursor{}, 10)
	require.NoError(t, err)
	require.Len(t, candidates, 1)
	assert.Equal(t, "T1", candidates[0].Token)

	candidates, err = s.ListReconcilable(ctx, outgoing.ReconcileCursor{SubmittedAt: candidates[0].SubmittedAt, ID: "m1"}, 10)
	require.NoError(t, err)
	assert.Empty(t, candidates)

	actionAt := fixedNow
	require.NoError(t, s.UpdateRecipient(ctx, &models.Recipient{
		MailID: "m1", Type: models.RecipientTo, Email: "bob@example.org",
		Status: models.StatusSent, ActionAt: &actionAt, Retries: 1, Response: "250 OK",
	}))
	require.NoError(t, s.SetStatus(ctx, "m1", models.StatusPartiallySent, nil))

	got, err = s.Get(ctx, "m1")
	require.NoError(t, err)
	assert.Equal(t, models.StatusPartiallySent, got.Status)
	assert.Equal(t, "T1", got.Token)
	assert.Equal(t, models.StatusSent, got.Recipients[0].Status)
	assert.Empty(t, got.Recipients[1].Status)

	typ, name, err := s.FindByMessageID(ctx, "<m1@example.com>")
	require.NoError(t, err)
	assert.Equal(t, models.MailTypeOutgoing, typ)
	assert.Equal(t, "m1", name)

	require.NoError(t, s.Delete(ctx, "m1"))
	_, err = s.Get(ctx, "m1")
	assert.ErrorIs(t, err, outgoing.ErrNotFound)
}

func TestSQLiteSubmitHappensOnce(t *testing.T) {
	ctx := context.Background()
	s := newSQLiteStore(t)
	require.NoError(t, s.Insert(ctx, newDraft()))

	// two submits racing on the same draft
	first, err := s.Get(ctx, "m1")
	require.NoError(t, err)
	second, err := s.Get(ctx, "m1")
	require.NoError(t, err)

	submit := func(m *models.OutgoingMail, message, messageID string) error {
		m.DocStatus = models.DocStatusSubmitted
		m.Status = models.StatusPending
		m.Folder = models.FolderSent
		m.Message = message
		m.MessageID = messageID
		return s.Submit(ctx, m)
	}
	require.NoError(t, submit(first, "message A", "<a@example.com>"))
	err = submit(second, "message B", "<b@example.com>")
	assert.ErrorIs(t, err, outgoing.ErrInvalidTransition)

	got, err := s.Get(ctx, "m1")
	require.NoError(t, err)
	assert.Equal(t, "message A", got.Message)
	assert.Equal(t, "<a@example.com>", got.MessageID)
	assert.Len(t, got.Recipients, 2)
}

func TestSQLiteDeleteNewsletters(t *testing.T) {
	ctx := context.Background()
	s := newSQLiteStore(t)

	insert := func(id, domain string, newsletter bool, status models.MailStatus, age time.Duration) {
		submittedAt := fixedNow.Add(-age)
		m := &models.OutgoingMail{
			ID: id, DocStatus: models.DocStatusSubmitted, Status: status, Folder: models.FolderSent,
			Sender: "news@" + domain, DomainName: domain, IsNewsletter: newsletter, SubmittedAt: &submittedAt,
		}
		m.AddRecipient(models.RecipientTo, "reader@example.org", "")
		require.NoError(t, s.Insert(ctx, m))
	}

	day := 24 * time.Hour
	insert("old", "a.example", true, models.StatusSent, 10*day)
	insert("young", "a.example", true, models.StatusSent, day)
	insert("other-domain", "c.example", true, models.StatusSent, 10*day)
	insert("not-newsletter", "a.example", false, models.StatusSent, 10*day)
	insert("bounced", "a.example", true, models.StatusBounced, 10*day)

	n, err := s.DeleteNewsletters(ctx, []string{"a.example", "b.example"}, fixedNow.Add(-7*day))
	require.NoError(t, err)
	assert.EqualValues(t, 1, n)

	_, err = s.Get(ctx, "old")
	assert.ErrorIs(t, err, outgoing.ErrNotFound)
	for _, id := range []string{"young", "other-domain", "not-newsletter", "bounced"} {
		_, err := s.Get(ctx, id)
		assert.NoError(t, err, id)
	}

	var orphans int
	require.NoError(t, s.DB().GetContext(ctx, &orphans, "SELECT COUNT(*) FROM outgoing_mail_recipient WHERE mail_id = 'old'"))
	assert.Zero(t, orphans)
}

func TestSQLiteReferenceData(t *testing.T) {
	ctx := context.Background()
	s := newSQLiteStore(t)

	require.NoError(t, s.SaveMailbox(ctx, &models.Mailbox{
		Email: "alice@example.com", User: "alice", Enabled: true, Outgoing: true, IsDefault: true,
	}))
	require.NoError(t, s.SaveMailbox(ctx, &models.Mailbox{
		Email: "info@example.com", User: "alice", Enabled: true,
	}))

	mb, err := s.GetMailbox(ctx, "alice@example.com")
	require.NoError(t, err)
	assert.Equal(t, "example.com", mb.DomainName)

	all, err := s.UserMailboxes(ctx, "alice", false)
	require.NoError(t, err)
	assert.Equal(t, []string{"alice@example.com", "info@example.com"}, all)

	sending, err := s.UserMailboxes(ctx, "alice", true)
	require.NoError(t, err)
	assert.Equal(t, []string{"alice@example.com"}, sending)

	def, err := s.DefaultMailbox(ctx, "alice")
	require.NoError(t, err)
	assert.Equal(t, "alice@example.com", def)

	_, err = s.DefaultMailbox(ctx, "bob")
	assert.ErrorIs(t, err, outgoing.ErrNotFound)

	contact := &models.MailContact{User: "alice", Email: "bob@example.org"}
	require.NoError(t, s.CreateMailContact(ctx, contact))
	require.NoError(t, s.CreateMailContact(ctx, &models.MailContact{User: "alice", Email: "bob@example.org"}))

	d := &models.MailDomain{
		DomainName: "example.com", Enabled: true, DKIMSelector: "mail", NewsletterRetention: 7,
		DNSRecords: []*models.DNSRecord{
			{Category: "Sending Record", Type: "TXT", Host: "example.com", Value: "v=spf1 include:spf.example.net ~all", TTL: 3600},
			{Category: "Receiving Record", Type: "MX", Host: "example.com", Priority: 10, Value: "mx.example.net", TTL: 3600},
		},
	}
	require.NoError(t, s.SaveDomain(ctx, d))
	d.IsVerified = true
	d.DNSRecords = d.DNSRecords[:1]
	require.NoError(t, s.SaveDomain(ctx, d))

	stored, err := s.GetDomain(ctx, "example.com")
	require.NoError(t, err)
	assert.True(t, stored.IsVerified)
	require.Len(t, stored.DNSRecords, 1)
	assert.Equal(t, "TXT", stored.DNSRecords[0].Type)

	domains, err := s.ListDomains(ctx)
	require.NoError(t, err)
	require.Len(t, domains, 1)
	assert.Equal(t, 7, domains[0].NewsletterRetention)

	f := &models.File{
		Attachment:     models.Attachment{FileName: "report.pdf", Private: true},
		AttachedToType: models.MailTypeOutgoing,
		AttachedToName: "m1",
		Content:        []byte("%PDF-1.7"),
	}
	require.NoError(t, s.SaveFile(ctx, f))

	attachments, err := s.ListAttachments(ctx, models.MailTypeOutgoing, "m1")
	require.NoError(t, err)
	require.Len(t, attachments, 1)
	assert.Equal(t, f.ID, attachments[0].ID)
	assert.EqualValues(t, 8, attachments[0].FileSize)

	loaded, err := s.GetFile(ctx, f.ID)
	require.NoError(t, err)
	assert.Equal(t, []byte("%PDF-1.7"), loaded.Content)
}
