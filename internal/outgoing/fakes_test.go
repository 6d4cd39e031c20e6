package outgoing

import (
	"context"
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"encoding/pem"
	"fmt"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/gotrs-io/gotrs-mail/internal/config"
	"github.com/gotrs-io/gotrs-mail/internal/mailbuilder"
	"github.com/gotrs-io/gotrs-mail/internal/models"
)

var (
	keyOnce sync.Once
	keyPEM  string
)

func dkimKey(t *testing.T) string {
	t.Helper()
	keyOnce.Do(func() {
		k, err := rsa.GenerateKey(rand.Reader, 2048)
		if err != nil {
			panic(err)
		}
		keyPEM = string(pem.EncodeToMemory(&pem.Block{Type: "RSA PRIVATE KEY", Bytes: x509.MarshalPKCS1PrivateKey(k)}))
	})
	return keyPEM
}

var testNow = time.Date(2026, 3, 14, 9, 26, 53, 0, time.UTC)

var (
	alice   = Caller{User: "alice", IPAddress: "203.0.113.7"}
	mallory = Caller{User: "mallory"}
	admin   = Caller{User: "admin", SystemManager: true}
)

// fakeRepo keeps mail in memory. Reads and writes copy so that only
// persisted changes are visible.
type fakeRepo struct {
	mu       sync.Mutex
	mails    map[string]*models.OutgoingMail
	incoming map[string]string
	purged   []purgeCall

	// beforeSubmit runs between the service's read and its submit write
	beforeSubmit func(id string)
	// markTransferredErr fails recording a transfer
	markTransferredErr error
}

type purgeCall struct {
	domains []string
	before  time.Time
}

func newFakeRepo() *fakeRepo {
	return &fakeRepo{
		mails:    make(map[string]*models.OutgoingMail),
		incoming: make(map[string]string),
	}
}

func cloneMail(m *models.OutgoingMail) *models.OutgoingMail {
	c := *m
	c.Recipients = make([]*models.Recipient, 0, len(m.Recipients))
	for _, r := range m.Recipients {
		rc := *r
		c.Recipients = append(c.Recipients, &rc)
	}
	c.CustomHeaders = make([]*models.CustomHeader, 0, len(m.CustomHeaders))
	for _, h := range m.CustomHeaders {
		hc := *h
		c.CustomHeaders = append(c.CustomHeaders, &hc)
	}
	c.Attachments = nil
	return &c
}

func (r *fakeRepo) put(m *models.OutgoingMail) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.mails[m.ID] = cloneMail(m)
}

func (r *fakeRepo) stored(id string) *models.OutgoingMail {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.mails[id]
}

func (r *fakeRepo) withMail(id string, fn func(m *models.OutgoingMail)) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	m, ok := r.mails[id]
	if !ok {
		return ErrNotFound
	}
	fn(m)
	return nil
}

func (r *fakeRepo) countByStatus(status models.MailStatus) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, m := range r.mails {
		if m.Status == status {
			n++
		}
	}
	return n
}

func (r *fakeRepo) Get(_ context.Context, id string) (*models.OutgoingMail, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	m, ok := r.mails[id]
	if !ok {
		return nil, ErrNotFound
	}
	return cloneMail(m), nil
}

func (r *fakeRepo) Insert(_ context.Context, m *models.OutgoingMail) error {
	r.put(m)
	return nil
}

func (r *fakeRepo) Update(_ context.Context, m *models.OutgoingMail) error {
	r.put(m)
	return nil
}

func (r *fakeRepo) Delete(_ context.Context, id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.mails, id)
	return nil
}

func (r *fakeRepo) Submit(_ context.Context, m *models.OutgoingMail) error {
	if r.beforeSubmit != nil {
		r.beforeSubmit(m.ID)
	}
	r.mu.Lock()
	stored, ok := r.mails[m.ID]
	r.mu.Unlock()
	if !ok || !stored.IsDraft() {
		return ErrInvalidTransition
	}
	r.put(m)
	return nil
}

func (r *fakeRepo) SetFolder(_ context.Context, id, folder string) error {
	return r.withMail(id, func(m *models.OutgoingMail) { m.Folder = folder })
}

func (r *fakeRepo) SetStatus(_ context.Context, id string, status models.MailStatus, errorMessage *string) error {
	return r.withMail(id, func(m *models.OutgoingMail) {
		m.Status = status
		m.ErrorMessage = ""
		if errorMessage != nil {
			m.ErrorMessage = *errorMessage
		}
	})
}

func (r *fakeRepo) MarkTransferred(_ context.Context, id string, t Transfer) error {
	if r.markTransferredErr != nil {
		return r.markTransferredErr
	}
	return r.withMail(id, func(m *models.OutgoingMail) {
		m.Status = models.StatusTransferred
		m.Token = t.Token
		m.ErrorLog, m.ErrorMessage = "", ""
		m.TransferStartedAt, m.TransferStartedAfter = &t.StartedAt, t.StartedAfter
		m.TransferCompletedAt, m.TransferCompletedAfter = &t.CompletedAt, t.CompletedAfter
	})
}

func (r *fakeRepo) MarkFailed(_ context.Context, id, errorLog string) error {
	return r.withMail(id, func(m *models.OutgoingMail) {
		m.Status = models.StatusFailed
		m.ErrorLog, m.ErrorMessage = errorLog, ""
	})
}

func (r *fakeRepo) ResetForRetry(_ context.Context, id string) error {
	return r.withMail(id, func(m *models.OutgoingMail) {
		m.Status = models.StatusPending
		m.ErrorLog, m.ErrorMessage = "", ""
	})
}

func (r *fakeRepo) UpdateRecipient(_ context.Context, rcpt *models.Recipient) error {
	return r.withMail(rcpt.MailID, func(m *models.OutgoingMail) {
		for _, stored := range m.Recipients {
			if stored.Type == rcpt.Type && stored.Email == rcpt.Email {
				c := *rcpt
				*stored = c
			}
		}
	})
}

func (r *fakeRepo) sorted(filter func(m *models.OutgoingMail) bool) []*models.OutgoingMail {
	var out []*models.OutgoingMail
	for _, m := range r.mails {
		if filter(m) {
			out = append(out, m)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].SubmittedAt.Equal(*out[j].SubmittedAt) {
			return out[i].SubmittedAt.Before(*out[j].SubmittedAt)
		}
		return out[i].ID < out[j].ID
	})
	return out
}

func (r *fakeRepo) ListPending(_ context.Context, limit int) ([]*PendingMail, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	mails := r.sorted(func(m *models.OutgoingMail) bool {
		return m.IsSubmitted() && m.Status == models.StatusPending
	})
	if len(mails) > limit {
		mails = mails[:limit]
	}
	out := make([]*PendingMail, 0, len(mails))
	for _, m := range mails {
		out = append(out, &PendingMail{ID: m.ID, Message: m.Message, SubmittedAt: *m.SubmittedAt, Recipients: m.RecipientEmails()})
	}
	return out, nil
}

func (r *fakeRepo) ListReconcilable(_ context.Context, after ReconcileCursor, limit int) ([]*ReconcileCandidate, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	mails := r.sorted(func(m *models.OutgoingMail) bool {
		if !m.IsSubmitted() {
			return false
		}
		switch m.Status {
		case models.StatusTransferred, models.StatusQueued, models.StatusDeferred:
		default:
			return false
		}
		if after.ID == "" {
			return true
		}
		return m.SubmittedAt.After(after.SubmittedAt) || (m.SubmittedAt.Equal(after.SubmittedAt) && m.ID > after.ID)
	})
	if len(mails) > limit {
		mails = mails[:limit]
	}
	out := make([]*ReconcileCandidate, 0, len(mails))
	for _, m := range mails {
		out = append(out, &ReconcileCandidate{ID: m.ID, Token: m.Token, SubmittedAt: *m.SubmittedAt})
	}
	return out, nil
}

func (r *fakeRepo) DeleteNewsletters(_ context.Context, domains []string, before time.Time) (int64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.purged = append(r.purged, purgeCall{domains: domains, before: before})

	in := make(map[string]bool, len(domains))
	for _, d := range domains {
		in[d] = true
	}
	var n int64
	for id, m := range r.mails {
		if !m.IsDraft() && m.Status == models.StatusSent && m.IsNewsletter && in[m.DomainName] && m.SubmittedAt.Before(before) {
			delete(r.mails, id)
			n++
		}
	}
	return n, nil
}

func (r *fakeRepo) MessageIDOf(_ context.Context, mailType, name string) (string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	switch mailType {
	case models.MailTypeIncoming:
		if id, ok := r.incoming[name]; ok {
			return id, nil
		}
	case models.MailTypeOutgoing:
		if m, ok := r.mails[name]; ok {
			return m.MessageID, nil
		}
	}
	return "", ErrNotFound
}

func (r *fakeRepo) FindByMessageID(_ context.Context, messageID string) (string, string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for name, id := range r.incoming {
		if id == messageID {
			return models.MailTypeIncoming, name, nil
		}
	}
	for _, m := range r.mails {
		if m.MessageID == messageID {
			return models.MailTypeOutgoing, m.ID, nil
		}
	}
	return "", "", ErrNotFound
}

type fakeMailboxes struct {
	mailboxes map[string]*models.Mailbox
	contacts  []*models.MailContact
}

func (f *fakeMailboxes) GetMailbox(_ context.Context, email string) (*models.Mailbox, error) {
	mb, ok := f.mailboxes[email]
	if !ok {
		return nil, ErrNotFound
	}
	c := *mb
	return &c, nil
}

func (f *fakeMailboxes) UserMailboxes(_ context.Context, user string, outgoing bool) ([]string, error) {
	var out []string
	for _, mb := range f.mailboxes {
		if mb.User == user && mb.Enabled && (!outgoing || mb.Outgoing) {
			out = append(out, mb.Email)
		}
	}
	sort.Strings(out)
	return out, nil
}

func (f *fakeMailboxes) DefaultMailbox(_ context.Context, user string) (string, error) {
	for _, mb := range f.mailboxes {
		if mb.User == user && mb.IsDefault && mb.Enabled && mb.Outgoing {
			return mb.Email, nil
		}
	}
	return "", ErrNotFound
}

func (f *fakeMailboxes) CreateMailContact(_ context.Context, c *models.MailContact) error {
	f.contacts = append(f.contacts, c)
	return nil
}

type fakeDomains map[string]*models.MailDomain

func (f fakeDomains) GetDomain(_ context.Context, name string) (*models.MailDomain, error) {
	d, ok := f[name]
	if !ok {
		return nil, ErrNotFound
	}
	c := *d
	return &c, nil
}

func (f fakeDomains) ListDomains(_ context.Context) ([]*models.MailDomain, error) {
	out := make([]*models.MailDomain, 0, len(f))
	for _, d := range f {
		out = append(out, d)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].DomainName < out[j].DomainName })
	return out, nil
}

type fakeFiles struct {
	files map[string]*models.File
	// forAll is listed as attached to every mail
	forAll []*models.Attachment
}

func (f *fakeFiles) GetFile(_ context.Context, id string) (*models.File, error) {
	file, ok := f.files[id]
	if !ok {
		return nil, fmt.Errorf("file %s not found", id)
	}
	return file, nil
}

func (f *fakeFiles) ListAttachments(_ context.Context, attachedToType, attachedToName string) ([]*models.Attachment, error) {
	var out []*models.Attachment
	for _, a := range f.forAll {
		c := *a
		out = append(out, &c)
	}
	ids := make([]string, 0, len(f.files))
	for id := range f.files {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	for _, id := range ids {
		file := f.files[id]
		if file.AttachedToType == attachedToType && file.AttachedToName == attachedToName {
			c := file.Attachment
			out = append(out, &c)
		}
	}
	return out, nil
}

func (f *fakeFiles) SaveFile(_ context.Context, file *models.File) error {
	if file.ID == "" {
		file.ID = fmt.Sprintf("file-%d", len(f.files)+1)
	}
	if file.FileURL == "" {
		file.FileURL = "/private/files/" + file.FileName
	}
	f.files[file.ID] = file
	return nil
}

// fakeClient is a scriptable delivery service
type fakeClient struct {
	mu        sync.Mutex
	token     string
	sendErr   func(id string) error
	sends     []string
	fetch     func(mails []models.MailToken) ([]*models.DeliveryStatus, error)
	fetchReqs [][]models.MailToken
}

func (c *fakeClient) Send(_ context.Context, id string, _ []string, _ string) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.sends = append(c.sends, id)
	if c.sendErr != nil {
		if err := c.sendErr(id); err != nil {
			return "", err
		}
	}
	return c.token, nil
}

func (c *fakeClient) FetchDeliveryStatuses(_ context.Context, mails []models.MailToken) ([]*models.DeliveryStatus, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.fetchReqs = append(c.fetchReqs, mails)
	if c.fetch == nil {
		return nil, nil
	}
	return c.fetch(mails)
}

type fakeDialer struct {
	client *fakeClient
	// failFirst dials fail before the first success
	failFirst int
	dials     int
}

func (d *fakeDialer) Dial(context.Context) (DeliveryClient, error) {
	d.dials++
	if d.dials <= d.failFirst {
		return nil, fmt.Errorf("dial %d: connection refused", d.dials)
	}
	return d.client, nil
}

type fakePublisher struct {
	sent []*models.OutgoingMail
}

func (p *fakePublisher) PublishSent(_ context.Context, m *models.OutgoingMail) error {
	p.sent = append(p.sent, m)
	return nil
}

type recordingHooks struct {
	submitted   []string
	transitions []string
}

func (h *recordingHooks) AfterSubmit(_ context.Context, m *models.OutgoingMail) {
	h.submitted = append(h.submitted, m.ID)
}

func (h *recordingHooks) AfterTransition(_ context.Context, _ string, from, to State) {
	h.transitions = append(h.transitions, string(from)+"->"+string(to))
}

type testEnv struct {
	svc       *Service
	repo      *fakeRepo
	mailboxes *fakeMailboxes
	domains   fakeDomains
	files     *fakeFiles
	client    *fakeClient
	dialer    *fakeDialer
	pub       *fakePublisher
	hooks     *recordingHooks
	sleeps    []time.Duration
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()

	e := &testEnv{
		repo: newFakeRepo(),
		mailboxes: &fakeMailboxes{mailboxes: map[string]*models.Mailbox{
			"alice@example.com": {
				Email: "alice@example.com", User: "alice", DomainName: "example.com",
				Enabled: true, Outgoing: true, IsDefault: true, DisplayName: "Alice",
			},
			"shared@example.com": {
				Email: "shared@example.com", User: "bob", DomainName: "example.com",
				Enabled: true, Outgoing: true,
			},
		}},
		domains: fakeDomains{
			"example.com": {
				DomainName: "example.com", Enabled: true, IsVerified: true,
				DKIMDomain: "example.com", DKIMSelector: "mail", DKIMPrivateKey: dkimKey(t),
				NewsletterRetention: 7,
			},
		},
		files:  &fakeFiles{files: make(map[string]*models.File)},
		client: &fakeClient{token: "T1"},
		pub:    &fakePublisher{},
		hooks:  &recordingHooks{},
	}
	e.dialer = &fakeDialer{client: e.client}

	builder := mailbuilder.NewBuilder(e.files, "https://mail.example.com",
		mailbuilder.WithClock(func() time.Time { return testNow }))

	e.svc = NewService(Options{
		Repo:      e.repo,
		Mailboxes: e.mailboxes,
		Domains:   e.domains,
		Files:     e.files,
		Builder:   builder,
		Dialer:    e.dialer,
		Publisher: e.pub,
		Hooks:     e.hooks,
		Settings: config.MailConfig{
			SiteURL:                      "https://mail.example.com",
			MaxRecipients:                3,
			MaxHeaders:                   2,
			OutgoingMaxAttachments:       2,
			OutgoingMaxAttachmentSize:    1,
			OutgoingTotalAttachmentsSize: 1.5,
			MaxMessageSize:               10,
			DefaultNewsletterRetention:   3,
			MaxNewsletterRetention:       30,
			ImmediateTransferWindow:      5 * time.Second,
		},
		Transfer:  config.TransferConfig{BatchSize: 500, BatchFailureThreshold: 5, MaxFailures: 3},
		Reconcile: config.ReconcileConfig{BatchSize: 250, MaxFailures: 3},
		Logger:    zap.NewNop(),
	})
	e.svc.now = func() time.Time { return testNow }
	e.svc.sleep = func(_ context.Context, d time.Duration) error {
		e.sleeps = append(e.sleeps, d)
		return nil
	}
	return e
}

// draft returns a valid unsaved draft from alice
func draft() *models.OutgoingMail {
	m := &models.OutgoingMail{
		Sender:      "alice@example.com",
		DisplayName: "Alice",
		Subject:     "Hello",
		BodyHTML:    "<p>Hi there</p>",
	}
	m.AddRecipient(models.RecipientTo, "bob@example.org", "Bob")
	m.AddRecipient(models.RecipientCc, "carol@example.org", "")
	return m
}

// submittedMail stores a mail as if it had been submitted at the given time
func (e *testEnv) submittedMail(id string, status models.MailStatus, submittedAt time.Time) *models.OutgoingMail {
	m := draft()
	m.ID = id
	m.DomainName = "example.com"
	m.DocStatus = models.DocStatusSubmitted
	m.Status = status
	m.Folder = models.FolderSent
	m.Message = "message " + id
	m.MessageID = "<" + id + "@example.com>"
	m.SubmittedAt = &submittedAt
	for _, r := range m.Recipients {
		r.MailID = id
	}
	e.repo.put(m)
	return m
}

func requireValidationError(t *testing.T, err error, contains string) {
	t.Helper()
	require.Error(t, err)
	require.True(t, IsValidationError(err), "expected validation error, got %v", err)
	require.Contains(t, err.Error(), contains)
}
