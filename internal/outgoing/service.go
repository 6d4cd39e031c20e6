// Package outgoing implements the outgoing mail lifecycle: saving and
// submitting mail, transferring it to the delivery service and reconciling
// the delivery outcomes reported back.
package outgoing

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/emersion/go-message/mail"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/gotrs-io/gotrs-mail/internal/config"
	"github.com/gotrs-io/gotrs-mail/internal/mailbuilder"
	"github.com/gotrs-io/gotrs-mail/internal/models"
)

// ContentTypeMarkdown marks a body that must be rendered to HTML first
const ContentTypeMarkdown = "markdown"

const immediateQueueSize = 1024

// Options wires a Service
type Options struct {
	Repo      Repository
	Mailboxes MailboxStore
	Domains   DomainStore
	Files     FileStore
	Builder   *mailbuilder.Builder
	Dialer    Dialer
	Publisher Publisher
	Hooks     Hooks
	Settings  config.MailConfig
	Transfer  config.TransferConfig
	Reconcile config.ReconcileConfig
	Logger    *zap.Logger
}

// Service runs every outgoing mail operation
type Service struct {
	repo      Repository
	mailboxes MailboxStore
	domains   DomainStore
	files     FileStore
	builder   *mailbuilder.Builder
	dialer    Dialer
	publisher Publisher
	hooks     Hooks
	sm        *StateMachine

	settings  config.MailConfig
	transfer  config.TransferConfig
	reconcile config.ReconcileConfig

	logger    *zap.Logger
	immediate chan string
	now       func() time.Time
	sleep     func(ctx context.Context, d time.Duration) error
}

// NewService creates the outgoing mail service
func NewService(opts Options) *Service {
	s := &Service{
		repo:      opts.Repo,
		mailboxes: opts.Mailboxes,
		domains:   opts.Domains,
		files:     opts.Files,
		builder:   opts.Builder,
		dialer:    opts.Dialer,
		publisher: opts.Publisher,
		hooks:     opts.Hooks,
		sm:        NewStateMachine(),
		settings:  opts.Settings,
		transfer:  opts.Transfer,
		reconcile: opts.Reconcile,
		logger:    opts.Logger,
		immediate: make(chan string, immediateQueueSize),
		now:       time.Now,
		sleep:     sleepContext,
	}
	if s.hooks == nil {
		s.hooks = NopHooks{}
	}
	if s.logger == nil {
		s.logger = zap.NewNop()
	}
	return s
}

func sleepContext(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// NewAttachment is a file uploaded together with a new mail
type NewAttachment struct {
	FileName string `json:"filename"`
	Content  []byte `json:"content"`
}

// CreateRequest describes a mail to compose
type CreateRequest struct {
	Sender            string            `json:"from"`
	DisplayName       string            `json:"display_name"`
	To                []string          `json:"to"`
	Cc                []string          `json:"cc"`
	Bcc               []string          `json:"bcc"`
	Subject           string            `json:"subject"`
	Body              string            `json:"body"`
	ContentType       string            `json:"content_type"`
	ReplyTo           string            `json:"reply_to"`
	InReplyToMailType string            `json:"in_reply_to_mail_type"`
	InReplyToMailName string            `json:"in_reply_to_mail_name"`
	CustomHeaders     map[string]string `json:"custom_headers"`
	Attachments       []NewAttachment   `json:"attachments"`
	RawMessage        string            `json:"raw_message"`
	ViaAPI            bool              `json:"-"`
	IsNewsletter      bool              `json:"is_newsletter"`
	DoNotSave         bool              `json:"do_not_save"`
	DoNotSubmit       bool              `json:"do_not_submit"`
}

// Create composes a mail, saves it, stores its attachments and submits it.
// DoNotSave returns the unsaved draft; DoNotSubmit stops after saving.
func (s *Service) Create(ctx context.Context, caller Caller, req CreateRequest) (*models.OutgoingMail, error) {
	m := &models.OutgoingMail{
		Sender:            req.Sender,
		DisplayName:       req.DisplayName,
		Subject:           req.Subject,
		BodyHTML:          req.Body,
		ReplyTo:           req.ReplyTo,
		InReplyToMailType: req.InReplyToMailType,
		InReplyToMailName: req.InReplyToMailName,
		RawMessage:        req.RawMessage,
		ViaAPI:            req.ViaAPI,
		IsNewsletter:      req.IsNewsletter,
		Folder:            models.FolderDrafts,
	}

	if req.ContentType == ContentTypeMarkdown && req.Body != "" {
		html, err := mailbuilder.MarkdownToHTML(req.Body)
		if err != nil {
			return nil, invalid("body", "invalid markdown: %v", err)
		}
		m.BodyHTML = html
	}

	for _, rcpt := range []struct {
		typ   models.RecipientType
		addrs []string
	}{
		{models.RecipientTo, req.To},
		{models.RecipientCc, req.Cc},
		{models.RecipientBcc, req.Bcc},
	} {
		for _, raw := range rcpt.addrs {
			addr, err := mail.ParseAddress(raw)
			if err != nil {
				return nil, invalid("recipients", "invalid format for recipient %s", raw)
			}
			m.AddRecipient(rcpt.typ, addr.Address, addr.Name)
		}
	}

	keys := make([]string, 0, len(req.CustomHeaders))
	for k := range req.CustomHeaders {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		m.AddCustomHeader(k, req.CustomHeaders[k])
	}

	if m.ViaAPI && !m.IsNewsletter {
		if err := s.useOwnMailbox(ctx, caller, m); err != nil {
			return nil, err
		}
	}

	if req.DoNotSave {
		return m, nil
	}

	if err := s.Save(ctx, caller, m); err != nil {
		return nil, err
	}

	for _, a := range req.Attachments {
		f := &models.File{
			Attachment: models.Attachment{
				FileName: a.FileName,
				FileSize: int64(len(a.Content)),
				Private:  true,
				Type:     models.AttachmentTypeAttachment,
			},
			AttachedToType: models.MailTypeOutgoing,
			AttachedToName: m.ID,
			Content:        a.Content,
		}
		if err := s.files.SaveFile(ctx, f); err != nil {
			return nil, fmt.Errorf("failed to save attachment %s: %w", a.FileName, err)
		}
	}

	if req.DoNotSubmit {
		return m, nil
	}
	return s.Submit(ctx, caller, m.ID)
}

// useOwnMailbox replaces a sender the caller does not own with the caller's
// default outgoing mailbox.
func (s *Service) useOwnMailbox(ctx context.Context, caller Caller, m *models.OutgoingMail) error {
	sender := strings.ToLower(strings.TrimSpace(m.Sender))
	owned, err := s.mailboxes.UserMailboxes(ctx, caller.User, true)
	if err != nil {
		return fmt.Errorf("failed to load user mailboxes: %w", err)
	}
	for _, mb := range owned {
		if mb == sender {
			return nil
		}
	}

	def, err := s.mailboxes.DefaultMailbox(ctx, caller.User)
	if err != nil && !errors.Is(err, ErrNotFound) {
		return fmt.Errorf("failed to load default mailbox: %w", err)
	}
	if def == "" {
		return invalid("sender", "no default outgoing mailbox for user %s", caller.User)
	}
	m.Sender = def
	return nil
}

// Get returns a mail the caller may read
func (s *Service) Get(ctx context.Context, caller Caller, id string) (*models.OutgoingMail, error) {
	m, err := s.repo.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	owner, err := s.isOwner(ctx, caller, m.Sender)
	if err != nil {
		return nil, err
	}
	if !caller.SystemManager && (!owner || m.DocStatus == models.DocStatusCancelled) {
		return nil, ErrPermissionDenied
	}
	return m, nil
}

// Save validates and stores a draft. New drafts get a time ordered id.
func (s *Service) Save(ctx context.Context, caller Caller, m *models.OutgoingMail) error {
	isNew := m.ID == ""
	if isNew {
		id, err := uuid.NewV7()
		if err != nil {
			return fmt.Errorf("failed to generate mail id: %w", err)
		}
		m.ID = id.String()
		for _, r := range m.Recipients {
			r.MailID = m.ID
		}
		for _, h := range m.CustomHeaders {
			h.MailID = m.ID
		}
	} else {
		stored, err := s.repo.Get(ctx, m.ID)
		if err != nil {
			return err
		}
		if !stored.IsDraft() {
			return fmt.Errorf("%w: submitted mail cannot be modified", ErrInvalidTransition)
		}
	}
	if !m.IsDraft() {
		return fmt.Errorf("%w: only drafts can be saved", ErrInvalidTransition)
	}

	v, err := s.newValidation(ctx, caller, m)
	if err != nil {
		return err
	}
	if err := s.validate(ctx, v, m); err != nil {
		return err
	}

	if isNew {
		return s.repo.Insert(ctx, m)
	}
	return s.repo.Update(ctx, m)
}

// Submit freezes a draft into its final message and queues it for transfer
func (s *Service) Submit(ctx context.Context, caller Caller, id string) (*models.OutgoingMail, error) {
	m, err := s.repo.Get(ctx, id)
	if err != nil {
		return nil, err
	}

	from := StateOf(m)
	to, err := s.sm.Transition(from, EventSubmit)
	if err != nil {
		return nil, err
	}

	v, err := s.newValidation(ctx, caller, m)
	if err != nil {
		return nil, err
	}
	if err := s.validate(ctx, v, m); err != nil {
		return nil, err
	}

	m.IPAddress = caller.IPAddress
	m.MessageID = mailbuilder.GenerateMessageID(m.DomainName, s.now())
	if m.RawMessage == "" {
		if m.ViaAPI {
			m.BodyHTML = mailbuilder.ResolveAttachmentFileNames(m.BodyHTML, m.Attachments)
		}
		m.BodyPlain = mailbuilder.HTMLToText(m.BodyHTML)
	}

	res, err := s.builder.Build(ctx, mailbuilder.Input{Mail: m, Mailbox: v.mailbox, Domain: v.domain})
	switch {
	case errors.Is(err, mailbuilder.ErrFutureDate), errors.Is(err, mailbuilder.ErrInvalidMessage):
		return nil, invalid("raw_message", "%v", err)
	case err != nil:
		return nil, fmt.Errorf("failed to generate message: %w", err)
	}

	if res.InReplyTo != "" {
		mailType, name, err := s.repo.FindByMessageID(ctx, res.InReplyTo)
		if err != nil && !errors.Is(err, ErrNotFound) {
			return nil, fmt.Errorf("failed to resolve in reply to: %w", err)
		}
		m.InReplyToMailType, m.InReplyToMailName = mailType, name
	}

	if err := v.messageSize(m); err != nil {
		return nil, err
	}

	for _, f := range res.Files {
		if err := s.files.SaveFile(ctx, f); err != nil {
			return nil, fmt.Errorf("failed to save attachment %s: %w", f.FileName, err)
		}
	}

	m.DocStatus = models.DocStatusSubmitted
	m.Status = to.Status()
	m.Folder = FolderFor(m)
	if err := s.repo.Submit(ctx, m); err != nil {
		return nil, fmt.Errorf("failed to submit mail: %w", err)
	}

	s.hooks.AfterSubmit(ctx, m)
	s.hooks.AfterTransition(ctx, m.ID, from, to)

	if v.mailbox.CreateMailContact {
		s.createMailContacts(ctx, v.mailbox.User, m)
	}

	if s.transferImmediately(m) {
		s.enqueueTransfer(m.ID)
	}

	return m, nil
}

// transferImmediately reports whether a fresh interactive API submission
// should skip the sweep.
func (s *Service) transferImmediately(m *models.OutgoingMail) bool {
	window := int64(s.settings.ImmediateTransferWindow / time.Second)
	return m.ViaAPI && !m.IsNewsletter && m.SubmittedAfter <= window
}

func (s *Service) enqueueTransfer(id string) {
	select {
	case s.immediate <- id:
	default:
		s.logger.Warn("immediate transfer queue full, leaving mail for the sweep", zap.String("mail_id", id))
	}
}

// RunImmediateTransfers transfers mail queued by Submit until ctx is done
func (s *Service) RunImmediateTransfers(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case id := <-s.immediate:
			if err := s.TransferNow(ctx, id, false); err != nil {
				s.logger.Error("immediate transfer failed", zap.String("mail_id", id), zap.Error(err))
			}
		}
	}
}

func (s *Service) createMailContacts(ctx context.Context, user string, m *models.OutgoingMail) {
	for _, r := range m.Recipients {
		c := &models.MailContact{
			User:        user,
			Email:       r.Email,
			DisplayName: r.DisplayName,
			Created:     s.now(),
		}
		if err := s.mailboxes.CreateMailContact(ctx, c); err != nil {
			s.logger.Warn("failed to create mail contact",
				zap.String("mail_id", m.ID),
				zap.String("email", r.Email),
				zap.Error(err))
		}
	}
}

// RetryFailed moves a failed mail back to Pending and transfers it again
func (s *Service) RetryFailed(ctx context.Context, caller Caller, id string) error {
	return s.retry(ctx, caller, id, StateFailed)
}

// RetryBounced moves a bounced mail back to Pending and transfers it again.
// Only system managers may retry bounced mail.
func (s *Service) RetryBounced(ctx context.Context, caller Caller, id string) error {
	if !caller.SystemManager {
		return fmt.Errorf("%w: only system managers can retry bounced mail", ErrPermissionDenied)
	}
	return s.retry(ctx, caller, id, StateBounced)
}

func (s *Service) retry(ctx context.Context, caller Caller, id string, want State) error {
	m, err := s.repo.Get(ctx, id)
	if err != nil {
		return err
	}
	if err := s.authorizeWrite(ctx, caller, m); err != nil {
		return err
	}

	from := StateOf(m)
	if from != want {
		return &TransitionError{From: from, Event: EventRetry}
	}
	to, err := s.sm.Transition(from, EventRetry)
	if err != nil {
		return err
	}

	if err := s.repo.ResetForRetry(ctx, id); err != nil {
		return fmt.Errorf("failed to reset mail for retry: %w", err)
	}
	s.hooks.AfterTransition(ctx, id, from, to)

	return s.TransferNow(ctx, id, false)
}

// Delete removes a mail. Submitted mail can only be deleted by system managers.
func (s *Service) Delete(ctx context.Context, caller Caller, id string) error {
	m, err := s.repo.Get(ctx, id)
	if err != nil {
		return err
	}
	if !m.IsDraft() && !caller.SystemManager {
		return fmt.Errorf("%w: only system managers can delete submitted mail", ErrPermissionDenied)
	}
	if err := s.authorizeWrite(ctx, caller, m); err != nil {
		return err
	}
	return s.repo.Delete(ctx, id)
}

// UpdateFolder moves a submitted mail to another folder. Drafts always stay
// in Drafts and submitted mail never returns there.
func (s *Service) UpdateFolder(ctx context.Context, caller Caller, id, folder string) (string, error) {
	if folder != models.FolderDrafts && folder != models.FolderSent {
		return "", invalid("folder", "unknown folder %s", folder)
	}

	m, err := s.repo.Get(ctx, id)
	if err != nil {
		return "", err
	}
	if err := s.authorizeWrite(ctx, caller, m); err != nil {
		return "", err
	}
	if m.IsDraft() {
		return "", invalid("folder", "folder of a draft cannot be changed")
	}

	m.Folder = folder
	m.Folder = FolderFor(m)
	if err := s.repo.SetFolder(ctx, id, m.Folder); err != nil {
		return "", fmt.Errorf("failed to update folder: %w", err)
	}
	return m.Folder, nil
}

// ReplyTo returns an unsaved draft answering a sent mail. all also
// addresses the Cc recipients.
func (s *Service) ReplyTo(ctx context.Context, caller Caller, sourceID string, all bool) (*models.OutgoingMail, error) {
	src, err := s.Get(ctx, caller, sourceID)
	if err != nil {
		return nil, err
	}

	reply := &models.OutgoingMail{
		Sender:            src.Sender,
		DomainName:        src.DomainName,
		Subject:           "Re: " + src.Subject,
		InReplyToMailType: models.MailTypeOutgoing,
		InReplyToMailName: src.ID,
		Folder:            models.FolderDrafts,
	}
	for _, r := range src.Recipients {
		if r.Type == models.RecipientTo || (all && r.Type == models.RecipientCc) {
			reply.AddRecipient(r.Type, r.Email, r.DisplayName)
		}
	}
	return reply, nil
}

func (s *Service) isOwner(ctx context.Context, caller Caller, sender string) (bool, error) {
	mb, err := s.mailboxes.GetMailbox(ctx, sender)
	if errors.Is(err, ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("failed to load mailbox: %w", err)
	}
	return mb.User == caller.User, nil
}

func (s *Service) authorizeWrite(ctx context.Context, caller Caller, m *models.OutgoingMail) error {
	if caller.SystemManager {
		return nil
	}
	owner, err := s.isOwner(ctx, caller, m.Sender)
	if err != nil {
		return err
	}
	if !owner {
		return ErrPermissionDenied
	}
	return nil
}
