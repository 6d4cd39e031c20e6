package outgoing

import (
	"context"
	"errors"
	"fmt"
	"math"
	"strings"

	"github.com/emersion/go-message/mail"

	"github.com/gotrs-io/gotrs-mail/internal/config"
	"github.com/gotrs-io/gotrs-mail/internal/models"
)

// Caller identifies who performs an operation
type Caller struct {
	User          string
	SystemManager bool
	IPAddress     string
}

// validation carries what a single save needs to know about its mail. It is
// created at the start of validation and dropped when the save returns.
type validation struct {
	caller   Caller
	mailbox  *models.Mailbox
	domain   *models.MailDomain
	settings config.MailConfig
}

func (s *Service) newValidation(ctx context.Context, caller Caller, m *models.OutgoingMail) (*validation, error) {
	if m.Sender == "" {
		return nil, invalid("sender", "sender is required")
	}
	m.Sender = strings.ToLower(strings.TrimSpace(m.Sender))
	m.DomainName = models.DomainOf(m.Sender)

	mailbox, err := s.mailboxes.GetMailbox(ctx, m.Sender)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return nil, invalid("sender", "mailbox %s does not exist", m.Sender)
		}
		return nil, fmt.Errorf("failed to load mailbox: %w", err)
	}
	domain, err := s.domains.GetDomain(ctx, m.DomainName)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return nil, invalid("domain_name", "domain %s does not exist", m.DomainName)
		}
		return nil, fmt.Errorf("failed to load mail domain: %w", err)
	}

	return &validation{
		caller:   caller,
		mailbox:  mailbox,
		domain:   domain,
		settings: s.settings,
	}, nil
}

// validate runs every save time check and normalizes recipients and headers
// in place.
func (s *Service) validate(ctx context.Context, v *validation, m *models.OutgoingMail) error {
	if m.AmendedFrom != "" {
		return ErrAmendNotAllowed
	}
	m.Folder = FolderFor(m)

	checks := []func() error{
		func() error { return v.domainAllowed(m) },
		func() error { return v.senderAllowed(m) },
		func() error { return s.resolveInReplyTo(ctx, m) },
		func() error { return v.recipients(m) },
		func() error { return v.customHeaders(m) },
	}
	for _, check := range checks {
		if err := check(); err != nil {
			return err
		}
	}

	attachments, err := s.files.ListAttachments(ctx, models.MailTypeOutgoing, m.ID)
	if err != nil {
		return fmt.Errorf("failed to load attachments: %w", err)
	}
	for _, a := range attachments {
		a.Type = models.AttachmentTypeAttachment
	}
	m.Attachments = attachments

	return v.attachments(m)
}

func (v *validation) domainAllowed(m *models.OutgoingMail) error {
	if !v.domain.Enabled {
		return invalid("domain_name", "domain %s is disabled", m.DomainName)
	}
	if !v.domain.IsVerified {
		return invalid("domain_name", "domain %s is not verified", m.DomainName)
	}
	return nil
}

func (v *validation) senderAllowed(m *models.OutgoingMail) error {
	if v.mailbox.User != v.caller.User && !v.caller.SystemManager {
		return invalid("sender", "you are not allowed to send mail from mailbox %s", m.Sender)
	}
	if !v.mailbox.Enabled {
		return invalid("sender", "mailbox %s is disabled", m.Sender)
	}
	if !v.mailbox.Outgoing {
		return invalid("sender", "mailbox %s is not allowed for outgoing mail", m.Sender)
	}
	return nil
}

func (s *Service) resolveInReplyTo(ctx context.Context, m *models.OutgoingMail) error {
	if m.InReplyToMailType == "" && m.InReplyToMailName == "" {
		return nil
	}

	switch {
	case m.InReplyToMailType == "":
		return invalid("in_reply_to_mail_type", "in reply to mail type is required")
	case m.InReplyToMailName == "":
		return invalid("in_reply_to_mail_name", "in reply to mail name is required")
	case m.InReplyToMailType != models.MailTypeIncoming && m.InReplyToMailType != models.MailTypeOutgoing:
		return invalid("in_reply_to_mail_type", "must be either %s or %s", models.MailTypeIncoming, models.MailTypeOutgoing)
	}

	messageID, err := s.repo.MessageIDOf(ctx, m.InReplyToMailType, m.InReplyToMailName)
	if err != nil && !errors.Is(err, ErrNotFound) {
		return fmt.Errorf("failed to resolve in reply to: %w", err)
	}
	if messageID == "" {
		return invalid("in_reply_to_mail_name", "in reply to mail %s - %s does not exist", m.InReplyToMailType, m.InReplyToMailName)
	}
	m.InReplyTo = messageID
	return nil
}

func (v *validation) recipients(m *models.OutgoingMail) error {
	if len(m.Recipients) == 0 {
		return invalid("recipients", "at least one recipient is required")
	}
	if limit := v.settings.MaxRecipients; len(m.Recipients) > limit {
		return invalid("recipients", "recipient limit exceeded (%d), maximum %d recipient(s) allowed", len(m.Recipients), limit)
	}

	type typeEmail struct {
		typ   models.RecipientType
		email string
	}
	seen := make(map[typeEmail]bool, len(m.Recipients))
	for i, r := range m.Recipients {
		r.Email = strings.ToLower(strings.TrimSpace(r.Email))
		if r.Idx == 0 {
			r.Idx = i + 1
		}

		if !isValidType(r.Type) {
			return invalid("recipients", "row #%d: invalid recipient type %s", r.Idx, r.Type)
		}
		addr, err := mail.ParseAddress(r.Email)
		if err != nil || addr.Address != r.Email {
			return invalid("recipients", "row #%d: invalid recipient %s", r.Idx, r.Email)
		}

		key := typeEmail{r.Type, r.Email}
		if seen[key] {
			return invalid("recipients", "row #%d: duplicate recipient %s of type %s", r.Idx, r.Email, r.Type)
		}
		seen[key] = true
	}
	return nil
}

func isValidType(t models.RecipientType) bool {
	for _, rt := range models.RecipientTypes {
		if t == rt {
			return true
		}
	}
	return false
}

func (v *validation) customHeaders(m *models.OutgoingMail) error {
	if len(m.CustomHeaders) == 0 {
		return nil
	}
	if limit := v.settings.MaxHeaders; len(m.CustomHeaders) > limit {
		return invalid("custom_headers", "custom headers limit exceeded (%d), maximum %d custom header(s) allowed", len(m.CustomHeaders), limit)
	}

	seen := make(map[string]bool, len(m.CustomHeaders))
	for i, h := range m.CustomHeaders {
		if h.Idx == 0 {
			h.Idx = i + 1
		}
		h.Key = strings.TrimSpace(h.Key)
		if !strings.HasPrefix(strings.ToUpper(h.Key), "X-") {
			h.Key = "X-" + h.Key
		}
		if strings.HasPrefix(strings.ToUpper(h.Key), "X-FM-") {
			return invalid("custom_headers", "custom header %s is not allowed", h.Key)
		}
		if seen[h.Key] {
			return invalid("custom_headers", "row #%d: duplicate custom header %s", h.Idx, h.Key)
		}
		seen[h.Key] = true
	}
	return nil
}

func (v *validation) attachments(m *models.OutgoingMail) error {
	if len(m.Attachments) == 0 {
		return nil
	}

	if limit := v.settings.OutgoingMaxAttachments; len(m.Attachments) > limit {
		return invalid("attachments", "attachment limit exceeded (%d), maximum %d attachment(s) allowed", len(m.Attachments), limit)
	}

	var total float64
	for _, a := range m.Attachments {
		size := megabytes(a.FileSize)
		if size > v.settings.OutgoingMaxAttachmentSize {
			return invalid("attachments", "attachment size limit exceeded (%v MB), maximum %v MB allowed", size, v.settings.OutgoingMaxAttachmentSize)
		}
		total += size
	}
	total = round3(total)
	if total > v.settings.OutgoingTotalAttachmentsSize {
		return invalid("attachments", "attachments size limit exceeded (%v MB), maximum %v MB allowed", total, v.settings.OutgoingTotalAttachmentsSize)
	}
	return nil
}

func (v *validation) messageSize(m *models.OutgoingMail) error {
	size := megabytes(int64(m.MessageSize))
	if size > v.settings.MaxMessageSize {
		return invalid("message", "message size limit exceeded (%v MB), maximum %v MB allowed", size, v.settings.MaxMessageSize)
	}
	return nil
}

// megabytes converts bytes to MB rounded to three decimals
func megabytes(n int64) float64 {
	return round3(float64(n) / 1024 / 1024)
}

func round3(f float64) float64 {
	return math.Round(f*1000) / 1000
}
