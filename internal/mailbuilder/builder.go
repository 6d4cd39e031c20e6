// Package mailbuilder turns an outgoing mail record into the signed message
// bytes handed to the delivery service.
package mailbuilder

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/emersion/go-message"
	"github.com/emersion/go-message/mail"

	"github.com/gotrs-io/gotrs-mail/internal/models"
)

// HeaderOutgoingMail correlates a delivered message with its record.
// The X-FM- prefix is reserved for internal headers.
const HeaderOutgoingMail = "X-FM-OM"

var (
	// ErrFutureDate is returned for raw messages dated in the future
	ErrFutureDate = errors.New("future date is not allowed")
	// ErrInvalidMessage is returned when a raw message cannot be parsed
	ErrInvalidMessage = errors.New("invalid raw message")
)

// Input is everything needed to build one message
type Input struct {
	Mail    *models.OutgoingMail
	Mailbox *models.Mailbox
	Domain  *models.MailDomain
}

// Result carries what the build produced besides the mail fields it set
type Result struct {
	// Files extracted from a raw message that must be stored
	Files []*models.File
	// InReplyTo is the In-Reply-To of a raw message, to be resolved by the caller
	InReplyTo string
}

// Builder assembles and signs outgoing messages
type Builder struct {
	files   FileLoader
	siteURL string
	now     func() time.Time
}

// Option configures a Builder
type Option func(*Builder)

// WithClock replaces time.Now
func WithClock(now func() time.Time) Option {
	return func(b *Builder) { b.now = now }
}

// NewBuilder creates a builder reading attachment content from files
func NewBuilder(files FileLoader, siteURL string, opts ...Option) *Builder {
	b := &Builder{files: files, siteURL: siteURL, now: time.Now}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// Build generates the final message for in.Mail and records its size and
// timing on the mail. It must run exactly once per mail, at submission.
func (b *Builder) Build(ctx context.Context, in Input) (*Result, error) {
	m := in.Mail
	if in.Domain == nil {
		return nil, fmt.Errorf("mail domain is required to sign the message")
	}

	var (
		header mail.Header
		body   []byte
		parts  []attachmentPart
		err    error
		res    = &Result{}
	)
	if m.RawMessage != "" {
		header, body, err = b.buildRaw(in, res)
		if err == nil {
			parts, err = b.attachmentParts(ctx, m.Attachments)
		}
	} else {
		// structured messages embed their attachment parts while being built
		header, body, err = b.buildStructured(ctx, in)
	}
	if err != nil {
		return nil, err
	}

	msg, err := b.finalize(m, header, body, parts)
	if err != nil {
		return nil, err
	}

	dkimDomain := in.Domain.DKIMDomain
	if dkimDomain == "" {
		dkimDomain = in.Domain.DomainName
	}
	signature, err := SignMessage(msg, dkimDomain, in.Domain.DKIMSelector, in.Domain.DKIMPrivateKey)
	if err != nil {
		return nil, err
	}
	msg = prependHeader(msg, dkimHeader, signature)

	createdAt, err := header.Date()
	if err != nil {
		return nil, fmt.Errorf("failed to parse Date header: %w", err)
	}
	submittedAt := b.now().Truncate(time.Second)
	submittedAfter := int64(submittedAt.Sub(createdAt) / time.Second)
	if submittedAfter < 0 {
		submittedAfter = 0
	}

	m.Message = string(msg)
	m.MessageSize = len(msg)
	m.CreatedAt = &createdAt
	m.SubmittedAt = &submittedAt
	m.SubmittedAfter = submittedAfter
	m.RawMessage = ""

	return res, nil
}

func (b *Builder) buildStructured(ctx context.Context, in Input) (mail.Header, []byte, error) {
	m := in.Mail

	var h mail.Header
	h.Set("MIME-Version", "1.0")
	if m.ReplyTo != "" {
		h.Set("Reply-To", m.ReplyTo)
	}
	if m.InReplyTo != "" {
		h.Set("In-Reply-To", m.InReplyTo)
	}
	h.SetAddressList("From", []*mail.Address{{Name: m.DisplayName, Address: m.Sender}})
	for _, typ := range models.RecipientTypes {
		recipients := m.RecipientsOf(typ)
		if len(recipients) == 0 {
			continue
		}
		addrs := make([]*mail.Address, 0, len(recipients))
		for _, r := range recipients {
			addrs = append(addrs, &mail.Address{Name: r.DisplayName, Address: r.Email})
		}
		h.SetAddressList(string(typ), addrs)
	}
	h.SetSubject(m.Subject)
	h.SetDate(b.now())
	h.Set("Message-ID", m.MessageID)

	bodyHTML := RewriteInlineImages(m.BodyHTML, m.Attachments)
	bodyPlain := HTMLToText(bodyHTML)

	if in.Mailbox != nil && in.Mailbox.TrackOutgoingMail {
		m.TrackingID = NewTrackingID()
		bodyHTML = AddTrackingPixel(bodyHTML, TrackingURL(b.siteURL, m.TrackingID))
	}

	// attachment dispositions are only known after the inline rewrite
	parts, err := b.attachmentParts(ctx, m.Attachments)
	if err != nil {
		return mail.Header{}, nil, err
	}

	var buf bytes.Buffer
	if len(parts) == 0 {
		h.SetContentType("multipart/alternative", nil)
		w, err := message.CreateWriter(&buf, h.Header)
		if err != nil {
			return mail.Header{}, nil, fmt.Errorf("failed to create message writer: %w", err)
		}
		if err := writeAlternative(w, bodyPlain, bodyHTML); err != nil {
			return mail.Header{}, nil, err
		}
		if err := w.Close(); err != nil {
			return mail.Header{}, nil, err
		}
	} else {
		h.SetContentType("multipart/mixed", nil)
		w, err := message.CreateWriter(&buf, h.Header)
		if err != nil {
			return mail.Header{}, nil, fmt.Errorf("failed to create message writer: %w", err)
		}
		var ah message.Header
		ah.SetContentType("multipart/alternative", nil)
		aw, err := w.CreatePart(ah)
		if err != nil {
			return mail.Header{}, nil, err
		}
		if err := writeAlternative(aw, bodyPlain, bodyHTML); err != nil {
			return mail.Header{}, nil, err
		}
		if err := aw.Close(); err != nil {
			return mail.Header{}, nil, err
		}
		if err := writeParts(w, parts); err != nil {
			return mail.Header{}, nil, err
		}
		if err := w.Close(); err != nil {
			return mail.Header{}, nil, err
		}
	}

	header, body, err := splitMessage(buf.Bytes())
	if err != nil {
		return mail.Header{}, nil, err
	}
	return header, body, nil
}

func writeAlternative(w *message.Writer, plain, htmlBody string) error {
	for _, p := range []struct {
		contentType string
		content     string
	}{
		{"text/plain", plain},
		{"text/html", htmlBody},
	} {
		var h message.Header
		h.SetContentType(p.contentType, map[string]string{"charset": "utf-8"})
		h.Set("Content-Transfer-Encoding", "quoted-printable")
		pw, err := w.CreatePart(h)
		if err != nil {
			return fmt.Errorf("failed to create %s part: %w", p.contentType, err)
		}
		if _, err := pw.Write([]byte(p.content)); err != nil {
			return err
		}
		if err := pw.Close(); err != nil {
			return err
		}
	}
	return nil
}

// finalize resets the correlation header, adds custom headers and appends any
// pending attachment parts, then serializes header and body.
func (b *Builder) finalize(m *models.OutgoingMail, h mail.Header, body []byte, parts []attachmentPart) ([]byte, error) {
	h.Del(HeaderOutgoingMail)
	h.Set(HeaderOutgoingMail, m.ID)

	for _, ch := range m.CustomHeaders {
		h.Add(ch.Key, ch.Value)
	}

	if len(parts) > 0 {
		var err error
		body, err = appendParts(&h, body, parts)
		if err != nil {
			return nil, err
		}
	}

	return joinMessage(h, body)
}
