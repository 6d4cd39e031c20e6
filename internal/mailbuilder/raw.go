package mailbuilder

import (
	"bufio"
	"bytes"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"mime"
	"strings"

	_ "github.com/emersion/go-message/charset"
	"github.com/emersion/go-message/mail"
	"github.com/emersion/go-message/textproto"

	"github.com/gotrs-io/gotrs-mail/internal/models"
)

// buildRaw adopts a caller supplied message. Its body bytes are kept as is;
// only the From, Reply-To and correlation headers are rewritten.
func (b *Builder) buildRaw(in Input, res *Result) (mail.Header, []byte, error) {
	m := in.Mail

	h, body, err := splitMessage([]byte(m.RawMessage))
	if err != nil {
		return mail.Header{}, nil, err
	}

	now := b.now()
	date, err := h.Date()
	switch {
	case err != nil || date.IsZero():
		h.SetDate(now)
	case date.After(now):
		return mail.Header{}, nil, ErrFutureDate
	}

	if m.ViaAPI && in.Mailbox != nil {
		if in.Mailbox.OverrideDisplayName {
			m.DisplayName = in.Mailbox.DisplayName
		}
		if in.Mailbox.OverrideReplyTo {
			if in.Mailbox.ReplyTo != "" {
				h.Set("Reply-To", in.Mailbox.ReplyTo)
			} else {
				h.Del("Reply-To")
			}
		}
	}

	h.SetAddressList("From", []*mail.Address{{Name: m.DisplayName, Address: m.Sender}})

	if subject, err := h.Subject(); err == nil {
		m.Subject = subject
	}
	m.ReplyTo = h.Get("Reply-To")
	if id := strings.TrimSpace(h.Get("Message-ID")); id != "" {
		m.MessageID = id
	} else {
		h.Set("Message-ID", m.MessageID)
	}
	m.InReplyTo = strings.TrimSpace(h.Get("In-Reply-To"))
	res.InReplyTo = m.InReplyTo

	bodyHTML, bodyPlain, files, err := extractParts([]byte(m.RawMessage))
	if err != nil {
		return mail.Header{}, nil, err
	}
	for _, f := range files {
		f.AttachedToType = models.MailTypeOutgoing
		f.AttachedToName = m.ID
		f.Private = true
	}
	res.Files = files
	m.BodyHTML = bodyHTML
	m.BodyPlain = bodyPlain

	return h, body, nil
}

// extractParts walks a parsed message collecting its bodies and attachments
func extractParts(raw []byte) (bodyHTML, bodyPlain string, files []*models.File, err error) {
	r, err := mail.CreateReader(bytes.NewReader(raw))
	if err != nil {
		return "", "", nil, fmt.Errorf("%w: %v", ErrInvalidMessage, err)
	}
	defer r.Close()

	for {
		p, err := r.NextPart()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return "", "", nil, fmt.Errorf("%w: %v", ErrInvalidMessage, err)
		}

		content, err := io.ReadAll(p.Body)
		if err != nil {
			return "", "", nil, fmt.Errorf("%w: %v", ErrInvalidMessage, err)
		}

		switch h := p.Header.(type) {
		case *mail.InlineHeader:
			contentType, params, _ := h.ContentType()
			switch {
			case contentType == "text/html" && bodyHTML == "":
				bodyHTML = string(content)
			case contentType == "text/plain" && bodyPlain == "":
				bodyPlain = string(content)
			case !strings.HasPrefix(contentType, "text/") && params["name"] != "":
				files = append(files, newFile(params["name"], content))
			}
		case *mail.AttachmentHeader:
			fileName, _ := h.Filename()
			if fileName == "" {
				fileName = "attachment"
			}
			files = append(files, newFile(fileName, content))
		}
	}

	return bodyHTML, bodyPlain, files, nil
}

func newFile(name string, content []byte) *models.File {
	return &models.File{
		Attachment: models.Attachment{
			FileName: name,
			FileSize: int64(len(content)),
			Type:     models.AttachmentTypeAttachment,
		},
		Content: content,
	}
}

// splitMessage separates a serialized message into its header and raw body
func splitMessage(msg []byte) (mail.Header, []byte, error) {
	br := bufio.NewReader(bytes.NewReader(msg))
	th, err := textproto.ReadHeader(br)
	if err != nil {
		return mail.Header{}, nil, fmt.Errorf("%w: %v", ErrInvalidMessage, err)
	}
	body, err := io.ReadAll(br)
	if err != nil {
		return mail.Header{}, nil, fmt.Errorf("%w: %v", ErrInvalidMessage, err)
	}

	var h mail.Header
	h.Header.Header = th
	return h, body, nil
}

func joinMessage(h mail.Header, body []byte) ([]byte, error) {
	var buf bytes.Buffer
	if err := textproto.WriteHeader(&buf, h.Header.Header); err != nil {
		return nil, fmt.Errorf("failed to write message header: %w", err)
	}
	buf.Write(body)
	return buf.Bytes(), nil
}

var contentHeaders = []string{
	"Content-Type",
	"Content-Transfer-Encoding",
	"Content-Disposition",
	"Content-ID",
	"Content-Description",
}

// appendParts adds attachment parts to an already serialized body. A
// multipart/mixed body gets the parts inserted before its closing boundary;
// any other body is wrapped into a new multipart/mixed container first.
func appendParts(h *mail.Header, body []byte, parts []attachmentPart) ([]byte, error) {
	encoded := make([][]byte, 0, len(parts))
	for _, p := range parts {
		e, err := p.encode()
		if err != nil {
			return nil, fmt.Errorf("failed to encode attachment: %w", err)
		}
		encoded = append(encoded, e)
	}

	mediaType, params, _ := h.ContentType()
	if mediaType == "multipart/mixed" && params["boundary"] != "" {
		closing := []byte("\r\n--" + params["boundary"] + "--")
		idx := bytes.LastIndex(body, closing)
		if idx < 0 {
			closing = []byte("\n--" + params["boundary"] + "--")
			idx = bytes.LastIndex(body, closing)
		}
		if idx >= 0 {
			var buf bytes.Buffer
			buf.Write(body[:idx])
			for _, e := range encoded {
				buf.WriteString("\r\n--" + params["boundary"] + "\r\n")
				buf.Write(e)
			}
			buf.Write(body[idx:])
			return buf.Bytes(), nil
		}
	}

	boundary := randomBoundary()
	var buf bytes.Buffer
	buf.WriteString("--" + boundary + "\r\n")
	var inner textproto.Header
	for _, k := range contentHeaders {
		if v := h.Get(k); v != "" {
			inner.Set(k, v)
		}
		h.Del(k)
	}
	if !inner.Has("Content-Type") {
		inner.Set("Content-Type", "text/plain; charset=us-ascii")
	}
	if err := textproto.WriteHeader(&buf, inner); err != nil {
		return nil, err
	}
	buf.Write(body)
	for _, e := range encoded {
		buf.WriteString("\r\n--" + boundary + "\r\n")
		buf.Write(e)
	}
	buf.WriteString("\r\n--" + boundary + "--\r\n")

	h.Set("Content-Type", mime.FormatMediaType("multipart/mixed", map[string]string{"boundary": boundary}))
	if !h.Has("MIME-Version") {
		h.Set("MIME-Version", "1.0")
	}
	return buf.Bytes(), nil
}

func randomBoundary() string {
	b := make([]byte, 24)
	rand.Read(b)
	return hex.EncodeToString(b)
}
