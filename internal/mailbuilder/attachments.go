package mailbuilder

import (
	"bytes"
	"context"
	"fmt"
	"mime"
	"path/filepath"
	"strings"

	"github.com/emersion/go-message"

	"github.com/gotrs-io/gotrs-mail/internal/models"
)

// FileLoader reads stored attachment content
type FileLoader interface {
	GetFile(ctx context.Context, id string) (*models.File, error)
}

type attachmentPart struct {
	header  message.Header
	content []byte
}

// ContentTypeOf guesses a media type from a file name
func ContentTypeOf(fileName string) string {
	ct := mime.TypeByExtension(strings.ToLower(filepath.Ext(fileName)))
	if ct == "" {
		return "application/octet-stream"
	}
	if mediaType, _, err := mime.ParseMediaType(ct); err == nil {
		return mediaType
	}
	return ct
}

func (b *Builder) attachmentParts(ctx context.Context, attachments []*models.Attachment) ([]attachmentPart, error) {
	parts := make([]attachmentPart, 0, len(attachments))
	for _, a := range attachments {
		file, err := b.files.GetFile(ctx, a.ID)
		if err != nil {
			return nil, fmt.Errorf("failed to load attachment %s: %w", a.ID, err)
		}

		fileName := file.FileName
		if fileName == "" {
			fileName = a.FileName
		}
		disposition := a.Type
		if disposition == "" {
			disposition = models.AttachmentTypeAttachment
		}

		contentType := ContentTypeOf(fileName)
		maintype, _, _ := strings.Cut(contentType, "/")

		var h message.Header
		switch maintype {
		case "text":
			h.SetContentType(contentType, map[string]string{"charset": "utf-8"})
		default:
			// image, audio and everything else go out as base64 binaries
			h.SetContentType(contentType, nil)
		}
		h.Set("Content-Transfer-Encoding", "base64")
		h.SetContentDisposition(string(disposition), map[string]string{"filename": fileName})
		h.Set("Content-ID", "<"+a.ID+">")

		parts = append(parts, attachmentPart{header: h, content: file.Content})
	}
	return parts, nil
}

// encode serializes one attachment as a standalone MIME entity
func (p attachmentPart) encode() ([]byte, error) {
	var buf bytes.Buffer
	w, err := message.CreateWriter(&buf, p.header)
	if err != nil {
		return nil, err
	}
	if _, err := w.Write(p.content); err != nil {
		return nil, err
	}
	if err := w.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func writeParts(w *message.Writer, parts []attachmentPart) error {
	for _, p := range parts {
		pw, err := w.CreatePart(p.header)
		if err != nil {
			return fmt.Errorf("failed to create attachment part: %w", err)
		}
		if _, err := pw.Write(p.content); err != nil {
			return fmt.Errorf("failed to write attachment part: %w", err)
		}
		if err := pw.Close(); err != nil {
			return fmt.Errorf("failed to close attachment part: %w", err)
		}
	}
	return nil
}
