package mailqueue

import (
	"context"
	"fmt"

	"github.com/google/uuid"

	"github.com/gotrs-io/gotrs-mail/internal/models"
)

// GetFile loads a stored file with its content
func (s *Store) GetFile(ctx context.Context, id string) (*models.File, error) {
	var f models.File
	query := s.rebind(`SELECT id, file_name, file_url, file_size, is_private, attached_to_doctype, attached_to_name, content
		FROM mail_file WHERE id = ?`)
	if err := s.db.GetContext(ctx, &f, query, id); err != nil {
		return nil, notFound(err)
	}
	return &f, nil
}

// ListAttachments lists the files attached to a document, oldest first
func (s *Store) ListAttachments(ctx context.Context, attachedToType, attachedToName string) ([]*models.Attachment, error) {
	var out []*models.Attachment
	query := s.rebind(`SELECT id, file_name, file_url, file_size, is_private
		FROM mail_file WHERE attached_to_doctype = ? AND attached_to_name = ?
		ORDER BY id`)
	if err := s.db.SelectContext(ctx, &out, query, attachedToType, attachedToName); err != nil {
		return nil, fmt.Errorf("failed to list attachments of %s: %w", attachedToName, err)
	}
	return out, nil
}

// SaveFile stores a new file. The ID and URL are assigned when missing.
func (s *Store) SaveFile(ctx context.Context, f *models.File) error {
	if f.ID == "" {
		id, err := uuid.NewV7()
		if err != nil {
			return fmt.Errorf("failed to generate file id: %w", err)
		}
		f.ID = id.String()
	}
	if f.FileURL == "" {
		prefix := "/files/"
		if f.Private {
			prefix = "/private/files/"
		}
		f.FileURL = prefix + f.ID + "/" + f.FileName
	}
	if f.FileSize == 0 {
		f.FileSize = int64(len(f.Content))
	}

	_, err := s.db.NamedExecContext(ctx, `INSERT INTO mail_file
		(id, file_name, file_url, file_size, is_private, attached_to_doctype, attached_to_name, content)
		VALUES (:id, :file_name, :file_url, :file_size, :is_private, :attached_to_doctype, :attached_to_name, :content)`, f)
	if err != nil {
		return fmt.Errorf("failed to save file %s: %w", f.FileName, err)
	}
	return nil
}
