package models

import (
	"strings"
	"time"
)

// DocStatus is the document lifecycle of an outgoing mail
type DocStatus int

const (
	DocStatusDraft     DocStatus = 0
	DocStatusSubmitted DocStatus = 1
	DocStatusCancelled DocStatus = 2
)

// MailStatus is the delivery status of an outgoing mail or one of its recipients
type MailStatus string

const (
	StatusPending       MailStatus = "Pending"
	StatusTransferred   MailStatus = "Transferred"
	StatusQueued        MailStatus = "Queued"
	StatusSent          MailStatus = "Sent"
	StatusPartiallySent MailStatus = "Partially Sent"
	StatusDeferred      MailStatus = "Deferred"
	StatusBounced       MailStatus = "Bounced"
	StatusFailed        MailStatus = "Failed"
)

// Folder values
const (
	FolderDrafts = "Drafts"
	FolderSent   = "Sent"
)

// RecipientType is the header a recipient is listed under
type RecipientType string

const (
	RecipientTo  RecipientType = "To"
	RecipientCc  RecipientType = "Cc"
	RecipientBcc RecipientType = "Bcc"
)

// RecipientTypes lists recipient types in header order
var RecipientTypes = []RecipientType{RecipientTo, RecipientCc, RecipientBcc}

// AttachmentType is used as the Content-Disposition of an attached file
type AttachmentType string

const (
	AttachmentTypeAttachment AttachmentType = "attachment"
	AttachmentTypeInline     AttachmentType = "inline"
)

// Mail types that can be replied to
const (
	MailTypeIncoming = "Incoming Mail"
	MailTypeOutgoing = "Outgoing Mail"
)

// OutgoingMail is the persisted record of one outbound email
type OutgoingMail struct {
	ID          string     `json:"id" db:"id"`
	DocStatus   DocStatus  `json:"docstatus" db:"docstatus"`
	Status      MailStatus `json:"status" db:"status"`
	Folder      string     `json:"folder" db:"folder"`
	AmendedFrom string     `json:"amended_from,omitempty" db:"amended_from"`

	Sender      string `json:"sender" db:"sender"`
	DomainName  string `json:"domain_name" db:"domain_name"`
	DisplayName string `json:"display_name,omitempty" db:"display_name"`
	Subject     string `json:"subject,omitempty" db:"subject"`
	BodyHTML    string `json:"body_html,omitempty" db:"body_html"`
	BodyPlain   string `json:"body_plain,omitempty" db:"body_plain"`
	RawMessage  string `json:"raw_message,omitempty" db:"raw_message"`
	ReplyTo     string `json:"reply_to,omitempty" db:"reply_to"`

	InReplyTo         string `json:"in_reply_to,omitempty" db:"in_reply_to"`
	InReplyToMailType string `json:"in_reply_to_mail_type,omitempty" db:"in_reply_to_mail_type"`
	InReplyToMailName string `json:"in_reply_to_mail_name,omitempty" db:"in_reply_to_mail_name"`

	ViaAPI       bool   `json:"via_api" db:"via_api"`
	IsNewsletter bool   `json:"is_newsletter" db:"is_newsletter"`
	TrackingID   string `json:"tracking_id,omitempty" db:"tracking_id"`
	IPAddress    string `json:"ip_address,omitempty" db:"ip_address"`

	Message        string     `json:"message,omitempty" db:"message"`
	MessageSize    int        `json:"message_size" db:"message_size"`
	MessageID      string     `json:"message_id,omitempty" db:"message_id"`
	CreatedAt      *time.Time `json:"created_at,omitempty" db:"created_at"`
	SubmittedAt    *time.Time `json:"submitted_at,omitempty" db:"submitted_at"`
	SubmittedAfter int64      `json:"submitted_after" db:"submitted_after"`

	Token                  string     `json:"token,omitempty" db:"token"`
	TransferStartedAt      *time.Time `json:"transfer_started_at,omitempty" db:"transfer_started_at"`
	TransferStartedAfter   int64      `json:"transfer_started_after" db:"transfer_started_after"`
	TransferCompletedAt    *time.Time `json:"transfer_completed_at,omitempty" db:"transfer_completed_at"`
	TransferCompletedAfter int64      `json:"transfer_completed_after" db:"transfer_completed_after"`
	ErrorLog               string     `json:"error_log,omitempty" db:"error_log"`
	ErrorMessage           string     `json:"error_message,omitempty" db:"error_message"`

	Modified time.Time `json:"modified" db:"modified"`

	Recipients    []*Recipient    `json:"recipients" db:"-"`
	CustomHeaders []*CustomHeader `json:"custom_headers,omitempty" db:"-"`
	Attachments   []*Attachment   `json:"attachments,omitempty" db:"-"`
}

// Recipient is one addressee of an outgoing mail with its own delivery outcome
type Recipient struct {
	ID          int64         `json:"-" db:"id"`
	MailID      string        `json:"-" db:"mail_id"`
	Idx         int           `json:"idx" db:"idx"`
	Type        RecipientType `json:"type" db:"type"`
	Email       string        `json:"email" db:"email"`
	DisplayName string        `json:"display_name,omitempty" db:"display_name"`
	Status      MailStatus    `json:"status,omitempty" db:"status"`
	ActionAt    *time.Time    `json:"action_at,omitempty" db:"action_at"`
	ActionAfter int64         `json:"action_after" db:"action_after"`
	Retries     int           `json:"retries" db:"retries"`
	Response    string        `json:"response,omitempty" db:"response"`
}

// CustomHeader is a user supplied X- header
type CustomHeader struct {
	MailID string `json:"-" db:"mail_id"`
	Idx    int    `json:"idx" db:"idx"`
	Key    string `json:"key" db:"header_key"`
	Value  string `json:"value" db:"header_value"`
}

// Attachment references a stored file attached to an outgoing mail
type Attachment struct {
	ID       string         `json:"name" db:"id"`
	FileName string         `json:"file_name" db:"file_name"`
	FileURL  string         `json:"file_url" db:"file_url"`
	FileSize int64          `json:"file_size" db:"file_size"`
	Private  bool           `json:"is_private" db:"is_private"`
	Type     AttachmentType `json:"type" db:"-"`
}

// File is a stored attachment with its content
type File struct {
	Attachment
	AttachedToType string `db:"attached_to_doctype"`
	AttachedToName string `db:"attached_to_name"`
	Content        []byte `db:"content"`
}

// IsDraft reports whether the mail has not been submitted yet
func (m *OutgoingMail) IsDraft() bool {
	return m.DocStatus == DocStatusDraft
}

// IsSubmitted reports whether the mail has been submitted
func (m *OutgoingMail) IsSubmitted() bool {
	return m.DocStatus == DocStatusSubmitted
}

// RecipientsOf returns the recipients of one type, or all when typ is empty
func (m *OutgoingMail) RecipientsOf(typ RecipientType) []*Recipient {
	var out []*Recipient
	for _, r := range m.Recipients {
		if typ != "" && r.Type != typ {
			continue
		}
		out = append(out, r)
	}
	return out
}

// RecipientEmails returns the distinct recipient addresses in order of appearance
func (m *OutgoingMail) RecipientEmails() []string {
	seen := make(map[string]struct{}, len(m.Recipients))
	emails := make([]string, 0, len(m.Recipients))
	for _, r := range m.Recipients {
		if _, ok := seen[r.Email]; ok {
			continue
		}
		seen[r.Email] = struct{}{}
		emails = append(emails, r.Email)
	}
	return emails
}

// AddRecipient appends a recipient with the next row index
func (m *OutgoingMail) AddRecipient(typ RecipientType, email, displayName string) {
	m.Recipients = append(m.Recipients, &Recipient{
		MailID:      m.ID,
		Idx:         len(m.Recipients) + 1,
		Type:        typ,
		Email:       email,
		DisplayName: displayName,
	})
}

// AddCustomHeader appends a custom header with the next row index
func (m *OutgoingMail) AddCustomHeader(key, value string) {
	m.CustomHeaders = append(m.CustomHeaders, &CustomHeader{
		MailID: m.ID,
		Idx:    len(m.CustomHeaders) + 1,
		Key:    key,
		Value:  value,
	})
}

// DomainOf returns the lower-cased domain part of an email address
func DomainOf(email string) string {
	if i := strings.LastIndex(email, "@"); i >= 0 {
		return strings.ToLower(email[i+1:])
	}
	return ""
}
