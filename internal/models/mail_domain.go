package models

import "time"

// MailDomain is a sending domain registered with the remote delivery service
type MailDomain struct {
	DomainName          string       `json:"domain_name" db:"domain_name"`
	Enabled             bool         `json:"enabled" db:"enabled"`
	IsVerified          bool         `json:"is_verified" db:"is_verified"`
	DKIMDomain          string       `json:"dkim_domain" db:"dkim_domain"`
	DKIMSelector        string       `json:"dkim_selector" db:"dkim_selector"`
	DKIMPrivateKey      string       `json:"-" db:"dkim_private_key"`
	NewsletterRetention int          `json:"newsletter_retention" db:"newsletter_retention"`
	DNSRecords          []*DNSRecord `json:"dns_records,omitempty" db:"-"`
}

// DNSRecord is a record the domain owner must publish
type DNSRecord struct {
	Category string `json:"category" yaml:"category" db:"category"`
	Type     string `json:"type" yaml:"type" db:"type"`
	Host     string `json:"host" yaml:"host" db:"host"`
	Priority int    `json:"priority,omitempty" yaml:"priority,omitempty" db:"priority"`
	Value    string `json:"value" yaml:"value" db:"value"`
	TTL      int    `json:"ttl" yaml:"ttl" db:"ttl"`
}

// Mailbox is a sending address owned by a user
type Mailbox struct {
	Email               string `json:"email" db:"email"`
	User                string `json:"user" db:"user_name"`
	DomainName          string `json:"domain_name" db:"domain_name"`
	Enabled             bool   `json:"enabled" db:"enabled"`
	Outgoing            bool   `json:"outgoing" db:"outgoing"`
	IsDefault           bool   `json:"is_default" db:"is_default"`
	DisplayName         string `json:"display_name" db:"display_name"`
	ReplyTo             string `json:"reply_to" db:"reply_to"`
	OverrideDisplayName bool   `json:"override_display_name" db:"override_display_name"`
	OverrideReplyTo     bool   `json:"override_reply_to" db:"override_reply_to"`
	TrackOutgoingMail   bool   `json:"track_outgoing_mail" db:"track_outgoing_mail"`
	CreateMailContact   bool   `json:"create_mail_contact" db:"create_mail_contact"`
}

// MailContact is an address book entry created from sent mail
type MailContact struct {
	User        string    `db:"user_name"`
	Email       string    `db:"email"`
	DisplayName string    `db:"display_name"`
	Created     time.Time `db:"created"`
}

// DeliveryStatus is a per-message outcome reported by the remote delivery service
type DeliveryStatus struct {
	OutgoingMail string                        `json:"outgoing_mail"`
	Token        string                        `json:"token"`
	Status       MailStatus                    `json:"status"`
	ErrorMessage *string                       `json:"error_message"`
	Recipients   map[string]*RecipientDelivery `json:"recipients"`
}

// RecipientDelivery is the outcome of delivery to one recipient address
type RecipientDelivery struct {
	Status      MailStatus `json:"status"`
	ActionAt    *time.Time `json:"action_at"`
	ActionAfter int64      `json:"action_after"`
	Retries     int        `json:"retries"`
	Response    string     `json:"response"`
}

// MailToken pairs a message with the delivery token it was transferred under
type MailToken struct {
	OutgoingMail string `json:"outgoing_mail" db:"id"`
	Token        string `json:"token" db:"token"`
}
