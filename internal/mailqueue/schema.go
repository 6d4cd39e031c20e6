package mailqueue

import (
	"context"
	"fmt"
	"strings"
)

// column types that differ between drivers
var columnTypes = map[string]map[string]string{
	"mysql": {
		"{{serial}}":   "BIGINT AUTO_INCREMENT PRIMARY KEY",
		"{{longtext}}": "LONGTEXT",
		"{{blob}}":     "LONGBLOB",
		"{{time}}":     "DATETIME(6)",
	},
	"postgres": {
		"{{serial}}":   "BIGSERIAL PRIMARY KEY",
		"{{longtext}}": "TEXT",
		"{{blob}}":     "BYTEA",
		"{{time}}":     "TIMESTAMP",
	},
	"sqlite3": {
		"{{serial}}":   "INTEGER PRIMARY KEY AUTOINCREMENT",
		"{{longtext}}": "TEXT",
		"{{blob}}":     "BLOB",
		"{{time}}":     "DATETIME",
	},
}

var schema = []string{
	`CREATE TABLE IF NOT EXISTS outgoing_mail (
		id VARCHAR(64) NOT NULL PRIMARY KEY,
		docstatus INTEGER NOT NULL DEFAULT 0,
		status VARCHAR(32) NOT NULL DEFAULT '',
		folder VARCHAR(16) NOT NULL DEFAULT 'Drafts',
		amended_from VARCHAR(64) NOT NULL DEFAULT '',
		sender VARCHAR(255) NOT NULL,
		domain_name VARCHAR(255) NOT NULL,
		display_name VARCHAR(255) NOT NULL DEFAULT '',
		subject VARCHAR(998) NOT NULL DEFAULT '',
		body_html {{longtext}},
		body_plain {{longtext}},
		raw_message {{longtext}},
		reply_to VARCHAR(998) NOT NULL DEFAULT '',
		in_reply_to VARCHAR(998) NOT NULL DEFAULT '',
		in_reply_to_mail_type VARCHAR(32) NOT NULL DEFAULT '',
		in_reply_to_mail_name VARCHAR(64) NOT NULL DEFAULT '',
		via_api BOOLEAN NOT NULL DEFAULT FALSE,
		is_newsletter BOOLEAN NOT NULL DEFAULT FALSE,
		tracking_id VARCHAR(64) NOT NULL DEFAULT '',
		ip_address VARCHAR(64) NOT NULL DEFAULT '',
		message {{longtext}},
		message_size BIGINT NOT NULL DEFAULT 0,
		message_id VARCHAR(255) NOT NULL DEFAULT '',
		created_at {{time}} NULL,
		submitted_at {{time}} NULL,
		submitted_after BIGINT NOT NULL DEFAULT 0,
		token VARCHAR(255) NOT NULL DEFAULT '',
		transfer_started_at {{time}} NULL,
		transfer_started_after BIGINT NOT NULL DEFAULT 0,
		transfer_completed_at {{time}} NULL,
		transfer_completed_after BIGINT NOT NULL DEFAULT 0,
		error_log {{longtext}},
		error_message {{longtext}},
		modified {{time}} NOT NULL
	)`,
	`CREATE INDEX idx_outgoing_mail_queue ON outgoing_mail (docstatus, status, submitted_at, id)`,
	`CREATE INDEX idx_outgoing_mail_message_id ON outgoing_mail (message_id)`,
	`CREATE TABLE IF NOT EXISTS outgoing_mail_recipient (
		id {{serial}},
		mail_id VARCHAR(64) NOT NULL,
		idx INTEGER NOT NULL,
		type VARCHAR(8) NOT NULL,
		email VARCHAR(255) NOT NULL,
		display_name VARCHAR(255) NOT NULL DEFAULT '',
		status VARCHAR(32) NOT NULL DEFAULT '',
		action_at {{time}} NULL,
		action_after BIGINT NOT NULL DEFAULT 0,
		retries INTEGER NOT NULL DEFAULT 0,
		response {{longtext}}
	)`,
	`CREATE UNIQUE INDEX idx_outgoing_mail_recipient ON outgoing_mail_recipient (mail_id, type, email)`,
	`CREATE TABLE IF NOT EXISTS outgoing_mail_header (
		mail_id VARCHAR(64) NOT NULL,
		idx INTEGER NOT NULL,
		header_key VARCHAR(255) NOT NULL,
		header_value VARCHAR(998) NOT NULL DEFAULT '',
		PRIMARY KEY (mail_id, idx)
	)`,
	`CREATE TABLE IF NOT EXISTS incoming_mail (
		id VARCHAR(64) NOT NULL PRIMARY KEY,
		message_id VARCHAR(255) NOT NULL DEFAULT ''
	)`,
	`CREATE TABLE IF NOT EXISTS mail_domain (
		domain_name VARCHAR(255) NOT NULL PRIMARY KEY,
		enabled BOOLEAN NOT NULL DEFAULT TRUE,
		is_verified BOOLEAN NOT NULL DEFAULT FALSE,
		dkim_domain VARCHAR(255) NOT NULL DEFAULT '',
		dkim_selector VARCHAR(255) NOT NULL DEFAULT '',
		dkim_private_key {{longtext}},
		newsletter_retention INTEGER NOT NULL DEFAULT 0
	)`,
	`CREATE TABLE IF NOT EXISTS mail_domain_dns_record (
		domain_name VARCHAR(255) NOT NULL,
		idx INTEGER NOT NULL,
		category VARCHAR(64) NOT NULL DEFAULT '',
		type VARCHAR(16) NOT NULL,
		host VARCHAR(255) NOT NULL,
		priority INTEGER NOT NULL DEFAULT 0,
		value {{longtext}},
		ttl INTEGER NOT NULL DEFAULT 0,
		PRIMARY KEY (domain_name, idx)
	)`,
	`CREATE TABLE IF NOT EXISTS mailbox (
		email VARCHAR(255) NOT NULL PRIMARY KEY,
		user_name VARCHAR(255) NOT NULL,
		domain_name VARCHAR(255) NOT NULL,
		enabled BOOLEAN NOT NULL DEFAULT TRUE,
		outgoing BOOLEAN NOT NULL DEFAULT TRUE,
		is_default BOOLEAN NOT NULL DEFAULT FALSE,
		display_name VARCHAR(255) NOT NULL DEFAULT '',
		reply_to VARCHAR(255) NOT NULL DEFAULT '',
		override_display_name BOOLEAN NOT NULL DEFAULT FALSE,
		override_reply_to BOOLEAN NOT NULL DEFAULT FALSE,
		track_outgoing_mail BOOLEAN NOT NULL DEFAULT FALSE,
		create_mail_contact BOOLEAN NOT NULL DEFAULT FALSE
	)`,
	`CREATE TABLE IF NOT EXISTS mail_contact (
		user_name VARCHAR(255) NOT NULL,
		email VARCHAR(255) NOT NULL,
		display_name VARCHAR(255) NOT NULL DEFAULT '',
		created {{time}} NOT NULL,
		PRIMARY KEY (user_name, email)
	)`,
	`CREATE TABLE IF NOT EXISTS mail_file (
		id VARCHAR(64) NOT NULL PRIMARY KEY,
		file_name VARCHAR(255) NOT NULL,
		file_url VARCHAR(1024) NOT NULL,
		file_size BIGINT NOT NULL DEFAULT 0,
		is_private BOOLEAN NOT NULL DEFAULT TRUE,
		attached_to_doctype VARCHAR(64) NOT NULL DEFAULT '',
		attached_to_name VARCHAR(64) NOT NULL DEFAULT '',
		content {{blob}}
	)`,
	`CREATE INDEX idx_mail_file_attached_to ON mail_file (attached_to_doctype, attached_to_name)`,
}

// Migrate creates the tables the store needs. Existing tables are left as
// they are; index creation errors for indexes that already exist are ignored.
func (s *Store) Migrate(ctx context.Context) error {
	types, ok := columnTypes[s.db.DriverName()]
	if !ok {
		return fmt.Errorf("unsupported database driver %q", s.db.DriverName())
	}

	for _, stmt := range schema {
		for placeholder, typ := range types {
			stmt = strings.ReplaceAll(stmt, placeholder, typ)
		}
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			if strings.HasPrefix(stmt, "CREATE INDEX") || strings.HasPrefix(stmt, "CREATE UNIQUE INDEX") {
				if isDuplicateIndex(err) {
					continue
				}
			}
			return fmt.Errorf("failed to apply schema: %w", err)
		}
	}
	return nil
}

func isDuplicateIndex(err error) bool {
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "already exists") || strings.Contains(msg, "duplicate key name")
}
