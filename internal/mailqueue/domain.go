package mailqueue

import (
	"context"
	"fmt"

	"github.com/jmoiron/sqlx"

	"github.com/gotrs-io/gotrs-mail/internal/models"
)

const domainColumns = "domain_name, enabled, is_verified, dkim_domain, dkim_selector, dkim_private_key, newsletter_retention"

type dnsRecordRow struct {
	DomainName string `db:"domain_name"`
	Idx        int    `db:"idx"`
	models.DNSRecord
}

// GetDomain loads a mail domain with its DNS records
func (s *Store) GetDomain(ctx context.Context, name string) (*models.MailDomain, error) {
	var d models.MailDomain
	query := s.rebind("SELECT " + domainColumns + " FROM mail_domain WHERE domain_name = ?")
	if err := s.db.GetContext(ctx, &d, query, name); err != nil {
		return nil, notFound(err)
	}

	var rows []dnsRecordRow
	query = s.rebind(`SELECT domain_name, idx, category, type, host, priority, value, ttl
		FROM mail_domain_dns_record WHERE domain_name = ? ORDER BY idx`)
	if err := s.db.SelectContext(ctx, &rows, query, name); err != nil {
		return nil, fmt.Errorf("failed to load dns records of %s: %w", name, err)
	}
	for i := range rows {
		rec := rows[i].DNSRecord
		d.DNSRecords = append(d.DNSRecords, &rec)
	}
	return &d, nil
}

// ListDomains returns all mail domains without their DNS records
func (s *Store) ListDomains(ctx context.Context) ([]*models.MailDomain, error) {
	var domains []*models.MailDomain
	if err := s.db.SelectContext(ctx, &domains, "SELECT "+domainColumns+" FROM mail_domain ORDER BY domain_name"); err != nil {
		return nil, fmt.Errorf("failed to list mail domains: %w", err)
	}
	return domains, nil
}

// SaveDomain inserts or replaces a mail domain and its DNS records
func (s *Store) SaveDomain(ctx context.Context, d *models.MailDomain) error {
	err := s.inTx(ctx, func(tx *sqlx.Tx) error {
		for _, table := range []string{"mail_domain_dns_record", "mail_domain"} {
			if _, err := tx.ExecContext(ctx, tx.Rebind("DELETE FROM "+table+" WHERE domain_name = ?"), d.DomainName); err != nil {
				return err
			}
		}

		if _, err := tx.NamedExecContext(ctx, `INSERT INTO mail_domain (`+domainColumns+`) VALUES (
			:domain_name, :enabled, :is_verified, :dkim_domain, :dkim_selector, :dkim_private_key, :newsletter_retention)`, d); err != nil {
			return err
		}

		for i, rec := range d.DNSRecords {
			row := dnsRecordRow{DomainName: d.DomainName, Idx: i + 1, DNSRecord: *rec}
			if _, err := tx.NamedExecContext(ctx, `INSERT INTO mail_domain_dns_record
				(domain_name, idx, category, type, host, priority, value, ttl)
				VALUES (:domain_name, :idx, :category, :type, :host, :priority, :value, :ttl)`, row); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to save mail domain %s: %w", d.DomainName, err)
	}
	return nil
}
