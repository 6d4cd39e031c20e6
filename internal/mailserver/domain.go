package mailserver

import (
	"context"
	"fmt"
	"net/http"

	"github.com/go-resty/resty/v2"

	"github.com/gotrs-io/gotrs-mail/internal/models"
)

const (
	addOrUpdateDomainPath = "/api/method/mail_server.api.domain.add_or_update_domain"
	getDNSRecordsPath     = "/api/method/mail_server.api.domain.get_dns_records"
	verifyDNSRecordsPath  = "/api/method/mail_server.api.domain.verify_dns_records"
)

// DomainRegistration is returned when a domain is added to the mail server
type DomainRegistration struct {
	DNSRecords     []*models.DNSRecord `json:"dns_records"`
	DKIMSelector   string              `json:"dkim_selector"`
	DKIMPrivateKey string              `json:"dkim_private_key"`
}

// AddOrUpdateDomain registers a sending domain with the mail server
func (c *Client) AddOrUpdateDomain(ctx context.Context, domain string) (*DomainRegistration, error) {
	var reg DomainRegistration
	err := c.call(ctx, http.MethodPost, addOrUpdateDomainPath, func(req *resty.Request) {
		req.SetHeader("Content-Type", "application/json")
		req.SetBody(map[string]string{"domain_name": domain})
	}, &reg)
	if err != nil {
		return nil, fmt.Errorf("failed to add domain %s: %w", domain, err)
	}
	return &reg, nil
}

// GetDNSRecords returns the records the domain owner must publish
func (c *Client) GetDNSRecords(ctx context.Context, domain string) ([]*models.DNSRecord, error) {
	var records []*models.DNSRecord
	err := c.call(ctx, http.MethodGet, getDNSRecordsPath, func(req *resty.Request) {
		req.SetQueryParam("domain_name", domain)
	}, &records)
	if err != nil {
		return nil, fmt.Errorf("failed to get dns records of %s: %w", domain, err)
	}
	return records, nil
}

// VerifyDNSRecords checks the published records. An empty result means the
// domain is verified.
func (c *Client) VerifyDNSRecords(ctx context.Context, domain string) ([]string, error) {
	var problems []string
	err := c.call(ctx, http.MethodGet, verifyDNSRecordsPath, func(req *resty.Request) {
		req.SetQueryParam("domain_name", domain)
	}, &problems)
	if err != nil {
		return nil, fmt.Errorf("failed to verify dns records of %s: %w", domain, err)
	}
	return problems, nil
}
