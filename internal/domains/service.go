// Package domains registers sending domains with the mail server and keeps
// their DNS records and verification state.
package domains

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"github.com/gotrs-io/gotrs-mail/internal/config"
	"github.com/gotrs-io/gotrs-mail/internal/mailserver"
	"github.com/gotrs-io/gotrs-mail/internal/models"
	"github.com/gotrs-io/gotrs-mail/internal/outgoing"
)

// Remote is the domain API of the mail server
type Remote interface {
	AddOrUpdateDomain(ctx context.Context, domain string) (*mailserver.DomainRegistration, error)
	GetDNSRecords(ctx context.Context, domain string) ([]*models.DNSRecord, error)
	VerifyDNSRecords(ctx context.Context, domain string) ([]string, error)
}

// Store persists domains and the postmaster mailbox
type Store interface {
	GetDomain(ctx context.Context, name string) (*models.MailDomain, error)
	SaveDomain(ctx context.Context, d *models.MailDomain) error
	SaveMailbox(ctx context.Context, mb *models.Mailbox) error
}

// RegisterRequest describes a domain to add or update
type RegisterRequest struct {
	DomainName          string `json:"domain_name"`
	Enabled             bool   `json:"enabled"`
	NewsletterRetention int    `json:"newsletter_retention"`
}

// Service manages mail domains
type Service struct {
	remote   Remote
	store    Store
	settings config.MailConfig
	logger   *zap.Logger
}

// NewService creates the domain service
func NewService(remote Remote, store Store, settings config.MailConfig, logger *zap.Logger) *Service {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Service{remote: remote, store: store, settings: settings, logger: logger.Named("domains")}
}

// Register adds a new domain to the mail server, or updates the local
// settings of a known one. New domains get their DNS records, DKIM key and a
// postmaster mailbox.
func (s *Service) Register(ctx context.Context, req RegisterRequest) (*models.MailDomain, error) {
	name := strings.ToLower(strings.TrimSpace(req.DomainName))
	if name == "" || strings.ContainsAny(name, " @/") {
		return nil, &outgoing.ValidationError{Field: "domain_name", Message: fmt.Sprintf("invalid domain name %q", req.DomainName)}
	}
	retention, err := s.newsletterRetention(req.NewsletterRetention)
	if err != nil {
		return nil, err
	}

	d, err := s.store.GetDomain(ctx, name)
	isNew := errors.Is(err, outgoing.ErrNotFound)
	switch {
	case isNew:
		d = &models.MailDomain{DomainName: name, DKIMDomain: name}
		reg, err := s.remote.AddOrUpdateDomain(ctx, name)
		if err != nil {
			return nil, err
		}
		d.DNSRecords = reg.DNSRecords
		d.DKIMSelector = reg.DKIMSelector
		d.DKIMPrivateKey = reg.DKIMPrivateKey
	case err != nil:
		return nil, err
	}

	d.Enabled = req.Enabled
	d.NewsletterRetention = retention
	if !d.Enabled {
		d.IsVerified = false
	}
	if err := s.store.SaveDomain(ctx, d); err != nil {
		return nil, err
	}

	if isNew {
		postmaster := "postmaster@" + name
		if err := s.store.SaveMailbox(ctx, &models.Mailbox{
			Email:       postmaster,
			User:        postmaster,
			Enabled:     true,
			Outgoing:    true,
			IsDefault:   true,
			DisplayName: "Postmaster",
		}); err != nil {
			return nil, err
		}
		s.logger.Info("registered mail domain", zap.String("domain", name), zap.Int("dns_records", len(d.DNSRecords)))
	}
	return d, nil
}

// newsletterRetention applies the default and checks the allowed range
func (s *Service) newsletterRetention(days int) (int, error) {
	switch {
	case days == 0:
		return s.settings.DefaultNewsletterRetention, nil
	case days < 1:
		return 0, &outgoing.ValidationError{Field: "newsletter_retention", Message: "newsletter retention must be greater than 0"}
	case s.settings.MaxNewsletterRetention > 0 && days > s.settings.MaxNewsletterRetention:
		return 0, &outgoing.ValidationError{
			Field:   "newsletter_retention",
			Message: fmt.Sprintf("newsletter retention must be less than or equal to %d", s.settings.MaxNewsletterRetention),
		}
	}
	return days, nil
}

// RefreshDNSRecords replaces the stored records with the current ones from
// the mail server. The domain must be verified again afterwards.
func (s *Service) RefreshDNSRecords(ctx context.Context, name string) (*models.MailDomain, error) {
	d, err := s.store.GetDomain(ctx, strings.ToLower(name))
	if err != nil {
		return nil, err
	}

	records, err := s.remote.GetDNSRecords(ctx, d.DomainName)
	if err != nil {
		return nil, err
	}
	d.IsVerified = false
	d.DNSRecords = records

	if err := s.store.SaveDomain(ctx, d); err != nil {
		return nil, err
	}
	return d, nil
}

// VerifyDNSRecords asks the mail server to check the published records and
// returns the problems it found. A disabled domain never becomes verified.
func (s *Service) VerifyDNSRecords(ctx context.Context, name string) ([]string, error) {
	d, err := s.store.GetDomain(ctx, strings.ToLower(name))
	if err != nil {
		return nil, err
	}

	problems, err := s.remote.VerifyDNSRecords(ctx, d.DomainName)
	if err != nil {
		return nil, err
	}
	d.IsVerified = len(problems) == 0 && d.Enabled

	if err := s.store.SaveDomain(ctx, d); err != nil {
		return nil, err
	}
	if len(problems) > 0 {
		s.logger.Warn("dns verification failed", zap.String("domain", d.DomainName), zap.Strings("problems", problems))
	}
	return problems, nil
}

// SetEnabled enables or disables sending from a domain
func (s *Service) SetEnabled(ctx context.Context, name string, enabled bool) (*models.MailDomain, error) {
	d, err := s.store.GetDomain(ctx, strings.ToLower(name))
	if err != nil {
		return nil, err
	}
	d.Enabled = enabled
	if !enabled {
		d.IsVerified = false
	}
	if err := s.store.SaveDomain(ctx, d); err != nil {
		return nil, err
	}
	return d, nil
}
