package main

import (
	"context"
	"fmt"
	"os"
	"strconv"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/gotrs-io/gotrs-mail/internal/domains"
)

var domainCmd = &cobra.Command{
	Use:   "domain",
	Short: "Manage sending domains",
}

var (
	domainEnabled   bool
	domainRetention int
)

var domainAddCmd = &cobra.Command{
	Use:   "add <domain>",
	Short: "Register a domain with the mail server, or update its settings",
	Args:  cobra.ExactArgs(1),
	RunE: withDomains(func(ctx context.Context, svc *domains.Service, args []string) error {
		d, err := svc.Register(ctx, domains.RegisterRequest{
			DomainName:          args[0],
			Enabled:             domainEnabled,
			NewsletterRetention: domainRetention,
		})
		if err != nil {
			return err
		}
		return printYAML(d)
	}),
}

var domainDNSCmd = &cobra.Command{
	Use:   "dns <domain>",
	Short: "Refresh and print the DNS records a domain must publish",
	Args:  cobra.ExactArgs(1),
	RunE: withDomains(func(ctx context.Context, svc *domains.Service, args []string) error {
		d, err := svc.RefreshDNSRecords(ctx, args[0])
		if err != nil {
			return err
		}
		return printYAML(d.DNSRecords)
	}),
}

var domainVerifyCmd = &cobra.Command{
	Use:   "verify <domain>",
	Short: "Check the published DNS records of a domain",
	Args:  cobra.ExactArgs(1),
	RunE: withDomains(func(ctx context.Context, svc *domains.Service, args []string) error {
		errs, err := svc.VerifyDNSRecords(ctx, args[0])
		if err != nil {
			return err
		}
		if len(errs) == 0 {
			fmt.Printf("%s is verified\n", args[0])
			return nil
		}
		for _, e := range errs {
			fmt.Fprintln(os.Stderr, "-", e)
		}
		return fmt.Errorf("%s failed verification", args[0])
	}),
}

var domainEnableCmd = &cobra.Command{
	Use:   "enable <domain> <true|false>",
	Short: "Enable or disable sending from a domain",
	Args:  cobra.ExactArgs(2),
	RunE: withDomains(func(ctx context.Context, svc *domains.Service, args []string) error {
		enabled, err := strconv.ParseBool(args[1])
		if err != nil {
			return fmt.Errorf("invalid value %q: %w", args[1], err)
		}
		d, err := svc.SetEnabled(ctx, args[0], enabled)
		if err != nil {
			return err
		}
		return printYAML(d)
	}),
}

func init() {
	domainAddCmd.Flags().BoolVar(&domainEnabled, "enabled", true, "Allow sending from the domain")
	domainAddCmd.Flags().IntVar(&domainRetention, "newsletter-retention", 0, "Days to keep sent newsletters (0 uses the default)")

	domainCmd.AddCommand(domainAddCmd, domainDNSCmd, domainVerifyCmd, domainEnableCmd)
	rootCmd.AddCommand(domainCmd)
}

func withDomains(fn func(ctx context.Context, svc *domains.Service, args []string) error) func(cmd *cobra.Command, args []string) error {
	return func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		a, err := newApp(ctx)
		if err != nil {
			return err
		}
		defer a.Close()

		if a.remote == nil {
			return fmt.Errorf("mail_server.host is not configured")
		}
		return fn(ctx, domains.NewService(a.remote, a.store, a.cfg.Mail, a.logger), args)
	}
}

func printYAML(v interface{}) error {
	enc := yaml.NewEncoder(os.Stdout)
	enc.SetIndent(2)
	if err := enc.Encode(v); err != nil {
		return err
	}
	return enc.Close()
}
