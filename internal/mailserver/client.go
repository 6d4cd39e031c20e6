// Package mailserver is the HTTP client of the remote mail server that
// accepts outgoing mail for delivery and reports delivery outcomes.
package mailserver

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"
	"go.uber.org/zap"

	"github.com/gotrs-io/gotrs-mail/internal/config"
)

const (
	defaultConnectTimeout = 60 * time.Second
	defaultReadTimeout    = 120 * time.Second
	defaultUserAgent      = "gotrs-mail/1.0"

	validatePath = "/api/method/mail_server.api.auth.validate"
)

// Config represents client configuration
type Config struct {
	Host           string
	APIKey         string
	APISecret      string
	AccessToken    string
	UserAgent      string
	ConnectTimeout time.Duration
	ReadTimeout    time.Duration
	Debug          bool
	Logger         *zap.Logger
}

// ConfigFrom converts the mail_server settings section
func ConfigFrom(c config.MailServerConfig) Config {
	return Config{
		Host:           c.Host,
		APIKey:         c.APIKey,
		APISecret:      c.APISecret,
		AccessToken:    c.AccessToken,
		ConnectTimeout: c.ConnectTimeout,
		ReadTimeout:    c.ReadTimeout,
	}
}

// Client talks to the mail server API
type Client struct {
	httpClient *resty.Client
	host       string
	authHeader string
	logger     *zap.Logger
}

// New creates a mail server client
func New(cfg Config) (*Client, error) {
	host := strings.TrimRight(cfg.Host, "/")
	if host == "" {
		return nil, errors.New("mail server host is not configured")
	}

	var authHeader string
	switch {
	case cfg.AccessToken != "":
		authHeader = "Bearer " + cfg.AccessToken
	case cfg.APIKey != "" && cfg.APISecret != "":
		authHeader = fmt.Sprintf("token %s:%s", cfg.APIKey, cfg.APISecret)
	default:
		return nil, errors.New("mail server credentials are not configured")
	}

	if cfg.UserAgent == "" {
		cfg.UserAgent = defaultUserAgent
	}
	if cfg.ConnectTimeout <= 0 {
		cfg.ConnectTimeout = defaultConnectTimeout
	}
	if cfg.ReadTimeout <= 0 {
		cfg.ReadTimeout = defaultReadTimeout
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}

	transport := &http.Transport{
		Proxy:                 http.ProxyFromEnvironment,
		DialContext:           (&net.Dialer{Timeout: cfg.ConnectTimeout}).DialContext,
		TLSHandshakeTimeout:   cfg.ConnectTimeout,
		ResponseHeaderTimeout: cfg.ReadTimeout,
		MaxIdleConnsPerHost:   4,
		IdleConnTimeout:       90 * time.Second,
	}

	httpClient := resty.New().
		SetBaseURL(host).
		SetTransport(transport).
		SetTimeout(cfg.ConnectTimeout+cfg.ReadTimeout).
		SetHeader("User-Agent", cfg.UserAgent).
		SetHeader("Accept", "application/json")

	if cfg.Debug {
		httpClient.SetDebug(true)
	}

	c := &Client{
		httpClient: httpClient,
		host:       host,
		authHeader: authHeader,
		logger:     cfg.Logger,
	}

	httpClient.OnBeforeRequest(func(_ *resty.Client, req *resty.Request) error {
		req.SetHeader("Authorization", c.authHeader)
		return nil
	})
	httpClient.OnAfterResponse(func(_ *resty.Client, resp *resty.Response) error {
		if resp.IsSuccess() {
			return nil
		}
		return newAPIError(resp.StatusCode(), resp.Body())
	})

	return c, nil
}

// Host returns the base URL of the mail server
func (c *Client) Host() string {
	return c.host
}

// envelope wraps every successful response of the remote API
type envelope struct {
	Message json.RawMessage `json:"message"`
}

// call executes a request and decodes the envelope payload into out
func (c *Client) call(ctx context.Context, method, path string, prepare func(*resty.Request), out interface{}) error {
	req := c.httpClient.R().SetContext(ctx)
	if prepare != nil {
		prepare(req)
	}

	resp, err := req.Execute(method, path)
	if err != nil {
		var apiErr *APIError
		if errors.As(err, &apiErr) {
			return apiErr
		}
		return &NetworkError{Operation: method, URL: c.host + path, Err: err}
	}

	if out == nil {
		return nil
	}
	var env envelope
	if err := json.Unmarshal(resp.Body(), &env); err != nil {
		return fmt.Errorf("failed to decode response of %s: %w", path, err)
	}
	if len(env.Message) == 0 || string(env.Message) == "null" {
		return nil
	}
	if err := json.Unmarshal(env.Message, out); err != nil {
		return fmt.Errorf("failed to decode response of %s: %w", path, err)
	}
	return nil
}

// Validate checks the configured credentials with the mail server
func (c *Client) Validate(ctx context.Context) error {
	return c.call(ctx, http.MethodPost, validatePath, nil, nil)
}
