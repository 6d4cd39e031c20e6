package mailserver

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"
	"go.uber.org/zap"

	"github.com/gotrs-io/gotrs-mail/internal/models"
	"github.com/gotrs-io/gotrs-mail/internal/outgoing"
)

const (
	sendPath                  = "/api/method/mail_server.api.outbound.send"
	fetchDeliveryStatusPath   = "/api/method/mail_server.api.outbound.fetch_delivery_status"
	fetchDeliveryStatusesPath = "/api/method/mail_server.api.outbound.fetch_delivery_statuses"
)

// Send hands one message over for delivery and returns the delivery token
func (c *Client) Send(ctx context.Context, mailID string, recipients []string, message string) (string, error) {
	encoded, err := json.Marshal(recipients)
	if err != nil {
		return "", fmt.Errorf("failed to encode recipients: %w", err)
	}

	var token string
	err = c.call(ctx, http.MethodPost, sendPath, func(req *resty.Request) {
		req.SetFormData(map[string]string{
			"outgoing_mail": mailID,
			"recipients":    string(encoded),
		})
		req.SetMultipartField("message", mailID+".eml", "message/rfc822", strings.NewReader(message))
	}, &token)
	if err != nil {
		return "", fmt.Errorf("failed to send %s: %w", mailID, err)
	}
	if token == "" {
		return "", fmt.Errorf("failed to send %s: mail server returned no token", mailID)
	}
	return token, nil
}

// FetchDeliveryStatus returns the delivery outcome of one transferred message
func (c *Client) FetchDeliveryStatus(ctx context.Context, mailID, token string) (*models.DeliveryStatus, error) {
	var ws wireStatus
	err := c.call(ctx, http.MethodGet, fetchDeliveryStatusPath, func(req *resty.Request) {
		req.SetQueryParams(map[string]string{"outgoing_mail": mailID, "token": token})
	}, &ws)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch delivery status of %s: %w", mailID, err)
	}
	return ws.toModel()
}

// FetchDeliveryStatuses returns the delivery outcomes of many messages in one
// call. Malformed outcomes are logged and left out so that they are asked
// about again on the next run.
func (c *Client) FetchDeliveryStatuses(ctx context.Context, mails []models.MailToken) ([]*models.DeliveryStatus, error) {
	if len(mails) == 0 {
		return nil, nil
	}

	var wire []wireStatus
	err := c.call(ctx, http.MethodPost, fetchDeliveryStatusesPath, func(req *resty.Request) {
		req.SetHeader("Content-Type", "application/json")
		req.SetBody(map[string]interface{}{"mails": mails})
	}, &wire)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch delivery statuses: %w", err)
	}

	out := make([]*models.DeliveryStatus, 0, len(wire))
	for i := range wire {
		st, err := wire[i].toModel()
		if err != nil {
			c.logger.Warn("skipping malformed delivery status",
				zap.String("mail_id", wire[i].OutgoingMail), zap.Error(err))
			continue
		}
		out = append(out, st)
	}
	return out, nil
}

// Dial validates the credentials and returns the client as an open session.
// Any failure here counts as a connection failure of the current run.
func (c *Client) Dial(ctx context.Context) (outgoing.DeliveryClient, error) {
	if err := c.Validate(ctx); err != nil {
		return nil, fmt.Errorf("failed to connect to mail server: %w", err)
	}
	return c, nil
}

// wireStatus is a delivery outcome as encoded by the mail server
type wireStatus struct {
	OutgoingMail string                   `json:"outgoing_mail"`
	Token        string                   `json:"token"`
	Status       string                   `json:"status"`
	ErrorMessage *string                  `json:"error_message"`
	Recipients   map[string]wireRecipient `json:"recipients"`
}

type wireRecipient struct {
	Status      string  `json:"status"`
	ActionAt    string  `json:"action_at"`
	ActionAfter float64 `json:"action_after"`
	Retries     int     `json:"retries"`
	Response    string  `json:"response"`
}

func (ws *wireStatus) toModel() (*models.DeliveryStatus, error) {
	st := &models.DeliveryStatus{
		OutgoingMail: ws.OutgoingMail,
		Token:        ws.Token,
		Status:       models.MailStatus(ws.Status),
		ErrorMessage: ws.ErrorMessage,
		Recipients:   make(map[string]*models.RecipientDelivery, len(ws.Recipients)),
	}
	for email, r := range ws.Recipients {
		rd := &models.RecipientDelivery{
			Status:      models.MailStatus(r.Status),
			ActionAfter: int64(r.ActionAfter),
			Retries:     r.Retries,
			Response:    r.Response,
		}
		if r.ActionAt != "" {
			t, err := parseTimestamp(r.ActionAt)
			if err != nil {
				return nil, fmt.Errorf("invalid action_at for %s of %s: %w", email, ws.OutgoingMail, err)
			}
			rd.ActionAt = &t
		}
		st.Recipients[email] = rd
	}
	return st, nil
}

var timestampLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02 15:04:05.999999",
	"2006-01-02 15:04:05",
}

// parseTimestamp accepts RFC 3339 and the server's naive UTC datetime format
func parseTimestamp(s string) (time.Time, error) {
	var lastErr error
	for _, layout := range timestampLayouts {
		t, err := time.Parse(layout, s)
		if err == nil {
			return t.UTC(), nil
		}
		lastErr = err
	}
	return time.Time{}, lastErr
}
