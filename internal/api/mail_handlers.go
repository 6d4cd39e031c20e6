package api

import (
	"context"
	"net/http"
	"sort"
	"strconv"
	"time"

	"github.com/emersion/go-message/mail"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/gotrs-io/gotrs-mail/internal/middleware"
	"github.com/gotrs-io/gotrs-mail/internal/models"
	"github.com/gotrs-io/gotrs-mail/internal/outgoing"
	"github.com/gotrs-io/gotrs-mail/internal/version"
)

type handlers struct {
	mail      MailService
	domains   DomainService
	mailboxes MailboxLookup
	hub       WebsocketHub
	db        Pinger
	logger    *zap.Logger
}

// DraftRequest replaces the editable fields of a draft
type DraftRequest struct {
	DisplayName   string            `json:"display_name"`
	To            []string          `json:"to"`
	Cc            []string          `json:"cc"`
	Bcc           []string          `json:"bcc"`
	Subject       string            `json:"subject"`
	BodyHTML      string            `json:"body_html"`
	ReplyTo       string            `json:"reply_to"`
	IsNewsletter  bool              `json:"is_newsletter"`
	CustomHeaders map[string]string `json:"custom_headers"`
}

type folderRequest struct {
	Folder string `json:"folder" binding:"required"`
}

func (h *handlers) health(c *gin.Context) {
	if h.db != nil {
		ctx, cancel := context.WithTimeout(c.Request.Context(), 2*time.Second)
		defer cancel()
		if err := h.db.PingContext(ctx); err != nil {
			c.JSON(http.StatusServiceUnavailable, gin.H{"status": "unhealthy", "error": "Database connection failed"})
			return
		}
	}
	c.JSON(http.StatusOK, gin.H{"status": "healthy", "version": version.GetInfo()})
}

func (h *handlers) createMail(c *gin.Context) {
	var req outgoing.CreateRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"success": false, "error": err.Error()})
		return
	}
	req.ViaAPI = true

	m, err := h.mail.Create(c.Request.Context(), caller(c), req)
	if err != nil {
		h.respondError(c, err)
		return
	}

	status := http.StatusCreated
	if req.DoNotSave {
		status = http.StatusOK
	}
	c.JSON(status, gin.H{"success": true, "data": m})
}

func (h *handlers) getMail(c *gin.Context) {
	m, err := h.mail.Get(c.Request.Context(), caller(c), c.Param("id"))
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": true, "data": m})
}

func (h *handlers) saveDraft(c *gin.Context) {
	var req DraftRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"success": false, "error": err.Error()})
		return
	}

	ctx := c.Request.Context()
	who := caller(c)
	m, err := h.mail.Get(ctx, who, c.Param("id"))
	if err != nil {
		h.respondError(c, err)
		return
	}
	if err := applyDraft(m, req); err != nil {
		h.respondError(c, err)
		return
	}
	if err := h.mail.Save(ctx, who, m); err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": true, "data": m})
}

func applyDraft(m *models.OutgoingMail, req DraftRequest) error {
	m.DisplayName = req.DisplayName
	m.Subject = req.Subject
	m.BodyHTML = req.BodyHTML
	m.ReplyTo = req.ReplyTo
	m.IsNewsletter = req.IsNewsletter

	m.Recipients = nil
	for _, rcpt := range []struct {
		typ   models.RecipientType
		addrs []string
	}{
		{models.RecipientTo, req.To},
		{models.RecipientCc, req.Cc},
		{models.RecipientBcc, req.Bcc},
	} {
		for _, raw := range rcpt.addrs {
			addr, err := mail.ParseAddress(raw)
			if err != nil {
				return &outgoing.ValidationError{Field: "recipients", Message: "invalid format for recipient " + raw}
			}
			m.AddRecipient(rcpt.typ, addr.Address, addr.Name)
		}
	}

	m.CustomHeaders = nil
	keys := make([]string, 0, len(req.CustomHeaders))
	for k := range req.CustomHeaders {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		m.AddCustomHeader(k, req.CustomHeaders[k])
	}
	return nil
}

func (h *handlers) submitMail(c *gin.Context) {
	m, err := h.mail.Submit(c.Request.Context(), caller(c), c.Param("id"))
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": true, "data": m})
}

func (h *handlers) retryFailed(c *gin.Context) {
	h.retry(c, h.mail.RetryFailed)
}

func (h *handlers) retryBounced(c *gin.Context) {
	h.retry(c, h.mail.RetryBounced)
}

func (h *handlers) retry(c *gin.Context, fn func(context.Context, outgoing.Caller, string) error) {
	ctx := c.Request.Context()
	who := caller(c)
	id := c.Param("id")
	if err := fn(ctx, who, id); err != nil {
		h.respondError(c, err)
		return
	}
	h.respondMail(c, who, id)
}

// transferMail pushes a pending mail right away. force also retries a mail
// stuck in Failed.
func (h *handlers) transferMail(c *gin.Context) {
	ctx := c.Request.Context()
	who := caller(c)
	id := c.Param("id")

	// only readers of the mail may trigger its transfer
	if _, err := h.mail.Get(ctx, who, id); err != nil {
		h.respondError(c, err)
		return
	}
	force, _ := strconv.ParseBool(c.Query("force"))
	if force && !who.SystemManager {
		h.respondError(c, outgoing.ErrPermissionDenied)
		return
	}
	if err := h.mail.TransferNow(ctx, id, force); err != nil {
		h.respondError(c, err)
		return
	}
	h.respondMail(c, who, id)
}

func (h *handlers) respondMail(c *gin.Context, who outgoing.Caller, id string) {
	m, err := h.mail.Get(c.Request.Context(), who, id)
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": true, "data": m})
}

func (h *handlers) updateFolder(c *gin.Context) {
	var req folderRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"success": false, "error": err.Error()})
		return
	}
	folder, err := h.mail.UpdateFolder(c.Request.Context(), caller(c), c.Param("id"), req.Folder)
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": true, "folder": folder})
}

func (h *handlers) replyTo(c *gin.Context) {
	all, _ := strconv.ParseBool(c.Query("all"))
	m, err := h.mail.ReplyTo(c.Request.Context(), caller(c), c.Param("id"), all)
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": true, "data": m})
}

func (h *handlers) deleteMail(c *gin.Context) {
	if err := h.mail.Delete(c.Request.Context(), caller(c), c.Param("id")); err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": true})
}

func (h *handlers) defaultMailbox(c *gin.Context) {
	email, err := h.mailboxes.DefaultMailbox(c.Request.Context(), caller(c).User)
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": true, "email": email})
}

// pushDeliveryStatus accepts delivery outcomes pushed by the mail server
func (h *handlers) pushDeliveryStatus(c *gin.Context) {
	var st models.DeliveryStatus
	if err := c.ShouldBindJSON(&st); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"success": false, "error": err.Error()})
		return
	}
	if st.OutgoingMail == "" || st.Token == "" {
		c.JSON(http.StatusBadRequest, gin.H{"success": false, "error": "outgoing_mail and token are required"})
		return
	}
	if err := h.mail.ApplyDeliveryStatus(c.Request.Context(), &st); err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": true})
}

func (h *handlers) websocket(c *gin.Context) {
	if err := h.hub.ServeWS(c.Writer, c.Request, caller(c).User); err != nil {
		// the upgrader has already answered the request
		h.logger.Debug("websocket upgrade failed", zap.Error(err))
	}
}

func caller(c *gin.Context) outgoing.Caller {
	who, _ := middleware.CallerFrom(c)
	return who
}
