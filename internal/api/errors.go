package api

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/gotrs-io/gotrs-mail/internal/mailserver"
	"github.com/gotrs-io/gotrs-mail/internal/outgoing"
)

func statusFor(err error) int {
	var apiErr *mailserver.APIError
	var netErr *mailserver.NetworkError
	switch {
	case outgoing.IsValidationError(err):
		return http.StatusBadRequest
	case errors.Is(err, outgoing.ErrPermissionDenied):
		return http.StatusForbidden
	case errors.Is(err, outgoing.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, outgoing.ErrInvalidTransition),
		errors.Is(err, outgoing.ErrAmendNotAllowed),
		errors.Is(err, outgoing.ErrInvalidToken):
		return http.StatusConflict
	case errors.As(err, &apiErr), errors.As(err, &netErr):
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

// respondError maps service errors onto HTTP statuses. Internal errors are
// logged and hidden from the client.
func (h *handlers) respondError(c *gin.Context, err error) {
	status := statusFor(err)
	message := err.Error()
	if status == http.StatusInternalServerError {
		h.logger.Error("request failed",
			zap.String("path", c.FullPath()),
			zap.String("request_id", c.GetString("request_id")),
			zap.Error(err))
		message = "Internal server error"
	}
	c.JSON(status, gin.H{"success": false, "error": message})
}
