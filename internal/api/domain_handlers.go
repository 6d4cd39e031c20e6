package api

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/gotrs-io/gotrs-mail/internal/domains"
)

type enabledRequest struct {
	Enabled *bool `json:"enabled" binding:"required"`
}

func (h *handlers) registerDomain(c *gin.Context) {
	var req domains.RegisterRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"success": false, "error": err.Error()})
		return
	}
	d, err := h.domains.Register(c.Request.Context(), req)
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": true, "data": d})
}

func (h *handlers) refreshDNSRecords(c *gin.Context) {
	d, err := h.domains.RefreshDNSRecords(c.Request.Context(), c.Param("name"))
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": true, "data": d})
}

func (h *handlers) verifyDNSRecords(c *gin.Context) {
	errs, err := h.domains.VerifyDNSRecords(c.Request.Context(), c.Param("name"))
	if err != nil {
		h.respondError(c, err)
		return
	}
	if errs == nil {
		errs = []string{}
	}
	c.JSON(http.StatusOK, gin.H{"success": true, "verified": len(errs) == 0, "errors": errs})
}

func (h *handlers) setDomainEnabled(c *gin.Context) {
	var req enabledRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"success": false, "error": err.Error()})
		return
	}
	d, err := h.domains.SetEnabled(c.Request.Context(), c.Param("name"), *req.Enabled)
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": true, "data": d})
}
