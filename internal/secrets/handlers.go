package secrets

import (
	"net/http"

	"github.com/gin-gonic/gin"

	apperrors "github.com/trinity/trinity/internal/common/errors"
	"github.com/trinity/trinity/internal/common/httpmw"
	"github.com/trinity/trinity/internal/common/logger"
)

// Handler provides HTTP handlers for secrets CRUD. The gateway mounts these
// inside an admin-only route group.
type Handler struct {
	service *Service
	respond *httpmw.Responder
	logger  *logger.Logger
}

// NewHandler creates a new secrets handler.
func NewHandler(svc *Service, respond *httpmw.Responder, log *logger.Logger) *Handler {
	return &Handler{service: svc, respond: respond, logger: log}
}

// RegisterRoutes registers the secrets endpoints on the given group.
func (h *Handler) RegisterRoutes(rg *gin.RouterGroup) {
	rg.POST("/secrets", h.createSecret)
	rg.GET("/secrets", h.listSecrets)
	rg.GET("/secrets/:id", h.getSecret)
	rg.PUT("/secrets/:id", h.updateSecret)
	rg.DELETE("/secrets/:id", h.deleteSecret)
	rg.POST("/secrets/:id/reveal", h.revealSecret)
}

func (h *Handler) createSecret(c *gin.Context) {
	var req CreateSecretRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		h.respond.Error(c, apperrors.InvalidInput("invalid payload"))
		return
	}

	item, err := h.service.Create(c.Request.Context(), &req)
	if err != nil {
		h.respond.Error(c, err)
		return
	}
	c.JSON(http.StatusCreated, item)
}

func (h *Handler) listSecrets(c *gin.Context) {
	var (
		items []*SecretListItem
		err   error
	)
	if category := c.Query("category"); category != "" {
		items, err = h.service.ListByCategory(c.Request.Context(), SecretCategory(category))
	} else {
		items, err = h.service.List(c.Request.Context())
	}
	if err != nil {
		h.respond.Error(c, err)
		return
	}
	c.JSON(http.StatusOK, items)
}

func (h *Handler) getSecret(c *gin.Context) {
	secret, err := h.service.Get(c.Request.Context(), c.Param("id"))
	if err != nil {
		h.respond.Error(c, err)
		return
	}
	c.JSON(http.StatusOK, secret)
}

func (h *Handler) updateSecret(c *gin.Context) {
	var req UpdateSecretRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		h.respond.Error(c, apperrors.InvalidInput("invalid payload"))
		return
	}

	item, err := h.service.Update(c.Request.Context(), c.Param("id"), &req)
	if err != nil {
		h.respond.Error(c, err)
		return
	}
	c.JSON(http.StatusOK, item)
}

func (h *Handler) deleteSecret(c *gin.Context) {
	if err := h.service.Delete(c.Request.Context(), c.Param("id")); err != nil {
		h.respond.Error(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (h *Handler) revealSecret(c *gin.Context) {
	value, err := h.service.Reveal(c.Request.Context(), c.Param("id"))
	if err != nil {
		h.respond.Error(c, err)
		return
	}
	c.JSON(http.StatusOK, RevealSecretResponse{Value: value})
}
