package settings

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"LIBRA-backend/internal/library/entity"
	"LIBRA-backend/internal/platform/auth"
	"LIBRA-backend/internal/platform/errs"
)

type Handler struct{ svc *Service }

// RegisterRoutes の変更系は Admin のみ
func RegisterRoutes(r gin.IRoutes, svc *Service) {
	h := &Handler{svc: svc}
	r.GET("/settings", h.List)
	r.GET("/settings/current", h.Current)
	r.PUT("/settings/:key", auth.RequireRole(entity.RoleAdmin), h.Set)
}

type SetRequest struct {
	Value string `json:"value" binding:"required"`
}

// GET /settings
func (h *Handler) List(c *gin.Context) {
	rows, err := h.svc.List(c.Request.Context())
	if err != nil {
		c.JSON(errs.HTTPStatus(err), errs.FromErr(err))
		return
	}
	c.JSON(http.StatusOK, gin.H{"items": rows})
}

// GET /settings/current
func (h *Handler) Current(c *gin.Context) {
	cur, err := h.svc.Current(c.Request.Context())
	if err != nil {
		c.JSON(errs.HTTPStatus(err), errs.FromErr(err))
		return
	}
	c.JSON(http.StatusOK, cur)
}

// PUT /settings/:key
func (h *Handler) Set(c *gin.Context) {
	var req SetRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, errs.Body(errs.CodeValidation, "invalid json or missing value"))
		return
	}
	row, err := h.svc.Set(c.Request.Context(), auth.ActorFrom(c), c.Param("key"), req.Value)
	if err != nil {
		c.JSON(errs.HTTPStatus(err), errs.FromErr(err))
		return
	}
	c.JSON(http.StatusOK, row)
}
