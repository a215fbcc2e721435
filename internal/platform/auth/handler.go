package auth

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"LIBRA-backend/internal/library/entity"
	"LIBRA-backend/internal/platform/errs"
)

type Handler struct{ svc *Service }

// RegisterPublicRoutes は認証前に呼べるもの
func RegisterPublicRoutes(r gin.IRoutes, svc *Service) {
	h := &Handler{svc: svc}
	r.POST("/login", h.Login)
}

func RegisterRoutes(r gin.IRoutes, svc *Service) {
	h := &Handler{svc: svc}
	r.GET("/me", h.Me)
	r.POST("/teachers", RequireRole(entity.RoleAdmin), h.Register)
	r.DELETE("/teachers/:id", RequireRole(entity.RoleAdmin), h.Delete)
	r.PUT("/teachers/:id/password", h.ChangePassword)
}

type LoginRequest struct {
	Username string `json:"username" binding:"required"`
	Password string `json:"password" binding:"required"`
}

func (h *Handler) Login(c *gin.Context) {
	var req LoginRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, errs.Body(errs.CodeValidation, "invalid request"))
		return
	}

	res, err := h.svc.Login(c.Request.Context(), req.Username, req.Password)
	if err != nil {
		c.JSON(errs.HTTPStatus(err), errs.FromErr(err))
		return
	}
	c.JSON(http.StatusOK, res)
}

func (h *Handler) Me(c *gin.Context) {
	t, err := h.svc.Get(c.Request.Context(), c.GetString(CtxTeacherIDKey))
	if err != nil {
		c.JSON(errs.HTTPStatus(err), errs.FromErr(err))
		return
	}
	c.JSON(http.StatusOK, t)
}

type RegisterRequest struct {
	Username string      `json:"username" binding:"required"`
	Password string      `json:"password" binding:"required"`
	Role     entity.Role `json:"role"`
}

func (h *Handler) Register(c *gin.Context) {
	var req RegisterRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, errs.Body(errs.CodeValidation, "invalid request"))
		return
	}
	// 未指定なら Staff
	if req.Role == "" {
		req.Role = entity.RoleStaff
	}

	t, err := h.svc.Register(c.Request.Context(), ActorFrom(c), req.Username, req.Password, req.Role)
	if err != nil {
		c.JSON(errs.HTTPStatus(err), errs.FromErr(err))
		return
	}
	c.Header("Location", "/teachers/"+t.ID)
	c.JSON(http.StatusCreated, t)
}

func (h *Handler) Delete(c *gin.Context) {
	if err := h.svc.Delete(c.Request.Context(), ActorFrom(c), c.Param("id")); err != nil {
		c.JSON(errs.HTTPStatus(err), errs.FromErr(err))
		return
	}
	c.Status(http.StatusNoContent)
}

type ChangePasswordRequest struct {
	Password string `json:"password" binding:"required"`
}

func (h *Handler) ChangePassword(c *gin.Context) {
	id := c.Param("id")
	// 他人のパスワードは Admin だけが変更できる
	if id != c.GetString(CtxTeacherIDKey) && RoleFrom(c) != entity.RoleAdmin {
		c.JSON(http.StatusForbidden, errs.Body(errs.CodeForbidden, "forbidden"))
		return
	}
	var req ChangePasswordRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, errs.Body(errs.CodeValidation, "invalid request"))
		return
	}
	if err := h.svc.ChangePassword(c.Request.Context(), ActorFrom(c), id, req.Password); err != nil {
		c.JSON(errs.HTTPStatus(err), errs.FromErr(err))
		return
	}
	c.Status(http.StatusNoContent)
}
