package students

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"LIBRA-backend/internal/library/entity"
	"LIBRA-backend/internal/library/storage"
	"LIBRA-backend/internal/platform/auth"
	"LIBRA-backend/internal/platform/errs"
)

type Handler struct{ svc *Service }

func RegisterRoutes(r gin.IRoutes, svc *Service) {
	h := &Handler{svc: svc}
	r.GET("/students", h.List)
	r.POST("/students", h.Create)
	r.GET("/students/:student_id", h.Get)
	r.PATCH("/students/:student_id", h.Update)
	r.DELETE("/students/:student_id", auth.RequireRole(entity.RoleAdmin, entity.RoleLibrarian), h.Delete)
	r.POST("/students/:student_id/restore", auth.RequireRole(entity.RoleAdmin, entity.RoleLibrarian), h.Restore)
	// 学生証スキャン用
	r.GET("/scan/students/:qr_code", h.GetByQR)
}

func (h *Handler) List(c *gin.Context) {
	var f Filter
	var p storage.Page
	if err := c.ShouldBindQuery(&f); err != nil {
		c.JSON(http.StatusBadRequest, errs.Body(errs.CodeValidation, "invalid query"))
		return
	}
	if err := c.ShouldBindQuery(&p); err != nil {
		c.JSON(http.StatusBadRequest, errs.Body(errs.CodeValidation, "invalid paging"))
		return
	}
	rows, total, err := h.svc.List(c.Request.Context(), f, p)
	if err != nil {
		c.JSON(errs.HTTPStatus(err), errs.FromErr(err))
		return
	}
	c.JSON(http.StatusOK, gin.H{"items": rows, "total": total, "next_offset": p.NextOffset(total)})
}

func (h *Handler) Create(c *gin.Context) {
	var req CreateInput
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, errs.Body(errs.CodeValidation, "invalid json"))
		return
	}
	st, err := h.svc.Create(c.Request.Context(), auth.ActorFrom(c), req)
	if err != nil {
		c.JSON(errs.HTTPStatus(err), errs.FromErr(err))
		return
	}
	c.Header("Location", "/students/"+st.ID)
	c.JSON(http.StatusCreated, st)
}

func (h *Handler) Get(c *gin.Context) {
	st, err := h.svc.Get(c.Request.Context(), c.Param("student_id"))
	if err != nil {
		c.JSON(errs.HTTPStatus(err), errs.FromErr(err))
		return
	}
	c.JSON(http.StatusOK, st)
}

func (h *Handler) GetByQR(c *gin.Context) {
	st, err := h.svc.GetByQR(c.Request.Context(), c.Param("qr_code"))
	if err != nil {
		c.JSON(errs.HTTPStatus(err), errs.FromErr(err))
		return
	}
	c.JSON(http.StatusOK, st)
}

func (h *Handler) Update(c *gin.Context) {
	var req UpdateInput
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, errs.Body(errs.CodeValidation, "invalid json"))
		return
	}
	st, err := h.svc.Update(c.Request.Context(), auth.ActorFrom(c), c.Param("student_id"), req)
	if err != nil {
		c.JSON(errs.HTTPStatus(err), errs.FromErr(err))
		return
	}
	c.JSON(http.StatusOK, st)
}

func (h *Handler) Delete(c *gin.Context) {
	if err := h.svc.Delete(c.Request.Context(), auth.ActorFrom(c), c.Param("student_id")); err != nil {
		c.JSON(errs.HTTPStatus(err), errs.FromErr(err))
		return
	}
	c.Status(http.StatusNoContent)
}

func (h *Handler) Restore(c *gin.Context) {
	if err := h.svc.Restore(c.Request.Context(), auth.ActorFrom(c), c.Param("student_id")); err != nil {
		c.JSON(errs.HTTPStatus(err), errs.FromErr(err))
		return
	}
	c.Status(http.StatusNoContent)
}
