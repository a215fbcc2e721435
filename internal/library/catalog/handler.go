package catalog

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"LIBRA-backend/internal/library/entity"
	"LIBRA-backend/internal/platform/auth"
	"LIBRA-backend/internal/platform/errs"
)

type Handler struct{ svc *Service }

func RegisterRoutes(r gin.IRoutes, svc *Service) {
	h := &Handler{svc: svc}

	// 1. 書名
	r.POST("/titles", h.CreateTitle)
	r.GET("/titles/:title_id", h.GetTitle)
	r.PUT("/titles/:title_id", h.UpdateTitle)
	r.DELETE("/titles/:title_id", auth.RequireRole(entity.RoleAdmin, entity.RoleLibrarian), h.DeleteTitle)
	r.POST("/titles/:title_id/restore", auth.RequireRole(entity.RoleAdmin, entity.RoleLibrarian), h.RestoreTitle)
	r.POST("/titles/:title_id/enrich", h.EnrichTitle)
	r.GET("/titles/:title_id/availability", h.Availability)

	// 2. コピー
	r.GET("/titles/:title_id/copies", h.ListCopies)
	r.POST("/titles/:title_id/copies", h.AddCopy)
	r.GET("/copies/:book_id", h.GetCopy)
	// QRスキャン用
	r.GET("/scan/copies/:qr_code", h.GetCopyByQR)
	r.PATCH("/copies/:book_id", h.UpdateCopy)
	r.PUT("/copies/:book_id/status", h.SetCopyStatus)
	r.DELETE("/copies/:book_id", auth.RequireRole(entity.RoleAdmin, entity.RoleLibrarian), h.DeleteCopy)
	r.POST("/copies/:book_id/restore", auth.RequireRole(entity.RoleAdmin, entity.RoleLibrarian), h.RestoreCopy)

	// 3. ラベル CSV
	r.GET("/labels.csv", h.ExportLabels)
}

func fail(c *gin.Context, err error) {
	c.JSON(errs.HTTPStatus(err), errs.FromErr(err))
}

func badJSON(c *gin.Context) {
	c.JSON(http.StatusBadRequest, errs.Body(errs.CodeValidation, "invalid json or missing required fields"))
}

// ---------- titles ----------

func (h *Handler) CreateTitle(c *gin.Context) {
	var req TitleInput
	if err := c.ShouldBindJSON(&req); err != nil {
		badJSON(c)
		return
	}
	t, err := h.svc.CreateTitle(c.Request.Context(), auth.ActorFrom(c), req)
	if err != nil {
		fail(c, err)
		return
	}
	c.Header("Location", "/titles/"+t.ID)
	c.JSON(http.StatusCreated, t)
}

func (h *Handler) GetTitle(c *gin.Context) {
	t, err := h.svc.GetTitle(c.Request.Context(), c.Param("title_id"))
	if err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusOK, t)
}

func (h *Handler) UpdateTitle(c *gin.Context) {
	var req TitleInput
	if err := c.ShouldBindJSON(&req); err != nil {
		badJSON(c)
		return
	}
	t, err := h.svc.UpdateTitle(c.Request.Context(), auth.ActorFrom(c), c.Param("title_id"), req)
	if err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusOK, t)
}

func (h *Handler) DeleteTitle(c *gin.Context) {
	if err := h.svc.DeleteTitle(c.Request.Context(), auth.ActorFrom(c), c.Param("title_id")); err != nil {
		fail(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (h *Handler) RestoreTitle(c *gin.Context) {
	if err := h.svc.RestoreTitle(c.Request.Context(), auth.ActorFrom(c), c.Param("title_id")); err != nil {
		fail(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (h *Handler) EnrichTitle(c *gin.Context) {
	t, err := h.svc.EnrichTitle(c.Request.Context(), auth.ActorFrom(c), c.Param("title_id"))
	if err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusOK, t)
}

func (h *Handler) Availability(c *gin.Context) {
	ctx := c.Request.Context()
	id := c.Param("title_id")
	st, err := h.svc.Statistics(ctx, id)
	if err != nil {
		fail(c, err)
		return
	}
	best, ok, err := h.svc.BestAvailableCopy(ctx, id)
	if err != nil {
		fail(c, err)
		return
	}
	res := gin.H{"stats": st, "best_copy": nil}
	if ok {
		res["best_copy"] = best
	}
	c.JSON(http.StatusOK, res)
}

// ---------- copies ----------

func (h *Handler) ListCopies(c *gin.Context) {
	rows, err := h.svc.ListCopies(c.Request.Context(), c.Param("title_id"))
	if err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"items": rows})
}

func (h *Handler) AddCopy(c *gin.Context) {
	req := AddCopyInput{Condition: entity.ConditionGood}
	if err := c.ShouldBindJSON(&req); err != nil {
		badJSON(c)
		return
	}
	b, err := h.svc.AddCopy(c.Request.Context(), auth.ActorFrom(c), c.Param("title_id"), req)
	if err != nil {
		fail(c, err)
		return
	}
	c.Header("Location", "/copies/"+b.ID)
	c.JSON(http.StatusCreated, b)
}

func (h *Handler) GetCopy(c *gin.Context) {
	b, err := h.svc.GetCopy(c.Request.Context(), c.Param("book_id"))
	if err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusOK, b)
}

func (h *Handler) GetCopyByQR(c *gin.Context) {
	b, err := h.svc.GetCopyByQR(c.Request.Context(), c.Param("qr_code"))
	if err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusOK, b)
}

func (h *Handler) UpdateCopy(c *gin.Context) {
	var req UpdateCopyInput
	if err := c.ShouldBindJSON(&req); err != nil {
		badJSON(c)
		return
	}
	b, err := h.svc.UpdateCopy(c.Request.Context(), auth.ActorFrom(c), c.Param("book_id"), req)
	if err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusOK, b)
}

func (h *Handler) SetCopyStatus(c *gin.Context) {
	var req SetStatusInput
	if err := c.ShouldBindJSON(&req); err != nil {
		badJSON(c)
		return
	}
	b, err := h.svc.SetCopyStatus(c.Request.Context(), auth.ActorFrom(c), c.Param("book_id"), req.Status)
	if err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusOK, b)
}

func (h *Handler) DeleteCopy(c *gin.Context) {
	if err := h.svc.DeleteCopy(c.Request.Context(), auth.ActorFrom(c), c.Param("book_id")); err != nil {
		fail(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (h *Handler) RestoreCopy(c *gin.Context) {
	if err := h.svc.RestoreCopy(c.Request.Context(), auth.ActorFrom(c), c.Param("book_id")); err != nil {
		fail(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

// GET /labels.csv?title_id=...&encoding=shift_jis
func (h *Handler) ExportLabels(c *gin.Context) {
	enc, err := ParseLabelEncoding(c.Query("encoding"))
	if err != nil {
		fail(c, err)
		return
	}
	charset := "utf-8"
	if enc == LabelShiftJIS {
		charset = "shift_jis"
	}
	c.Header("Content-Type", "text/csv; charset="+charset)
	c.Header("Content-Disposition", `attachment; filename="labels.csv"`)
	if err := h.svc.ExportLabels(c.Request.Context(), c.Writer, c.Query("title_id"), enc); err != nil {
		// 書き始める前のエラーだけが JSON で返せる
		if !c.Writer.Written() {
			c.Header("Content-Type", "application/json; charset=utf-8")
			fail(c, err)
		}
		return
	}
}
