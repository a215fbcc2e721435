package reporting

import (
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"LIBRA-backend/internal/library/entity"
	"LIBRA-backend/internal/library/storage"
	"LIBRA-backend/internal/platform/auth"
	"LIBRA-backend/internal/platform/errs"
)

type Handler struct{ svc *Service }

func RegisterRoutes(r gin.IRoutes, svc *Service) {
	h := &Handler{svc: svc}

	r.GET("/reports/overdue", h.Overdue)
	r.GET("/reports/due-soon", h.DueSoon)
	r.GET("/reports/statistics", h.Statistics)
	r.GET("/reservations", h.ActiveReservations)
	r.GET("/titles/:title_id/queue", h.Queue)
	r.GET("/students/:student_id/loans", h.LoansOf)
	r.GET("/students/:student_id/reservations", h.ReservationsOf)
	r.GET("/copies/:book_id/loans", h.CopyHistory)
	r.GET("/search/titles", h.SearchTitles)
	r.GET("/audit", auth.RequireRole(entity.RoleAdmin, entity.RoleLibrarian), h.AuditTrail)
}

func fail(c *gin.Context, err error) {
	c.JSON(errs.HTTPStatus(err), errs.FromErr(err))
}

func pageOf(c *gin.Context) (storage.Page, bool) {
	var p storage.Page
	if err := c.ShouldBindQuery(&p); err != nil {
		c.JSON(http.StatusBadRequest, errs.Body(errs.CodeValidation, "invalid paging"))
		return p, false
	}
	return p, true
}

func paged[T any](c *gin.Context, items []T, total int, p storage.Page) {
	c.JSON(http.StatusOK, gin.H{"items": items, "total": total, "next_offset": p.NextOffset(total)})
}

func (h *Handler) Overdue(c *gin.Context) {
	p, ok := pageOf(c)
	if !ok {
		return
	}
	rows, total, err := h.svc.OverdueLoans(c.Request.Context(), h.svc.Now(), p)
	if err != nil {
		fail(c, err)
		return
	}
	paged(c, rows, total, p)
}

func (h *Handler) DueSoon(c *gin.Context) {
	p, ok := pageOf(c)
	if !ok {
		return
	}
	days := entity.ReminderLeadDays
	if v := c.Query("days"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			c.JSON(http.StatusBadRequest, errs.Body(errs.CodeValidation, "days must be a number"))
			return
		}
		days = n
	}
	rows, total, err := h.svc.DueSoonLoans(c.Request.Context(), h.svc.Now(), days, p)
	if err != nil {
		fail(c, err)
		return
	}
	paged(c, rows, total, p)
}

func (h *Handler) Statistics(c *gin.Context) {
	st, err := h.svc.Statistics(c.Request.Context(), h.svc.Now())
	if err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusOK, st)
}

func (h *Handler) ActiveReservations(c *gin.Context) {
	p, ok := pageOf(c)
	if !ok {
		return
	}
	rows, total, err := h.svc.ActiveReservations(c.Request.Context(), c.Query("title_id"), p)
	if err != nil {
		fail(c, err)
		return
	}
	paged(c, rows, total, p)
}

func (h *Handler) Queue(c *gin.Context) {
	rows, err := h.svc.QueueOf(c.Request.Context(), c.Param("title_id"))
	if err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"items": rows})
}

func (h *Handler) LoansOf(c *gin.Context) {
	openOnly := c.Query("open") == "true"
	rows, err := h.svc.LoansOf(c.Request.Context(), c.Param("student_id"), openOnly)
	if err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"items": rows})
}

func (h *Handler) ReservationsOf(c *gin.Context) {
	rows, err := h.svc.ReservationsOf(c.Request.Context(), c.Param("student_id"))
	if err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"items": rows})
}

func (h *Handler) CopyHistory(c *gin.Context) {
	rows, err := h.svc.LoanHistoryOfCopy(c.Request.Context(), c.Param("book_id"))
	if err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"items": rows})
}

func (h *Handler) SearchTitles(c *gin.Context) {
	p, ok := pageOf(c)
	if !ok {
		return
	}
	rows, total, err := h.svc.SearchTitles(c.Request.Context(), c.Query("q"), p)
	if err != nil {
		fail(c, err)
		return
	}
	paged(c, rows, total, p)
}

func (h *Handler) AuditTrail(c *gin.Context) {
	p, ok := pageOf(c)
	if !ok {
		return
	}
	rows, total, err := h.svc.AuditTrail(c.Request.Context(), c.Query("entity_type"), c.Query("entity_id"), p)
	if err != nil {
		fail(c, err)
		return
	}
	paged(c, rows, total, p)
}
