package circulation

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"LIBRA-backend/internal/library/entity"
	"LIBRA-backend/internal/platform/auth"
	"LIBRA-backend/internal/platform/errs"
)

type Handler struct {
	eng      *Engine
	notifier Notifier
}

// RegisterRoutes の notifier は POST /batch/reminders で使う
func RegisterRoutes(r gin.IRoutes, eng *Engine, notifier Notifier) {
	h := &Handler{eng: eng, notifier: notifier}
	staff := auth.RequireRole(entity.RoleAdmin, entity.RoleLibrarian)

	// 1. 貸出
	r.POST("/loans", h.Open)
	r.POST("/checkout", h.Checkout)
	r.POST("/loans/:loan_id/return", h.Return)
	r.POST("/loans/:loan_id/renew", h.Renew)
	r.POST("/loans/:loan_id/lost", staff, h.MarkLost)
	r.POST("/loans/:loan_id/reminders/:tier", h.MarkReminderSent)

	// 2. 予約
	r.POST("/reservations", h.CreateReservation)
	r.POST("/reservations/:reservation_id/fulfill", h.Fulfill)
	r.POST("/reservations/:reservation_id/cancel", h.Cancel)

	// 3. バッチ
	r.POST("/batch/sweep", staff, h.Sweep)
	r.POST("/batch/reminders", staff, h.DispatchReminders)
}

func fail(c *gin.Context, err error) {
	c.JSON(errs.HTTPStatus(err), errs.FromErr(err))
}

// bind は JSON を読んで validate タグを検査する。本文が空なら既定値のまま
func bind(c *gin.Context, dst any, optional bool) bool {
	if c.Request.ContentLength == 0 && optional {
		return true
	}
	if err := c.ShouldBindJSON(dst); err != nil {
		c.JSON(http.StatusBadRequest, errs.Body(errs.CodeValidation, "invalid json or missing required fields"))
		return false
	}
	if err := validateStruct(dst); err != nil {
		fail(c, err)
		return false
	}
	return true
}

// ---------- loans ----------

func (h *Handler) Open(c *gin.Context) {
	var req OpenLoanRequest
	if !bind(c, &req, false) {
		return
	}
	l, err := h.eng.Open(c.Request.Context(), auth.ActorFrom(c), req.StudentID, req.BookID, req.DurationDays)
	if err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusCreated, NewLoanView(l, h.eng.Now()))
}

func (h *Handler) Checkout(c *gin.Context) {
	var req CheckoutRequest
	if !bind(c, &req, false) {
		return
	}
	l, err := h.eng.OpenByQR(c.Request.Context(), auth.ActorFrom(c), req.StudentQR, req.BookQR, req.DurationDays)
	if err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusCreated, NewLoanView(l, h.eng.Now()))
}

func (h *Handler) Return(c *gin.Context) {
	res, err := h.eng.Return(c.Request.Context(), auth.ActorFrom(c), c.Param("loan_id"))
	if err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusOK, res)
}

func (h *Handler) Renew(c *gin.Context) {
	var req RenewRequest
	if !bind(c, &req, true) {
		return
	}
	l, err := h.eng.Renew(c.Request.Context(), auth.ActorFrom(c), c.Param("loan_id"), req.ExtensionDays)
	if err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusOK, NewLoanView(l, h.eng.Now()))
}

func (h *Handler) MarkLost(c *gin.Context) {
	l, err := h.eng.MarkLost(c.Request.Context(), auth.ActorFrom(c), c.Param("loan_id"))
	if err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusOK, NewLoanView(l, h.eng.Now()))
}

func (h *Handler) MarkReminderSent(c *gin.Context) {
	tier := entity.ReminderTier(c.Param("tier"))
	if err := h.eng.MarkReminderSent(c.Request.Context(), auth.ActorFrom(c), c.Param("loan_id"), tier); err != nil {
		fail(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

// ---------- reservations ----------

func (h *Handler) CreateReservation(c *gin.Context) {
	var req CreateReservationRequest
	if !bind(c, &req, false) {
		return
	}
	res, err := h.eng.CreateReservation(c.Request.Context(), auth.ActorFrom(c), req.StudentID, req.TitleID, req.DurationDays)
	if err != nil {
		fail(c, err)
		return
	}
	status := http.StatusOK
	if res.Created {
		status = http.StatusCreated
	}
	c.JSON(status, gin.H{
		"reservation": NewReservationView(res.Reservation, h.eng.Now()),
		"created":     res.Created,
	})
}

func (h *Handler) Fulfill(c *gin.Context) {
	var req FulfillRequest
	if !bind(c, &req, true) {
		return
	}
	l, err := h.eng.Fulfill(c.Request.Context(), auth.ActorFrom(c), c.Param("reservation_id"), req.DurationDays)
	if err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusCreated, NewLoanView(l, h.eng.Now()))
}

func (h *Handler) Cancel(c *gin.Context) {
	var req CancelRequest
	if !bind(c, &req, true) {
		return
	}
	r, err := h.eng.Cancel(c.Request.Context(), auth.ActorFrom(c), c.Param("reservation_id"), req.Reason)
	if err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusOK, NewReservationView(r, h.eng.Now()))
}

// ---------- batch ----------

func (h *Handler) Sweep(c *gin.Context) {
	res, err := h.eng.Sweep(c.Request.Context(), h.eng.Now())
	if err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusOK, res)
}

func (h *Handler) DispatchReminders(c *gin.Context) {
	res, err := h.eng.DispatchReminders(c.Request.Context(), h.notifier, h.eng.Now())
	if err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusOK, res)
}
