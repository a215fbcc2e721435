package circulation

import (
	"time"

	"github.com/go-playground/validator/v10"

	"LIBRA-backend/internal/library/entity"
	"LIBRA-backend/internal/platform/errs"
)

var validate = validator.New()

func validateStruct(v any) error {
	if err := validate.Struct(v); err != nil {
		return errs.Invalid(err.Error())
	}
	return nil
}

// ===== リクエスト =====

type OpenLoanRequest struct {
	StudentID    string `json:"student_id"    validate:"required"`
	BookID       string `json:"book_id"       validate:"required"`
	DurationDays int    `json:"duration_days" validate:"gte=0,lte=365"`
}

// CheckoutRequest はカウンターで QR を読んだときの貸出
type CheckoutRequest struct {
	StudentQR    string `json:"student_qr"    validate:"required"`
	BookQR       string `json:"book_qr"       validate:"required"`
	DurationDays int    `json:"duration_days" validate:"gte=0,lte=365"`
}

type RenewRequest struct {
	ExtensionDays int `json:"extension_days" validate:"gte=0,lte=365"`
}

type CreateReservationRequest struct {
	StudentID    string `json:"student_id"    validate:"required"`
	TitleID      string `json:"title_id"      validate:"required"`
	DurationDays int    `json:"duration_days" validate:"gte=0,lte=365"`
}

type FulfillRequest struct {
	DurationDays int `json:"duration_days" validate:"gte=0,lte=365"`
}

type CancelRequest struct {
	Reason string `json:"reason" validate:"max=255"`
}

// ===== 読み取りモデル（派生値つき） =====

type LoanView struct {
	entity.Loan
	EffectiveStatus entity.LoanStatus `json:"effective_status"`
	IsOverdue       bool              `json:"is_overdue"`
	NeedsReminder   bool              `json:"needs_reminder"`
	DaysUntilDue    int               `json:"days_until_due"`
}

func NewLoanView(l entity.Loan, now time.Time) LoanView {
	v := LoanView{
		Loan:            l,
		EffectiveStatus: entity.EffectiveStatus(l, now),
		IsOverdue:       entity.IsOverdue(l, now),
		NeedsReminder:   entity.NeedsReminder(l, now),
	}
	if entity.IsOpen(l) {
		v.DaysUntilDue = entity.DaysUntilDue(l, now)
	}
	return v
}

func LoanViews(ls []entity.Loan, now time.Time) []LoanView {
	out := make([]LoanView, 0, len(ls))
	for _, l := range ls {
		out = append(out, NewLoanView(l, now))
	}
	return out
}

type ReservationView struct {
	entity.Reservation
	IsActive  bool `json:"is_active"`
	IsExpired bool `json:"is_expired"`
	IsHolding bool `json:"is_holding"`
}

func NewReservationView(r entity.Reservation, now time.Time) ReservationView {
	return ReservationView{
		Reservation: r,
		IsActive:    entity.IsReservationActive(r, now),
		IsExpired:   entity.IsReservationExpired(r, now),
		IsHolding:   entity.IsHolding(r, now),
	}
}

func ReservationViews(rs []entity.Reservation, now time.Time) []ReservationView {
	out := make([]ReservationView, 0, len(rs))
	for _, r := range rs {
		out = append(out, NewReservationView(r, now))
	}
	return out
}
