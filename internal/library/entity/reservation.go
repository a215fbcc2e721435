package entity

import (
	"time"

	"LIBRA-backend/internal/platform/errs"
)

// 予約の終了理由
const (
	CancelReasonFulfilled = "fulfilled"
	CancelReasonByStudent = "cancelled"
)

// Reservation は書名単位の予約。BookID は取り置きしたコピー（未割当なら nil）
type Reservation struct {
	Base
	StudentID          string     `db:"student_id"          json:"student_id"`
	TitleID            string     `db:"title_id"            json:"title_id"`
	BookID             *string    `db:"book_id"             json:"book_id,omitempty"`
	ReservedAt         time.Time  `db:"reserved_at"         json:"reserved_at"`
	ExpiresAt          time.Time  `db:"expires_at"          json:"expires_at"`
	CancelledAt        *time.Time `db:"cancelled_at"        json:"cancelled_at,omitempty"`
	CancellationReason *string    `db:"cancellation_reason" json:"cancellation_reason,omitempty"`
	// Sweep が期限切れを確定させた時刻
	ExpiredAt  *time.Time `db:"expired_at"  json:"expired_at,omitempty"`
	IsNotified bool       `db:"is_notified" json:"is_notified"`
}

func (Reservation) TableName() string  { return "reservations" }
func (Reservation) EntityType() string { return TypeReservation }

func IsReservationActive(r Reservation, now time.Time) bool {
	return r.CancelledAt == nil && r.ExpiredAt == nil && now.Before(r.ExpiresAt)
}

func IsReservationExpired(r Reservation, now time.Time) bool {
	return r.CancelledAt == nil && (r.ExpiredAt != nil || !now.Before(r.ExpiresAt))
}

// IsHolding は有効な予約がコピーを取り置き中か
func IsHolding(r Reservation, now time.Time) bool {
	return IsReservationActive(r, now) && r.BookID != nil
}

// IsWaiting はコピーの返却待ち（未割当）か
func IsWaiting(r Reservation, now time.Time) bool {
	return IsReservationActive(r, now) && r.BookID == nil
}

func ValidateReservation(r Reservation) error {
	if !r.ExpiresAt.After(r.ReservedAt) {
		return errs.Invalid("expires_at must be after reserved_at")
	}
	return nil
}
