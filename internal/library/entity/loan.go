package entity

import (
	"math"
	"time"

	"LIBRA-backend/internal/platform/errs"
)

type LoanStatus string

const (
	LoanActive   LoanStatus = "Active"
	LoanReturned LoanStatus = "Returned"
	// LoanOverdue は読み取り時の派生値。DB には書き込まない
	LoanOverdue LoanStatus = "Overdue"
	LoanLost    LoanStatus = "Lost"
	LoanRenewed LoanStatus = "Renewed"
)

// OpenLoanStatuses はコピーを占有している貸出の状態
var OpenLoanStatuses = []LoanStatus{LoanActive, LoanRenewed}

// ReminderLeadDays 返却期限の何日前からリマインド対象にするか
const ReminderLeadDays = 3

type Loan struct {
	Base
	StudentID  string     `db:"student_id"  json:"student_id"`
	BookID     string     `db:"book_id"     json:"book_id"`
	BorrowedAt time.Time  `db:"borrowed_at" json:"borrowed_at"`
	DueDate    time.Time  `db:"due_date"    json:"due_date"`
	ReturnedAt *time.Time `db:"returned_at" json:"returned_at,omitempty"`
	Status     LoanStatus `db:"status"      json:"status"`
	RenewCount int        `db:"renew_count" json:"renew_count"`

	// リマインド送信済みフラグ（false→true の一方向）
	FirstReminderSent  bool `db:"first_reminder_sent"  json:"first_reminder_sent"`
	SecondReminderSent bool `db:"second_reminder_sent" json:"second_reminder_sent"`
	OverdueNoticeSent  bool `db:"overdue_notice_sent"  json:"overdue_notice_sent"`
}

func (Loan) TableName() string  { return "loans" }
func (Loan) EntityType() string { return TypeLoan }

// IsOpen はコピーを占有中か（Active または Renewed）
func IsOpen(l Loan) bool {
	return l.Status == LoanActive || l.Status == LoanRenewed
}

func IsOverdue(l Loan, now time.Time) bool {
	return IsOpen(l) && l.DueDate.Before(now)
}

// DaysUntilDue は期限までの日数（切り捨て）。期限超過なら負
func DaysUntilDue(l Loan, now time.Time) int {
	return int(math.Floor(l.DueDate.Sub(now).Hours() / 24))
}

func NeedsReminder(l Loan, now time.Time) bool {
	return IsOpen(l) && DaysUntilDue(l, now) <= ReminderLeadDays
}

// EffectiveStatus は表示用の状態。期限超過の貸出は Overdue として返す
func EffectiveStatus(l Loan, now time.Time) LoanStatus {
	if IsOverdue(l, now) {
		return LoanOverdue
	}
	return l.Status
}

type ReminderTier string

const (
	ReminderFirst   ReminderTier = "first"
	ReminderSecond  ReminderTier = "second"
	ReminderOverdue ReminderTier = "overdue"
)

func (t ReminderTier) Valid() bool {
	return t == ReminderFirst || t == ReminderSecond || t == ReminderOverdue
}

// Column は送信済みフラグの列名
func (t ReminderTier) Column() string {
	switch t {
	case ReminderFirst:
		return "first_reminder_sent"
	case ReminderSecond:
		return "second_reminder_sent"
	case ReminderOverdue:
		return "overdue_notice_sent"
	}
	return ""
}

func ReminderSent(l Loan, t ReminderTier) bool {
	switch t {
	case ReminderFirst:
		return l.FirstReminderSent
	case ReminderSecond:
		return l.SecondReminderSent
	case ReminderOverdue:
		return l.OverdueNoticeSent
	}
	return false
}

// DueReminder は今送るべき未送信のリマインド段階を返す。
// 期限超過 > 前日 > 3日前 の順に一番重いものを選ぶ
func DueReminder(l Loan, now time.Time) (ReminderTier, bool) {
	return DueReminderWithin(l, now, ReminderLeadDays)
}

// DueReminderWithin は初回リマインドの開始日数を leadDays に変えた DueReminder
func DueReminderWithin(l Loan, now time.Time, leadDays int) (ReminderTier, bool) {
	if !IsOpen(l) || DaysUntilDue(l, now) > leadDays {
		return "", false
	}
	var tier ReminderTier
	switch days := DaysUntilDue(l, now); {
	case IsOverdue(l, now):
		tier = ReminderOverdue
	case days <= 1:
		tier = ReminderSecond
	default:
		tier = ReminderFirst
	}
	if ReminderSent(l, tier) {
		return "", false
	}
	return tier, true
}

// ValidateLoan は日付の前後関係を検査する
func ValidateLoan(l Loan) error {
	if l.DueDate.Before(l.BorrowedAt) {
		return errs.Invalid("due_date must not be before borrowed_at")
	}
	if l.ReturnedAt != nil && l.ReturnedAt.Before(l.BorrowedAt) {
		return errs.Invalid("returned_at must not be before borrowed_at")
	}
	return nil
}
