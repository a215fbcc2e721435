package entity

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"LIBRA-backend/internal/platform/errs"
)

func day(y int, m time.Month, d int) time.Time {
	return time.Date(y, m, d, 9, 0, 0, 0, time.UTC)
}

func TestIsOverdueIsDerived(t *testing.T) {
	l := Loan{
		BorrowedAt: day(2024, 1, 1),
		DueDate:    day(2024, 1, 10),
		Status:     LoanActive,
	}
	now := day(2024, 1, 15)

	assert.True(t, IsOverdue(l, now))
	assert.Equal(t, LoanOverdue, EffectiveStatus(l, now))
	// 派生値なので元の状態は変わらない
	assert.Equal(t, LoanActive, l.Status)

	assert.False(t, IsOverdue(l, day(2024, 1, 9)))

	l.Status = LoanReturned
	assert.False(t, IsOverdue(l, now))
	assert.Equal(t, LoanReturned, EffectiveStatus(l, now))
}

func TestRenewedLoanCanBeOverdue(t *testing.T) {
	l := Loan{DueDate: day(2024, 1, 10), Status: LoanRenewed}
	assert.True(t, IsOverdue(l, day(2024, 1, 11)))
}

func TestNeedsReminder(t *testing.T) {
	l := Loan{DueDate: day(2024, 3, 10), Status: LoanActive}

	assert.False(t, NeedsReminder(l, day(2024, 3, 5)))
	assert.True(t, NeedsReminder(l, day(2024, 3, 7)))
	assert.True(t, NeedsReminder(l, day(2024, 3, 12)))

	l.Status = LoanLost
	assert.False(t, NeedsReminder(l, day(2024, 3, 9)))
}

func TestDueReminderTiers(t *testing.T) {
	l := Loan{DueDate: day(2024, 3, 10), Status: LoanActive}

	tier, ok := DueReminder(l, day(2024, 3, 7))
	require.True(t, ok)
	assert.Equal(t, ReminderFirst, tier)

	tier, ok = DueReminder(l, day(2024, 3, 9))
	require.True(t, ok)
	assert.Equal(t, ReminderSecond, tier)

	tier, ok = DueReminder(l, day(2024, 3, 11))
	require.True(t, ok)
	assert.Equal(t, ReminderOverdue, tier)

	l.OverdueNoticeSent = true
	_, ok = DueReminder(l, day(2024, 3, 11))
	assert.False(t, ok)

	_, ok = DueReminder(l, day(2024, 3, 1))
	assert.False(t, ok)
}

func TestValidateLoan(t *testing.T) {
	borrowed := day(2024, 1, 1)
	assert.NoError(t, ValidateLoan(Loan{BorrowedAt: borrowed, DueDate: borrowed}))

	err := ValidateLoan(Loan{BorrowedAt: borrowed, DueDate: borrowed.Add(-time.Hour)})
	assert.Equal(t, errs.CodeValidation, errs.CodeOf(err))

	early := borrowed.Add(-time.Minute)
	err = ValidateLoan(Loan{BorrowedAt: borrowed, DueDate: day(2024, 1, 14), ReturnedAt: &early})
	assert.Equal(t, errs.CodeValidation, errs.CodeOf(err))
}

func TestReservationPredicates(t *testing.T) {
	r := Reservation{ReservedAt: day(2024, 5, 1), ExpiresAt: day(2024, 5, 4)}
	require.NoError(t, ValidateReservation(r))

	assert.True(t, IsReservationActive(r, day(2024, 5, 2)))
	assert.True(t, IsWaiting(r, day(2024, 5, 2)))
	assert.False(t, IsReservationExpired(r, day(2024, 5, 2)))

	// ExpiresAt ちょうどで期限切れ
	assert.False(t, IsReservationActive(r, day(2024, 5, 4)))
	assert.True(t, IsReservationExpired(r, day(2024, 5, 4)))

	book := "B1"
	r.BookID = &book
	assert.True(t, IsHolding(r, day(2024, 5, 2)))

	cancelled := day(2024, 5, 2)
	r.CancelledAt = &cancelled
	assert.False(t, IsReservationActive(r, day(2024, 5, 3)))
	assert.False(t, IsReservationExpired(r, day(2024, 5, 10)))

	bad := Reservation{ReservedAt: day(2024, 5, 1), ExpiresAt: day(2024, 5, 1)}
	assert.Error(t, ValidateReservation(bad))
}

func TestConditionText(t *testing.T) {
	c, err := ParseCondition("fair")
	require.NoError(t, err)
	assert.Equal(t, ConditionFair, c)

	b, err := ConditionPoor.MarshalText()
	require.NoError(t, err)
	assert.Equal(t, "Poor", string(b))

	assert.Less(t, int(ConditionNew), int(ConditionPoor))
	_, err = ParseCondition("shiny")
	assert.Error(t, err)
}

func TestManualTransitions(t *testing.T) {
	assert.True(t, CanTransitionManually(CopyAvailable, CopyDamaged))
	assert.True(t, CanTransitionManually(CopyDamaged, CopyAvailable))
	assert.False(t, CanTransitionManually(CopyBorrowed, CopyAvailable))
	assert.False(t, CanTransitionManually(CopyReserved, CopyAvailable))
	assert.False(t, CanTransitionManually(CopyLost, CopyAvailable))
}

func TestDisplayName(t *testing.T) {
	assert.Equal(t, "Hana (2-B)", DisplayName(Student{FirstName: "Hana", ClassCode: "2-B"}))
	assert.Equal(t, "Hana", DisplayName(Student{FirstName: "Hana"}))
}
