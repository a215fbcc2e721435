package circulation_test

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"LIBRA-backend/internal/library/audit"
	"LIBRA-backend/internal/library/catalog"
	"LIBRA-backend/internal/library/circulation"
	"LIBRA-backend/internal/library/entity"
	"LIBRA-backend/internal/library/settings"
	"LIBRA-backend/internal/library/storage"
	"LIBRA-backend/internal/library/students"
	"LIBRA-backend/internal/platform/clock"
	"LIBRA-backend/internal/platform/dbtest"
	"LIBRA-backend/internal/platform/errs"
	"LIBRA-backend/internal/platform/ids"
)

var (
	t0  = time.Date(2024, 1, 1, 8, 0, 0, 0, time.UTC)
	ctx = context.Background()
	sys = audit.System()
	day = 24 * time.Hour
)

type env struct {
	eng      *circulation.Engine
	cat      *catalog.Service
	students *students.Service
	settings *settings.Service
	store    storage.Store
	clock    *clock.Fixed
	metrics  *circulation.Metrics
}

func newEnv(t *testing.T) env {
	t.Helper()
	clk := clock.NewFixed(t0)
	s := dbtest.Open(t, clk)
	rec := audit.NewRecorder(clk, ids.ULID())
	set := settings.NewService(s, rec, 8, time.Minute, dbtest.Logger())
	m := circulation.NewMetrics(prometheus.NewRegistry())
	eng := circulation.NewEngine(s, rec, set, m, dbtest.Logger())
	cat := catalog.NewService(s, rec, nil, dbtest.Logger())
	cat.SetReleaseHook(eng)
	return env{
		eng:      eng,
		cat:      cat,
		students: students.NewService(s, rec, dbtest.Logger()),
		settings: set,
		store:    s,
		clock:    clk,
		metrics:  m,
	}
}

func (e env) student(t *testing.T, name string) entity.Student {
	t.Helper()
	st, err := e.students.Create(ctx, sys, students.CreateInput{FirstName: name, ClassCode: "3-A", QRCode: "STU-" + name})
	require.NoError(t, err)
	return st
}

// title は書名と n 冊のコピーを作る
func (e env) title(t *testing.T, name string, n int) (entity.BookTitle, []entity.Book) {
	t.Helper()
	bt, err := e.cat.CreateTitle(ctx, sys, catalog.TitleInput{Title: name, Author: "Author"})
	require.NoError(t, err)
	books := make([]entity.Book, 0, n)
	for i := 0; i < n; i++ {
		b, err := e.cat.AddCopy(ctx, sys, bt.ID, catalog.AddCopyInput{
			QRCode: fmt.Sprintf("%s-%d", name, i), Condition: entity.ConditionGood,
		})
		require.NoError(t, err)
		books = append(books, b)
	}
	return bt, books
}

func (e env) copyStatus(t *testing.T, id string) entity.CopyStatus {
	t.Helper()
	b, err := storage.Get[entity.Book](ctx, e.store, storage.Live, id)
	require.NoError(t, err)
	return b.Status
}

func (e env) reservation(t *testing.T, id string) entity.Reservation {
	t.Helper()
	r, err := storage.Get[entity.Reservation](ctx, e.store, storage.Live, id)
	require.NoError(t, err)
	return *r
}

func (e env) audits(t *testing.T, action string) int {
	t.Helper()
	n, err := storage.Count[entity.AuditLog](ctx, e.store, storage.WithDeleted,
		storage.Where(storage.Eq("action", action)))
	require.NoError(t, err)
	return n
}

func assertCode(t *testing.T, err error, code errs.Code, reason string) {
	t.Helper()
	require.Error(t, err)
	assert.Equal(t, code, errs.CodeOf(err), err.Error())
	if reason != "" {
		assert.Equal(t, reason, errs.ReasonOf(err))
	}
}

func TestOpenAndReturn(t *testing.T) {
	e := newEnv(t)
	st := e.student(t, "Aoi")
	_, books := e.title(t, "Momo", 1)

	l, err := e.eng.Open(ctx, sys, st.ID, books[0].ID, 0)
	require.NoError(t, err)
	assert.Equal(t, entity.LoanActive, l.Status)
	assert.True(t, l.BorrowedAt.Equal(t0))
	assert.True(t, l.DueDate.Equal(t0.Add(14*day)))
	assert.Equal(t, entity.CopyBorrowed, e.copyStatus(t, books[0].ID))
	assert.Equal(t, 1, e.audits(t, audit.ActionLoanOpen))

	e.clock.Advance(3 * day)
	res, err := e.eng.Return(ctx, sys, l.ID)
	require.NoError(t, err)
	assert.Equal(t, entity.LoanReturned, res.Loan.Status)
	require.NotNil(t, res.Loan.ReturnedAt)
	assert.True(t, res.Loan.ReturnedAt.Equal(t0.Add(3*day)))
	assert.Nil(t, res.HeldFor)
	assert.Equal(t, entity.CopyAvailable, res.Book.Status)
	assert.Equal(t, entity.CopyAvailable, e.copyStatus(t, books[0].ID))

	_, err = e.eng.Return(ctx, sys, l.ID)
	assertCode(t, err, errs.CodeInvalidState, errs.ReasonAlreadyReturned)

	_, err = e.eng.Return(ctx, sys, "missing")
	assertCode(t, err, errs.CodeNotFound, "")

	assert.Equal(t, 1.0, testutil.ToFloat64(e.metrics.Loans.WithLabelValues("opened")))
	assert.Equal(t, 1.0, testutil.ToFloat64(e.metrics.Loans.WithLabelValues("returned")))
}

func TestOpenRejectsUnavailableCopyWithoutWriting(t *testing.T) {
	e := newEnv(t)
	st := e.student(t, "Aoi")
	_, books := e.title(t, "Momo", 2)

	_, err := e.cat.SetCopyStatus(ctx, sys, books[0].ID, entity.CopyDamaged)
	require.NoError(t, err)
	_, err = e.eng.Open(ctx, sys, st.ID, books[0].ID, 0)
	assertCode(t, err, errs.CodeConflict, errs.ReasonCopyUnavailable)

	_, err = e.eng.Open(ctx, sys, "ghost", books[1].ID, 0)
	assertCode(t, err, errs.CodeNotFound, "")
	_, err = e.eng.Open(ctx, sys, st.ID, "ghost", 0)
	assertCode(t, err, errs.CodeNotFound, "")
	_, err = e.eng.Open(ctx, sys, st.ID, books[1].ID, -1)
	assertCode(t, err, errs.CodeValidation, "")

	inactive := false
	_, err = e.students.Update(ctx, sys, st.ID, students.UpdateInput{IsActive: &inactive})
	require.NoError(t, err)
	_, err = e.eng.Open(ctx, sys, st.ID, books[1].ID, 0)
	assertCode(t, err, errs.CodeInvalidState, errs.ReasonStudentInactive)

	n, err := storage.Count[entity.Loan](ctx, e.store, storage.WithDeleted, storage.Query{})
	require.NoError(t, err)
	assert.Zero(t, n)
	assert.Equal(t, entity.CopyAvailable, e.copyStatus(t, books[1].ID))
	assert.Zero(t, e.audits(t, audit.ActionLoanOpen))
	assert.Equal(t, 1.0, testutil.ToFloat64(e.metrics.Errors.WithLabelValues("open", string(errs.CodeConflict))))
}

func TestLoanLimitThenReturnFreesSlot(t *testing.T) {
	e := newEnv(t)
	st := e.student(t, "Aoi")
	_, books := e.title(t, "Momo", 4)

	var loans []entity.Loan
	for _, b := range books[:3] {
		l, err := e.eng.Open(ctx, sys, st.ID, b.ID, 0)
		require.NoError(t, err)
		loans = append(loans, l)
	}
	_, err := e.eng.Open(ctx, sys, st.ID, books[3].ID, 0)
	assertCode(t, err, errs.CodeLimitExceeded, errs.ReasonLoanLimitReached)
	assert.Equal(t, entity.CopyAvailable, e.copyStatus(t, books[3].ID))

	_, err = e.eng.Return(ctx, sys, loans[0].ID)
	require.NoError(t, err)
	_, err = e.eng.Open(ctx, sys, st.ID, books[3].ID, 0)
	require.NoError(t, err)
	assert.Equal(t, entity.CopyBorrowed, e.copyStatus(t, books[3].ID))
}

func TestLoanLimitFollowsSettings(t *testing.T) {
	e := newEnv(t)
	st := e.student(t, "Aoi")
	_, books := e.title(t, "Momo", 2)

	_, err := e.settings.Set(ctx, sys, settings.KeyMaxActiveLoansPerStudent, "1")
	require.NoError(t, err)
	_, err = e.eng.Open(ctx, sys, st.ID, books[0].ID, 0)
	require.NoError(t, err)
	_, err = e.eng.Open(ctx, sys, st.ID, books[1].ID, 0)
	assertCode(t, err, errs.CodeLimitExceeded, errs.ReasonLoanLimitReached)
}

func TestReturnHoldsCopyForOldestWaitingReservation(t *testing.T) {
	e := newEnv(t)
	a, b, c := e.student(t, "Aoi"), e.student(t, "Ren"), e.student(t, "Sora")
	bt, books := e.title(t, "Momo", 1)

	l, err := e.eng.Open(ctx, sys, a.ID, books[0].ID, 0)
	require.NoError(t, err)

	e.clock.Advance(time.Hour)
	rb, err := e.eng.CreateReservation(ctx, sys, b.ID, bt.ID, 0)
	require.NoError(t, err)
	require.True(t, rb.Created)
	assert.Nil(t, rb.Reservation.BookID)

	e.clock.Advance(time.Hour)
	rc, err := e.eng.CreateReservation(ctx, sys, c.ID, bt.ID, 0)
	require.NoError(t, err)

	// 待ちがあるので延長できない
	_, err = e.eng.Renew(ctx, sys, l.ID, 0)
	assertCode(t, err, errs.CodeConflict, errs.ReasonReservationPending)

	e.clock.Advance(day)
	res, err := e.eng.Return(ctx, sys, l.ID)
	require.NoError(t, err)
	require.NotNil(t, res.HeldFor)
	assert.Equal(t, rb.Reservation.ID, res.HeldFor.ID)
	assert.Equal(t, entity.CopyReserved, e.copyStatus(t, books[0].ID))

	held := e.reservation(t, rb.Reservation.ID)
	require.NotNil(t, held.BookID)
	assert.Equal(t, books[0].ID, *held.BookID)
	// 受け取り期間は取り置いた時点から数える
	assert.True(t, held.ExpiresAt.Equal(e.clock.Now().Add(3*day)))
	assert.Nil(t, e.reservation(t, rc.Reservation.ID).BookID)

	// 取り置きは他の生徒には貸せない
	_, err = e.eng.Open(ctx, sys, c.ID, books[0].ID, 0)
	assertCode(t, err, errs.CodeConflict, errs.ReasonCopyUnavailable)

	loan, err := e.eng.Fulfill(ctx, sys, rb.Reservation.ID, 0)
	require.NoError(t, err)
	assert.Equal(t, b.ID, loan.StudentID)
	assert.Equal(t, entity.CopyBorrowed, e.copyStatus(t, books[0].ID))

	done := e.reservation(t, rb.Reservation.ID)
	require.NotNil(t, done.CancelledAt)
	assert.Equal(t, entity.CancelReasonFulfilled, *done.CancellationReason)

	_, err = e.eng.Fulfill(ctx, sys, rb.Reservation.ID, 0)
	assertCode(t, err, errs.CodeConflict, errs.ReasonReservationCancelled)
	_, err = e.eng.Fulfill(ctx, sys, rc.Reservation.ID, 0)
	assertCode(t, err, errs.CodeInvalidState, errs.ReasonReservationNotHeld)

	assert.Equal(t, 1, e.audits(t, audit.ActionReservationHold))
	assert.Equal(t, 1, e.audits(t, audit.ActionReservationFulfill))
}

func TestReservedCopyPriority(t *testing.T) {
	e := newEnv(t)
	a, b := e.student(t, "Aoi"), e.student(t, "Ren")
	bt, books := e.title(t, "Momo", 1)

	res, err := e.eng.CreateReservation(ctx, sys, a.ID, bt.ID, 3)
	require.NoError(t, err)
	require.NotNil(t, res.Reservation.BookID)
	assert.Equal(t, books[0].ID, *res.Reservation.BookID)
	assert.True(t, res.Reservation.ExpiresAt.Equal(t0.Add(3*day)))
	assert.Equal(t, entity.CopyReserved, e.copyStatus(t, books[0].ID))

	_, err = e.eng.Open(ctx, sys, b.ID, books[0].ID, 0)
	assertCode(t, err, errs.CodeConflict, errs.ReasonCopyUnavailable)

	// 予約した本人が窓口で借りると受け取り扱い
	l, err := e.eng.Open(ctx, sys, a.ID, books[0].ID, 0)
	require.NoError(t, err)
	assert.Equal(t, a.ID, l.StudentID)
	assert.Equal(t, entity.CopyBorrowed, e.copyStatus(t, books[0].ID))
	assert.Equal(t, entity.CancelReasonFulfilled, *e.reservation(t, res.Reservation.ID).CancellationReason)
}

func TestCreateReservationRules(t *testing.T) {
	e := newEnv(t)
	st := e.student(t, "Aoi")
	bt, _ := e.title(t, "Momo", 1)

	first, err := e.eng.CreateReservation(ctx, sys, st.ID, bt.ID, 0)
	require.NoError(t, err)
	again, err := e.eng.CreateReservation(ctx, sys, st.ID, bt.ID, 0)
	require.NoError(t, err)
	assert.False(t, again.Created)
	assert.Equal(t, first.Reservation.ID, again.Reservation.ID)
	assert.Equal(t, 1, e.audits(t, audit.ActionReservationCreate))

	for _, name := range []string{"B", "C"} {
		other, _ := e.title(t, name, 1)
		_, err := e.eng.CreateReservation(ctx, sys, st.ID, other.ID, 0)
		require.NoError(t, err)
	}
	fourth, _ := e.title(t, "D", 1)
	_, err = e.eng.CreateReservation(ctx, sys, st.ID, fourth.ID, 0)
	assertCode(t, err, errs.CodeLimitExceeded, errs.ReasonReservationLimit)

	gone, books := e.title(t, "Gone", 1)
	_, err = e.cat.SetCopyStatus(ctx, sys, books[0].ID, entity.CopyLost)
	require.NoError(t, err)
	other := e.student(t, "Ren")
	_, err = e.eng.CreateReservation(ctx, sys, other.ID, gone.ID, 0)
	assertCode(t, err, errs.CodeInvalidState, errs.ReasonNoCirculatingCopies)

	_, err = e.eng.CreateReservation(ctx, sys, other.ID, "ghost", 0)
	assertCode(t, err, errs.CodeNotFound, "")
}

func TestCancelOnlyReservationReleasesCopy(t *testing.T) {
	e := newEnv(t)
	st := e.student(t, "Aoi")
	bt, books := e.title(t, "Momo", 1)

	res, err := e.eng.CreateReservation(ctx, sys, st.ID, bt.ID, 0)
	require.NoError(t, err)
	require.Equal(t, entity.CopyReserved, e.copyStatus(t, books[0].ID))

	r, err := e.eng.Cancel(ctx, sys, res.Reservation.ID, "")
	require.NoError(t, err)
	require.NotNil(t, r.CancelledAt)
	assert.Equal(t, entity.CancelReasonByStudent, *r.CancellationReason)
	assert.Equal(t, entity.CopyAvailable, e.copyStatus(t, books[0].ID))

	_, err = e.eng.Cancel(ctx, sys, res.Reservation.ID, "again")
	assertCode(t, err, errs.CodeConflict, errs.ReasonReservationCancelled)
}

func TestCancelPassesHeldCopyInOrder(t *testing.T) {
	e := newEnv(t)
	a, b, c := e.student(t, "Aoi"), e.student(t, "Ren"), e.student(t, "Sora")
	bt, books := e.title(t, "Momo", 1)

	ra, err := e.eng.CreateReservation(ctx, sys, a.ID, bt.ID, 0)
	require.NoError(t, err)
	e.clock.Advance(time.Minute)
	rb, err := e.eng.CreateReservation(ctx, sys, b.ID, bt.ID, 0)
	require.NoError(t, err)
	e.clock.Advance(time.Minute)
	rc, err := e.eng.CreateReservation(ctx, sys, c.ID, bt.ID, 0)
	require.NoError(t, err)

	e.clock.Advance(day)
	_, err = e.eng.Cancel(ctx, sys, ra.Reservation.ID, "changed mind")
	require.NoError(t, err)

	assert.Equal(t, entity.CopyReserved, e.copyStatus(t, books[0].ID))
	next := e.reservation(t, rb.Reservation.ID)
	require.NotNil(t, next.BookID)
	assert.Equal(t, books[0].ID, *next.BookID)
	assert.True(t, next.ExpiresAt.Equal(e.clock.Now().Add(3*day)))
	assert.Nil(t, e.reservation(t, rc.Reservation.ID).BookID)
}

func TestSweepIsIdempotent(t *testing.T) {
	e := newEnv(t)
	a, b := e.student(t, "Aoi"), e.student(t, "Ren")
	bt, books := e.title(t, "Momo", 1)

	ra, err := e.eng.CreateReservation(ctx, sys, a.ID, bt.ID, 0)
	require.NoError(t, err)
	e.clock.Advance(time.Hour)
	rb, err := e.eng.CreateReservation(ctx, sys, b.ID, bt.ID, 0)
	require.NoError(t, err)

	// ra だけが期限切れ
	e.clock.Set(t0.Add(3*day + 30*time.Minute))
	now := e.clock.Now()

	_, err = e.eng.Cancel(ctx, sys, ra.Reservation.ID, "")
	assertCode(t, err, errs.CodeInvalidState, errs.ReasonReservationExpired)

	res, err := e.eng.Sweep(ctx, now)
	require.NoError(t, err)
	assert.Equal(t, circulation.SweepResult{Expired: 1, PassedOn: 1}, res)

	snapshot := func() ([]entity.Reservation, entity.CopyStatus) {
		rs, err := storage.List[entity.Reservation](ctx, e.store, storage.WithDeleted,
			storage.Query{}.OrderBy(storage.Asc("id")))
		require.NoError(t, err)
		return rs, e.copyStatus(t, books[0].ID)
	}
	rs1, st1 := snapshot()

	res, err = e.eng.Sweep(ctx, now)
	require.NoError(t, err)
	assert.Equal(t, circulation.SweepResult{}, res)
	rs2, st2 := snapshot()
	assert.Equal(t, rs1, rs2)
	assert.Equal(t, st1, st2)

	expired := e.reservation(t, ra.Reservation.ID)
	require.NotNil(t, expired.ExpiredAt)
	assert.True(t, expired.IsNotified)
	assert.Nil(t, expired.CancelledAt)

	holder := e.reservation(t, rb.Reservation.ID)
	require.NotNil(t, holder.BookID)
	assert.Equal(t, entity.CopyReserved, st2)
	assert.Equal(t, 1, e.audits(t, audit.ActionReservationExpire))

	// 最後の予約も切れたらコピーは戻る
	e.clock.Set(holder.ExpiresAt)
	res, err = e.eng.Sweep(ctx, e.clock.Now())
	require.NoError(t, err)
	assert.Equal(t, circulation.SweepResult{Expired: 1, Released: 1}, res)
	assert.Equal(t, entity.CopyAvailable, e.copyStatus(t, books[0].ID))
}

func TestRenew(t *testing.T) {
	e := newEnv(t)
	st := e.student(t, "Aoi")
	_, books := e.title(t, "Momo", 1)
	l, err := e.eng.Open(ctx, sys, st.ID, books[0].ID, 7)
	require.NoError(t, err)

	r1, err := e.eng.Renew(ctx, sys, l.ID, 0)
	require.NoError(t, err)
	assert.Equal(t, entity.LoanRenewed, r1.Status)
	assert.Equal(t, 1, r1.RenewCount)
	assert.True(t, r1.DueDate.Equal(t0.Add(21*day)))

	r2, err := e.eng.Renew(ctx, sys, l.ID, 5)
	require.NoError(t, err)
	assert.True(t, r2.DueDate.Equal(t0.Add(26*day)))

	_, err = e.eng.Renew(ctx, sys, l.ID, 0)
	assertCode(t, err, errs.CodeLimitExceeded, errs.ReasonRenewalLimit)

	stored, err := storage.Get[entity.Loan](ctx, e.store, storage.Live, l.ID)
	require.NoError(t, err)
	assert.Equal(t, 2, stored.RenewCount)
	assert.True(t, stored.DueDate.Equal(r2.DueDate))

	// 延長中の貸出も Open の件数に入る
	assert.True(t, entity.IsOpen(*stored))
	res, err := e.eng.Return(ctx, sys, l.ID)
	require.NoError(t, err)
	assert.Equal(t, entity.LoanReturned, res.Loan.Status)
}

func TestRenewIgnoresBorrowersOwnReservation(t *testing.T) {
	e := newEnv(t)
	a, b := e.student(t, "Aoi"), e.student(t, "Ren")
	bt, books := e.title(t, "Momo", 1)
	l, err := e.eng.Open(ctx, sys, a.ID, books[0].ID, 0)
	require.NoError(t, err)

	own, err := e.eng.CreateReservation(ctx, sys, a.ID, bt.ID, 0)
	require.NoError(t, err)
	require.Nil(t, own.Reservation.BookID)

	r1, err := e.eng.Renew(ctx, sys, l.ID, 0)
	require.NoError(t, err)
	assert.Equal(t, 1, r1.RenewCount)

	_, err = e.eng.CreateReservation(ctx, sys, b.ID, bt.ID, 0)
	require.NoError(t, err)
	_, err = e.eng.Renew(ctx, sys, l.ID, 0)
	assertCode(t, err, errs.CodeConflict, errs.ReasonReservationPending)
}

func TestMarkLost(t *testing.T) {
	e := newEnv(t)
	st := e.student(t, "Aoi")
	_, books := e.title(t, "Momo", 1)
	l, err := e.eng.Open(ctx, sys, st.ID, books[0].ID, 0)
	require.NoError(t, err)

	lost, err := e.eng.MarkLost(ctx, sys, l.ID)
	require.NoError(t, err)
	assert.Equal(t, entity.LoanLost, lost.Status)
	assert.Nil(t, lost.ReturnedAt)
	assert.Equal(t, entity.CopyLost, e.copyStatus(t, books[0].ID))

	_, err = e.eng.Return(ctx, sys, l.ID)
	assertCode(t, err, errs.CodeInvalidState, errs.ReasonLoanLost)
	_, err = e.eng.Renew(ctx, sys, l.ID, 0)
	assertCode(t, err, errs.CodeInvalidState, errs.ReasonLoanLost)
	_, err = e.eng.MarkLost(ctx, sys, l.ID)
	assertCode(t, err, errs.CodeInvalidState, errs.ReasonLoanLost)
}

func TestOverdueIsDerivedWithoutWrites(t *testing.T) {
	e := newEnv(t)
	st := e.student(t, "Aoi")
	_, books := e.title(t, "Momo", 1)

	e.clock.Set(time.Date(2023, 12, 27, 0, 0, 0, 0, time.UTC))
	l, err := e.eng.Open(ctx, sys, st.ID, books[0].ID, 14)
	require.NoError(t, err)
	require.True(t, l.DueDate.Equal(time.Date(2024, 1, 10, 0, 0, 0, 0, time.UTC)))

	now := time.Date(2024, 1, 15, 0, 0, 0, 0, time.UTC)
	e.clock.Set(now)
	stored, err := storage.Get[entity.Loan](ctx, e.store, storage.Live, l.ID)
	require.NoError(t, err)

	assert.True(t, entity.IsOverdue(*stored, now))
	v := circulation.NewLoanView(*stored, now)
	assert.Equal(t, entity.LoanOverdue, v.EffectiveStatus)
	assert.True(t, v.IsOverdue)
	assert.Equal(t, -5, v.DaysUntilDue)

	// 保存値は Active のまま、更新もされていない
	assert.Equal(t, entity.LoanActive, stored.Status)
	assert.True(t, stored.UpdatedAt.Equal(l.UpdatedAt))
}

type recordingNotifier struct {
	mu  sync.Mutex
	got []circulation.Reminder
	err error
}

func (n *recordingNotifier) Send(ctx context.Context, r circulation.Reminder) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.err != nil {
		return n.err
	}
	n.got = append(n.got, r)
	return nil
}

func (n *recordingNotifier) tiers() map[string]entity.ReminderTier {
	out := map[string]entity.ReminderTier{}
	for _, r := range n.got {
		out[r.LoanID] = r.Tier
	}
	return out
}

func TestDispatchReminders(t *testing.T) {
	e := newEnv(t)
	st := e.student(t, "Aoi")
	_, books := e.title(t, "Momo", 3)

	var loans []entity.Loan
	for i, d := range []int{1, 2, 10} {
		l, err := e.eng.Open(ctx, sys, st.ID, books[i].ID, d)
		require.NoError(t, err)
		loans = append(loans, l)
	}

	n := &recordingNotifier{}
	res, err := e.eng.DispatchReminders(ctx, n, t0)
	require.NoError(t, err)
	assert.Equal(t, circulation.DispatchResult{Sent: 2}, res)
	assert.Equal(t, map[string]entity.ReminderTier{
		loans[0].ID: entity.ReminderSecond,
		loans[1].ID: entity.ReminderFirst,
	}, n.tiers())
	assert.Equal(t, "Aoi (3-A)", n.got[0].StudentName)
	assert.Equal(t, "Momo", n.got[0].Title)

	// 同じ段階は二度送らない
	n.got = nil
	res, err = e.eng.DispatchReminders(ctx, n, t0)
	require.NoError(t, err)
	assert.Zero(t, res.Sent)

	later := t0.Add(2 * day)
	res, err = e.eng.DispatchReminders(ctx, n, later)
	require.NoError(t, err)
	assert.Equal(t, 2, res.Sent)
	assert.Equal(t, map[string]entity.ReminderTier{
		loans[0].ID: entity.ReminderOverdue,
		loans[1].ID: entity.ReminderSecond,
	}, n.tiers())

	stored, err := storage.Get[entity.Loan](ctx, e.store, storage.Live, loans[0].ID)
	require.NoError(t, err)
	assert.True(t, stored.SecondReminderSent)
	assert.True(t, stored.OverdueNoticeSent)
	assert.False(t, stored.FirstReminderSent)
	assert.Equal(t, 4, e.audits(t, audit.ActionLoanReminder))
}

func TestDispatchRemindersKeepsFlagOnSendFailure(t *testing.T) {
	e := newEnv(t)
	st := e.student(t, "Aoi")
	_, books := e.title(t, "Momo", 1)
	l, err := e.eng.Open(ctx, sys, st.ID, books[0].ID, 2)
	require.NoError(t, err)

	res, err := e.eng.DispatchReminders(ctx, &recordingNotifier{err: errors.New("smtp down")}, t0)
	require.NoError(t, err)
	assert.Equal(t, circulation.DispatchResult{Failed: 1}, res)

	stored, err := storage.Get[entity.Loan](ctx, e.store, storage.Live, l.ID)
	require.NoError(t, err)
	assert.False(t, stored.FirstReminderSent)
	assert.Equal(t, 1.0, testutil.ToFloat64(e.metrics.Reminders.WithLabelValues("first", "failed")))
}

func TestMarkReminderSentOnce(t *testing.T) {
	e := newEnv(t)
	st := e.student(t, "Aoi")
	_, books := e.title(t, "Momo", 1)
	l, err := e.eng.Open(ctx, sys, st.ID, books[0].ID, 0)
	require.NoError(t, err)

	require.NoError(t, e.eng.MarkReminderSent(ctx, sys, l.ID, entity.ReminderFirst))
	err = e.eng.MarkReminderSent(ctx, sys, l.ID, entity.ReminderFirst)
	assertCode(t, err, errs.CodeConflict, errs.ReasonReminderAlreadySent)
	err = e.eng.MarkReminderSent(ctx, sys, l.ID, "third")
	assertCode(t, err, errs.CodeValidation, "")
}

func TestManualReleaseServesWaitingReservation(t *testing.T) {
	e := newEnv(t)
	st := e.student(t, "Aoi")
	bt, books := e.title(t, "Momo", 1)

	_, err := e.cat.SetCopyStatus(ctx, sys, books[0].ID, entity.CopyDamaged)
	require.NoError(t, err)
	res, err := e.eng.CreateReservation(ctx, sys, st.ID, bt.ID, 0)
	require.NoError(t, err)
	require.Nil(t, res.Reservation.BookID)

	b, err := e.cat.SetCopyStatus(ctx, sys, books[0].ID, entity.CopyAvailable)
	require.NoError(t, err)
	assert.Equal(t, entity.CopyReserved, b.Status)
	r := e.reservation(t, res.Reservation.ID)
	require.NotNil(t, r.BookID)
	assert.Equal(t, books[0].ID, *r.BookID)
}

func TestAddedCopyServesWaitingReservation(t *testing.T) {
	e := newEnv(t)
	a, c := e.student(t, "Aoi"), e.student(t, "Sora")
	bt, books := e.title(t, "Momo", 1)

	_, err := e.eng.Open(ctx, sys, c.ID, books[0].ID, 0)
	require.NoError(t, err)
	res, err := e.eng.CreateReservation(ctx, sys, a.ID, bt.ID, 0)
	require.NoError(t, err)
	require.Nil(t, res.Reservation.BookID)

	added, err := e.cat.AddCopy(ctx, sys, bt.ID, catalog.AddCopyInput{QRCode: "Momo-new", Condition: entity.ConditionNew})
	require.NoError(t, err)
	assert.Equal(t, entity.CopyReserved, added.Status)
	assert.Equal(t, entity.CopyReserved, e.copyStatus(t, added.ID))
	r := e.reservation(t, res.Reservation.ID)
	require.NotNil(t, r.BookID)
	assert.Equal(t, added.ID, *r.BookID)

	_, err = e.eng.Open(ctx, sys, c.ID, added.ID, 0)
	assertCode(t, err, errs.CodeConflict, errs.ReasonCopyUnavailable)
	n, err := e.cat.AvailableCopies(ctx, bt.ID)
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestRestoredCopyServesWaitingReservation(t *testing.T) {
	e := newEnv(t)
	a, c := e.student(t, "Aoi"), e.student(t, "Sora")
	bt, books := e.title(t, "Momo", 2)

	require.NoError(t, e.cat.DeleteCopy(ctx, sys, books[1].ID))
	_, err := e.eng.Open(ctx, sys, c.ID, books[0].ID, 0)
	require.NoError(t, err)
	res, err := e.eng.CreateReservation(ctx, sys, a.ID, bt.ID, 0)
	require.NoError(t, err)
	require.Nil(t, res.Reservation.BookID)

	require.NoError(t, e.cat.RestoreCopy(ctx, sys, books[1].ID))
	assert.Equal(t, entity.CopyReserved, e.copyStatus(t, books[1].ID))
	r := e.reservation(t, res.Reservation.ID)
	require.NotNil(t, r.BookID)
	assert.Equal(t, books[1].ID, *r.BookID)

	// 待ちが無ければ Available のまま
	_, other := e.title(t, "Kiki", 1)
	require.NoError(t, e.cat.DeleteCopy(ctx, sys, other[0].ID))
	require.NoError(t, e.cat.RestoreCopy(ctx, sys, other[0].ID))
	assert.Equal(t, entity.CopyAvailable, e.copyStatus(t, other[0].ID))
}

func TestOpenSettlesHoldExpiredBeforeSweep(t *testing.T) {
	e := newEnv(t)
	a, c := e.student(t, "Aoi"), e.student(t, "Sora")
	bt, books := e.title(t, "Momo", 1)

	res, err := e.eng.CreateReservation(ctx, sys, a.ID, bt.ID, 1)
	require.NoError(t, err)
	require.NotNil(t, res.Reservation.BookID)

	e.clock.Advance(3 * day)
	l, err := e.eng.Open(ctx, sys, c.ID, books[0].ID, 0)
	require.NoError(t, err)
	assert.Equal(t, c.ID, l.StudentID)
	assert.Equal(t, entity.CopyBorrowed, e.copyStatus(t, books[0].ID))

	expired := e.reservation(t, res.Reservation.ID)
	require.NotNil(t, expired.ExpiredAt)
	assert.True(t, expired.ExpiredAt.Equal(e.clock.Now()))
	assert.Equal(t, 1, e.audits(t, audit.ActionReservationExpire))
	assert.Equal(t, 1.0, testutil.ToFloat64(e.metrics.Reservations.WithLabelValues("expired")))

	// 後から来た Sweep は何もしない
	sw, err := e.eng.Sweep(ctx, e.clock.Now())
	require.NoError(t, err)
	assert.Equal(t, circulation.SweepResult{}, sw)
}

func TestOpenPassesExpiredHoldToNextInLine(t *testing.T) {
	e := newEnv(t)
	a, b, c := e.student(t, "Aoi"), e.student(t, "Ren"), e.student(t, "Sora")
	bt, books := e.title(t, "Momo", 1)

	ra, err := e.eng.CreateReservation(ctx, sys, a.ID, bt.ID, 1)
	require.NoError(t, err)
	e.clock.Advance(time.Hour)
	rb, err := e.eng.CreateReservation(ctx, sys, b.ID, bt.ID, 7)
	require.NoError(t, err)
	require.Nil(t, rb.Reservation.BookID)

	// 次の待ちに回るので c には貸せない
	e.clock.Advance(3 * day)
	_, err = e.eng.Open(ctx, sys, c.ID, books[0].ID, 0)
	assertCode(t, err, errs.CodeConflict, errs.ReasonCopyUnavailable)
	assert.Equal(t, entity.CopyReserved, e.copyStatus(t, books[0].ID))

	l, err := e.eng.Open(ctx, sys, b.ID, books[0].ID, 0)
	require.NoError(t, err)
	assert.Equal(t, b.ID, l.StudentID)
	assert.Equal(t, entity.CopyBorrowed, e.copyStatus(t, books[0].ID))

	require.NotNil(t, e.reservation(t, ra.Reservation.ID).ExpiredAt)
	done := e.reservation(t, rb.Reservation.ID)
	require.NotNil(t, done.CancellationReason)
	assert.Equal(t, entity.CancelReasonFulfilled, *done.CancellationReason)
}

func TestCreateReservationSettlesExpiredHold(t *testing.T) {
	e := newEnv(t)
	a, c := e.student(t, "Aoi"), e.student(t, "Sora")
	bt, books := e.title(t, "Momo", 1)

	ra, err := e.eng.CreateReservation(ctx, sys, a.ID, bt.ID, 1)
	require.NoError(t, err)

	e.clock.Advance(3 * day)
	rc, err := e.eng.CreateReservation(ctx, sys, c.ID, bt.ID, 0)
	require.NoError(t, err)
	require.NotNil(t, rc.Reservation.BookID)
	assert.Equal(t, books[0].ID, *rc.Reservation.BookID)
	require.NotNil(t, e.reservation(t, ra.Reservation.ID).ExpiredAt)
}

func TestDeleteTitleRefusesActiveReservations(t *testing.T) {
	e := newEnv(t)
	a := e.student(t, "Aoi")
	bt, books := e.title(t, "Momo", 1)

	_, err := e.cat.SetCopyStatus(ctx, sys, books[0].ID, entity.CopyDamaged)
	require.NoError(t, err)
	res, err := e.eng.CreateReservation(ctx, sys, a.ID, bt.ID, 0)
	require.NoError(t, err)
	require.Nil(t, res.Reservation.BookID)

	err = e.cat.DeleteTitle(ctx, sys, bt.ID)
	assertCode(t, err, errs.CodeInvalidState, errs.ReasonStatusTransition)

	_, err = e.eng.Cancel(ctx, sys, res.Reservation.ID, "")
	require.NoError(t, err)
	require.NoError(t, e.cat.DeleteTitle(ctx, sys, bt.ID))
}

func TestDeletedTitleCopiesAreNotLoanable(t *testing.T) {
	e := newEnv(t)
	a := e.student(t, "Aoi")
	bt, books := e.title(t, "Momo", 2)

	require.NoError(t, e.cat.DeleteTitle(ctx, sys, bt.ID))
	n, err := e.cat.AvailableCopies(ctx, bt.ID)
	require.NoError(t, err)
	assert.Zero(t, n)
	_, ok, err := e.cat.BestAvailableCopy(ctx, bt.ID)
	require.NoError(t, err)
	assert.False(t, ok)

	_, err = e.eng.Open(ctx, sys, a.ID, books[0].ID, 0)
	assertCode(t, err, errs.CodeNotFound, "")
	_, err = e.eng.OpenByQR(ctx, sys, "STU-Aoi", books[1].QRCode, 0)
	assertCode(t, err, errs.CodeNotFound, "")
	_, err = e.eng.CreateReservation(ctx, sys, a.ID, bt.ID, 0)
	assertCode(t, err, errs.CodeNotFound, "")
	assert.Equal(t, entity.CopyAvailable, e.copyStatus(t, books[0].ID))

	require.NoError(t, e.cat.RestoreTitle(ctx, sys, bt.ID))
	_, err = e.eng.Open(ctx, sys, a.ID, books[0].ID, 0)
	require.NoError(t, err)
}

func TestOpenByQR(t *testing.T) {
	e := newEnv(t)
	st := e.student(t, "Aoi")
	_, books := e.title(t, "Momo", 1)

	l, err := e.eng.OpenByQR(ctx, sys, " STU-Aoi ", books[0].QRCode, 0)
	require.NoError(t, err)
	assert.Equal(t, st.ID, l.StudentID)

	_, err = e.eng.OpenByQR(ctx, sys, "STU-nobody", books[0].QRCode, 0)
	assertCode(t, err, errs.CodeNotFound, "")
}

func TestConcurrentOpenOfOneCopy(t *testing.T) {
	e := newEnv(t)
	_, books := e.title(t, "Momo", 1)
	const n = 8
	studs := make([]entity.Student, n)
	for i := range studs {
		studs[i] = e.student(t, fmt.Sprintf("S%d", i))
	}

	var (
		wg   sync.WaitGroup
		errc = make(chan error, n)
	)
	for _, st := range studs {
		wg.Add(1)
		go func(id string) {
			defer wg.Done()
			_, err := e.eng.Open(ctx, sys, id, books[0].ID, 0)
			errc <- err
		}(st.ID)
	}
	wg.Wait()
	close(errc)

	ok := 0
	for err := range errc {
		if err == nil {
			ok++
			continue
		}
		assert.Equal(t, errs.CodeConflict, errs.CodeOf(err), err.Error())
	}
	assert.Equal(t, 1, ok)

	open, err := storage.Count[entity.Loan](ctx, e.store, storage.Live,
		storage.Where(storage.Eq("book_id", books[0].ID), storage.In("status", entity.OpenLoanStatuses...)))
	require.NoError(t, err)
	assert.Equal(t, 1, open)
}

func TestConcurrentOpenRespectsLoanLimit(t *testing.T) {
	e := newEnv(t)
	st := e.student(t, "Aoi")
	_, books := e.title(t, "Momo", 6)

	var wg sync.WaitGroup
	for _, b := range books {
		wg.Add(1)
		go func(id string) {
			defer wg.Done()
			_, _ = e.eng.Open(ctx, sys, st.ID, id, 0)
		}(b.ID)
	}
	wg.Wait()

	open, err := storage.Count[entity.Loan](ctx, e.store, storage.Live,
		storage.Where(storage.Eq("student_id", st.ID)))
	require.NoError(t, err)
	assert.LessOrEqual(t, open, 3)
	assert.Positive(t, open)
}

func TestLoanDatesAreConsistent(t *testing.T) {
	e := newEnv(t)
	a, b := e.student(t, "Aoi"), e.student(t, "Ren")
	bt, books := e.title(t, "Momo", 2)

	l1, err := e.eng.Open(ctx, sys, a.ID, books[0].ID, 0)
	require.NoError(t, err)
	_, err = e.eng.CreateReservation(ctx, sys, b.ID, bt.ID, 0)
	require.NoError(t, err)
	e.clock.Advance(2 * day)
	_, err = e.eng.Return(ctx, sys, l1.ID)
	require.NoError(t, err)
	l2, err := e.eng.Open(ctx, sys, a.ID, books[0].ID, 0)
	require.NoError(t, err)
	_, err = e.eng.Renew(ctx, sys, l2.ID, 3)
	require.NoError(t, err)

	loans, err := storage.List[entity.Loan](ctx, e.store, storage.WithDeleted, storage.Query{})
	require.NoError(t, err)
	require.NotEmpty(t, loans)
	for _, l := range loans {
		assert.NoError(t, entity.ValidateLoan(l))
		assert.False(t, l.DueDate.Before(l.BorrowedAt))
		if l.ReturnedAt != nil {
			assert.False(t, l.ReturnedAt.Before(l.BorrowedAt))
		}
	}
}

func TestConcurrentReserveAndOpenOfLastCopy(t *testing.T) {
	for round := 0; round < 6; round++ {
		e := newEnv(t)
		a, c := e.student(t, "Aoi"), e.student(t, "Sora")
		bt, books := e.title(t, "Momo", 1)

		var (
			wg                  sync.WaitGroup
			reserveErr, openErr error
			res                 circulation.CreateResult
		)
		wg.Add(2)
		go func() {
			defer wg.Done()
			res, reserveErr = e.eng.CreateReservation(ctx, sys, a.ID, bt.ID, 0)
		}()
		go func() {
			defer wg.Done()
			_, openErr = e.eng.Open(ctx, sys, c.ID, books[0].ID, 0)
		}()
		wg.Wait()

		for _, err := range []error{reserveErr, openErr} {
			if err != nil {
				assert.Equal(t, errs.CodeConflict, errs.CodeOf(err), err.Error())
			}
		}
		require.False(t, reserveErr != nil && openErr != nil, "both operations failed")

		loans, err := storage.Count[entity.Loan](ctx, e.store, storage.Live,
			storage.Where(storage.Eq("book_id", books[0].ID), storage.In("status", entity.OpenLoanStatuses...)))
		require.NoError(t, err)
		holds, err := storage.Count[entity.Reservation](ctx, e.store, storage.Live,
			storage.Where(storage.Eq("book_id", books[0].ID), storage.IsNull("cancelled_at"), storage.IsNull("expired_at")))
		require.NoError(t, err)

		switch e.copyStatus(t, books[0].ID) {
		case entity.CopyBorrowed:
			assert.NoError(t, openErr)
			assert.Equal(t, 1, loans)
			assert.Zero(t, holds)
			if reserveErr == nil {
				assert.Nil(t, e.reservation(t, res.Reservation.ID).BookID)
			}
		case entity.CopyReserved:
			require.NoError(t, reserveErr)
			assertCode(t, openErr, errs.CodeConflict, errs.ReasonCopyUnavailable)
			assert.Zero(t, loans)
			assert.Equal(t, 1, holds)
			held := e.reservation(t, res.Reservation.ID)
			require.NotNil(t, held.BookID)
			assert.Equal(t, books[0].ID, *held.BookID)
		default:
			t.Fatalf("round %d: copy left %s", round, e.copyStatus(t, books[0].ID))
		}
	}
}

func TestConcurrentSweepAndCancelCloseOnce(t *testing.T) {
	for round := 0; round < 6; round++ {
		e := newEnv(t)
		a, b := e.student(t, "Aoi"), e.student(t, "Ren")
		bt, books := e.title(t, "Momo", 1)

		ra, err := e.eng.CreateReservation(ctx, sys, a.ID, bt.ID, 1)
		require.NoError(t, err)
		require.NotNil(t, ra.Reservation.BookID)
		e.clock.Advance(time.Hour)
		rb, err := e.eng.CreateReservation(ctx, sys, b.ID, bt.ID, 5)
		require.NoError(t, err)
		require.Nil(t, rb.Reservation.BookID)
		holdsBefore := e.audits(t, audit.ActionReservationHold)

		// Cancel から見ると ra はまだ有効、Sweep から見ると期限切れ
		e.clock.Set(t0.Add(12 * time.Hour))
		var (
			wg        sync.WaitGroup
			sw        circulation.SweepResult
			sweepErr  error
			cancelErr error
		)
		wg.Add(2)
		go func() {
			defer wg.Done()
			sw, sweepErr = e.eng.Sweep(ctx, t0.Add(2*day))
		}()
		go func() {
			defer wg.Done()
			_, cancelErr = e.eng.Cancel(ctx, sys, ra.Reservation.ID, "")
		}()
		wg.Wait()

		require.NoError(t, sweepErr)
		closed := e.reservation(t, ra.Reservation.ID)
		if cancelErr == nil {
			assert.Zero(t, sw.Expired, "round %d", round)
			require.NotNil(t, closed.CancelledAt)
			assert.Nil(t, closed.ExpiredAt)
		} else {
			assert.Contains(t, []errs.Code{errs.CodeConflict, errs.CodeInvalidState}, errs.CodeOf(cancelErr), cancelErr.Error())
			assert.Equal(t, circulation.SweepResult{Expired: 1, PassedOn: 1}, sw, "round %d", round)
			require.NotNil(t, closed.ExpiredAt)
			assert.Nil(t, closed.CancelledAt)
		}

		held := e.reservation(t, rb.Reservation.ID)
		require.NotNil(t, held.BookID)
		assert.Equal(t, books[0].ID, *held.BookID)
		assert.Equal(t, entity.CopyReserved, e.copyStatus(t, books[0].ID))
		assert.Equal(t, holdsBefore+1, e.audits(t, audit.ActionReservationHold))
	}
}
