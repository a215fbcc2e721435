package circulation

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"time"

	"LIBRA-backend/internal/library/audit"
	"LIBRA-backend/internal/library/catalog"
	"LIBRA-backend/internal/library/entity"
	"LIBRA-backend/internal/library/storage"
	"LIBRA-backend/internal/platform/errs"
)

const maxReasonLen = 255

// 有効な（取消・期限切れ処理前の）予約
func unsettled() []storage.Cond {
	return []storage.Cond{storage.IsNull("cancelled_at"), storage.IsNull("expired_at")}
}

func activeAt(now time.Time, conds ...storage.Cond) storage.Query {
	return storage.Where(append(unsettled(), storage.Gt("expires_at", now))...).And(conds...)
}

// waitingFor は書名の返却待ち。先に予約した順（同時刻なら id 順）
func waitingFor(titleID string, now time.Time) storage.Query {
	return activeAt(now, storage.Eq("title_id", titleID), storage.IsNull("book_id")).
		OrderBy(storage.Asc("reserved_at"), storage.Asc("id"))
}

// holderOf はコピーを取り置いている予約
func holderOf(ctx context.Context, q storage.Querier, bookID string) (*entity.Reservation, bool, error) {
	r, found, err := storage.FindFirst[entity.Reservation](ctx, q, storage.Live,
		storage.Where(append(unsettled(), storage.Eq("book_id", bookID))...))
	if err != nil {
		return nil, false, storage.Translate(err, "reservation")
	}
	return r, found, nil
}

// expire は期限切れの予約に expired_at を記録し、取り置き中のコピーがあれば次の返却待ちへ回す。
// 同時の Cancel などで閉じられていれば expired は false
func (e *Engine) expire(ctx context.Context, q storage.Querier, actor audit.Actor, r entity.Reservation, holdDays int, now time.Time) (expired bool, next *entity.Reservation, err error) {
	n, err := storage.Update[entity.Reservation](ctx, q, storage.Live, r.ID,
		storage.Set{"expired_at": now, "is_notified": true},
		unsettled()...)
	if err != nil {
		return false, nil, storage.Translate(err, "reservation")
	}
	if n == 0 {
		return false, nil, nil
	}
	details := map[string]any{"expires_at": r.ExpiresAt}
	if r.BookID != nil {
		b, err := getCopy(ctx, q, *r.BookID)
		if err != nil {
			return false, nil, err
		}
		if next, err = e.handOff(ctx, q, actor, b, entity.CopyReserved, holdDays, now); err != nil {
			return false, nil, err
		}
		details["book_id"] = b.ID
		if next != nil {
			details["passed_to"] = next.ID
		}
	}
	if err := e.rec.Record(ctx, q, actor, audit.ActionReservationExpire, entity.TypeReservation, r.ID, details); err != nil {
		return false, nil, err
	}
	e.metrics.Reservations.WithLabelValues("expired").Inc()
	return true, next, nil
}

// settleStaleHolds は Sweep 前に期限の切れた取り置きをその場で解く。
// conds で対象（コピーまたは書名）を絞る
func (e *Engine) settleStaleHolds(ctx context.Context, q storage.Querier, holdDays int, now time.Time, conds ...storage.Cond) error {
	stale, err := storage.List[entity.Reservation](ctx, q, storage.Live,
		storage.Where(append(unsettled(), storage.NotNull("book_id"), storage.Lte("expires_at", now))...).
			And(conds...).
			OrderBy(storage.Asc("expires_at"), storage.Asc("id")))
	if err != nil {
		return storage.Translate(err, "reservation")
	}
	for _, r := range stale {
		if _, _, err := e.expire(ctx, q, audit.System(), r, holdDays, now); err != nil {
			return err
		}
	}
	return nil
}

// handOff は手放されたコピー（状態 from）を書名の先頭の返却待ちに取り置く。
// 待ちが無ければ Available に戻す。b の Status は書き換える
func (e *Engine) handOff(ctx context.Context, q storage.Querier, actor audit.Actor, b *entity.Book, from entity.CopyStatus, holdDays int, now time.Time) (*entity.Reservation, error) {
	next, found, err := storage.FindFirst[entity.Reservation](ctx, q, storage.Live, waitingFor(b.TitleID, now))
	if err != nil {
		return nil, storage.Translate(err, "reservation")
	}
	if !found {
		if from != entity.CopyAvailable {
			if err := moveCopy(ctx, q, b.ID, from, entity.CopyAvailable); err != nil {
				return nil, err
			}
		}
		b.Status = entity.CopyAvailable
		return nil, nil
	}

	if err := moveCopy(ctx, q, b.ID, from, entity.CopyReserved); err != nil {
		return nil, err
	}
	b.Status = entity.CopyReserved

	// 取り置きから受け取りまで最低 holdDays は残す
	expires := next.ExpiresAt
	if pickup := now.AddDate(0, 0, holdDays); pickup.After(expires) {
		expires = pickup
	}
	n, err := storage.Update[entity.Reservation](ctx, q, storage.Live, next.ID,
		storage.Set{"book_id": b.ID, "expires_at": expires},
		append(unsettled(), storage.IsNull("book_id"))...)
	if err != nil {
		return nil, storage.Translate(err, "reservation")
	}
	if n == 0 {
		return nil, errs.Conflict(errs.ReasonConcurrentUpdate, "reservation changed concurrently")
	}
	next.BookID, next.ExpiresAt, next.UpdatedAt = &b.ID, expires, now
	if err := e.rec.Record(ctx, q, actor, audit.ActionReservationHold, entity.TypeReservation, next.ID,
		map[string]any{"book_id": b.ID, "expires_at": expires}); err != nil {
		return nil, err
	}
	e.metrics.Reservations.WithLabelValues("held").Inc()
	return next, nil
}

// CopyReleased はコピーが手動で Available に戻ったときに返却待ちへ回す（catalog.ReleaseHook）
func (e *Engine) CopyReleased(ctx context.Context, q storage.Querier, actor audit.Actor, b entity.Book) error {
	cfg, err := e.current(ctx)
	if err != nil {
		return err
	}
	_, err = e.handOff(ctx, q, actor, &b, entity.CopyAvailable, cfg.ReservationDurationDays, e.Now())
	return err
}

var _ catalog.ReleaseHook = (*Engine)(nil)

type CreateResult struct {
	Reservation entity.Reservation `json:"reservation"`
	// Created が false なら既存の有効な予約を返している
	Created bool `json:"created"`
}

// CreateReservation は書名を予約する。貸出可能なコピーがあれば一番良いものをすぐ取り置く
func (e *Engine) CreateReservation(ctx context.Context, actor audit.Actor, studentID, titleID string, durationDays int) (CreateResult, error) {
	cfg, err := e.current(ctx)
	if err != nil {
		return CreateResult{}, e.failed(opReserve, err)
	}
	d, err := days(durationDays, cfg.ReservationDurationDays)
	if err != nil {
		return CreateResult{}, e.failed(opReserve, err)
	}

	var out CreateResult
	err = e.store.InTx(ctx, func(ctx context.Context, q storage.Querier) error {
		if err := lockStudent(ctx, q, studentID); err != nil {
			return err
		}
		if _, err := storage.Get[entity.BookTitle](ctx, q, storage.Live, titleID); err != nil {
			return storage.Translate(err, "book title")
		}
		now := e.Now()

		if err := e.settleStaleHolds(ctx, q, cfg.ReservationDurationDays, now, storage.Eq("title_id", titleID)); err != nil {
			return err
		}

		existing, found, err := storage.FindFirst[entity.Reservation](ctx, q, storage.Live,
			activeAt(now, storage.Eq("student_id", studentID), storage.Eq("title_id", titleID)))
		if err != nil {
			return storage.Translate(err, "reservation")
		}
		if found {
			out = CreateResult{Reservation: *existing}
			return nil
		}

		circulating, err := catalog.CirculatingCopies(ctx, q, titleID)
		if err != nil {
			return err
		}
		if circulating == 0 {
			return errs.InvalidState(errs.ReasonNoCirculatingCopies, "title has no copies in circulation")
		}
		active, err := storage.Count[entity.Reservation](ctx, q, storage.Live,
			activeAt(now, storage.Eq("student_id", studentID)))
		if err != nil {
			return storage.Translate(err, "reservation")
		}
		if active >= cfg.MaxActiveReservationsPerStudent {
			return errs.LimitExceeded(errs.ReasonReservationLimit, "student has reached the active reservation limit")
		}

		r := entity.Reservation{
			Base:       entity.NewBase(e.rec.NewID(), now),
			StudentID:  studentID,
			TitleID:    titleID,
			ReservedAt: now,
			ExpiresAt:  now.AddDate(0, 0, d),
		}
		if err := entity.ValidateReservation(r); err != nil {
			return err
		}
		best, ok, err := catalog.BestAvailableCopy(ctx, q, titleID)
		if err != nil {
			return err
		}
		if ok {
			if err := moveCopy(ctx, q, best.ID, entity.CopyAvailable, entity.CopyReserved); err != nil {
				return err
			}
			r.BookID = &best.ID
		}
		if err := storage.Insert(ctx, q, &r); err != nil {
			return storage.Translate(err, "reservation")
		}
		out = CreateResult{Reservation: r, Created: true}
		return e.rec.Record(ctx, q, actor, audit.ActionReservationCreate, entity.TypeReservation, r.ID,
			map[string]any{"student_id": studentID, "title_id": titleID, "book_id": r.BookID, "expires_at": r.ExpiresAt})
	})
	if err != nil {
		return CreateResult{}, e.failed(opReserve, err, slog.String("student_id", studentID), slog.String("title_id", titleID))
	}
	if out.Created {
		e.metrics.Reservations.WithLabelValues("created").Inc()
		e.log.Info("reservation created",
			slog.String("reservation_id", out.Reservation.ID),
			slog.Bool("held", out.Reservation.BookID != nil),
		)
	}
	return out, nil
}

// checkHolding は受け取れる予約か（有効で、コピーを取り置き中）
func checkHolding(r *entity.Reservation, now time.Time) error {
	switch {
	case r.CancelledAt != nil:
		return errs.Conflict(errs.ReasonReservationCancelled, "reservation is already closed")
	case entity.IsReservationExpired(*r, now):
		return errs.InvalidState(errs.ReasonReservationExpired, "reservation has expired")
	case r.BookID == nil:
		return errs.InvalidState(errs.ReasonReservationNotHeld, "no copy is on hold for this reservation")
	}
	return nil
}

// Fulfill は取り置き中のコピーを予約した生徒に貸し出し、予約を閉じる
func (e *Engine) Fulfill(ctx context.Context, actor audit.Actor, reservationID string, durationDays int) (entity.Loan, error) {
	cfg, err := e.current(ctx)
	if err != nil {
		return entity.Loan{}, e.failed(opFulfill, err)
	}
	d, err := days(durationDays, cfg.LoanDurationDays)
	if err != nil {
		return entity.Loan{}, e.failed(opFulfill, err)
	}

	var loan entity.Loan
	err = e.store.InTx(ctx, func(ctx context.Context, q storage.Querier) error {
		r, err := getReservation(ctx, q, reservationID)
		if err != nil {
			return err
		}
		if err := checkHolding(r, e.Now()); err != nil {
			return err
		}
		if err := lockStudent(ctx, q, r.StudentID); err != nil {
			return err
		}
		loan, err = e.fulfill(ctx, q, actor, r, cfg.MaxActiveLoansPerStudent, d)
		return err
	})
	if err != nil {
		return entity.Loan{}, e.failed(opFulfill, err, slog.String("reservation_id", reservationID))
	}
	e.metrics.Loans.WithLabelValues("opened").Inc()
	e.log.Info("reservation fulfilled", slog.String("reservation_id", reservationID), slog.String("loan_id", loan.ID))
	return loan, nil
}

// fulfill は生徒行を lockStudent 済みの前提
func (e *Engine) fulfill(ctx context.Context, q storage.Querier, actor audit.Actor, r *entity.Reservation, loanLimit, d int) (entity.Loan, error) {
	now := e.Now()
	if err := checkHolding(r, now); err != nil {
		return entity.Loan{}, err
	}
	if err := checkLoanLimit(ctx, q, r.StudentID, loanLimit); err != nil {
		return entity.Loan{}, err
	}
	if err := moveCopy(ctx, q, *r.BookID, entity.CopyReserved, entity.CopyBorrowed); err != nil {
		return entity.Loan{}, err
	}
	n, err := storage.Update[entity.Reservation](ctx, q, storage.Live, r.ID,
		storage.Set{"cancelled_at": now, "cancellation_reason": entity.CancelReasonFulfilled},
		unsettled()...)
	if err != nil {
		return entity.Loan{}, storage.Translate(err, "reservation")
	}
	if n == 0 {
		return entity.Loan{}, errs.Conflict(errs.ReasonConcurrentUpdate, "reservation changed concurrently")
	}
	loan, err := e.insertLoan(ctx, q, actor, r.StudentID, *r.BookID, d, r.ID)
	if err != nil {
		return entity.Loan{}, err
	}
	if err := e.rec.Record(ctx, q, actor, audit.ActionReservationFulfill, entity.TypeReservation, r.ID,
		map[string]string{"loan_id": loan.ID, "book_id": *r.BookID}); err != nil {
		return entity.Loan{}, err
	}
	e.metrics.Reservations.WithLabelValues("fulfilled").Inc()
	return loan, nil
}

// Cancel は予約を取り消す。取り置き中のコピーは次の返却待ちへ回すか Available に戻す
func (e *Engine) Cancel(ctx context.Context, actor audit.Actor, reservationID, reason string) (entity.Reservation, error) {
	reason = strings.TrimSpace(reason)
	if reason == "" {
		reason = entity.CancelReasonByStudent
	}
	if len(reason) > maxReasonLen {
		return entity.Reservation{}, e.failed(opCancel, errs.Invalid("reason is too long"))
	}
	cfg, err := e.current(ctx)
	if err != nil {
		return entity.Reservation{}, e.failed(opCancel, err)
	}

	var out entity.Reservation
	err = e.store.InTx(ctx, func(ctx context.Context, q storage.Querier) error {
		r, err := getReservation(ctx, q, reservationID)
		if err != nil {
			return err
		}
		now := e.Now()
		if r.CancelledAt != nil {
			return errs.Conflict(errs.ReasonReservationCancelled, "reservation is already cancelled")
		}
		if entity.IsReservationExpired(*r, now) {
			return errs.InvalidState(errs.ReasonReservationExpired, "reservation has expired")
		}
		n, err := storage.Update[entity.Reservation](ctx, q, storage.Live, r.ID,
			storage.Set{"cancelled_at": now, "cancellation_reason": reason},
			unsettled()...)
		if err != nil {
			return storage.Translate(err, "reservation")
		}
		if n == 0 {
			return errs.Conflict(errs.ReasonReservationCancelled, "reservation was closed concurrently")
		}
		r.CancelledAt, r.CancellationReason, r.UpdatedAt = &now, &reason, now

		details := map[string]any{"reason": reason}
		if r.BookID != nil {
			b, err := getCopy(ctx, q, *r.BookID)
			if err != nil {
				return err
			}
			next, err := e.handOff(ctx, q, actor, b, entity.CopyReserved, cfg.ReservationDurationDays, now)
			if err != nil {
				return err
			}
			details["book_id"] = b.ID
			if next != nil {
				details["passed_to"] = next.ID
			}
		}
		out = *r
		return e.rec.Record(ctx, q, actor, audit.ActionReservationCancel, entity.TypeReservation, r.ID, details)
	})
	if err != nil {
		return entity.Reservation{}, e.failed(opCancel, err, slog.String("reservation_id", reservationID))
	}
	e.metrics.Reservations.WithLabelValues("cancelled").Inc()
	e.log.Info("reservation cancelled", slog.String("reservation_id", reservationID), slog.String("reason", reason))
	return out, nil
}

type SweepResult struct {
	Expired int `json:"expired"`
	// Released は Available に戻したコピー、PassedOn は次の予約に回したコピー
	Released int `json:"released"`
	PassedOn int `json:"passed_on"`
}

// Sweep は now 時点で期限切れの予約に expired_at を記録し、取り置きを解く。
// 1件ずつ別トランザクションで処理し、同時の Cancel が勝った行は飛ばす。何度実行しても結果は同じ
func (e *Engine) Sweep(ctx context.Context, now time.Time) (SweepResult, error) {
	cfg, err := e.current(ctx)
	if err != nil {
		return SweepResult{}, e.failed(opSweep, err)
	}
	due, err := storage.List[entity.Reservation](ctx, e.store, storage.Live,
		storage.Where(append(unsettled(), storage.Lte("expires_at", now))...).
			OrderBy(storage.Asc("expires_at"), storage.Asc("id")))
	if err != nil {
		return SweepResult{}, e.failed(opSweep, storage.Translate(err, "reservation"))
	}

	var (
		res      SweepResult
		failures []error
		actor    = audit.System()
	)
	for _, r := range due {
		if err := ctx.Err(); err != nil {
			failures = append(failures, err)
			break
		}
		var expired, released, passed bool
		err := e.store.InTx(ctx, func(ctx context.Context, q storage.Querier) error {
			ok, next, err := e.expire(ctx, q, actor, r, cfg.ReservationDurationDays, now)
			if err != nil || !ok {
				return err
			}
			expired = true
			if r.BookID != nil {
				passed, released = next != nil, next == nil
			}
			return nil
		})
		if err != nil {
			failures = append(failures, e.failed(opSweep, err, slog.String("reservation_id", r.ID)))
			continue
		}
		if expired {
			res.Expired++
		}
		if released {
			res.Released++
		}
		if passed {
			res.PassedOn++
		}
	}

	e.log.Info("reservation sweep finished",
		slog.Int("candidates", len(due)),
		slog.Int("expired", res.Expired),
		slog.Int("released", res.Released),
		slog.Int("passed_on", res.PassedOn),
	)
	return res, errors.Join(failures...)
}
