package circulation

import (
	"context"
	"log/slog"
	"strings"

	"LIBRA-backend/internal/library/audit"
	"LIBRA-backend/internal/library/entity"
	"LIBRA-backend/internal/library/storage"
	"LIBRA-backend/internal/platform/errs"
)

const (
	opOpen     = "open"
	opReturn   = "return"
	opRenew    = "renew"
	opLost     = "lost"
	opFulfill  = "fulfill"
	opReserve  = "reserve"
	opCancel   = "cancel"
	opSweep    = "sweep"
	opReminder = "reminder"
)

// Open は生徒にコピーを貸し出す。
// コピーが本人の予約で取り置き中なら、その予約の受け取りとして扱う
func (e *Engine) Open(ctx context.Context, actor audit.Actor, studentID, bookID string, durationDays int) (entity.Loan, error) {
	cfg, err := e.current(ctx)
	if err != nil {
		return entity.Loan{}, e.failed(opOpen, err)
	}
	d, err := days(durationDays, cfg.LoanDurationDays)
	if err != nil {
		return entity.Loan{}, e.failed(opOpen, err)
	}

	var loan entity.Loan
	err = e.store.InTx(ctx, func(ctx context.Context, q storage.Querier) error {
		if err := lockStudent(ctx, q, studentID); err != nil {
			return err
		}
		b, err := getCopy(ctx, q, bookID)
		if err != nil {
			return err
		}
		// 削除済みの書名のコピーは貸し出さない
		if _, err := storage.Get[entity.BookTitle](ctx, q, storage.Live, b.TitleID); err != nil {
			return storage.Translate(err, "book title")
		}
		if b.Status == entity.CopyReserved {
			// Sweep 前に期限の切れた取り置きはここで解く
			if err := e.settleStaleHolds(ctx, q, cfg.ReservationDurationDays, e.Now(), storage.Eq("book_id", b.ID)); err != nil {
				return err
			}
			if b, err = getCopy(ctx, q, bookID); err != nil {
				return err
			}
		}
		switch b.Status {
		case entity.CopyAvailable:
		case entity.CopyReserved:
			r, held, err := holderOf(ctx, q, b.ID)
			if err != nil {
				return err
			}
			if held && r.StudentID == studentID {
				loan, err = e.fulfill(ctx, q, actor, r, cfg.MaxActiveLoansPerStudent, d)
				return err
			}
			return errs.Conflict(errs.ReasonCopyUnavailable, "copy is on hold for another student")
		default:
			return errs.Conflict(errs.ReasonCopyUnavailable, "copy is "+string(b.Status))
		}

		if err := checkLoanLimit(ctx, q, studentID, cfg.MaxActiveLoansPerStudent); err != nil {
			return err
		}
		if err := moveCopy(ctx, q, b.ID, entity.CopyAvailable, entity.CopyBorrowed); err != nil {
			return err
		}
		loan, err = e.insertLoan(ctx, q, actor, studentID, b.ID, d, "")
		return err
	})
	if err != nil {
		return entity.Loan{}, e.failed(opOpen, err, slog.String("student_id", studentID), slog.String("book_id", bookID))
	}
	e.metrics.Loans.WithLabelValues("opened").Inc()
	e.log.Info("loan opened",
		slog.String("loan_id", loan.ID),
		slog.String("student_id", studentID),
		slog.String("book_id", bookID),
		slog.Time("due_date", loan.DueDate),
	)
	return loan, nil
}

// OpenByQR はカウンターで生徒証とコピーの QR を読んで貸し出す
func (e *Engine) OpenByQR(ctx context.Context, actor audit.Actor, studentQR, bookQR string, durationDays int) (entity.Loan, error) {
	studentQR, bookQR = strings.TrimSpace(studentQR), strings.TrimSpace(bookQR)
	if studentQR == "" || bookQR == "" {
		return entity.Loan{}, e.failed(opOpen, errs.Invalid("student_qr and book_qr are required"))
	}
	st, err := storage.First[entity.Student](ctx, e.store, storage.Live, storage.Where(storage.Eq("qr_code", studentQR)))
	if err != nil {
		return entity.Loan{}, e.failed(opOpen, storage.Translate(err, "student"))
	}
	b, err := storage.First[entity.Book](ctx, e.store, storage.Live, storage.Where(storage.Eq("qr_code", bookQR)))
	if err != nil {
		return entity.Loan{}, e.failed(opOpen, storage.Translate(err, "book"))
	}
	return e.Open(ctx, actor, st.ID, b.ID, durationDays)
}

// insertLoan は Active の貸出を作る。コピーの状態は呼び出し側で Borrowed にしておく
func (e *Engine) insertLoan(ctx context.Context, q storage.Querier, actor audit.Actor, studentID, bookID string, d int, reservationID string) (entity.Loan, error) {
	now := e.Now()
	l := entity.Loan{
		Base:       entity.NewBase(e.rec.NewID(), now),
		StudentID:  studentID,
		BookID:     bookID,
		BorrowedAt: now,
		DueDate:    now.AddDate(0, 0, d),
		Status:     entity.LoanActive,
	}
	if err := entity.ValidateLoan(l); err != nil {
		return entity.Loan{}, err
	}
	if err := storage.Insert(ctx, q, &l); err != nil {
		return entity.Loan{}, storage.Translate(err, "loan")
	}
	details := map[string]any{"student_id": studentID, "book_id": bookID, "due_date": l.DueDate}
	if reservationID != "" {
		details["reservation_id"] = reservationID
	}
	if err := e.rec.Record(ctx, q, actor, audit.ActionLoanOpen, entity.TypeLoan, l.ID, details); err != nil {
		return entity.Loan{}, err
	}
	return l, nil
}

// ReturnResult の HeldFor は返却されたコピーを取り置いた予約（無ければ nil）
type ReturnResult struct {
	Loan    entity.Loan         `json:"loan"`
	Book    entity.Book         `json:"book"`
	HeldFor *entity.Reservation `json:"held_for,omitempty"`
}

// Return は貸出を閉じる。書名に返却待ちの予約があればコピーはその予約に取り置かれる
func (e *Engine) Return(ctx context.Context, actor audit.Actor, loanID string) (ReturnResult, error) {
	cfg, err := e.current(ctx)
	if err != nil {
		return ReturnResult{}, e.failed(opReturn, err)
	}

	var out ReturnResult
	err = e.store.InTx(ctx, func(ctx context.Context, q storage.Querier) error {
		l, err := getLoan(ctx, q, loanID)
		if err != nil {
			return err
		}
		if err := openLoanState(l); err != nil {
			return err
		}
		now := e.Now()
		n, err := storage.Update[entity.Loan](ctx, q, storage.Live, l.ID,
			storage.Set{"status": entity.LoanReturned, "returned_at": now},
			storage.In("status", entity.OpenLoanStatuses...))
		if err != nil {
			return storage.Translate(err, "loan")
		}
		if n == 0 {
			return errs.Conflict(errs.ReasonConcurrentUpdate, "loan changed concurrently")
		}
		l.Status, l.ReturnedAt, l.UpdatedAt = entity.LoanReturned, &now, now

		b, err := getCopy(ctx, q, l.BookID)
		if err != nil {
			return err
		}
		held, err := e.handOff(ctx, q, actor, b, entity.CopyBorrowed, cfg.ReservationDurationDays, now)
		if err != nil {
			return err
		}
		details := map[string]any{"book_id": b.ID, "overdue": l.DueDate.Before(now)}
		if held != nil {
			details["held_for"] = held.ID
		}
		if err := e.rec.Record(ctx, q, actor, audit.ActionLoanReturn, entity.TypeLoan, l.ID, details); err != nil {
			return err
		}
		out = ReturnResult{Loan: *l, Book: *b, HeldFor: held}
		return nil
	})
	if err != nil {
		return ReturnResult{}, e.failed(opReturn, err, slog.String("loan_id", loanID))
	}
	e.metrics.Loans.WithLabelValues("returned").Inc()
	attrs := []any{slog.String("loan_id", loanID), slog.String("book_id", out.Book.ID)}
	if out.HeldFor != nil {
		attrs = append(attrs, slog.String("held_for", out.HeldFor.ID))
	}
	e.log.Info("loan returned", attrs...)
	return out, nil
}

// Renew は返却期限を延ばす。書名に返却待ちの予約があれば延長できない
func (e *Engine) Renew(ctx context.Context, actor audit.Actor, loanID string, extensionDays int) (entity.Loan, error) {
	cfg, err := e.current(ctx)
	if err != nil {
		return entity.Loan{}, e.failed(opRenew, err)
	}
	ext, err := days(extensionDays, cfg.LoanDurationDays)
	if err != nil {
		return entity.Loan{}, e.failed(opRenew, err)
	}

	var out entity.Loan
	err = e.store.InTx(ctx, func(ctx context.Context, q storage.Querier) error {
		l, err := getLoan(ctx, q, loanID)
		if err != nil {
			return err
		}
		if err := openLoanState(l); err != nil {
			return err
		}
		if l.RenewCount >= cfg.MaxRenewalsPerLoan {
			return errs.LimitExceeded(errs.ReasonRenewalLimit, "loan has reached the renewal limit")
		}
		b, err := getCopy(ctx, q, l.BookID)
		if err != nil {
			return err
		}
		now := e.Now()
		// 借りている本人の返却待ちは数えない
		waiting, err := storage.Count[entity.Reservation](ctx, q, storage.Live,
			waitingFor(b.TitleID, now).And(storage.Neq("student_id", l.StudentID)))
		if err != nil {
			return storage.Translate(err, "reservation")
		}
		if waiting > 0 {
			return errs.Conflict(errs.ReasonReservationPending, "another student is waiting for this title")
		}

		due := l.DueDate.AddDate(0, 0, ext)
		n, err := storage.Update[entity.Loan](ctx, q, storage.Live, l.ID,
			storage.Set{"due_date": due, "status": entity.LoanRenewed, "renew_count": storage.Incr(1)},
			storage.In("status", entity.OpenLoanStatuses...),
			storage.Eq("renew_count", l.RenewCount))
		if err != nil {
			return storage.Translate(err, "loan")
		}
		if n == 0 {
			return errs.Conflict(errs.ReasonConcurrentUpdate, "loan changed concurrently")
		}
		l.DueDate, l.Status, l.UpdatedAt = due, entity.LoanRenewed, now
		l.RenewCount++
		out = *l
		return e.rec.Record(ctx, q, actor, audit.ActionLoanRenew, entity.TypeLoan, l.ID,
			map[string]any{"due_date": due, "renew_count": l.RenewCount})
	})
	if err != nil {
		return entity.Loan{}, e.failed(opRenew, err, slog.String("loan_id", loanID))
	}
	e.metrics.Loans.WithLabelValues("renewed").Inc()
	e.log.Info("loan renewed", slog.String("loan_id", loanID), slog.Time("due_date", out.DueDate))
	return out, nil
}

// MarkLost は貸出とコピーを紛失にする。通常の流れでは戻せない
func (e *Engine) MarkLost(ctx context.Context, actor audit.Actor, loanID string) (entity.Loan, error) {
	var out entity.Loan
	err := e.store.InTx(ctx, func(ctx context.Context, q storage.Querier) error {
		l, err := getLoan(ctx, q, loanID)
		if err != nil {
			return err
		}
		if err := openLoanState(l); err != nil {
			return err
		}
		n, err := storage.Update[entity.Loan](ctx, q, storage.Live, l.ID,
			storage.Set{"status": entity.LoanLost},
			storage.In("status", entity.OpenLoanStatuses...))
		if err != nil {
			return storage.Translate(err, "loan")
		}
		if n == 0 {
			return errs.Conflict(errs.ReasonConcurrentUpdate, "loan changed concurrently")
		}
		if err := moveCopy(ctx, q, l.BookID, entity.CopyBorrowed, entity.CopyLost); err != nil {
			return err
		}
		l.Status, l.UpdatedAt = entity.LoanLost, e.Now()
		out = *l
		return e.rec.Record(ctx, q, actor, audit.ActionLoanLost, entity.TypeLoan, l.ID,
			map[string]string{"book_id": l.BookID})
	})
	if err != nil {
		return entity.Loan{}, e.failed(opLost, err, slog.String("loan_id", loanID))
	}
	e.metrics.Loans.WithLabelValues("lost").Inc()
	e.log.Warn("loan marked lost", slog.String("loan_id", loanID), slog.String("book_id", out.BookID))
	return out, nil
}
