package circulation

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"LIBRA-backend/internal/library/audit"
	"LIBRA-backend/internal/library/entity"
	"LIBRA-backend/internal/library/storage"
	"LIBRA-backend/internal/platform/errs"
)

// Reminder は返却期限のお知らせ1件
type Reminder struct {
	LoanID       string              `json:"loan_id"`
	StudentID    string              `json:"student_id"`
	StudentName  string              `json:"student_name"`
	BookID       string              `json:"book_id"`
	Title        string              `json:"title"`
	DueDate      time.Time           `json:"due_date"`
	DaysUntilDue int                 `json:"days_until_due"`
	Tier         entity.ReminderTier `json:"tier"`
}

// Notifier はお知らせの送り先（掲示・メール・校内システムなど）
type Notifier interface {
	Send(ctx context.Context, r Reminder) error
}

// LogNotifier はログに書くだけの Notifier。CLI の既定
type LogNotifier struct{ log *slog.Logger }

func NewLogNotifier(logger *slog.Logger) *LogNotifier {
	return &LogNotifier{log: logger.With(slog.String("component", "notifier"))}
}

func (n *LogNotifier) Send(ctx context.Context, r Reminder) error {
	n.log.InfoContext(ctx, "reminder",
		slog.String("tier", string(r.Tier)),
		slog.String("loan_id", r.LoanID),
		slog.String("student", r.StudentName),
		slog.String("title", r.Title),
		slog.Time("due_date", r.DueDate),
		slog.Int("days_until_due", r.DaysUntilDue),
	)
	return nil
}

// MarkReminderSent は段階 tier の送信済みフラグを立てる。1回しか立てられない
func (e *Engine) MarkReminderSent(ctx context.Context, actor audit.Actor, loanID string, tier entity.ReminderTier) error {
	if !tier.Valid() {
		return e.failed(opReminder, errs.Invalid("unknown reminder tier: "+string(tier)))
	}
	err := e.store.InTx(ctx, func(ctx context.Context, q storage.Querier) error {
		l, err := getLoan(ctx, q, loanID)
		if err != nil {
			return err
		}
		if err := openLoanState(l); err != nil {
			return err
		}
		col := tier.Column()
		n, err := storage.Update[entity.Loan](ctx, q, storage.Live, l.ID,
			storage.Set{col: true}, storage.Eq(col, false))
		if err != nil {
			return storage.Translate(err, "loan")
		}
		if n == 0 {
			return errs.Conflict(errs.ReasonReminderAlreadySent, "reminder was already sent")
		}
		return e.rec.Record(ctx, q, actor, audit.ActionLoanReminder, entity.TypeLoan, l.ID,
			map[string]string{"tier": string(tier)})
	})
	return e.failed(opReminder, err, slog.String("loan_id", loanID), slog.String("tier", string(tier)))
}

type DispatchResult struct {
	Sent   int `json:"sent"`
	Failed int `json:"failed"`
}

// DispatchReminders は期限の近い貸出に、まだ送っていない一番重い段階のお知らせを送る。
// 送信に成功したものだけ送信済みにする
func (e *Engine) DispatchReminders(ctx context.Context, n Notifier, now time.Time) (DispatchResult, error) {
	cfg, err := e.current(ctx)
	if err != nil {
		return DispatchResult{}, e.failed(opReminder, err)
	}
	lead := cfg.ReminderLeadDays
	// DaysUntilDue <= lead  <=>  due < now + (lead+1)日
	loans, err := storage.List[entity.Loan](ctx, e.store, storage.Live, storage.Where(
		storage.In("status", entity.OpenLoanStatuses...),
		storage.Lt("due_date", now.AddDate(0, 0, lead+1)),
	).OrderBy(storage.Asc("due_date"), storage.Asc("id")))
	if err != nil {
		return DispatchResult{}, e.failed(opReminder, storage.Translate(err, "loan"))
	}

	var (
		res      DispatchResult
		failures []error
	)
	for _, l := range loans {
		if err := ctx.Err(); err != nil {
			failures = append(failures, err)
			break
		}
		tier, ok := entity.DueReminderWithin(l, now, lead)
		if !ok {
			continue
		}
		r, err := e.reminderFor(ctx, l, tier, now)
		if err != nil {
			failures = append(failures, err)
			continue
		}
		if err := n.Send(ctx, r); err != nil {
			res.Failed++
			e.metrics.Reminders.WithLabelValues(string(tier), "failed").Inc()
			e.log.Warn("reminder send failed", slog.String("loan_id", l.ID), slog.String("tier", string(tier)), slog.Any("err", err))
			continue
		}
		if err := e.MarkReminderSent(ctx, audit.System(), l.ID, tier); err != nil {
			// 別の実行が先に送っていた
			if errs.ReasonOf(err) == errs.ReasonReminderAlreadySent {
				continue
			}
			failures = append(failures, err)
			continue
		}
		res.Sent++
		e.metrics.Reminders.WithLabelValues(string(tier), "sent").Inc()
	}

	e.log.Info("reminders dispatched",
		slog.Int("candidates", len(loans)),
		slog.Int("sent", res.Sent),
		slog.Int("failed", res.Failed),
	)
	return res, errors.Join(failures...)
}

func (e *Engine) reminderFor(ctx context.Context, l entity.Loan, tier entity.ReminderTier, now time.Time) (Reminder, error) {
	st, err := storage.Get[entity.Student](ctx, e.store, storage.WithDeleted, l.StudentID)
	if err != nil {
		return Reminder{}, storage.Translate(err, "student")
	}
	b, err := storage.Get[entity.Book](ctx, e.store, storage.WithDeleted, l.BookID)
	if err != nil {
		return Reminder{}, storage.Translate(err, "book")
	}
	t, err := storage.Get[entity.BookTitle](ctx, e.store, storage.WithDeleted, b.TitleID)
	if err != nil {
		return Reminder{}, storage.Translate(err, "book title")
	}
	return Reminder{
		LoanID:       l.ID,
		StudentID:    st.ID,
		StudentName:  entity.DisplayName(*st),
		BookID:       b.ID,
		Title:        t.Title,
		DueDate:      l.DueDate,
		DaysUntilDue: entity.DaysUntilDue(l, now),
		Tier:         tier,
	}, nil
}
