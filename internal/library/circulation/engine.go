// Package circulation は貸出・返却・延長・紛失と、書名単位の予約（取り置き・待ち行列）を扱う。
// 変更は全て1トランザクションで行い、コピーの状態は期待値つきの更新（CAS）で遷移させる。
package circulation

import (
	"context"
	"log/slog"
	"time"

	"LIBRA-backend/internal/library/audit"
	"LIBRA-backend/internal/library/entity"
	"LIBRA-backend/internal/library/settings"
	"LIBRA-backend/internal/library/storage"
	"LIBRA-backend/internal/platform/errs"
)

// maxDurationDays 貸出・予約・延長で指定できる日数の上限
const maxDurationDays = 365

// SettingsSource は貸出ルールの読み取り元（settings.Service）
type SettingsSource interface {
	Current(ctx context.Context) (settings.Settings, error)
}

type Engine struct {
	store    storage.Store
	rec      *audit.Recorder
	settings SettingsSource
	metrics  *Metrics
	log      *slog.Logger
}

func NewEngine(store storage.Store, rec *audit.Recorder, src SettingsSource, m *Metrics, logger *slog.Logger) *Engine {
	if m == nil {
		m = NewMetrics(nil)
	}
	return &Engine{
		store:    store,
		rec:      rec,
		settings: src,
		metrics:  m,
		log:      logger.With(slog.String("component", "circulation")),
	}
}

// Now は派生値（期限超過など）の計算に使う現在時刻
func (e *Engine) Now() time.Time { return e.rec.Now() }

func (e *Engine) current(ctx context.Context) (settings.Settings, error) {
	if e.settings == nil {
		return settings.Defaults(), nil
	}
	return e.settings.Current(ctx)
}

// days は 0 のとき既定値を使う
func days(requested, fallback int) (int, error) {
	if requested < 0 || requested > maxDurationDays {
		return 0, errs.Invalid("duration days must be between 0 and 365")
	}
	if requested == 0 {
		return fallback, nil
	}
	return requested, nil
}

// failed はエラーをメトリクスとログに残してそのまま返す
func (e *Engine) failed(op string, err error, attrs ...any) error {
	if err == nil {
		return nil
	}
	code := errs.CodeOf(err)
	e.metrics.Errors.WithLabelValues(op, string(code)).Inc()

	attrs = append(attrs, slog.String("op", op), slog.String("code", string(code)))
	if r := errs.ReasonOf(err); r != "" {
		attrs = append(attrs, slog.String("reason", r))
	}
	switch code {
	case errs.CodeStorageFailure, errs.CodeInternal:
		e.log.Error("circulation failed", append(attrs, slog.Any("err", err))...)
	case errs.CodeConflict:
		e.log.Warn("circulation conflict", attrs...)
	default:
		e.log.Debug("circulation rejected", attrs...)
	}
	return err
}

// lockStudent は生徒行の version を上げて、同じ生徒への並行操作を直列化する。
// トランザクションの最初の文として呼ぶ
func lockStudent(ctx context.Context, q storage.Querier, studentID string) error {
	n, err := storage.Update[entity.Student](ctx, q, storage.Live, studentID,
		storage.Set{"version": storage.Incr(1)}, storage.Eq("is_active", true))
	if err != nil {
		return storage.Translate(err, "student")
	}
	if n == 1 {
		return nil
	}
	if _, err := storage.Get[entity.Student](ctx, q, storage.Live, studentID); err != nil {
		return storage.Translate(err, "student")
	}
	return errs.InvalidState(errs.ReasonStudentInactive, "student is not active")
}

func openLoansOf(studentID string) storage.Query {
	return storage.Where(
		storage.Eq("student_id", studentID),
		storage.In("status", entity.OpenLoanStatuses...),
	)
}

func checkLoanLimit(ctx context.Context, q storage.Querier, studentID string, limit int) error {
	n, err := storage.Count[entity.Loan](ctx, q, storage.Live, openLoansOf(studentID))
	if err != nil {
		return storage.Translate(err, "loan")
	}
	if n >= limit {
		return errs.LimitExceeded(errs.ReasonLoanLimitReached, "student has reached the active loan limit")
	}
	return nil
}

// moveCopy はコピーを from から to に CAS で動かす。0件なら他の操作に先を越された
func moveCopy(ctx context.Context, q storage.Querier, bookID string, from, to entity.CopyStatus) error {
	n, err := storage.Update[entity.Book](ctx, q, storage.Live, bookID,
		storage.Set{"status": to}, storage.Eq("status", from))
	if err != nil {
		return storage.Translate(err, "book")
	}
	if n == 0 {
		return errs.Conflict(errs.ReasonCopyUnavailable, "copy is no longer "+string(from))
	}
	return nil
}

func getLoan(ctx context.Context, q storage.Querier, id string) (*entity.Loan, error) {
	l, err := storage.Get[entity.Loan](ctx, q, storage.Live, id)
	if err != nil {
		return nil, storage.Translate(err, "loan")
	}
	return l, nil
}

func getCopy(ctx context.Context, q storage.Querier, id string) (*entity.Book, error) {
	b, err := storage.Get[entity.Book](ctx, q, storage.Live, id)
	if err != nil {
		return nil, storage.Translate(err, "book")
	}
	return b, nil
}

func getReservation(ctx context.Context, q storage.Querier, id string) (*entity.Reservation, error) {
	r, err := storage.Get[entity.Reservation](ctx, q, storage.Live, id)
	if err != nil {
		return nil, storage.Translate(err, "reservation")
	}
	return r, nil
}

// openLoanState は閉じた貸出への操作を理由つきで弾く
func openLoanState(l *entity.Loan) error {
	switch {
	case entity.IsOpen(*l):
		return nil
	case l.Status == entity.LoanLost:
		return errs.InvalidState(errs.ReasonLoanLost, "loan is marked lost")
	default:
		return errs.InvalidState(errs.ReasonAlreadyReturned, "loan is already returned")
	}
}
