// Package reporting は一覧・集計などの読み取り専用のクエリをまとめる。
// 関連データは外部キーで明示的に取りにいき、派生値は now を渡して計算する。
package reporting

import (
	"context"
	"log/slog"
	"strings"
	"time"

	"LIBRA-backend/internal/library/catalog"
	"LIBRA-backend/internal/library/circulation"
	"LIBRA-backend/internal/library/entity"
	"LIBRA-backend/internal/library/storage"
	"LIBRA-backend/internal/platform/clock"
	"LIBRA-backend/internal/platform/errs"
)

type Service struct {
	store storage.Store
	clock clock.Clock
	log   *slog.Logger
}

func NewService(store storage.Store, clk clock.Clock, logger *slog.Logger) *Service {
	if clk == nil {
		clk = clock.Real()
	}
	return &Service{store: store, clock: clk, log: logger.With(slog.String("component", "reporting"))}
}

func (s *Service) Now() time.Time { return s.clock.Now() }

func openLoans(conds ...storage.Cond) storage.Query {
	return storage.Where(storage.In("status", entity.OpenLoanStatuses...)).And(conds...)
}

func activeReservations(now time.Time, conds ...storage.Cond) storage.Query {
	return storage.Where(
		storage.IsNull("cancelled_at"),
		storage.IsNull("expired_at"),
		storage.Gt("expires_at", now),
	).And(conds...)
}

// page は件数と1ページ分をまとめて取る
func page[T storage.Record](ctx context.Context, s *Service, q storage.Query, p storage.Page, what string) ([]T, int, error) {
	total, err := storage.Count[T](ctx, s.store, storage.Live, q)
	if err != nil {
		return nil, 0, storage.Translate(err, what)
	}
	rows, err := storage.List[T](ctx, s.store, storage.Live, q.Page(p))
	if err != nil {
		return nil, 0, storage.Translate(err, what)
	}
	return rows, total, nil
}

// ===== 貸出 =====

// OverdueLoans は期限を過ぎた未返却の貸出。期限の古い順
func (s *Service) OverdueLoans(ctx context.Context, now time.Time, p storage.Page) ([]circulation.LoanView, int, error) {
	q := openLoans(storage.Lt("due_date", now)).OrderBy(storage.Asc("due_date"), storage.Asc("id"))
	rows, total, err := page[entity.Loan](ctx, s, q, p, "loan")
	if err != nil {
		return nil, 0, err
	}
	return circulation.LoanViews(rows, now), total, nil
}

// DueSoonLoans は期限まで days 日以内（期限超過は含まない）
func (s *Service) DueSoonLoans(ctx context.Context, now time.Time, days int, p storage.Page) ([]circulation.LoanView, int, error) {
	if days < 0 {
		return nil, 0, errs.Invalid("days must not be negative")
	}
	q := openLoans(
		storage.Gte("due_date", now),
		storage.Lt("due_date", now.AddDate(0, 0, days+1)),
	).OrderBy(storage.Asc("due_date"), storage.Asc("id"))
	rows, total, err := page[entity.Loan](ctx, s, q, p, "loan")
	if err != nil {
		return nil, 0, err
	}
	return circulation.LoanViews(rows, now), total, nil
}

// LoansOf は生徒の貸出。新しい順
func (s *Service) LoansOf(ctx context.Context, studentID string, openOnly bool) ([]circulation.LoanView, error) {
	if _, err := storage.Get[entity.Student](ctx, s.store, storage.Live, studentID); err != nil {
		return nil, storage.Translate(err, "student")
	}
	q := storage.Where(storage.Eq("student_id", studentID))
	if openOnly {
		q = q.And(storage.In("status", entity.OpenLoanStatuses...))
	}
	rows, err := storage.List[entity.Loan](ctx, s.store, storage.Live,
		q.OrderBy(storage.Desc("borrowed_at"), storage.Desc("id")))
	if err != nil {
		return nil, storage.Translate(err, "loan")
	}
	return circulation.LoanViews(rows, s.Now()), nil
}

// LoanHistoryOfCopy はコピーの貸出履歴。新しい順
func (s *Service) LoanHistoryOfCopy(ctx context.Context, bookID string) ([]circulation.LoanView, error) {
	if _, err := storage.Get[entity.Book](ctx, s.store, storage.WithDeleted, bookID); err != nil {
		return nil, storage.Translate(err, "book")
	}
	rows, err := storage.List[entity.Loan](ctx, s.store, storage.Live,
		storage.Where(storage.Eq("book_id", bookID)).OrderBy(storage.Desc("borrowed_at"), storage.Desc("id")))
	if err != nil {
		return nil, storage.Translate(err, "loan")
	}
	return circulation.LoanViews(rows, s.Now()), nil
}

// ===== 予約 =====

func (s *Service) ActiveReservations(ctx context.Context, titleID string, p storage.Page) ([]circulation.ReservationView, int, error) {
	now := s.Now()
	var conds []storage.Cond
	if titleID != "" {
		conds = append(conds, storage.Eq("title_id", titleID))
	}
	q := activeReservations(now, conds...).OrderBy(storage.Asc("reserved_at"), storage.Asc("id"))
	rows, total, err := page[entity.Reservation](ctx, s, q, p, "reservation")
	if err != nil {
		return nil, 0, err
	}
	return circulation.ReservationViews(rows, now), total, nil
}

// QueueEntry は書名の予約待ち行列の1件。取り置き中の予約は Position 0
type QueueEntry struct {
	circulation.ReservationView
	Position    int    `json:"position"`
	StudentName string `json:"student_name"`
}

// QueueOf は書名の有効な予約。取り置き中を先に、返却待ちを予約順に並べる
func (s *Service) QueueOf(ctx context.Context, titleID string) ([]QueueEntry, error) {
	if _, err := storage.Get[entity.BookTitle](ctx, s.store, storage.Live, titleID); err != nil {
		return nil, storage.Translate(err, "book title")
	}
	now := s.Now()
	rows, err := storage.List[entity.Reservation](ctx, s.store, storage.Live,
		activeReservations(now, storage.Eq("title_id", titleID)).
			OrderBy(storage.Asc("reserved_at"), storage.Asc("id")))
	if err != nil {
		return nil, storage.Translate(err, "reservation")
	}

	names, err := s.studentNames(ctx, rows)
	if err != nil {
		return nil, err
	}
	held := make([]QueueEntry, 0, len(rows))
	var waiting []QueueEntry
	for _, r := range rows {
		e := QueueEntry{ReservationView: circulation.NewReservationView(r, now), StudentName: names[r.StudentID]}
		if r.BookID != nil {
			held = append(held, e)
			continue
		}
		e.Position = len(waiting) + 1
		waiting = append(waiting, e)
	}
	return append(held, waiting...), nil
}

func (s *Service) studentNames(ctx context.Context, rows []entity.Reservation) (map[string]string, error) {
	ids := make([]string, 0, len(rows))
	for _, r := range rows {
		ids = append(ids, r.StudentID)
	}
	sts, err := storage.List[entity.Student](ctx, s.store, storage.WithDeleted, storage.Where(storage.In("id", ids...)))
	if err != nil {
		return nil, storage.Translate(err, "student")
	}
	out := make(map[string]string, len(sts))
	for _, st := range sts {
		out[st.ID] = entity.DisplayName(st)
	}
	return out, nil
}

// ReservationsOf は生徒の予約（終了したものも含む）。新しい順
func (s *Service) ReservationsOf(ctx context.Context, studentID string) ([]circulation.ReservationView, error) {
	if _, err := storage.Get[entity.Student](ctx, s.store, storage.Live, studentID); err != nil {
		return nil, storage.Translate(err, "student")
	}
	rows, err := storage.List[entity.Reservation](ctx, s.store, storage.Live,
		storage.Where(storage.Eq("student_id", studentID)).OrderBy(storage.Desc("reserved_at"), storage.Desc("id")))
	if err != nil {
		return nil, storage.Translate(err, "reservation")
	}
	return circulation.ReservationViews(rows, s.Now()), nil
}

// ===== 書名検索 =====

type TitleHit struct {
	entity.BookTitle
	Available int `json:"available"`
	Total     int `json:"total"`
}

// SearchTitles は書名・著者・ISBN の部分一致
func (s *Service) SearchTitles(ctx context.Context, q string, p storage.Page) ([]TitleHit, int, error) {
	q = strings.TrimSpace(q)
	query := storage.Query{}
	if q != "" {
		query = storage.Where(storage.AnyOf(
			storage.Contains("title", q),
			storage.Contains("author", q),
			storage.Contains("isbn", strings.ReplaceAll(q, "-", "")),
		))
	}
	rows, total, err := page[entity.BookTitle](ctx, s, query.OrderBy(storage.Asc("title"), storage.Asc("id")), p, "book title")
	if err != nil {
		return nil, 0, err
	}
	hits := make([]TitleHit, 0, len(rows))
	for _, t := range rows {
		st, err := catalog.Statistics(ctx, s.store, t.ID)
		if err != nil {
			return nil, 0, err
		}
		hits = append(hits, TitleHit{BookTitle: t, Available: st.Available, Total: st.Total})
	}
	return hits, total, nil
}

// ===== 集計 =====

type Stats struct {
	Titles             int            `json:"titles"`
	CopiesByStatus     map[string]int `json:"copies_by_status"`
	OpenLoans          int            `json:"open_loans"`
	OverdueLoans       int            `json:"overdue_loans"`
	ActiveReservations int            `json:"active_reservations"`
	ActiveStudents     int            `json:"active_students"`
	At                 time.Time      `json:"at"`
}

func (s *Service) Statistics(ctx context.Context, now time.Time) (Stats, error) {
	st := Stats{At: now}
	var err error
	if st.Titles, err = storage.Count[entity.BookTitle](ctx, s.store, storage.Live, storage.Query{}); err != nil {
		return Stats{}, storage.Translate(err, "book title")
	}
	if st.CopiesByStatus, err = storage.CountBy[entity.Book](ctx, s.store, storage.Live, storage.Query{}, "status"); err != nil {
		return Stats{}, storage.Translate(err, "book")
	}
	if st.OpenLoans, err = storage.Count[entity.Loan](ctx, s.store, storage.Live, openLoans()); err != nil {
		return Stats{}, storage.Translate(err, "loan")
	}
	if st.OverdueLoans, err = storage.Count[entity.Loan](ctx, s.store, storage.Live, openLoans(storage.Lt("due_date", now))); err != nil {
		return Stats{}, storage.Translate(err, "loan")
	}
	if st.ActiveReservations, err = storage.Count[entity.Reservation](ctx, s.store, storage.Live, activeReservations(now)); err != nil {
		return Stats{}, storage.Translate(err, "reservation")
	}
	if st.ActiveStudents, err = storage.Count[entity.Student](ctx, s.store, storage.Live,
		storage.Where(storage.Eq("is_active", true))); err != nil {
		return Stats{}, storage.Translate(err, "student")
	}
	return st, nil
}

// ===== 監査ログ =====

// AuditTrail は監査ログを新しい順に返す。entityType / entityID は空なら絞り込まない
func (s *Service) AuditTrail(ctx context.Context, entityType, entityID string, p storage.Page) ([]entity.AuditLog, int, error) {
	var conds []storage.Cond
	if entityType != "" {
		conds = append(conds, storage.Eq("entity_type", entityType))
	}
	if entityID != "" {
		conds = append(conds, storage.Eq("entity_id", entityID))
	}
	q := storage.Where(conds...).OrderBy(storage.Desc("created_at"), storage.Desc("id"))
	// 監査ログは論理削除しないので WithDeleted で読む
	total, err := storage.Count[entity.AuditLog](ctx, s.store, storage.WithDeleted, q)
	if err != nil {
		return nil, 0, storage.Translate(err, "audit log")
	}
	rows, err := storage.List[entity.AuditLog](ctx, s.store, storage.WithDeleted, q.Page(p))
	if err != nil {
		return nil, 0, storage.Translate(err, "audit log")
	}
	return rows, total, nil
}
