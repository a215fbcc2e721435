// Package catalog は書名とコピー（蔵書）の管理と、貸出可能数などの集計を扱う。
package catalog

import (
	"context"
	"log/slog"
	"strings"

	"LIBRA-backend/internal/library/audit"
	"LIBRA-backend/internal/library/entity"
	"LIBRA-backend/internal/library/storage"
	"LIBRA-backend/internal/platform/errs"
)

type Service struct {
	store    storage.Store
	rec      *audit.Recorder
	provider MetadataProvider
	release  ReleaseHook
	log      *slog.Logger
}

// ReleaseHook はコピーが Available になったとき（追加・復元・手動の状態変更）、同じトランザクションで呼ばれる
type ReleaseHook interface {
	CopyReleased(ctx context.Context, q storage.Querier, actor audit.Actor, b entity.Book) error
}

// SetReleaseHook は待ち予約への割当を行う側（貸出エンジン）を登録する
func (s *Service) SetReleaseHook(h ReleaseHook) { s.release = h }

// NewService の provider は nil でもよい（EnrichTitle が使えないだけ）
func NewService(store storage.Store, rec *audit.Recorder, provider MetadataProvider, logger *slog.Logger) *Service {
	return &Service{
		store:    store,
		rec:      rec,
		provider: provider,
		log:      logger.With(slog.String("component", "catalog")),
	}
}

// ===== 書名 =====

func (s *Service) CreateTitle(ctx context.Context, actor audit.Actor, in TitleInput) (entity.BookTitle, error) {
	in.ISBN = normalizeISBN(in.ISBN)
	in.Title = strings.TrimSpace(in.Title)
	if err := validateStruct(in); err != nil {
		return entity.BookTitle{}, err
	}

	t := entity.BookTitle{Base: entity.NewBase(s.rec.NewID(), s.rec.Now())}
	applyTitle(&t, in)
	err := s.store.InTx(ctx, func(ctx context.Context, q storage.Querier) error {
		if err := storage.Insert(ctx, q, &t); err != nil {
			return storage.Translate(err, "book title")
		}
		return s.rec.Record(ctx, q, actor, audit.ActionTitleCreate, entity.TypeBookTitle, t.ID, in)
	})
	if err != nil {
		return entity.BookTitle{}, err
	}
	s.log.Info("title created", slog.String("title_id", t.ID))
	return t, nil
}

func applyTitle(t *entity.BookTitle, in TitleInput) {
	t.Title = in.Title
	t.ISBN = in.ISBN
	t.Author = in.Author
	t.Publisher = in.Publisher
	t.Year = in.Year
	t.Language = in.Language
	t.Genre = in.Genre
	t.Subject = in.Subject
}

func (s *Service) GetTitle(ctx context.Context, id string) (TitleDetail, error) {
	t, err := storage.Get[entity.BookTitle](ctx, s.store, storage.Live, id)
	if err != nil {
		return TitleDetail{}, storage.Translate(err, "book title")
	}
	st, err := Statistics(ctx, s.store, id)
	if err != nil {
		return TitleDetail{}, err
	}
	return TitleDetail{BookTitle: *t, Stats: st}, nil
}

func (s *Service) UpdateTitle(ctx context.Context, actor audit.Actor, id string, in TitleInput) (entity.BookTitle, error) {
	in.ISBN = normalizeISBN(in.ISBN)
	in.Title = strings.TrimSpace(in.Title)
	if err := validateStruct(in); err != nil {
		return entity.BookTitle{}, err
	}

	var out entity.BookTitle
	err := s.store.InTx(ctx, func(ctx context.Context, q storage.Querier) error {
		t, err := storage.Get[entity.BookTitle](ctx, q, storage.Live, id)
		if err != nil {
			return storage.Translate(err, "book title")
		}
		applyTitle(t, in)
		t.UpdatedAt = s.rec.Now()
		n, err := storage.Update[entity.BookTitle](ctx, q, storage.Live, id, storage.Set{
			"title": t.Title, "isbn": t.ISBN, "author": t.Author, "publisher": t.Publisher,
			"publication_year": t.Year, "language": t.Language, "genre": t.Genre, "subject": t.Subject,
			"updated_at": t.UpdatedAt,
		})
		if err != nil {
			return storage.Translate(err, "book title")
		}
		if n == 0 {
			return errs.NotFound("book title not found")
		}
		out = *t
		return s.rec.Record(ctx, q, actor, audit.ActionTitleUpdate, entity.TypeBookTitle, id, in)
	})
	return out, err
}

// DeleteTitle は貸出中・取り置き中のコピーや有効な予約がある書名は消せない。
// 消した書名のコピーは貸出可能数に数えず、貸し出しもできない
func (s *Service) DeleteTitle(ctx context.Context, actor audit.Actor, id string) error {
	return s.store.InTx(ctx, func(ctx context.Context, q storage.Querier) error {
		busy, err := storage.Count[entity.Book](ctx, q, storage.Live,
			copiesOf(id, storage.In("status", entity.CopyBorrowed, entity.CopyReserved)))
		if err != nil {
			return storage.Translate(err, "book")
		}
		if busy > 0 {
			return errs.InvalidState(errs.ReasonStatusTransition, "title has copies on loan or on hold")
		}
		waiting, err := storage.Count[entity.Reservation](ctx, q, storage.Live, storage.Where(
			storage.Eq("title_id", id),
			storage.IsNull("cancelled_at"),
			storage.IsNull("expired_at"),
			storage.Gt("expires_at", s.rec.Now()),
		))
		if err != nil {
			return storage.Translate(err, "reservation")
		}
		if waiting > 0 {
			return errs.InvalidState(errs.ReasonStatusTransition, "title has active reservations")
		}
		return audit.SoftDelete[entity.BookTitle](ctx, q, s.rec, actor, id)
	})
}

func (s *Service) RestoreTitle(ctx context.Context, actor audit.Actor, id string) error {
	return s.store.InTx(ctx, func(ctx context.Context, q storage.Querier) error {
		return audit.Restore[entity.BookTitle](ctx, q, s.rec, actor, id)
	})
}

// ===== コピー =====

func (s *Service) AddCopy(ctx context.Context, actor audit.Actor, titleID string, in AddCopyInput) (entity.Book, error) {
	in.QRCode = strings.TrimSpace(in.QRCode)
	in.InventoryNumber = trimPtr(in.InventoryNumber)
	if err := validateStruct(in); err != nil {
		return entity.Book{}, err
	}

	b := entity.Book{
		Base:            entity.NewBase(s.rec.NewID(), s.rec.Now()),
		TitleID:         titleID,
		QRCode:          in.QRCode,
		InventoryNumber: in.InventoryNumber,
		Status:          entity.CopyAvailable,
		Condition:       in.Condition,
		Location:        in.Location,
	}
	err := s.store.InTx(ctx, func(ctx context.Context, q storage.Querier) error {
		if _, err := storage.Get[entity.BookTitle](ctx, q, storage.Live, titleID); err != nil {
			return storage.Translate(err, "book title")
		}
		if err := storage.Insert(ctx, q, &b); err != nil {
			return storage.Translate(err, "book")
		}
		if err := s.rec.Record(ctx, q, actor, audit.ActionCopyCreate, entity.TypeBook, b.ID,
			map[string]any{"title_id": titleID, "qr_code": b.QRCode, "condition": b.Condition.String()}); err != nil {
			return err
		}
		return s.released(ctx, q, actor, &b)
	})
	if err != nil {
		return entity.Book{}, err
	}
	return b, nil
}

func (s *Service) GetCopy(ctx context.Context, id string) (entity.Book, error) {
	b, err := storage.Get[entity.Book](ctx, s.store, storage.Live, id)
	if err != nil {
		return entity.Book{}, storage.Translate(err, "book")
	}
	return *b, nil
}

// GetCopyByQR はカウンターでのスキャン用
func (s *Service) GetCopyByQR(ctx context.Context, qr string) (entity.Book, error) {
	b, err := storage.First[entity.Book](ctx, s.store, storage.Live, storage.Where(storage.Eq("qr_code", qr)))
	if err != nil {
		return entity.Book{}, storage.Translate(err, "book")
	}
	return *b, nil
}

func (s *Service) ListCopies(ctx context.Context, titleID string) ([]entity.Book, error) {
	rows, err := storage.List[entity.Book](ctx, s.store, storage.Live,
		copiesOf(titleID).OrderBy(storage.Asc("created_at"), storage.Asc("id")))
	if err != nil {
		return nil, storage.Translate(err, "book")
	}
	return rows, nil
}

func (s *Service) UpdateCopy(ctx context.Context, actor audit.Actor, id string, in UpdateCopyInput) (entity.Book, error) {
	if err := validateStruct(in); err != nil {
		return entity.Book{}, err
	}
	set := storage.Set{}
	if in.Condition != nil {
		set["book_condition"] = *in.Condition
	}
	if in.Location != nil {
		set["location"] = strings.TrimSpace(*in.Location)
	}
	if len(set) == 0 {
		return entity.Book{}, errs.Invalid("nothing to update")
	}

	var out entity.Book
	err := s.store.InTx(ctx, func(ctx context.Context, q storage.Querier) error {
		n, err := storage.Update[entity.Book](ctx, q, storage.Live, id, set)
		if err != nil {
			return storage.Translate(err, "book")
		}
		if n == 0 {
			return errs.NotFound("book not found")
		}
		b, err := storage.Get[entity.Book](ctx, q, storage.Live, id)
		if err != nil {
			return storage.Translate(err, "book")
		}
		out = *b
		return s.rec.Record(ctx, q, actor, audit.ActionCopyUpdate, entity.TypeBook, id, in)
	})
	return out, err
}

// SetCopyStatus は手動の状態変更（破損・除籍・紛失など）。
// 貸出中・取り置き中のコピーは貸出処理からしか動かせない
func (s *Service) SetCopyStatus(ctx context.Context, actor audit.Actor, id string, to entity.CopyStatus) (entity.Book, error) {
	if !to.Valid() {
		return entity.Book{}, errs.Invalid("unknown copy status: " + string(to))
	}
	var out entity.Book
	err := s.store.InTx(ctx, func(ctx context.Context, q storage.Querier) error {
		b, err := storage.Get[entity.Book](ctx, q, storage.Live, id)
		if err != nil {
			return storage.Translate(err, "book")
		}
		from := b.Status
		if !entity.CanTransitionManually(from, to) {
			return errs.InvalidState(errs.ReasonStatusTransition,
				"cannot change copy status from "+string(from)+" to "+string(to))
		}
		n, err := storage.Update[entity.Book](ctx, q, storage.Live, id,
			storage.Set{"status": to}, storage.Eq("status", from))
		if err != nil {
			return storage.Translate(err, "book")
		}
		if n == 0 {
			return errs.Conflict(errs.ReasonConcurrentUpdate, "copy status changed concurrently")
		}
		b.Status = to
		if err := s.rec.Record(ctx, q, actor, audit.ActionCopyStatus, entity.TypeBook, id,
			map[string]string{"from": string(from), "to": string(to)}); err != nil {
			return err
		}
		if err := s.released(ctx, q, actor, b); err != nil {
			return err
		}
		out = *b
		return nil
	})
	if err != nil {
		return entity.Book{}, err
	}
	s.log.Info("copy status changed", slog.String("book_id", id), slog.String("status", string(to)))
	return out, nil
}

func (s *Service) DeleteCopy(ctx context.Context, actor audit.Actor, id string) error {
	return s.store.InTx(ctx, func(ctx context.Context, q storage.Querier) error {
		b, err := storage.Get[entity.Book](ctx, q, storage.Live, id)
		if err != nil {
			return storage.Translate(err, "book")
		}
		if b.Status == entity.CopyBorrowed || b.Status == entity.CopyReserved {
			return errs.InvalidState(errs.ReasonStatusTransition, "copy is on loan or on hold")
		}
		return audit.SoftDelete[entity.Book](ctx, q, s.rec, actor, id)
	})
}

// RestoreCopy で Available のまま戻ったコピーも返却待ちに回す
func (s *Service) RestoreCopy(ctx context.Context, actor audit.Actor, id string) error {
	return s.store.InTx(ctx, func(ctx context.Context, q storage.Querier) error {
		if err := audit.Restore[entity.Book](ctx, q, s.rec, actor, id); err != nil {
			return err
		}
		b, err := storage.Get[entity.Book](ctx, q, storage.Live, id)
		if err != nil {
			return storage.Translate(err, "book")
		}
		return s.released(ctx, q, actor, b)
	})
}

// released は Available になったコピーを ReleaseHook に渡し、b を読み直す
func (s *Service) released(ctx context.Context, q storage.Querier, actor audit.Actor, b *entity.Book) error {
	if b.Status != entity.CopyAvailable || s.release == nil {
		return nil
	}
	if err := s.release.CopyReleased(ctx, q, actor, *b); err != nil {
		return err
	}
	fresh, err := storage.Get[entity.Book](ctx, q, storage.Live, b.ID)
	if err != nil {
		return storage.Translate(err, "book")
	}
	*b = *fresh
	return nil
}

// ===== 集計 =====

func (s *Service) AvailableCopies(ctx context.Context, titleID string) (int, error) {
	return AvailableCopies(ctx, s.store, titleID)
}

func (s *Service) BestAvailableCopy(ctx context.Context, titleID string) (*entity.Book, bool, error) {
	return BestAvailableCopy(ctx, s.store, titleID)
}

func (s *Service) Statistics(ctx context.Context, titleID string) (CopyStats, error) {
	return Statistics(ctx, s.store, titleID)
}
