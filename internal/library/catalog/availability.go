package catalog

import (
	"context"

	"LIBRA-backend/internal/library/entity"
	"LIBRA-backend/internal/library/storage"
)

// copiesOf は書名に属する生きたコピー
func copiesOf(titleID string, conds ...storage.Cond) storage.Query {
	return storage.Where(append([]storage.Cond{storage.Eq("title_id", titleID)}, conds...)...)
}

// titleLive は書名が論理削除されていないか
func titleLive(ctx context.Context, q storage.Querier, titleID string) (bool, error) {
	_, found, err := storage.FindFirst[entity.BookTitle](ctx, q, storage.Live, storage.Where(storage.Eq("id", titleID)))
	if err != nil {
		return false, storage.Translate(err, "book title")
	}
	return found, nil
}

// AvailableCopies は貸出可能なコピー数。削除済みの書名は 0
func AvailableCopies(ctx context.Context, q storage.Querier, titleID string) (int, error) {
	if ok, err := titleLive(ctx, q, titleID); err != nil || !ok {
		return 0, err
	}
	n, err := storage.Count[entity.Book](ctx, q, storage.Live,
		copiesOf(titleID, storage.Eq("status", entity.CopyAvailable)))
	if err != nil {
		return 0, storage.Translate(err, "book")
	}
	return n, nil
}

// BestAvailableCopy は状態が一番良い貸出可能コピー。同じなら登録の古い順、次に id 順。
// 無いときは (nil, false, nil)
func BestAvailableCopy(ctx context.Context, q storage.Querier, titleID string) (*entity.Book, bool, error) {
	if ok, err := titleLive(ctx, q, titleID); err != nil || !ok {
		return nil, false, err
	}
	b, found, err := storage.FindFirst[entity.Book](ctx, q, storage.Live,
		copiesOf(titleID, storage.Eq("status", entity.CopyAvailable)).
			OrderBy(storage.Asc("book_condition"), storage.Asc("created_at"), storage.Asc("id")))
	if err != nil {
		return nil, false, storage.Translate(err, "book")
	}
	return b, found, nil
}

// CirculatingCopies は紛失・除籍以外のコピー数
func CirculatingCopies(ctx context.Context, q storage.Querier, titleID string) (int, error) {
	if ok, err := titleLive(ctx, q, titleID); err != nil || !ok {
		return 0, err
	}
	n, err := storage.Count[entity.Book](ctx, q, storage.Live,
		copiesOf(titleID, storage.NotIn("status", entity.CopyLost, entity.CopyRetired)))
	if err != nil {
		return 0, storage.Translate(err, "book")
	}
	return n, nil
}

func Statistics(ctx context.Context, q storage.Querier, titleID string) (CopyStats, error) {
	by, err := storage.CountBy[entity.Book](ctx, q, storage.Live, copiesOf(titleID), "status")
	if err != nil {
		return CopyStats{}, storage.Translate(err, "book")
	}
	st := CopyStats{
		TitleID:   titleID,
		Available: by[string(entity.CopyAvailable)],
		Borrowed:  by[string(entity.CopyBorrowed)],
		Reserved:  by[string(entity.CopyReserved)],
	}
	for _, n := range by {
		st.Total += n
	}
	return st, nil
}
