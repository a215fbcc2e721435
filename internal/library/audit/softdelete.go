package audit

import (
	"context"

	"LIBRA-backend/internal/library/entity"
	"LIBRA-backend/internal/library/storage"
	"LIBRA-backend/internal/platform/errs"
)

// Deletable は論理削除できるエンティティ。AuditLog は EntityType を持たないので対象外
type Deletable interface {
	storage.Record
	EntityType() string
}

// SoftDelete は is_deleted を立てる。関連行への連鎖はしない。
// 既に削除済みの行は NotFound
func SoftDelete[T Deletable](ctx context.Context, q storage.Querier, rec *Recorder, actor Actor, id string) error {
	var zero T
	n, err := storage.Update[T](ctx, q, storage.Live, id, storage.Set{"is_deleted": true})
	if err != nil {
		return storage.Translate(err, zero.EntityType())
	}
	if n == 0 {
		return errs.NotFound(zero.EntityType() + " not found")
	}
	return rec.Record(ctx, q, actor, ActionDelete, zero.EntityType(), id, nil)
}

// Restore は論理削除を取り消す。削除されていない行は InvalidState
func Restore[T Deletable](ctx context.Context, q storage.Querier, rec *Recorder, actor Actor, id string) error {
	var zero T
	n, err := storage.Update[T](ctx, q, storage.OnlyDeleted, id, storage.Set{"is_deleted": false})
	if err != nil {
		return storage.Translate(err, zero.EntityType())
	}
	if n == 0 {
		if _, err := storage.Get[T](ctx, q, storage.Live, id); err == nil {
			return errs.InvalidState(errs.ReasonNotDeleted, zero.EntityType()+" is not deleted")
		}
		return errs.NotFound(zero.EntityType() + " not found")
	}
	return rec.Record(ctx, q, actor, ActionRestore, zero.EntityType(), id, nil)
}

// 型チェック
var (
	_ Deletable = entity.Student{}
	_ Deletable = entity.Teacher{}
	_ Deletable = entity.BookTitle{}
	_ Deletable = entity.Book{}
	_ Deletable = entity.Loan{}
	_ Deletable = entity.Reservation{}
	_ Deletable = entity.AppSetting{}
)
