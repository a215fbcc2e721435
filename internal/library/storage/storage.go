// Package storage は循環エンジンが使う永続化インターフェース。
// 条件は Cond で宣言的に表し、SQL の組み立てと実行は実装側（platform/db）に任せる。
package storage

import (
	"context"
	"errors"

	"LIBRA-backend/internal/platform/errs"
)

// Record はテーブルに対応するエンティティ
type Record interface {
	TableName() string
}

// Set は UPDATE の列と値
type Set map[string]any

// Incr を Set の値にすると col = col + n になる
type Incr int64

var (
	ErrNotFound   = errors.New("storage: not found")
	ErrDuplicate  = errors.New("storage: duplicate key")
	ErrConflict   = errors.New("storage: concurrent update conflict")
	ErrRestricted = errors.New("storage: restricted by foreign key")
)

type Querier interface {
	// Get は id で1件取得。無ければ ErrNotFound
	Get(ctx context.Context, table string, scope Scope, id string, dest any) error
	// First は条件に合う先頭1件。無ければ ErrNotFound
	First(ctx context.Context, table string, scope Scope, q Query, dest any) error
	Select(ctx context.Context, table string, scope Scope, q Query, dest any) error
	Count(ctx context.Context, table string, scope Scope, q Query) (int, error)
	// CountBy は field ごとの件数
	CountBy(ctx context.Context, table string, scope Scope, q Query, field string) (map[string]int, error)
	Insert(ctx context.Context, table string, row any) error
	// Update は id と expect を全て満たす行だけ更新し、更新件数を返す（比較して更新）
	Update(ctx context.Context, table string, scope Scope, id string, set Set, expect ...Cond) (int64, error)
}

type Store interface {
	Querier
	// InTx は fn を1トランザクションで実行する。fn がエラーなら ROLLBACK
	InTx(ctx context.Context, fn func(ctx context.Context, q Querier) error) error
}

// ===== 型付きヘルパー =====

func Get[T Record](ctx context.Context, q Querier, scope Scope, id string) (*T, error) {
	var zero, out T
	if err := q.Get(ctx, zero.TableName(), scope, id, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func First[T Record](ctx context.Context, q Querier, scope Scope, query Query) (*T, error) {
	var zero, out T
	if err := q.First(ctx, zero.TableName(), scope, query, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// FindFirst は First と同じだが、無い場合は (nil, false, nil)
func FindFirst[T Record](ctx context.Context, q Querier, scope Scope, query Query) (*T, bool, error) {
	out, err := First[T](ctx, q, scope, query)
	if errors.Is(err, ErrNotFound) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	return out, true, nil
}

func List[T Record](ctx context.Context, q Querier, scope Scope, query Query) ([]T, error) {
	var zero T
	out := make([]T, 0)
	if err := q.Select(ctx, zero.TableName(), scope, query, &out); err != nil {
		return nil, err
	}
	return out, nil
}

func Count[T Record](ctx context.Context, q Querier, scope Scope, query Query) (int, error) {
	var zero T
	return q.Count(ctx, zero.TableName(), scope, query)
}

func CountBy[T Record](ctx context.Context, q Querier, scope Scope, query Query, field string) (map[string]int, error) {
	var zero T
	return q.CountBy(ctx, zero.TableName(), scope, query, field)
}

func Insert[T Record](ctx context.Context, q Querier, row *T) error {
	return q.Insert(ctx, (*row).TableName(), row)
}

func Update[T Record](ctx context.Context, q Querier, scope Scope, id string, set Set, expect ...Cond) (int64, error) {
	var zero T
	return q.Update(ctx, zero.TableName(), scope, id, set, expect...)
}

// Translate はストアのエラーをエラー種別に変換する。what は "loan" などの対象名
func Translate(err error, what string) error {
	if err == nil {
		return nil
	}
	var e *errs.Error
	switch {
	case errors.As(err, &e):
		return err
	case errors.Is(err, ErrNotFound):
		return errs.NotFound(what + " not found")
	case errors.Is(err, ErrDuplicate):
		return &errs.Error{Code: errs.CodeConflict, Reason: errs.ReasonDuplicate, Message: what + " already exists", Err: err}
	case errors.Is(err, ErrConflict):
		return &errs.Error{Code: errs.CodeConflict, Reason: errs.ReasonConcurrentUpdate, Message: what + " was changed concurrently, retry", Err: err}
	case errors.Is(err, ErrRestricted):
		return &errs.Error{Code: errs.CodeInvalidState, Reason: errs.ReasonStatusTransition, Message: what + " is referenced by other records", Err: err}
	default:
		return errs.Storage("storage failure on "+what, err)
	}
}
