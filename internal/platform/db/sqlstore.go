package db

import (
	"context"
	"database/sql"
	"fmt"
	"reflect"

	"github.com/doug-martin/goqu/v9"
	_ "github.com/doug-martin/goqu/v9/dialect/mysql"
	_ "github.com/doug-martin/goqu/v9/dialect/sqlite3"
	"github.com/doug-martin/goqu/v9/exp"
	"github.com/jmoiron/sqlx"

	"LIBRA-backend/internal/library/storage"
	"LIBRA-backend/internal/platform/clock"
)

const (
	colID        = "id"
	colUpdatedAt = "updated_at"
	colIsDeleted = "is_deleted"
)

// SQLStore は storage.Store の SQL 実装。SQL は goqu で組み立て、sqlx で実行・スキャンする
type SQLStore struct {
	db      *sqlx.DB
	dialect goqu.DialectWrapper
	clock   clock.Clock
	txOpts  *sql.TxOptions
}

var _ storage.Store = (*SQLStore)(nil)

// NewStore の driver は "mysql" / "sqlite3"
func NewStore(db *sqlx.DB, driver string, clk clock.Clock) *SQLStore {
	if clk == nil {
		clk = clock.Real()
	}
	s := &SQLStore{db: db, dialect: goqu.Dialect(driver), clock: clk}
	// MySQL は生徒行の更新で直列化したあとの件数チェックが最新を読めるよう READ COMMITTED にする
	if driver == DriverMySQL {
		s.txOpts = &sql.TxOptions{Isolation: sql.LevelReadCommitted}
	}
	return s
}

func (s *SQLStore) DB() *sqlx.DB { return s.db }

func (s *SQLStore) querier(x DBTX) *querier {
	return &querier{x: x, dialect: s.dialect, clock: s.clock}
}

func (s *SQLStore) Get(ctx context.Context, table string, scope storage.Scope, id string, dest any) error {
	return s.querier(s.db).Get(ctx, table, scope, id, dest)
}

func (s *SQLStore) First(ctx context.Context, table string, scope storage.Scope, q storage.Query, dest any) error {
	return s.querier(s.db).First(ctx, table, scope, q, dest)
}

func (s *SQLStore) Select(ctx context.Context, table string, scope storage.Scope, q storage.Query, dest any) error {
	return s.querier(s.db).Select(ctx, table, scope, q, dest)
}

func (s *SQLStore) Count(ctx context.Context, table string, scope storage.Scope, q storage.Query) (int, error) {
	return s.querier(s.db).Count(ctx, table, scope, q)
}

func (s *SQLStore) CountBy(ctx context.Context, table string, scope storage.Scope, q storage.Query, field string) (map[string]int, error) {
	return s.querier(s.db).CountBy(ctx, table, scope, q, field)
}

func (s *SQLStore) Insert(ctx context.Context, table string, row any) error {
	return s.querier(s.db).Insert(ctx, table, row)
}

func (s *SQLStore) Update(ctx context.Context, table string, scope storage.Scope, id string, set storage.Set, expect ...storage.Cond) (int64, error) {
	return s.querier(s.db).Update(ctx, table, scope, id, set, expect...)
}

func (s *SQLStore) InTx(ctx context.Context, fn func(ctx context.Context, q storage.Querier) error) error {
	err := RunInTx(ctx, s.db, s.txOpts, func(ctx context.Context, tx DBTX) error {
		return fn(ctx, s.querier(tx))
	})
	return translateErr(err)
}

// ===== querier =====

type querier struct {
	x       DBTX
	dialect goqu.DialectWrapper
	clock   clock.Clock
}

func (q *querier) from(table string, scope storage.Scope, query storage.Query) (*goqu.SelectDataset, error) {
	ds := q.dialect.From(table).Prepared(true)
	where, err := whereOf(scope, query.Where)
	if err != nil {
		return nil, err
	}
	if len(where) > 0 {
		ds = ds.Where(where...)
	}
	return ds, nil
}

func (q *querier) Get(ctx context.Context, table string, scope storage.Scope, id string, dest any) error {
	return q.First(ctx, table, scope, storage.Where(storage.Eq(colID, id)), dest)
}

func (q *querier) First(ctx context.Context, table string, scope storage.Scope, query storage.Query, dest any) error {
	ds, err := q.from(table, scope, query)
	if err != nil {
		return err
	}
	if len(query.Order) > 0 {
		ds = ds.Order(orderOf(query.Order)...)
	}
	ds = ds.Limit(1)
	sqlStr, args, err := ds.ToSQL()
	if err != nil {
		return fmt.Errorf("build select %s: %w", table, err)
	}
	return translateErr(sqlx.GetContext(ctx, q.x, dest, sqlStr, args...))
}

func (q *querier) Select(ctx context.Context, table string, scope storage.Scope, query storage.Query, dest any) error {
	ds, err := q.from(table, scope, query)
	if err != nil {
		return err
	}
	if len(query.Order) > 0 {
		ds = ds.Order(orderOf(query.Order)...)
	}
	if query.Limit > 0 {
		ds = ds.Limit(uint(query.Limit))
	}
	if query.Offset > 0 {
		ds = ds.Offset(uint(query.Offset))
	}
	sqlStr, args, err := ds.ToSQL()
	if err != nil {
		return fmt.Errorf("build select %s: %w", table, err)
	}
	return translateErr(sqlx.SelectContext(ctx, q.x, dest, sqlStr, args...))
}

func (q *querier) Count(ctx context.Context, table string, scope storage.Scope, query storage.Query) (int, error) {
	ds, err := q.from(table, scope, query)
	if err != nil {
		return 0, err
	}
	sqlStr, args, err := ds.Select(goqu.COUNT(goqu.Star())).ToSQL()
	if err != nil {
		return 0, fmt.Errorf("build count %s: %w", table, err)
	}
	var n int
	if err := sqlx.GetContext(ctx, q.x, &n, sqlStr, args...); err != nil {
		return 0, translateErr(err)
	}
	return n, nil
}

type groupCount struct {
	Key string `db:"k"`
	N   int    `db:"n"`
}

func (q *querier) CountBy(ctx context.Context, table string, scope storage.Scope, query storage.Query, field string) (map[string]int, error) {
	ds, err := q.from(table, scope, query)
	if err != nil {
		return nil, err
	}
	sqlStr, args, err := ds.
		Select(goqu.C(field).As("k"), goqu.COUNT(goqu.Star()).As("n")).
		GroupBy(goqu.C(field)).
		ToSQL()
	if err != nil {
		return nil, fmt.Errorf("build count by %s.%s: %w", table, field, err)
	}
	var rows []groupCount
	if err := sqlx.SelectContext(ctx, q.x, &rows, sqlStr, args...); err != nil {
		return nil, translateErr(err)
	}
	out := make(map[string]int, len(rows))
	for _, r := range rows {
		out[r.Key] = r.N
	}
	return out, nil
}

func (q *querier) Insert(ctx context.Context, table string, row any) error {
	// goqu には構造体の値で渡す（db タグから列を決める）
	v := reflect.Indirect(reflect.ValueOf(row)).Interface()
	sqlStr, args, err := q.dialect.Insert(table).Prepared(true).Rows(v).ToSQL()
	if err != nil {
		return fmt.Errorf("build insert %s: %w", table, err)
	}
	if _, err := q.x.ExecContext(ctx, sqlStr, args...); err != nil {
		return translateErr(err)
	}
	return nil
}

func (q *querier) Update(ctx context.Context, table string, scope storage.Scope, id string, set storage.Set, expect ...storage.Cond) (int64, error) {
	if len(set) == 0 {
		return 0, fmt.Errorf("update %s: empty set", table)
	}
	rec := goqu.Record{}
	for col, v := range set {
		if inc, ok := v.(storage.Incr); ok {
			rec[col] = goqu.L("? + ?", goqu.I(col), int64(inc))
			continue
		}
		rec[col] = v
	}
	if _, ok := rec[colUpdatedAt]; !ok {
		rec[colUpdatedAt] = q.clock.Now()
	}

	conds := append([]storage.Cond{storage.Eq(colID, id)}, expect...)
	where, err := whereOf(scope, conds)
	if err != nil {
		return 0, err
	}
	sqlStr, args, err := q.dialect.Update(table).Prepared(true).Set(rec).Where(where...).ToSQL()
	if err != nil {
		return 0, fmt.Errorf("build update %s: %w", table, err)
	}
	res, err := q.x.ExecContext(ctx, sqlStr, args...)
	if err != nil {
		return 0, translateErr(err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, translateErr(err)
	}
	return n, nil
}

// ===== Cond → goqu =====

func whereOf(scope storage.Scope, conds []storage.Cond) ([]exp.Expression, error) {
	out := make([]exp.Expression, 0, len(conds)+1)
	switch scope {
	case storage.Live:
		out = append(out, goqu.C(colIsDeleted).Eq(0))
	case storage.OnlyDeleted:
		out = append(out, goqu.C(colIsDeleted).Eq(1))
	case storage.WithDeleted:
	default:
		return nil, fmt.Errorf("unknown scope %d", scope)
	}
	for _, c := range conds {
		e, err := exprOf(c)
		if err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, nil
}

var (
	alwaysFalse = goqu.L("1 = 0")
	alwaysTrue  = goqu.L("1 = 1")
)

// goqu は bool との比較を IS TRUE にするので、MySQL でも通る 0/1 に直す
func boolToInt(v any) any {
	if b, ok := v.(bool); ok {
		if b {
			return 1
		}
		return 0
	}
	return v
}

func exprOf(c storage.Cond) (exp.Expression, error) {
	col := goqu.C(c.Field)
	c.Value = boolToInt(c.Value)
	switch c.Op {
	case storage.OpEq:
		if c.Value == nil {
			return col.IsNull(), nil
		}
		return col.Eq(c.Value), nil
	case storage.OpNeq:
		if c.Value == nil {
			return col.IsNotNull(), nil
		}
		return col.Neq(c.Value), nil
	case storage.OpLt:
		return col.Lt(c.Value), nil
	case storage.OpLte:
		return col.Lte(c.Value), nil
	case storage.OpGt:
		return col.Gt(c.Value), nil
	case storage.OpGte:
		return col.Gte(c.Value), nil
	case storage.OpIn, storage.OpNotIn:
		vals, ok := c.Value.([]any)
		if !ok {
			return nil, fmt.Errorf("cond %s: IN expects []any, got %T", c.Field, c.Value)
		}
		if len(vals) == 0 {
			if c.Op == storage.OpIn {
				return alwaysFalse, nil
			}
			return alwaysTrue, nil
		}
		if c.Op == storage.OpIn {
			return col.In(vals...), nil
		}
		return col.NotIn(vals...), nil
	case storage.OpIsNull:
		return col.IsNull(), nil
	case storage.OpNotNull:
		return col.IsNotNull(), nil
	case storage.OpLike:
		return col.Like(c.Value), nil
	case storage.OpOr, storage.OpAnd:
		if len(c.Sub) == 0 {
			if c.Op == storage.OpOr {
				return alwaysFalse, nil
			}
			return alwaysTrue, nil
		}
		subs := make([]exp.Expression, 0, len(c.Sub))
		for _, sc := range c.Sub {
			e, err := exprOf(sc)
			if err != nil {
				return nil, err
			}
			subs = append(subs, e)
		}
		if c.Op == storage.OpOr {
			return goqu.Or(subs...), nil
		}
		return goqu.And(subs...), nil
	}
	return nil, fmt.Errorf("cond %s: unknown op %d", c.Field, c.Op)
}

func orderOf(sorts []storage.Sort) []exp.OrderedExpression {
	out := make([]exp.OrderedExpression, 0, len(sorts))
	for _, s := range sorts {
		if s.Desc {
			out = append(out, goqu.I(s.Field).Desc())
		} else {
			out = append(out, goqu.I(s.Field).Asc())
		}
	}
	return out
}
