package storage

import "time"

// Scope は論理削除行の扱い。全ての読み取りで明示的に渡す
type Scope int

const (
	// Live は is_deleted = false の行だけ
	Live Scope = iota
	WithDeleted
	OnlyDeleted
)

func (s Scope) String() string {
	switch s {
	case Live:
		return "live"
	case WithDeleted:
		return "with_deleted"
	case OnlyDeleted:
		return "only_deleted"
	}
	return "unknown"
}

type Op int

const (
	OpEq Op = iota
	OpNeq
	OpLt
	OpLte
	OpGt
	OpGte
	OpIn
	OpNotIn
	OpIsNull
	OpNotNull
	OpLike
	OpOr
	OpAnd
)

// Cond はフィールドに対する宣言的な条件。SQL への変換はストア側で行う
type Cond struct {
	Field string
	Op    Op
	Value any
	// OpOr / OpAnd のときの子条件
	Sub []Cond
}

func Eq(field string, v any) Cond  { return Cond{Field: field, Op: OpEq, Value: v} }
func Neq(field string, v any) Cond { return Cond{Field: field, Op: OpNeq, Value: v} }
func Lt(field string, v any) Cond  { return Cond{Field: field, Op: OpLt, Value: v} }
func Lte(field string, v any) Cond { return Cond{Field: field, Op: OpLte, Value: v} }
func Gt(field string, v any) Cond  { return Cond{Field: field, Op: OpGt, Value: v} }
func Gte(field string, v any) Cond { return Cond{Field: field, Op: OpGte, Value: v} }

// In は値の一覧に含まれるか。vals はスライスで渡す
func In[T any](field string, vals ...T) Cond {
	vs := make([]any, 0, len(vals))
	for _, v := range vals {
		vs = append(vs, v)
	}
	return Cond{Field: field, Op: OpIn, Value: vs}
}

func NotIn[T any](field string, vals ...T) Cond {
	c := In(field, vals...)
	c.Op = OpNotIn
	return c
}

func IsNull(field string) Cond  { return Cond{Field: field, Op: OpIsNull} }
func NotNull(field string) Cond { return Cond{Field: field, Op: OpNotNull} }

// Contains は部分一致（LIKE '%v%'）
func Contains(field, v string) Cond {
	return Cond{Field: field, Op: OpLike, Value: "%" + v + "%"}
}

func AnyOf(conds ...Cond) Cond { return Cond{Op: OpOr, Sub: conds} }
func AllOf(conds ...Cond) Cond { return Cond{Op: OpAnd, Sub: conds} }

// Between は from <= field < to の半開区間
func Between(field string, from, to time.Time) Cond {
	return AllOf(Gte(field, from), Lt(field, to))
}

type Sort struct {
	Field string
	Desc  bool
}

func Asc(field string) Sort  { return Sort{Field: field} }
func Desc(field string) Sort { return Sort{Field: field, Desc: true} }

const (
	DefaultLimit = 50
	MaxLimit     = 200
)

type Query struct {
	Where  []Cond
	Order  []Sort
	Limit  int
	Offset int
}

func Where(conds ...Cond) Query { return Query{Where: conds} }

func (q Query) And(conds ...Cond) Query {
	w := make([]Cond, 0, len(q.Where)+len(conds))
	w = append(w, q.Where...)
	q.Where = append(w, conds...)
	return q
}

func (q Query) OrderBy(s ...Sort) Query {
	q.Order = append(append([]Sort{}, q.Order...), s...)
	return q
}

func (q Query) Page(p Page) Query {
	p = p.Normalize()
	q.Limit, q.Offset = p.Limit, p.Offset
	return q
}

// Page は一覧 API のページ指定
type Page struct {
	Limit  int `form:"limit"`
	Offset int `form:"offset"`
}

func (p Page) Normalize() Page {
	if p.Limit <= 0 {
		p.Limit = DefaultLimit
	}
	if p.Limit > MaxLimit {
		p.Limit = MaxLimit
	}
	if p.Offset < 0 {
		p.Offset = 0
	}
	return p
}

// NextOffset は次ページの offset。終端なら 0
func (p Page) NextOffset(total int) int {
	p = p.Normalize()
	next := p.Offset + p.Limit
	if next >= total {
		return 0
	}
	return next
}
