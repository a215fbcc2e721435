// Package entity は図書館の永続エンティティと、それに対する純粋な派生判定をまとめる。
// 判定関数は now を引数で受け取り、エンティティ自身は状態を持たない。
package entity

import "time"

// Base は全テーブル共通の属性。各エンティティに埋め込む
type Base struct {
	ID        string    `db:"id"         json:"id"`
	CreatedAt time.Time `db:"created_at" json:"created_at"`
	UpdatedAt time.Time `db:"updated_at" json:"updated_at"`
	IsDeleted bool      `db:"is_deleted" json:"is_deleted"`
}

func NewBase(id string, now time.Time) Base {
	return Base{ID: id, CreatedAt: now, UpdatedAt: now}
}

// 監査ログの entity_type に使う名前
const (
	TypeStudent     = "student"
	TypeTeacher     = "teacher"
	TypeBookTitle   = "book_title"
	TypeBook        = "book"
	TypeLoan        = "loan"
	TypeReservation = "reservation"
	TypeSetting     = "app_setting"
)

// Student は利用者（生徒）
type Student struct {
	Base
	FirstName string `db:"first_name" json:"first_name"`
	ClassCode string `db:"class_code" json:"class_code"`
	QRCode    string `db:"qr_code"    json:"qr_code"`
	IsActive  bool   `db:"is_active"  json:"is_active"`
	// 貸出上限チェックを直列化するための行バージョン
	Version int64 `db:"version" json:"-"`
}

func (Student) TableName() string  { return "students" }
func (Student) EntityType() string { return TypeStudent }

func DisplayName(s Student) string {
	if s.ClassCode == "" {
		return s.FirstName
	}
	return s.FirstName + " (" + s.ClassCode + ")"
}

type Role string

const (
	RoleAdmin     Role = "Admin"
	RoleLibrarian Role = "Librarian"
	RoleStaff     Role = "Staff"
)

func (r Role) Valid() bool {
	switch r {
	case RoleAdmin, RoleLibrarian, RoleStaff:
		return true
	}
	return false
}

// Teacher は職員アカウント。監査ログの作成者になる
type Teacher struct {
	Base
	Username     string `db:"username"      json:"username"`
	PasswordHash string `db:"password_hash" json:"-"`
	Role         Role   `db:"role"          json:"role"`
	IsActive     bool   `db:"is_active"     json:"is_active"`
}

func (Teacher) TableName() string  { return "teachers" }
func (Teacher) EntityType() string { return TypeTeacher }
