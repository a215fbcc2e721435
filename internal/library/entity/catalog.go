package entity

import (
	"fmt"
	"strings"
)

type BookTitle struct {
	Base
	Title     string  `db:"title"     json:"title"`
	ISBN      *string `db:"isbn"      json:"isbn,omitempty"`
	Author    string  `db:"author"    json:"author"`
	Publisher string  `db:"publisher" json:"publisher"`
	Year      *int    `db:"publication_year" json:"year,omitempty"`
	Language  string  `db:"language"  json:"language"`
	Genre     string  `db:"genre"     json:"genre"`
	Subject   string  `db:"subject"   json:"subject"`
	// ISBN 検索結果のキャッシュ（JSON）
	ExternalMetadata *string `db:"external_metadata" json:"external_metadata,omitempty"`
}

func (BookTitle) TableName() string  { return "book_titles" }
func (BookTitle) EntityType() string { return TypeBookTitle }

type CopyStatus string

const (
	CopyAvailable CopyStatus = "Available"
	CopyBorrowed  CopyStatus = "Borrowed"
	CopyReserved  CopyStatus = "Reserved"
	CopyDamaged   CopyStatus = "Damaged"
	CopyLost      CopyStatus = "Lost"
	CopyRetired   CopyStatus = "Retired"
)

func (s CopyStatus) Valid() bool {
	switch s {
	case CopyAvailable, CopyBorrowed, CopyReserved, CopyDamaged, CopyLost, CopyRetired:
		return true
	}
	return false
}

// Circulating は将来貸出に戻りうる状態か（紛失・除籍以外）
func (s CopyStatus) Circulating() bool {
	return s != CopyLost && s != CopyRetired
}

// manualTransitions は貸出・予約を経由しない手動の状態変更
var manualTransitions = map[CopyStatus][]CopyStatus{
	CopyAvailable: {CopyDamaged, CopyRetired, CopyLost},
	CopyDamaged:   {CopyAvailable, CopyRetired},
	CopyLost:      {CopyRetired},
}

func CanTransitionManually(from, to CopyStatus) bool {
	for _, s := range manualTransitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// Condition は状態の良い順（小さいほど良い）
type Condition int

const (
	ConditionNew Condition = iota
	ConditionGood
	ConditionFair
	ConditionPoor
)

var conditionNames = [...]string{"New", "Good", "Fair", "Poor"}

func (c Condition) Valid() bool { return c >= ConditionNew && c <= ConditionPoor }

func (c Condition) String() string {
	if !c.Valid() {
		return fmt.Sprintf("Condition(%d)", int(c))
	}
	return conditionNames[c]
}

func (c Condition) MarshalText() ([]byte, error) {
	if !c.Valid() {
		return nil, fmt.Errorf("invalid condition %d", int(c))
	}
	return []byte(c.String()), nil
}

func (c *Condition) UnmarshalText(b []byte) error {
	v, err := ParseCondition(string(b))
	if err != nil {
		return err
	}
	*c = v
	return nil
}

func ParseCondition(s string) (Condition, error) {
	for i, n := range conditionNames {
		if strings.EqualFold(n, strings.TrimSpace(s)) {
			return Condition(i), nil
		}
	}
	return 0, fmt.Errorf("unknown condition %q", s)
}

// Book は蔵書1冊（物理的なコピー）
type Book struct {
	Base
	TitleID         string     `db:"title_id"         json:"title_id"`
	QRCode          string     `db:"qr_code"          json:"qr_code"`
	InventoryNumber *string    `db:"inventory_number" json:"inventory_number,omitempty"`
	Status          CopyStatus `db:"status"           json:"status"`
	Condition       Condition  `db:"book_condition"   json:"condition"`
	Location        string     `db:"location"         json:"location"`
}

func (Book) TableName() string  { return "books" }
func (Book) EntityType() string { return TypeBook }
