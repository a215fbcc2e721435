package catalog

import (
	"strings"

	"github.com/go-playground/validator/v10"

	"LIBRA-backend/internal/library/entity"
	"LIBRA-backend/internal/platform/errs"
)

var validate = validator.New()

// ===== Requests =====

type TitleInput struct {
	Title     string  `json:"title"     validate:"required,max=255"`
	ISBN      *string `json:"isbn"      validate:"omitempty,isbn"`
	Author    string  `json:"author"    validate:"max=255"`
	Publisher string  `json:"publisher" validate:"max=255"`
	Year      *int    `json:"year"      validate:"omitempty,gte=1000,lte=9999"`
	Language  string  `json:"language"  validate:"max=16"`
	Genre     string  `json:"genre"     validate:"max=64"`
	Subject   string  `json:"subject"   validate:"max=64"`
}

type AddCopyInput struct {
	QRCode          string           `json:"qr_code"          validate:"required,max=64"`
	InventoryNumber *string          `json:"inventory_number" validate:"omitempty,max=32"`
	Condition       entity.Condition `json:"condition"        validate:"gte=0,lte=3"`
	Location        string           `json:"location"         validate:"max=64"`
}

type UpdateCopyInput struct {
	Condition *entity.Condition `json:"condition" validate:"omitempty,gte=0,lte=3"`
	Location  *string           `json:"location"  validate:"omitempty,max=64"`
}

type SetStatusInput struct {
	Status entity.CopyStatus `json:"status" validate:"required"`
}

// ===== Responses =====

type CopyStats struct {
	TitleID   string `json:"title_id"`
	Total     int    `json:"total"`
	Available int    `json:"available"`
	Borrowed  int    `json:"borrowed"`
	Reserved  int    `json:"reserved"`
}

type TitleDetail struct {
	entity.BookTitle
	Stats CopyStats `json:"stats"`
}

// ===== helpers =====

func validateStruct(v any) error {
	if err := validate.Struct(v); err != nil {
		return errs.Invalid(err.Error())
	}
	return nil
}

// normalizeISBN はハイフンと空白を除く。空文字は nil
func normalizeISBN(s *string) *string {
	if s == nil {
		return nil
	}
	v := strings.NewReplacer("-", "", " ", "").Replace(*s)
	if v == "" {
		return nil
	}
	return &v
}

func trimPtr(s *string) *string {
	if s == nil {
		return nil
	}
	v := strings.TrimSpace(*s)
	if v == "" {
		return nil
	}
	return &v
}
