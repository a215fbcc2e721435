// Package students は利用者（生徒）の登録簿。個人情報は名前・クラス・QR コードだけを持つ
package students

import (
	"context"
	"log/slog"
	"strings"

	"github.com/go-playground/validator/v10"

	"LIBRA-backend/internal/library/audit"
	"LIBRA-backend/internal/library/entity"
	"LIBRA-backend/internal/library/storage"
	"LIBRA-backend/internal/platform/errs"
)

var validate = validator.New()

type CreateInput struct {
	FirstName string `json:"first_name" validate:"required,max=100"`
	ClassCode string `json:"class_code" validate:"max=20"`
	QRCode    string `json:"qr_code"    validate:"required,max=64"`
}

type UpdateInput struct {
	FirstName *string `json:"first_name" validate:"omitempty,min=1,max=100"`
	ClassCode *string `json:"class_code" validate:"omitempty,max=20"`
	IsActive  *bool   `json:"is_active"`
}

type Filter struct {
	ClassCode  string `form:"class_code"`
	ActiveOnly bool   `form:"active_only"`
	Name       string `form:"q"`
}

type Service struct {
	store storage.Store
	rec   *audit.Recorder
	log   *slog.Logger
}

func NewService(store storage.Store, rec *audit.Recorder, logger *slog.Logger) *Service {
	return &Service{store: store, rec: rec, log: logger.With(slog.String("component", "students"))}
}

func (s *Service) Create(ctx context.Context, actor audit.Actor, in CreateInput) (entity.Student, error) {
	in.FirstName = strings.TrimSpace(in.FirstName)
	in.ClassCode = strings.TrimSpace(in.ClassCode)
	in.QRCode = strings.TrimSpace(in.QRCode)
	if err := validate.Struct(in); err != nil {
		return entity.Student{}, errs.Invalid(err.Error())
	}

	st := entity.Student{
		Base:      entity.NewBase(s.rec.NewID(), s.rec.Now()),
		FirstName: in.FirstName,
		ClassCode: in.ClassCode,
		QRCode:    in.QRCode,
		IsActive:  true,
	}
	err := s.store.InTx(ctx, func(ctx context.Context, q storage.Querier) error {
		if err := storage.Insert(ctx, q, &st); err != nil {
			return storage.Translate(err, "student")
		}
		// 名前は監査ログに残さない
		return s.rec.Record(ctx, q, actor, audit.ActionStudentCreate, entity.TypeStudent, st.ID,
			map[string]string{"class_code": st.ClassCode})
	})
	if err != nil {
		return entity.Student{}, err
	}
	return st, nil
}

func (s *Service) Get(ctx context.Context, id string) (entity.Student, error) {
	st, err := storage.Get[entity.Student](ctx, s.store, storage.Live, id)
	if err != nil {
		return entity.Student{}, storage.Translate(err, "student")
	}
	return *st, nil
}

// GetByQR はカウンターで学生証を読んだとき用
func (s *Service) GetByQR(ctx context.Context, qr string) (entity.Student, error) {
	st, err := storage.First[entity.Student](ctx, s.store, storage.Live, storage.Where(storage.Eq("qr_code", qr)))
	if err != nil {
		return entity.Student{}, storage.Translate(err, "student")
	}
	return *st, nil
}

func (s *Service) List(ctx context.Context, f Filter, p storage.Page) ([]entity.Student, int, error) {
	q := storage.Query{}
	if f.ClassCode != "" {
		q = q.And(storage.Eq("class_code", f.ClassCode))
	}
	if f.ActiveOnly {
		q = q.And(storage.Eq("is_active", true))
	}
	if f.Name != "" {
		q = q.And(storage.Contains("first_name", f.Name))
	}
	total, err := storage.Count[entity.Student](ctx, s.store, storage.Live, q)
	if err != nil {
		return nil, 0, storage.Translate(err, "student")
	}
	rows, err := storage.List[entity.Student](ctx, s.store, storage.Live,
		q.OrderBy(storage.Asc("class_code"), storage.Asc("first_name"), storage.Asc("id")).Page(p))
	if err != nil {
		return nil, 0, storage.Translate(err, "student")
	}
	return rows, total, nil
}

func (s *Service) Update(ctx context.Context, actor audit.Actor, id string, in UpdateInput) (entity.Student, error) {
	if err := validate.Struct(in); err != nil {
		return entity.Student{}, errs.Invalid(err.Error())
	}
	set := storage.Set{}
	if in.FirstName != nil {
		set["first_name"] = strings.TrimSpace(*in.FirstName)
	}
	if in.ClassCode != nil {
		set["class_code"] = strings.TrimSpace(*in.ClassCode)
	}
	if in.IsActive != nil {
		set["is_active"] = *in.IsActive
	}
	if len(set) == 0 {
		return entity.Student{}, errs.Invalid("nothing to update")
	}

	var out entity.Student
	err := s.store.InTx(ctx, func(ctx context.Context, q storage.Querier) error {
		n, err := storage.Update[entity.Student](ctx, q, storage.Live, id, set)
		if err != nil {
			return storage.Translate(err, "student")
		}
		if n == 0 {
			return errs.NotFound("student not found")
		}
		st, err := storage.Get[entity.Student](ctx, q, storage.Live, id)
		if err != nil {
			return storage.Translate(err, "student")
		}
		out = *st
		details := map[string]any{}
		if in.ClassCode != nil {
			details["class_code"] = out.ClassCode
		}
		if in.IsActive != nil {
			details["is_active"] = out.IsActive
		}
		return s.rec.Record(ctx, q, actor, audit.ActionStudentUpdate, entity.TypeStudent, id, details)
	})
	return out, err
}

// Delete は貸出中の本がある生徒は消せない
func (s *Service) Delete(ctx context.Context, actor audit.Actor, id string) error {
	return s.store.InTx(ctx, func(ctx context.Context, q storage.Querier) error {
		open, err := storage.Count[entity.Loan](ctx, q, storage.Live, storage.Where(
			storage.Eq("student_id", id),
			storage.In("status", entity.OpenLoanStatuses...),
		))
		if err != nil {
			return storage.Translate(err, "loan")
		}
		if open > 0 {
			return errs.InvalidState(errs.ReasonStatusTransition, "student has books on loan")
		}
		return audit.SoftDelete[entity.Student](ctx, q, s.rec, actor, id)
	})
}

func (s *Service) Restore(ctx context.Context, actor audit.Actor, id string) error {
	return s.store.InTx(ctx, func(ctx context.Context, q storage.Querier) error {
		return audit.Restore[entity.Student](ctx, q, s.rec, actor, id)
	})
}
