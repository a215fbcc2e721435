package auth

import (
	"context"
	"log/slog"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"golang.org/x/crypto/bcrypt"

	"LIBRA-backend/internal/library/audit"
	"LIBRA-backend/internal/library/entity"
	"LIBRA-backend/internal/library/storage"
	"LIBRA-backend/internal/platform/errs"
)

const minPasswordLen = 8

type Service struct {
	store  storage.Store
	rec    *audit.Recorder
	secret []byte
	ttl    time.Duration
	log    *slog.Logger
}

func NewService(store storage.Store, rec *audit.Recorder, secret []byte, ttl time.Duration, logger *slog.Logger) *Service {
	return &Service{
		store:  store,
		rec:    rec,
		secret: secret,
		ttl:    ttl,
		log:    logger.With(slog.String("component", "auth")),
	}
}

func (s *Service) Secret() []byte { return s.secret }

type LoginResult struct {
	Token     string         `json:"token"`
	ExpiresAt time.Time      `json:"expires_at"`
	Teacher   entity.Teacher `json:"teacher"`
}

// Login はパスワードを照合してトークンを発行する。失敗理由は外に出さない
func (s *Service) Login(ctx context.Context, username, password string) (LoginResult, error) {
	t, found, err := findByUsername(ctx, s.store, username)
	if err != nil {
		return LoginResult{}, err
	}
	if !found || !t.IsActive {
		return LoginResult{}, errs.Unauthorized("invalid username or password")
	}
	if err := bcrypt.CompareHashAndPassword([]byte(t.PasswordHash), []byte(password)); err != nil {
		return LoginResult{}, errs.Unauthorized("invalid username or password")
	}

	// 検証側が実時刻で exp を見るので、ここも実時刻
	exp := time.Now().Add(s.ttl)
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
		"sub":  t.ID,
		"role": string(t.Role),
		"name": t.Username,
		"exp":  exp.Unix(),
	})
	signed, err := token.SignedString(s.secret)
	if err != nil {
		return LoginResult{}, &errs.Error{Code: errs.CodeInternal, Message: "token signing failed", Err: err}
	}
	s.log.Info("login", slog.String("teacher_id", t.ID))
	return LoginResult{Token: signed, ExpiresAt: exp, Teacher: *t}, nil
}

// Register は職員アカウントを作る。CLI の初期管理者作成からも呼ぶ
func (s *Service) Register(ctx context.Context, actor audit.Actor, username, password string, role entity.Role) (entity.Teacher, error) {
	username = strings.TrimSpace(username)
	if username == "" {
		return entity.Teacher{}, errs.Invalid("username is required")
	}
	if len(password) < minPasswordLen {
		return entity.Teacher{}, errs.Invalid("password is too short")
	}
	if !role.Valid() {
		return entity.Teacher{}, errs.Invalid("unknown role: " + string(role))
	}
	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return entity.Teacher{}, &errs.Error{Code: errs.CodeInternal, Message: "password hashing failed", Err: err}
	}

	t := entity.Teacher{
		Base:         entity.NewBase(s.rec.NewID(), s.rec.Now()),
		Username:     username,
		PasswordHash: string(hash),
		Role:         role,
		IsActive:     true,
	}
	err = s.store.InTx(ctx, func(ctx context.Context, q storage.Querier) error {
		if err := storage.Insert(ctx, q, &t); err != nil {
			return storage.Translate(err, "teacher")
		}
		return s.rec.Record(ctx, q, actor, audit.ActionTeacherCreate, entity.TypeTeacher, t.ID,
			map[string]string{"username": username, "role": string(role)})
	})
	if err != nil {
		return entity.Teacher{}, err
	}
	return t, nil
}

func (s *Service) Get(ctx context.Context, id string) (entity.Teacher, error) {
	t, err := storage.Get[entity.Teacher](ctx, s.store, storage.Live, id)
	if err != nil {
		return entity.Teacher{}, storage.Translate(err, "teacher")
	}
	return *t, nil
}

// ActiveRole は削除済みや無効の職員なら Unauthorized
func (s *Service) ActiveRole(ctx context.Context, id string) (entity.Role, error) {
	t, found, err := storage.FindFirst[entity.Teacher](ctx, s.store, storage.Live, storage.Where(storage.Eq("id", id)))
	if err != nil {
		return "", storage.Translate(err, "teacher")
	}
	if !found || !t.IsActive {
		return "", errs.Unauthorized("account is no longer active")
	}
	return t.Role, nil
}

// ChangePassword は本人または Admin が行う（権限はハンドラで確認）
func (s *Service) ChangePassword(ctx context.Context, actor audit.Actor, id, password string) error {
	if len(password) < minPasswordLen {
		return errs.Invalid("password is too short")
	}
	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return &errs.Error{Code: errs.CodeInternal, Message: "password hashing failed", Err: err}
	}
	return s.store.InTx(ctx, func(ctx context.Context, q storage.Querier) error {
		n, err := storage.Update[entity.Teacher](ctx, q, storage.Live, id, storage.Set{"password_hash": string(hash)})
		if err != nil {
			return storage.Translate(err, "teacher")
		}
		if n == 0 {
			return errs.NotFound("teacher not found")
		}
		return s.rec.Record(ctx, q, actor, audit.ActionTeacherPassword, entity.TypeTeacher, id, nil)
	})
}

// Delete は論理削除。監査ログの teacher_id が参照するので物理削除はしない
func (s *Service) Delete(ctx context.Context, actor audit.Actor, id string) error {
	if actor.TeacherID == id {
		return errs.InvalidState(errs.ReasonStatusTransition, "cannot delete own account")
	}
	return s.store.InTx(ctx, func(ctx context.Context, q storage.Querier) error {
		return audit.SoftDelete[entity.Teacher](ctx, q, s.rec, actor, id)
	})
}
