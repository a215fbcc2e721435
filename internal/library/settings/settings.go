// Package settings は app_settings テーブルの貸出ルール設定を読み書きする。
// 読み取りは expirable LRU にキャッシュし、Set で明示的に無効化する。
package settings

import (
	"context"
	"log/slog"
	"strconv"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"

	"LIBRA-backend/internal/library/audit"
	"LIBRA-backend/internal/library/entity"
	"LIBRA-backend/internal/library/storage"
	"LIBRA-backend/internal/platform/errs"
)

// 設定キー
const (
	KeyLoanDurationDays                = "loan_duration_days"
	KeyMaxActiveLoansPerStudent        = "max_active_loans_per_student"
	KeyReservationDurationDays         = "reservation_duration_days"
	KeyMaxActiveReservationsPerStudent = "max_active_reservations_per_student"
	KeyMaxRenewalsPerLoan              = "max_renewals_per_loan"
	KeyReminderLeadDays                = "reminder_lead_days"

	CategoryCirculation = "circulation"
)

type Settings struct {
	LoanDurationDays                int `json:"loan_duration_days"`
	MaxActiveLoansPerStudent        int `json:"max_active_loans_per_student"`
	ReservationDurationDays         int `json:"reservation_duration_days"`
	MaxActiveReservationsPerStudent int `json:"max_active_reservations_per_student"`
	MaxRenewalsPerLoan              int `json:"max_renewals_per_loan"`
	ReminderLeadDays                int `json:"reminder_lead_days"`
}

func Defaults() Settings {
	return Settings{
		LoanDurationDays:                14,
		MaxActiveLoansPerStudent:        3,
		ReservationDurationDays:         3,
		MaxActiveReservationsPerStudent: 3,
		MaxRenewalsPerLoan:              2,
		ReminderLeadDays:                entity.ReminderLeadDays,
	}
}

// field はキーに対応するフィールド。minimum 未満の値は無効として既定値を使う
type field struct {
	ptr     func(*Settings) *int
	minimum int
}

var fields = map[string]field{
	KeyLoanDurationDays:                {func(s *Settings) *int { return &s.LoanDurationDays }, 1},
	KeyMaxActiveLoansPerStudent:        {func(s *Settings) *int { return &s.MaxActiveLoansPerStudent }, 1},
	KeyReservationDurationDays:         {func(s *Settings) *int { return &s.ReservationDurationDays }, 1},
	KeyMaxActiveReservationsPerStudent: {func(s *Settings) *int { return &s.MaxActiveReservationsPerStudent }, 1},
	KeyMaxRenewalsPerLoan:              {func(s *Settings) *int { return &s.MaxRenewalsPerLoan }, 0},
	KeyReminderLeadDays:                {func(s *Settings) *int { return &s.ReminderLeadDays }, 0},
}

// Known は設定可能なキーか
func Known(key string) bool {
	_, ok := fields[key]
	return ok
}

const cacheKey = "current"

type Service struct {
	store storage.Store
	rec   *audit.Recorder
	cache *expirable.LRU[string, Settings]
	log   *slog.Logger
}

func NewService(store storage.Store, rec *audit.Recorder, cacheSize int, ttl time.Duration, logger *slog.Logger) *Service {
	if cacheSize <= 0 {
		cacheSize = 1
	}
	return &Service{
		store: store,
		rec:   rec,
		cache: expirable.NewLRU[string, Settings](cacheSize, nil, ttl),
		log:   logger.With(slog.String("component", "settings")),
	}
}

// Current は有効な設定。行が無い値や解釈できない値は既定値になる
func (s *Service) Current(ctx context.Context) (Settings, error) {
	if v, ok := s.cache.Get(cacheKey); ok {
		return v, nil
	}
	rows, err := storage.List[entity.AppSetting](ctx, s.store, storage.Live,
		storage.Where(storage.In("setting_key", keys()...)))
	if err != nil {
		return Settings{}, storage.Translate(err, "app setting")
	}
	cur := resolve(rows, s.log)
	s.cache.Add(cacheKey, cur)
	return cur, nil
}

func resolve(rows []entity.AppSetting, logger *slog.Logger) Settings {
	cur := Defaults()
	for _, r := range rows {
		f, ok := fields[r.Key]
		if !ok {
			continue
		}
		n, err := strconv.Atoi(r.Value)
		if err != nil || n < f.minimum {
			logger.Warn("invalid setting value, using default",
				slog.String("key", r.Key), slog.String("value", r.Value))
			continue
		}
		*f.ptr(&cur) = n
	}
	return cur
}

func keys() []string {
	out := make([]string, 0, len(fields))
	for k := range fields {
		out = append(out, k)
	}
	return out
}

func (s *Service) List(ctx context.Context) ([]entity.AppSetting, error) {
	rows, err := storage.List[entity.AppSetting](ctx, s.store, storage.Live,
		storage.Query{}.OrderBy(storage.Asc("setting_key")))
	if err != nil {
		return nil, storage.Translate(err, "app setting")
	}
	return rows, nil
}

// Set は値を保存してキャッシュを捨てる。既知のキーは整数として検証する
func (s *Service) Set(ctx context.Context, actor audit.Actor, key, value string) (entity.AppSetting, error) {
	f, ok := fields[key]
	if !ok {
		return entity.AppSetting{}, errs.Invalid("unknown setting key: " + key)
	}
	n, err := strconv.Atoi(value)
	if err != nil || n < f.minimum {
		return entity.AppSetting{}, errs.Invalid("setting " + key + " must be an integer >= " + strconv.Itoa(f.minimum))
	}

	var out entity.AppSetting
	err = s.store.InTx(ctx, func(ctx context.Context, q storage.Querier) error {
		cur, found, err := storage.FindFirst[entity.AppSetting](ctx, q, storage.Live,
			storage.Where(storage.Eq("setting_key", key)))
		if err != nil {
			return storage.Translate(err, "app setting")
		}
		now := s.rec.Now()
		if found {
			if _, err := storage.Update[entity.AppSetting](ctx, q, storage.Live, cur.ID,
				storage.Set{"setting_value": value, "updated_at": now}); err != nil {
				return storage.Translate(err, "app setting")
			}
			cur.Value, cur.UpdatedAt = value, now
			out = *cur
		} else {
			out = entity.AppSetting{
				Base:     entity.NewBase(s.rec.NewID(), now),
				Key:      key,
				Value:    value,
				Category: CategoryCirculation,
			}
			if err := storage.Insert(ctx, q, &out); err != nil {
				return storage.Translate(err, "app setting")
			}
		}
		return s.rec.Record(ctx, q, actor, audit.ActionSettingSet, entity.TypeSetting, out.ID,
			map[string]string{"key": key, "value": value})
	})
	// 失敗時も捨てる
	s.cache.Remove(cacheKey)
	if err != nil {
		return entity.AppSetting{}, err
	}
	s.log.Info("setting updated", slog.String("key", key), slog.String("value", value))
	return out, nil
}
