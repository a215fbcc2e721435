package db

import (
	"embed"
	"errors"
	"fmt"
	"log/slog"

	"github.com/golang-migrate/migrate/v4"
	_ "github.com/golang-migrate/migrate/v4/database/mysql"
	_ "github.com/golang-migrate/migrate/v4/database/sqlite3"
	"github.com/golang-migrate/migrate/v4/source/iofs"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// migrateURL は golang-migrate 用の接続先。アプリ本体の接続とは別に開く
func migrateURL(c DatabaseConfig) string {
	switch c.Driver {
	case DriverSQLite:
		return fmt.Sprintf("sqlite3://%s?_foreign_keys=1&_busy_timeout=5000", c.Path)
	default:
		return fmt.Sprintf("mysql://%s:%s@tcp(%s:%d)/%s?multiStatements=true&parseTime=true&loc=UTC",
			c.Username, c.Password, c.Host, c.Port, c.DBName)
	}
}

func newMigrate(c DatabaseConfig) (*migrate.Migrate, error) {
	if c.Driver == "" {
		c.Driver = DriverMySQL
	}
	source, err := iofs.New(migrationsFS, "migrations")
	if err != nil {
		return nil, fmt.Errorf("マイグレーション読み込み失敗: %w", err)
	}
	m, err := migrate.NewWithSourceInstance("iofs", source, migrateURL(c))
	if err != nil {
		return nil, fmt.Errorf("マイグレーション初期化失敗: %w", err)
	}
	return m, nil
}

// Migrate は埋め込みの SQL を最新まで適用する
func Migrate(c DatabaseConfig, logger *slog.Logger) error {
	m, err := newMigrate(c)
	if err != nil {
		return err
	}
	defer m.Close()

	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("マイグレーション適用失敗: %w", err)
	}

	version, dirty, _ := m.Version()
	logger.Info("migrations applied",
		slog.String("driver", c.Driver),
		slog.Uint64("version", uint64(version)),
		slog.Bool("dirty", dirty),
	)
	return nil
}

// MigrateDown は steps 件だけ戻す
func MigrateDown(c DatabaseConfig, steps int, logger *slog.Logger) error {
	if steps <= 0 {
		return fmt.Errorf("steps must be positive: %d", steps)
	}
	m, err := newMigrate(c)
	if err != nil {
		return err
	}
	defer m.Close()

	if err := m.Steps(-steps); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("マイグレーション巻き戻し失敗: %w", err)
	}
	version, _, err := m.Version()
	if errors.Is(err, migrate.ErrNilVersion) {
		logger.Info("migrations rolled back to empty schema")
		return nil
	}
	logger.Info("migrations rolled back", slog.Uint64("version", uint64(version)))
	return nil
}
