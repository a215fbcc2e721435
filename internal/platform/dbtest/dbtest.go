// Package dbtest はテスト用の SQLite ストアを用意する
package dbtest

import (
	"log/slog"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"LIBRA-backend/internal/platform/clock"
	"LIBRA-backend/internal/platform/db"
)

// Open は t.TempDir() にマイグレーション済みの DB を作る
func Open(t testing.TB, clk clock.Clock) *db.SQLStore {
	t.Helper()

	cfg := db.DatabaseConfig{
		Driver: db.DriverSQLite,
		Path:   filepath.Join(t.TempDir(), "library.db"),
	}
	require.NoError(t, db.Migrate(cfg, Logger()))

	conn, err := db.Connect(cfg)
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })

	return db.NewStore(conn, db.DriverSQLite, clk)
}

func Logger() *slog.Logger { return slog.New(slog.DiscardHandler) }
