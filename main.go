package main

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/jmoiron/sqlx"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"

	"LIBRA-backend/internal/library/audit"
	"LIBRA-backend/internal/library/catalog"
	"LIBRA-backend/internal/library/circulation"
	"LIBRA-backend/internal/library/reporting"
	"LIBRA-backend/internal/library/settings"
	"LIBRA-backend/internal/library/students"
	"LIBRA-backend/internal/platform/auth"
	"LIBRA-backend/internal/platform/clock"
	"LIBRA-backend/internal/platform/db"
	"LIBRA-backend/internal/platform/ids"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	var configPath string
	root := &cobra.Command{
		Use:          "libra",
		Short:        "学校図書室の貸出・予約管理",
		SilenceUsage: true,
	}
	root.PersistentFlags().StringVarP(&configPath, "config", "c", db.DefaultConfigPath, "設定ファイル")

	root.AddCommand(
		newServeCmd(&configPath),
		newMigrateCmd(&configPath),
		newSweepCmd(&configPath),
		newRemindCmd(&configPath),
		newCreateTeacherCmd(&configPath),
	)
	return root
}

// newLogger は log.level / log.format から slog を組み立てる
func newLogger(c db.LogConfig) *slog.Logger {
	var level slog.Level
	if err := level.UnmarshalText([]byte(c.Level)); err != nil {
		level = slog.LevelInfo
	}
	opts := &slog.HandlerOptions{Level: level}

	var h slog.Handler
	if c.Format == "json" {
		h = slog.NewJSONHandler(os.Stdout, opts)
	} else {
		h = slog.NewTextHandler(os.Stdout, opts)
	}
	logger := slog.New(h)
	slog.SetDefault(logger)
	return logger
}

// app は設定・DB 接続・各サービスをまとめたもの。サブコマンドごとに1つ作る
type app struct {
	cfg  *db.Config
	log  *slog.Logger
	conn *sqlx.DB

	settings  *settings.Service
	catalog   *catalog.Service
	students  *students.Service
	engine    *circulation.Engine
	reporting *reporting.Service
	auth      *auth.Service
}

func loadConfig(path string) (*db.Config, *slog.Logger, error) {
	cfg, err := db.LoadConfig(path)
	if err != nil {
		return nil, nil, err
	}
	return cfg, newLogger(cfg.Log), nil
}

func newApp(configPath string, reg prometheus.Registerer) (*app, error) {
	cfg, logger, err := loadConfig(configPath)
	if err != nil {
		return nil, err
	}

	conn, err := db.Connect(cfg.DB)
	if err != nil {
		return nil, err
	}
	logger.Info("connected to DB", slog.String("driver", cfg.DB.Driver), slog.String("dbname", cfg.DB.DBName))

	clk := clock.Real()
	store := db.NewStore(conn, cfg.DB.Driver, clk)
	rec := audit.NewRecorder(clk, ids.ULID())

	a := &app{cfg: cfg, log: logger, conn: conn}
	a.settings = settings.NewService(store, rec, cfg.Cache.Size, cfg.Cache.TTL, logger)
	a.catalog = catalog.NewService(store, rec, nil, logger)
	a.students = students.NewService(store, rec, logger)
	a.engine = circulation.NewEngine(store, rec, a.settings, circulation.NewMetrics(reg), logger)
	a.reporting = reporting.NewService(store, clk, logger)
	a.auth = auth.NewService(store, rec, []byte(cfg.Auth.JWTSecret), cfg.Auth.TokenTTL, logger)

	// 手動で利用可に戻したコピーも予約待ちに回す
	a.catalog.SetReleaseHook(a.engine)
	return a, nil
}

func (a *app) Close() {
	if err := a.conn.Close(); err != nil {
		a.log.Warn("db close failed", slog.Any("err", err))
	}
}

func printf(cmd *cobra.Command, format string, args ...any) {
	fmt.Fprintf(cmd.OutOrStdout(), format, args...)
}
