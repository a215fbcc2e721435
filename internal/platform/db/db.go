package db

import (
	"fmt"
	"time"

	_ "github.com/go-sql-driver/mysql"
	"github.com/jmoiron/sqlx"
	_ "github.com/mattn/go-sqlite3"
)

func (c DatabaseConfig) DSN() string {
	switch c.Driver {
	case DriverSQLite:
		// immediate: BEGIN 時点で書き込みロックを取り、貸出処理を直列化する
		return fmt.Sprintf("file:%s?_busy_timeout=5000&_foreign_keys=1&_txlock=immediate&_journal_mode=WAL", c.Path)
	default:
		return fmt.Sprintf("%s:%s@tcp(%s:%d)/%s?parseTime=true&tls=false&timeout=3s&readTimeout=5s&writeTimeout=5s&loc=UTC",
			c.Username, c.Password, c.Host, c.Port, c.DBName)
	}
}

func Connect(c DatabaseConfig) (*sqlx.DB, error) {
	if c.Driver == "" {
		c.Driver = DriverMySQL
	}
	db, err := sqlx.Open(c.Driver, c.DSN())
	if err != nil {
		return nil, fmt.Errorf("接続準備に失敗: %w", err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("DB接続に失敗: %w", err)
	}

	switch c.Driver {
	case DriverSQLite:
		// 書き込みは1本ずつ。WAL なので読み取りは並行できる
		db.SetMaxOpenConns(8)
		db.SetMaxIdleConns(8)
	default:
		// 接続プール（合算がMySQLの max_connections を超えないよう配分する）
		db.SetMaxOpenConns(80)
		db.SetMaxIdleConns(20)
		db.SetConnMaxLifetime(30 * time.Minute)
		db.SetConnMaxIdleTime(5 * time.Minute)
	}

	return db, nil
}
