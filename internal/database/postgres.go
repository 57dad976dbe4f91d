package database

import (
	"database/sql"
	"fmt"
	"time"

	"zconnect-engine/internal/config"

	_ "github.com/lib/pq"
)

// NewPostgresDB 创建目录/时序存储连接池
// 工作协程都是短事务（单行查询、样本插入），池子不需要很大
func NewPostgresDB(cfg *config.DatabaseConfig) (*sql.DB, error) {
	db, err := sql.Open("postgres", cfg.GetDSN())
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if cfg.MaxConns > 0 {
		db.SetMaxOpenConns(cfg.MaxConns)
	}
	if cfg.MaxIdle > 0 {
		db.SetMaxIdleConns(cfg.MaxIdle)
	}
	// 长驻进程定期换连接，避免单条连接卡在故障的后端上
	db.SetConnMaxLifetime(30 * time.Minute)

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	return db, nil
}

// Close 关闭数据库连接池
func Close(db *sql.DB) error {
	if db == nil {
		return nil
	}
	return db.Close()
}
