// Package database 请求日志的持久化层（支持 SQLite 和 MySQL）
package database

import (
	"context"
	"fmt"
	"strings"
	"time"

	"claude-proxy/internal/config"
	"claude-proxy/internal/logger"
	"claude-proxy/internal/models"

	"github.com/glebarez/sqlite"
	"gorm.io/driver/mysql"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"
)

// DB 封装 GORM 数据库连接
type DB struct {
	gorm *gorm.DB
	cfg  *config.Config
}

// New 创建新的数据库实例（支持 SQLite 和 MySQL）
func New(cfg *config.Config) (*DB, error) {
	var dialector gorm.Dialector

	switch cfg.Database.Type {
	case config.DatabaseTypeMySQL:
		// MySQL 连接
		dsn := fmt.Sprintf("%s:%s@tcp(%s:%d)/%s?charset=%s&parseTime=True&loc=Local",
			cfg.Database.MySQL.User,
			cfg.Database.MySQL.Password,
			cfg.Database.MySQL.Host,
			cfg.Database.MySQL.Port,
			cfg.Database.MySQL.Database,
			cfg.Database.MySQL.Charset,
		)
		logger.Info("[DB] 使用 MySQL 数据库: %s@%s:%d/%s",
			cfg.Database.MySQL.User,
			cfg.Database.MySQL.Host,
			cfg.Database.MySQL.Port,
			cfg.Database.MySQL.Database,
		)
		dialector = mysql.Open(dsn)

	default: // sqlite
		dbPath := cfg.Database.SQLite.Path
		if dbPath == "" {
			dbPath = "data.sqlite3"
		}
		// 添加 SQLite 优化参数
		dsn := fmt.Sprintf("%s?_busy_timeout=30000&_txlock=immediate", dbPath)
		logger.Info("[DB] 使用 SQLite 数据库: %s", dbPath)
		dialector = sqlite.Open(dsn)
	}

	// GORM 配置
	gormConfig := &gorm.Config{
		Logger: gormlogger.Default.LogMode(gormlogger.Silent),
	}
	if cfg.Debug {
		gormConfig.Logger = gormlogger.Default.LogMode(gormlogger.Info)
	}

	gormDB, err := gorm.Open(dialector, gormConfig)
	if err != nil {
		return nil, fmt.Errorf("打开数据库失败: %w", err)
	}

	// 获取底层 sql.DB 设置连接池
	sqlDB, err := gormDB.DB()
	if err != nil {
		return nil, fmt.Errorf("获取数据库连接失败: %w", err)
	}

	if cfg.Database.Type == config.DatabaseTypeMySQL {
		sqlDB.SetMaxOpenConns(25)
		sqlDB.SetMaxIdleConns(10)
	} else {
		// SQLite 只支持一个写入连接
		sqlDB.SetMaxOpenConns(10)
		sqlDB.SetMaxIdleConns(5)

		// SQLite 性能优化
		// 1. 启用 WAL 模式（允许读写并发）
		if err := gormDB.Exec("PRAGMA journal_mode=WAL").Error; err != nil {
			logger.Warn("[DB] 启用 WAL 模式失败: %v", err)
		}

		// 2. 设置同步模式为 NORMAL（平衡性能和安全性）
		if err := gormDB.Exec("PRAGMA synchronous=NORMAL").Error; err != nil {
			logger.Warn("[DB] 设置同步模式失败: %v", err)
		}

		// 3. 增加缓存大小到 64MB
		if err := gormDB.Exec("PRAGMA cache_size=-64000").Error; err != nil {
			logger.Warn("[DB] 设置缓存大小失败: %v", err)
		}

		// 4. 临时表使用内存
		if err := gormDB.Exec("PRAGMA temp_store=MEMORY").Error; err != nil {
			logger.Warn("[DB] 设置临时存储失败: %v", err)
		}
	}

	db := &DB{gorm: gormDB, cfg: cfg}

	// 自动迁移数据库结构
	if err := db.autoMigrate(); err != nil {
		return nil, fmt.Errorf("自动迁移数据库结构失败: %w", err)
	}

	return db, nil
}

// autoMigrate 自动迁移数据库结构
func (db *DB) autoMigrate() error {
	if err := db.gorm.AutoMigrate(&models.RequestLog{}); err != nil {
		return err
	}
	logger.Info("数据库结构迁移完成")
	return nil
}

// Close 关闭数据库连接
func (db *DB) Close() error {
	sqlDB, err := db.gorm.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

// GetGormDB 获取底层 GORM 实例（用于测试或高级操作）
func (db *DB) GetGormDB() *gorm.DB {
	return db.gorm
}

// IsSQLite 判断是否为 SQLite 数据库
func (db *DB) IsSQLite() bool {
	return db.cfg.Database.Type != config.DatabaseTypeMySQL
}

// IsMySQL 判断是否为 MySQL 数据库
func (db *DB) IsMySQL() bool {
	return db.cfg.Database.Type == config.DatabaseTypeMySQL
}

// RetryOnLock 为 SQLite 提供写入重试机制
// 当遇到 database is locked 错误时，自动重试
func (db *DB) RetryOnLock(ctx context.Context, maxRetries int, fn func() error) error {
	// MySQL 不需要重试机制
	if db.IsMySQL() {
		return fn()
	}

	var lastErr error
	for i := 0; i < maxRetries; i++ {
		lastErr = fn()
		if lastErr == nil {
			return nil
		}

		// 检查是否为 SQLite 锁定错误
		if !strings.Contains(lastErr.Error(), "database is locked") &&
			!strings.Contains(lastErr.Error(), "SQLITE_BUSY") {
			return lastErr
		}

		backoff := time.Duration(10*(i+1)) * time.Millisecond
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(backoff):
			// 继续重试
		}
	}
	return lastErr
}
