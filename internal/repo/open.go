package repo

import (
	"fmt"
	"strings"

	"gorm.io/driver/postgres"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"
)

const sqliteScheme = "sqlite://"

// Open connects to Postgres, or to SQLite when dsn starts with sqlite://
// (local development). Driver errors are translated so unique violations
// surface as gorm.ErrDuplicatedKey.
func Open(dsn string) (*gorm.DB, error) {
	cfg := &gorm.Config{
		TranslateError: true,
		Logger:         gormlogger.Default.LogMode(gormlogger.Warn),
	}
	if path, ok := strings.CutPrefix(dsn, sqliteScheme); ok {
		if path == "" {
			return nil, fmt.Errorf("sqlite dsn %q has no path", dsn)
		}
		db, err := gorm.Open(sqlite.Open(path), cfg)
		if err != nil {
			return nil, err
		}
		sqlDB, err := db.DB()
		if err != nil {
			return nil, err
		}
		// sqlite has no row locks; one writer at a time
		sqlDB.SetMaxOpenConns(1)
		return db, nil
	}
	cfg.PrepareStmt = true
	return gorm.Open(postgres.Open(dsn), cfg)
}
