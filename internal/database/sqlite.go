package database

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	sqlite "github.com/glebarez/sqlite"
	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

// Options describes the schema a caller needs on the opened database.
type Options struct {
	Models     []any
	Migrations []Migration
	Logger     *zap.Logger
}

// OpenSQLite establishes a SQLite connection and performs schema migrations.
func OpenSQLite(path string, options Options) (*gorm.DB, error) {
	if strings.TrimSpace(path) == "" {
		return nil, fmt.Errorf("database path is required")
	}
	if !isMemoryPath(path) {
		if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
			return nil, fmt.Errorf("create database directory: %w", err)
		}
	}

	db, err := gorm.Open(sqlite.Open(path), &gorm.Config{Logger: logger.Discard})
	if err != nil {
		return nil, err
	}

	sqlDB, err := db.DB()
	if err != nil {
		return nil, err
	}
	sqlDB.SetMaxOpenConns(1)

	models := append([]any{&migrationRecord{}}, options.Models...)
	if err := db.AutoMigrate(models...); err != nil {
		return nil, err
	}

	if err := applyMigrations(db, options.Migrations, options.Logger); err != nil {
		return nil, err
	}

	if options.Logger != nil {
		options.Logger.Debug("database initialized", zap.String("path", path))
	}

	return db, nil
}

func isMemoryPath(path string) bool {
	return path == ":memory:" || strings.HasPrefix(path, "file:") || strings.Contains(path, "mode=memory")
}
