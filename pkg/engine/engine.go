// Package engine builds a storage.Engine from configuration.
package engine

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	_ "github.com/jackc/pgx/v5/stdlib"
	_ "github.com/lib/pq"
	_ "github.com/mattn/go-sqlite3"

	"github.com/fluxorio/logpilot/pkg/core"
	"github.com/fluxorio/logpilot/pkg/db"
	"github.com/fluxorio/logpilot/pkg/storage"
	"github.com/fluxorio/logpilot/pkg/storage/filestore"
	"github.com/fluxorio/logpilot/pkg/storage/sqlstore"
)

// New builds the engine cfg selects without opening it.
func New(cfg Config, logger core.Logger) (storage.Engine, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if logger == nil {
		logger = core.NewDefaultLogger()
	}

	switch cfg.Type {
	case TypeFile:
		fc := filestore.DefaultConfig(cfg.Directory)
		fc.Logger = logger
		if cfg.Durability == "fsync" {
			fc.Durability = filestore.DurabilityFsync
		}
		e, err := filestore.New(fc)
		if err != nil {
			return nil, err
		}
		return e, nil
	default:
		e, err := sqlstore.New(sqlstore.Config{Pool: poolConfig(cfg), Logger: logger})
		if err != nil {
			return nil, err
		}
		return e, nil
	}
}

// Open builds the engine, creates the directories it writes to and opens it.
func Open(ctx context.Context, cfg Config, logger core.Logger) (storage.Engine, error) {
	e, err := New(cfg, logger)
	if err != nil {
		return nil, err
	}
	if err := ensureDirs(cfg); err != nil {
		return nil, storage.Failure(storage.OpOpen, err)
	}
	if err := e.Open(ctx); err != nil {
		return nil, err
	}
	return e, nil
}

func driverName(cfg Config) string {
	if cfg.SQL.Driver != "" {
		return cfg.SQL.Driver
	}
	switch cfg.Type {
	case TypeSQLite:
		return "sqlite3"
	case TypePgx:
		return "pgx"
	default:
		return "postgres"
	}
}

func poolConfig(cfg Config) db.PoolConfig {
	driver := driverName(cfg)
	dsn := cfg.SQL.DSN
	if driver == "sqlite3" {
		dsn = db.SQLiteDSN(dsn)
	}
	pc := db.DefaultPoolConfig(dsn, driver)
	pc.MaxOpenConns = cfg.SQL.MaxOpenConns
	pc.MaxIdleConns = cfg.SQL.MaxIdleConns
	pc.ConnMaxLifetime = cfg.SQL.ConnMaxLifetime
	pc.ConnMaxIdleTime = cfg.SQL.ConnMaxIdleTime
	return pc
}

// ensureDirs creates the log directory for the file backend, or the parent of a
// SQLite database file.
func ensureDirs(cfg Config) error {
	if cfg.Type == TypeFile {
		return os.MkdirAll(cfg.Directory, 0o755)
	}
	if driverName(cfg) != "sqlite3" {
		return nil
	}
	if db.IsSQLiteMemory(cfg.SQL.DSN) {
		return nil
	}
	path, _, _ := strings.Cut(cfg.SQL.DSN, "?")
	path = strings.TrimPrefix(path, "file:")
	if path == "" {
		return nil
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("create database directory: %w", err)
	}
	return nil
}
