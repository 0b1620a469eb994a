package engine

import (
	"fmt"
	"time"

	"github.com/fluxorio/logpilot/pkg/config"
)

// Backend types accepted in Config.Type.
const (
	TypeFile     = "file"
	TypeSQLite   = "sqlite"
	TypePostgres = "postgres"
	TypePgx      = "pgx"
)

// EnvPrefix prefixes every environment override, e.g. LOGPILOT_STORAGE_TYPE.
const EnvPrefix = "LOGPILOT"

// Config selects and configures a storage backend.
type Config struct {
	// Type is one of file, sqlite, postgres (lib/pq) or pgx.
	Type string `yaml:"type" json:"type"`

	// Directory holds the channel files of the file backend.
	Directory string `yaml:"directory" json:"directory"`

	// Durability is "os" or "fsync" for the file backend.
	Durability string `yaml:"durability" json:"durability"`

	SQL SQLConfig `yaml:"sql" json:"sql"`
}

// SQLConfig configures the relational backends. For sqlite the DSN is the
// database file path, optionally followed by go-sqlite3 parameters.
type SQLConfig struct {
	Driver          string        `yaml:"driver" json:"driver"`
	DSN             string        `yaml:"dsn" json:"dsn"`
	MaxOpenConns    int           `yaml:"max_open_conns" json:"max_open_conns"`
	MaxIdleConns    int           `yaml:"max_idle_conns" json:"max_idle_conns"`
	ConnMaxLifetime time.Duration `yaml:"conn_max_lifetime" json:"conn_max_lifetime"`
	ConnMaxIdleTime time.Duration `yaml:"conn_max_idle_time" json:"conn_max_idle_time"`
}

// DefaultConfig mirrors the stock deployment: file backend under ./data/logs,
// SQLite at ./data/logpilot.db when switched to sqlite.
func DefaultConfig() Config {
	return Config{
		Type:       TypeFile,
		Directory:  "./data/logs",
		Durability: "os",
		SQL: SQLConfig{
			DSN:             "./data/logpilot.db",
			MaxOpenConns:    25,
			MaxIdleConns:    5,
			ConnMaxLifetime: 5 * time.Minute,
			ConnMaxIdleTime: 10 * time.Minute,
		},
	}
}

// Validate checks the fields the selected backend needs.
func (c *Config) Validate() error {
	validators := []config.Validator{
		config.OneOfValidator("Type", TypeFile, TypeSQLite, TypePostgres, TypePgx),
	}
	switch c.Type {
	case TypeFile:
		validators = append(validators,
			config.RequiredFields("Directory"),
			config.OneOfValidator("Durability", "", "os", "fsync"),
		)
	case TypeSQLite, TypePostgres, TypePgx:
		validators = append(validators,
			config.RequiredFields("SQL.DSN"),
			config.RangeValidator("SQL.MaxOpenConns", 1, 10000),
			config.RangeValidator("SQL.MaxIdleConns", 0, float64(c.SQL.MaxOpenConns)),
		)
	}
	if err := config.Validate(c, validators...); err != nil {
		return fmt.Errorf("storage config: %w", err)
	}
	return nil
}

// LoadConfig reads the storage section of a YAML or JSON file on top of the
// defaults and applies LOGPILOT_* environment overrides. An empty path skips the
// file.
func LoadConfig(path string) (Config, error) {
	var file struct {
		Storage Config `yaml:"storage" json:"storage"`
	}
	file.Storage = DefaultConfig()

	var err error
	if path == "" {
		err = config.ApplyEnvOverrides(EnvPrefix, &file)
	} else {
		err = config.LoadWithEnv(path, EnvPrefix, &file)
	}
	if err != nil {
		return Config{}, err
	}
	if err := file.Storage.Validate(); err != nil {
		return Config{}, err
	}
	return file.Storage, nil
}
