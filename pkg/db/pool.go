package db

import (
	"context"
	"database/sql"
	"time"
)

// PoolConfig configures database connection pool (similar to HikariConfig)
type PoolConfig struct {
	// DSN is the database connection string
	DSN string

	// MaxOpenConns is the maximum number of open connections (like maximumPoolSize in HikariCP)
	MaxOpenConns int

	// MaxIdleConns is the maximum number of idle connections (like minimumIdle in HikariCP)
	MaxIdleConns int

	// ConnMaxLifetime is the maximum amount of time a connection may be reused (like maxLifetime)
	ConnMaxLifetime time.Duration

	// ConnMaxIdleTime is the maximum amount of time a connection may be idle (like idleTimeout)
	ConnMaxIdleTime time.Duration

	// DriverName is the database/sql driver name: "sqlite3", "postgres" or "pgx"
	DriverName string

	// PingTimeout bounds the connectivity check in NewPool. Zero means 5s.
	PingTimeout time.Duration
}

// DefaultPoolConfig returns HikariCP-like default configuration
func DefaultPoolConfig(dsn string, driverName string) PoolConfig {
	return PoolConfig{
		DSN:             dsn,
		DriverName:      driverName,
		MaxOpenConns:    25,
		MaxIdleConns:    5,
		ConnMaxLifetime: 5 * time.Minute,
		ConnMaxIdleTime: 10 * time.Minute,
		PingTimeout:     5 * time.Second,
	}
}

// Validate checks the configuration without touching the database.
func (c PoolConfig) Validate() error {
	if c.DSN == "" {
		return &Error{Code: "INVALID_CONFIG", Message: "DSN cannot be empty"}
	}
	if c.DriverName == "" {
		return &Error{Code: "INVALID_CONFIG", Message: "DriverName cannot be empty"}
	}
	if _, err := DialectFor(c.DriverName); err != nil {
		return err
	}
	if c.MaxOpenConns <= 0 {
		return &Error{Code: "INVALID_CONFIG", Message: "MaxOpenConns must be positive"}
	}
	if c.MaxIdleConns < 0 {
		return &Error{Code: "INVALID_CONFIG", Message: "MaxIdleConns cannot be negative"}
	}
	if c.MaxIdleConns > c.MaxOpenConns {
		return &Error{Code: "INVALID_CONFIG", Message: "MaxIdleConns cannot exceed MaxOpenConns"}
	}
	if c.ConnMaxLifetime < 0 {
		return &Error{Code: "INVALID_CONFIG", Message: "ConnMaxLifetime cannot be negative"}
	}
	if c.ConnMaxIdleTime < 0 {
		return &Error{Code: "INVALID_CONFIG", Message: "ConnMaxIdleTime cannot be negative"}
	}
	return nil
}

// Pool represents a database connection pool
type Pool struct {
	db      *sql.DB
	config  PoolConfig
	dialect Dialect
}

// NewPool creates a new database connection pool (similar to HikariDataSource)
// Fail-fast: Validates configuration and connectivity before returning
func NewPool(ctx context.Context, config PoolConfig) (*Pool, error) {
	if err := config.Validate(); err != nil {
		return nil, err
	}
	dialect, _ := DialectFor(config.DriverName)

	db, err := sql.Open(config.DriverName, config.DSN)
	if err != nil {
		return nil, err
	}

	db.SetMaxOpenConns(config.MaxOpenConns)
	db.SetMaxIdleConns(config.MaxIdleConns)
	db.SetConnMaxLifetime(config.ConnMaxLifetime)
	db.SetConnMaxIdleTime(config.ConnMaxIdleTime)

	timeout := config.PingTimeout
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	pingCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	if err := db.PingContext(pingCtx); err != nil {
		db.Close()
		return nil, err
	}

	return &Pool{
		db:      db,
		config:  config,
		dialect: dialect,
	}, nil
}

// Error represents a database error (fail-fast)
type Error struct {
	Code    string
	Message string
}

func (e *Error) Error() string {
	return e.Message
}

// Dialect returns the SQL dialect of the pool's driver.
func (p *Pool) Dialect() Dialect {
	return p.dialect
}

// Close closes the connection pool
func (p *Pool) Close() error {
	if p == nil {
		return &Error{Code: "INVALID_STATE", Message: "pool cannot be nil"}
	}
	if p.db == nil {
		return &Error{Code: "INVALID_STATE", Message: "pool already closed"}
	}
	return p.db.Close()
}

// Ping tests the connection
func (p *Pool) Ping(ctx context.Context) error {
	if err := p.check(ctx); err != nil {
		return err
	}
	return p.db.PingContext(ctx)
}

// Stats returns pool statistics (similar to HikariPoolMXBean)
func (p *Pool) Stats() sql.DBStats {
	if p == nil || p.db == nil {
		return sql.DBStats{}
	}
	return p.db.Stats()
}

// Query executes a query that returns rows
func (p *Pool) Query(ctx context.Context, query string, args ...interface{}) (*sql.Rows, error) {
	if err := p.checkQuery(ctx, query); err != nil {
		return nil, err
	}
	return p.db.QueryContext(ctx, query, args...)
}

// QueryRow executes a query that returns a single row
// Fail-fast: Panics on invalid state, like database/sql does for a nil *DB
func (p *Pool) QueryRow(ctx context.Context, query string, args ...interface{}) *sql.Row {
	if err := p.checkQuery(ctx, query); err != nil {
		panic(err)
	}
	return p.db.QueryRowContext(ctx, query, args...)
}

// Exec executes a command
func (p *Pool) Exec(ctx context.Context, query string, args ...interface{}) (sql.Result, error) {
	if err := p.checkQuery(ctx, query); err != nil {
		return nil, err
	}
	return p.db.ExecContext(ctx, query, args...)
}

// Conn reserves a single connection. The caller must Close it to hand it back.
func (p *Pool) Conn(ctx context.Context) (*sql.Conn, error) {
	if err := p.check(ctx); err != nil {
		return nil, err
	}
	return p.db.Conn(ctx)
}

// BeginTx starts a transaction with options
func (p *Pool) BeginTx(ctx context.Context, opts *sql.TxOptions) (*sql.Tx, error) {
	if err := p.check(ctx); err != nil {
		return nil, err
	}
	return p.db.BeginTx(ctx, opts)
}

func (p *Pool) check(ctx context.Context) error {
	if p == nil {
		return &Error{Code: "INVALID_STATE", Message: "pool cannot be nil"}
	}
	if p.db == nil {
		return &Error{Code: "INVALID_STATE", Message: "pool not initialized"}
	}
	if ctx == nil {
		return &Error{Code: "INVALID_INPUT", Message: "context cannot be nil"}
	}
	return nil
}

func (p *Pool) checkQuery(ctx context.Context, query string) error {
	if err := p.check(ctx); err != nil {
		return err
	}
	if query == "" {
		return &Error{Code: "INVALID_INPUT", Message: "query cannot be empty"}
	}
	return nil
}
