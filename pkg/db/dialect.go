package db

import (
	"fmt"
	"net/url"
	"strings"
)

// Dialect captures the few SQL differences between the supported drivers.
// Both dialects accept $N placeholders, RETURNING and ON CONFLICT upserts.
type Dialect struct {
	Name string
	// SerialPK is the column definition of an auto-incrementing int64 primary key.
	SerialPK string
	// LockKey, when set, takes a transaction-scoped lock on the key in $1. An
	// inserting transaction takes it for every channel it writes before drawing
	// ids, so a channel's ids are handed out in commit order. Empty where the
	// transaction itself already serializes writers.
	LockKey string
}

var (
	// SQLite transactions begin IMMEDIATE (see SQLiteDSN), so a writer holds the
	// database lock from its first statement to commit.
	SQLite = Dialect{Name: "sqlite", SerialPK: "INTEGER PRIMARY KEY AUTOINCREMENT"}
	// Postgres sequences hand out values at insert time, not at commit; the
	// advisory lock orders writers of the same channel.
	Postgres = Dialect{
		Name:     "postgres",
		SerialPK: "BIGSERIAL PRIMARY KEY",
		LockKey:  "SELECT pg_advisory_xact_lock(hashtext('logpilot.log_records'), hashtext($1::text))",
	}
)

// DialectFor maps a database/sql driver name to its dialect.
func DialectFor(driverName string) (Dialect, error) {
	switch driverName {
	case "sqlite3":
		return SQLite, nil
	case "postgres", "pgx":
		return Postgres, nil
	}
	return Dialect{}, &Error{Code: "INVALID_CONFIG", Message: fmt.Sprintf("unsupported driver %q", driverName)}
}

// sqliteDefaults puts the database in WAL mode with NORMAL synchronous writes: a
// power loss may drop the last transactions, a process crash cannot. Writers wait
// up to 5s for the lock, and transactions take it up front.
var sqliteDefaults = [][2]string{
	{"_journal_mode", "WAL"},
	{"_synchronous", "NORMAL"},
	{"_busy_timeout", "5000"},
	{"_txlock", "immediate"},
}

// SQLiteDSN appends the default pragmas to a go-sqlite3 DSN, keeping any the
// caller already set.
func SQLiteDSN(dsn string) string {
	base, rawQuery, _ := strings.Cut(dsn, "?")
	q, err := url.ParseQuery(rawQuery)
	if err != nil {
		q = url.Values{}
	}
	var extra []string
	for _, kv := range sqliteDefaults {
		if q.Has(kv[0]) {
			continue
		}
		extra = append(extra, kv[0]+"="+kv[1])
	}
	if len(extra) == 0 {
		return dsn
	}
	if rawQuery == "" {
		return base + "?" + strings.Join(extra, "&")
	}
	return dsn + "&" + strings.Join(extra, "&")
}

// IsSQLiteMemory reports whether dsn names an in-memory SQLite database.
func IsSQLiteMemory(dsn string) bool {
	base, rawQuery, _ := strings.Cut(dsn, "?")
	base = strings.TrimPrefix(base, "file:")
	if base == ":memory:" {
		return true
	}
	q, err := url.ParseQuery(rawQuery)
	return err == nil && q.Get("mode") == "memory"
}

// PinSQLiteMemory limits the pool of an in-memory SQLite database to a single
// connection that is never recycled: every go-sqlite3 connection opens its own
// private database, so a second connection would not see the schema.
func PinSQLiteMemory(cfg PoolConfig) PoolConfig {
	if cfg.DriverName != "sqlite3" || !IsSQLiteMemory(cfg.DSN) {
		return cfg
	}
	cfg.MaxOpenConns = 1
	cfg.MaxIdleConns = 1
	cfg.ConnMaxLifetime = 0
	cfg.ConnMaxIdleTime = 0
	return cfg
}
