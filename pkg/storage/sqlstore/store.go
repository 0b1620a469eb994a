// Package sqlstore implements storage.Engine over two relational tables,
// log_records and consumer_offsets, through a db.Pool. It runs on SQLite
// (go-sqlite3) and PostgreSQL (lib/pq or pgx).
//
// Record ids come from one table-wide sequence: strictly increasing within a
// channel, with gaps where other channels' records were interleaved. Writers of
// a channel are serialized until commit, so a reader never sees a higher id
// before a lower one of the same channel.
package sqlstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/fluxorio/logpilot/pkg/core"
	"github.com/fluxorio/logpilot/pkg/db"
	"github.com/fluxorio/logpilot/pkg/storage"
)

// Config configures the relational engine.
type Config struct {
	Pool   db.PoolConfig
	Logger core.Logger
}

// DefaultConfig returns a SQLite config for the database file at path.
func DefaultConfig(path string) Config {
	return Config{
		Pool:   db.DefaultPoolConfig(db.SQLiteDSN(path), "sqlite3"),
		Logger: core.NewDefaultLogger(),
	}
}

// Engine is the relational storage engine. mu guards the lifecycle only; SQL
// runs concurrently on the pool.
type Engine struct {
	cfg Config
	log core.Logger
	now func() time.Time

	mu   sync.RWMutex
	pool *db.Pool
}

var _ storage.Engine = (*Engine)(nil)

// New validates cfg and returns a closed engine. Call Open before use.
func New(cfg Config) (*Engine, error) {
	if err := cfg.Pool.Validate(); err != nil {
		return nil, &storage.Error{Code: storage.CodeInvalidInput, Op: "new", Message: "invalid pool config", Err: err}
	}
	if cfg.Logger == nil {
		cfg.Logger = core.NewDefaultLogger()
	}
	cfg.Pool = db.PinSQLiteMemory(cfg.Pool)
	return &Engine{cfg: cfg, log: cfg.Logger, now: time.Now}, nil
}

// Open connects the pool and creates the tables if they do not exist.
func (e *Engine) Open(ctx context.Context) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.pool != nil {
		return nil
	}

	pool, err := db.NewPool(ctx, e.cfg.Pool)
	if err != nil {
		return storage.Failure(storage.OpOpen, err)
	}
	for _, stmt := range schema(pool.Dialect()) {
		if _, err := pool.Exec(ctx, stmt); err != nil {
			_ = pool.Close()
			return storage.Failure(storage.OpOpen, fmt.Errorf("create schema: %w", err))
		}
	}
	e.pool = pool
	e.log.Infof("sqlstore: opened %s database", pool.Dialect().Name)
	return nil
}

// Close releases the pool. Every cursor write has already been committed.
func (e *Engine) Close() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.pool == nil {
		return nil
	}
	err := e.pool.Close()
	e.pool = nil
	if err != nil {
		return storage.Failure(storage.OpClose, err)
	}
	e.log.Info("sqlstore: closed")
	return nil
}

// PoolStats reports connection pool usage, zero when closed.
func (e *Engine) PoolStats() sql.DBStats {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.pool.Stats()
}

// acquire returns the pool with the lifecycle read lock held. The caller must
// call the returned release func.
func (e *Engine) acquire(op string) (*db.Pool, func(), error) {
	e.mu.RLock()
	if e.pool == nil {
		e.mu.RUnlock()
		return nil, nil, storage.Closed(op)
	}
	return e.pool, e.mu.RUnlock, nil
}

// row is a validated record with its encoded metadata column.
type row struct {
	rec  storage.LogRecord
	meta sql.NullString
}

// Append inserts rec in a transaction of its own.
func (e *Engine) Append(ctx context.Context, rec storage.LogRecord) (int64, error) {
	rec, err := storage.Prepare(storage.OpAppend, rec, e.now())
	if err != nil {
		return 0, err
	}
	meta, err := encodeMetadata(rec.Metadata)
	if err != nil {
		return 0, storage.Invalid(storage.OpAppend, "cannot encode metadata: "+err.Error())
	}

	ids, err := e.insert(ctx, storage.OpAppend, []row{{rec: rec, meta: meta}})
	if err != nil {
		e.log.Errorf("sqlstore: append to %s failed: %v", rec.Channel, err)
		return 0, err
	}
	return ids[0], nil
}

// AppendBatch inserts every record inside one transaction. Any failure rolls
// the whole batch back.
func (e *Engine) AppendBatch(ctx context.Context, recs []storage.LogRecord) ([]int64, error) {
	if len(recs) == 0 {
		return nil, nil
	}
	now := e.now()
	rows := make([]row, len(recs))
	for i, r := range recs {
		rec, err := storage.Prepare(storage.OpAppendBatch, r, now)
		if err != nil {
			return nil, storage.Invalid(storage.OpAppendBatch, fmt.Sprintf("record %d: %v", i, err))
		}
		meta, err := encodeMetadata(rec.Metadata)
		if err != nil {
			return nil, storage.Invalid(storage.OpAppendBatch, fmt.Sprintf("record %d: cannot encode metadata: %v", i, err))
		}
		rows[i] = row{rec: rec, meta: meta}
	}

	ids, err := e.insert(ctx, storage.OpAppendBatch, rows)
	if err != nil {
		e.log.Warnf("sqlstore: batch of %d records rolled back: %v", len(recs), err)
		return nil, err
	}
	return ids, nil
}

// insert writes rows in one transaction on one reserved connection and returns
// their ids in input order. Where the dialect needs it, the channel locks are
// taken in sorted order before the first insert.
func (e *Engine) insert(ctx context.Context, op string, rows []row) (ids []int64, err error) {
	pool, release, err := e.acquire(op)
	if err != nil {
		return nil, err
	}
	defer release()

	conn, err := pool.Conn(ctx)
	if err != nil {
		return nil, storage.Failure(op, err)
	}
	defer conn.Close()

	tx, err := conn.BeginTx(ctx, nil)
	if err != nil {
		return nil, storage.Failure(op, err)
	}
	committed := false
	defer func() {
		if committed {
			return
		}
		if rbErr := tx.Rollback(); rbErr != nil && !errors.Is(rbErr, sql.ErrTxDone) {
			err = errors.Join(err, storage.Failure(op, fmt.Errorf("rollback: %w", rbErr)))
		}
		ids = nil
	}()

	if lock := pool.Dialect().LockKey; lock != "" {
		for _, channel := range lockOrder(rows) {
			if _, err := tx.ExecContext(ctx, lock, channel); err != nil {
				return nil, storage.Failure(op, fmt.Errorf("lock channel %s: %w", channel, err))
			}
		}
	}

	stmt, err := tx.PrepareContext(ctx, insertRecordSQL)
	if err != nil {
		return nil, storage.Failure(op, err)
	}
	defer stmt.Close()

	ids = make([]int64, len(rows))
	for i, r := range rows {
		rec := r.rec
		if err := stmt.QueryRowContext(ctx, rec.Channel, rec.Level.String(), rec.Message, r.meta, rec.Timestamp.UnixMicro()).Scan(&ids[i]); err != nil {
			return nil, storage.Failure(op, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return nil, storage.Failure(op, err)
	}
	committed = true
	return ids, nil
}

// lockOrder returns the distinct channels of rows, sorted so that concurrent
// writers lock them in the same order.
func lockOrder(rows []row) []string {
	seen := make(map[string]struct{}, len(rows))
	channels := make([]string, 0, len(rows))
	for _, r := range rows {
		if _, ok := seen[r.rec.Channel]; ok {
			continue
		}
		seen[r.rec.Channel] = struct{}{}
		channels = append(channels, r.rec.Channel)
	}
	sort.Strings(channels)
	return channels
}

// Read returns records past the cursor. A committing read advances the cursor
// with a guarded upsert that loses to any commit or seek made meanwhile.
func (e *Engine) Read(ctx context.Context, channel, consumerID string, limit int, autoCommit bool) ([]storage.LogRecord, error) {
	if err := checkCursorArgs(storage.OpRead, channel, consumerID); err != nil {
		return nil, err
	}
	if limit <= 0 {
		return []storage.LogRecord{}, nil
	}
	pool, release, err := e.acquire(storage.OpRead)
	if err != nil {
		return nil, err
	}
	defer release()

	cursor, err := offset(ctx, pool, channel, consumerID)
	if err != nil {
		return nil, storage.Failure(storage.OpRead, err)
	}
	recs, err := e.query(ctx, pool, readFromCursorSQL, channel, cursor, limit)
	if err != nil {
		return nil, storage.Failure(storage.OpRead, err)
	}
	if !autoCommit {
		return recs, nil
	}

	next, moved := storage.Advance(cursor, recs)
	if !moved {
		return recs, nil
	}
	res, err := pool.Exec(ctx, advanceOffsetSQL, consumerID, channel, next, cursor)
	if err != nil {
		return nil, storage.Failure(storage.OpRead, err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		e.log.Debugf("sqlstore: cursor %s/%s moved during read, not advancing", channel, consumerID)
	}
	return recs, nil
}

// ReadChannel returns the newest limit records of channel.
func (e *Engine) ReadChannel(ctx context.Context, channel string, limit int) ([]storage.LogRecord, error) {
	if err := storage.ValidateChannel(storage.OpReadChannel, channel); err != nil {
		return nil, err
	}
	if limit <= 0 {
		return []storage.LogRecord{}, nil
	}
	pool, release, err := e.acquire(storage.OpReadChannel)
	if err != nil {
		return nil, err
	}
	defer release()

	recs, err := e.query(ctx, pool, readChannelSQL, channel, limit)
	if err != nil {
		return nil, storage.Failure(storage.OpReadChannel, err)
	}
	return recs, nil
}

// ReadAll returns the newest limit records by timestamp across every channel.
func (e *Engine) ReadAll(ctx context.Context, limit int) ([]storage.LogRecord, error) {
	if limit <= 0 {
		return []storage.LogRecord{}, nil
	}
	pool, release, err := e.acquire(storage.OpReadAll)
	if err != nil {
		return nil, err
	}
	defer release()

	recs, err := e.query(ctx, pool, readAllSQL, limit)
	if err != nil {
		return nil, storage.Failure(storage.OpReadAll, err)
	}
	return recs, nil
}

// Commit sets the cursor to lastID.
func (e *Engine) Commit(ctx context.Context, channel, consumerID string, lastID int64) error {
	if err := checkCursorArgs(storage.OpCommit, channel, consumerID); err != nil {
		return err
	}
	if lastID < 0 {
		return storage.Invalid(storage.OpCommit, "offset cannot be negative")
	}
	return e.setOffset(ctx, storage.OpCommit, channel, consumerID, lastID)
}

// SeekToBeginning sets the cursor to 0.
func (e *Engine) SeekToBeginning(ctx context.Context, channel, consumerID string) error {
	if err := checkCursorArgs(storage.OpSeekToBeginning, channel, consumerID); err != nil {
		return err
	}
	return e.setOffset(ctx, storage.OpSeekToBeginning, channel, consumerID, 0)
}

// SeekToEnd sets the cursor to the channel's highest id, 0 for an empty channel.
func (e *Engine) SeekToEnd(ctx context.Context, channel, consumerID string) error {
	if err := checkCursorArgs(storage.OpSeekToEnd, channel, consumerID); err != nil {
		return err
	}
	pool, release, err := e.acquire(storage.OpSeekToEnd)
	if err != nil {
		return err
	}
	defer release()

	var maxID int64
	if err := pool.QueryRow(ctx, maxIDSQL, channel).Scan(&maxID); err != nil {
		return storage.Failure(storage.OpSeekToEnd, err)
	}
	if _, err := pool.Exec(ctx, upsertOffsetSQL, consumerID, channel, maxID); err != nil {
		return storage.Failure(storage.OpSeekToEnd, err)
	}
	return nil
}

// SeekToID sets the cursor so that id is the next record delivered.
func (e *Engine) SeekToID(ctx context.Context, channel, consumerID string, id int64) error {
	if err := checkCursorArgs(storage.OpSeekToID, channel, consumerID); err != nil {
		return err
	}
	return e.setOffset(ctx, storage.OpSeekToID, channel, consumerID, storage.SeekTarget(id))
}

// Offset returns the stored cursor, 0 when there is none.
func (e *Engine) Offset(ctx context.Context, channel, consumerID string) (int64, error) {
	if err := checkCursorArgs(storage.OpOffset, channel, consumerID); err != nil {
		return 0, err
	}
	pool, release, err := e.acquire(storage.OpOffset)
	if err != nil {
		return 0, err
	}
	defer release()

	off, err := offset(ctx, pool, channel, consumerID)
	if err != nil {
		return 0, storage.Failure(storage.OpOffset, err)
	}
	return off, nil
}

func (e *Engine) setOffset(ctx context.Context, op, channel, consumerID string, off int64) error {
	pool, release, err := e.acquire(op)
	if err != nil {
		return err
	}
	defer release()

	if _, err := pool.Exec(ctx, upsertOffsetSQL, consumerID, channel, off); err != nil {
		return storage.Failure(op, err)
	}
	e.log.Debugf("sqlstore: %s cursor %s/%s = %d", op, channel, consumerID, off)
	return nil
}

func checkCursorArgs(op, channel, consumerID string) error {
	if err := storage.ValidateChannel(op, channel); err != nil {
		return err
	}
	return storage.ValidateConsumer(op, consumerID)
}

func offset(ctx context.Context, pool *db.Pool, channel, consumerID string) (int64, error) {
	var off int64
	err := pool.QueryRow(ctx, selectOffsetSQL, consumerID, channel).Scan(&off)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, nil
	}
	return off, err
}

// query runs a record SELECT. Rows whose level or metadata cannot be decoded are
// skipped with a warning.
func (e *Engine) query(ctx context.Context, pool *db.Pool, query string, args ...interface{}) ([]storage.LogRecord, error) {
	rows, err := pool.Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := []storage.LogRecord{}
	for rows.Next() {
		var (
			rec    storage.LogRecord
			level  string
			meta   sql.NullString
			micros int64
		)
		if err := rows.Scan(&rec.ID, &rec.Channel, &level, &rec.Message, &meta, &micros); err != nil {
			return nil, err
		}
		if rec.Level, err = storage.ParseLevel(level); err != nil {
			e.log.Warnf("sqlstore: skipping record %d: %v", rec.ID, err)
			continue
		}
		if meta.Valid {
			if rec.Metadata, err = storage.DecodeMetadata([]byte(meta.String)); err != nil {
				e.log.Warnf("sqlstore: skipping record %d: bad metadata: %v", rec.ID, err)
				continue
			}
		}
		rec.Timestamp = time.UnixMicro(micros).UTC()
		out = append(out, rec)
	}
	return out, rows.Err()
}

// encodeMetadata returns the column value: NULL for absent metadata, JSON text
// otherwise.
func encodeMetadata(m storage.Metadata) (sql.NullString, error) {
	data, err := storage.EncodeMetadata(m)
	if err != nil || data == nil {
		return sql.NullString{}, err
	}
	return sql.NullString{String: string(data), Valid: true}, nil
}
