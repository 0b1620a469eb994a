// Package filestore implements storage.Engine over plain files: one
// newline-delimited JSON log per channel and one small decimal file per cursor.
//
// Layout under Config.Dir:
//
//	<channel>.log                     records, one JSON document per line
//	.offsets/<consumer>:<channel>.offset  cursor of consumer on channel
//
// Channel and consumer names are sanitized to [A-Za-z0-9._-]. A record's id is
// its 1-based line number, so ids are gapless and never reused while the file is
// only appended to.
package filestore

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/fluxorio/logpilot/pkg/core"
	"github.com/fluxorio/logpilot/pkg/storage"
)

const (
	logSuffix    = ".log"
	offsetsDir   = ".offsets"
	offsetSuffix = ".offset"
)

// Durability specifies when an append is acknowledged.
type Durability int

const (
	// DurabilityOS acknowledges once the write reached the OS page cache.
	DurabilityOS Durability = iota
	// DurabilityFsync acknowledges after the channel file is fsync'd.
	// (Stronger durability, lower throughput.)
	DurabilityFsync
)

// Config configures the file-backed engine.
type Config struct {
	Dir string

	// Durability controls when Append is acknowledged. Cursor files are always
	// fsync'd before a cursor mutation returns.
	Durability Durability

	// Logger receives skipped-line warnings and lifecycle messages.
	Logger core.Logger
}

// DefaultConfig returns the default config for dir.
func DefaultConfig(dir string) Config {
	return Config{
		Dir:        dir,
		Durability: DurabilityOS,
		Logger:     core.NewDefaultLogger(),
	}
}

// channelState caches what an append needs to know about a channel file.
type channelState struct {
	lines int64
	size  int64
	// torn is set when the file does not end with a newline.
	torn bool
}

// Engine is the file-backed storage engine. One RWMutex guards every file:
// appends and cursor changes take it exclusively, scans share it.
type Engine struct {
	cfg Config
	log core.Logger
	now func() time.Time

	mu       sync.RWMutex
	open     bool
	channels map[string]*channelState // by log file name
	offsets  map[string]int64         // by storage.OffsetKey
}

var _ storage.Engine = (*Engine)(nil)

// New validates cfg and returns a closed engine. Call Open before use.
func New(cfg Config) (*Engine, error) {
	if strings.TrimSpace(cfg.Dir) == "" {
		return nil, &storage.Error{Code: storage.CodeInvalidInput, Op: "new", Message: "dir is required"}
	}
	if cfg.Durability != DurabilityOS && cfg.Durability != DurabilityFsync {
		return nil, &storage.Error{Code: storage.CodeInvalidInput, Op: "new", Message: fmt.Sprintf("unknown durability %d", cfg.Durability)}
	}
	if cfg.Logger == nil {
		cfg.Logger = core.NewDefaultLogger()
	}
	return &Engine{
		cfg: cfg,
		log: cfg.Logger,
		now: time.Now,
	}, nil
}

// Open creates the directories if needed and loads every stored cursor.
func (e *Engine) Open(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return storage.Failure(storage.OpOpen, err)
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.open {
		return nil
	}

	if err := os.MkdirAll(e.offsetsPath(), 0o755); err != nil {
		return storage.Failure(storage.OpOpen, err)
	}
	offsets, err := e.loadOffsets()
	if err != nil {
		return storage.Failure(storage.OpOpen, err)
	}

	e.offsets = offsets
	e.channels = make(map[string]*channelState)
	e.open = true
	e.log.Infof("filestore: opened %s with %d cursors", e.cfg.Dir, len(offsets))
	return nil
}

// Close writes every cached cursor to its file. The engine can be reopened.
func (e *Engine) Close() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if !e.open {
		return nil
	}

	var errs []error
	for key, off := range e.offsets {
		if err := e.writeOffset(key, off); err != nil {
			errs = append(errs, err)
		}
	}
	e.open = false
	e.channels = nil
	e.offsets = nil
	if err := errors.Join(errs...); err != nil {
		return storage.Failure(storage.OpClose, err)
	}
	e.log.Infof("filestore: closed %s", e.cfg.Dir)
	return nil
}

// Offset returns the cached cursor.
func (e *Engine) Offset(ctx context.Context, channel, consumerID string) (int64, error) {
	if err := e.checkCursorArgs(ctx, storage.OpOffset, channel, consumerID); err != nil {
		return 0, err
	}
	e.mu.RLock()
	defer e.mu.RUnlock()
	if !e.open {
		return 0, storage.Closed(storage.OpOffset)
	}
	return e.offsets[storage.OffsetKey(consumerID, channel)], nil
}

// Commit sets the cursor to lastID.
func (e *Engine) Commit(ctx context.Context, channel, consumerID string, lastID int64) error {
	if err := e.checkCursorArgs(ctx, storage.OpCommit, channel, consumerID); err != nil {
		return err
	}
	if lastID < 0 {
		return storage.Invalid(storage.OpCommit, "offset cannot be negative")
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.setOffsetLocked(storage.OpCommit, channel, consumerID, lastID)
}

// SeekToBeginning sets the cursor to 0.
func (e *Engine) SeekToBeginning(ctx context.Context, channel, consumerID string) error {
	if err := e.checkCursorArgs(ctx, storage.OpSeekToBeginning, channel, consumerID); err != nil {
		return err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.setOffsetLocked(storage.OpSeekToBeginning, channel, consumerID, 0)
}

// SeekToEnd sets the cursor to the number of lines in the channel file.
func (e *Engine) SeekToEnd(ctx context.Context, channel, consumerID string) error {
	if err := e.checkCursorArgs(ctx, storage.OpSeekToEnd, channel, consumerID); err != nil {
		return err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if !e.open {
		return storage.Closed(storage.OpSeekToEnd)
	}
	st, err := e.stateLocked(logName(channel))
	if err != nil {
		return storage.Failure(storage.OpSeekToEnd, err)
	}
	return e.setOffsetLocked(storage.OpSeekToEnd, channel, consumerID, st.lines)
}

// SeekToID sets the cursor so that id is the next record delivered.
func (e *Engine) SeekToID(ctx context.Context, channel, consumerID string, id int64) error {
	if err := e.checkCursorArgs(ctx, storage.OpSeekToID, channel, consumerID); err != nil {
		return err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.setOffsetLocked(storage.OpSeekToID, channel, consumerID, storage.SeekTarget(id))
}

func (e *Engine) checkCursorArgs(ctx context.Context, op, channel, consumerID string) error {
	if err := ctx.Err(); err != nil {
		return storage.Failure(op, err)
	}
	if err := storage.ValidateChannel(op, channel); err != nil {
		return err
	}
	return storage.ValidateConsumer(op, consumerID)
}

// setOffsetLocked writes the cursor through to its file, then updates the cache.
// Callers hold mu exclusively.
func (e *Engine) setOffsetLocked(op, channel, consumerID string, off int64) error {
	if !e.open {
		return storage.Closed(op)
	}
	key := storage.OffsetKey(consumerID, channel)
	if err := e.writeOffset(key, off); err != nil {
		return storage.Failure(op, err)
	}
	e.offsets[key] = off
	e.log.Debugf("filestore: %s cursor %s = %d", op, key, off)
	return nil
}

func (e *Engine) offsetsPath() string {
	return filepath.Join(e.cfg.Dir, offsetsDir)
}

// writeOffset replaces the cursor file atomically: temp file, fsync, rename.
func (e *Engine) writeOffset(key string, off int64) error {
	dir := e.offsetsPath()
	tmp, err := os.CreateTemp(dir, key+".tmp-*")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()
	defer func() {
		if tmpName != "" {
			_ = os.Remove(tmpName)
		}
	}()

	if _, err := tmp.WriteString(strconv.FormatInt(off, 10)); err != nil {
		_ = tmp.Close()
		return err
	}
	if err := tmp.Sync(); err != nil {
		_ = tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	if err := os.Rename(tmpName, filepath.Join(dir, key+offsetSuffix)); err != nil {
		return err
	}
	tmpName = ""
	return nil
}

// loadOffsets reads every cursor file. Unparseable files are skipped with a
// warning, leftovers of interrupted writes are removed.
func (e *Engine) loadOffsets() (map[string]int64, error) {
	dir := e.offsetsPath()
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, err
	}

	offsets := make(map[string]int64, len(entries))
	for _, ent := range entries {
		name := ent.Name()
		if ent.IsDir() {
			continue
		}
		if strings.Contains(name, ".tmp-") {
			_ = os.Remove(filepath.Join(dir, name))
			continue
		}
		if !strings.HasSuffix(name, offsetSuffix) {
			continue
		}
		// #nosec G304 -- name comes from listing our own offsets directory.
		data, err := os.ReadFile(filepath.Join(dir, name))
		if err != nil {
			return nil, err
		}
		off, err := strconv.ParseInt(strings.TrimSpace(string(data)), 10, 64)
		if err != nil || off < 0 {
			e.log.Warnf("filestore: ignoring unreadable cursor file %s", name)
			continue
		}
		offsets[strings.TrimSuffix(name, offsetSuffix)] = off
	}
	return offsets, nil
}
