package filestore

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/fluxorio/logpilot/pkg/storage"
)

// fileMark is the size a channel file had before a batch wrote to it.
type fileMark struct {
	name string
	size int64
}

func logName(channel string) string {
	return storage.SanitizeName(channel) + logSuffix
}

func (e *Engine) logPath(name string) string {
	return filepath.Join(e.cfg.Dir, name)
}

// Append writes rec as the next line of its channel file.
func (e *Engine) Append(ctx context.Context, rec storage.LogRecord) (int64, error) {
	if err := ctx.Err(); err != nil {
		return 0, storage.Failure(storage.OpAppend, err)
	}
	rec, err := storage.Prepare(storage.OpAppend, rec, e.now())
	if err != nil {
		return 0, err
	}
	line, err := storage.EncodeRecord(rec)
	if err != nil {
		return 0, storage.Invalid(storage.OpAppend, "cannot encode record: "+err.Error())
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if !e.open {
		return 0, storage.Closed(storage.OpAppend)
	}
	name := logName(rec.Channel)
	ids, err := e.writeLinesLocked(name, [][]byte{line})
	if err != nil {
		delete(e.channels, name)
		return 0, storage.Failure(storage.OpAppend, err)
	}
	return ids[0], nil
}

// AppendBatch encodes every record before touching disk, then writes each
// channel's lines with a single write. A failed write truncates every file the
// batch touched back to its previous size.
func (e *Engine) AppendBatch(ctx context.Context, recs []storage.LogRecord) ([]int64, error) {
	if len(recs) == 0 {
		return nil, nil
	}
	if err := ctx.Err(); err != nil {
		return nil, storage.Failure(storage.OpAppendBatch, err)
	}

	now := e.now()
	var order []string
	groups := make(map[string][]int) // file name -> input indexes
	lines := make([][]byte, len(recs))
	for i, r := range recs {
		prepared, err := storage.Prepare(storage.OpAppendBatch, r, now)
		if err != nil {
			return nil, storage.Invalid(storage.OpAppendBatch, fmt.Sprintf("record %d: %v", i, err))
		}
		line, err := storage.EncodeRecord(prepared)
		if err != nil {
			return nil, storage.Invalid(storage.OpAppendBatch, fmt.Sprintf("record %d: cannot encode: %v", i, err))
		}
		lines[i] = line
		name := logName(prepared.Channel)
		if _, ok := groups[name]; !ok {
			order = append(order, name)
		}
		groups[name] = append(groups[name], i)
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if !e.open {
		return nil, storage.Closed(storage.OpAppendBatch)
	}

	var written []fileMark
	ids := make([]int64, len(recs))
	for _, name := range order {
		st, err := e.stateLocked(name)
		if err != nil {
			return nil, storage.Failure(storage.OpAppendBatch, e.rollbackLocked(written, err))
		}
		written = append(written, fileMark{name: name, size: st.size})

		idx := groups[name]
		group := make([][]byte, len(idx))
		for j, i := range idx {
			group[j] = lines[i]
		}
		groupIDs, err := e.writeLinesLocked(name, group)
		if err != nil {
			return nil, storage.Failure(storage.OpAppendBatch, e.rollbackLocked(written, err))
		}
		for j, i := range idx {
			ids[i] = groupIDs[j]
		}
	}
	e.log.Debugf("filestore: appended batch of %d records to %d channels", len(recs), len(order))
	return ids, nil
}

// rollbackLocked truncates files to their pre-batch sizes and forgets their
// cached state. It returns cause joined with any truncate failure.
func (e *Engine) rollbackLocked(written []fileMark, cause error) error {
	errs := []error{cause}
	for _, w := range written {
		delete(e.channels, w.name)
		if err := os.Truncate(e.logPath(w.name), w.size); err != nil && !errors.Is(err, fs.ErrNotExist) {
			errs = append(errs, fmt.Errorf("rollback %s: %w", w.name, err))
		}
	}
	e.log.Errorf("filestore: batch append rolled back: %v", cause)
	return errors.Join(errs...)
}

// writeLinesLocked appends lines to the file in one write and returns their ids.
// A torn last line is terminated first so it stays a single malformed line.
func (e *Engine) writeLinesLocked(name string, lines [][]byte) ([]int64, error) {
	st, err := e.stateLocked(name)
	if err != nil {
		return nil, err
	}

	var buf bytes.Buffer
	if st.torn {
		buf.WriteByte('\n')
	}
	for _, l := range lines {
		buf.Write(l)
		buf.WriteByte('\n')
	}

	f, err := os.OpenFile(e.logPath(name), os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, err
	}
	n, err := f.Write(buf.Bytes())
	if err == nil && e.cfg.Durability == DurabilityFsync {
		err = f.Sync()
	}
	if cerr := f.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		if n > 0 {
			_ = os.Truncate(e.logPath(name), st.size)
		}
		return nil, err
	}

	ids := make([]int64, len(lines))
	for i := range lines {
		ids[i] = st.lines + int64(i) + 1
	}
	st.lines += int64(len(lines))
	st.size += int64(buf.Len())
	st.torn = false
	return ids, nil
}

// stateLocked returns the cached state of a channel file, recounting it when the
// file size no longer matches the cache. Callers hold mu exclusively.
func (e *Engine) stateLocked(name string) (*channelState, error) {
	info, err := os.Stat(e.logPath(name))
	if errors.Is(err, fs.ErrNotExist) {
		st := &channelState{}
		e.channels[name] = st
		return st, nil
	}
	if err != nil {
		return nil, err
	}
	if st, ok := e.channels[name]; ok && st.size == info.Size() {
		return st, nil
	}

	st, err := e.countLines(name)
	if err != nil {
		return nil, err
	}
	e.channels[name] = st
	return st, nil
}

func (e *Engine) countLines(name string) (*channelState, error) {
	f, err := os.Open(e.logPath(name))
	if err != nil {
		return nil, err
	}
	defer f.Close()

	st := &channelState{}
	r := bufio.NewReaderSize(f, 64<<10)
	var last byte
	for {
		chunk, err := r.ReadSlice('\n')
		if len(chunk) > 0 {
			st.size += int64(len(chunk))
			last = chunk[len(chunk)-1]
			if last == '\n' {
				st.lines++
			}
		}
		if err == bufio.ErrBufferFull {
			continue
		}
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, err
		}
	}
	if st.size > 0 && last != '\n' {
		st.lines++
		st.torn = true
	}
	return st, nil
}

// scanLines calls fn with the id and content of every line, trailing newline and
// carriage return removed. A missing file yields no lines. fn returns false to stop.
func (e *Engine) scanLines(name string, fn func(id int64, line []byte) bool) error {
	f, err := os.Open(e.logPath(name))
	if errors.Is(err, fs.ErrNotExist) {
		return nil
	}
	if err != nil {
		return err
	}
	defer f.Close()

	r := bufio.NewReaderSize(f, 64<<10)
	var id int64
	for {
		line, err := r.ReadBytes('\n')
		if len(line) > 0 {
			id++
			line = bytes.TrimRight(line, "\r\n")
			if !fn(id, line) {
				return nil
			}
		}
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return err
		}
	}
}

func (e *Engine) decodeLine(name string, id int64, line []byte) (storage.LogRecord, bool) {
	rec, err := storage.DecodeRecord(line)
	if err != nil {
		e.log.Warnf("filestore: skipping malformed line %d in %s: %v", id, name, err)
		return storage.LogRecord{}, false
	}
	rec.ID = id
	return rec, true
}

// Read returns records past the consumer's cursor. A committing read moves the
// cursor only if no commit or seek changed it while the file was scanned.
func (e *Engine) Read(ctx context.Context, channel, consumerID string, limit int, autoCommit bool) ([]storage.LogRecord, error) {
	if err := e.checkCursorArgs(ctx, storage.OpRead, channel, consumerID); err != nil {
		return nil, err
	}
	if limit <= 0 {
		return []storage.LogRecord{}, nil
	}

	key := storage.OffsetKey(consumerID, channel)
	name := logName(channel)

	e.mu.RLock()
	if !e.open {
		e.mu.RUnlock()
		return nil, storage.Closed(storage.OpRead)
	}
	cursor := e.offsets[key]
	out := make([]storage.LogRecord, 0, min(limit, 256))
	err := e.scanLines(name, func(id int64, line []byte) bool {
		if id <= cursor {
			return true
		}
		if rec, ok := e.decodeLine(name, id, line); ok {
			out = append(out, rec)
		}
		return len(out) < limit
	})
	e.mu.RUnlock()
	if err != nil {
		return nil, storage.Failure(storage.OpRead, err)
	}

	if !autoCommit {
		return out, nil
	}
	next, moved := storage.Advance(cursor, out)
	if !moved {
		return out, nil
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if !e.open {
		return nil, storage.Closed(storage.OpRead)
	}
	if e.offsets[key] != cursor {
		e.log.Debugf("filestore: cursor %s moved during read, not advancing", key)
		return out, nil
	}
	if err := e.setOffsetLocked(storage.OpRead, channel, consumerID, next); err != nil {
		return nil, err
	}
	return out, nil
}

// ReadChannel returns the last limit decodable records of channel, newest first.
func (e *Engine) ReadChannel(ctx context.Context, channel string, limit int) ([]storage.LogRecord, error) {
	if err := ctx.Err(); err != nil {
		return nil, storage.Failure(storage.OpReadChannel, err)
	}
	if err := storage.ValidateChannel(storage.OpReadChannel, channel); err != nil {
		return nil, err
	}
	if limit <= 0 {
		return []storage.LogRecord{}, nil
	}

	e.mu.RLock()
	defer e.mu.RUnlock()
	if !e.open {
		return nil, storage.Closed(storage.OpReadChannel)
	}
	recs, err := e.tail(logName(channel), limit)
	if err != nil {
		return nil, storage.Failure(storage.OpReadChannel, err)
	}
	return recs, nil
}

// ReadAll merges the tails of every channel file by timestamp, newest first.
func (e *Engine) ReadAll(ctx context.Context, limit int) ([]storage.LogRecord, error) {
	if err := ctx.Err(); err != nil {
		return nil, storage.Failure(storage.OpReadAll, err)
	}
	if limit <= 0 {
		return []storage.LogRecord{}, nil
	}

	e.mu.RLock()
	defer e.mu.RUnlock()
	if !e.open {
		return nil, storage.Closed(storage.OpReadAll)
	}

	entries, err := os.ReadDir(e.cfg.Dir)
	if err != nil {
		return nil, storage.Failure(storage.OpReadAll, err)
	}
	var all []storage.LogRecord
	for _, ent := range entries {
		if ent.IsDir() || !strings.HasSuffix(ent.Name(), logSuffix) {
			continue
		}
		recs, err := e.tail(ent.Name(), limit)
		if err != nil {
			return nil, storage.Failure(storage.OpReadAll, err)
		}
		all = append(all, recs...)
	}

	sort.SliceStable(all, func(i, j int) bool {
		a, b := all[i], all[j]
		if !a.Timestamp.Equal(b.Timestamp) {
			return a.Timestamp.After(b.Timestamp)
		}
		if a.Channel != b.Channel {
			return a.Channel < b.Channel
		}
		return a.ID > b.ID
	})
	if len(all) > limit {
		all = all[:limit]
	}
	return all, nil
}

// tail keeps a ring of the last limit decodable records and returns it newest
// first. Callers hold mu.
func (e *Engine) tail(name string, limit int) ([]storage.LogRecord, error) {
	ring := make([]storage.LogRecord, 0, min(limit, 256))
	next := 0
	err := e.scanLines(name, func(id int64, line []byte) bool {
		rec, ok := e.decodeLine(name, id, line)
		if !ok {
			return true
		}
		if len(ring) < limit {
			ring = append(ring, rec)
			return true
		}
		ring[next] = rec
		next = (next + 1) % limit
		return true
	})
	if err != nil {
		return nil, err
	}

	out := make([]storage.LogRecord, 0, len(ring))
	for i := len(ring) - 1; i >= 0; i-- {
		out = append(out, ring[(next+i)%len(ring)])
	}
	return out, nil
}
