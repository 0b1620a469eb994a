package filestore

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/fluxorio/logpilot/pkg/core"
	"github.com/fluxorio/logpilot/pkg/storage"
	"github.com/fluxorio/logpilot/pkg/storage/storagetest"
)

func newTestEngine(t *testing.T, dir string) *Engine {
	t.Helper()
	cfg := DefaultConfig(dir)
	cfg.Logger = core.NewNopLogger()
	e, err := New(cfg)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if err := e.Open(context.Background()); err != nil {
		t.Fatalf("Open: %v", err)
	}
	return e
}

func TestEngineConformance(t *testing.T) {
	storagetest.Run(t, func(t *testing.T, dir string) storage.Engine {
		return newTestEngine(t, dir)
	})
}

func TestEngineConformance_Fsync(t *testing.T) {
	storagetest.Run(t, func(t *testing.T, dir string) storage.Engine {
		cfg := DefaultConfig(dir)
		cfg.Durability = DurabilityFsync
		cfg.Logger = core.NewNopLogger()
		e, err := New(cfg)
		if err != nil {
			t.Fatalf("New: %v", err)
		}
		if err := e.Open(context.Background()); err != nil {
			t.Fatalf("Open: %v", err)
		}
		return e
	})
}

func TestNew_FailFast(t *testing.T) {
	if _, err := New(Config{}); !storage.IsInvalidInput(err) {
		t.Errorf("New(empty dir) err = %v, want invalid input", err)
	}
	if _, err := New(Config{Dir: t.TempDir(), Durability: Durability(5)}); err == nil {
		t.Error("New(unknown durability) should fail")
	}
}

func TestLayout(t *testing.T) {
	dir := t.TempDir()
	e := newTestEngine(t, dir)
	defer e.Close()
	ctx := context.Background()

	if _, err := e.Append(ctx, storage.LogRecord{Channel: "orders/eu", Level: storage.LevelInfo, Message: "hi"}); err != nil {
		t.Fatalf("Append: %v", err)
	}
	if _, err := e.Read(ctx, "orders/eu", "svc 1", 10, true); err != nil {
		t.Fatalf("Read: %v", err)
	}

	data, err := os.ReadFile(filepath.Join(dir, "orders_eu.log"))
	if err != nil {
		t.Fatalf("channel file: %v", err)
	}
	if !bytes.HasSuffix(data, []byte("\n")) || bytes.Count(data, []byte("\n")) != 1 {
		t.Errorf("channel file = %q, want one newline-terminated line", data)
	}
	for _, field := range []string{`"timestamp"`, `"channel":"orders/eu"`, `"level":"INFO"`, `"message":"hi"`} {
		if !bytes.Contains(data, []byte(field)) {
			t.Errorf("line %q lacks %s", data, field)
		}
	}
	if bytes.Contains(data, []byte(`"meta"`)) {
		t.Errorf("line %q carries meta for a record without metadata", data)
	}

	off, err := os.ReadFile(filepath.Join(dir, ".offsets", "svc_1:orders_eu.offset"))
	if err != nil {
		t.Fatalf("offset file: %v", err)
	}
	if string(off) != "1" {
		t.Errorf("offset file = %q, want 1", off)
	}
}

func TestMalformedLinesAreSkippedButKeepTheirID(t *testing.T) {
	dir := t.TempDir()
	good := func(msg string) string {
		line, err := storage.EncodeRecord(storage.LogRecord{Channel: "orders", Level: storage.LevelInfo, Message: msg})
		if err != nil {
			t.Fatalf("EncodeRecord: %v", err)
		}
		return string(line)
	}
	content := good("one") + "\n" + "{not json\n" + "\n" + good("four") + "\n" + `{"channel":"orders","level":"NOISY"}` + "\n" + good("six") + "\n"
	if err := os.WriteFile(filepath.Join(dir, "orders.log"), []byte(content), 0o644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}

	var logs bytes.Buffer
	cfg := DefaultConfig(dir)
	cfg.Logger = core.NewWriterLogger(core.LogLevelWarn, &logs)
	e, err := New(cfg)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if err := e.Open(context.Background()); err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer e.Close()
	ctx := context.Background()

	recs, err := e.Read(ctx, "orders", "c1", 10, true)
	if err != nil {
		t.Fatalf("Read: %v", err)
	}
	var ids []int64
	for _, r := range recs {
		ids = append(ids, r.ID)
	}
	if len(ids) != 3 || ids[0] != 1 || ids[1] != 4 || ids[2] != 6 {
		t.Fatalf("ids = %v, want [1 4 6]", ids)
	}
	if !strings.Contains(logs.String(), "skipping malformed line 2") {
		t.Errorf("no warning for line 2 in %q", logs.String())
	}

	id, err := e.Append(ctx, storage.LogRecord{Channel: "orders", Level: storage.LevelInfo, Message: "seven"})
	if err != nil {
		t.Fatalf("Append: %v", err)
	}
	if id != 7 {
		t.Errorf("next id = %d, want 7", id)
	}

	if err := e.SeekToEnd(ctx, "orders", "c2"); err != nil {
		t.Fatalf("SeekToEnd: %v", err)
	}
	if off, _ := e.Offset(ctx, "orders", "c2"); off != 7 {
		t.Errorf("SeekToEnd cursor = %d, want 7", off)
	}
}

func TestEmptyObjectLineIsSkippedButKeepsItsID(t *testing.T) {
	dir := t.TempDir()
	line, err := storage.EncodeRecord(storage.LogRecord{Channel: "orders", Level: storage.LevelInfo, Message: "three"})
	if err != nil {
		t.Fatalf("EncodeRecord: %v", err)
	}
	content := "{}\n" + `{"channel":"orders"}` + "\n" + string(line) + "\n"
	if err := os.WriteFile(filepath.Join(dir, "orders.log"), []byte(content), 0o644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}

	var logs bytes.Buffer
	cfg := DefaultConfig(dir)
	cfg.Logger = core.NewWriterLogger(core.LogLevelWarn, &logs)
	e, err := New(cfg)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if err := e.Open(context.Background()); err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer e.Close()

	recs, err := e.ReadChannel(context.Background(), "orders", 10)
	if err != nil {
		t.Fatalf("ReadChannel: %v", err)
	}
	if len(recs) != 1 || recs[0].ID != 3 || recs[0].Message != "three" {
		t.Fatalf("ReadChannel = %+v, want only record 3", recs)
	}
	for _, want := range []string{"skipping malformed line 1", "skipping malformed line 2"} {
		if !strings.Contains(logs.String(), want) {
			t.Errorf("no %q warning in %q", want, logs.String())
		}
	}
}

func TestTornTailIsTerminatedBeforeAppend(t *testing.T) {
	dir := t.TempDir()
	first, _ := storage.EncodeRecord(storage.LogRecord{Channel: "c", Level: storage.LevelInfo, Message: "first"})
	torn := string(first) + "\n" + `{"timestamp":"2024-01-01T00:00:00Z","chan`
	if err := os.WriteFile(filepath.Join(dir, "c.log"), []byte(torn), 0o644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}

	e := newTestEngine(t, dir)
	defer e.Close()
	ctx := context.Background()

	id, err := e.Append(ctx, storage.LogRecord{Channel: "c", Level: storage.LevelWarn, Message: "third"})
	if err != nil {
		t.Fatalf("Append: %v", err)
	}
	if id != 3 {
		t.Fatalf("id = %d, want 3", id)
	}
	recs, err := e.ReadChannel(ctx, "c", 10)
	if err != nil {
		t.Fatalf("ReadChannel: %v", err)
	}
	if len(recs) != 2 || recs[0].Message != "third" || recs[0].ID != 3 || recs[1].ID != 1 {
		t.Fatalf("ReadChannel = %+v", recs)
	}
}

func TestLongLines(t *testing.T) {
	e := newTestEngine(t, t.TempDir())
	defer e.Close()
	ctx := context.Background()

	big := strings.Repeat("x", 256<<10)
	if _, err := e.Append(ctx, storage.LogRecord{Channel: "big", Level: storage.LevelInfo, Message: big}); err != nil {
		t.Fatalf("Append: %v", err)
	}
	id, err := e.Append(ctx, storage.LogRecord{Channel: "big", Level: storage.LevelInfo, Message: "small"})
	if err != nil {
		t.Fatalf("Append: %v", err)
	}
	if id != 2 {
		t.Fatalf("id = %d, want 2", id)
	}
	recs, err := e.Read(ctx, "big", "c", 10, false)
	if err != nil {
		t.Fatalf("Read: %v", err)
	}
	if len(recs) != 2 || len(recs[0].Message) != len(big) {
		t.Fatalf("read %d records", len(recs))
	}
}

func TestBatchRollsBackOnWriteFailure(t *testing.T) {
	dir := t.TempDir()
	e := newTestEngine(t, dir)
	defer e.Close()
	ctx := context.Background()

	if _, err := e.Append(ctx, storage.LogRecord{Channel: "a", Level: storage.LevelInfo, Message: "kept"}); err != nil {
		t.Fatalf("Append: %v", err)
	}
	before, err := os.ReadFile(filepath.Join(dir, "a.log"))
	if err != nil {
		t.Fatalf("ReadFile: %v", err)
	}
	// A directory where channel b's file should be makes its write fail.
	if err := os.Mkdir(filepath.Join(dir, "b.log"), 0o755); err != nil {
		t.Fatalf("Mkdir: %v", err)
	}

	_, err = e.AppendBatch(ctx, []storage.LogRecord{
		{Channel: "a", Level: storage.LevelInfo, Message: "lost-1"},
		{Channel: "b", Level: storage.LevelInfo, Message: "lost-2"},
		{Channel: "a", Level: storage.LevelInfo, Message: "lost-3"},
	})
	if !storage.IsStorageFailure(err) {
		t.Fatalf("AppendBatch err = %v, want storage failure", err)
	}

	after, err := os.ReadFile(filepath.Join(dir, "a.log"))
	if err != nil {
		t.Fatalf("ReadFile: %v", err)
	}
	if !bytes.Equal(before, after) {
		t.Fatalf("a.log changed by failed batch:\nbefore %q\nafter  %q", before, after)
	}
	id, err := e.Append(ctx, storage.LogRecord{Channel: "a", Level: storage.LevelInfo, Message: "next"})
	if err != nil {
		t.Fatalf("Append: %v", err)
	}
	if id != 2 {
		t.Errorf("id after rollback = %d, want 2", id)
	}
}

func TestBatchIDsFollowInputOrder(t *testing.T) {
	e := newTestEngine(t, t.TempDir())
	defer e.Close()

	ids, err := e.AppendBatch(context.Background(), []storage.LogRecord{
		{Channel: "a", Level: storage.LevelInfo},
		{Channel: "b", Level: storage.LevelInfo},
		{Channel: "a", Level: storage.LevelInfo},
		{Channel: "b", Level: storage.LevelInfo},
		{Channel: "a", Level: storage.LevelInfo},
	})
	if err != nil {
		t.Fatalf("AppendBatch: %v", err)
	}
	want := []int64{1, 1, 2, 2, 3}
	for i := range want {
		if ids[i] != want[i] {
			t.Fatalf("ids = %v, want %v", ids, want)
		}
	}
}

func TestCloseFlushesAndOpenReloadsCursors(t *testing.T) {
	dir := t.TempDir()
	e := newTestEngine(t, dir)
	ctx := context.Background()

	if err := e.Commit(ctx, "orders", "c1", 12); err != nil {
		t.Fatalf("Commit: %v", err)
	}
	// A cursor file lost from disk comes back on Close from the cache.
	if err := os.Remove(filepath.Join(dir, ".offsets", "c1:orders.offset")); err != nil {
		t.Fatalf("Remove: %v", err)
	}
	if err := e.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if err := os.WriteFile(filepath.Join(dir, ".offsets", "junk:orders.offset"), []byte("abc"), 0o644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}
	if err := os.WriteFile(filepath.Join(dir, ".offsets", "c9:orders.offset.tmp-123"), []byte("4"), 0o644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}

	if err := e.Open(ctx); err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer e.Close()
	if off, err := e.Offset(ctx, "orders", "c1"); err != nil || off != 12 {
		t.Fatalf("Offset(c1) = %d, %v; want 12", off, err)
	}
	if off, _ := e.Offset(ctx, "orders", "junk"); off != 0 {
		t.Errorf("Offset(junk) = %d, want 0", off)
	}
	if _, err := os.Stat(filepath.Join(dir, ".offsets", "c9:orders.offset.tmp-123")); !os.IsNotExist(err) {
		t.Errorf("temp cursor file survived Open: %v", err)
	}
}

func TestCommitRejectsNegativeOffset(t *testing.T) {
	e := newTestEngine(t, t.TempDir())
	defer e.Close()
	if err := e.Commit(context.Background(), "orders", "c1", -1); !storage.IsInvalidInput(err) {
		t.Errorf("Commit(-1) err = %v, want invalid input", err)
	}
}
