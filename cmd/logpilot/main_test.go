package main

import (
	"bytes"
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"go.opentelemetry.io/otel"

	"github.com/fluxorio/logpilot/pkg/engine"
	"github.com/fluxorio/logpilot/pkg/storage"
)

type cli struct {
	t      *testing.T
	config string
}

func newCLI(t *testing.T) *cli {
	t.Helper()
	t.Setenv("CONFIG_PATH", "")
	dir := t.TempDir()
	path := filepath.Join(dir, "logpilot.yaml")
	content := "log_level: \"off\"\nstorage:\n  type: file\n  directory: " + filepath.Join(dir, "logs") + "\n"
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}
	return &cli{t: t, config: path}
}

func (c *cli) run(args ...string) (int, string, string) {
	c.t.Helper()
	var stdout, stderr bytes.Buffer
	code := run(context.Background(), append([]string{"-config", c.config}, args...), &stdout, &stderr)
	return code, stdout.String(), stderr.String()
}

func (c *cli) mustRun(args ...string) string {
	c.t.Helper()
	code, stdout, stderr := c.run(args...)
	if code != 0 {
		c.t.Fatalf("logpilot %v exited %d: %s", args, code, stderr)
	}
	return stdout
}

func decodeRecords(t *testing.T, out string) []storage.LogRecord {
	t.Helper()
	var recs []storage.LogRecord
	for _, line := range strings.Split(strings.TrimSpace(out), "\n") {
		if line == "" {
			continue
		}
		var rec storage.LogRecord
		if err := json.Unmarshal([]byte(line), &rec); err != nil {
			t.Fatalf("decode %q: %v", line, err)
		}
		recs = append(recs, rec)
	}
	return recs
}

func TestAppendReadSeek(t *testing.T) {
	c := newCLI(t)

	c.mustRun("append", "-channel", "orders", "-level", "warn", "-message", "late", "-meta", `{"order":42}`)
	c.mustRun("append", "-channel", "orders", "-message", "shipped")

	recs := decodeRecords(t, c.mustRun("read", "-channel", "orders", "-consumer", "billing"))
	if len(recs) != 2 {
		t.Fatalf("read returned %d records, want 2", len(recs))
	}
	if recs[0].ID != 1 || recs[0].Level != storage.LevelWarn || recs[0].Metadata["order"] != float64(42) {
		t.Errorf("first record = %+v", recs[0])
	}
	if recs[1].Level != storage.LevelInfo {
		t.Errorf("default level = %v, want INFO", recs[1].Level)
	}

	if out := c.mustRun("read", "-channel", "orders", "-consumer", "billing"); strings.TrimSpace(out) != "" {
		t.Errorf("second read = %q, want nothing", out)
	}

	var off storage.ConsumerOffset
	if err := json.Unmarshal([]byte(c.mustRun("seek", "-channel", "orders", "-consumer", "billing", "-to", "2")), &off); err != nil {
		t.Fatalf("decode offset: %v", err)
	}
	if off.LastID != 1 {
		t.Errorf("offset after seek to 2 = %d, want 1", off.LastID)
	}

	recs = decodeRecords(t, c.mustRun("read", "-channel", "orders", "-consumer", "billing", "-peek"))
	if len(recs) != 1 || recs[0].Message != "shipped" {
		t.Errorf("peek after seek = %+v", recs)
	}
	if out := c.mustRun("offset", "-channel", "orders", "-consumer", "billing"); !strings.Contains(out, `"lastId":1`) {
		t.Errorf("peek moved the cursor: %s", out)
	}
}

func TestCommitAndSeekEnd(t *testing.T) {
	c := newCLI(t)
	for i := 0; i < 3; i++ {
		c.mustRun("append", "-channel", "audit", "-message", "event")
	}

	if out := c.mustRun("commit", "-channel", "audit", "-consumer", "c1", "-id", "2"); !strings.Contains(out, `"lastId":2`) {
		t.Errorf("commit output = %s", out)
	}
	if out := c.mustRun("seek", "-channel", "audit", "-consumer", "c2", "-to", "end"); !strings.Contains(out, `"lastId":3`) {
		t.Errorf("seek end output = %s", out)
	}
	if out := c.mustRun("seek", "-channel", "audit", "-consumer", "c1"); !strings.Contains(out, `"lastId":0`) {
		t.Errorf("seek beginning output = %s", out)
	}
}

func TestTail(t *testing.T) {
	c := newCLI(t)
	c.mustRun("append", "-channel", "a", "-message", "first")
	c.mustRun("append", "-channel", "b", "-message", "second")
	c.mustRun("append", "-channel", "a", "-message", "third")

	recs := decodeRecords(t, c.mustRun("tail", "-channel", "a", "-limit", "1"))
	if len(recs) != 1 || recs[0].Message != "third" {
		t.Errorf("tail a = %+v", recs)
	}
	recs = decodeRecords(t, c.mustRun("tail"))
	if len(recs) != 3 || recs[0].Message != "third" || recs[2].Message != "first" {
		t.Errorf("tail all = %+v", recs)
	}
}

func TestStdoutTracingWritesSpansToStderr(t *testing.T) {
	prev := otel.GetTracerProvider()
	t.Cleanup(func() { otel.SetTracerProvider(prev) })

	c := newCLI(t)
	content, err := os.ReadFile(c.config)
	if err != nil {
		t.Fatalf("ReadFile: %v", err)
	}
	content = append(content, "tracing:\n  exporter: stdout\n"...)
	if err := os.WriteFile(c.config, content, 0o600); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}

	c.mustRun("append", "-channel", "orders", "-message", "traced")
	code, stdout, stderr := c.run("tail", "-channel", "orders")
	if code != 0 {
		t.Fatalf("tail exited %d: %s", code, stderr)
	}
	recs := decodeRecords(t, stdout)
	if len(recs) != 1 || recs[0].Message != "traced" {
		t.Errorf("tail = %+v", recs)
	}
	if !strings.Contains(stderr, "storage.read_channel") {
		t.Errorf("stderr has no storage span: %q", stderr)
	}
}

func TestConsume_StopsAfterMax(t *testing.T) {
	c := newCLI(t)
	for i := 0; i < 5; i++ {
		c.mustRun("append", "-channel", "orders", "-message", "m")
	}

	out := c.mustRun("consume", "-channel", "orders", "-consumer", "worker", "-limit", "2", "-max", "3", "-interval", "10ms")
	if recs := decodeRecords(t, out); len(recs) != 3 || recs[2].ID != 3 {
		t.Fatalf("consume delivered %+v", recs)
	}
	if out := c.mustRun("offset", "-channel", "orders", "-consumer", "worker"); !strings.Contains(out, `"lastId":3`) {
		t.Errorf("consume did not commit: %s", out)
	}
}

func TestConsume_StopsOnCancel(t *testing.T) {
	c := newCLI(t)
	ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer cancel()

	var stdout, stderr bytes.Buffer
	code := run(ctx, []string{"-config", c.config, "consume", "-channel", "orders", "-interval", "10ms"}, &stdout, &stderr)
	if code != 0 {
		t.Errorf("exit = %d: %s", code, stderr.String())
	}
}

func TestUsageErrors(t *testing.T) {
	c := newCLI(t)
	tests := []struct {
		name string
		args []string
	}{
		{"no command", nil},
		{"unknown command", []string{"drop"}},
		{"bad level", []string{"append", "-channel", "a", "-level", "loud"}},
		{"bad metadata", []string{"append", "-channel", "a", "-meta", "[1]"}},
		{"bad seek target", []string{"seek", "-channel", "a", "-consumer", "c", "-to", "middle"}},
		{"stray argument", []string{"tail", "extra"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if code, _, _ := c.run(tt.args...); code != 2 {
				t.Errorf("exit = %d, want 2", code)
			}
		})
	}
}

func TestInvalidInputFails(t *testing.T) {
	c := newCLI(t)
	code, _, stderr := c.run("read", "-channel", " ", "-consumer", "c")
	if code != 1 || !strings.Contains(stderr, "channel cannot be empty") {
		t.Errorf("exit = %d, stderr = %s", code, stderr)
	}
}

func TestLoadConfig(t *testing.T) {
	t.Setenv("CONFIG_PATH", "")
	if _, err := loadConfig(filepath.Join(t.TempDir(), "missing.yaml")); err == nil {
		t.Error("loadConfig should fail for an explicit missing file")
	}

	// Equivalent of t.Chdir (Go 1.24+) for the Go 1.21 toolchain.
	wd, err := os.Getwd()
	if err != nil {
		t.Fatalf("Getwd: %v", err)
	}
	if err := os.Chdir(t.TempDir()); err != nil {
		t.Fatalf("Chdir: %v", err)
	}
	t.Cleanup(func() { _ = os.Chdir(wd) })
	t.Setenv("LOGPILOT_STORAGE_TYPE", engine.TypeSQLite)
	t.Setenv("LOGPILOT_METRICS_ADDR", ":9191")
	cfg, err := loadConfig("")
	if err != nil {
		t.Fatalf("loadConfig: %v", err)
	}
	if cfg.Storage.Type != engine.TypeSQLite || cfg.Metrics.Addr != ":9191" || cfg.LogLevel != "info" {
		t.Errorf("cfg = %+v", cfg)
	}

	t.Setenv("LOGPILOT_TRACING_EXPORTER", "carrier-pigeon")
	if _, err := loadConfig(""); err == nil {
		t.Error("loadConfig should reject an unknown exporter")
	}
}
