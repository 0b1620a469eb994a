// Package storagetest holds the behaviour every storage.Engine must show. Backend
// packages call Run from their own tests.
package storagetest

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/fluxorio/logpilot/pkg/storage"
)

// Factory returns an open engine over the data kept in dir. Calling it again with
// the same dir after Close must reopen the same records and cursors.
type Factory func(t *testing.T, dir string) storage.Engine

// Run executes the conformance suite against engines built by newEngine.
func Run(t *testing.T, newEngine Factory) {
	tests := []struct {
		name string
		fn   func(t *testing.T, newEngine Factory)
	}{
		{"OrdersScenario", testOrdersScenario},
		{"SeekToBeginningReplays", testSeekToBeginningReplays},
		{"PeekLeavesCursor", testPeekLeavesCursor},
		{"IDsIncreasePerChannel", testIDsIncreasePerChannel},
		{"SeekToEnd", testSeekToEnd},
		{"SeekToID", testSeekToID},
		{"CommitForcesCursor", testCommitForcesCursor},
		{"BatchIsAtomic", testBatchIsAtomic},
		{"EmptyBatchIsNoop", testEmptyBatchIsNoop},
		{"UnknownChannel", testUnknownChannel},
		{"ReadChannelNewestFirst", testReadChannelNewestFirst},
		{"ReadAllNewestFirst", testReadAllNewestFirst},
		{"MetadataRoundTrip", testMetadataRoundTrip},
		{"NonPositiveLimit", testNonPositiveLimit},
		{"InvalidInput", testInvalidInput},
		{"CursorsSurviveReopen", testCursorsSurviveReopen},
		{"ClosedEngine", testClosedEngine},
		{"ConcurrentAppendAndConsume", testConcurrentAppendAndConsume},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tt.fn(t, newEngine)
		})
	}
}

func open(t *testing.T, newEngine Factory) storage.Engine {
	t.Helper()
	e := newEngine(t, t.TempDir())
	t.Cleanup(func() { _ = e.Close() })
	return e
}

func rec(channel, msg string) storage.LogRecord {
	return storage.LogRecord{Channel: channel, Level: storage.LevelInfo, Message: msg}
}

func mustAppend(t *testing.T, e storage.Engine, channel string, msgs ...string) []int64 {
	t.Helper()
	ids := make([]int64, 0, len(msgs))
	for _, m := range msgs {
		id, err := e.Append(context.Background(), rec(channel, m))
		if err != nil {
			t.Fatalf("Append(%s, %s): %v", channel, m, err)
		}
		ids = append(ids, id)
	}
	return ids
}

func mustRead(t *testing.T, e storage.Engine, channel, consumer string, limit int, autoCommit bool) []storage.LogRecord {
	t.Helper()
	recs, err := e.Read(context.Background(), channel, consumer, limit, autoCommit)
	if err != nil {
		t.Fatalf("Read(%s, %s): %v", channel, consumer, err)
	}
	return recs
}

func mustOffset(t *testing.T, e storage.Engine, channel, consumer string) int64 {
	t.Helper()
	off, err := e.Offset(context.Background(), channel, consumer)
	if err != nil {
		t.Fatalf("Offset(%s, %s): %v", channel, consumer, err)
	}
	return off
}

func messages(recs []storage.LogRecord) []string {
	out := make([]string, len(recs))
	for i, r := range recs {
		out[i] = r.Message
	}
	return out
}

func expectMessages(t *testing.T, what string, recs []storage.LogRecord, want ...string) {
	t.Helper()
	got := messages(recs)
	if fmt.Sprint(got) != fmt.Sprint(want) {
		t.Fatalf("%s = %v, want %v", what, got, want)
	}
}

func testOrdersScenario(t *testing.T, newEngine Factory) {
	e := open(t, newEngine)
	ids := mustAppend(t, e, "orders", "A1", "A2", "A3")

	expectMessages(t, "c1 first read", mustRead(t, e, "orders", "c1", 2, true), "A1", "A2")
	if got := mustOffset(t, e, "orders", "c1"); got != ids[1] {
		t.Fatalf("c1 cursor = %d, want %d", got, ids[1])
	}
	expectMessages(t, "c1 second read", mustRead(t, e, "orders", "c1", 10, true), "A3")
	expectMessages(t, "c2 read", mustRead(t, e, "orders", "c2", 10, true), "A1", "A2", "A3")
	if got := mustOffset(t, e, "orders", "c1"); got != ids[2] {
		t.Fatalf("c1 cursor = %d, want %d", got, ids[2])
	}
}

func testSeekToBeginningReplays(t *testing.T, newEngine Factory) {
	e := open(t, newEngine)
	mustAppend(t, e, "orders", "A1", "A2", "A3")
	mustRead(t, e, "orders", "c1", 10, true)

	if err := e.SeekToBeginning(context.Background(), "orders", "c1"); err != nil {
		t.Fatalf("SeekToBeginning: %v", err)
	}
	if got := mustOffset(t, e, "orders", "c1"); got != 0 {
		t.Fatalf("cursor after seek = %d, want 0", got)
	}
	expectMessages(t, "replay", mustRead(t, e, "orders", "c1", 10, true), "A1", "A2", "A3")
}

func testPeekLeavesCursor(t *testing.T, newEngine Factory) {
	e := open(t, newEngine)
	mustAppend(t, e, "audit", "x", "y")

	first := mustRead(t, e, "audit", "peeker", 10, false)
	second := mustRead(t, e, "audit", "peeker", 10, false)
	expectMessages(t, "first peek", first, "x", "y")
	expectMessages(t, "second peek", second, "x", "y")
	if got := mustOffset(t, e, "audit", "peeker"); got != 0 {
		t.Fatalf("cursor after peek = %d, want 0", got)
	}
}

func testIDsIncreasePerChannel(t *testing.T, newEngine Factory) {
	e := open(t, newEngine)
	ctx := context.Background()

	last := map[string]int64{}
	check := func(channel string, id int64) {
		t.Helper()
		if id <= last[channel] {
			t.Fatalf("%s id %d not greater than previous %d", channel, id, last[channel])
		}
		last[channel] = id
	}
	for i := 0; i < 5; i++ {
		for _, ch := range []string{"a", "b"} {
			id, err := e.Append(ctx, rec(ch, fmt.Sprintf("%s-%d", ch, i)))
			if err != nil {
				t.Fatalf("Append: %v", err)
			}
			check(ch, id)
		}
		batch := []storage.LogRecord{rec("a", "batch-a1"), rec("b", "batch-b"), rec("a", "batch-a2")}
		ids, err := e.AppendBatch(ctx, batch)
		if err != nil {
			t.Fatalf("AppendBatch: %v", err)
		}
		if len(ids) != len(batch) {
			t.Fatalf("AppendBatch returned %d ids, want %d", len(ids), len(batch))
		}
		for j, id := range ids {
			check(batch[j].Channel, id)
		}
	}

	recs := mustRead(t, e, "a", "checker", 100, false)
	if len(recs) != 15 {
		t.Fatalf("channel a has %d records, want 15", len(recs))
	}
	for i := 1; i < len(recs); i++ {
		if recs[i].ID <= recs[i-1].ID {
			t.Fatalf("read order not ascending at %d: %d then %d", i, recs[i-1].ID, recs[i].ID)
		}
	}
	if recs[len(recs)-1].ID != last["a"] {
		t.Fatalf("last id = %d, want %d", recs[len(recs)-1].ID, last["a"])
	}
}

func testSeekToEnd(t *testing.T, newEngine Factory) {
	e := open(t, newEngine)
	ctx := context.Background()
	ids := mustAppend(t, e, "orders", "A1", "A2", "A3")

	if err := e.SeekToEnd(ctx, "orders", "late"); err != nil {
		t.Fatalf("SeekToEnd: %v", err)
	}
	if got := mustOffset(t, e, "orders", "late"); got != ids[2] {
		t.Fatalf("cursor = %d, want %d", got, ids[2])
	}
	if recs := mustRead(t, e, "orders", "late", 10, true); len(recs) != 0 {
		t.Fatalf("read after SeekToEnd = %v, want nothing", messages(recs))
	}

	mustAppend(t, e, "orders", "A4")
	expectMessages(t, "read after new append", mustRead(t, e, "orders", "late", 10, true), "A4")
}

func testSeekToID(t *testing.T, newEngine Factory) {
	e := open(t, newEngine)
	ctx := context.Background()
	ids := mustAppend(t, e, "orders", "A1", "A2", "A3")
	mustRead(t, e, "orders", "c1", 10, true)

	if err := e.SeekToID(ctx, "orders", "c1", ids[1]); err != nil {
		t.Fatalf("SeekToID: %v", err)
	}
	if got := mustOffset(t, e, "orders", "c1"); got != ids[1]-1 {
		t.Fatalf("cursor = %d, want %d", got, ids[1]-1)
	}
	expectMessages(t, "read after SeekToID", mustRead(t, e, "orders", "c1", 10, true), "A2", "A3")

	if err := e.SeekToID(ctx, "orders", "c1", 0); err != nil {
		t.Fatalf("SeekToID(0): %v", err)
	}
	if got := mustOffset(t, e, "orders", "c1"); got != 0 {
		t.Fatalf("cursor after SeekToID(0) = %d, want 0", got)
	}
}

func testCommitForcesCursor(t *testing.T, newEngine Factory) {
	e := open(t, newEngine)
	ctx := context.Background()
	ids := mustAppend(t, e, "orders", "A1", "A2", "A3")

	if err := e.Commit(ctx, "orders", "manual", ids[1]); err != nil {
		t.Fatalf("Commit: %v", err)
	}
	expectMessages(t, "read after commit", mustRead(t, e, "orders", "manual", 10, false), "A3")

	if err := e.Commit(ctx, "orders", "manual", ids[0]); err != nil {
		t.Fatalf("Commit backwards: %v", err)
	}
	if got := mustOffset(t, e, "orders", "manual"); got != ids[0] {
		t.Fatalf("cursor = %d, want %d", got, ids[0])
	}

	if err := e.Commit(ctx, "orders", "manual", ids[2]+100); err != nil {
		t.Fatalf("Commit past end: %v", err)
	}
	if recs := mustRead(t, e, "orders", "manual", 10, true); len(recs) != 0 {
		t.Fatalf("read past end = %v, want nothing", messages(recs))
	}
}

func testBatchIsAtomic(t *testing.T, newEngine Factory) {
	e := open(t, newEngine)
	ctx := context.Background()
	mustAppend(t, e, "orders", "before")

	bad := rec("orders", "bad")
	bad.Metadata = storage.Metadata{"callback": func() {}}
	batch := []storage.LogRecord{rec("orders", "ok-1"), rec("audit", "ok-2"), bad, rec("orders", "ok-3")}

	ids, err := e.AppendBatch(ctx, batch)
	if err == nil {
		t.Fatalf("AppendBatch with an unencodable record succeeded with ids %v", ids)
	}
	if ids != nil {
		t.Errorf("AppendBatch returned ids %v on failure", ids)
	}

	recs, err := e.ReadChannel(ctx, "orders", 10)
	if err != nil {
		t.Fatalf("ReadChannel: %v", err)
	}
	expectMessages(t, "orders after failed batch", recs, "before")
	if recs, _ := e.ReadChannel(ctx, "audit", 10); len(recs) != 0 {
		t.Fatalf("audit after failed batch = %v, want nothing", messages(recs))
	}

	mustAppend(t, e, "orders", "after")
	expectMessages(t, "orders read", mustRead(t, e, "orders", "c", 10, true), "before", "after")
}

func testEmptyBatchIsNoop(t *testing.T, newEngine Factory) {
	e := open(t, newEngine)
	ctx := context.Background()

	for _, batch := range [][]storage.LogRecord{nil, {}} {
		ids, err := e.AppendBatch(ctx, batch)
		if err != nil || len(ids) != 0 {
			t.Fatalf("AppendBatch(%v) = %v, %v; want no ids, nil", batch, ids, err)
		}
	}
	recs, err := e.ReadAll(ctx, 10)
	if err != nil {
		t.Fatalf("ReadAll: %v", err)
	}
	if len(recs) != 0 {
		t.Fatalf("ReadAll after empty batches = %v", messages(recs))
	}
}

func testUnknownChannel(t *testing.T, newEngine Factory) {
	e := open(t, newEngine)
	ctx := context.Background()

	if recs := mustRead(t, e, "ghost", "c1", 10, true); len(recs) != 0 {
		t.Fatalf("Read(ghost) = %v", messages(recs))
	}
	if recs, err := e.ReadChannel(ctx, "ghost", 10); err != nil || len(recs) != 0 {
		t.Fatalf("ReadChannel(ghost) = %v, %v", messages(recs), err)
	}
	if err := e.SeekToEnd(ctx, "ghost", "c1"); err != nil {
		t.Fatalf("SeekToEnd(ghost): %v", err)
	}
	if got := mustOffset(t, e, "ghost", "c1"); got != 0 {
		t.Fatalf("cursor on ghost after SeekToEnd = %d, want 0", got)
	}
}

func testReadChannelNewestFirst(t *testing.T, newEngine Factory) {
	e := open(t, newEngine)
	ctx := context.Background()
	mustAppend(t, e, "orders", "A1", "A2", "A3", "A4")
	mustAppend(t, e, "audit", "B1")

	recs, err := e.ReadChannel(ctx, "orders", 3)
	if err != nil {
		t.Fatalf("ReadChannel: %v", err)
	}
	expectMessages(t, "ReadChannel(3)", recs, "A4", "A3", "A2")

	recs, err = e.ReadChannel(ctx, "orders", 100)
	if err != nil {
		t.Fatalf("ReadChannel: %v", err)
	}
	expectMessages(t, "ReadChannel(100)", recs, "A4", "A3", "A2", "A1")
	if got := mustOffset(t, e, "orders", "anyone"); got != 0 {
		t.Fatalf("ReadChannel moved a cursor to %d", got)
	}
}

func testReadAllNewestFirst(t *testing.T, newEngine Factory) {
	e := open(t, newEngine)
	ctx := context.Background()
	base := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)

	order := []struct {
		channel string
		msg     string
		offset  time.Duration
	}{
		{"orders", "o1", 1 * time.Second},
		{"audit", "a1", 2 * time.Second},
		{"orders", "o2", 3 * time.Second},
		{"billing", "b1", 4 * time.Second},
		{"audit", "a2", 5 * time.Second},
	}
	for _, o := range order {
		r := rec(o.channel, o.msg)
		r.Timestamp = base.Add(o.offset)
		if _, err := e.Append(ctx, r); err != nil {
			t.Fatalf("Append: %v", err)
		}
	}

	recs, err := e.ReadAll(ctx, 4)
	if err != nil {
		t.Fatalf("ReadAll: %v", err)
	}
	expectMessages(t, "ReadAll(4)", recs, "a2", "b1", "o2", "a1")
	if recs[0].Channel != "audit" || recs[1].Channel != "billing" {
		t.Fatalf("ReadAll channels = %s, %s", recs[0].Channel, recs[1].Channel)
	}
	if !recs[0].Timestamp.Equal(base.Add(5 * time.Second)) {
		t.Fatalf("ReadAll timestamp = %v", recs[0].Timestamp)
	}

	// The tail follows timestamps, not append order: a backdated record is
	// appended last but sorts below everything newer.
	late := rec("orders", "backdated")
	late.Timestamp = base
	if _, err := e.Append(ctx, late); err != nil {
		t.Fatalf("Append: %v", err)
	}
	recs, err = e.ReadAll(ctx, 2)
	if err != nil {
		t.Fatalf("ReadAll: %v", err)
	}
	expectMessages(t, "ReadAll(2) after backdated append", recs, "a2", "b1")
	recs, err = e.ReadAll(ctx, 10)
	if err != nil {
		t.Fatalf("ReadAll: %v", err)
	}
	expectMessages(t, "ReadAll(10)", recs, "a2", "b1", "o2", "a1", "o1", "backdated")
}

func testMetadataRoundTrip(t *testing.T, newEngine Factory) {
	e := open(t, newEngine)
	ctx := context.Background()
	ts := time.Date(2024, 2, 3, 4, 5, 6, 7_000_000, time.UTC)

	inputs := []storage.LogRecord{
		{Channel: "m", Level: storage.LevelDebug, Message: "absent", Timestamp: ts},
		{Channel: "m", Level: storage.LevelWarn, Message: "empty", Metadata: storage.Metadata{}, Timestamp: ts},
		{Channel: "m", Level: storage.LevelError, Message: "", Timestamp: ts, Metadata: storage.Metadata{
			"count":  42,
			"ratio":  0.25,
			"ok":     true,
			"none":   nil,
			"user":   "ann",
			"tags":   []any{"x", 1},
			"nested": map[string]any{"depth": map[string]any{"level": 2}},
		}},
	}
	if _, err := e.AppendBatch(ctx, inputs); err != nil {
		t.Fatalf("AppendBatch: %v", err)
	}

	recs := mustRead(t, e, "m", "meta", 10, false)
	if len(recs) != 3 {
		t.Fatalf("read %d records, want 3", len(recs))
	}
	if recs[0].Metadata != nil {
		t.Errorf("absent metadata came back as %#v", recs[0].Metadata)
	}
	if recs[1].Metadata == nil || len(recs[1].Metadata) != 0 {
		t.Errorf("empty metadata came back as %#v", recs[1].Metadata)
	}
	if recs[0].Level != storage.LevelDebug || recs[1].Level != storage.LevelWarn || recs[2].Level != storage.LevelError {
		t.Errorf("levels = %v, %v, %v", recs[0].Level, recs[1].Level, recs[2].Level)
	}
	if recs[2].Message != "" || recs[2].Channel != "m" {
		t.Errorf("record = %+v", recs[2])
	}
	if !recs[2].Timestamp.Equal(ts) {
		t.Errorf("timestamp = %v, want %v", recs[2].Timestamp, ts)
	}

	got := fmt.Sprint(recs[2].Metadata)
	want := fmt.Sprint(map[string]any{
		"count":  "42",
		"ratio":  "0.25",
		"ok":     true,
		"none":   nil,
		"user":   "ann",
		"tags":   []any{"x", "1"},
		"nested": map[string]any{"depth": map[string]any{"level": "2"}},
	})
	if got != want {
		t.Errorf("metadata = %s, want %s", got, want)
	}
}

func testNonPositiveLimit(t *testing.T, newEngine Factory) {
	e := open(t, newEngine)
	ctx := context.Background()
	mustAppend(t, e, "orders", "A1")

	for _, limit := range []int{0, -1} {
		if recs := mustRead(t, e, "orders", "c1", limit, true); len(recs) != 0 {
			t.Fatalf("Read(limit=%d) = %v", limit, messages(recs))
		}
		if recs, err := e.ReadChannel(ctx, "orders", limit); err != nil || len(recs) != 0 {
			t.Fatalf("ReadChannel(limit=%d) = %v, %v", limit, messages(recs), err)
		}
		if recs, err := e.ReadAll(ctx, limit); err != nil || len(recs) != 0 {
			t.Fatalf("ReadAll(limit=%d) = %v, %v", limit, messages(recs), err)
		}
	}
	if got := mustOffset(t, e, "orders", "c1"); got != 0 {
		t.Fatalf("cursor = %d, want 0", got)
	}
}

func testInvalidInput(t *testing.T, newEngine Factory) {
	e := open(t, newEngine)
	ctx := context.Background()

	if _, err := e.Append(ctx, rec("", "x")); !storage.IsInvalidInput(err) {
		t.Errorf("Append(empty channel) err = %v, want invalid input", err)
	}
	bad := rec("orders", "x")
	bad.Level = storage.Level(12)
	if _, err := e.Append(ctx, bad); !storage.IsInvalidInput(err) {
		t.Errorf("Append(bad level) err = %v, want invalid input", err)
	}
	if _, err := e.Read(ctx, "orders", "", 10, true); !storage.IsInvalidInput(err) {
		t.Errorf("Read(empty consumer) err = %v, want invalid input", err)
	}
	if err := e.Commit(ctx, "", "c1", 3); !storage.IsInvalidInput(err) {
		t.Errorf("Commit(empty channel) err = %v, want invalid input", err)
	}
}

func testCursorsSurviveReopen(t *testing.T, newEngine Factory) {
	dir := t.TempDir()
	ctx := context.Background()

	e := newEngine(t, dir)
	ids := mustAppend(t, e, "orders", "A1", "A2", "A3")
	mustRead(t, e, "orders", "c1", 2, true)
	if err := e.Commit(ctx, "orders", "c2", ids[2]); err != nil {
		t.Fatalf("Commit: %v", err)
	}
	if err := e.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	e = newEngine(t, dir)
	t.Cleanup(func() { _ = e.Close() })
	if got := mustOffset(t, e, "orders", "c1"); got != ids[1] {
		t.Fatalf("c1 cursor after reopen = %d, want %d", got, ids[1])
	}
	expectMessages(t, "c1 after reopen", mustRead(t, e, "orders", "c1", 10, true), "A3")
	if recs := mustRead(t, e, "orders", "c2", 10, true); len(recs) != 0 {
		t.Fatalf("c2 after reopen = %v", messages(recs))
	}
	next := mustAppend(t, e, "orders", "A4")
	if next[0] <= ids[2] {
		t.Fatalf("id after reopen = %d, want > %d", next[0], ids[2])
	}
}

func testClosedEngine(t *testing.T, newEngine Factory) {
	e := newEngine(t, t.TempDir())
	if err := e.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if _, err := e.Append(context.Background(), rec("orders", "late")); !errors.Is(err, storage.ErrClosed) {
		t.Fatalf("Append after Close err = %v, want ErrClosed", err)
	}
	if _, err := e.Read(context.Background(), "orders", "c", 1, true); !errors.Is(err, storage.ErrClosed) {
		t.Fatalf("Read after Close err = %v, want ErrClosed", err)
	}
}

func testConcurrentAppendAndConsume(t *testing.T, newEngine Factory) {
	e := open(t, newEngine)
	ctx := context.Background()

	const producers, perProducer = 4, 25
	const total = producers * perProducer

	var wg sync.WaitGroup
	errCh := make(chan error, producers+1)
	for p := 0; p < producers; p++ {
		wg.Add(1)
		go func(p int) {
			defer wg.Done()
			for i := 0; i < perProducer; i++ {
				if _, err := e.Append(ctx, rec("stream", fmt.Sprintf("p%d-%d", p, i))); err != nil {
					errCh <- err
					return
				}
			}
		}(p)
	}

	seen := make(map[string]bool, total)
	var lastID int64
	consumerDone := make(chan struct{})
	go func() {
		defer close(consumerDone)
		deadline := time.Now().Add(20 * time.Second)
		for len(seen) < total && time.Now().Before(deadline) {
			recs, err := e.Read(ctx, "stream", "follower", 7, true)
			if err != nil {
				errCh <- err
				return
			}
			for _, r := range recs {
				if r.ID <= lastID {
					errCh <- fmt.Errorf("id %d delivered after %d", r.ID, lastID)
					return
				}
				lastID = r.ID
				if seen[r.Message] {
					errCh <- fmt.Errorf("%s delivered twice", r.Message)
					return
				}
				seen[r.Message] = true
			}
			if len(recs) == 0 {
				time.Sleep(time.Millisecond)
			}
		}
	}()

	wg.Wait()
	<-consumerDone
	close(errCh)
	for err := range errCh {
		t.Fatal(err)
	}
	if len(seen) != total {
		t.Fatalf("consumer saw %d records, want %d", len(seen), total)
	}
}
