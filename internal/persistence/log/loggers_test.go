package log

import (
	"encoding/json"
	"path/filepath"
	"testing"
	"time"

	"tilestream.ai/internal/sim/stream"
	"tilestream.ai/internal/sim/tracker"
)

func readTicks(t *testing.T, path string) []stream.TickLogEntry {
	t.Helper()
	var out []stream.TickLogEntry
	err := ReadLines(path, func(line []byte) error {
		var e stream.TickLogEntry
		if err := json.Unmarshal(line, &e); err != nil {
			return err
		}
		out = append(out, e)
		return nil
	})
	if err != nil {
		t.Fatalf("read %s: %v", path, err)
	}
	return out
}

func TestTickLogger_RotatesHourly(t *testing.T) {
	dir := t.TempDir()
	l := NewTickLogger(dir)
	now := time.Date(2026, 3, 1, 10, 59, 0, 0, time.UTC)
	l.Writer().SetNow(func() time.Time { return now })

	for i := uint64(0); i < 2; i++ {
		if err := l.WriteTick(stream.TickLogEntry{Tick: i, Tile: tracker.TileCoord{X: 1, Z: -2}}); err != nil {
			t.Fatalf("write: %v", err)
		}
	}
	now = now.Add(2 * time.Minute)
	if err := l.WriteTick(stream.TickLogEntry{Tick: 2}); err != nil {
		t.Fatalf("write: %v", err)
	}
	if err := l.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	files, err := Files(filepath.Join(dir, "ticks"), "ticks")
	if err != nil {
		t.Fatalf("files: %v", err)
	}
	if len(files) != 2 {
		t.Fatalf("files=%v want 2", files)
	}
	if filepath.Base(files[0]) != "ticks-2026-03-01-10.jsonl.zst" {
		t.Fatalf("first file=%s", filepath.Base(files[0]))
	}
	first := readTicks(t, files[0])
	if len(first) != 2 || first[1].Tick != 1 || first[1].Tile != (tracker.TileCoord{X: 1, Z: -2}) {
		t.Fatalf("first hour=%+v", first)
	}
	if second := readTicks(t, files[1]); len(second) != 1 || second[0].Tick != 2 {
		t.Fatalf("second hour=%+v", second)
	}
}

func TestJSONLZstdWriter_AppendsAfterReopen(t *testing.T) {
	dir := t.TempDir()
	now := func() time.Time { return time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC) }
	for i := 0; i < 2; i++ {
		l := NewEventLogger(dir)
		l.Writer().SetNow(now)
		if err := l.WriteEvent(stream.Event{Tick: uint64(i), Type: stream.EventOverload}); err != nil {
			t.Fatalf("write: %v", err)
		}
		if err := l.Close(); err != nil {
			t.Fatalf("close: %v", err)
		}
	}

	files, err := Files(filepath.Join(dir, "events"), "events")
	if err != nil || len(files) != 1 {
		t.Fatalf("files=%v err=%v", files, err)
	}
	n := 0
	err = ReadLines(files[0], func(line []byte) error {
		var ev stream.Event
		if err := json.Unmarshal(line, &ev); err != nil {
			return err
		}
		if ev.Type != stream.EventOverload || ev.Tick != uint64(n) {
			t.Fatalf("event %d=%+v", n, ev)
		}
		n++
		return nil
	})
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if n != 2 {
		t.Fatalf("lines=%d want 2", n)
	}
}

type countingTicks struct{ n int }

func (c *countingTicks) WriteTick(stream.TickLogEntry) error { c.n++; return nil }

func TestMultiTickLogger_SkipsNil(t *testing.T) {
	a, b := &countingTicks{}, &countingTicks{}
	m := MultiTickLogger{a, nil, b}
	if err := m.WriteTick(stream.TickLogEntry{}); err != nil {
		t.Fatalf("write: %v", err)
	}
	if a.n != 1 || b.n != 1 {
		t.Fatalf("a=%d b=%d want 1/1", a.n, b.n)
	}
}
