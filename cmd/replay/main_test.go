package main

import (
	"bytes"
	"strings"
	"testing"

	persistlog "tilestream.ai/internal/persistence/log"
	"tilestream.ai/internal/sim/stream"
)

func TestStepStats(t *testing.T) {
	steps := make([]float64, 0, 20)
	for i := 20; i >= 1; i-- {
		steps = append(steps, float64(i))
	}
	mean, p95, peak := stepStats(steps)
	if mean != 10.5 || p95 != 19 || peak != 20 {
		t.Fatalf("mean=%v p95=%v max=%v want 10.5 19 20", mean, p95, peak)
	}
	if steps[0] != 20 {
		t.Fatalf("input slice was reordered")
	}
	if m, p, x := stepStats(nil); m != 0 || p != 0 || x != 0 {
		t.Fatalf("empty stats=%v %v %v", m, p, x)
	}
}

func TestSummarize(t *testing.T) {
	dir := t.TempDir()
	ticks := persistlog.NewTickLogger(dir)
	events := persistlog.NewEventLogger(dir)
	for tick := uint64(0); tick < 10; tick++ {
		entry := stream.TickLogEntry{
			Tick:        tick,
			StepMS:      float64(tick + 1),
			Overloaded:  tick >= 7,
			Planned:     1,
			ActiveTiles: int(tick),
		}
		if tick == 8 {
			entry.Evicted = 5
		}
		if err := ticks.WriteTick(entry); err != nil {
			t.Fatalf("write tick: %v", err)
		}
	}
	for _, ev := range []stream.Event{
		{Tick: 2, Type: stream.EventTileLoaded},
		{Tick: 3, Type: stream.EventTileLoaded},
		{Tick: 7, Type: stream.EventOverload},
		{Tick: 8, Type: stream.EventEvict, Count: 5},
	} {
		if err := events.WriteEvent(ev); err != nil {
			t.Fatalf("write event: %v", err)
		}
	}
	if err := ticks.Close(); err != nil {
		t.Fatalf("close ticks: %v", err)
	}
	if err := events.Close(); err != nil {
		t.Fatalf("close events: %v", err)
	}

	sum, err := summarize(dir, 0, 0)
	if err != nil {
		t.Fatalf("summarize: %v", err)
	}
	if sum.Ticks != 10 || sum.FirstTick != 0 || sum.LastTick != 9 {
		t.Fatalf("ticks=%d range=[%d,%d] want 10 [0,9]", sum.Ticks, sum.FirstTick, sum.LastTick)
	}
	if sum.OverloadTicks != 3 || sum.Evicted != 5 || sum.Planned != 10 || sum.MaxTiles != 9 {
		t.Fatalf("summary=%+v", sum)
	}
	if sum.MeanStepMS != 5.5 || sum.P95StepMS != 10 || sum.MaxStepMS != 10 {
		t.Fatalf("step mean=%v p95=%v max=%v", sum.MeanStepMS, sum.P95StepMS, sum.MaxStepMS)
	}
	if sum.Events[stream.EventTileLoaded] != 2 || sum.Events[stream.EventEvict] != 1 {
		t.Fatalf("events=%v", sum.Events)
	}

	window, err := summarize(dir, 3, 7)
	if err != nil {
		t.Fatalf("summarize window: %v", err)
	}
	if window.Ticks != 5 || window.OverloadTicks != 1 || window.Evicted != 0 {
		t.Fatalf("window=%+v", window)
	}
	if window.Events[stream.EventTileLoaded] != 1 || window.Events[stream.EventOverload] != 1 {
		t.Fatalf("window events=%v", window.Events)
	}

	var buf bytes.Buffer
	sum.print(&buf)
	if !strings.Contains(buf.String(), "ticks=10 range=[0,9]") {
		t.Fatalf("output=%q", buf.String())
	}
}

func TestSummarize_Empty(t *testing.T) {
	sum, err := summarize(t.TempDir(), 0, 0)
	if err != nil || sum.Ticks != 0 {
		t.Fatalf("sum=%+v err=%v", sum, err)
	}
}
