package scheduler

import (
	"errors"
	"testing"
	"time"

	"github.com/go-gl/mathgl/mgl64"

	"tilestream.ai/internal/sim/clock"
	"tilestream.ai/internal/sim/perf"
	"tilestream.ai/internal/sim/work"
)

func newItem(kind work.Kind, prio work.Priority) *work.Item {
	return work.New(kind, prio, mgl64.Vec3{})
}

func TestTick_RespectsItemLimit(t *testing.T) {
	s := New(Config{MaxItemsPerTick: 4, FrameBudget: time.Second}, nil, clock.NewManual(time.Unix(0, 0)))
	ran := 0
	s.Handle(work.KindTerrainBuild, func(*work.Item) error { ran++; return nil })
	for i := 0; i < 10; i++ {
		if err := s.Enqueue(newItem(work.KindTerrainBuild, work.PriorityNormal)); err != nil {
			t.Fatalf("enqueue: %v", err)
		}
	}
	rep := s.Tick()
	if rep.Executed != 4 || ran != 4 {
		t.Fatalf("executed=%d ran=%d want 4", rep.Executed, ran)
	}
	if rep.QueueDepth != 6 || s.Len() != 6 {
		t.Fatalf("depth=%d want 6", rep.QueueDepth)
	}
	s.Tick()
	s.Tick()
	if s.Len() != 0 {
		t.Fatalf("len=%d want 0 after three ticks", s.Len())
	}
	st := s.Stats()
	if st.Enqueued != 10 || st.Completed != 10 || st.Errored != 0 {
		t.Fatalf("stats=%+v", st)
	}
}

func TestTick_StopsWhenBudgetExceeded(t *testing.T) {
	clk := clock.NewManual(time.Unix(0, 0))
	s := New(Config{MaxItemsPerTick: 100, FrameBudget: 5 * time.Millisecond, MinFrameBudget: time.Millisecond}, nil, clk)
	s.Handle(work.KindTerrainBuild, func(*work.Item) error {
		clk.Advance(2 * time.Millisecond)
		return nil
	})
	for i := 0; i < 10; i++ {
		_ = s.Enqueue(newItem(work.KindTerrainBuild, work.PriorityNormal))
	}
	rep := s.Tick()
	// 2ms, 4ms, 6ms: the check before the fourth item sees 6ms > 5ms.
	if rep.Executed != 3 {
		t.Fatalf("executed=%d want 3", rep.Executed)
	}
	if !rep.OverBudget {
		t.Fatalf("expected over budget report")
	}
	if rep.Elapsed != 6*time.Millisecond {
		t.Fatalf("elapsed=%s want 6ms", rep.Elapsed)
	}
}

func TestTick_LongItemOverrunsBudget(t *testing.T) {
	clk := clock.NewManual(time.Unix(0, 0))
	s := New(Config{MaxItemsPerTick: 10, FrameBudget: 5 * time.Millisecond}, nil, clk)
	s.Handle(work.KindTerrainBuild, func(*work.Item) error {
		clk.Advance(50 * time.Millisecond)
		return nil
	})
	_ = s.Enqueue(newItem(work.KindTerrainBuild, work.PriorityNormal))
	_ = s.Enqueue(newItem(work.KindTerrainBuild, work.PriorityNormal))
	rep := s.Tick()
	if rep.Executed != 1 || rep.Elapsed != 50*time.Millisecond {
		t.Fatalf("executed=%d elapsed=%s want 1/50ms", rep.Executed, rep.Elapsed)
	}
}

func TestTick_FollowsOverloadedMonitor(t *testing.T) {
	mon := perf.NewMonitor(perf.Config{TargetRateHz: 50, OverloadThreshold: 0.1, MaxConsecutiveOverloadTicks: 2, WindowSize: 2}, nil)
	mon.Sample(40 * time.Millisecond)
	mon.Sample(40 * time.Millisecond)
	if !mon.Overloaded() {
		t.Fatalf("monitor not overloaded")
	}
	s := New(Config{MaxItemsPerTick: 16, FrameBudget: time.Second}, mon, clock.NewManual(time.Unix(0, 0)))
	s.Handle(work.KindTerrainBuild, func(*work.Item) error { return nil })
	for i := 0; i < 16; i++ {
		_ = s.Enqueue(newItem(work.KindTerrainBuild, work.PriorityNormal))
	}
	// 16 * 20ms/40ms = 8, halved while overloaded.
	rep := s.Tick()
	if rep.ItemLimit != 4 || rep.Executed != 4 {
		t.Fatalf("limit=%d executed=%d want 4", rep.ItemLimit, rep.Executed)
	}
}

func TestTick_RunsHighestPriorityFirst(t *testing.T) {
	s := New(Config{MaxItemsPerTick: 10, FrameBudget: time.Second}, nil, clock.NewManual(time.Unix(0, 0)))
	var order []work.Priority
	s.Handle(work.KindTerrainBuild, func(it *work.Item) error {
		order = append(order, it.Priority)
		return nil
	})
	for _, p := range []work.Priority{work.PriorityLow, work.PriorityCritical, work.PriorityNormal, work.PriorityHigh} {
		_ = s.Enqueue(newItem(work.KindTerrainBuild, p))
	}
	s.Tick()
	want := []work.Priority{work.PriorityCritical, work.PriorityHigh, work.PriorityNormal, work.PriorityLow}
	for i := range want {
		if order[i] != want[i] {
			t.Fatalf("order[%d]=%s want %s", i, order[i], want[i])
		}
	}
}

func TestTick_FailuresDoNotAbortTick(t *testing.T) {
	s := New(Config{MaxItemsPerTick: 10, FrameBudget: time.Second}, nil, clock.NewManual(time.Unix(0, 0)))
	boom := errors.New("boom")
	s.Handle(work.KindTerrainBuild, func(*work.Item) error { return boom })
	s.Handle(work.KindDecorationSpawn, func(*work.Item) error { panic("bad mesh") })

	var events []string
	s.OnItemError = func(it *work.Item, err error, msg string) {
		if msg == "" {
			t.Fatalf("empty message for %s", it.ID)
		}
		events = append(events, it.Kind.String())
	}

	a := newItem(work.KindTerrainBuild, work.PriorityCritical)
	b := newItem(work.KindDecorationSpawn, work.PriorityHigh)
	c := newItem(work.KindBiomeApply, work.PriorityNormal)
	d := newItem(work.KindTileTeardown, work.PriorityLow)
	completed := 0
	d.Run = func(*work.Item) error { return nil }
	d.OnComplete = func(*work.Item) { completed++ }
	for _, it := range []*work.Item{a, b, c, d} {
		_ = s.Enqueue(it)
	}

	rep := s.Tick()
	if rep.Executed != 4 || rep.Errored != 3 || rep.Completed != 1 {
		t.Fatalf("report=%+v", rep)
	}
	if !errors.Is(a.Err(), boom) {
		t.Fatalf("a err=%v", a.Err())
	}
	if b.State() != work.StateErrored || b.Err() == nil {
		t.Fatalf("panic item state=%s err=%v", b.State(), b.Err())
	}
	if !errors.Is(c.Err(), ErrNoHandler) {
		t.Fatalf("c err=%v want ErrNoHandler", c.Err())
	}
	if completed != 1 {
		t.Fatalf("completed=%d want 1", completed)
	}
	if len(events) != 3 {
		t.Fatalf("events=%v want 3", events)
	}
}

func TestTick_CanceledItemSkipsHandler(t *testing.T) {
	s := New(Config{}, nil, clock.NewManual(time.Unix(0, 0)))
	ran := false
	s.Handle(work.KindTerrainBuild, func(*work.Item) error { ran = true; return nil })
	it := newItem(work.KindTerrainBuild, work.PriorityNormal)
	errs := 0
	it.OnError = func(_ *work.Item, err error) {
		errs++
		if !errors.Is(err, work.ErrCanceled) {
			t.Fatalf("err=%v want ErrCanceled", err)
		}
	}
	reported := 0
	s.OnItemError = func(*work.Item, error, string) { reported++ }
	_ = s.Enqueue(it)
	it.Cancel()
	rep := s.Tick()
	if reported != 0 {
		t.Fatalf("cancellation reported as item error %d times", reported)
	}
	if ran {
		t.Fatalf("handler ran for canceled item")
	}
	if errs != 1 || rep.Canceled != 1 || s.Stats().Canceled != 1 {
		t.Fatalf("errs=%d canceled=%d", errs, rep.Canceled)
	}
}

func TestEnqueue_Rejects(t *testing.T) {
	s := New(Config{}, nil, nil)
	if err := s.Enqueue(nil); !errors.Is(err, ErrNilItem) {
		t.Fatalf("nil err=%v", err)
	}
	it := newItem(work.KindTerrainBuild, work.PriorityNormal)
	it.Run = func(*work.Item) error { return nil }
	if err := s.Enqueue(it); err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	s.Tick()
	if err := s.Enqueue(it); !errors.Is(err, ErrNotPending) {
		t.Fatalf("re-enqueue err=%v want ErrNotPending", err)
	}
}

func TestEnqueue_StampsTickAndFiresHook(t *testing.T) {
	s := New(Config{}, nil, nil)
	queued := 0
	s.OnQueued = func(*work.Item) { queued++ }
	s.Tick()
	s.Tick()
	it := newItem(work.KindLODRebuild, work.PriorityLow)
	_ = s.Enqueue(it)
	if it.CreatedAt != 2 {
		t.Fatalf("createdAt=%d want 2", it.CreatedAt)
	}
	if queued != 1 {
		t.Fatalf("queued=%d want 1", queued)
	}
}
