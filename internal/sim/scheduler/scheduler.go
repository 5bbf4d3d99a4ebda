// Package scheduler executes queued work items under a per-tick item count
// and wall-clock budget that follow the performance monitor's recommendations.
package scheduler

import (
	"errors"
	"fmt"
	"io"
	"log"
	"time"

	"tilestream.ai/internal/sim/clock"
	"tilestream.ai/internal/sim/perf"
	"tilestream.ai/internal/sim/work"
)

var (
	ErrNilItem    = errors.New("scheduler: nil item")
	ErrNotPending = errors.New("scheduler: item is not pending")
	ErrNoHandler  = errors.New("scheduler: no handler for kind")
)

// Handler executes one item. A returned error moves the item to Errored.
type Handler func(it *work.Item) error

type Config struct {
	MaxItemsPerTick int
	MinItemsPerTick int
	FrameBudget     time.Duration
	MinFrameBudget  time.Duration
}

func (c *Config) applyDefaults() {
	if c.MaxItemsPerTick <= 0 {
		c.MaxItemsPerTick = 32
	}
	if c.MinItemsPerTick <= 0 {
		c.MinItemsPerTick = 1
	}
	if c.MinItemsPerTick > c.MaxItemsPerTick {
		c.MinItemsPerTick = c.MaxItemsPerTick
	}
	if c.FrameBudget <= 0 {
		c.FrameBudget = 5 * time.Millisecond
	}
	if c.MinFrameBudget <= 0 {
		c.MinFrameBudget = 500 * time.Microsecond
	}
	if c.MinFrameBudget > c.FrameBudget {
		c.MinFrameBudget = c.FrameBudget
	}
}

// TickReport summarises one Tick call.
type TickReport struct {
	Tick       uint64        `json:"tick"`
	ItemLimit  int           `json:"item_limit"`
	Budget     time.Duration `json:"budget"`
	Executed   int           `json:"executed"`
	Completed  int           `json:"completed"`
	Errored    int           `json:"errored"`
	Canceled   int           `json:"canceled"`
	Elapsed    time.Duration `json:"elapsed"`
	OverBudget bool          `json:"over_budget"`
	QueueDepth int           `json:"queue_depth"`
}

type Stats struct {
	Enqueued   uint64     `json:"enqueued"`
	Executed   uint64     `json:"executed"`
	Completed  uint64     `json:"completed"`
	Errored    uint64     `json:"errored"`
	Canceled   uint64     `json:"canceled"`
	QueueDepth int        `json:"queue_depth"`
	ByPriority [4]int     `json:"by_priority"`
	Last       TickReport `json:"last"`
}

// Scheduler is driven from the engine loop and is not safe for concurrent use.
type Scheduler struct {
	cfg     Config
	monitor *perf.Monitor
	clock   clock.Clock
	logger  *log.Logger

	queue    *work.Queue
	handlers map[work.Kind]Handler

	tick uint64
	seq  uint64

	enqueued  uint64
	executed  uint64
	completed uint64
	errored   uint64
	canceled  uint64
	last      TickReport

	// OnQueued fires after an item is accepted.
	OnQueued func(it *work.Item)
	// OnItemError fires for every item that ends Errored by a real failure,
	// with a readable message. Cancellations only count in Stats.Canceled.
	OnItemError func(it *work.Item, err error, msg string)
}

// New builds a scheduler. monitor may be nil, in which case the configured
// limits are used unchanged.
func New(cfg Config, monitor *perf.Monitor, clk clock.Clock) *Scheduler {
	cfg.applyDefaults()
	if clk == nil {
		clk = clock.NewMonotonic()
	}
	return &Scheduler{
		cfg:      cfg,
		monitor:  monitor,
		clock:    clk,
		logger:   log.New(io.Discard, "", 0),
		queue:    work.NewQueue(),
		handlers: map[work.Kind]Handler{},
	}
}

func (s *Scheduler) SetLogger(l *log.Logger) {
	if l == nil {
		l = log.New(io.Discard, "", 0)
	}
	s.logger = l
}

func (s *Scheduler) Config() Config { return s.cfg }

// Handle registers the executor for a kind, replacing any previous one.
func (s *Scheduler) Handle(kind work.Kind, h Handler) {
	if h == nil {
		delete(s.handlers, kind)
		return
	}
	s.handlers[kind] = h
}

// Enqueue accepts a pending item. The queue is unbounded.
func (s *Scheduler) Enqueue(it *work.Item) error {
	if it == nil {
		return ErrNilItem
	}
	if it.State() != work.StatePending {
		return fmt.Errorf("%w: %s is %s", ErrNotPending, it.ID, it.State())
	}
	s.seq++
	it.Stamp(s.tick, s.seq)
	s.queue.Push(it)
	s.enqueued++
	if s.OnQueued != nil {
		s.OnQueued(it)
	}
	return nil
}

func (s *Scheduler) Len() int { return s.queue.Len() }

// CurrentTick is the tick that the next Tick call will execute.
func (s *Scheduler) CurrentTick() uint64 { return s.tick }

// Limits returns the item count and time budget the next Tick will use.
func (s *Scheduler) Limits() (int, time.Duration) {
	n := s.cfg.MaxItemsPerTick
	budget := s.cfg.FrameBudget
	if s.monitor != nil {
		if rec := s.monitor.RecommendedItemCount(s.cfg.MaxItemsPerTick, s.cfg.MinItemsPerTick, s.cfg.MaxItemsPerTick); rec < n {
			n = rec
		}
		if rec := s.monitor.RecommendedTimeBudget(s.cfg.FrameBudget, s.cfg.MinFrameBudget, s.cfg.FrameBudget); rec < budget {
			budget = rec
		}
	}
	return n, budget
}

// Tick executes queued items in priority order until the item limit is
// reached or the elapsed time exceeds the budget. The budget is checked
// between items, so a single long item can overrun it.
func (s *Scheduler) Tick() TickReport {
	limit, budget := s.Limits()
	rep := TickReport{Tick: s.tick, ItemLimit: limit, Budget: budget}
	start := s.clock.Now()

	for rep.Executed < limit && s.queue.Len() > 0 {
		if rep.Executed > 0 && clock.Elapsed(s.clock, start) > budget {
			rep.OverBudget = true
			break
		}
		it := s.queue.Pop()
		rep.Executed++
		s.executed++
		switch s.execute(it) {
		case work.StateCompleted:
			rep.Completed++
			s.completed++
		default:
			rep.Errored++
			s.errored++
			if errors.Is(it.Err(), work.ErrCanceled) {
				rep.Canceled++
				s.canceled++
			}
		}
	}

	rep.Elapsed = clock.Elapsed(s.clock, start)
	if rep.Elapsed > budget {
		rep.OverBudget = true
	}
	rep.QueueDepth = s.queue.Len()
	s.last = rep
	s.tick++
	return rep
}

func (s *Scheduler) execute(it *work.Item) work.State {
	if err := it.Begin(); err != nil {
		// Items are only pushed while pending; anything else is a producer bug.
		s.logger.Printf("skip item %s: %v", it.ID, err)
		return work.StateErrored
	}
	if it.Canceled() {
		s.fail(it, work.ErrCanceled)
		return it.State()
	}
	run := it.Run
	if run == nil {
		h, ok := s.handlers[it.Kind]
		if !ok {
			s.fail(it, fmt.Errorf("%w: %s", ErrNoHandler, it.Kind))
			return it.State()
		}
		run = h
	}
	if err := safeRun(run, it); err != nil {
		s.fail(it, err)
		return it.State()
	}
	if err := it.Finish(nil); err != nil {
		s.logger.Printf("finish item %s: %v", it.ID, err)
	}
	return it.State()
}

func (s *Scheduler) fail(it *work.Item, err error) {
	if ferr := it.Finish(err); ferr != nil {
		s.logger.Printf("finish item %s: %v", it.ID, ferr)
		return
	}
	if errors.Is(err, work.ErrCanceled) {
		return
	}
	msg := fmt.Sprintf("%s item %s at tick %d failed: %v", it.Kind, it.ID, s.tick, err)
	s.logger.Print(msg)
	if s.OnItemError != nil {
		s.OnItemError(it, err, msg)
	}
}

func safeRun(run func(*work.Item) error, it *work.Item) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic: %v", r)
		}
	}()
	return run(it)
}

func (s *Scheduler) Stats() Stats {
	return Stats{
		Enqueued:   s.enqueued,
		Executed:   s.executed,
		Completed:  s.completed,
		Errored:    s.errored,
		Canceled:   s.canceled,
		QueueDepth: s.queue.Len(),
		ByPriority: s.queue.CountByPriority(),
		Last:       s.last,
	}
}
