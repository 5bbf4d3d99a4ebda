// Package work defines the unit of deferred, budgeted work executed by the
// scheduler and the priority queue that orders it.
package work

import (
	"errors"
	"fmt"

	"github.com/go-gl/mathgl/mgl64"
	"github.com/google/uuid"
)

type Kind uint8

const (
	KindTerrainBuild Kind = iota + 1
	KindDecorationSpawn
	KindBiomeApply
	KindTileTeardown
	KindLODRebuild
)

func (k Kind) String() string {
	switch k {
	case KindTerrainBuild:
		return "TERRAIN_BUILD"
	case KindDecorationSpawn:
		return "DECORATION_SPAWN"
	case KindBiomeApply:
		return "BIOME_APPLY"
	case KindTileTeardown:
		return "TILE_TEARDOWN"
	case KindLODRebuild:
		return "LOD_REBUILD"
	default:
		return fmt.Sprintf("KIND_%d", uint8(k))
	}
}

// Priority levels are ordered: a larger value runs first.
type Priority uint8

const (
	PriorityLow Priority = iota
	PriorityNormal
	PriorityHigh
	PriorityCritical
)

func (p Priority) String() string {
	switch p {
	case PriorityLow:
		return "LOW"
	case PriorityNormal:
		return "NORMAL"
	case PriorityHigh:
		return "HIGH"
	case PriorityCritical:
		return "CRITICAL"
	default:
		return fmt.Sprintf("PRIORITY_%d", uint8(p))
	}
}

type State uint8

const (
	StatePending State = iota
	StateExecuting
	StateCompleted
	StateErrored
)

func (s State) String() string {
	switch s {
	case StatePending:
		return "PENDING"
	case StateExecuting:
		return "EXECUTING"
	case StateCompleted:
		return "COMPLETED"
	case StateErrored:
		return "ERRORED"
	default:
		return fmt.Sprintf("STATE_%d", uint8(s))
	}
}

var (
	ErrBadTransition = errors.New("work: invalid state transition")
	ErrCanceled      = errors.New("work: item canceled before execution")
)

// Item is one unit of deferred work. Producers fill the exported fields before
// enqueueing; the scheduler owns the lifecycle afterwards.
type Item struct {
	ID       string
	Kind     Kind
	Priority Priority
	Position mgl64.Vec3
	Params   map[string]any

	// Run overrides the handler registered for Kind.
	Run func(it *Item) error

	OnComplete func(it *Item)
	OnError    func(it *Item, err error)

	// CreatedAt is the scheduler tick at which the item was enqueued.
	CreatedAt uint64

	seq      uint64
	state    State
	err      error
	canceled bool
}

func New(kind Kind, prio Priority, pos mgl64.Vec3) *Item {
	return &Item{
		ID:       uuid.NewString(),
		Kind:     kind,
		Priority: prio,
		Position: pos,
		Params:   map[string]any{},
	}
}

func (it *Item) State() State { return it.state }
func (it *Item) Err() error   { return it.err }
func (it *Item) Seq() uint64  { return it.seq }

// Cancel flags the item. A flagged item that has not started executing is
// finished as Errored with ErrCanceled instead of running its handler.
// Cancel has no effect on an item that is already executing or finished.
func (it *Item) Cancel() {
	if it.state == StatePending {
		it.canceled = true
	}
}

func (it *Item) Canceled() bool { return it.canceled }

// Stamp records the enqueue tick and sequence. Called by the scheduler.
func (it *Item) Stamp(createdAt, seq uint64) {
	it.CreatedAt = createdAt
	it.seq = seq
}

// Begin moves a pending item to Executing.
func (it *Item) Begin() error {
	if it.state != StatePending {
		return fmt.Errorf("%w: %s -> %s", ErrBadTransition, it.state, StateExecuting)
	}
	it.state = StateExecuting
	return nil
}

// Finish moves an executing item to Completed (err == nil) or Errored and
// fires the matching callback. Callbacks fire exactly once: any later call is
// rejected with ErrBadTransition.
func (it *Item) Finish(err error) error {
	if it.state != StateExecuting {
		next := StateCompleted
		if err != nil {
			next = StateErrored
		}
		return fmt.Errorf("%w: %s -> %s", ErrBadTransition, it.state, next)
	}
	if err != nil {
		it.state = StateErrored
		it.err = err
		if it.OnError != nil {
			it.OnError(it, err)
		}
		return nil
	}
	it.state = StateCompleted
	if it.OnComplete != nil {
		it.OnComplete(it)
	}
	return nil
}

func (it *Item) Param(key string) (any, bool) {
	if it.Params == nil {
		return nil, false
	}
	v, ok := it.Params[key]
	return v, ok
}

func (it *Item) SetParam(key string, v any) {
	if it.Params == nil {
		it.Params = map[string]any{}
	}
	it.Params[key] = v
}

func (it *Item) IntParam(key string) (int, bool) {
	v, ok := it.Param(key)
	if !ok {
		return 0, false
	}
	switch n := v.(type) {
	case int:
		return n, true
	case int64:
		return int(n), true
	case float64:
		return int(n), true
	default:
		return 0, false
	}
}

func (it *Item) StringParam(key string) (string, bool) {
	v, ok := it.Param(key)
	if !ok {
		return "", false
	}
	s, ok := v.(string)
	return s, ok
}

// Before reports whether a runs before b: priority descending, then
// CreatedAt ascending, then enqueue sequence.
func Before(a, b *Item) bool {
	if a.Priority != b.Priority {
		return a.Priority > b.Priority
	}
	if a.CreatedAt != b.CreatedAt {
		return a.CreatedAt < b.CreatedAt
	}
	return a.seq < b.seq
}
