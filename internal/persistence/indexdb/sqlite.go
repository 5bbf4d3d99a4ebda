// Package indexdb keeps a queryable SQLite index of engine ticks and events
// next to the compressed JSONL logs. The logs stay the source of truth; the
// index drops writes rather than stall the engine loop.
package indexdb

import (
	"context"
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	_ "modernc.org/sqlite"

	"tilestream.ai/internal/sim/stream"
	"tilestream.ai/internal/sim/tuning"
)

const schemaVersion = "1"

type SQLiteIndex struct {
	db *sql.DB

	ch   chan req
	wg   sync.WaitGroup
	once sync.Once

	closed atomic.Bool

	dropTick  atomic.Uint64
	dropEvent atomic.Uint64
	written   atomic.Uint64
	failed    atomic.Uint64
}

type reqKind int

const (
	reqTick reqKind = iota + 1
	reqEvent
)

type req struct {
	kind  reqKind
	tick  stream.TickLogEntry
	event stream.Event
}

// Stats reports queue pressure; drops mean the writer fell behind.
type Stats struct {
	QueueDepth     int    `json:"queue_depth"`
	QueueCapacity  int    `json:"queue_capacity"`
	DropTickTotal  uint64 `json:"drop_tick_total"`
	DropEventTotal uint64 `json:"drop_event_total"`
	WrittenTotal   uint64 `json:"written_total"`
	FailedTotal    uint64 `json:"failed_total"`
}

func OpenSQLite(path string) (*SQLiteIndex, error) {
	return openSQLite(path, 65536)
}

func openSQLite(path string, queue int) (*SQLiteIndex, error) {
	if path == "" {
		return nil, errors.New("empty db path")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)

	if err := initPragmas(db); err != nil {
		_ = db.Close()
		return nil, err
	}
	if err := initSchema(db); err != nil {
		_ = db.Close()
		return nil, err
	}

	s := &SQLiteIndex{
		db: db,
		ch: make(chan req, queue),
	}
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.loop()
	}()
	return s, nil
}

func initPragmas(db *sql.DB) error {
	pragmas := []string{
		"PRAGMA journal_mode=WAL;",
		"PRAGMA synchronous=NORMAL;",
		"PRAGMA busy_timeout=5000;",
		"PRAGMA temp_store=MEMORY;",
	}
	for _, p := range pragmas {
		if _, err := db.Exec(p); err != nil {
			return err
		}
	}
	return nil
}

func initSchema(db *sql.DB) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS meta (
			key TEXT PRIMARY KEY,
			value TEXT NOT NULL
		);`,
		`CREATE TABLE IF NOT EXISTS configs (
			name TEXT PRIMARY KEY,
			digest TEXT NOT NULL,
			json TEXT NOT NULL,
			updated_at TEXT NOT NULL
		);`,
		`CREATE TABLE IF NOT EXISTS ticks (
			tick INTEGER PRIMARY KEY,
			step_ms REAL NOT NULL,
			overloaded INTEGER NOT NULL,
			tile_x INTEGER NOT NULL,
			tile_z INTEGER NOT NULL,
			speed REAL NOT NULL,
			executed INTEGER NOT NULL,
			queue_depth INTEGER NOT NULL,
			active_tiles INTEGER NOT NULL,
			decorations INTEGER NOT NULL,
			evicted INTEGER NOT NULL,
			raw_json TEXT NOT NULL
		);`,
		`CREATE TABLE IF NOT EXISTS events (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			tick INTEGER NOT NULL,
			type TEXT NOT NULL,
			tile_x INTEGER,
			tile_z INTEGER,
			kind TEXT,
			count INTEGER NOT NULL,
			message TEXT,
			raw_json TEXT NOT NULL
		);`,
		`CREATE INDEX IF NOT EXISTS idx_events_type_tick ON events(type, tick);`,
		`CREATE INDEX IF NOT EXISTS idx_ticks_overloaded ON ticks(overloaded, tick);`,
	}
	for _, s := range stmts {
		if _, err := db.Exec(s); err != nil {
			return err
		}
	}
	return nil
}

func (s *SQLiteIndex) Close() error {
	var err error
	s.once.Do(func() {
		s.closed.Store(true)
		close(s.ch)
		s.wg.Wait()
		err = s.db.Close()
	})
	return err
}

func (s *SQLiteIndex) WriteTick(entry stream.TickLogEntry) error {
	if s == nil || s.closed.Load() {
		return nil
	}
	select {
	case s.ch <- req{kind: reqTick, tick: entry}:
	default:
		s.dropTick.Add(1)
	}
	return nil
}

func (s *SQLiteIndex) WriteEvent(ev stream.Event) error {
	if s == nil || s.closed.Load() {
		return nil
	}
	select {
	case s.ch <- req{kind: reqEvent, event: ev}:
	default:
		s.dropEvent.Add(1)
	}
	return nil
}

func (s *SQLiteIndex) Stats() Stats {
	if s == nil {
		return Stats{}
	}
	return Stats{
		QueueDepth:     len(s.ch),
		QueueCapacity:  cap(s.ch),
		DropTickTotal:  s.dropTick.Load(),
		DropEventTotal: s.dropEvent.Load(),
		WrittenTotal:   s.written.Load(),
		FailedTotal:    s.failed.Load(),
	}
}

// UpsertTuning stores the tuning actually applied, as canonical JSON with its
// sha256 digest, and returns the digest.
func (s *SQLiteIndex) UpsertTuning(t tuning.Tuning) (string, error) {
	if s == nil {
		return "", nil
	}
	b, err := json.Marshal(t)
	if err != nil {
		return "", err
	}
	sum := sha256.Sum256(b)
	digest := hex.EncodeToString(sum[:])
	now := time.Now().UTC().Format(time.RFC3339Nano)

	tx, err := s.db.BeginTx(context.Background(), nil)
	if err != nil {
		return "", err
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.Exec(`INSERT OR REPLACE INTO meta(key,value) VALUES('schema_version',?)`, schemaVersion); err != nil {
		return "", err
	}
	if _, err := tx.Exec(`INSERT OR REPLACE INTO configs(name,digest,json,updated_at) VALUES('tuning',?,?,?)`, digest, string(b), now); err != nil {
		return "", err
	}
	if err := tx.Commit(); err != nil {
		return "", err
	}
	return digest, nil
}

// TuningDigest returns the stored tuning digest, or "" when none was stored.
func (s *SQLiteIndex) TuningDigest(ctx context.Context) (string, error) {
	var d string
	err := s.db.QueryRowContext(ctx, `SELECT digest FROM configs WHERE name='tuning'`).Scan(&d)
	if errors.Is(err, sql.ErrNoRows) {
		return "", nil
	}
	return d, err
}

type TickSummary struct {
	Ticks          int     `json:"ticks"`
	FirstTick      uint64  `json:"first_tick"`
	LastTick       uint64  `json:"last_tick"`
	MeanStepMS     float64 `json:"mean_step_ms"`
	MaxStepMS      float64 `json:"max_step_ms"`
	OverloadedTick int     `json:"overloaded_ticks"`
	Evicted        int     `json:"evicted"`
}

func (s *SQLiteIndex) TickSummary(ctx context.Context) (TickSummary, error) {
	var (
		out               TickSummary
		first, last       sql.NullInt64
		mean, maxStep     sql.NullFloat64
		overload, evicted sql.NullInt64
	)
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*), MIN(tick), MAX(tick), AVG(step_ms), MAX(step_ms), SUM(overloaded), SUM(evicted) FROM ticks`).
		Scan(&out.Ticks, &first, &last, &mean, &maxStep, &overload, &evicted)
	if err != nil {
		return out, fmt.Errorf("tick summary: %w", err)
	}
	out.FirstTick = uint64(first.Int64)
	out.LastTick = uint64(last.Int64)
	out.MeanStepMS = mean.Float64
	out.MaxStepMS = maxStep.Float64
	out.OverloadedTick = int(overload.Int64)
	out.Evicted = int(evicted.Int64)
	return out, nil
}

// EventCounts sums event counts by type; an event without a count counts once.
func (s *SQLiteIndex) EventCounts(ctx context.Context) (map[string]int, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT type, SUM(CASE WHEN count > 0 THEN count ELSE 1 END) FROM events GROUP BY type`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := map[string]int{}
	for rows.Next() {
		var typ string
		var n int
		if err := rows.Scan(&typ, &n); err != nil {
			return nil, err
		}
		out[typ] = n
	}
	return out, rows.Err()
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func (s *SQLiteIndex) loop() {
	ctx := context.Background()

	insertTick, _ := s.db.Prepare(`INSERT OR REPLACE INTO ticks(tick,step_ms,overloaded,tile_x,tile_z,speed,executed,queue_depth,active_tiles,decorations,evicted,raw_json) VALUES(?,?,?,?,?,?,?,?,?,?,?,?)`)
	insertEvent, _ := s.db.Prepare(`INSERT INTO events(tick,type,tile_x,tile_z,kind,count,message,raw_json) VALUES(?,?,?,?,?,?,?,?)`)
	defer func() {
		if insertTick != nil {
			_ = insertTick.Close()
		}
		if insertEvent != nil {
			_ = insertEvent.Close()
		}
	}()

	var (
		tx            *sql.Tx
		opCount       int
		lastCommit    = time.Now()
		commitEvery   = 2000
		commitMaxWait = 2 * time.Second
	)

	begin := func() {
		if tx != nil {
			return
		}
		txx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			time.Sleep(50 * time.Millisecond)
			return
		}
		tx = txx
		opCount = 0
		lastCommit = time.Now()
	}
	commit := func() {
		if tx == nil {
			return
		}
		if err := tx.Commit(); err != nil {
			s.failed.Add(uint64(opCount))
		} else {
			s.written.Add(uint64(opCount))
		}
		tx = nil
		opCount = 0
		lastCommit = time.Now()
	}
	rollback := func() {
		if tx == nil {
			return
		}
		_ = tx.Rollback()
		s.failed.Add(uint64(opCount) + 1)
		tx = nil
		opCount = 0
		lastCommit = time.Now()
	}

	for r := range s.ch {
		begin()
		if tx == nil {
			s.failed.Add(1)
			continue
		}
		switch r.kind {
		case reqTick:
			t := r.tick
			raw, _ := json.Marshal(t)
			if insertTick == nil {
				break
			}
			if _, err := tx.Stmt(insertTick).Exec(
				int64(t.Tick),
				t.StepMS,
				boolInt(t.Overloaded),
				t.Tile.X, t.Tile.Z,
				t.Speed,
				t.Scheduler.Executed,
				t.Scheduler.QueueDepth,
				t.ActiveTiles,
				t.Decorations,
				t.Evicted,
				string(raw),
			); err != nil {
				rollback()
				continue
			}
			opCount++

		case reqEvent:
			ev := r.event
			raw, _ := json.Marshal(ev)
			var tileX, tileZ sql.NullInt64
			if ev.Tile != nil {
				tileX = sql.NullInt64{Int64: int64(ev.Tile.X), Valid: true}
				tileZ = sql.NullInt64{Int64: int64(ev.Tile.Z), Valid: true}
			}
			if insertEvent == nil {
				break
			}
			if _, err := tx.Stmt(insertEvent).Exec(int64(ev.Tick), ev.Type, tileX, tileZ, ev.Kind, ev.Count, ev.Message, string(raw)); err != nil {
				rollback()
				continue
			}
			opCount++
		}
		if opCount >= commitEvery || time.Since(lastCommit) >= commitMaxWait {
			commit()
		}
	}

	commit()
}
