// Package journal records experiment runs in a SQLite database: when each
// cell was added, which cells were relocated and how the negotiation ended,
// and when the schedule became stable.
package journal

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	_ "github.com/mattn/go-sqlite3"
	"github.com/sugawarayuuta/sonnet"

	"github.com/signalsfoundry/tsch-simulator/internal/cellmgr"
	"github.com/signalsfoundry/tsch-simulator/internal/logging"
	"github.com/signalsfoundry/tsch-simulator/internal/sixp"
	"github.com/signalsfoundry/tsch-simulator/internal/tsch"
	"github.com/signalsfoundry/tsch-simulator/model"
)

// Event kinds.
const (
	KindRunStarted          = "run_started"
	KindCellAdded           = "cell_added"
	KindRelocationRequested = "relocation_requested"
	KindTransaction         = "transaction"
	KindStable              = "stable"
)

var (
	ErrClosed = errors.New("journal: closed")
	ErrNoRun  = errors.New("journal: no run started")
)

const schema = `
CREATE TABLE IF NOT EXISTS runs (
	id         TEXT PRIMARY KEY,
	scenario   TEXT NOT NULL,
	seed       INTEGER NOT NULL,
	started_at TEXT NOT NULL,
	params     TEXT NOT NULL
);
CREATE TABLE IF NOT EXISTS events (
	id      INTEGER PRIMARY KEY AUTOINCREMENT,
	run_id  TEXT NOT NULL REFERENCES runs(id),
	node    TEXT NOT NULL,
	kind    TEXT NOT NULL,
	at_ns   INTEGER NOT NULL,
	detail  TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS events_run_kind ON events(run_id, kind);
CREATE TABLE IF NOT EXISTS stability (
	run_id           TEXT NOT NULL REFERENCES runs(id),
	node             TEXT NOT NULL,
	allocation_index INTEGER NOT NULL,
	offset_ns        INTEGER NOT NULL,
	PRIMARY KEY (run_id, node, allocation_index)
);
`

// RunInfo describes a run at its start.
type RunInfo struct {
	Scenario string
	Seed     uint64
	Started  time.Time
	Params   map[string]any
}

// Event is one journal row.
type Event struct {
	Node   string
	Kind   string
	Offset time.Duration
	Detail map[string]any
}

// Journal is safe for concurrent use. Reporter callbacks cannot return
// errors, so write failures are logged and the first one is kept in Err.
type Journal struct {
	db  *sql.DB
	log logging.Logger

	mu     sync.Mutex
	run    uuid.UUID
	start  time.Time
	err    error
	closed bool
}

// Option configures a Journal.
type Option func(*Journal)

func WithLogger(l logging.Logger) Option { return func(j *Journal) { j.log = logging.OrNoop(l) } }

// Open opens or creates the database at path and applies the schema.
func Open(path string, opts ...Option) (*Journal, error) {
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("journal: open %s: %w", path, err)
	}
	// A single connection keeps ":memory:" databases intact across calls.
	db.SetMaxOpenConns(1)
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("journal: apply schema: %w", err)
	}
	j := &Journal{db: db, log: logging.Noop()}
	for _, opt := range opts {
		opt(j)
	}
	return j, nil
}

// StartRun inserts a run row and makes it the target of later events.
func (j *Journal) StartRun(ctx context.Context, info RunInfo) (uuid.UUID, error) {
	params, err := sonnet.Marshal(nonNil(info.Params))
	if err != nil {
		return uuid.Nil, fmt.Errorf("journal: encode params: %w", err)
	}
	id := uuid.New()

	j.mu.Lock()
	defer j.mu.Unlock()
	if j.closed {
		return uuid.Nil, ErrClosed
	}
	if _, err := j.db.ExecContext(ctx,
		`INSERT INTO runs (id, scenario, seed, started_at, params) VALUES (?, ?, ?, ?, ?)`,
		id.String(), info.Scenario, int64(info.Seed), info.Started.UTC().Format(time.RFC3339Nano), string(params)); err != nil {
		return uuid.Nil, fmt.Errorf("journal: insert run: %w", err)
	}
	j.run = id
	j.start = info.Started
	j.log.Info(ctx, "journal: run started",
		logging.String("run_id", id.String()), logging.String("scenario", info.Scenario))
	return id, j.insertLocked(ctx, "", KindRunStarted, info.Started, map[string]any{"seed": info.Seed})
}

// RunID returns the current run, or uuid.Nil before StartRun.
func (j *Journal) RunID() uuid.UUID {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.run
}

// Err returns the first write failure seen by a reporter callback.
func (j *Journal) Err() error {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.err
}

func (j *Journal) Close() error {
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.closed {
		return nil
	}
	j.closed = true
	return j.db.Close()
}

// Record appends an event for node at simulated time at.
func (j *Journal) Record(ctx context.Context, node model.Addr, kind string, at time.Time, detail map[string]any) error {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.insertLocked(ctx, node.String(), kind, at, detail)
}

func (j *Journal) insertLocked(ctx context.Context, node, kind string, at time.Time, detail map[string]any) error {
	if j.closed {
		return ErrClosed
	}
	if j.run == uuid.Nil {
		return ErrNoRun
	}
	raw, err := sonnet.Marshal(nonNil(detail))
	if err != nil {
		return fmt.Errorf("journal: encode %s detail: %w", kind, err)
	}
	if _, err := j.db.ExecContext(ctx,
		`INSERT INTO events (run_id, node, kind, at_ns, detail) VALUES (?, ?, ?, ?, ?)`,
		j.run.String(), node, kind, int64(at.Sub(j.start)), string(raw)); err != nil {
		return fmt.Errorf("journal: insert %s: %w", kind, err)
	}
	return nil
}

// Events returns the events of run, optionally filtered by kind, in
// insertion order.
func (j *Journal) Events(ctx context.Context, run uuid.UUID, kind string) ([]Event, error) {
	q := `SELECT node, kind, at_ns, detail FROM events WHERE run_id = ?`
	args := []any{run.String()}
	if kind != "" {
		q += ` AND kind = ?`
		args = append(args, kind)
	}
	q += ` ORDER BY id`

	rows, err := j.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("journal: query events: %w", err)
	}
	defer rows.Close()

	var out []Event
	for rows.Next() {
		var (
			e   Event
			ns  int64
			raw string
		)
		if err := rows.Scan(&e.Node, &e.Kind, &ns, &raw); err != nil {
			return nil, fmt.Errorf("journal: scan event: %w", err)
		}
		e.Offset = time.Duration(ns)
		if err := sonnet.Unmarshal([]byte(raw), &e.Detail); err != nil {
			return nil, fmt.Errorf("journal: decode %s detail: %w", e.Kind, err)
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

// StabilityOffsets returns, per allocation index, the offset from the run
// start at which node's cells up to that index were stable. Indexes that
// never became stable are absent.
func (j *Journal) StabilityOffsets(ctx context.Context, run uuid.UUID, node model.Addr) (map[int]time.Duration, error) {
	rows, err := j.db.QueryContext(ctx,
		`SELECT allocation_index, offset_ns FROM stability WHERE run_id = ? AND node = ?`,
		run.String(), node.String())
	if err != nil {
		return nil, fmt.Errorf("journal: query stability: %w", err)
	}
	defer rows.Close()
	out := map[int]time.Duration{}
	for rows.Next() {
		var idx int
		var ns int64
		if err := rows.Scan(&idx, &ns); err != nil {
			return nil, fmt.Errorf("journal: scan stability: %w", err)
		}
		out[idx] = time.Duration(ns)
	}
	return out, rows.Err()
}

// ForNode returns the reporter that journals node's controller events.
func (j *Journal) ForNode(node model.Addr) *NodeJournal {
	return &NodeJournal{j: j, node: node}
}

// NodeJournal implements cellmgr.Reporter for one node and also records the
// end of its 6P transactions.
type NodeJournal struct {
	j    *Journal
	node model.Addr
}

var _ cellmgr.Reporter = (*NodeJournal)(nil)

func (n *NodeJournal) record(kind string, at time.Time, detail map[string]any) {
	ctx := context.Background()
	n.j.mu.Lock()
	defer n.j.mu.Unlock()
	if err := n.j.insertLocked(ctx, n.node.String(), kind, at, detail); err != nil {
		n.j.keepLocked(ctx, err)
	}
}

func (j *Journal) keepLocked(ctx context.Context, err error) {
	if j.err == nil {
		j.err = err
	}
	j.log.Warn(ctx, "journal: write failed", logging.Err(err))
}

func (n *NodeJournal) CellAdded(total int, at time.Time) {
	n.record(KindCellAdded, at, map[string]any{"total": total})
}

func (n *NodeJournal) RelocationRequested(peer model.Addr, e tsch.CellStatEntry, at time.Time) {
	n.record(KindRelocationRequested, at, map[string]any{
		"peer":             peer.String(),
		"timeslot":         e.Cell.Timeslot,
		"channel_offset":   e.Cell.ChannelOffset,
		"tx_total":         e.TxTotal,
		"tx_success":       e.TxSuccess,
		"allocation_index": e.AllocationIndex,
	})
}

func (n *NodeJournal) Stable(r cellmgr.StableReport) {
	ctx := context.Background()
	cells := make([]map[string]any, 0, len(r.Cells))
	for _, e := range r.Cells {
		cells = append(cells, map[string]any{
			"timeslot":         e.Cell.Timeslot,
			"channel_offset":   e.Cell.ChannelOffset,
			"allocation_index": e.AllocationIndex,
			"pdr":              e.PDR(),
		})
	}
	n.record(KindStable, r.At, map[string]any{
		"peer":      r.Peer.String(),
		"evaluated": r.Evaluated,
		"cells":     cells,
	})

	n.j.mu.Lock()
	defer n.j.mu.Unlock()
	if n.j.closed || n.j.run == uuid.Nil {
		return
	}
	for i, off := range r.Offsets(n.j.start) {
		if off < 0 {
			continue
		}
		if _, err := n.j.db.ExecContext(ctx,
			`INSERT OR REPLACE INTO stability (run_id, node, allocation_index, offset_ns) VALUES (?, ?, ?, ?)`,
			n.j.run.String(), n.node.String(), i, int64(off)); err != nil {
			n.j.keepLocked(ctx, fmt.Errorf("journal: insert stability: %w", err))
			return
		}
	}
}

// TransactionDone journals the end of a 6P transaction.
func (n *NodeJournal) TransactionDone(r sixp.Result, at time.Time) {
	detail := map[string]any{
		"peer":     r.Peer.String(),
		"command":  sixp.CommandString(r.Cmd),
		"role":     r.Role.String(),
		"outcome":  r.Outcome.String(),
		"rc":       sixp.ReturnCodeString(r.RC),
		"cells":    cellList(r.Cells),
		"duration": r.Duration.String(),
	}
	if len(r.From) > 0 {
		detail["from"] = cellList(r.From)
	}
	if r.Err != nil {
		detail["error"] = r.Err.Error()
	}
	n.record(KindTransaction, at, detail)
}

func cellList(cells []model.Cell) []string {
	out := make([]string, len(cells))
	for i, c := range cells {
		out[i] = c.String()
	}
	return out
}

func nonNil(m map[string]any) map[string]any {
	if m == nil {
		return map[string]any{}
	}
	return m
}
