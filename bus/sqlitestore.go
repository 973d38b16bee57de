package bus

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/flowscope/flowscope/sim"

	_ "modernc.org/sqlite"
)

const sqliteSchema = `
CREATE TABLE IF NOT EXISTS run_events (
    id       INTEGER PRIMARY KEY,
    run_id   TEXT    NOT NULL,
    seq      INTEGER NOT NULL,
    kind     TEXT    NOT NULL,
    ts       INTEGER NOT NULL,
    payload  TEXT,
    trace_id TEXT    NOT NULL DEFAULT '',
    span_id  TEXT    NOT NULL DEFAULT '',
    UNIQUE (run_id, seq)
);
CREATE INDEX IF NOT EXISTS run_events_ts ON run_events (ts);
`

// SQLiteStoreConfig configures the SQLite event store.
type SQLiteStoreConfig struct {
	// DSN is the database connection string, a file path for most uses.
	DSN string

	// RetentionAge drops events older than this (0 disables age pruning).
	RetentionAge time.Duration

	// RetentionCount keeps at most this many events per run (0 disables
	// count pruning).
	RetentionCount int

	// PruneInterval is how often retention runs (default 1 hour).
	PruneInterval time.Duration
}

// SQLiteEventStore persists run events in a SQLite database. WAL mode is
// enabled so SSE replay reads do not block the append path. When any
// retention is configured a background goroutine prunes on a ticker.
type SQLiteEventStore struct {
	db  *sql.DB
	cfg SQLiteStoreConfig

	closeOnce sync.Once
	stop      chan struct{}
	done      chan struct{}
}

// NewSQLiteEventStore opens or creates the store at cfg.DSN.
func NewSQLiteEventStore(cfg SQLiteStoreConfig) (*SQLiteEventStore, error) {
	if cfg.PruneInterval <= 0 {
		cfg.PruneInterval = time.Hour
	}

	db, err := sql.Open("sqlite", cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("event store: open %q: %w", cfg.DSN, err)
	}
	for _, stmt := range []string{"PRAGMA journal_mode=WAL", sqliteSchema} {
		if _, err := db.Exec(stmt); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("event store: init: %w", err)
		}
	}

	s := &SQLiteEventStore{
		db:   db,
		cfg:  cfg,
		stop: make(chan struct{}),
		done: make(chan struct{}),
	}
	if cfg.RetentionAge > 0 || cfg.RetentionCount > 0 {
		go s.pruneLoop()
	} else {
		close(s.done)
	}
	return s, nil
}

// Append stores one event. A duplicate (run_id, seq) pair is ignored so
// that replays after a crash do not fail the emit path.
func (s *SQLiteEventStore) Append(ctx context.Context, event sim.Event) error {
	var payload any
	if len(event.Payload) > 0 {
		raw, err := json.Marshal(event.Payload)
		if err != nil {
			return fmt.Errorf("event store: encode payload: %w", err)
		}
		payload = string(raw)
	}

	_, err := s.db.ExecContext(ctx,
		`INSERT OR IGNORE INTO run_events (run_id, seq, kind, ts, payload, trace_id, span_id)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		event.RunID, event.Seq, string(event.Kind), event.Time.UnixNano(),
		payload, event.TraceID, event.SpanID)
	if err != nil {
		return fmt.Errorf("event store: append: %w", err)
	}
	return nil
}

// List returns a run's events with Seq > afterSeq in sequence order, at
// most limit of them (limit 0 means all).
func (s *SQLiteEventStore) List(ctx context.Context, runID string, afterSeq uint64, limit int) ([]sim.Event, error) {
	if limit <= 0 {
		limit = -1 // SQLite treats a negative LIMIT as unbounded.
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT run_id, seq, kind, ts, payload, trace_id, span_id
		   FROM run_events WHERE run_id = ? AND seq > ?
		  ORDER BY seq LIMIT ?`,
		runID, afterSeq, limit)
	if err != nil {
		return nil, fmt.Errorf("event store: list: %w", err)
	}
	defer rows.Close()

	var events []sim.Event
	for rows.Next() {
		var (
			e       sim.Event
			kind    string
			tsNano  int64
			payload sql.NullString
		)
		if err := rows.Scan(&e.RunID, &e.Seq, &kind, &tsNano, &payload, &e.TraceID, &e.SpanID); err != nil {
			return nil, fmt.Errorf("event store: scan: %w", err)
		}
		e.Kind = sim.EventKind(kind)
		e.Time = time.Unix(0, tsNano).UTC()
		e.Payload = map[string]any{}
		if payload.Valid && payload.String != "" {
			if err := json.Unmarshal([]byte(payload.String), &e.Payload); err != nil {
				return nil, fmt.Errorf("event store: decode payload: %w", err)
			}
		}
		events = append(events, e)
	}
	return events, rows.Err()
}

// LatestSeq returns the highest stored sequence number for a run.
func (s *SQLiteEventStore) LatestSeq(ctx context.Context, runID string) (uint64, error) {
	var seq sql.NullInt64
	err := s.db.QueryRowContext(ctx,
		`SELECT MAX(seq) FROM run_events WHERE run_id = ?`, runID).Scan(&seq)
	if err != nil {
		return 0, fmt.Errorf("event store: latest seq: %w", err)
	}
	if !seq.Valid || seq.Int64 < 0 {
		return 0, nil
	}
	return uint64(seq.Int64), nil
}

// RunIDs lists every run with stored events.
func (s *SQLiteEventStore) RunIDs(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT DISTINCT run_id FROM run_events ORDER BY run_id`)
	if err != nil {
		return nil, fmt.Errorf("event store: run ids: %w", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("event store: scan run id: %w", err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// Prune applies the configured retention once.
func (s *SQLiteEventStore) Prune(ctx context.Context) error {
	if s.cfg.RetentionAge > 0 {
		cutoff := time.Now().Add(-s.cfg.RetentionAge).UnixNano()
		if _, err := s.db.ExecContext(ctx,
			`DELETE FROM run_events WHERE ts < ?`, cutoff); err != nil {
			return fmt.Errorf("event store: prune by age: %w", err)
		}
	}
	if s.cfg.RetentionCount > 0 {
		_, err := s.db.ExecContext(ctx,
			`DELETE FROM run_events WHERE id IN (
			   SELECT id FROM (
			     SELECT id, ROW_NUMBER() OVER (PARTITION BY run_id ORDER BY seq DESC) AS rank
			       FROM run_events)
			    WHERE rank > ?)`,
			s.cfg.RetentionCount)
		if err != nil {
			return fmt.Errorf("event store: prune by count: %w", err)
		}
	}
	return nil
}

// Close stops the pruner and closes the database.
func (s *SQLiteEventStore) Close() error {
	s.closeOnce.Do(func() { close(s.stop) })
	<-s.done
	return s.db.Close()
}

func (s *SQLiteEventStore) pruneLoop() {
	defer close(s.done)

	ticker := time.NewTicker(s.cfg.PruneInterval)
	defer ticker.Stop()
	for {
		select {
		case <-s.stop:
			return
		case <-ticker.C:
			_ = s.Prune(context.Background())
		}
	}
}

var _ EventStore = (*SQLiteEventStore)(nil)
