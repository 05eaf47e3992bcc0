// Package profilerdb records what the tiering engine did. A Journal is an
// SQLite log of installs, compilations, OSR exits and jettisons; a Snapshot
// is a CBOR image of the profiling state of a set of code blocks.
package profilerdb

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/tliron/commonlog"

	_ "modernc.org/sqlite"
)

var log = commonlog.GetLogger("tierup.profilerdb")

// ErrNoSnapshot is returned when a snapshot id is not in the journal.
var ErrNoSnapshot = errors.New("profilerdb: no such snapshot")

// EventKind classifies a journal entry.
type EventKind string

const (
	EventInstalled     EventKind = "installed"
	EventCompiled      EventKind = "compiled"
	EventCompileFailed EventKind = "compile-failed"
	EventInvalidated   EventKind = "invalidated"
	EventJettisoned    EventKind = "jettisoned"
	EventOSREntry      EventKind = "osr-entry"
	EventOSRExit       EventKind = "osr-exit"
)

// Event is one journal entry.
type Event struct {
	ID        uuid.UUID
	VM        uuid.UUID
	CodeBlock uint64
	Name      string
	Tier      string
	Kind      EventKind
	Detail    string
	At        time.Time
}

const schema = `
CREATE TABLE IF NOT EXISTS events (
	seq        INTEGER PRIMARY KEY AUTOINCREMENT,
	id         TEXT NOT NULL UNIQUE,
	vm         TEXT NOT NULL,
	code_block INTEGER NOT NULL,
	name       TEXT NOT NULL,
	tier       TEXT NOT NULL,
	kind       TEXT NOT NULL,
	detail     TEXT NOT NULL,
	at         INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS events_vm ON events (vm, seq);
CREATE TABLE IF NOT EXISTS snapshots (
	id    TEXT PRIMARY KEY,
	vm    TEXT NOT NULL,
	taken INTEGER NOT NULL,
	data  BLOB NOT NULL
);
`

// Journal is an SQLite-backed event log. It is safe for concurrent use.
type Journal struct {
	db *sql.DB
}

// Open opens or creates the journal at dsn, a modernc.org/sqlite data source
// such as a file path or ":memory:".
func Open(ctx context.Context, dsn string) (*Journal, error) {
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("profilerdb: open %s: %w", dsn, err)
	}
	// One connection keeps an in-memory database alive and shared.
	db.SetMaxOpenConns(1)

	if _, err := db.ExecContext(ctx, schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("profilerdb: create schema: %w", err)
	}
	log.Debugf("opened journal %s", dsn)
	return &Journal{db: db}, nil
}

// Close closes the database.
func (j *Journal) Close() error {
	return j.db.Close()
}

// Record appends e. A zero ID or time is filled in.
func (j *Journal) Record(ctx context.Context, e Event) error {
	if e.ID == uuid.Nil {
		e.ID = uuid.New()
	}
	if e.At.IsZero() {
		e.At = time.Now()
	}
	_, err := j.db.ExecContext(ctx,
		`INSERT INTO events (id, vm, code_block, name, tier, kind, detail, at) VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		e.ID.String(), e.VM.String(), int64(e.CodeBlock), e.Name, e.Tier, string(e.Kind), e.Detail, e.At.UnixNano())
	if err != nil {
		return fmt.Errorf("profilerdb: record %s: %w", e.Kind, err)
	}
	return nil
}

// Events returns the events of vm in recording order.
func (j *Journal) Events(ctx context.Context, vm uuid.UUID) ([]Event, error) {
	rows, err := j.db.QueryContext(ctx,
		`SELECT id, vm, code_block, name, tier, kind, detail, at FROM events WHERE vm = ? ORDER BY seq`,
		vm.String())
	if err != nil {
		return nil, fmt.Errorf("profilerdb: query events: %w", err)
	}
	defer rows.Close()

	var events []Event
	for rows.Next() {
		var (
			e         Event
			id, vmID  string
			codeBlock int64
			kind      string
			at        int64
		)
		if err := rows.Scan(&id, &vmID, &codeBlock, &e.Name, &e.Tier, &kind, &e.Detail, &at); err != nil {
			return nil, fmt.Errorf("profilerdb: scan event: %w", err)
		}
		if e.ID, err = uuid.Parse(id); err != nil {
			return nil, fmt.Errorf("profilerdb: event id: %w", err)
		}
		if e.VM, err = uuid.Parse(vmID); err != nil {
			return nil, fmt.Errorf("profilerdb: event vm: %w", err)
		}
		e.CodeBlock = uint64(codeBlock)
		e.Kind = EventKind(kind)
		e.At = time.Unix(0, at)
		events = append(events, e)
	}
	return events, rows.Err()
}

// Counts returns the number of events of each kind recorded for vm.
func (j *Journal) Counts(ctx context.Context, vm uuid.UUID) (map[EventKind]int, error) {
	rows, err := j.db.QueryContext(ctx,
		`SELECT kind, COUNT(*) FROM events WHERE vm = ? GROUP BY kind`, vm.String())
	if err != nil {
		return nil, fmt.Errorf("profilerdb: count events: %w", err)
	}
	defer rows.Close()

	counts := make(map[EventKind]int)
	for rows.Next() {
		var (
			kind string
			n    int
		)
		if err := rows.Scan(&kind, &n); err != nil {
			return nil, fmt.Errorf("profilerdb: scan count: %w", err)
		}
		counts[EventKind(kind)] = n
	}
	return counts, rows.Err()
}

// SaveSnapshot stores s under a new id and returns it.
func (j *Journal) SaveSnapshot(ctx context.Context, s *Snapshot) (uuid.UUID, error) {
	data, err := s.Marshal()
	if err != nil {
		return uuid.Nil, err
	}
	id := uuid.New()
	_, err = j.db.ExecContext(ctx,
		`INSERT INTO snapshots (id, vm, taken, data) VALUES (?, ?, ?, ?)`,
		id.String(), s.VM, s.TakenAt, data)
	if err != nil {
		return uuid.Nil, fmt.Errorf("profilerdb: save snapshot: %w", err)
	}
	return id, nil
}

// LoadSnapshot reads the snapshot stored under id.
func (j *Journal) LoadSnapshot(ctx context.Context, id uuid.UUID) (*Snapshot, error) {
	var data []byte
	err := j.db.QueryRowContext(ctx, `SELECT data FROM snapshots WHERE id = ?`, id.String()).Scan(&data)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", ErrNoSnapshot, id)
	}
	if err != nil {
		return nil, fmt.Errorf("profilerdb: load snapshot: %w", err)
	}
	return UnmarshalSnapshot(data)
}
