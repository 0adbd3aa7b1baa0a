// Package archive keeps drained capture windows and assembled submissions
// in a local SQLite database (WAL mode).
//
// Payloads are stored as msgpack compressed with zstd; the searchable
// fields (session, sequence, label, timestamps, sample counts) live in
// plain columns.
package archive

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/e7canasta/orion-biosense/modules/biosession"
	"github.com/e7canasta/orion-biosense/modules/submission"
	"github.com/google/uuid"
	_ "github.com/mattn/go-sqlite3" // SQLite driver
)

// ErrNotFound is returned when no row matches.
var ErrNotFound = errors.New("archive: not found")

// Store wraps *sql.DB with archive helpers.
type Store struct {
	db *sql.DB
}

// Open opens (or creates) the SQLite file at path and applies the schema.
func Open(path string) (*Store, error) {
	dsn := fmt.Sprintf("file:%s?_journal_mode=WAL&_foreign_keys=ON&_busy_timeout=5000", path)
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("archive: open %s: %w", path, err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("archive: ping: %w", err)
	}
	// Limit writer concurrency to 1; SQLite WAL allows concurrent readers.
	db.SetMaxOpenConns(1)

	s := &Store{db: db}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, err
	}

	slog.Info("archive: opened", "path", path)
	return s, nil
}

// Close closes the database.
func (s *Store) Close() error {
	return s.db.Close()
}

// migrate applies the DDL schema. Idempotent.
func (s *Store) migrate() error {
	for _, stmt := range []string{ddlWindows, ddlSubmissions} {
		if _, err := s.db.Exec(stmt); err != nil {
			return fmt.Errorf("archive: migrate: %w", err)
		}
	}
	return nil
}

const ddlWindows = `
CREATE TABLE IF NOT EXISTS windows (
    id          TEXT    PRIMARY KEY,       -- window uuid
    session_id  TEXT    NOT NULL,
    sequence    INTEGER NOT NULL,
    label       TEXT    NOT NULL DEFAULT '',
    drained_at  INTEGER NOT NULL,          -- Unix milliseconds
    samples     INTEGER NOT NULL,
    codec       TEXT    NOT NULL,
    raw_size    INTEGER NOT NULL,
    payload     BLOB    NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_windows_session ON windows (session_id, sequence);
`

const ddlSubmissions = `
CREATE TABLE IF NOT EXISTS submissions (
    id             INTEGER PRIMARY KEY AUTOINCREMENT,
    session_id     TEXT    NOT NULL,
    participant_id TEXT    NOT NULL,
    project_id     TEXT    NOT NULL DEFAULT '',
    tasks          INTEGER NOT NULL,
    created_at     INTEGER NOT NULL,       -- Unix milliseconds
    codec          TEXT    NOT NULL,
    raw_size       INTEGER NOT NULL,
    payload        BLOB    NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_submissions_session ON submissions (session_id, created_at DESC);
`

// Window is the summary row of an archived capture window.
type Window struct {
	ID         string
	SessionID  string
	Sequence   uint64
	Label      string
	DrainedAt  time.Time
	Samples    int
	RawSize    int
	StoredSize int
}

// SaveWindow archives a drained packet under label ("rest", a task id...).
// A packet without a window ID gets a fresh one. Returns the window ID.
func (s *Store) SaveWindow(ctx context.Context, label string, p biosession.CapturePacket) (string, error) {
	id := p.Meta.WindowID
	if id == "" {
		id = uuid.NewString()
	}
	drainedAt := p.Meta.DrainedAt
	if drainedAt.IsZero() {
		drainedAt = time.Now()
	}

	blob, rawSize, err := encode(p)
	if err != nil {
		return "", err
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO windows (id, session_id, sequence, label, drained_at, samples, codec, raw_size, payload)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		id, p.Meta.SessionID, p.Meta.Sequence, label, drainedAt.UnixMilli(), p.SampleCount(),
		codecMsgpackZstd, rawSize, blob,
	)
	if err != nil {
		return "", fmt.Errorf("archive: save window %s: %w", id, err)
	}

	slog.Debug("archive: window saved",
		"window_id", id,
		"session_id", p.Meta.SessionID,
		"label", label,
		"raw_size", rawSize,
		"stored_size", len(blob),
	)
	return id, nil
}

// Windows lists the windows of a session in drain order.
func (s *Store) Windows(ctx context.Context, sessionID string) ([]Window, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, session_id, sequence, label, drained_at, samples, raw_size, length(payload)
		FROM windows WHERE session_id = ? ORDER BY sequence`, sessionID)
	if err != nil {
		return nil, fmt.Errorf("archive: list windows: %w", err)
	}
	defer rows.Close()

	var out []Window
	for rows.Next() {
		var w Window
		var drainedAt int64
		if err := rows.Scan(&w.ID, &w.SessionID, &w.Sequence, &w.Label, &drainedAt, &w.Samples, &w.RawSize, &w.StoredSize); err != nil {
			return nil, fmt.Errorf("archive: scan window: %w", err)
		}
		w.DrainedAt = time.UnixMilli(drainedAt)
		out = append(out, w)
	}
	return out, rows.Err()
}

// LoadWindow returns an archived packet with its metadata restored.
func (s *Store) LoadWindow(ctx context.Context, id string) (biosession.CapturePacket, error) {
	var (
		p         biosession.CapturePacket
		codec     string
		rawSize   int
		blob      []byte
		drainedAt int64
	)
	err := s.db.QueryRowContext(ctx, `
		SELECT session_id, sequence, drained_at, codec, raw_size, payload
		FROM windows WHERE id = ?`, id,
	).Scan(&p.Meta.SessionID, &p.Meta.Sequence, &drainedAt, &codec, &rawSize, &blob)
	if errors.Is(err, sql.ErrNoRows) {
		return biosession.CapturePacket{}, fmt.Errorf("%w: window %s", ErrNotFound, id)
	}
	if err != nil {
		return biosession.CapturePacket{}, fmt.Errorf("archive: load window %s: %w", id, err)
	}

	meta := p.Meta
	if err := decode(codec, blob, rawSize, &p); err != nil {
		return biosession.CapturePacket{}, err
	}
	p.Meta = meta
	p.Meta.WindowID = id
	p.Meta.DrainedAt = time.UnixMilli(drainedAt)
	return p, nil
}

// SaveSubmission archives an assembled submission and returns its row id.
func (s *Store) SaveSubmission(ctx context.Context, p submission.Packet) (int64, error) {
	blob, rawSize, err := encode(p)
	if err != nil {
		return 0, err
	}

	res, err := s.db.ExecContext(ctx, `
		INSERT INTO submissions (session_id, participant_id, project_id, tasks, created_at, codec, raw_size, payload)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		p.SessionID, p.ParticipantID, p.ProjectID, len(p.Tasks), time.Now().UnixMilli(),
		codecMsgpackZstd, rawSize, blob,
	)
	if err != nil {
		return 0, fmt.Errorf("archive: save submission: %w", err)
	}

	id, err := res.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("archive: save submission: %w", err)
	}

	slog.Info("archive: submission saved",
		"submission_id", id,
		"session_id", p.SessionID,
		"tasks", len(p.Tasks),
	)
	return id, nil
}

// LatestSubmission returns the most recent submission of a session.
func (s *Store) LatestSubmission(ctx context.Context, sessionID string) (submission.Packet, error) {
	var (
		codec   string
		rawSize int
		blob    []byte
	)
	err := s.db.QueryRowContext(ctx, `
		SELECT codec, raw_size, payload FROM submissions
		WHERE session_id = ? ORDER BY created_at DESC, id DESC LIMIT 1`, sessionID,
	).Scan(&codec, &rawSize, &blob)
	if errors.Is(err, sql.ErrNoRows) {
		return submission.Packet{}, fmt.Errorf("%w: submission for session %s", ErrNotFound, sessionID)
	}
	if err != nil {
		return submission.Packet{}, fmt.Errorf("archive: load submission: %w", err)
	}

	var p submission.Packet
	if err := decode(codec, blob, rawSize, &p); err != nil {
		return submission.Packet{}, err
	}
	return p, nil
}
