// Package sqlite implements [store.Store] on a local SQLite file using the
// pure-Go modernc.org/sqlite driver. The schema is managed by goose
// migrations embedded in the binary.
package sqlite

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"time"

	"github.com/pressly/goose/v3"
	_ "modernc.org/sqlite"

	"github.com/MrWong99/qualivox/internal/qualify"
	"github.com/MrWong99/qualivox/internal/store"
	"github.com/MrWong99/qualivox/internal/transcript"
)

//go:embed migrations/*.sql
var migrations embed.FS

var _ store.Store = (*Store)(nil)

// Store is a SQLite-backed call store. Safe for concurrent use.
type Store struct {
	db *sql.DB
}

// Open opens or creates the database at path and applies pending
// migrations. The special path ":memory:" opens a private in-memory
// database.
func Open(ctx context.Context, path string) (*Store, error) {
	dsn := "file::memory:?_pragma=foreign_keys(ON)"
	if path != ":memory:" {
		if dir := filepath.Dir(path); dir != "." && dir != "" {
			if err := os.MkdirAll(dir, 0o755); err != nil {
				return nil, fmt.Errorf("sqlite store: create data dir: %w", err)
			}
		}
		dsn = fmt.Sprintf("file:%s?_pragma=journal_mode(WAL)&_pragma=foreign_keys(ON)&_pragma=busy_timeout(5000)", path)
	}

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("sqlite store: open: %w", err)
	}
	if path == ":memory:" {
		// Every pooled connection would otherwise get its own empty database.
		db.SetMaxOpenConns(1)
	}
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("sqlite store: ping: %w", err)
	}
	if err := Migrate(ctx, db); err != nil {
		db.Close()
		return nil, err
	}
	return &Store{db: db}, nil
}

// Migrate applies every pending embedded migration to db.
func Migrate(ctx context.Context, db *sql.DB) error {
	fsys, err := fs.Sub(migrations, "migrations")
	if err != nil {
		return fmt.Errorf("sqlite store: migrations: %w", err)
	}
	p, err := goose.NewProvider(goose.DialectSQLite3, db, fsys)
	if err != nil {
		return fmt.Errorf("sqlite store: migration provider: %w", err)
	}
	if _, err := p.Up(ctx); err != nil {
		return fmt.Errorf("sqlite store: migrate: %w", err)
	}
	return nil
}

// Ping implements store.Store.
func (s *Store) Ping(ctx context.Context) error {
	if err := s.db.PingContext(ctx); err != nil {
		return fmt.Errorf("sqlite store: ping: %w", err)
	}
	return nil
}

// Close implements store.Store.
func (s *Store) Close() error {
	return s.db.Close()
}

// StartCall implements store.Writer.
func (s *Store) StartCall(ctx context.Context, c store.Call) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO calls(id, provider, started_at) VALUES(?, ?, ?)`,
		c.ID, c.Provider, c.StartedAt.UnixNano())
	if err != nil {
		return fmt.Errorf("sqlite store: start call: %w", err)
	}
	return nil
}

// AppendTranscript implements store.Writer.
func (s *Store) AppendTranscript(ctx context.Context, callID string, e transcript.Entry) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO transcript_entries(call_id, speaker, text, ts) VALUES(?, ?, ?, ?)`,
		callID, e.Speaker.String(), e.Text, e.Timestamp.UnixNano())
	if err != nil {
		return fmt.Errorf("sqlite store: append transcript: %w", err)
	}
	return nil
}

// AppendLog implements store.Writer.
func (s *Store) AppendLog(ctx context.Context, callID string, e qualify.LogEntry) error {
	r, err := store.NewLogRow(e)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO qualification_log(call_id, ts, field, old_value, new_value, source, confidence, note)
		 VALUES(?, ?, ?, ?, ?, ?, ?, ?)`,
		callID, r.Timestamp.UnixNano(), r.Field, r.OldValue, r.NewValue, r.Source, r.Confidence, r.Note)
	if err != nil {
		return fmt.Errorf("sqlite store: append log: %w", err)
	}
	return nil
}

// EndCall implements store.Writer.
func (s *Store) EndCall(ctx context.Context, callID string, endedAt time.Time, record map[string]any) error {
	rec, err := store.EncodeValue(record)
	if err != nil {
		return err
	}
	res, err := s.db.ExecContext(ctx,
		`UPDATE calls SET ended_at = ?, record = ? WHERE id = ?`,
		endedAt.UnixNano(), rec, callID)
	if err != nil {
		return fmt.Errorf("sqlite store: end call: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("sqlite store: end call %s: %w", callID, store.ErrNotFound)
	}
	return nil
}

// GetCall implements store.Reader.
func (s *Store) GetCall(ctx context.Context, callID string) (store.Call, error) {
	var (
		c              store.Call
		started, ended int64
		rec            string
	)
	err := s.db.QueryRowContext(ctx,
		`SELECT id, provider, started_at, ended_at, record FROM calls WHERE id = ?`, callID).
		Scan(&c.ID, &c.Provider, &started, &ended, &rec)
	if errors.Is(err, sql.ErrNoRows) {
		return store.Call{}, fmt.Errorf("sqlite store: get call %s: %w", callID, store.ErrNotFound)
	}
	if err != nil {
		return store.Call{}, fmt.Errorf("sqlite store: get call: %w", err)
	}
	c.StartedAt = time.Unix(0, started)
	if ended != 0 {
		c.EndedAt = time.Unix(0, ended)
	}
	if c.Record, err = store.DecodeRecord([]byte(rec)); err != nil {
		return store.Call{}, err
	}
	return c, nil
}

// Transcript implements store.Reader.
func (s *Store) Transcript(ctx context.Context, callID string) ([]transcript.Entry, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT speaker, text, ts FROM transcript_entries WHERE call_id = ? ORDER BY id`, callID)
	if err != nil {
		return nil, fmt.Errorf("sqlite store: transcript: %w", err)
	}
	defer rows.Close()

	var out []transcript.Entry
	for rows.Next() {
		var (
			speaker string
			e       transcript.Entry
			ts      int64
		)
		if err := rows.Scan(&speaker, &e.Text, &ts); err != nil {
			return nil, fmt.Errorf("sqlite store: scan transcript: %w", err)
		}
		if e.Speaker, err = transcript.ParseSpeaker(speaker); err != nil {
			return nil, fmt.Errorf("sqlite store: scan transcript: %w", err)
		}
		e.Timestamp = time.Unix(0, ts)
		out = append(out, e)
	}
	return out, rows.Err()
}

// Log implements store.Reader.
func (s *Store) Log(ctx context.Context, callID string) ([]qualify.LogEntry, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT ts, field, old_value, new_value, source, confidence, note
		 FROM qualification_log WHERE call_id = ? ORDER BY id`, callID)
	if err != nil {
		return nil, fmt.Errorf("sqlite store: log: %w", err)
	}
	defer rows.Close()

	var out []qualify.LogEntry
	for rows.Next() {
		var (
			r  store.LogRow
			ts int64
		)
		if err := rows.Scan(&ts, &r.Field, &r.OldValue, &r.NewValue, &r.Source, &r.Confidence, &r.Note); err != nil {
			return nil, fmt.Errorf("sqlite store: scan log: %w", err)
		}
		r.Timestamp = time.Unix(0, ts)
		e, err := r.Entry()
		if err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}
