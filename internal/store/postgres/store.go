// Package postgres implements [store.Store] on PostgreSQL through a
// [pgxpool.Pool]. The schema is created by [Migrate] on construction.
//
// Usage:
//
//	s, err := postgres.NewStore(ctx, dsn)
//	if err != nil { … }
//	defer s.Close()
//	_ = s.StartCall(ctx, store.Call{ID: id, StartedAt: time.Now()})
package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/MrWong99/qualivox/internal/qualify"
	"github.com/MrWong99/qualivox/internal/store"
	"github.com/MrWong99/qualivox/internal/transcript"
)

var _ store.Store = (*Store)(nil)

// Store is a PostgreSQL call store. All operations are safe for concurrent
// use.
type Store struct {
	pool *pgxpool.Pool
}

// NewStore connects to dsn, pings the server and runs [Migrate].
func NewStore(ctx context.Context, dsn string) (*Store, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("postgres store: parse dsn: %w", err)
	}
	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("postgres store: create pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("postgres store: ping: %w", err)
	}
	if err := Migrate(ctx, pool); err != nil {
		pool.Close()
		return nil, err
	}
	return &Store{pool: pool}, nil
}

// Ping implements store.Store.
func (s *Store) Ping(ctx context.Context) error {
	if err := s.pool.Ping(ctx); err != nil {
		return fmt.Errorf("postgres store: ping: %w", err)
	}
	return nil
}

// Close releases the pool.
func (s *Store) Close() error {
	s.pool.Close()
	return nil
}

// StartCall implements store.Writer.
func (s *Store) StartCall(ctx context.Context, c store.Call) error {
	const q = `INSERT INTO calls (id, provider, started_at) VALUES ($1, $2, $3)`
	if _, err := s.pool.Exec(ctx, q, c.ID, c.Provider, c.StartedAt); err != nil {
		return fmt.Errorf("postgres store: start call: %w", err)
	}
	return nil
}

// AppendTranscript implements store.Writer.
func (s *Store) AppendTranscript(ctx context.Context, callID string, e transcript.Entry) error {
	const q = `INSERT INTO transcript_entries (call_id, speaker, text, ts) VALUES ($1, $2, $3, $4)`
	if _, err := s.pool.Exec(ctx, q, callID, e.Speaker.String(), e.Text, e.Timestamp); err != nil {
		return fmt.Errorf("postgres store: append transcript: %w", err)
	}
	return nil
}

// AppendLog implements store.Writer.
func (s *Store) AppendLog(ctx context.Context, callID string, e qualify.LogEntry) error {
	r, err := store.NewLogRow(e)
	if err != nil {
		return err
	}
	const q = `
		INSERT INTO qualification_log
		    (call_id, ts, field, old_value, new_value, source, confidence, note)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`
	_, err = s.pool.Exec(ctx, q, callID, r.Timestamp, r.Field, r.OldValue, r.NewValue, r.Source, r.Confidence, r.Note)
	if err != nil {
		return fmt.Errorf("postgres store: append log: %w", err)
	}
	return nil
}

// EndCall implements store.Writer. The record is stored as JSONB.
func (s *Store) EndCall(ctx context.Context, callID string, endedAt time.Time, record map[string]any) error {
	const q = `UPDATE calls SET ended_at = $2, record = $3 WHERE id = $1`
	tag, err := s.pool.Exec(ctx, q, callID, endedAt, record)
	if err != nil {
		return fmt.Errorf("postgres store: end call: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("postgres store: end call %s: %w", callID, store.ErrNotFound)
	}
	return nil
}

// GetCall implements store.Reader.
func (s *Store) GetCall(ctx context.Context, callID string) (store.Call, error) {
	const q = `SELECT id, provider, started_at, ended_at, record FROM calls WHERE id = $1`
	var (
		c     store.Call
		ended *time.Time
		rec   []byte
	)
	err := s.pool.QueryRow(ctx, q, callID).Scan(&c.ID, &c.Provider, &c.StartedAt, &ended, &rec)
	if errors.Is(err, pgx.ErrNoRows) {
		return store.Call{}, fmt.Errorf("postgres store: get call %s: %w", callID, store.ErrNotFound)
	}
	if err != nil {
		return store.Call{}, fmt.Errorf("postgres store: get call: %w", err)
	}
	if ended != nil {
		c.EndedAt = *ended
	}
	if c.Record, err = store.DecodeRecord(rec); err != nil {
		return store.Call{}, err
	}
	return c, nil
}

// Transcript implements store.Reader.
func (s *Store) Transcript(ctx context.Context, callID string) ([]transcript.Entry, error) {
	const q = `SELECT speaker, text, ts FROM transcript_entries WHERE call_id = $1 ORDER BY id`
	rows, err := s.pool.Query(ctx, q, callID)
	if err != nil {
		return nil, fmt.Errorf("postgres store: transcript: %w", err)
	}
	entries, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (transcript.Entry, error) {
		var (
			e       transcript.Entry
			speaker string
		)
		if err := row.Scan(&speaker, &e.Text, &e.Timestamp); err != nil {
			return e, err
		}
		var perr error
		e.Speaker, perr = transcript.ParseSpeaker(speaker)
		return e, perr
	})
	if err != nil {
		return nil, fmt.Errorf("postgres store: scan transcript: %w", err)
	}
	return entries, nil
}

// Log implements store.Reader.
func (s *Store) Log(ctx context.Context, callID string) ([]qualify.LogEntry, error) {
	const q = `
		SELECT ts, field, old_value, new_value, source, confidence, note
		FROM   qualification_log
		WHERE  call_id = $1
		ORDER  BY id`
	rows, err := s.pool.Query(ctx, q, callID)
	if err != nil {
		return nil, fmt.Errorf("postgres store: log: %w", err)
	}
	entries, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (qualify.LogEntry, error) {
		var r store.LogRow
		if err := row.Scan(&r.Timestamp, &r.Field, &r.OldValue, &r.NewValue, &r.Source, &r.Confidence, &r.Note); err != nil {
			return qualify.LogEntry{}, err
		}
		return r.Entry()
	})
	if err != nil {
		return nil, fmt.Errorf("postgres store: scan log: %w", err)
	}
	return entries, nil
}

// SearchTranscript returns the IDs of calls whose transcript matches the
// Portuguese full-text query, most recent first.
func (s *Store) SearchTranscript(ctx context.Context, query string, limit int) ([]string, error) {
	if limit <= 0 {
		limit = 20
	}
	const q = `
		SELECT c.id
		FROM   calls c
		WHERE  EXISTS (
		         SELECT 1 FROM transcript_entries t
		         WHERE  t.call_id = c.id
		           AND  to_tsvector('portuguese', t.text) @@ plainto_tsquery('portuguese', $1))
		ORDER  BY c.started_at DESC
		LIMIT  $2`
	rows, err := s.pool.Query(ctx, q, query, limit)
	if err != nil {
		return nil, fmt.Errorf("postgres store: search transcript: %w", err)
	}
	ids, err := pgx.CollectRows(rows, pgx.RowTo[string])
	if err != nil {
		return nil, fmt.Errorf("postgres store: search transcript: %w", err)
	}
	return ids, nil
}
