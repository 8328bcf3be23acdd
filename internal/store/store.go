// Package store persists calls: their transcript, the qualification audit log
// and the final record snapshot.
//
// Backends live in subpackages (postgres, sqlite, mock). [Fanout] writes to
// several backends at once.
package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/MrWong99/qualivox/internal/qualify"
	"github.com/MrWong99/qualivox/internal/transcript"
)

// ErrNotFound is returned by readers for an unknown call ID.
var ErrNotFound = errors.New("store: call not found")

// Call is the persisted header of one conversation.
type Call struct {
	ID        string
	Provider  string
	StartedAt time.Time

	// EndedAt is zero while the call is running.
	EndedAt time.Time

	// Record is the final record snapshot, set by EndCall.
	Record map[string]any
}

// Writer is the write side of a backend. Every method must be safe for
// concurrent use.
type Writer interface {
	StartCall(ctx context.Context, c Call) error
	AppendTranscript(ctx context.Context, callID string, e transcript.Entry) error
	AppendLog(ctx context.Context, callID string, e qualify.LogEntry) error
	EndCall(ctx context.Context, callID string, endedAt time.Time, record map[string]any) error
}

// Reader reads a call back.
type Reader interface {
	GetCall(ctx context.Context, callID string) (Call, error)
	Transcript(ctx context.Context, callID string) ([]transcript.Entry, error)
	Log(ctx context.Context, callID string) ([]qualify.LogEntry, error)
}

// Store is a complete backend.
type Store interface {
	Writer
	Reader
	Ping(ctx context.Context) error
	Close() error
}

// Fanout writes to every backend concurrently. Reads are served by the first
// backend.
type Fanout struct {
	stores []Store
}

var _ Store = (*Fanout)(nil)

// NewFanout returns a Fanout over stores, which must not be empty.
func NewFanout(stores ...Store) *Fanout {
	return &Fanout{stores: stores}
}

func (f *Fanout) each(fn func(Store) error) error {
	var g errgroup.Group
	for _, s := range f.stores {
		g.Go(func() error { return fn(s) })
	}
	return g.Wait()
}

// StartCall implements Writer.
func (f *Fanout) StartCall(ctx context.Context, c Call) error {
	return f.each(func(s Store) error { return s.StartCall(ctx, c) })
}

// AppendTranscript implements Writer.
func (f *Fanout) AppendTranscript(ctx context.Context, callID string, e transcript.Entry) error {
	return f.each(func(s Store) error { return s.AppendTranscript(ctx, callID, e) })
}

// AppendLog implements Writer.
func (f *Fanout) AppendLog(ctx context.Context, callID string, e qualify.LogEntry) error {
	return f.each(func(s Store) error { return s.AppendLog(ctx, callID, e) })
}

// EndCall implements Writer.
func (f *Fanout) EndCall(ctx context.Context, callID string, endedAt time.Time, record map[string]any) error {
	return f.each(func(s Store) error { return s.EndCall(ctx, callID, endedAt, record) })
}

// GetCall implements Reader.
func (f *Fanout) GetCall(ctx context.Context, callID string) (Call, error) {
	return f.stores[0].GetCall(ctx, callID)
}

// Transcript implements Reader.
func (f *Fanout) Transcript(ctx context.Context, callID string) ([]transcript.Entry, error) {
	return f.stores[0].Transcript(ctx, callID)
}

// Log implements Reader.
func (f *Fanout) Log(ctx context.Context, callID string) ([]qualify.LogEntry, error) {
	return f.stores[0].Log(ctx, callID)
}

// Ping checks every backend.
func (f *Fanout) Ping(ctx context.Context) error {
	return f.each(func(s Store) error { return s.Ping(ctx) })
}

// Close closes every backend and joins their errors.
func (f *Fanout) Close() error {
	var errs []error
	for _, s := range f.stores {
		errs = append(errs, s.Close())
	}
	return errors.Join(errs...)
}

// EncodeValue renders a record value for a text column. Nil becomes "".
func EncodeValue(v any) (string, error) {
	if v == nil {
		return "", nil
	}
	b, err := json.Marshal(v)
	if err != nil {
		return "", fmt.Errorf("store: encode value: %w", err)
	}
	return string(b), nil
}

// DecodeValue reverses EncodeValue. Whole JSON numbers decode to int so that
// integer fields compare equal after a round trip.
func DecodeValue(s string) (any, error) {
	if s == "" {
		return nil, nil
	}
	var v any
	if err := json.Unmarshal([]byte(s), &v); err != nil {
		return nil, fmt.Errorf("store: decode value: %w", err)
	}
	if f, ok := v.(float64); ok && f == float64(int(f)) {
		return int(f), nil
	}
	return v, nil
}

// DecodeRecord decodes a record snapshot, restoring integer fields.
func DecodeRecord(b []byte) (map[string]any, error) {
	if len(b) == 0 {
		return nil, nil
	}
	var rec map[string]any
	if err := json.Unmarshal(b, &rec); err != nil {
		return nil, fmt.Errorf("store: decode record: %w", err)
	}
	for k, v := range rec {
		if f, ok := v.(float64); ok && f == float64(int(f)) {
			rec[k] = int(f)
		}
	}
	return rec, nil
}

// LogRow is the column form of a [qualify.LogEntry] shared by the SQL
// backends.
type LogRow struct {
	Timestamp  time.Time
	Field      string
	OldValue   string
	NewValue   string
	Source     string
	Confidence string
	Note       string
}

// NewLogRow encodes e.
func NewLogRow(e qualify.LogEntry) (LogRow, error) {
	oldV, err := EncodeValue(e.OldValue)
	if err != nil {
		return LogRow{}, err
	}
	newV, err := EncodeValue(e.NewValue)
	if err != nil {
		return LogRow{}, err
	}
	return LogRow{
		Timestamp:  e.Timestamp,
		Field:      e.Field,
		OldValue:   oldV,
		NewValue:   newV,
		Source:     e.Source.String(),
		Confidence: e.Confidence.String(),
		Note:       e.Note,
	}, nil
}

// Entry decodes r.
func (r LogRow) Entry() (qualify.LogEntry, error) {
	src, err := transcript.ParseSpeaker(r.Source)
	if err != nil {
		return qualify.LogEntry{}, fmt.Errorf("store: decode log source: %w", err)
	}
	oldV, err := DecodeValue(r.OldValue)
	if err != nil {
		return qualify.LogEntry{}, err
	}
	newV, err := DecodeValue(r.NewValue)
	if err != nil {
		return qualify.LogEntry{}, err
	}
	return qualify.LogEntry{
		Timestamp:  r.Timestamp,
		Field:      r.Field,
		OldValue:   oldV,
		NewValue:   newV,
		Source:     src,
		Confidence: qualify.ParseConfidence(r.Confidence),
		Note:       r.Note,
	}, nil
}
