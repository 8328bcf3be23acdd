// Package mock provides an in-memory [store.Store] for tests.
package mock

import (
	"context"
	"fmt"
	"maps"
	"slices"
	"sync"
	"time"

	"github.com/MrWong99/qualivox/internal/qualify"
	"github.com/MrWong99/qualivox/internal/store"
	"github.com/MrWong99/qualivox/internal/transcript"
)

var _ store.Store = (*Store)(nil)

// Store keeps everything in maps. Err, if set, is returned by every write and
// by Ping.
type Store struct {
	mu         sync.Mutex
	calls      map[string]store.Call
	transcript map[string][]transcript.Entry
	log        map[string][]qualify.LogEntry
	closed     bool

	Err error
}

// New returns an empty Store.
func New() *Store {
	return &Store{
		calls:      make(map[string]store.Call),
		transcript: make(map[string][]transcript.Entry),
		log:        make(map[string][]qualify.LogEntry),
	}
}

// StartCall implements store.Writer.
func (s *Store) StartCall(_ context.Context, c store.Call) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.Err != nil {
		return s.Err
	}
	if _, ok := s.calls[c.ID]; ok {
		return fmt.Errorf("mock store: call %s exists", c.ID)
	}
	s.calls[c.ID] = c
	return nil
}

// AppendTranscript implements store.Writer.
func (s *Store) AppendTranscript(_ context.Context, callID string, e transcript.Entry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.Err != nil {
		return s.Err
	}
	s.transcript[callID] = append(s.transcript[callID], e)
	return nil
}

// AppendLog implements store.Writer.
func (s *Store) AppendLog(_ context.Context, callID string, e qualify.LogEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.Err != nil {
		return s.Err
	}
	s.log[callID] = append(s.log[callID], e)
	return nil
}

// EndCall implements store.Writer.
func (s *Store) EndCall(_ context.Context, callID string, endedAt time.Time, record map[string]any) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.Err != nil {
		return s.Err
	}
	c, ok := s.calls[callID]
	if !ok {
		return store.ErrNotFound
	}
	c.EndedAt = endedAt
	c.Record = maps.Clone(record)
	s.calls[callID] = c
	return nil
}

// GetCall implements store.Reader.
func (s *Store) GetCall(_ context.Context, callID string) (store.Call, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.calls[callID]
	if !ok {
		return store.Call{}, store.ErrNotFound
	}
	c.Record = maps.Clone(c.Record)
	return c, nil
}

// Transcript implements store.Reader.
func (s *Store) Transcript(_ context.Context, callID string) ([]transcript.Entry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return slices.Clone(s.transcript[callID]), nil
}

// Log implements store.Reader.
func (s *Store) Log(_ context.Context, callID string) ([]qualify.LogEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return slices.Clone(s.log[callID]), nil
}

// Ping implements store.Store.
func (s *Store) Ping(context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.Err
}

// Close implements store.Store.
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}

// Closed reports whether Close was called.
func (s *Store) Closed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

// CallIDs returns every started call ID, sorted.
func (s *Store) CallIDs() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return slices.Sorted(maps.Keys(s.calls))
}
