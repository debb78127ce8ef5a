// Package statestore is the single durable keyed container shared by wallet
// configuration, session state and in-flight transaction records. The whole
// map is persisted as one encrypted snapshot on every mutation: transaction
// records must be on disk before the next step runs, so there is no write
// batching here.
package statestore

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"strings"
	"sync"

	"github.com/alexanvl/spankchain-vynos-sub000/internal/securestore"
)

var ErrNotConfigured = errors.New("statestore path and secret are required")

type persistedState struct {
	Version int                        `json:"version"`
	Entries map[string]json.RawMessage `json:"entries"`
}

type Store struct {
	mu     sync.RWMutex
	path   string
	secret string
	data   map[string]json.RawMessage

	watchMu   sync.Mutex
	watchers  map[int]func(key string)
	nextWatch int
}

// Open loads the snapshot at path, creating an empty one if none exists.
func Open(path, secret string) (*Store, error) {
	path = strings.TrimSpace(path)
	secret = strings.TrimSpace(secret)
	if path == "" || secret == "" {
		return nil, ErrNotConfigured
	}
	s := &Store{
		path:     path,
		secret:   secret,
		data:     make(map[string]json.RawMessage),
		watchers: make(map[int]func(string)),
	}
	raw, err := securestore.ReadFile(path, secret)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			if err := s.persistLocked(); err != nil {
				return nil, err
			}
			return s, nil
		}
		return nil, err
	}
	var state persistedState
	if err := json.Unmarshal(raw, &state); err != nil {
		return nil, fmt.Errorf("statestore snapshot is corrupt: %w", err)
	}
	if state.Version != 1 {
		return nil, fmt.Errorf("statestore snapshot version %d is not supported", state.Version)
	}
	if state.Entries != nil {
		s.data = state.Entries
	}
	return s, nil
}

// NewMemory returns a store without a backing file. Used by tests and by
// embedding callers that manage durability themselves.
func NewMemory() *Store {
	return &Store{
		data:     make(map[string]json.RawMessage),
		watchers: make(map[int]func(string)),
	}
}

func (s *Store) Get(key string, out any) (bool, error) {
	s.mu.RLock()
	raw, ok := s.data[key]
	s.mu.RUnlock()
	if !ok {
		return false, nil
	}
	if out == nil {
		return true, nil
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return false, fmt.Errorf("statestore key %q: %w", key, err)
	}
	return true, nil
}

func (s *Store) Has(key string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.data[key]
	return ok
}

// Put writes the value and persists the snapshot before returning. Watchers
// run synchronously after the write has landed.
func (s *Store) Put(key string, v any) error {
	raw, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("statestore key %q: %w", key, err)
	}
	s.mu.Lock()
	prev, hadPrev := s.data[key]
	s.data[key] = raw
	if err := s.persistLocked(); err != nil {
		// Restore the in-memory view so it keeps matching the disk state.
		if hadPrev {
			s.data[key] = prev
		} else {
			delete(s.data, key)
		}
		s.mu.Unlock()
		return err
	}
	s.mu.Unlock()
	s.notify(key)
	return nil
}

func (s *Store) Delete(key string) error {
	s.mu.Lock()
	prev, ok := s.data[key]
	if !ok {
		s.mu.Unlock()
		return nil
	}
	delete(s.data, key)
	if err := s.persistLocked(); err != nil {
		s.data[key] = prev
		s.mu.Unlock()
		return err
	}
	s.mu.Unlock()
	s.notify(key)
	return nil
}

// Watch registers a change callback fired with the mutated key. The returned
// cancel func is idempotent.
func (s *Store) Watch(fn func(key string)) (cancel func()) {
	s.watchMu.Lock()
	id := s.nextWatch
	s.nextWatch++
	s.watchers[id] = fn
	s.watchMu.Unlock()
	return func() {
		s.watchMu.Lock()
		delete(s.watchers, id)
		s.watchMu.Unlock()
	}
}

func (s *Store) notify(key string) {
	s.watchMu.Lock()
	fns := make([]func(string), 0, len(s.watchers))
	for _, fn := range s.watchers {
		fns = append(fns, fn)
	}
	s.watchMu.Unlock()
	for _, fn := range fns {
		fn(key)
	}
}

func (s *Store) persistLocked() error {
	if s.path == "" {
		return nil
	}
	payload, err := json.Marshal(persistedState{Version: 1, Entries: s.data})
	if err != nil {
		return err
	}
	return securestore.WriteFile(s.path, s.secret, payload)
}
