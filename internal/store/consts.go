// Package store keeps per-user state that outlives one execution:
// persisted constants and the print buffer.
package store

import (
	"fmt"
	"sync"

	"github.com/wyf7685/nonebot-plugin-exe-code-sub000/pkg/state"
)

// ConstStore persists named values per user as <dir>/<uid>.json.
type ConstStore struct {
	dir string

	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

func NewConstStore(dir string) *ConstStore {
	return &ConstStore{dir: dir, locks: make(map[string]*sync.Mutex)}
}

func (s *ConstStore) Path(uid string) string {
	return state.ConstFile(s.dir, uid)
}

func (s *ConstStore) lock(uid string) *sync.Mutex {
	s.mu.Lock()
	defer s.mu.Unlock()
	l, ok := s.locks[uid]
	if !ok {
		l = &sync.Mutex{}
		s.locks[uid] = l
	}
	return l
}

// Load returns the stored values, creating an empty file on first access.
func (s *ConstStore) Load(uid string) (map[string]any, error) {
	l := s.lock(uid)
	l.Lock()
	defer l.Unlock()
	return s.load(uid)
}

func (s *ConstStore) load(uid string) (map[string]any, error) {
	path := s.Path(uid)
	if err := state.EnsureJSONFile(path, map[string]any{}); err != nil {
		return nil, fmt.Errorf("init const file: %w", err)
	}
	values, err := state.LoadJSONFile[map[string]any](path)
	if err != nil {
		return nil, fmt.Errorf("load const file: %w", err)
	}
	if values == nil {
		values = map[string]any{}
	}
	return values, nil
}

// Set stores value under name. A nil value deletes the entry.
func (s *ConstStore) Set(uid, name string, value any) error {
	l := s.lock(uid)
	l.Lock()
	defer l.Unlock()

	values, err := s.load(uid)
	if err != nil {
		return err
	}
	if value == nil {
		delete(values, name)
	} else {
		values[name] = value
	}
	if err := state.SaveJSONFileIndented(s.Path(uid), values); err != nil {
		return fmt.Errorf("save const file: %w", err)
	}
	return nil
}
