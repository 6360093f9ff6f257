// Package session persists the current session's user identity across
// restarts in a small WAL-backed key-value cache.
package session

import (
	"sync"

	"github.com/pkg/errors"
	"github.com/vadiminshakov/gowal"
)

const (
	defaultSessionDir   = "./wal/session"
	sessionSegmentLimit = 1000
	sessionMaxSegments  = 10
)

// UserIDKey is the key the engine reads once at subscription setup.
const UserIDKey = "user_id"

// Store is a string-keyed get/set/remove cache. Writes are appended to the
// WAL; the latest entry per key wins, an empty payload is a tombstone.
type Store struct {
	wal *gowal.Wal

	mu     sync.RWMutex
	values map[string]string
}

// NewStore opens the cache under the provided directory and replays the WAL
// into memory.
func NewStore(dir string) (*Store, error) {
	if dir == "" {
		dir = defaultSessionDir
	}

	w, err := gowal.NewWAL(gowal.Config{
		Dir:              dir,
		Prefix:           "session_",
		SegmentThreshold: sessionSegmentLimit,
		MaxSegments:      sessionMaxSegments,
		IsInSyncDiskMode: true,
	})
	if err != nil {
		return nil, errors.Wrap(err, "init session WAL")
	}

	values := make(map[string]string)
	for m := range w.Iterator() {
		if len(m.Value) == 0 {
			delete(values, m.Key)
			continue
		}
		values[m.Key] = string(m.Value)
	}

	return &Store{wal: w, values: values}, nil
}

// Set stores the value under the key.
func (s *Store) Set(key, value string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.wal.Write(s.wal.CurrentIndex()+1, key, []byte(value)); err != nil {
		return errors.Wrapf(err, "write session key %q", key)
	}
	s.values[key] = value
	return nil
}

// Get returns the value for the key and whether it is present.
func (s *Store) Get(key string) (string, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	v, ok := s.values[key]
	return v, ok
}

// Remove deletes the key by appending a tombstone.
func (s *Store) Remove(key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.values[key]; !ok {
		return nil
	}
	if err := s.wal.Write(s.wal.CurrentIndex()+1, key, nil); err != nil {
		return errors.Wrapf(err, "tombstone session key %q", key)
	}
	delete(s.values, key)
	return nil
}

// Close closes the underlying WAL.
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.wal.Close()
}
