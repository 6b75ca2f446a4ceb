package storage

import (
	"bytes"
	"context"
	"sync"
	"time"

	"github.com/SmitUplenchwar2687/Tapedeck/internal/clock"
)

// MemoryStorage keeps keys in a process-local map. Expiry is judged on the
// supplied clock, so a VirtualClock drives lease timeouts in tests.
type MemoryStorage struct {
	mu    sync.RWMutex
	items map[string]entry
	clock clock.Clock

	stopOnce sync.Once
	stop     chan struct{}
	janitor  sync.WaitGroup
}

type entry struct {
	value   []byte
	expires time.Time // zero never expires
}

func NewMemoryStorage(c clock.Clock) *MemoryStorage {
	return &MemoryStorage{
		items: make(map[string]entry),
		clock: c,
		stop:  make(chan struct{}),
	}
}

func (e entry) live(now time.Time) bool {
	return e.expires.IsZero() || now.Before(e.expires)
}

func (s *MemoryStorage) deadline(exp time.Duration) time.Time {
	if exp <= 0 {
		return time.Time{}
	}
	return s.clock.Now().Add(exp)
}

func (s *MemoryStorage) Get(_ context.Context, key string) ([]byte, error) {
	s.mu.RLock()
	e, ok := s.items[key]
	s.mu.RUnlock()

	if !ok || !e.live(s.clock.Now()) {
		return nil, nil
	}
	return bytes.Clone(e.value), nil
}

func (s *MemoryStorage) Set(_ context.Context, key string, value []byte, exp time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.items[key] = entry{value: bytes.Clone(value), expires: s.deadline(exp)}
	return nil
}

func (s *MemoryStorage) SetNX(_ context.Context, key string, value []byte, exp time.Duration) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if e, ok := s.items[key]; ok && e.live(s.clock.Now()) {
		return false, nil
	}
	s.items[key] = entry{value: bytes.Clone(value), expires: s.deadline(exp)}
	return true, nil
}

func (s *MemoryStorage) CompareAndExpire(_ context.Context, key string, value []byte, exp time.Duration) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.holds(key, value)
	if !ok {
		return false, nil
	}
	e.expires = s.deadline(exp)
	s.items[key] = e
	return true, nil
}

func (s *MemoryStorage) CompareAndDelete(_ context.Context, key string, value []byte) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.holds(key, value); !ok {
		return false, nil
	}
	delete(s.items, key)
	return true, nil
}

// holds requires s.mu.
func (s *MemoryStorage) holds(key string, value []byte) (entry, bool) {
	e, ok := s.items[key]
	if !ok || !e.live(s.clock.Now()) || !bytes.Equal(e.value, value) {
		return entry{}, false
	}
	return e, true
}

func (s *MemoryStorage) Delete(_ context.Context, key string) error {
	s.mu.Lock()
	delete(s.items, key)
	s.mu.Unlock()
	return nil
}

// StartJanitor runs Cleanup every interval on the storage clock until Close.
func (s *MemoryStorage) StartJanitor(interval time.Duration) {
	s.janitor.Add(1)
	go func() {
		defer s.janitor.Done()
		for {
			select {
			case <-s.stop:
				return
			case <-s.clock.After(interval):
				s.Cleanup()
			}
		}
	}()
}

// Close stops the janitor, if any. The data stays readable.
func (s *MemoryStorage) Close() error {
	s.stopOnce.Do(func() { close(s.stop) })
	s.janitor.Wait()
	return nil
}

// Cleanup drops expired keys.
func (s *MemoryStorage) Cleanup() {
	now := s.clock.Now()
	s.mu.Lock()
	defer s.mu.Unlock()
	for key, e := range s.items {
		if !e.live(now) {
			delete(s.items, key)
		}
	}
}

// Len returns the number of items (including expired ones not yet cleaned up).
func (s *MemoryStorage) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.items)
}
