package cache

import (
	"context"
	"sort"
	"sync"
	"time"
)

// MemoryStore keeps entries in process memory.
type MemoryStore struct {
	ttl time.Duration
	now func() time.Time

	mu      sync.Mutex
	entries map[string]Entry
}

type MemoryOption func(*MemoryStore)

// WithClock replaces time.Now, for tests.
func WithClock(now func() time.Time) MemoryOption {
	return func(s *MemoryStore) { s.now = now }
}

func NewMemoryStore(ttl time.Duration, opts ...MemoryOption) *MemoryStore {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	s := &MemoryStore{
		ttl:     ttl,
		now:     time.Now,
		entries: make(map[string]Entry),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *MemoryStore) Put(_ context.Context, key string, e Entry) error {
	data := make([]byte, len(e.Data))
	copy(data, e.Data)

	s.mu.Lock()
	defer s.mu.Unlock()
	s.entries[key] = Entry{Data: data, MIMEType: e.MIMEType, InsertedAt: s.now()}
	return nil
}

func (s *MemoryStore) Get(_ context.Context, key string) (Entry, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.entries[key]
	if !ok {
		return Entry{}, false, nil
	}
	if s.now().Sub(e.InsertedAt) > s.ttl {
		delete(s.entries, key)
		return Entry{}, false, nil
	}
	return e, true, nil
}

// Stats lists live entries sorted by key. Expired entries are dropped.
func (s *MemoryStore) Stats(_ context.Context) (Stats, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	stats := Stats{Entries: []EntryStat{}}
	for key, e := range s.entries {
		age := now.Sub(e.InsertedAt)
		if age > s.ttl {
			delete(s.entries, key)
			continue
		}
		stats.Entries = append(stats.Entries, EntryStat{URL: key, Age: age, Size: len(e.Data)})
	}
	sort.Slice(stats.Entries, func(i, j int) bool { return stats.Entries[i].URL < stats.Entries[j].URL })
	stats.TotalEntries = len(stats.Entries)
	return stats, nil
}

func (s *MemoryStore) Clear(_ context.Context) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := len(s.entries)
	s.entries = make(map[string]Entry)
	return n, nil
}
