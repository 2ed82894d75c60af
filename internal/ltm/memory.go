package ltm

import (
	"context"
	"sort"
	"sync"
	"time"
)

// MemoryStore keeps entries for the life of the process only.
type MemoryStore struct {
	mu      sync.RWMutex
	entries map[string]map[string]Entry
	now     func() time.Time
}

var _ Store = (*MemoryStore)(nil)

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{entries: map[string]map[string]Entry{}, now: time.Now}
}

func (s *MemoryStore) Write(ctx context.Context, scope, key string, value any) error {
	if err := checkKey(scope, key); err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	raw, err := encode(value)
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	bucket, ok := s.entries[scope]
	if !ok {
		bucket = map[string]Entry{}
		s.entries[scope] = bucket
	}
	bucket[key] = Entry{Key: key, Value: append([]byte(nil), raw...), StoredAt: s.now().UTC()}
	return nil
}

func (s *MemoryStore) Read(ctx context.Context, scope, key string) (Entry, error) {
	if err := checkKey(scope, key); err != nil {
		return Entry{}, err
	}
	if err := ctx.Err(); err != nil {
		return Entry{}, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	e, ok := s.entries[scope][key]
	if !ok {
		return Entry{}, ErrNotFound
	}
	e.Value = append([]byte(nil), e.Value...)
	return e, nil
}

func (s *MemoryStore) ListKeys(ctx context.Context, scope string) ([]string, error) {
	if err := checkName(scope); err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	keys := make([]string, 0, len(s.entries[scope]))
	for k := range s.entries[scope] {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys, nil
}

func (s *MemoryStore) Delete(ctx context.Context, scope, key string) error {
	if err := checkKey(scope, key); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.entries[scope][key]; !ok {
		return ErrNotFound
	}
	delete(s.entries[scope], key)
	return nil
}

func (s *MemoryStore) Kind() string  { return "memory" }
func (s *MemoryStore) Durable() bool { return false }
func (s *MemoryStore) Close() error  { return nil }
