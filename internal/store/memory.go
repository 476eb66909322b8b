package store

import (
	"context"
	"path"
	"sort"
	"sync"
)

// Compile-time interface check.
var _ Store = (*MemoryStore)(nil)

// MemoryStore is an in-process Store. Several users sharing one MemoryStore
// can match and signal each other without any external service, which is
// how the tests and the demo command run.
type MemoryStore struct {
	mu       sync.Mutex
	values   map[string][]byte
	watchers map[string]map[*memorySubscription]struct{}
	closed   bool
}

// NewMemoryStore returns an empty store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		values:   make(map[string][]byte),
		watchers: make(map[string]map[*memorySubscription]struct{}),
	}
}

func (s *MemoryStore) Read(_ context.Context, p string) ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, ErrClosed
	}
	v, ok := s.values[p]
	if !ok {
		return nil, ErrNotFound
	}
	return append([]byte(nil), v...), nil
}

func (s *MemoryStore) Write(ctx context.Context, p string, value []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}
	v := append([]byte(nil), value...)
	s.values[p] = v
	s.notifyLocked(Change{Path: p, Value: v, Exists: true})
	return nil
}

func (s *MemoryStore) Delete(ctx context.Context, p string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}
	delete(s.values, p)
	s.notifyLocked(Change{Path: p})
	return nil
}

// Touch only checks that path exists. Values in a MemoryStore never expire.
func (s *MemoryStore) Touch(ctx context.Context, p string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}
	if _, ok := s.values[p]; !ok {
		return ErrNotFound
	}
	return nil
}

func (s *MemoryStore) notifyLocked(c Change) {
	for sub := range s.watchers[c.Path] {
		sub.box.Put(c)
	}
}

func (s *MemoryStore) Watch(_ context.Context, p string) (Subscription, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, ErrClosed
	}

	sub := &memorySubscription{store: s, path: p, box: NewMailbox[Change]()}
	if s.watchers[p] == nil {
		s.watchers[p] = make(map[*memorySubscription]struct{})
	}
	s.watchers[p][sub] = struct{}{}

	initial := Change{Path: p}
	if v, ok := s.values[p]; ok {
		initial.Value = v
		initial.Exists = true
	}
	sub.box.Put(initial)
	return sub, nil
}

// QueryEqual returns matches sorted by key.
func (s *MemoryStore) QueryEqual(ctx context.Context, collection, fieldPath, value string) ([]Entry, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	pattern, ok := QueryPattern(collection, fieldPath)
	if !ok {
		return nil, nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, ErrClosed
	}

	var entries []Entry
	for p, v := range s.values {
		if matched, _ := path.Match(pattern, p); !matched {
			continue
		}
		if key, ok := MatchEntry(p, v, collection, fieldPath, value); ok {
			entries = append(entries, Entry{Key: key, Value: append([]byte(nil), v...)})
		}
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].Key < entries[j].Key })
	return entries, nil
}

// Close ends every subscription with ErrClosed and rejects further calls.
func (s *MemoryStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	for _, subs := range s.watchers {
		for sub := range subs {
			sub.err = ErrClosed
			sub.box.Close()
		}
	}
	s.watchers = nil
	return nil
}

type memorySubscription struct {
	store *MemoryStore
	path  string
	box   *Mailbox[Change]
	err   error
}

func (m *memorySubscription) Changes() <-chan Change { return m.box.C() }

func (m *memorySubscription) Err() error {
	m.store.mu.Lock()
	defer m.store.mu.Unlock()
	return m.err
}

func (m *memorySubscription) Close() error {
	m.store.mu.Lock()
	defer m.store.mu.Unlock()
	if subs := m.store.watchers[m.path]; subs != nil {
		delete(subs, m)
		if len(subs) == 0 {
			delete(m.store.watchers, m.path)
		}
	}
	m.box.Close()
	return nil
}
