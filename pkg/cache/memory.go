package cache

import (
	"context"
	"sync"
	"time"
)

type entry struct {
	allowed   bool
	stampedAt int64
	expires   time.Time
}

// MemoryStore is an in-process Cache backed by a map plus two reverse
// indexes (by object, by subject) so invalidation never needs to scan the
// whole table, mirroring the tuple store's own index-per-access-pattern
// design (pkg/store.MemoryStore).
type MemoryStore struct {
	mu  sync.RWMutex
	ttl time.Duration

	entries map[string]entry

	// byObject maps "namespace:objectID" to the set of cache keys that
	// were computed while evaluating a check against that object.
	byObject map[string]map[string]struct{}
	// bySubject maps a subject string to the set of cache keys computed
	// for a check issued against that subject.
	bySubject map[string]map[string]struct{}

	now func() time.Time
}

// NewMemoryStore constructs a MemoryStore with the given TTL. A zero TTL
// selects DefaultTTL.
func NewMemoryStore(ttl time.Duration) *MemoryStore {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &MemoryStore{
		ttl:       ttl,
		entries:   make(map[string]entry),
		byObject:  make(map[string]map[string]struct{}),
		bySubject: make(map[string]map[string]struct{}),
		now:       time.Now,
	}
}

func objectIndexKey(namespace, objectID string) string {
	return namespace + ":" + objectID
}

func (m *MemoryStore) Get(_ context.Context, k Key) (bool, int64, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	e, ok := m.entries[k.String()]
	if !ok || m.now().After(e.expires) {
		return false, 0, false, nil
	}
	return e.allowed, e.stampedAt, true, nil
}

func (m *MemoryStore) Set(_ context.Context, k Key, allowed bool, stampedAt int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	ks := k.String()
	m.entries[ks] = entry{allowed: allowed, stampedAt: stampedAt, expires: m.now().Add(m.ttl)}

	oKey := objectIndexKey(k.Namespace, k.ObjectID)
	if m.byObject[oKey] == nil {
		m.byObject[oKey] = make(map[string]struct{})
	}
	m.byObject[oKey][ks] = struct{}{}

	if m.bySubject[k.Subject] == nil {
		m.bySubject[k.Subject] = make(map[string]struct{})
	}
	m.bySubject[k.Subject][ks] = struct{}{}

	return nil
}

func (m *MemoryStore) InvalidateObject(_ context.Context, namespace, objectID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	oKey := objectIndexKey(namespace, objectID)
	for ks := range m.byObject[oKey] {
		delete(m.entries, ks)
	}
	delete(m.byObject, oKey)
	return nil
}

func (m *MemoryStore) InvalidateSubject(_ context.Context, subject string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	for ks := range m.bySubject[subject] {
		delete(m.entries, ks)
	}
	delete(m.bySubject, subject)
	return nil
}
