package store

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/relatehq/engine/pkg/tuple"
)

// MemoryStore is an in-memory TupleStore maintaining four independent
// indexes, each keyed and clustered for the lookup pattern it serves. It
// is the reference implementation used by unit tests and by
// single-process deployments that don't need durability across restarts.
type MemoryStore struct {
	mu sync.RWMutex

	// primary: (namespace, object_id) -> (relation, user_type, user_id) -> tuple
	primary map[string]map[string]tuple.RelationTuple
	// bySubject: (user_id, user_type) -> (namespace, object_id, relation) -> tuple
	bySubject map[string]map[string]tuple.RelationTuple
	// byObjectPermission mirrors primary's partition but is kept
	// distinct to reflect that it serves a different query shape
	// ("who has any relation on O") even though its contents coincide.
	byObjectPermission map[string]map[string]tuple.RelationTuple
	// byRelation: (namespace, relation) -> (object_id, user_type, user_id) -> tuple
	byRelation map[string]map[string]tuple.RelationTuple
}

// NewMemoryStore returns an empty, ready-to-use MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		primary:            make(map[string]map[string]tuple.RelationTuple),
		bySubject:          make(map[string]map[string]tuple.RelationTuple),
		byObjectPermission: make(map[string]map[string]tuple.RelationTuple),
		byRelation:         make(map[string]map[string]tuple.RelationTuple),
	}
}

func primaryPartition(ns, objID string) string { return ns + "\x00" + objID }
func primaryCluster(t tuple.RelationTuple) string {
	return t.Relation + "\x00" + t.UserType + "\x00" + t.UserID
}
func subjectPartition(userType, userID string) string { return userID + "\x00" + userType }
func subjectCluster(t tuple.RelationTuple) string {
	return t.Namespace + "\x00" + t.ObjectID + "\x00" + t.Relation
}
func relationPartition(ns, relation string) string { return ns + "\x00" + relation }
func relationCluster(t tuple.RelationTuple) string {
	return t.ObjectID + "\x00" + t.UserType + "\x00" + t.UserID
}

// Insert writes t into all four indexes. Re-inserting an existing key is
// idempotent and does not rewind the stored CreatedAt.
func (m *MemoryStore) Insert(_ context.Context, t tuple.RelationTuple) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	pPart, pClust := primaryPartition(t.Namespace, t.ObjectID), primaryCluster(t)
	if bucket, ok := m.primary[pPart]; ok {
		if existing, ok := bucket[pClust]; ok {
			t.CreatedAt = existing.CreatedAt
		}
	}
	if t.CreatedAt.IsZero() {
		t.CreatedAt = time.Now().UTC()
	}

	insertInto(m.primary, pPart, pClust, t)
	insertInto(m.byObjectPermission, pPart, pClust, t)
	insertInto(m.bySubject, subjectPartition(t.UserType, t.UserID), subjectCluster(t), t)
	insertInto(m.byRelation, relationPartition(t.Namespace, t.Relation), relationCluster(t), t)
	return nil
}

func insertInto(idx map[string]map[string]tuple.RelationTuple, partition, cluster string, t tuple.RelationTuple) {
	bucket, ok := idx[partition]
	if !ok {
		bucket = make(map[string]tuple.RelationTuple)
		idx[partition] = bucket
	}
	bucket[cluster] = t
}

// Delete removes t from all four indexes. A missing entry is a no-op.
func (m *MemoryStore) Delete(_ context.Context, t tuple.RelationTuple) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	deleteFrom(m.primary, primaryPartition(t.Namespace, t.ObjectID), primaryCluster(t))
	deleteFrom(m.byObjectPermission, primaryPartition(t.Namespace, t.ObjectID), primaryCluster(t))
	deleteFrom(m.bySubject, subjectPartition(t.UserType, t.UserID), subjectCluster(t))
	deleteFrom(m.byRelation, relationPartition(t.Namespace, t.Relation), relationCluster(t))
	return nil
}

func deleteFrom(idx map[string]map[string]tuple.RelationTuple, partition, cluster string) {
	bucket, ok := idx[partition]
	if !ok {
		return
	}
	delete(bucket, cluster)
	if len(bucket) == 0 {
		delete(idx, partition)
	}
}

// FindDirect probes the exact tuple on the Primary index.
func (m *MemoryStore) FindDirect(_ context.Context, k tuple.Key) (bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	bucket, ok := m.primary[primaryPartition(k.Namespace, k.ObjectID)]
	if !ok {
		return false, nil
	}
	_, ok = bucket[k.Relation+"\x00"+k.UserType+"\x00"+k.UserID]
	return ok, nil
}

// FindTuplesFor enumerates tuples on (namespace, object_id, relation).
func (m *MemoryStore) FindTuplesFor(_ context.Context, namespace, objectID, relation string) ([]tuple.RelationTuple, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	bucket, ok := m.primary[primaryPartition(namespace, objectID)]
	if !ok {
		return nil, nil
	}
	prefix := relation + "\x00"
	var out []tuple.RelationTuple
	for cluster, t := range bucket {
		if strings.HasPrefix(cluster, prefix) {
			out = append(out, t)
		}
	}
	return out, nil
}

// FindMemberships enumerates tuples by subject.
func (m *MemoryStore) FindMemberships(_ context.Context, userType, userID string) ([]tuple.RelationTuple, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	bucket, ok := m.bySubject[subjectPartition(userType, userID)]
	if !ok {
		return nil, nil
	}
	out := make([]tuple.RelationTuple, 0, len(bucket))
	for _, t := range bucket {
		out = append(out, t)
	}
	return out, nil
}

// Read serves the general filtered enumeration behind the API's Read
// operation. Namespace+ObjectID picks the Primary index; otherwise
// Namespace+Relation picks the By-relation index; otherwise a populated
// UserID+UserType pair picks the By-subject index; otherwise Namespace
// alone scans the Primary partitions of that namespace. Anything else is
// unindexed and rejected.
func (m *MemoryStore) Read(_ context.Context, filter ReadFilter) (Page, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var candidates []tuple.RelationTuple

	switch {
	case filter.Namespace != "" && filter.ObjectID != "":
		bucket := m.primary[primaryPartition(filter.Namespace, filter.ObjectID)]
		for _, t := range bucket {
			candidates = append(candidates, t)
		}
	case filter.Namespace != "" && filter.Relation != "":
		bucket := m.byRelation[relationPartition(filter.Namespace, filter.Relation)]
		for _, t := range bucket {
			candidates = append(candidates, t)
		}
	case filter.UserID != "" && filter.UserType != "":
		bucket := m.bySubject[subjectPartition(filter.UserType, filter.UserID)]
		for _, t := range bucket {
			candidates = append(candidates, t)
		}
	case filter.Namespace != "":
		for part, bucket := range m.primary {
			if strings.HasPrefix(part, filter.Namespace+"\x00") {
				for _, t := range bucket {
					candidates = append(candidates, t)
				}
			}
		}
	default:
		return Page{}, ErrUnindexedFilter
	}

	candidates = applyResidualFilters(candidates, filter)
	sort.Slice(candidates, func(i, j int) bool { return less(candidates[i].Key(), candidates[j].Key()) })

	return paginate(candidates, filter)
}

func applyResidualFilters(in []tuple.RelationTuple, f ReadFilter) []tuple.RelationTuple {
	out := in[:0:0]
	for _, t := range in {
		if f.Relation != "" && t.Relation != f.Relation {
			continue
		}
		if f.UserType != "" && t.UserType != f.UserType {
			continue
		}
		if f.UserID != "" && t.UserID != f.UserID {
			continue
		}
		if f.ObjectID != "" && t.ObjectID != f.ObjectID {
			continue
		}
		out = append(out, t)
	}
	return out
}

func less(a, b tuple.Key) bool {
	if a.Namespace != b.Namespace {
		return a.Namespace < b.Namespace
	}
	if a.ObjectID != b.ObjectID {
		return a.ObjectID < b.ObjectID
	}
	if a.Relation != b.Relation {
		return a.Relation < b.Relation
	}
	if a.UserType != b.UserType {
		return a.UserType < b.UserType
	}
	return a.UserID < b.UserID
}
