// Package cache memoizes Check results so that repeated permission checks
// against an unchanged tuple set avoid re-running the recursive evaluator.
// Entries are addressed by the exact (namespace, object, relation,
// subject) tuple that produced them, are stamped with the time they were
// computed rather than keyed by zookie, and carry a bounded TTL as a
// backstop; the primary invalidation path is explicit, triggered by Write
// and Delete on the namespace/object the entry depended on (see
// "new-enemy problem").
package cache

import (
	"context"
	"fmt"
	"time"
)

// Key identifies one memoized Check result. Every field is part of the
// cache identity: a check is only a cache hit against the exact
// namespace/object/relation/subject it was computed for, never a looser
// match. The zookie is deliberately NOT part of the key (§4.4): a single
// entry serves every Check against this tuple regardless of the caller's
// input zookie, and StampedAt is what lets Get decide whether that entry
// is fresh enough for a particular caller's consistency demand.
type Key struct {
	Namespace string
	ObjectID  string
	Relation  string
	Subject   string // "user:alice" or "team:t1#member"
}

// String renders the key in the colon-delimited form used as the literal
// cache backend key, e.g. "check:document:d1#viewer@user:alice".
func (k Key) String() string {
	return fmt.Sprintf("check:%s:%s#%s@%s", k.Namespace, k.ObjectID, k.Relation, k.Subject)
}

// Cache memoizes boolean Check results, keyed by Key, and supports
// invalidating every entry that could have been influenced by a write or
// delete to a given (namespace, object) pair. Implementations must be
// safe for concurrent use.
type Cache interface {
	// Get reports the cached result for k, if present and unexpired,
	// along with the microsecond timestamp it was stamped with. Per
	// §4.4/§8 invariant 7, a caller holding an input zookie must bypass
	// (treat as miss) any entry whose stampedAt predates that zookie —
	// Get itself is zookie-agnostic; that comparison is the checker's
	// job, using the returned stampedAt.
	Get(ctx context.Context, k Key) (allowed bool, stampedAt int64, found bool, err error)

	// Set memoizes allowed for k, stamped at stampedAt (microseconds),
	// with the cache's configured TTL.
	Set(ctx context.Context, k Key, allowed bool, stampedAt int64) error

	// InvalidateObject drops every cached entry for (namespace, objectID),
	// regardless of relation, subject, or zookie. Called after every
	// Write/Delete so that a relationship change is visible on the next
	// Check even if a stale zookie would otherwise still cache-hit.
	InvalidateObject(ctx context.Context, namespace, objectID string) error

	// InvalidateSubject drops every cached entry keyed on this exact
	// subject string (e.g. "user:alice" or "team:t1#member"). A tuple
	// naming a userset as its user_id can affect checks keyed on that
	// userset string elsewhere in the graph, so writes to a membership
	// tuple invalidate both the membership object and, where the written
	// tuple's resulting userset string is known, the subject entries too.
	InvalidateSubject(ctx context.Context, subject string) error
}

// DefaultTTL is used when a Cache implementation is constructed without
// an explicit TTL override (the CACHE_TTL env var overrides it).
const DefaultTTL = 5 * time.Minute
