// Package store implements durable storage of relation tuples across
// four derived indexes the checker needs: every read reduces to a
// single indexed lookup, never a full scan.
package store

import (
	"context"
	"errors"
	"fmt"

	"github.com/relatehq/engine/pkg/tuple"
)

// StorageError wraps any failure the underlying storage engine surfaces.
// Callers must treat a failed insert's tuple state as undefined and may
// retry.
type StorageError struct {
	Op  string
	Err error
}

func (e *StorageError) Error() string {
	return fmt.Sprintf("store: %s: %v", e.Op, e.Err)
}

func (e *StorageError) Unwrap() error { return e.Err }

func wrapStorageError(op string, err error) error {
	if err == nil {
		return nil
	}
	return &StorageError{Op: op, Err: err}
}

// ErrNotFound names the absent-tuple condition. No TupleStore method
// returns it: FindDirect reports false and the enumerating lookups return
// an empty result.
var ErrNotFound = errors.New("store: tuple not found")

// ReadFilter selects tuples for the Read operation. Any subset of
// the five tuple fields may be populated; the most selective populated
// prefix determines which index serves the query.
type ReadFilter struct {
	Namespace string
	ObjectID  string
	Relation  string
	UserType  string
	UserID    string

	PageSize  int
	PageToken string
}

// ErrUnindexedFilter is returned when a ReadFilter's populated fields do
// not form a prefix of any of the four indexes.
var ErrUnindexedFilter = errors.New("store: filter does not match any index prefix")

// Page is the result of a Read: a slice of tuples plus an opaque
// continuation token, analogous in spirit to the zookie's opacity.
type Page struct {
	Tuples        []tuple.RelationTuple
	NextPageToken string
}

// TupleStore is the persistent, indexed tuple store contract.
// Implementations must keep the four derived indexes mutually consistent:
// a tuple exists in all four or in none.
type TupleStore interface {
	// Insert writes the tuple to every index atomically from the
	// caller's point of view. Idempotent: re-inserting an existing key
	// does not rewind its stored CreatedAt.
	Insert(ctx context.Context, t tuple.RelationTuple) error

	// Delete removes the tuple from every index. A missing entry is not
	// an error.
	Delete(ctx context.Context, t tuple.RelationTuple) error

	// FindDirect probes the exact tuple on the Primary index.
	FindDirect(ctx context.Context, k tuple.Key) (bool, error)

	// FindTuplesFor enumerates tuples on (namespace, object_id, relation)
	// via a Primary-index prefix scan — the candidate usersets for an
	// indirect grant.
	FindTuplesFor(ctx context.Context, namespace, objectID, relation string) ([]tuple.RelationTuple, error)

	// FindMemberships enumerates tuples by subject via a By-subject
	// prefix scan — used for debugging and cache-invalidation key
	// derivation.
	FindMemberships(ctx context.Context, userType, userID string) ([]tuple.RelationTuple, error)

	// Read serves the general filtered enumeration behind the API's Read
	// operation, choosing whichever index the filter's populated prefix
	// selects.
	Read(ctx context.Context, filter ReadFilter) (Page, error)
}
