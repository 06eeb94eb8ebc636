package store

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	"github.com/relatehq/engine/pkg/tuple"
)

// schemaSQL creates the single physical table and the secondary indexes
// that, together with its primary key, realize the four logical indexes
// in a single table. Postgres has no notion of separate index-backed partitions
// the way a Bigtable-style store does, so the Primary and By-object-
// permission indexes collapse onto the same (namespace, object_id)
// leading columns; the primary key already serves both.
const schemaSQL = `
CREATE TABLE IF NOT EXISTS relation_tuples (
	namespace  TEXT NOT NULL,
	object_id  TEXT NOT NULL,
	relation   TEXT NOT NULL,
	user_type  TEXT NOT NULL,
	user_id    TEXT NOT NULL,
	created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
	PRIMARY KEY (namespace, object_id, relation, user_type, user_id)
);
CREATE INDEX IF NOT EXISTS idx_tuples_by_subject ON relation_tuples(user_id, user_type, namespace, object_id, relation);
CREATE INDEX IF NOT EXISTS idx_tuples_by_relation ON relation_tuples(namespace, relation, object_id, user_type, user_id);
`

// PostgresStore is a TupleStore backed by PostgreSQL via lib/pq: a thin
// wrapper around *sql.DB using parameterized ExecContext/QueryContext
// calls.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore wraps an already-opened *sql.DB. Callers register the
// "postgres" driver themselves (blank-import github.com/lib/pq).
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

// Init creates the table and indexes if they do not already exist.
func (p *PostgresStore) Init(ctx context.Context) error {
	if _, err := p.db.ExecContext(ctx, schemaSQL); err != nil {
		return wrapStorageError("init schema", err)
	}
	return nil
}

const insertSQL = `
INSERT INTO relation_tuples (namespace, object_id, relation, user_type, user_id)
VALUES ($1, $2, $3, $4, $5)
ON CONFLICT (namespace, object_id, relation, user_type, user_id) DO NOTHING
`

// Insert writes t to the shared table. The ON CONFLICT DO NOTHING clause
// makes this idempotent and leaves created_at untouched on a repeat
// insert.
func (p *PostgresStore) Insert(ctx context.Context, t tuple.RelationTuple) error {
	_, err := p.db.ExecContext(ctx, insertSQL, t.Namespace, t.ObjectID, t.Relation, t.UserType, t.UserID)
	if err != nil {
		return wrapStorageError("insert", err)
	}
	return nil
}

const deleteSQL = `
DELETE FROM relation_tuples
WHERE namespace = $1 AND object_id = $2 AND relation = $3 AND user_type = $4 AND user_id = $5
`

// Delete removes t. A missing row is not an error.
func (p *PostgresStore) Delete(ctx context.Context, t tuple.RelationTuple) error {
	_, err := p.db.ExecContext(ctx, deleteSQL, t.Namespace, t.ObjectID, t.Relation, t.UserType, t.UserID)
	if err != nil {
		return wrapStorageError("delete", err)
	}
	return nil
}

const findDirectSQL = `
SELECT 1 FROM relation_tuples
WHERE namespace = $1 AND object_id = $2 AND relation = $3 AND user_type = $4 AND user_id = $5
LIMIT 1
`

// FindDirect probes the exact tuple.
func (p *PostgresStore) FindDirect(ctx context.Context, k tuple.Key) (bool, error) {
	var one int
	err := p.db.QueryRowContext(ctx, findDirectSQL, k.Namespace, k.ObjectID, k.Relation, k.UserType, k.UserID).Scan(&one)
	switch {
	case err == sql.ErrNoRows:
		return false, nil
	case err != nil:
		return false, wrapStorageError("find_direct", err)
	default:
		return true, nil
	}
}

const findTuplesForSQL = `
SELECT namespace, object_id, relation, user_type, user_id, created_at FROM relation_tuples
WHERE namespace = $1 AND object_id = $2 AND relation = $3
`

// FindTuplesFor enumerates candidate usersets on (namespace, object_id, relation).
func (p *PostgresStore) FindTuplesFor(ctx context.Context, namespace, objectID, relation string) ([]tuple.RelationTuple, error) {
	rows, err := p.db.QueryContext(ctx, findTuplesForSQL, namespace, objectID, relation)
	if err != nil {
		return nil, wrapStorageError("find_tuples_for", err)
	}
	defer func() { _ = rows.Close() }()
	return scanTuples(rows)
}

const findMembershipsSQL = `
SELECT namespace, object_id, relation, user_type, user_id, created_at FROM relation_tuples
WHERE user_id = $1 AND user_type = $2
`

// FindMemberships enumerates tuples by subject.
func (p *PostgresStore) FindMemberships(ctx context.Context, userType, userID string) ([]tuple.RelationTuple, error) {
	rows, err := p.db.QueryContext(ctx, findMembershipsSQL, userID, userType)
	if err != nil {
		return nil, wrapStorageError("find_memberships", err)
	}
	defer func() { _ = rows.Close() }()
	return scanTuples(rows)
}

// Read serves the general filtered enumeration. The query is built
// dynamically from whichever filter fields are populated, ordered by the
// same key used for the opaque page token so pagination is stable.
func (p *PostgresStore) Read(ctx context.Context, filter ReadFilter) (Page, error) {
	if !hasIndexablePrefix(filter) {
		return Page{}, ErrUnindexedFilter
	}

	var (
		clauses []string
		args    []any
	)
	add := func(col, val string) {
		args = append(args, val)
		clauses = append(clauses, fmt.Sprintf("%s = $%d", col, len(args)))
	}
	if filter.Namespace != "" {
		add("namespace", filter.Namespace)
	}
	if filter.ObjectID != "" {
		add("object_id", filter.ObjectID)
	}
	if filter.Relation != "" {
		add("relation", filter.Relation)
	}
	if filter.UserType != "" {
		add("user_type", filter.UserType)
	}
	if filter.UserID != "" {
		add("user_id", filter.UserID)
	}

	if filter.PageToken != "" {
		after, err := decodePageToken(filter.PageToken)
		if err != nil {
			return Page{}, err
		}
		args = append(args, after.Namespace, after.ObjectID, after.Relation, after.UserType, after.UserID)
		clauses = append(clauses, fmt.Sprintf("(namespace, object_id, relation, user_type, user_id) > ($%d, $%d, $%d, $%d, $%d)",
			len(args)-4, len(args)-3, len(args)-2, len(args)-1, len(args)))
	}

	size := filter.PageSize
	if size <= 0 {
		size = defaultPageSize
	}

	query := "SELECT namespace, object_id, relation, user_type, user_id, created_at FROM relation_tuples"
	if len(clauses) > 0 {
		query += " WHERE " + strings.Join(clauses, " AND ")
	}
	query += " ORDER BY namespace, object_id, relation, user_type, user_id"
	query += fmt.Sprintf(" LIMIT %d", size+1)

	rows, err := p.db.QueryContext(ctx, query, args...)
	if err != nil {
		return Page{}, wrapStorageError("read", err)
	}
	defer func() { _ = rows.Close() }()

	tuples, err := scanTuples(rows)
	if err != nil {
		return Page{}, err
	}

	var next string
	if len(tuples) > size {
		tuples = tuples[:size]
		next = encodePageToken(tuples[len(tuples)-1].Key())
	}
	return Page{Tuples: tuples, NextPageToken: next}, nil
}

// hasIndexablePrefix mirrors the in-memory store's prefix rule: the
// filter must include namespace (the leading column of the primary key
// and the by-relation index), or name both user_id and user_type.
func hasIndexablePrefix(f ReadFilter) bool {
	return f.Namespace != "" || (f.UserID != "" && f.UserType != "")
}

func scanTuples(rows *sql.Rows) ([]tuple.RelationTuple, error) {
	var out []tuple.RelationTuple
	for rows.Next() {
		var t tuple.RelationTuple
		if err := rows.Scan(&t.Namespace, &t.ObjectID, &t.Relation, &t.UserType, &t.UserID, &t.CreatedAt); err != nil {
			return nil, wrapStorageError("scan", err)
		}
		out = append(out, t)
	}
	if err := rows.Err(); err != nil {
		return nil, wrapStorageError("rows", err)
	}
	return out, nil
}
