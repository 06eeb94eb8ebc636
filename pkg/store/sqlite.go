package store

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	"github.com/relatehq/engine/pkg/tuple"

	_ "modernc.org/sqlite"
)

// sqliteSchemaSQL mirrors schemaSQL but uses SQLite-compatible types;
// SQLite's dynamic typing accepts TEXT/DATETIME freely.
const sqliteSchemaSQL = `
CREATE TABLE IF NOT EXISTS relation_tuples (
	namespace  TEXT NOT NULL,
	object_id  TEXT NOT NULL,
	relation   TEXT NOT NULL,
	user_type  TEXT NOT NULL,
	user_id    TEXT NOT NULL,
	created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
	PRIMARY KEY (namespace, object_id, relation, user_type, user_id)
);
CREATE INDEX IF NOT EXISTS idx_tuples_by_subject ON relation_tuples(user_id, user_type, namespace, object_id, relation);
CREATE INDEX IF NOT EXISTS idx_tuples_by_relation ON relation_tuples(namespace, relation, object_id, user_type, user_id);
`

// SQLiteStore is a TupleStore backed by an embedded, CGO-free SQLite
// database via modernc.org/sqlite (own migrate step, "?" bound
// parameters). It is the single-node, driver-free option selected by
// STORAGE_DRIVER=sqlite, useful for local development and tests that
// want real SQL semantics without a Postgres instance.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore wraps an opened *sql.DB (driver name "sqlite") and
// creates the schema if missing.
func NewSQLiteStore(db *sql.DB) (*SQLiteStore, error) {
	s := &SQLiteStore{db: db}
	if _, err := db.ExecContext(context.Background(), sqliteSchemaSQL); err != nil {
		return nil, wrapStorageError("init schema", err)
	}
	return s, nil
}

const sqliteInsertSQL = `
INSERT INTO relation_tuples (namespace, object_id, relation, user_type, user_id)
VALUES (?, ?, ?, ?, ?)
ON CONFLICT (namespace, object_id, relation, user_type, user_id) DO NOTHING
`

func (s *SQLiteStore) Insert(ctx context.Context, t tuple.RelationTuple) error {
	_, err := s.db.ExecContext(ctx, sqliteInsertSQL, t.Namespace, t.ObjectID, t.Relation, t.UserType, t.UserID)
	if err != nil {
		return wrapStorageError("insert", err)
	}
	return nil
}

const sqliteDeleteSQL = `
DELETE FROM relation_tuples
WHERE namespace = ? AND object_id = ? AND relation = ? AND user_type = ? AND user_id = ?
`

func (s *SQLiteStore) Delete(ctx context.Context, t tuple.RelationTuple) error {
	_, err := s.db.ExecContext(ctx, sqliteDeleteSQL, t.Namespace, t.ObjectID, t.Relation, t.UserType, t.UserID)
	if err != nil {
		return wrapStorageError("delete", err)
	}
	return nil
}

const sqliteFindDirectSQL = `
SELECT 1 FROM relation_tuples
WHERE namespace = ? AND object_id = ? AND relation = ? AND user_type = ? AND user_id = ?
LIMIT 1
`

func (s *SQLiteStore) FindDirect(ctx context.Context, k tuple.Key) (bool, error) {
	var one int
	err := s.db.QueryRowContext(ctx, sqliteFindDirectSQL, k.Namespace, k.ObjectID, k.Relation, k.UserType, k.UserID).Scan(&one)
	switch {
	case err == sql.ErrNoRows:
		return false, nil
	case err != nil:
		return false, wrapStorageError("find_direct", err)
	default:
		return true, nil
	}
}

const sqliteFindTuplesForSQL = `
SELECT namespace, object_id, relation, user_type, user_id, created_at FROM relation_tuples
WHERE namespace = ? AND object_id = ? AND relation = ?
`

func (s *SQLiteStore) FindTuplesFor(ctx context.Context, namespace, objectID, relation string) ([]tuple.RelationTuple, error) {
	rows, err := s.db.QueryContext(ctx, sqliteFindTuplesForSQL, namespace, objectID, relation)
	if err != nil {
		return nil, wrapStorageError("find_tuples_for", err)
	}
	defer func() { _ = rows.Close() }()
	return scanTuples(rows)
}

const sqliteFindMembershipsSQL = `
SELECT namespace, object_id, relation, user_type, user_id, created_at FROM relation_tuples
WHERE user_id = ? AND user_type = ?
`

func (s *SQLiteStore) FindMemberships(ctx context.Context, userType, userID string) ([]tuple.RelationTuple, error) {
	rows, err := s.db.QueryContext(ctx, sqliteFindMembershipsSQL, userID, userType)
	if err != nil {
		return nil, wrapStorageError("find_memberships", err)
	}
	defer func() { _ = rows.Close() }()
	return scanTuples(rows)
}

// Read mirrors PostgresStore.Read with "?" placeholders instead of "$n".
func (s *SQLiteStore) Read(ctx context.Context, filter ReadFilter) (Page, error) {
	if !hasIndexablePrefix(filter) {
		return Page{}, ErrUnindexedFilter
	}

	var (
		clauses []string
		args    []any
	)
	add := func(col, val string) {
		args = append(args, val)
		clauses = append(clauses, fmt.Sprintf("%s = ?", col))
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
		clauses = append(clauses, "(namespace, object_id, relation, user_type, user_id) > (?, ?, ?, ?, ?)")
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

	rows, err := s.db.QueryContext(ctx, query, args...)
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
