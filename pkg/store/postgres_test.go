package store_test

import (
	"context"
	"regexp"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/relatehq/engine/pkg/store"
	"github.com/relatehq/engine/pkg/tuple"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPostgresStore_Insert(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	s := store.NewPostgresStore(db)
	mock.ExpectExec(regexp.QuoteMeta("INSERT INTO relation_tuples")).
		WithArgs("document", "d1", "owner", "user", "alice").
		WillReturnResult(sqlmock.NewResult(0, 1))

	err = s.Insert(context.Background(), tuple.RelationTuple{
		Namespace: "document", ObjectID: "d1", Relation: "owner", UserType: "user", UserID: "alice",
	})
	require.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_Insert_StorageError(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	s := store.NewPostgresStore(db)
	mock.ExpectExec(regexp.QuoteMeta("INSERT INTO relation_tuples")).
		WillReturnError(assertErr)

	err = s.Insert(context.Background(), tuple.RelationTuple{
		Namespace: "document", ObjectID: "d1", Relation: "owner", UserType: "user", UserID: "alice",
	})
	var storageErr *store.StorageError
	assert.ErrorAs(t, err, &storageErr)
}

var assertErr = assertError("boom")

type assertError string

func (e assertError) Error() string { return string(e) }

func TestPostgresStore_FindDirect(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	s := store.NewPostgresStore(db)

	mock.ExpectQuery(regexp.QuoteMeta("SELECT 1 FROM relation_tuples")).
		WithArgs("document", "d1", "viewer", "user", "alice").
		WillReturnRows(sqlmock.NewRows([]string{"?column?"}).AddRow(1))

	found, err := s.FindDirect(context.Background(), tuple.Key{
		Namespace: "document", ObjectID: "d1", Relation: "viewer", UserType: "user", UserID: "alice",
	})
	require.NoError(t, err)
	assert.True(t, found)

	mock.ExpectQuery(regexp.QuoteMeta("SELECT 1 FROM relation_tuples")).
		WithArgs("document", "d1", "editor", "user", "alice").
		WillReturnRows(sqlmock.NewRows([]string{"?column?"}))

	found, err = s.FindDirect(context.Background(), tuple.Key{
		Namespace: "document", ObjectID: "d1", Relation: "editor", UserType: "user", UserID: "alice",
	})
	require.NoError(t, err)
	assert.False(t, found)
}

func TestPostgresStore_FindTuplesFor(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	s := store.NewPostgresStore(db)
	now := time.Now().UTC()
	rows := sqlmock.NewRows([]string{"namespace", "object_id", "relation", "user_type", "user_id", "created_at"}).
		AddRow("document", "d2", "editor", "userset", "team:t1#member", now)

	mock.ExpectQuery(regexp.QuoteMeta("SELECT namespace, object_id, relation, user_type, user_id, created_at FROM relation_tuples")).
		WithArgs("document", "d2", "editor").
		WillReturnRows(rows)

	found, err := s.FindTuplesFor(context.Background(), "document", "d2", "editor")
	require.NoError(t, err)
	require.Len(t, found, 1)
	assert.Equal(t, "team:t1#member", found[0].UserID)
}

func TestPostgresStore_Read_UnindexedFilterRejected(t *testing.T) {
	db, _, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	s := store.NewPostgresStore(db)
	_, err = s.Read(context.Background(), store.ReadFilter{Relation: "owner"})
	assert.ErrorIs(t, err, store.ErrUnindexedFilter)
}
