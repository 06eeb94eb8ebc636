package api_test

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/relatehq/engine/pkg/api"
	"github.com/relatehq/engine/pkg/cache"
	"github.com/relatehq/engine/pkg/checker"
	"github.com/relatehq/engine/pkg/hierarchy"
	"github.com/relatehq/engine/pkg/store"
	"github.com/relatehq/engine/pkg/tuple"
	"github.com/relatehq/engine/pkg/zookie"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestServer(t *testing.T) (*api.Server, *store.MemoryStore) {
	t.Helper()
	s := store.NewMemoryStore()
	ch := cache.NewMemoryStore(0)
	c := checker.New(s, hierarchy.Default(), ch, checker.DefaultDepthLimit, nil)
	srv := api.NewServer(s, c, zookie.NewManager(), ch, nil, nil)
	return srv, s
}

// failingCache always fails invalidation, simulating an unreachable cache
// backend at write time (§4.4: a failed invalidation must fail the Write).
type failingCache struct{ cache.Cache }

func (failingCache) InvalidateObject(context.Context, string, string) error {
	return errors.New("cache backend unreachable")
}

func (failingCache) InvalidateSubject(context.Context, string) error {
	return errors.New("cache backend unreachable")
}

func doJSON(t *testing.T, handler http.Handler, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var r *http.Request
	if body != nil {
		buf, err := json.Marshal(body)
		require.NoError(t, err)
		r = httptest.NewRequest(method, path, bytes.NewReader(buf))
	} else {
		r = httptest.NewRequest(method, path, nil)
	}
	w := httptest.NewRecorder()
	handler.ServeHTTP(w, r)
	return w
}

func TestHandleCheck_Allowed(t *testing.T) {
	srv, s := newTestServer(t)
	require.NoError(t, s.Insert(t.Context(), tuple.RelationTuple{Namespace: "document", ObjectID: "d1", Relation: "viewer", UserType: "user", UserID: "alice"}))

	w := doJSON(t, srv.Routes(nil), http.MethodPost, "/api/v1/check", api.CheckRequest{
		Namespace: "document", ObjectID: "d1", Relation: "viewer", SubjectType: "user", SubjectID: "alice",
	})
	require.Equal(t, http.StatusOK, w.Code)

	var resp api.CheckResponse
	require.NoError(t, json.NewDecoder(w.Body).Decode(&resp))
	assert.True(t, resp.Allowed)
	assert.NotEmpty(t, resp.Zookie)
}

func TestHandleCheck_MissingField(t *testing.T) {
	srv, _ := newTestServer(t)
	w := doJSON(t, srv.Routes(nil), http.MethodPost, "/api/v1/check", api.CheckRequest{Namespace: "document"})
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestHandleWrite_ThenCheck(t *testing.T) {
	srv, _ := newTestServer(t)
	routes := srv.Routes(nil)

	w := doJSON(t, routes, http.MethodPost, "/api/v1/write", api.WriteRequest{
		Updates: []api.Update{{Operation: api.OpInsert, Tuple: api.TupleDTO{Namespace: "document", ObjectID: "d1", Relation: "owner", UserType: "user", UserID: "alice"}}},
	})
	require.Equal(t, http.StatusOK, w.Code)

	w = doJSON(t, routes, http.MethodPost, "/api/v1/check", api.CheckRequest{
		Namespace: "document", ObjectID: "d1", Relation: "viewer", SubjectType: "user", SubjectID: "alice",
	})
	require.Equal(t, http.StatusOK, w.Code)
	var resp api.CheckResponse
	require.NoError(t, json.NewDecoder(w.Body).Decode(&resp))
	assert.True(t, resp.Allowed, "owner implies viewer through the hierarchy")
}

func TestHandleWrite_RejectsInvalidTuple(t *testing.T) {
	srv, _ := newTestServer(t)
	w := doJSON(t, srv.Routes(nil), http.MethodPost, "/api/v1/write", api.WriteRequest{
		Updates: []api.Update{{Operation: api.OpInsert, Tuple: api.TupleDTO{Namespace: "", ObjectID: "d1", Relation: "owner", UserType: "user", UserID: "alice"}}},
	})
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestHandleWrite_AppliesUpdatesInOrder(t *testing.T) {
	srv, _ := newTestServer(t)
	routes := srv.Routes(nil)

	// Insert then delete the same key within one batch: the net effect
	// must be "absent", not "present", because updates apply in the
	// order submitted rather than all-inserts-then-all-deletes.
	w := doJSON(t, routes, http.MethodPost, "/api/v1/write", api.WriteRequest{
		Updates: []api.Update{
			{Operation: api.OpInsert, Tuple: api.TupleDTO{Namespace: "document", ObjectID: "d9", Relation: "viewer", UserType: "user", UserID: "erin"}},
			{Operation: api.OpDelete, Tuple: api.TupleDTO{Namespace: "document", ObjectID: "d9", Relation: "viewer", UserType: "user", UserID: "erin"}},
		},
	})
	require.Equal(t, http.StatusOK, w.Code)

	w = doJSON(t, routes, http.MethodPost, "/api/v1/check", api.CheckRequest{
		Namespace: "document", ObjectID: "d9", Relation: "viewer", SubjectType: "user", SubjectID: "erin",
	})
	require.Equal(t, http.StatusOK, w.Code)
	var resp api.CheckResponse
	require.NoError(t, json.NewDecoder(w.Body).Decode(&resp))
	assert.False(t, resp.Allowed)
}

func TestHandleWrite_InvalidatesCache(t *testing.T) {
	srv, _ := newTestServer(t)
	routes := srv.Routes(nil)

	// First check misses the cache (no input zookie) and memoizes false.
	w := doJSON(t, routes, http.MethodPost, "/api/v1/check", api.CheckRequest{
		Namespace: "document", ObjectID: "d1", Relation: "viewer", SubjectType: "user", SubjectID: "alice",
	})
	require.Equal(t, http.StatusOK, w.Code)
	var resp api.CheckResponse
	require.NoError(t, json.NewDecoder(w.Body).Decode(&resp))
	assert.False(t, resp.Allowed)

	w = doJSON(t, routes, http.MethodPost, "/api/v1/write", api.WriteRequest{
		Updates: []api.Update{{Operation: api.OpInsert, Tuple: api.TupleDTO{Namespace: "document", ObjectID: "d1", Relation: "viewer", UserType: "user", UserID: "alice"}}},
	})
	require.Equal(t, http.StatusOK, w.Code)

	w = doJSON(t, routes, http.MethodPost, "/api/v1/check", api.CheckRequest{
		Namespace: "document", ObjectID: "d1", Relation: "viewer", SubjectType: "user", SubjectID: "alice",
	})
	require.Equal(t, http.StatusOK, w.Code)
	require.NoError(t, json.NewDecoder(w.Body).Decode(&resp))
	assert.True(t, resp.Allowed, "a write must invalidate the stale cached deny")
}

func TestHandleCheck_RejectsUndecodableZookie(t *testing.T) {
	srv, _ := newTestServer(t)
	w := doJSON(t, srv.Routes(nil), http.MethodPost, "/api/v1/check", api.CheckRequest{
		Namespace: "document", ObjectID: "d1", Relation: "viewer", SubjectType: "user", SubjectID: "alice", Zookie: "not-a-zookie",
	})
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestHandleWrite_InvalidatesViaUsersetSubject(t *testing.T) {
	srv, s := newTestServer(t)
	routes := srv.Routes(nil)

	require.NoError(t, s.Insert(t.Context(), tuple.RelationTuple{
		Namespace: "document", ObjectID: "d2", Relation: "editor", UserType: "userset", UserID: "team:t1#member",
	}))

	w := doJSON(t, routes, http.MethodPost, "/api/v1/check", api.CheckRequest{
		Namespace: "document", ObjectID: "d2", Relation: "editor", SubjectType: "user", SubjectID: "bob",
	})
	require.Equal(t, http.StatusOK, w.Code)
	var resp api.CheckResponse
	require.NoError(t, json.NewDecoder(w.Body).Decode(&resp))
	assert.False(t, resp.Allowed, "bob is not yet a member of team:t1")

	w = doJSON(t, routes, http.MethodPost, "/api/v1/write", api.WriteRequest{
		Updates: []api.Update{{Operation: api.OpInsert, Tuple: api.TupleDTO{Namespace: "team", ObjectID: "t1", Relation: "member", UserType: "user", UserID: "bob"}}},
	})
	require.Equal(t, http.StatusOK, w.Code)

	w = doJSON(t, routes, http.MethodPost, "/api/v1/check", api.CheckRequest{
		Namespace: "document", ObjectID: "d2", Relation: "editor", SubjectType: "user", SubjectID: "bob",
	})
	require.Equal(t, http.StatusOK, w.Code)
	require.NoError(t, json.NewDecoder(w.Body).Decode(&resp))
	assert.True(t, resp.Allowed, "adding bob to team:t1#member must invalidate the stale cached deny on document:d2#editor")
}

func TestHandleWrite_FailsWhenInvalidationFails(t *testing.T) {
	s := store.NewMemoryStore()
	c := checker.New(s, hierarchy.Default(), cache.NewMemoryStore(0), checker.DefaultDepthLimit, nil)
	srv := api.NewServer(s, c, zookie.NewManager(), failingCache{cache.NewMemoryStore(0)}, nil, nil)

	w := doJSON(t, srv.Routes(nil), http.MethodPost, "/api/v1/write", api.WriteRequest{
		Updates: []api.Update{{Operation: api.OpInsert, Tuple: api.TupleDTO{Namespace: "document", ObjectID: "d1", Relation: "owner", UserType: "user", UserID: "alice"}}},
	})
	assert.Equal(t, http.StatusInternalServerError, w.Code)
}

func TestHandleRead_RequiresIndexablePrefix(t *testing.T) {
	srv, _ := newTestServer(t)
	w := doJSON(t, srv.Routes(nil), http.MethodPost, "/api/v1/read", api.ReadRequest{
		TupleFilter: api.TupleFilter{Relation: "viewer"},
	})
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestHandleRead_ReturnsTuples(t *testing.T) {
	srv, s := newTestServer(t)
	require.NoError(t, s.Insert(t.Context(), tuple.RelationTuple{Namespace: "document", ObjectID: "d1", Relation: "owner", UserType: "user", UserID: "alice"}))

	w := doJSON(t, srv.Routes(nil), http.MethodPost, "/api/v1/read", api.ReadRequest{
		TupleFilter: api.TupleFilter{Namespace: "document", ObjectID: "d1"},
	})
	require.Equal(t, http.StatusOK, w.Code)

	var resp api.ReadResponse
	require.NoError(t, json.NewDecoder(w.Body).Decode(&resp))
	require.Len(t, resp.Tuples, 1)
	assert.Equal(t, "alice", resp.Tuples[0].UserID)
	assert.NotEmpty(t, resp.Zookie)
}

func TestHandleBatchCheck(t *testing.T) {
	srv, s := newTestServer(t)
	require.NoError(t, s.Insert(t.Context(), tuple.RelationTuple{Namespace: "document", ObjectID: "d1", Relation: "viewer", UserType: "user", UserID: "alice"}))

	w := doJSON(t, srv.Routes(nil), http.MethodPost, "/api/v1/batch_check", api.BatchCheckRequest{
		Checks: []api.BatchCheckItem{
			{Namespace: "document", ObjectID: "d1", Relation: "viewer", SubjectType: "user", SubjectID: "alice"},
			{Namespace: "document", ObjectID: "d1", Relation: "viewer", SubjectType: "user", SubjectID: "bob"},
		},
	})
	require.Equal(t, http.StatusOK, w.Code)

	var resp api.BatchCheckResponse
	require.NoError(t, json.NewDecoder(w.Body).Decode(&resp))
	require.Len(t, resp.Results, 2)
	assert.Equal(t, 0, resp.Results[0].Index)
	assert.True(t, resp.Results[0].Allowed)
	assert.Equal(t, 1, resp.Results[1].Index)
	assert.False(t, resp.Results[1].Allowed)
	assert.Equal(t, 1, resp.Totals.Allowed)
	assert.Equal(t, 1, resp.Totals.Denied)
}

func TestHandleHealth(t *testing.T) {
	srv, _ := newTestServer(t)
	w := doJSON(t, srv.Routes(nil), http.MethodGet, "/health", nil)
	assert.Equal(t, http.StatusOK, w.Code)
}
