package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"

	"github.com/relatehq/engine/pkg/checker"
	"github.com/relatehq/engine/pkg/store"
	"github.com/relatehq/engine/pkg/tuple"
	"github.com/relatehq/engine/pkg/zookie"
)

const maxBodyBytes = 1 << 20 // 1MB request body cap

// TupleDTO is the wire representation of a relation tuple accepted and
// returned by the API. It mirrors tuple.RelationTuple without CreatedAt on
// the way in, and includes it on the way out from Read.
type TupleDTO struct {
	Namespace string `json:"namespace"`
	ObjectID  string `json:"object_id"`
	Relation  string `json:"relation"`
	UserType  string `json:"user_type"`
	UserID    string `json:"user_id"`
	CreatedAt string `json:"created_at,omitempty"`
}

func (s *Server) toRelationTuple(d TupleDTO) tuple.RelationTuple {
	t := tuple.RelationTuple{Namespace: d.Namespace, ObjectID: d.ObjectID, Relation: d.Relation, UserType: d.UserType, UserID: d.UserID}
	return s.Aliases.Normalize(t)
}

func fromRelationTuple(t tuple.RelationTuple) TupleDTO {
	d := TupleDTO{Namespace: t.Namespace, ObjectID: t.ObjectID, Relation: t.Relation, UserType: t.UserType, UserID: t.UserID}
	if !t.CreatedAt.IsZero() {
		d.CreatedAt = t.CreatedAt.UTC().Format("2006-01-02T15:04:05.999999999Z07:00")
	}
	return d
}

// CheckRequest is the body of POST /api/v1/check.
type CheckRequest struct {
	Namespace   string `json:"namespace"`
	ObjectID    string `json:"object_id"`
	Relation    string `json:"relation"`
	SubjectType string `json:"subject_type"`
	SubjectID   string `json:"subject_id"`
	Zookie      string `json:"zookie,omitempty"`
}

func (r CheckRequest) validate() error {
	for name, val := range map[string]string{
		"namespace": r.Namespace, "object_id": r.ObjectID, "relation": r.Relation,
		"subject_type": r.SubjectType, "subject_id": r.SubjectID,
	} {
		if val == "" {
			return &validationError{field: name}
		}
	}
	return nil
}

type validationError struct{ field string }

func (e *validationError) Error() string { return e.field + " is required" }

// CheckResponse is the body returned by POST /api/v1/check.
type CheckResponse struct {
	Allowed bool   `json:"allowed"`
	Zookie  string `json:"zookie"`
	Debug   string `json:"debug,omitempty"`
}

func (s *Server) handleCheck(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		WriteMethodNotAllowed(w)
		return
	}

	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	var req CheckRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		WriteBadRequest(w, "invalid request body")
		return
	}
	if err := req.validate(); err != nil {
		WriteBadRequest(w, err.Error())
		return
	}
	if req.Zookie != "" {
		if _, err := zookie.Parse(req.Zookie); err != nil {
			WriteBadRequest(w, "zookie could not be decoded")
			return
		}
	}

	ns := req.Namespace
	if canonical, ok := s.Aliases[ns]; ok {
		ns = canonical
	}

	result, err := s.Checker.Check(r.Context(), checker.Request{
		Namespace: ns, ObjectID: req.ObjectID, Relation: req.Relation,
		SubjectType: req.SubjectType, SubjectID: req.SubjectID, Zookie: req.Zookie,
	})
	if err != nil {
		WriteInternal(w, err)
		return
	}

	writeJSON(w, http.StatusOK, CheckResponse{Allowed: result.Allowed, Zookie: s.Zookies.Now(), Debug: result.Debug})
}

// Operation names one update's effect within a Write batch.
type Operation string

const (
	OpInsert Operation = "Insert"
	OpDelete Operation = "Delete"
)

// Update is one entry in a Write batch: an operation plus the tuple it
// applies to.
type Update struct {
	Operation Operation `json:"operation"`
	Tuple     TupleDTO  `json:"tuple"`
}

// WriteRequest is the body of POST /api/v1/write: an ordered batch of
// tuple insertions and deletions applied together, Zanzibar-style, in the
// order submitted (§5), returning a single zookie that post-dates every
// change in the batch.
type WriteRequest struct {
	Updates []Update `json:"updates"`
}

// WriteResponse is the body returned by POST /api/v1/write.
type WriteResponse struct {
	Zookie string `json:"zookie"`
}

func (s *Server) handleWrite(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		WriteMethodNotAllowed(w)
		return
	}

	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	var req WriteRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		WriteBadRequest(w, "invalid request body")
		return
	}
	if len(req.Updates) == 0 {
		WriteBadRequest(w, "at least one update is required")
		return
	}

	type planned struct {
		op Operation
		t  tuple.RelationTuple
	}
	plan := make([]planned, 0, len(req.Updates))
	for _, u := range req.Updates {
		if u.Operation != OpInsert && u.Operation != OpDelete {
			WriteBadRequest(w, fmt.Sprintf("operation must be %q or %q", OpInsert, OpDelete))
			return
		}
		t := s.toRelationTuple(u.Tuple)
		if err := t.Validate(); err != nil {
			WriteBadRequest(w, err.Error())
			return
		}
		plan = append(plan, planned{op: u.Operation, t: t})
	}

	// Apply in submitted order (§5): within one batch, updates are not
	// reordered by operation, so a Delete followed by a re-Insert of the
	// same key behaves as the caller wrote it, not as two independent
	// passes over inserts-then-deletes.
	ctx := r.Context()
	changed := make([]tuple.RelationTuple, 0, len(plan))
	for _, p := range plan {
		var err error
		switch p.op {
		case OpInsert:
			err = s.Store.Insert(ctx, p.t)
		case OpDelete:
			err = s.Store.Delete(ctx, p.t)
		}
		if err != nil {
			WriteInternal(w, err)
			return
		}
		changed = append(changed, p.t)
	}

	// Per §4.4, a failed invalidation must fail the Write: an unpurged
	// cache entry is exactly the new-enemy hazard the zookie scheme exists
	// to prevent, so a caller must be told to retry rather than receive a
	// success that silently leaves a stale decision cached.
	if err := s.invalidateCache(ctx, changed); err != nil {
		WriteInternal(w, err)
		return
	}

	writeJSON(w, http.StatusOK, WriteResponse{Zookie: s.Zookies.Now()})
}

// invalidateCache drops every cache entry that could be affected by the
// given tuple changes, per §4.4's three invalidation rules keyed off one
// changed tuple (ns, obj, rel, u_type, u_id):
//
//  1. every decision cached against the tuple's own object;
//  2. every decision cached against the tuple's subject
//     (u_type:u_id) as the checker's top-level subject, since that
//     subject's reachable set just changed;
//  3. if the tuple's subject is itself a userset (e.g. "team:t1#member"),
//     every decision cached against that userset's own object too, since
//     a member of the userset just gained or lost the permission the
//     userset itself grants elsewhere.
//
// It keeps purging every target even after one fails, so a single bad
// invalidation never masks the rest, but still reports the failure to the
// caller.
func (s *Server) invalidateCache(ctx context.Context, changed []tuple.RelationTuple) error {
	if s.Cache == nil {
		return nil
	}
	var firstErr error
	fail := func(format string, args ...any) {
		err := fmt.Errorf(format, args...)
		s.Logger.ErrorContext(ctx, "api: cache invalidation failed", "error", err)
		if firstErr == nil {
			firstErr = err
		}
	}

	seenObjects := make(map[string]bool)
	invalidateObject := func(namespace, objectID string) {
		key := namespace + ":" + objectID
		if seenObjects[key] {
			return
		}
		seenObjects[key] = true
		if err := s.Cache.InvalidateObject(ctx, namespace, objectID); err != nil {
			fail("cache: invalidating object %s: %w", key, err)
		}
	}

	seenSubjects := make(map[string]bool)
	invalidateSubject := func(subject string) {
		if seenSubjects[subject] {
			return
		}
		seenSubjects[subject] = true
		if err := s.Cache.InvalidateSubject(ctx, subject); err != nil {
			fail("cache: invalidating subject %s: %w", subject, err)
		}
	}

	for _, t := range changed {
		invalidateObject(t.Namespace, t.ObjectID)
		invalidateSubject(t.UserType + ":" + t.UserID)
		if t.IsUserset() {
			if parsed, err := tuple.ParseUserset(t.UserID); err != nil {
				fail("cache: parsing userset subject %s: %w", t.UserID, err)
			} else {
				invalidateObject(parsed.Namespace, parsed.ObjectID)
			}
		}
	}
	return firstErr
}

// TupleFilter is the body's tuple_filter object: any subset of the five
// tuple fields, per §4.5 — the most selective populated prefix determines
// which of the four indexes serves the query.
type TupleFilter struct {
	Namespace string `json:"namespace,omitempty"`
	ObjectID  string `json:"object_id,omitempty"`
	Relation  string `json:"relation,omitempty"`
	UserType  string `json:"user_type,omitempty"`
	UserID    string `json:"user_id,omitempty"`
}

// ReadRequest is the body of POST /api/v1/read.
type ReadRequest struct {
	TupleFilter TupleFilter `json:"tuple_filter"`
	Zookie      string      `json:"zookie,omitempty"`
	PageSize    int         `json:"page_size,omitempty"`
	PageToken   string      `json:"page_token,omitempty"`
}

// ReadResponse is the body returned by POST /api/v1/read.
type ReadResponse struct {
	Tuples        []TupleDTO `json:"tuples"`
	NextPageToken string     `json:"next_page_token,omitempty"`
	Zookie        string     `json:"zookie"`
}

func (s *Server) handleRead(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		WriteMethodNotAllowed(w)
		return
	}

	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	var req ReadRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		WriteBadRequest(w, "invalid request body")
		return
	}
	if req.PageSize < 0 {
		WriteBadRequest(w, "page_size must be a positive integer")
		return
	}
	if req.Zookie != "" {
		if _, err := zookie.Parse(req.Zookie); err != nil {
			WriteBadRequest(w, "zookie could not be decoded")
			return
		}
	}

	ns := req.TupleFilter.Namespace
	if canonical, ok := s.Aliases[ns]; ok {
		ns = canonical
	}
	filter := store.ReadFilter{
		Namespace: ns,
		ObjectID:  req.TupleFilter.ObjectID,
		Relation:  req.TupleFilter.Relation,
		UserType:  req.TupleFilter.UserType,
		UserID:    req.TupleFilter.UserID,
		PageSize:  req.PageSize,
		PageToken: req.PageToken,
	}

	page, err := s.Store.Read(r.Context(), filter)
	if err != nil {
		if errors.Is(err, store.ErrUnindexedFilter) {
			WriteBadRequest(w, "read filter must include namespace, or both user_type and user_id")
			return
		}
		WriteInternal(w, err)
		return
	}

	resp := ReadResponse{NextPageToken: page.NextPageToken, Zookie: s.Zookies.Now()}
	for _, t := range page.Tuples {
		resp.Tuples = append(resp.Tuples, fromRelationTuple(t))
	}
	writeJSON(w, http.StatusOK, resp)
}

// BatchCheckItem is one question within a BatchCheck request/response.
type BatchCheckItem struct {
	Namespace   string `json:"namespace"`
	ObjectID    string `json:"object_id"`
	Relation    string `json:"relation"`
	SubjectType string `json:"subject_type"`
	SubjectID   string `json:"subject_id"`
	Zookie      string `json:"zookie,omitempty"`
}

// BatchCheckRequest is the body of POST /api/v1/batch_check.
type BatchCheckRequest struct {
	Checks []BatchCheckItem `json:"checks"`
}

// BatchCheckResult is one answer within a BatchCheck response, carrying
// the originating request's index (§4.5) so a caller that dispatched
// checks out of input order can still line answers back up, plus a debug
// rendering of which evaluation phase produced it.
type BatchCheckResult struct {
	Index   int    `json:"index"`
	Allowed bool   `json:"allowed"`
	Debug   string `json:"debug,omitempty"`
}

// BatchCheckTotals summarizes a BatchCheck response's result set.
type BatchCheckTotals struct {
	Allowed int `json:"allowed"`
	Denied  int `json:"denied"`
}

// BatchCheckResponse is the body returned by POST /api/v1/batch_check.
type BatchCheckResponse struct {
	Results []BatchCheckResult `json:"results"`
	Totals  BatchCheckTotals   `json:"totals"`
	Zookie  string             `json:"zookie"`
}

const maxBatchSize = 1000

func (s *Server) handleBatchCheck(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		WriteMethodNotAllowed(w)
		return
	}

	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	var req BatchCheckRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		WriteBadRequest(w, "invalid request body")
		return
	}
	if len(req.Checks) == 0 {
		WriteBadRequest(w, "checks must not be empty")
		return
	}
	if len(req.Checks) > maxBatchSize {
		WriteBadRequest(w, "checks exceeds the maximum batch size")
		return
	}

	reqs := make([]checker.Request, len(req.Checks))
	for i, item := range req.Checks {
		if item.Namespace == "" || item.ObjectID == "" || item.Relation == "" || item.SubjectType == "" || item.SubjectID == "" {
			WriteBadRequest(w, "every check requires namespace, object_id, relation, subject_type, subject_id")
			return
		}
		if item.Zookie != "" {
			if _, err := zookie.Parse(item.Zookie); err != nil {
				WriteBadRequest(w, fmt.Sprintf("checks[%d].zookie could not be decoded", i))
				return
			}
		}
		ns := item.Namespace
		if canonical, ok := s.Aliases[ns]; ok {
			ns = canonical
		}
		reqs[i] = checker.Request{
			Namespace: ns, ObjectID: item.ObjectID, Relation: item.Relation,
			SubjectType: item.SubjectType, SubjectID: item.SubjectID, Zookie: item.Zookie,
		}
	}

	results, err := s.Checker.BatchCheck(r.Context(), reqs)
	if err != nil {
		WriteInternal(w, err)
		return
	}

	resp := BatchCheckResponse{Results: make([]BatchCheckResult, len(results)), Zookie: s.Zookies.Now()}
	for i, res := range results {
		resp.Results[i] = BatchCheckResult{Index: i, Allowed: res.Allowed, Debug: res.Debug}
		if res.Allowed {
			resp.Totals.Allowed++
		} else {
			resp.Totals.Denied++
		}
	}
	writeJSON(w, http.StatusOK, resp)
}

// handleHealth is an unauthenticated liveness probe for load balancers
// and orchestrators.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
