// Package checker implements the permission checker: the bounded-
// depth recursive evaluator that answers "does subject have relation on
// object" by combining direct tuple matches, the hierarchical permission
// chain, and userset expansion, with a cache in front and cycle/depth
// protection to keep the recursion safe against an adversarial or simply
// malformed tuple set.
package checker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/relatehq/engine/pkg/cache"
	"github.com/relatehq/engine/pkg/hierarchy"
	"github.com/relatehq/engine/pkg/store"
	"github.com/relatehq/engine/pkg/tuple"
	"github.com/relatehq/engine/pkg/zookie"
	"golang.org/x/sync/errgroup"
)

// DefaultDepthLimit is used when a Checker is constructed with a
// non-positive limit (the CHECK_DEPTH_LIMIT env var overrides it).
const DefaultDepthLimit = 16

// ErrDepthExceeded documents the condition Result.DepthExceeded reports:
// the recursion exhausted its depth budget without reaching a conclusive
// answer. Per the engine's error taxonomy this is a deny, never a
// transport-level failure — Check does not return it as an error, it sets
// Result.DepthExceeded and logs the occurrence. Exported so callers that
// want to label a deny as "deny because truncated" in their own error
// wrapping have a stable sentinel to wrap it with.
var ErrDepthExceeded = errors.New("checker: depth limit exceeded")

// Request names one permission question.
type Request struct {
	Namespace   string
	ObjectID    string
	Relation    string
	SubjectType string
	SubjectID   string
	// Zookie optionally pins the check to a prior consistency token. An
	// empty Zookie accepts any unexpired cached entry for the same
	// question; a pinned zookie bypasses entries stamped before it.
	Zookie string
}

func (r Request) subject() string { return r.SubjectType + ":" + r.SubjectID }

func (r Request) cacheKey() cache.Key {
	return cache.Key{
		Namespace: r.Namespace,
		ObjectID:  r.ObjectID,
		Relation:  r.Relation,
		Subject:   r.subject(),
	}
}

// Result is the answer to one Check, plus the bookkeeping a caller can
// surface for debugging (e.g. through BatchCheck's per-item debug field).
type Result struct {
	Allowed       bool
	CacheHit      bool
	DepthExceeded bool
	// Debug renders the evaluation trace: "direct:..." for a direct match
	// on the requested or a higher relation, "userset:..." for a userset
	// that resolved, plus "cycle:..." and "depth_exceeded:..." markers,
	// joined by " | "; "cache hit" for a cached answer. It is empty when
	// evaluation matched nothing and hit no cycle or depth bound. It is
	// never required for correctness, only for operators diagnosing an
	// unexpected answer.
	Debug string
}

// Checker answers Check requests against a TupleStore, memoizing through
// a Cache and bounding recursion by both a visited-node set (cycle
// safety) and an absolute depth limit.
type Checker struct {
	store      store.TupleStore
	chain      *hierarchy.Chain
	cache      cache.Cache
	depthLimit int
	logger     *slog.Logger

	// nowMicro stamps cache entries and is overridable in tests; production
	// always uses wall-clock time.
	nowMicro func() int64
}

// New constructs a Checker. A nil cache disables memoization entirely
// (every Check re-evaluates); a non-positive depthLimit selects
// DefaultDepthLimit.
func New(s store.TupleStore, chain *hierarchy.Chain, c cache.Cache, depthLimit int, logger *slog.Logger) *Checker {
	if depthLimit <= 0 {
		depthLimit = DefaultDepthLimit
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Checker{
		store: s, chain: chain, cache: c, depthLimit: depthLimit, logger: logger,
		nowMicro: func() int64 { return time.Now().UnixMicro() },
	}
}

// Check evaluates req, consulting the cache first. Per §4.4, a cached
// entry is usable when req carries no input zookie, or when the entry's
// stamped_at is at or after the zookie's decoded timestamp; an entry
// stamped earlier than a supplied zookie is bypassed as a miss, which is
// what defeats the new-enemy hazard (§4.3).
func (c *Checker) Check(ctx context.Context, req Request) (Result, error) {
	var threshold int64
	haveThreshold := false
	if req.Zookie != "" {
		ts, err := zookie.Parse(req.Zookie)
		if err != nil {
			c.logger.WarnContext(ctx, "checker: input zookie failed to parse, bypassing cache", "error", err)
		} else {
			threshold, haveThreshold = ts, true
		}
	}

	if c.cache != nil {
		if allowed, stampedAt, found, err := c.cache.Get(ctx, req.cacheKey()); err != nil {
			c.logger.WarnContext(ctx, "checker: cache get failed, evaluating directly", "error", err)
		} else if found && (!haveThreshold || stampedAt >= threshold) {
			return Result{Allowed: allowed, CacheHit: true, Debug: "cache hit"}, nil
		}
	}

	e := &evaluator{
		store:       c.store,
		chain:       c.chain,
		depthLimit:  c.depthLimit,
		subjectType: req.SubjectType,
		subjectID:   req.SubjectID,
		visited:     make(map[string]bool),
	}

	allowed, err := e.evalNode(ctx, req.Namespace, req.ObjectID, req.Relation, 0)
	if err != nil {
		return Result{}, fmt.Errorf("checker: %w", err)
	}

	if e.depthExceeded.Load() {
		c.logger.WarnContext(ctx, "checker: depth limit exceeded",
			"namespace", req.Namespace, "object_id", req.ObjectID, "relation", req.Relation,
			"subject", req.subject(), "depth_limit", c.depthLimit)
	}

	result := Result{Allowed: allowed, DepthExceeded: e.depthExceeded.Load(), Debug: e.renderTrace()}

	if c.cache != nil {
		if err := c.cache.Set(ctx, req.cacheKey(), allowed, c.nowMicro()); err != nil {
			c.logger.WarnContext(ctx, "checker: cache set failed", "error", err)
		}
	}

	return result, nil
}

// BatchCheck evaluates every request, deduplicating identical ones (same
// namespace/object/relation/subject/zookie) so repeated questions in one
// batch only ever run the evaluator once, then reassembles results in the
// caller's original order.
func (c *Checker) BatchCheck(ctx context.Context, reqs []Request) ([]Result, error) {
	results := make([]Result, len(reqs))
	unique := make(map[Request][]int, len(reqs))
	order := make([]Request, 0, len(reqs))

	for i, r := range reqs {
		if _, seen := unique[r]; !seen {
			order = append(order, r)
		}
		unique[r] = append(unique[r], i)
	}

	g, gctx := errgroup.WithContext(ctx)
	resByKey := make(map[Request]Result, len(order))
	var mu sync.Mutex

	for _, k := range order {
		k := k
		g.Go(func() error {
			res, err := c.Check(gctx, k)
			if err != nil {
				return err
			}
			mu.Lock()
			resByKey[k] = res
			mu.Unlock()
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	for k, indexes := range unique {
		res := resByKey[k]
		for _, i := range indexes {
			results[i] = res
		}
	}
	return results, nil
}

// evaluator holds the mutable state of a single Check's recursive
// evaluation: the visited set (cycle safety) and the debug trace. It is
// not reused across calls to Check.
type evaluator struct {
	store       store.TupleStore
	chain       *hierarchy.Chain
	depthLimit  int
	subjectType string
	subjectID   string

	mu      sync.Mutex
	visited map[string]bool

	traceMu sync.Mutex
	trace   []string

	depthExceeded atomic.Bool
}

func (e *evaluator) record(format string, args ...any) {
	e.traceMu.Lock()
	defer e.traceMu.Unlock()
	e.trace = append(e.trace, fmt.Sprintf(format, args...))
}

func (e *evaluator) renderTrace() string {
	e.traceMu.Lock()
	defer e.traceMu.Unlock()
	return strings.Join(e.trace, " | ")
}

// evalNode answers whether (subjectType, subjectID) holds relation on
// (namespace, objectID), recursing into userset expansion as needed.
func (e *evaluator) evalNode(ctx context.Context, namespace, objectID, relation string, depth int) (bool, error) {
	if depth > e.depthLimit {
		e.depthExceeded.Store(true)
		e.record("depth_exceeded:%s:%s#%s", namespace, objectID, relation)
		return false, nil
	}

	visitKey := namespace + ":" + objectID + "#" + relation
	e.mu.Lock()
	if e.visited[visitKey] {
		e.mu.Unlock()
		e.record("cycle:%s", visitKey)
		return false, nil
	}
	e.visited[visitKey] = true
	e.mu.Unlock()

	relevant := append([]string{relation}, e.chain.HigherThan(relation)...)

	for _, rel := range relevant {
		found, err := e.store.FindDirect(ctx, tuple.Key{
			Namespace: namespace, ObjectID: objectID, Relation: rel,
			UserType: e.subjectType, UserID: e.subjectID,
		})
		if err != nil {
			return false, err
		}
		if found {
			e.record("direct:%s:%s#%s", namespace, objectID, rel)
			return true, nil
		}
	}

	var candidates []tuple.ParsedUserset
	for _, rel := range relevant {
		tuples, err := e.store.FindTuplesFor(ctx, namespace, objectID, rel)
		if err != nil {
			return false, err
		}
		for _, t := range tuples {
			if !t.IsUserset() {
				continue
			}
			parsed, err := tuple.ParseUserset(t.UserID)
			if err != nil {
				continue
			}
			candidates = append(candidates, parsed)
		}
	}
	if len(candidates) == 0 {
		return false, nil
	}

	return e.expandUsersets(ctx, candidates, depth)
}

// expandUsersets fans out one evalNode call per candidate userset and
// returns as soon as one resolves true, cancelling its siblings.
func (e *evaluator) expandUsersets(ctx context.Context, candidates []tuple.ParsedUserset, depth int) (bool, error) {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	g, gctx := errgroup.WithContext(ctx)
	var found atomic.Bool

	for _, c := range candidates {
		c := c
		g.Go(func() error {
			if found.Load() {
				return nil
			}
			ok, err := e.evalNode(gctx, c.Namespace, c.ObjectID, c.Relation, depth+1)
			if err != nil {
				if errors.Is(err, context.Canceled) {
					return nil
				}
				return err
			}
			if ok {
				found.Store(true)
				e.record("userset:%s", c.Encode())
				cancel()
			}
			return nil
		})
	}

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		return false, err
	}
	return found.Load(), nil
}
