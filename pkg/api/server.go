package api

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/relatehq/engine/pkg/cache"
	"github.com/relatehq/engine/pkg/checker"
	"github.com/relatehq/engine/pkg/middleware"
	"github.com/relatehq/engine/pkg/store"
	"github.com/relatehq/engine/pkg/tuple"
	"github.com/relatehq/engine/pkg/zookie"
)

// Server wires the Permission Checker, Tuple Store, Zookie Manager, and
// Cache into the HTTP surface: Check, Write, Read,
// BatchCheck, plus a liveness probe.
type Server struct {
	Store    store.TupleStore
	Checker  *checker.Checker
	Zookies  *zookie.Manager
	Cache    cache.Cache // may be nil; Write skips invalidation if so
	Aliases  tuple.NamespaceAliases
	Logger   *slog.Logger
	RequestTimeout time.Duration
}

// NewServer constructs a Server. A nil Logger falls back to slog.Default.
func NewServer(s store.TupleStore, c *checker.Checker, zk *zookie.Manager, ch cache.Cache, aliases tuple.NamespaceAliases, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	if aliases == nil {
		aliases = tuple.NamespaceAliases{}
	}
	return &Server{Store: s, Checker: c, Zookies: zk, Cache: ch, Aliases: aliases, Logger: logger, RequestTimeout: 2 * time.Second}
}

// Routes builds the engine's http.Handler: a ServeMux wrapped in request-ID
// injection, CORS, the request timeout, and per-IP rate limiting (when a
// limiter is given), in that order (outermost first).
func (s *Server) Routes(limiter *GlobalRateLimiter) http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/api/v1/check", s.handleCheck)
	mux.HandleFunc("/api/v1/write", s.handleWrite)
	mux.HandleFunc("/api/v1/read", s.handleRead)
	mux.HandleFunc("/api/v1/batch_check", s.handleBatchCheck)
	mux.HandleFunc("/health", s.handleHealth)

	var handler http.Handler = mux
	if limiter != nil {
		handler = limiter.Middleware(handler)
	}
	handler = TimeoutMiddleware(s.RequestTimeout)(handler)
	handler = middleware.CORSMiddleware(nil)(handler)
	handler = middleware.RequestIDMiddleware(handler)
	return handler
}
