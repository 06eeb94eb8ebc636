// Package zookie mints and parses the engine's consistency tokens: an
// opaque, monotonically increasing encoding of a logical read timestamp
// (microsecond resolution). It is a deliberately simplified, single-node
// analogue of a causal consistency token — no vector clock, no
// cross-shard merge, since cross-region replication is out of scope.
package zookie

import (
	"encoding/base64"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"
)

const tokenPrefix = "zk1:"

// Manager mints strictly increasing zookies within one process and
// parses tokens minted by itself or a peer process.
type Manager struct {
	mu   sync.Mutex
	last int64 // last microsecond timestamp issued, for monotonicity
}

// NewManager returns a Manager with no prior issued timestamp.
func NewManager() *Manager {
	return &Manager{}
}

// clockNow is overridable in tests; production always uses wall-clock time.
var clockNow = func() int64 { return time.Now().UnixMicro() }

// Now mints a zookie encoding the current logical time. The returned
// token is strictly greater than any token this Manager has previously
// issued, even under a non-advancing or rewound system clock.
func (m *Manager) Now() string {
	m.mu.Lock()
	defer m.mu.Unlock()

	ts := clockNow()
	if ts <= m.last {
		ts = m.last + 1
	}
	m.last = ts
	return encode(ts)
}

// Parse decodes a zookie into its microsecond timestamp. An undecodable
// zookie is a caller error (ValidationError at the API boundary).
func Parse(token string) (int64, error) {
	if !strings.HasPrefix(token, tokenPrefix) {
		return 0, fmt.Errorf("zookie: unrecognized token format")
	}
	raw, err := base64.RawURLEncoding.DecodeString(strings.TrimPrefix(token, tokenPrefix))
	if err != nil {
		return 0, fmt.Errorf("zookie: invalid base64 encoding: %w", err)
	}
	ts, err := strconv.ParseInt(string(raw), 10, 64)
	if err != nil {
		return 0, fmt.Errorf("zookie: invalid timestamp payload: %w", err)
	}
	return ts, nil
}

func encode(ts int64) string {
	return tokenPrefix + base64.RawURLEncoding.EncodeToString([]byte(strconv.FormatInt(ts, 10)))
}

// FromTimestamp builds a zookie string for a specific microsecond
// timestamp without going through a Manager, so it carries no
// monotonicity guarantee.
func FromTimestamp(ts int64) string {
	return encode(ts)
}
