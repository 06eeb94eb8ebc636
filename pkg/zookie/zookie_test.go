package zookie_test

import (
	"testing"

	"github.com/relatehq/engine/pkg/zookie"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestManager_Now_RoundTrips(t *testing.T) {
	m := zookie.NewManager()
	z := m.Now()

	ts, err := zookie.Parse(z)
	require.NoError(t, err)
	assert.Greater(t, ts, int64(0))
}

func TestManager_Now_StrictlyIncreasing(t *testing.T) {
	m := zookie.NewManager()

	seen := make([]int64, 0, 100)
	for i := 0; i < 100; i++ {
		z := m.Now()
		ts, err := zookie.Parse(z)
		require.NoError(t, err)
		seen = append(seen, ts)
	}

	for i := 1; i < len(seen); i++ {
		assert.Greater(t, seen[i], seen[i-1], "zookies must be strictly increasing within one process")
	}
}

func TestParse_Invalid(t *testing.T) {
	cases := []string{"", "not-a-zookie", "zk1:not-base64-!!!", "zk2:AQID"}
	for _, c := range cases {
		_, err := zookie.Parse(c)
		assert.Errorf(t, err, "expected parse error for %q", c)
	}
}

func TestFromTimestamp_ParsesBack(t *testing.T) {
	z := zookie.FromTimestamp(1234567890)
	ts, err := zookie.Parse(z)
	require.NoError(t, err)
	assert.Equal(t, int64(1234567890), ts)
}
