package weights

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCacheHitReturnsSameBytes(t *testing.T) {
	data := bytes.Repeat([]byte{0xAB}, 1024)
	c := NewCache(bytes.NewReader(data), 4096)

	a := c.Get(0, 16)
	require.NotNil(t, a)
	b := c.Get(0, 16)
	require.NotNil(t, b)
	assert.Equal(t, a, b)

	total, n := c.Stats()
	assert.Equal(t, int64(16), total)
	assert.Equal(t, 1, n)
}

func TestCacheEvictsOldestFirst(t *testing.T) {
	data := make([]byte, 1000)
	c := NewCache(bytes.NewReader(data), 25)

	require.NotNil(t, c.Get(0, 10))  // entry A, total=10
	require.NotNil(t, c.Get(10, 10)) // entry B, total=20
	require.NotNil(t, c.Get(20, 10)) // needs 10 more; evict A (oldest) -> total=10, then +10=20

	total, n := c.Stats()
	assert.LessOrEqual(t, total, int64(25))
	assert.Equal(t, 2, n)

	// A was evicted; re-requesting it must re-read, not hit.
	require.NotNil(t, c.Get(0, 10))
}

func TestCacheBudgetInvariant(t *testing.T) {
	data := make([]byte, 1000)
	const limit = int64(100)
	c := NewCache(bytes.NewReader(data), limit)

	var lastLen int64
	for off := int64(0); off < 900; off += 30 {
		require.NotNil(t, c.Get(off, 30))
		lastLen = 30
		total, _ := c.Stats()
		assert.LessOrEqual(t, total, limit+lastLen)
	}
}

func TestCacheMissOnReadFailureReturnsNil(t *testing.T) {
	c := NewCache(failingReaderAt{}, 4096)
	assert.Nil(t, c.Get(0, 16))
}

type failingReaderAt struct{}

func (failingReaderAt) ReadAt([]byte, int64) (int, error) {
	return 0, bytes.ErrTooLarge
}
