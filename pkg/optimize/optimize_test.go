package optimize

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBytePool_GetReturnsFullBuffer(t *testing.T) {
	pool := NewBytePool(MTU)
	assert.Equal(t, MTU, pool.Size())

	buf := pool.Get()
	require.NotNil(t, buf)
	assert.Len(t, *buf, MTU)

	// a shortened buffer comes back at full length
	*buf = (*buf)[:10]
	pool.Put(buf)
	again := pool.Get()
	assert.Len(t, *again, MTU)
}

func TestBytePool_PutDropsSmallBuffers(t *testing.T) {
	pool := NewBytePool(64)
	small := make([]byte, 8)
	pool.Put(&small)
	pool.Put(nil)

	for i := 0; i < 4; i++ {
		assert.Len(t, *pool.Get(), 64)
	}
}
