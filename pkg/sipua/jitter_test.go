package sipua

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func frameOf(v int16) []int16 {
	f := make([]int16, 4)
	for i := range f {
		f[i] = v
	}
	return f
}

func TestJitterBufferReorders(t *testing.T) {
	jb := newJitterBuffer(2, 10)
	out := make([]int16, 4)

	jb.put(11, frameOf(11))
	assert.False(t, jb.pop(out), "still prefilling")
	jb.put(10, frameOf(10))
	jb.put(12, frameOf(12))

	for _, want := range []int16{10, 11, 12} {
		require.True(t, jb.pop(out))
		assert.Equal(t, want, out[0])
	}
	assert.False(t, jb.pop(out))
	assert.Equal(t, jitterStats{}, jb.snapshot())
}

func TestJitterBufferCountsLossAndLate(t *testing.T) {
	jb := newJitterBuffer(1, 10)
	out := make([]int16, 4)

	jb.put(100, frameOf(1))
	require.True(t, jb.pop(out))
	jb.put(103, frameOf(2))
	require.True(t, jb.pop(out))
	assert.Equal(t, int16(2), out[0])

	// 101 пришел после выдачи 103
	jb.put(101, frameOf(3))
	jb.put(103, frameOf(3))
	assert.False(t, jb.pop(out))

	stats := jb.snapshot()
	assert.Equal(t, uint64(2), stats.lost)
	assert.Equal(t, uint64(2), stats.late)
}

func TestJitterBufferWrapAndOverflow(t *testing.T) {
	jb := newJitterBuffer(2, 3)
	out := make([]int16, 4)

	jb.put(65535, frameOf(1))
	jb.put(0, frameOf(2))
	jb.put(1, frameOf(3))
	jb.put(2, frameOf(4))
	jb.put(2, frameOf(4))

	assert.Equal(t, uint64(1), jb.snapshot().dropped)
	for _, want := range []int16{2, 3, 4} {
		require.True(t, jb.pop(out))
		assert.Equal(t, want, out[0])
	}
	assert.True(t, isSeqNewer(0, 65535))
	assert.False(t, isSeqNewer(65535, 0))
	assert.Equal(t, uint16(3), seqDiff(1, 65534))
}
