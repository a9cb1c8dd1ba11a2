package partition

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewTargetsTenSecondChunks(t *testing.T) {
	// 100ms per iteration: a chunk should hold about 100 iterations.
	p := New(10000, 4, 100*time.Millisecond)
	assert.Equal(t, 100, p.ChunkSize)
	assert.Equal(t, 100, p.NumChunks)
	assert.Equal(t, 4, p.Workers)
}

func TestNewSlowIterations(t *testing.T) {
	// Slower than the target: one iteration per chunk, never zero.
	p := New(50, 8, time.Minute)
	assert.Equal(t, 1, p.ChunkSize)
	assert.Equal(t, 50, p.NumChunks)
	assert.Equal(t, 8, p.Workers)
}

func TestNewClampsWorkersToChunks(t *testing.T) {
	// 1s per iteration over 20 iterations: 2 chunks, so at most 2
	// workers no matter how many were requested.
	p := New(20, 16, time.Second)
	assert.Equal(t, 10, p.ChunkSize)
	assert.Equal(t, 2, p.NumChunks)
	assert.Equal(t, 2, p.Workers)
}

func TestNewMinimumOneWorker(t *testing.T) {
	p := New(100, 0, time.Millisecond)
	assert.Equal(t, 1, p.Workers)
}

func TestNewZeroIterations(t *testing.T) {
	p := New(0, 4, time.Second)
	assert.Equal(t, 0, p.NumChunks)
}

func TestBoundsPartitionExactly(t *testing.T) {
	p := New(103, 4, time.Second) // ChunkSize 10, 11 chunks

	covered := 0
	for a := 1; a <= p.NumChunks; a++ {
		c := p.Bounds(a)
		require.Equal(t, covered, c.Start)
		covered = c.End
	}
	assert.Equal(t, 103, covered)
	assert.Equal(t, 3, p.Bounds(p.NumChunks).Size())
}

func TestBurstSize(t *testing.T) {
	// A reliable sample needs no burst.
	assert.Equal(t, 0, BurstSize(time.Second, 1000))

	// 1ms first iteration: burst until ~MinProbeSeconds of work.
	assert.Equal(t, 500, BurstSize(time.Millisecond, 1000))

	// The burst cannot exceed the remaining iterations.
	assert.Equal(t, 7, BurstSize(time.Millisecond, 7))

	// Nor the global cap.
	assert.Equal(t, MaxProbeBurst, BurstSize(time.Nanosecond, 1<<30))

	// Nothing left to measure.
	assert.Equal(t, 0, BurstSize(time.Millisecond, 0))
}
