package types

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func validDescriptor() JobDescriptor {
	return JobDescriptor{
		ID:        "job-1",
		Func:      "square",
		InputPath: "/tmp/job/input.bin",
		N:         100,
		ChunkSize: 7,
		WorkDir:   "/tmp/job",
		Mode:      ModeNetworked,
		Workers:   4,
	}
}

func TestValidate(t *testing.T) {
	d := validDescriptor()
	require.NoError(t, d.Validate())

	cases := []struct {
		name   string
		mutate func(*JobDescriptor)
	}{
		{"missing ID", func(d *JobDescriptor) { d.ID = "" }},
		{"missing func", func(d *JobDescriptor) { d.Func = "" }},
		{"negative N", func(d *JobDescriptor) { d.N = -1 }},
		{"zero chunk size", func(d *JobDescriptor) { d.ChunkSize = 0 }},
		{"missing workdir", func(d *JobDescriptor) { d.WorkDir = "" }},
		{"unknown mode", func(d *JobDescriptor) { d.Mode = "p2p" }},
		{"colocated without output shape", func(d *JobDescriptor) { d.Mode = ModeColocated }},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			d := validDescriptor()
			tc.mutate(&d)
			err := d.Validate()
			require.Error(t, err)
			assert.ErrorIs(t, err, ErrInvalidDescriptor)
		})
	}

	// N == 0 does not need a chunk size.
	d = validDescriptor()
	d.N = 0
	d.ChunkSize = 0
	assert.NoError(t, d.Validate())
}

func TestChunkBoundsCoverIterationSpace(t *testing.T) {
	d := validDescriptor() // N=100, ChunkSize=7
	require.Equal(t, 15, d.NumChunks())

	covered := 0
	prevEnd := 0
	for a := 1; a <= d.NumChunks(); a++ {
		c := d.ChunkBounds(a)
		assert.Equal(t, prevEnd, c.Start, "chunks must be contiguous")
		assert.Greater(t, c.Size(), 0)
		covered += c.Size()
		prevEnd = c.End
	}
	assert.Equal(t, d.N, covered)

	// The final chunk is the short one.
	last := d.ChunkBounds(d.NumChunks())
	assert.Equal(t, 100, last.End)
	assert.Equal(t, 2, last.Size())
}

func TestTimeoutEncoding(t *testing.T) {
	d := validDescriptor()

	d.TimeoutMs = 0
	assert.Equal(t, TimeoutNone, d.TimeoutAction())
	assert.Equal(t, time.Duration(0), d.ChunkTimeout())

	d.TimeoutMs = 30000
	assert.Equal(t, TimeoutSkip, d.TimeoutAction())
	assert.Equal(t, 30*time.Second, d.ChunkTimeout())

	d.TimeoutMs = -30000
	assert.Equal(t, TimeoutRetry, d.TimeoutAction())
	assert.Equal(t, 30*time.Second, d.ChunkTimeout(), "magnitude carries the deadline either way")
}

func TestRowPlaceholder(t *testing.T) {
	assert.True(t, Row{}.Placeholder())
	assert.False(t, Row{Data: []float64{}}.Placeholder(), "empty output is real output")
	assert.False(t, Row{Data: []float64{1}}.Placeholder())
}

func TestRowLen(t *testing.T) {
	assert.Equal(t, 3, Row{Data: []float64{1, 2, 3}}.Len())
	assert.Equal(t, 6, Row{Shape: []int{2, 3}, Data: make([]float64, 6)}.Len())
}

func TestSameShape(t *testing.T) {
	assert.True(t, SameShape(nil, nil))
	assert.True(t, SameShape([]int{2, 3}, []int{2, 3}))
	assert.False(t, SameShape([]int{2, 3}, []int{3, 2}))
	assert.False(t, SameShape([]int{2}, []int{2, 1}))
}

func TestWorkerRecordExpired(t *testing.T) {
	now := time.Now()
	past := now.Add(-time.Minute).UnixMilli()

	assert.True(t, WorkerRecord{Chunk: 3, Deadline: past}.Expired(now))
	assert.False(t, WorkerRecord{Chunk: 3, Deadline: past, Finished: true}.Expired(now), "finished records never expire")
	assert.False(t, WorkerRecord{Chunk: 3}.Expired(now), "no armed deadline")
	assert.False(t, WorkerRecord{Chunk: 3, Deadline: now.Add(time.Minute).UnixMilli()}.Expired(now))
}
