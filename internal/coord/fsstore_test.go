package coord

import (
	"encoding/json"
	"os"
	"sync"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ojwoodford/batch-job/internal/lock"
	"github.com/ojwoodford/batch-job/internal/metrics"
	"github.com/ojwoodford/batch-job/pkg/types"
)

func fsDescriptor(t *testing.T, n, chunkSize int) *types.JobDescriptor {
	t.Helper()
	dir := t.TempDir()
	desc := &types.JobDescriptor{
		ID:        "job-fs-test",
		Func:      "square",
		InputPath: dir + "/input.bin",
		N:         n,
		ChunkSize: chunkSize,
		WorkDir:   dir,
		Mode:      types.ModeNetworked,
		Workers:   2,
	}
	require.NoError(t, desc.Validate())
	return desc
}

func publishDescriptor(t *testing.T, desc *types.JobDescriptor) {
	t.Helper()
	data, err := json.Marshal(desc)
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(types.DescriptorPath(desc.WorkDir), data, 0644))
}

func TestFSStoreLifecycle(t *testing.T) {
	desc := fsDescriptor(t, 10, 2) // 5 chunks
	s := NewFSStore(desc)
	defer s.Close()

	done, err := s.Done()
	require.NoError(t, err)
	assert.False(t, done)

	claimed := make(map[int]bool)
	for {
		a, ok, err := s.Claim()
		require.NoError(t, err)
		if !ok {
			break
		}
		assert.False(t, claimed[a], "chunk %d claimed twice", a)
		claimed[a] = true

		c := desc.ChunkBounds(a)
		rows := make([]types.Row, c.Size())
		for i := range rows {
			rows[i] = types.Row{Data: []float64{float64(c.Start + i)}}
		}
		require.NoError(t, s.Complete(a, rows))
	}
	assert.Len(t, claimed, 5)

	done, err = s.Done()
	require.NoError(t, err)
	assert.True(t, done)

	// Results read back per chunk, in order.
	rows, ok, err := s.Rows(3)
	require.NoError(t, err)
	require.True(t, ok)
	require.Len(t, rows, 2)
	assert.Equal(t, []float64{4}, rows[0].Data)
	assert.Equal(t, []float64{5}, rows[1].Data)
}

func TestFSStoreClaimSkipsCompletedChunks(t *testing.T) {
	desc := fsDescriptor(t, 6, 2) // 3 chunks
	s := NewFSStore(desc)
	defer s.Close()

	require.NoError(t, s.CompleteDirect(2, make([]types.Row, 2)))

	for {
		a, ok, err := s.Claim()
		require.NoError(t, err)
		if !ok {
			break
		}
		assert.NotEqual(t, 2, a, "completed chunks must not be claimable")
		require.NoError(t, s.Complete(a, make([]types.Row, desc.ChunkBounds(a).Size())))
	}

	done, err := s.Done()
	require.NoError(t, err)
	assert.True(t, done)
}

func TestFSStoreCompleteWithoutClaim(t *testing.T) {
	desc := fsDescriptor(t, 4, 2)
	s := NewFSStore(desc)
	defer s.Close()

	err := s.Complete(1, make([]types.Row, 2))
	assert.ErrorIs(t, err, ErrNotClaimed)
}

func TestFSStoreAbandonMakesChunkClaimable(t *testing.T) {
	desc := fsDescriptor(t, 2, 2) // a single chunk
	s1 := NewFSStore(desc)
	defer s1.Close()
	s2 := NewFSStore(desc)
	defer s2.Close()

	a, ok, err := s1.Claim()
	require.NoError(t, err)
	require.True(t, ok)

	// While held, nobody else can claim it.
	_, ok, err = s2.Claim()
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, s1.Abandon(a))

	b, ok, err := s2.Claim()
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, a, b)
	require.NoError(t, s2.Complete(b, make([]types.Row, 2)))
}

func TestFSStoreConcurrentClaimsAreExclusive(t *testing.T) {
	desc := fsDescriptor(t, 40, 2) // 20 chunks
	const workers = 8

	var mu sync.Mutex
	claims := make(map[int]int)

	var wg sync.WaitGroup
	for w := 0; w < workers; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			s := NewFSStore(desc)
			defer s.Close()
			for {
				a, ok, err := s.Claim()
				if err != nil || !ok {
					return
				}
				mu.Lock()
				claims[a]++
				mu.Unlock()
				_ = s.Complete(a, make([]types.Row, desc.ChunkBounds(a).Size()))
			}
		}()
	}
	wg.Wait()

	require.Len(t, claims, 20, "every chunk must be processed")
	for a, n := range claims {
		assert.Equal(t, 1, n, "chunk %d claimed %d times", a, n)
	}
}

func TestFSStoreClaimRecordsConflicts(t *testing.T) {
	desc := fsDescriptor(t, 2, 2) // a single chunk

	holder := NewFSStore(desc)
	defer holder.Close()
	_, ok, err := holder.Claim()
	require.NoError(t, err)
	require.True(t, ok)

	reg := prometheus.NewRegistry()
	contender := NewFSStore(desc)
	defer contender.Close()
	contender.SetMetrics(metrics.NewCollector(reg))

	_, ok, err = contender.Claim()
	require.NoError(t, err)
	require.False(t, ok)

	assert.Equal(t, 1.0, counterValue(t, reg, "batchjob_claim_conflicts_total"))
}

func counterValue(t *testing.T, reg *prometheus.Registry, name string) float64 {
	t.Helper()
	mfs, err := reg.Gather()
	require.NoError(t, err)
	for _, mf := range mfs {
		if mf.GetName() == name {
			return mf.GetMetric()[0].GetCounter().GetValue()
		}
	}
	t.Fatalf("metric %s was never registered", name)
	return 0
}

func TestFSStoreCancellation(t *testing.T) {
	desc := fsDescriptor(t, 4, 2)
	s := NewFSStore(desc)
	defer s.Close()

	// No descriptor published yet reads as cancelled; the descriptor's
	// presence is the job's liveness.
	assert.True(t, s.Cancelled())

	publishDescriptor(t, desc)
	assert.False(t, s.Cancelled())

	require.NoError(t, s.Cancel())
	assert.True(t, s.Cancelled())

	// Cancelling twice is fine.
	require.NoError(t, s.Cancel())
}

func TestFSStoreBreakChunkLock(t *testing.T) {
	desc := fsDescriptor(t, 2, 2)
	s := NewFSStore(desc)
	defer s.Close()

	// A dead worker leaves a lock file with no flock behind it.
	path := ChunkResultPath(desc.WorkDir, 1)
	require.NoError(t, os.WriteFile(path+lock.Suffix, []byte("99999\n"), 0644))

	_, ok, err := s.Claim()
	require.NoError(t, err)
	require.False(t, ok, "stale lock blocks normal claiming")

	broken, err := s.BreakChunkLock(1)
	require.NoError(t, err)
	assert.True(t, broken)

	a, ok, err := s.Claim()
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, 1, a)
}

func TestFSStoreWorkerRecords(t *testing.T) {
	desc := fsDescriptor(t, 4, 2)
	s := NewFSStore(desc)
	defer s.Close()

	s.SetWorkerStarted(0, 4321)
	s.SetWorkerChunk(0, 2, 123456)

	recs := s.WorkerRecords()
	require.Len(t, recs, 1)
	assert.Equal(t, 0, recs[0].Slot)
	assert.Equal(t, 4321, recs[0].PID)
	assert.Equal(t, 2, recs[0].Chunk)
	assert.Equal(t, int64(123456), recs[0].Deadline)
	assert.False(t, recs[0].Finished)

	s.SetWorkerFinished(0)
	recs = s.WorkerRecords()
	require.Len(t, recs, 1)
	assert.True(t, recs[0].Finished)
	assert.Zero(t, recs[0].Chunk)
}
