// Package partition maps the N-element iteration space onto fixed-size
// chunks, choosing the chunk size from a timing probe so that
// coordination overhead (lock acquisition, disk I/O) stays a small
// fraction of compute time while leaving enough chunks for load
// balancing across workers.
package partition

import (
	"time"

	"github.com/ojwoodford/batch-job/pkg/types"
)

const (
	// TargetChunkSeconds is the wall-clock time a chunk should take.
	// Around 10s keeps per-chunk coordination cost below a few percent
	// without starving load balancing.
	TargetChunkSeconds = 10.0

	// MinProbeSeconds is the shortest timing sample considered reliable.
	// A probe measuring under this should be re-measured over a burst of
	// consecutive iterations.
	MinProbeSeconds = 0.5

	// MaxProbeBurst bounds how many iterations a burst re-measure may
	// consume before committing to an estimate.
	MaxProbeBurst = 10000
)

// Plan is the chunking decision for a job: chunk size, chunk count, and
// the clamped worker count.
type Plan struct {
	N         int
	ChunkSize int
	NumChunks int
	Workers   int
}

// New computes a plan for n iterations given the measured per-iteration
// cost. The worker count is clamped to the number of chunks; it never
// pays to spin up more workers than there are chunks.
func New(n, requestedWorkers int, perIter time.Duration) Plan {
	if n <= 0 {
		return Plan{N: n, ChunkSize: 1}
	}

	chunkSize := 1
	if s := perIter.Seconds(); s > 0 {
		chunkSize = int(TargetChunkSeconds / s)
		if chunkSize < 1 {
			chunkSize = 1
		}
	}

	numChunks := (n + chunkSize - 1) / chunkSize

	workers := requestedWorkers
	if workers > numChunks {
		workers = numChunks
	}
	if workers < 1 {
		workers = 1
	}

	return Plan{N: n, ChunkSize: chunkSize, NumChunks: numChunks, Workers: workers}
}

// Fixed computes a plan with a caller-chosen chunk size, bypassing the
// timing heuristic. The worker count is clamped the same way as in New.
func Fixed(n, requestedWorkers, chunkSize int) Plan {
	if n <= 0 {
		return Plan{N: n, ChunkSize: 1}
	}
	if chunkSize < 1 {
		chunkSize = 1
	}

	numChunks := (n + chunkSize - 1) / chunkSize

	workers := requestedWorkers
	if workers > numChunks {
		workers = numChunks
	}
	if workers < 1 {
		workers = 1
	}

	return Plan{N: n, ChunkSize: chunkSize, NumChunks: numChunks, Workers: workers}
}

// Bounds returns the chunk for index a in 1..NumChunks.
func (p Plan) Bounds(a int) types.Chunk {
	start := (a - 1) * p.ChunkSize
	end := start + p.ChunkSize
	if end > p.N {
		end = p.N
	}
	return types.Chunk{Index: a, Start: start, End: end}
}

// BurstSize returns how many further consecutive iterations a probe
// should measure to obtain a stable per-iteration estimate, given the
// cost of the first iteration. Returns 0 when the single sample is
// already reliable.
func BurstSize(first time.Duration, remaining int) int {
	if first.Seconds() >= MinProbeSeconds || remaining <= 0 {
		return 0
	}

	per := first.Seconds()
	if per <= 0 {
		per = 1e-9
	}
	burst := int(MinProbeSeconds / per)
	if burst > MaxProbeBurst {
		burst = MaxProbeBurst
	}
	if burst > remaining {
		burst = remaining
	}
	return burst
}
