// Package coord implements the shared coordination state that hands
// each chunk of the iteration space to exactly one taker.
//
// Two interchangeable implementations sit behind the ChunkStore
// contract: a filesystem store for networked jobs (per-chunk result
// files plus lock files in a shared directory) and a memory-mapped
// store for co-located jobs (an atomic next-chunk counter plus
// per-worker records). A third, purely in-memory store backs tests.
package coord

import (
	"errors"

	"github.com/ojwoodford/batch-job/pkg/types"
)

// Predefined errors
var (
	// ErrNotClaimed indicates a Complete or Abandon for a chunk the
	// caller does not hold.
	ErrNotClaimed = errors.New("coord: chunk not claimed by caller")

	// ErrUnknownChunk indicates a chunk index outside 1..NumChunks.
	ErrUnknownChunk = errors.New("coord: unknown chunk index")

	// ErrShapeMismatch indicates a result row that does not fit the
	// fixed-layout shared output buffer.
	ErrShapeMismatch = errors.New("coord: row shape does not match output buffer")
)

// ChunkStore hands out each chunk index to exactly one taker and lets
// any taker learn whether a chunk is already taken or done.
//
// A successful Claim establishes exclusive ownership of the chunk until
// the owner calls Complete (recording results, permanently done) or
// Abandon (chunk becomes claimable again). Claims that fail because
// another worker owns or finished the chunk are normal concurrency
// outcomes, not errors: Claim simply moves on and eventually reports
// ok=false when nothing claimable remains.
type ChunkStore interface {
	// Claim returns the index of a chunk to compute, or ok=false when no
	// unclaimed chunks remain from this taker's point of view.
	Claim() (index int, ok bool, err error)

	// Complete records the chunk's per-iteration rows and releases the
	// claim. A recorded chunk is never recomputed.
	Complete(index int, rows []types.Row) error

	// Abandon releases the claim without recording a result, making the
	// chunk claimable again by whichever worker reaches it next.
	Abandon(index int) error

	// Rows returns the recorded rows for a chunk, ok=false if the chunk
	// has no recorded result.
	Rows(index int) (rows []types.Row, ok bool, err error)

	// Done reports whether every chunk has a recorded result.
	Done() (bool, error)

	// Cancelled reports whether the job has been cancelled. Workers
	// check this at chunk boundaries and must not record further results
	// once it returns true.
	Cancelled() bool

	// Cancel signals cancellation to all workers.
	Cancel() error

	// Close releases any held claims and local resources.
	Close() error
}
