package coord

// ============================================================================
// In-memory coordination (test fake)
// Responsibilities:
// 1. Provide the ChunkStore contract without any filesystem or region
// 2. Track per-chunk state transitions (unclaimed -> claimed -> done)
// 3. Count claims per chunk so tests can verify at-most-one-claim
// ============================================================================

import (
	"fmt"
	"sync"

	"github.com/ojwoodford/batch-job/pkg/types"
)

// chunkState mirrors the lifecycle a chunk moves through in the real
// stores.
type chunkState int

const (
	chunkUnclaimed chunkState = iota
	chunkClaimed
	chunkDone
)

// MemStore is an in-memory ChunkStore for tests. It keeps the same
// state machine as the real stores and additionally counts how many
// times each chunk's compute path was handed out.
type MemStore struct {
	mu        sync.Mutex
	numChunks int
	state     map[int]chunkState
	rows      map[int][]types.Row
	claims    map[int]int
	cancelled bool
}

var _ ChunkStore = (*MemStore)(nil)

// NewMemStore returns a store over numChunks chunks, all unclaimed.
func NewMemStore(numChunks int) *MemStore {
	s := &MemStore{
		numChunks: numChunks,
		state:     make(map[int]chunkState, numChunks),
		rows:      make(map[int][]types.Row, numChunks),
		claims:    make(map[int]int, numChunks),
	}
	for a := 1; a <= numChunks; a++ {
		s.state[a] = chunkUnclaimed
	}
	return s
}

// Claim hands out the lowest unclaimed chunk.
func (s *MemStore) Claim() (int, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for a := 1; a <= s.numChunks; a++ {
		if s.state[a] == chunkUnclaimed {
			s.state[a] = chunkClaimed
			s.claims[a]++
			return a, true, nil
		}
	}
	return 0, false, nil
}

// Complete records the chunk's rows and marks it done.
func (s *MemStore) Complete(index int, rows []types.Row) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if index < 1 || index > s.numChunks {
		return fmt.Errorf("%w: %d", ErrUnknownChunk, index)
	}
	if s.state[index] != chunkClaimed {
		return fmt.Errorf("%w: chunk %d", ErrNotClaimed, index)
	}
	s.rows[index] = rows
	s.state[index] = chunkDone
	return nil
}

// CompleteDirect marks a never-claimed chunk done; the controller's
// synchronous chunk #1.
func (s *MemStore) CompleteDirect(index int, rows []types.Row) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if index < 1 || index > s.numChunks {
		return fmt.Errorf("%w: %d", ErrUnknownChunk, index)
	}
	s.rows[index] = rows
	s.state[index] = chunkDone
	return nil
}

// Abandon returns a claimed chunk to the unclaimed state.
func (s *MemStore) Abandon(index int) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if index < 1 || index > s.numChunks {
		return fmt.Errorf("%w: %d", ErrUnknownChunk, index)
	}
	if s.state[index] != chunkClaimed {
		return fmt.Errorf("%w: chunk %d", ErrNotClaimed, index)
	}
	s.state[index] = chunkUnclaimed
	return nil
}

// Rows returns the recorded rows for a chunk.
func (s *MemStore) Rows(index int) ([]types.Row, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.state[index] != chunkDone {
		return nil, false, nil
	}
	return s.rows[index], true, nil
}

// Done reports whether every chunk is done.
func (s *MemStore) Done() (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for a := 1; a <= s.numChunks; a++ {
		if s.state[a] != chunkDone {
			return false, nil
		}
	}
	return true, nil
}

// DoneChunks counts the chunks marked done.
func (s *MemStore) DoneChunks() (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	done := 0
	for a := 1; a <= s.numChunks; a++ {
		if s.state[a] == chunkDone {
			done++
		}
	}
	return done, nil
}

// Cancelled reports whether Cancel has been called.
func (s *MemStore) Cancelled() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cancelled
}

// Cancel marks the job cancelled.
func (s *MemStore) Cancel() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cancelled = true
	return nil
}

// Close is a no-op.
func (s *MemStore) Close() error { return nil }

// ClaimCount returns how many times a chunk was handed out. Tests use
// it to verify that exactly one compute path ran per chunk.
func (s *MemStore) ClaimCount(index int) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.claims[index]
}

// TotalClaims returns the sum of all claim counts.
func (s *MemStore) TotalClaims() int {
	s.mu.Lock()
	defer s.mu.Unlock()

	total := 0
	for _, c := range s.claims {
		total += c
	}
	return total
}
