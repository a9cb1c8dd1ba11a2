package coord

// ============================================================================
// Filesystem coordination (networked mode)
// Responsibilities:
// 1. Infer chunk completeness from the presence of per-chunk result files
// 2. Obtain exclusivity via a lock file on the result file's name
// 3. Scan candidate chunks in a randomly shifted cyclic order
// 4. Treat descriptor-file absence as the cancellation signal
// ============================================================================

import (
	"fmt"
	"math/rand"
	"os"
	"path/filepath"
	"sync"

	"github.com/ojwoodford/batch-job/internal/binstore"
	"github.com/ojwoodford/batch-job/internal/lock"
	"github.com/ojwoodford/batch-job/internal/metrics"
	"github.com/ojwoodford/batch-job/pkg/types"
)

// ChunkResultPath returns the result file for chunk a inside a working
// directory. Its existence is the authoritative "chunk done" marker.
func ChunkResultPath(workDir string, a int) string {
	return filepath.Join(workDir, fmt.Sprintf("chunk-%d.bin", a))
}

// FSStore coordinates workers through a shared filesystem directory.
// There is no shared counter: exclusivity comes from lock files, and
// completeness from result-file existence.
type FSStore struct {
	desc   *types.JobDescriptor
	offset int // random cyclic shift of the claim scan order
	mc     *metrics.Collector

	mu   sync.Mutex
	held map[int]*lock.Lock
}

var _ ChunkStore = (*FSStore)(nil)

// NewFSStore returns a filesystem store for the given job. Each store
// instance scans chunks in an order cyclically shifted by a random
// offset, so workers starting together do not all converge on the same
// low-numbered chunk.
func NewFSStore(desc *types.JobDescriptor) *FSStore {
	offset := 0
	if n := desc.NumChunks(); n > 1 {
		offset = rand.Intn(n)
	}
	return &FSStore{
		desc:   desc,
		offset: offset,
		held:   make(map[int]*lock.Lock),
	}
}

// SetMetrics attaches a collector for claim-contention accounting. A
// nil collector records nothing.
func (s *FSStore) SetMetrics(mc *metrics.Collector) { s.mc = mc }

// Claim scans for a chunk with no result file, trying the lock for each
// candidate. The existence checks are advisory and may race harmlessly:
// a losing race wastes a check, and the lock attempt is the real gate.
func (s *FSStore) Claim() (int, bool, error) {
	n := s.desc.NumChunks()
	for k := 0; k < n; k++ {
		a := 1 + (s.offset+k)%n

		path := ChunkResultPath(s.desc.WorkDir, a)
		if binstore.Exists(path) {
			continue
		}

		l, ok, err := lock.TryAcquire(path)
		if err != nil {
			return 0, false, err
		}
		if !ok {
			// Another worker owns it.
			s.mc.RecordClaimConflict()
			continue
		}

		// Re-check under the lock: the previous owner may have finished
		// between our existence check and the acquisition.
		if binstore.Exists(path) {
			l.Release()
			s.mc.RecordClaimConflict()
			continue
		}

		s.mu.Lock()
		s.held[a] = l
		s.mu.Unlock()
		return a, true, nil
	}
	return 0, false, nil
}

// Complete writes the chunk's result file and releases the claim. The
// write is atomic, so the file's existence is a safe done marker.
func (s *FSStore) Complete(index int, rows []types.Row) error {
	s.mu.Lock()
	l, ok := s.held[index]
	delete(s.held, index)
	s.mu.Unlock()
	if !ok {
		return fmt.Errorf("%w: chunk %d", ErrNotClaimed, index)
	}

	err := binstore.WriteRows(ChunkResultPath(s.desc.WorkDir, index), rows)
	if relErr := l.Release(); err == nil {
		err = relErr
	}
	return err
}

// CompleteDirect records a chunk result without a claim. It is used by
// the controller for chunk #1, which is computed synchronously during
// the timing probe before any worker exists.
func (s *FSStore) CompleteDirect(index int, rows []types.Row) error {
	return binstore.WriteRows(ChunkResultPath(s.desc.WorkDir, index), rows)
}

// Abandon releases the claim without writing a result.
func (s *FSStore) Abandon(index int) error {
	s.mu.Lock()
	l, ok := s.held[index]
	delete(s.held, index)
	s.mu.Unlock()
	if !ok {
		return fmt.Errorf("%w: chunk %d", ErrNotClaimed, index)
	}
	return l.Release()
}

// Rows reads a chunk's recorded result, ok=false if it does not exist.
func (s *FSStore) Rows(index int) ([]types.Row, bool, error) {
	path := ChunkResultPath(s.desc.WorkDir, index)
	rows, err := binstore.ReadRows(path)
	if os.IsNotExist(err) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	return rows, true, nil
}

// Done reports whether every chunk has a result file.
func (s *FSStore) Done() (bool, error) {
	for a := 1; a <= s.desc.NumChunks(); a++ {
		if !binstore.Exists(ChunkResultPath(s.desc.WorkDir, a)) {
			return false, nil
		}
	}
	return true, nil
}

// DoneChunks counts the chunks with a recorded result. Used for
// progress reporting.
func (s *FSStore) DoneChunks() (int, error) {
	done := 0
	for a := 1; a <= s.desc.NumChunks(); a++ {
		if binstore.Exists(ChunkResultPath(s.desc.WorkDir, a)) {
			done++
		}
	}
	return done, nil
}

// Cancelled reports whether the job descriptor has been deleted.
func (s *FSStore) Cancelled() bool {
	_, err := os.Stat(types.DescriptorPath(s.desc.WorkDir))
	return os.IsNotExist(err)
}

// Cancel deletes the job descriptor. Workers observe the deletion at
// their next chunk boundary and stop without writing further results.
func (s *FSStore) Cancel() error {
	err := os.Remove(types.DescriptorPath(s.desc.WorkDir))
	if err != nil && !os.IsNotExist(err) {
		return err
	}
	return nil
}

// BreakChunkLock steals and clears the lock of a chunk whose owner is
// suspected dead, making the chunk claimable again. Used by the
// controller during stall recovery.
func (s *FSStore) BreakChunkLock(index int) (bool, error) {
	return lock.ForceClear(ChunkResultPath(s.desc.WorkDir, index))
}

// SetWorkerStarted publishes the slot's liveness record. Best effort;
// a failed write only delays stall detection.
func (s *FSStore) SetWorkerStarted(slot, pid int) {
	host, _ := os.Hostname()
	WriteLiveness(s.desc.WorkDir, types.WorkerRecord{Slot: slot, PID: pid, Host: host})
}

// SetWorkerChunk records which chunk the slot is computing and the
// deadline armed for it (Unix ms, 0 when idle or undeadlined).
func (s *FSStore) SetWorkerChunk(slot, chunk int, deadline int64) {
	rec := s.livenessRecord(slot)
	rec.Chunk = chunk
	rec.Deadline = deadline
	WriteLiveness(s.desc.WorkDir, rec)
}

// SetWorkerFinished marks the slot's record terminal so the controller
// stops watching it.
func (s *FSStore) SetWorkerFinished(slot int) {
	rec := s.livenessRecord(slot)
	rec.Chunk = 0
	rec.Deadline = 0
	rec.Finished = true
	WriteLiveness(s.desc.WorkDir, rec)
}

func (s *FSStore) livenessRecord(slot int) types.WorkerRecord {
	rec, ok, _ := ReadLiveness(s.desc.WorkDir, slot)
	if !ok {
		rec = types.WorkerRecord{Slot: slot, PID: os.Getpid()}
		rec.Host, _ = os.Hostname()
	}
	return rec
}

// WorkerRecords returns the liveness records of all slots that have
// published one.
func (s *FSStore) WorkerRecords() []types.WorkerRecord {
	recs, _ := ReadAllLiveness(s.desc.WorkDir, s.desc.Workers)
	return recs
}

// Close releases any claims still held by this store instance.
func (s *FSStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	var first error
	for a, l := range s.held {
		if err := l.Release(); err != nil && first == nil {
			first = err
		}
		delete(s.held, a)
	}
	return first
}
