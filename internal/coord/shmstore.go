package coord

// ============================================================================
// Shared-memory coordination (co-located mode)
// Responsibilities:
// 1. Hand out chunks through an atomic next-index counter in a
//    memory-mapped region shared by all worker processes on one machine
// 2. Track per-worker records (pid, current chunk, deadline, finished)
// 3. Write results directly into a shared output buffer at each chunk's
//    offset instead of discrete files
// ============================================================================
//
// Region layout, in 8-byte words:
//
//   [0] magic
//   [1] cancel flag
//   [2] next chunk index (initialized to 2: the controller computes
//       chunk #1 synchronously during the timing probe)
//   [3] number of chunks
//   [4] number of worker slots
//   [5 ..] worker records, 4 words per slot: pid, chunk, deadline, finished
//   [...] per-chunk state words: stateUnclaimed, stateClaimed, stateDone
//
// The counter only increases. Exclusivity is established by the
// compare-and-swap on the chunk's state word: the counter is an
// allocation hint, the CAS is the gate. That is also what makes
// Abandon safe: a released chunk drops back to stateUnclaimed and is
// picked up by the reclaim scan of a later Claim.

import (
	"fmt"
	"math"
	"os"
	"path/filepath"
	"sync/atomic"
	"unsafe"

	"golang.org/x/sys/unix"

	"github.com/ojwoodford/batch-job/pkg/types"
)

const (
	shmMagic = int64(0x424a434f) // "BJCO"

	headerWords     = 5
	wordsPerWorker  = 4
	workerWordPID   = 0
	workerWordChunk = 1
	workerWordDL    = 2
	workerWordFin   = 3

	stateUnclaimed = int64(0)
	stateClaimed   = int64(1)
	stateDone      = int64(2)
)

// RegionPath returns the coordination region file for a working
// directory.
func RegionPath(workDir string) string {
	return filepath.Join(workDir, "coord.shm")
}

// OutputBufferPath returns the shared output buffer file for a working
// directory.
func OutputBufferPath(workDir string) string {
	return filepath.Join(workDir, "output.bin")
}

// SHMStore coordinates co-located worker processes through a
// memory-mapped region and a shared output buffer.
type SHMStore struct {
	desc   *types.JobDescriptor
	rowLen int

	regionFile *os.File
	region     []byte

	outFile *os.File
	out     []float64
}

var _ ChunkStore = (*SHMStore)(nil)

// CreateSHMStore allocates and initializes the coordination region and
// the shared output buffer. Called once, by the controller, before any
// worker is launched.
func CreateSHMStore(desc *types.JobDescriptor) (*SHMStore, error) {
	s, err := mapSHMStore(desc, true)
	if err != nil {
		return nil, err
	}

	atomic.StoreInt64(s.word(2), 2) // controller owns chunk #1
	atomic.StoreInt64(s.word(3), int64(desc.NumChunks()))
	atomic.StoreInt64(s.word(4), int64(desc.Workers))
	atomic.StoreInt64(s.word(0), shmMagic) // magic last: region is now valid

	return s, nil
}

// OpenSHMStore maps an existing coordination region. Called by worker
// processes joining the job.
func OpenSHMStore(desc *types.JobDescriptor) (*SHMStore, error) {
	s, err := mapSHMStore(desc, false)
	if err != nil {
		return nil, err
	}
	if atomic.LoadInt64(s.word(0)) != shmMagic {
		s.Close()
		return nil, fmt.Errorf("coord: %s is not an initialized region", RegionPath(desc.WorkDir))
	}
	if got := atomic.LoadInt64(s.word(3)); got != int64(desc.NumChunks()) {
		s.Close()
		return nil, fmt.Errorf("coord: region chunk count %d does not match descriptor %d", got, desc.NumChunks())
	}
	return s, nil
}

func mapSHMStore(desc *types.JobDescriptor, create bool) (*SHMStore, error) {
	rowLen := 1
	for _, d := range desc.OutputShape {
		rowLen *= d
	}

	regionWords := headerWords + desc.Workers*wordsPerWorker + desc.NumChunks()
	regionSize := regionWords * 8

	flags := os.O_RDWR
	if create {
		flags |= os.O_CREATE
	}

	rf, err := os.OpenFile(RegionPath(desc.WorkDir), flags, 0644)
	if err != nil {
		return nil, fmt.Errorf("coord: failed to open region: %w", err)
	}
	if create {
		if err := rf.Truncate(int64(regionSize)); err != nil {
			rf.Close()
			return nil, fmt.Errorf("coord: failed to size region: %w", err)
		}
	}

	region, err := unix.Mmap(int(rf.Fd()), 0, regionSize, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		rf.Close()
		return nil, fmt.Errorf("coord: failed to map region: %w", err)
	}

	s := &SHMStore{desc: desc, rowLen: rowLen, regionFile: rf, region: region}

	outSize := int64(rowLen) * int64(desc.N) * 8
	if outSize > 0 {
		of, err := os.OpenFile(OutputBufferPath(desc.WorkDir), flags, 0644)
		if err != nil {
			s.Close()
			return nil, fmt.Errorf("coord: failed to open output buffer: %w", err)
		}
		if create {
			if err := of.Truncate(outSize); err != nil {
				of.Close()
				s.Close()
				return nil, fmt.Errorf("coord: failed to size output buffer: %w", err)
			}
		}
		raw, err := unix.Mmap(int(of.Fd()), 0, int(outSize), unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
		if err != nil {
			of.Close()
			s.Close()
			return nil, fmt.Errorf("coord: failed to map output buffer: %w", err)
		}
		s.outFile = of
		s.out = unsafe.Slice((*float64)(unsafe.Pointer(&raw[0])), rowLen*desc.N)
	}

	return s, nil
}

// word returns a pointer suitable for atomic access to region word i.
// The mapping is page aligned, so every word is 8-byte aligned.
func (s *SHMStore) word(i int) *int64 {
	return (*int64)(unsafe.Pointer(&s.region[i*8]))
}

func (s *SHMStore) stateWord(a int) *int64 {
	return s.word(headerWords + s.desc.Workers*wordsPerWorker + (a - 1))
}

func (s *SHMStore) workerWord(slot, field int) *int64 {
	return s.word(headerWords + slot*wordsPerWorker + field)
}

// Claim hands out the next chunk. Abandoned chunks below the counter
// are reclaimed first; otherwise the counter is advanced with a
// fetch-and-add. No two claims ever return the same chunk, because
// ownership is decided by the CAS on the chunk's state word.
func (s *SHMStore) Claim() (int, bool, error) {
	numChunks := int64(s.desc.NumChunks())

	// Reclaim scan: chunks the counter already passed that were
	// abandoned by a timed-out worker.
	limit := atomic.LoadInt64(s.word(2)) - 1
	if limit > numChunks {
		limit = numChunks
	}
	for a := int64(1); a <= limit; a++ {
		if atomic.CompareAndSwapInt64(s.stateWord(int(a)), stateUnclaimed, stateClaimed) {
			return int(a), true, nil
		}
	}

	for {
		base := atomic.AddInt64(s.word(2), 1) - 1
		if base > numChunks {
			return 0, false, nil
		}
		if atomic.CompareAndSwapInt64(s.stateWord(int(base)), stateUnclaimed, stateClaimed) {
			return int(base), true, nil
		}
	}
}

// Complete writes the chunk's rows into the shared output buffer at the
// chunk's offset and marks the chunk done. Placeholder rows are written
// as NaN.
func (s *SHMStore) Complete(index int, rows []types.Row) error {
	if index < 1 || index > s.desc.NumChunks() {
		return fmt.Errorf("%w: %d", ErrUnknownChunk, index)
	}
	if err := s.writeRows(index, rows); err != nil {
		return err
	}
	atomic.StoreInt64(s.stateWord(index), stateDone)
	return nil
}

// CompleteDirect is Complete for a chunk that was never claimed through
// the counter: the controller's synchronous chunk #1.
func (s *SHMStore) CompleteDirect(index int, rows []types.Row) error {
	return s.Complete(index, rows)
}

func (s *SHMStore) writeRows(index int, rows []types.Row) error {
	c := s.desc.ChunkBounds(index)
	if len(rows) != c.Size() {
		return fmt.Errorf("coord: chunk %d expects %d rows, got %d", index, c.Size(), len(rows))
	}
	for i, row := range rows {
		off := (c.Start + i) * s.rowLen
		if row.Placeholder() {
			for j := 0; j < s.rowLen; j++ {
				s.out[off+j] = math.NaN()
			}
			continue
		}
		if len(row.Data) != s.rowLen {
			return fmt.Errorf("%w: iteration %d has %d elements, buffer row is %d",
				ErrShapeMismatch, c.Start+i, len(row.Data), s.rowLen)
		}
		copy(s.out[off:off+s.rowLen], row.Data)
	}
	return nil
}

// Abandon drops a claimed chunk back to unclaimed so the reclaim scan
// of a later Claim picks it up. A chunk that is already done stays
// done; a recorded result is never reverted.
func (s *SHMStore) Abandon(index int) error {
	if index < 1 || index > s.desc.NumChunks() {
		return fmt.Errorf("%w: %d", ErrUnknownChunk, index)
	}
	atomic.CompareAndSwapInt64(s.stateWord(index), stateClaimed, stateUnclaimed)
	return nil
}

// Rows reconstructs a done chunk's rows from the shared output buffer.
func (s *SHMStore) Rows(index int) ([]types.Row, bool, error) {
	if index < 1 || index > s.desc.NumChunks() {
		return nil, false, fmt.Errorf("%w: %d", ErrUnknownChunk, index)
	}
	if atomic.LoadInt64(s.stateWord(index)) != stateDone {
		return nil, false, nil
	}

	c := s.desc.ChunkBounds(index)
	rows := make([]types.Row, c.Size())
	for i := range rows {
		off := (c.Start + i) * s.rowLen
		data := make([]float64, s.rowLen)
		copy(data, s.out[off:off+s.rowLen])
		rows[i] = types.Row{Shape: s.desc.OutputShape, Data: data}
	}
	return rows, true, nil
}

// Done reports whether every chunk is marked done.
func (s *SHMStore) Done() (bool, error) {
	for a := 1; a <= s.desc.NumChunks(); a++ {
		if atomic.LoadInt64(s.stateWord(a)) != stateDone {
			return false, nil
		}
	}
	return true, nil
}

// DoneChunks counts the chunks marked done. Used for progress
// reporting.
func (s *SHMStore) DoneChunks() (int, error) {
	done := 0
	for a := 1; a <= s.desc.NumChunks(); a++ {
		if atomic.LoadInt64(s.stateWord(a)) == stateDone {
			done++
		}
	}
	return done, nil
}

// Cancelled reports whether the shared cancel flag is set.
func (s *SHMStore) Cancelled() bool {
	return atomic.LoadInt64(s.word(1)) != 0
}

// Cancel sets the shared cancel flag and deletes the job descriptor, so
// both co-located workers (flag) and any observer of the working
// directory (descriptor absence) see the same signal.
func (s *SHMStore) Cancel() error {
	atomic.StoreInt64(s.word(1), 1)
	err := os.Remove(types.DescriptorPath(s.desc.WorkDir))
	if err != nil && !os.IsNotExist(err) {
		return err
	}
	return nil
}

// SetWorkerStarted records the process occupying a worker slot.
func (s *SHMStore) SetWorkerStarted(slot, pid int) {
	atomic.StoreInt64(s.workerWord(slot, workerWordPID), int64(pid))
	atomic.StoreInt64(s.workerWord(slot, workerWordFin), 0)
}

// SetWorkerChunk records the chunk a slot is computing and its
// deadline (Unix ms; 0 when no deadline is armed).
func (s *SHMStore) SetWorkerChunk(slot, chunk int, deadline int64) {
	atomic.StoreInt64(s.workerWord(slot, workerWordChunk), int64(chunk))
	atomic.StoreInt64(s.workerWord(slot, workerWordDL), deadline)
}

// SetWorkerFinished marks a slot finished. Only the occupying worker
// writes its slot; the controller reads it for liveness checks.
func (s *SHMStore) SetWorkerFinished(slot int) {
	atomic.StoreInt64(s.workerWord(slot, workerWordChunk), 0)
	atomic.StoreInt64(s.workerWord(slot, workerWordDL), 0)
	atomic.StoreInt64(s.workerWord(slot, workerWordFin), 1)
}

// WorkerRecords returns a snapshot of every worker slot.
func (s *SHMStore) WorkerRecords() []types.WorkerRecord {
	recs := make([]types.WorkerRecord, s.desc.Workers)
	for slot := range recs {
		recs[slot] = types.WorkerRecord{
			Slot:     slot,
			PID:      int(atomic.LoadInt64(s.workerWord(slot, workerWordPID))),
			Chunk:    int(atomic.LoadInt64(s.workerWord(slot, workerWordChunk))),
			Deadline: atomic.LoadInt64(s.workerWord(slot, workerWordDL)),
			Finished: atomic.LoadInt64(s.workerWord(slot, workerWordFin)) != 0,
		}
	}
	return recs
}

// NextIndex returns the current value of the shared counter. Test hook.
func (s *SHMStore) NextIndex() int64 {
	return atomic.LoadInt64(s.word(2))
}

// Close unmaps the region and output buffer. It does not delete the
// backing files; other processes may still have them mapped.
func (s *SHMStore) Close() error {
	var first error
	if s.out != nil {
		raw := unsafe.Slice((*byte)(unsafe.Pointer(&s.out[0])), len(s.out)*8)
		if err := unix.Munmap(raw); err != nil && first == nil {
			first = err
		}
		s.out = nil
	}
	if s.outFile != nil {
		s.outFile.Close()
		s.outFile = nil
	}
	if s.region != nil {
		if err := unix.Munmap(s.region); err != nil && first == nil {
			first = err
		}
		s.region = nil
	}
	if s.regionFile != nil {
		s.regionFile.Close()
		s.regionFile = nil
	}
	return first
}
