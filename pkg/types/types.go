// Package types defines the core domain model shared by the batch-job
// engine: the published job descriptor, chunks of the iteration space,
// per-iteration rows, and worker records.
package types

import (
	"errors"
	"fmt"
	"path/filepath"
	"time"
)

// JobID uniquely identifies a parallel job.
type JobID string

// Mode selects the coordination protocol for a job.
type Mode string

const (
	// ModeNetworked coordinates workers through lock files and per-chunk
	// result files in a shared working directory. Workers may run on any
	// machine with access to that directory.
	ModeNetworked Mode = "networked"

	// ModeColocated coordinates workers through a memory-mapped region
	// with an atomic next-chunk counter. All workers must run on the
	// machine that owns the region.
	ModeColocated Mode = "colocated"
)

// TimeoutAction is the policy applied when a chunk exceeds its deadline.
type TimeoutAction int

const (
	// TimeoutNone disables per-chunk deadlines.
	TimeoutNone TimeoutAction = iota
	// TimeoutSkip marks a stalled chunk permanently done with placeholder
	// results so it is never retried.
	TimeoutSkip
	// TimeoutRetry releases the stalled chunk so another worker can claim
	// it again.
	TimeoutRetry
)

func (a TimeoutAction) String() string {
	switch a {
	case TimeoutSkip:
		return "skip"
	case TimeoutRetry:
		return "retry"
	default:
		return "none"
	}
}

// Row is the input or output of a single iteration: a flat numeric
// array plus its logical shape. A nil Data slice is the placeholder
// recorded for an iteration that errored or was skipped.
type Row struct {
	Shape []int     `json:"shape,omitempty"`
	Data  []float64 `json:"data"`
}

// Placeholder reports whether the row is an error/skip placeholder.
func (r Row) Placeholder() bool { return r.Data == nil }

// Len returns the number of elements implied by the shape, or the raw
// data length when no shape is recorded.
func (r Row) Len() int {
	if r.Shape == nil {
		return len(r.Data)
	}
	n := 1
	for _, d := range r.Shape {
		n *= d
	}
	return n
}

// SameShape reports whether two logical shapes are identical.
func SameShape(a, b []int) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

// Chunk is a contiguous half-open range [Start, End) of iteration
// indices, the unit of claiming, computation and result storage.
// Chunk indices are 1-based.
type Chunk struct {
	Index int `json:"index"`
	Start int `json:"start"`
	End   int `json:"end"`
}

// Size returns the number of iterations in the chunk.
func (c Chunk) Size() int { return c.End - c.Start }

// JobDescriptor is the single source of truth a worker needs to join a
// job. It is published once by the controller and never mutated; its
// disappearance from the working directory is the cancellation signal.
type JobDescriptor struct {
	ID   JobID  `json:"id"`
	Func string `json:"func"` // registered function name

	InputPath  string `json:"input_path"`
	InputShape []int  `json:"input_shape,omitempty"`
	N          int    `json:"n"`
	ChunkSize  int    `json:"chunk_size"`

	// TimeoutMs is the per-chunk deadline in milliseconds. Zero disables
	// it; a positive value skips stalled chunks permanently; a negative
	// value makes stalled chunks reclaimable.
	TimeoutMs int64 `json:"timeout_ms"`

	WorkDir string                 `json:"work_dir"`
	Context map[string]interface{} `json:"context,omitempty"`
	Mode    Mode                   `json:"mode"`

	// OutputShape is the per-iteration output shape established by the
	// timing probe. Required in co-located mode, where results are
	// written into a fixed-layout shared buffer.
	OutputShape []int `json:"output_shape,omitempty"`

	Workers int      `json:"workers"`
	Hosts   []string `json:"hosts,omitempty"`
}

// ErrInvalidDescriptor reports a descriptor that cannot describe a
// runnable job.
var ErrInvalidDescriptor = errors.New("invalid job descriptor")

// Validate checks the descriptor invariants a worker relies on.
func (d *JobDescriptor) Validate() error {
	switch {
	case d.ID == "":
		return fmt.Errorf("%w: missing job ID", ErrInvalidDescriptor)
	case d.Func == "":
		return fmt.Errorf("%w: missing function name", ErrInvalidDescriptor)
	case d.N < 0:
		return fmt.Errorf("%w: negative iteration count %d", ErrInvalidDescriptor, d.N)
	case d.N > 0 && d.ChunkSize < 1:
		return fmt.Errorf("%w: chunk size %d", ErrInvalidDescriptor, d.ChunkSize)
	case d.WorkDir == "":
		return fmt.Errorf("%w: missing working directory", ErrInvalidDescriptor)
	case d.Mode != ModeNetworked && d.Mode != ModeColocated:
		return fmt.Errorf("%w: unknown mode %q", ErrInvalidDescriptor, d.Mode)
	case d.Mode == ModeColocated && len(d.OutputShape) == 0:
		return fmt.Errorf("%w: co-located mode requires an output shape", ErrInvalidDescriptor)
	}
	return nil
}

// NumChunks returns ceil(N / ChunkSize), the number of chunks in the
// iteration space.
func (d *JobDescriptor) NumChunks() int {
	if d.N <= 0 {
		return 0
	}
	return (d.N + d.ChunkSize - 1) / d.ChunkSize
}

// ChunkBounds returns the chunk for index a in 1..NumChunks. The final
// chunk may be shorter than ChunkSize; the sum of all chunk sizes is N.
func (d *JobDescriptor) ChunkBounds(a int) Chunk {
	start := (a - 1) * d.ChunkSize
	end := start + d.ChunkSize
	if end > d.N {
		end = d.N
	}
	return Chunk{Index: a, Start: start, End: end}
}

// ChunkTimeout returns the magnitude of the per-chunk deadline, or zero
// when timeouts are disabled.
func (d *JobDescriptor) ChunkTimeout() time.Duration {
	ms := d.TimeoutMs
	if ms < 0 {
		ms = -ms
	}
	return time.Duration(ms) * time.Millisecond
}

// TimeoutAction returns the stall policy encoded in the sign of the
// configured timeout.
func (d *JobDescriptor) TimeoutAction() TimeoutAction {
	switch {
	case d.TimeoutMs > 0:
		return TimeoutSkip
	case d.TimeoutMs < 0:
		return TimeoutRetry
	default:
		return TimeoutNone
	}
}

// DescriptorPath returns the canonical descriptor location inside a
// working directory. Deleting this file cancels the job.
func DescriptorPath(workDir string) string {
	return filepath.Join(workDir, "job.json")
}

// WorkerRecord is one slot of shared coordination state describing a
// single worker: which process occupies the slot, whether it has
// finished, and the deadline of the chunk it is computing. Mutated only
// by the worker occupying the slot; read by the controller for liveness
// checks and timeout enforcement.
type WorkerRecord struct {
	Slot     int    `json:"slot"`
	PID      int    `json:"pid"`
	Host     string `json:"host,omitempty"`
	Chunk    int    `json:"chunk"`       // chunk being computed, 0 if idle
	Deadline int64  `json:"deadline_ms"` // Unix ms; 0 if no deadline armed
	Finished bool   `json:"finished,omitempty"`
}

// Expired reports whether the record's deadline has passed at the given
// time. Finished records and records without an armed deadline never
// expire.
func (r WorkerRecord) Expired(now time.Time) bool {
	return r.Deadline != 0 && !r.Finished && now.UnixMilli() > r.Deadline
}
