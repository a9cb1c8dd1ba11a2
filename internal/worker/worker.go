// Package worker implements the chunk-processing loop that runs inside
// each worker process. A worker repeatedly claims a chunk, computes its
// iterations, records the results, and exits when no claimable chunk
// remains or the job is cancelled.
//
// Each worker polices its own deadline: a watchdog timer armed per
// chunk applies the job's timeout policy from inside the process, so a
// stalled chunk is handled even when the controller cannot reach the
// worker.
package worker

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/ojwoodford/batch-job/internal/coord"
	"github.com/ojwoodford/batch-job/internal/metrics"
	"github.com/ojwoodford/batch-job/internal/registry"
	"github.com/ojwoodford/batch-job/pkg/types"
)

// Chunk fate values. The compute path and the watchdog race to settle
// each chunk; a single CAS decides the winner.
const (
	fateOpen     int64 = iota // chunk in progress
	fateRecorded              // compute path finished first
	fateTimedOut              // watchdog fired first
)

// tracker is the optional liveness surface of a ChunkStore. Both real
// stores implement it; the in-memory test store does not.
type tracker interface {
	SetWorkerChunk(slot, chunk int, deadline int64)
	SetWorkerFinished(slot int)
}

// Config assembles a worker. Every field except Exit and Metrics is
// required.
type Config struct {
	Slot  int
	Desc  *types.JobDescriptor
	Store coord.ChunkStore
	Fn    registry.Func
	Input []types.Row

	Metrics *metrics.Collector

	// Exit terminates the worker process. The watchdog calls it after
	// applying the timeout policy, because the goroutine stuck in user
	// code cannot be stopped any other way. Defaults to os.Exit; tests
	// inject a recorder.
	Exit func(code int)
}

// Worker runs the chunk loop for one slot of a job.
type Worker struct {
	id    string
	slot  int
	desc  *types.JobDescriptor
	store coord.ChunkStore
	fn    registry.Func
	input []types.Row
	mc    *metrics.Collector
	exit  func(int)
	log   *slog.Logger

	fate atomic.Int64
}

// New builds a worker from cfg.
func New(cfg Config) (*Worker, error) {
	switch {
	case cfg.Desc == nil:
		return nil, fmt.Errorf("worker: nil descriptor")
	case cfg.Store == nil:
		return nil, fmt.Errorf("worker: nil store")
	case cfg.Fn == nil:
		return nil, fmt.Errorf("worker: nil function")
	case len(cfg.Input) != cfg.Desc.N:
		return nil, fmt.Errorf("worker: input has %d rows, descriptor says %d", len(cfg.Input), cfg.Desc.N)
	}

	exit := cfg.Exit
	if exit == nil {
		exit = os.Exit
	}

	id := uuid.New().String()
	return &Worker{
		id:    id,
		slot:  cfg.Slot,
		desc:  cfg.Desc,
		store: cfg.Store,
		fn:    cfg.Fn,
		input: cfg.Input,
		mc:    cfg.Metrics,
		exit:  exit,
		log: slog.With(
			"worker", id,
			"slot", cfg.Slot,
			"job", string(cfg.Desc.ID),
		),
	}, nil
}

// ID returns the worker's unique identifier.
func (w *Worker) ID() string { return w.id }

// Run executes the chunk loop until no claimable chunk remains, the
// job is cancelled, or ctx is done. Cancellation is checked only at
// chunk boundaries; a chunk in flight always runs to completion (or to
// its deadline).
func (w *Worker) Run(ctx context.Context) error {
	w.log.Info("worker started", "chunks", w.desc.NumChunks())

	for {
		if err := ctx.Err(); err != nil {
			w.finish()
			return err
		}
		if w.store.Cancelled() {
			w.log.Info("job cancelled, stopping")
			w.finish()
			return nil
		}

		a, ok, err := w.store.Claim()
		if err != nil {
			w.finish()
			return fmt.Errorf("worker %s: claim failed: %w", w.id, err)
		}
		if !ok {
			w.log.Info("no claimable chunks remain, stopping")
			w.finish()
			return nil
		}
		w.mc.RecordClaim()

		if err := w.computeChunk(a); err != nil {
			w.finish()
			return err
		}
	}
}

// computeChunk runs every iteration of chunk a and records the results.
func (w *Worker) computeChunk(a int) error {
	c := w.desc.ChunkBounds(a)
	w.log.Debug("claimed chunk", "chunk", a, "start", c.Start, "end", c.End)

	w.fate.Store(fateOpen)

	var deadline int64
	if timeout := w.desc.ChunkTimeout(); timeout > 0 {
		deadline = time.Now().Add(timeout).UnixMilli()
		timer := time.AfterFunc(timeout, func() { w.onTimeout(a) })
		defer timer.Stop()
	}
	w.track(a, deadline)

	began := time.Now()
	rows := make([]types.Row, c.Size())
	for i := c.Start; i < c.End; i++ {
		rows[i-c.Start] = w.callIteration(i)
	}

	// The watchdog may have fired while we computed. Exactly one of the
	// two paths settles the chunk.
	if !w.fate.CompareAndSwap(fateOpen, fateRecorded) {
		// The watchdog owns the chunk now and is exiting the process.
		// Park this goroutine rather than racing it for the store.
		select {}
	}

	if err := w.store.Complete(a, rows); err != nil {
		return fmt.Errorf("worker %s: failed to record chunk %d: %w", w.id, a, err)
	}
	w.mc.RecordCompleted(time.Since(began).Seconds())
	w.track(0, 0)
	w.log.Debug("recorded chunk", "chunk", a, "elapsed", time.Since(began))
	return nil
}

// callIteration invokes the user function for iteration i. A panic or
// error becomes a placeholder row; the job continues.
func (w *Worker) callIteration(i int) (row types.Row) {
	defer func() {
		if r := recover(); r != nil {
			w.log.Error("iteration panicked", "iteration", i, "panic", r)
			w.mc.RecordIterationError()
			row = types.Row{}
		}
	}()

	out, err := w.fn(w.input[i], w.desc.Context)
	if err != nil {
		w.log.Error("iteration failed", "iteration", i, "error", err)
		w.mc.RecordIterationError()
		return types.Row{}
	}
	return out
}

// onTimeout applies the job's timeout policy to chunk a and terminates
// the process. Runs on the watchdog timer's goroutine while the compute
// goroutine is still stuck in user code.
func (w *Worker) onTimeout(a int) {
	if !w.fate.CompareAndSwap(fateOpen, fateTimedOut) {
		return // compute path settled the chunk first
	}

	w.mc.RecordTimeout()
	action := w.desc.TimeoutAction()
	w.log.Warn("chunk deadline exceeded", "chunk", a, "action", action.String())

	switch action {
	case types.TimeoutSkip:
		// Record placeholders so the chunk is permanently done and no
		// other worker burns time on it.
		c := w.desc.ChunkBounds(a)
		rows := make([]types.Row, c.Size())
		if err := w.store.Complete(a, rows); err != nil {
			w.log.Error("failed to record skipped chunk", "chunk", a, "error", err)
		}
		w.mc.RecordSkipped()
		w.finish()
		w.exit(0)

	case types.TimeoutRetry:
		// Release the claim so another worker (or a replacement of this
		// one) can try the chunk again.
		if err := w.store.Abandon(a); err != nil {
			w.log.Error("failed to release timed-out chunk", "chunk", a, "error", err)
		}
		w.finish()
		w.exit(1)

	default:
		w.finish()
		w.exit(1)
	}
}

// track publishes the worker's current chunk and deadline through the
// store's liveness surface, when it has one.
func (w *Worker) track(chunk int, deadline int64) {
	if t, ok := w.store.(tracker); ok {
		t.SetWorkerChunk(w.slot, chunk, deadline)
	}
}

// finish marks the worker's slot terminal.
func (w *Worker) finish() {
	if t, ok := w.store.(tracker); ok {
		t.SetWorkerFinished(w.slot)
	}
}
