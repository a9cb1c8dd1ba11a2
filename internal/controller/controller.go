// ============================================================================
// Job controller
// Responsibilities:
// 1. Probe iteration cost and choose the chunking plan
// 2. Stage the job: input file, coordination state, chunk #1, descriptor
// 3. Launch worker processes and watch their liveness
// 4. Recover stalled chunks whose worker died before its own watchdog ran
// 5. Assemble the final result and clean up the working directory
// ============================================================================

package controller

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"runtime"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/ojwoodford/batch-job/internal/aggregate"
	"github.com/ojwoodford/batch-job/internal/binstore"
	"github.com/ojwoodford/batch-job/internal/coord"
	"github.com/ojwoodford/batch-job/internal/launch"
	"github.com/ojwoodford/batch-job/internal/metrics"
	"github.com/ojwoodford/batch-job/internal/partition"
	"github.com/ojwoodford/batch-job/internal/registry"
	"github.com/ojwoodford/batch-job/internal/worker"
	"github.com/ojwoodford/batch-job/pkg/types"
)

// WorkerSubcommand is the argv[1] that routes a binary into the worker
// entry point instead of the user's main.
const WorkerSubcommand = "batch-job-worker"

// Config describes one job run.
type Config struct {
	// Func is the registered name of the per-iteration function.
	Func string

	// Input holds one row per iteration.
	Input []types.Row

	// Context is broadcast to every worker through the job descriptor.
	// It must survive a JSON round trip.
	Context map[string]interface{}

	// Workers is the requested worker count. Zero means one per CPU.
	// The effective count is clamped to the number of chunks.
	Workers int

	// ChunkSize overrides the probe's chunk size choice when positive.
	ChunkSize int

	// Hosts lists machines to spread workers over, round robin. Empty
	// means all workers run locally. Requires ModeNetworked and a
	// shared WorkDir.
	Hosts []string

	// TimeoutMs is the per-chunk deadline in milliseconds. Zero
	// disables it, positive skips stalled chunks permanently, negative
	// retries them.
	TimeoutMs int64

	// Mode selects the coordination protocol. Defaults to
	// ModeNetworked.
	Mode types.Mode

	// WorkDir is the directory the job directory is created under.
	// Empty means the system temp directory. For multi-host jobs it
	// must be on a filesystem all hosts share.
	WorkDir string

	// Progress enables periodic progress logging and slows polling to
	// match.
	Progress bool

	// KeepFiles leaves the job directory behind for inspection.
	KeepFiles bool

	Launcher launch.Launcher
	Metrics  *metrics.Collector

	// WorkerArgs builds the command line for one worker slot. The
	// default re-executes this binary with the worker subcommand.
	WorkerArgs func(descriptorPath string, slot int) []string

	// PollInterval overrides the completion polling period. Zero means
	// 50ms, or 2s when Progress is set.
	PollInterval time.Duration

	// StallGrace is how far past a worker's deadline the controller
	// waits before declaring it dead and reclaiming its chunk. The
	// worker's own watchdog should act first; this is the backstop for
	// killed processes. Zero means 5s.
	StallGrace time.Duration
}

// direct is the store surface for recording chunk #1, which the
// controller computes without a claim.
type direct interface {
	CompleteDirect(index int, rows []types.Row) error
}

// observer is the store surface used for liveness checks and progress.
type observer interface {
	WorkerRecords() []types.WorkerRecord
	DoneChunks() (int, error)
}

// Controller runs one job from probe to assembled result.
type Controller struct {
	cfg  Config
	fn   registry.Func
	id   types.JobID
	log  *slog.Logger
	desc *types.JobDescriptor

	mu      sync.Mutex
	handles map[int]launch.Handle
}

// New validates cfg and builds a controller. The job does not start
// until Run.
func New(cfg Config) (*Controller, error) {
	fn, ok := registry.Lookup(cfg.Func)
	if !ok {
		return nil, fmt.Errorf("controller: function %q is not registered", cfg.Func)
	}

	if cfg.Mode == "" {
		cfg.Mode = types.ModeNetworked
	}
	if cfg.Mode == types.ModeColocated && len(cfg.Hosts) > 0 {
		return nil, fmt.Errorf("controller: co-located mode cannot use remote hosts")
	}
	if cfg.Workers <= 0 {
		cfg.Workers = runtime.NumCPU()
	}
	if cfg.Launcher == nil {
		cfg.Launcher = launch.Shell{}
	}
	if cfg.WorkerArgs == nil {
		exe, err := os.Executable()
		if err != nil {
			exe = os.Args[0]
		}
		cfg.WorkerArgs = func(descriptorPath string, slot int) []string {
			return []string{exe, WorkerSubcommand,
				"--descriptor", descriptorPath,
				"--slot", strconv.Itoa(slot)}
		}
	}
	if cfg.PollInterval == 0 {
		cfg.PollInterval = 50 * time.Millisecond
		if cfg.Progress {
			cfg.PollInterval = 2 * time.Second
		}
	}
	if cfg.StallGrace == 0 {
		cfg.StallGrace = 5 * time.Second
	}

	id := types.JobID(uuid.New().String())
	return &Controller{
		cfg:     cfg,
		fn:      fn,
		id:      id,
		log:     slog.With("job", string(id), "func", cfg.Func),
		handles: make(map[int]launch.Handle),
	}, nil
}

// ID returns the job's identifier.
func (c *Controller) ID() types.JobID { return c.id }

// Run executes the job to completion and returns the assembled result.
// Cancelling ctx cancels the job: workers stop at their next chunk
// boundary and Run returns ctx.Err().
func (c *Controller) Run(ctx context.Context) (*aggregate.Result, error) {
	n := len(c.cfg.Input)
	if n == 0 {
		// Zero iterations produce an empty output of the same kind a
		// uniform job would.
		return &aggregate.Result{N: 0, Uniform: true, Data: []float64{}}, nil
	}

	dir, err := c.makeWorkDir()
	if err != nil {
		return nil, err
	}
	c.log.Info("job starting", "n", n, "workdir", dir, "mode", string(c.cfg.Mode))

	// Probe iteration cost and compute chunk #1 synchronously. The
	// probe's results count: nothing is recomputed.
	chunk1, plan, err := c.probe(ctx, n)
	if err != nil {
		c.cleanup(dir, nil)
		return nil, err
	}

	desc, err := c.buildDescriptor(dir, n, plan, chunk1)
	if err != nil {
		c.cleanup(dir, nil)
		return nil, err
	}
	c.desc = desc

	if err := binstore.WriteRows(desc.InputPath, c.cfg.Input); err != nil {
		c.cleanup(dir, nil)
		return nil, fmt.Errorf("controller: failed to stage input: %w", err)
	}

	store, err := c.openStore(desc)
	if err != nil {
		c.cleanup(dir, nil)
		return nil, err
	}

	if err := store.(direct).CompleteDirect(1, chunk1); err != nil {
		c.cleanup(dir, store)
		return nil, fmt.Errorf("controller: failed to record probe chunk: %w", err)
	}

	if plan.NumChunks == 1 {
		// The probe already did all the work.
		res, err := aggregate.Assemble(desc, store)
		c.cleanup(dir, store)
		return res, err
	}

	// Everything a worker needs is now staged; publishing the
	// descriptor opens the job.
	if err := c.publishDescriptor(desc); err != nil {
		c.cleanup(dir, store)
		return nil, err
	}

	participates := desc.TimeoutAction() == types.TimeoutNone
	started := c.launchWorkers(desc, participates)
	if started == 0 && !participates {
		store.Cancel()
		c.cleanup(dir, store)
		return nil, fmt.Errorf("controller: no workers could be launched")
	}

	if participates {
		// With no deadlines to police, the controller works slot 0
		// itself instead of sitting idle.
		go c.runLocalWorker(ctx, desc, store)
	}

	if err := c.waitDone(ctx, store); err != nil {
		c.cancel(store)
		c.cleanup(dir, store)
		return nil, err
	}

	res, err := aggregate.Assemble(desc, store)
	c.reap()
	c.cleanup(dir, store)
	c.log.Info("job finished", "n", n, "chunks", plan.NumChunks)
	return res, err
}

// ============================================================================
// Staging
// ============================================================================

func (c *Controller) makeWorkDir() (string, error) {
	base := c.cfg.WorkDir
	if base == "" {
		base = os.TempDir()
	}
	dir := filepath.Join(base, "batchjob-"+string(c.id))
	if err := os.MkdirAll(dir, 0755); err != nil {
		return "", fmt.Errorf("controller: failed to create working directory: %w", err)
	}
	return dir, nil
}

// probe times the first iteration, re-measures over a burst when the
// sample is too short to trust, and finishes chunk #1 under the
// resulting plan. It returns chunk #1's rows and the plan.
func (c *Controller) probe(ctx context.Context, n int) ([]types.Row, partition.Plan, error) {
	began := time.Now()
	rows := []types.Row{c.call(0)}
	first := time.Since(began)

	perIter := first
	if burst := partition.BurstSize(first, n-1); burst > 0 && c.cfg.ChunkSize == 0 {
		for i := 1; i <= burst; i++ {
			if err := ctx.Err(); err != nil {
				return nil, partition.Plan{}, err
			}
			rows = append(rows, c.call(i))
		}
		perIter = time.Since(began) / time.Duration(len(rows))
	}

	plan := partition.New(n, c.cfg.Workers, perIter)
	if c.cfg.ChunkSize > 0 {
		plan = partition.Fixed(n, c.cfg.Workers, c.cfg.ChunkSize)
	}
	c.log.Info("probe complete",
		"per_iteration", perIter,
		"chunk_size", plan.ChunkSize,
		"chunks", plan.NumChunks,
		"workers", plan.Workers)

	c1 := plan.Bounds(1)
	for i := len(rows); i < c1.End; i++ {
		if err := ctx.Err(); err != nil {
			return nil, partition.Plan{}, err
		}
		rows = append(rows, c.call(i))
	}
	return rows[:c1.Size()], plan, nil
}

// call runs one iteration with the same panic and error containment the
// workers apply.
func (c *Controller) call(i int) (row types.Row) {
	defer func() {
		if r := recover(); r != nil {
			c.log.Error("iteration panicked", "iteration", i, "panic", r)
			c.cfg.Metrics.RecordIterationError()
			row = types.Row{}
		}
	}()

	out, err := c.fn(c.cfg.Input[i], c.cfg.Context)
	if err != nil {
		c.log.Error("iteration failed", "iteration", i, "error", err)
		c.cfg.Metrics.RecordIterationError()
		return types.Row{}
	}
	return out
}

func (c *Controller) buildDescriptor(dir string, n int, plan partition.Plan, chunk1 []types.Row) (*types.JobDescriptor, error) {
	desc := &types.JobDescriptor{
		ID:        c.id,
		Func:      c.cfg.Func,
		InputPath: filepath.Join(dir, "input.bin"),
		N:         n,
		ChunkSize: plan.ChunkSize,
		TimeoutMs: c.cfg.TimeoutMs,
		WorkDir:   dir,
		Context:   c.cfg.Context,
		Mode:      c.cfg.Mode,
		Workers:   plan.Workers,
		Hosts:     c.cfg.Hosts,
	}

	if c.cfg.Mode == types.ModeColocated {
		shape, ok := outputShape(chunk1)
		if !ok {
			return nil, fmt.Errorf("controller: co-located mode needs the probe to produce output, but every probe iteration failed")
		}
		desc.OutputShape = shape
	}

	return desc, desc.Validate()
}

// outputShape derives the fixed per-iteration output shape from the
// probe's rows.
func outputShape(rows []types.Row) ([]int, bool) {
	for _, r := range rows {
		if r.Placeholder() {
			continue
		}
		if r.Shape != nil {
			return r.Shape, true
		}
		return []int{len(r.Data)}, true
	}
	return nil, false
}

// publishDescriptor writes the descriptor atomically. Its appearance is
// what lets workers join; its disappearance is the cancellation signal.
func (c *Controller) publishDescriptor(desc *types.JobDescriptor) error {
	data, err := json.MarshalIndent(desc, "", "  ")
	if err != nil {
		return fmt.Errorf("controller: failed to marshal descriptor: %w", err)
	}

	path := types.DescriptorPath(desc.WorkDir)
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0644); err != nil {
		return fmt.Errorf("controller: failed to write descriptor: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("controller: failed to publish descriptor: %w", err)
	}
	return nil
}

func (c *Controller) openStore(desc *types.JobDescriptor) (coord.ChunkStore, error) {
	if desc.Mode == types.ModeColocated {
		return coord.CreateSHMStore(desc)
	}
	s := coord.NewFSStore(desc)
	s.SetMetrics(c.cfg.Metrics)
	return s, nil
}

// ============================================================================
// Workers
// ============================================================================

// launchWorkers starts one worker process per slot and returns how many
// launched. Launch failures are logged, not fatal: the job can finish
// on fewer workers. Slot 0 is reserved for the controller when it
// participates.
func (c *Controller) launchWorkers(desc *types.JobDescriptor, controllerHasSlot0 bool) int {
	descPath := types.DescriptorPath(desc.WorkDir)

	firstSlot := 0
	if controllerHasSlot0 {
		firstSlot = 1
	}

	started := 0
	for slot := firstSlot; slot < desc.Workers; slot++ {
		h, err := c.cfg.Launcher.Start(c.hostFor(slot), c.cfg.WorkerArgs(descPath, slot))
		if err != nil {
			c.log.Error("failed to launch worker", "slot", slot, "error", err)
			continue
		}
		c.mu.Lock()
		c.handles[slot] = h
		c.mu.Unlock()
		c.cfg.Metrics.RecordLaunch()
		started++
	}

	c.log.Info("workers launched", "started", started, "slots", desc.Workers)
	return started
}

func (c *Controller) hostFor(slot int) string {
	if len(c.cfg.Hosts) == 0 {
		return ""
	}
	return c.cfg.Hosts[slot%len(c.cfg.Hosts)]
}

// runLocalWorker runs the chunk loop in-process on slot 0.
func (c *Controller) runLocalWorker(ctx context.Context, desc *types.JobDescriptor, store coord.ChunkStore) {
	w, err := worker.New(worker.Config{
		Slot:    0,
		Desc:    desc,
		Store:   store,
		Fn:      c.fn,
		Input:   c.cfg.Input,
		Metrics: c.cfg.Metrics,
	})
	if err != nil {
		c.log.Error("failed to build local worker", "error", err)
		return
	}
	if err := w.Run(ctx); err != nil && ctx.Err() == nil {
		c.log.Error("local worker failed", "error", err)
	}
}

// ============================================================================
// Polling and stall recovery
// ============================================================================

// waitDone polls the store until every chunk is recorded. With
// deadlines armed it also scans worker records for processes that died
// mid-chunk and reclaims their work.
func (c *Controller) waitDone(ctx context.Context, store coord.ChunkStore) error {
	ticker := time.NewTicker(c.cfg.PollInterval)
	defer ticker.Stop()

	stall := time.NewTicker(time.Second)
	defer stall.Stop()
	watchStalls := c.desc.TimeoutAction() != types.TimeoutNone

	lastProgress := time.Now()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case <-ticker.C:
			done, err := store.Done()
			if err != nil {
				return fmt.Errorf("controller: completion check failed: %w", err)
			}
			if done {
				return nil
			}
			if c.cfg.Progress && time.Since(lastProgress) >= 2*time.Second {
				c.reportProgress(store)
				lastProgress = time.Now()
			}

		case <-stall.C:
			if watchStalls {
				c.recoverStalls(store)
			}
		}
	}
}

func (c *Controller) reportProgress(store coord.ChunkStore) {
	obs, ok := store.(observer)
	if !ok {
		return
	}
	done, err := obs.DoneChunks()
	if err != nil {
		return
	}

	active := 0
	for _, rec := range obs.WorkerRecords() {
		if rec.PID != 0 && !rec.Finished {
			active++
		}
	}

	total := c.desc.NumChunks()
	c.log.Info("progress", "done", done, "total", total, "workers", active)
	c.cfg.Metrics.UpdateProgress(total-done, active)
}

// recoverStalls reclaims chunks whose worker blew its deadline and then
// failed to apply its own timeout policy, which means the process is
// gone. The worker's watchdog is the first line; this only fires after
// the grace period on top of the deadline.
func (c *Controller) recoverStalls(store coord.ChunkStore) {
	obs, ok := store.(observer)
	if !ok {
		return
	}

	grace := c.cfg.StallGrace
	now := time.Now()
	for _, rec := range obs.WorkerRecords() {
		if !rec.Expired(now.Add(-grace)) || rec.Chunk == 0 {
			continue
		}

		c.log.Warn("worker stalled past its deadline, reclaiming",
			"slot", rec.Slot, "pid", rec.PID, "chunk", rec.Chunk)

		c.mu.Lock()
		h := c.handles[rec.Slot]
		delete(c.handles, rec.Slot)
		c.mu.Unlock()
		if h != nil {
			h.Kill()
			go h.Wait()
		}

		c.reclaimChunk(store, rec.Chunk)

		// The dead worker's record would trip this scan forever.
		if t, ok := store.(interface{ SetWorkerChunk(int, int, int64) }); ok {
			t.SetWorkerChunk(rec.Slot, 0, 0)
		}

		c.relaunchSlot(rec.Slot)
	}
}

// reclaimChunk applies the job's timeout policy to a dead worker's
// chunk: skip records placeholders permanently, retry makes the chunk
// claimable again. A chunk the worker managed to record before dying is
// left alone; a recorded result is never rewritten.
func (c *Controller) reclaimChunk(store coord.ChunkStore, chunk int) {
	if chunkRecorded(store, chunk) {
		return
	}

	if fs, ok := store.(*coord.FSStore); ok {
		broken, err := fs.BreakChunkLock(chunk)
		if err != nil {
			c.log.Error("failed to break chunk lock", "chunk", chunk, "error", err)
			return
		}
		if !broken {
			// A live flock holder won the steal: the worker is still
			// running and its own watchdog is in charge of the chunk.
			return
		}
	} else if err := store.Abandon(chunk); err != nil {
		c.log.Error("failed to release stalled chunk", "chunk", chunk, "error", err)
		return
	}

	// The worker may have recorded the chunk between the liveness scan
	// and the lock break.
	if chunkRecorded(store, chunk) {
		return
	}

	if c.desc.TimeoutAction() == types.TimeoutSkip {
		rows := make([]types.Row, c.desc.ChunkBounds(chunk).Size())
		if err := store.(direct).CompleteDirect(chunk, rows); err != nil {
			c.log.Error("failed to record skipped chunk", "chunk", chunk, "error", err)
			return
		}
		c.cfg.Metrics.RecordSkipped()
	}
}

// chunkRecorded reports whether the chunk already has a recorded
// result.
func chunkRecorded(store coord.ChunkStore, chunk int) bool {
	_, ok, err := store.Rows(chunk)
	return err == nil && ok
}

func (c *Controller) relaunchSlot(slot int) {
	descPath := types.DescriptorPath(c.desc.WorkDir)
	h, err := c.cfg.Launcher.Start(c.hostFor(slot), c.cfg.WorkerArgs(descPath, slot))
	if err != nil {
		c.log.Error("failed to relaunch worker", "slot", slot, "error", err)
		return
	}
	c.mu.Lock()
	c.handles[slot] = h
	c.mu.Unlock()
	c.cfg.Metrics.RecordReplacement()
}

// ============================================================================
// Shutdown
// ============================================================================

// cancel signals the job's end through the store and kills any worker
// that has not noticed within a short grace period.
func (c *Controller) cancel(store coord.ChunkStore) {
	c.log.Info("cancelling job")
	if err := store.Cancel(); err != nil {
		c.log.Error("failed to signal cancellation", "error", err)
	}

	// Workers check for cancellation at chunk boundaries; give the
	// quick ones a chance to exit cleanly.
	time.Sleep(250 * time.Millisecond)

	c.mu.Lock()
	defer c.mu.Unlock()
	for slot, h := range c.handles {
		h.Kill()
		go h.Wait()
		delete(c.handles, slot)
	}
}

// reap releases process handles of workers that exited on their own.
func (c *Controller) reap() {
	c.mu.Lock()
	defer c.mu.Unlock()
	for slot, h := range c.handles {
		go h.Wait()
		delete(c.handles, slot)
	}
}

// cleanup closes the store and removes the working directory unless the
// job asked to keep it.
func (c *Controller) cleanup(dir string, store coord.ChunkStore) {
	if store != nil {
		if err := store.Close(); err != nil {
			c.log.Error("failed to close coordination state", "error", err)
		}
	}
	if c.cfg.KeepFiles {
		c.log.Info("keeping working directory", "workdir", dir)
		return
	}
	if err := os.RemoveAll(dir); err != nil {
		c.log.Error("failed to remove working directory", "error", err)
	}
}
