// Package batchjob parallelizes a for loop across worker processes,
// locally or over machines sharing a filesystem, with no server in the
// middle.
//
// The caller registers a per-iteration function, then runs it over a
// slice of input rows:
//
//	batchjob.Register("square", func(in batchjob.Row, _ map[string]interface{}) (batchjob.Row, error) {
//		out := make([]float64, len(in.Data))
//		for i, v := range in.Data {
//			out[i] = v * v
//		}
//		return batchjob.Row{Data: out}, nil
//	})
//
//	func main() {
//		batchjob.MaybeWorker()
//		res, err := batchjob.Run(ctx, "square", rows, batchjob.WithWorkers(8))
//		...
//	}
//
// The engine times one iteration, picks a chunk size targeting about
// ten seconds of compute per chunk, and spreads the chunks over worker
// processes that are re-executions of the calling binary. MaybeWorker
// must therefore run early in main: it diverts those re-executions into
// the worker loop.
package batchjob

import (
	"context"
	"os"
	"time"

	"github.com/ojwoodford/batch-job/internal/aggregate"
	"github.com/ojwoodford/batch-job/internal/cli"
	"github.com/ojwoodford/batch-job/internal/controller"
	"github.com/ojwoodford/batch-job/internal/launch"
	"github.com/ojwoodford/batch-job/internal/metrics"
	"github.com/ojwoodford/batch-job/internal/registry"
	"github.com/ojwoodford/batch-job/pkg/types"
)

// Row is the input or output of one iteration: a flat numeric array
// plus its logical shape.
type Row = types.Row

// Func computes one iteration. It receives the iteration's input row
// and the job-wide context, and returns the iteration's output row.
// Errors and panics are contained: the iteration is recorded as a
// placeholder and the job continues.
type Func = registry.Func

// Result is a job's assembled output.
type Result = aggregate.Result

// Mode selects the coordination protocol.
type Mode = types.Mode

const (
	// ModeNetworked coordinates through lock files in a shared
	// directory; workers may run on other machines.
	ModeNetworked = types.ModeNetworked

	// ModeColocated coordinates through a memory-mapped region; all
	// workers run on the local machine. Requires every iteration to
	// produce output of the same shape.
	ModeColocated = types.ModeColocated
)

// Register makes fn runnable under the given name. It must be called
// before MaybeWorker, typically from an init function or early in main,
// so that worker processes re-executing this binary find the function
// too. Registering two functions under one name panics.
func Register(name string, fn Func) {
	registry.Register(name, fn)
}

// MaybeWorker diverts the process into the worker loop when it was
// launched as a batch-job worker, and never returns in that case. Call
// it at the top of main, after all Register calls.
func MaybeWorker() {
	if len(os.Args) < 2 || os.Args[1] != controller.WorkerSubcommand {
		return
	}

	cmd := cli.BuildWorkerCommand()
	cmd.SetArgs(os.Args[2:])
	if err := cmd.Execute(); err != nil {
		os.Exit(1)
	}
	os.Exit(0)
}

// Option adjusts how a job runs.
type Option func(*controller.Config)

// WithWorkers sets the requested worker count. The effective count is
// clamped to the number of chunks. Default: one per CPU.
func WithWorkers(n int) Option {
	return func(c *controller.Config) { c.Workers = n }
}

// WithChunkSize fixes the number of iterations per chunk instead of
// letting the timing probe choose it.
func WithChunkSize(n int) Option {
	return func(c *controller.Config) { c.ChunkSize = n }
}

// WithHosts spreads workers over the given machines, round robin, via
// ssh. Requires ModeNetworked and a working directory on a filesystem
// all hosts share.
func WithHosts(hosts ...string) Option {
	return func(c *controller.Config) { c.Hosts = hosts }
}

// WithSkipTimeout arms a per-chunk deadline; a chunk that exceeds it is
// recorded permanently as placeholders and never retried.
func WithSkipTimeout(d time.Duration) Option {
	return func(c *controller.Config) { c.TimeoutMs = d.Milliseconds() }
}

// WithRetryTimeout arms a per-chunk deadline; a chunk that exceeds it
// is released for another worker to try again.
func WithRetryTimeout(d time.Duration) Option {
	return func(c *controller.Config) { c.TimeoutMs = -d.Milliseconds() }
}

// WithMode selects the coordination protocol. Default: ModeNetworked.
func WithMode(m Mode) Option {
	return func(c *controller.Config) { c.Mode = m }
}

// WithWorkDir sets the directory the job directory is created under.
// For multi-host jobs it must be shared by all hosts. Default: the
// system temp directory.
func WithWorkDir(dir string) Option {
	return func(c *controller.Config) { c.WorkDir = dir }
}

// WithContext broadcasts job-wide data to every iteration. It must
// survive a JSON round trip.
func WithContext(jobCtx map[string]interface{}) Option {
	return func(c *controller.Config) { c.Context = jobCtx }
}

// WithProgress logs progress periodically while the job runs.
func WithProgress() Option {
	return func(c *controller.Config) { c.Progress = true }
}

// WithKeepFiles keeps the job's working directory after the run, for
// debugging.
func WithKeepFiles() Option {
	return func(c *controller.Config) { c.KeepFiles = true }
}

// WithMetrics records the job's activity into the given collector.
func WithMetrics(mc *metrics.Collector) Option {
	return func(c *controller.Config) { c.Metrics = mc }
}

// WithLauncher substitutes the process launcher. Mainly for tests.
func WithLauncher(l launch.Launcher) Option {
	return func(c *controller.Config) { c.Launcher = l }
}

// Run executes the named registered function over every input row and
// returns the assembled result. It blocks until the job completes;
// cancelling ctx cancels the job.
func Run(ctx context.Context, funcName string, input []Row, opts ...Option) (*Result, error) {
	ctrl, err := newController(funcName, input, opts)
	if err != nil {
		return nil, err
	}
	return ctrl.Run(ctx)
}

// RunAsync starts the job and returns immediately with a handle.
func RunAsync(ctx context.Context, funcName string, input []Row, opts ...Option) (*Job, error) {
	ctrl, err := newController(funcName, input, opts)
	if err != nil {
		return nil, err
	}

	jctx, cancel := context.WithCancel(ctx)
	j := &Job{id: ctrl.ID(), cancel: cancel, done: make(chan struct{})}
	go func() {
		defer close(j.done)
		j.res, j.err = ctrl.Run(jctx)
	}()
	return j, nil
}

func newController(funcName string, input []Row, opts []Option) (*controller.Controller, error) {
	cfg := controller.Config{Func: funcName, Input: input}
	for _, o := range opts {
		o(&cfg)
	}
	return controller.New(cfg)
}

// Job is a handle to an asynchronously running job.
type Job struct {
	id     types.JobID
	cancel context.CancelFunc
	done   chan struct{}
	res    *Result
	err    error
}

// ID returns the job's identifier.
func (j *Job) ID() types.JobID { return j.id }

// Done returns a channel closed when the job finishes.
func (j *Job) Done() <-chan struct{} { return j.done }

// Wait blocks until the job finishes and returns its result.
func (j *Job) Wait() (*Result, error) {
	<-j.done
	return j.res, j.err
}

// Cancel stops the job. Workers exit at their next chunk boundary and
// the working directory is cleaned up; Wait then returns the
// cancellation error.
func (j *Job) Cancel() {
	j.cancel()
}
