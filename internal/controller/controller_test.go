package controller

import (
	"context"
	"fmt"
	"os"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ojwoodford/batch-job/internal/launch"
	"github.com/ojwoodford/batch-job/internal/registry"
	"github.com/ojwoodford/batch-job/internal/worker"
	"github.com/ojwoodford/batch-job/pkg/types"
)

func init() {
	registry.Register("ctl-double", func(in types.Row, _ map[string]interface{}) (types.Row, error) {
		return types.Row{Data: []float64{2 * in.Data[0]}}, nil
	})
	registry.Register("ctl-slow", func(in types.Row, _ map[string]interface{}) (types.Row, error) {
		time.Sleep(20 * time.Millisecond)
		return types.Row{Data: in.Data}, nil
	})
	registry.Register("ctl-context", func(in types.Row, jobCtx map[string]interface{}) (types.Row, error) {
		factor, ok := jobCtx["factor"].(float64)
		if !ok {
			return types.Row{}, fmt.Errorf("missing factor")
		}
		return types.Row{Data: []float64{factor * in.Data[0]}}, nil
	})
}

// goroutineLauncher runs workers as goroutines through the real worker
// entry point, exercising the full descriptor/store/input path without
// spawning processes.
type goroutineLauncher struct {
	mu      sync.Mutex
	started int
	wg      sync.WaitGroup
}

func (l *goroutineLauncher) Start(host string, args []string) (launch.Handle, error) {
	var descriptorPath string
	slot := 0
	for i, a := range args {
		switch a {
		case "--descriptor":
			descriptorPath = args[i+1]
		case "--slot":
			slot, _ = strconv.Atoi(args[i+1])
		}
	}

	l.mu.Lock()
	l.started++
	l.mu.Unlock()

	done := make(chan struct{})
	l.wg.Add(1)
	go func() {
		defer l.wg.Done()
		defer close(done)
		worker.Main(descriptorPath, slot, nil)
	}()
	return &goroutineHandle{done: done}, nil
}

func (l *goroutineLauncher) Started() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.started
}

type goroutineHandle struct{ done chan struct{} }

func (h *goroutineHandle) PID() int { return os.Getpid() }

// Kill cannot stop a goroutine; workers notice cancellation at chunk
// boundaries instead.
func (h *goroutineHandle) Kill() error { return nil }

func (h *goroutineHandle) Wait() error {
	<-h.done
	return nil
}

// failingLauncher refuses every start.
type failingLauncher struct{}

func (failingLauncher) Start(string, []string) (launch.Handle, error) {
	return nil, fmt.Errorf("no hosts available")
}

func testInput(n int) []types.Row {
	rows := make([]types.Row, n)
	for i := range rows {
		rows[i] = types.Row{Data: []float64{float64(i)}}
	}
	return rows
}

func TestRunMatchesSequential(t *testing.T) {
	l := &goroutineLauncher{}
	ctrl, err := New(Config{
		Func:      "ctl-double",
		Input:     testInput(60),
		Workers:   3,
		ChunkSize: 5,
		TimeoutMs: 60000, // controller stays out of the chunk loop
		WorkDir:   t.TempDir(),
		Launcher:  l,
	})
	require.NoError(t, err)

	res, err := ctrl.Run(context.Background())
	require.NoError(t, err)
	l.wg.Wait()

	require.True(t, res.Uniform)
	require.Len(t, res.Data, 60)
	for i := 0; i < 60; i++ {
		assert.Equal(t, 2*float64(i), res.Data[i], "iteration %d", i)
	}
	assert.Greater(t, l.Started(), 0, "workers must have been launched")
}

func TestRunColocated(t *testing.T) {
	l := &goroutineLauncher{}
	ctrl, err := New(Config{
		Func:      "ctl-double",
		Input:     testInput(40),
		Workers:   2,
		ChunkSize: 4,
		TimeoutMs: 60000,
		Mode:      types.ModeColocated,
		WorkDir:   t.TempDir(),
		Launcher:  l,
	})
	require.NoError(t, err)

	res, err := ctrl.Run(context.Background())
	require.NoError(t, err)
	l.wg.Wait()

	require.True(t, res.Uniform)
	require.Len(t, res.Data, 40)
	for i := 0; i < 40; i++ {
		assert.Equal(t, 2*float64(i), res.Data[i])
	}
}

func TestRunBroadcastsContext(t *testing.T) {
	l := &goroutineLauncher{}
	ctrl, err := New(Config{
		Func:      "ctl-context",
		Input:     testInput(20),
		Context:   map[string]interface{}{"factor": 10.0},
		Workers:   2,
		ChunkSize: 2,
		TimeoutMs: 60000,
		WorkDir:   t.TempDir(),
		Launcher:  l,
	})
	require.NoError(t, err)

	res, err := ctrl.Run(context.Background())
	require.NoError(t, err)
	l.wg.Wait()

	require.True(t, res.Uniform)
	for i := 0; i < 20; i++ {
		assert.Equal(t, 10*float64(i), res.Data[i])
	}
}

func TestRunControllerWorksAloneWithoutDeadlines(t *testing.T) {
	// With no timeout the controller joins the chunk loop itself, so a
	// job survives every worker launch failing.
	ctrl, err := New(Config{
		Func:      "ctl-double",
		Input:     testInput(30),
		Workers:   4,
		ChunkSize: 3,
		WorkDir:   t.TempDir(),
		Launcher:  failingLauncher{},
	})
	require.NoError(t, err)

	res, err := ctrl.Run(context.Background())
	require.NoError(t, err)

	require.True(t, res.Uniform)
	for i := 0; i < 30; i++ {
		assert.Equal(t, 2*float64(i), res.Data[i])
	}
}

func TestRunFailsWhenNoWorkerStarts(t *testing.T) {
	// With a deadline armed the controller cannot join the loop, so
	// zero launched workers means the job can never finish.
	ctrl, err := New(Config{
		Func:      "ctl-double",
		Input:     testInput(30),
		Workers:   4,
		ChunkSize: 3,
		TimeoutMs: 60000,
		WorkDir:   t.TempDir(),
		Launcher:  failingLauncher{},
	})
	require.NoError(t, err)

	_, err = ctrl.Run(context.Background())
	assert.Error(t, err)
}

func TestRunSingleChunkSkipsWorkers(t *testing.T) {
	// A fast function folds into one chunk and finishes during the
	// probe; no worker is ever launched.
	l := &goroutineLauncher{}
	ctrl, err := New(Config{
		Func:     "ctl-double",
		Input:    testInput(10),
		Workers:  4,
		WorkDir:  t.TempDir(),
		Launcher: l,
	})
	require.NoError(t, err)

	res, err := ctrl.Run(context.Background())
	require.NoError(t, err)

	require.True(t, res.Uniform)
	require.Len(t, res.Data, 10)
	assert.Zero(t, l.Started())
}

func TestRunEmptyInput(t *testing.T) {
	ctrl, err := New(Config{Func: "ctl-double", WorkDir: t.TempDir()})
	require.NoError(t, err)

	res, err := ctrl.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 0, res.N)
	assert.True(t, res.Uniform)
	assert.Empty(t, res.Data)
}

func TestRunCancellation(t *testing.T) {
	base := t.TempDir()
	l := &goroutineLauncher{}
	ctrl, err := New(Config{
		Func:      "ctl-slow",
		Input:     testInput(500),
		Workers:   2,
		ChunkSize: 1,
		TimeoutMs: 60000,
		WorkDir:   base,
		Launcher:  l,
	})
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(300 * time.Millisecond)
		cancel()
	}()

	_, err = ctrl.Run(ctx)
	assert.ErrorIs(t, err, context.Canceled)

	// The working directory is cleaned up after the workers let go.
	l.wg.Wait()
	entries, err := os.ReadDir(base)
	require.NoError(t, err)
	assert.Empty(t, entries)
}

func TestRunKeepFiles(t *testing.T) {
	base := t.TempDir()
	ctrl, err := New(Config{
		Func:      "ctl-double",
		Input:     testInput(10),
		WorkDir:   base,
		KeepFiles: true,
		Launcher:  failingLauncher{},
	})
	require.NoError(t, err)

	_, err = ctrl.Run(context.Background())
	require.NoError(t, err)

	entries, err := os.ReadDir(base)
	require.NoError(t, err)
	assert.NotEmpty(t, entries, "KeepFiles must leave the job directory behind")
}

func TestNewRejectsUnknownFunction(t *testing.T) {
	_, err := New(Config{Func: "never-registered"})
	assert.Error(t, err)
}

func TestNewRejectsColocatedWithHosts(t *testing.T) {
	_, err := New(Config{
		Func:  "ctl-double",
		Mode:  types.ModeColocated,
		Hosts: []string{"node1"},
	})
	assert.Error(t, err)
}
