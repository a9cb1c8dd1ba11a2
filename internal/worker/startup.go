package worker

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"

	"github.com/ojwoodford/batch-job/internal/binstore"
	"github.com/ojwoodford/batch-job/internal/coord"
	"github.com/ojwoodford/batch-job/internal/metrics"
	"github.com/ojwoodford/batch-job/internal/registry"
	"github.com/ojwoodford/batch-job/pkg/types"
)

// Main is the worker-process entry point: load the descriptor, open the
// job's coordination state, and run the chunk loop until done.
//
// Startup failures are terminal for the whole slot, so they are
// appended to the job's error log and the slot is marked finished
// before returning. A missing descriptor is not a failure: the job was
// cancelled before this worker got going.
func Main(descriptorPath string, slot int, mc *metrics.Collector) error {
	raw, err := os.ReadFile(descriptorPath)
	if os.IsNotExist(err) {
		slog.Info("descriptor gone before startup, job cancelled", "slot", slot)
		return nil
	}
	if err != nil {
		return fmt.Errorf("worker: failed to read descriptor: %w", err)
	}

	var desc types.JobDescriptor
	if err := json.Unmarshal(raw, &desc); err != nil {
		return fmt.Errorf("worker: corrupt descriptor %s: %w", descriptorPath, err)
	}
	if err := desc.Validate(); err != nil {
		return err
	}

	store, err := openStore(&desc, mc)
	if err != nil {
		return failStartup(&desc, slot, err)
	}
	defer store.Close()

	fn, ok := registry.Lookup(desc.Func)
	if !ok {
		return failStartupWith(store, &desc, slot,
			fmt.Errorf("worker: function %q is not registered in this binary", desc.Func))
	}

	input, err := binstore.ReadRows(desc.InputPath)
	if err != nil {
		return failStartupWith(store, &desc, slot,
			fmt.Errorf("worker: failed to load input: %w", err))
	}

	if t, ok := store.(interface{ SetWorkerStarted(slot, pid int) }); ok {
		t.SetWorkerStarted(slot, os.Getpid())
	}

	w, err := New(Config{
		Slot:    slot,
		Desc:    &desc,
		Store:   store,
		Fn:      fn,
		Input:   input,
		Metrics: mc,
	})
	if err != nil {
		return failStartupWith(store, &desc, slot, err)
	}
	return w.Run(context.Background())
}

func openStore(desc *types.JobDescriptor, mc *metrics.Collector) (coord.ChunkStore, error) {
	switch desc.Mode {
	case types.ModeColocated:
		return coord.OpenSHMStore(desc)
	default:
		s := coord.NewFSStore(desc)
		s.SetMetrics(mc)
		return s, nil
	}
}

// failStartup logs a terminal startup error to the job's error log so
// the controller's operator can see why the slot never produced work.
func failStartup(desc *types.JobDescriptor, slot int, err error) error {
	host, _ := os.Hostname()
	AppendErrorLog(desc.WorkDir, host, desc.ID, err)
	slog.Error("worker startup failed", "slot", slot, "error", err)
	return err
}

func failStartupWith(store coord.ChunkStore, desc *types.JobDescriptor, slot int, err error) error {
	if t, ok := store.(tracker); ok {
		t.SetWorkerFinished(slot)
	}
	return failStartup(desc, slot, err)
}
