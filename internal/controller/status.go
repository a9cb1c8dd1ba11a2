package controller

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/ojwoodford/batch-job/internal/coord"
	"github.com/ojwoodford/batch-job/pkg/types"
)

// JobStatus is a point-in-time view of a running job's working
// directory, for operator tooling.
type JobStatus struct {
	ID         types.JobID          `json:"id"`
	Func       string               `json:"func"`
	Mode       types.Mode           `json:"mode"`
	N          int                  `json:"n"`
	ChunkSize  int                  `json:"chunk_size"`
	NumChunks  int                  `json:"num_chunks"`
	DoneChunks int                  `json:"done_chunks"`
	Workers    []types.WorkerRecord `json:"workers,omitempty"`
}

// ReadDescriptor loads and validates the descriptor published in a
// working directory.
func ReadDescriptor(workDir string) (*types.JobDescriptor, error) {
	raw, err := os.ReadFile(types.DescriptorPath(workDir))
	if os.IsNotExist(err) {
		return nil, fmt.Errorf("controller: no job published in %s (finished or cancelled)", workDir)
	}
	if err != nil {
		return nil, err
	}

	var desc types.JobDescriptor
	if err := json.Unmarshal(raw, &desc); err != nil {
		return nil, fmt.Errorf("controller: corrupt descriptor in %s: %w", workDir, err)
	}
	return &desc, desc.Validate()
}

// Inspect reports the progress of the job published in workDir.
func Inspect(workDir string) (*JobStatus, error) {
	desc, err := ReadDescriptor(workDir)
	if err != nil {
		return nil, err
	}

	store, err := joinStore(desc)
	if err != nil {
		return nil, err
	}
	defer store.Close()

	st := &JobStatus{
		ID:        desc.ID,
		Func:      desc.Func,
		Mode:      desc.Mode,
		N:         desc.N,
		ChunkSize: desc.ChunkSize,
		NumChunks: desc.NumChunks(),
	}
	if obs, ok := store.(observer); ok {
		if st.DoneChunks, err = obs.DoneChunks(); err != nil {
			return nil, err
		}
		st.Workers = obs.WorkerRecords()
	}
	return st, nil
}

// CancelJob cancels the job published in workDir. Workers observe the
// cancellation at their next chunk boundary.
func CancelJob(workDir string) error {
	desc, err := ReadDescriptor(workDir)
	if err != nil {
		return err
	}

	store, err := joinStore(desc)
	if err != nil {
		return err
	}
	defer store.Close()
	return store.Cancel()
}

// joinStore opens the coordination state of an already-running job.
func joinStore(desc *types.JobDescriptor) (coord.ChunkStore, error) {
	if desc.Mode == types.ModeColocated {
		return coord.OpenSHMStore(desc)
	}
	return coord.NewFSStore(desc), nil
}
