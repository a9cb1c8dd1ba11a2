package coord

// Liveness files are the networked-mode counterpart of the co-located
// worker records: each worker rewrites its own file when it starts a
// chunk, and the controller scans them to detect stalls. Writes go
// through a temp file + rename so the controller never reads a torn
// record.

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/ojwoodford/batch-job/pkg/types"
)

// LivenessPath returns the liveness file for a worker slot.
func LivenessPath(workDir string, slot int) string {
	return filepath.Join(workDir, fmt.Sprintf("worker-%d.alive", slot))
}

// WriteLiveness atomically records a worker's current state.
func WriteLiveness(workDir string, rec types.WorkerRecord) error {
	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("coord: failed to marshal liveness record: %w", err)
	}

	path := LivenessPath(workDir, rec.Slot)
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0644); err != nil {
		return fmt.Errorf("coord: failed to write liveness record: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("coord: failed to publish liveness record: %w", err)
	}
	return nil
}

// ReadLiveness returns the record for a slot, ok=false if the worker
// has not written one yet.
func ReadLiveness(workDir string, slot int) (types.WorkerRecord, bool, error) {
	raw, err := os.ReadFile(LivenessPath(workDir, slot))
	if os.IsNotExist(err) {
		return types.WorkerRecord{}, false, nil
	}
	if err != nil {
		return types.WorkerRecord{}, false, err
	}

	var rec types.WorkerRecord
	if err := json.Unmarshal(raw, &rec); err != nil {
		return types.WorkerRecord{}, false, fmt.Errorf("coord: corrupt liveness record for slot %d: %w", slot, err)
	}
	return rec, true, nil
}

// ReadAllLiveness returns the records of all slots that have written
// one.
func ReadAllLiveness(workDir string, slots int) ([]types.WorkerRecord, error) {
	var recs []types.WorkerRecord
	for slot := 0; slot < slots; slot++ {
		rec, ok, err := ReadLiveness(workDir, slot)
		if err != nil {
			return nil, err
		}
		if ok {
			recs = append(recs, rec)
		}
	}
	return recs, nil
}
