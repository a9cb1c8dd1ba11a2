// Package aggregate assembles per-chunk results into the job's final
// output. When every recorded row shares one shape the output collapses
// into a single dense array with placeholder iterations filled with
// NaN; otherwise the caller gets the per-iteration rows as they are.
package aggregate

import (
	"fmt"
	"math"

	"github.com/ojwoodford/batch-job/internal/coord"
	"github.com/ojwoodford/batch-job/pkg/types"
)

// Result is the assembled output of a job.
type Result struct {
	// N is the number of iterations.
	N int

	// Rows holds one row per iteration, in iteration order. Placeholder
	// rows mark iterations that errored, timed out, or were skipped.
	Rows []types.Row

	// Uniform reports whether every non-placeholder row shares a single
	// shape. When true, Shape and Data hold the collapsed dense output.
	Uniform bool

	// Shape is the common per-iteration shape (valid when Uniform).
	Shape []int

	// Data is the dense output, N blocks of len(Shape) elements in
	// iteration order, placeholders filled with NaN (valid when
	// Uniform).
	Data []float64
}

// Assemble reads every chunk's recorded rows from the store and builds
// the final result. Chunks with no recorded result (a cancelled or
// partially failed job) contribute placeholder rows rather than
// failing the whole assembly.
func Assemble(desc *types.JobDescriptor, store coord.ChunkStore) (*Result, error) {
	res := &Result{N: desc.N, Rows: make([]types.Row, desc.N)}

	for a := 1; a <= desc.NumChunks(); a++ {
		c := desc.ChunkBounds(a)
		rows, ok, err := store.Rows(a)
		if err != nil {
			return nil, fmt.Errorf("aggregate: failed to read chunk %d: %w", a, err)
		}
		if !ok {
			continue // placeholder rows already in place
		}
		if len(rows) != c.Size() {
			return nil, fmt.Errorf("aggregate: chunk %d has %d rows, expected %d", a, len(rows), c.Size())
		}
		copy(res.Rows[c.Start:c.End], rows)
	}

	res.collapse(desc.OutputShape)
	return res, nil
}

// collapse checks row shapes and, when uniform, builds the dense
// output. The reference shape is the first non-placeholder row's, or
// the hint when every row is a placeholder.
func (r *Result) collapse(hint []int) {
	ref, found := hint, hint != nil
	stride := 1
	for _, d := range hint {
		stride *= d
	}
	for _, row := range r.Rows {
		if !row.Placeholder() {
			ref, found = row.Shape, true
			stride = row.Len()
			break
		}
	}
	if !found && r.N > 0 {
		return // nothing recorded and no hint; stay per-row
	}

	for _, row := range r.Rows {
		if row.Placeholder() {
			continue
		}
		if !types.SameShape(row.Shape, ref) || row.Len() != stride {
			return // ragged output, no dense form
		}
	}

	r.Uniform = true
	r.Shape = ref
	r.Data = make([]float64, r.N*stride)
	for i, row := range r.Rows {
		block := r.Data[i*stride : (i+1)*stride]
		if row.Placeholder() {
			for j := range block {
				block[j] = math.NaN()
			}
			continue
		}
		copy(block, row.Data)
	}
}
