// The batchjob command runs registered functions over JSON input files
// and inspects or cancels running jobs. It ships with a few built-in
// functions; programs embedding the engine register their own and call
// batchjob.MaybeWorker from their own main.
package main

import (
	"fmt"
	"os"

	batchjob "github.com/ojwoodford/batch-job"
	"github.com/ojwoodford/batch-job/internal/cli"
)

func init() {
	batchjob.Register("square", func(in batchjob.Row, _ map[string]interface{}) (batchjob.Row, error) {
		out := make([]float64, len(in.Data))
		for i, v := range in.Data {
			out[i] = v * v
		}
		return batchjob.Row{Shape: in.Shape, Data: out}, nil
	})

	batchjob.Register("sum", func(in batchjob.Row, _ map[string]interface{}) (batchjob.Row, error) {
		total := 0.0
		for _, v := range in.Data {
			total += v
		}
		return batchjob.Row{Data: []float64{total}}, nil
	})

	batchjob.Register("scale", func(in batchjob.Row, jobCtx map[string]interface{}) (batchjob.Row, error) {
		factor, ok := jobCtx["factor"].(float64)
		if !ok {
			return batchjob.Row{}, fmt.Errorf("scale: job context is missing a numeric %q", "factor")
		}
		out := make([]float64, len(in.Data))
		for i, v := range in.Data {
			out[i] = v * factor
		}
		return batchjob.Row{Shape: in.Shape, Data: out}, nil
	})
}

func main() {
	batchjob.MaybeWorker()

	if err := cli.BuildCLI().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}
