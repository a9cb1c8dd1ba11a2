package worker

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/ojwoodford/batch-job/pkg/types"
)

// ErrorLogPath returns the per-host, per-job error log inside a working
// directory. One file per host avoids write contention over shared
// filesystems.
func ErrorLogPath(workDir, host string, id types.JobID) string {
	return filepath.Join(workDir, fmt.Sprintf("errors-%s-%s.log", host, id))
}

// AppendErrorLog appends a timestamped line describing a terminal
// worker error. Best effort: if the log itself cannot be written there
// is nowhere better to report it.
func AppendErrorLog(workDir, host string, id types.JobID, err error) {
	f, openErr := os.OpenFile(ErrorLogPath(workDir, host, id), os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0644)
	if openErr != nil {
		return
	}
	defer f.Close()
	fmt.Fprintf(f, "%s %v\n", time.Now().Format(time.RFC3339), err)
}
