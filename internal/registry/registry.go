// Package registry maps function names to the Go functions worker
// processes execute. A job descriptor carries only the registered name;
// every binary that may run as a worker must register the same
// functions before joining a job.
package registry

import (
	"fmt"
	"sort"
	"sync"

	"github.com/ojwoodford/batch-job/pkg/types"
)

// Func is the user function invoked once per iteration index. It
// receives the iteration's input row and the job's shared context, and
// returns the iteration's output row.
type Func func(in types.Row, jobCtx map[string]interface{}) (types.Row, error)

var (
	mu    sync.RWMutex
	funcs = make(map[string]Func)
)

// Register associates a name with a function. It panics if the name is
// already registered, matching the behavior of registries like
// prometheus.MustRegister: duplicate registration is a programming
// error, not a runtime condition.
func Register(name string, fn Func) {
	if name == "" {
		panic("registry: empty function name")
	}
	if fn == nil {
		panic(fmt.Sprintf("registry: nil function for %q", name))
	}

	mu.Lock()
	defer mu.Unlock()
	if _, dup := funcs[name]; dup {
		panic(fmt.Sprintf("registry: function %q already registered", name))
	}
	funcs[name] = fn
}

// Lookup returns the function registered under name.
func Lookup(name string) (Func, bool) {
	mu.RLock()
	defer mu.RUnlock()
	fn, ok := funcs[name]
	return fn, ok
}

// Names returns the registered function names in sorted order.
func Names() []string {
	mu.RLock()
	defer mu.RUnlock()

	names := make([]string, 0, len(funcs))
	for name := range funcs {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
