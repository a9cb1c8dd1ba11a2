// Package launch starts worker processes, locally or on remote hosts
// over ssh. It reports success or failure of the launch only, never of
// the work: once a worker is running, all further coordination happens
// through the job's shared state.
//
// Workers are separate OS processes rather than threads so they can be
// killed independently during timeout recovery and can run on other
// machines.
package launch

import (
	"fmt"
	"os/exec"
	"strings"
	"syscall"
)

// Handle is a launched worker process that can be killed and reaped.
type Handle interface {
	// PID returns the local process id (for remote workers, the id of
	// the ssh client process).
	PID() int

	// Kill forcibly terminates the worker. For remote workers this
	// best-effort kills the remote process by command pattern before
	// terminating the ssh client.
	Kill() error

	// Wait blocks until the process exits and releases its resources.
	Wait() error
}

// Launcher starts a worker process running the given command line on
// host; an empty host means the local machine.
type Launcher interface {
	Start(host string, args []string) (Handle, error)
}

// Shell launches workers with os/exec locally and ssh remotely. It is
// the production Launcher; tests substitute in-process fakes.
type Shell struct{}

var _ Launcher = Shell{}

// Start launches args as a detached process. The child gets its own
// session so it outlives the controller and can be killed without
// touching the controller's process group.
func (Shell) Start(host string, args []string) (Handle, error) {
	if len(args) == 0 {
		return nil, fmt.Errorf("launch: empty command")
	}

	var cmd *exec.Cmd
	if host == "" || host == "localhost" {
		cmd = exec.Command(args[0], args[1:]...)
		cmd.SysProcAttr = &syscall.SysProcAttr{Setsid: true}
	} else {
		sshArgs := []string{"-o", "BatchMode=yes", host, shellJoin(args)}
		cmd = exec.Command("ssh", sshArgs...)
	}

	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("launch: failed to start worker on %q: %w", displayHost(host), err)
	}

	return &process{cmd: cmd, host: host, pattern: strings.Join(args, " ")}, nil
}

type process struct {
	cmd     *exec.Cmd
	host    string
	pattern string
}

func (p *process) PID() int { return p.cmd.Process.Pid }

func (p *process) Kill() error {
	if p.host != "" && p.host != "localhost" {
		// The local process is only the ssh client; kill the remote
		// worker by its command line first. Best effort.
		exec.Command("ssh", "-o", "BatchMode=yes", p.host, "pkill -f "+shellQuote(p.pattern)).Run()
	}
	return p.cmd.Process.Kill()
}

func (p *process) Wait() error { return p.cmd.Wait() }

func displayHost(host string) string {
	if host == "" {
		return "localhost"
	}
	return host
}

// shellJoin quotes each argument for the remote shell.
func shellJoin(args []string) string {
	quoted := make([]string, len(args))
	for i, a := range args {
		quoted[i] = shellQuote(a)
	}
	return strings.Join(quoted, " ")
}

func shellQuote(s string) string {
	return "'" + strings.ReplaceAll(s, "'", `'\''`) + "'"
}
