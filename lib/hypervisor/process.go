package hypervisor

import (
	"context"
	"fmt"
	"net"
	"os"
	"os/exec"
	"path/filepath"
	"sync"
	"syscall"
	"time"

	"github.com/procurator/worker/lib/logger"
	"golang.org/x/sys/unix"
)

// Timeouts shared by process-based backends.
const (
	// SocketWaitTimeout is how long to wait for a control socket after process start
	SocketWaitTimeout = 10 * time.Second

	// socketPollInterval is how often to check if socket is ready
	socketPollInterval = 50 * time.Millisecond

	// socketDialTimeout is timeout for individual socket connection attempts
	socketDialTimeout = 100 * time.Millisecond

	// killWaitTimeout bounds how long Kill waits for the process to be reaped
	killWaitTimeout = 5 * time.Second
)

// Process is a hypervisor process spawned by this worker. A goroutine waits
// on it so exits are observed (and the child reaped) as soon as they happen.
type Process struct {
	cmd       *exec.Cmd
	startedAt time.Time
	done      chan struct{}

	mu    sync.Mutex
	state *os.ProcessState
}

// StartProcess launches binary detached from the worker's process group with
// stdout/stderr appended to logPath.
func StartProcess(ctx context.Context, binary string, args []string, logPath string) (*Process, error) {
	log := logger.FromContext(ctx)

	if err := os.MkdirAll(filepath.Dir(logPath), 0755); err != nil {
		return nil, fmt.Errorf("create logs directory: %w", err)
	}
	logFile, err := os.OpenFile(logPath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		return nil, fmt.Errorf("create vmm log: %w", err)
	}
	defer logFile.Close()

	cmd := exec.Command(binary, args...)
	// Own process group so terminal signals to the worker don't reach VMs.
	cmd.SysProcAttr = &syscall.SysProcAttr{
		Setpgid: true,
	}
	cmd.Stdout = logFile
	cmd.Stderr = logFile

	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("start %s: %w", filepath.Base(binary), err)
	}

	p := &Process{
		cmd:       cmd,
		startedAt: time.Now(),
		done:      make(chan struct{}),
	}
	go func() {
		_ = cmd.Wait()
		p.mu.Lock()
		p.state = cmd.ProcessState
		p.mu.Unlock()
		close(p.done)
	}()

	log.DebugContext(ctx, "hypervisor process started", "binary", binary, "pid", p.PID())
	return p, nil
}

// PID returns the process id.
func (p *Process) PID() int {
	return p.cmd.Process.Pid
}

// StartedAt returns when the process was spawned.
func (p *Process) StartedAt() time.Time {
	return p.startedAt
}

// Done is closed once the process has exited and been reaped.
func (p *Process) Done() <-chan struct{} {
	return p.done
}

// Exited reports whether the process is gone and, if so, whether it exited cleanly.
func (p *Process) Exited() (exited bool, clean bool) {
	select {
	case <-p.done:
	default:
		return false, false
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	return true, p.state != nil && p.state.Success()
}

// ExitState maps the process exit into a backend State.
func (p *Process) ExitState() (State, bool) {
	exited, clean := p.Exited()
	if !exited {
		return "", false
	}
	if clean {
		return StateStopped, true
	}
	return StateFailed, true
}

// Wait blocks until the process exits or timeout elapses. Returns true if it exited.
func (p *Process) Wait(ctx context.Context, timeout time.Duration) bool {
	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case <-p.done:
		return true
	case <-timer.C:
		return false
	case <-ctx.Done():
		return false
	}
}

// Kill sends SIGKILL and waits for the process to be reaped.
func (p *Process) Kill() error {
	select {
	case <-p.done:
		return nil
	default:
	}
	if err := p.cmd.Process.Signal(syscall.SIGKILL); err != nil {
		select {
		case <-p.done:
			return nil
		default:
		}
		return fmt.Errorf("kill pid %d: %w", p.PID(), err)
	}
	select {
	case <-p.done:
		return nil
	case <-time.After(killWaitTimeout):
		return fmt.Errorf("pid %d did not exit within %s after SIGKILL", p.PID(), killWaitTimeout)
	}
}

// KillStale force kills a hypervisor process left behind by a previous worker
// run. Only pid is known, so it is checked with signal 0 and reaped on a
// best-effort basis (it is usually not our child).
func KillStale(ctx context.Context, pid int) {
	log := logger.FromContext(ctx)
	if pid <= 0 {
		return
	}
	if err := unix.Kill(pid, 0); err != nil {
		log.DebugContext(ctx, "stale hypervisor process not running", "pid", pid)
		return
	}
	log.InfoContext(ctx, "killing stale hypervisor process", "pid", pid)
	if err := unix.Kill(pid, unix.SIGKILL); err != nil {
		log.WarnContext(ctx, "failed to kill stale hypervisor process", "pid", pid, "error", err)
		return
	}
	for i := 0; i < 50; i++ { // 50 * 100ms = 5 seconds
		var ws unix.WaitStatus
		wpid, err := unix.Wait4(pid, &ws, unix.WNOHANG, nil)
		if err != nil || wpid == pid {
			return
		}
		if unix.Kill(pid, 0) != nil {
			return
		}
		time.Sleep(100 * time.Millisecond)
	}
	log.WarnContext(ctx, "stale hypervisor process did not exit in time", "pid", pid)
}

// IsSocketInUse checks if a Unix socket is actively being served.
func IsSocketInUse(socketPath string) bool {
	conn, err := net.DialTimeout("unix", socketPath, socketDialTimeout)
	if err != nil {
		return false
	}
	conn.Close()
	return true
}

// WaitForSocket waits for a control socket to accept connections. It gives
// up early if proc exits, returning the tail of the VMM log for diagnosis.
func WaitForSocket(ctx context.Context, proc *Process, socketPath, vmmLogPath string, timeout time.Duration) error {
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if IsSocketInUse(socketPath) {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-proc.Done():
			return withLogTail(fmt.Errorf("hypervisor exited before socket %s was ready", socketPath), vmmLogPath)
		case <-time.After(socketPollInterval):
		}
	}
	return withLogTail(fmt.Errorf("timeout waiting for socket %s", socketPath), vmmLogPath)
}

func withLogTail(err error, logPath string) error {
	data, readErr := os.ReadFile(logPath)
	if readErr != nil || len(data) == 0 {
		return err
	}
	const maxTail = 2048
	if len(data) > maxTail {
		data = data[len(data)-maxTail:]
	}
	return fmt.Errorf("%w; vmm.log: %s", err, string(data))
}
