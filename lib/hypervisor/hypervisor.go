// Package hypervisor provides an abstraction layer over VM monitors.
// The VM manager drives every VM through the Backend interface, so the
// concrete hypervisor (QEMU, Cloud Hypervisor, libvirt, or the in-memory
// test double) is chosen once at startup and never leaks into callers.
package hypervisor

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/procurator/worker/lib/paths"
	"go.opentelemetry.io/otel/metric"
)

// Type identifies the backend implementation.
type Type string

const (
	// TypeQEMU drives qemu-system-* over QMP.
	TypeQEMU Type = "qemu"
	// TypeCloudHypervisor drives cloud-hypervisor over its REST API.
	TypeCloudHypervisor Type = "cloud-hypervisor"
	// TypeLibvirt drives libvirtd over its RPC protocol.
	TypeLibvirt Type = "libvirt"
	// TypeMock is the in-memory test double.
	TypeMock Type = "mock"
)

// Backend is the capability set every hypervisor integration provides for a
// single VM process.
//
// Stop and Destroy on a VM that already reached a terminal state are no-ops
// that return nil. Create must not leave a process or socket behind when it
// fails.
type Backend interface {
	// Create prepares the VM process for id. The VM is not running yet.
	// Returns ErrImageNotFound if the boot artifacts are missing.
	Create(ctx context.Context, id string, cfg VMConfig) (Handle, error)

	// Start boots a created VM.
	Start(ctx context.Context, h Handle) error

	// Stop shuts the VM down gracefully, escalating to Destroy once timeout expires.
	Stop(ctx context.Context, h Handle, timeout time.Duration) error

	// Destroy forcefully tears the VM down and releases its process.
	Destroy(ctx context.Context, h Handle) error

	// Status reports the current state of the VM.
	Status(ctx context.Context, h Handle) (State, error)

	// Metrics samples resource usage of the VM.
	Metrics(ctx context.Context, h Handle) (Metrics, error)
}

// Reaper is implemented by backends that can tear down a VM left behind by
// a previous worker process, given only the handle persisted at the time.
type Reaper interface {
	Reap(ctx context.Context, h Handle) error
}

// Handle is the opaque reference to one VM process. A new Handle with a
// fresh ID is returned by every successful Create, including re-creates of
// the same VM id.
type Handle struct {
	ID         string    `json:"id"`
	VMID       string    `json:"vm_id"`
	PID        int       `json:"pid,omitempty"`
	SocketPath string    `json:"socket_path,omitempty"`
	CreatedAt  time.Time `json:"created_at"`
}

// IsZero reports whether h is the zero handle.
func (h Handle) IsZero() bool {
	return h.ID == ""
}

// State represents the VM execution state as seen by the backend.
type State string

const (
	// StateCreated means the VM process exists but the guest has not booted.
	StateCreated State = "created"
	// StateRunning means the guest is executing.
	StateRunning State = "running"
	// StatePaused means guest execution is suspended.
	StatePaused State = "paused"
	// StateStopped means the VM exited cleanly.
	StateStopped State = "stopped"
	// StateFailed means the VM process crashed or exited unexpectedly.
	StateFailed State = "failed"
)

// IsTerminal reports whether the VM process is gone.
func (s State) IsTerminal() bool {
	return s == StateStopped || s == StateFailed
}

// Metrics is one resource usage sample for a VM.
type Metrics struct {
	CPUPercent     float64       `json:"cpu_percent"`
	MemoryBytes    uint64        `json:"memory_bytes"`
	Uptime         time.Duration `json:"uptime"`
	NetRxBytes     uint64        `json:"net_rx_bytes"`
	NetTxBytes     uint64        `json:"net_tx_bytes"`
	DiskReadBytes  uint64        `json:"disk_read_bytes"`
	DiskWriteBytes uint64        `json:"disk_write_bytes"`
}

// Options carries the startup settings backends may need.
type Options struct {
	Paths                 *paths.Paths
	QEMUBinary            string
	CloudHypervisorBinary string
	LibvirtURI            string

	// Meter is optional; nil disables backend API metrics.
	Meter metric.Meter
}

// Factory constructs a backend. Construction failures are fatal to the worker.
type Factory func(ctx context.Context, opts Options) (Backend, error)

var registry = struct {
	sync.RWMutex
	factories map[Type]Factory
}{
	factories: make(map[Type]Factory),
}

// Register makes a backend available under t.
// Called by each backend package's init() function.
func Register(t Type, f Factory) {
	registry.Lock()
	defer registry.Unlock()
	registry.factories[t] = f
}

// New constructs the backend registered under t.
func New(ctx context.Context, t Type, opts Options) (Backend, error) {
	registry.RLock()
	f, ok := registry.factories[t]
	registry.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %q (available: %v)", ErrUnknownType, t, Types())
	}
	b, err := f(ctx, opts)
	if err != nil {
		return nil, fmt.Errorf("construct %s backend: %w", t, err)
	}
	return b, nil
}

// Types lists the registered backend types in sorted order.
func Types() []Type {
	registry.RLock()
	defer registry.RUnlock()
	types := make([]Type, 0, len(registry.factories))
	for t := range registry.factories {
		types = append(types, t)
	}
	sort.Slice(types, func(i, j int) bool { return types[i] < types[j] })
	return types
}
