// Package mock implements hypervisor.Backend in memory. It never spawns a
// process; it returns fixed metrics and can inject failures into any
// operation, which makes VM manager behavior deterministic under test.
package mock

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/nrednav/cuid2"
	"github.com/procurator/worker/lib/hypervisor"
)

func init() {
	hypervisor.Register(hypervisor.TypeMock, func(ctx context.Context, opts hypervisor.Options) (hypervisor.Backend, error) {
		return New(Config{}), nil
	})
}

// Op names a backend operation for failure injection.
type Op string

const (
	OpCreate  Op = "create"
	OpStart   Op = "start"
	OpStop    Op = "stop"
	OpDestroy Op = "destroy"
	OpStatus  Op = "status"
	OpMetrics Op = "metrics"
	OpReap    Op = "reap"
)

// Config controls the mock's behavior.
type Config struct {
	// Errors returned by the named operations.
	Errors map[Op]error

	// FailAfterCreate makes Status report StateFailed for every handle
	// once it has been created, simulating a VM that crashes after boot.
	FailAfterCreate bool

	// Metrics is returned by every successful Metrics call.
	Metrics hypervisor.Metrics

	// SkipArtifactCheck disables the boot image existence check in Create.
	SkipArtifactCheck bool

	// BeforeOp, if set, runs at the start of every operation. Tests use it to
	// block or slow down one VM.
	BeforeOp func(ctx context.Context, op Op, vmID string)
}

// Calls counts invocations per operation.
type Calls struct {
	Create  atomic.Int64
	Start   atomic.Int64
	Stop    atomic.Int64
	Destroy atomic.Int64
	Status  atomic.Int64
	Metrics atomic.Int64
	Reap    atomic.Int64
}

type fakeVM struct {
	handle    hypervisor.Handle
	state     hypervisor.State
	destroyed bool
}

// Backend is the in-memory hypervisor.
type Backend struct {
	Calls Calls

	mu     sync.Mutex
	cfg    Config
	vms    map[string]*fakeVM
	reaped []hypervisor.Handle
}

var (
	_ hypervisor.Backend = (*Backend)(nil)
	_ hypervisor.Reaper  = (*Backend)(nil)
)

// New creates a mock backend.
func New(cfg Config) *Backend {
	if cfg.Errors == nil {
		cfg.Errors = make(map[Op]error)
	}
	return &Backend{
		cfg: cfg,
		vms: make(map[string]*fakeVM),
	}
}

// SetError injects err into op. A nil err clears the injection.
func (b *Backend) SetError(op Op, err error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if err == nil {
		delete(b.cfg.Errors, op)
		return
	}
	b.cfg.Errors[op] = err
}

// SetFailAfterCreate toggles post-creation failure reporting.
func (b *Backend) SetFailAfterCreate(fail bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.cfg.FailAfterCreate = fail
}

// SetMetrics changes the metrics returned by Metrics.
func (b *Backend) SetMetrics(m hypervisor.Metrics) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.cfg.Metrics = m
}

// SetState forces the state of the VM behind handleID, e.g. to simulate a crash.
func (b *Backend) SetState(handleID string, state hypervisor.State) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	vm, ok := b.vms[handleID]
	if !ok {
		return fmt.Errorf("%w: %s", hypervisor.ErrUnknownHandle, handleID)
	}
	vm.state = state
	return nil
}

// State returns the state of the VM behind handleID and whether it was destroyed.
func (b *Backend) State(handleID string) (hypervisor.State, bool, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	vm, ok := b.vms[handleID]
	if !ok {
		return "", false, fmt.Errorf("%w: %s", hypervisor.ErrUnknownHandle, handleID)
	}
	return vm.state, vm.destroyed, nil
}

// Live returns the number of handles that have not been destroyed.
func (b *Backend) Live() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	n := 0
	for _, vm := range b.vms {
		if !vm.destroyed {
			n++
		}
	}
	return n
}

func (b *Backend) before(ctx context.Context, op Op, vmID string) error {
	b.mu.Lock()
	hook := b.cfg.BeforeOp
	err := b.cfg.Errors[op]
	b.mu.Unlock()
	if hook != nil {
		hook(ctx, op, vmID)
	}
	return err
}

func (b *Backend) lookup(h hypervisor.Handle) (*fakeVM, error) {
	vm, ok := b.vms[h.ID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", hypervisor.ErrUnknownHandle, h.ID)
	}
	return vm, nil
}

// Create registers a new fake VM in the created state.
func (b *Backend) Create(ctx context.Context, id string, cfg hypervisor.VMConfig) (hypervisor.Handle, error) {
	b.Calls.Create.Add(1)
	if err := b.before(ctx, OpCreate, id); err != nil {
		return hypervisor.Handle{}, err
	}

	b.mu.Lock()
	skipCheck := b.cfg.SkipArtifactCheck
	b.mu.Unlock()
	if !skipCheck {
		if err := cfg.CheckArtifacts(); err != nil {
			return hypervisor.Handle{}, err
		}
	}

	h := hypervisor.Handle{
		ID:        cuid2.Generate(),
		VMID:      id,
		CreatedAt: time.Now(),
	}

	b.mu.Lock()
	b.vms[h.ID] = &fakeVM{handle: h, state: hypervisor.StateCreated}
	b.mu.Unlock()
	return h, nil
}

// Start moves a created VM to running.
func (b *Backend) Start(ctx context.Context, h hypervisor.Handle) error {
	b.Calls.Start.Add(1)
	if err := b.before(ctx, OpStart, h.VMID); err != nil {
		return err
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	vm, err := b.lookup(h)
	if err != nil {
		return err
	}
	if vm.destroyed {
		return fmt.Errorf("start %s: vm destroyed", h.ID)
	}
	vm.state = hypervisor.StateRunning
	return nil
}

// Stop moves a VM to stopped. Terminal VMs are left alone.
func (b *Backend) Stop(ctx context.Context, h hypervisor.Handle, timeout time.Duration) error {
	b.Calls.Stop.Add(1)
	if err := b.before(ctx, OpStop, h.VMID); err != nil {
		return err
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	vm, err := b.lookup(h)
	if err != nil {
		return err
	}
	if vm.destroyed || vm.state.IsTerminal() {
		return nil
	}
	vm.state = hypervisor.StateStopped
	return nil
}

// Destroy marks the VM destroyed. Destroying twice, or an unknown handle, is a no-op.
func (b *Backend) Destroy(ctx context.Context, h hypervisor.Handle) error {
	b.Calls.Destroy.Add(1)
	if err := b.before(ctx, OpDestroy, h.VMID); err != nil {
		return err
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	vm, ok := b.vms[h.ID]
	if !ok || vm.destroyed {
		return nil
	}
	vm.destroyed = true
	if !vm.state.IsTerminal() {
		vm.state = hypervisor.StateStopped
	}
	return nil
}

// Status reports the fake VM state.
func (b *Backend) Status(ctx context.Context, h hypervisor.Handle) (hypervisor.State, error) {
	b.Calls.Status.Add(1)
	if err := b.before(ctx, OpStatus, h.VMID); err != nil {
		return "", err
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	vm, err := b.lookup(h)
	if err != nil {
		return "", err
	}
	if b.cfg.FailAfterCreate && !vm.destroyed {
		return hypervisor.StateFailed, nil
	}
	return vm.state, nil
}

// Metrics returns the configured fixed metrics.
func (b *Backend) Metrics(ctx context.Context, h hypervisor.Handle) (hypervisor.Metrics, error) {
	b.Calls.Metrics.Add(1)
	if err := b.before(ctx, OpMetrics, h.VMID); err != nil {
		return hypervisor.Metrics{}, err
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if _, err := b.lookup(h); err != nil {
		return hypervisor.Metrics{}, err
	}
	return b.cfg.Metrics, nil
}

// Reap records h as torn down after a worker restart.
func (b *Backend) Reap(ctx context.Context, h hypervisor.Handle) error {
	b.Calls.Reap.Add(1)
	if err := b.before(ctx, OpReap, h.VMID); err != nil {
		return err
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	b.reaped = append(b.reaped, h)
	return nil
}

// Reaped returns the handles passed to Reap.
func (b *Backend) Reaped() []hypervisor.Handle {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]hypervisor.Handle(nil), b.reaped...)
}
