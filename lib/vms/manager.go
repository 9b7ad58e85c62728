// Package vms owns the worker's VM registry: it creates and removes VMs
// through a hypervisor backend, hands out guest addresses, polls running VMs
// for status and metrics, and restarts VMs that fail.
package vms

import (
	"context"
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/procurator/worker/lib/hypervisor"
	"github.com/procurator/worker/lib/logger"
	"github.com/procurator/worker/lib/network"
	"github.com/procurator/worker/lib/paths"
	"github.com/procurator/worker/lib/runtime"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
)

// vmRecord is the registry entry for one VM id.
type vmRecord struct {
	id        ID
	imageHash string
	storePath string
	paths     paths.VMPaths
	createdAt time.Time

	// opMu serializes backend work on this VM. It is held across backend
	// calls and only ever blocks other operations on the same VM.
	opMu sync.Mutex

	// mu guards the fields below. Never held across a backend call.
	mu           sync.Mutex
	status       Status
	handle       hypervisor.Handle
	alloc        *network.Allocation
	metrics      *Metrics
	pollFailures int
	runningSince time.Time
	lastError    string
	restart      restartState
}

// ID implements runtime.Runtime.
func (r *vmRecord) ID() string {
	return r.id
}

func (r *vmRecord) currentStatus() Status {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.status
}

// snapshotLocked copies the record for callers. r.mu must be held.
func (r *vmRecord) snapshotLocked() VM {
	vm := VM{
		ID:           r.id,
		Status:       r.status,
		ImageHash:    r.imageHash,
		NixStorePath: r.storePath,
		HandleID:     r.handle.ID,
		CreatedAt:    r.createdAt,
		RestartCount: r.restart.total,
		LastRestart:  r.restart.last,
		LastError:    r.lastError,
	}
	if r.alloc != nil {
		vm.IP = r.alloc.IP
		vm.MAC = r.alloc.MAC
		vm.TAPDevice = r.alloc.TAPDevice
	}
	return vm
}

// Manager is the worker's VM manager.
type Manager struct {
	cfg        Config
	paths      *paths.Paths
	backend    hypervisor.Backend
	network    *network.Manager
	controller *runtime.Controller
	metrics    *managerMetrics
	tracer     trace.Tracer

	// mu guards the map only: insert, erase and snapshot.
	mu  sync.RWMutex
	vms map[ID]*vmRecord

	pollerMu sync.Mutex
	poller   *PollHandle
}

// NewManager validates cfg, recovers from a previous worker run and returns a
// ready manager. The network manager must be built from the same bridge and
// subnet as cfg. meter and tracer may be nil.
func NewManager(ctx context.Context, cfg Config, backend hypervisor.Backend, netManager *network.Manager,
	controller *runtime.Controller, meter metric.Meter, tracer trace.Tracer) (*Manager, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if backend == nil || netManager == nil || controller == nil {
		return nil, fmt.Errorf("%w: backend, network manager and controller are required", ErrInvalidConfig)
	}
	if netManager.Bridge() != cfg.NetworkBridge {
		return nil, fmt.Errorf("%w: network manager bridge %q does not match %q",
			ErrInvalidConfig, netManager.Bridge(), cfg.NetworkBridge)
	}
	if err := checkArtifactsDir(cfg.VMArtifactsDir); err != nil {
		return nil, err
	}

	m := &Manager{
		cfg:        cfg.withDefaults(),
		paths:      paths.New(cfg.VMArtifactsDir),
		backend:    backend,
		network:    netManager,
		controller: controller,
		tracer:     tracerOrNoop(tracer),
		vms:        make(map[ID]*vmRecord),
	}

	if meter != nil {
		metrics, err := newManagerMetrics(meter, m)
		if err != nil {
			return nil, fmt.Errorf("create vm metrics: %w", err)
		}
		m.metrics = metrics
	}

	if err := m.recoverStale(ctx); err != nil {
		return nil, fmt.Errorf("recover stale vms: %w", err)
	}

	// No allocations exist yet, so every prefixed TAP device is an orphan.
	if err := m.network.Initialize(ctx); err != nil {
		return nil, fmt.Errorf("initialize network: %w", err)
	}

	logger.FromContext(ctx).InfoContext(ctx, "vm manager ready",
		"artifacts_dir", cfg.VMArtifactsDir,
		"bridge", cfg.NetworkBridge,
		"subnet", cfg.VMSubnetBase,
		"poll_interval", m.cfg.MetricsPollInterval,
		"auto_restart", m.cfg.AutoRestart)
	return m, nil
}

// lookup returns the record for id.
func (m *Manager) lookup(id ID) (*vmRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	rec, ok := m.vms[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return rec, nil
}

// snapshot returns the current records in id order.
func (m *Manager) snapshot() []*vmRecord {
	m.mu.RLock()
	recs := make([]*vmRecord, 0, len(m.vms))
	for _, rec := range m.vms {
		recs = append(recs, rec)
	}
	m.mu.RUnlock()
	slices.SortFunc(recs, func(a, b *vmRecord) int {
		switch {
		case a.id < b.id:
			return -1
		case a.id > b.id:
			return 1
		}
		return 0
	})
	return recs
}

// evict removes rec from the registry if it is still the entry for its id.
func (m *Manager) evict(rec *vmRecord) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.vms[rec.id] == rec {
		delete(m.vms, rec.id)
	}
}

// transitionLocked moves rec to status to and persists it. rec.mu must be held.
func (m *Manager) transitionLocked(ctx context.Context, rec *vmRecord, to Status) error {
	from := rec.status
	if err := from.CanTransitionTo(to); err != nil {
		return err
	}
	rec.status = to
	m.recordStateTransition(ctx, from, to)
	logger.FromContext(ctx).DebugContext(ctx, "vm status changed", "vm_id", rec.id, "from", from, "to", to)

	if to != StatusRemoved {
		if err := m.saveMetadata(rec); err != nil {
			logger.FromContext(ctx).WarnContext(ctx, "failed to persist vm metadata", "vm_id", rec.id, "error", err)
		}
	}
	return nil
}

func newRestartBackoff(p RestartPolicy) *backoff.ExponentialBackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = p.InitialInterval
	b.MaxInterval = p.MaxInterval
	b.Multiplier = p.Multiplier
	b.RandomizationFactor = p.RandomizationFactor
	b.Reset()
	return b
}
