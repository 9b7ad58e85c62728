package vms

import (
	"context"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/procurator/worker/lib/hypervisor"
	"github.com/procurator/worker/lib/logger"
	"github.com/procurator/worker/lib/network"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"gvisor.dev/gvisor/pkg/cleanup"
)

// CreateVM boots a VM from the Nix store path and registers it under id.
// Multi-hop orchestration: Creating → Running, or Creating → Failed. A failed
// VM keeps its record, and therefore its id, until it is removed.
func (m *Manager) CreateVM(ctx context.Context, id ID, imageHash, nixStorePath string) (err error) {
	start := time.Now()
	log := logger.FromContext(ctx)

	ctx, span := m.tracer.Start(ctx, "CreateVM", trace.WithAttributes(
		attribute.String("vm_id", id),
		attribute.String("image_hash", imageHash),
	))
	defer func() {
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
		span.End()
	}()

	// 1. Validate id
	if err := validateID(id); err != nil {
		return err
	}
	vmPaths, err := m.paths.VM(id)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidID, err)
	}

	rec := &vmRecord{
		id:        id,
		imageHash: imageHash,
		storePath: nixStorePath,
		paths:     vmPaths,
		createdAt: start,
		status:    StatusCreating,
		restart:   restartState{backoff: newRestartBackoff(m.cfg.Restart)},
	}

	// 2. Reserve the id and an address under the registry lock
	m.mu.Lock()
	if _, exists := m.vms[id]; exists {
		m.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrDuplicateID, id)
	}
	if err := checkStorePath(nixStorePath); err != nil {
		m.mu.Unlock()
		return err
	}
	alloc, err := m.network.Allocate(id)
	if err != nil {
		m.mu.Unlock()
		return wrapNetworkErr(err)
	}
	rec.alloc = alloc
	// Taken before the record is visible so removal waits for the boot to finish
	rec.opMu.Lock()
	m.vms[id] = rec
	m.mu.Unlock()
	defer rec.opMu.Unlock()

	log.InfoContext(ctx, "creating vm", "vm_id", id, "image_hash", imageHash,
		"nix_store_path", nixStorePath, "ip", alloc.IP)

	rec.mu.Lock()
	if err := ensureDirectories(rec); err != nil {
		log.WarnContext(ctx, "failed to create vm directories", "vm_id", id, "error", err)
	}
	m.recordStateTransition(ctx, "", StatusCreating)
	if err := m.saveMetadata(rec); err != nil {
		log.WarnContext(ctx, "failed to persist vm metadata", "vm_id", id, "error", err)
	}
	rec.mu.Unlock()

	// 3. Boot through the backend
	handle, err := m.boot(ctx, rec, alloc)
	if err != nil {
		log.ErrorContext(ctx, "failed to create vm", "vm_id", id, "error", err)
		m.failCreate(ctx, rec, err)
		m.recordDuration(ctx, "create", start, "failed")
		return err
	}

	// 4. Running
	rec.mu.Lock()
	rec.handle = handle
	rec.runningSince = time.Now()
	terr := m.transitionLocked(ctx, rec, StatusRunning)
	rec.mu.Unlock()
	if terr != nil {
		return terr
	}
	m.controller.AddRuntime(rec)

	m.recordDuration(ctx, "create", start, "success")
	log.InfoContext(ctx, "vm running", "vm_id", id, "handle", handle.ID, "pid", handle.PID,
		"duration", time.Since(start))
	return nil
}

// boot loads the VM spec, creates the TAP device and creates then starts the
// VM. Nothing it set up survives a failure. The caller holds rec.opMu.
func (m *Manager) boot(ctx context.Context, rec *vmRecord, alloc *network.Allocation) (hypervisor.Handle, error) {
	log := logger.FromContext(ctx)

	spec, err := hypervisor.LoadSpec(rec.storePath, m.cfg.MaxVMMemory)
	if err != nil {
		return hypervisor.Handle{}, wrapBackendErr("load vm spec", err)
	}

	if err := m.network.SetupTAP(ctx, alloc); err != nil {
		return hypervisor.Handle{}, wrapBackendErr("setup network", err)
	}
	cu := cleanup.Make(func() {
		if err := m.network.TeardownTAP(ctx, alloc); err != nil {
			log.WarnContext(ctx, "failed to remove tap after create failure", "vm_id", rec.id, "error", err)
		}
	})
	defer cu.Clean()

	cfg := spec.VMConfig(rec.paths.Dir, &hypervisor.NetworkConfig{
		TAPDevice: alloc.TAPDevice,
		Bridge:    alloc.Bridge,
		IP:        alloc.IP,
		MAC:       alloc.MAC,
		Netmask:   alloc.Netmask,
		Gateway:   alloc.Gateway,
	})

	handle, err := m.backend.Create(ctx, rec.id, cfg)
	if err != nil {
		return hypervisor.Handle{}, wrapBackendErr("create", err)
	}
	cu.Add(func() {
		if err := m.backend.Destroy(ctx, handle); err != nil {
			log.WarnContext(ctx, "failed to destroy vm after start failure", "vm_id", rec.id, "handle", handle.ID, "error", err)
		}
	})

	if err := m.backend.Start(ctx, handle); err != nil {
		return hypervisor.Handle{}, wrapBackendErr("start", err)
	}

	cu.Release()
	return handle, nil
}

// failCreate marks rec Failed after a failed CreateVM and releases its address.
func (m *Manager) failCreate(ctx context.Context, rec *vmRecord, cause error) {
	rec.mu.Lock()
	alloc := rec.alloc
	rec.alloc = nil
	rec.lastError = cause.Error()
	if err := m.transitionLocked(ctx, rec, StatusFailed); err != nil {
		logger.FromContext(ctx).WarnContext(ctx, "unexpected status on create failure", "vm_id", rec.id, "error", err)
	}
	rec.mu.Unlock()

	m.releaseNetwork(ctx, rec.id, alloc)
}

// releaseNetwork returns alloc's address to the pool and deletes its TAP.
func (m *Manager) releaseNetwork(ctx context.Context, id ID, alloc *network.Allocation) {
	if alloc == nil {
		return
	}
	if err := m.network.Release(ctx, alloc); err != nil {
		logger.FromContext(ctx).WarnContext(ctx, "failed to release vm network", "vm_id", id, "ip", alloc.IP, "error", err)
	}
}

// checkStorePath verifies the Nix store path exists.
func checkStorePath(nixStorePath string) error {
	if nixStorePath == "" {
		return fmt.Errorf("%w: empty nix store path", ErrImageNotFound)
	}
	if _, err := os.Stat(nixStorePath); err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return fmt.Errorf("%w: %s", ErrImageNotFound, nixStorePath)
		}
		return fmt.Errorf("%w: stat %s: %w", ErrBackend, nixStorePath, err)
	}
	return nil
}

func wrapNetworkErr(err error) error {
	if errors.Is(err, network.ErrExhausted) {
		return fmt.Errorf("%w: %w", ErrNetworkExhausted, err)
	}
	return fmt.Errorf("%w: allocate network: %w", ErrBackend, err)
}

// wrapBackendErr maps backend failures onto the manager's error taxonomy.
func wrapBackendErr(op string, err error) error {
	if errors.Is(err, hypervisor.ErrImageNotFound) {
		return fmt.Errorf("%w: %w", ErrImageNotFound, err)
	}
	return fmt.Errorf("%w: %s: %w", ErrBackend, op, err)
}
