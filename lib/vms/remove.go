package vms

import (
	"context"
	"fmt"
	"time"

	"github.com/procurator/worker/lib/hypervisor"
	"github.com/procurator/worker/lib/logger"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// RemoveVM destroys the VM, releases its address and evicts the record.
// If the backend cannot destroy the VM the record is left unchanged so the
// caller can retry.
func (m *Manager) RemoveVM(ctx context.Context, id ID) (err error) {
	start := time.Now()

	ctx, span := m.tracer.Start(ctx, "RemoveVM", trace.WithAttributes(attribute.String("vm_id", id)))
	defer func() {
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
		span.End()
	}()

	rec, err := m.lookup(id)
	if err != nil {
		return err
	}

	rec.opMu.Lock()
	defer rec.opMu.Unlock()

	if err := m.teardown(ctx, rec, func(h hypervisor.Handle) error {
		return m.backend.Destroy(ctx, h)
	}); err != nil {
		m.recordDuration(ctx, "remove", start, "failed")
		return err
	}

	m.recordDuration(ctx, "remove", start, "success")
	logger.FromContext(ctx).InfoContext(ctx, "vm removed", "vm_id", id, "duration", time.Since(start))
	return nil
}

// teardown stops rec's VM with stop, then releases everything it holds and
// evicts it. The caller holds rec.opMu.
func (m *Manager) teardown(ctx context.Context, rec *vmRecord, stop func(hypervisor.Handle) error) error {
	log := logger.FromContext(ctx)

	rec.mu.Lock()
	if rec.status == StatusRemoved {
		// Evicted while we waited for opMu
		rec.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrNotFound, rec.id)
	}
	handle := rec.handle
	rec.mu.Unlock()

	if !handle.IsZero() {
		if err := stop(handle); err != nil {
			log.ErrorContext(ctx, "failed to destroy vm", "vm_id", rec.id, "handle", handle.ID, "error", err)
			return fmt.Errorf("%w: destroy %s: %w", ErrBackend, rec.id, err)
		}
	}

	rec.mu.Lock()
	rec.handle = hypervisor.Handle{}
	rec.metrics = nil
	if rec.status.IsLive() {
		if err := m.transitionLocked(ctx, rec, StatusStopped); err != nil {
			log.WarnContext(ctx, "unexpected status on removal", "vm_id", rec.id, "error", err)
		}
	}
	if err := m.transitionLocked(ctx, rec, StatusRemoved); err != nil {
		log.WarnContext(ctx, "unexpected status on removal", "vm_id", rec.id, "error", err)
		rec.status = StatusRemoved
	}
	alloc := rec.alloc
	rec.alloc = nil
	rec.mu.Unlock()

	m.releaseNetwork(ctx, rec.id, alloc)
	m.evict(rec)
	m.controller.StopRuntime(rec.id)

	if err := deleteVMData(rec); err != nil {
		log.WarnContext(ctx, "failed to delete vm data", "vm_id", rec.id, "error", err)
	}
	return nil
}
