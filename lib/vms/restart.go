package vms

import (
	"context"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/procurator/worker/lib/hypervisor"
	"github.com/procurator/worker/lib/logger"
)

// restartState tracks automatic restarts of one VM. Guarded by vmRecord.mu.
type restartState struct {
	// pending is set when a failure detected by polling should be retried.
	pending bool
	// attempts since the last reset; bounded by RestartPolicy.MaxAttempts.
	attempts int
	// total restarts over the record's lifetime.
	total int
	last  time.Time
	// next is the earliest time the next attempt may run.
	next    time.Time
	backoff *backoff.ExponentialBackOff
}

// markFailed moves a live VM to Failed, destroys its backend handle and
// retires its runtime. The caller holds rec.opMu.
func (m *Manager) markFailed(ctx context.Context, rec *vmRecord, reason string) {
	log := logger.FromContext(ctx)

	rec.mu.Lock()
	if !rec.status.IsLive() {
		rec.mu.Unlock()
		return
	}
	rec.lastError = reason
	rec.metrics = nil
	rec.pollFailures = 0
	rec.restart.pending = m.cfg.AutoRestart
	if err := m.transitionLocked(ctx, rec, StatusFailed); err != nil {
		log.WarnContext(ctx, "unexpected status on failure", "vm_id", rec.id, "error", err)
	}
	handle := rec.handle
	alloc := rec.alloc
	if m.cfg.AutoRestart {
		// Kept for the restart
		alloc = nil
	} else {
		rec.alloc = nil
	}
	rec.mu.Unlock()

	log.WarnContext(ctx, "vm failed", "vm_id", rec.id, "handle", handle.ID, "reason", reason)
	m.controller.StopRuntime(rec.id)

	if !handle.IsZero() {
		if err := m.backend.Destroy(ctx, handle); err != nil {
			log.WarnContext(ctx, "failed to destroy failed vm", "vm_id", rec.id, "handle", handle.ID, "error", err)
		} else {
			rec.mu.Lock()
			if rec.handle.ID == handle.ID {
				rec.handle = hypervisor.Handle{}
			}
			rec.mu.Unlock()
		}
	}
	m.releaseNetwork(ctx, rec.id, alloc)
}

// markStopped records a clean guest exit: the VM moves to Stopped, its
// backend handle is released and its runtime retired. The address stays
// reserved until RemoveVM. Clean exits are never restarted. The caller holds
// rec.opMu.
func (m *Manager) markStopped(ctx context.Context, rec *vmRecord) {
	log := logger.FromContext(ctx)

	rec.mu.Lock()
	if !rec.status.IsLive() {
		rec.mu.Unlock()
		return
	}
	rec.metrics = nil
	rec.pollFailures = 0
	rec.restart.pending = false
	if err := m.transitionLocked(ctx, rec, StatusStopped); err != nil {
		log.WarnContext(ctx, "unexpected status on exit", "vm_id", rec.id, "error", err)
	}
	handle := rec.handle
	rec.mu.Unlock()

	log.InfoContext(ctx, "vm exited", "vm_id", rec.id, "handle", handle.ID)
	m.controller.StopRuntime(rec.id)

	if handle.IsZero() {
		return
	}
	if err := m.backend.Destroy(ctx, handle); err != nil {
		// RemoveVM retries with the handle still set
		log.WarnContext(ctx, "failed to release exited vm", "vm_id", rec.id, "handle", handle.ID, "error", err)
		return
	}
	rec.mu.Lock()
	if rec.handle.ID == handle.ID {
		rec.handle = hypervisor.Handle{}
	}
	rec.mu.Unlock()
}

// maybeRestart re-creates a Failed VM under the same id, image and address
// when the restart policy allows it. The caller holds rec.opMu.
// Multi-hop orchestration: Failed → Creating → Running (or back to Failed).
func (m *Manager) maybeRestart(ctx context.Context, rec *vmRecord) {
	log := logger.FromContext(ctx)
	if !m.cfg.AutoRestart {
		return
	}

	now := time.Now()
	rec.mu.Lock()
	rs := &rec.restart
	if rec.status != StatusFailed || !rs.pending {
		rec.mu.Unlock()
		return
	}
	if rs.attempts >= m.cfg.Restart.MaxAttempts {
		rs.pending = false
		alloc := rec.alloc
		rec.alloc = nil
		rec.mu.Unlock()
		log.ErrorContext(ctx, "vm restart limit reached, leaving it failed",
			"vm_id", rec.id, "attempts", m.cfg.Restart.MaxAttempts)
		m.releaseNetwork(ctx, rec.id, alloc)
		return
	}
	if now.Before(rs.next) {
		rec.mu.Unlock()
		return
	}
	rs.attempts++
	rs.total++
	rs.last = now
	rs.next = now.Add(rs.backoff.NextBackOff())
	attempt := rs.attempts
	stale := rec.handle
	if err := m.transitionLocked(ctx, rec, StatusCreating); err != nil {
		rec.mu.Unlock()
		log.WarnContext(ctx, "cannot restart vm", "vm_id", rec.id, "error", err)
		return
	}
	rec.mu.Unlock()

	log.InfoContext(ctx, "restarting vm", "vm_id", rec.id, "attempt", attempt,
		"max_attempts", m.cfg.Restart.MaxAttempts)

	handle, err := m.restart(ctx, rec, stale)

	rec.mu.Lock()
	if err != nil {
		rec.lastError = err.Error()
		if terr := m.transitionLocked(ctx, rec, StatusFailed); terr != nil {
			log.WarnContext(ctx, "unexpected status on restart failure", "vm_id", rec.id, "error", terr)
		}
		alloc := rec.alloc
		if rs.attempts >= m.cfg.Restart.MaxAttempts {
			rs.pending = false
			rec.alloc = nil
		} else {
			alloc = nil
		}
		next := rs.next
		rec.mu.Unlock()

		m.recordRestart(ctx, false)
		log.ErrorContext(ctx, "vm restart failed", "vm_id", rec.id, "attempt", attempt,
			"next_attempt", next, "error", err)
		m.releaseNetwork(ctx, rec.id, alloc)
		return
	}

	rec.handle = handle
	rec.runningSince = time.Now()
	rec.pollFailures = 0
	rec.metrics = nil
	rec.lastError = ""
	terr := m.transitionLocked(ctx, rec, StatusRunning)
	rec.mu.Unlock()
	if terr != nil {
		log.WarnContext(ctx, "unexpected status after restart", "vm_id", rec.id, "error", terr)
		return
	}

	// markFailed retired the runtime; bring the same record back
	if !m.controller.ResumeRuntime(rec.id) {
		m.controller.AddRuntime(rec)
	}
	m.recordRestart(ctx, true)
	log.InfoContext(ctx, "vm restarted", "vm_id", rec.id, "handle", handle.ID, "attempt", attempt)
}

// restart destroys a leftover handle and boots the VM again, allocating an
// address if the previous one was released.
func (m *Manager) restart(ctx context.Context, rec *vmRecord, stale hypervisor.Handle) (hypervisor.Handle, error) {
	if !stale.IsZero() {
		if err := m.backend.Destroy(ctx, stale); err != nil {
			return hypervisor.Handle{}, fmt.Errorf("%w: destroy previous instance: %w", ErrBackend, err)
		}
	}

	rec.mu.Lock()
	rec.handle = hypervisor.Handle{}
	alloc := rec.alloc
	rec.mu.Unlock()

	if alloc == nil {
		var err error
		alloc, err = m.network.Allocate(rec.id)
		if err != nil {
			return hypervisor.Handle{}, wrapNetworkErr(err)
		}
		rec.mu.Lock()
		rec.alloc = alloc
		rec.mu.Unlock()
	}

	return m.boot(ctx, rec, alloc)
}

// resetRestartsLocked starts the restart budget over once the VM has been
// running long enough. rec.mu must be held.
func (m *Manager) resetRestartsLocked(rec *vmRecord, now time.Time) {
	rs := &rec.restart
	if rs.attempts == 0 || rec.status != StatusRunning {
		return
	}
	if now.Sub(rec.runningSince) < m.cfg.Restart.ResetAfter {
		return
	}
	rs.attempts = 0
	rs.next = time.Time{}
	rs.backoff.Reset()
}
