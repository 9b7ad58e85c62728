package vms

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/procurator/worker/lib/hypervisor"
	"github.com/procurator/worker/lib/logger"
	"github.com/procurator/worker/lib/network"
	"golang.org/x/sync/errgroup"
)

// pollConcurrency bounds how many VMs one poll cycle queries at once.
const pollConcurrency = 8

// PollHandle controls a running metrics poller.
type PollHandle struct {
	cancel context.CancelFunc
	done   chan struct{}
	once   sync.Once
}

// Stop cancels the poller at its next loop boundary and waits for it to
// exit. An in-flight poll cycle runs to completion. Safe to call more than once.
func (h *PollHandle) Stop() {
	h.once.Do(h.cancel)
	<-h.done
}

// Done is closed when the poller has exited.
func (h *PollHandle) Done() <-chan struct{} {
	return h.done
}

// StartMetricsPolling starts the background poller. Calling it while a
// poller is running returns the running poller's handle.
func (m *Manager) StartMetricsPolling(ctx context.Context) *PollHandle {
	m.pollerMu.Lock()
	defer m.pollerMu.Unlock()

	if m.poller != nil {
		select {
		case <-m.poller.done:
		default:
			return m.poller
		}
	}

	loopCtx, cancel := context.WithCancel(ctx)
	h := &PollHandle{cancel: cancel, done: make(chan struct{})}
	m.poller = h

	go func() {
		defer close(h.done)
		log := logger.FromContext(ctx)
		log.InfoContext(ctx, "metrics polling started", "interval", m.cfg.MetricsPollInterval)

		ticker := time.NewTicker(m.cfg.MetricsPollInterval)
		defer ticker.Stop()
		for {
			select {
			case <-loopCtx.Done():
				log.InfoContext(ctx, "metrics polling stopped")
				return
			case <-ticker.C:
				// Cancellation takes effect between cycles, never inside a backend call
				m.PollOnce(context.WithoutCancel(loopCtx))
			}
		}
	}()
	return h
}

// StopMetricsPolling stops the poller started by StartMetricsPolling, if any.
func (m *Manager) StopMetricsPolling() {
	m.pollerMu.Lock()
	h := m.poller
	m.pollerMu.Unlock()
	if h != nil {
		h.Stop()
	}
}

// PollOnce runs one poll cycle over every registered VM: live VMs are checked
// for status and sampled for metrics, failed VMs are restarted when the
// restart policy allows.
func (m *Manager) PollOnce(ctx context.Context) {
	var g errgroup.Group
	g.SetLimit(pollConcurrency)
	for _, rec := range m.snapshot() {
		g.Go(func() error {
			m.pollVM(ctx, rec)
			return nil
		})
	}
	_ = g.Wait()
}

func (m *Manager) pollVM(ctx context.Context, rec *vmRecord) {
	// A create, remove or restart in progress owns the VM; try again next cycle
	if !rec.opMu.TryLock() {
		logger.FromContext(ctx).DebugContext(ctx, "skipping busy vm", "vm_id", rec.id)
		return
	}
	defer rec.opMu.Unlock()

	rec.mu.Lock()
	status := rec.status
	handle := rec.handle
	alloc := rec.alloc
	rec.mu.Unlock()

	switch {
	case status.IsLive():
		if m.pollLive(ctx, rec, handle, alloc) {
			return
		}
		m.maybeRestart(ctx, rec)
	case status == StatusFailed:
		m.maybeRestart(ctx, rec)
	}
}

// pollLive queries status then metrics. Returns false if the VM was found
// to have failed.
func (m *Manager) pollLive(ctx context.Context, rec *vmRecord, handle hypervisor.Handle, alloc *network.Allocation) bool {
	log := logger.FromContext(ctx)

	state, err := m.backend.Status(ctx, handle)
	if err != nil {
		return !m.pollFailed(ctx, rec, "status", err)
	}

	switch state {
	case hypervisor.StateFailed:
		m.markFailed(ctx, rec, fmt.Sprintf("vm exited unexpectedly (backend state %s)", state))
		return false
	case hypervisor.StateStopped:
		m.markStopped(ctx, rec)
		return true
	case hypervisor.StatePaused, hypervisor.StateRunning:
		m.syncPaused(ctx, rec, state == hypervisor.StatePaused)
	}

	sample, err := m.backend.Metrics(ctx, handle)
	if err != nil {
		return !m.pollFailed(ctx, rec, "metrics", err)
	}

	now := time.Now()
	metrics := metricsFromSample(sample, now)
	if alloc != nil && metrics.NetRxBytes == 0 && metrics.NetTxBytes == 0 {
		// Process-sampling backends cannot see guest traffic; the TAP can
		if stats, err := m.network.Stats(alloc); err == nil {
			metrics.NetRxBytes = stats.RxBytes
			metrics.NetTxBytes = stats.TxBytes
		} else {
			log.DebugContext(ctx, "tap stats unavailable", "vm_id", rec.id, "tap", alloc.TAPDevice, "error", err)
		}
	}

	rec.mu.Lock()
	rec.metrics = &metrics
	rec.pollFailures = 0
	m.resetRestartsLocked(rec, now)
	rec.mu.Unlock()
	return true
}

// syncPaused mirrors a backend-reported pause or resume onto the record.
func (m *Manager) syncPaused(ctx context.Context, rec *vmRecord, paused bool) {
	rec.mu.Lock()
	defer rec.mu.Unlock()
	switch {
	case paused && rec.status == StatusRunning:
		_ = m.transitionLocked(ctx, rec, StatusPaused)
	case !paused && rec.status == StatusPaused:
		_ = m.transitionLocked(ctx, rec, StatusRunning)
	}
}

// pollFailed records a failed status or metrics query. Reports whether the
// VM crossed the consecutive failure limit and was marked Failed.
func (m *Manager) pollFailed(ctx context.Context, rec *vmRecord, op string, cause error) bool {
	m.recordPollFailure(ctx, op)

	rec.mu.Lock()
	rec.metrics = nil
	rec.pollFailures++
	n := rec.pollFailures
	rec.mu.Unlock()

	logger.FromContext(ctx).WarnContext(ctx, "vm poll failed", "vm_id", rec.id, "operation", op,
		"consecutive_failures", n, "error", cause)

	if n < m.cfg.MaxPollFailures {
		return false
	}
	m.markFailed(ctx, rec, fmt.Sprintf("%d consecutive poll failures: %v", n, cause))
	return true
}
