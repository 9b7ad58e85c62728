package vms

import (
	"context"
	"errors"

	"github.com/procurator/worker/lib/hypervisor"
	"github.com/procurator/worker/lib/logger"
	"golang.org/x/sync/errgroup"
)

// Shutdown stops the poller, then gracefully stops and removes every VM in
// parallel. Each stop escalates to destroy after the configured StopTimeout.
func (m *Manager) Shutdown(ctx context.Context) error {
	log := logger.FromContext(ctx)
	m.StopMetricsPolling()

	recs := m.snapshot()
	if len(recs) == 0 {
		return nil
	}
	log.InfoContext(ctx, "stopping vms", "count", len(recs), "timeout", m.cfg.StopTimeout)

	var (
		g    errgroup.Group
		errs = make([]error, len(recs))
	)
	for i, rec := range recs {
		g.Go(func() error {
			rec.opMu.Lock()
			defer rec.opMu.Unlock()
			errs[i] = m.teardown(ctx, rec, func(h hypervisor.Handle) error {
				return m.backend.Stop(ctx, h, m.cfg.StopTimeout)
			})
			if errors.Is(errs[i], ErrNotFound) {
				errs[i] = nil
			}
			return nil
		})
	}
	_ = g.Wait()

	err := errors.Join(errs...)
	if err != nil {
		log.ErrorContext(ctx, "some vms did not stop cleanly", "error", err)
	}
	return err
}
