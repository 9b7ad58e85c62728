package vms

import (
	"fmt"

	"github.com/samber/lo"
)

// ListVMs returns the ids of all registered VMs in sorted order.
func (m *Manager) ListVMs() []ID {
	return lo.Map(m.snapshot(), func(rec *vmRecord, _ int) ID {
		return rec.id
	})
}

// ListVMDetails returns a snapshot of every registered VM in id order.
func (m *Manager) ListVMDetails() []VM {
	return lo.Map(m.snapshot(), func(rec *vmRecord, _ int) VM {
		rec.mu.Lock()
		defer rec.mu.Unlock()
		return rec.snapshotLocked()
	})
}

// GetVMStatus returns the status of a VM.
func (m *Manager) GetVMStatus(id ID) (Status, error) {
	rec, err := m.lookup(id)
	if err != nil {
		return "", err
	}
	return rec.currentStatus(), nil
}

// GetVM returns a snapshot of a VM record.
func (m *Manager) GetVM(id ID) (VM, error) {
	rec, err := m.lookup(id)
	if err != nil {
		return VM{}, err
	}
	rec.mu.Lock()
	defer rec.mu.Unlock()
	return rec.snapshotLocked(), nil
}

// GetVMMetrics returns the last successful metrics sample. ErrNoDataYet is
// returned before the first successful poll and after a failed one.
func (m *Manager) GetVMMetrics(id ID) (Metrics, error) {
	rec, err := m.lookup(id)
	if err != nil {
		return Metrics{}, err
	}
	rec.mu.Lock()
	defer rec.mu.Unlock()
	if rec.metrics == nil {
		return Metrics{}, fmt.Errorf("%w: %s", ErrNoDataYet, id)
	}
	return *rec.metrics, nil
}
