// Package network allocates guest addresses from the worker subnet and
// manages the TAP devices that attach VMs to the host bridge.
package network

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"

	"github.com/procurator/worker/lib/logger"
	"github.com/samber/lo"
	"go.opentelemetry.io/otel/metric"
)

// maxTAPNameAttempts bounds the salted retries after a TAP name collision.
const maxTAPNameAttempts = 8

// Manager owns the address pool and the worker's TAP devices.
type Manager struct {
	bridge  string
	pool    *Pool
	links   Links
	metrics *Metrics

	mu   sync.Mutex
	taps map[string]string // TAP name -> VM id
}

// NewManager creates a network manager. links may be nil to use netlink;
// meter may be nil to disable metrics.
func NewManager(cfg Config, links Links, meter metric.Meter) (*Manager, error) {
	if cfg.Bridge == "" {
		return nil, fmt.Errorf("%w: bridge name is empty", ErrBridgeNotFound)
	}
	pool, err := NewPool(cfg.Subnet)
	if err != nil {
		return nil, err
	}
	if links == nil {
		links = NetlinkLinks{}
	}

	m := &Manager{
		bridge: cfg.Bridge,
		pool:   pool,
		links:  links,
		taps:   make(map[string]string),
	}

	if meter != nil {
		metrics, err := newNetworkMetrics(meter, m)
		if err != nil {
			return nil, fmt.Errorf("create network metrics: %w", err)
		}
		m.metrics = metrics
	}
	return m, nil
}

// Initialize verifies the bridge and removes TAP devices left behind by a
// previous worker process.
func (m *Manager) Initialize(ctx context.Context) error {
	log := logger.FromContext(ctx)

	if err := m.links.CheckBridge(m.bridge); err != nil {
		return err
	}
	log.InfoContext(ctx, "bridge ready", "bridge", m.bridge, "subnet", m.pool.Subnet(),
		"gateway", m.pool.Gateway().String(), "usable_addresses", m.pool.Usable())

	if n := m.CleanupOrphanedTAPs(ctx); n > 0 {
		log.InfoContext(ctx, "cleaned up orphaned TAP devices", "count", n)
	}
	return nil
}

// CheckBridge verifies the configured bridge is present.
func (m *Manager) CheckBridge() error {
	return m.links.CheckBridge(m.bridge)
}

// Allocate reserves an address, a MAC and a TAP name for vmID. The TAP
// device itself is created by SetupTAP.
func (m *Manager) Allocate(vmID string) (*Allocation, error) {
	ip, err := m.pool.Allocate(vmID)
	if err != nil {
		return nil, err
	}

	mac, err := generateMAC()
	if err != nil {
		m.pool.Release(ip)
		return nil, fmt.Errorf("generate mac: %w", err)
	}

	tap, err := m.claimTAPName(vmID)
	if err != nil {
		m.pool.Release(ip)
		return nil, err
	}

	return &Allocation{
		VMID:      vmID,
		IP:        ip.String(),
		MAC:       mac,
		TAPDevice: tap,
		Gateway:   m.pool.Gateway().String(),
		Netmask:   m.pool.Netmask(),
		Bridge:    m.bridge,
	}, nil
}

func (m *Manager) claimTAPName(vmID string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for salt := 0; salt < maxTAPNameAttempts; salt++ {
		name := generateTAPName(vmID, salt)
		if owner, taken := m.taps[name]; taken && owner != vmID {
			continue
		}
		m.taps[name] = vmID
		return name, nil
	}
	return "", fmt.Errorf("no free TAP name for %s", vmID)
}

// SetupTAP creates the allocation's TAP device and attaches it to the bridge.
// An existing device with the same name is replaced.
func (m *Manager) SetupTAP(ctx context.Context, alloc *Allocation) error {
	err := m.links.AddTAP(alloc.TAPDevice, m.bridge)
	m.recordTAPOperation(ctx, "create", err)
	if err != nil {
		return fmt.Errorf("setup tap %s: %w", alloc.TAPDevice, err)
	}
	logger.FromContext(ctx).DebugContext(ctx, "tap device ready",
		"vm_id", alloc.VMID, "tap", alloc.TAPDevice, "bridge", m.bridge)
	return nil
}

// TeardownTAP deletes the allocation's TAP device. The address stays allocated.
func (m *Manager) TeardownTAP(ctx context.Context, alloc *Allocation) error {
	err := m.links.DeleteTAP(alloc.TAPDevice)
	m.recordTAPOperation(ctx, "delete", err)
	if err != nil {
		return fmt.Errorf("teardown tap %s: %w", alloc.TAPDevice, err)
	}
	return nil
}

// Release deletes the TAP device and returns the address to the pool.
// The address is released even if TAP deletion fails.
func (m *Manager) Release(ctx context.Context, alloc *Allocation) error {
	tapErr := m.TeardownTAP(ctx, alloc)

	m.mu.Lock()
	if m.taps[alloc.TAPDevice] == alloc.VMID {
		delete(m.taps, alloc.TAPDevice)
	}
	m.mu.Unlock()

	ipErr := m.pool.Release(net.ParseIP(alloc.IP))
	return errors.Join(tapErr, ipErr)
}

// Stats returns the TAP counters from the guest's point of view: the host
// transmits what the guest receives.
func (m *Manager) Stats(alloc *Allocation) (Stats, error) {
	rx, tx, err := m.links.Stats(alloc.TAPDevice)
	if err != nil {
		return Stats{}, err
	}
	return Stats{RxBytes: tx, TxBytes: rx}, nil
}

// CleanupOrphanedTAPs deletes worker-prefixed TAP devices that belong to no
// current allocation. Returns the number deleted.
func (m *Manager) CleanupOrphanedTAPs(ctx context.Context) int {
	log := logger.FromContext(ctx)

	names, err := m.links.List(TAPPrefix)
	if err != nil {
		log.WarnContext(ctx, "failed to list network links for TAP cleanup", "error", err)
		return 0
	}

	m.mu.Lock()
	orphans := lo.Filter(names, func(name string, _ int) bool {
		_, owned := m.taps[name]
		return !owned
	})
	m.mu.Unlock()

	deleted := 0
	for _, name := range orphans {
		err := m.links.DeleteTAP(name)
		m.recordTAPOperation(ctx, "cleanup", err)
		if err != nil {
			log.WarnContext(ctx, "failed to delete orphaned TAP", "tap", name, "error", err)
			continue
		}
		log.InfoContext(ctx, "deleted orphaned TAP device", "tap", name)
		deleted++
	}
	return deleted
}

// Usable is the number of guest addresses in the subnet.
func (m *Manager) Usable() int {
	return m.pool.Usable()
}

// InUse is the number of allocated addresses.
func (m *Manager) InUse() int {
	return m.pool.InUse()
}

// Bridge returns the bridge name.
func (m *Manager) Bridge() string {
	return m.bridge
}
