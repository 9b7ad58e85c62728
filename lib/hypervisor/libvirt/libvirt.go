// Package libvirt implements hypervisor.Backend on top of libvirtd. VMs are
// transient KVM domains defined from generated XML, so nothing survives in
// libvirt once a VM is destroyed.
package libvirt

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	golibvirt "github.com/digitalocean/go-libvirt"
	"github.com/nrednav/cuid2"
	"github.com/procurator/worker/lib/hypervisor"
	"github.com/procurator/worker/lib/logger"
)

const stopPollInterval = 500 * time.Millisecond

func init() {
	hypervisor.Register(hypervisor.TypeLibvirt, func(ctx context.Context, opts hypervisor.Options) (hypervisor.Backend, error) {
		return New(ctx, opts)
	})
}

type instance struct {
	handle    hypervisor.Handle
	domain    string
	started   bool
	startedAt time.Time
	lastCPU   cpuSample
}

// Backend drives transient domains through libvirtd.
type Backend struct {
	conn  *ConnManager
	cores float64

	mu  sync.Mutex
	vms map[string]*instance
}

// Verify Backend implements the interface
var (
	_ hypervisor.Backend = (*Backend)(nil)
	_ hypervisor.Reaper  = (*Backend)(nil)
)

// New connects to libvirtd at opts.LibvirtURI.
func New(ctx context.Context, opts hypervisor.Options) (*Backend, error) {
	conn := NewConnManager(opts.LibvirtURI)
	if err := conn.Healthy(ctx); err != nil {
		return nil, err
	}
	return &Backend{
		conn:  conn,
		cores: hostCores(),
		vms:   make(map[string]*instance),
	}, nil
}

// Close drops the libvirtd connection. Running domains are unaffected.
func (b *Backend) Close() error {
	return b.conn.Close()
}

func (b *Backend) lookup(h hypervisor.Handle) (*instance, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	inst, ok := b.vms[h.ID]
	return inst, ok
}

// Create defines and launches a paused transient domain.
func (b *Backend) Create(ctx context.Context, id string, cfg hypervisor.VMConfig) (hypervisor.Handle, error) {
	log := logger.FromContext(ctx)

	if err := cfg.CheckArtifacts(); err != nil {
		return hypervisor.Handle{}, err
	}

	client, err := b.conn.Client(ctx)
	if err != nil {
		return hypervisor.Handle{}, err
	}

	name := DomainName(id)
	if dom, err := client.DomainLookupByName(name); err == nil {
		// Left over from a previous worker run.
		log.WarnContext(ctx, "destroying stale libvirt domain", "vm_id", id, "domain", name)
		if err := client.DomainDestroy(dom); err != nil && !golibvirt.IsNotFound(err) {
			return hypervisor.Handle{}, fmt.Errorf("destroy stale domain %s: %w", name, err)
		}
	} else if !golibvirt.IsNotFound(err) {
		return hypervisor.Handle{}, fmt.Errorf("lookup domain %s: %w", name, err)
	}

	domainXML, err := BuildDomainXML(name, cfg)
	if err != nil {
		return hypervisor.Handle{}, err
	}

	dom, err := client.DomainCreateXML(domainXML, golibvirt.DomainStartPaused)
	if err != nil {
		return hypervisor.Handle{}, fmt.Errorf("create domain %s: %w", name, err)
	}

	h := hypervisor.Handle{
		ID:        cuid2.Generate(),
		VMID:      id,
		CreatedAt: time.Now(),
	}

	b.mu.Lock()
	b.vms[h.ID] = &instance{handle: h, domain: dom.Name}
	b.mu.Unlock()

	log.DebugContext(ctx, "libvirt domain created", "vm_id", id, "domain", dom.Name, "handle", h.ID)
	return h, nil
}

// Start resumes the paused domain.
func (b *Backend) Start(ctx context.Context, h hypervisor.Handle) error {
	inst, ok := b.lookup(h)
	if !ok {
		return fmt.Errorf("%w: %s", hypervisor.ErrUnknownHandle, h.ID)
	}
	client, dom, err := b.domain(ctx, inst)
	if err != nil {
		return err
	}
	if err := client.DomainResume(dom); err != nil {
		return fmt.Errorf("resume domain %s: %w", inst.domain, err)
	}

	b.mu.Lock()
	inst.started = true
	inst.startedAt = time.Now()
	b.mu.Unlock()
	return nil
}

// Stop requests an ACPI shutdown and destroys the domain after timeout.
func (b *Backend) Stop(ctx context.Context, h hypervisor.Handle, timeout time.Duration) error {
	log := logger.FromContext(ctx)

	inst, ok := b.lookup(h)
	if !ok {
		return nil
	}
	client, dom, err := b.domain(ctx, inst)
	if err != nil {
		if golibvirt.IsNotFound(err) {
			b.release(inst)
			return nil
		}
		return err
	}

	if err := client.DomainShutdown(dom); err != nil {
		if golibvirt.IsNotFound(err) {
			b.release(inst)
			return nil
		}
		log.WarnContext(ctx, "domain shutdown failed, destroying", "vm_id", h.VMID, "error", err)
		return b.Destroy(ctx, h)
	}

	if waitDomainStopped(ctx, client, dom, timeout) {
		b.release(inst)
		return nil
	}

	log.WarnContext(ctx, "vm did not shut down in time, destroying", "vm_id", h.VMID, "timeout", timeout)
	return b.Destroy(ctx, h)
}

// Destroy hard-stops the domain. A transient domain is gone afterwards.
func (b *Backend) Destroy(ctx context.Context, h hypervisor.Handle) error {
	inst, ok := b.lookup(h)
	if !ok {
		return nil
	}
	client, dom, err := b.domain(ctx, inst)
	if err != nil {
		if golibvirt.IsNotFound(err) {
			b.release(inst)
			return nil
		}
		return err
	}
	if err := client.DomainDestroy(dom); err != nil && !golibvirt.IsNotFound(err) {
		return fmt.Errorf("destroy domain %s: %w", inst.domain, err)
	}
	b.release(inst)
	return nil
}

// Reap destroys the domain a previous worker process started for h.VMID.
func (b *Backend) Reap(ctx context.Context, h hypervisor.Handle) error {
	client, err := b.conn.Client(ctx)
	if err != nil {
		return err
	}
	name := DomainName(h.VMID)
	dom, err := client.DomainLookupByName(name)
	if err != nil {
		if golibvirt.IsNotFound(err) {
			return nil
		}
		return fmt.Errorf("lookup domain %s: %w", name, err)
	}
	logger.FromContext(ctx).InfoContext(ctx, "destroying stale libvirt domain", "vm_id", h.VMID, "domain", name)
	if err := client.DomainDestroy(dom); err != nil && !golibvirt.IsNotFound(err) {
		return fmt.Errorf("destroy stale domain %s: %w", name, err)
	}
	return nil
}

func (b *Backend) release(inst *instance) {
	b.mu.Lock()
	delete(b.vms, inst.handle.ID)
	b.mu.Unlock()
}

// Status maps the libvirt domain state. A transient domain that no longer
// exists has powered off.
func (b *Backend) Status(ctx context.Context, h hypervisor.Handle) (hypervisor.State, error) {
	inst, ok := b.lookup(h)
	if !ok {
		return "", fmt.Errorf("%w: %s", hypervisor.ErrUnknownHandle, h.ID)
	}
	client, dom, err := b.domain(ctx, inst)
	if err != nil {
		if golibvirt.IsNotFound(err) {
			return hypervisor.StateStopped, nil
		}
		return "", err
	}

	state, _, err := client.DomainGetState(dom, 0)
	if err != nil {
		if golibvirt.IsNotFound(err) {
			return hypervisor.StateStopped, nil
		}
		return "", fmt.Errorf("get domain state %s: %w", inst.domain, err)
	}

	b.mu.Lock()
	started := inst.started
	b.mu.Unlock()
	return mapDomainState(golibvirt.DomainState(state), started), nil
}

// Metrics reads CPU, balloon, block and interface stats for the domain.
func (b *Backend) Metrics(ctx context.Context, h hypervisor.Handle) (hypervisor.Metrics, error) {
	inst, ok := b.lookup(h)
	if !ok {
		return hypervisor.Metrics{}, fmt.Errorf("%w: %s", hypervisor.ErrUnknownHandle, h.ID)
	}
	client, dom, err := b.domain(ctx, inst)
	if err != nil {
		return hypervisor.Metrics{}, err
	}

	records, err := client.ConnectGetAllDomainStats([]golibvirt.Domain{dom}, statsMask, 0)
	if err != nil {
		return hypervisor.Metrics{}, fmt.Errorf("get domain stats %s: %w", inst.domain, err)
	}
	if len(records) == 0 {
		return hypervisor.Metrics{}, errors.New("no stats returned for domain")
	}

	fields := statFields(records[0].Params)
	now := time.Now()

	b.mu.Lock()
	cur := cpuSample{cpuNs: fields[statCPUTime], at: now}
	cpu := cpuPercent(inst.lastCPU, cur, b.cores)
	inst.lastCPU = cur
	startedAt := inst.startedAt
	b.mu.Unlock()

	mem := fields[statBalloonRSS]
	if mem == 0 {
		mem = fields[statBalloonCurrent]
	}

	m := hypervisor.Metrics{
		CPUPercent:  cpu,
		MemoryBytes: mem * 1024,
	}
	if !startedAt.IsZero() {
		m.Uptime = now.Sub(startedAt)
	}
	m.DiskReadBytes, m.DiskWriteBytes = sumBySuffix(fields, "block.", suffixBlockRead, suffixBlockWrite)
	m.NetRxBytes, m.NetTxBytes = sumBySuffix(fields, "net.", suffixNetRx, suffixNetTx)
	return m, nil
}

func (b *Backend) domain(ctx context.Context, inst *instance) (*golibvirt.Libvirt, golibvirt.Domain, error) {
	client, err := b.conn.Client(ctx)
	if err != nil {
		return nil, golibvirt.Domain{}, err
	}
	dom, err := client.DomainLookupByName(inst.domain)
	if err != nil {
		return client, golibvirt.Domain{}, err
	}
	return client, dom, nil
}

func waitDomainStopped(ctx context.Context, client *golibvirt.Libvirt, dom golibvirt.Domain, timeout time.Duration) bool {
	deadlineCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	ticker := time.NewTicker(stopPollInterval)
	defer ticker.Stop()

	for {
		state, _, err := client.DomainGetState(dom, 0)
		if golibvirt.IsNotFound(err) {
			return true
		}
		if err == nil && !isDomainActive(golibvirt.DomainState(state)) {
			return true
		}
		select {
		case <-deadlineCtx.Done():
			return false
		case <-ticker.C:
		}
	}
}

func isDomainActive(state golibvirt.DomainState) bool {
	switch state {
	case golibvirt.DomainRunning, golibvirt.DomainBlocked, golibvirt.DomainPaused,
		golibvirt.DomainPmsuspended, golibvirt.DomainShutdown:
		return true
	default:
		return false
	}
}

func mapDomainState(state golibvirt.DomainState, started bool) hypervisor.State {
	switch state {
	case golibvirt.DomainRunning, golibvirt.DomainBlocked:
		return hypervisor.StateRunning
	case golibvirt.DomainPaused:
		if !started {
			return hypervisor.StateCreated
		}
		return hypervisor.StatePaused
	case golibvirt.DomainPmsuspended:
		return hypervisor.StatePaused
	case golibvirt.DomainCrashed:
		return hypervisor.StateFailed
	case golibvirt.DomainShutdown, golibvirt.DomainShutoff:
		return hypervisor.StateStopped
	default:
		// DomainNostate is reported briefly while a domain starts.
		if started {
			return hypervisor.StateRunning
		}
		return hypervisor.StateCreated
	}
}
