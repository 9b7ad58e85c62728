package network

import (
	"fmt"
	"net"
	"sync"
)

// Pool hands out host addresses from an IPv4 subnet. The network address,
// the gateway (network + 1) and the broadcast address are never handed out.
// Fresh addresses come from a high-water mark; released addresses are
// reused in the order they were released.
type Pool struct {
	mu sync.Mutex

	subnet  *net.IPNet
	base    uint32
	first   uint32 // first usable offset
	last    uint32 // last usable offset
	next    uint32 // high-water mark
	free    []uint32
	inUse   map[uint32]string
	gateway net.IP
}

// NewPool creates a pool for cidr, e.g. "10.100.0.0/24".
func NewPool(cidr string) (*Pool, error) {
	_, ipNet, err := net.ParseCIDR(cidr)
	if err != nil {
		return nil, fmt.Errorf("%w: parse %q: %v", ErrInvalidSubnet, cidr, err)
	}
	ip4 := ipNet.IP.To4()
	if ip4 == nil {
		return nil, fmt.Errorf("%w: %s is not IPv4", ErrInvalidSubnet, cidr)
	}

	ones, bits := ipNet.Mask.Size()
	size := uint64(1) << (bits - ones)
	// network, gateway and broadcast plus at least one guest
	if size < 4 {
		return nil, fmt.Errorf("%w: %s has no usable guest address", ErrInvalidSubnet, cidr)
	}

	base := ipToUint(ip4)
	return &Pool{
		subnet:  ipNet,
		base:    base,
		first:   2,
		last:    uint32(size - 2),
		next:    2,
		inUse:   make(map[uint32]string),
		gateway: uintToIP(base + 1),
	}, nil
}

// Allocate reserves an address for owner.
func (p *Pool) Allocate(owner string) (net.IP, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	var off uint32
	switch {
	case len(p.free) > 0:
		off = p.free[0]
		p.free = p.free[1:]
	case p.next <= p.last:
		off = p.next
		p.next++
	default:
		return nil, fmt.Errorf("%w: %d of %d addresses in %s in use", ErrExhausted, len(p.inUse), p.Usable(), p.subnet)
	}

	p.inUse[off] = owner
	return uintToIP(p.base + off), nil
}

// Release returns ip to the pool.
func (p *Pool) Release(ip net.IP) error {
	ip4 := ip.To4()
	if ip4 == nil || !p.subnet.Contains(ip4) {
		return fmt.Errorf("%w: %s", ErrNotAllocated, ip)
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	off := ipToUint(ip4) - p.base
	if _, ok := p.inUse[off]; !ok {
		return fmt.Errorf("%w: %s", ErrNotAllocated, ip)
	}
	delete(p.inUse, off)
	p.free = append(p.free, off)
	return nil
}

// Owner returns who holds ip.
func (p *Pool) Owner(ip net.IP) (string, bool) {
	ip4 := ip.To4()
	if ip4 == nil || !p.subnet.Contains(ip4) {
		return "", false
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	owner, ok := p.inUse[ipToUint(ip4)-p.base]
	return owner, ok
}

// Usable is the number of guest addresses in the subnet.
func (p *Pool) Usable() int {
	return int(p.last - p.first + 1)
}

// InUse is the number of addresses currently allocated.
func (p *Pool) InUse() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.inUse)
}

// Gateway is the subnet's gateway address (network + 1).
func (p *Pool) Gateway() net.IP {
	return p.gateway
}

// Netmask returns the subnet mask in dotted decimal notation.
func (p *Pool) Netmask() string {
	return net.IP(p.subnet.Mask).String()
}

// Subnet returns the pool's CIDR.
func (p *Pool) Subnet() string {
	return p.subnet.String()
}

func ipToUint(ip net.IP) uint32 {
	ip4 := ip.To4()
	return uint32(ip4[0])<<24 | uint32(ip4[1])<<16 | uint32(ip4[2])<<8 | uint32(ip4[3])
}

func uintToIP(val uint32) net.IP {
	return net.IPv4(byte(val>>24), byte(val>>16), byte(val>>8), byte(val)).To4()
}
