package network

import (
	"fmt"
	"os"
	"strings"

	"github.com/vishvananda/netlink"
)

// Links is the kernel link plumbing the Manager needs.
type Links interface {
	// CheckBridge verifies name exists and is a bridge.
	CheckBridge(name string) error
	// AddTAP creates a TAP device, sets it up and attaches it to bridge.
	AddTAP(name, bridge string) error
	// DeleteTAP removes a TAP device. Missing devices are not an error.
	DeleteTAP(name string) error
	// Stats returns the device's rx/tx byte counters.
	Stats(name string) (rx, tx uint64, err error)
	// List returns the names of links starting with prefix.
	List(prefix string) ([]string, error)
}

// NetlinkLinks implements Links with rtnetlink. Requires CAP_NET_ADMIN.
type NetlinkLinks struct{}

// Verify NetlinkLinks implements the interface
var _ Links = NetlinkLinks{}

func (NetlinkLinks) CheckBridge(name string) error {
	link, err := netlink.LinkByName(name)
	if err != nil {
		return fmt.Errorf("%w: %s: %v", ErrBridgeNotFound, name, err)
	}
	if link.Type() != "bridge" {
		return fmt.Errorf("%w: %s is a %s link", ErrBridgeNotFound, name, link.Type())
	}
	if err := netlink.LinkSetUp(link); err != nil {
		return fmt.Errorf("set bridge up: %w", err)
	}
	return nil
}

func (l NetlinkLinks) AddTAP(name, bridge string) error {
	// Recreate rather than reuse a device left behind by a crashed VM
	if _, err := netlink.LinkByName(name); err == nil {
		if err := l.DeleteTAP(name); err != nil {
			return fmt.Errorf("delete existing TAP: %w", err)
		}
	}

	// Owned by the worker's user so an unprivileged hypervisor can open it
	tap := &netlink.Tuntap{
		LinkAttrs: netlink.LinkAttrs{
			Name: name,
		},
		Mode:  netlink.TUNTAP_MODE_TAP,
		Owner: uint32(os.Getuid()),
		Group: uint32(os.Getgid()),
	}
	if err := netlink.LinkAdd(tap); err != nil {
		return fmt.Errorf("create TAP device: %w", err)
	}

	tapLink, err := netlink.LinkByName(name)
	if err != nil {
		return fmt.Errorf("get TAP link: %w", err)
	}
	if err := netlink.LinkSetUp(tapLink); err != nil {
		netlink.LinkDel(tapLink)
		return fmt.Errorf("set TAP up: %w", err)
	}

	br, err := netlink.LinkByName(bridge)
	if err != nil {
		netlink.LinkDel(tapLink)
		return fmt.Errorf("%w: %s: %v", ErrBridgeNotFound, bridge, err)
	}
	if err := netlink.LinkSetMaster(tapLink, br); err != nil {
		netlink.LinkDel(tapLink)
		return fmt.Errorf("attach TAP to bridge: %w", err)
	}
	return nil
}

func (NetlinkLinks) DeleteTAP(name string) error {
	link, err := netlink.LinkByName(name)
	if err != nil {
		// TAP doesn't exist, nothing to do
		return nil
	}
	if err := netlink.LinkDel(link); err != nil {
		return fmt.Errorf("delete TAP device: %w", err)
	}
	return nil
}

func (NetlinkLinks) Stats(name string) (uint64, uint64, error) {
	link, err := netlink.LinkByName(name)
	if err != nil {
		return 0, 0, fmt.Errorf("get link %s: %w", name, err)
	}
	stats := link.Attrs().Statistics
	if stats == nil {
		return 0, 0, fmt.Errorf("no statistics for %s", name)
	}
	return stats.RxBytes, stats.TxBytes, nil
}

func (NetlinkLinks) List(prefix string) ([]string, error) {
	links, err := netlink.LinkList()
	if err != nil {
		return nil, fmt.Errorf("list links: %w", err)
	}
	var names []string
	for _, link := range links {
		if name := link.Attrs().Name; strings.HasPrefix(name, prefix) {
			names = append(names, name)
		}
	}
	return names, nil
}
