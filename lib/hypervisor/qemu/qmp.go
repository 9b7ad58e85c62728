package qemu

import (
	"fmt"
	"time"

	"github.com/digitalocean/go-qemu/qemu"
	"github.com/digitalocean/go-qemu/qmp"
	"github.com/digitalocean/go-qemu/qmp/raw"
	"github.com/procurator/worker/lib/hypervisor"
)

// qmpConnectTimeout is the timeout for connecting to the QMP socket
const qmpConnectTimeout = 1 * time.Second

// Client wraps go-qemu's Domain and raw.Monitor with convenience methods.
type Client struct {
	domain *qemu.Domain
	raw    *raw.Monitor
}

// NewClient creates a new QEMU client connected to the given socket.
func NewClient(socketPath string) (*Client, error) {
	mon, err := qmp.NewSocketMonitor("unix", socketPath, qmpConnectTimeout)
	if err != nil {
		return nil, fmt.Errorf("create socket monitor: %w", err)
	}

	if err := mon.Connect(); err != nil {
		return nil, fmt.Errorf("connect to qmp: %w", err)
	}

	domain, err := qemu.NewDomain(mon, "vm")
	if err != nil {
		mon.Disconnect()
		return nil, fmt.Errorf("create domain: %w", err)
	}

	return &Client{
		domain: domain,
		raw:    raw.NewMonitor(mon),
	}, nil
}

// Close disconnects from the QMP socket.
func (c *Client) Close() error {
	return c.domain.Close()
}

// Continue resumes VM execution (QMP 'cont' command).
func (c *Client) Continue() error {
	return c.raw.Cont()
}

// Status returns the current VM status as a typed enum.
func (c *Client) Status() (qemu.Status, error) {
	return c.domain.Status()
}

// SystemPowerdown sends ACPI power button event (graceful shutdown).
func (c *Client) SystemPowerdown() error {
	return c.raw.SystemPowerdown()
}

// mapStatus translates a QMP run state into a backend state.
func mapStatus(status qemu.Status) hypervisor.State {
	switch status {
	case qemu.StatusRunning:
		return hypervisor.StateRunning
	case qemu.StatusPreLaunch:
		return hypervisor.StateCreated
	case qemu.StatusPaused, qemu.StatusSuspended,
		qemu.StatusInMigrate, qemu.StatusPostMigrate, qemu.StatusFinishMigrate:
		return hypervisor.StatePaused
	case qemu.StatusShutdown:
		return hypervisor.StateStopped
	case qemu.StatusGuestPanicked, qemu.StatusIOError, qemu.StatusInternalError, qemu.StatusWatchdog:
		return hypervisor.StateFailed
	default:
		return hypervisor.StateRunning
	}
}
