package vms

import (
	"time"

	"github.com/procurator/worker/lib/hypervisor"
)

// ID identifies a VM. Chosen by the control plane; unique among live VMs.
type ID = string

// Status is the lifecycle state of a VM record.
type Status string

const (
	StatusCreating Status = "Creating"
	StatusRunning  Status = "Running"
	StatusPaused   Status = "Paused"
	StatusStopped  Status = "Stopped"
	StatusFailed   Status = "Failed"
	StatusRemoved  Status = "Removed"
)

// Metrics is the last successful resource sample of a VM.
type Metrics struct {
	CPUPercent     float64       `json:"cpu_percent"`
	MemoryBytes    uint64        `json:"memory_bytes"`
	Uptime         time.Duration `json:"uptime"`
	NetRxBytes     uint64        `json:"net_rx_bytes"`
	NetTxBytes     uint64        `json:"net_tx_bytes"`
	DiskReadBytes  uint64        `json:"disk_read_bytes"`
	DiskWriteBytes uint64        `json:"disk_write_bytes"`
	LastPollAt     time.Time     `json:"last_poll_at"`
}

func metricsFromSample(s hypervisor.Metrics, at time.Time) Metrics {
	return Metrics{
		CPUPercent:     s.CPUPercent,
		MemoryBytes:    s.MemoryBytes,
		Uptime:         s.Uptime,
		NetRxBytes:     s.NetRxBytes,
		NetTxBytes:     s.NetTxBytes,
		DiskReadBytes:  s.DiskReadBytes,
		DiskWriteBytes: s.DiskWriteBytes,
		LastPollAt:     at,
	}
}

// VM is a read-only snapshot of a VM record.
type VM struct {
	ID           ID        `json:"id"`
	Status       Status    `json:"status"`
	ImageHash    string    `json:"image_hash"`
	NixStorePath string    `json:"nix_store_path"`
	IP           string    `json:"ip,omitempty"`
	MAC          string    `json:"mac,omitempty"`
	TAPDevice    string    `json:"tap_device,omitempty"`
	HandleID     string    `json:"handle_id,omitempty"`
	CreatedAt    time.Time `json:"created_at"`
	RestartCount int       `json:"restart_count"`
	LastRestart  time.Time `json:"last_restart,omitzero"`
	LastError    string    `json:"last_error,omitempty"`
}
