package hypervisor

import (
	"errors"
	"fmt"
	"os"
)

// VMConfig is the hypervisor-agnostic VM configuration.
// Each backend translates this to its native format.
type VMConfig struct {
	// Compute resources
	VCPUs       int
	MemoryBytes int64

	// Boot configuration
	KernelPath string
	InitrdPath string
	KernelArgs string

	// Storage
	Disks []DiskConfig

	// Network
	Network *NetworkConfig

	// Dir is the per-VM artifacts directory for sockets and logs.
	Dir string

	// Console
	SerialLogPath string
	VMMLogPath    string
}

// DiskConfig represents a disk attached to the VM.
type DiskConfig struct {
	Path     string
	Readonly bool
	// Ephemeral disks keep guest writes in a throwaway overlay so the
	// backing image (usually in the read-only Nix store) is never modified.
	Ephemeral bool
}

// NetworkConfig represents the network interface attached to the VM.
type NetworkConfig struct {
	TAPDevice string
	Bridge    string
	IP        string
	MAC       string
	Netmask   string
	Gateway   string
}

// CheckArtifacts verifies that the kernel, initrd and disk images exist.
// Backends call it first in Create so missing images fail before anything is spawned.
func (c VMConfig) CheckArtifacts() error {
	required := []string{c.KernelPath}
	if c.InitrdPath != "" {
		required = append(required, c.InitrdPath)
	}
	for _, d := range c.Disks {
		required = append(required, d.Path)
	}
	for _, p := range required {
		if p == "" {
			return fmt.Errorf("%w: empty path", ErrImageNotFound)
		}
		if _, err := os.Stat(p); err != nil {
			if errors.Is(err, os.ErrNotExist) {
				return fmt.Errorf("%w: %s", ErrImageNotFound, p)
			}
			return fmt.Errorf("stat %s: %w", p, err)
		}
	}
	return nil
}
