package qemu

import (
	"fmt"
	"runtime"
	"strconv"

	"github.com/c2h5oh/datasize"
	"github.com/procurator/worker/lib/hypervisor"
)

// BuildArgs converts hypervisor.VMConfig to QEMU command-line arguments.
// The guest is created with -S so it stays paused until Start issues "cont".
func BuildArgs(cfg hypervisor.VMConfig) []string {
	args := make([]string, 0, 48)

	// Machine type with KVM acceleration (arch-specific)
	args = append(args, "-machine", machineType())

	// CPU configuration
	args = append(args, "-cpu", "host")
	args = append(args, "-smp", strconv.Itoa(cfg.VCPUs))

	// Memory configuration
	memMB := int64(datasize.ByteSize(cfg.MemoryBytes).MBytes())
	args = append(args, "-m", fmt.Sprintf("%dM", memMB))

	// Kernel and initrd
	if cfg.KernelPath != "" {
		args = append(args, "-kernel", cfg.KernelPath)
	}
	if cfg.InitrdPath != "" {
		args = append(args, "-initrd", cfg.InitrdPath)
	}
	if cfg.KernelArgs != "" {
		args = append(args, "-append", cfg.KernelArgs)
	}

	// Disk configuration
	for i, disk := range cfg.Disks {
		driveOpts := fmt.Sprintf("file=%s,format=raw,if=none,id=drive%d", disk.Path, i)
		if disk.Readonly {
			driveOpts += ",readonly=on"
		}
		if disk.Ephemeral {
			// Guest writes go to a temporary overlay discarded on exit.
			driveOpts += ",snapshot=on"
		}
		args = append(args, "-drive", driveOpts)
		args = append(args, "-device", fmt.Sprintf("virtio-blk-pci,drive=drive%d", i))
	}

	// Network configuration
	if cfg.Network != nil {
		netdevOpts := fmt.Sprintf("tap,id=net0,ifname=%s,script=no,downscript=no", cfg.Network.TAPDevice)
		args = append(args, "-netdev", netdevOpts)
		args = append(args, "-device", fmt.Sprintf("virtio-net-pci,netdev=net0,mac=%s", cfg.Network.MAC))
	}

	// Entropy for the guest
	args = append(args, "-object", "rng-random,id=rng0,filename=/dev/urandom")
	args = append(args, "-device", "virtio-rng-pci,rng=rng0")

	// Serial console output to file
	if cfg.SerialLogPath != "" {
		args = append(args, "-serial", fmt.Sprintf("file:%s", cfg.SerialLogPath))
	} else {
		args = append(args, "-serial", "null")
	}

	// Paused until Start
	args = append(args, "-S")

	// No graphics
	args = append(args, "-nographic")

	// Disable default devices we don't need
	args = append(args, "-nodefaults")

	return args
}

// machineType returns the QEMU machine type for the host architecture.
func machineType() string {
	switch runtime.GOARCH {
	case "arm64":
		return "virt,accel=kvm"
	default:
		// x86_64 and others use q35
		return "q35,accel=kvm"
	}
}
