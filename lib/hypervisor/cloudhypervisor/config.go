package cloudhypervisor

import (
	"github.com/procurator/worker/lib/hypervisor"
)

// ToVMConfig converts hypervisor.VMConfig to the vm.create request body.
func ToVMConfig(cfg hypervisor.VMConfig) VmConfig {
	disks := make([]DiskConfig, 0, len(cfg.Disks))
	for _, d := range cfg.Disks {
		// cloud-hypervisor has no write overlay, so ephemeral images are
		// attached read-only.
		disks = append(disks, DiskConfig{
			Path:     d.Path,
			Readonly: d.Readonly || d.Ephemeral,
		})
	}

	var nets []NetConfig
	if cfg.Network != nil {
		nets = []NetConfig{{
			Tap:  cfg.Network.TAPDevice,
			Ip:   cfg.Network.IP,
			Mask: cfg.Network.Netmask,
			Mac:  cfg.Network.MAC,
		}}
	}

	serial := &ConsoleConfig{Mode: ConsoleModeNull}
	if cfg.SerialLogPath != "" {
		serial = &ConsoleConfig{Mode: ConsoleModeFile, File: cfg.SerialLogPath}
	}

	return VmConfig{
		Cpus: CpusConfig{
			BootVcpus: cfg.VCPUs,
			MaxVcpus:  cfg.VCPUs,
		},
		Memory: MemoryConfig{Size: cfg.MemoryBytes},
		Payload: PayloadConfig{
			Kernel:    cfg.KernelPath,
			Initramfs: cfg.InitrdPath,
			Cmdline:   cfg.KernelArgs,
		},
		Disks:   disks,
		Net:     nets,
		Rng:     &RngConfig{Src: "/dev/urandom"},
		Serial:  serial,
		Console: &ConsoleConfig{Mode: ConsoleModeOff},
	}
}

// mapState translates the vm.info state into a backend state.
func mapState(s VmState) (hypervisor.State, bool) {
	switch s {
	case Created:
		return hypervisor.StateCreated, true
	case Running:
		return hypervisor.StateRunning, true
	case Paused:
		return hypervisor.StatePaused, true
	case Shutdown:
		return hypervisor.StateStopped, true
	default:
		return "", false
	}
}

// ioCounters sums the per-device counters into network and block totals.
// Device ids are "_net<N>" and "_disk<N>" unless named explicitly.
func ioCounters(counters VmCounters, m *hypervisor.Metrics) {
	for _, c := range counters {
		if rx, ok := c["rx_bytes"]; ok {
			m.NetRxBytes += rx
			m.NetTxBytes += c["tx_bytes"]
			continue
		}
		m.DiskReadBytes += c["read_bytes"]
		m.DiskWriteBytes += c["write_bytes"]
	}
}
