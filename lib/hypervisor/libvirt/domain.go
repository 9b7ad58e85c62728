package libvirt

import (
	"encoding/xml"
	"fmt"
	"runtime"
	"strconv"

	"github.com/c2h5oh/datasize"
	"github.com/procurator/worker/lib/hypervisor"
)

// domainPrefix namespaces worker-owned domains in libvirtd.
const domainPrefix = "procurator-"

// DomainName returns the libvirt domain name for a VM id.
func DomainName(vmID string) string {
	return domainPrefix + vmID
}

type domainXML struct {
	XMLName       xml.Name     `xml:"domain"`
	Type          string       `xml:"type,attr"`
	Name          string       `xml:"name"`
	Memory        memoryXML    `xml:"memory"`
	CurrentMemory memoryXML    `xml:"currentMemory"`
	VCPU          vcpuXML      `xml:"vcpu"`
	OS            osXML        `xml:"os"`
	Features      *featuresXML `xml:"features,omitempty"`
	CPU           cpuXML       `xml:"cpu"`
	Clock         clockXML     `xml:"clock"`
	OnPoweroff    string       `xml:"on_poweroff"`
	OnReboot      string       `xml:"on_reboot"`
	OnCrash       string       `xml:"on_crash"`
	Devices       devicesXML   `xml:"devices"`
}

type memoryXML struct {
	Unit  string `xml:"unit,attr,omitempty"`
	Value string `xml:",chardata"`
}

type vcpuXML struct {
	Placement string `xml:"placement,attr,omitempty"`
	Value     string `xml:",chardata"`
}

type osXML struct {
	Type    osTypeXML `xml:"type"`
	Kernel  string    `xml:"kernel,omitempty"`
	Initrd  string    `xml:"initrd,omitempty"`
	Cmdline string    `xml:"cmdline,omitempty"`
}

type osTypeXML struct {
	Arch    string `xml:"arch,attr,omitempty"`
	Machine string `xml:"machine,attr,omitempty"`
	Type    string `xml:",chardata"`
}

type featuresXML struct {
	ACPI struct{} `xml:"acpi"`
	APIC struct{} `xml:"apic"`
}

type cpuXML struct {
	Mode string `xml:"mode,attr,omitempty"`
}

type clockXML struct {
	Offset string `xml:"offset,attr,omitempty"`
}

type devicesXML struct {
	Disks      []diskXML      `xml:"disk"`
	Interfaces []interfaceXML `xml:"interface"`
	Serials    []serialXML    `xml:"serial"`
	RNG        rngXML         `xml:"rng"`
}

type diskXML struct {
	Type      string        `xml:"type,attr"`
	Device    string        `xml:"device,attr"`
	Driver    diskDriverXML `xml:"driver"`
	Source    diskSourceXML `xml:"source"`
	Target    diskTargetXML `xml:"target"`
	ReadOnly  *struct{}     `xml:"readonly"`
	Transient *struct{}     `xml:"transient"`
}

type diskDriverXML struct {
	Name string `xml:"name,attr,omitempty"`
	Type string `xml:"type,attr,omitempty"`
}

type diskSourceXML struct {
	File string `xml:"file,attr"`
}

type diskTargetXML struct {
	Dev string `xml:"dev,attr"`
	Bus string `xml:"bus,attr"`
}

type interfaceXML struct {
	Type   string             `xml:"type,attr"`
	MAC    *macXML            `xml:"mac"`
	Target interfaceTargetXML `xml:"target"`
	Model  modelXML           `xml:"model"`
}

type macXML struct {
	Address string `xml:"address,attr"`
}

type interfaceTargetXML struct {
	Dev     string `xml:"dev,attr"`
	Managed string `xml:"managed,attr,omitempty"`
}

type modelXML struct {
	Type string `xml:"type,attr"`
}

type serialXML struct {
	Type   string           `xml:"type,attr"`
	Source *serialSourceXML `xml:"source"`
}

type serialSourceXML struct {
	Path string `xml:"path,attr"`
}

type rngXML struct {
	Model   string        `xml:"model,attr"`
	Backend rngBackendXML `xml:"backend"`
}

type rngBackendXML struct {
	Model string `xml:"model,attr"`
	Value string `xml:",chardata"`
}

// BuildDomainXML renders a transient KVM domain that boots the VM's kernel
// directly. The TAP device is created by the worker, so libvirt is told not
// to manage it.
func BuildDomainXML(name string, cfg hypervisor.VMConfig) (string, error) {
	memMiB := strconv.FormatInt(int64(datasize.ByteSize(cfg.MemoryBytes).MBytes()), 10)

	d := domainXML{
		Type:          "kvm",
		Name:          name,
		Memory:        memoryXML{Unit: "MiB", Value: memMiB},
		CurrentMemory: memoryXML{Unit: "MiB", Value: memMiB},
		VCPU:          vcpuXML{Placement: "static", Value: strconv.Itoa(cfg.VCPUs)},
		OS: osXML{
			Type:    osType(),
			Kernel:  cfg.KernelPath,
			Initrd:  cfg.InitrdPath,
			Cmdline: cfg.KernelArgs,
		},
		CPU:   cpuXML{Mode: "host-passthrough"},
		Clock: clockXML{Offset: "utc"},
		// A build VM that powers off or reboots is finished. Crashed
		// domains are kept so Status can report the failure.
		OnPoweroff: "destroy",
		OnReboot:   "destroy",
		OnCrash:    "preserve",
		Devices: devicesXML{
			RNG: rngXML{Model: "virtio", Backend: rngBackendXML{Model: "random", Value: "/dev/urandom"}},
		},
	}
	if runtime.GOARCH == "amd64" {
		d.Features = &featuresXML{}
	}

	for i, disk := range cfg.Disks {
		if i >= 26 {
			return "", fmt.Errorf("%w: too many disks (%d)", hypervisor.ErrInvalidSpec, len(cfg.Disks))
		}
		dx := diskXML{
			Type:   "file",
			Device: "disk",
			Driver: diskDriverXML{Name: "qemu", Type: "raw"},
			Source: diskSourceXML{File: disk.Path},
			Target: diskTargetXML{Dev: "vd" + string(rune('a'+i)), Bus: "virtio"},
		}
		if disk.Readonly {
			dx.ReadOnly = &struct{}{}
		}
		if disk.Ephemeral {
			dx.Transient = &struct{}{}
		}
		d.Devices.Disks = append(d.Devices.Disks, dx)
	}

	if n := cfg.Network; n != nil {
		iface := interfaceXML{
			Type:   "ethernet",
			Target: interfaceTargetXML{Dev: n.TAPDevice, Managed: "no"},
			Model:  modelXML{Type: "virtio"},
		}
		if n.MAC != "" {
			iface.MAC = &macXML{Address: n.MAC}
		}
		d.Devices.Interfaces = append(d.Devices.Interfaces, iface)
	}

	if cfg.SerialLogPath != "" {
		d.Devices.Serials = append(d.Devices.Serials, serialXML{
			Type:   "file",
			Source: &serialSourceXML{Path: cfg.SerialLogPath},
		})
	} else {
		d.Devices.Serials = append(d.Devices.Serials, serialXML{Type: "null"})
	}

	out, err := xml.MarshalIndent(d, "", "  ")
	if err != nil {
		return "", fmt.Errorf("marshal domain xml: %w", err)
	}
	return string(out), nil
}

func osType() osTypeXML {
	switch runtime.GOARCH {
	case "arm64":
		return osTypeXML{Arch: "aarch64", Machine: "virt", Type: "hvm"}
	default:
		return osTypeXML{Arch: "x86_64", Machine: "q35", Type: "hvm"}
	}
}
