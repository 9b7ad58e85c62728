package cloudhypervisor

// Request and response bodies for the subset of the Cloud Hypervisor REST
// API the backend uses. Field names follow the cloud-hypervisor OpenAPI
// document.

// VmConfig is the body of PUT /vm.create.
type VmConfig struct {
	Cpus    CpusConfig     `json:"cpus"`
	Memory  MemoryConfig   `json:"memory"`
	Payload PayloadConfig  `json:"payload"`
	Disks   []DiskConfig   `json:"disks,omitempty"`
	Net     []NetConfig    `json:"net,omitempty"`
	Rng     *RngConfig     `json:"rng,omitempty"`
	Serial  *ConsoleConfig `json:"serial,omitempty"`
	Console *ConsoleConfig `json:"console,omitempty"`
}

type CpusConfig struct {
	BootVcpus int `json:"boot_vcpus"`
	MaxVcpus  int `json:"max_vcpus"`
}

type MemoryConfig struct {
	Size int64 `json:"size"`
}

type PayloadConfig struct {
	Kernel    string `json:"kernel,omitempty"`
	Initramfs string `json:"initramfs,omitempty"`
	Cmdline   string `json:"cmdline,omitempty"`
}

type DiskConfig struct {
	Path     string `json:"path"`
	Readonly bool   `json:"readonly,omitempty"`
}

type NetConfig struct {
	Tap  string `json:"tap,omitempty"`
	Ip   string `json:"ip,omitempty"`
	Mask string `json:"mask,omitempty"`
	Mac  string `json:"mac,omitempty"`
}

type RngConfig struct {
	Src string `json:"src"`
}

// ConsoleConfigMode is one of Off, Pty, Tty, File, Socket or Null.
type ConsoleConfigMode string

const (
	ConsoleModeOff  ConsoleConfigMode = "Off"
	ConsoleModeFile ConsoleConfigMode = "File"
	ConsoleModeNull ConsoleConfigMode = "Null"
)

type ConsoleConfig struct {
	Mode ConsoleConfigMode `json:"mode"`
	File string            `json:"file,omitempty"`
}

// VmState is the state field of GET /vm.info.
type VmState string

const (
	Created  VmState = "Created"
	Running  VmState = "Running"
	Shutdown VmState = "Shutdown"
	Paused   VmState = "Paused"
)

// VmInfo is the body of GET /vm.info.
type VmInfo struct {
	State            VmState `json:"state"`
	MemoryActualSize *int64  `json:"memory_actual_size,omitempty"`
}

// VmCounters is the body of GET /vm.counters, keyed by device id then
// counter name.
type VmCounters map[string]map[string]uint64
