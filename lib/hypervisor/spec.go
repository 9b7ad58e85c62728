package hypervisor

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/c2h5oh/datasize"
)

// SpecFileName is the file inside a Nix store path that describes the VM.
const SpecFileName = "vm-config.json"

// VMSpec is the boot descriptor produced by the Nix vmSpec output.
// Keys are camelCase; every key is required and unknown keys are ignored.
type VMSpec struct {
	Toplevel              string   `json:"toplevel"`
	KernelPath            string   `json:"kernelPath"`
	InitrdPath            string   `json:"initrdPath"`
	DiskImagePath         string   `json:"diskImagePath"`
	Cmdline               string   `json:"cmdline"`
	CPU                   int      `json:"cpu"`
	MemoryMB              int      `json:"memoryMb"`
	NetworkAllowedDomains []string `json:"networkAllowedDomains"`
}

var requiredSpecKeys = []string{
	"toplevel",
	"kernelPath",
	"initrdPath",
	"diskImagePath",
	"cmdline",
	"cpu",
	"memoryMb",
	"networkAllowedDomains",
}

// ParseSpec decodes a VM spec and checks it against maxMemory.
// A zero maxMemory disables the memory cap.
func ParseSpec(data []byte, maxMemory datasize.ByteSize) (*VMSpec, error) {
	// encoding/json matches keys case-insensitively and tolerates missing
	// ones, so presence is checked on the raw object first.
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidSpec, err)
	}
	for _, key := range requiredSpecKeys {
		if _, ok := raw[key]; !ok {
			return nil, fmt.Errorf("%w: missing field %q", ErrInvalidSpec, key)
		}
	}

	var spec VMSpec
	if err := json.Unmarshal(data, &spec); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidSpec, err)
	}
	if spec.CPU <= 0 {
		return nil, fmt.Errorf("%w: cpu must be > 0, got %d", ErrInvalidSpec, spec.CPU)
	}
	if spec.MemoryMB <= 0 {
		return nil, fmt.Errorf("%w: memoryMb must be > 0, got %d", ErrInvalidSpec, spec.MemoryMB)
	}
	if maxMemory > 0 && spec.MemoryBytes() > int64(maxMemory.Bytes()) {
		return nil, fmt.Errorf("%w: memoryMb %d exceeds limit %s", ErrInvalidSpec, spec.MemoryMB, maxMemory.HR())
	}
	if spec.NetworkAllowedDomains == nil {
		spec.NetworkAllowedDomains = []string{}
	}
	return &spec, nil
}

// LoadSpec reads the VM spec for a Nix store path. storePath may be the
// store directory (containing vm-config.json) or the spec file itself.
func LoadSpec(storePath string, maxMemory datasize.ByteSize) (*VMSpec, error) {
	info, err := os.Stat(storePath)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("%w: %s", ErrImageNotFound, storePath)
		}
		return nil, fmt.Errorf("stat store path: %w", err)
	}

	specPath := storePath
	if info.IsDir() {
		specPath = filepath.Join(storePath, SpecFileName)
	}

	data, err := os.ReadFile(specPath)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("%w: %s", ErrImageNotFound, specPath)
		}
		return nil, fmt.Errorf("read vm spec: %w", err)
	}
	return ParseSpec(data, maxMemory)
}

// MemoryBytes returns the guest memory size in bytes.
func (s VMSpec) MemoryBytes() int64 {
	return int64(s.MemoryMB) * int64(datasize.MB)
}

// VMConfig builds the backend configuration for this spec. The disk image
// is attached ephemerally because store paths are immutable.
func (s VMSpec) VMConfig(dir string, network *NetworkConfig) VMConfig {
	cfg := VMConfig{
		VCPUs:       s.CPU,
		MemoryBytes: s.MemoryBytes(),
		KernelPath:  s.KernelPath,
		InitrdPath:  s.InitrdPath,
		KernelArgs:  s.Cmdline,
		Network:     network,
		Dir:         dir,
	}
	if s.DiskImagePath != "" {
		cfg.Disks = []DiskConfig{{Path: s.DiskImagePath, Ephemeral: true}}
	}
	if dir != "" {
		cfg.SerialLogPath = filepath.Join(dir, "logs", "console.log")
		cfg.VMMLogPath = filepath.Join(dir, "logs", "vmm.log")
	}
	return cfg
}
