// Package paths provides centralized path construction for the worker's VM artifacts directory.
package paths

import (
	"fmt"
	"path/filepath"

	securejoin "github.com/cyphar/filepath-securejoin"
)

// Filesystem structure:
// {artifactsDir}/vms/{vm-id}/
//   metadata.json      # VM record snapshot
//   qemu.sock          # QMP socket (qemu backend)
//   ch.sock            # API socket (cloud-hypervisor backend)
//   logs/
//     vmm.log          # hypervisor process stdout/stderr
//     console.log      # serial console output
//     worker.log       # worker log lines tagged with this vm_id

// Paths provides typed path construction for the artifacts directory.
type Paths struct {
	dataDir string
}

// New creates a new Paths instance for the given artifacts directory.
func New(dataDir string) *Paths {
	return &Paths{dataDir: dataDir}
}

// DataDir returns the root artifacts directory.
func (p *Paths) DataDir() string {
	return p.dataDir
}

// VMsDir returns the directory holding one subdirectory per VM.
func (p *Paths) VMsDir() string {
	return filepath.Join(p.dataDir, "vms")
}

// VM resolves the artifact paths for a VM. VM ids are chosen by the control
// plane, so the directory is joined with securejoin to keep it inside VMsDir.
func (p *Paths) VM(id string) (VMPaths, error) {
	dir, err := securejoin.SecureJoin(p.VMsDir(), id)
	if err != nil {
		return VMPaths{}, fmt.Errorf("resolve vm dir for %q: %w", id, err)
	}
	if dir == p.VMsDir() {
		return VMPaths{}, fmt.Errorf("resolve vm dir for %q: id does not name a directory", id)
	}
	return VMPaths{Dir: dir}, nil
}

// VMPaths holds the files belonging to one VM.
type VMPaths struct {
	Dir string
}

// Metadata returns the path to metadata.json.
func (v VMPaths) Metadata() string {
	return filepath.Join(v.Dir, "metadata.json")
}

// Socket returns the path of a hypervisor control socket inside the VM dir.
// Short names keep the path under the unix socket limit (~108 bytes).
func (v VMPaths) Socket(name string) string {
	return filepath.Join(v.Dir, name)
}

// Logs returns the VM log directory.
func (v VMPaths) Logs() string {
	return filepath.Join(v.Dir, "logs")
}

// VMMLog returns the hypervisor process output log.
func (v VMPaths) VMMLog() string {
	return filepath.Join(v.Logs(), "vmm.log")
}

// ConsoleLog returns the serial console log.
func (v VMPaths) ConsoleLog() string {
	return filepath.Join(v.Logs(), "console.log")
}

// WorkerLog returns the per-VM copy of worker log lines.
func (v VMPaths) WorkerLog() string {
	return filepath.Join(v.Logs(), "worker.log")
}
