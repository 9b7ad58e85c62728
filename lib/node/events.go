package node

import (
	"github.com/procurator/worker/lib/vms"
)

// Event is a lifecycle request for the node.
type Event interface {
	eventName() string
}

// Target describes the boot image a VM should run.
type Target struct {
	NixStorePath string `json:"nix_store_path"`
	ImageHash    string `json:"image_hash"`
}

// Apply reconciles the VM called Name towards Target.
type Apply struct {
	Target Target `json:"target"`
	Name   string `json:"name"`
}

// CreateVM creates a VM.
type CreateVM struct {
	ID           vms.ID `json:"id"`
	ImageHash    string `json:"image_hash"`
	NixStorePath string `json:"nix_store_path"`
}

// RemoveVM removes a VM.
type RemoveVM struct {
	ID vms.ID `json:"id"`
}

// GetVMStatus reads a VM's status.
type GetVMStatus struct {
	ID vms.ID `json:"id"`
}

// GetVM reads a VM's full record.
type GetVM struct {
	ID vms.ID `json:"id"`
}

// GetVMMetrics reads a VM's last metrics sample.
type GetVMMetrics struct {
	ID vms.ID `json:"id"`
}

// ListVMs lists the registered VMs.
type ListVMs struct{}

func (Apply) eventName() string        { return "apply" }
func (CreateVM) eventName() string     { return "create_vm" }
func (RemoveVM) eventName() string     { return "remove_vm" }
func (GetVMStatus) eventName() string  { return "get_vm_status" }
func (GetVM) eventName() string        { return "get_vm" }
func (GetVMMetrics) eventName() string { return "get_vm_metrics" }
func (ListVMs) eventName() string      { return "list_vms" }

// ApplyAction is what an Apply did to reach its target.
type ApplyAction string

const (
	ActionCreated   ApplyAction = "created"
	ActionUnchanged ApplyAction = "unchanged"
	ActionReplaced  ApplyAction = "replaced"
)

// Result is the reply to one event. Err carries the VM manager error, if
// any; only the field matching the event kind is set.
type Result struct {
	Err     error
	Action  ApplyAction
	Status  vms.Status
	VM      *vms.VM
	Metrics *vms.Metrics
	IDs     []vms.ID
	VMs     []vms.VM
}
