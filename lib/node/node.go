// Package node serializes every VM lifecycle command for a worker through a
// single consumer. Commands are processed one at a time in arrival order,
// and each gets exactly one reply.
package node

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/procurator/worker/lib/logger"
	"github.com/procurator/worker/lib/vms"
	"go.opentelemetry.io/otel/metric"
)

// DefaultQueueCapacity is the inbound queue size. Senders block beyond it.
const DefaultQueueCapacity = 100

// VMManager is the VM manager surface the node drives.
type VMManager interface {
	CreateVM(ctx context.Context, id vms.ID, imageHash, nixStorePath string) error
	RemoveVM(ctx context.Context, id vms.ID) error
	GetVMStatus(id vms.ID) (vms.Status, error)
	GetVM(id vms.ID) (vms.VM, error)
	GetVMMetrics(id vms.ID) (vms.Metrics, error)
	ListVMs() []vms.ID
	ListVMDetails() []vms.VM
}

var _ VMManager = (*vms.Manager)(nil)

// Node is the single consumer of a worker's lifecycle queue.
type Node struct {
	vms       VMManager
	messenger *Messenger
	metrics   *Metrics
}

// New creates a node with a queue of the given capacity (DefaultQueueCapacity
// if <= 0). meter may be nil.
func New(manager VMManager, capacity int, meter metric.Meter) (*Node, error) {
	if capacity <= 0 {
		capacity = DefaultQueueCapacity
	}
	n := &Node{
		vms:       manager,
		messenger: newMessenger(capacity),
	}
	if meter != nil {
		metrics, err := newNodeMetrics(meter, n.messenger)
		if err != nil {
			return nil, fmt.Errorf("create node metrics: %w", err)
		}
		n.metrics = metrics
	}
	return n, nil
}

// Messenger returns the sending side of the queue.
func (n *Node) Messenger() *Messenger {
	return n.messenger
}

// Run processes requests one at a time until the messenger is closed.
// VM manager errors are delivered as results and never stop the loop.
func (n *Node) Run(ctx context.Context) error {
	log := logger.FromContext(ctx)
	log.InfoContext(ctx, "node started", "queue_capacity", n.messenger.Cap())

	for req := range n.messenger.queue {
		n.process(req)
	}

	log.InfoContext(ctx, "node stopped")
	return nil
}

func (n *Node) process(req request) {
	// Values (logger, trace) come from the sender; cancellation does not, so
	// a sender giving up never interrupts an operation halfway.
	ctx := context.WithoutCancel(req.ctx)
	log := logger.FromContext(ctx)
	start := time.Now()

	res := n.dispatch(ctx, req.event)
	n.recordRequest(ctx, req.event.eventName(), start.Sub(req.enqueued), time.Since(start), res.Err)

	if res.Err != nil {
		log.DebugContext(ctx, "request failed", "event", req.event.eventName(), "error", res.Err)
	}

	// Buffered, never blocks. Nobody reads it if the sender is gone.
	req.reply <- res
	if req.ctx.Err() != nil {
		log.DebugContext(ctx, "requester gone, result discarded", "event", req.event.eventName())
	}
}

func (n *Node) dispatch(ctx context.Context, ev Event) Result {
	switch ev := ev.(type) {
	case Apply:
		action, err := n.apply(ctx, ev)
		return Result{Action: action, Err: err}
	case CreateVM:
		return Result{Err: n.vms.CreateVM(ctx, ev.ID, ev.ImageHash, ev.NixStorePath)}
	case RemoveVM:
		return Result{Err: n.vms.RemoveVM(ctx, ev.ID)}
	case GetVMStatus:
		status, err := n.vms.GetVMStatus(ev.ID)
		return Result{Status: status, Err: err}
	case GetVM:
		vm, err := n.vms.GetVM(ev.ID)
		if err != nil {
			return Result{Err: err}
		}
		return Result{VM: &vm, Status: vm.Status}
	case GetVMMetrics:
		metrics, err := n.vms.GetVMMetrics(ev.ID)
		if err != nil {
			return Result{Err: err}
		}
		return Result{Metrics: &metrics}
	case ListVMs:
		return Result{IDs: n.vms.ListVMs(), VMs: n.vms.ListVMDetails()}
	case nil:
		return Result{Err: fmt.Errorf("%w: nil event", ErrInvalidEvent)}
	default:
		return Result{Err: fmt.Errorf("%w: %T", ErrInvalidEvent, ev)}
	}
}

// apply reconciles the named VM: absent VMs are created, live VMs already on
// the target are left alone, anything else is removed and created again.
func (n *Node) apply(ctx context.Context, ev Apply) (ApplyAction, error) {
	log := logger.FromContext(ctx)
	if ev.Name == "" {
		return "", fmt.Errorf("%w: apply without a name", ErrInvalidEvent)
	}

	vm, err := n.vms.GetVM(ev.Name)
	switch {
	case errors.Is(err, vms.ErrNotFound):
		if err := n.vms.CreateVM(ctx, ev.Name, ev.Target.ImageHash, ev.Target.NixStorePath); err != nil {
			return "", err
		}
		return ActionCreated, nil
	case err != nil:
		return "", err
	}

	onTarget := vm.ImageHash == ev.Target.ImageHash && vm.NixStorePath == ev.Target.NixStorePath
	if onTarget && (vm.Status.IsLive() || vm.Status == vms.StatusCreating) {
		return ActionUnchanged, nil
	}

	log.InfoContext(ctx, "replacing vm", "vm_id", ev.Name, "status", vm.Status,
		"image_hash", vm.ImageHash, "target_image_hash", ev.Target.ImageHash)
	if err := n.vms.RemoveVM(ctx, ev.Name); err != nil {
		return "", err
	}
	if err := n.vms.CreateVM(ctx, ev.Name, ev.Target.ImageHash, ev.Target.NixStorePath); err != nil {
		return "", err
	}
	return ActionReplaced, nil
}
