package node

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/procurator/worker/lib/vms"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeManager is an in-memory VMManager that records call order and detects
// overlapping calls.
type fakeManager struct {
	mu      sync.Mutex
	vms     map[vms.ID]vms.VM
	metrics map[vms.ID]vms.Metrics
	calls   []string

	inflight   atomic.Int32
	overlapped atomic.Bool

	// gate, when set, blocks CreateVM until closed
	gate      chan struct{}
	createErr error
}

func newFakeManager() *fakeManager {
	return &fakeManager{
		vms:     make(map[vms.ID]vms.VM),
		metrics: make(map[vms.ID]vms.Metrics),
	}
}

func (f *fakeManager) enter(call string) func() {
	if f.inflight.Add(1) > 1 {
		f.overlapped.Store(true)
	}
	f.mu.Lock()
	f.calls = append(f.calls, call)
	f.mu.Unlock()
	return func() { f.inflight.Add(-1) }
}

func (f *fakeManager) CreateVM(ctx context.Context, id vms.ID, imageHash, nixStorePath string) error {
	defer f.enter("create " + id)()
	if f.gate != nil {
		<-f.gate
	}
	// Widen the window for overlapping calls
	time.Sleep(time.Millisecond)

	f.mu.Lock()
	defer f.mu.Unlock()
	if f.createErr != nil {
		return f.createErr
	}
	if _, ok := f.vms[id]; ok {
		return fmt.Errorf("%w: %s", vms.ErrDuplicateID, id)
	}
	f.vms[id] = vms.VM{ID: id, Status: vms.StatusRunning, ImageHash: imageHash, NixStorePath: nixStorePath}
	return nil
}

func (f *fakeManager) RemoveVM(ctx context.Context, id vms.ID) error {
	defer f.enter("remove " + id)()
	time.Sleep(time.Millisecond)

	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.vms[id]; !ok {
		return fmt.Errorf("%w: %s", vms.ErrNotFound, id)
	}
	delete(f.vms, id)
	delete(f.metrics, id)
	return nil
}

func (f *fakeManager) GetVMStatus(id vms.ID) (vms.Status, error) {
	defer f.enter("status " + id)()
	vm, err := f.GetVM(id)
	return vm.Status, err
}

func (f *fakeManager) GetVM(id vms.ID) (vms.VM, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	vm, ok := f.vms[id]
	if !ok {
		return vms.VM{}, fmt.Errorf("%w: %s", vms.ErrNotFound, id)
	}
	return vm, nil
}

func (f *fakeManager) GetVMMetrics(id vms.ID) (vms.Metrics, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.vms[id]; !ok {
		return vms.Metrics{}, fmt.Errorf("%w: %s", vms.ErrNotFound, id)
	}
	m, ok := f.metrics[id]
	if !ok {
		return vms.Metrics{}, fmt.Errorf("%w: %s", vms.ErrNoDataYet, id)
	}
	return m, nil
}

func (f *fakeManager) ListVMs() []vms.ID {
	f.mu.Lock()
	defer f.mu.Unlock()
	ids := make([]vms.ID, 0, len(f.vms))
	for id := range f.vms {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

func (f *fakeManager) ListVMDetails() []vms.VM {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]vms.VM, 0, len(f.vms))
	for _, vm := range f.vms {
		out = append(out, vm)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

func (f *fakeManager) setStatus(id vms.ID, status vms.Status) {
	f.mu.Lock()
	defer f.mu.Unlock()
	vm := f.vms[id]
	vm.Status = status
	f.vms[id] = vm
}

func (f *fakeManager) callLog() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.calls...)
}

// startNode runs a node over f until the test ends.
func startNode(t *testing.T, manager VMManager, capacity int) *Node {
	t.Helper()
	n, err := New(manager, capacity, nil)
	require.NoError(t, err)

	done := make(chan error, 1)
	go func() { done <- n.Run(context.Background()) }()
	t.Cleanup(func() {
		n.Messenger().Close()
		select {
		case err := <-done:
			assert.NoError(t, err)
		case <-time.After(5 * time.Second):
			t.Error("node did not stop")
		}
	})
	return n
}

func TestNew_DefaultCapacity(t *testing.T) {
	n, err := New(newFakeManager(), 0, nil)
	require.NoError(t, err)
	assert.Equal(t, DefaultQueueCapacity, n.Messenger().Cap())

	n, err = New(newFakeManager(), 3, nil)
	require.NoError(t, err)
	assert.Equal(t, 3, n.Messenger().Cap())
}

func TestSend_CreateThenRemove(t *testing.T) {
	f := newFakeManager()
	n := startNode(t, f, 0)
	ctx := context.Background()
	m := n.Messenger()

	res, err := m.Send(ctx, CreateVM{ID: "vm-1", ImageHash: "abc", NixStorePath: "/nix/store/abc-vm"})
	require.NoError(t, err)
	require.NoError(t, res.Err)

	res, err = m.Send(ctx, GetVMStatus{ID: "vm-1"})
	require.NoError(t, err)
	require.NoError(t, res.Err)
	assert.Equal(t, vms.StatusRunning, res.Status)

	res, err = m.Send(ctx, RemoveVM{ID: "vm-1"})
	require.NoError(t, err)
	require.NoError(t, res.Err)

	res, err = m.Send(ctx, GetVMStatus{ID: "vm-1"})
	require.NoError(t, err)
	assert.ErrorIs(t, res.Err, vms.ErrNotFound)
}

func TestSend_ManagerErrorsAreResults(t *testing.T) {
	f := newFakeManager()
	n := startNode(t, f, 0)
	ctx := context.Background()
	m := n.Messenger()

	res, err := m.Send(ctx, RemoveVM{ID: "missing"})
	require.NoError(t, err)
	assert.ErrorIs(t, res.Err, vms.ErrNotFound)

	// The loop keeps serving after an error
	res, err = m.Send(ctx, CreateVM{ID: "vm-1", ImageHash: "abc", NixStorePath: "/nix/store/abc"})
	require.NoError(t, err)
	require.NoError(t, res.Err)

	res, err = m.Send(ctx, CreateVM{ID: "vm-1", ImageHash: "abc", NixStorePath: "/nix/store/abc"})
	require.NoError(t, err)
	assert.ErrorIs(t, res.Err, vms.ErrDuplicateID)

	res, err = m.Send(ctx, GetVMMetrics{ID: "vm-1"})
	require.NoError(t, err)
	assert.ErrorIs(t, res.Err, vms.ErrNoDataYet)
	assert.Nil(t, res.Metrics)
}

func TestSend_InvalidEvent(t *testing.T) {
	n := startNode(t, newFakeManager(), 0)

	res, err := n.Messenger().Send(context.Background(), nil)
	require.NoError(t, err)
	assert.ErrorIs(t, res.Err, ErrInvalidEvent)
}

func TestSend_Queries(t *testing.T) {
	f := newFakeManager()
	n := startNode(t, f, 0)
	ctx := context.Background()
	m := n.Messenger()

	for _, id := range []string{"b", "a"} {
		res, err := m.Send(ctx, CreateVM{ID: id, ImageHash: "h-" + id, NixStorePath: "/nix/store/" + id})
		require.NoError(t, err)
		require.NoError(t, res.Err)
	}
	f.mu.Lock()
	f.metrics["a"] = vms.Metrics{CPUPercent: 12.5, MemoryBytes: 1 << 20}
	f.mu.Unlock()

	res, err := m.Send(ctx, ListVMs{})
	require.NoError(t, err)
	assert.Equal(t, []vms.ID{"a", "b"}, res.IDs)
	require.Len(t, res.VMs, 2)
	assert.Equal(t, "h-a", res.VMs[0].ImageHash)

	res, err = m.Send(ctx, GetVM{ID: "b"})
	require.NoError(t, err)
	require.NotNil(t, res.VM)
	assert.Equal(t, "/nix/store/b", res.VM.NixStorePath)
	assert.Equal(t, vms.StatusRunning, res.Status)

	res, err = m.Send(ctx, GetVMMetrics{ID: "a"})
	require.NoError(t, err)
	require.NotNil(t, res.Metrics)
	assert.InDelta(t, 12.5, res.Metrics.CPUPercent, 0.001)
}

func TestRun_ProcessesOneAtATime(t *testing.T) {
	f := newFakeManager()
	n := startNode(t, f, 0)
	m := n.Messenger()

	const senders = 20
	var wg sync.WaitGroup
	for i := range senders {
		wg.Add(1)
		go func() {
			defer wg.Done()
			id := fmt.Sprintf("vm-%02d", i)
			res, err := m.Send(context.Background(), CreateVM{ID: id, ImageHash: "h", NixStorePath: "/nix/store/h"})
			assert.NoError(t, err)
			assert.NoError(t, res.Err)
			res, err = m.Send(context.Background(), RemoveVM{ID: id})
			assert.NoError(t, err)
			assert.NoError(t, res.Err)
		}()
	}
	wg.Wait()

	assert.False(t, f.overlapped.Load(), "manager calls overlapped")
	assert.Len(t, f.callLog(), 2*senders)
	assert.Empty(t, f.ListVMs())
}

func TestRun_FIFO(t *testing.T) {
	f := newFakeManager()
	f.gate = make(chan struct{})
	n, err := New(f, 10, nil)
	require.NoError(t, err)
	m := n.Messenger()

	// Enqueue before the loop starts so arrival order is fixed
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	results := make(chan error, 5)
	for i := range 5 {
		go func() {
			_, err := m.Send(ctx, CreateVM{ID: fmt.Sprintf("vm-%d", i), ImageHash: "h", NixStorePath: "/nix/store/h"})
			results <- err
		}()
		require.Eventually(t, func() bool { return m.Len() == i+1 }, time.Second, time.Millisecond)
	}

	done := make(chan error, 1)
	go func() { done <- n.Run(context.Background()) }()
	close(f.gate)
	for range 5 {
		require.NoError(t, <-results)
	}
	m.Close()
	require.NoError(t, <-done)

	assert.Equal(t, []string{"create vm-0", "create vm-1", "create vm-2", "create vm-3", "create vm-4"}, f.callLog())
}

func TestSend_CancelledSenderDiscardsResult(t *testing.T) {
	f := newFakeManager()
	f.gate = make(chan struct{})
	n := startNode(t, f, 0)
	m := n.Messenger()

	ctx, cancel := context.WithCancel(context.Background())
	errc := make(chan error, 1)
	go func() {
		_, err := m.Send(ctx, CreateVM{ID: "vm-1", ImageHash: "h", NixStorePath: "/nix/store/h"})
		errc <- err
	}()
	require.Eventually(t, func() bool { return f.inflight.Load() == 1 }, time.Second, time.Millisecond)

	cancel()
	assert.ErrorIs(t, <-errc, context.Canceled)

	// The create still completes and the loop moves on
	close(f.gate)
	res, err := m.Send(context.Background(), GetVMStatus{ID: "vm-1"})
	require.NoError(t, err)
	require.NoError(t, res.Err)
	assert.Equal(t, vms.StatusRunning, res.Status)
}

func TestSend_BlocksWhenQueueFull(t *testing.T) {
	f := newFakeManager()
	f.gate = make(chan struct{})
	n := startNode(t, f, 1)
	m := n.Messenger()
	bg := context.Background()

	// One in progress, one queued
	go func() { _, _ = m.Send(bg, CreateVM{ID: "vm-1", ImageHash: "h", NixStorePath: "/nix/store/h"}) }()
	require.Eventually(t, func() bool { return f.inflight.Load() == 1 }, time.Second, time.Millisecond)
	go func() { _, _ = m.Send(bg, CreateVM{ID: "vm-2", ImageHash: "h", NixStorePath: "/nix/store/h"}) }()
	require.Eventually(t, func() bool { return m.Len() == 1 }, time.Second, time.Millisecond)

	ctx, cancel := context.WithTimeout(bg, 50*time.Millisecond)
	defer cancel()
	_, err := m.Send(ctx, ListVMs{})
	assert.ErrorIs(t, err, context.DeadlineExceeded)

	close(f.gate)
	res, err := m.Send(bg, ListVMs{})
	require.NoError(t, err)
	assert.Equal(t, []vms.ID{"vm-1", "vm-2"}, res.IDs)
}

func TestClose(t *testing.T) {
	f := newFakeManager()
	n, err := New(f, 0, nil)
	require.NoError(t, err)
	m := n.Messenger()

	done := make(chan error, 1)
	go func() { done <- n.Run(context.Background()) }()

	res, err := m.Send(context.Background(), CreateVM{ID: "vm-1", ImageHash: "h", NixStorePath: "/nix/store/h"})
	require.NoError(t, err)
	require.NoError(t, res.Err)

	m.Close()
	m.Close()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not return after Close")
	}

	_, err = m.Send(context.Background(), ListVMs{})
	assert.ErrorIs(t, err, ErrClosed)
}

func TestApply(t *testing.T) {
	target := Target{ImageHash: "new", NixStorePath: "/nix/store/new-vm"}

	tests := []struct {
		name      string
		existing  *vms.VM
		apply     Apply
		want      ApplyAction
		wantErr   error
		wantCalls []string
	}{
		{
			name:      "absent vm is created",
			apply:     Apply{Name: "web", Target: target},
			want:      ActionCreated,
			wantCalls: []string{"create web"},
		},
		{
			name:     "running vm on target is unchanged",
			existing: &vms.VM{ID: "web", Status: vms.StatusRunning, ImageHash: "new", NixStorePath: "/nix/store/new-vm"},
			apply:    Apply{Name: "web", Target: target},
			want:     ActionUnchanged,
		},
		{
			name:      "running vm on old image is replaced",
			existing:  &vms.VM{ID: "web", Status: vms.StatusRunning, ImageHash: "old", NixStorePath: "/nix/store/old-vm"},
			apply:     Apply{Name: "web", Target: target},
			want:      ActionReplaced,
			wantCalls: []string{"remove web", "create web"},
		},
		{
			name:      "failed vm on target is replaced",
			existing:  &vms.VM{ID: "web", Status: vms.StatusFailed, ImageHash: "new", NixStorePath: "/nix/store/new-vm"},
			apply:     Apply{Name: "web", Target: target},
			want:      ActionReplaced,
			wantCalls: []string{"remove web", "create web"},
		},
		{
			name:    "empty name",
			apply:   Apply{Target: target},
			wantErr: ErrInvalidEvent,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFakeManager()
			if tt.existing != nil {
				f.vms[tt.existing.ID] = *tt.existing
			}
			n := startNode(t, f, 0)

			res, err := n.Messenger().Send(context.Background(), tt.apply)
			require.NoError(t, err)
			if tt.wantErr != nil {
				assert.ErrorIs(t, res.Err, tt.wantErr)
				return
			}
			require.NoError(t, res.Err)
			assert.Equal(t, tt.want, res.Action)
			if tt.wantCalls == nil {
				assert.Empty(t, f.callLog())
			} else {
				assert.Equal(t, tt.wantCalls, f.callLog())
			}

			vm, err := f.GetVM("web")
			require.NoError(t, err)
			assert.Equal(t, "new", vm.ImageHash)
		})
	}
}

func TestApply_CreateFailure(t *testing.T) {
	f := newFakeManager()
	f.createErr = fmt.Errorf("%w: boot failed", vms.ErrBackend)
	n := startNode(t, f, 0)

	res, err := n.Messenger().Send(context.Background(), Apply{Name: "web", Target: Target{ImageHash: "h", NixStorePath: "/nix/store/h"}})
	require.NoError(t, err)
	assert.True(t, errors.Is(res.Err, vms.ErrBackend))
	assert.Empty(t, res.Action)
}

func TestApply_PausedOnTargetUnchanged(t *testing.T) {
	f := newFakeManager()
	n := startNode(t, f, 0)
	m := n.Messenger()
	target := Target{ImageHash: "h", NixStorePath: "/nix/store/h"}

	res, err := m.Send(context.Background(), Apply{Name: "web", Target: target})
	require.NoError(t, err)
	require.Equal(t, ActionCreated, res.Action)

	f.setStatus("web", vms.StatusPaused)
	res, err = m.Send(context.Background(), Apply{Name: "web", Target: target})
	require.NoError(t, err)
	require.NoError(t, res.Err)
	assert.Equal(t, ActionUnchanged, res.Action)
}
