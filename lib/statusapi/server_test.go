package statusapi

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/procurator/worker/lib/node"
	"github.com/procurator/worker/lib/vms"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// sendFunc adapts a function to Sender.
type sendFunc func(ctx context.Context, ev node.Event) (node.Result, error)

func (f sendFunc) Send(ctx context.Context, ev node.Event) (node.Result, error) { return f(ctx, ev) }

func fakeNode() Sender {
	vm := vms.VM{ID: "vm-1", Status: vms.StatusRunning, ImageHash: "abc", IP: "10.100.0.2"}
	return sendFunc(func(ctx context.Context, ev node.Event) (node.Result, error) {
		switch ev := ev.(type) {
		case node.ListVMs:
			return node.Result{IDs: []vms.ID{vm.ID}, VMs: []vms.VM{vm}}, nil
		case node.GetVM:
			if ev.ID != vm.ID {
				return node.Result{Err: fmt.Errorf("%w: %s", vms.ErrNotFound, ev.ID)}, nil
			}
			return node.Result{VM: &vm, Status: vm.Status}, nil
		case node.GetVMMetrics:
			switch ev.ID {
			case vm.ID:
				return node.Result{Metrics: &vms.Metrics{CPUPercent: 50, MemoryBytes: 1024}}, nil
			case "fresh":
				return node.Result{Err: vms.ErrNoDataYet}, nil
			case "broken":
				return node.Result{Err: fmt.Errorf("%w: socket gone", vms.ErrBackend)}, nil
			}
			return node.Result{Err: vms.ErrNotFound}, nil
		}
		return node.Result{}, fmt.Errorf("unexpected event %T", ev)
	})
}

func do(t *testing.T, h http.Handler, path string) *httptest.ResponseRecorder {
	t.Helper()
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, path, nil))
	return rec
}

func TestRoutes(t *testing.T) {
	h := NewHandler(fakeNode(), 0).Router()

	tests := []struct {
		name       string
		path       string
		wantStatus int
		wantBody   string
	}{
		{"health", "/healthz", http.StatusOK, `"status":"ok"`},
		{"list", "/vms", http.StatusOK, `"id":"vm-1"`},
		{"get", "/vms/vm-1", http.StatusOK, `"ip":"10.100.0.2"`},
		{"get missing", "/vms/nope", http.StatusNotFound, `"code":"not_found"`},
		{"metrics", "/vms/vm-1/metrics", http.StatusOK, `"memory_bytes":1024`},
		{"metrics not yet polled", "/vms/fresh/metrics", http.StatusConflict, `"code":"no_data_yet"`},
		{"metrics backend failure", "/vms/broken/metrics", http.StatusInternalServerError, `"code":"internal_error"`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := do(t, h, tt.path)
			assert.Equal(t, tt.wantStatus, rec.Code)
			assert.Equal(t, "application/json", rec.Header().Get("Content-Type"))
			assert.Contains(t, rec.Body.String(), tt.wantBody)
		})
	}
}

func TestListVMs_Empty(t *testing.T) {
	h := NewHandler(sendFunc(func(ctx context.Context, ev node.Event) (node.Result, error) {
		return node.Result{}, nil
	}), 0).Router()

	rec := do(t, h, "/vms")
	require.Equal(t, http.StatusOK, rec.Code)
	var body listResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.NotNil(t, body.VMs)
	assert.Empty(t, body.VMs)
}

func TestSendErrors(t *testing.T) {
	tests := []struct {
		name       string
		err        error
		wantStatus int
	}{
		{"closed", node.ErrClosed, http.StatusServiceUnavailable},
		{"timeout", context.DeadlineExceeded, http.StatusGatewayTimeout},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := NewHandler(sendFunc(func(ctx context.Context, ev node.Event) (node.Result, error) {
				return node.Result{}, tt.err
			}), 0).Router()
			assert.Equal(t, tt.wantStatus, do(t, h, "/vms/vm-1").Code)
		})
	}
}

func TestRequestTimeout(t *testing.T) {
	h := NewHandler(sendFunc(func(ctx context.Context, ev node.Event) (node.Result, error) {
		<-ctx.Done()
		return node.Result{}, ctx.Err()
	}), 20*time.Millisecond).Router()

	assert.Equal(t, http.StatusGatewayTimeout, do(t, h, "/vms").Code)
}

func TestThroughNode(t *testing.T) {
	n, err := node.New(emptyManager{}, 0, nil)
	require.NoError(t, err)
	go func() { _ = n.Run(context.Background()) }()
	t.Cleanup(n.Messenger().Close)

	h := NewHandler(n.Messenger(), time.Second).Router()
	assert.Equal(t, http.StatusOK, do(t, h, "/vms").Code)
	assert.Equal(t, http.StatusNotFound, do(t, h, "/vms/vm-1").Code)
}

// emptyManager is a VM manager with no VMs.
type emptyManager struct{}

func (emptyManager) CreateVM(context.Context, vms.ID, string, string) error { return vms.ErrBackend }
func (emptyManager) RemoveVM(context.Context, vms.ID) error                 { return vms.ErrNotFound }
func (emptyManager) GetVMStatus(vms.ID) (vms.Status, error)                 { return "", vms.ErrNotFound }
func (emptyManager) GetVM(vms.ID) (vms.VM, error)                           { return vms.VM{}, vms.ErrNotFound }
func (emptyManager) GetVMMetrics(vms.ID) (vms.Metrics, error)               { return vms.Metrics{}, vms.ErrNotFound }
func (emptyManager) ListVMs() []vms.ID                                      { return nil }
func (emptyManager) ListVMDetails() []vms.VM                                { return nil }
