// Package statusapi serves a read-only HTTP view of the worker's VMs. Every
// read goes through the node queue, so it observes the same ordering as
// lifecycle commands.
package statusapi

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/procurator/worker/lib/logger"
	"github.com/procurator/worker/lib/node"
	"github.com/procurator/worker/lib/vms"
)

// DefaultRequestTimeout bounds how long a request waits on the node queue.
const DefaultRequestTimeout = 10 * time.Second

// Sender submits events to the node.
type Sender interface {
	Send(ctx context.Context, ev node.Event) (node.Result, error)
}

var _ Sender = (*node.Messenger)(nil)

// Handler serves the status endpoints.
type Handler struct {
	node    Sender
	timeout time.Duration
}

// NewHandler returns a handler sending through s. timeout <= 0 means
// DefaultRequestTimeout.
func NewHandler(s Sender, timeout time.Duration) *Handler {
	if timeout <= 0 {
		timeout = DefaultRequestTimeout
	}
	return &Handler{node: s, timeout: timeout}
}

// Routes mounts the endpoints on r.
func (h *Handler) Routes(r chi.Router) {
	r.Get("/healthz", h.health)
	r.Route("/vms", func(r chi.Router) {
		r.Get("/", h.listVMs)
		r.Get("/{id}", h.getVM)
		r.Get("/{id}/metrics", h.getVMMetrics)
	})
}

// Router returns a chi router with the endpoints and chi's recoverer.
func (h *Handler) Router(middlewares ...func(http.Handler) http.Handler) chi.Router {
	r := chi.NewRouter()
	r.Use(chimw.Recoverer)
	r.Use(middlewares...)
	h.Routes(r)
	return r
}

type errorResponse struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

type listResponse struct {
	VMs []vms.VM `json:"vms"`
}

func (h *Handler) health(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (h *Handler) listVMs(w http.ResponseWriter, r *http.Request) {
	res, ok := h.send(w, r, node.ListVMs{})
	if !ok {
		return
	}
	list := res.VMs
	if list == nil {
		list = []vms.VM{}
	}
	writeJSON(w, http.StatusOK, listResponse{VMs: list})
}

func (h *Handler) getVM(w http.ResponseWriter, r *http.Request) {
	res, ok := h.send(w, r, node.GetVM{ID: chi.URLParam(r, "id")})
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, res.VM)
}

func (h *Handler) getVMMetrics(w http.ResponseWriter, r *http.Request) {
	res, ok := h.send(w, r, node.GetVMMetrics{ID: chi.URLParam(r, "id")})
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, res.Metrics)
}

// send submits ev and writes the error response if it failed.
func (h *Handler) send(w http.ResponseWriter, r *http.Request, ev node.Event) (node.Result, bool) {
	ctx, cancel := context.WithTimeout(r.Context(), h.timeout)
	defer cancel()

	res, err := h.node.Send(ctx, ev)
	if err == nil {
		err = res.Err
	}
	if err != nil {
		h.writeError(r.Context(), w, err)
		return node.Result{}, false
	}
	return res, true
}

func (h *Handler) writeError(ctx context.Context, w http.ResponseWriter, err error) {
	status, code := http.StatusInternalServerError, "internal_error"
	switch {
	case errors.Is(err, vms.ErrNotFound):
		status, code = http.StatusNotFound, "not_found"
	case errors.Is(err, vms.ErrNoDataYet):
		status, code = http.StatusConflict, "no_data_yet"
	case errors.Is(err, vms.ErrInvalidID):
		status, code = http.StatusBadRequest, "invalid_id"
	case errors.Is(err, node.ErrClosed):
		status, code = http.StatusServiceUnavailable, "shutting_down"
	case errors.Is(err, context.DeadlineExceeded):
		status, code = http.StatusGatewayTimeout, "timeout"
	}
	if status == http.StatusInternalServerError {
		logger.FromContext(ctx).ErrorContext(ctx, "status request failed", "error", err)
	}
	writeJSON(w, status, errorResponse{Code: code, Message: err.Error()})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
