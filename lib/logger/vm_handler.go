package logger

import (
	"bytes"
	"context"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
)

// VMIDKey is the attribute that routes a record to a VM's own log.
const VMIDKey = "vm_id"

// VMLogHandler wraps an slog.Handler and also appends every record carrying
// a vm_id attribute to that VM's worker.log.
type VMLogHandler struct {
	slog.Handler
	logPath func(id string) string
	// attrs bound through WithAttrs, kept so vm_id set via With is found
	preAttrs []slog.Attr
	mu       *sync.Mutex
}

// NewVMLogHandler wraps h. logPath returns the worker.log path for a VM id.
func NewVMLogHandler(h slog.Handler, logPath func(id string) string) *VMLogHandler {
	return &VMLogHandler{Handler: h, logPath: logPath, mu: &sync.Mutex{}}
}

func (h *VMLogHandler) Handle(ctx context.Context, r slog.Record) error {
	if err := h.Handler.Handle(ctx, r); err != nil {
		return err
	}

	var id string
	for _, a := range h.preAttrs {
		if a.Key == VMIDKey {
			id = a.Value.String()
		}
	}
	r.Attrs(func(a slog.Attr) bool {
		if a.Key == VMIDKey {
			id = a.Value.String()
			return false
		}
		return true
	})
	if id != "" {
		h.appendToVMLog(id, r)
	}
	return nil
}

func (h *VMLogHandler) appendToVMLog(id string, r slog.Record) {
	path := h.logPath(id)
	if path == "" {
		return
	}
	// logs/ lives inside the VM directory; a missing VM directory means the
	// VM was removed or never existed
	vmDir := filepath.Dir(filepath.Dir(path))
	if _, err := os.Stat(vmDir); err != nil {
		return
	}

	var buf bytes.Buffer
	line := slog.NewTextHandler(&buf, &slog.HandlerOptions{
		Level: slog.LevelDebug,
		ReplaceAttr: func(groups []string, a slog.Attr) slog.Attr {
			if len(groups) == 0 && a.Key == VMIDKey {
				return slog.Attr{}
			}
			return a
		},
	})
	_ = line.WithAttrs(h.preAttrs).Handle(context.Background(), r)

	h.mu.Lock()
	defer h.mu.Unlock()
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		// Package-level slog has no vm_id, so this cannot recurse
		slog.Warn("failed to create vm log directory", "path", path, "error", err)
		return
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		slog.Warn("failed to open vm log", "path", path, "error", err)
		return
	}
	defer f.Close()
	if _, err := f.Write(buf.Bytes()); err != nil {
		slog.Warn("failed to write vm log", "path", path, "error", err)
	}
}

func (h *VMLogHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	pre := make([]slog.Attr, 0, len(h.preAttrs)+len(attrs))
	pre = append(pre, h.preAttrs...)
	pre = append(pre, attrs...)
	return &VMLogHandler{
		Handler:  h.Handler.WithAttrs(attrs),
		logPath:  h.logPath,
		preAttrs: pre,
		mu:       h.mu,
	}
}

// WithGroup does not track groups; vm_id is expected at the top level.
func (h *VMLogHandler) WithGroup(name string) slog.Handler {
	return &VMLogHandler{
		Handler:  h.Handler.WithGroup(name),
		logPath:  h.logPath,
		preAttrs: h.preAttrs,
		mu:       h.mu,
	}
}
