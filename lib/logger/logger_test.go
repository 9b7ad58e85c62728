package logger

import (
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewConfig(t *testing.T) {
	t.Setenv("LOG_LEVEL", "warn")
	t.Setenv("LOG_LEVEL_VMS", "debug")
	t.Setenv("LOG_LEVEL_NODE", "bogus")

	cfg := NewConfig()
	assert.Equal(t, slog.LevelWarn, cfg.DefaultLevel)
	assert.Equal(t, slog.LevelDebug, cfg.LevelFor(SubsystemVMs))
	assert.Equal(t, slog.LevelWarn, cfg.LevelFor(SubsystemNode))
	assert.Equal(t, slog.LevelWarn, cfg.LevelFor(SubsystemAPI))
}

func TestNewConfig_Defaults(t *testing.T) {
	t.Setenv("LOG_LEVEL", "")
	cfg := NewConfig()
	assert.Equal(t, slog.LevelInfo, cfg.DefaultLevel)
}

func TestNewSubsystemLogger(t *testing.T) {
	var out, otelOut bytes.Buffer
	cfg := Config{
		DefaultLevel:    slog.LevelInfo,
		SubsystemLevels: map[Subsystem]slog.Level{SubsystemVMs: slog.LevelDebug},
		Output:          &out,
	}
	otelHandler := slog.NewJSONHandler(&otelOut, &slog.HandlerOptions{Level: slog.LevelDebug})

	log := NewSubsystemLogger(SubsystemVMs, cfg, otelHandler)
	log.Debug("polled", "vm_id", "vm-1")

	var rec map[string]any
	require.NoError(t, json.Unmarshal(out.Bytes(), &rec))
	assert.Equal(t, "polled", rec["msg"])
	assert.Equal(t, "vms", rec["subsystem"])
	assert.Equal(t, "vm-1", rec["vm_id"])
	assert.Contains(t, otelOut.String(), "polled")

	out.Reset()
	NewSubsystemLogger(SubsystemNode, cfg, nil).Debug("hidden")
	assert.Empty(t, out.String())
}

func TestFromContext(t *testing.T) {
	assert.Equal(t, slog.Default(), FromContext(context.Background()))

	l := slog.New(slog.NewTextHandler(&bytes.Buffer{}, nil))
	ctx := AddToContext(context.Background(), l)
	assert.Same(t, l, FromContext(ctx))
}

func TestVMLogHandler(t *testing.T) {
	root := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(root, "vm-1"), 0755))
	logPath := func(id string) string { return filepath.Join(root, id, "logs", "worker.log") }

	var main bytes.Buffer
	log := slog.New(NewVMLogHandler(slog.NewTextHandler(&main, nil), logPath))

	log.Info("vm started", "vm_id", "vm-1", "handle", "h-1")
	log.With("vm_id", "vm-1").Warn("poll failed", "error", "boom")
	log.Info("unrelated")
	log.Info("gone", "vm_id", "vm-2")

	data, err := os.ReadFile(logPath("vm-1"))
	require.NoError(t, err)
	content := string(data)
	assert.Contains(t, content, "vm started")
	assert.Contains(t, content, "handle=h-1")
	assert.Contains(t, content, "poll failed")
	assert.NotContains(t, content, "vm_id=")
	assert.NotContains(t, content, "unrelated")

	// No directory is created for unknown VMs
	_, err = os.Stat(filepath.Join(root, "vm-2"))
	assert.True(t, os.IsNotExist(err))

	// Everything still reaches the wrapped handler
	assert.Contains(t, main.String(), "unrelated")
	assert.Contains(t, main.String(), "vm_id=vm-2")
}
