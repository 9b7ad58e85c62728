package hypervisor

import (
	"context"
	"os"
	"os/exec"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func requireBinary(t *testing.T, name string) string {
	t.Helper()
	path, err := exec.LookPath(name)
	if err != nil {
		t.Skipf("Skipping test: %s not found in PATH", name)
	}
	return path
}

func TestProcess_CleanExit(t *testing.T) {
	sh := requireBinary(t, "sh")
	logPath := filepath.Join(t.TempDir(), "logs", "vmm.log")

	p, err := StartProcess(context.Background(), sh, []string{"-c", "echo hello"}, logPath)
	require.NoError(t, err)

	require.True(t, p.Wait(context.Background(), 5*time.Second))
	state, exited := p.ExitState()
	require.True(t, exited)
	assert.Equal(t, StateStopped, state)

	data, err := os.ReadFile(logPath)
	require.NoError(t, err)
	assert.Contains(t, string(data), "hello")
}

func TestProcess_FailedExit(t *testing.T) {
	sh := requireBinary(t, "sh")

	p, err := StartProcess(context.Background(), sh, []string{"-c", "exit 3"}, filepath.Join(t.TempDir(), "vmm.log"))
	require.NoError(t, err)

	require.True(t, p.Wait(context.Background(), 5*time.Second))
	state, exited := p.ExitState()
	require.True(t, exited)
	assert.Equal(t, StateFailed, state)
}

func TestProcess_Kill(t *testing.T) {
	sleep := requireBinary(t, "sleep")

	p, err := StartProcess(context.Background(), sleep, []string{"60"}, filepath.Join(t.TempDir(), "vmm.log"))
	require.NoError(t, err)

	exited, _ := p.Exited()
	assert.False(t, exited)

	require.NoError(t, p.Kill())
	state, exited := p.ExitState()
	require.True(t, exited)
	assert.Equal(t, StateFailed, state, "SIGKILL is not a clean exit")

	// Killing twice is a no-op.
	assert.NoError(t, p.Kill())
}

func TestWaitForSocket_ProcessExits(t *testing.T) {
	sh := requireBinary(t, "sh")
	dir := t.TempDir()
	logPath := filepath.Join(dir, "vmm.log")

	p, err := StartProcess(context.Background(), sh, []string{"-c", "echo boom >&2; exit 1"}, logPath)
	require.NoError(t, err)

	err = WaitForSocket(context.Background(), p, filepath.Join(dir, "never.sock"), logPath, 5*time.Second)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "boom")
}

func TestIsSocketInUse_Missing(t *testing.T) {
	assert.False(t, IsSocketInUse(filepath.Join(t.TempDir(), "missing.sock")))
}
