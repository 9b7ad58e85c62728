package vms

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/procurator/worker/lib/hypervisor"
	"github.com/procurator/worker/lib/logger"
)

// metadata is the on-disk snapshot of a VM record. It is written on every
// status change so a restarted worker can find what the previous run left.
type metadata struct {
	ID           ID                `json:"id"`
	Status       Status            `json:"status"`
	ImageHash    string            `json:"image_hash"`
	NixStorePath string            `json:"nix_store_path"`
	IP           string            `json:"ip,omitempty"`
	MAC          string            `json:"mac,omitempty"`
	TAPDevice    string            `json:"tap_device,omitempty"`
	Handle       hypervisor.Handle `json:"handle"`
	CreatedAt    time.Time         `json:"created_at"`
	RestartCount int               `json:"restart_count"`
	LastError    string            `json:"last_error,omitempty"`
}

// ensureDirectories creates the VM directory structure
func ensureDirectories(rec *vmRecord) error {
	for _, dir := range []string{rec.paths.Dir, rec.paths.Logs()} {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return fmt.Errorf("create directory %s: %w", dir, err)
		}
	}
	return nil
}

// saveMetadata writes metadata.json atomically. rec.mu must be held.
func (m *Manager) saveMetadata(rec *vmRecord) error {
	snap := rec.snapshotLocked()
	meta := metadata{
		ID:           snap.ID,
		Status:       snap.Status,
		ImageHash:    snap.ImageHash,
		NixStorePath: snap.NixStorePath,
		IP:           snap.IP,
		MAC:          snap.MAC,
		TAPDevice:    snap.TAPDevice,
		Handle:       rec.handle,
		CreatedAt:    snap.CreatedAt,
		RestartCount: snap.RestartCount,
		LastError:    snap.LastError,
	}

	data, err := json.MarshalIndent(meta, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal metadata: %w", err)
	}

	metaPath := rec.paths.Metadata()
	tmp := metaPath + ".tmp"
	if err := os.WriteFile(tmp, data, 0644); err != nil {
		return fmt.Errorf("write metadata: %w", err)
	}
	if err := os.Rename(tmp, metaPath); err != nil {
		return fmt.Errorf("rename metadata: %w", err)
	}
	return nil
}

// loadMetadata reads a metadata.json file.
func loadMetadata(path string) (*metadata, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("read metadata: %w", err)
	}

	var meta metadata
	if err := json.Unmarshal(data, &meta); err != nil {
		return nil, fmt.Errorf("unmarshal metadata: %w", err)
	}
	return &meta, nil
}

// deleteVMData removes the VM's artifact directory.
func deleteVMData(rec *vmRecord) error {
	if err := os.RemoveAll(rec.paths.Dir); err != nil {
		return fmt.Errorf("remove vm directory: %w", err)
	}
	return nil
}

// recoverStale tears down whatever a previous worker process left behind.
// VMs are ephemeral: nothing is re-adopted, the control plane re-applies.
func (m *Manager) recoverStale(ctx context.Context) error {
	log := logger.FromContext(ctx)

	entries, err := os.ReadDir(m.paths.VMsDir())
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return os.MkdirAll(m.paths.VMsDir(), 0755)
		}
		return fmt.Errorf("read vms dir: %w", err)
	}

	reaper, canReap := m.backend.(hypervisor.Reaper)
	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		dir := filepath.Join(m.paths.VMsDir(), entry.Name())

		meta, err := loadMetadata(filepath.Join(dir, "metadata.json"))
		switch {
		case err == nil && !meta.Handle.IsZero():
			log.InfoContext(ctx, "tearing down vm from previous run",
				"vm_id", meta.ID, "status", meta.Status, "handle", meta.Handle.ID, "pid", meta.Handle.PID)
			if canReap {
				if err := reaper.Reap(ctx, meta.Handle); err != nil {
					log.WarnContext(ctx, "failed to reap stale vm", "vm_id", meta.ID, "error", err)
				}
			} else {
				hypervisor.KillStale(ctx, meta.Handle.PID)
			}
		case err != nil && !errors.Is(err, ErrNotFound):
			log.WarnContext(ctx, "unreadable vm metadata, removing directory", "dir", dir, "error", err)
		}

		if err := os.RemoveAll(dir); err != nil {
			return fmt.Errorf("remove stale vm dir %s: %w", dir, err)
		}
	}
	return nil
}
