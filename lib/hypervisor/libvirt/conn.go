package libvirt

import (
	"context"
	"fmt"
	"net/url"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"
	golibvirt "github.com/digitalocean/go-libvirt"
	"github.com/procurator/worker/lib/logger"
)

const (
	connectRetryInitial = 500 * time.Millisecond
	connectRetryMax     = 5 * time.Second
	connectMaxElapsed   = 30 * time.Second
)

// ConnManager owns a single libvirt RPC connection and reconnects on demand.
type ConnManager struct {
	mu     sync.RWMutex
	client *golibvirt.Libvirt
	uri    string
}

// NewConnManager creates a manager for uri. An empty uri means qemu:///system.
func NewConnManager(uri string) *ConnManager {
	return &ConnManager{uri: uri}
}

// Client returns the live connection, dialing if needed.
func (m *ConnManager) Client(ctx context.Context) (*golibvirt.Libvirt, error) {
	m.mu.RLock()
	c := m.client
	m.mu.RUnlock()
	if c != nil {
		return c, nil
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.connectLocked(ctx); err != nil {
		return nil, err
	}
	return m.client, nil
}

// Reconnect drops the current connection and dials again.
func (m *ConnManager) Reconnect(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.client != nil {
		if err := m.client.Disconnect(); err != nil {
			logger.FromContext(ctx).WarnContext(ctx, "libvirt disconnect failed", "error", err)
		}
		m.client = nil
	}
	return m.connectLocked(ctx)
}

// Healthy checks the connection with a version round trip.
func (m *ConnManager) Healthy(ctx context.Context) error {
	c, err := m.Client(ctx)
	if err != nil {
		return err
	}
	if _, err := c.Version(); err != nil {
		return fmt.Errorf("libvirt version check failed: %w", err)
	}
	return nil
}

// Close disconnects from libvirtd.
func (m *ConnManager) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.client == nil {
		return nil
	}
	err := m.client.Disconnect()
	m.client = nil
	return err
}

func (m *ConnManager) connectLocked(ctx context.Context) error {
	log := logger.FromContext(ctx)

	if m.client != nil {
		if _, err := m.client.Version(); err == nil {
			return nil
		}
		_ = m.client.Disconnect()
		m.client = nil
	}

	uri, err := parseURI(m.uri)
	if err != nil {
		return err
	}

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = connectRetryInitial
	b.MaxInterval = connectRetryMax

	c, err := backoff.Retry(ctx, func() (*golibvirt.Libvirt, error) {
		return golibvirt.ConnectToURI(uri)
	},
		backoff.WithBackOff(b),
		backoff.WithMaxElapsedTime(connectMaxElapsed),
		backoff.WithNotify(func(err error, wait time.Duration) {
			log.WarnContext(ctx, "libvirt connect failed", "uri", uri.Redacted(), "error", err, "retry_in", wait)
		}),
	)
	if err != nil {
		return fmt.Errorf("connect to libvirt at %s: %w", uri.Redacted(), err)
	}

	m.client = c
	log.InfoContext(ctx, "libvirt connected", "uri", uri.Redacted())
	return nil
}

func parseURI(raw string) (*url.URL, error) {
	if raw == "" {
		raw = string(golibvirt.QEMUSystem)
	}
	uri, err := url.Parse(raw)
	if err != nil {
		return nil, fmt.Errorf("parse libvirt uri %q: %w", raw, err)
	}
	if uri.Scheme == "" {
		return nil, fmt.Errorf("libvirt uri %q has no scheme", raw)
	}
	return uri, nil
}
