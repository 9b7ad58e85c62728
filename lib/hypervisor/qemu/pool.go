package qemu

import (
	"sync"
)

// clientPool keeps one QMP connection per socket path. QEMU's QMP socket
// only serves one client at a time, so connections are reused rather than
// dialed per call.
type clientPool struct {
	mu      sync.RWMutex
	clients map[string]*Client
	dial    func(socketPath string) (*Client, error)
}

func newClientPool(dial func(socketPath string) (*Client, error)) *clientPool {
	return &clientPool{
		clients: make(map[string]*Client),
		dial:    dial,
	}
}

// get returns the pooled client for socketPath, dialing if none exists.
func (p *clientPool) get(socketPath string) (*Client, error) {
	p.mu.RLock()
	if client, ok := p.clients[socketPath]; ok {
		p.mu.RUnlock()
		return client, nil
	}
	p.mu.RUnlock()

	p.mu.Lock()
	defer p.mu.Unlock()

	// Double-check after acquiring write lock
	if client, ok := p.clients[socketPath]; ok {
		return client, nil
	}

	client, err := p.dial(socketPath)
	if err != nil {
		return nil, err
	}
	p.clients[socketPath] = client
	return client, nil
}

// remove drops and closes the client for socketPath. Called on errors so the
// next call reconnects. Close runs asynchronously since a broken connection
// can block.
func (p *clientPool) remove(socketPath string) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if client, ok := p.clients[socketPath]; ok {
		delete(p.clients, socketPath)
		go client.Close()
	}
}
