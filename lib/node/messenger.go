package node

import (
	"context"
	"sync"
	"time"
)

// request pairs an event with its one-shot reply channel.
type request struct {
	ctx      context.Context
	event    Event
	reply    chan Result
	enqueued time.Time
}

// Messenger is the sending side of a node's bounded queue. Safe for
// concurrent use.
type Messenger struct {
	queue chan request

	// mu orders Send against Close so a send never hits a closed channel
	mu     sync.RWMutex
	closed bool
}

func newMessenger(capacity int) *Messenger {
	return &Messenger{queue: make(chan request, capacity)}
}

// Send enqueues ev and waits for its result. It blocks while the queue is
// full. If ctx ends first, Send returns ctx.Err(); an already enqueued
// event is still processed and its result discarded.
func (m *Messenger) Send(ctx context.Context, ev Event) (Result, error) {
	req := request{
		ctx:      ctx,
		event:    ev,
		reply:    make(chan Result, 1),
		enqueued: time.Now(),
	}

	m.mu.RLock()
	if m.closed {
		m.mu.RUnlock()
		return Result{}, ErrClosed
	}
	select {
	case m.queue <- req:
		m.mu.RUnlock()
	case <-ctx.Done():
		m.mu.RUnlock()
		return Result{}, ctx.Err()
	}

	select {
	case res := <-req.reply:
		return res, nil
	case <-ctx.Done():
		return Result{}, ctx.Err()
	}
}

// Close closes the queue. The node drains what was already enqueued and then
// Run returns. Close waits for Sends blocked on a full queue to enqueue or
// give up. Safe to call more than once.
func (m *Messenger) Close() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return
	}
	m.closed = true
	close(m.queue)
}

// Len returns the number of queued requests.
func (m *Messenger) Len() int {
	return len(m.queue)
}

// Cap returns the queue capacity.
func (m *Messenger) Cap() int {
	return cap(m.queue)
}
