package broadcast

import (
	"sync"

	"coparent/models"
)

// MemoryHub links buses living in the same process. Delivery is
// synchronous.
type MemoryHub struct {
	mu      sync.Mutex
	members map[*MemoryTransport]func(models.Envelope)
}

func NewMemoryHub() *MemoryHub {
	return &MemoryHub{members: make(map[*MemoryTransport]func(models.Envelope))}
}

// Join returns a new transport attached to the hub.
func (h *MemoryHub) Join() *MemoryTransport {
	return &MemoryTransport{hub: h}
}

// MemoryTransport is one member of a MemoryHub.
type MemoryTransport struct {
	hub    *MemoryHub
	mu     sync.Mutex
	closed bool
}

func (t *MemoryTransport) Name() string { return "memory" }

func (t *MemoryTransport) Start(deliver func(models.Envelope)) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return ErrClosed
	}
	t.hub.mu.Lock()
	t.hub.members[t] = deliver
	t.hub.mu.Unlock()
	return nil
}

func (t *MemoryTransport) Publish(env models.Envelope) error {
	t.mu.Lock()
	closed := t.closed
	t.mu.Unlock()
	if closed {
		return ErrClosed
	}

	t.hub.mu.Lock()
	peers := make([]func(models.Envelope), 0, len(t.hub.members))
	for m, deliver := range t.hub.members {
		if m != t {
			peers = append(peers, deliver)
		}
	}
	t.hub.mu.Unlock()

	for _, deliver := range peers {
		deliver(env)
	}
	return nil
}

func (t *MemoryTransport) Close() error {
	t.mu.Lock()
	t.closed = true
	t.mu.Unlock()

	t.hub.mu.Lock()
	delete(t.hub.members, t)
	t.hub.mu.Unlock()
	return nil
}
