package broadcast

import (
	"encoding/json"
	"sync"
	"time"

	"github.com/google/uuid"

	"coparent/logger"
	"coparent/metrics"
	"coparent/models"
)

// All is the wildcard type: listeners registered for it receive every envelope.
const All = "all"

// Listener receives envelopes delivered by the bus.
type Listener func(models.Envelope)

type entry struct {
	id uint64
	fn Listener
}

// Bus delivers envelopes to local listeners and mirrors them to sibling
// agents through a Transport.
type Bus struct {
	mu        sync.RWMutex
	listeners map[string][]entry
	nextID    uint64
	origin    string
	transport Transport
}

// New creates a bus on top of t and starts receiving from it. A nil
// transport gives a process-local bus; so does one that fails to start,
// after it is closed.
func New(t Transport) *Bus {
	b := &Bus{
		listeners: make(map[string][]entry),
		origin:    uuid.NewString(),
		transport: t,
	}
	if t != nil {
		if err := t.Start(b.receive); err != nil {
			logger.Error("broadcast_transport_start_failed", "transport", t.Name(), "error", err)
			if cerr := t.Close(); cerr != nil {
				logger.Warn("broadcast_transport_close_failed", "transport", t.Name(), "error", cerr)
			}
			b.transport = nil
		}
	}
	return b
}

// Origin identifies this bus in envelopes it sends.
func (b *Bus) Origin() string {
	return b.origin
}

// TransportName reports which transport is in use.
func (b *Bus) TransportName() string {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.transport == nil {
		return "local"
	}
	return b.transport.Name()
}

// Broadcast delivers payload to local listeners of typ and All, then
// sends it to sibling agents. It never fails; problems are logged.
func (b *Bus) Broadcast(typ string, payload any) {
	raw, err := encodePayload(payload)
	if err != nil {
		logger.Error("broadcast_encode_failed", "type", typ, "error", err)
		metrics.BroadcastsDropped.WithLabelValues(b.TransportName(), "encode").Inc()
		return
	}
	env := models.Envelope{
		Type:    typ,
		Payload: raw,
		Origin:  b.origin,
		SentAt:  time.Now().UTC(),
	}

	b.dispatch(env)

	b.mu.RLock()
	t := b.transport
	b.mu.RUnlock()
	if t == nil {
		return
	}
	if err := t.Publish(env); err != nil {
		logger.Warn("broadcast_publish_failed", "type", typ, "transport", t.Name(), "error", err)
		metrics.BroadcastsDropped.WithLabelValues(t.Name(), "publish").Inc()
		return
	}
	metrics.BroadcastsSent.WithLabelValues(t.Name()).Inc()
}

// Subscribe registers l for typ (or All). The returned function removes
// exactly this registration and is safe to call more than once.
func (b *Bus) Subscribe(typ string, l Listener) func() {
	b.mu.Lock()
	b.nextID++
	id := b.nextID
	b.listeners[typ] = append(b.listeners[typ], entry{id: id, fn: l})
	b.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			b.mu.Lock()
			defer b.mu.Unlock()
			list := b.listeners[typ]
			for i, e := range list {
				if e.id == id {
					list = append(list[:i:i], list[i+1:]...)
					break
				}
			}
			if len(list) == 0 {
				delete(b.listeners, typ)
			} else {
				b.listeners[typ] = list
			}
		})
	}
}

// Cleanup closes the transport and drops every listener. Used at
// session or process teardown.
func (b *Bus) Cleanup() {
	b.mu.Lock()
	t := b.transport
	b.transport = nil
	b.listeners = make(map[string][]entry)
	b.mu.Unlock()

	if t != nil {
		if err := t.Close(); err != nil {
			logger.Warn("broadcast_transport_close_failed", "transport", t.Name(), "error", err)
		}
	}
}

// receive is the transport callback for envelopes from sibling agents.
func (b *Bus) receive(env models.Envelope) {
	if env.Origin == b.origin {
		return
	}
	metrics.BroadcastsReceived.WithLabelValues(b.TransportName()).Inc()
	b.dispatch(env)
}

func (b *Bus) dispatch(env models.Envelope) {
	b.mu.RLock()
	targets := make([]Listener, 0, len(b.listeners[env.Type])+len(b.listeners[All]))
	for _, e := range b.listeners[env.Type] {
		targets = append(targets, e.fn)
	}
	if env.Type != All {
		for _, e := range b.listeners[All] {
			targets = append(targets, e.fn)
		}
	}
	b.mu.RUnlock()

	for _, fn := range targets {
		deliver(fn, env)
	}
}

func deliver(fn Listener, env models.Envelope) {
	defer func() {
		if r := recover(); r != nil {
			logger.Error("broadcast_listener_panic", "type", env.Type, "panic", r)
			metrics.ListenerPanics.WithLabelValues("bus").Inc()
		}
	}()
	fn(env)
}

func encodePayload(payload any) (json.RawMessage, error) {
	switch v := payload.(type) {
	case json.RawMessage:
		return v, nil
	case []byte:
		if json.Valid(v) {
			return json.RawMessage(v), nil
		}
	}
	return json.Marshal(payload)
}
