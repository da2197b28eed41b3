package handlers

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"golang.org/x/time/rate"

	"coparent/logger"
	"coparent/metrics"
)

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = (pongWait * 9) / 10
	maxFrame   = 64 * 1024
	peerBuffer = 256
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	// Agents connect from localhost.
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

// Peer is one agent connected to the relay.
type Peer struct {
	Conn    *websocket.Conn
	Send    chan []byte
	limiter *rate.Limiter
}

type frame struct {
	from *Peer
	data []byte
}

// Relay fans envelopes from each connected agent out to every other
// agent. It never echoes a frame back to its sender.
type Relay struct {
	peers      map[*Peer]struct{}
	register   chan *Peer
	unregister chan *Peer
	broadcast  chan frame
	done       chan struct{}
	mutex      sync.RWMutex

	rps   rate.Limit
	burst int
}

// NewRelay creates a relay that allows each peer rps frames per second
// with the given burst.
func NewRelay(rps float64, burst int) *Relay {
	return &Relay{
		peers:      make(map[*Peer]struct{}),
		register:   make(chan *Peer),
		unregister: make(chan *Peer),
		broadcast:  make(chan frame, peerBuffer),
		done:       make(chan struct{}),
		rps:        rate.Limit(rps),
		burst:      burst,
	}
}

// Run services the relay until ctx is cancelled.
func (h *Relay) Run(ctx context.Context) {
	defer close(h.done)
	for {
		select {
		case <-ctx.Done():
			h.mutex.Lock()
			for p := range h.peers {
				delete(h.peers, p)
				close(p.Send)
			}
			h.mutex.Unlock()
			metrics.RelayPeers.Set(0)
			return

		case p := <-h.register:
			h.mutex.Lock()
			h.peers[p] = struct{}{}
			n := len(h.peers)
			h.mutex.Unlock()
			metrics.RelayPeers.Set(float64(n))
			logger.Info("relay_peer_connected", "remote", p.Conn.RemoteAddr().String(), "peers", n)

		case p := <-h.unregister:
			h.mutex.Lock()
			if _, ok := h.peers[p]; ok {
				delete(h.peers, p)
				close(p.Send)
			}
			n := len(h.peers)
			h.mutex.Unlock()
			metrics.RelayPeers.Set(float64(n))
			logger.Info("relay_peer_disconnected", "remote", p.Conn.RemoteAddr().String(), "peers", n)

		case f := <-h.broadcast:
			h.mutex.Lock()
			for p := range h.peers {
				if p == f.from {
					continue
				}
				select {
				case p.Send <- f.data:
				default:
					// Slow peer; drop it rather than stall the others.
					delete(h.peers, p)
					close(p.Send)
					metrics.BroadcastsDropped.WithLabelValues("relay", "slow_peer").Inc()
					logger.Warn("relay_peer_dropped", "remote", p.Conn.RemoteAddr().String())
				}
			}
			metrics.RelayPeers.Set(float64(len(h.peers)))
			h.mutex.Unlock()
		}
	}
}

// Peers returns the number of connected agents.
func (h *Relay) Peers() int {
	h.mutex.RLock()
	defer h.mutex.RUnlock()
	return len(h.peers)
}

// ServeHTTP upgrades the request and joins the agent to the relay.
func (h *Relay) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		logger.Warn("relay_upgrade_failed", "error", err)
		return
	}

	p := &Peer{
		Conn:    conn,
		Send:    make(chan []byte, peerBuffer),
		limiter: rate.NewLimiter(h.rps, h.burst),
	}

	select {
	case h.register <- p:
	case <-h.done:
		conn.Close()
		return
	}

	go h.writePump(p)
	go h.readPump(p)
}

func (h *Relay) readPump(p *Peer) {
	defer func() {
		select {
		case h.unregister <- p:
		case <-h.done:
		}
		p.Conn.Close()
	}()

	p.Conn.SetReadLimit(maxFrame)
	_ = p.Conn.SetReadDeadline(time.Now().Add(pongWait))
	p.Conn.SetPongHandler(func(string) error {
		return p.Conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, data, err := p.Conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				logger.Warn("relay_read_failed", "error", err)
			}
			return
		}
		if !json.Valid(data) {
			metrics.BroadcastsDropped.WithLabelValues("relay", "malformed").Inc()
			continue
		}
		if !p.limiter.Allow() {
			metrics.BroadcastsDropped.WithLabelValues("relay", "rate_limited").Inc()
			continue
		}

		select {
		case h.broadcast <- frame{from: p, data: data}:
		case <-h.done:
			return
		}
	}
}

func (h *Relay) writePump(p *Peer) {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		p.Conn.Close()
	}()

	for {
		select {
		case data, ok := <-p.Send:
			_ = p.Conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				_ = p.Conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := p.Conn.WriteMessage(websocket.TextMessage, data); err != nil {
				return
			}
		case <-ticker.C:
			_ = p.Conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := p.Conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
