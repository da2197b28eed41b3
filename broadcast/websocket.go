package broadcast

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"coparent/logger"
	"coparent/metrics"
	"coparent/models"
)

const (
	dialTimeout  = 3 * time.Second
	writeTimeout = 10 * time.Second
	pongWait     = 60 * time.Second
	pingPeriod   = (pongWait * 9) / 10
	sendBuffer   = 256
)

var ErrBackpressure = errors.New("relay send buffer full")

// WebsocketTransport exchanges envelopes with sibling agents through a
// relay hub.
type WebsocketTransport struct {
	conn      *websocket.Conn
	send      chan []byte
	done      chan struct{}
	closeOnce sync.Once
	wg        sync.WaitGroup
}

// DialWebsocket connects to the relay at url. An error means the relay is
// unavailable and the caller should pick another transport.
func DialWebsocket(ctx context.Context, url string) (*WebsocketTransport, error) {
	dialCtx, cancel := context.WithTimeout(ctx, dialTimeout)
	defer cancel()

	conn, _, err := websocket.DefaultDialer.DialContext(dialCtx, url, nil)
	if err != nil {
		return nil, fmt.Errorf("dial relay %s: %w", url, err)
	}
	return &WebsocketTransport{
		conn: conn,
		send: make(chan []byte, sendBuffer),
		done: make(chan struct{}),
	}, nil
}

func (t *WebsocketTransport) Name() string { return "websocket" }

func (t *WebsocketTransport) Start(deliver func(models.Envelope)) error {
	t.wg.Add(2)
	go t.readPump(deliver)
	go t.writePump()
	return nil
}

func (t *WebsocketTransport) Publish(env models.Envelope) error {
	data, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("encode envelope: %w", err)
	}
	select {
	case <-t.done:
		return ErrClosed
	default:
	}
	select {
	case t.send <- data:
		return nil
	default:
		return ErrBackpressure
	}
}

func (t *WebsocketTransport) Close() error {
	var err error
	t.closeOnce.Do(func() {
		close(t.done)
		_ = t.conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(time.Second))
		err = t.conn.Close()
		t.wg.Wait()
	})
	return err
}

func (t *WebsocketTransport) readPump(deliver func(models.Envelope)) {
	defer t.wg.Done()

	_ = t.conn.SetReadDeadline(time.Now().Add(pongWait))
	t.conn.SetPongHandler(func(string) error {
		return t.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, data, err := t.conn.ReadMessage()
		if err != nil {
			select {
			case <-t.done:
			default:
				if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
					logger.Warn("broadcast_relay_disconnected", "error", err)
				}
			}
			return
		}

		var env models.Envelope
		if err := json.Unmarshal(data, &env); err != nil {
			logger.Warn("broadcast_malformed_envelope", "transport", "websocket", "error", err)
			metrics.BroadcastsDropped.WithLabelValues("websocket", "malformed").Inc()
			continue
		}
		deliver(env)
	}
}

func (t *WebsocketTransport) writePump() {
	defer t.wg.Done()
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()

	for {
		select {
		case <-t.done:
			return
		case data := <-t.send:
			_ = t.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
			if err := t.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				logger.Warn("broadcast_relay_write_failed", "error", err)
				return
			}
		case <-ticker.C:
			_ = t.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
			if err := t.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
