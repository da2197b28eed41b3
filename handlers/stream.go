package handlers

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"

	"coparent/logger"
	"coparent/metrics"
	"coparent/middleware"
	"coparent/models"
)

const streamBuffer = 64

type threadStream struct {
	conn *websocket.Conn
	send chan []byte
	done chan struct{}
}

func (s *threadStream) push(msg models.StreamMessage) {
	data, err := json.Marshal(msg)
	if err != nil {
		logger.Error("stream_encode_failed", "type", msg.Type, "error", err)
		return
	}
	select {
	case <-s.done:
	case s.send <- data:
	default:
		metrics.BroadcastsDropped.WithLabelValues("stream", "slow_client").Inc()
	}
}

// StreamThread pushes the thread's message list and the user's unread
// counts to a websocket client whenever either changes.
func (h *Handlers) StreamThread(w http.ResponseWriter, r *http.Request) {
	userID := middleware.UserIDFromContext(r)
	threadID := mux.Vars(r)["threadId"]

	if err := h.Messages.Ensure(r.Context(), threadID); err != nil {
		logger.Warn("thread_load_failed", "thread_id", threadID, "error", err)
	}
	unwatch, err := h.Messages.Watch(threadID)
	if err != nil {
		logger.Error("thread_watch_failed", "thread_id", threadID, "error", err)
		http.Error(w, `{"error": "Failed to watch thread"}`, http.StatusServiceUnavailable)
		return
	}
	defer unwatch()

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		logger.Warn("stream_upgrade_failed", "error", err)
		return
	}

	s := &threadStream{
		conn: conn,
		send: make(chan []byte, streamBuffer),
		done: make(chan struct{}),
	}
	go s.writePump()

	unsubMessages := h.Messages.Subscribe(threadID, func(msgs []models.Message) {
		s.push(models.StreamMessage{Type: "messages", Payload: models.MarkOwn(msgs, userID)})
	})
	unsubUnread := h.Unread.Subscribe(func(counts map[string]int) {
		s.push(models.StreamMessage{Type: "unread", Payload: counts})
	})

	logger.Debug("stream_opened", "thread_id", threadID, "user_id", userID)
	s.readPump()

	unsubMessages()
	unsubUnread()
	close(s.done)
	logger.Debug("stream_closed", "thread_id", threadID)
}

// readPump discards client frames and returns when the connection closes.
func (s *threadStream) readPump() {
	defer s.conn.Close()

	s.conn.SetReadLimit(maxFrame)
	_ = s.conn.SetReadDeadline(time.Now().Add(pongWait))
	s.conn.SetPongHandler(func(string) error {
		return s.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		if _, _, err := s.conn.ReadMessage(); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				logger.Warn("stream_read_failed", "error", err)
			}
			return
		}
	}
}

func (s *threadStream) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		s.conn.Close()
	}()

	for {
		select {
		case <-s.done:
			return
		case data := <-s.send:
			_ = s.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := s.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				return
			}
		case <-ticker.C:
			_ = s.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := s.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
