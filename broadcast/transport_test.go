package broadcast_test

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"coparent/broadcast"
	"coparent/config"
	"coparent/models"
)

type envelopes struct {
	mu   sync.Mutex
	list []models.Envelope
}

func (e *envelopes) add(env models.Envelope) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.list = append(e.list, env)
}

func (e *envelopes) snapshot() []models.Envelope {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]models.Envelope(nil), e.list...)
}

// relayServer upgrades each request and hands the server side of the
// connection to the test.
func relayServer(t *testing.T) (string, <-chan *websocket.Conn) {
	t.Helper()
	conns := make(chan *websocket.Conn, 4)
	upgrader := websocket.Upgrader{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		conns <- conn
	}))
	t.Cleanup(srv.Close)
	return "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws/bus", conns
}

func storageConfig(t *testing.T, transport, relayURL string) config.BroadcastConfig {
	return config.BroadcastConfig{
		Transport:   transport,
		RelayURL:    relayURL,
		StoragePath: filepath.Join(t.TempDir(), "bus.db"),
		StorageKeep: 100,
		StoragePoll: 10 * time.Millisecond,
	}
}

func TestOpenAutoFallsBackToStorage(t *testing.T) {
	bus, err := broadcast.Open(context.Background(), storageConfig(t, "auto", "ws://127.0.0.1:1/ws/bus"))
	require.NoError(t, err)
	t.Cleanup(bus.Cleanup)

	assert.Equal(t, "storage", bus.TransportName())
}

func TestOpenAutoPrefersRelay(t *testing.T) {
	url, conns := relayServer(t)

	bus, err := broadcast.Open(context.Background(), storageConfig(t, "auto", url))
	require.NoError(t, err)
	t.Cleanup(bus.Cleanup)

	assert.Equal(t, "websocket", bus.TransportName())
	select {
	case conn := <-conns:
		conn.Close()
	case <-time.After(2 * time.Second):
		t.Fatal("relay never saw the connection")
	}
}

func TestOpenRejectsUnknownTransport(t *testing.T) {
	_, err := broadcast.Open(context.Background(), config.BroadcastConfig{Transport: "carrier-pigeon"})
	assert.Error(t, err)
}

func TestOpenMemoryBusesShareTheProcessHub(t *testing.T) {
	cfg := config.BroadcastConfig{Transport: "memory"}
	busA, err := broadcast.Open(context.Background(), cfg)
	require.NoError(t, err)
	t.Cleanup(busA.Cleanup)
	busB, err := broadcast.Open(context.Background(), cfg)
	require.NoError(t, err)
	t.Cleanup(busB.Cleanup)

	var seen int
	busB.Subscribe("x", func(models.Envelope) { seen++ })
	busA.Broadcast("x", notice{Text: "hi"})

	assert.Equal(t, 1, seen)
}

func TestWebsocketTransportExchangesEnvelopes(t *testing.T) {
	url, conns := relayServer(t)

	ws, err := broadcast.DialWebsocket(context.Background(), url)
	require.NoError(t, err)
	t.Cleanup(func() { _ = ws.Close() })

	var server *websocket.Conn
	select {
	case server = <-conns:
	case <-time.After(2 * time.Second):
		t.Fatal("relay never saw the connection")
	}
	defer server.Close()

	got := &envelopes{}
	require.NoError(t, ws.Start(got.add))

	require.NoError(t, server.WriteMessage(websocket.TextMessage, []byte("not json")))
	require.NoError(t, server.WriteMessage(websocket.TextMessage, []byte(`{"type":"x","payload":{"text":"hi"},"origin":"peer"}`)))

	require.Eventually(t, func() bool { return len(got.snapshot()) == 1 }, 2*time.Second, 10*time.Millisecond)
	env := got.snapshot()[0]
	assert.Equal(t, "x", env.Type)
	assert.Equal(t, "peer", env.Origin)

	require.NoError(t, ws.Publish(models.Envelope{Type: "y", Payload: json.RawMessage(`{}`), Origin: "me"}))
	require.NoError(t, server.SetReadDeadline(time.Now().Add(2*time.Second)))
	var sent models.Envelope
	require.NoError(t, server.ReadJSON(&sent))
	assert.Equal(t, "y", sent.Type)
	assert.Equal(t, "me", sent.Origin)

	require.NoError(t, ws.Close())
	assert.ErrorIs(t, ws.Publish(models.Envelope{Type: "z"}), broadcast.ErrClosed)
	assert.Len(t, got.snapshot(), 1, "malformed frame was dropped")
}

type failingTransport struct {
	closed bool
}

func (f *failingTransport) Name() string { return "failing" }

func (f *failingTransport) Start(func(models.Envelope)) error {
	return errors.New("no route")
}

func (f *failingTransport) Publish(models.Envelope) error { return nil }

func (f *failingTransport) Close() error {
	f.closed = true
	return nil
}

func TestFailedStartClosesTransport(t *testing.T) {
	ft := &failingTransport{}
	bus := broadcast.New(ft)

	assert.True(t, ft.closed)
	assert.Equal(t, "local", bus.TransportName())

	var seen int
	bus.Subscribe("x", func(models.Envelope) { seen++ })
	bus.Broadcast("x", nil)
	assert.Equal(t, 1, seen, "still delivers locally")
}
