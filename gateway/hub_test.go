package gateway

import (
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// dialHub upgrades one connection into the hub and returns the registered
// client plus the peer side of the socket.
func dialHub(t *testing.T, h *Hub) (*Client, *websocket.Conn) {
	t.Helper()

	registered := make(chan *Client, 1)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		require.NoError(t, err)
		registered <- h.Register(conn)
	}))
	t.Cleanup(srv.Close)

	peer, _, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(srv.URL, "http"), nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = peer.Close() })

	return <-registered, peer
}

func TestBroadcastReachesClient(t *testing.T) {
	h := NewHub(slog.Default())
	_, peer := dialHub(t, h)
	require.Equal(t, 1, h.Count())

	h.Broadcast(map[string]string{"type": "event"})

	_, frame, err := peer.ReadMessage()
	require.NoError(t, err)
	assert.Contains(t, string(frame), `"type":"event"`)
}

func TestSendAfterCloseReturnsError(t *testing.T) {
	h := NewHub(slog.Default())
	client, _ := dialHub(t, h)

	client.Close()
	client.Close()
	assert.Equal(t, 0, h.Count())

	assert.Error(t, client.Send(map[string]string{"type": "event"}))
}

func TestBroadcastDuringCloseDoesNotPanic(t *testing.T) {
	h := NewHub(slog.Default())
	clients := make([]*Client, 0, 4)
	for i := 0; i < 4; i++ {
		c, _ := dialHub(t, h)
		clients = append(clients, c)
	}

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		for i := 0; i < 200; i++ {
			h.Broadcast(map[string]int{"seq": i})
		}
	}()
	go func() {
		defer wg.Done()
		for _, c := range clients {
			c.Close()
		}
	}()
	wg.Wait()

	assert.Equal(t, 0, h.Count())
}
