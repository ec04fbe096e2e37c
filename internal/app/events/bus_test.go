package events

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/require"
)

func dialBus(t *testing.T, bus *Bus, socketID string) (*websocket.Conn, func()) {
	t.Helper()
	var upgrader websocket.Upgrader
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		require.NoError(t, err)
		bus.Subscribe(socketID, conn)
	}))

	wsURL := "ws" + srv.URL[len("http"):]
	clientConn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	require.NoError(t, err)

	return clientConn, func() {
		clientConn.Close()
		srv.Close()
	}
}

func TestBusDeliversTargetedEvent(t *testing.T) {
	bus := NewBus(nil)
	clientConn, cleanup := dialBus(t, bus, "socket-1")
	defer cleanup()

	bus.Emit(New(TypePong, "socket-1", map[string]any{"ok": true}))

	clientConn.SetReadDeadline(time.Now().Add(2 * time.Second))
	var got Event
	require.NoError(t, clientConn.ReadJSON(&got))
	require.Equal(t, TypePong, got.Type)
}

func TestBusBroadcastReachesEverySubscriber(t *testing.T) {
	bus := NewBus(nil)
	a, cleanupA := dialBus(t, bus, "socket-a")
	defer cleanupA()
	b, cleanupB := dialBus(t, bus, "socket-b")
	defer cleanupB()

	require.Eventually(t, func() bool { return bus.SubscriberCount() == 2 }, time.Second, 10*time.Millisecond)

	bus.Emit(New(TypeError, "", map[string]any{"msg": "boom"}))

	for _, conn := range []*websocket.Conn{a, b} {
		conn.SetReadDeadline(time.Now().Add(2 * time.Second))
		var got Event
		require.NoError(t, conn.ReadJSON(&got))
		require.Equal(t, TypeError, got.Type)
	}
}

func TestBusDropsEventsForUnknownSubscriber(t *testing.T) {
	bus := NewBus(nil)
	require.NotPanics(t, func() {
		bus.Emit(New(TypePong, "nobody-here", nil))
	})
}
