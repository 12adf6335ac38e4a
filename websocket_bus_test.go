package efio

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recordingDOWriter struct {
	mu     sync.Mutex
	writes [][2]int
	state  *IOState
}

func (w *recordingDOWriter) WriteOutput(ch, value int) error {
	if err := w.state.SetDO(ch, value); err != nil {
		return err
	}
	w.mu.Lock()
	w.writes = append(w.writes, [2]int{ch, value})
	w.mu.Unlock()
	return nil
}

// dialBus spins up the bus behind an httptest server and connects one
// client.
func dialBus(t *testing.T, state *IOState, writer DOWriter) (*WebSocketBus, *websocket.Conn, func()) {
	t.Helper()
	bus := NewWebSocketBus(state, writer)
	bus.Start()
	server := httptest.NewServer(http.HandlerFunc(bus.Handler))
	url := "ws" + strings.TrimPrefix(server.URL, "http")
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	cleanup := func() {
		conn.Close()
		server.Close()
		bus.Stop()
	}
	return bus, conn, cleanup
}

func TestWebSocketBroadcastsOnStateChange(t *testing.T) {
	state := NewIOState()
	writer := &recordingDOWriter{state: state}
	bus, conn, cleanup := dialBus(t, state, writer)
	defer cleanup()

	// The initial snapshot arrives first.
	var update wsIOUpdate
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	require.NoError(t, conn.ReadJSON(&update))
	assert.Equal(t, "io_update", update.Type)
	assert.Equal(t, 1, bus.ClientCount())

	require.NoError(t, state.SetDI(0, 1))
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		conn.SetReadDeadline(time.Now().Add(2 * time.Second))
		require.NoError(t, conn.ReadJSON(&update))
		if update.DI[0] == 1 {
			break
		}
	}
	assert.Equal(t, 1, update.DI[0])
}

func TestWebSocketHeartbeat(t *testing.T) {
	state := NewIOState()
	_, conn, cleanup := dialBus(t, state, &recordingDOWriter{state: state})
	defer cleanup()

	// With no state changes at all, the 2s heartbeat still re-emits.
	var update wsIOUpdate
	conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	require.NoError(t, conn.ReadJSON(&update)) // initial snapshot
	require.NoError(t, conn.ReadJSON(&update)) // heartbeat
	assert.Equal(t, "io_update", update.Type)
}

func TestWebSocketSetDOCommand(t *testing.T) {
	state := NewIOState()
	writer := &recordingDOWriter{state: state}
	_, conn, cleanup := dialBus(t, state, writer)
	defer cleanup()

	payload, _ := json.Marshal(wsCommand{Type: "set_do", Channel: 1, Value: 1})
	require.NoError(t, conn.WriteMessage(websocket.TextMessage, payload))

	waitFor(t, 2*time.Second, func() bool {
		writer.mu.Lock()
		defer writer.mu.Unlock()
		return len(writer.writes) == 1
	})
	writer.mu.Lock()
	assert.Equal(t, [2]int{1, 1}, writer.writes[0])
	writer.mu.Unlock()
	assert.Equal(t, [NumChannels]int{0, 1, 0, 0}, state.DO())
}

func TestWebSocketRejectsBadCommand(t *testing.T) {
	state := NewIOState()
	_, conn, cleanup := dialBus(t, state, &recordingDOWriter{state: state})
	defer cleanup()

	require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte(`{"type":"set_do","channel":9,"value":1}`)))

	// An error frame comes back among the io_updates.
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		conn.SetReadDeadline(time.Now().Add(2 * time.Second))
		_, data, err := conn.ReadMessage()
		require.NoError(t, err)
		var frame map[string]any
		require.NoError(t, json.Unmarshal(data, &frame))
		if frame["type"] == "error" {
			return
		}
	}
	t.Fatal("no error frame received")
}
