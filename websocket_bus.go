package efio

import (
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	log "github.com/sirupsen/logrus"
)

// DOWriter is the output path the WebSocket bus forwards set_do commands
// to. Implemented by GPIOFrontend.
type DOWriter interface {
	WriteOutput(ch, value int) error
}

// wsIOUpdate is the io_update broadcast frame.
type wsIOUpdate struct {
	Type       string           `json:"type"`
	DI         [NumChannels]int `json:"di"`
	DO         [NumChannels]int `json:"do"`
	Simulation bool             `json:"simulation"`
	Timestamp  string           `json:"timestamp"`
}

// wsCommand is the inbound command frame.
type wsCommand struct {
	Type    string `json:"type"`
	Channel int    `json:"channel"`
	Value   int    `json:"value"`
}

const (
	wsHeartbeatInterval = 2 * time.Second
	wsWriteTimeout      = 5 * time.Second
	wsSendBuffer        = 32
)

type wsClient struct {
	conn *websocket.Conn
	send chan []byte
}

// WebSocketBus broadcasts I/O updates to connected clients: on every
// IOState change and unconditionally every 2s as a liveness heartbeat.
// Inbound set_do commands are validated and forwarded to the GPIO
// front-end (which also produces the MQTT feedback).
type WebSocketBus struct {
	state *IOState
	gpio  DOWriter

	upgrader websocket.Upgrader

	mu      sync.Mutex
	clients map[*wsClient]struct{}

	stop    chan struct{}
	wg      sync.WaitGroup
	cancel  func()
	running bool
}

func NewWebSocketBus(state *IOState, gpio DOWriter) *WebSocketBus {
	return &WebSocketBus{
		state: state,
		gpio:  gpio,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     func(*http.Request) bool { return true },
		},
		clients: map[*wsClient]struct{}{},
	}
}

// Start subscribes to state changes and launches the broadcast loop.
func (b *WebSocketBus) Start() {
	b.mu.Lock()
	if b.running {
		b.mu.Unlock()
		return
	}
	b.running = true
	b.stop = make(chan struct{})
	b.mu.Unlock()

	updates, cancel := b.state.Subscribe(64)
	b.cancel = cancel

	b.wg.Add(1)
	go func() {
		defer b.wg.Done()
		ticker := time.NewTicker(wsHeartbeatInterval)
		defer ticker.Stop()
		for {
			select {
			case <-b.stop:
				return
			case _, ok := <-updates:
				if !ok {
					return
				}
				b.broadcastState()
			case <-ticker.C:
				b.broadcastState()
			}
		}
	}()
	log.Info("[WS] broadcast loop started")
}

// Stop closes all client connections and halts broadcasting.
func (b *WebSocketBus) Stop() {
	b.mu.Lock()
	if !b.running {
		b.mu.Unlock()
		return
	}
	b.running = false
	close(b.stop)
	clients := make([]*wsClient, 0, len(b.clients))
	for client := range b.clients {
		clients = append(clients, client)
	}
	b.clients = map[*wsClient]struct{}{}
	b.mu.Unlock()

	b.cancel()
	for _, client := range clients {
		client.conn.Close()
	}
	if !waitTimeout(&b.wg, 3*time.Second) {
		log.Warn("[WS] broadcast loop did not stop within 3s")
	}
}

// Handler upgrades an HTTP request into a bus client.
func (b *WebSocketBus) Handler(w http.ResponseWriter, r *http.Request) {
	conn, err := b.upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Warnf("[WS] upgrade failed: %v", err)
		return
	}
	client := &wsClient{conn: conn, send: make(chan []byte, wsSendBuffer)}
	b.mu.Lock()
	b.clients[client] = struct{}{}
	count := len(b.clients)
	b.mu.Unlock()
	log.Infof("[WS] client connected (%d total)", count)

	b.wg.Add(2)
	go b.writePump(client)
	go b.readPump(client)

	// Immediate snapshot so the client does not wait for the heartbeat.
	if payload, err := b.statePayload(); err == nil {
		select {
		case client.send <- payload:
		default:
		}
	}
}

func (b *WebSocketBus) removeClient(client *wsClient) {
	b.mu.Lock()
	if _, ok := b.clients[client]; ok {
		delete(b.clients, client)
		close(client.send)
	}
	b.mu.Unlock()
	client.conn.Close()
}

func (b *WebSocketBus) readPump(client *wsClient) {
	defer b.wg.Done()
	defer b.removeClient(client)
	for {
		_, data, err := client.conn.ReadMessage()
		if err != nil {
			return
		}
		var cmd wsCommand
		if err := json.Unmarshal(data, &cmd); err != nil {
			b.sendError(client, "malformed command")
			continue
		}
		if cmd.Type != "set_do" {
			b.sendError(client, fmt.Sprintf("unknown command type %q", cmd.Type))
			continue
		}
		if err := b.gpio.WriteOutput(cmd.Channel, cmd.Value); err != nil {
			b.sendError(client, err.Error())
		}
	}
}

func (b *WebSocketBus) sendError(client *wsClient, message string) {
	payload, _ := json.Marshal(map[string]string{"type": "error", "message": message})
	select {
	case client.send <- payload:
	default:
	}
}

func (b *WebSocketBus) writePump(client *wsClient) {
	defer b.wg.Done()
	for payload := range client.send {
		client.conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
		if err := client.conn.WriteMessage(websocket.TextMessage, payload); err != nil {
			return
		}
	}
}

func (b *WebSocketBus) statePayload() ([]byte, error) {
	update := wsIOUpdate{
		Type:       "io_update",
		DI:         b.state.DI(),
		DO:         b.state.DO(),
		Simulation: b.state.Simulation(),
		Timestamp:  time.Now().Format(time.RFC3339Nano),
	}
	return json.Marshal(update)
}

func (b *WebSocketBus) broadcastState() {
	payload, err := b.statePayload()
	if err != nil {
		return
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	for client := range b.clients {
		select {
		case client.send <- payload:
		default:
			// Slow client, skip this update rather than stall the loop.
		}
	}
}

// ClientCount reports connected clients.
func (b *WebSocketBus) ClientCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.clients)
}
