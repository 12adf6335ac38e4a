package efio

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeMQTTMessage implements the paho Message interface surface used by
// the command handler.
type fakeMQTTMessage struct {
	topic   string
	payload []byte
}

func (m *fakeMQTTMessage) Duplicate() bool   { return false }
func (m *fakeMQTTMessage) Qos() byte        { return 1 }
func (m *fakeMQTTMessage) Retained() bool   { return false }
func (m *fakeMQTTMessage) Topic() string    { return m.topic }
func (m *fakeMQTTMessage) MessageID() uint16 { return 0 }
func (m *fakeMQTTMessage) Payload() []byte  { return m.payload }
func (m *fakeMQTTMessage) Ack()             {}

func newTestMQTTClient(enabled bool) (*MQTTClient, *IOState) {
	cfg := DefaultMQTTConfig()
	cfg.Enabled = enabled
	state := NewIOState()
	return NewMQTTClient(cfg, state, NewHealthRegistry()), state
}

func TestMQTTDisabledPublishIsNoOp(t *testing.T) {
	c, _ := newTestMQTTClient(false)
	assert.NoError(t, c.Connect())
	assert.NoError(t, c.Publish("edgeforce/io/di/1", 1, 1, true))
	assert.False(t, c.Enabled())
	assert.Equal(t, uint64(0), c.Dropped())
}

func TestMQTTPublishWhileDisconnectedDrops(t *testing.T) {
	c, _ := newTestMQTTClient(true)
	// Never connected: publishes are dropped, not errors.
	assert.NoError(t, c.Publish("edgeforce/io/di/1", 1, 1, true))
	assert.NoError(t, c.Publish("edgeforce/io/di/2", 0, 1, true))
	assert.Equal(t, uint64(2), c.Dropped())
}

func TestMQTTSetCommandRoutesToHandler(t *testing.T) {
	c, state := newTestMQTTClient(true)
	var mu sync.Mutex
	var gotCh, gotValue int
	c.SetDOCommandHandler(func(ch, value int) {
		mu.Lock()
		gotCh, gotValue = ch, value
		mu.Unlock()
	})
	c.onMessage(nil, &fakeMQTTMessage{topic: "edgeforce/io/do/3/set", payload: []byte("1")})
	mu.Lock()
	assert.Equal(t, 2, gotCh)
	assert.Equal(t, 1, gotValue)
	mu.Unlock()
	// Handler owns the state update.
	assert.Equal(t, [NumChannels]int{0, 0, 0, 0}, state.DO())
}

func TestMQTTSetCommandWithoutHandlerUpdatesState(t *testing.T) {
	c, state := newTestMQTTClient(true)
	c.onMessage(nil, &fakeMQTTMessage{topic: "edgeforce/io/do/1/set", payload: []byte("1")})
	assert.Equal(t, [NumChannels]int{1, 0, 0, 0}, state.DO())
}

func TestMQTTLoopbackUpdatesState(t *testing.T) {
	c, state := newTestMQTTClient(true)
	c.onMessage(nil, &fakeMQTTMessage{topic: "edgeforce/io/di/2", payload: []byte("1")})
	c.onMessage(nil, &fakeMQTTMessage{topic: "edgeforce/io/do/4", payload: []byte("1")})
	assert.Equal(t, [NumChannels]int{0, 1, 0, 0}, state.DI())
	assert.Equal(t, [NumChannels]int{0, 0, 0, 1}, state.DO())
}

func TestMQTTIgnoresGarbageTopics(t *testing.T) {
	c, state := newTestMQTTClient(true)
	c.onMessage(nil, &fakeMQTTMessage{topic: "edgeforce/io/do/9/set", payload: []byte("1")})
	c.onMessage(nil, &fakeMQTTMessage{topic: "edgeforce/io/do/1/set", payload: []byte("on")})
	c.onMessage(nil, &fakeMQTTMessage{topic: "edgeforce/system/cpu", payload: []byte("42")})
	c.onMessage(nil, &fakeMQTTMessage{topic: "other/io/do/1/set", payload: []byte("1")})
	assert.Equal(t, [NumChannels]int{0, 0, 0, 0}, state.DO())
	assert.Equal(t, [NumChannels]int{0, 0, 0, 0}, state.DI())
}

func TestEncodePayload(t *testing.T) {
	b, err := encodePayload(1)
	require.NoError(t, err)
	assert.Equal(t, []byte("1"), b)

	b, err = encodePayload("on")
	require.NoError(t, err)
	assert.Equal(t, []byte("on"), b)

	b, err = encodePayload([]byte{0x01})
	require.NoError(t, err)
	assert.Equal(t, []byte{0x01}, b)

	b, err = encodePayload(map[string]int{"value": 3})
	require.NoError(t, err)
	assert.JSONEq(t, `{"value":3}`, string(b))
}
