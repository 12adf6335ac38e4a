package efio

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	log "github.com/sirupsen/logrus"
)

// MQTTConfig mirrors mqtt_config.json.
type MQTTConfig struct {
	Enabled   bool   `json:"enabled"`
	Broker    string `json:"broker"`
	Port      int    `json:"port"`
	Username  string `json:"username"`
	Password  string `json:"password"`
	ClientID  string `json:"client_id"`
	UseTLS    bool   `json:"use_tls"`
	Keepalive int    `json:"keepalive"`
	QoS       byte   `json:"qos"`
}

// DefaultMQTTConfig matches the defaults shipped in mqtt_config.json.
func DefaultMQTTConfig() MQTTConfig {
	return MQTTConfig{
		Enabled:   true,
		Broker:    "localhost",
		Port:      1883,
		ClientID:  "efio-daemon",
		Keepalive: 60,
		QoS:       1,
	}
}

const (
	mqttConnectTimeout   = 10 * time.Second
	mqttPublishTimeout   = 5 * time.Second
	mqttReconnectInitial = time.Second
	mqttReconnectMax     = 60 * time.Second
)

// MQTTClient is the single shared MQTT publisher for the whole process.
// While disconnected, publishes are dropped (best effort, no local queue);
// reconnection runs in a background task with exponential backoff. All
// publishes go through a shared breaker.
type MQTTClient struct {
	cfg    MQTTConfig
	state  *IOState
	health *HealthRegistry

	breaker *CircuitBreaker

	mu           sync.Mutex
	client       mqtt.Client
	connected    bool
	reconnecting bool
	closed       bool

	onDOCommand func(ch, value int)

	dropped uint64
}

func NewMQTTClient(cfg MQTTConfig, state *IOState, health *HealthRegistry) *MQTTClient {
	isMQTT := func(err error) bool {
		return TransportKindOf(err) == TransportMQTT
	}
	return &MQTTClient{
		cfg:     cfg,
		state:   state,
		health:  health,
		breaker: NewCircuitBreaker("mqtt", 5, 60*time.Second, isMQTT),
	}
}

// SetDOCommandHandler routes inbound set commands to the GPIO front-end.
// Without a handler the command only updates IOState.
func (c *MQTTClient) SetDOCommandHandler(fn func(ch, value int)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onDOCommand = fn
}

func (c *MQTTClient) brokerURL() string {
	scheme := "tcp"
	if c.cfg.UseTLS {
		scheme = "ssl"
	}
	return fmt.Sprintf("%s://%s:%d", scheme, c.cfg.Broker, c.cfg.Port)
}

// Connect establishes the broker session. A disabled client is a no-op.
func (c *MQTTClient) Connect() error {
	if !c.cfg.Enabled {
		log.Info("[MQTT] disabled in configuration")
		return nil
	}
	opts := mqtt.NewClientOptions()
	opts.AddBroker(c.brokerURL())
	opts.SetClientID(c.cfg.ClientID)
	if c.cfg.Username != "" {
		opts.SetUsername(c.cfg.Username)
		opts.SetPassword(c.cfg.Password)
	}
	keepalive := c.cfg.Keepalive
	if keepalive == 0 {
		keepalive = 60
	}
	opts.SetKeepAlive(time.Duration(keepalive) * time.Second)
	opts.SetConnectTimeout(mqttConnectTimeout)
	opts.SetAutoReconnect(false)
	opts.SetOnConnectHandler(c.onConnect)
	opts.SetConnectionLostHandler(c.onConnectionLost)

	client := mqtt.NewClient(opts)
	c.mu.Lock()
	c.client = client
	c.mu.Unlock()

	token := client.Connect()
	if !token.WaitTimeout(mqttConnectTimeout) {
		return newTimeoutError("MQTT connect timeout after %s", mqttConnectTimeout)
	}
	if err := token.Error(); err != nil {
		c.health.Update("mqtt", HealthUnhealthy, "connect failed", nil)
		return newTransportError(TransportMQTT, "connect failed", err)
	}
	return nil
}

func (c *MQTTClient) onConnect(client mqtt.Client) {
	c.mu.Lock()
	c.connected = true
	c.mu.Unlock()
	c.health.Update("mqtt", HealthHealthy, "connected to "+c.brokerURL(), nil)
	log.Infof("[MQTT] connected to %s", c.brokerURL())

	// Retained initial state, then the wildcard loopback subscription.
	di := c.state.DI()
	do := c.state.DO()
	for i := 0; i < NumChannels; i++ {
		c.Publish(fmt.Sprintf("edgeforce/io/di/%d", i+1), di[i], 1, true)
		c.Publish(fmt.Sprintf("edgeforce/io/do/%d", i+1), do[i], 1, true)
	}
	if token := client.Subscribe("edgeforce/#", 1, c.onMessage); token.Wait() && token.Error() != nil {
		log.Errorf("[MQTT] subscribe failed: %v", token.Error())
	}
}

func (c *MQTTClient) onConnectionLost(client mqtt.Client, err error) {
	c.mu.Lock()
	c.connected = false
	alreadyReconnecting := c.reconnecting
	closed := c.closed
	if !alreadyReconnecting && !closed {
		c.reconnecting = true
	}
	c.mu.Unlock()
	c.health.Update("mqtt", HealthDegraded, "connection lost", nil)
	log.Warnf("[MQTT] connection lost: %v", err)
	if alreadyReconnecting || closed {
		return
	}
	go c.reconnectLoop()
}

func (c *MQTTClient) reconnectLoop() {
	defer func() {
		c.mu.Lock()
		c.reconnecting = false
		c.mu.Unlock()
	}()
	backoff := mqttReconnectInitial
	for {
		c.mu.Lock()
		closed := c.closed
		client := c.client
		c.mu.Unlock()
		if closed {
			return
		}
		log.Infof("[MQTT] reconnecting in %s", backoff)
		time.Sleep(backoff)
		token := client.Connect()
		if token.WaitTimeout(mqttConnectTimeout) && token.Error() == nil {
			return
		}
		backoff *= 2
		if backoff > mqttReconnectMax {
			backoff = mqttReconnectMax
		}
	}
}

// onMessage handles the edgeforce/# loopback subscription. Commands are
// edgeforce/io/do/{n}/set with payload 0 or 1; bare edgeforce/io/{di|do}/{n}
// integers update the matching IOState channel.
func (c *MQTTClient) onMessage(client mqtt.Client, msg mqtt.Message) {
	parts := strings.Split(msg.Topic(), "/")
	if len(parts) < 4 || parts[0] != "edgeforce" || parts[1] != "io" {
		return
	}
	value, err := strconv.Atoi(strings.TrimSpace(string(msg.Payload())))
	if err != nil {
		return
	}
	channel, err := strconv.Atoi(parts[3])
	if err != nil || channel < 1 || channel > NumChannels {
		return
	}
	ch := channel - 1

	if len(parts) == 5 && parts[4] == "set" && parts[2] == "do" {
		log.Infof("[MQTT] set command: DO%d <- %d", channel, value)
		c.mu.Lock()
		handler := c.onDOCommand
		c.mu.Unlock()
		if handler != nil {
			handler(ch, value)
			return
		}
		if err := c.state.SetDO(ch, value); err != nil {
			log.Warnf("[MQTT] set command rejected: %v", err)
		}
		return
	}
	if len(parts) != 4 {
		return
	}
	switch parts[2] {
	case "di":
		if err := c.state.SetDI(ch, value); err != nil {
			log.Debugf("[MQTT] loopback DI update rejected: %v", err)
		}
	case "do":
		if err := c.state.SetDO(ch, value); err != nil {
			log.Debugf("[MQTT] loopback DO update rejected: %v", err)
		}
	}
}

// Publish sends a payload. Disabled clients no-op; while disconnected the
// message is dropped and counted. Structs marshal to JSON, scalars to
// their decimal form.
func (c *MQTTClient) Publish(topic string, payload any, qos byte, retain bool) error {
	if !c.cfg.Enabled {
		return nil
	}
	c.mu.Lock()
	client := c.client
	connected := c.connected
	c.mu.Unlock()
	if client == nil || !connected {
		c.mu.Lock()
		c.dropped++
		c.mu.Unlock()
		return nil
	}
	body, err := encodePayload(payload)
	if err != nil {
		return newValidationError("unencodable payload: %v", err)
	}
	return c.breaker.Call(func() error {
		token := client.Publish(topic, qos, retain, body)
		if !token.WaitTimeout(mqttPublishTimeout) {
			return newTransportError(TransportMQTT, "publish timeout", nil)
		}
		if err := token.Error(); err != nil {
			return newTransportError(TransportMQTT, "publish failed", err)
		}
		return nil
	})
}

func encodePayload(payload any) ([]byte, error) {
	switch v := payload.(type) {
	case []byte:
		return v, nil
	case string:
		return []byte(v), nil
	case int, int8, int16, int32, int64, uint, uint8, uint16, uint32, uint64:
		return []byte(fmt.Sprint(v)), nil
	case float32, float64:
		return []byte(fmt.Sprint(v)), nil
	default:
		return json.Marshal(v)
	}
}

// Connected reports the live broker session.
func (c *MQTTClient) Connected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.connected
}

// Enabled reports whether publishing is configured at all.
func (c *MQTTClient) Enabled() bool {
	return c.cfg.Enabled
}

// Dropped counts messages discarded while disconnected.
func (c *MQTTClient) Dropped() uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.dropped
}

// BreakerState exposes the publish breaker.
func (c *MQTTClient) BreakerState() BreakerSnapshot {
	return c.breaker.State()
}

// Disconnect closes the session and stops reconnection.
func (c *MQTTClient) Disconnect() {
	c.mu.Lock()
	c.closed = true
	client := c.client
	connected := c.connected
	c.connected = false
	c.mu.Unlock()
	if client != nil && connected {
		client.Disconnect(250)
	}
}
