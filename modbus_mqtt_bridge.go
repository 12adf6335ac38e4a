package efio

import (
	"sync"
	"time"

	log "github.com/sirupsen/logrus"
)

// ModbusMapping binds one register read to an MQTT topic.
type ModbusMapping struct {
	ID           string         `json:"id"`
	DeviceID     string         `json:"device_id"`
	Register     uint16         `json:"register"`
	FunctionCode int            `json:"function_code"` // 3 or 4
	Topic        string         `json:"topic"`
	Name         string         `json:"name"`
	Unit         string         `json:"unit,omitempty"`
	Enabled      bool           `json:"enabled"`
	Scaling      *ModbusScaling `json:"scaling,omitempty"`
}

func (m *ModbusMapping) Validate() error {
	if m.ID == "" {
		return newValidationError("mapping id is required")
	}
	if m.DeviceID == "" {
		return newValidationError("mapping device_id is required")
	}
	if m.FunctionCode != FCReadHolding && m.FunctionCode != FCReadInput {
		return newValidationError("mapping function_code %d must be 3 or 4", m.FunctionCode)
	}
	if m.Topic == "" {
		return newValidationError("mapping topic is required")
	}
	return nil
}

// modbusBridgePayload is the JSON published per register.
type modbusBridgePayload struct {
	Value     float64 `json:"value"`
	Unit      string  `json:"unit"`
	Timestamp string  `json:"timestamp"`
}

const (
	defaultBridgePollInterval = time.Second
	minBridgePollInterval     = 500 * time.Millisecond
)

// ModbusMQTTBridge polls mapped registers and publishes scaled values as
// retained JSON. One poller serves all mappings, iterated in order;
// per-mapping errors never stop the cycle.
type ModbusMQTTBridge struct {
	manager *ModbusManager
	pub     Publisher

	mu           sync.Mutex
	mappings     []ModbusMapping
	pollInterval time.Duration
	running      bool
	stop         chan struct{}
	wg           sync.WaitGroup
}

func NewModbusMQTTBridge(manager *ModbusManager, pub Publisher) *ModbusMQTTBridge {
	return &ModbusMQTTBridge{
		manager:      manager,
		pub:          pub,
		pollInterval: defaultBridgePollInterval,
	}
}

// SetMappings replaces the mapping list.
func (b *ModbusMQTTBridge) SetMappings(mappings []ModbusMapping) error {
	for i := range mappings {
		if err := mappings[i].Validate(); err != nil {
			return err
		}
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	b.mappings = mappings
	log.Infof("[BRIDGE] loaded %d Modbus mapping(s)", len(mappings))
	return nil
}

func (b *ModbusMQTTBridge) Mappings() []ModbusMapping {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]ModbusMapping, len(b.mappings))
	copy(out, b.mappings)
	return out
}

// SetPollInterval applies the interval with a 500ms floor.
func (b *ModbusMQTTBridge) SetPollInterval(interval time.Duration) {
	if interval < minBridgePollInterval {
		interval = minBridgePollInterval
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	b.pollInterval = interval
}

func (b *ModbusMQTTBridge) enabledCount() int {
	count := 0
	for _, m := range b.mappings {
		if m.Enabled {
			count++
		}
	}
	return count
}

// Start refuses without MQTT or without at least one enabled mapping.
func (b *ModbusMQTTBridge) Start() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.running {
		return newConflictError("Modbus bridge already running")
	}
	if !b.pub.Enabled() {
		return newConflictError("cannot start bridge: MQTT is disabled")
	}
	if b.enabledCount() == 0 {
		return newConflictError("cannot start bridge: no enabled mappings")
	}
	b.running = true
	b.stop = make(chan struct{})
	b.wg.Add(1)
	go b.pollLoop(b.stop)
	log.Infof("[BRIDGE] Modbus bridge started with %d mapping(s)", b.enabledCount())
	return nil
}

// Stop joins the poller.
func (b *ModbusMQTTBridge) Stop() {
	b.mu.Lock()
	if !b.running {
		b.mu.Unlock()
		return
	}
	b.running = false
	close(b.stop)
	b.mu.Unlock()
	if !waitTimeout(&b.wg, 3*time.Second) {
		log.Warn("[BRIDGE] Modbus poller did not stop within 3s")
	}
	log.Info("[BRIDGE] Modbus bridge stopped")
}

func (b *ModbusMQTTBridge) Running() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.running
}

func (b *ModbusMQTTBridge) pollLoop(stop chan struct{}) {
	defer b.wg.Done()
	log.Info("[BRIDGE] Modbus polling started")
	for {
		b.mu.Lock()
		interval := b.pollInterval
		mappings := make([]ModbusMapping, len(b.mappings))
		copy(mappings, b.mappings)
		b.mu.Unlock()

		for _, mapping := range mappings {
			select {
			case <-stop:
				return
			default:
			}
			if !mapping.Enabled {
				continue
			}
			b.pollMapping(mapping)
		}

		select {
		case <-stop:
			return
		case <-time.After(interval):
		}
	}
}

func (b *ModbusMQTTBridge) pollMapping(mapping ModbusMapping) {
	device, err := b.manager.GetDevice(mapping.DeviceID)
	if err != nil || !device.Connected {
		return
	}
	results, err := b.manager.Read(ModbusReadRequest{
		DeviceID:     mapping.DeviceID,
		Register:     mapping.Register,
		Count:        1,
		FunctionCode: mapping.FunctionCode,
	})
	if err != nil {
		// A silent slave is routine on a polled bus, keep it out of the log.
		if TransportKindOf(err) != TransportNoResponse && err != ErrBreakerOpen {
			log.Warnf("[BRIDGE] error reading %s: %v", mapping.Name, err)
		}
		return
	}
	value := mapping.Scaling.Apply(float64(results[0].Value))
	payload := modbusBridgePayload{
		Value:     value,
		Unit:      mapping.Unit,
		Timestamp: time.Now().Format(time.RFC3339Nano),
	}
	if err := b.pub.Publish(mapping.Topic, payload, 1, true); err != nil {
		log.Warnf("[BRIDGE] publish %s: %v", mapping.Topic, err)
	}
}

// ModbusBridgeStatus is the status surface.
type ModbusBridgeStatus struct {
	Running         bool    `json:"running"`
	MQTTConnected   bool    `json:"mqtt_connected"`
	MappingsCount   int     `json:"mappings_count"`
	EnabledMappings int     `json:"enabled_mappings"`
	PollInterval    float64 `json:"poll_interval"`
}

func (b *ModbusMQTTBridge) Status() ModbusBridgeStatus {
	b.mu.Lock()
	defer b.mu.Unlock()
	return ModbusBridgeStatus{
		Running:         b.running,
		MQTTConnected:   b.pub.Connected(),
		MappingsCount:   len(b.mappings),
		EnabledMappings: b.enabledCount(),
		PollInterval:    b.pollInterval.Seconds(),
	}
}
