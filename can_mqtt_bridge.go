package efio

import (
	"fmt"
	"strings"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"
)

// CAN payload formats
const (
	CANFormatJSON      = "json"
	CANFormatRawHex    = "raw_hex"
	CANFormatDataArray = "data_array"
)

// CANMapping binds one CAN ID to an MQTT topic with change detection and
// rate limiting.
type CANMapping struct {
	ID              string `json:"id"`
	CANID           uint32 `json:"can_id"`
	Topic           string `json:"topic"`
	Name            string `json:"name"`
	Enabled         bool   `json:"enabled"`
	PublishOnChange bool   `json:"publish_on_change"`
	MinIntervalMs   int    `json:"min_interval_ms"`
	QoS             byte   `json:"qos"`
	Format          string `json:"format"`
}

func (m *CANMapping) Validate() error {
	if m.ID == "" {
		return newValidationError("mapping id is required")
	}
	if m.Topic == "" {
		return newValidationError("mapping topic is required")
	}
	if m.MinIntervalMs < 0 {
		return newValidationError("min_interval_ms must not be negative")
	}
	if m.QoS > 2 {
		return newValidationError("qos %d must be 0, 1 or 2", m.QoS)
	}
	switch m.Format {
	case "", CANFormatJSON, CANFormatRawHex, CANFormatDataArray:
	default:
		return newValidationError("unknown format %q", m.Format)
	}
	return nil
}

// CANBridgeStats are the global bridge counters.
type CANBridgeStats struct {
	MessagesReceived  uint64  `json:"messages_received"`
	MessagesPublished uint64  `json:"messages_published"`
	MessagesDropped   uint64  `json:"messages_dropped"`
	Errors            uint64  `json:"errors"`
	PublishRate       float64 `json:"publish_rate"`
}

// CANMappingDetail is the per-mapping view in the status surface.
type CANMappingDetail struct {
	ID           string     `json:"id"`
	Name         string     `json:"name"`
	CANID        string     `json:"can_id"`
	Topic        string     `json:"topic"`
	MessageCount uint64     `json:"message_count"`
	LastPublish  *time.Time `json:"last_publish,omitempty"`
}

// CANBridgeStatus is the bridge status surface.
type CANBridgeStatus struct {
	Running         bool               `json:"running"`
	CANConnected    bool               `json:"can_connected"`
	MQTTConnected   bool               `json:"mqtt_connected"`
	MappingsCount   int                `json:"mappings_count"`
	EnabledMappings int                `json:"enabled_mappings"`
	UptimeSeconds   *float64           `json:"uptime_seconds"`
	Statistics      CANBridgeStats     `json:"statistics"`
	MappingDetails  []CANMappingDetail `json:"mapping_details"`
}

// canBridgeJSONPayload is the structured "json" format.
type canBridgeJSONPayload struct {
	CANID         string   `json:"can_id"`
	CANIDDecimal  uint32   `json:"can_id_decimal"`
	DLC           uint8    `json:"dlc"`
	DataHex       []string `json:"data_hex"`
	DataDecimal   []int    `json:"data_decimal"`
	Extended      bool     `json:"extended"`
	Timestamp     string   `json:"timestamp"`
	TimestampUnix float64  `json:"timestamp_unix"`
	DeviceName    string   `json:"device_name"`
}

// CANMQTTBridge subscribes to the CAN manager's fan-out and republishes
// matching frames to MQTT with per-mapping change detection, rate limiting
// and formatting. Frames are never retained.
type CANMQTTBridge struct {
	can *CANManager
	pub Publisher

	mu       sync.Mutex
	mappings []CANMapping
	running  bool
	cancel   func()
	wg       sync.WaitGroup

	stats       CANBridgeStats
	startTime   time.Time
	lastPublish map[string]time.Time
	lastValue   map[string]string
	counts      map[string]uint64
}

func NewCANMQTTBridge(can *CANManager, pub Publisher) *CANMQTTBridge {
	return &CANMQTTBridge{
		can:         can,
		pub:         pub,
		lastPublish: map[string]time.Time{},
		lastValue:   map[string]string{},
		counts:      map[string]uint64{},
	}
}

// SetMappings replaces the mapping list and resets per-mapping tracking
// for new entries.
func (b *CANMQTTBridge) SetMappings(mappings []CANMapping) error {
	for i := range mappings {
		if err := mappings[i].Validate(); err != nil {
			return err
		}
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	b.mappings = mappings
	enabled := 0
	for _, m := range mappings {
		if m.Enabled {
			enabled++
		}
		if _, ok := b.counts[m.ID]; !ok {
			b.counts[m.ID] = 0
		}
	}
	log.Infof("[CAN-BRIDGE] loaded %d mapping(s) (%d enabled)", len(mappings), enabled)
	return nil
}

func (b *CANMQTTBridge) Mappings() []CANMapping {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]CANMapping, len(b.mappings))
	copy(out, b.mappings)
	return out
}

func (b *CANMQTTBridge) enabledCount() int {
	count := 0
	for _, m := range b.mappings {
		if m.Enabled {
			count++
		}
	}
	return count
}

// Start refuses without MQTT or enabled mappings. A missing CAN device is
// only a warning; frames may arrive after a later connect.
func (b *CANMQTTBridge) Start() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.running {
		return newConflictError("CAN bridge already running")
	}
	if !b.pub.Enabled() {
		return newConflictError("cannot start bridge: MQTT is disabled")
	}
	if b.enabledCount() == 0 {
		return newConflictError("cannot start bridge: no enabled mappings")
	}
	if !b.can.Connected() && len(b.can.Devices()) == 0 {
		log.Warn("[CAN-BRIDGE] no CAN device detected, bridge will idle until frames arrive")
	}

	entries, cancel := b.can.Subscribe(256)
	b.cancel = cancel
	b.running = true
	b.startTime = time.Now()
	b.wg.Add(1)
	go func() {
		defer b.wg.Done()
		for entry := range entries {
			if entry.Direction != DirectionRX {
				continue
			}
			b.handleFrame(entry)
		}
	}()
	log.Infof("[CAN-BRIDGE] started with %d mapping(s)", b.enabledCount())
	return nil
}

// Stop unsubscribes from the CAN manager.
func (b *CANMQTTBridge) Stop() {
	b.mu.Lock()
	if !b.running {
		b.mu.Unlock()
		return
	}
	b.running = false
	cancel := b.cancel
	b.cancel = nil
	b.mu.Unlock()
	cancel()
	if !waitTimeout(&b.wg, 3*time.Second) {
		log.Warn("[CAN-BRIDGE] subscriber did not stop within 3s")
	}
	log.Info("[CAN-BRIDGE] stopped")
}

func (b *CANMQTTBridge) Running() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.running
}

func (b *CANMQTTBridge) handleFrame(entry CANLogEntry) {
	b.mu.Lock()
	b.stats.MessagesReceived++
	mappings := make([]CANMapping, 0, len(b.mappings))
	for _, m := range b.mappings {
		if m.Enabled && m.CANID == entry.CANID {
			mappings = append(mappings, m)
		}
	}
	b.mu.Unlock()

	for _, mapping := range mappings {
		b.processMapping(mapping, entry)
	}
}

func dataHexString(data []int) string {
	parts := make([]string, len(data))
	for i, v := range data {
		parts[i] = fmt.Sprintf("%02X", v)
	}
	return strings.Join(parts, " ")
}

func (b *CANMQTTBridge) processMapping(mapping CANMapping, entry CANLogEntry) {
	dataHex := dataHexString(entry.Data)
	now := time.Now()

	b.mu.Lock()
	if last, seen := b.lastValue[mapping.ID]; mapping.PublishOnChange && seen && last == dataHex {
		b.stats.MessagesDropped++
		b.mu.Unlock()
		return
	}
	if mapping.MinIntervalMs > 0 {
		if last, ok := b.lastPublish[mapping.ID]; ok &&
			now.Sub(last) < time.Duration(mapping.MinIntervalMs)*time.Millisecond {
			b.stats.MessagesDropped++
			b.mu.Unlock()
			return
		}
	}
	b.mu.Unlock()

	payload := b.formatPayload(mapping, entry)
	if err := b.pub.Publish(mapping.Topic, payload, mapping.QoS, false); err != nil {
		b.mu.Lock()
		b.stats.Errors++
		b.mu.Unlock()
		log.Warnf("[CAN-BRIDGE] publish %s: %v", mapping.Topic, err)
		return
	}

	b.mu.Lock()
	b.stats.MessagesPublished++
	b.counts[mapping.ID]++
	b.lastPublish[mapping.ID] = now
	b.lastValue[mapping.ID] = dataHex
	b.mu.Unlock()
}

func (b *CANMQTTBridge) formatPayload(mapping CANMapping, entry CANLogEntry) any {
	switch mapping.Format {
	case CANFormatRawHex:
		parts := make([]string, len(entry.Data))
		for i, v := range entry.Data {
			parts[i] = fmt.Sprintf("%02X", v)
		}
		return strings.Join(parts, "")
	case CANFormatDataArray:
		return entry.Data
	default:
		hexData := make([]string, len(entry.Data))
		for i, v := range entry.Data {
			hexData[i] = fmt.Sprintf("0x%02X", v)
		}
		return canBridgeJSONPayload{
			CANID:         fmt.Sprintf("0x%03X", entry.CANID),
			CANIDDecimal:  entry.CANID,
			DLC:           entry.DLC,
			DataHex:       hexData,
			DataDecimal:   entry.Data,
			Extended:      entry.Extended,
			Timestamp:     entry.Timestamp.Format(time.RFC3339Nano),
			TimestampUnix: float64(time.Now().UnixNano()) / 1e9,
			DeviceName:    mapping.Name,
		}
	}
}

// Status returns the global and per-mapping statistics.
func (b *CANMQTTBridge) Status() CANBridgeStatus {
	b.mu.Lock()
	defer b.mu.Unlock()
	status := CANBridgeStatus{
		Running:         b.running,
		CANConnected:    b.can.Connected(),
		MQTTConnected:   b.pub.Connected(),
		MappingsCount:   len(b.mappings),
		EnabledMappings: b.enabledCount(),
		Statistics:      b.stats,
	}
	if b.running && !b.startTime.IsZero() {
		uptime := time.Since(b.startTime).Seconds()
		status.UptimeSeconds = &uptime
		if uptime > 0 {
			status.Statistics.PublishRate = roundTo(float64(b.stats.MessagesPublished)/uptime, 2)
		}
	}
	for _, mapping := range b.mappings {
		if !mapping.Enabled {
			continue
		}
		detail := CANMappingDetail{
			ID:           mapping.ID,
			Name:         mapping.Name,
			CANID:        fmt.Sprintf("0x%03X", mapping.CANID),
			Topic:        mapping.Topic,
			MessageCount: b.counts[mapping.ID],
		}
		if last, ok := b.lastPublish[mapping.ID]; ok {
			t := last
			detail.LastPublish = &t
		}
		status.MappingDetails = append(status.MappingDetails, detail)
	}
	return status
}

// ResetStatistics clears global and per-mapping counters.
func (b *CANMQTTBridge) ResetStatistics() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.stats = CANBridgeStats{}
	if b.running {
		b.startTime = time.Now()
	}
	for id := range b.counts {
		b.counts[id] = 0
	}
	log.Info("[CAN-BRIDGE] statistics reset")
}
