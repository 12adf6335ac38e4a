package efio

import (
	"fmt"
	"sort"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"
	"periph.io/x/conn/v3/spi/spireg"
)

// CANControllerConfig selects and parameterizes the controller backend.
type CANControllerConfig struct {
	Driver    string `json:"driver"` // "mcp2515", "socketcan", "virtualcan"
	SPIPort   string `json:"spi_port,omitempty"`
	Interface string `json:"interface,omitempty"`
	Bitrate   int    `json:"bitrate"`
	CrystalHz int    `json:"crystal_hz,omitempty"`
}

// ControllerFactory builds a Controller from config. Injected so tests can
// supply an in-memory controller.
type ControllerFactory func(cfg CANControllerConfig) (Controller, error)

// DefaultControllerFactory opens the backend named by cfg.Driver.
func DefaultControllerFactory(cfg CANControllerConfig) (Controller, error) {
	switch cfg.Driver {
	case "", "mcp2515":
		crystal := cfg.CrystalHz
		if crystal == 0 {
			crystal = Crystal8MHz
		}
		port, err := spireg.Open(cfg.SPIPort)
		if err != nil {
			return nil, newTransportError(TransportSPI, "spi open failed", err)
		}
		return NewMCP2515(port, crystal)
	case "socketcan":
		return NewSocketCANController(cfg.Interface), nil
	case "virtualcan":
		return NewVirtualCANController(cfg.Interface), nil
	default:
		return nil, newValidationError("unknown CAN driver %q", cfg.Driver)
	}
}

// CANStats are the manager-wide counters. DeviceTimeouts counts unique
// timeout events only.
type CANStats struct {
	RXTotal          uint64 `json:"rx_total"`
	TXTotal          uint64 `json:"tx_total"`
	Errors           uint64 `json:"errors"`
	Overruns         uint64 `json:"overruns"`
	HardwareFailures uint64 `json:"hardware_failures"`
	DeviceTimeouts   uint64 `json:"device_timeouts"`
	AutoCleanups     uint64 `json:"auto_cleanups"`
}

// CANStatus is the manager status surface.
type CANStatus struct {
	Connected    bool            `json:"connected"`
	Bitrate      int             `json:"bitrate"`
	DevicesCount int             `json:"devices_count"`
	AliveDevices int             `json:"alive_devices"`
	Uptime       *float64        `json:"uptime,omitempty"`
	Stats        CANStats        `json:"statistics"`
	HWBreaker    BreakerSnapshot `json:"hardware_circuit_breaker"`
}

// BitrateDetectionResult reports one autodetect run.
type BitrateDetectionResult struct {
	Detected bool                    `json:"detected"`
	Bitrate  int                     `json:"bitrate,omitempty"`
	Tried    []BitrateCandidateScore `json:"tried"`
}

type BitrateCandidateScore struct {
	Bitrate  int `json:"bitrate"`
	Messages int `json:"messages"`
	Errors   int `json:"errors"`
	Score    int `json:"score"`
}

// NodeScanEntry is one CAN ID observed during a node scan.
type NodeScanEntry struct {
	CANID    uint32    `json:"can_id"`
	Count    int       `json:"count"`
	LastSeen time.Time `json:"last_seen"`
}

const (
	canRXMaxErrors     = 10
	canLivenessPeriod  = 5 * time.Second
	canObserveWindow   = 5 * time.Second
	canDetectMinFrames = 10
	canDetectMinScore  = 5
)

// detectBitrateCandidates is the probe order for autodetect.
var detectBitrateCandidates = []int{125_000, 250_000, 500_000, 1_000_000, 100_000, 50_000}

// CANManager owns the CAN controller: single RX fan-out, per-device
// liveness with single-count timeout events, hardware circuit breaker and
// the bounded message log.
type CANManager struct {
	mu sync.RWMutex

	factory   ControllerFactory
	cfg       CANControllerConfig
	ctrl      Controller
	connected bool

	devices        map[string]*CANDevice
	deviceBreakers map[string]*CircuitBreaker
	filters        []CANFilter

	hwBreaker *CircuitBreaker
	msgLog    *Fifo[CANLogEntry]
	stats     CANStats
	startTime time.Time

	health *HealthRegistry

	// observeWindow is the bus observation period for autodetect and node
	// scans; shortened in tests.
	observeWindow time.Duration

	stop chan struct{}
	wg   sync.WaitGroup

	subMu     sync.Mutex
	subs      map[int]chan CANLogEntry
	nextSubID int
}

func NewCANManager(factory ControllerFactory, cfg CANControllerConfig, health *HealthRegistry) *CANManager {
	if factory == nil {
		factory = DefaultControllerFactory
	}
	isTransport := func(err error) bool {
		kind := KindOf(err)
		return kind == ErrKindTransport || kind == ErrKindTimeout
	}
	return &CANManager{
		factory:        factory,
		cfg:            cfg,
		devices:        map[string]*CANDevice{},
		deviceBreakers: map[string]*CircuitBreaker{},
		hwBreaker:      NewCircuitBreaker("can-hardware", 5, 30*time.Second, isTransport),
		msgLog:         NewFifo[CANLogEntry](1000),
		health:         health,
		observeWindow:  canObserveWindow,
		subs:           map[int]chan CANLogEntry{},
	}
}

// ================================
// Connection management
// ================================

// Connect opens the controller under retry and the hardware breaker, then
// starts the RX and liveness loops.
func (m *CANManager) Connect() error {
	m.mu.Lock()
	if m.connected {
		m.mu.Unlock()
		return newConflictError("CAN already connected")
	}
	cfg := m.cfg
	m.mu.Unlock()

	var ctrl Controller
	err := Retry(RetryConfig{MaxRetries: 3, InitialDelay: time.Second, Base: 2}, func() error {
		return m.hwBreaker.Call(func() error {
			var initErr error
			ctrl, initErr = m.factory(cfg)
			if initErr != nil {
				return initErr
			}
			if initErr = ctrl.Init(cfg.Bitrate); initErr != nil {
				ctrl.Close()
				return initErr
			}
			return nil
		})
	})
	if err != nil {
		m.mu.Lock()
		m.stats.HardwareFailures++
		m.mu.Unlock()
		m.health.Update("can", HealthUnhealthy, fmt.Sprintf("connection failed: %v", err), nil)
		log.Errorf("[CAN] connection failed: %v", err)
		return err
	}

	m.mu.Lock()
	m.ctrl = ctrl
	m.connected = true
	m.startTime = time.Now()
	m.stop = make(chan struct{})
	m.wg.Add(2)
	go m.rxLoop(m.stop)
	go m.livenessLoop(m.stop)
	m.mu.Unlock()

	m.health.Update("can", HealthHealthy, fmt.Sprintf("connected at %d bps", cfg.Bitrate), nil)
	log.Infof("[CAN] connected at %d bps", cfg.Bitrate)
	return nil
}

// Disconnect stops the loops and closes the controller.
func (m *CANManager) Disconnect() error {
	m.mu.Lock()
	if !m.connected {
		m.mu.Unlock()
		return newConflictError("CAN not connected")
	}
	m.connected = false
	close(m.stop)
	ctrl := m.ctrl
	m.ctrl = nil
	m.mu.Unlock()

	if !waitTimeout(&m.wg, 3*time.Second) {
		log.Warn("[CAN] loops did not stop within 3s")
	}
	if ctrl != nil {
		if err := ctrl.Close(); err != nil {
			log.Warnf("[CAN] controller close: %v", err)
		}
	}
	m.health.Update("can", HealthDegraded, "disconnected", nil)
	log.Info("[CAN] disconnected")
	return nil
}

func (m *CANManager) Connected() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.connected
}

// cleanupOnHardwareFailure tears the connection down after the controller
// stopped responding: device liveness is cleared, health goes unhealthy
// and the hardware breaker is forced open. Runs the disconnect in a
// separate goroutine so RX/liveness loops can invoke it and return.
func (m *CANManager) cleanupOnHardwareFailure(reason string) {
	log.Warnf("[CAN] hardware cleanup triggered: %s", reason)
	m.mu.Lock()
	for _, device := range m.devices {
		device.lastRX = time.Time{}
		device.lastSeen = time.Time{}
	}
	m.stats.AutoCleanups++
	m.mu.Unlock()

	m.hwBreaker.ForceOpen()
	m.health.Update("can", HealthUnhealthy, "hardware disconnected: "+reason, nil)
	go func() {
		if err := m.Disconnect(); err != nil && KindOf(err) != ErrKindConflict {
			log.Warnf("[CAN] cleanup disconnect: %v", err)
		}
	}()
}

// checkHardwareHealth probes CANSTAT through the breaker.
func (m *CANManager) checkHardwareHealth() bool {
	m.mu.RLock()
	ctrl := m.ctrl
	m.mu.RUnlock()
	if ctrl == nil {
		return false
	}
	err := m.hwBreaker.Call(func() error {
		_, probeErr := ctrl.ReadRegister(regCANSTAT)
		return probeErr
	})
	if err != nil {
		m.mu.Lock()
		m.stats.HardwareFailures++
		m.mu.Unlock()
		log.Warnf("[CAN] hardware health check failed: %v", err)
		return false
	}
	return true
}

// ================================
// RX loop
// ================================

func (m *CANManager) rxLoop(stop chan struct{}) {
	defer m.wg.Done()
	log.Info("[CAN] RX loop started")
	consecutiveErrors := 0
	for {
		select {
		case <-stop:
			log.Info("[CAN] RX loop stopped")
			return
		default:
		}
		m.mu.RLock()
		ctrl := m.ctrl
		connected := m.connected
		m.mu.RUnlock()
		if !connected || ctrl == nil {
			time.Sleep(100 * time.Millisecond)
			continue
		}

		var frame *CANFrame
		err := m.hwBreaker.Call(func() error {
			avail, availErr := ctrl.Available()
			if availErr != nil {
				return availErr
			}
			if !avail {
				return nil
			}
			var readErr error
			frame, readErr = ctrl.ReadMessage()
			return readErr
		})
		if err != nil {
			if err != ErrBreakerOpen {
				consecutiveErrors++
				m.mu.Lock()
				m.stats.Errors++
				m.mu.Unlock()
				log.Warnf("[CAN] RX error (%d consecutive): %v", consecutiveErrors, err)
			}
			if consecutiveErrors >= canRXMaxErrors {
				m.cleanupOnHardwareFailure(fmt.Sprintf("RX errors: %d", consecutiveErrors))
				return
			}
			time.Sleep(100 * time.Millisecond)
			continue
		}
		if frame == nil {
			time.Sleep(time.Millisecond)
			continue
		}
		consecutiveErrors = 0
		m.handleRXFrame(*frame)
	}
}

// handleRXFrame stamps, counts, logs and fans a received frame out.
// Per matching enabled device: rx_count +1, last_rx_time advances
// monotonically, breaker cleared.
func (m *CANManager) handleRXFrame(frame CANFrame) {
	if frame.Timestamp.IsZero() {
		frame.Timestamp = time.Now()
	}
	frame.Direction = DirectionRX
	entry := frame.LogEntry()

	m.mu.Lock()
	m.stats.RXTotal++
	for _, device := range m.devices {
		if device.CANID != frame.ID || !device.Enabled {
			continue
		}
		device.rxCount++
		device.lastSeen = frame.Timestamp
		if frame.Timestamp.After(device.lastRX) {
			device.lastRX = frame.Timestamp
		}
		if breaker, ok := m.deviceBreakers[device.ID]; ok {
			breaker.RecordSuccess()
		}
	}
	m.mu.Unlock()

	m.msgLog.Push(entry)
	m.publish(entry)
}

func (m *CANManager) publish(entry CANLogEntry) {
	m.subMu.Lock()
	defer m.subMu.Unlock()
	for _, ch := range m.subs {
		select {
		case ch <- entry:
		default:
			m.mu.Lock()
			m.stats.Overruns++
			m.mu.Unlock()
		}
	}
}

// Subscribe registers a buffered channel receiving every RX and TX log
// entry. Slow subscribers lose entries instead of stalling the RX loop.
func (m *CANManager) Subscribe(buffer int) (<-chan CANLogEntry, func()) {
	if buffer <= 0 {
		buffer = 128
	}
	ch := make(chan CANLogEntry, buffer)
	m.subMu.Lock()
	id := m.nextSubID
	m.nextSubID++
	m.subs[id] = ch
	m.subMu.Unlock()
	return ch, func() {
		m.subMu.Lock()
		if c, ok := m.subs[id]; ok {
			delete(m.subs, id)
			close(c)
		}
		m.subMu.Unlock()
	}
}

// ================================
// Liveness
// ================================

func (m *CANManager) livenessLoop(stop chan struct{}) {
	defer m.wg.Done()
	log.Info("[CAN] liveness loop started")
	ticker := time.NewTicker(canLivenessPeriod)
	defer ticker.Stop()
	for {
		select {
		case <-stop:
			log.Info("[CAN] liveness loop stopped")
			return
		case <-ticker.C:
		}
		if !m.checkHardwareHealth() {
			m.cleanupOnHardwareFailure("hardware unresponsive")
			return
		}
		m.checkDeviceTimeouts()
	}
}

// checkDeviceTimeouts counts exactly one timeout event per alive->dead
// transition; recovery re-arms counting and is logged.
func (m *CANManager) checkDeviceTimeouts() {
	now := time.Now()
	type timedOut struct {
		id, name string
		canID    uint32
		since    time.Duration
	}
	var fresh []timedOut

	m.mu.Lock()
	for _, device := range m.devices {
		if !device.Enabled || device.lastRX.IsZero() {
			continue
		}
		if !device.alive(now) {
			if !device.timeoutLatched {
				device.timeoutLatched = true
				m.stats.DeviceTimeouts++
				fresh = append(fresh, timedOut{device.ID, device.Name, device.CANID, now.Sub(device.lastRX)})
			}
			if breaker, ok := m.deviceBreakers[device.ID]; ok {
				breaker.RecordFailure()
			}
		} else if device.timeoutLatched {
			device.timeoutLatched = false
			log.Infof("[CAN] device %s recovered (receiving messages)", device.Name)
		}
	}
	m.mu.Unlock()

	for _, t := range fresh {
		log.Warnf("[CAN] device %s timeout (%.1fs since last RX)", t.name, t.since.Seconds())
		m.health.Update("can", HealthDegraded, fmt.Sprintf("device %s timeout", t.name),
			map[string]any{"device_id": t.id, "can_id": t.canID})
	}
}

// ================================
// Transmission
// ================================

// Send transmits a frame through the hardware breaker. A success is
// recorded in the log and counters; on failure a health probe decides
// whether the controller is gone.
func (m *CANManager) Send(canID uint32, data []byte, extended bool) error {
	if len(data) > 8 {
		return newValidationError("CAN data must be 8 bytes or less, got %d", len(data))
	}
	m.mu.RLock()
	ctrl := m.ctrl
	connected := m.connected
	m.mu.RUnlock()
	if !connected || ctrl == nil {
		return newConflictError("CAN not connected")
	}

	frame := CANFrame{
		ID:        canID,
		DLC:       uint8(len(data)),
		Extended:  extended,
		Direction: DirectionTX,
		Timestamp: time.Now(),
	}
	copy(frame.Data[:], data)

	err := m.hwBreaker.Call(func() error {
		return ctrl.SendMessage(frame)
	})
	if err != nil {
		m.mu.Lock()
		m.stats.Errors++
		m.mu.Unlock()
		log.Errorf("[CAN] send error: %v", err)
		if err != ErrBreakerOpen && !m.checkHardwareHealth() {
			m.cleanupOnHardwareFailure(fmt.Sprintf("TX error: %v", err))
		}
		return err
	}

	m.mu.Lock()
	m.stats.TXTotal++
	for _, device := range m.devices {
		if device.CANID == canID {
			device.txCount++
		}
	}
	m.mu.Unlock()

	entry := frame.LogEntry()
	m.msgLog.Push(entry)
	m.publish(entry)
	log.Debugf("[CAN] TX id=0x%03X dlc=%d", canID, len(data))
	return nil
}

// ================================
// Device registry
// ================================

func (m *CANManager) AddDevice(device CANDevice) error {
	if err := device.Validate(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, exists := m.devices[device.ID]; exists {
		return newConflictError("CAN device %s already exists", device.ID)
	}
	d := device
	m.devices[device.ID] = &d
	m.deviceBreakers[device.ID] = NewCircuitBreaker("can-"+device.ID, 3, 60*time.Second, nil)
	log.Infof("[CAN] added device %s (id=0x%03X)", device.Name, device.CANID)
	return nil
}

func (m *CANManager) UpdateDevice(device CANDevice) error {
	if err := device.Validate(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	existing, ok := m.devices[device.ID]
	if !ok {
		return newNotFoundError("CAN device %s not found", device.ID)
	}
	// Preserve runtime counters across config updates.
	device.rxCount = existing.rxCount
	device.txCount = existing.txCount
	device.lastSeen = existing.lastSeen
	device.lastRX = existing.lastRX
	device.timeoutLatched = existing.timeoutLatched
	*existing = device
	return nil
}

// RemoveDevice forgets a device and releases its breaker.
func (m *CANManager) RemoveDevice(deviceID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	device, ok := m.devices[deviceID]
	if !ok {
		return newNotFoundError("CAN device %s not found", deviceID)
	}
	delete(m.devices, deviceID)
	delete(m.deviceBreakers, deviceID)
	log.Infof("[CAN] removed device %s", device.Name)
	return nil
}

func (m *CANManager) GetDevice(deviceID string) (CANDeviceStatus, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	device, ok := m.devices[deviceID]
	if !ok {
		return CANDeviceStatus{}, newNotFoundError("CAN device %s not found", deviceID)
	}
	return m.deviceStatusLocked(device), nil
}

func (m *CANManager) Devices() []CANDeviceStatus {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]CANDeviceStatus, 0, len(m.devices))
	for _, device := range m.devices {
		out = append(out, m.deviceStatusLocked(device))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

func (m *CANManager) deviceStatusLocked(device *CANDevice) CANDeviceStatus {
	status := CANDeviceStatus{
		CANDevice: *device,
		RXCount:   device.rxCount,
		TXCount:   device.txCount,
		Alive:     device.alive(time.Now()),
	}
	if !device.lastSeen.IsZero() {
		t := device.lastSeen
		status.LastSeen = &t
	}
	if !device.lastRX.IsZero() {
		t := device.lastRX
		status.LastRX = &t
	}
	return status
}

// SetDeviceTimeout adjusts the liveness threshold, bounds 5..300 s.
func (m *CANManager) SetDeviceTimeout(deviceID string, seconds int) error {
	if seconds < minCANTimeoutSeconds || seconds > maxCANTimeoutSeconds {
		return newValidationError("timeout_threshold %d out of range %d..%d seconds",
			seconds, minCANTimeoutSeconds, maxCANTimeoutSeconds)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	device, ok := m.devices[deviceID]
	if !ok {
		return newNotFoundError("CAN device %s not found", deviceID)
	}
	device.TimeoutThreshold = seconds
	return nil
}

// DeviceBreaker exposes a device breaker snapshot.
func (m *CANManager) DeviceBreaker(deviceID string) (BreakerSnapshot, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	breaker, ok := m.deviceBreakers[deviceID]
	if !ok {
		return BreakerSnapshot{}, newNotFoundError("CAN device %s not found", deviceID)
	}
	return breaker.State(), nil
}

// ResetDeviceBreaker clears a device breaker.
func (m *CANManager) ResetDeviceBreaker(deviceID string) error {
	m.mu.RLock()
	breaker, ok := m.deviceBreakers[deviceID]
	m.mu.RUnlock()
	if !ok {
		return newNotFoundError("CAN device %s not found", deviceID)
	}
	breaker.Reset()
	return nil
}

// ResetHardwareBreaker clears the hardware breaker.
func (m *CANManager) ResetHardwareBreaker() {
	m.hwBreaker.Reset()
}

// HardwareBreaker returns the hardware breaker snapshot.
func (m *CANManager) HardwareBreaker() BreakerSnapshot {
	return m.hwBreaker.State()
}

// ================================
// Filters
// ================================

// ApplyFilters validates, stores and, when the controller has hardware
// acceptance filters, programs the enabled entries (up to 6 on the
// MCP2515).
func (m *CANManager) ApplyFilters(filters []CANFilter) error {
	for i := range filters {
		if err := filters[i].Validate(); err != nil {
			return err
		}
	}
	m.mu.Lock()
	m.filters = filters
	ctrl := m.ctrl
	m.mu.Unlock()

	programmer, ok := ctrl.(FilterProgrammer)
	if !ok || ctrl == nil {
		log.Info("[CAN] filters stored; controller has no hardware filters")
		return nil
	}
	num := 0
	for _, filter := range filters {
		if !filter.Enabled {
			continue
		}
		if num >= 6 {
			log.Warnf("[CAN] more than 6 enabled filters, remainder not programmed")
			break
		}
		if err := programmer.SetFilter(num, filter.ID, filter.Mask, filter.Extended); err != nil {
			return err
		}
		num++
	}
	log.Infof("[CAN] programmed %d hardware filter(s)", num)
	return nil
}

func (m *CANManager) Filters() []CANFilter {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]CANFilter, len(m.filters))
	copy(out, m.filters)
	return out
}

// ================================
// Status, log, statistics
// ================================

func (m *CANManager) Status() CANStatus {
	m.mu.RLock()
	defer m.mu.RUnlock()
	status := CANStatus{
		Connected:    m.connected,
		Bitrate:      m.cfg.Bitrate,
		DevicesCount: len(m.devices),
		Stats:        m.stats,
		HWBreaker:    m.hwBreaker.State(),
	}
	now := time.Now()
	for _, device := range m.devices {
		if device.alive(now) {
			status.AliveDevices++
		}
	}
	if m.connected && !m.startTime.IsZero() {
		uptime := time.Since(m.startTime).Seconds()
		status.Uptime = &uptime
	}
	return status
}

// RecentMessages returns the newest count log entries.
func (m *CANManager) RecentMessages(count int) []CANLogEntry {
	return m.msgLog.Snapshot(count)
}

func (m *CANManager) ClearLog() {
	m.msgLog.Clear()
	log.Info("[CAN] message log cleared")
}

func (m *CANManager) ResetStatistics() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.stats = CANStats{}
	if m.connected {
		m.startTime = time.Now()
	}
	for _, device := range m.devices {
		device.rxCount = 0
		device.txCount = 0
		device.timeoutLatched = false
	}
	log.Info("[CAN] statistics reset")
}

// ================================
// Bitrate autodetect & node scan
// ================================

// DetectBitrate probes each candidate rate for 5s of bus traffic and
// scores it as messages - 5*errors. The winner needs at least 10 messages
// and a score above 5. The controller is left disconnected when nothing is
// detected.
func (m *CANManager) DetectBitrate(candidates []int) (BitrateDetectionResult, error) {
	if m.Connected() {
		if err := m.Disconnect(); err != nil {
			return BitrateDetectionResult{}, err
		}
	}
	if len(candidates) == 0 {
		candidates = detectBitrateCandidates
	}
	result := BitrateDetectionResult{}
	bestScore := 0
	for _, rate := range candidates {
		m.mu.Lock()
		m.cfg.Bitrate = rate
		m.mu.Unlock()
		m.hwBreaker.Reset()
		if err := m.Connect(); err != nil {
			result.Tried = append(result.Tried, BitrateCandidateScore{Bitrate: rate})
			continue
		}
		m.ClearLog()
		m.mu.Lock()
		errsBefore := m.stats.Errors
		m.mu.Unlock()

		time.Sleep(m.observeWindow)

		messages := 0
		for _, entry := range m.msgLog.Snapshot(0) {
			if entry.Direction == DirectionRX {
				messages++
			}
		}
		m.mu.Lock()
		errs := int(m.stats.Errors - errsBefore)
		m.mu.Unlock()
		score := messages - 5*errs
		result.Tried = append(result.Tried, BitrateCandidateScore{
			Bitrate: rate, Messages: messages, Errors: errs, Score: score,
		})
		log.Infof("[CAN] autodetect %d bps: %d messages, %d errors, score %d", rate, messages, errs, score)

		if err := m.Disconnect(); err != nil {
			log.Warnf("[CAN] autodetect disconnect: %v", err)
		}
		if messages >= canDetectMinFrames && score > canDetectMinScore && score > bestScore {
			bestScore = score
			result.Detected = true
			result.Bitrate = rate
		}
	}
	if result.Detected {
		m.mu.Lock()
		m.cfg.Bitrate = result.Bitrate
		m.mu.Unlock()
		log.Infof("[CAN] autodetect selected %d bps", result.Bitrate)
	}
	return result, nil
}

// ScanNodes clears the log, observes the bus for 5s and returns RX counts
// grouped by CAN ID, busiest first.
func (m *CANManager) ScanNodes() ([]NodeScanEntry, error) {
	if !m.Connected() {
		return nil, newConflictError("CAN not connected")
	}
	m.ClearLog()
	time.Sleep(m.observeWindow)

	byID := map[uint32]*NodeScanEntry{}
	for _, entry := range m.msgLog.Snapshot(0) {
		if entry.Direction != DirectionRX {
			continue
		}
		node, ok := byID[entry.CANID]
		if !ok {
			node = &NodeScanEntry{CANID: entry.CANID}
			byID[entry.CANID] = node
		}
		node.Count++
		if entry.Timestamp.After(node.LastSeen) {
			node.LastSeen = entry.Timestamp
		}
	}
	out := make([]NodeScanEntry, 0, len(byID))
	for _, node := range byID {
		out = append(out, *node)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Count > out[j].Count })
	return out, nil
}
