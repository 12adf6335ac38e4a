package efio

import (
	"encoding/binary"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/goburrow/modbus"
	log "github.com/sirupsen/logrus"
)

// ModbusClient is the subset of the goburrow client the manager uses.
// Satisfied by modbus.Client and by test fakes.
type ModbusClient interface {
	ReadCoils(address, quantity uint16) ([]byte, error)
	ReadDiscreteInputs(address, quantity uint16) ([]byte, error)
	ReadHoldingRegisters(address, quantity uint16) ([]byte, error)
	ReadInputRegisters(address, quantity uint16) ([]byte, error)
	WriteSingleCoil(address, value uint16) ([]byte, error)
	WriteSingleRegister(address, value uint16) ([]byte, error)
}

// ModbusDialer opens an RTU session for a device on the resolved serial
// port. Injected so tests can supply loopback sessions.
type ModbusDialer func(portPath string, device ModbusDevice) (ModbusClient, io.Closer, error)

// DialRTU is the production dialer over goburrow/modbus.
func DialRTU(portPath string, device ModbusDevice) (ModbusClient, io.Closer, error) {
	handler := modbus.NewRTUClientHandler(portPath)
	handler.BaudRate = device.Baudrate
	handler.DataBits = 8
	handler.Parity = device.Parity
	handler.StopBits = device.StopBits
	handler.SlaveId = byte(device.SlaveID)
	handler.Timeout = time.Second
	if err := handler.Connect(); err != nil {
		return nil, nil, err
	}
	return modbus.NewClient(handler), handler, nil
}

const (
	modbusBreakerFailures = 3
	modbusBreakerTimeout  = 30 * time.Second
	livenessInterval      = 5 * time.Second
	livenessMaxFailures   = 3
)

type modbusEntity struct {
	device ModbusDevice

	client ModbusClient
	closer io.Closer

	breaker       *CircuitBreaker
	lastConnected *time.Time

	polling  bool
	pollStop chan struct{}
	liveStop chan struct{}
	wg       sync.WaitGroup

	livenessFailures int
	lastPoll         map[uint16]ModbusPollValue
}

// ModbusManager owns the RTU device registry: per-device sessions,
// pollers, liveness checks and circuit breakers. All transactions on the
// same serial port are serialized, FIFO order, so daisy-chained RS-485
// slaves never see overlapping queries.
type ModbusManager struct {
	mu       sync.RWMutex
	entities map[string]*modbusEntity

	ports     map[string]string // port token -> device path
	portLocks map[string]chan struct{}

	dialer ModbusDialer
	health *HealthRegistry
	state  *IOState
	events *Fifo[ModbusEvent]

	pollSubMu sync.Mutex
	pollSubs  map[int]chan ModbusPollValue
	nextSubID int
}

// NewModbusManager creates the manager. ports maps port tokens from device
// configs ("ttyS2") to serial device paths ("/dev/ttyS2").
func NewModbusManager(dialer ModbusDialer, ports map[string]string, state *IOState, health *HealthRegistry) *ModbusManager {
	if dialer == nil {
		dialer = DialRTU
	}
	return &ModbusManager{
		entities:  map[string]*modbusEntity{},
		ports:     ports,
		portLocks: map[string]chan struct{}{},
		dialer:    dialer,
		health:    health,
		state:     state,
		events:    NewFifo[ModbusEvent](1000),
		pollSubs:  map[int]chan ModbusPollValue{},
	}
}

func (m *ModbusManager) portPath(token string) string {
	if path, ok := m.ports[token]; ok {
		return path
	}
	return "/dev/" + token
}

// withPort serializes fn against all other transactions on the same port.
// Blocked callers are woken in FIFO order by the channel runtime.
func (m *ModbusManager) withPort(token string, fn func() error) error {
	m.mu.Lock()
	lock, ok := m.portLocks[token]
	if !ok {
		lock = make(chan struct{}, 1)
		m.portLocks[token] = lock
	}
	m.mu.Unlock()
	lock <- struct{}{}
	defer func() { <-lock }()
	return fn()
}

func (m *ModbusManager) logEvent(eventType, deviceID, message string) {
	m.events.Push(ModbusEvent{
		Timestamp: time.Now(),
		Type:      eventType,
		DeviceID:  deviceID,
		Message:   message,
	})
}

// Events returns the newest count entries of the event log.
func (m *ModbusManager) Events(count int) []ModbusEvent {
	return m.events.Snapshot(count)
}

// SubscribePolls registers a buffered channel receiving every successfully
// polled register value.
func (m *ModbusManager) SubscribePolls(buffer int) (<-chan ModbusPollValue, func()) {
	if buffer <= 0 {
		buffer = 64
	}
	ch := make(chan ModbusPollValue, buffer)
	m.pollSubMu.Lock()
	id := m.nextSubID
	m.nextSubID++
	m.pollSubs[id] = ch
	m.pollSubMu.Unlock()
	return ch, func() {
		m.pollSubMu.Lock()
		if c, ok := m.pollSubs[id]; ok {
			delete(m.pollSubs, id)
			close(c)
		}
		m.pollSubMu.Unlock()
	}
}

func (m *ModbusManager) publishPoll(v ModbusPollValue) {
	m.pollSubMu.Lock()
	defer m.pollSubMu.Unlock()
	for _, ch := range m.pollSubs {
		select {
		case ch <- v:
		default:
		}
	}
}

// ================================
// Device registry
// ================================

// AddDevice registers a device. The device starts disconnected.
func (m *ModbusManager) AddDevice(device ModbusDevice) error {
	if err := device.Validate(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, exists := m.entities[device.ID]; exists {
		return newConflictError("device %s already exists", device.ID)
	}
	m.entities[device.ID] = &modbusEntity{
		device:  device,
		breaker: m.newBreaker(device),
	}
	log.Infof("[MODBUS] added device %s (%s, slave %d on %s)", device.ID, device.Name, device.SlaveID, device.Port)
	return nil
}

func (m *ModbusManager) newBreaker(device ModbusDevice) *CircuitBreaker {
	threshold := modbusBreakerFailures
	timeout := modbusBreakerTimeout
	if device.CBFailureThreshold > 0 {
		threshold = device.CBFailureThreshold
	}
	if device.CBTimeoutSeconds > 0 {
		timeout = time.Duration(device.CBTimeoutSeconds) * time.Second
	}
	isTransport := func(err error) bool {
		return KindOf(err) == ErrKindTransport
	}
	return NewCircuitBreaker("modbus-"+device.ID, threshold, timeout, isTransport)
}

// UpdateDevice applies a config change. A running poller is stopped before
// the device is replaced and restarted afterwards when the updated device
// still has polling enabled, so updates never race with polling.
func (m *ModbusManager) UpdateDevice(device ModbusDevice) error {
	if err := device.Validate(); err != nil {
		return err
	}
	m.mu.Lock()
	entity, ok := m.entities[device.ID]
	if !ok {
		m.mu.Unlock()
		return newNotFoundError("device %s not found", device.ID)
	}
	wasPolling := entity.polling
	m.stopPollerLocked(entity)
	entity.device = device
	entity.breaker = m.newBreaker(device)
	m.mu.Unlock()

	if wasPolling && device.PollingEnabled {
		return m.StartPolling(device.ID)
	}
	return nil
}

// RemoveDevice disconnects and forgets a device, releasing its breaker.
func (m *ModbusManager) RemoveDevice(deviceID string) error {
	if err := m.Disconnect(deviceID); err != nil && KindOf(err) != ErrKindConflict {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.entities[deviceID]; !ok {
		return newNotFoundError("device %s not found", deviceID)
	}
	delete(m.entities, deviceID)
	log.Infof("[MODBUS] removed device %s", deviceID)
	return nil
}

// GetDevice returns the runtime status of one device.
func (m *ModbusManager) GetDevice(deviceID string) (ModbusDeviceStatus, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	entity, ok := m.entities[deviceID]
	if !ok {
		return ModbusDeviceStatus{}, newNotFoundError("device %s not found", deviceID)
	}
	return m.statusLocked(entity), nil
}

// Devices lists all devices with runtime status.
func (m *ModbusManager) Devices() []ModbusDeviceStatus {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]ModbusDeviceStatus, 0, len(m.entities))
	for _, entity := range m.entities {
		out = append(out, m.statusLocked(entity))
	}
	return out
}

func (m *ModbusManager) statusLocked(entity *modbusEntity) ModbusDeviceStatus {
	return ModbusDeviceStatus{
		ModbusDevice:  entity.device,
		Connected:     entity.client != nil,
		Polling:       entity.polling,
		LastConnected: entity.lastConnected,
		Breaker:       entity.breaker.State(),
	}
}

// ================================
// Connection lifecycle
// ================================

// Connect opens the RTU session for a device under retry (2 attempts, 1s
// initial delay), stamps last_connected and starts the liveness task.
func (m *ModbusManager) Connect(deviceID string) error {
	m.mu.Lock()
	entity, ok := m.entities[deviceID]
	if !ok {
		m.mu.Unlock()
		return newNotFoundError("device %s not found", deviceID)
	}
	if entity.client != nil {
		m.mu.Unlock()
		return newConflictError("device %s already connected", deviceID)
	}
	device := entity.device
	m.mu.Unlock()

	portPath := m.portPath(device.Port)
	var client ModbusClient
	var closer io.Closer
	err := Retry(RetryConfig{MaxRetries: 2, InitialDelay: time.Second, Base: 2}, func() error {
		var dialErr error
		client, closer, dialErr = m.dialer(portPath, device)
		return dialErr
	})
	if err != nil {
		m.health.Update("modbus", HealthDegraded, fmt.Sprintf("connect %s failed", deviceID), map[string]any{"device_id": deviceID})
		m.logEvent("connect_failed", deviceID, err.Error())
		return newTransportError(classifySerialError(err), "connect failed", err)
	}

	m.mu.Lock()
	if entity.client != nil {
		m.mu.Unlock()
		if closer != nil {
			closer.Close()
		}
		return newConflictError("device %s already connected", deviceID)
	}
	entity.client = client
	entity.closer = closer
	now := time.Now()
	entity.lastConnected = &now
	entity.livenessFailures = 0
	entity.liveStop = make(chan struct{})
	entity.wg.Add(1)
	go m.livenessLoop(entity, entity.liveStop)
	m.mu.Unlock()

	m.state.SetModbusSummary(func(s *ModbusSummary) { s.SlaveID = device.SlaveID })
	m.health.Update("modbus", HealthHealthy, fmt.Sprintf("device %s connected", deviceID), nil)
	log.Infof("[MODBUS] device %s connected on %s (%d baud)", deviceID, portPath, device.Baudrate)

	if device.PollingEnabled {
		if err := m.StartPolling(deviceID); err != nil {
			log.Warnf("[MODBUS] auto start polling for %s: %v", deviceID, err)
		}
	}
	return nil
}

// Disconnect stops poller and liveness, closes the serial session and
// clears the breaker.
func (m *ModbusManager) Disconnect(deviceID string) error {
	m.mu.Lock()
	entity, ok := m.entities[deviceID]
	if !ok {
		m.mu.Unlock()
		return newNotFoundError("device %s not found", deviceID)
	}
	if entity.client == nil {
		m.mu.Unlock()
		return newConflictError("device %s not connected", deviceID)
	}
	m.teardownLocked(entity)
	entity.breaker.Reset()
	m.mu.Unlock()
	log.Infof("[MODBUS] device %s disconnected", deviceID)
	return nil
}

// teardownLocked stops the entity's tasks and closes its session. The
// manager lock must be held; it is released while joining the tasks.
func (m *ModbusManager) teardownLocked(entity *modbusEntity) {
	m.stopPollerLocked(entity)
	if entity.liveStop != nil {
		close(entity.liveStop)
		entity.liveStop = nil
	}
	if entity.closer != nil {
		entity.closer.Close()
	}
	entity.client = nil
	entity.closer = nil
	entity.lastConnected = nil

	wg := &entity.wg
	m.mu.Unlock()
	if !waitTimeout(wg, 3*time.Second) {
		log.Warnf("[MODBUS] tasks for %s did not stop within 3s", entity.device.ID)
	}
	m.mu.Lock()
}

// cleanupConnection removes a dead session after a hardware failure. The
// breaker is reset so a reconnect can be attempted without waiting out the
// open window.
func (m *ModbusManager) cleanupConnection(deviceID, reason string) {
	m.mu.Lock()
	entity, ok := m.entities[deviceID]
	if !ok || entity.client == nil {
		m.mu.Unlock()
		return
	}
	m.teardownLocked(entity)
	entity.breaker.Reset()
	m.mu.Unlock()

	m.logEvent("hardware_disconnected", deviceID, "hardware disconnected: "+reason)
	m.health.Update("modbus", HealthDegraded, fmt.Sprintf("device %s disconnected: %s", deviceID, reason), map[string]any{"device_id": deviceID})
	log.Warnf("[MODBUS] cleaned up connection for %s: %s", deviceID, reason)
}

// ResetBreaker clears the breaker for a device.
func (m *ModbusManager) ResetBreaker(deviceID string) error {
	m.mu.RLock()
	entity, ok := m.entities[deviceID]
	m.mu.RUnlock()
	if !ok {
		return newNotFoundError("device %s not found", deviceID)
	}
	entity.breaker.Reset()
	return nil
}

// ================================
// Read / write
// ================================

func (m *ModbusManager) session(deviceID string) (*modbusEntity, ModbusClient, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	entity, ok := m.entities[deviceID]
	if !ok {
		return nil, nil, newNotFoundError("device %s not found", deviceID)
	}
	if entity.client == nil {
		return nil, nil, newConflictError("device %s not connected", deviceID)
	}
	return entity, entity.client, nil
}

// Read executes count single-bit or single-register reads and returns the
// ordered results. Every hardware call runs inside the device breaker.
func (m *ModbusManager) Read(req ModbusReadRequest) ([]RegisterValue, error) {
	if !isReadFunction(req.FunctionCode) {
		return nil, newValidationError("function code %d is not readable", req.FunctionCode)
	}
	if req.Count == 0 {
		req.Count = 1
	}
	entity, client, err := m.session(req.DeviceID)
	if err != nil {
		return nil, err
	}
	port := entity.device.Port

	results := make([]RegisterValue, 0, req.Count)
	for i := uint16(0); i < req.Count; i++ {
		address := req.Register + i
		var value uint16
		err := entity.breaker.Call(func() error {
			return m.withPort(port, func() error {
				raw, readErr := readSingle(client, req.FunctionCode, address)
				if readErr != nil {
					return asModbusTransportError(readErr)
				}
				value = raw
				return nil
			})
		})
		if err != nil {
			if err == ErrBreakerOpen {
				return nil, err
			}
			m.handleTransactionError(req.DeviceID, err)
			return nil, err
		}
		results = append(results, RegisterValue{Register: address, Value: value})
	}

	last := results[len(results)-1]
	m.state.SetModbusSummary(func(s *ModbusSummary) {
		reg := int(last.Register)
		val := int(last.Value)
		s.LastRegister = &reg
		s.LastValue = &val
	})
	return results, nil
}

// Write executes a single coil or register write inside the breaker.
func (m *ModbusManager) Write(req ModbusWriteRequest) error {
	if !isWriteFunction(req.FunctionCode) {
		return newValidationError("function code %d is not writable", req.FunctionCode)
	}
	entity, client, err := m.session(req.DeviceID)
	if err != nil {
		return err
	}
	port := entity.device.Port

	err = entity.breaker.Call(func() error {
		return m.withPort(port, func() error {
			var writeErr error
			switch req.FunctionCode {
			case FCWriteSingleCoil:
				coil := uint16(0x0000)
				if req.Value != 0 {
					coil = 0xFF00
				}
				_, writeErr = client.WriteSingleCoil(req.Register, coil)
			case FCWriteSingleReg:
				_, writeErr = client.WriteSingleRegister(req.Register, req.Value)
			}
			return asModbusTransportError(writeErr)
		})
	})
	if err != nil {
		if err == ErrBreakerOpen {
			return err
		}
		m.handleTransactionError(req.DeviceID, err)
		return err
	}
	m.state.SetModbusSummary(func(s *ModbusSummary) {
		reg := int(req.Register)
		val := int(req.Value)
		s.LastRegister = &reg
		s.LastValue = &val
	})
	return nil
}

// handleTransactionError classifies a failed transaction, logs it and
// degrades health. Only a SerialError means the port itself is gone and
// triggers connection cleanup; a silent or garbled slave keeps the session
// so the breaker can govern retries.
func (m *ModbusManager) handleTransactionError(deviceID string, err error) {
	sub := TransportKindOf(err)
	m.logEvent("transaction_error", deviceID, fmt.Sprintf("%s: %v", sub, err))
	m.health.Update("modbus", HealthDegraded, fmt.Sprintf("device %s: %s", deviceID, sub), map[string]any{"device_id": deviceID})
	if sub == TransportSerial {
		m.cleanupConnection(deviceID, "serial error")
	}
}

func readSingle(client ModbusClient, fc int, address uint16) (uint16, error) {
	switch fc {
	case FCReadCoils:
		raw, err := client.ReadCoils(address, 1)
		if err != nil {
			return 0, err
		}
		return uint16(raw[0] & 0x01), nil
	case FCReadDiscreteInputs:
		raw, err := client.ReadDiscreteInputs(address, 1)
		if err != nil {
			return 0, err
		}
		return uint16(raw[0] & 0x01), nil
	case FCReadHolding:
		raw, err := client.ReadHoldingRegisters(address, 1)
		if err != nil {
			return 0, err
		}
		return binary.BigEndian.Uint16(raw), nil
	case FCReadInput:
		raw, err := client.ReadInputRegisters(address, 1)
		if err != nil {
			return 0, err
		}
		return binary.BigEndian.Uint16(raw), nil
	}
	return 0, newValidationError("unsupported read function code %d", fc)
}

// ================================
// Polling
// ================================

// StartPolling launches the per-device poll task.
func (m *ModbusManager) StartPolling(deviceID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	entity, ok := m.entities[deviceID]
	if !ok {
		return newNotFoundError("device %s not found", deviceID)
	}
	if entity.client == nil {
		return newConflictError("device %s not connected", deviceID)
	}
	if entity.polling {
		return newConflictError("device %s already polling", deviceID)
	}
	entity.polling = true
	entity.pollStop = make(chan struct{})
	entity.lastPoll = map[uint16]ModbusPollValue{}
	entity.wg.Add(1)
	go m.pollLoop(entity, entity.pollStop)
	log.Infof("[MODBUS] polling started for %s every %s", deviceID, entity.device.PollingInterval())
	return nil
}

// StopPolling stops the per-device poll task.
func (m *ModbusManager) StopPolling(deviceID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	entity, ok := m.entities[deviceID]
	if !ok {
		return newNotFoundError("device %s not found", deviceID)
	}
	if !entity.polling {
		return newConflictError("device %s not polling", deviceID)
	}
	m.stopPollerLocked(entity)
	return nil
}

func (m *ModbusManager) stopPollerLocked(entity *modbusEntity) {
	if !entity.polling {
		return
	}
	close(entity.pollStop)
	entity.pollStop = nil
	entity.polling = false
}

func (m *ModbusManager) pollLoop(entity *modbusEntity, stop chan struct{}) {
	defer entity.wg.Done()
	device := entity.device
	ticker := time.NewTicker(device.PollingInterval())
	defer ticker.Stop()
	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
		}
		m.mu.RLock()
		client := entity.client
		m.mu.RUnlock()
		if client == nil {
			return
		}
		cycleOK := true
		for _, reg := range device.Registers {
			if !reg.Poll || !isReadFunction(reg.FunctionCode) {
				continue
			}
			select {
			case <-stop:
				return
			default:
			}
			var raw uint16
			err := m.withPort(device.Port, func() error {
				var readErr error
				raw, readErr = readSingle(client, reg.FunctionCode, reg.Address)
				return asModbusTransportError(readErr)
			})
			if err != nil {
				// A failed register does not abort the cycle.
				cycleOK = false
				entity.breaker.RecordFailure()
				m.logEvent("poll_error", device.ID, fmt.Sprintf("register %d: %v", reg.Address, err))
				continue
			}
			value := ModbusPollValue{
				DeviceID:  device.ID,
				Register:  reg.Address,
				Name:      reg.Name,
				Raw:       raw,
				Value:     reg.Scaling.Apply(float64(raw)),
				Unit:      reg.Unit,
				Timestamp: time.Now(),
			}
			m.mu.Lock()
			entity.lastPoll[reg.Address] = value
			m.mu.Unlock()
			m.publishPoll(value)
		}
		if cycleOK {
			entity.breaker.RecordSuccess()
		}
	}
}

// LastPoll returns the most recent poll snapshot for a device.
func (m *ModbusManager) LastPoll(deviceID string) ([]ModbusPollValue, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	entity, ok := m.entities[deviceID]
	if !ok {
		return nil, newNotFoundError("device %s not found", deviceID)
	}
	out := make([]ModbusPollValue, 0, len(entity.lastPoll))
	for _, v := range entity.lastPoll {
		out = append(out, v)
	}
	return out, nil
}

// ================================
// Liveness
// ================================

// livenessLoop probes register 0 with FC3 every 5s. Three consecutive
// failures mean the hardware is gone and the connection is cleaned up.
func (m *ModbusManager) livenessLoop(entity *modbusEntity, stop chan struct{}) {
	defer entity.wg.Done()
	device := entity.device
	ticker := time.NewTicker(livenessInterval)
	defer ticker.Stop()
	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
		}
		m.mu.RLock()
		client := entity.client
		m.mu.RUnlock()
		if client == nil {
			return
		}
		err := m.withPort(device.Port, func() error {
			_, probeErr := client.ReadHoldingRegisters(0, 1)
			return probeErr
		})
		if err != nil {
			entity.livenessFailures++
			log.Debugf("[MODBUS] liveness probe failed for %s (%d/%d): %v",
				device.ID, entity.livenessFailures, livenessMaxFailures, err)
			if entity.livenessFailures >= livenessMaxFailures {
				go m.cleanupConnection(device.ID, "liveness timeout")
				return
			}
			continue
		}
		entity.livenessFailures = 0
	}
}

// ================================
// Auto-scan
// ================================

// ScanResult is one responding slave found by Scan.
type ScanResult struct {
	SlaveID int  `json:"slave_id"`
	Value   uint16 `json:"value"`
}

// Scan sequentially probes every slave ID in [start, end] on a port with a
// single FC3 register-0 read and returns the responders.
func (m *ModbusManager) Scan(port string, start, end, baudrate int) ([]ScanResult, error) {
	if start < 1 || end > 247 || start > end {
		return nil, newValidationError("invalid scan range %d..%d", start, end)
	}
	if baudrate <= 0 {
		return nil, newValidationError("baudrate must be positive")
	}
	portPath := m.portPath(port)
	found := []ScanResult{}
	for slave := start; slave <= end; slave++ {
		probe := ModbusDevice{
			ID:       fmt.Sprintf("scan-%d", slave),
			Port:     port,
			SlaveID:  slave,
			Baudrate: baudrate,
			Parity:   "N",
			StopBits: 1,
		}
		err := m.withPort(port, func() error {
			client, closer, dialErr := m.dialer(portPath, probe)
			if dialErr != nil {
				return dialErr
			}
			if closer != nil {
				defer closer.Close()
			}
			raw, readErr := client.ReadHoldingRegisters(0, 1)
			if readErr != nil {
				return readErr
			}
			found = append(found, ScanResult{SlaveID: slave, Value: binary.BigEndian.Uint16(raw)})
			return nil
		})
		if err != nil {
			log.Debugf("[MODBUS] scan: no response from slave %d: %v", slave, err)
		}
	}
	log.Infof("[MODBUS] scan on %s found %d device(s)", port, len(found))
	return found, nil
}

// Stop disconnects every device.
func (m *ModbusManager) Stop() {
	m.mu.RLock()
	ids := make([]string, 0, len(m.entities))
	for id, entity := range m.entities {
		if entity.client != nil {
			ids = append(ids, id)
		}
	}
	m.mu.RUnlock()
	for _, id := range ids {
		if err := m.Disconnect(id); err != nil {
			log.Warnf("[MODBUS] shutdown disconnect %s: %v", id, err)
		}
	}
}
