package efio

import (
	"sync"
	"time"
)

// NumChannels is the number of DI and DO channels on the controller.
const NumChannels = 4

// IOUpdate is the notification emitted to state subscribers once per
// distinct change.
type IOUpdate struct {
	Kind    string           `json:"kind"` // "di", "do" or "simulation"
	Channel int              `json:"channel,omitempty"`
	Value   int              `json:"value,omitempty"`
	DI      [NumChannels]int `json:"di"`
	DO      [NumChannels]int `json:"do"`
}

// ModbusSummary is the last Modbus operation observed, kept for the
// status surface.
type ModbusSummary struct {
	SlaveID      int  `json:"slave_id"`
	LastRegister *int `json:"last_register"`
	LastValue    *int `json:"last_value"`
}

// IOStateStats counts accessor traffic for diagnostics only.
type IOStateStats struct {
	Reads           uint64  `json:"reads"`
	Writes          uint64  `json:"writes"`
	LockContentions uint64  `json:"lock_contentions"`
	MaxLockWaitMs   float64 `json:"max_lock_wait_ms"`
}

// IOState is the process-wide I/O state. All access goes through the typed
// accessors; vectors are updated atomically so readers never observe a
// half-written snapshot. Subscribers get one notification per distinct
// change over a buffered channel; slow subscribers lose updates rather
// than blocking the writer.
type IOState struct {
	mu             sync.Mutex
	di             [NumChannels]int
	do             [NumChannels]int
	simulation     bool
	simulationOLED bool
	modbus         ModbusSummary
	stats          IOStateStats

	subMu        sync.Mutex
	subs         map[int]chan IOUpdate
	nextSubID    int
	droppedNotif uint64
}

func NewIOState() *IOState {
	return &IOState{
		modbus: ModbusSummary{SlaveID: 1},
		subs:   map[int]chan IOUpdate{},
	}
}

func (s *IOState) lock() {
	start := time.Now()
	s.mu.Lock()
	wait := time.Since(start)
	waitMs := float64(wait.Microseconds()) / 1000.0
	if waitMs > s.stats.MaxLockWaitMs {
		s.stats.MaxLockWaitMs = waitMs
	}
	if wait > 10*time.Millisecond {
		s.stats.LockContentions++
	}
}

func validateChannel(ch int) error {
	if ch < 0 || ch >= NumChannels {
		return newValidationError("invalid channel %d, must be 0..%d", ch, NumChannels-1)
	}
	return nil
}

func validateBinary(v int) error {
	if v != 0 && v != 1 {
		return newValidationError("invalid value %d, must be 0 or 1", v)
	}
	return nil
}

// DI returns a snapshot of all digital inputs.
func (s *IOState) DI() [NumChannels]int {
	s.lock()
	defer s.mu.Unlock()
	s.stats.Reads++
	return s.di
}

// DIChannel returns a single digital input.
func (s *IOState) DIChannel(ch int) (int, error) {
	if err := validateChannel(ch); err != nil {
		return 0, err
	}
	s.lock()
	defer s.mu.Unlock()
	s.stats.Reads++
	return s.di[ch], nil
}

// SetDI sets one digital input, notifying subscribers on change.
func (s *IOState) SetDI(ch, value int) error {
	if err := validateChannel(ch); err != nil {
		return err
	}
	if err := validateBinary(value); err != nil {
		return err
	}
	s.lock()
	changed := s.di[ch] != value
	s.di[ch] = value
	s.stats.Writes++
	update := IOUpdate{Kind: "di", Channel: ch, Value: value, DI: s.di, DO: s.do}
	s.mu.Unlock()
	if changed {
		s.notify(update)
	}
	return nil
}

// SetDIAll replaces the whole DI vector atomically.
func (s *IOState) SetDIAll(values [NumChannels]int) error {
	for _, v := range values {
		if err := validateBinary(v); err != nil {
			return err
		}
	}
	s.lock()
	changed := s.di != values
	s.di = values
	s.stats.Writes += NumChannels
	update := IOUpdate{Kind: "di", DI: s.di, DO: s.do}
	s.mu.Unlock()
	if changed {
		s.notify(update)
	}
	return nil
}

// DO returns a snapshot of all digital outputs.
func (s *IOState) DO() [NumChannels]int {
	s.lock()
	defer s.mu.Unlock()
	s.stats.Reads++
	return s.do
}

// DOChannel returns a single digital output.
func (s *IOState) DOChannel(ch int) (int, error) {
	if err := validateChannel(ch); err != nil {
		return 0, err
	}
	s.lock()
	defer s.mu.Unlock()
	s.stats.Reads++
	return s.do[ch], nil
}

// SetDO sets one digital output, notifying subscribers on change.
func (s *IOState) SetDO(ch, value int) error {
	if err := validateChannel(ch); err != nil {
		return err
	}
	if err := validateBinary(value); err != nil {
		return err
	}
	s.lock()
	changed := s.do[ch] != value
	s.do[ch] = value
	s.stats.Writes++
	update := IOUpdate{Kind: "do", Channel: ch, Value: value, DI: s.di, DO: s.do}
	s.mu.Unlock()
	if changed {
		s.notify(update)
	}
	return nil
}

// SetDOAll replaces the whole DO vector atomically.
func (s *IOState) SetDOAll(values [NumChannels]int) error {
	for _, v := range values {
		if err := validateBinary(v); err != nil {
			return err
		}
	}
	s.lock()
	changed := s.do != values
	s.do = values
	s.stats.Writes += NumChannels
	update := IOUpdate{Kind: "do", DI: s.di, DO: s.do}
	s.mu.Unlock()
	if changed {
		s.notify(update)
	}
	return nil
}

func (s *IOState) Simulation() bool {
	s.lock()
	defer s.mu.Unlock()
	return s.simulation
}

func (s *IOState) SetSimulation(v bool) {
	s.lock()
	changed := s.simulation != v
	s.simulation = v
	update := IOUpdate{Kind: "simulation", DI: s.di, DO: s.do}
	if v {
		update.Value = 1
	}
	s.mu.Unlock()
	if changed {
		s.notify(update)
	}
}

func (s *IOState) SimulationOLED() bool {
	s.lock()
	defer s.mu.Unlock()
	return s.simulationOLED
}

func (s *IOState) SetSimulationOLED(v bool) {
	s.lock()
	defer s.mu.Unlock()
	s.simulationOLED = v
}

func (s *IOState) ModbusSummary() ModbusSummary {
	s.lock()
	defer s.mu.Unlock()
	return s.modbus
}

func (s *IOState) SetModbusSummary(fn func(*ModbusSummary)) {
	s.lock()
	defer s.mu.Unlock()
	fn(&s.modbus)
}

// IOView gives Atomically callbacks lock-free access to the guarded fields.
type IOView struct {
	state   *IOState
	updates []IOUpdate
}

func (v *IOView) DI() [NumChannels]int { return v.state.di }
func (v *IOView) DO() [NumChannels]int { return v.state.do }

func (v *IOView) SetDI(ch, value int) error {
	if err := validateChannel(ch); err != nil {
		return err
	}
	if err := validateBinary(value); err != nil {
		return err
	}
	if v.state.di[ch] != value {
		v.state.di[ch] = value
		v.updates = append(v.updates, IOUpdate{Kind: "di", Channel: ch, Value: value})
	}
	v.state.stats.Writes++
	return nil
}

func (v *IOView) SetDO(ch, value int) error {
	if err := validateChannel(ch); err != nil {
		return err
	}
	if err := validateBinary(value); err != nil {
		return err
	}
	if v.state.do[ch] != value {
		v.state.do[ch] = value
		v.updates = append(v.updates, IOUpdate{Kind: "do", Channel: ch, Value: value})
	}
	v.state.stats.Writes++
	return nil
}

// Atomically runs fn as one critical section over the whole state.
// Notifications for changes made inside fn are delivered after the lock is
// released, one per distinct change.
func (s *IOState) Atomically(fn func(*IOView) error) error {
	s.lock()
	view := &IOView{state: s}
	err := fn(view)
	updates := view.updates
	di, do := s.di, s.do
	s.mu.Unlock()
	for _, u := range updates {
		u.DI, u.DO = di, do
		s.notify(u)
	}
	return err
}

// Subscribe registers a buffered update channel. The returned cancel
// function unsubscribes and closes the channel.
func (s *IOState) Subscribe(buffer int) (<-chan IOUpdate, func()) {
	if buffer <= 0 {
		buffer = 16
	}
	ch := make(chan IOUpdate, buffer)
	s.subMu.Lock()
	id := s.nextSubID
	s.nextSubID++
	s.subs[id] = ch
	s.subMu.Unlock()
	cancel := func() {
		s.subMu.Lock()
		if c, ok := s.subs[id]; ok {
			delete(s.subs, id)
			close(c)
		}
		s.subMu.Unlock()
	}
	return ch, cancel
}

func (s *IOState) notify(update IOUpdate) {
	s.subMu.Lock()
	defer s.subMu.Unlock()
	for _, ch := range s.subs {
		select {
		case ch <- update:
		default:
			s.droppedNotif++
		}
	}
}

// Stats returns accessor statistics for diagnostics.
func (s *IOState) Stats() IOStateStats {
	s.lock()
	defer s.mu.Unlock()
	return s.stats
}

// DroppedNotifications counts updates lost to slow subscribers.
func (s *IOState) DroppedNotifications() uint64 {
	s.subMu.Lock()
	defer s.subMu.Unlock()
	return s.droppedNotif
}
