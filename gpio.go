package efio

import (
	"fmt"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"
)

// DigitalIO abstracts the GPIO lines so the front-end can run against real
// hardware or a simulated backend in tests.
type DigitalIO interface {
	Claim() error
	ReadInputs() ([NumChannels]int, error)
	WriteOutput(ch, value int) error
	Close() error
}

// Publisher is the outbound MQTT surface the front-end and bridges publish
// through. Implemented by MQTTClient.
type Publisher interface {
	Publish(topic string, payload any, qos byte, retain bool) error
	Connected() bool
	Enabled() bool
}

const (
	gpioPollInterval     = 100 * time.Millisecond
	gpioFailureThreshold = 5
	gpioRecoveryInitial  = 2 * time.Second
	gpioRecoveryMax      = 60 * time.Second
)

// GPIOFrontend polls the digital inputs at 10 Hz and writes outputs on
// demand. When the hardware cannot be claimed or reads keep failing it
// falls back to simulation mode and recovers in the background. The
// hardware mutex is never held while IOState is accessed, so the two locks
// cannot invert.
type GPIOFrontend struct {
	io     DigitalIO
	state  *IOState
	health *HealthRegistry
	pub    Publisher

	breaker *CircuitBreaker

	hwMu         sync.Mutex
	consecErrors int

	stop chan struct{}
	wg   sync.WaitGroup

	recoverMu       sync.Mutex
	recovering      bool
	recoverGen      int
	recoveryInitial time.Duration
	recoveryMax     time.Duration

	lastPublished   [NumChannels]int
	publishedOnce   bool
}

// NewGPIOFrontend claims the GPIO lines. On claim failure it logs, flips
// the simulation flag and leaves a recovery task running; construction
// itself never fails.
func NewGPIOFrontend(io DigitalIO, state *IOState, health *HealthRegistry, pub Publisher) *GPIOFrontend {
	f := &GPIOFrontend{
		io:              io,
		state:           state,
		health:          health,
		pub:             pub,
		breaker:         NewCircuitBreaker("gpio", gpioFailureThreshold, 30*time.Second, nil),
		stop:            make(chan struct{}),
		recoveryInitial: gpioRecoveryInitial,
		recoveryMax:     gpioRecoveryMax,
	}
	if err := Retry(RetryConfig{MaxRetries: 3, InitialDelay: time.Second, Base: 2}, io.Claim); err != nil {
		log.Errorf("[GPIO] initial claim failed, entering simulation mode: %v", err)
		state.SetSimulation(true)
		health.Update("gpio", HealthDegraded, "GPIO init failed, simulation mode", nil)
		f.startRecovery()
	} else {
		state.SetSimulation(false)
		health.Update("gpio", HealthHealthy, "GPIO initialized", nil)
	}
	return f
}

// Start launches the 10 Hz input poll loop.
func (f *GPIOFrontend) Start() {
	f.wg.Add(1)
	go func() {
		defer f.wg.Done()
		ticker := time.NewTicker(gpioPollInterval)
		defer ticker.Stop()
		for {
			select {
			case <-f.stop:
				return
			case <-ticker.C:
				f.pollOnce()
			}
		}
	}()
	log.Info("[GPIO] input polling started")
}

// Stop halts polling and recovery and releases the lines.
func (f *GPIOFrontend) Stop() {
	close(f.stop)
	f.recoverMu.Lock()
	f.recoverGen++
	f.recoverMu.Unlock()
	if !waitTimeout(&f.wg, 2*time.Second) {
		log.Warn("[GPIO] poll loop did not stop within 2s")
	}
	if err := f.io.Close(); err != nil {
		log.Warnf("[GPIO] close: %v", err)
	}
}

func (f *GPIOFrontend) pollOnce() {
	if f.state.Simulation() {
		return
	}
	var values [NumChannels]int
	f.hwMu.Lock()
	err := f.breaker.Call(func() error {
		var readErr error
		values, readErr = f.io.ReadInputs()
		return readErr
	})
	if err != nil {
		if err != ErrBreakerOpen {
			f.consecErrors++
			log.Warnf("[GPIO] input read failed (%d consecutive): %v", f.consecErrors, err)
		}
		tooMany := f.consecErrors >= gpioFailureThreshold || err == ErrBreakerOpen
		f.hwMu.Unlock()
		if tooMany {
			f.enterSimulation("consecutive read failures")
		}
		return
	}
	f.consecErrors = 0
	f.hwMu.Unlock()

	if err := f.state.SetDIAll(values); err != nil {
		log.Errorf("[GPIO] state update rejected: %v", err)
		return
	}
	f.publishInputChanges(values)
}

// publishInputChanges publishes retained per-channel DI topics, changed
// channels only. The first cycle publishes everything.
func (f *GPIOFrontend) publishInputChanges(values [NumChannels]int) {
	if f.pub == nil || !f.pub.Enabled() {
		return
	}
	for ch, v := range values {
		if f.publishedOnce && f.lastPublished[ch] == v {
			continue
		}
		topic := fmt.Sprintf("edgeforce/io/di/%d", ch+1)
		if err := f.pub.Publish(topic, v, 1, true); err != nil {
			log.Debugf("[GPIO] DI publish failed: %v", err)
		}
	}
	f.lastPublished = values
	f.publishedOnce = true
}

// WriteOutput updates IOState first (state is authoritative), then the
// hardware when not simulating, then the MQTT feedback topic. A hardware
// failure downgrades to simulation without reverting state.
func (f *GPIOFrontend) WriteOutput(ch, value int) error {
	if err := f.state.SetDO(ch, value); err != nil {
		return err
	}
	if !f.state.Simulation() {
		f.hwMu.Lock()
		err := f.breaker.Call(func() error {
			return f.io.WriteOutput(ch, value)
		})
		f.hwMu.Unlock()
		if err != nil && err != ErrBreakerOpen {
			log.Errorf("[GPIO] output write failed on channel %d: %v", ch, err)
			f.enterSimulation("output write failure")
		}
	}
	if f.pub != nil && f.pub.Enabled() {
		topic := fmt.Sprintf("edgeforce/io/do/%d", ch+1)
		if err := f.pub.Publish(topic, value, 1, true); err != nil {
			log.Debugf("[GPIO] DO feedback publish failed: %v", err)
		}
	}
	return nil
}

func (f *GPIOFrontend) enterSimulation(reason string) {
	if f.state.Simulation() {
		return
	}
	log.Warnf("[GPIO] degrading to simulation mode: %s", reason)
	f.state.SetSimulation(true)
	f.health.Update("gpio", HealthDegraded, "GPIO "+reason+", simulation mode", nil)
	f.startRecovery()
}

// startRecovery launches a single background task retrying the hardware
// claim with doubling backoff capped at 60s.
func (f *GPIOFrontend) startRecovery() {
	f.recoverMu.Lock()
	if f.recovering {
		f.recoverMu.Unlock()
		return
	}
	f.recovering = true
	gen := f.recoverGen
	f.recoverMu.Unlock()

	f.wg.Add(1)
	go func() {
		defer f.wg.Done()
		defer func() {
			f.recoverMu.Lock()
			f.recovering = false
			f.recoverMu.Unlock()
		}()
		backoff := f.recoveryInitial
		for {
			select {
			case <-f.stop:
				return
			case <-time.After(backoff):
			}
			f.recoverMu.Lock()
			stale := gen != f.recoverGen
			f.recoverMu.Unlock()
			if stale {
				return
			}
			log.Info("[GPIO] recovery: attempting to reclaim hardware")
			if err := f.io.Claim(); err != nil {
				log.Warnf("[GPIO] recovery failed: %v (next attempt in %s)", err, backoff)
				backoff *= 2
				if backoff > f.recoveryMax {
					backoff = f.recoveryMax
				}
				continue
			}
			f.hwMu.Lock()
			f.consecErrors = 0
			f.hwMu.Unlock()
			f.breaker.Reset()
			f.state.SetSimulation(false)
			f.health.Update("gpio", HealthHealthy, "GPIO reinitialized", nil)
			log.Info("[GPIO] recovery succeeded, simulation cleared")
			return
		}
	}()
}

// Recovering reports whether a background recovery task is active.
func (f *GPIOFrontend) Recovering() bool {
	f.recoverMu.Lock()
	defer f.recoverMu.Unlock()
	return f.recovering
}

// BreakerState exposes the GPIO breaker for the health surface.
func (f *GPIOFrontend) BreakerState() BreakerSnapshot {
	return f.breaker.State()
}
