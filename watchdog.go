package efio

import (
	"sync"
	"time"

	log "github.com/sirupsen/logrus"
)

// HealthCheck returns true while a component is healthy.
type HealthCheck func() bool

type watchdogComponent struct {
	check     HealthCheck
	status    HealthLevel
	lastCheck time.Time
	failures  int
}

// WatchdogComponentReport is one component in the watchdog report.
type WatchdogComponentReport struct {
	Status    HealthLevel `json:"status"`
	LastCheck *time.Time  `json:"last_check"`
	Failures  int         `json:"failures"`
}

// WatchdogReport is the full watchdog status surface.
type WatchdogReport struct {
	Running       bool                               `json:"running"`
	Timeout       float64                            `json:"timeout"`
	LastFeed      time.Time                          `json:"last_feed"`
	TimeSinceFeed float64                            `json:"time_since_feed"`
	TimeoutCount  int                                `json:"timeout_count"`
	Status        string                             `json:"status"`
	Components    map[string]WatchdogComponentReport `json:"components"`
}

const defaultWatchdogTimeout = 60 * time.Second

// Watchdog supervises the main loop and registered components. The main
// loop feeds it every iteration; a missed feed window triggers the timeout
// handler once and re-arms.
type Watchdog struct {
	timeout   time.Duration
	onTimeout func()

	mu           sync.Mutex
	lastFeed     time.Time
	timeoutCount int
	components   map[string]*watchdogComponent

	running bool
	stop    chan struct{}
	wg      sync.WaitGroup
}

// NewWatchdog creates a watchdog; zero timeout means the 60s default, nil
// onTimeout just logs.
func NewWatchdog(timeout time.Duration, onTimeout func()) *Watchdog {
	if timeout <= 0 {
		timeout = defaultWatchdogTimeout
	}
	w := &Watchdog{
		timeout:    timeout,
		onTimeout:  onTimeout,
		lastFeed:   time.Now(),
		components: map[string]*watchdogComponent{},
	}
	if w.onTimeout == nil {
		w.onTimeout = func() {
			log.Error("[WATCHDOG] no timeout handler configured, recommend restart")
		}
	}
	return w
}

// Feed resets the timer; called by the main loop on every iteration.
func (w *Watchdog) Feed() {
	w.mu.Lock()
	w.lastFeed = time.Now()
	w.mu.Unlock()
}

// RegisterComponent adds a component health check to the sweep.
func (w *Watchdog) RegisterComponent(name string, check HealthCheck) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.components[name] = &watchdogComponent{check: check, status: HealthUnknown}
	log.Infof("[WATCHDOG] registered component %q", name)
}

// CheckComponent runs one component's check and records the result.
func (w *Watchdog) CheckComponent(name string) bool {
	w.mu.Lock()
	component, ok := w.components[name]
	w.mu.Unlock()
	if !ok {
		log.Warnf("[WATCHDOG] unknown component %q", name)
		return false
	}
	healthy := component.check()

	w.mu.Lock()
	defer w.mu.Unlock()
	component.lastCheck = time.Now()
	if healthy {
		component.status = HealthHealthy
		component.failures = 0
	} else {
		component.status = HealthUnhealthy
		component.failures++
		log.Warnf("[WATCHDOG] component %q unhealthy (failures: %d)", name, component.failures)
	}
	return healthy
}

// CheckAll sweeps every registered component.
func (w *Watchdog) CheckAll() map[string]bool {
	w.mu.Lock()
	names := make([]string, 0, len(w.components))
	for name := range w.components {
		names = append(names, name)
	}
	w.mu.Unlock()
	results := make(map[string]bool, len(names))
	for _, name := range names {
		results[name] = w.CheckComponent(name)
	}
	return results
}

// Report returns the watchdog and component status.
func (w *Watchdog) Report() WatchdogReport {
	w.mu.Lock()
	defer w.mu.Unlock()
	sinceFeed := time.Since(w.lastFeed)
	status := "healthy"
	if sinceFeed >= w.timeout {
		status = "timeout"
	}
	report := WatchdogReport{
		Running:       w.running,
		Timeout:       w.timeout.Seconds(),
		LastFeed:      w.lastFeed,
		TimeSinceFeed: roundTo(sinceFeed.Seconds(), 2),
		TimeoutCount:  w.timeoutCount,
		Status:        status,
		Components:    map[string]WatchdogComponentReport{},
	}
	for name, component := range w.components {
		cr := WatchdogComponentReport{Status: component.status, Failures: component.failures}
		if !component.lastCheck.IsZero() {
			t := component.lastCheck
			cr.LastCheck = &t
		}
		report.Components[name] = cr
	}
	return report
}

// TimeoutCount returns how many times the feed window was missed.
func (w *Watchdog) TimeoutCount() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.timeoutCount
}

// Start launches the monitoring loop: every second the feed age is
// checked; a breach bumps the counter, sweeps all components, fires the
// handler once and resets the timer. Components are swept every 10s
// regardless.
func (w *Watchdog) Start() {
	w.mu.Lock()
	if w.running {
		w.mu.Unlock()
		log.Warn("[WATCHDOG] already running")
		return
	}
	w.running = true
	w.lastFeed = time.Now()
	w.stop = make(chan struct{})
	w.mu.Unlock()

	w.wg.Add(1)
	go w.loop()
	log.Infof("[WATCHDOG] started (timeout: %s)", w.timeout)
}

func (w *Watchdog) loop() {
	defer w.wg.Done()
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()
	sweepCountdown := 10
	for {
		select {
		case <-w.stop:
			return
		case <-ticker.C:
		}

		w.mu.Lock()
		sinceFeed := time.Since(w.lastFeed)
		breached := sinceFeed >= w.timeout
		if breached {
			w.timeoutCount++
			// Re-arm so a stalled loop does not re-trigger every second.
			w.lastFeed = time.Now()
		}
		onTimeout := w.onTimeout
		w.mu.Unlock()

		if breached {
			log.Warnf("[WATCHDOG] timeout, %.1fs since last feed (threshold %s)", sinceFeed.Seconds(), w.timeout)
			results := w.CheckAll()
			for name, healthy := range results {
				if !healthy {
					log.Errorf("[WATCHDOG] unhealthy component: %s", name)
				}
			}
			onTimeout()
		}

		sweepCountdown--
		if sweepCountdown <= 0 {
			sweepCountdown = 10
			w.CheckAll()
		}
	}
}

// Stop halts the monitoring loop.
func (w *Watchdog) Stop() {
	w.mu.Lock()
	if !w.running {
		w.mu.Unlock()
		return
	}
	w.running = false
	close(w.stop)
	w.mu.Unlock()
	if !waitTimeout(&w.wg, 5*time.Second) {
		log.Warn("[WATCHDOG] loop did not stop within 5s")
	}
	log.Info("[WATCHDOG] stopped")
}
