package efio

import (
	"errors"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"
)

// ErrBreakerOpen is returned by CircuitBreaker.Call when the breaker refuses
// to run the guarded action.
var ErrBreakerOpen = errors.New("circuit breaker is open")

// Breaker states
type BreakerState string

const (
	BreakerClosed   BreakerState = "closed"
	BreakerOpen     BreakerState = "open"
	BreakerHalfOpen BreakerState = "half-open"
)

// BreakerSnapshot is a point-in-time view of a breaker, safe to serialize.
type BreakerSnapshot struct {
	Name             string     `json:"name"`
	State            BreakerState `json:"state"`
	FailureCount     int        `json:"failure_count"`
	FailureThreshold int        `json:"failure_threshold"`
	TimeoutSeconds   float64    `json:"timeout_seconds"`
	LastFailure      *time.Time `json:"last_failure,omitempty"`
}

// CircuitBreaker guards hardware and network actions. After
// failureThreshold expected failures the breaker opens and calls fail fast
// with ErrBreakerOpen until timeout has elapsed; the first caller past the
// deadline runs a single half-open probe while concurrent callers keep
// failing fast until the probe resolves.
type CircuitBreaker struct {
	name             string
	failureThreshold int
	timeout          time.Duration
	isExpected       func(error) bool

	mu          sync.Mutex
	state       BreakerState
	failures    int
	lastFailure time.Time
	probing     bool
}

// NewCircuitBreaker creates a closed breaker. isExpected restricts failure
// counting to the guarded error class; nil counts every error.
func NewCircuitBreaker(name string, failureThreshold int, timeout time.Duration, isExpected func(error) bool) *CircuitBreaker {
	if isExpected == nil {
		isExpected = func(error) bool { return true }
	}
	return &CircuitBreaker{
		name:             name,
		failureThreshold: failureThreshold,
		timeout:          timeout,
		isExpected:       isExpected,
		state:            BreakerClosed,
	}
}

// Call runs fn under breaker protection.
func (cb *CircuitBreaker) Call(fn func() error) error {
	cb.mu.Lock()
	switch cb.state {
	case BreakerOpen:
		if time.Since(cb.lastFailure) < cb.timeout {
			cb.mu.Unlock()
			return ErrBreakerOpen
		}
		// Deadline passed, this caller becomes the half-open probe.
		cb.state = BreakerHalfOpen
		cb.probing = true
		log.Infof("[BREAKER][%s] open -> half-open, probing", cb.name)
	case BreakerHalfOpen:
		if cb.probing {
			cb.mu.Unlock()
			return ErrBreakerOpen
		}
		cb.probing = true
	}
	probe := cb.state == BreakerHalfOpen
	cb.mu.Unlock()

	err := fn()

	cb.mu.Lock()
	defer cb.mu.Unlock()
	if probe {
		cb.probing = false
		if err != nil && cb.isExpected(err) {
			cb.state = BreakerOpen
			cb.lastFailure = time.Now()
			log.Warnf("[BREAKER][%s] half-open probe failed, reopening: %v", cb.name, err)
			return err
		}
		if err == nil {
			cb.state = BreakerClosed
			cb.failures = 0
			log.Infof("[BREAKER][%s] half-open probe succeeded, closing", cb.name)
		}
		return err
	}
	if err != nil && cb.isExpected(err) {
		cb.failures++
		cb.lastFailure = time.Now()
		if cb.state == BreakerClosed && cb.failures >= cb.failureThreshold {
			cb.state = BreakerOpen
			log.Warnf("[BREAKER][%s] opened after %d failures", cb.name, cb.failures)
		}
	}
	return err
}

// RecordFailure counts a failure observed outside Call, e.g. a liveness
// check that tracks its own probing.
func (cb *CircuitBreaker) RecordFailure() {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	cb.failures++
	cb.lastFailure = time.Now()
	if cb.state == BreakerClosed && cb.failures >= cb.failureThreshold {
		cb.state = BreakerOpen
		log.Warnf("[BREAKER][%s] opened after %d failures", cb.name, cb.failures)
	}
}

// RecordSuccess clears the failure streak and closes the breaker.
func (cb *CircuitBreaker) RecordSuccess() {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	cb.failures = 0
	if cb.state != BreakerClosed {
		cb.state = BreakerClosed
		cb.probing = false
		log.Infof("[BREAKER][%s] closed on success", cb.name)
	}
}

// ForceOpen trips the breaker immediately (hardware declared gone).
func (cb *CircuitBreaker) ForceOpen() {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	cb.state = BreakerOpen
	cb.lastFailure = time.Now()
	cb.failures = cb.failureThreshold
}

// Reset clears counters and closes the breaker.
func (cb *CircuitBreaker) Reset() {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	cb.state = BreakerClosed
	cb.failures = 0
	cb.probing = false
	cb.lastFailure = time.Time{}
}

// State returns a snapshot of the breaker.
func (cb *CircuitBreaker) State() BreakerSnapshot {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	snap := BreakerSnapshot{
		Name:             cb.name,
		State:            cb.state,
		FailureCount:     cb.failures,
		FailureThreshold: cb.failureThreshold,
		TimeoutSeconds:   cb.timeout.Seconds(),
	}
	if !cb.lastFailure.IsZero() {
		t := cb.lastFailure
		snap.LastFailure = &t
	}
	return snap
}

// RetryConfig configures Retry. MaxRetries is the total number of attempts.
type RetryConfig struct {
	MaxRetries   int
	InitialDelay time.Duration
	Base         float64
	MaxDelay     time.Duration
	IsExpected   func(error) bool
}

// Retry runs fn up to cfg.MaxRetries times with exponential backoff
// min(initial*base^attempt, max) between attempts. Unexpected errors
// propagate immediately; the last expected error is returned after the
// final attempt.
func Retry(cfg RetryConfig, fn func() error) error {
	if cfg.MaxRetries < 1 {
		cfg.MaxRetries = 1
	}
	if cfg.Base <= 0 {
		cfg.Base = 2
	}
	isExpected := cfg.IsExpected
	if isExpected == nil {
		isExpected = func(error) bool { return true }
	}
	var err error
	delay := cfg.InitialDelay
	for attempt := 0; attempt < cfg.MaxRetries; attempt++ {
		if attempt > 0 {
			time.Sleep(delay)
			delay = time.Duration(float64(delay) * cfg.Base)
			if cfg.MaxDelay > 0 && delay > cfg.MaxDelay {
				delay = cfg.MaxDelay
			}
		}
		err = fn()
		if err == nil {
			return nil
		}
		if !isExpected(err) {
			return err
		}
	}
	return err
}
