package efio

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

var errBoom = errors.New("boom")

func failingCall(err error) func() error {
	return func() error { return err }
}

func TestBreakerOpensAfterThreshold(t *testing.T) {
	cb := NewCircuitBreaker("test", 3, time.Minute, nil)
	for i := 0; i < 3; i++ {
		assert.Equal(t, errBoom, cb.Call(failingCall(errBoom)))
	}
	assert.Equal(t, BreakerOpen, cb.State().State)

	// Fail fast without running the guarded action.
	ran := false
	err := cb.Call(func() error { ran = true; return nil })
	assert.Equal(t, ErrBreakerOpen, err)
	assert.False(t, ran)
}

func TestBreakerHalfOpenProbe(t *testing.T) {
	cb := NewCircuitBreaker("test", 1, 20*time.Millisecond, nil)
	assert.Error(t, cb.Call(failingCall(errBoom)))
	assert.Equal(t, BreakerOpen, cb.State().State)

	time.Sleep(30 * time.Millisecond)

	// First call past the deadline is the probe; success closes.
	assert.NoError(t, cb.Call(func() error { return nil }))
	snap := cb.State()
	assert.Equal(t, BreakerClosed, snap.State)
	assert.Equal(t, 0, snap.FailureCount)
}

func TestBreakerHalfOpenFailureReopens(t *testing.T) {
	cb := NewCircuitBreaker("test", 1, 10*time.Millisecond, nil)
	assert.Error(t, cb.Call(failingCall(errBoom)))
	time.Sleep(20 * time.Millisecond)
	assert.Error(t, cb.Call(failingCall(errBoom)))
	assert.Equal(t, BreakerOpen, cb.State().State)
	// And fails fast again until the next window.
	assert.Equal(t, ErrBreakerOpen, cb.Call(func() error { return nil }))
}

func TestBreakerUnexpectedErrorsBypassCounting(t *testing.T) {
	expected := errors.New("expected")
	cb := NewCircuitBreaker("test", 1, time.Minute, func(err error) bool {
		return errors.Is(err, expected)
	})
	// Unexpected failures propagate but never trip the breaker.
	for i := 0; i < 5; i++ {
		assert.Equal(t, errBoom, cb.Call(failingCall(errBoom)))
	}
	assert.Equal(t, BreakerClosed, cb.State().State)

	assert.Error(t, cb.Call(failingCall(expected)))
	assert.Equal(t, BreakerOpen, cb.State().State)
}

func TestBreakerSuccessInClosedDoesNotDecrement(t *testing.T) {
	cb := NewCircuitBreaker("test", 3, time.Minute, nil)
	assert.Error(t, cb.Call(failingCall(errBoom)))
	assert.Error(t, cb.Call(failingCall(errBoom)))
	assert.NoError(t, cb.Call(func() error { return nil }))
	assert.Equal(t, 2, cb.State().FailureCount)
	assert.Error(t, cb.Call(failingCall(errBoom)))
	assert.Equal(t, BreakerOpen, cb.State().State)
}

func TestBreakerReset(t *testing.T) {
	cb := NewCircuitBreaker("test", 1, time.Hour, nil)
	assert.Error(t, cb.Call(failingCall(errBoom)))
	assert.Equal(t, BreakerOpen, cb.State().State)
	cb.Reset()
	snap := cb.State()
	assert.Equal(t, BreakerClosed, snap.State)
	assert.Equal(t, 0, snap.FailureCount)
	assert.NoError(t, cb.Call(func() error { return nil }))
}

func TestRetryReturnsLastError(t *testing.T) {
	attempts := 0
	err := Retry(RetryConfig{MaxRetries: 3, InitialDelay: time.Millisecond, Base: 2}, func() error {
		attempts++
		return errBoom
	})
	assert.Equal(t, errBoom, err)
	assert.Equal(t, 3, attempts)
}

func TestRetrySucceedsMidway(t *testing.T) {
	attempts := 0
	err := Retry(RetryConfig{MaxRetries: 5, InitialDelay: time.Millisecond, Base: 2}, func() error {
		attempts++
		if attempts < 3 {
			return errBoom
		}
		return nil
	})
	assert.NoError(t, err)
	assert.Equal(t, 3, attempts)
}

func TestRetryUnexpectedErrorPropagatesImmediately(t *testing.T) {
	fatal := errors.New("fatal")
	attempts := 0
	err := Retry(RetryConfig{
		MaxRetries:   5,
		InitialDelay: time.Millisecond,
		Base:         2,
		IsExpected:   func(err error) bool { return !errors.Is(err, fatal) },
	}, func() error {
		attempts++
		return fatal
	})
	assert.Equal(t, fatal, err)
	assert.Equal(t, 1, attempts)
}
