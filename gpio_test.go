package efio

import (
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeDIO is an in-memory DigitalIO backend.
type fakeDIO struct {
	mu         sync.Mutex
	claimErr   error
	readErr    error
	writeErr   error
	inputs     [NumChannels]int
	outputs    [NumChannels]int
	claimCalls int
}

func (f *fakeDIO) Claim() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.claimCalls++
	return f.claimErr
}

func (f *fakeDIO) ReadInputs() ([NumChannels]int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.readErr != nil {
		return [NumChannels]int{}, f.readErr
	}
	return f.inputs, nil
}

func (f *fakeDIO) WriteOutput(ch, value int) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.writeErr != nil {
		return f.writeErr
	}
	f.outputs[ch] = value
	return nil
}

func (f *fakeDIO) Close() error { return nil }

func (f *fakeDIO) set(fn func(*fakeDIO)) {
	f.mu.Lock()
	defer f.mu.Unlock()
	fn(f)
}

// fakePublisher records publishes, usable wherever a Publisher is needed.
type fakePublisher struct {
	mu        sync.Mutex
	enabled   bool
	connected bool
	published []publishedMessage
	failWith  error
}

type publishedMessage struct {
	Topic   string
	Payload any
	QoS     byte
	Retain  bool
}

func newFakePublisher() *fakePublisher {
	return &fakePublisher{enabled: true, connected: true}
}

func (p *fakePublisher) Publish(topic string, payload any, qos byte, retain bool) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.failWith != nil {
		return p.failWith
	}
	p.published = append(p.published, publishedMessage{topic, payload, qos, retain})
	return nil
}

func (p *fakePublisher) Connected() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.connected
}

func (p *fakePublisher) Enabled() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.enabled
}

func (p *fakePublisher) messages() []publishedMessage {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]publishedMessage, len(p.published))
	copy(out, p.published)
	return out
}

func (p *fakePublisher) onTopic(topic string) []publishedMessage {
	var out []publishedMessage
	for _, m := range p.messages() {
		if m.Topic == topic {
			out = append(out, m)
		}
	}
	return out
}

func TestGPIOClaimFailureEntersSimulation(t *testing.T) {
	dio := &fakeDIO{claimErr: errors.New("no gpiochip")}
	state := NewIOState()
	health := NewHealthRegistry()
	f := NewGPIOFrontend(dio, state, health, nil)
	defer f.Stop()

	assert.True(t, state.Simulation())
	assert.True(t, f.Recovering())
	c, _ := health.Get("gpio")
	assert.Equal(t, HealthDegraded, c.Status)
}

func TestGPIOPollWritesInputsToState(t *testing.T) {
	dio := &fakeDIO{}
	state := NewIOState()
	f := NewGPIOFrontend(dio, state, NewHealthRegistry(), nil)
	defer f.Stop()

	dio.set(func(d *fakeDIO) { d.inputs = [NumChannels]int{1, 0, 1, 0} })
	f.pollOnce()
	assert.Equal(t, [NumChannels]int{1, 0, 1, 0}, state.DI())
}

func TestGPIOConsecutiveReadFailuresDegrade(t *testing.T) {
	dio := &fakeDIO{}
	state := NewIOState()
	health := NewHealthRegistry()
	f := NewGPIOFrontend(dio, state, health, nil)
	f.recoveryInitial = time.Hour // keep recovery quiet during the test
	defer f.Stop()

	// One good cycle first, then force read failures.
	dio.set(func(d *fakeDIO) { d.inputs = [NumChannels]int{1, 1, 0, 0} })
	f.pollOnce()
	require.Equal(t, [NumChannels]int{1, 1, 0, 0}, state.DI())

	dio.set(func(d *fakeDIO) { d.readErr = errors.New("io error") })
	for i := 0; i < gpioFailureThreshold; i++ {
		f.pollOnce()
	}
	assert.True(t, state.Simulation())
	// Last good DI snapshot is still served.
	assert.Equal(t, [NumChannels]int{1, 1, 0, 0}, state.DI())
	c, _ := health.Get("gpio")
	assert.Equal(t, HealthDegraded, c.Status)
}

func TestGPIORecoveryClearsSimulation(t *testing.T) {
	dio := &fakeDIO{claimErr: errors.New("not yet")}
	state := NewIOState()
	f := NewGPIOFrontend(dio, state, NewHealthRegistry(), nil)
	defer f.Stop()

	// The constructor already started recovery; flip the claim to succeed
	// before the first retry fires.
	dio.set(func(d *fakeDIO) { d.claimErr = nil })

	// Wait for the pending recovery task to succeed (first retry fires
	// after the initial 2s backoff from construction).
	deadline := time.Now().Add(4 * time.Second)
	for time.Now().Before(deadline) {
		if !state.Simulation() {
			break
		}
		time.Sleep(20 * time.Millisecond)
	}
	assert.False(t, state.Simulation())
}

func TestGPIOWriteOutputStateFirst(t *testing.T) {
	dio := &fakeDIO{}
	state := NewIOState()
	pub := newFakePublisher()
	f := NewGPIOFrontend(dio, state, NewHealthRegistry(), pub)
	defer f.Stop()

	require.NoError(t, f.WriteOutput(2, 1))
	assert.Equal(t, [NumChannels]int{0, 0, 1, 0}, state.DO())
	dio.mu.Lock()
	assert.Equal(t, 1, dio.outputs[2])
	dio.mu.Unlock()

	// Feedback publish, retained.
	feedback := pub.onTopic("edgeforce/io/do/3")
	require.Len(t, feedback, 1)
	assert.True(t, feedback[0].Retain)
	assert.Equal(t, 1, feedback[0].Payload)
}

func TestGPIOWriteFailureKeepsState(t *testing.T) {
	dio := &fakeDIO{writeErr: errors.New("line stuck")}
	state := NewIOState()
	f := NewGPIOFrontend(dio, state, NewHealthRegistry(), nil)
	f.recoveryInitial = time.Hour
	defer f.Stop()

	require.NoError(t, f.WriteOutput(0, 1))
	// State is authoritative even though the hardware write failed.
	assert.Equal(t, [NumChannels]int{1, 0, 0, 0}, state.DO())
	assert.True(t, state.Simulation())
}

func TestGPIOWriteValidation(t *testing.T) {
	f := NewGPIOFrontend(&fakeDIO{}, NewIOState(), NewHealthRegistry(), nil)
	defer f.Stop()
	assert.Error(t, f.WriteOutput(9, 1))
	assert.Error(t, f.WriteOutput(0, 5))
}

func TestGPIOPublishesDIChangesOnly(t *testing.T) {
	dio := &fakeDIO{}
	state := NewIOState()
	pub := newFakePublisher()
	f := NewGPIOFrontend(dio, state, NewHealthRegistry(), pub)
	defer f.Stop()

	dio.set(func(d *fakeDIO) { d.inputs = [NumChannels]int{1, 0, 0, 0} })
	f.pollOnce()
	f.pollOnce() // unchanged, nothing new published

	di1 := pub.onTopic("edgeforce/io/di/1")
	require.Len(t, di1, 1)
	assert.Equal(t, 1, di1[0].Payload)
	assert.True(t, di1[0].Retain)

	dio.set(func(d *fakeDIO) { d.inputs = [NumChannels]int{0, 0, 0, 0} })
	f.pollOnce()
	di1 = pub.onTopic("edgeforce/io/di/1")
	require.Len(t, di1, 2)
	assert.Equal(t, 0, di1[1].Payload)
}
