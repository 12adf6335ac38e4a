package efio

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// memController is an in-memory Controller for manager tests.
type memController struct {
	mu        sync.Mutex
	queue     []CANFrame
	sent      []CANFrame
	initErr   error
	readErr   error
	probeErr  error
	sendErr   error
	closed    bool
	bitrate   int
	initCalls int
}

func (c *memController) Init(bitrate int) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.initCalls++
	c.bitrate = bitrate
	return c.initErr
}

func (c *memController) Available() (bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.readErr != nil {
		return false, c.readErr
	}
	return len(c.queue) > 0, nil
}

func (c *memController) ReadMessage() (*CANFrame, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.readErr != nil {
		return nil, c.readErr
	}
	if len(c.queue) == 0 {
		return nil, nil
	}
	frame := c.queue[0]
	c.queue = c.queue[1:]
	return &frame, nil
}

func (c *memController) SendMessage(frame CANFrame) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.sendErr != nil {
		return c.sendErr
	}
	c.sent = append(c.sent, frame)
	return nil
}

func (c *memController) ReadRegister(addr byte) (byte, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.probeErr != nil {
		return 0, c.probeErr
	}
	return 0x00, nil
}

func (c *memController) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
	return nil
}

func (c *memController) inject(frame CANFrame) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.queue = append(c.queue, frame)
}

func newTestCANManager(ctrl *memController) *CANManager {
	factory := func(cfg CANControllerConfig) (Controller, error) {
		return ctrl, nil
	}
	cfg := CANControllerConfig{Driver: "mcp2515", Bitrate: 125_000, CrystalHz: Crystal8MHz}
	return NewCANManager(factory, cfg, NewHealthRegistry())
}

func engineFrame(data ...byte) CANFrame {
	frame := CANFrame{ID: 0x0F6, DLC: uint8(len(data))}
	copy(frame.Data[:], data)
	return frame
}

func waitFor(t *testing.T, timeout time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition not met in time")
}

func TestCANDeviceValidation(t *testing.T) {
	d := CANDevice{ID: "eng", CANID: 0x0F6, Enabled: true}
	require.NoError(t, d.Validate())

	bad := d
	bad.CANID = 0x800
	assert.Error(t, bad.Validate())

	bad = d
	bad.Extended = true
	bad.CANID = 0x1FFFFFFF
	assert.NoError(t, bad.Validate())
	bad.CANID = 0x20000000
	assert.Error(t, bad.Validate())

	// Threshold bounds: 5 and 300 accepted, 4 and 301 rejected.
	bad = d
	bad.TimeoutThreshold = 5
	assert.NoError(t, bad.Validate())
	bad.TimeoutThreshold = 300
	assert.NoError(t, bad.Validate())
	bad.TimeoutThreshold = 4
	assert.Error(t, bad.Validate())
	bad.TimeoutThreshold = 301
	assert.Error(t, bad.Validate())
}

func TestCANConnectAndRX(t *testing.T) {
	ctrl := &memController{}
	m := newTestCANManager(ctrl)
	require.NoError(t, m.AddDevice(CANDevice{ID: "eng", Name: "Engine", CANID: 0x0F6, Enabled: true, TimeoutThreshold: 10}))
	require.NoError(t, m.Connect())
	defer m.Disconnect()

	assert.Equal(t, ErrKindConflict, KindOf(m.Connect()))

	ctrl.inject(engineFrame(0x8E, 0x87, 0x32, 0xFA, 0x26, 0x8E, 0xBE, 0x86))
	waitFor(t, 2*time.Second, func() bool {
		status, _ := m.GetDevice("eng")
		return status.RXCount == 1
	})

	status, err := m.GetDevice("eng")
	require.NoError(t, err)
	assert.Equal(t, uint64(1), status.RXCount)
	assert.True(t, status.Alive)
	require.NotNil(t, status.LastRX)

	mgrStatus := m.Status()
	assert.True(t, mgrStatus.Connected)
	assert.Equal(t, uint64(1), mgrStatus.Stats.RXTotal)
	assert.Equal(t, 1, mgrStatus.AliveDevices)

	messages := m.RecentMessages(10)
	require.Len(t, messages, 1)
	assert.Equal(t, uint32(0x0F6), messages[0].CANID)
	assert.Equal(t, DirectionRX, messages[0].Direction)
}

func TestCANRXFanOut(t *testing.T) {
	ctrl := &memController{}
	m := newTestCANManager(ctrl)
	require.NoError(t, m.Connect())
	defer m.Disconnect()

	entries, cancel := m.Subscribe(8)
	defer cancel()

	ctrl.inject(engineFrame(0x01))
	select {
	case entry := <-entries:
		assert.Equal(t, uint32(0x0F6), entry.CANID)
		assert.Equal(t, []int{0x01}, entry.Data)
	case <-time.After(2 * time.Second):
		t.Fatal("no fan-out entry")
	}
}

func TestCANLastRXMonotonic(t *testing.T) {
	m := newTestCANManager(&memController{})
	require.NoError(t, m.AddDevice(CANDevice{ID: "eng", CANID: 0x0F6, Enabled: true}))

	now := time.Now()
	older := engineFrame(0x01)
	older.Timestamp = now
	m.handleRXFrame(older)

	stale := engineFrame(0x02)
	stale.Timestamp = now.Add(-time.Second)
	m.handleRXFrame(stale)

	status, _ := m.GetDevice("eng")
	require.NotNil(t, status.LastRX)
	assert.Equal(t, uint64(2), status.RXCount)
	assert.False(t, status.LastRX.Before(now))
}

func TestCANDisabledDeviceNotCounted(t *testing.T) {
	m := newTestCANManager(&memController{})
	require.NoError(t, m.AddDevice(CANDevice{ID: "eng", CANID: 0x0F6, Enabled: false}))
	m.handleRXFrame(engineFrame(0x01))
	status, _ := m.GetDevice("eng")
	assert.Equal(t, uint64(0), status.RXCount)
	assert.Nil(t, status.LastRX)
}

func TestCANSend(t *testing.T) {
	ctrl := &memController{}
	m := newTestCANManager(ctrl)
	require.NoError(t, m.AddDevice(CANDevice{ID: "eng", CANID: 0x0F6, Enabled: true}))
	require.NoError(t, m.Connect())
	defer m.Disconnect()

	require.NoError(t, m.Send(0x0F6, []byte{1, 2, 3}, false))
	ctrl.mu.Lock()
	require.Len(t, ctrl.sent, 1)
	assert.Equal(t, uint8(3), ctrl.sent[0].DLC)
	ctrl.mu.Unlock()

	status, _ := m.GetDevice("eng")
	assert.Equal(t, uint64(1), status.TXCount)
	assert.Equal(t, uint64(1), m.Status().Stats.TXTotal)

	// Oversized payload rejected, not connected rejected.
	assert.Equal(t, ErrKindValidation, KindOf(m.Send(1, make([]byte, 9), false)))
	require.NoError(t, m.Disconnect())
	assert.Equal(t, ErrKindConflict, KindOf(m.Send(1, nil, false)))
	require.NoError(t, m.Connect())
}

func TestCANTimeoutCountedOncePerLapse(t *testing.T) {
	m := newTestCANManager(&memController{})
	require.NoError(t, m.AddDevice(CANDevice{ID: "eng", Name: "Engine", CANID: 0x0F6, Enabled: true, TimeoutThreshold: 10}))

	// One frame, then silence past the threshold.
	frame := engineFrame(0x01)
	frame.Timestamp = time.Now().Add(-11 * time.Second)
	m.handleRXFrame(frame)

	m.checkDeviceTimeouts()
	m.checkDeviceTimeouts()
	m.checkDeviceTimeouts()
	assert.Equal(t, uint64(1), m.Status().Stats.DeviceTimeouts)

	// Recovery re-arms counting.
	fresh := engineFrame(0x02)
	fresh.Timestamp = time.Now()
	m.handleRXFrame(fresh)
	m.checkDeviceTimeouts()
	assert.Equal(t, uint64(1), m.Status().Stats.DeviceTimeouts)

	// A new lapse counts exactly once more.
	m.mu.Lock()
	m.devices["eng"].lastRX = time.Now().Add(-11 * time.Second)
	m.mu.Unlock()
	m.checkDeviceTimeouts()
	m.checkDeviceTimeouts()
	assert.Equal(t, uint64(2), m.Status().Stats.DeviceTimeouts)
}

func TestCANRXErrorsTriggerCleanup(t *testing.T) {
	ctrl := &memController{}
	m := newTestCANManager(ctrl)
	require.NoError(t, m.Connect())

	ctrl.mu.Lock()
	ctrl.readErr = newTransportError(TransportSPI, "spi transfer failed", nil)
	ctrl.probeErr = ctrl.readErr
	ctrl.mu.Unlock()

	waitFor(t, 10*time.Second, func() bool {
		return !m.Connected()
	})
	assert.Equal(t, BreakerOpen, m.HardwareBreaker().State)
	assert.Greater(t, m.Status().Stats.AutoCleanups, uint64(0))
	ctrl.mu.Lock()
	assert.True(t, ctrl.closed)
	ctrl.mu.Unlock()
}

func TestCANSetDeviceTimeoutBounds(t *testing.T) {
	m := newTestCANManager(&memController{})
	require.NoError(t, m.AddDevice(CANDevice{ID: "eng", CANID: 0x0F6, Enabled: true}))
	assert.NoError(t, m.SetDeviceTimeout("eng", 5))
	assert.NoError(t, m.SetDeviceTimeout("eng", 300))
	assert.Equal(t, ErrKindValidation, KindOf(m.SetDeviceTimeout("eng", 4)))
	assert.Equal(t, ErrKindValidation, KindOf(m.SetDeviceTimeout("eng", 301)))
	assert.Equal(t, ErrKindNotFound, KindOf(m.SetDeviceTimeout("ghost", 30)))
}

func TestCANDeviceRegistry(t *testing.T) {
	m := newTestCANManager(&memController{})
	require.NoError(t, m.AddDevice(CANDevice{ID: "a", CANID: 0x100, Enabled: true}))
	assert.Equal(t, ErrKindConflict, KindOf(m.AddDevice(CANDevice{ID: "a", CANID: 0x100})))

	require.NoError(t, m.UpdateDevice(CANDevice{ID: "a", Name: "renamed", CANID: 0x101, Enabled: true}))
	status, _ := m.GetDevice("a")
	assert.Equal(t, "renamed", status.Name)

	_, err := m.DeviceBreaker("a")
	assert.NoError(t, err)
	require.NoError(t, m.RemoveDevice("a"))
	_, err = m.DeviceBreaker("a")
	assert.Equal(t, ErrKindNotFound, KindOf(err))
	assert.Equal(t, ErrKindNotFound, KindOf(m.RemoveDevice("a")))
}

func TestCANScanNodesGroupsByID(t *testing.T) {
	ctrl := &memController{}
	m := newTestCANManager(ctrl)
	m.observeWindow = 200 * time.Millisecond
	require.NoError(t, m.Connect())
	defer m.Disconnect()

	go func() {
		// Give ScanNodes a moment to clear the log first.
		time.Sleep(50 * time.Millisecond)
		for i := 0; i < 3; i++ {
			ctrl.inject(engineFrame(byte(i)))
		}
		other := CANFrame{ID: 0x200, DLC: 1}
		ctrl.inject(other)
	}()

	nodes, err := m.ScanNodes()
	require.NoError(t, err)
	require.Len(t, nodes, 2)
	assert.Equal(t, uint32(0x0F6), nodes[0].CANID)
	assert.Equal(t, 3, nodes[0].Count)
	assert.Equal(t, uint32(0x200), nodes[1].CANID)
}

func TestCANDetectBitrateNoTraffic(t *testing.T) {
	ctrl := &memController{}
	m := newTestCANManager(ctrl)
	m.observeWindow = 50 * time.Millisecond

	result, err := m.DetectBitrate([]int{125_000, 250_000})
	require.NoError(t, err)
	assert.False(t, result.Detected)
	assert.Len(t, result.Tried, 2)
	// Controller is left disconnected after a failed detection.
	assert.False(t, m.Connected())
}

func TestCANDetectBitrateFindsBusyRate(t *testing.T) {
	ctrl := &memController{}
	m := newTestCANManager(ctrl)
	m.observeWindow = 300 * time.Millisecond

	// Feed frames continuously; every candidate sees traffic, the busiest
	// scoring run wins and the chosen rate is stored.
	stop := make(chan struct{})
	defer close(stop)
	go func() {
		for i := 0; ; i++ {
			select {
			case <-stop:
				return
			case <-time.After(5 * time.Millisecond):
				ctrl.inject(engineFrame(byte(i)))
			}
		}
	}()

	result, err := m.DetectBitrate([]int{125_000})
	require.NoError(t, err)
	assert.True(t, result.Detected)
	assert.Equal(t, 125_000, result.Bitrate)
	assert.False(t, m.Connected())
}

func TestCANFilters(t *testing.T) {
	m := newTestCANManager(&memController{})
	filters := []CANFilter{{ID: 0x0F6, Mask: 0x7FF, Enabled: true}}
	require.NoError(t, m.ApplyFilters(filters))
	assert.Equal(t, filters, m.Filters())

	bad := []CANFilter{{ID: 0x800, Mask: 0x7FF}}
	assert.Equal(t, ErrKindValidation, KindOf(m.ApplyFilters(bad)))
}

func TestCANResetStatistics(t *testing.T) {
	m := newTestCANManager(&memController{})
	require.NoError(t, m.AddDevice(CANDevice{ID: "eng", CANID: 0x0F6, Enabled: true}))
	m.handleRXFrame(engineFrame(0x01))
	require.Equal(t, uint64(1), m.Status().Stats.RXTotal)
	m.ResetStatistics()
	assert.Equal(t, uint64(0), m.Status().Stats.RXTotal)
	status, _ := m.GetDevice("eng")
	assert.Equal(t, uint64(0), status.RXCount)
}
