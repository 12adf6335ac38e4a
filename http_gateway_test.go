package efio

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// newTestGateway builds a full daemon on simulated hardware and an MQTT
// config with publishing disabled, served over httptest.
func newTestGateway(t *testing.T) (*httptest.Server, *Daemon, *fakeModbusClient, *memController) {
	t.Helper()
	dir := t.TempDir()
	settings := DefaultSettings()
	settings.ConfigDir = filepath.Join(dir, "config")
	settings.BackupDir = filepath.Join(dir, "backups")

	store, err := NewConfigStore(settings.ConfigDir)
	require.NoError(t, err)
	mqttCfg := DefaultMQTTConfig()
	mqttCfg.Enabled = false
	require.NoError(t, store.SaveMQTTConfig(mqttCfg))

	client := newFakeModbusClient()
	client.holding[0] = 123
	client.holding[1] = 456
	dialer := func(portPath string, device ModbusDevice) (ModbusClient, io.Closer, error) {
		return client, nopCloser{}, nil
	}
	ctrl := &memController{}
	factory := func(cfg CANControllerConfig) (Controller, error) { return ctrl, nil }

	daemon, err := NewDaemon(settings, &fakeDIO{}, factory, dialer)
	require.NoError(t, err)
	t.Cleanup(func() {
		daemon.modbus.Stop()
		if daemon.can.Connected() {
			daemon.can.Disconnect()
		}
		daemon.gpio.Stop()
	})

	gateway := NewHTTPGateway(daemon, nil)
	server := httptest.NewServer(gateway.Router())
	t.Cleanup(server.Close)
	return server, daemon, client, ctrl
}

func doJSON(t *testing.T, method, url string, body any) (*http.Response, map[string]any) {
	t.Helper()
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(data)
	}
	req, err := http.NewRequest(method, url, reader)
	require.NoError(t, err)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	var decoded map[string]any
	data, _ := io.ReadAll(resp.Body)
	if len(data) > 0 {
		json.Unmarshal(data, &decoded)
	}
	return resp, decoded
}

func TestHTTPGetIO(t *testing.T) {
	server, _, _, _ := newTestGateway(t)
	resp, body := doJSON(t, "GET", server.URL+"/api/io", nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Len(t, body["di"], NumChannels)
	assert.Len(t, body["do"], NumChannels)
}

func TestHTTPSetDOIdempotentRoundTrip(t *testing.T) {
	server, _, _, _ := newTestGateway(t)

	resp, _ := doJSON(t, "POST", server.URL+"/api/io/do/2", map[string]any{"state": true})
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	_, body := doJSON(t, "GET", server.URL+"/api/io", nil)
	do := body["do"].([]any)
	assert.Equal(t, float64(1), do[2])

	// Re-issuing the same write is idempotent.
	resp, _ = doJSON(t, "POST", server.URL+"/api/io/do/2", map[string]any{"state": true})
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	_, body = doJSON(t, "GET", server.URL+"/api/io", nil)
	assert.Equal(t, float64(1), body["do"].([]any)[2])
}

func TestHTTPSetDOValidation(t *testing.T) {
	server, _, _, _ := newTestGateway(t)
	resp, body := doJSON(t, "POST", server.URL+"/api/io/do/9", map[string]any{"state": true})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	assert.Equal(t, string(ErrKindValidation), body["type"])

	resp, _ = doJSON(t, "POST", server.URL+"/api/io/do/1", map[string]any{"value": 7})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp, _ = doJSON(t, "POST", server.URL+"/api/io/do/1", map[string]any{})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestHTTPModbusDeviceLifecycle(t *testing.T) {
	server, _, _, _ := newTestGateway(t)

	device := testDevice("dev-1")
	resp, _ := doJSON(t, "POST", server.URL+"/api/modbus/devices", device)
	assert.Equal(t, http.StatusCreated, resp.StatusCode)

	// Duplicate create conflicts.
	resp, _ = doJSON(t, "POST", server.URL+"/api/modbus/devices", device)
	assert.Equal(t, http.StatusConflict, resp.StatusCode)

	resp, _ = doJSON(t, "POST", server.URL+"/api/modbus/devices/dev-1/connect", nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	// Modbus read happy path: two holding registers.
	resp, body := doJSON(t, "POST", server.URL+"/api/modbus/devices/dev-1/read",
		modbusReadBody{Register: 0, Count: 2, FunctionCode: 3})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, true, body["success"])
	registers := body["registers"].([]any)
	require.Len(t, registers, 2)
	first := registers[0].(map[string]any)
	assert.Equal(t, float64(0), first["register"])
	assert.Equal(t, float64(123), first["value"])
	second := registers[1].(map[string]any)
	assert.Equal(t, float64(456), second["value"])

	// Breaker is closed with zero failures after the read.
	resp, body = doJSON(t, "GET", server.URL+"/api/modbus/devices/dev-1", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	breaker := body["circuit_breaker"].(map[string]any)
	assert.Equal(t, string(BreakerClosed), breaker["state"])
	assert.Equal(t, float64(0), breaker["failure_count"])

	resp, _ = doJSON(t, "POST", server.URL+"/api/modbus/devices/dev-1/disconnect", nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	resp, _ = doJSON(t, "DELETE", server.URL+"/api/modbus/devices/dev-1", nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	resp, _ = doJSON(t, "GET", server.URL+"/api/modbus/devices/dev-1", nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestHTTPModbusDevicePersistence(t *testing.T) {
	server, daemon, _, _ := newTestGateway(t)
	device := testDevice("dev-1")
	resp, _ := doJSON(t, "POST", server.URL+"/api/modbus/devices", device)
	require.Equal(t, http.StatusCreated, resp.StatusCode)

	// Write-through: the store reflects the new device immediately.
	persisted, err := daemon.store.LoadModbusDevices()
	require.NoError(t, err)
	require.Len(t, persisted, 1)
	assert.Equal(t, "dev-1", persisted[0].ID)
}

func TestHTTPModbusValidationError(t *testing.T) {
	server, _, _, _ := newTestGateway(t)
	device := testDevice("bad")
	device.SlaveID = 300
	resp, body := doJSON(t, "POST", server.URL+"/api/modbus/devices", device)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	assert.Equal(t, string(ErrKindValidation), body["type"])
}

func TestHTTPCANDeviceTimeoutBounds(t *testing.T) {
	server, _, _, _ := newTestGateway(t)

	device := CANDevice{ID: "eng", Name: "Engine", CANID: 0x0F6, Enabled: true, TimeoutThreshold: 10}
	resp, _ := doJSON(t, "POST", server.URL+"/api/can/devices", device)
	require.Equal(t, http.StatusCreated, resp.StatusCode)

	for seconds, want := range map[int]int{
		5:   http.StatusOK,
		300: http.StatusOK,
		4:   http.StatusBadRequest,
		301: http.StatusBadRequest,
	} {
		resp, _ := doJSON(t, "PUT", server.URL+"/api/can/devices/eng/timeout",
			canTimeoutBody{TimeoutThreshold: seconds})
		assert.Equal(t, want, resp.StatusCode, "timeout %d", seconds)
	}
}

func TestHTTPCANSendNotConnected(t *testing.T) {
	server, _, _, _ := newTestGateway(t)
	resp, _ := doJSON(t, "POST", server.URL+"/api/can/send",
		map[string]any{"can_id": "0x0F6", "data": []int{1, 2}})
	assert.Equal(t, http.StatusConflict, resp.StatusCode)
}

func TestHTTPCANConnectAndSend(t *testing.T) {
	server, _, _, ctrl := newTestGateway(t)
	resp, _ := doJSON(t, "POST", server.URL+"/api/can/connect", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	resp, _ = doJSON(t, "POST", server.URL+"/api/can/send",
		map[string]any{"can_id": "0x0F6", "data": []int{1, 2}})
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	ctrl.mu.Lock()
	assert.Len(t, ctrl.sent, 1)
	ctrl.mu.Unlock()

	resp, body := doJSON(t, "GET", server.URL+"/api/can/status", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, true, body["connected"])

	resp, _ = doJSON(t, "POST", server.URL+"/api/can/disconnect", nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestHTTPCANFilterValidate(t *testing.T) {
	server, _, _, _ := newTestGateway(t)
	resp, _ := doJSON(t, "POST", server.URL+"/api/can/filters/validate",
		canFiltersBody{Filters: []CANFilter{{ID: 0x0F6, Mask: 0x7FF}}})
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	resp, _ = doJSON(t, "POST", server.URL+"/api/can/filters/validate",
		canFiltersBody{Filters: []CANFilter{{ID: 0x800, Mask: 0x7FF}}})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestHTTPHealthEndpoints(t *testing.T) {
	server, _, _, _ := newTestGateway(t)

	resp, body := doJSON(t, "GET", server.URL+"/api/health", nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, body, "status")
	assert.Contains(t, body, "components")

	resp, _ = doJSON(t, "GET", server.URL+"/api/health/live", nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	resp, _ = doJSON(t, "GET", server.URL+"/api/health/ready", nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	resp, body = doJSON(t, "GET", server.URL+"/api/health/watchdog", nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, body, "timeout_count")

	resp, _ = doJSON(t, "GET", server.URL+"/api/health/metrics", nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestHTTPBridgeEndpoints(t *testing.T) {
	server, _, _, _ := newTestGateway(t)

	mapping := engineMapping()
	resp, _ := doJSON(t, "POST", server.URL+"/api/can-mqtt/mappings", mapping)
	assert.Equal(t, http.StatusCreated, resp.StatusCode)

	resp, body := doJSON(t, "GET", server.URL+"/api/can-mqtt/status", nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, false, body["running"])
	assert.Equal(t, float64(1), body["mappings_count"])

	// MQTT is disabled in the test config, so starting refuses.
	resp, _ = doJSON(t, "POST", server.URL+"/api/can-mqtt/start", nil)
	assert.Equal(t, http.StatusConflict, resp.StatusCode)

	resp, _ = doJSON(t, "POST", server.URL+"/api/modbus-mqtt/start", nil)
	assert.Equal(t, http.StatusConflict, resp.StatusCode)

	resp, _ = doJSON(t, "DELETE", server.URL+fmt.Sprintf("/api/can-mqtt/mappings/%s", mapping.ID), nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestHTTPBackupEndpoints(t *testing.T) {
	server, _, _, _ := newTestGateway(t)
	resp, body := doJSON(t, "POST", server.URL+"/api/backups", map[string]string{"name": "test"})
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	assert.NotEmpty(t, body["path"])

	resp, _ = doJSON(t, "GET", server.URL+"/api/backups", nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}
