package efio

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestConfigStoreDefaults(t *testing.T) {
	store, err := NewConfigStore(t.TempDir())
	require.NoError(t, err)

	mqtt, err := store.LoadMQTTConfig()
	require.NoError(t, err)
	assert.True(t, mqtt.Enabled)
	assert.Equal(t, "localhost", mqtt.Broker)
	assert.Equal(t, 1883, mqtt.Port)
	assert.Equal(t, byte(1), mqtt.QoS)

	can, err := store.LoadCANConfig()
	require.NoError(t, err)
	assert.Equal(t, "mcp2515", can.Controller.Driver)
	assert.Equal(t, 125_000, can.Controller.Bitrate)

	bridge, err := store.LoadModbusBridgeConfig()
	require.NoError(t, err)
	assert.Equal(t, 1.0, bridge.PollInterval)
}

func TestConfigStoreDeviceRoundTrip(t *testing.T) {
	store, err := NewConfigStore(t.TempDir())
	require.NoError(t, err)

	devices := []ModbusDevice{testDevice("d1"), testDevice("d2")}
	devices[1].SlaveID = 2
	devices[1].Registers = []ModbusRegister{{
		Address: 7, FunctionCode: 3, Name: "temp", Poll: true,
		Scaling: &ModbusScaling{Multiplier: 0.1, Decimals: 1}, Unit: "C",
	}}
	require.NoError(t, store.SaveModbusDevices(devices))

	loaded, err := store.LoadModbusDevices()
	require.NoError(t, err)
	assert.Equal(t, devices, loaded)
}

func TestConfigStoreCANBridgeRoundTrip(t *testing.T) {
	store, err := NewConfigStore(t.TempDir())
	require.NoError(t, err)
	cfg := CANBridgeConfig{
		Enabled: true,
		Mappings: []CANMapping{{
			ID: "m1", CANID: 0x0F6, Topic: "vehicle/engine", Name: "Engine",
			Enabled: true, PublishOnChange: true, MinIntervalMs: 100, QoS: 1,
			Format: CANFormatJSON,
		}},
	}
	require.NoError(t, store.SaveCANBridgeConfig(cfg))
	loaded, err := store.LoadCANBridgeConfig()
	require.NoError(t, err)
	assert.Equal(t, cfg, loaded)
}

func TestConfigStoreRawPassthrough(t *testing.T) {
	store, err := NewConfigStore(t.TempDir())
	require.NoError(t, err)

	raw, err := store.LoadRaw(FileUsers)
	require.NoError(t, err)
	assert.JSONEq(t, "{}", string(raw))

	require.NoError(t, store.SaveRaw(FileUsers, json.RawMessage(`{"admin":{"role":"admin"}}`)))
	raw, err = store.LoadRaw(FileUsers)
	require.NoError(t, err)
	assert.JSONEq(t, `{"admin":{"role":"admin"}}`, string(raw))

	assert.Error(t, store.SaveRaw(FileUsers, json.RawMessage(`{broken`)))
}

func TestBackupCreateAndRestore(t *testing.T) {
	dir := t.TempDir()
	store, err := NewConfigStore(filepath.Join(dir, "config"))
	require.NoError(t, err)
	backups, err := NewBackupManager(store, filepath.Join(dir, "backups"))
	require.NoError(t, err)

	devices := []ModbusDevice{testDevice("d1")}
	require.NoError(t, store.SaveModbusDevices(devices))
	require.NoError(t, store.SaveMQTTConfig(DefaultMQTTConfig()))

	path, err := backups.Create("nightly")
	require.NoError(t, err)
	assert.FileExists(t, path)

	list, err := backups.List()
	require.NoError(t, err)
	require.Len(t, list, 1)

	// Wreck the config, then restore from the bundle.
	require.NoError(t, store.SaveModbusDevices(nil))
	require.NoError(t, backups.Restore(list[0].Name))
	loaded, err := store.LoadModbusDevices()
	require.NoError(t, err)
	assert.Equal(t, devices, loaded)
}

func TestBackupRestoreRejectsBadNames(t *testing.T) {
	dir := t.TempDir()
	store, _ := NewConfigStore(filepath.Join(dir, "config"))
	backups, _ := NewBackupManager(store, filepath.Join(dir, "backups"))
	assert.Error(t, backups.Restore("../escape.tar.gz"))
	err := backups.Restore("missing.tar.gz")
	assert.Equal(t, ErrKindNotFound, KindOf(err))
}

func TestLoadSettings(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "efio.ini")
	content := `[server]
listen = :8080
log_level = debug
watchdog_timeout = 90

[paths]
config_dir = /tmp/efio
backup_dir = /tmp/efio/backups

[modbus_ports]
ttyS2 = /dev/ttyUSB0
ttyS7 = /dev/ttyUSB1
`
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))

	settings, err := LoadSettings(path)
	require.NoError(t, err)
	assert.Equal(t, ":8080", settings.HTTPAddr)
	assert.Equal(t, "debug", settings.LogLevel)
	assert.Equal(t, 90, settings.WatchdogTimeoutSec)
	assert.Equal(t, "/tmp/efio", settings.ConfigDir)
	assert.Equal(t, "/dev/ttyUSB0", settings.ModbusPorts["ttyS2"])
	assert.Equal(t, "/dev/ttyUSB1", settings.ModbusPorts["ttyS7"])
}

func TestLoadSettingsMissingFileUsesDefaults(t *testing.T) {
	settings, err := LoadSettings("/nonexistent/efio.ini")
	assert.Error(t, err)
	assert.Equal(t, ":5000", settings.HTTPAddr)
	assert.Equal(t, "/dev/ttyS2", settings.ModbusPorts["ttyS2"])
}
