package efio

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
)

// Config file names under the config directory.
const (
	FileUsers         = "users.json"
	FileNetworkConfig = "network_config.json"
	FileIOConfig      = "io_config.json"
	FileAlarmConfig   = "alarm_config.json"
	FileModbusDevices = "modbus_devices.json"
	FileMQTTConfig    = "mqtt_config.json"
	FileModbusBridge  = "modbus_mqtt_bridge.json"
	FileCANConfig     = "can_config.json"
	FileCANBridge     = "can_mqtt_bridge.json"
)

// configFiles are the documents included in backups.
var configFiles = []string{
	FileUsers, FileNetworkConfig, FileIOConfig, FileAlarmConfig,
	FileModbusDevices, FileMQTTConfig, FileModbusBridge,
	FileCANConfig, FileCANBridge,
}

// CANConfig mirrors can_config.json.
type CANConfig struct {
	Controller  CANControllerConfig `json:"controller"`
	Devices     []CANDevice         `json:"devices"`
	Filters     []CANFilter         `json:"filters"`
	AutoConnect bool                `json:"auto_connect"`
}

// ModbusBridgeConfig mirrors modbus_mqtt_bridge.json. PollInterval is in
// seconds.
type ModbusBridgeConfig struct {
	Enabled      bool            `json:"enabled"`
	PollInterval float64         `json:"poll_interval"`
	Mappings     []ModbusMapping `json:"mappings"`
}

// CANBridgeConfig mirrors can_mqtt_bridge.json.
type CANBridgeConfig struct {
	Enabled  bool         `json:"enabled"`
	Mappings []CANMapping `json:"mappings"`
}

// ConfigStore persists every configuration document as a JSON file under
// one directory. Mutating API calls save the document they change. The
// bridge mapping handlers and the Modbus bridge config handler save first
// and then update the in-memory copy; the CAN bridge config handler and the
// Modbus and CAN device handlers update memory first and then save.
type ConfigStore struct {
	dir string
	mu  sync.Mutex
}

func NewConfigStore(dir string) (*ConfigStore, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("config dir: %w", err)
	}
	return &ConfigStore{dir: dir}, nil
}

func (s *ConfigStore) Dir() string {
	return s.dir
}

func (s *ConfigStore) path(name string) string {
	return filepath.Join(s.dir, name)
}

// load decodes a file into v; a missing file leaves v untouched and
// returns false.
func (s *ConfigStore) load(name string, v any) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	data, err := os.ReadFile(s.path(name))
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return false, nil
		}
		return false, fmt.Errorf("read %s: %w", name, err)
	}
	if err := json.Unmarshal(data, v); err != nil {
		return false, fmt.Errorf("parse %s: %w", name, err)
	}
	return true, nil
}

// save writes v atomically (temp file + rename).
func (s *ConfigStore) save(name string, v any) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("encode %s: %w", name, err)
	}
	tmp := s.path(name) + ".tmp"
	if err := os.WriteFile(tmp, append(data, '\n'), 0o644); err != nil {
		return fmt.Errorf("write %s: %w", name, err)
	}
	return os.Rename(tmp, s.path(name))
}

func (s *ConfigStore) LoadMQTTConfig() (MQTTConfig, error) {
	cfg := DefaultMQTTConfig()
	_, err := s.load(FileMQTTConfig, &cfg)
	return cfg, err
}

func (s *ConfigStore) SaveMQTTConfig(cfg MQTTConfig) error {
	return s.save(FileMQTTConfig, cfg)
}

func (s *ConfigStore) LoadModbusDevices() ([]ModbusDevice, error) {
	var devices []ModbusDevice
	_, err := s.load(FileModbusDevices, &devices)
	return devices, err
}

func (s *ConfigStore) SaveModbusDevices(devices []ModbusDevice) error {
	return s.save(FileModbusDevices, devices)
}

func (s *ConfigStore) LoadCANConfig() (CANConfig, error) {
	cfg := CANConfig{
		Controller: CANControllerConfig{
			Driver:    "mcp2515",
			Bitrate:   125_000,
			CrystalHz: Crystal8MHz,
		},
	}
	_, err := s.load(FileCANConfig, &cfg)
	return cfg, err
}

func (s *ConfigStore) SaveCANConfig(cfg CANConfig) error {
	return s.save(FileCANConfig, cfg)
}

func (s *ConfigStore) LoadModbusBridgeConfig() (ModbusBridgeConfig, error) {
	cfg := ModbusBridgeConfig{PollInterval: 1.0}
	_, err := s.load(FileModbusBridge, &cfg)
	return cfg, err
}

func (s *ConfigStore) SaveModbusBridgeConfig(cfg ModbusBridgeConfig) error {
	return s.save(FileModbusBridge, cfg)
}

func (s *ConfigStore) LoadCANBridgeConfig() (CANBridgeConfig, error) {
	var cfg CANBridgeConfig
	_, err := s.load(FileCANBridge, &cfg)
	return cfg, err
}

func (s *ConfigStore) SaveCANBridgeConfig(cfg CANBridgeConfig) error {
	return s.save(FileCANBridge, cfg)
}

// LoadRaw passes a document through untouched, for the stores owned by
// out-of-scope collaborators (users, network, io, alarms).
func (s *ConfigStore) LoadRaw(name string) (json.RawMessage, error) {
	var raw json.RawMessage
	ok, err := s.load(name, &raw)
	if err != nil {
		return nil, err
	}
	if !ok {
		return json.RawMessage("{}"), nil
	}
	return raw, nil
}

func (s *ConfigStore) SaveRaw(name string, raw json.RawMessage) error {
	var v any
	if err := json.Unmarshal(raw, &v); err != nil {
		return newValidationError("document is not valid JSON: %v", err)
	}
	return s.save(name, v)
}
