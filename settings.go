package efio

import (
	"fmt"

	"gopkg.in/ini.v1"
)

// Settings are the daemon boot options read from efio.ini. Everything the
// gateway mutates at runtime lives in the JSON config store instead.
type Settings struct {
	HTTPAddr  string
	ConfigDir string
	BackupDir string
	LogLevel  string

	// Serial port token to device path mapping for the RS-485 ports.
	ModbusPorts map[string]string

	WatchdogTimeoutSec int
}

// DefaultSettings matches a stock controller.
func DefaultSettings() Settings {
	return Settings{
		HTTPAddr:  ":5000",
		ConfigDir: "/var/lib/efio",
		BackupDir: "/var/lib/efio/backups",
		LogLevel:  "info",
		ModbusPorts: map[string]string{
			"ttyS2": "/dev/ttyS2",
			"ttyS7": "/dev/ttyS7",
		},
		WatchdogTimeoutSec: 60,
	}
}

// LoadSettings reads efio.ini, falling back to defaults for anything not
// set. A missing or unreadable file returns the defaults together with the
// load error.
func LoadSettings(path string) (Settings, error) {
	settings := DefaultSettings()
	cfg, err := ini.Load(path)
	if err != nil {
		return settings, fmt.Errorf("settings: %w", err)
	}

	server := cfg.Section("server")
	settings.HTTPAddr = server.Key("listen").MustString(settings.HTTPAddr)
	settings.LogLevel = server.Key("log_level").MustString(settings.LogLevel)
	settings.WatchdogTimeoutSec = server.Key("watchdog_timeout").MustInt(settings.WatchdogTimeoutSec)

	paths := cfg.Section("paths")
	settings.ConfigDir = paths.Key("config_dir").MustString(settings.ConfigDir)
	settings.BackupDir = paths.Key("backup_dir").MustString(settings.BackupDir)

	// [modbus_ports] lists token = /dev/path pairs.
	ports := cfg.Section("modbus_ports")
	if len(ports.Keys()) > 0 {
		settings.ModbusPorts = map[string]string{}
		for _, key := range ports.Keys() {
			settings.ModbusPorts[key.Name()] = key.String()
		}
	}
	return settings, nil
}
