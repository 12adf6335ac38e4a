package efio

import (
	"time"

	log "github.com/sirupsen/logrus"
)

// Daemon wires the core components together in dependency order:
// resilience and state first, then hardware front-ends, then transports,
// then bridges and supervision. The HTTP/WebSocket surface sits on top.
type Daemon struct {
	settings Settings

	store   *ConfigStore
	backups *BackupManager
	health  *HealthRegistry
	state   *IOState

	gpio   *GPIOFrontend
	modbus *ModbusManager
	can    *CANManager
	mqtt   *MQTTClient

	modbusBridge *ModbusMQTTBridge
	canBridge    *CANMQTTBridge
	watchdog     *Watchdog
	ws           *WebSocketBus

	canAutoConnect bool

	stop      chan struct{}
	startTime time.Time
}

// NewDaemon builds the core. The hardware backends are injected so the
// daemon can run against simulated I/O.
func NewDaemon(settings Settings, dio DigitalIO, canFactory ControllerFactory, dialer ModbusDialer) (*Daemon, error) {
	store, err := NewConfigStore(settings.ConfigDir)
	if err != nil {
		return nil, err
	}
	backups, err := NewBackupManager(store, settings.BackupDir)
	if err != nil {
		return nil, err
	}

	health := NewHealthRegistry()
	state := NewIOState()

	mqttCfg, err := store.LoadMQTTConfig()
	if err != nil {
		return nil, err
	}
	mqtt := NewMQTTClient(mqttCfg, state, health)

	gpio := NewGPIOFrontend(dio, state, health, mqtt)
	mqtt.SetDOCommandHandler(func(ch, value int) {
		if err := gpio.WriteOutput(ch, value); err != nil {
			log.Warnf("[DAEMON] MQTT DO command rejected: %v", err)
		}
	})

	modbus := NewModbusManager(dialer, settings.ModbusPorts, state, health)
	devices, err := store.LoadModbusDevices()
	if err != nil {
		return nil, err
	}
	for _, device := range devices {
		if err := modbus.AddDevice(device); err != nil {
			log.Warnf("[DAEMON] skipping Modbus device %s: %v", device.ID, err)
		}
	}

	canCfg, err := store.LoadCANConfig()
	if err != nil {
		return nil, err
	}
	can := NewCANManager(canFactory, canCfg.Controller, health)
	for _, device := range canCfg.Devices {
		if err := can.AddDevice(device); err != nil {
			log.Warnf("[DAEMON] skipping CAN device %s: %v", device.ID, err)
		}
	}
	if len(canCfg.Filters) > 0 {
		if err := can.ApplyFilters(canCfg.Filters); err != nil {
			log.Warnf("[DAEMON] CAN filters not applied: %v", err)
		}
	}

	modbusBridge := NewModbusMQTTBridge(modbus, mqtt)
	modbusBridgeCfg, err := store.LoadModbusBridgeConfig()
	if err != nil {
		return nil, err
	}
	if err := modbusBridge.SetMappings(modbusBridgeCfg.Mappings); err != nil {
		log.Warnf("[DAEMON] Modbus bridge mappings rejected: %v", err)
	}
	modbusBridge.SetPollInterval(time.Duration(modbusBridgeCfg.PollInterval * float64(time.Second)))

	canBridge := NewCANMQTTBridge(can, mqtt)
	canBridgeCfg, err := store.LoadCANBridgeConfig()
	if err != nil {
		return nil, err
	}
	if err := canBridge.SetMappings(canBridgeCfg.Mappings); err != nil {
		log.Warnf("[DAEMON] CAN bridge mappings rejected: %v", err)
	}

	watchdog := NewWatchdog(time.Duration(settings.WatchdogTimeoutSec)*time.Second, nil)
	watchdog.RegisterComponent("mqtt", func() bool {
		return !mqtt.Enabled() || mqtt.Connected()
	})
	watchdog.RegisterComponent("gpio", func() bool {
		c, ok := health.Get("gpio")
		return !ok || c.Status != HealthUnhealthy
	})
	watchdog.RegisterComponent("can", func() bool {
		c, ok := health.Get("can")
		return !ok || c.Status != HealthUnhealthy
	})
	watchdog.RegisterComponent("modbus", func() bool {
		c, ok := health.Get("modbus")
		return !ok || c.Status != HealthUnhealthy
	})

	ws := NewWebSocketBus(state, gpio)

	return &Daemon{
		settings:       settings,
		store:          store,
		backups:        backups,
		health:         health,
		state:          state,
		gpio:           gpio,
		modbus:         modbus,
		can:            can,
		mqtt:           mqtt,
		modbusBridge:   modbusBridge,
		canBridge:      canBridge,
		watchdog:       watchdog,
		ws:             ws,
		canAutoConnect: canCfg.AutoConnect,
		stop:           make(chan struct{}),
	}, nil
}

// Start brings the core up and launches the main loop that feeds the
// watchdog.
func (d *Daemon) Start() {
	d.startTime = time.Now()
	d.gpio.Start()

	if err := d.mqtt.Connect(); err != nil {
		log.Warnf("[DAEMON] MQTT connect: %v", err)
	}
	if d.canAutoConnect {
		if err := d.can.Connect(); err != nil {
			log.Warnf("[DAEMON] CAN auto-connect: %v", err)
		}
	}

	modbusBridgeCfg, err := d.store.LoadModbusBridgeConfig()
	if err == nil && modbusBridgeCfg.Enabled {
		if err := d.modbusBridge.Start(); err != nil {
			log.Warnf("[DAEMON] Modbus bridge auto-start: %v", err)
		}
	}
	canBridgeCfg, err := d.store.LoadCANBridgeConfig()
	if err == nil && canBridgeCfg.Enabled {
		if err := d.canBridge.Start(); err != nil {
			log.Warnf("[DAEMON] CAN bridge auto-start: %v", err)
		}
	}

	d.watchdog.Start()
	d.ws.Start()

	go d.mainLoop()
	log.Info("[DAEMON] core started")
}

// mainLoop is the supervised heartbeat: every second it feeds the
// watchdog, so a stalled process becomes observable.
func (d *Daemon) mainLoop() {
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-d.stop:
			return
		case <-ticker.C:
			d.watchdog.Feed()
		}
	}
}

// Stop shuts the core down in reverse dependency order.
func (d *Daemon) Stop() {
	close(d.stop)
	d.ws.Stop()
	d.watchdog.Stop()
	d.canBridge.Stop()
	d.modbusBridge.Stop()
	if d.can.Connected() {
		if err := d.can.Disconnect(); err != nil {
			log.Warnf("[DAEMON] CAN disconnect: %v", err)
		}
	}
	d.modbus.Stop()
	d.mqtt.Disconnect()
	d.gpio.Stop()
	log.Info("[DAEMON] core stopped")
}

// Uptime is the time since Start.
func (d *Daemon) Uptime() time.Duration {
	if d.startTime.IsZero() {
		return 0
	}
	return time.Since(d.startTime)
}
