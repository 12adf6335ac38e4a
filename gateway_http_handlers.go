package efio

import (
	"net/http"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/mux"
)

// ================================
// I/O
// ================================

func (g *HTTPGateway) handleGetIO(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, ioStateResponse{
		DI:         g.daemon.state.DI(),
		DO:         g.daemon.state.DO(),
		Simulation: g.daemon.state.Simulation(),
		Modbus:     g.daemon.state.ModbusSummary(),
	})
}

func (g *HTTPGateway) handleSetDO(w http.ResponseWriter, r *http.Request) {
	if !g.requireAdmin(w, r) {
		return
	}
	ch, err := strconv.Atoi(mux.Vars(r)["ch"])
	if err != nil {
		writeError(w, newValidationError("invalid channel"))
		return
	}
	var body setDORequest
	if err := decodeBody(r, &body); err != nil {
		writeError(w, err)
		return
	}
	value, err := body.binaryValue()
	if err != nil {
		writeError(w, err)
		return
	}
	if err := g.daemon.gpio.WriteOutput(ch, value); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, successResponse{Success: true})
}

// ================================
// Modbus devices
// ================================

// persistModbusDevices saves the manager's current device list; handlers
// call it after the in-memory change has been applied.
func (g *HTTPGateway) persistModbusDevices() error {
	devices := g.daemon.modbus.Devices()
	list := make([]ModbusDevice, len(devices))
	for i, d := range devices {
		list[i] = d.ModbusDevice
	}
	return g.daemon.store.SaveModbusDevices(list)
}

func (g *HTTPGateway) handleListModbusDevices(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, g.daemon.modbus.Devices())
}

func (g *HTTPGateway) handleCreateModbusDevice(w http.ResponseWriter, r *http.Request) {
	if !g.requireAdmin(w, r) {
		return
	}
	var device ModbusDevice
	if err := decodeBody(r, &device); err != nil {
		writeError(w, err)
		return
	}
	if device.ID == "" {
		device.ID = uuid.NewString()
	}
	if err := g.daemon.modbus.AddDevice(device); err != nil {
		writeError(w, err)
		return
	}
	if err := g.persistModbusDevices(); err != nil {
		writeError(w, newInternalError("persist devices", err))
		return
	}
	writeJSON(w, http.StatusCreated, device)
}

func (g *HTTPGateway) handleGetModbusDevice(w http.ResponseWriter, r *http.Request) {
	status, err := g.daemon.modbus.GetDevice(mux.Vars(r)["id"])
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, status)
}

func (g *HTTPGateway) handleUpdateModbusDevice(w http.ResponseWriter, r *http.Request) {
	if !g.requireAdmin(w, r) {
		return
	}
	var device ModbusDevice
	if err := decodeBody(r, &device); err != nil {
		writeError(w, err)
		return
	}
	device.ID = mux.Vars(r)["id"]
	if err := g.daemon.modbus.UpdateDevice(device); err != nil {
		writeError(w, err)
		return
	}
	if err := g.persistModbusDevices(); err != nil {
		writeError(w, newInternalError("persist devices", err))
		return
	}
	writeJSON(w, http.StatusOK, device)
}

func (g *HTTPGateway) handleDeleteModbusDevice(w http.ResponseWriter, r *http.Request) {
	if !g.requireAdmin(w, r) {
		return
	}
	if err := g.daemon.modbus.RemoveDevice(mux.Vars(r)["id"]); err != nil {
		writeError(w, err)
		return
	}
	if err := g.persistModbusDevices(); err != nil {
		writeError(w, newInternalError("persist devices", err))
		return
	}
	writeJSON(w, http.StatusOK, successResponse{Success: true})
}

func (g *HTTPGateway) handleModbusConnect(w http.ResponseWriter, r *http.Request) {
	if !g.requireAdmin(w, r) {
		return
	}
	if err := g.daemon.modbus.Connect(mux.Vars(r)["id"]); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, successResponse{Success: true, Message: "connected"})
}

func (g *HTTPGateway) handleModbusDisconnect(w http.ResponseWriter, r *http.Request) {
	if !g.requireAdmin(w, r) {
		return
	}
	if err := g.daemon.modbus.Disconnect(mux.Vars(r)["id"]); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, successResponse{Success: true, Message: "disconnected"})
}

func (g *HTTPGateway) handleModbusRead(w http.ResponseWriter, r *http.Request) {
	var body modbusReadBody
	if err := decodeBody(r, &body); err != nil {
		writeError(w, err)
		return
	}
	results, err := g.daemon.modbus.Read(ModbusReadRequest{
		DeviceID:     mux.Vars(r)["id"],
		Register:     body.Register,
		Count:        body.Count,
		FunctionCode: body.FunctionCode,
	})
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, modbusReadResponse{Success: true, Registers: results})
}

func (g *HTTPGateway) handleModbusWrite(w http.ResponseWriter, r *http.Request) {
	if !g.requireAdmin(w, r) {
		return
	}
	var body modbusWriteBody
	if err := decodeBody(r, &body); err != nil {
		writeError(w, err)
		return
	}
	err := g.daemon.modbus.Write(ModbusWriteRequest{
		DeviceID:     mux.Vars(r)["id"],
		Register:     body.Register,
		Value:        body.Value,
		FunctionCode: body.FunctionCode,
	})
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, successResponse{Success: true})
}

func (g *HTTPGateway) handleModbusPollingStart(w http.ResponseWriter, r *http.Request) {
	if !g.requireAdmin(w, r) {
		return
	}
	if err := g.daemon.modbus.StartPolling(mux.Vars(r)["id"]); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, successResponse{Success: true, Message: "polling started"})
}

func (g *HTTPGateway) handleModbusPollingStop(w http.ResponseWriter, r *http.Request) {
	if !g.requireAdmin(w, r) {
		return
	}
	if err := g.daemon.modbus.StopPolling(mux.Vars(r)["id"]); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, successResponse{Success: true, Message: "polling stopped"})
}

func (g *HTTPGateway) handleModbusBreakerReset(w http.ResponseWriter, r *http.Request) {
	if !g.requireAdmin(w, r) {
		return
	}
	if err := g.daemon.modbus.ResetBreaker(mux.Vars(r)["id"]); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, successResponse{Success: true, Message: "circuit breaker reset"})
}

func (g *HTTPGateway) handleModbusScan(w http.ResponseWriter, r *http.Request) {
	if !g.requireAdmin(w, r) {
		return
	}
	var body modbusScanBody
	if err := decodeBody(r, &body); err != nil {
		writeError(w, err)
		return
	}
	found, err := g.daemon.modbus.Scan(body.Port, body.Start, body.End, body.Baudrate)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, modbusScanResponse{Success: true, Found: found})
}

func (g *HTTPGateway) handleModbusEvents(w http.ResponseWriter, r *http.Request) {
	count := 100
	if q := r.URL.Query().Get("count"); q != "" {
		if n, err := strconv.Atoi(q); err == nil {
			count = n
		}
	}
	writeJSON(w, http.StatusOK, g.daemon.modbus.Events(count))
}

// ================================
// Modbus -> MQTT bridge
// ================================

func (g *HTTPGateway) handleModbusBridgeGetConfig(w http.ResponseWriter, r *http.Request) {
	cfg, err := g.daemon.store.LoadModbusBridgeConfig()
	if err != nil {
		writeError(w, newInternalError("load config", err))
		return
	}
	writeJSON(w, http.StatusOK, cfg)
}

func (g *HTTPGateway) handleModbusBridgeSetConfig(w http.ResponseWriter, r *http.Request) {
	if !g.requireAdmin(w, r) {
		return
	}
	var body bridgePollIntervalBody
	if err := decodeBody(r, &body); err != nil {
		writeError(w, err)
		return
	}
	cfg, err := g.daemon.store.LoadModbusBridgeConfig()
	if err != nil {
		writeError(w, newInternalError("load config", err))
		return
	}
	if body.Enabled != nil {
		cfg.Enabled = *body.Enabled
	}
	if body.PollInterval > 0 {
		cfg.PollInterval = body.PollInterval
	}
	if body.Mappings != nil {
		cfg.Mappings = body.Mappings
	}
	if err := g.daemon.store.SaveModbusBridgeConfig(cfg); err != nil {
		writeError(w, newInternalError("persist config", err))
		return
	}
	if err := g.daemon.modbusBridge.SetMappings(cfg.Mappings); err != nil {
		writeError(w, err)
		return
	}
	g.daemon.modbusBridge.SetPollInterval(time.Duration(cfg.PollInterval * float64(time.Second)))
	writeJSON(w, http.StatusOK, cfg)
}

func (g *HTTPGateway) handleModbusBridgeListMappings(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, g.daemon.modbusBridge.Mappings())
}

func (g *HTTPGateway) modbusBridgeSaveMappings(mappings []ModbusMapping) error {
	cfg, err := g.daemon.store.LoadModbusBridgeConfig()
	if err != nil {
		return newInternalError("load config", err)
	}
	cfg.Mappings = mappings
	if err := g.daemon.store.SaveModbusBridgeConfig(cfg); err != nil {
		return newInternalError("persist config", err)
	}
	return g.daemon.modbusBridge.SetMappings(mappings)
}

func (g *HTTPGateway) handleModbusBridgeCreateMapping(w http.ResponseWriter, r *http.Request) {
	if !g.requireAdmin(w, r) {
		return
	}
	var mapping ModbusMapping
	if err := decodeBody(r, &mapping); err != nil {
		writeError(w, err)
		return
	}
	if mapping.ID == "" {
		mapping.ID = uuid.NewString()
	}
	if err := mapping.Validate(); err != nil {
		writeError(w, err)
		return
	}
	mappings := append(g.daemon.modbusBridge.Mappings(), mapping)
	if err := g.modbusBridgeSaveMappings(mappings); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, mapping)
}

func (g *HTTPGateway) handleModbusBridgeUpdateMapping(w http.ResponseWriter, r *http.Request) {
	if !g.requireAdmin(w, r) {
		return
	}
	var mapping ModbusMapping
	if err := decodeBody(r, &mapping); err != nil {
		writeError(w, err)
		return
	}
	mapping.ID = mux.Vars(r)["id"]
	if err := mapping.Validate(); err != nil {
		writeError(w, err)
		return
	}
	mappings := g.daemon.modbusBridge.Mappings()
	found := false
	for i := range mappings {
		if mappings[i].ID == mapping.ID {
			mappings[i] = mapping
			found = true
			break
		}
	}
	if !found {
		writeError(w, newNotFoundError("mapping %s not found", mapping.ID))
		return
	}
	if err := g.modbusBridgeSaveMappings(mappings); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, mapping)
}

func (g *HTTPGateway) handleModbusBridgeDeleteMapping(w http.ResponseWriter, r *http.Request) {
	if !g.requireAdmin(w, r) {
		return
	}
	id := mux.Vars(r)["id"]
	mappings := g.daemon.modbusBridge.Mappings()
	out := mappings[:0]
	found := false
	for _, m := range mappings {
		if m.ID == id {
			found = true
			continue
		}
		out = append(out, m)
	}
	if !found {
		writeError(w, newNotFoundError("mapping %s not found", id))
		return
	}
	if err := g.modbusBridgeSaveMappings(out); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, successResponse{Success: true})
}

func (g *HTTPGateway) handleModbusBridgeStart(w http.ResponseWriter, r *http.Request) {
	if !g.requireAdmin(w, r) {
		return
	}
	if err := g.daemon.modbusBridge.Start(); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, successResponse{Success: true, Message: "bridge started"})
}

func (g *HTTPGateway) handleModbusBridgeStop(w http.ResponseWriter, r *http.Request) {
	if !g.requireAdmin(w, r) {
		return
	}
	g.daemon.modbusBridge.Stop()
	writeJSON(w, http.StatusOK, successResponse{Success: true, Message: "bridge stopped"})
}

func (g *HTTPGateway) handleModbusBridgeStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, g.daemon.modbusBridge.Status())
}

// ================================
// CAN
// ================================

func (g *HTTPGateway) handleCANGetConfig(w http.ResponseWriter, r *http.Request) {
	cfg, err := g.daemon.store.LoadCANConfig()
	if err != nil {
		writeError(w, newInternalError("load config", err))
		return
	}
	writeJSON(w, http.StatusOK, cfg)
}

func (g *HTTPGateway) handleCANSetConfig(w http.ResponseWriter, r *http.Request) {
	if !g.requireAdmin(w, r) {
		return
	}
	var cfg CANConfig
	if err := decodeBody(r, &cfg); err != nil {
		writeError(w, err)
		return
	}
	for i := range cfg.Devices {
		if err := cfg.Devices[i].Validate(); err != nil {
			writeError(w, err)
			return
		}
	}
	if err := g.daemon.store.SaveCANConfig(cfg); err != nil {
		writeError(w, newInternalError("persist config", err))
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"success":          true,
		"restart_required": g.daemon.can.Connected(),
	})
}

func (g *HTTPGateway) handleCANConnect(w http.ResponseWriter, r *http.Request) {
	if !g.requireAdmin(w, r) {
		return
	}
	if err := g.daemon.can.Connect(); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, successResponse{Success: true, Message: "connected"})
}

func (g *HTTPGateway) handleCANDisconnect(w http.ResponseWriter, r *http.Request) {
	if !g.requireAdmin(w, r) {
		return
	}
	if err := g.daemon.can.Disconnect(); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, successResponse{Success: true, Message: "disconnected"})
}

func (g *HTTPGateway) handleCANStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, g.daemon.can.Status())
}

func (g *HTTPGateway) handleCANDetailedStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":  g.daemon.can.Status(),
		"devices": g.daemon.can.Devices(),
		"health":  g.daemon.health.Snapshot()["can"],
	})
}

func (g *HTTPGateway) persistCANDevices() error {
	cfg, err := g.daemon.store.LoadCANConfig()
	if err != nil {
		return newInternalError("load config", err)
	}
	statuses := g.daemon.can.Devices()
	cfg.Devices = make([]CANDevice, len(statuses))
	for i, s := range statuses {
		cfg.Devices[i] = s.CANDevice
	}
	if err := g.daemon.store.SaveCANConfig(cfg); err != nil {
		return newInternalError("persist config", err)
	}
	return nil
}

func (g *HTTPGateway) handleCANListDevices(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, g.daemon.can.Devices())
}

func (g *HTTPGateway) handleCANCreateDevice(w http.ResponseWriter, r *http.Request) {
	if !g.requireAdmin(w, r) {
		return
	}
	var device CANDevice
	if err := decodeBody(r, &device); err != nil {
		writeError(w, err)
		return
	}
	if device.ID == "" {
		device.ID = uuid.NewString()
	}
	if err := g.daemon.can.AddDevice(device); err != nil {
		writeError(w, err)
		return
	}
	if err := g.persistCANDevices(); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, device)
}

func (g *HTTPGateway) handleCANGetDevice(w http.ResponseWriter, r *http.Request) {
	status, err := g.daemon.can.GetDevice(mux.Vars(r)["id"])
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, status)
}

func (g *HTTPGateway) handleCANUpdateDevice(w http.ResponseWriter, r *http.Request) {
	if !g.requireAdmin(w, r) {
		return
	}
	var device CANDevice
	if err := decodeBody(r, &device); err != nil {
		writeError(w, err)
		return
	}
	device.ID = mux.Vars(r)["id"]
	if err := g.daemon.can.UpdateDevice(device); err != nil {
		writeError(w, err)
		return
	}
	if err := g.persistCANDevices(); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, device)
}

func (g *HTTPGateway) handleCANDeleteDevice(w http.ResponseWriter, r *http.Request) {
	if !g.requireAdmin(w, r) {
		return
	}
	if err := g.daemon.can.RemoveDevice(mux.Vars(r)["id"]); err != nil {
		writeError(w, err)
		return
	}
	if err := g.persistCANDevices(); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, successResponse{Success: true})
}

func (g *HTTPGateway) handleCANSend(w http.ResponseWriter, r *http.Request) {
	if !g.requireAdmin(w, r) {
		return
	}
	var body canSendBody
	if err := decodeBody(r, &body); err != nil {
		writeError(w, err)
		return
	}
	data := make([]byte, len(body.Data))
	for i, v := range body.Data {
		if v < 0 || v > 255 {
			writeError(w, newValidationError("data byte %d out of range 0..255", v))
			return
		}
		data[i] = byte(v)
	}
	if err := g.daemon.can.Send(uint32(body.CANID), data, body.Extended); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, successResponse{Success: true})
}

func (g *HTTPGateway) handleCANMessages(w http.ResponseWriter, r *http.Request) {
	count := 100
	if q := r.URL.Query().Get("count"); q != "" {
		if n, err := strconv.Atoi(q); err == nil {
			count = n
		}
	}
	writeJSON(w, http.StatusOK, g.daemon.can.RecentMessages(count))
}

func (g *HTTPGateway) handleCANClearLogs(w http.ResponseWriter, r *http.Request) {
	if !g.requireAdmin(w, r) {
		return
	}
	g.daemon.can.ClearLog()
	writeJSON(w, http.StatusOK, successResponse{Success: true})
}

func (g *HTTPGateway) handleCANStatistics(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, g.daemon.can.Status().Stats)
}

func (g *HTTPGateway) handleCANResetStatistics(w http.ResponseWriter, r *http.Request) {
	if !g.requireAdmin(w, r) {
		return
	}
	g.daemon.can.ResetStatistics()
	writeJSON(w, http.StatusOK, successResponse{Success: true})
}

func (g *HTTPGateway) handleCANDetectBitrate(w http.ResponseWriter, r *http.Request) {
	if !g.requireAdmin(w, r) {
		return
	}
	var body canDetectBody
	if r.ContentLength > 0 {
		if err := decodeBody(r, &body); err != nil {
			writeError(w, err)
			return
		}
	}
	result, err := g.daemon.can.DetectBitrate(body.Candidates)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

func (g *HTTPGateway) handleCANScanNodes(w http.ResponseWriter, r *http.Request) {
	if !g.requireAdmin(w, r) {
		return
	}
	nodes, err := g.daemon.can.ScanNodes()
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"success": true, "nodes": nodes})
}

func (g *HTTPGateway) handleCANGetFilters(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, canFiltersBody{Filters: g.daemon.can.Filters()})
}

func (g *HTTPGateway) handleCANSetFilters(w http.ResponseWriter, r *http.Request) {
	if !g.requireAdmin(w, r) {
		return
	}
	var body canFiltersBody
	if err := decodeBody(r, &body); err != nil {
		writeError(w, err)
		return
	}
	if err := g.daemon.can.ApplyFilters(body.Filters); err != nil {
		writeError(w, err)
		return
	}
	cfg, err := g.daemon.store.LoadCANConfig()
	if err == nil {
		cfg.Filters = body.Filters
		if err := g.daemon.store.SaveCANConfig(cfg); err != nil {
			writeError(w, newInternalError("persist filters", err))
			return
		}
	}
	writeJSON(w, http.StatusOK, successResponse{Success: true})
}

func (g *HTTPGateway) handleCANValidateFilters(w http.ResponseWriter, r *http.Request) {
	var body canFiltersBody
	if err := decodeBody(r, &body); err != nil {
		writeError(w, err)
		return
	}
	for i := range body.Filters {
		if err := body.Filters[i].Validate(); err != nil {
			writeError(w, err)
			return
		}
	}
	writeJSON(w, http.StatusOK, successResponse{Success: true, Message: "filters valid"})
}

func (g *HTTPGateway) handleCANHealth(w http.ResponseWriter, r *http.Request) {
	health, _ := g.daemon.health.Get("can")
	writeJSON(w, http.StatusOK, health)
}

func (g *HTTPGateway) handleCANDeviceLiveness(w http.ResponseWriter, r *http.Request) {
	status, err := g.daemon.can.GetDevice(mux.Vars(r)["id"])
	if err != nil {
		writeError(w, err)
		return
	}
	resp := canLivenessResponse{
		DeviceID:         status.ID,
		Alive:            status.Alive,
		TimeoutThreshold: status.TimeoutThreshold,
	}
	if status.LastRX != nil {
		since := time.Since(*status.LastRX).Seconds()
		resp.SecondsSinceRX = &since
	}
	writeJSON(w, http.StatusOK, resp)
}

func (g *HTTPGateway) handleCANDeviceTimeout(w http.ResponseWriter, r *http.Request) {
	if !g.requireAdmin(w, r) {
		return
	}
	var body canTimeoutBody
	if err := decodeBody(r, &body); err != nil {
		writeError(w, err)
		return
	}
	if err := g.daemon.can.SetDeviceTimeout(mux.Vars(r)["id"], body.TimeoutThreshold); err != nil {
		writeError(w, err)
		return
	}
	if err := g.persistCANDevices(); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, successResponse{Success: true})
}

func (g *HTTPGateway) handleCANHardwareBreaker(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, g.daemon.can.HardwareBreaker())
}

func (g *HTTPGateway) handleCANHardwareBreakerReset(w http.ResponseWriter, r *http.Request) {
	if !g.requireAdmin(w, r) {
		return
	}
	g.daemon.can.ResetHardwareBreaker()
	writeJSON(w, http.StatusOK, successResponse{Success: true})
}

func (g *HTTPGateway) handleCANDeviceBreakerReset(w http.ResponseWriter, r *http.Request) {
	if !g.requireAdmin(w, r) {
		return
	}
	if err := g.daemon.can.ResetDeviceBreaker(mux.Vars(r)["id"]); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, successResponse{Success: true})
}

// ================================
// CAN -> MQTT bridge
// ================================

func (g *HTTPGateway) handleCANBridgeGetConfig(w http.ResponseWriter, r *http.Request) {
	cfg, err := g.daemon.store.LoadCANBridgeConfig()
	if err != nil {
		writeError(w, newInternalError("load config", err))
		return
	}
	writeJSON(w, http.StatusOK, cfg)
}

func (g *HTTPGateway) handleCANBridgeSetConfig(w http.ResponseWriter, r *http.Request) {
	if !g.requireAdmin(w, r) {
		return
	}
	var cfg CANBridgeConfig
	if err := decodeBody(r, &cfg); err != nil {
		writeError(w, err)
		return
	}
	if err := g.daemon.canBridge.SetMappings(cfg.Mappings); err != nil {
		writeError(w, err)
		return
	}
	if err := g.daemon.store.SaveCANBridgeConfig(cfg); err != nil {
		writeError(w, newInternalError("persist config", err))
		return
	}
	writeJSON(w, http.StatusOK, cfg)
}

func (g *HTTPGateway) canBridgeSaveMappings(mappings []CANMapping) error {
	cfg, err := g.daemon.store.LoadCANBridgeConfig()
	if err != nil {
		return newInternalError("load config", err)
	}
	cfg.Mappings = mappings
	if err := g.daemon.store.SaveCANBridgeConfig(cfg); err != nil {
		return newInternalError("persist config", err)
	}
	return g.daemon.canBridge.SetMappings(mappings)
}

func (g *HTTPGateway) handleCANBridgeListMappings(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, g.daemon.canBridge.Mappings())
}

func (g *HTTPGateway) handleCANBridgeCreateMapping(w http.ResponseWriter, r *http.Request) {
	if !g.requireAdmin(w, r) {
		return
	}
	var mapping CANMapping
	if err := decodeBody(r, &mapping); err != nil {
		writeError(w, err)
		return
	}
	if mapping.ID == "" {
		mapping.ID = uuid.NewString()
	}
	if err := mapping.Validate(); err != nil {
		writeError(w, err)
		return
	}
	mappings := append(g.daemon.canBridge.Mappings(), mapping)
	if err := g.canBridgeSaveMappings(mappings); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, mapping)
}

func (g *HTTPGateway) handleCANBridgeUpdateMapping(w http.ResponseWriter, r *http.Request) {
	if !g.requireAdmin(w, r) {
		return
	}
	var mapping CANMapping
	if err := decodeBody(r, &mapping); err != nil {
		writeError(w, err)
		return
	}
	mapping.ID = mux.Vars(r)["id"]
	if err := mapping.Validate(); err != nil {
		writeError(w, err)
		return
	}
	mappings := g.daemon.canBridge.Mappings()
	found := false
	for i := range mappings {
		if mappings[i].ID == mapping.ID {
			mappings[i] = mapping
			found = true
			break
		}
	}
	if !found {
		writeError(w, newNotFoundError("mapping %s not found", mapping.ID))
		return
	}
	if err := g.canBridgeSaveMappings(mappings); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, mapping)
}

func (g *HTTPGateway) handleCANBridgeDeleteMapping(w http.ResponseWriter, r *http.Request) {
	if !g.requireAdmin(w, r) {
		return
	}
	id := mux.Vars(r)["id"]
	mappings := g.daemon.canBridge.Mappings()
	out := mappings[:0]
	found := false
	for _, m := range mappings {
		if m.ID == id {
			found = true
			continue
		}
		out = append(out, m)
	}
	if !found {
		writeError(w, newNotFoundError("mapping %s not found", id))
		return
	}
	if err := g.canBridgeSaveMappings(out); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, successResponse{Success: true})
}

func (g *HTTPGateway) handleCANBridgeStart(w http.ResponseWriter, r *http.Request) {
	if !g.requireAdmin(w, r) {
		return
	}
	if err := g.daemon.canBridge.Start(); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, successResponse{Success: true, Message: "bridge started"})
}

func (g *HTTPGateway) handleCANBridgeStop(w http.ResponseWriter, r *http.Request) {
	if !g.requireAdmin(w, r) {
		return
	}
	g.daemon.canBridge.Stop()
	writeJSON(w, http.StatusOK, successResponse{Success: true, Message: "bridge stopped"})
}

func (g *HTTPGateway) handleCANBridgeStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, g.daemon.canBridge.Status())
}

func (g *HTTPGateway) handleCANBridgeStatistics(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, g.daemon.canBridge.Status().Statistics)
}

// ================================
// Health
// ================================

func (g *HTTPGateway) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, healthResponse{
		Status:     g.daemon.health.Overall(),
		Components: g.daemon.health.Snapshot(),
		Uptime:     g.daemon.Uptime().Seconds(),
	})
}

func (g *HTTPGateway) handleHealthReady(w http.ResponseWriter, r *http.Request) {
	if g.daemon.health.Overall() == HealthUnhealthy {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "unhealthy"})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}

func (g *HTTPGateway) handleHealthLive(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "alive"})
}

func (g *HTTPGateway) handleHealthMetrics(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, healthMetricsResponse{
		IOStats:       g.daemon.state.Stats(),
		DroppedNotifs: g.daemon.state.DroppedNotifications(),
		MQTTDropped:   g.daemon.mqtt.Dropped(),
		WSClients:     g.daemon.ws.ClientCount(),
	})
}

func (g *HTTPGateway) handleHealthWatchdog(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, g.daemon.watchdog.Report())
}

// ================================
// Backups
// ================================

func (g *HTTPGateway) handleListBackups(w http.ResponseWriter, r *http.Request) {
	backups, err := g.daemon.backups.List()
	if err != nil {
		writeError(w, newInternalError("list backups", err))
		return
	}
	writeJSON(w, http.StatusOK, backups)
}

func (g *HTTPGateway) handleCreateBackup(w http.ResponseWriter, r *http.Request) {
	if !g.requireAdmin(w, r) {
		return
	}
	var body struct {
		Name string `json:"name"`
	}
	if r.ContentLength > 0 {
		if err := decodeBody(r, &body); err != nil {
			writeError(w, err)
			return
		}
	}
	path, err := g.daemon.backups.Create(body.Name)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]string{"path": path})
}

func (g *HTTPGateway) handleRestoreBackup(w http.ResponseWriter, r *http.Request) {
	if !g.requireAdmin(w, r) {
		return
	}
	if err := g.daemon.backups.Restore(mux.Vars(r)["name"]); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, successResponse{Success: true, Message: "restored, restart required"})
}
