package efio

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	log "github.com/sirupsen/logrus"
)

// Authorizer gates admin-only mutations. The API layer that owns real
// authentication plugs in here; the default allows everything.
type Authorizer interface {
	Authorize(r *http.Request, admin bool) error
}

// AllowAllAuthorizer is the bundled no-auth default.
type AllowAllAuthorizer struct{}

func (AllowAllAuthorizer) Authorize(*http.Request, bool) error { return nil }

// HTTPGateway exposes the core over REST and WebSocket.
type HTTPGateway struct {
	daemon *Daemon
	auth   Authorizer
	router *mux.Router
	server *http.Server
}

func NewHTTPGateway(daemon *Daemon, auth Authorizer) *HTTPGateway {
	if auth == nil {
		auth = AllowAllAuthorizer{}
	}
	g := &HTTPGateway{daemon: daemon, auth: auth, router: mux.NewRouter()}
	g.routes()
	return g
}

func (g *HTTPGateway) routes() {
	r := g.router

	// I/O
	r.HandleFunc("/api/io", g.handleGetIO).Methods("GET")
	r.HandleFunc("/api/io/do/{ch:[0-9]+}", g.handleSetDO).Methods("POST")

	// Modbus devices
	r.HandleFunc("/api/modbus/devices", g.handleListModbusDevices).Methods("GET")
	r.HandleFunc("/api/modbus/devices", g.handleCreateModbusDevice).Methods("POST")
	r.HandleFunc("/api/modbus/devices/{id}", g.handleGetModbusDevice).Methods("GET")
	r.HandleFunc("/api/modbus/devices/{id}", g.handleUpdateModbusDevice).Methods("PUT")
	r.HandleFunc("/api/modbus/devices/{id}", g.handleDeleteModbusDevice).Methods("DELETE")
	r.HandleFunc("/api/modbus/devices/{id}/connect", g.handleModbusConnect).Methods("POST")
	r.HandleFunc("/api/modbus/devices/{id}/disconnect", g.handleModbusDisconnect).Methods("POST")
	r.HandleFunc("/api/modbus/devices/{id}/read", g.handleModbusRead).Methods("POST")
	r.HandleFunc("/api/modbus/devices/{id}/write", g.handleModbusWrite).Methods("POST")
	r.HandleFunc("/api/modbus/devices/{id}/polling/start", g.handleModbusPollingStart).Methods("POST")
	r.HandleFunc("/api/modbus/devices/{id}/polling/stop", g.handleModbusPollingStop).Methods("POST")
	r.HandleFunc("/api/modbus/devices/{id}/circuit/reset", g.handleModbusBreakerReset).Methods("POST")
	r.HandleFunc("/api/modbus/scan", g.handleModbusScan).Methods("POST")
	r.HandleFunc("/api/modbus/events", g.handleModbusEvents).Methods("GET")

	// Modbus -> MQTT bridge
	r.HandleFunc("/api/modbus-mqtt/config", g.handleModbusBridgeGetConfig).Methods("GET")
	r.HandleFunc("/api/modbus-mqtt/config", g.handleModbusBridgeSetConfig).Methods("POST")
	r.HandleFunc("/api/modbus-mqtt/mappings", g.handleModbusBridgeListMappings).Methods("GET")
	r.HandleFunc("/api/modbus-mqtt/mappings", g.handleModbusBridgeCreateMapping).Methods("POST")
	r.HandleFunc("/api/modbus-mqtt/mappings/{id}", g.handleModbusBridgeUpdateMapping).Methods("PUT")
	r.HandleFunc("/api/modbus-mqtt/mappings/{id}", g.handleModbusBridgeDeleteMapping).Methods("DELETE")
	r.HandleFunc("/api/modbus-mqtt/start", g.handleModbusBridgeStart).Methods("POST")
	r.HandleFunc("/api/modbus-mqtt/stop", g.handleModbusBridgeStop).Methods("POST")
	r.HandleFunc("/api/modbus-mqtt/status", g.handleModbusBridgeStatus).Methods("GET")

	// CAN
	r.HandleFunc("/api/can/config", g.handleCANGetConfig).Methods("GET")
	r.HandleFunc("/api/can/config", g.handleCANSetConfig).Methods("POST")
	r.HandleFunc("/api/can/connect", g.handleCANConnect).Methods("POST")
	r.HandleFunc("/api/can/disconnect", g.handleCANDisconnect).Methods("POST")
	r.HandleFunc("/api/can/status", g.handleCANStatus).Methods("GET")
	r.HandleFunc("/api/can/status/detailed", g.handleCANDetailedStatus).Methods("GET")
	r.HandleFunc("/api/can/devices", g.handleCANListDevices).Methods("GET")
	r.HandleFunc("/api/can/devices", g.handleCANCreateDevice).Methods("POST")
	r.HandleFunc("/api/can/devices/{id}", g.handleCANGetDevice).Methods("GET")
	r.HandleFunc("/api/can/devices/{id}", g.handleCANUpdateDevice).Methods("PUT")
	r.HandleFunc("/api/can/devices/{id}", g.handleCANDeleteDevice).Methods("DELETE")
	r.HandleFunc("/api/can/send", g.handleCANSend).Methods("POST")
	r.HandleFunc("/api/can/messages", g.handleCANMessages).Methods("GET")
	r.HandleFunc("/api/can/logs", g.handleCANMessages).Methods("GET")
	r.HandleFunc("/api/can/logs", g.handleCANClearLogs).Methods("DELETE")
	r.HandleFunc("/api/can/statistics", g.handleCANStatistics).Methods("GET")
	r.HandleFunc("/api/can/statistics", g.handleCANResetStatistics).Methods("DELETE")
	r.HandleFunc("/api/can/detect-bitrate", g.handleCANDetectBitrate).Methods("POST")
	r.HandleFunc("/api/can/scan-nodes", g.handleCANScanNodes).Methods("POST")
	r.HandleFunc("/api/can/filters", g.handleCANGetFilters).Methods("GET")
	r.HandleFunc("/api/can/filters", g.handleCANSetFilters).Methods("POST")
	r.HandleFunc("/api/can/filters/validate", g.handleCANValidateFilters).Methods("POST")
	r.HandleFunc("/api/can/health", g.handleCANHealth).Methods("GET")
	r.HandleFunc("/api/can/devices/{id}/liveness", g.handleCANDeviceLiveness).Methods("GET")
	r.HandleFunc("/api/can/devices/{id}/timeout", g.handleCANDeviceTimeout).Methods("PUT")
	r.HandleFunc("/api/can/circuit-breaker", g.handleCANHardwareBreaker).Methods("GET")
	r.HandleFunc("/api/can/circuit-breaker/reset", g.handleCANHardwareBreakerReset).Methods("POST")
	r.HandleFunc("/api/can/devices/{id}/circuit-breaker/reset", g.handleCANDeviceBreakerReset).Methods("POST")

	// CAN -> MQTT bridge
	r.HandleFunc("/api/can-mqtt/config", g.handleCANBridgeGetConfig).Methods("GET")
	r.HandleFunc("/api/can-mqtt/config", g.handleCANBridgeSetConfig).Methods("POST")
	r.HandleFunc("/api/can-mqtt/mappings", g.handleCANBridgeListMappings).Methods("GET")
	r.HandleFunc("/api/can-mqtt/mappings", g.handleCANBridgeCreateMapping).Methods("POST")
	r.HandleFunc("/api/can-mqtt/mappings/{id}", g.handleCANBridgeUpdateMapping).Methods("PUT")
	r.HandleFunc("/api/can-mqtt/mappings/{id}", g.handleCANBridgeDeleteMapping).Methods("DELETE")
	r.HandleFunc("/api/can-mqtt/start", g.handleCANBridgeStart).Methods("POST")
	r.HandleFunc("/api/can-mqtt/stop", g.handleCANBridgeStop).Methods("POST")
	r.HandleFunc("/api/can-mqtt/status", g.handleCANBridgeStatus).Methods("GET")
	r.HandleFunc("/api/can-mqtt/statistics", g.handleCANBridgeStatistics).Methods("GET")

	// Health
	r.HandleFunc("/api/health", g.handleHealth).Methods("GET")
	r.HandleFunc("/api/health/ready", g.handleHealthReady).Methods("GET")
	r.HandleFunc("/api/health/live", g.handleHealthLive).Methods("GET")
	r.HandleFunc("/api/health/metrics", g.handleHealthMetrics).Methods("GET")
	r.HandleFunc("/api/health/watchdog", g.handleHealthWatchdog).Methods("GET")

	// Backups
	r.HandleFunc("/api/backups", g.handleListBackups).Methods("GET")
	r.HandleFunc("/api/backups", g.handleCreateBackup).Methods("POST")
	r.HandleFunc("/api/backups/{name}/restore", g.handleRestoreBackup).Methods("POST")

	// WebSocket bus
	r.HandleFunc("/ws", g.daemon.ws.Handler)
}

// Router exposes the handler tree, mainly for tests.
func (g *HTTPGateway) Router() http.Handler {
	return g.router
}

// Start serves until Shutdown.
func (g *HTTPGateway) Start(addr string) error {
	g.server = &http.Server{
		Addr:         addr,
		Handler:      g.router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 30 * time.Second,
	}
	log.Infof("[HTTP] listening on %s", addr)
	err := g.server.ListenAndServe()
	if err == http.ErrServerClosed {
		return nil
	}
	return err
}

func (g *HTTPGateway) Shutdown(ctx context.Context) error {
	if g.server == nil {
		return nil
	}
	return g.server.Shutdown(ctx)
}

// writeJSON writes a JSON response body.
func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Warnf("[HTTP] response encode: %v", err)
	}
}

// writeError maps the error taxonomy onto status codes: 400 validation,
// 403 unauthorized, 404 not found, 409 conflict, 503 breaker open, 500
// otherwise. Transport errors carry their classified sub-kind.
func writeError(w http.ResponseWriter, err error) {
	kind := KindOf(err)
	status := http.StatusInternalServerError
	switch kind {
	case ErrKindValidation:
		status = http.StatusBadRequest
	case ErrKindUnauthorized:
		status = http.StatusForbidden
	case ErrKindNotFound:
		status = http.StatusNotFound
	case ErrKindConflict:
		status = http.StatusConflict
	case ErrKindBreakerOpen:
		status = http.StatusServiceUnavailable
	}
	body := apiError{Error: err.Error(), Type: string(kind)}
	if sub := TransportKindOf(err); sub != "" {
		body.Type = string(sub)
	}
	writeJSON(w, status, body)
}

// decodeBody parses a JSON request body.
func decodeBody(r *http.Request, v any) error {
	defer r.Body.Close()
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		return newValidationError("malformed request body: %v", err)
	}
	return nil
}

// requireAdmin runs the authorizer for a mutating endpoint.
func (g *HTTPGateway) requireAdmin(w http.ResponseWriter, r *http.Request) bool {
	if err := g.auth.Authorize(r, true); err != nil {
		writeError(w, err)
		return false
	}
	return true
}
