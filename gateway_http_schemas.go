package efio

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
)

// HexUint32 accepts JSON numbers as well as "0x..." or decimal strings,
// since CAN identifiers arrive in both shapes from clients.
type HexUint32 uint32

func (h *HexUint32) UnmarshalJSON(data []byte) error {
	var n uint32
	if err := json.Unmarshal(data, &n); err == nil {
		*h = HexUint32(n)
		return nil
	}
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return fmt.Errorf("expected number or string, got %s", data)
	}
	v, err := strconv.ParseUint(strings.TrimSpace(s), 0, 32)
	if err != nil {
		return fmt.Errorf("invalid identifier %q", s)
	}
	*h = HexUint32(v)
	return nil
}

func (h HexUint32) MarshalJSON() ([]byte, error) {
	return json.Marshal(uint32(h))
}

// apiError is the uniform error body.
type apiError struct {
	Error string `json:"error"`
	Type  string `json:"type"`
	Detail string `json:"detail,omitempty"`
}

type successResponse struct {
	Success bool   `json:"success"`
	Message string `json:"message,omitempty"`
}

// ioStateResponse answers GET /api/io.
type ioStateResponse struct {
	DI         [NumChannels]int `json:"di"`
	DO         [NumChannels]int `json:"do"`
	Simulation bool             `json:"simulation"`
	Modbus     ModbusSummary    `json:"modbus"`
}

// setDORequest accepts {"state": true} or {"value": 1}.
type setDORequest struct {
	State *bool `json:"state"`
	Value *int  `json:"value"`
}

func (r *setDORequest) binaryValue() (int, error) {
	if r.State != nil {
		if *r.State {
			return 1, nil
		}
		return 0, nil
	}
	if r.Value != nil {
		if *r.Value != 0 && *r.Value != 1 {
			return 0, newValidationError("value must be 0 or 1")
		}
		return *r.Value, nil
	}
	return 0, newValidationError("state or value is required")
}

type modbusReadBody struct {
	Register     uint16 `json:"register"`
	Count        uint16 `json:"count"`
	FunctionCode int    `json:"function_code"`
}

type modbusReadResponse struct {
	Success   bool            `json:"success"`
	Registers []RegisterValue `json:"registers"`
}

type modbusWriteBody struct {
	Register     uint16 `json:"register"`
	Value        uint16 `json:"value"`
	FunctionCode int    `json:"function_code"`
}

type modbusScanBody struct {
	Port     string `json:"port"`
	Start    int    `json:"start"`
	End      int    `json:"end"`
	Baudrate int    `json:"baudrate"`
}

type modbusScanResponse struct {
	Success bool         `json:"success"`
	Found   []ScanResult `json:"found"`
}

type canSendBody struct {
	CANID    HexUint32 `json:"can_id"`
	Data     []int     `json:"data"`
	Extended bool      `json:"extended"`
}

type canTimeoutBody struct {
	TimeoutThreshold int `json:"timeout_threshold"`
}

type canDetectBody struct {
	Candidates []int `json:"candidates,omitempty"`
}

type canFiltersBody struct {
	Filters []CANFilter `json:"filters"`
}

type canLivenessResponse struct {
	DeviceID         string  `json:"device_id"`
	Alive            bool    `json:"alive"`
	TimeoutThreshold int     `json:"timeout_threshold"`
	SecondsSinceRX   *float64 `json:"seconds_since_rx,omitempty"`
}

type healthResponse struct {
	Status     HealthLevel                `json:"status"`
	Components map[string]ComponentHealth `json:"components"`
	Uptime     float64                    `json:"uptime"`
}

type healthMetricsResponse struct {
	IOStats       IOStateStats `json:"io_state"`
	DroppedNotifs uint64       `json:"dropped_notifications"`
	MQTTDropped   uint64       `json:"mqtt_dropped"`
	WSClients     int          `json:"ws_clients"`
}

type bridgePollIntervalBody struct {
	Enabled      *bool           `json:"enabled,omitempty"`
	PollInterval float64         `json:"poll_interval,omitempty"`
	Mappings     []ModbusMapping `json:"mappings,omitempty"`
}
