package efio

import "time"

// Frame directions
const (
	DirectionRX = "RX"
	DirectionTX = "TX"
)

// CANFrame is a single frame on the wire, standard or extended, data or
// remote.
type CANFrame struct {
	ID        uint32
	DLC       uint8
	Data      [8]byte
	Extended  bool
	RTR       bool
	Direction string
	Timestamp time.Time
}

// CANLogEntry is the JSON-friendly form kept in the bounded message log
// and handed to subscribers.
type CANLogEntry struct {
	Timestamp time.Time `json:"timestamp"`
	Direction string    `json:"direction"`
	CANID     uint32    `json:"can_id"`
	DLC       uint8     `json:"dlc"`
	Data      []int     `json:"data"`
	Extended  bool      `json:"extended"`
	RTR       bool      `json:"rtr,omitempty"`
}

// LogEntry converts a frame for the message log. Data is truncated to DLC.
func (f CANFrame) LogEntry() CANLogEntry {
	data := make([]int, f.DLC)
	for i := 0; i < int(f.DLC); i++ {
		data[i] = int(f.Data[i])
	}
	return CANLogEntry{
		Timestamp: f.Timestamp,
		Direction: f.Direction,
		CANID:     f.ID,
		DLC:       f.DLC,
		Data:      data,
		Extended:  f.Extended,
		RTR:       f.RTR,
	}
}

// Controller abstracts the CAN hardware. The MCP2515 over SPI is the
// primary implementation; SocketCAN and the virtual TCP bus satisfy it for
// hosts with native CAN and for tests.
type Controller interface {
	// Init brings the controller up at the given bitrate.
	Init(bitrate int) error
	// Available reports whether a received frame is waiting.
	Available() (bool, error)
	// ReadMessage pops one received frame, nil when none is pending.
	ReadMessage() (*CANFrame, error)
	// SendMessage transmits a frame.
	SendMessage(frame CANFrame) error
	// ReadRegister reads a controller register, used as the hardware
	// health probe (CANSTAT on the MCP2515).
	ReadRegister(addr byte) (byte, error)
	Close() error
}

// FilterProgrammer is implemented by controllers with hardware acceptance
// filters (RXF/RXM on the MCP2515).
type FilterProgrammer interface {
	SetFilter(num int, id, mask uint32, extended bool) error
}
