package efio

import "time"

const (
	minCANTimeoutSeconds     = 5
	maxCANTimeoutSeconds     = 300
	defaultCANTimeoutSeconds = 30
)

// CANMessageDef is an optional named message carried by a device.
type CANMessageDef struct {
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`
}

// CANDevice is a logical endpoint identified by its CAN ID. Runtime
// counters are owned by the manager and guarded by its lock.
type CANDevice struct {
	ID               string          `json:"id"`
	Name             string          `json:"name"`
	CANID            uint32          `json:"can_id"`
	Extended         bool            `json:"extended"`
	Enabled          bool            `json:"enabled"`
	TimeoutThreshold int             `json:"timeout_threshold"`
	Messages         []CANMessageDef `json:"messages,omitempty"`

	rxCount        uint64
	txCount        uint64
	lastSeen       time.Time
	lastRX         time.Time
	timeoutLatched bool
}

func (d *CANDevice) Validate() error {
	if d.ID == "" {
		return newValidationError("device id is required")
	}
	if d.Extended {
		if d.CANID > canEFFMask {
			return newValidationError("extended can_id 0x%X exceeds 29 bits", d.CANID)
		}
	} else if d.CANID > canSFFMask {
		return newValidationError("standard can_id 0x%X exceeds 11 bits", d.CANID)
	}
	if d.TimeoutThreshold != 0 &&
		(d.TimeoutThreshold < minCANTimeoutSeconds || d.TimeoutThreshold > maxCANTimeoutSeconds) {
		return newValidationError("timeout_threshold %d out of range %d..%d seconds",
			d.TimeoutThreshold, minCANTimeoutSeconds, maxCANTimeoutSeconds)
	}
	return nil
}

func (d *CANDevice) timeout() time.Duration {
	threshold := d.TimeoutThreshold
	if threshold == 0 {
		threshold = defaultCANTimeoutSeconds
	}
	return time.Duration(threshold) * time.Second
}

// alive is the derived liveness predicate: fresh RX within the timeout
// threshold. Callers hold the manager lock.
func (d *CANDevice) alive(now time.Time) bool {
	if d.lastRX.IsZero() {
		return false
	}
	return now.Sub(d.lastRX) < d.timeout()
}

// CANDeviceStatus is a device snapshot with runtime counters and liveness.
type CANDeviceStatus struct {
	CANDevice
	RXCount  uint64     `json:"rx_count"`
	TXCount  uint64     `json:"tx_count"`
	LastSeen *time.Time `json:"last_seen"`
	LastRX   *time.Time `json:"last_rx_time"`
	Alive    bool       `json:"alive"`
}

// CANFilter is an acceptance filter/mask pair. When the controller has
// hardware filters they are programmed on apply.
type CANFilter struct {
	ID       uint32 `json:"id"`
	Mask     uint32 `json:"mask"`
	Extended bool   `json:"extended"`
	Enabled  bool   `json:"enabled"`
}

func (f *CANFilter) Validate() error {
	limit := canSFFMask
	if f.Extended {
		limit = canEFFMask
	}
	if f.ID > limit {
		return newValidationError("filter id 0x%X out of range", f.ID)
	}
	if f.Mask > limit {
		return newValidationError("filter mask 0x%X out of range", f.Mask)
	}
	return nil
}
