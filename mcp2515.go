package efio

import (
	"fmt"
	"sort"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"
	"periph.io/x/conn/v3/physic"
	"periph.io/x/conn/v3/spi"
)

// MCP2515 SPI instructions
const (
	mcpCmdReset      = 0xC0
	mcpCmdRead       = 0x03
	mcpCmdWrite      = 0x02
	mcpCmdReadRXB0   = 0x90
	mcpCmdReadRXB1   = 0x94
	mcpCmdLoadTXB0   = 0x40
	mcpCmdLoadTXB1   = 0x42
	mcpCmdLoadTXB2   = 0x44
	mcpCmdRTSTXB0    = 0x81
	mcpCmdRTSTXB1    = 0x82
	mcpCmdRTSTXB2    = 0x84
	mcpCmdReadStatus = 0xA0
	mcpCmdRXStatus   = 0xB0
	mcpCmdBitModify  = 0x05
)

// MCP2515 registers
const (
	regCANSTAT  = 0x0E
	regCANCTRL  = 0x0F
	regTEC      = 0x1C
	regREC      = 0x1D
	regCNF3     = 0x28
	regCNF2     = 0x29
	regCNF1     = 0x2A
	regCANINTE  = 0x2B
	regCANINTF  = 0x2C
	regEFLG     = 0x2D
	regTXB0CTRL = 0x30
	regTXB0SIDH = 0x31
	regTXB1CTRL = 0x40
	regTXB1SIDH = 0x41
	regTXB2CTRL = 0x50
	regTXB2SIDH = 0x51
	regRXB0CTRL = 0x60
	regRXB1CTRL = 0x70
)

// Operating modes (CANCTRL/CANSTAT high bits)
const (
	ModeNormal     = 0x00
	ModeSleep      = 0x20
	ModeLoopback   = 0x40
	ModeListenOnly = 0x60
	ModeConfig     = 0x80
)

// Supported crystal frequencies
const (
	Crystal8MHz  = 8_000_000
	Crystal16MHz = 16_000_000
	Crystal20MHz = 20_000_000
)

// cnf is the CNF1..CNF3 bit-timing triple for one bitrate.
type cnf [3]byte

// Bit-timing tables per crystal. Rates without an entry fall back to the
// numerically nearest supported rate.
var bitTimings = map[int]map[int]cnf{
	Crystal8MHz: {
		5_000:     {0x1F, 0xBF, 0x87},
		10_000:    {0x0F, 0xBF, 0x87},
		20_000:    {0x07, 0xBF, 0x87},
		40_000:    {0x03, 0xBF, 0x87},
		50_000:    {0x03, 0xB4, 0x86},
		80_000:    {0x01, 0xBF, 0x87},
		100_000:   {0x01, 0xB4, 0x86},
		125_000:   {0x01, 0xB1, 0x85},
		200_000:   {0x00, 0xB4, 0x86},
		250_000:   {0x00, 0xB1, 0x85},
		500_000:   {0x00, 0x90, 0x82},
		1_000_000: {0x00, 0x80, 0x80},
	},
	Crystal16MHz: {
		5_000:     {0x3F, 0xFF, 0x87},
		10_000:    {0x1F, 0xFF, 0x87},
		20_000:    {0x0F, 0xFF, 0x87},
		40_000:    {0x07, 0xFF, 0x87},
		50_000:    {0x07, 0xFA, 0x87},
		80_000:    {0x03, 0xFF, 0x87},
		100_000:   {0x03, 0xFA, 0x87},
		125_000:   {0x03, 0xF0, 0x86},
		200_000:   {0x01, 0xFA, 0x87},
		250_000:   {0x41, 0xF1, 0x85},
		500_000:   {0x00, 0xF0, 0x86},
		1_000_000: {0x00, 0xD0, 0x82},
	},
	Crystal20MHz: {
		40_000:    {0x09, 0xFF, 0x87},
		50_000:    {0x09, 0xFA, 0x87},
		80_000:    {0x04, 0xFF, 0x87},
		100_000:   {0x04, 0xFA, 0x87},
		125_000:   {0x03, 0xFA, 0x87},
		200_000:   {0x01, 0xFF, 0x87},
		250_000:   {0x41, 0xFB, 0x86},
		500_000:   {0x00, 0xFA, 0x87},
		1_000_000: {0x00, 0xD9, 0x82},
	},
}

// nearestBitrate picks the supported rate numerically closest to the
// requested one for the given crystal.
func nearestBitrate(crystal, bitrate int) (int, cnf, error) {
	table, ok := bitTimings[crystal]
	if !ok {
		return 0, cnf{}, newValidationError("unsupported crystal frequency %d Hz", crystal)
	}
	if timing, ok := table[bitrate]; ok {
		return bitrate, timing, nil
	}
	rates := make([]int, 0, len(table))
	for rate := range table {
		rates = append(rates, rate)
	}
	sort.Ints(rates)
	best := rates[0]
	for _, rate := range rates {
		if abs(rate-bitrate) < abs(best-bitrate) {
			best = rate
		}
	}
	return best, table[best], nil
}

func abs(v int) int {
	if v < 0 {
		return -v
	}
	return v
}

// SPIConn is the minimal periph.io SPI surface the driver needs, swapped
// for a simulated bus in tests.
type SPIConn interface {
	Tx(w, r []byte) error
}

// MCP2515 drives the SPI attached CAN controller. All SPI transactions are
// serialized by an internal mutex; the SPI bus is exclusively owned by
// this driver.
type MCP2515 struct {
	mu      sync.Mutex
	conn    SPIConn
	port    spi.PortCloser
	crystal int
	bitrate int
}

// NewMCP2515 connects the driver to an SPI port at 1 MHz, mode 0.
func NewMCP2515(port spi.PortCloser, crystalHz int) (*MCP2515, error) {
	conn, err := port.Connect(physic.MegaHertz, spi.Mode0, 8)
	if err != nil {
		return nil, newTransportError(TransportSPI, "spi connect failed", err)
	}
	if _, ok := bitTimings[crystalHz]; !ok {
		return nil, newValidationError("unsupported crystal frequency %d Hz", crystalHz)
	}
	return &MCP2515{conn: conn, port: port, crystal: crystalHz}, nil
}

// NewMCP2515WithConn wires the driver to an existing SPI connection.
func NewMCP2515WithConn(conn SPIConn, crystalHz int) (*MCP2515, error) {
	if _, ok := bitTimings[crystalHz]; !ok {
		return nil, newValidationError("unsupported crystal frequency %d Hz", crystalHz)
	}
	return &MCP2515{conn: conn, crystal: crystalHz}, nil
}

func (c *MCP2515) xfer(w []byte) ([]byte, error) {
	r := make([]byte, len(w))
	if err := c.conn.Tx(w, r); err != nil {
		return nil, newTransportError(TransportSPI, "spi transfer failed", err)
	}
	return r, nil
}

func (c *MCP2515) readRegister(addr byte) (byte, error) {
	r, err := c.xfer([]byte{mcpCmdRead, addr, 0x00})
	if err != nil {
		return 0, err
	}
	return r[2], nil
}

func (c *MCP2515) writeRegister(addr, value byte) error {
	_, err := c.xfer([]byte{mcpCmdWrite, addr, value})
	return err
}

func (c *MCP2515) bitModify(addr, mask, value byte) error {
	_, err := c.xfer([]byte{mcpCmdBitModify, addr, mask, value})
	return err
}

func (c *MCP2515) readStatus() (byte, error) {
	r, err := c.xfer([]byte{mcpCmdReadStatus, 0x00})
	if err != nil {
		return 0, err
	}
	return r[1], nil
}

func (c *MCP2515) rxStatus() (byte, error) {
	r, err := c.xfer([]byte{mcpCmdRXStatus, 0x00})
	if err != nil {
		return 0, err
	}
	return r[1], nil
}

// ReadRegister exposes raw register access for health probes.
func (c *MCP2515) ReadRegister(addr byte) (byte, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.readRegister(addr)
}

// Reset issues the SPI reset instruction and waits for the chip.
func (c *MCP2515) Reset() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, err := c.xfer([]byte{mcpCmdReset}); err != nil {
		return err
	}
	time.Sleep(10 * time.Millisecond)
	return nil
}

// setMode requests an operating mode and poll-verifies CANSTAT, up to
// three attempts.
func (c *MCP2515) setMode(mode byte) error {
	for attempt := 0; attempt < 3; attempt++ {
		if err := c.bitModify(regCANCTRL, 0xE0, mode); err != nil {
			return err
		}
		time.Sleep(10 * time.Millisecond)
		stat, err := c.readRegister(regCANSTAT)
		if err != nil {
			return err
		}
		if stat&0xE0 == mode {
			return nil
		}
	}
	return newTransportError(TransportSPI, fmt.Sprintf("mode change to 0x%02X not confirmed", mode), nil)
}

// SetMode switches the operating mode (normal, config, loopback, ...).
func (c *MCP2515) SetMode(mode byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.setMode(mode)
}

// Init resets the chip, programs bit timing for the requested bitrate
// (nearest supported rate when unsupported), opens both RX buffers and
// enters normal mode.
func (c *MCP2515) Init(bitrate int) error {
	actual, timing, err := nearestBitrate(c.crystal, bitrate)
	if err != nil {
		return err
	}
	if actual != bitrate {
		log.Warnf("[MCP2515] bitrate %d not supported at %d Hz crystal, using nearest %d", bitrate, c.crystal, actual)
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if _, err := c.xfer([]byte{mcpCmdReset}); err != nil {
		return err
	}
	time.Sleep(10 * time.Millisecond)

	// CNF registers are only writable in config mode.
	if err := c.setMode(ModeConfig); err != nil {
		return err
	}
	if err := c.writeRegister(regCNF1, timing[0]); err != nil {
		return err
	}
	if err := c.writeRegister(regCNF2, timing[1]); err != nil {
		return err
	}
	if err := c.writeRegister(regCNF3, timing[2]); err != nil {
		return err
	}
	// RX buffer full interrupts only.
	if err := c.writeRegister(regCANINTE, 0x03); err != nil {
		return err
	}
	// Receive everything, filters off until programmed explicitly.
	if err := c.writeRegister(regRXB0CTRL, 0x60); err != nil {
		return err
	}
	if err := c.writeRegister(regRXB1CTRL, 0x60); err != nil {
		return err
	}
	if err := c.setMode(ModeNormal); err != nil {
		return err
	}
	c.bitrate = actual
	log.Infof("[MCP2515] initialized at %d bps (%d Hz crystal)", actual, c.crystal)
	return nil
}

// Bitrate returns the active bitrate after Init.
func (c *MCP2515) Bitrate() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.bitrate
}

// Available reports whether either RX buffer holds a frame.
func (c *MCP2515) Available() (bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	status, err := c.rxStatus()
	if err != nil {
		return false, err
	}
	return status&0xC0 != 0, nil
}

// ReadMessage pops one frame from RXB0 or RXB1.
func (c *MCP2515) ReadMessage() (*CANFrame, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	status, err := c.rxStatus()
	if err != nil {
		return nil, err
	}
	var readCmd byte
	var intFlag byte
	switch {
	case status&0x40 != 0:
		readCmd = mcpCmdReadRXB0
		intFlag = 0x01
	case status&0x80 != 0:
		readCmd = mcpCmdReadRXB1
		intFlag = 0x02
	default:
		return nil, nil
	}

	buf := make([]byte, 14)
	buf[0] = readCmd
	r, err := c.xfer(buf)
	if err != nil {
		return nil, err
	}
	sidh, sidl, eid8, eid0, dlc := r[1], r[2], r[3], r[4], r[5]

	frame := &CANFrame{Direction: DirectionRX, Timestamp: time.Now()}
	if sidl&0x08 != 0 {
		frame.Extended = true
		frame.ID = uint32(sidh)<<21 | uint32(sidl&0xE0)<<13 | uint32(sidl&0x03)<<16 | uint32(eid8)<<8 | uint32(eid0)
	} else {
		frame.ID = uint32(sidh)<<3 | uint32(sidl)>>5
	}
	frame.RTR = dlc&0x40 != 0
	frame.DLC = dlc & 0x0F
	if frame.DLC > 8 {
		frame.DLC = 8
	}
	copy(frame.Data[:], r[6:6+frame.DLC])

	if err := c.bitModify(regCANINTF, intFlag, 0x00); err != nil {
		return nil, err
	}
	return frame, nil
}

// encodeID packs a standard or extended identifier into the SIDH/SIDL/EID
// register layout.
func encodeID(id uint32, extended bool) (sidh, sidl, eid8, eid0 byte) {
	if extended {
		sidh = byte(id >> 21)
		sidl = byte((id>>13)&0xE0) | 0x08 | byte((id>>16)&0x03)
		eid8 = byte(id >> 8)
		eid0 = byte(id)
		return
	}
	sidh = byte(id >> 3)
	sidl = byte(id<<5) & 0xE0
	return
}

// SendMessage loads the first free TX buffer and requests transmission,
// waiting for completion with a 100ms deadline.
func (c *MCP2515) SendMessage(frame CANFrame) error {
	if frame.DLC > 8 {
		return newValidationError("dlc %d exceeds 8", frame.DLC)
	}
	c.mu.Lock()
	defer c.mu.Unlock()

	status, err := c.readStatus()
	if err != nil {
		return err
	}
	var loadCmd, rtsCmd, ctrlReg byte
	switch {
	case status&0x04 == 0:
		loadCmd, rtsCmd, ctrlReg = mcpCmdLoadTXB0, mcpCmdRTSTXB0, regTXB0CTRL
	case status&0x10 == 0:
		loadCmd, rtsCmd, ctrlReg = mcpCmdLoadTXB1, mcpCmdRTSTXB1, regTXB1CTRL
	case status&0x40 == 0:
		loadCmd, rtsCmd, ctrlReg = mcpCmdLoadTXB2, mcpCmdRTSTXB2, regTXB2CTRL
	default:
		return newTransportError(TransportSPI, "no free TX buffer", nil)
	}

	sidh, sidl, eid8, eid0 := encodeID(frame.ID, frame.Extended)
	dlc := frame.DLC
	if frame.RTR {
		dlc |= 0x40
	}
	tx := make([]byte, 6+frame.DLC)
	tx[0] = loadCmd
	tx[1] = sidh
	tx[2] = sidl
	tx[3] = eid8
	tx[4] = eid0
	tx[5] = dlc
	copy(tx[6:], frame.Data[:frame.DLC])
	if _, err := c.xfer(tx); err != nil {
		return err
	}
	if _, err := c.xfer([]byte{rtsCmd}); err != nil {
		return err
	}

	deadline := time.Now().Add(100 * time.Millisecond)
	for time.Now().Before(deadline) {
		ctrl, err := c.readRegister(ctrlReg)
		if err != nil {
			return err
		}
		if ctrl&0x08 == 0 {
			if ctrl&0x70 != 0 {
				return newTransportError(TransportSPI, fmt.Sprintf("transmit error 0x%02X", ctrl), nil)
			}
			return nil
		}
		time.Sleep(time.Millisecond)
	}
	return newTimeoutError("transmission not completed within 100ms")
}

// SetFilter programs acceptance filter num (0..5) and its mask register.
// The chip must pass through config mode, so filters are applied before or
// between bus activity.
func (c *MCP2515) SetFilter(num int, id, mask uint32, extended bool) error {
	if num < 0 || num > 5 {
		return newValidationError("filter number %d out of range 0..5", num)
	}
	c.mu.Lock()
	defer c.mu.Unlock()

	if err := c.setMode(ModeConfig); err != nil {
		return err
	}
	filterBase := []byte{0x00, 0x04, 0x08, 0x10, 0x14, 0x18}[num]
	maskBase := byte(0x20) // RXM0
	if num >= 3 {
		maskBase = 0x24 // RXM1
	}

	sidh, sidl, eid8, eid0 := encodeID(id, extended)
	for i, v := range []byte{sidh, sidl, eid8, eid0} {
		if err := c.writeRegister(filterBase+byte(i), v); err != nil {
			return err
		}
	}
	msidh, msidl, meid8, meid0 := encodeID(mask, extended)
	msidl &^= 0x08 // EXIDE is not part of the mask
	for i, v := range []byte{msidh, msidl, meid8, meid0} {
		if err := c.writeRegister(maskBase+byte(i), v); err != nil {
			return err
		}
	}

	// Enable filtered reception on both buffers.
	if err := c.writeRegister(regRXB0CTRL, 0x00); err != nil {
		return err
	}
	if err := c.writeRegister(regRXB1CTRL, 0x00); err != nil {
		return err
	}
	return c.setMode(ModeNormal)
}

// ErrorCounters reads the TEC/REC error counters and EFLG.
func (c *MCP2515) ErrorCounters() (tec, rec, eflg byte, err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if tec, err = c.readRegister(regTEC); err != nil {
		return
	}
	if rec, err = c.readRegister(regREC); err != nil {
		return
	}
	eflg, err = c.readRegister(regEFLG)
	return
}

func (c *MCP2515) Close() error {
	if c.port != nil {
		return c.port.Close()
	}
	return nil
}
