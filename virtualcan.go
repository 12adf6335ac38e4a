package efio

import (
	"bytes"
	"encoding/binary"
	"net"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"
)

// VirtualCANController talks to a virtualcan TCP server
// (windelbouwman/virtualcan), used for development and tests without
// hardware. Wire format is a 4-byte big-endian length prefix followed by
// the frame struct. Standard frames only.
type VirtualCANController struct {
	addr string

	mu        sync.Mutex
	conn      net.Conn
	connected bool
	rx        chan CANFrame
	stop      chan struct{}
	wg        sync.WaitGroup
}

type virtualWireFrame struct {
	ID    uint32
	DLC   uint8
	Data  [8]byte
	Flags uint8
}

func NewVirtualCANController(addr string) *VirtualCANController {
	return &VirtualCANController{addr: addr}
}

func (v *VirtualCANController) Init(bitrate int) error {
	v.mu.Lock()
	defer v.mu.Unlock()
	if v.connected {
		return newConflictError("virtualcan already connected")
	}
	conn, err := net.Dial("tcp", v.addr)
	if err != nil {
		return newTransportError(TransportSerial, "virtualcan dial failed", err)
	}
	if tcpConn, ok := conn.(*net.TCPConn); ok {
		tcpConn.SetNoDelay(true)
	}
	v.conn = conn
	v.rx = make(chan CANFrame, 256)
	v.stop = make(chan struct{})
	v.connected = true
	v.wg.Add(1)
	go v.receiveLoop(conn, v.rx, v.stop)
	log.Infof("[VIRTUALCAN] connected to %s", v.addr)
	return nil
}

func (v *VirtualCANController) receiveLoop(conn net.Conn, rx chan CANFrame, stop chan struct{}) {
	defer v.wg.Done()
	header := make([]byte, 4)
	for {
		select {
		case <-stop:
			return
		default:
		}
		conn.SetReadDeadline(time.Now().Add(200 * time.Millisecond))
		if _, err := readFull(conn, header); err != nil {
			if netErr, ok := err.(net.Error); ok && netErr.Timeout() {
				continue
			}
			log.Debugf("[VIRTUALCAN] receive loop closed: %v", err)
			return
		}
		length := binary.BigEndian.Uint32(header)
		payload := make([]byte, length)
		conn.SetReadDeadline(time.Now().Add(200 * time.Millisecond))
		if _, err := readFull(conn, payload); err != nil {
			log.Debugf("[VIRTUALCAN] receive loop closed: %v", err)
			return
		}
		var wire virtualWireFrame
		if err := binary.Read(bytes.NewReader(payload), binary.BigEndian, &wire); err != nil {
			continue
		}
		frame := CANFrame{
			ID:        wire.ID,
			DLC:       wire.DLC,
			Data:      wire.Data,
			Direction: DirectionRX,
			Timestamp: time.Now(),
		}
		select {
		case rx <- frame:
		default:
		}
	}
}

func readFull(conn net.Conn, buf []byte) (int, error) {
	total := 0
	for total < len(buf) {
		n, err := conn.Read(buf[total:])
		total += n
		if err != nil {
			return total, err
		}
	}
	return total, nil
}

func (v *VirtualCANController) Available() (bool, error) {
	v.mu.Lock()
	defer v.mu.Unlock()
	if !v.connected {
		return false, newConflictError("virtualcan not connected")
	}
	return len(v.rx) > 0, nil
}

func (v *VirtualCANController) ReadMessage() (*CANFrame, error) {
	v.mu.Lock()
	rx := v.rx
	connected := v.connected
	v.mu.Unlock()
	if !connected {
		return nil, newConflictError("virtualcan not connected")
	}
	select {
	case frame := <-rx:
		return &frame, nil
	default:
		return nil, nil
	}
}

func (v *VirtualCANController) SendMessage(frame CANFrame) error {
	v.mu.Lock()
	defer v.mu.Unlock()
	if !v.connected {
		return newConflictError("virtualcan not connected")
	}
	wire := virtualWireFrame{ID: frame.ID, DLC: frame.DLC, Data: frame.Data}
	body := new(bytes.Buffer)
	if err := binary.Write(body, binary.BigEndian, wire); err != nil {
		return err
	}
	out := make([]byte, 4+body.Len())
	binary.BigEndian.PutUint32(out, uint32(body.Len()))
	copy(out[4:], body.Bytes())
	if _, err := v.conn.Write(out); err != nil {
		return newTransportError(TransportSerial, "virtualcan write failed", err)
	}
	return nil
}

func (v *VirtualCANController) ReadRegister(addr byte) (byte, error) {
	v.mu.Lock()
	defer v.mu.Unlock()
	if !v.connected {
		return 0, newTransportError(TransportSerial, "virtualcan not connected", nil)
	}
	return 0, nil
}

func (v *VirtualCANController) Close() error {
	v.mu.Lock()
	if !v.connected {
		v.mu.Unlock()
		return nil
	}
	v.connected = false
	close(v.stop)
	conn := v.conn
	v.mu.Unlock()
	v.wg.Wait()
	return conn.Close()
}
