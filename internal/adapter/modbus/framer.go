// Package modbus provides the gateway connection layer: one serialized
// transport per (host, port) with circuit breaking, retry handling and
// framer selection.
package modbus

import (
	"bufio"
	"bytes"
	"encoding/hex"
	"fmt"
	"io"
	"net"
	"time"

	"github.com/goburrow/modbus"

	"github.com/nexus-edge/modbus-bridge/internal/domain"
)

// link is one framed client connection to a gateway. The goburrow TCP
// handler covers SOCKET framing; RTU and ASCII over TCP are composed
// from the packagers and transporters below via modbus.NewClient2.
type link interface {
	Client() modbus.Client
	SetSlave(id byte)
	SetTimeout(d time.Duration)
	Connect() error
	Close() error
}

// buildLink constructs the link for the device's framer.
func buildLink(framer domain.Framer, address string, timeout time.Duration) link {
	switch framer {
	case domain.FramerSocket:
		return newSocketLink(address, timeout)
	case domain.FramerASCII:
		return newASCIILink(address, timeout)
	default:
		return newRTULink(address, timeout)
	}
}

// socketLink wraps the standard Modbus TCP handler.
type socketLink struct {
	handler *modbus.TCPClientHandler
	client  modbus.Client
}

func newSocketLink(address string, timeout time.Duration) *socketLink {
	handler := modbus.NewTCPClientHandler(address)
	handler.Timeout = timeout
	return &socketLink{handler: handler, client: modbus.NewClient(handler)}
}

func (l *socketLink) Client() modbus.Client      { return l.client }
func (l *socketLink) SetSlave(id byte)           { l.handler.SlaveId = id }
func (l *socketLink) SetTimeout(d time.Duration) { l.handler.Timeout = d }
func (l *socketLink) Connect() error             { return l.handler.Connect() }
func (l *socketLink) Close() error               { return l.handler.Close() }

// serialLink carries RTU or ASCII framing over a TCP socket, the mode
// used by serial-to-Ethernet gateways bridging an RS-485 bus.
type serialLink struct {
	packager    serialPackager
	transporter serialTransporter
	client      modbus.Client
}

type serialPackager interface {
	modbus.Packager
	setSlave(id byte)
}

type serialTransporter interface {
	modbus.Transporter
	setTimeout(d time.Duration)
	Connect() error
	Close() error
}

func newRTULink(address string, timeout time.Duration) *serialLink {
	packager := &rtuPackager{}
	transporter := &rtuTCPTransporter{address: address, timeout: timeout}
	return &serialLink{
		packager:    packager,
		transporter: transporter,
		client:      modbus.NewClient2(packager, transporter),
	}
}

func newASCIILink(address string, timeout time.Duration) *serialLink {
	packager := &asciiPackager{}
	transporter := &asciiTCPTransporter{address: address, timeout: timeout}
	return &serialLink{
		packager:    packager,
		transporter: transporter,
		client:      modbus.NewClient2(packager, transporter),
	}
}

func (l *serialLink) Client() modbus.Client      { return l.client }
func (l *serialLink) SetSlave(id byte)           { l.packager.setSlave(id) }
func (l *serialLink) SetTimeout(d time.Duration) { l.transporter.setTimeout(d) }
func (l *serialLink) Connect() error             { return l.transporter.Connect() }
func (l *serialLink) Close() error               { return l.transporter.Close() }

const (
	rtuMinFrameSize = 4
	rtuMaxFrameSize = 256
)

// rtuPackager frames PDUs as RTU ADUs: address, PDU, CRC-16 (low byte
// first).
type rtuPackager struct {
	slaveID byte
}

func (p *rtuPackager) setSlave(id byte) { p.slaveID = id }

func (p *rtuPackager) Encode(pdu *modbus.ProtocolDataUnit) ([]byte, error) {
	length := len(pdu.Data) + 4
	if length > rtuMaxFrameSize {
		return nil, fmt.Errorf("modbus: frame length %d exceeds %d", length, rtuMaxFrameSize)
	}

	adu := make([]byte, 0, length)
	adu = append(adu, p.slaveID, pdu.FunctionCode)
	adu = append(adu, pdu.Data...)

	checksum := crc16(adu)
	adu = append(adu, byte(checksum), byte(checksum>>8))
	return adu, nil
}

func (p *rtuPackager) Decode(adu []byte) (*modbus.ProtocolDataUnit, error) {
	if len(adu) < rtuMinFrameSize {
		return nil, fmt.Errorf("modbus: frame too short: %d bytes", len(adu))
	}

	length := len(adu)
	computed := crc16(adu[:length-2])
	received := uint16(adu[length-2]) | uint16(adu[length-1])<<8
	if computed != received {
		return nil, fmt.Errorf("modbus: crc mismatch: got %04x, want %04x", received, computed)
	}

	return &modbus.ProtocolDataUnit{
		FunctionCode: adu[1],
		Data:         adu[2 : length-2],
	}, nil
}

func (p *rtuPackager) Verify(aduRequest, aduResponse []byte) error {
	if len(aduResponse) < rtuMinFrameSize {
		return fmt.Errorf("modbus: response too short: %d bytes", len(aduResponse))
	}
	if aduRequest[0] != aduResponse[0] {
		return fmt.Errorf("modbus: response slave id %d does not match request %d",
			aduResponse[0], aduRequest[0])
	}
	return nil
}

// rtuTCPTransporter sends RTU frames over a TCP connection. The
// connection is opened lazily and dropped on any I/O error so the next
// send redials.
type rtuTCPTransporter struct {
	address string
	timeout time.Duration
	conn    net.Conn
}

func (t *rtuTCPTransporter) setTimeout(d time.Duration) { t.timeout = d }

func (t *rtuTCPTransporter) Connect() error {
	if t.conn != nil {
		return nil
	}
	conn, err := net.DialTimeout("tcp", t.address, t.timeout)
	if err != nil {
		return err
	}
	t.conn = conn
	return nil
}

func (t *rtuTCPTransporter) Close() error {
	if t.conn == nil {
		return nil
	}
	err := t.conn.Close()
	t.conn = nil
	return err
}

func (t *rtuTCPTransporter) Send(aduRequest []byte) ([]byte, error) {
	if err := t.Connect(); err != nil {
		return nil, err
	}

	if err := t.conn.SetDeadline(time.Now().Add(t.timeout)); err != nil {
		t.Close()
		return nil, err
	}
	if _, err := t.conn.Write(aduRequest); err != nil {
		t.Close()
		return nil, err
	}

	// The response length depends on the function code, so read the
	// three-byte prefix first.
	header := make([]byte, 3)
	if _, err := io.ReadFull(t.conn, header); err != nil {
		t.Close()
		return nil, err
	}

	length, err := rtuResponseLength(header)
	if err != nil {
		t.Close()
		return nil, err
	}

	adu := make([]byte, length)
	copy(adu, header)
	if length > len(header) {
		if _, err := io.ReadFull(t.conn, adu[len(header):]); err != nil {
			t.Close()
			return nil, err
		}
	}
	return adu, nil
}

// rtuResponseLength derives the full ADU length from the first three
// response bytes.
func rtuResponseLength(header []byte) (int, error) {
	function := header[1]
	if function&0x80 != 0 {
		// Exception response: address, function, code, CRC.
		return 5, nil
	}
	switch function {
	case 0x01, 0x02, 0x03, 0x04:
		return 5 + int(header[2]), nil
	case 0x05, 0x06, 0x0F, 0x10:
		return 8, nil
	default:
		return 0, fmt.Errorf("modbus: unsupported function code %d in response", function)
	}
}

// asciiPackager frames PDUs as ASCII ADUs: colon, hex payload, LRC,
// CR LF.
type asciiPackager struct {
	slaveID byte
}

func (p *asciiPackager) setSlave(id byte) { p.slaveID = id }

func (p *asciiPackager) Encode(pdu *modbus.ProtocolDataUnit) ([]byte, error) {
	payload := make([]byte, 0, len(pdu.Data)+3)
	payload = append(payload, p.slaveID, pdu.FunctionCode)
	payload = append(payload, pdu.Data...)
	payload = append(payload, lrc(payload))

	var buf bytes.Buffer
	buf.WriteByte(':')
	for _, b := range payload {
		fmt.Fprintf(&buf, "%02X", b)
	}
	buf.WriteString("\r\n")
	return buf.Bytes(), nil
}

func (p *asciiPackager) Decode(adu []byte) (*modbus.ProtocolDataUnit, error) {
	frame := bytes.TrimRight(adu, "\r\n")
	if len(frame) < 7 || frame[0] != ':' {
		return nil, fmt.Errorf("modbus: malformed ascii frame")
	}

	payload := make([]byte, hex.DecodedLen(len(frame)-1))
	if _, err := hex.Decode(payload, frame[1:]); err != nil {
		return nil, fmt.Errorf("modbus: bad ascii frame encoding: %w", err)
	}

	length := len(payload)
	if computed := lrc(payload[:length-1]); computed != payload[length-1] {
		return nil, fmt.Errorf("modbus: lrc mismatch: got %02x, want %02x", payload[length-1], computed)
	}

	return &modbus.ProtocolDataUnit{
		FunctionCode: payload[1],
		Data:         payload[2 : length-1],
	}, nil
}

func (p *asciiPackager) Verify(aduRequest, aduResponse []byte) error {
	if len(aduResponse) < 7 {
		return fmt.Errorf("modbus: response too short: %d bytes", len(aduResponse))
	}
	if !bytes.Equal(aduRequest[1:3], aduResponse[1:3]) {
		return fmt.Errorf("modbus: response slave id does not match request")
	}
	return nil
}

// asciiTCPTransporter sends ASCII frames over a TCP connection,
// reading responses up to the LF terminator.
type asciiTCPTransporter struct {
	address string
	timeout time.Duration
	conn    net.Conn
	reader  *bufio.Reader
}

func (t *asciiTCPTransporter) setTimeout(d time.Duration) { t.timeout = d }

func (t *asciiTCPTransporter) Connect() error {
	if t.conn != nil {
		return nil
	}
	conn, err := net.DialTimeout("tcp", t.address, t.timeout)
	if err != nil {
		return err
	}
	t.conn = conn
	t.reader = bufio.NewReader(conn)
	return nil
}

func (t *asciiTCPTransporter) Close() error {
	if t.conn == nil {
		return nil
	}
	err := t.conn.Close()
	t.conn = nil
	t.reader = nil
	return err
}

func (t *asciiTCPTransporter) Send(aduRequest []byte) ([]byte, error) {
	if err := t.Connect(); err != nil {
		return nil, err
	}

	if err := t.conn.SetDeadline(time.Now().Add(t.timeout)); err != nil {
		t.Close()
		return nil, err
	}
	if _, err := t.conn.Write(aduRequest); err != nil {
		t.Close()
		return nil, err
	}

	response, err := t.reader.ReadBytes('\n')
	if err != nil {
		t.Close()
		return nil, err
	}
	return response, nil
}

// crc16 computes the Modbus CRC-16 (polynomial 0xA001).
func crc16(data []byte) uint16 {
	crc := uint16(0xFFFF)
	for _, b := range data {
		crc ^= uint16(b)
		for i := 0; i < 8; i++ {
			if crc&1 != 0 {
				crc = crc>>1 ^ 0xA001
			} else {
				crc >>= 1
			}
		}
	}
	return crc
}

// lrc computes the Modbus ASCII longitudinal redundancy check.
func lrc(data []byte) byte {
	var sum byte
	for _, b := range data {
		sum += b
	}
	return byte(-int8(sum))
}
