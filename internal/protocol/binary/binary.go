// Package binary implements a compact binary protocol. Every packet starts
// with a 4 byte header:
//
//	0x7E | type | total length (uint16, big endian)
//
// Devices that fall back to the ascii sentences (anything starting with '$')
// are served on the same port.
package binary

import (
	"encoding/binary"
	"fmt"
	"net"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/dcrodman/trackd/internal/core/bytes"
	"github.com/dcrodman/trackd/internal/core/data"
	"github.com/dcrodman/trackd/internal/frame"
	"github.com/dcrodman/trackd/internal/protocol"
	"github.com/dcrodman/trackd/internal/protocol/ascii"
	"github.com/dcrodman/trackd/internal/server"
)

const Name = "binary"

const (
	Marker = 0x7E

	PositionType  = 0x01
	HeartbeatType = 0x02
	// Acknowledgements set the high bit of the type they answer.
	ackFlag = 0x80

	HeaderSize = 4
	// Latitude and longitude are sent in millionths of a degree.
	microDegrees = 1e6
)

var byteOrder = binary.BigEndian

func init() {
	protocol.Register(protocol.Protocol{
		Name: Name,
		Framing: frame.Config{
			LineTerminators: []byte{'\r', '\n'},
			MinLength:       HeaderSize,
			MaxLength:       1024,
		},
		Timeouts: server.Timeouts{
			Idle:               5 * time.Minute,
			Packet:             10 * time.Second,
			Session:            time.Hour,
			Linger:             2 * time.Second,
			TerminateOnTimeout: true,
		},
		New: NewHandlerFunc,
	})
}

// Header starts every binary packet.
type Header struct {
	Marker byte
	Type   byte
	Length uint16
}

// PositionReport is the packet of type PositionType.
type PositionReport struct {
	Header    Header
	Device    uint32
	Time      uint32
	Latitude  int32
	Longitude int32
}

// Ack builds the acknowledgement for a packet type.
func Ack(packetType byte) []byte {
	b, _ := bytes.BytesFromStruct(Header{Marker: Marker, Type: packetType | ackFlag, Length: HeaderSize}, byteOrder)
	return b
}

// PacketLength returns the total length of the packet starting with header.
func PacketLength(header []byte, minLen int) int {
	if header[0] == '$' {
		return frame.LengthLineTerminator
	}
	var h Header
	if err := bytes.StructFromBytes(header, &h, byteOrder); err != nil || h.Marker != Marker {
		// Not one of ours; the handler rejects the header on its own.
		return minLen
	}
	return int(h.Length)
}

// NewHandlerFunc returns the handler factory for one listener.
func NewHandlerFunc(deps protocol.Deps, listener server.ListenerConfig) server.HandlerFunc {
	return func() server.Handler {
		return &Handler{deps: deps, listener: listener.Name()}
	}
}

// Handler serves one device session.
type Handler struct {
	server.BaseHandler

	deps     protocol.Deps
	listener string
	remote   net.Addr
}

func (h *Handler) SessionStarted(remote net.Addr) error {
	h.remote = remote
	return nil
}

func (h *Handler) ActualPacketLength(prefix []byte, minLen int) int {
	return PacketLength(prefix, minLen)
}

func (h *Handler) HandlePacket(f frame.Frame) ([]byte, error) {
	if !f.Valid() {
		return nil, fmt.Errorf("packet exceeds %d bytes", f.Len())
	}
	if f.Len() > 0 && f.Data[0] == '$' {
		return h.handleSentence(f)
	}

	var header Header
	if err := bytes.StructFromBytes(f.Data, &header, byteOrder); err != nil {
		return nil, fmt.Errorf("reading header: %w", err)
	}
	if header.Marker != Marker {
		return nil, fmt.Errorf("unexpected start of packet 0x%02X", header.Marker)
	}

	switch header.Type {
	case PositionType:
		var report PositionReport
		if err := bytes.StructFromBytes(f.Data, &report, byteOrder); err != nil {
			return nil, fmt.Errorf("reading position report: %w", err)
		}
		if err := h.record(report, f.Data); err != nil {
			h.log().Errorf("[%s] failed to store event for device %d: %v", h.listener, report.Device, err)
			// No ack, so the device sends the report again.
			return nil, nil
		}
		return Ack(PositionType), nil
	case HeartbeatType:
		return Ack(HeartbeatType), nil
	}

	h.log().Debugf("[%s] ignoring packet type 0x%02X from %v", h.listener, header.Type, h.remote)
	return nil, nil
}

// handleSentence serves the ascii sentences some devices send on binary ports.
func (h *Handler) handleSentence(f frame.Frame) ([]byte, error) {
	line := string(f.Data)
	if line == "$PING" {
		return []byte("PONG\r\n"), nil
	}
	pos, err := ascii.ParsePosition(line)
	if err != nil {
		return []byte("ERR\r\n"), nil
	}
	if err := h.store(pos.Device, pos.Timestamp, pos.Latitude, pos.Longitude, f.Data); err != nil {
		h.log().Errorf("[%s] failed to store event for device %s: %v", h.listener, pos.Device, err)
		return []byte("ERR\r\n"), nil
	}
	return []byte("ACK\r\n"), nil
}

func (h *Handler) record(report PositionReport, raw []byte) error {
	return h.store(
		fmt.Sprint(report.Device),
		time.Unix(int64(report.Time), 0).UTC(),
		float64(report.Latitude)/microDegrees,
		float64(report.Longitude)/microDegrees,
		raw,
	)
}

func (h *Handler) store(device string, ts time.Time, lat, lon float64, raw []byte) error {
	if h.deps.Events == nil {
		return nil
	}
	remote := ""
	if h.remote != nil {
		remote = h.remote.String()
	}
	return h.deps.Events.CreateEvent(&data.Event{
		DeviceID:  device,
		Protocol:  Name,
		Listener:  h.listener,
		Remote:    remote,
		Timestamp: ts,
		Latitude:  lat,
		Longitude: lon,
		Raw:       append([]byte(nil), raw...),
	})
}

func (h *Handler) log() logrus.FieldLogger {
	if h.deps.Logger == nil {
		return logrus.StandardLogger()
	}
	return h.deps.Logger
}
