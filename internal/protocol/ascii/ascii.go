// Package ascii implements a line-based protocol in which devices report
// positions as comma separated sentences:
//
//	$POS,<device>,<unix time>,<latitude>,<longitude>
//	$PING
//	$BYE
//
// Every sentence is answered with a short line: ACK, PONG or ERR.
package ascii

import (
	"errors"
	"fmt"
	"net"
	"strconv"
	"strings"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/dcrodman/trackd/internal/core/data"
	"github.com/dcrodman/trackd/internal/frame"
	"github.com/dcrodman/trackd/internal/protocol"
	"github.com/dcrodman/trackd/internal/server"
)

const Name = "ascii"

var (
	ack  = []byte("ACK\r\n")
	pong = []byte("PONG\r\n")
	nak  = []byte("ERR\r\n")
)

func init() {
	protocol.Register(protocol.Protocol{
		Name: Name,
		Framing: frame.Config{
			TextMode:        true,
			LineTerminators: []byte{'\r', '\n'},
			IgnoreChars:     []byte{0x00},
			MinLength:       1,
			MaxLength:       256,
		},
		Timeouts: server.Timeouts{
			Idle:               5 * time.Minute,
			Packet:             30 * time.Second,
			Session:            time.Hour,
			TerminateOnTimeout: true,
		},
		New: NewHandlerFunc,
	})
}

// Position is one decoded position sentence.
type Position struct {
	Device    string
	Timestamp time.Time
	Latitude  float64
	Longitude float64
}

// ParsePosition decodes a $POS sentence.
func ParsePosition(line string) (Position, error) {
	fields := strings.Split(line, ",")
	if len(fields) != 5 || fields[0] != "$POS" {
		return Position{}, fmt.Errorf("malformed position sentence %q", line)
	}

	device := strings.TrimSpace(fields[1])
	if device == "" {
		return Position{}, errors.New("missing device ID")
	}
	ts, err := strconv.ParseInt(fields[2], 10, 64)
	if err != nil {
		return Position{}, fmt.Errorf("invalid timestamp: %w", err)
	}
	lat, err := strconv.ParseFloat(fields[3], 64)
	if err != nil || lat < -90 || lat > 90 {
		return Position{}, fmt.Errorf("invalid latitude %q", fields[3])
	}
	lon, err := strconv.ParseFloat(fields[4], 64)
	if err != nil || lon < -180 || lon > 180 {
		return Position{}, fmt.Errorf("invalid longitude %q", fields[4])
	}

	return Position{
		Device:    device,
		Timestamp: time.Unix(ts, 0).UTC(),
		Latitude:  lat,
		Longitude: lon,
	}, nil
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
	device   string
	events   int
}

func (h *Handler) SessionStarted(remote net.Addr) error {
	h.remote = remote
	return nil
}

func (h *Handler) HandlePacket(f frame.Frame) ([]byte, error) {
	if !f.Valid() {
		return nak, nil
	}

	line := strings.TrimSpace(string(f.Data))
	switch {
	case line == "$PING":
		return pong, nil
	case line == "$BYE":
		h.Terminate()
		return ack, nil
	case strings.HasPrefix(line, "$POS,"):
		pos, err := ParsePosition(line)
		if err != nil {
			h.log().Debugf("[%s] rejected sentence from %v: %v", h.listener, h.remote, err)
			return nak, nil
		}
		if err := h.record(pos, f.Data); err != nil {
			// A store failure is the server's problem; let the device retry.
			h.log().Errorf("[%s] failed to store event for device %s: %v", h.listener, pos.Device, err)
			return nak, nil
		}
		return ack, nil
	}
	return nak, nil
}

func (h *Handler) record(pos Position, raw []byte) error {
	h.device = pos.Device
	h.events++
	if h.deps.Events == nil {
		return nil
	}
	return h.deps.Events.CreateEvent(&data.Event{
		DeviceID:  pos.Device,
		Protocol:  Name,
		Listener:  h.listener,
		Remote:    addrString(h.remote),
		Timestamp: pos.Timestamp,
		Latitude:  pos.Latitude,
		Longitude: pos.Longitude,
		Raw:       append([]byte(nil), raw...),
	})
}

func (h *Handler) SessionTerminated(reason error) {
	h.log().Debugf("[%s] session for device %q ended after %d events: %v", h.listener, h.device, h.events, reason)
}

func (h *Handler) log() logrus.FieldLogger {
	if h.deps.Logger == nil {
		return logrus.StandardLogger()
	}
	return h.deps.Logger
}

func addrString(addr net.Addr) string {
	if addr == nil {
		return ""
	}
	return addr.String()
}
