package server

import (
	"net"

	"github.com/dcrodman/trackd/internal/frame"
)

// Handler implements one device protocol. A new Handler is created for every
// session and is only ever called from that session's goroutine, so
// implementations need no locking for their own state.
//
// Errors returned from, and panics raised in, any of these methods end the
// session (and only that session).
type Handler interface {
	// SessionStarted is called once before any packet is read.
	SessionStarted(remote net.Addr) error

	// ActualPacketLength returns the total length of the binary packet that
	// starts with prefix, which holds exactly minLen bytes. It is only called
	// when the listener is not in text mode and must not block. Returning
	// frame.LengthLineTerminator reads the packet as a text line instead.
	ActualPacketLength(prefix []byte, minLen int) int

	// HandlePacket processes one frame and returns the bytes (if any) to send
	// back to the device. Frames cut at the maximum packet length are passed
	// with Malformed set, after which the session ends.
	HandlePacket(f frame.Frame) ([]byte, error)

	// TerminateSession is checked after every packet; returning true closes
	// the session once any response has been written.
	TerminateSession() bool

	// SessionTerminated is called once when the session ends. reason is never
	// nil; ErrPeerClosed and ErrHandlerTerminated indicate an orderly close.
	SessionTerminated(reason error)
}

// InitialPacketer is implemented by handlers that greet a device as soon as
// its session starts.
type InitialPacketer interface {
	InitialPacket() []byte
}

// FinalPacketer is implemented by handlers that send one last packet before
// the connection closes. hasError is set when the session did not end in an
// orderly way.
type FinalPacketer interface {
	FinalPacket(hasError bool) []byte
}

// HandlerFunc builds the Handler for a new session.
type HandlerFunc func() Handler

// BaseHandler provides no-op implementations of the Handler methods so that
// protocols only need to define the ones they care about.
type BaseHandler struct {
	terminate bool
}

func (*BaseHandler) SessionStarted(net.Addr) error { return nil }

func (*BaseHandler) ActualPacketLength(_ []byte, minLen int) int { return minLen }

func (*BaseHandler) HandlePacket(frame.Frame) ([]byte, error) { return nil, nil }

func (h *BaseHandler) TerminateSession() bool { return h.terminate }

func (*BaseHandler) SessionTerminated(error) {}

// Terminate marks the session to be closed after the current packet.
func (h *BaseHandler) Terminate() { h.terminate = true }
