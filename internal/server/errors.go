package server

import (
	"errors"
	"fmt"
	"net"
	"os"

	"github.com/dcrodman/trackd/internal/frame"
)

var (
	// ErrPeerClosed ends a session whose remote end closed the connection
	// between packets.
	ErrPeerClosed = errors.New("connection closed by peer")
	// ErrHandlerTerminated ends a session whose handler asked for it.
	ErrHandlerTerminated = errors.New("session terminated by handler")
	// ErrListenerClosed ends the sessions still running when their listener shuts down.
	ErrListenerClosed = errors.New("listener closed")
)

// BindError is returned when a listener could not bind its port.
type BindError struct {
	Protocol Protocol
	Port     int
	Err      error
}

func (e *BindError) Error() string {
	return fmt.Sprintf("error binding %s port %d: %v", e.Protocol, e.Port, e.Err)
}

func (e *BindError) Unwrap() error { return e.Err }

// ConfigError is returned for a ListenerConfig that cannot be used, such as an
// out of range port or a minimum packet length above the maximum.
type ConfigError struct {
	Protocol Protocol
	Port     int
	Reason   string
}

func (e *ConfigError) Error() string {
	return fmt.Sprintf("invalid %s listener config for port %d: %s", e.Protocol, e.Port, e.Reason)
}

// TimeoutKind identifies which of the three session timers expired.
type TimeoutKind int

const (
	IdleTimeout TimeoutKind = iota
	PacketTimeout
	SessionTimeout
)

func (k TimeoutKind) String() string {
	switch k {
	case IdleTimeout:
		return "idle timeout"
	case PacketTimeout:
		return "packet timeout"
	case SessionTimeout:
		return "session timeout"
	}
	return "unknown timeout"
}

// TimeoutError ends a session when one of its timers expires.
type TimeoutError struct {
	Kind TimeoutKind
	// Bytes of the packet in progress when the timer expired.
	Partial int
}

func (e *TimeoutError) Error() string {
	if e.Partial > 0 {
		return fmt.Sprintf("%s after %d bytes", e.Kind, e.Partial)
	}
	return e.Kind.String()
}

func (e *TimeoutError) Timeout() bool { return true }

// HandlerError wraps an error returned by, or a panic raised in, one of the
// Handler callbacks.
type HandlerError struct {
	Op    string
	Err   error
	Stack []byte
}

func (e *HandlerError) Error() string {
	return fmt.Sprintf("handler %s: %v", e.Op, e.Err)
}

func (e *HandlerError) Unwrap() error { return e.Err }

func isTimeout(err error) bool {
	if errors.Is(err, os.ErrDeadlineExceeded) {
		return true
	}
	var netErr net.Error
	return errors.As(err, &netErr) && netErr.Timeout()
}

// reasonLabel reduces a termination reason to a short metrics label.
func reasonLabel(reason error) string {
	var (
		timeoutErr *TimeoutError
		handlerErr *HandlerError
	)
	switch {
	case reason == nil, errors.Is(reason, ErrPeerClosed):
		return "peer_closed"
	case errors.Is(reason, ErrHandlerTerminated):
		return "handler_terminated"
	case errors.Is(reason, ErrListenerClosed):
		return "listener_closed"
	case errors.Is(reason, frame.ErrFrameTooLong):
		return "framing_error"
	case errors.As(reason, &timeoutErr):
		switch timeoutErr.Kind {
		case IdleTimeout:
			return "idle_timeout"
		case PacketTimeout:
			return "packet_timeout"
		default:
			return "session_timeout"
		}
	case errors.As(reason, &handlerErr):
		return "handler_error"
	}
	return "io_error"
}

// abnormal reports whether a session ended for a reason other than an orderly close.
func abnormal(reason error) bool {
	switch reasonLabel(reason) {
	case "peer_closed", "handler_terminated", "listener_closed":
		return false
	}
	return true
}
