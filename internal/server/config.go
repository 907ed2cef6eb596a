package server

import (
	"fmt"
	"strings"
	"time"

	"github.com/dcrodman/trackd/internal/frame"
)

// Protocol is the transport a listener is bound to.
type Protocol string

const (
	TCP Protocol = "tcp"
	UDP Protocol = "udp"
)

// Timeouts bound the lifetime of a session. A zero duration disables the
// corresponding timer.
type Timeouts struct {
	// Idle is the longest wait for the first byte of the next packet.
	Idle time.Duration
	// Packet is the longest a packet may take to complete once its first byte arrived.
	Packet time.Duration
	// Session is the longest a session may last, regardless of activity.
	Session time.Duration
	// Linger is applied to a TCP socket before it is closed so that the peer
	// can finish reading a final response. Whole seconds only.
	Linger time.Duration
	// TerminateOnTimeout ends the session on a packet timeout. Otherwise the
	// bytes received so far are handed to the handler as a packet.
	TerminateOnTimeout bool
}

// ListenerConfig is the full set of settings a listener needs. It is copied
// into the listener on start and never modified afterwards.
type ListenerConfig struct {
	Protocol Protocol
	// Host is the address to bind to; empty binds all interfaces.
	Host string
	Port int

	Framing  frame.Config
	Timeouts Timeouts
}

// Name identifies the listener in log lines and metrics, e.g. "TCP:31200".
func (c ListenerConfig) Name() string {
	return fmt.Sprintf("%s:%d", strings.ToUpper(string(c.Protocol)), c.Port)
}

// Address returns the host:port string the listener binds to.
func (c ListenerConfig) Address() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

// Validate checks the port and normalizes the framing settings, clamping
// packet lengths to their absolute bounds.
func (c ListenerConfig) Validate() (ListenerConfig, error) {
	if c.Protocol != TCP && c.Protocol != UDP {
		return c, &ConfigError{Protocol: c.Protocol, Port: c.Port, Reason: "unknown protocol"}
	}
	if c.Port < 1 || c.Port > 65535 {
		return c, &ConfigError{Protocol: c.Protocol, Port: c.Port, Reason: "port must be between 1 and 65535"}
	}

	framing, err := c.Framing.Normalize()
	if err != nil {
		return c, &ConfigError{Protocol: c.Protocol, Port: c.Port, Reason: err.Error()}
	}
	c.Framing = framing

	if c.Timeouts.Linger < 0 {
		c.Timeouts.Linger = 0
	}
	return c, nil
}
