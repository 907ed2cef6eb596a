// Package protocol keeps track of the device protocols trackd can serve. Each
// protocol registers itself from an init function, the same way database
// drivers do, and the controller looks it up by the name in the config.
package protocol

import (
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/dcrodman/trackd/internal/core/data"
	"github.com/dcrodman/trackd/internal/frame"
	"github.com/dcrodman/trackd/internal/server"
)

// EventStore persists the position reports decoded by a protocol.
type EventStore interface {
	CreateEvent(event *data.Event) error
}

// Admin exposes the running server to administrative protocols.
type Admin interface {
	// ProtocolName is the name of the protocol the device listeners serve.
	ProtocolName() string
	StartedAt() time.Time
	// Listeners returns the device listeners, TCP before UDP, in the order they were registered.
	Listeners() []server.Listener
	// Tuning is the timeouts cell shared by the device listeners.
	Tuning() *server.Tuning
}

// Deps are the shared resources handed to a protocol when its listeners start.
// Events and Admin may be nil.
type Deps struct {
	Logger *logrus.Logger
	Events EventStore
	Admin  Admin
}

// Protocol describes one device protocol: how its packets are framed, how
// long its sessions may run and how to build a handler for each session.
type Protocol struct {
	Name     string
	Framing  frame.Config
	Timeouts server.Timeouts
	// New returns the handler factory for one listener.
	New func(deps Deps, listener server.ListenerConfig) server.HandlerFunc
}

var (
	mu        sync.RWMutex
	protocols = make(map[string]Protocol)
)

// Register makes a protocol available by name. It panics if the name is empty,
// New is nil or the name is already taken.
func Register(p Protocol) {
	mu.Lock()
	defer mu.Unlock()

	if p.Name == "" || p.New == nil {
		panic("protocol: Register called with an incomplete protocol")
	}
	if _, dup := protocols[p.Name]; dup {
		panic(fmt.Sprintf("protocol: Register called twice for %s", p.Name))
	}
	protocols[p.Name] = p
}

// Lookup returns the protocol registered under name.
func Lookup(name string) (Protocol, bool) {
	mu.RLock()
	defer mu.RUnlock()
	p, ok := protocols[name]
	return p, ok
}

// Names returns the sorted names of all registered protocols.
func Names() []string {
	mu.RLock()
	defer mu.RUnlock()
	names := make([]string, 0, len(protocols))
	for name := range protocols {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// ListenerConfig builds the config of a listener serving p on the given
// protocol and port, starting from the protocol defaults.
func (p Protocol) ListenerConfig(proto server.Protocol, host string, port int) server.ListenerConfig {
	framing := p.Framing
	framing.LineTerminators = append([]byte(nil), p.Framing.LineTerminators...)
	framing.IgnoreChars = append([]byte(nil), p.Framing.IgnoreChars...)
	return server.ListenerConfig{
		Protocol: proto,
		Host:     host,
		Port:     port,
		Framing:  framing,
		Timeouts: p.Timeouts,
	}
}
