package server

import (
	"io"
	"net"
	"sync"

	"github.com/sirupsen/logrus"

	"github.com/dcrodman/trackd/internal/core/metrics"
)

// Listener is a bound TCP or UDP port together with the goroutine serving it.
type Listener interface {
	// Config returns the validated config the listener was started with.
	Config() ListenerConfig
	// Addr returns the local address the socket is bound to.
	Addr() net.Addr
	// Tuning returns the timeouts cell consulted by new sessions.
	Tuning() *Tuning
	// ActiveSessions returns the number of sessions currently running.
	ActiveSessions() int
	// Close closes the socket, ends all sessions and waits for them to exit.
	Close() error
}

type options struct {
	logger        *logrus.Logger
	metrics       *metrics.Metrics
	tuning        *Tuning
	packetLogging bool
}

// Option configures a listener.
type Option func(*options)

// WithLogger sets the logger used by the listener and its sessions.
func WithLogger(logger *logrus.Logger) Option {
	return func(o *options) { o.logger = logger }
}

// WithMetrics records listener and session activity in m.
func WithMetrics(m *metrics.Metrics) Option {
	return func(o *options) { o.metrics = m }
}

// WithTuning shares a timeouts cell between listeners. By default each
// listener gets its own, seeded from its config.
func WithTuning(t *Tuning) Option {
	return func(o *options) { o.tuning = t }
}

// WithPacketLogging dumps every packet and response at debug level.
func WithPacketLogging(enabled bool) Option {
	return func(o *options) { o.packetLogging = enabled }
}

func buildOptions(cfg ListenerConfig, opts []Option) *options {
	o := &options{}
	for _, opt := range opts {
		opt(o)
	}
	if o.logger == nil {
		o.logger = logrus.New()
		o.logger.SetOutput(io.Discard)
	}
	if o.tuning == nil {
		o.tuning = NewTuning(cfg.Timeouts)
	}
	return o
}

// sessionSet tracks the connections of the running sessions so that they can
// be closed when the listener shuts down.
type sessionSet struct {
	sync.Mutex
	conns map[sessionConn]struct{}
}

func (s *sessionSet) add(c sessionConn) {
	s.Lock()
	if s.conns == nil {
		s.conns = make(map[sessionConn]struct{})
	}
	s.conns[c] = struct{}{}
	s.Unlock()
}

func (s *sessionSet) remove(c sessionConn) {
	s.Lock()
	delete(s.conns, c)
	s.Unlock()
}

func (s *sessionSet) len() int {
	s.Lock()
	defer s.Unlock()
	return len(s.conns)
}

func (s *sessionSet) closeAll() {
	s.Lock()
	defer s.Unlock()
	for c := range s.conns {
		_ = c.Close()
	}
}
