package internal

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/dcrodman/trackd/internal/core"
	"github.com/dcrodman/trackd/internal/core/metrics"
	"github.com/dcrodman/trackd/internal/frame"
	"github.com/dcrodman/trackd/internal/protocol"
	"github.com/dcrodman/trackd/internal/server"
)

// Timeouts of the command port, regardless of the handler serving it.
var commandTimeouts = server.Timeouts{
	Idle:               30 * time.Second,
	Packet:             10 * time.Second,
	Session:            10 * time.Minute,
	TerminateOnTimeout: true,
}

// Deps are the shared resources the controller hands to listeners and
// protocol handlers. Only Logger is required.
type Deps struct {
	Logger  *logrus.Logger
	Metrics *metrics.Metrics
	Events  protocol.EventStore
}

var (
	instanceMu sync.Mutex
	instance   *Controller
)

// Controller owns every listener of the running server. There is at most
// one running Controller per process.
type Controller struct {
	Config *core.Config

	logger    *logrus.Logger
	deps      Deps
	protocol  protocol.Protocol
	tuning    *server.Tuning
	startedAt time.Time

	tcp     Registry
	udp     Registry
	command server.Listener

	done     chan struct{}
	stopOnce sync.Once
}

// Start binds every configured port and returns the running Controller. If a
// Controller is already running it is returned as is and nothing new is bound.
//
// Ports are started independently of each other: a port that fails to bind is
// logged and skipped, and invalid port entries are returned as joined
// *server.ConfigError values while the valid ports keep running. Cancelling ctx
// shuts the Controller down.
func Start(ctx context.Context, cfg *core.Config, deps Deps) (*Controller, error) {
	instanceMu.Lock()
	defer instanceMu.Unlock()

	if instance != nil {
		return instance, nil
	}

	if deps.Logger == nil {
		deps.Logger = logrus.StandardLogger()
	}
	p, ok := protocol.Lookup(cfg.Protocol.Name)
	if !ok {
		return nil, fmt.Errorf("unknown protocol %q (registered: %v)", cfg.Protocol.Name, protocol.Names())
	}

	c := &Controller{
		Config:    cfg,
		logger:    deps.Logger,
		deps:      deps,
		protocol:  p,
		startedAt: time.Now(),
		done:      make(chan struct{}),
	}

	base := applyOverrides(p.ListenerConfig("", cfg.Hostname, 0), cfg.Protocol)
	c.tuning = server.NewTuning(base.Timeouts)
	handlerDeps := protocol.Deps{Logger: deps.Logger, Events: deps.Events, Admin: c}

	var errs []error
	for _, port := range cfg.TCPPorts {
		lc := base
		lc.Protocol, lc.Port = server.TCP, port
		l, err := server.ListenTCP(lc, p.New(handlerDeps, lc), c.listenerOptions(c.tuning)...)
		if err = c.register(&c.tcp, lc, l, err); err != nil {
			errs = append(errs, err)
		}
	}
	for _, port := range cfg.UDPPorts {
		lc := base
		lc.Protocol, lc.Port = server.UDP, port
		l, err := server.ListenUDP(lc, p.New(handlerDeps, lc), c.listenerOptions(c.tuning)...)
		if err = c.register(&c.udp, lc, l, err); err != nil {
			errs = append(errs, err)
		}
	}

	if c.tcp.Len()+c.udp.Len() == 0 {
		c.logger.Warnf("no %s listeners are running", p.Name)
	}

	if err := c.startCommandPort(handlerDeps); err != nil {
		errs = append(errs, err)
	}

	instance = c
	go func() {
		select {
		case <-ctx.Done():
			c.Shutdown()
		case <-c.done:
		}
	}()
	return c, errors.Join(errs...)
}

// register adds a started listener to its registry. Bind failures are only
// logged; config errors are returned so the caller can report them.
func (c *Controller) register(r *Registry, lc server.ListenerConfig, l server.Listener, err error) error {
	if err != nil {
		var configErr *server.ConfigError
		if errors.As(err, &configErr) {
			c.logger.Errorf("[%s] skipping listener: %v", lc.Name(), err)
			return err
		}
		c.logger.Errorf("[%s] failed to start listener: %v", lc.Name(), err)
		return nil
	}
	r.Add(lc.Port, l)
	return nil
}

func (c *Controller) startCommandPort(deps protocol.Deps) error {
	port := c.Config.CommandPort.Port
	if port <= 0 {
		return nil
	}
	p, ok := protocol.Lookup(c.Config.CommandPort.Handler)
	if !ok {
		return nil
	}

	lc := p.ListenerConfig(server.TCP, c.Config.Hostname, port)
	lc.Framing.TextMode = true
	if len(lc.Framing.LineTerminators) == 0 {
		lc.Framing.LineTerminators = append([]byte(nil), frame.DefaultLineTerminators...)
	}
	lc.Timeouts = commandTimeouts

	l, err := server.ListenTCP(lc, p.New(deps, lc), c.listenerOptions(nil)...)
	if err != nil {
		var configErr *server.ConfigError
		if errors.As(err, &configErr) {
			return err
		}
		c.logger.Errorf("[%s] failed to start command port: %v", lc.Name(), err)
		return nil
	}
	c.command = l
	return nil
}

func (c *Controller) listenerOptions(tuning *server.Tuning) []server.Option {
	opts := []server.Option{
		server.WithLogger(c.logger),
		server.WithMetrics(c.deps.Metrics),
		server.WithPacketLogging(c.Config.Debugging.PacketLoggingEnabled),
	}
	if tuning != nil {
		opts = append(opts, server.WithTuning(tuning))
	}
	return opts
}

// TCP returns the TCP listener on port, or the first one started if port is
// 0 or unknown.
func (c *Controller) TCP(port int) server.Listener { return c.tcp.Get(port) }

// UDP returns the UDP listener on port, or the first one started if port is
// 0 or unknown.
func (c *Controller) UDP(port int) server.Listener { return c.udp.Get(port) }

// Command returns the command port listener, if one is running.
func (c *Controller) Command() server.Listener { return c.command }

func (c *Controller) ProtocolName() string   { return c.protocol.Name }
func (c *Controller) StartedAt() time.Time   { return c.startedAt }
func (c *Controller) Tuning() *server.Tuning { return c.tuning }

// Listeners returns the device listeners, TCP before UDP, each in the order
// they were started.
func (c *Controller) Listeners() []server.Listener {
	return append(c.tcp.All(), c.udp.All()...)
}

// Done is closed once the Controller has shut down.
func (c *Controller) Done() <-chan struct{} { return c.done }

// Shutdown closes every listener and waits for their sessions to end. After it
// returns, Start may be called again.
func (c *Controller) Shutdown() {
	c.stopOnce.Do(func() {
		listeners := c.Listeners()
		if c.command != nil {
			listeners = append(listeners, c.command)
		}

		var g errgroup.Group
		for _, l := range listeners {
			l := l
			g.Go(l.Close)
		}
		if err := g.Wait(); err != nil {
			c.logger.Warnf("error while closing listeners: %v", err)
		}

		instanceMu.Lock()
		if instance == c {
			instance = nil
		}
		instanceMu.Unlock()

		close(c.done)
		c.logger.Info("all listeners stopped")
	})
}

// applyOverrides replaces the protocol defaults with the options set in the
// config file.
func applyOverrides(lc server.ListenerConfig, o core.ProtocolConfig) server.ListenerConfig {
	if o.TextMode != nil {
		lc.Framing.TextMode = *o.TextMode
	}
	if o.LineTerminators != nil {
		lc.Framing.LineTerminators = []byte(*o.LineTerminators)
	}
	if o.IncludeTerminator != nil {
		lc.Framing.IncludeTerminator = *o.IncludeTerminator
	}
	if o.Backspace != nil {
		lc.Framing.HandleBackspace = len(*o.Backspace) > 0
		if lc.Framing.HandleBackspace {
			lc.Framing.Backspace = (*o.Backspace)[0]
		}
	}
	if o.IgnoreChars != nil {
		lc.Framing.IgnoreChars = []byte(*o.IgnoreChars)
	}
	if o.MinPacketLength != nil {
		lc.Framing.MinLength = *o.MinPacketLength
	}
	if o.MaxPacketLength != nil {
		lc.Framing.MaxLength = *o.MaxPacketLength
	}
	if o.IdleTimeout != nil {
		lc.Timeouts.Idle = *o.IdleTimeout
	}
	if o.PacketTimeout != nil {
		lc.Timeouts.Packet = *o.PacketTimeout
	}
	if o.SessionTimeout != nil {
		lc.Timeouts.Session = *o.SessionTimeout
	}
	if o.Linger != nil {
		lc.Timeouts.Linger = *o.Linger
	}
	if o.TerminateOnTimeout != nil {
		lc.Timeouts.TerminateOnTimeout = *o.TerminateOnTimeout
	}
	return lc
}
