package server

import (
	"bufio"
	"errors"
	"net"
	"sync"
	"sync/atomic"
	"time"
)

// TCPListener accepts device connections on one TCP port and runs a session
// for each of them in its own goroutine.
type TCPListener struct {
	cfg        ListenerConfig
	newHandler HandlerFunc
	opts       *options

	socket   *net.TCPListener
	sessions sessionSet
	wg       sync.WaitGroup

	closing   atomic.Bool
	closeOnce sync.Once
	closeErr  error
}

// ListenTCP validates cfg, binds its port and starts accepting connections
// in a separate goroutine. newHandler is called once per connection.
func ListenTCP(cfg ListenerConfig, newHandler HandlerFunc, opts ...Option) (*TCPListener, error) {
	cfg.Protocol = TCP
	cfg, err := cfg.Validate()
	if err != nil {
		return nil, err
	}

	o := buildOptions(cfg, opts)

	hostAddr, err := net.ResolveTCPAddr("tcp", cfg.Address())
	if err != nil {
		o.metrics.BindFailed(string(TCP))
		return nil, &BindError{Protocol: TCP, Port: cfg.Port, Err: err}
	}
	socket, err := net.ListenTCP("tcp", hostAddr)
	if err != nil {
		o.metrics.BindFailed(string(TCP))
		return nil, &BindError{Protocol: TCP, Port: cfg.Port, Err: err}
	}

	l := &TCPListener{
		cfg:        cfg,
		newHandler: newHandler,
		opts:       o,
		socket:     socket,
	}
	o.metrics.ListenerStarted(string(TCP))
	o.logger.Infof("[%s] waiting for connections on %v", cfg.Name(), socket.Addr())

	l.wg.Add(1)
	go l.acceptLoop()
	return l, nil
}

func (l *TCPListener) Config() ListenerConfig { return l.cfg }
func (l *TCPListener) Addr() net.Addr         { return l.socket.Addr() }
func (l *TCPListener) Tuning() *Tuning        { return l.opts.tuning }
func (l *TCPListener) ActiveSessions() int    { return l.sessions.len() }

// acceptLoop is purely responsible for accepting new connections and
// spinning off a goroutine for each of them.
func (l *TCPListener) acceptLoop() {
	defer l.wg.Done()

	for {
		conn, err := l.socket.AcceptTCP()
		if err != nil {
			if l.closing.Load() || errors.Is(err, net.ErrClosed) {
				return
			}
			l.opts.logger.Warnf("[%s] failed to accept connection: %s", l.cfg.Name(), err)
			// Avoid spinning on persistent errors such as running out of descriptors.
			time.Sleep(100 * time.Millisecond)
			continue
		}

		l.wg.Add(1)
		go l.serve(conn)
	}
}

func (l *TCPListener) serve(conn *net.TCPConn) {
	defer l.wg.Done()

	handler, err := buildHandler(l.newHandler)
	if err != nil {
		l.opts.logger.Errorf("[%s] no handler available for %s: %v", l.cfg.Name(), conn.RemoteAddr(), err)
		_ = conn.Close()
		return
	}

	timeouts := l.opts.tuning.Load()
	c := &tcpConn{TCPConn: conn, reader: bufio.NewReader(conn), linger: timeouts.Linger}

	l.sessions.add(c)
	defer l.sessions.remove(c)

	// A connection accepted while the listener was closing missed closeAll.
	if l.closing.Load() {
		_ = conn.Close()
	}

	newSession(l.cfg.Name(), c, handler, l.cfg.Framing, timeouts, l.opts).run()
}

// Close stops accepting connections, closes the ones still open and waits
// for their sessions to finish.
func (l *TCPListener) Close() error {
	l.closeOnce.Do(func() {
		l.closing.Store(true)
		l.closeErr = l.socket.Close()
		l.sessions.closeAll()
		l.wg.Wait()
		l.opts.metrics.ListenerStopped(string(TCP))
		l.opts.logger.Infof("[%s] exited", l.cfg.Name())
	})
	return l.closeErr
}

// tcpConn reads through a buffer so that byte-at-a-time text framing does not
// turn into one syscall per byte.
type tcpConn struct {
	*net.TCPConn
	reader *bufio.Reader
	linger time.Duration

	closeOnce sync.Once
	closeErr  error
}

func (c *tcpConn) Read(b []byte) (int, error) { return c.reader.Read(b) }

func (c *tcpConn) ReadByte() (byte, error) { return c.reader.ReadByte() }

// Close applies the linger timeout and closes the socket. Only the first call
// has any effect.
func (c *tcpConn) Close() error {
	c.closeOnce.Do(func() {
		if c.linger > 0 {
			_ = c.TCPConn.SetLinger(lingerSeconds(c.linger))
		}
		c.closeErr = c.TCPConn.Close()
	})
	return c.closeErr
}

// lingerSeconds rounds d up to whole seconds. SetLinger(0) would discard
// unsent data, so a sub-second linger must not truncate to zero.
func lingerSeconds(d time.Duration) int {
	return int((d + time.Second - 1) / time.Second)
}
