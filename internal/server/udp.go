package server

import (
	"errors"
	"net"
	"os"
	"sync"
	"sync/atomic"
	"time"

	gocache "github.com/patrickmn/go-cache"
)

const (
	// Largest payload a UDP datagram can carry.
	maxDatagramSize = 65507
	// Datagrams queued for a peer whose session is still busy.
	peerQueueSize = 64
	// How often expired peers are swept out of the peer table.
	peerCleanupInterval = time.Minute
)

// UDPListener receives datagrams on one UDP port. Datagrams from the same
// peer address belong to one session, which lasts until the peer goes idle,
// the session times out or the handler ends it.
type UDPListener struct {
	cfg        ListenerConfig
	newHandler HandlerFunc
	opts       *options

	conn *net.UDPConn

	// Peer address -> *udpPeer. Entries expire with the session timeout so a
	// stale peer can never pin a session slot forever.
	peersMu sync.Mutex
	peers   *gocache.Cache

	sessions sessionSet
	wg       sync.WaitGroup

	closing   atomic.Bool
	closeOnce sync.Once
	closeErr  error
}

// ListenUDP validates cfg, binds its port and starts receiving datagrams in a
// separate goroutine. newHandler is called once per peer session.
func ListenUDP(cfg ListenerConfig, newHandler HandlerFunc, opts ...Option) (*UDPListener, error) {
	cfg.Protocol = UDP
	cfg, err := cfg.Validate()
	if err != nil {
		return nil, err
	}

	o := buildOptions(cfg, opts)

	addr, err := net.ResolveUDPAddr("udp", cfg.Address())
	if err != nil {
		o.metrics.BindFailed(string(UDP))
		return nil, &BindError{Protocol: UDP, Port: cfg.Port, Err: err}
	}
	conn, err := net.ListenUDP("udp", addr)
	if err != nil {
		o.metrics.BindFailed(string(UDP))
		return nil, &BindError{Protocol: UDP, Port: cfg.Port, Err: err}
	}

	l := &UDPListener{
		cfg:        cfg,
		newHandler: newHandler,
		opts:       o,
		conn:       conn,
		peers:      gocache.New(gocache.NoExpiration, peerCleanupInterval),
	}
	o.metrics.ListenerStarted(string(UDP))
	o.logger.Infof("[%s] waiting for datagrams on %v", cfg.Name(), conn.LocalAddr())

	l.wg.Add(1)
	go l.receiveLoop()
	return l, nil
}

func (l *UDPListener) Config() ListenerConfig { return l.cfg }
func (l *UDPListener) Addr() net.Addr         { return l.conn.LocalAddr() }
func (l *UDPListener) Tuning() *Tuning        { return l.opts.tuning }
func (l *UDPListener) ActiveSessions() int    { return l.sessions.len() }

func (l *UDPListener) receiveLoop() {
	defer l.wg.Done()

	buffer := make([]byte, maxDatagramSize)
	for {
		n, remote, err := l.conn.ReadFromUDP(buffer)
		if err != nil {
			if l.closing.Load() || errors.Is(err, net.ErrClosed) {
				return
			}
			l.opts.logger.Warnf("[%s] failed to read datagram: %s", l.cfg.Name(), err)
			continue
		}
		if n == 0 {
			continue
		}

		// The buffer is reused, so each datagram gets its own copy.
		datagram := make([]byte, n)
		copy(datagram, buffer[:n])
		l.route(remote, datagram)
	}
}

// route hands a datagram to the session of its peer, starting one if the peer
// has none.
func (l *UDPListener) route(remote *net.UDPAddr, datagram []byte) {
	key := remote.String()

	l.peersMu.Lock()
	if cached, ok := l.peers.Get(key); ok {
		if delivered, dropped := cached.(*udpPeer).deliver(datagram); delivered {
			l.peersMu.Unlock()
			if dropped {
				l.opts.metrics.DatagramDropped(l.cfg.Name())
				l.opts.logger.Warnf("[%s] session queue for %s full, dropping datagram", l.cfg.Name(), key)
			}
			return
		}
	}

	timeouts := l.opts.tuning.Load()
	peer := newUDPPeer(l.conn, remote)
	expiration := gocache.NoExpiration
	if timeouts.Session > 0 {
		// A packet started just before the session deadline may run on for
		// one more packet timeout.
		expiration = timeouts.Session + timeouts.Packet
	}
	l.peers.Set(key, peer, expiration)
	peer.deliver(datagram)
	l.peersMu.Unlock()

	l.wg.Add(1)
	go l.serve(key, peer, timeouts)
}

func (l *UDPListener) serve(key string, peer *udpPeer, timeouts Timeouts) {
	defer l.wg.Done()
	defer l.forget(key, peer)

	handler, err := buildHandler(l.newHandler)
	if err != nil {
		l.opts.logger.Errorf("[%s] no handler available for %s: %v", l.cfg.Name(), key, err)
		_ = peer.Close()
		return
	}

	l.sessions.add(peer)
	defer l.sessions.remove(peer)
	if l.closing.Load() {
		_ = peer.Close()
	}

	newSession(l.cfg.Name(), peer, handler, l.cfg.Framing, timeouts, l.opts).run()
}

// forget removes the peer from the table unless a newer session already
// replaced it.
func (l *UDPListener) forget(key string, peer *udpPeer) {
	_ = peer.Close()

	l.peersMu.Lock()
	defer l.peersMu.Unlock()
	if cached, ok := l.peers.Get(key); ok && cached.(*udpPeer) == peer {
		l.peers.Delete(key)
	}
}

// Close stops receiving datagrams, ends all peer sessions and waits for them
// to finish.
func (l *UDPListener) Close() error {
	l.closeOnce.Do(func() {
		l.closing.Store(true)
		l.closeErr = l.conn.Close()
		l.sessions.closeAll()
		l.wg.Wait()
		l.peers.Flush()
		l.opts.metrics.ListenerStopped(string(UDP))
		l.opts.logger.Infof("[%s] exited", l.cfg.Name())
	})
	return l.closeErr
}

// udpPeer adapts the datagrams of one remote address to the stream interface
// sessions read from. Reads block until the next datagram arrives or the read
// deadline passes. Only the session goroutine reads; the listener delivers.
type udpPeer struct {
	conn   *net.UDPConn
	remote *net.UDPAddr

	in        chan []byte
	done      chan struct{}
	closeOnce sync.Once

	current  []byte
	deadline time.Time
}

func newUDPPeer(conn *net.UDPConn, remote *net.UDPAddr) *udpPeer {
	return &udpPeer{
		conn:   conn,
		remote: remote,
		in:     make(chan []byte, peerQueueSize),
		done:   make(chan struct{}),
	}
}

// deliver queues a datagram for the session. delivered is false if the
// session has already ended; dropped is set when the queue was full.
func (p *udpPeer) deliver(datagram []byte) (delivered, dropped bool) {
	select {
	case <-p.done:
		return false, false
	default:
	}

	select {
	case p.in <- datagram:
		return true, false
	default:
		return true, true
	}
}

func (p *udpPeer) fill() error {
	for len(p.current) == 0 {
		datagram, err := p.next()
		if err != nil {
			return err
		}
		p.current = datagram
	}
	return nil
}

// next waits for the next datagram until the read deadline.
func (p *udpPeer) next() ([]byte, error) {
	if p.deadline.IsZero() {
		select {
		case datagram := <-p.in:
			return datagram, nil
		case <-p.done:
			return nil, net.ErrClosed
		}
	}

	wait := time.Until(p.deadline)
	if wait <= 0 {
		return nil, os.ErrDeadlineExceeded
	}
	timer := time.NewTimer(wait)
	defer timer.Stop()

	select {
	case datagram := <-p.in:
		return datagram, nil
	case <-timer.C:
		return nil, os.ErrDeadlineExceeded
	case <-p.done:
		return nil, net.ErrClosed
	}
}

func (p *udpPeer) Read(b []byte) (int, error) {
	if err := p.fill(); err != nil {
		return 0, err
	}
	n := copy(b, p.current)
	p.current = p.current[n:]
	return n, nil
}

func (p *udpPeer) ReadByte() (byte, error) {
	if err := p.fill(); err != nil {
		return 0, err
	}
	b := p.current[0]
	p.current = p.current[1:]
	return b, nil
}

// AtBoundary reports whether the current datagram has been fully consumed.
func (p *udpPeer) AtBoundary() bool { return len(p.current) == 0 }

func (p *udpPeer) Write(b []byte) (int, error) { return p.conn.WriteToUDP(b, p.remote) }

func (p *udpPeer) SetReadDeadline(t time.Time) error {
	p.deadline = t
	return nil
}

// The socket is shared by every peer, so writes are never given a deadline.
func (p *udpPeer) SetWriteDeadline(time.Time) error { return nil }

func (p *udpPeer) RemoteAddr() net.Addr { return p.remote }

func (p *udpPeer) Close() error {
	p.closeOnce.Do(func() { close(p.done) })
	return nil
}
