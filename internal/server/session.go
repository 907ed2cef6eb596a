package server

import (
	"errors"
	"fmt"
	"io"
	"net"
	"runtime/debug"
	"time"

	"github.com/davecgh/go-spew/spew"
	"github.com/sirupsen/logrus"

	"github.com/dcrodman/trackd/internal/core/metrics"
	"github.com/dcrodman/trackd/internal/frame"
)

// sessionConn is the part of a connection a session needs. TCP connections
// and UDP peers both satisfy it.
type sessionConn interface {
	frame.Source
	Write(b []byte) (int, error)
	SetReadDeadline(t time.Time) error
	SetWriteDeadline(t time.Time) error
	RemoteAddr() net.Addr
	Close() error
}

// session drives one device connection: it reads frames under the idle,
// packet and session timers, passes them to the handler and writes back
// whatever the handler returns.
type session struct {
	listener string
	conn     sessionConn
	handler  Handler
	framer   *frame.Framer
	timeouts Timeouts

	logger        *logrus.Entry
	metrics       *metrics.Metrics
	packetLogging bool

	start    time.Time
	deadline time.Time // zero when the session timeout is disabled

	// Set once the first byte of the current packet has been read.
	packetStarted bool
	lengthErr     error
}

func newSession(listener string, conn sessionConn, handler Handler, framing frame.Config, timeouts Timeouts, opts *options) *session {
	s := &session{
		listener: listener,
		conn:     conn,
		handler:  handler,
		timeouts: timeouts,
		logger: opts.logger.WithFields(logrus.Fields{
			"listener": listener,
			"remote":   conn.RemoteAddr().String(),
		}),
		metrics:       opts.metrics,
		packetLogging: opts.packetLogging,
		start:         time.Now(),
	}
	if timeouts.Session > 0 {
		s.deadline = s.start.Add(timeouts.Session)
	}
	s.framer = frame.New(framing, s.packetLength)
	return s
}

// run blocks until the session ends and the connection is closed.
func (s *session) run() {
	var reason error
	defer func() {
		if r := recover(); r != nil {
			reason = &HandlerError{Op: "session", Err: fmt.Errorf("panic: %v", r), Stack: debug.Stack()}
		}
		s.finish(reason)
	}()

	s.metrics.SessionStarted(s.listener)
	s.logger.Infof("[%s] accepted connection from %s", s.listener, s.conn.RemoteAddr())

	if err := s.call("SessionStarted", func() error {
		return s.handler.SessionStarted(s.conn.RemoteAddr())
	}); err != nil {
		reason = err
		return
	}

	if greeter, ok := s.handler.(InitialPacketer); ok {
		if err := s.write(greeter.InitialPacket()); err != nil {
			reason = err
			return
		}
	}

	for {
		if !s.deadline.IsZero() && !time.Now().Before(s.deadline) {
			reason = &TimeoutError{Kind: SessionTimeout}
			return
		}

		f, err := s.readFrame()
		if err != nil {
			var done bool
			if done, reason = s.readFailed(f, err); done {
				return
			}
			continue
		}

		if done, err := s.dispatch(f); done {
			reason = err
			return
		}
	}
}

// readFrame waits for the next packet. The idle deadline applies until its
// first byte arrives and is capped by the session deadline. From then on the
// packet deadline alone bounds the read, so a packet in flight when the
// session expires is still completed and handled.
func (s *session) readFrame() (frame.Frame, error) {
	s.packetStarted = false
	if err := s.conn.SetReadDeadline(s.deadlineAfter(s.timeouts.Idle)); err != nil {
		return frame.Frame{}, err
	}

	f, err := s.framer.Next(s.conn, func() {
		s.packetStarted = true
		// Errors here surface on the next read.
		_ = s.conn.SetReadDeadline(s.packetDeadline())
	})
	if s.lengthErr != nil {
		err, s.lengthErr = s.lengthErr, nil
	}
	return f, err
}

// readFailed decides what a failed read means for the session. It returns
// true with the termination reason if the session has to end.
func (s *session) readFailed(f frame.Frame, err error) (bool, error) {
	var handlerErr *HandlerError
	switch {
	case errors.As(err, &handlerErr):
		return true, err
	case errors.Is(err, io.EOF):
		return true, ErrPeerClosed
	case errors.Is(err, net.ErrClosed):
		return true, ErrListenerClosed
	case errors.Is(err, frame.ErrFrameTooLong):
		s.logger.Warnf("[%s] packet from %s exceeded %d bytes", s.listener, s.conn.RemoteAddr(), f.Len())
		// The handler still gets to see the truncated bytes.
		if done, derr := s.dispatch(f); done && derr != ErrHandlerTerminated {
			return true, derr
		}
		return true, err
	case isTimeout(err):
		timeoutErr := &TimeoutError{Kind: s.timeoutKind(), Partial: f.Len()}
		if timeoutErr.Kind == PacketTimeout && !s.timeouts.TerminateOnTimeout && f.Len() > 0 {
			s.logger.Debugf("[%s] %s; processing partial packet", s.listener, timeoutErr)
			return s.dispatch(f)
		}
		return true, timeoutErr
	case errors.Is(err, io.ErrUnexpectedEOF):
		return true, fmt.Errorf("connection closed mid-packet after %d bytes: %w", f.Len(), err)
	}
	return true, fmt.Errorf("socket error (%s): %w", s.conn.RemoteAddr(), err)
}

// timeoutKind works out which timer caused a read deadline to expire.
func (s *session) timeoutKind() TimeoutKind {
	switch {
	case s.packetStarted && s.timeouts.Packet > 0:
		return PacketTimeout
	case !s.deadline.IsZero() && !time.Now().Before(s.deadline):
		return SessionTimeout
	case s.packetStarted:
		return PacketTimeout
	}
	return IdleTimeout
}

// dispatch hands a frame to the handler and writes the response. It returns
// true with the termination reason if the session has to end.
func (s *session) dispatch(f frame.Frame) (bool, error) {
	s.metrics.FrameReceived(s.listener, f.Len(), f.Malformed)
	if s.packetLogging {
		s.logger.Debugf("[%s] packet from %s (%d bytes):\n%s", s.listener, s.conn.RemoteAddr(), f.Len(), spew.Sdump(f.Data))
	}

	var response []byte
	handleErr := s.call("HandlePacket", func() (err error) {
		response, err = s.handler.HandlePacket(f)
		return err
	})

	// A response the handler produced is sent even if it also reported an error.
	if len(response) > 0 {
		if err := s.write(response); err != nil {
			return true, err
		}
	}
	if handleErr != nil {
		return true, handleErr
	}

	var terminate bool
	if err := s.call("TerminateSession", func() error {
		terminate = s.handler.TerminateSession()
		return nil
	}); err != nil {
		return true, err
	}
	if terminate {
		return true, ErrHandlerTerminated
	}
	return false, nil
}

// call runs one handler callback, converting both returned errors and
// panics into a *HandlerError.
func (s *session) call(op string, fn func() error) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = &HandlerError{Op: op, Err: fmt.Errorf("panic: %v", r), Stack: debug.Stack()}
		}
	}()
	if err := fn(); err != nil {
		return &HandlerError{Op: op, Err: err}
	}
	return nil
}

// buildHandler runs the protocol's handler factory, treating a panic or a
// nil handler as an error for this connection only.
func buildHandler(newHandler HandlerFunc) (h Handler, err error) {
	defer func() {
		if r := recover(); r != nil {
			h, err = nil, &HandlerError{Op: "New", Err: fmt.Errorf("panic: %v", r), Stack: debug.Stack()}
		}
	}()
	if h = newHandler(); h == nil {
		return nil, &HandlerError{Op: "New", Err: errors.New("factory returned no handler")}
	}
	return h, nil
}

// packetLength is the framer's LengthFunc. A failing handler yields minLen
// and the error is picked up by readFrame once the framer returns.
func (s *session) packetLength(prefix []byte, minLen int) (n int) {
	if err := s.call("ActualPacketLength", func() error {
		n = s.handler.ActualPacketLength(prefix, minLen)
		return nil
	}); err != nil {
		s.lengthErr = err
		return minLen
	}
	return n
}

// write sends data to the device until all of it has been written.
func (s *session) write(data []byte) error {
	if len(data) == 0 {
		return nil
	}
	if s.timeouts.Packet > 0 {
		_ = s.conn.SetWriteDeadline(time.Now().Add(s.timeouts.Packet))
	}

	for sent := 0; sent < len(data); {
		n, err := s.conn.Write(data[sent:])
		if err != nil {
			return fmt.Errorf("failed to send to %v: %w", s.conn.RemoteAddr(), err)
		}
		sent += n
	}
	s.metrics.Sent(s.listener, len(data))

	if s.packetLogging {
		s.logger.Debugf("[%s] response to %s (%d bytes):\n%s", s.listener, s.conn.RemoteAddr(), len(data), spew.Sdump(data))
	}
	return nil
}

// finish is the failsafe that notifies the handler and closes the
// connection however the session ended.
func (s *session) finish(reason error) {
	if reason == nil {
		reason = ErrPeerClosed
	}

	if finisher, ok := s.handler.(FinalPacketer); ok && !errors.Is(reason, ErrListenerClosed) {
		var final []byte
		_ = s.call("FinalPacket", func() error {
			final = finisher.FinalPacket(abnormal(reason))
			return nil
		})
		if err := s.write(final); err != nil {
			s.logger.Debugf("[%s] failed to send final packet: %v", s.listener, err)
		}
	}

	if err := s.call("SessionTerminated", func() error {
		s.handler.SessionTerminated(reason)
		return nil
	}); err != nil {
		s.logger.Errorf("[%s] %v", s.listener, err)
	}

	if err := s.conn.Close(); err != nil {
		s.logger.Warnf("[%s] failed to close client connection: %s", s.listener, err)
	}

	label := reasonLabel(reason)
	s.metrics.SessionEnded(s.listener, label, time.Since(s.start))

	entry := s.logger.WithField("reason", label)
	var handlerErr *HandlerError
	switch {
	case errors.As(reason, &handlerErr) && handlerErr.Stack != nil:
		entry.Errorf("[%s] error in client communication with %s: %v, trace: %s", s.listener, s.conn.RemoteAddr(), reason, handlerErr.Stack)
	case label == "idle_timeout":
		entry.Infof("[%s] disconnected idle client %s", s.listener, s.conn.RemoteAddr())
	case abnormal(reason):
		entry.Warnf("[%s] disconnected client %s: %v", s.listener, s.conn.RemoteAddr(), reason)
	default:
		entry.Infof("[%s] disconnected client %s", s.listener, s.conn.RemoteAddr())
	}
}

// packetDeadline bounds the packet being read. Without a packet timeout the
// session deadline is the only limit.
func (s *session) packetDeadline() time.Time {
	if s.timeouts.Packet > 0 {
		return time.Now().Add(s.timeouts.Packet)
	}
	return s.deadline
}

// deadlineAfter returns now+d capped by the session deadline. A zero time
// means no deadline.
func (s *session) deadlineAfter(d time.Duration) time.Time {
	var t time.Time
	if d > 0 {
		t = time.Now().Add(d)
	}
	if !s.deadline.IsZero() && (t.IsZero() || s.deadline.Before(t)) {
		t = s.deadline
	}
	return t
}
