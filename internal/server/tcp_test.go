package server

import (
	"bytes"
	"errors"
	"io"
	"net"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"

	"github.com/dcrodman/trackd/internal/frame"
)

func startTCP(t *testing.T, cfg ListenerConfig, newHandler HandlerFunc, opts ...Option) *TCPListener {
	t.Helper()
	l, err := ListenTCP(cfg, newHandler, opts...)
	if err != nil {
		t.Fatalf("ListenTCP() returned an unexpected error: %v", err)
	}
	t.Cleanup(func() { _ = l.Close() })
	return l
}

func dial(t *testing.T, l Listener) net.Conn {
	t.Helper()
	conn, err := net.Dial(l.Addr().Network(), l.Addr().String())
	if err != nil {
		t.Fatalf("error connecting to %s: %v", l.Addr(), err)
	}
	t.Cleanup(func() { _ = conn.Close() })
	return conn
}

func TestTCPListener_TextModeEcho(t *testing.T) {
	h := newTestHandler()
	h.respond = echo("ack:")
	l := startTCP(t, textConfig(freeTCPPort(t)), func() Handler { return h })

	conn := dial(t, l)
	if _, err := conn.Write([]byte("$POS,1\r\n$POS,2\r\n")); err != nil {
		t.Fatalf("error writing to listener: %v", err)
	}

	var got []string
	for i := 0; i < 2; i++ {
		got = append(got, readLine(t, conn))
	}
	if diff := cmp.Diff([]string{"ack:$POS,1", "ack:$POS,2"}, got); diff != "" {
		t.Errorf("responses did not match expected; diff:\n%s", diff)
	}

	_ = conn.Close()
	if reason := waitForReason(t, h); !errors.Is(reason, ErrPeerClosed) {
		t.Errorf("expected ErrPeerClosed, got %v", reason)
	}
}

func TestTCPListener_BinaryModeLengthFromHeader(t *testing.T) {
	h := newTestHandler()
	h.length = func(prefix []byte, _ int) int { return int(prefix[3]) }
	h.respond = func(f frame.Frame) ([]byte, error) { return []byte{0x01, byte(f.Len())}, nil }
	l := startTCP(t, binaryConfig(freeTCPPort(t)), func() Handler { return h })

	conn := dial(t, l)
	packet := []byte{0x7E, 0x01, 0x00, 0x0A, 1, 2, 3, 4, 5, 6}
	// Dribble the packet out to make sure partial reads are reassembled.
	for _, chunk := range [][]byte{packet[:3], packet[3:7], packet[7:]} {
		if _, err := conn.Write(chunk); err != nil {
			t.Fatalf("error writing to listener: %v", err)
		}
		time.Sleep(20 * time.Millisecond)
	}

	if diff := cmp.Diff(packet, waitForFrame(t, h).Data); diff != "" {
		t.Errorf("frame did not match expected; diff:\n%s", diff)
	}

	ack := make([]byte, 2)
	_ = conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	if _, err := io.ReadFull(conn, ack); err != nil {
		t.Fatalf("error reading ack: %v", err)
	}
	if diff := cmp.Diff([]byte{0x01, 0x0A}, ack); diff != "" {
		t.Errorf("ack did not match expected; diff:\n%s", diff)
	}
}

func TestTCPListener_IdleTimeout(t *testing.T) {
	cfg := textConfig(freeTCPPort(t))
	cfg.Timeouts.Idle = 100 * time.Millisecond

	h := newTestHandler()
	l := startTCP(t, cfg, func() Handler { return h })
	dial(t, l)

	var timeoutErr *TimeoutError
	if reason := waitForReason(t, h); !errors.As(reason, &timeoutErr) || timeoutErr.Kind != IdleTimeout {
		t.Errorf("expected an idle timeout, got %v", reason)
	}
}

func TestTCPListener_PacketTimeoutIsDistinctFromIdleTimeout(t *testing.T) {
	cfg := binaryConfig(freeTCPPort(t))
	cfg.Timeouts.Idle = 400 * time.Millisecond
	cfg.Timeouts.Packet = 200 * time.Millisecond

	logger, hook := newTestLogger()
	h := newTestHandler()
	h.length = func([]byte, int) int { return 8 }
	l := startTCP(t, cfg, func() Handler { return h }, WithLogger(logger))

	conn := dial(t, l)
	// First byte lands shortly before the idle timeout, then the packet stalls.
	time.Sleep(300 * time.Millisecond)
	if _, err := conn.Write([]byte{0x7E, 0x01}); err != nil {
		t.Fatalf("error writing to listener: %v", err)
	}

	reason := waitForReason(t, h)
	var timeoutErr *TimeoutError
	if !errors.As(reason, &timeoutErr) || timeoutErr.Kind != PacketTimeout {
		t.Fatalf("expected a packet timeout, got %v", reason)
	}
	if timeoutErr.Partial != 2 {
		t.Errorf("expected 2 partial bytes, got %d", timeoutErr.Partial)
	}
	waitForLog(t, hook, "packet_timeout")
}

func TestTCPListener_PacketTimeoutFallsBackToPartialPacket(t *testing.T) {
	cfg := textConfig(freeTCPPort(t))
	cfg.Timeouts.Packet = 100 * time.Millisecond
	cfg.Timeouts.TerminateOnTimeout = false

	h := newTestHandler()
	h.respond = echo("partial:")
	l := startTCP(t, cfg, func() Handler { return h })

	conn := dial(t, l)
	if _, err := conn.Write([]byte("NOEOL")); err != nil {
		t.Fatalf("error writing to listener: %v", err)
	}
	if got := readLine(t, conn); got != "partial:NOEOL" {
		t.Errorf("expected the partial packet to be handled, got %q", got)
	}

	// The session is still usable afterwards.
	if _, err := conn.Write([]byte("NEXT\n")); err != nil {
		t.Fatalf("error writing to listener: %v", err)
	}
	if got := readLine(t, conn); got != "partial:NEXT" {
		t.Errorf("expected the next packet to be handled, got %q", got)
	}
}

func TestTCPListener_SessionTimeoutDoesNotReset(t *testing.T) {
	cfg := textConfig(freeTCPPort(t))
	cfg.Timeouts.Session = 300 * time.Millisecond

	h := newTestHandler()
	h.respond = echo("")
	l := startTCP(t, cfg, func() Handler { return h })

	conn := dial(t, l)
	done := time.After(2 * time.Second)
	ticker := time.NewTicker(50 * time.Millisecond)
	defer ticker.Stop()

	// Keep the session busy well past its timeout.
	go func() {
		for {
			select {
			case <-done:
				return
			case <-ticker.C:
				if _, err := conn.Write([]byte("ping\n")); err != nil {
					return
				}
			}
		}
	}()

	var timeoutErr *TimeoutError
	if reason := waitForReason(t, h); !errors.As(reason, &timeoutErr) || timeoutErr.Kind != SessionTimeout {
		t.Errorf("expected a session timeout, got %v", reason)
	}
}

func TestTCPListener_MaxPacketLengthEnforced(t *testing.T) {
	cfg := textConfig(freeTCPPort(t))
	maxLen := cfg.Framing.MaxLength

	h := newTestHandler()
	l := startTCP(t, cfg, func() Handler { return h })

	conn := dial(t, l)
	// The server may reset the connection before everything is written.
	_, _ = conn.Write(bytes.Repeat([]byte{'x'}, maxLen+1000))

	f := waitForFrame(t, h)
	if f.Len() != maxLen || f.Valid() {
		t.Errorf("expected a malformed frame of %d bytes, got %d bytes (malformed=%v)", maxLen, f.Len(), f.Malformed)
	}
	if reason := waitForReason(t, h); !errors.Is(reason, frame.ErrFrameTooLong) {
		t.Errorf("expected ErrFrameTooLong, got %v", reason)
	}

	select {
	case extra := <-h.frames:
		t.Errorf("expected exactly one frame, got another of %d bytes", extra.Len())
	default:
	}
}

func TestTCPListener_HandlerTerminationFlushesResponse(t *testing.T) {
	h := newTestHandler()
	h.respond = func(f frame.Frame) ([]byte, error) {
		if string(f.Data) == "BYE" {
			h.Terminate()
			return []byte("GOODBYE\n"), nil
		}
		return nil, nil
	}
	l := startTCP(t, textConfig(freeTCPPort(t)), func() Handler { return h })

	conn := dial(t, l)
	if _, err := conn.Write([]byte("BYE\n")); err != nil {
		t.Fatalf("error writing to listener: %v", err)
	}
	if got := readLine(t, conn); got != "GOODBYE" {
		t.Errorf("expected the final response before close, got %q", got)
	}
	if reason := waitForReason(t, h); !errors.Is(reason, ErrHandlerTerminated) {
		t.Errorf("expected ErrHandlerTerminated, got %v", reason)
	}
}

func TestTCPListener_InitialAndFinalPackets(t *testing.T) {
	h := newTestHandler()
	h.initial = []byte("HELLO\n")
	h.final = []byte("BYE\n")
	h.respond = func(frame.Frame) ([]byte, error) {
		h.Terminate()
		return nil, nil
	}
	l := startTCP(t, textConfig(freeTCPPort(t)), func() Handler { return greetingHandler{h} })

	conn := dial(t, l)
	if got := readLine(t, conn); got != "HELLO" {
		t.Errorf("expected the initial packet, got %q", got)
	}
	if _, err := conn.Write([]byte("x\n")); err != nil {
		t.Fatalf("error writing to listener: %v", err)
	}
	if got := readLine(t, conn); got != "BYE" {
		t.Errorf("expected the final packet, got %q", got)
	}
}

func TestTCPListener_SessionIsolation(t *testing.T) {
	faulty := newTestHandler()
	faulty.respond = func(frame.Frame) ([]byte, error) { panic("decoder exploded") }
	healthy := newTestHandler()
	healthy.respond = echo("ok:")

	queue := &handlerQueue{handlers: []*testHandler{faulty, healthy}}
	l := startTCP(t, textConfig(freeTCPPort(t)), queue.next)

	faultyConn := dial(t, l)
	// Make sure the faulty connection claimed the first handler.
	if _, err := faultyConn.Write([]byte("one\n")); err != nil {
		t.Fatalf("error writing to listener: %v", err)
	}
	waitForFrame(t, faulty)
	healthyConn := dial(t, l)

	var handlerErr *HandlerError
	if reason := waitForReason(t, faulty); !errors.As(reason, &handlerErr) {
		t.Errorf("expected a HandlerError, got %v", reason)
	} else if !strings.Contains(handlerErr.Error(), "decoder exploded") {
		t.Errorf("expected the panic value in the error, got %v", handlerErr)
	}

	for _, msg := range []string{"a", "b", "c"} {
		if _, err := healthyConn.Write([]byte(msg + "\n")); err != nil {
			t.Fatalf("error writing to listener: %v", err)
		}
		if got := readLine(t, healthyConn); got != "ok:"+msg {
			t.Errorf("expected %q, got %q", "ok:"+msg, got)
		}
	}
}

func TestTCPListener_PanicInPacketLength(t *testing.T) {
	h := newTestHandler()
	h.length = func([]byte, int) int { panic("bad header") }
	l := startTCP(t, binaryConfig(freeTCPPort(t)), func() Handler { return h })

	conn := dial(t, l)
	if _, err := conn.Write([]byte{1, 2, 3, 4}); err != nil {
		t.Fatalf("error writing to listener: %v", err)
	}

	var handlerErr *HandlerError
	if reason := waitForReason(t, h); !errors.As(reason, &handlerErr) || handlerErr.Op != "ActualPacketLength" {
		t.Errorf("expected a HandlerError from ActualPacketLength, got %v", reason)
	}
}

func TestTCPListener_CloseEndsSessions(t *testing.T) {
	h := newTestHandler()
	l, err := ListenTCP(textConfig(freeTCPPort(t)), func() Handler { return h })
	if err != nil {
		t.Fatalf("ListenTCP() returned an unexpected error: %v", err)
	}

	conn := dial(t, l)
	if _, err := conn.Write([]byte("hi\n")); err != nil {
		t.Fatalf("error writing to listener: %v", err)
	}
	waitForFrame(t, h)

	if err := l.Close(); err != nil {
		t.Errorf("Close() returned an unexpected error: %v", err)
	}
	if reason := waitForReason(t, h); !errors.Is(reason, ErrListenerClosed) {
		t.Errorf("expected ErrListenerClosed, got %v", reason)
	}
	if n := l.ActiveSessions(); n != 0 {
		t.Errorf("expected no active sessions after close, got %d", n)
	}
}

func TestListenTCP_BindError(t *testing.T) {
	occupied, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("error occupying a port: %v", err)
	}
	defer occupied.Close()

	cfg := textConfig(occupied.Addr().(*net.TCPAddr).Port)
	_, err = ListenTCP(cfg, func() Handler { return newTestHandler() })

	var bindErr *BindError
	if !errors.As(err, &bindErr) {
		t.Fatalf("expected a BindError, got %v", err)
	}
	if bindErr.Port != cfg.Port || bindErr.Protocol != TCP {
		t.Errorf("BindError has the wrong port or protocol: %+v", bindErr)
	}
}

func TestListenTCP_ConfigError(t *testing.T) {
	cfg := textConfig(70000)
	_, err := ListenTCP(cfg, func() Handler { return newTestHandler() })

	var configErr *ConfigError
	if !errors.As(err, &configErr) {
		t.Fatalf("expected a ConfigError, got %v", err)
	}
}

func TestTCPListener_TuningAffectsOnlyNewSessions(t *testing.T) {
	cfg := textConfig(freeTCPPort(t))
	cfg.Timeouts.Idle = time.Second

	first, second := newTestHandler(), newTestHandler()
	queue := &handlerQueue{handlers: []*testHandler{first, second}}
	l := startTCP(t, cfg, queue.next)

	firstConn := dial(t, l)
	if _, err := firstConn.Write([]byte("hi\n")); err != nil {
		t.Fatalf("error writing to listener: %v", err)
	}
	waitForFrame(t, first)

	l.Tuning().Update(func(timeouts *Timeouts) { timeouts.Idle = 100 * time.Millisecond })
	started := time.Now()
	dial(t, l)

	var timeoutErr *TimeoutError
	if reason := waitForReason(t, second); !errors.As(reason, &timeoutErr) || timeoutErr.Kind != IdleTimeout {
		t.Fatalf("expected an idle timeout on the second session, got %v", reason)
	}
	if elapsed := time.Since(started); elapsed > 900*time.Millisecond {
		t.Errorf("second session should have used the updated idle timeout, took %v", elapsed)
	}

	select {
	case reason := <-first.ended:
		t.Errorf("first session should still be running on its original timeout, ended with %v", reason)
	default:
	}
}

func TestTCPListener_SessionTimeoutCompletesPacketInFlight(t *testing.T) {
	cfg := textConfig(freeTCPPort(t))
	cfg.Timeouts.Session = 300 * time.Millisecond
	cfg.Timeouts.Packet = 2 * time.Second

	h := newTestHandler()
	h.respond = echo("")
	l := startTCP(t, cfg, func() Handler { return h })

	conn := dial(t, l)
	if _, err := conn.Write([]byte("part")); err != nil {
		t.Fatalf("error writing to listener: %v", err)
	}
	// The session deadline passes while the packet is still arriving.
	time.Sleep(500 * time.Millisecond)
	if _, err := conn.Write([]byte("ial\n")); err != nil {
		t.Fatalf("error writing to listener: %v", err)
	}

	if got := string(waitForFrame(t, h).Data); got != "partial" {
		t.Errorf("expected the packet in flight to be handled, got %q", got)
	}
	if got := readLine(t, conn); got != "partial" {
		t.Errorf("expected the response to the last packet, got %q", got)
	}
	var timeoutErr *TimeoutError
	if reason := waitForReason(t, h); !errors.As(reason, &timeoutErr) || timeoutErr.Kind != SessionTimeout {
		t.Errorf("expected a session timeout, got %v", reason)
	}
}

func TestLingerSeconds(t *testing.T) {
	tests := []struct {
		linger time.Duration
		want   int
	}{
		{time.Millisecond, 1},
		{500 * time.Millisecond, 1},
		{time.Second, 1},
		{1500 * time.Millisecond, 2},
		{2 * time.Second, 2},
	}
	for _, tt := range tests {
		if got := lingerSeconds(tt.linger); got != tt.want {
			t.Errorf("lingerSeconds(%v) want = %d, got = %d", tt.linger, tt.want, got)
		}
	}
}

func TestTCPListener_SubSecondLingerDeliversResponse(t *testing.T) {
	const size = 8 << 20
	cfg := textConfig(freeTCPPort(t))
	cfg.Timeouts.Linger = 500 * time.Millisecond

	h := newTestHandler()
	h.respond = func(frame.Frame) ([]byte, error) {
		h.Terminate()
		return bytes.Repeat([]byte{'x'}, size), nil
	}
	l := startTCP(t, cfg, func() Handler { return h })

	conn := dial(t, l)
	if _, err := conn.Write([]byte("BYE\n")); err != nil {
		t.Fatalf("error writing to listener: %v", err)
	}
	// Let the response back up in the socket buffers before reading.
	time.Sleep(100 * time.Millisecond)

	_ = conn.SetReadDeadline(time.Now().Add(10 * time.Second))
	n, err := io.Copy(io.Discard, conn)
	if err != nil {
		t.Fatalf("error reading response after %d bytes: %v", n, err)
	}
	if n != size {
		t.Errorf("expected %d response bytes, got %d", size, n)
	}
}

func TestTCPListener_PanicInHandlerFactory(t *testing.T) {
	h := newTestHandler()
	h.respond = echo("ok:")
	var calls atomic.Int32
	l := startTCP(t, textConfig(freeTCPPort(t)), func() Handler {
		if calls.Add(1) == 1 {
			panic("factory exploded")
		}
		return h
	})

	broken := dial(t, l)
	_ = broken.SetReadDeadline(time.Now().Add(5 * time.Second))
	if _, err := broken.Read(make([]byte, 1)); !errors.Is(err, io.EOF) {
		t.Errorf("expected the connection to be closed, got %v", err)
	}

	healthy := dial(t, l)
	if _, err := healthy.Write([]byte("ping\n")); err != nil {
		t.Fatalf("error writing to listener: %v", err)
	}
	if got := readLine(t, healthy); got != "ok:ping" {
		t.Errorf("expected the listener to keep serving, got %q", got)
	}
}

func TestBuildHandler(t *testing.T) {
	var handlerErr *HandlerError
	if _, err := buildHandler(func() Handler { return nil }); !errors.As(err, &handlerErr) {
		t.Errorf("buildHandler() expected a HandlerError for a nil handler, got %v", err)
	}
	if _, err := buildHandler(func() Handler { panic("boom") }); !errors.As(err, &handlerErr) || handlerErr.Stack == nil {
		t.Errorf("buildHandler() expected a HandlerError with a stack for a panic, got %v", err)
	}
	if h, err := buildHandler(func() Handler { return &BaseHandler{} }); err != nil || h == nil {
		t.Errorf("buildHandler() want a handler, got %v (err: %v)", h, err)
	}
}
