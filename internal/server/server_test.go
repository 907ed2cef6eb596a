package server

import (
	"net"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	logtest "github.com/sirupsen/logrus/hooks/test"

	"github.com/dcrodman/trackd/internal/frame"
)

// testHandler records what a session does and reports the termination
// reason on a channel so that tests can wait for it.
type testHandler struct {
	BaseHandler

	respond func(f frame.Frame) ([]byte, error)
	length  func(prefix []byte, minLen int) int
	initial []byte
	final   []byte

	frames chan frame.Frame
	ended  chan error
}

func newTestHandler() *testHandler {
	return &testHandler{
		frames: make(chan frame.Frame, 100),
		ended:  make(chan error, 1),
	}
}

func (h *testHandler) ActualPacketLength(prefix []byte, minLen int) int {
	if h.length != nil {
		return h.length(prefix, minLen)
	}
	return minLen
}

func (h *testHandler) HandlePacket(f frame.Frame) ([]byte, error) {
	h.frames <- f
	if h.respond != nil {
		return h.respond(f)
	}
	return nil, nil
}

func (h *testHandler) SessionTerminated(reason error) {
	h.ended <- reason
}

// greetingHandler adds the optional initial and final packets.
type greetingHandler struct {
	*testHandler
}

func (h greetingHandler) InitialPacket() []byte            { return h.initial }
func (h greetingHandler) FinalPacket(hasError bool) []byte { return h.final }

func echo(prefix string) func(f frame.Frame) ([]byte, error) {
	return func(f frame.Frame) ([]byte, error) {
		return []byte(prefix + string(f.Data) + "\n"), nil
	}
}

func freeTCPPort(t *testing.T) int {
	t.Helper()
	l, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("error finding a free port: %v", err)
	}
	defer l.Close()
	return l.Addr().(*net.TCPAddr).Port
}

func freeUDPPort(t *testing.T) int {
	t.Helper()
	c, err := net.ListenPacket("udp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("error finding a free port: %v", err)
	}
	defer c.Close()
	return c.LocalAddr().(*net.UDPAddr).Port
}

func textConfig(port int) ListenerConfig {
	return ListenerConfig{
		Host: "127.0.0.1",
		Port: port,
		Framing: frame.Config{
			TextMode:  true,
			MinLength: 1,
			MaxLength: 64,
		},
		Timeouts: Timeouts{
			Idle:               2 * time.Second,
			Packet:             time.Second,
			Session:            10 * time.Second,
			TerminateOnTimeout: true,
		},
	}
}

func binaryConfig(port int) ListenerConfig {
	cfg := textConfig(port)
	cfg.Framing = frame.Config{MinLength: 4, MaxLength: 64}
	return cfg
}

func newTestLogger() (*logrus.Logger, *logtest.Hook) {
	logger, hook := logtest.NewNullLogger()
	logger.SetLevel(logrus.DebugLevel)
	return logger, hook
}

func waitForReason(t *testing.T, h *testHandler) error {
	t.Helper()
	select {
	case reason := <-h.ended:
		return reason
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for the session to end")
	}
	return nil
}

func waitForFrame(t *testing.T, h *testHandler) frame.Frame {
	t.Helper()
	select {
	case f := <-h.frames:
		return f
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for a frame")
	}
	return frame.Frame{}
}

// waitForLog polls the hook until an entry with the given reason field shows up.
func waitForLog(t *testing.T, hook *logtest.Hook, reason string) *logrus.Entry {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		for _, entry := range hook.AllEntries() {
			if entry.Data["reason"] == reason {
				return entry
			}
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("no log entry with reason %q", reason)
	return nil
}

// handlerQueue hands out pre-built handlers in order and a default echo
// handler once they run out.
type handlerQueue struct {
	mu       sync.Mutex
	handlers []*testHandler
}

func (q *handlerQueue) next() Handler {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.handlers) == 0 {
		h := newTestHandler()
		h.respond = echo("")
		return h
	}
	h := q.handlers[0]
	q.handlers = q.handlers[1:]
	return h
}

func readLine(t *testing.T, conn net.Conn) string {
	t.Helper()
	_ = conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	var sb strings.Builder
	buf := make([]byte, 1)
	for {
		if _, err := conn.Read(buf); err != nil {
			t.Fatalf("error reading response: %v (read %q)", err, sb.String())
		}
		if buf[0] == '\n' {
			return sb.String()
		}
		sb.WriteByte(buf[0])
	}
}
