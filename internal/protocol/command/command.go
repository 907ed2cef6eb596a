// Package command implements the administrative text protocol served on the
// command port. An operator connects with telnet or nc and types one command
// per line.
package command

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"golang.org/x/text/cases"
	"gopkg.in/yaml.v3"

	"github.com/dcrodman/trackd/internal/frame"
	"github.com/dcrodman/trackd/internal/protocol"
	"github.com/dcrodman/trackd/internal/server"
)

const Name = "command"

const help = `commands:
  ping                         check that the server is alive
  listeners                    list the device listeners
  timeouts                     show the timeouts applied to new sessions
  set <idle|packet|session|linger> <ms>
                               change a timeout for new sessions
  status                       show the server status as YAML
  quit                         close this session
`

func init() {
	protocol.Register(protocol.Protocol{
		Name: Name,
		Framing: frame.Config{
			TextMode:        true,
			LineTerminators: []byte{'\r', '\n'},
			Backspace:       0x08,
			HandleBackspace: true,
			MinLength:       1,
			MaxLength:       512,
		},
		Timeouts: server.Timeouts{
			Idle:               30 * time.Second,
			Packet:             10 * time.Second,
			Session:            10 * time.Minute,
			TerminateOnTimeout: true,
		},
		New: NewHandlerFunc,
	})
}

// NewHandlerFunc returns the handler factory for the command listener.
func NewHandlerFunc(deps protocol.Deps, _ server.ListenerConfig) server.HandlerFunc {
	return func() server.Handler {
		return &Handler{admin: deps.Admin, fold: cases.Fold()}
	}
}

// Handler serves one operator session.
type Handler struct {
	server.BaseHandler

	admin protocol.Admin
	fold  cases.Caser
}

func (h *Handler) InitialPacket() []byte {
	return []byte("trackd command port; type help for a list of commands\r\n")
}

func (h *Handler) FinalPacket(hasError bool) []byte {
	if hasError {
		return []byte("session closed\r\n")
	}
	return nil
}

func (h *Handler) HandlePacket(f frame.Frame) ([]byte, error) {
	if !f.Valid() {
		return reply("error: command too long"), nil
	}

	fields := strings.Fields(h.fold.String(string(f.Data)))
	if len(fields) == 0 {
		return nil, nil
	}

	switch fields[0] {
	case "help", "?":
		return reply(help), nil
	case "ping":
		return reply("pong"), nil
	case "quit", "exit":
		h.Terminate()
		return reply("bye"), nil
	}

	if h.admin == nil {
		return reply("error: no server attached"), nil
	}

	switch fields[0] {
	case "listeners":
		return reply(h.listeners()), nil
	case "timeouts":
		return reply(formatTimeouts(h.admin.Tuning().Load())), nil
	case "set":
		return reply(h.set(fields[1:])), nil
	case "status":
		out, err := h.status()
		if err != nil {
			return nil, err
		}
		return reply(out), nil
	}
	return reply(fmt.Sprintf("error: unknown command %q", fields[0])), nil
}

func (h *Handler) listeners() string {
	var sb strings.Builder
	for _, l := range h.admin.Listeners() {
		fmt.Fprintf(&sb, "%s %s sessions=%d\n", l.Config().Name(), l.Addr(), l.ActiveSessions())
	}
	if sb.Len() == 0 {
		return "no listeners"
	}
	return sb.String()
}

func (h *Handler) set(args []string) string {
	if len(args) != 2 {
		return "usage: set <idle|packet|session|linger> <ms>"
	}
	ms, err := strconv.ParseInt(args[1], 10, 64)
	if err != nil || ms < 0 {
		return fmt.Sprintf("error: invalid duration %q", args[1])
	}
	d := time.Duration(ms) * time.Millisecond

	var field *time.Duration
	updated := h.admin.Tuning().Update(func(t *server.Timeouts) {
		switch args[0] {
		case "idle":
			field = &t.Idle
		case "packet":
			field = &t.Packet
		case "session":
			field = &t.Session
		case "linger":
			field = &t.Linger
		default:
			field = nil
			return
		}
		*field = d
	})
	if field == nil {
		return fmt.Sprintf("error: unknown timeout %q", args[0])
	}
	return "ok " + formatTimeouts(updated)
}

type listenerStatus struct {
	Name     string `yaml:"name"`
	Address  string `yaml:"address"`
	Sessions int    `yaml:"sessions"`
}

type status struct {
	Protocol  string            `yaml:"protocol"`
	StartedAt time.Time         `yaml:"started_at"`
	Uptime    string            `yaml:"uptime"`
	Timeouts  map[string]string `yaml:"timeouts"`
	Listeners []listenerStatus  `yaml:"listeners"`
}

func (h *Handler) status() (string, error) {
	t := h.admin.Tuning().Load()
	s := status{
		Protocol:  h.admin.ProtocolName(),
		StartedAt: h.admin.StartedAt().UTC(),
		Uptime:    time.Since(h.admin.StartedAt()).Truncate(time.Second).String(),
		Timeouts: map[string]string{
			"idle":    t.Idle.String(),
			"packet":  t.Packet.String(),
			"session": t.Session.String(),
			"linger":  t.Linger.String(),
		},
	}
	for _, l := range h.admin.Listeners() {
		s.Listeners = append(s.Listeners, listenerStatus{
			Name:     l.Config().Name(),
			Address:  l.Addr().String(),
			Sessions: l.ActiveSessions(),
		})
	}

	out, err := yaml.Marshal(&s)
	if err != nil {
		return "", fmt.Errorf("rendering status: %w", err)
	}
	return string(out), nil
}

func formatTimeouts(t server.Timeouts) string {
	return fmt.Sprintf("idle=%s packet=%s session=%s linger=%s terminate_on_timeout=%t",
		t.Idle, t.Packet, t.Session, t.Linger, t.TerminateOnTimeout)
}

// reply converts text to CRLF-terminated lines.
func reply(text string) []byte {
	text = strings.TrimRight(text, "\n")
	return []byte(strings.ReplaceAll(text, "\n", "\r\n") + "\r\n")
}

var (
	_ server.InitialPacketer = (*Handler)(nil)
	_ server.FinalPacketer   = (*Handler)(nil)
)
