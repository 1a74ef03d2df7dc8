package ctrl

import (
	"bufio"
	"bytes"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"os"
	"os/user"
	"strconv"
	"sync"
)

// eot delimits one response block from the next on a connection.
const eot = 0x04

// Dispatcher is the service-side surface the server drives. Built-in
// verbs are resolved here in the protocol engine; everything it cannot
// answer itself goes through the dispatcher.
type Dispatcher interface {
	// ScheduleLogRotate requests a log rotation at the next event tick.
	ScheduleLogRotate()

	// ScheduleTerminate requests global termination.
	ScheduleTerminate()

	// Stat writes service statistics.
	Stat(out io.Writer)

	// Monitor writes the monitoring block (identity, pid, persona,
	// uptime, then service specifics).
	Monitor(out io.Writer)

	// Help writes service-specific help lines appended to the built-in
	// help text.
	Help(out io.Writer)

	// Ctrl handles a service-specific command; false means the verb is
	// not implemented.
	Ctrl(cmd Command, out io.Writer) bool
}

// SocketConfig describes the local control endpoint.
type SocketConfig struct {
	Path  string
	Owner string
	Group string
	Mode  os.FileMode
}

// Server accepts control connections and dispatches commands.
type Server struct {
	ln         net.Listener
	path       string
	dispatcher Dispatcher
	logger     *slog.Logger

	// remote endpoints authenticate before dispatch
	component string
	secret    string
	digest    Digest

	// OnCommand, when set, observes every dispatched verb.
	OnCommand func(verb string)

	// OnConnChange, when set, observes connection open (+1) and
	// close (-1).
	OnConnChange func(delta int)

	mu     sync.Mutex
	closed bool
}

// NewUnixServer binds the control socket at cfg.Path, replacing any
// stale socket, and applies the configured ownership and permissions.
func NewUnixServer(cfg SocketConfig, dispatcher Dispatcher, logger *slog.Logger) (*Server, error) {
	if err := os.Remove(cfg.Path); err != nil && !os.IsNotExist(err) {
		return nil, fmt.Errorf("cannot remove stale ctrl socket %s: %w", cfg.Path, err)
	}

	ln, err := net.Listen("unix", cfg.Path)
	if err != nil {
		return nil, fmt.Errorf("cannot bind ctrl socket %s: %w", cfg.Path, err)
	}

	if err := applySocketIdentity(cfg); err != nil {
		ln.Close()
		return nil, err
	}

	return &Server{
		ln:         ln,
		path:       cfg.Path,
		dispatcher: dispatcher,
		logger:     logger,
	}, nil
}

// NewTCPServer binds a remote control endpoint guarded by the
// challenge/response handshake.
func NewTCPServer(addr, component, secret string, digest Digest, dispatcher Dispatcher, logger *slog.Logger) (*Server, error) {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("cannot bind ctrl endpoint %s: %w", addr, err)
	}
	return &Server{
		ln:         ln,
		dispatcher: dispatcher,
		logger:     logger,
		component:  component,
		secret:     secret,
		digest:     digest,
	}, nil
}

func applySocketIdentity(cfg SocketConfig) error {
	uid, gid := -1, -1

	if cfg.Owner != "" {
		u, err := user.Lookup(cfg.Owner)
		if err != nil {
			return fmt.Errorf("cannot resolve ctrl socket owner %q: %w", cfg.Owner, err)
		}
		uid, _ = strconv.Atoi(u.Uid)
	}
	if cfg.Group != "" {
		g, err := user.LookupGroup(cfg.Group)
		if err != nil {
			return fmt.Errorf("cannot resolve ctrl socket group %q: %w", cfg.Group, err)
		}
		gid, _ = strconv.Atoi(g.Gid)
	}

	if uid != -1 || gid != -1 {
		if err := os.Chown(cfg.Path, uid, gid); err != nil {
			return fmt.Errorf("cannot chown ctrl socket %s: %w", cfg.Path, err)
		}
	}
	if cfg.Mode != 0 {
		if err := os.Chmod(cfg.Path, cfg.Mode); err != nil {
			return fmt.Errorf("cannot chmod ctrl socket %s: %w", cfg.Path, err)
		}
	}
	return nil
}

// Addr returns the listener address.
func (s *Server) Addr() net.Addr { return s.ln.Addr() }

// Start launches the accept loop.
func (s *Server) Start() {
	go s.acceptLoop()
}

func (s *Server) acceptLoop() {
	for {
		conn, err := s.ln.Accept()
		if err != nil {
			if s.isClosed() || errors.Is(err, net.ErrClosed) {
				return
			}
			s.logger.Error("ctrl accept failed", "error", err)
			continue
		}
		go s.serveConn(conn)
	}
}

// Close stops accepting and removes a unix socket path. Connections
// that are already open are not closed; they keep being served until
// their peer disconnects.
func (s *Server) Close() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	s.mu.Unlock()

	s.ln.Close()
	if s.path != "" {
		os.Remove(s.path)
	}
}

func (s *Server) isClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

func (s *Server) serveConn(conn net.Conn) {
	defer conn.Close()

	if s.OnConnChange != nil {
		s.OnConnChange(1)
		defer s.OnConnChange(-1)
	}

	br := bufio.NewReader(conn)

	if s.secret != "" {
		if !s.authenticate(conn, br) {
			return
		}
	}

	for {
		line, err := br.ReadString('\n')
		if err != nil {
			if err != io.EOF {
				s.logger.Error("ctrl connection read failed", "error", err)
			}
			return
		}

		cmd := ParseCommand(line)
		if cmd.Cmd == "" {
			continue
		}

		closing := cmd.CloseConn || cmd.Cmd == "exit"

		var out bytes.Buffer
		s.dispatch(cmd, &out)

		if _, err := conn.Write(out.Bytes()); err != nil {
			s.logger.Error("ctrl connection write failed", "error", err)
			return
		}
		if !closing {
			if _, err := conn.Write([]byte{eot}); err != nil {
				s.logger.Error("ctrl connection write failed", "error", err)
				return
			}
		}

		if closing {
			return
		}
	}
}

// authenticate runs the §handshake: component line in, challenge out,
// digest line in.
func (s *Server) authenticate(conn net.Conn, br *bufio.Reader) bool {
	component, err := br.ReadString('\n')
	if err != nil {
		s.logger.Error("ctrl handshake read failed", "error", err)
		return false
	}
	component = ParseCommand(component).Cmd

	challenge, err := Challenge()
	if err != nil {
		s.logger.Error("ctrl handshake failed", "error", err)
		return false
	}
	if _, err := fmt.Fprintf(conn, "%s\n%c", challenge, eot); err != nil {
		return false
	}

	answer, err := br.ReadString('\n')
	if err != nil {
		s.logger.Error("ctrl handshake read failed", "error", err)
		return false
	}
	answer = ParseCommand(answer).Cmd

	if component != s.component || answer != Response(challenge, s.secret, s.digest) {
		s.logger.Warn("ctrl authentication failed", "component", component,
			"remote", conn.RemoteAddr())
		fmt.Fprintf(conn, "error: authentication failed\n%c", eot)
		return false
	}

	if _, err := fmt.Fprintf(conn, "ok\n%c", eot); err != nil {
		return false
	}
	return true
}

// dispatch resolves built-in verbs and hands the rest to the service.
// A panic inside a command is contained to an error reply; the
// connection stays open.
func (s *Server) dispatch(cmd Command, out *bytes.Buffer) {
	if s.OnCommand != nil {
		s.OnCommand(cmd.Cmd)
	}

	defer func() {
		if r := recover(); r != nil {
			s.logger.Error("ctrl command failed", "cmd", cmd.Cmd, "error", r)
			out.Reset()
			fmt.Fprintf(out, "error: failed to execute command\n")
		}
	}()

	switch cmd.Cmd {
	case "help":
		fmt.Fprint(out,
			"help           shows this help\n"+
				"logrotate      schedules log rotation\n"+
				"terminate      schedules service termination\n"+
				"exit           closes this connection\n"+
				"stat           shows service statistics\n"+
				"monitor        returns information suitable for service monitoring\n")
		s.dispatcher.Help(out)

	case "logrotate":
		s.dispatcher.ScheduleLogRotate()
		fmt.Fprintln(out, "log rotation scheduled")

	case "terminate":
		s.dispatcher.ScheduleTerminate()
		fmt.Fprintln(out, "termination scheduled, bye")

	case "exit":
		// connection closes; no reply, no terminator

	case "stat":
		s.dispatcher.Stat(out)

	case "monitor":
		s.dispatcher.Monitor(out)

	default:
		if !s.dispatcher.Ctrl(cmd, out) {
			fmt.Fprintf(out, "error: command <%s> not implemented\n", cmd.Cmd)
		}
	}
}
