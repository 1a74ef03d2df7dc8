package ctrl

import (
	"bufio"
	"fmt"
	"io"
	"net"
	"strings"
)

// Client is the synchronous control-channel client used by operator
// tools.
type Client struct {
	conn net.Conn
	br   *bufio.Reader
	name string
}

// Dial connects to a local control socket.
func Dial(path string) (*Client, error) {
	conn, err := net.Dial("unix", path)
	if err != nil {
		return nil, fmt.Errorf("unable to connect to %s: %w; is the server running?", path, err)
	}
	return &Client{conn: conn, br: bufio.NewReader(conn), name: "client"}, nil
}

// dialStream opens the stream connection for DialNet.
func dialStream(network, addr, name string) (*Client, error) {
	conn, err := net.Dial(network, addr)
	if err != nil {
		return nil, fmt.Errorf("unable to connect to %s: %w; is the server running?", addr, err)
	}
	if name == "" {
		name = "client"
	}
	return &Client{conn: conn, br: bufio.NewReader(conn), name: name}, nil
}

// Command sends one request line and returns the reply block split
// into lines. A reply starting with "error: " becomes a *CommandError.
// For a closing command (exit or a '!' verb) the server sends no EOT;
// its reply ends where the server closes the connection.
func (c *Client) Command(line string) ([]string, error) {
	if _, err := c.conn.Write([]byte(line + "\n")); err != nil {
		return nil, fmt.Errorf("%s: write failed: %w", c.name, err)
	}

	// the reply may arrive in arbitrary chunks; read until the EOT
	// delimiter
	block, err := c.br.ReadString(eot)
	if err != nil {
		cmd := ParseCommand(line)
		if err != io.EOF || !(cmd.CloseConn || cmd.Cmd == "exit") {
			return nil, fmt.Errorf("%s: read failed: %w", c.name, err)
		}
	}
	block = strings.TrimSuffix(block, string(rune(eot)))

	lines := strings.Split(block, "\n")
	if len(lines) > 0 {
		if reason, ok := strings.CutPrefix(lines[0], "error: "); ok {
			return nil, &CommandError{Name: c.name, Reason: reason}
		}
		if lines[len(lines)-1] == "" {
			lines = lines[:len(lines)-1]
		}
	}
	return lines, nil
}

// Close closes the connection.
func (c *Client) Close() error {
	return c.conn.Close()
}
