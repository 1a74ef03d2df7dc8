// Package ctrl implements the line-oriented control protocol of larch
// services: the in-process server engine bound to a unix or TCP
// listener, the synchronous clients used by operator tools, and the
// challenge/response handshake guarding remote endpoints.
package ctrl

import (
	"fmt"
	"strings"
)

// Command is one parsed control request.
type Command struct {
	Cmd  string
	Args []string

	// CloseConn is set when the verb carried a leading '!', asking the
	// server to close the connection after this command's reply.
	CloseConn bool
}

// ParseCommand splits a request line on runs of spaces and tabs and
// interprets a leading '!' on the verb. The line may carry its
// terminator; it is discarded with the separators.
func ParseCommand(line string) Command {
	fields := strings.FieldsFunc(line, func(r rune) bool {
		return r == ' ' || r == '\t' || r == '\r' || r == '\n'
	})

	var cmd Command
	if len(fields) == 0 {
		return cmd
	}

	verb := fields[0]
	if strings.HasPrefix(verb, "!") {
		cmd.CloseConn = true
		verb = verb[1:]
	}
	cmd.Cmd = verb
	if len(fields) > 1 {
		cmd.Args = fields[1:]
	}
	return cmd
}

// CommandError is raised by clients when a reply starts with "error: ".
type CommandError struct {
	Name   string
	Reason string
}

func (e *CommandError) Error() string {
	return fmt.Sprintf("%s: %s", e.Name, e.Reason)
}
