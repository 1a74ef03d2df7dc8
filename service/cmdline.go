package service

import (
	"fmt"
	"os"
)

// CmdlineHandler is the user side of a one-shot command line tool.
type CmdlineHandler interface {
	// Run does the work; its return value becomes the process exit
	// code.
	Run(c *Cmdline) int
}

// Cmdline is the scaffold for one-shot companion tools: it reuses the
// configuration machinery of Service but skips daemonization, pid
// file, signal handling and the control channel.
type Cmdline struct {
	*Program

	handler CmdlineHandler
}

// NewCmdline creates a command line tool around the user handler.
func NewCmdline(name, vers string, flags Flags, handler CmdlineHandler) *Cmdline {
	c := &Cmdline{
		Program: newProgram(name, vers, flags),
		handler: handler,
	}
	if cfg, ok := handler.(Configurer); ok {
		cfg.Configuration(c.fs)
	}
	return c
}

// Main runs the tool and returns the process exit code. Pass os.Args.
func (c *Cmdline) Main(argv []string) int {
	if err := c.configure(argv, c.handler); err != nil {
		if code, ok := asExitCode(err); ok {
			return int(code)
		}
		fmt.Fprintln(os.Stderr, err)
		return 1
	}

	code := c.handler.Run(c)

	if code != 0 && c.flags&DisableExcessiveLogging == 0 {
		c.logger.Error(fmt.Sprintf("Terminated with error %d.", code))
	}
	return code
}
