package service

import (
	"io"
	"os"

	"github.com/spf13/pflag"

	"github.com/larchteam/larch/ctrl"
)

// Cleanup is the teardown action returned by Handler.Start; it runs on
// every exit path after the run loop finishes.
type Cleanup func()

// Handler is the user-supplied service implementation. All further
// capabilities are optional interfaces discovered by assertion.
type Handler interface {
	// Start brings the service up. The returned Cleanup tears it down.
	Start(svc *Service) (Cleanup, error)

	// Run is the service main loop; it must call svc.IsRunning often
	// enough to observe termination, and its return value becomes the
	// process exit code.
	Run(svc *Service) int
}

// Configurer registers and validates handler options. Configuration is
// called with the program flag set before parsing; Configure after.
type Configurer interface {
	Configuration(fs *pflag.FlagSet)
	Configure() error
}

// Stater writes service statistics for the stat verb and SIGUSR1
// snapshots.
type Stater interface {
	Stat(out io.Writer)
}

// Monitorer appends service-specific lines to the monitor verb output.
type Monitorer interface {
	Monitor(out io.Writer)
}

// Ctrler handles service-specific control verbs; false means the verb
// is not implemented.
type Ctrler interface {
	Ctrl(cmd ctrl.Command, out io.Writer) bool
}

// CtrlHelper appends service verbs to the built-in ctrl help text.
type CtrlHelper interface {
	CtrlHelp(out io.Writer)
}

// SignalHook receives user-registered signals.
type SignalHook interface {
	Signal(sig os.Signal)
}

// PersonaHooks wraps the persona switch. PrePersonaSwitch chooses the
// switch mode; PostPersonaSwitch runs under the new identity.
type PersonaHooks interface {
	PrePersonaSwitch() SwitchMode
	PostPersonaSwitch()
}

// DaemonizeHook is notified just before (possible) daemonization.
type DaemonizeHook interface {
	PreDaemonize(daemonize bool)
}

// LogRotatedHook is called after the log file has been reopened.
type LogRotatedHook interface {
	LogRotated(path string)
}

// UnrecognizedHandler consumes positional and unrecognized arguments.
type UnrecognizedHandler interface {
	ConfigureUnrecognized(args []string) error
}

// HelpTopics supplies --help-<topic> texts through the default help
// printer; services with a custom printer implement
// interface{ HelpPrinter() HelpPrinter } instead.
type HelpTopics interface {
	ListHelps() []string
	Help(out io.Writer, topic string) bool
}
