package service

import (
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/larchteam/larch/pidfile"
)

// Management signal verbs sent with --signal.
const (
	sigStop      = syscall.SIGTERM
	sigLogrotate = syscall.SIGHUP
	sigStat      = syscall.SIGUSR1
	sigStatus    = syscall.Signal(0)
)

type sigDef struct {
	verb    string
	signo   syscall.Signal
	timeout int // seconds to wait for stop; -1 when not given
}

func parseSigDef(logger *slog.Logger, arg string) (sigDef, error) {
	def := sigDef{timeout: -1}

	name := arg
	if slash := strings.IndexByte(arg, '/'); slash >= 0 {
		name = arg[:slash]
		tail := arg[slash+1:]

		timeout, err := strconv.Atoi(tail)
		if err != nil || timeout < 0 {
			return def, fmt.Errorf("invalid timeout specification (%s)", tail)
		}
		def.timeout = timeout
	}
	def.verb = name

	switch name {
	case "stop":
		def.signo = sigStop
	case "logrotate":
		def.signo = sigLogrotate
	case "stat":
		def.signo = sigStat
	case "status":
		def.signo = sigStatus
	default:
		return def, fmt.Errorf("unrecognized signal: <%s>", name)
	}

	if def.timeout >= 0 && def.signo != sigStop {
		logger.Warn("ignoring timeout specification", "signal", name)
		def.timeout = -1
	}
	return def, nil
}

// sendSignal implements the --signal management action against the pid
// file of a running instance. Exit codes: 0 delivered, 1 not running,
// 2 stop timed out, 3 I/O error (status adds 4 for indeterminate).
func sendSignal(logger *slog.Logger, pidFile, arg string) int {
	def, err := parseSigDef(logger, arg)
	if err != nil {
		logger.Error(err.Error())
		return 3
	}

	logger.Debug("about to send signal to running process", "signal", def.verb)

	switch {
	case def.signo == sigStop && def.timeout > 0:
		return waitForStop(logger, pidFile, def)

	case def.signo == sigStatus:
		return processStatus(logger, pidFile, def)
	}

	pid, err := pidfile.Signal(pidFile, def.signo, false)
	if err != nil {
		logger.Error(fmt.Sprintf("Cannot signal running instance: %v", err))
		return 3
	}
	if pid == 0 {
		return 1
	}
	return 0
}

// waitForStop keeps signalling until the instance disappears or the
// timeout passes, polling every 100 ms.
func waitForStop(logger *slog.Logger, pidFile string, def sigDef) int {
	deadline := time.Now().Add(time.Duration(def.timeout) * time.Second)

	for first := true; ; first = false {
		pid, err := pidfile.Signal(pidFile, def.signo, false)
		if err != nil {
			logger.Error(fmt.Sprintf("Cannot signal running instance: %v", err))
			return 3
		}
		if pid == 0 {
			// fail if the process was not running during the first
			// test; OK if it was running but finished now
			if first {
				return 1
			}
			return 0
		}

		if !time.Now().Before(deadline) {
			// program is running but cannot stop in given time
			return 2
		}

		time.Sleep(100 * time.Millisecond)
	}
}

// processStatus probes the instance: 0 running, 1 pid file present but
// no live instance, 3 not running at all, 4 indeterminate.
func processStatus(logger *slog.Logger, pidFile string, def sigDef) int {
	pid, err := pidfile.Signal(pidFile, def.signo, true)
	if err != nil {
		logger.Error(fmt.Sprintf("Cannot signal running instance: %v", err))
		return 4
	}
	switch {
	case pid == 0:
		return 1
	case pid < 0:
		return 3
	}
	return 0
}
