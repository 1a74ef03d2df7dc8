package service

import (
	"fmt"
	"os"
	"os/exec"

	"golang.org/x/sys/unix"

	"github.com/larchteam/larch/pipenotify"
)

// Daemonization runs in three generations connected by notifier pipes,
// like the classic double fork: the starter spawns an intermediate
// process (which calls setsid), the intermediate spawns the final
// daemon. Each starter generation blocks on its descendant's pipe; a
// silent close reports success, a message packet reports failure. Go
// cannot fork without exec, so the generations re-execute the binary
// with a stage marker in the environment.
const (
	daemonStageEnv   = "LARCH_DAEMON_STAGE"
	daemonStageMid   = "intermediate"
	daemonStageFinal = "final"
)

// notifierFdNum is where the write end of the ancestor's pipe lands in
// a spawned generation.
const notifierFdNum = 3

// runStarter is the foreground process the operator invoked. It spawns
// the intermediate generation and waits for the daemon to come up.
// Never returns: the process exits with the startup status.
func (s *Service) runStarter() {
	if !s.cfg.DaemonizeNochdir {
		if err := os.Chdir("/"); err != nil {
			s.logger.Warn("cannot cd to /", "error", err)
		}
	}

	notifier, err := pipenotify.New(nil)
	if err != nil {
		s.logger.Error("failed to create notifier pipe", "error", err)
		os.Exit(1)
	}

	if err := s.spawnStage(daemonStageMid, notifier.Writer()); err != nil {
		s.logger.Error("failed to fork to background", "error", err)
		os.Exit(1)
	}
	notifier.CloseWriter()

	msg, err := notifier.Master()
	if err != nil || len(msg) > 0 {
		if len(msg) > 0 {
			s.logger.Error("child process failed", "error", string(msg))
		} else if err != nil {
			s.logger.Error("child process failed", "error", err)
		}
		os.Exit(1)
	}

	s.logger.Info(fmt.Sprintf("Service %s running at background.", s.Identity()))
	os.Exit(0)
}

// runIntermediate detaches from the controlling session and spawns the
// final daemon generation, forwarding its startup outcome upstream.
// Never returns.
func (s *Service) runIntermediate() {
	upstream := os.NewFile(notifierFdNum, "daemon-notifier-up")

	if _, err := unix.Setsid(); err != nil {
		failStage(upstream, fmt.Sprintf("unable to become a session leader: %v", err))
	}

	notifier, err := pipenotify.New(nil)
	if err != nil {
		failStage(upstream, fmt.Sprintf("failed to create notifier pipe: %v", err))
	}

	if err := s.spawnStage(daemonStageFinal, notifier.Writer()); err != nil {
		failStage(upstream, fmt.Sprintf("secondary fork failed: %v", err))
	}
	notifier.CloseWriter()

	msg, err := notifier.Master()
	if err != nil || len(msg) > 0 {
		reason := string(msg)
		if reason == "" && err != nil {
			reason = err.Error()
		}
		failStage(upstream, reason)
	}

	// silent close of the upstream pipe reports success
	os.Exit(0)
}

// failStage reports a failure packet upstream and exits. Direct exit,
// no deferred teardown: this generation owns no resources.
func failStage(upstream *os.File, reason string) {
	if upstream != nil {
		upstream.Write([]byte(reason))
	}
	os.Exit(1)
}

// spawnStage re-executes the binary with the next stage marker; the
// descendant inherits the notifier write end at a fixed descriptor.
func (s *Service) spawnStage(stage string, notifier *os.File) error {
	exe, err := os.Executable()
	if err != nil {
		return fmt.Errorf("cannot determine executable: %w", err)
	}

	cmd := exec.Command(exe, os.Args[1:]...)
	cmd.Env = append(os.Environ(), daemonStageEnv+"="+stage)
	cmd.Stdin = os.Stdin
	cmd.Stdout = os.Stdout
	cmd.Stderr = os.Stderr
	cmd.ExtraFiles = []*os.File{notifier}

	if err := cmd.Start(); err != nil {
		return err
	}
	// the generation outlives us; it is deliberately not waited on
	cmd.Process.Release()
	return nil
}

// daemonizeFinish completes daemonization in the final generation:
// stdin goes to /dev/null, stdout/stderr are tied to the log, console
// logging stops, and closing the notifier releases the waiting
// starters.
func (s *Service) daemonizeFinish() {
	if s.daemonizeFinished {
		return
	}
	s.daemonizeFinished = true

	if !s.cfg.DaemonizeNoclose {
		if null, err := os.OpenFile(os.DevNull, os.O_RDWR, 0); err == nil {
			unix.Dup3(int(null.Fd()), 0, 0)
			null.Close()
		}
		if err := s.sink.TieStd(); err != nil {
			s.logger.Warn("cannot tie stdio to log", "error", err)
		}
	}

	s.sink.EnableConsole(false)

	if s.notifier != nil {
		s.notifier.Close()
		s.notifier = nil
	}
}

// reportStartupFailure tells the waiting starter generations that the
// daemon could not come up.
func (s *Service) reportStartupFailure(code int) {
	if s.notifier == nil {
		return
	}
	s.notifier.Write([]byte(fmt.Sprintf("startup exits with exit status %d", code)))
	s.notifier.Close()
	s.notifier = nil
}
