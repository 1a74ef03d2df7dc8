package service

import (
	"log/slog"
	"os"
	"os/signal"
	"sync"
	"syscall"

	"github.com/larchteam/larch/ctrl"
	"github.com/larchteam/larch/internal/shm"
)

// terminatorSlots bounds how many processes may take part in global
// termination.
const terminatorSlots = 32

// signalHandler is the signal/event core: it owns the shared
// termination region, the signal channel and the optional control
// servers. process is the only driver; it polls pending events without
// blocking and reports whether the caller should terminate.
type signalHandler struct {
	owner  *Service
	logger *slog.Logger

	region  *shm.Region
	mainPid int

	ch          chan os.Signal
	userSignals map[os.Signal]bool
	started     bool

	mu             sync.Mutex
	thisTerminated bool
	lastLogRotate  uint64
	lastStat       uint64

	ctrlServers []*ctrl.Server
}

// newSignalHandler creates the handler and its shared region. The
// region must exist before any worker is spawned.
func newSignalHandler(owner *Service, logger *slog.Logger, mainPid int) (*signalHandler, error) {
	region, err := shm.New(terminatorSlots)
	if err != nil {
		return nil, err
	}
	return &signalHandler{
		owner:       owner,
		logger:      logger,
		region:      region,
		mainPid:     mainPid,
		ch:          make(chan os.Signal, 16),
		userSignals: make(map[os.Signal]bool),
	}, nil
}

// start registers signal notifications.
func (sh *signalHandler) start() {
	sigs := []os.Signal{
		syscall.SIGTERM,
		syscall.SIGINT,
		syscall.SIGHUP,
		syscall.SIGUSR1,
	}
	for sig := range sh.userSignals {
		sigs = append(sigs, sig)
	}
	signal.Notify(sh.ch, sigs...)
	sh.started = true
}

// stop deregisters signal notifications and shuts the control servers.
func (sh *signalHandler) stop() {
	signal.Stop(sh.ch)
	sh.started = false
	for _, srv := range sh.ctrlServers {
		srv.Close()
	}
	sh.ctrlServers = nil
}

// registerSignal adds a custom signal watch routed to the user hook.
func (sh *signalHandler) registerSignal(sig os.Signal) {
	sh.userSignals[sig] = true
	if sh.started {
		signal.Notify(sh.ch, sig)
	}
}

// addCtrlServer attaches a started control server for teardown.
func (sh *signalHandler) addCtrlServer(srv *ctrl.Server) {
	sh.ctrlServers = append(sh.ctrlServers, srv)
}

// terminate sets the global termination flag.
func (sh *signalHandler) terminate() {
	sh.region.SetTerminated()
}

// globalTerminate adds or removes pid from the terminator set. Zero
// means the calling process.
func (sh *signalHandler) globalTerminate(value bool, pid int) {
	if value {
		sh.region.AddTerminator(pid)
	} else {
		sh.region.RemoveTerminator(pid)
	}
}

// process drains pending signals and event counters; the return value
// says whether the caller should stop.
func (sh *signalHandler) process() bool {
	sh.mu.Lock()
	defer sh.mu.Unlock()

drain:
	for {
		select {
		case sig := <-sh.ch:
			sh.dispatch(sig)
		default:
			break drain
		}
	}

	// check for logrotate request
	if value := sh.region.LogRotateEvent(); value != sh.lastLogRotate {
		sh.owner.logRotate()
		sh.lastLogRotate = value
	}

	// statistics are processed only in the main process
	if value := sh.region.StatEvent(); value != sh.lastStat {
		if os.Getpid() == sh.mainPid {
			sh.owner.processStat()
		}
		sh.lastStat = value
	}

	return sh.region.Terminated() || sh.thisTerminated
}

func (sh *signalHandler) dispatch(sig os.Signal) {
	sh.logger.Debug("received signal", "signal", sig.String())
	if sh.owner.metrics != nil {
		sh.owner.metrics.IncSignal(sig.String())
	}

	switch sig {
	case syscall.SIGTERM, syscall.SIGINT:
		sh.logger.Info("terminate signal", "signal", sig.String())
		sh.markTerminated()

	case syscall.SIGHUP:
		sh.region.BumpLogRotate()

	case syscall.SIGUSR1:
		sh.region.BumpStat()

	default:
		if hook, ok := sh.owner.handler.(SignalHook); ok {
			hook.Signal(sig)
		} else {
			sh.logger.Warn("custom signal registered but no signal handler implemented",
				"signal", sig.String())
		}
	}
}

// markTerminated records local termination; processes in the terminator
// set escalate it to global termination.
func (sh *signalHandler) markTerminated() {
	sh.thisTerminated = true

	if sh.region.IsTerminator(0) {
		sh.logger.Info("global terminate")
		sh.region.SetTerminated()
	} else {
		sh.logger.Info("local terminate")
	}
}

// close releases the shared region mapping.
func (sh *signalHandler) close() {
	sh.region.Close()
}
