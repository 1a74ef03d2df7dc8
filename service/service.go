package service

import (
	"bytes"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/exec"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/larchteam/larch/ctrl"
	"github.com/larchteam/larch/internal/metrics"
	"github.com/larchteam/larch/pidfile"
)

// shmFdEnv and mainPidEnv carry the shared region descriptor and the
// main process pid into spawned workers.
const (
	shmFdEnv   = "LARCH_SHM_FD"
	mainPidEnv = "LARCH_MAIN_PID"
)

// Service is the lifecycle driver: it drives a Handler through
// configuration, daemonization, pid-file allocation, persona switch,
// the signal/control event loop and teardown.
type Service struct {
	*Program

	handler Handler
	cfg     Config

	sh      *signalHandler
	persona *Persona
	metrics *metrics.Collector

	notifier          *os.File
	daemonizeFinished bool
}

// New creates a service around the user handler.
func New(name, vers string, flags Flags, handler Handler) *Service {
	s := &Service{
		Program: newProgram(name, vers, flags),
		handler: handler,
	}
	s.cfg.registerFlags(s.fs)
	if c, ok := handler.(Configurer); ok {
		c.Configuration(s.fs)
	}
	return s
}

// Main runs the whole service lifecycle and returns the process exit
// code. Pass os.Args.
func (s *Service) Main(argv []string) int {
	if err := s.configure(argv, s.handler); err != nil {
		if code, ok := asExitCode(err); ok {
			return int(code)
		}
		fmt.Fprintln(os.Stderr, err)
		return 1
	}
	if err := s.cfg.validate(); err != nil {
		s.logger.Error(fmt.Sprintf("Service %s: %v", s.Identity(), err))
		return 1
	}

	if code, handled := s.preConfig(); handled {
		return code
	}

	s.logger.Info(fmt.Sprintf("Service %s starting.", s.Identity()))

	if hook, ok := s.handler.(DaemonizeHook); ok {
		hook.PreDaemonize(s.cfg.Daemonize)
	}

	if s.cfg.Daemonize {
		switch os.Getenv(daemonStageEnv) {
		case "":
			s.logger.Info("Forking to background.")
			s.runStarter() // never returns
		case daemonStageMid:
			s.runIntermediate() // never returns
		case daemonStageFinal:
			s.notifier = os.NewFile(notifierFdNum, "daemon-notifier")
			s.logger.Info("Running in background.")
		}
	}

	return s.serve()
}

// preConfig routes --signal management actions and probes the pid file
// before a normal startup.
func (s *Service) preConfig() (int, bool) {
	if s.cfg.SignalVerb != "" {
		if s.cfg.PidFile == "" {
			s.logger.Error("Pid file must be specified to send signal.")
			return 1, true
		}
		return sendSignal(s.logger, s.cfg.PidFile, s.cfg.SignalVerb), true
	}

	if s.cfg.PidFile != "" && os.Getenv(daemonStageEnv) == "" {
		pid, err := pidfile.Signal(s.cfg.PidFile, 0, false)
		if err == nil && pid > 0 {
			s.logger.Error(fmt.Sprintf(
				"Service %s is already running with pid <%d>.", s.Identity(), pid))
			return 1, true
		}
	}
	return 0, false
}

// serve is the post-daemonization part of the lifecycle.
func (s *Service) serve() int {
	fail := func(code int) int {
		s.reportStartupFailure(code)
		return code
	}

	if s.cfg.PidFile != "" {
		if err := pidfile.Allocate(s.cfg.PidFile); err != nil {
			s.logger.Error(fmt.Sprintf("Cannot allocate pid file: %v", err))
			return fail(1)
		}
		if s.cfg.CtrlPath != "" {
			s.logger.Info("using control socket", "path", s.cfg.CtrlPath)
		}
	}

	sh, err := newSignalHandler(s, s.logger, os.Getpid())
	if err != nil {
		s.logger.Error(fmt.Sprintf("Cannot create signal handler: %v", err))
		return fail(1)
	}
	s.sh = sh
	defer sh.close()

	s.metrics = metrics.New()
	s.metrics.SetBuildInfo(s.Name, s.Version)

	// sockets must be bound before the persona switch
	if s.cfg.CtrlPath != "" {
		srv, err := ctrl.NewUnixServer(s.cfg.ctrlSocketConfig(), s, s.logger)
		if err != nil {
			s.logger.Error(fmt.Sprintf("Cannot bind control socket: %v", err))
			return fail(1)
		}
		s.wireCtrlServer(srv)
	}
	if s.cfg.CtrlListen != "" {
		component := s.cfg.CtrlComponent
		if component == "" {
			component = s.Name
		}
		srv, err := ctrl.NewTCPServer(s.cfg.CtrlListen, component, s.cfg.CtrlSecret,
			s.cfg.ctrlDigest(), s, s.logger)
		if err != nil {
			s.logger.Error(fmt.Sprintf("Cannot bind control endpoint: %v", err))
			return fail(1)
		}
		s.wireCtrlServer(srv)
	}

	if s.cfg.MetricsListen != "" {
		srv := s.startMetricsServer()
		defer srv.Close()
	}

	mode := SetRealID
	hooks, hasPersonaHooks := s.handler.(PersonaHooks)
	if hasPersonaHooks {
		mode = hooks.PrePersonaSwitch()
	}
	persona, err := switchPersona(s.logger, &s.cfg, mode, s.sink)
	if err != nil {
		s.logger.Error(fmt.Sprintf("Cannot switch persona: %v", err))
		return fail(1)
	}
	s.persona = persona
	if s.cfg.LoginEnv {
		if err := applyLoginEnv(persona); err != nil {
			s.logger.Error(fmt.Sprintf("Cannot apply login environment: %v", err))
			return fail(1)
		}
	}
	if hasPersonaHooks {
		hooks.PostPersonaSwitch()
	}

	// we are the one that terminates the whole daemon
	sh.globalTerminate(true, 0)

	sh.start()
	defer sh.stop()

	cleanup, err := s.handler.Start(s)
	if err != nil {
		code := 1
		if ec, ok := asExitCode(err); ok {
			code = int(ec)
		} else {
			s.logger.Error(fmt.Sprintf("Startup failed: %v", err))
		}
		if s.cfg.Daemonize {
			s.logger.Error(fmt.Sprintf("Startup exits with exit status: %d.", code))
		}
		return fail(code)
	}
	defer func() {
		if cleanup != nil {
			cleanup()
		}
	}()

	if !s.IsRunning() {
		s.logger.Info("Terminated during startup.")
		return fail(1)
	}

	if s.cfg.Daemonize {
		s.daemonizeFinish()
	}

	code := s.handler.Run(s)

	if code != 0 {
		s.logger.Error(fmt.Sprintf("Terminated with error %d.", code))
	} else {
		s.logger.Info("Normal shutdown.")
	}
	return code
}

func (s *Service) wireCtrlServer(srv *ctrl.Server) {
	srv.OnCommand = func(verb string) { s.metrics.IncCtrlCommand(verb) }
	srv.OnConnChange = func(delta int) { s.metrics.CtrlConnections.Add(float64(delta)) }
	srv.Start()
	s.sh.addCtrlServer(srv)
}

func (s *Service) startMetricsServer() *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		s.metrics.SetUptime(s.Uptime().Seconds())
		s.metrics.Handler().ServeHTTP(w, r)
	}))
	srv := &http.Server{Addr: s.cfg.MetricsListen, Handler: mux}
	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			s.logger.Error("metrics endpoint failed", "error", err)
		}
	}()
	return srv
}

// IsRunning drains pending signal and control events and reports
// whether the service should keep running. The handler's Run loop must
// call it often enough to observe termination.
func (s *Service) IsRunning() bool {
	return !s.sh.process()
}

// Stop schedules a graceful global termination, observable at the next
// IsRunning call in every participating process.
func (s *Service) Stop() {
	s.sh.terminate()
}

// GlobalTerminate adds (or removes) pid to the set of processes whose
// termination signal brings the whole daemon down. Zero means the
// calling process.
func (s *Service) GlobalTerminate(value bool, pid int) {
	s.sh.globalTerminate(value, pid)
}

// RegisterSignal routes an additional signal to the handler's Signal
// hook.
func (s *Service) RegisterSignal(sig os.Signal) {
	s.sh.registerSignal(sig)
}

// Persona returns the identities recorded around the persona switch;
// nil before startup.
func (s *Service) Persona() *Persona { return s.persona }

// Daemonized reports whether the service is configured to run as a
// daemon.
func (s *Service) Daemonized() bool { return s.cfg.Daemonize }

// Config returns a copy of the validated configuration record.
func (s *Service) Config() Config { return s.cfg }

// WorkerCommand prepares cmd so the spawned process participates in
// the shared termination region. Finishing daemonization first mirrors
// the atfork behaviour of the classic double-fork scaffold.
func (s *Service) WorkerCommand(cmd *exec.Cmd) {
	if s.cfg.Daemonize {
		s.daemonizeFinish()
	}

	cmd.ExtraFiles = append(cmd.ExtraFiles, s.sh.region.File())
	fd := 3 + len(cmd.ExtraFiles) - 1
	if cmd.Env == nil {
		cmd.Env = os.Environ()
	}
	cmd.Env = append(cmd.Env,
		fmt.Sprintf("%s=%d", shmFdEnv, fd),
		fmt.Sprintf("%s=%d", mainPidEnv, s.sh.mainPid))
}

// --- control channel dispatcher ---

// ScheduleLogRotate requests a log rotation at the next event tick.
func (s *Service) ScheduleLogRotate() {
	s.sh.region.BumpLogRotate()
}

// ScheduleTerminate requests global termination.
func (s *Service) ScheduleTerminate() {
	s.sh.terminate()
}

// Stat writes service statistics.
func (s *Service) Stat(out io.Writer) {
	if st, ok := s.handler.(Stater); ok {
		st.Stat(out)
		return
	}
	fmt.Fprintln(out, "Service provides no statistics.")
}

// Monitor writes the monitoring block: identity, pid, persona and
// uptime, then whatever the handler adds.
func (s *Service) Monitor(out io.Writer) {
	uptime := s.Uptime()

	fmt.Fprintf(out, "Identity: %s\n", s.VersionInfo())
	fmt.Fprintf(out, "Name: %s\n", s.Name)
	fmt.Fprintf(out, "Version: %s\n", s.Version)
	fmt.Fprintf(out, "Pid: %d (%d)\n", os.Getpid(), os.Getppid())
	fmt.Fprintf(out, "Persona: %d %d (%s)\n",
		os.Getuid(), os.Getgid(), supplementaryGroups())
	fmt.Fprintf(out, "Up-Since: %s (%s GMT)\n",
		s.UpSince().Format(time.RFC3339),
		s.UpSince().UTC().Format("2006-01-02 15:04:05"))
	fmt.Fprintf(out, "Uptime: %d %s\n",
		int64(uptime.Seconds()), formatDuration(uptime))
	fmt.Fprintf(out, "Go: %s\n", goVersion())

	if m, ok := s.handler.(Monitorer); ok {
		m.Monitor(out)
	}
}

// Help appends handler verbs to the built-in ctrl help text.
func (s *Service) Help(out io.Writer) {
	if h, ok := s.handler.(CtrlHelper); ok {
		h.CtrlHelp(out)
	}
}

// Ctrl hands a service-specific verb to the handler.
func (s *Service) Ctrl(cmd ctrl.Command, out io.Writer) bool {
	if c, ok := s.handler.(Ctrler); ok {
		return c.Ctrl(cmd, out)
	}
	return false
}

// logRotate reopens the log file and notifies the handler.
func (s *Service) logRotate() {
	lf := s.LogFile()
	s.logger.Info("Logrotate", "path", lf)
	if err := s.sink.Reopen(); err != nil {
		s.logger.Error("log rotation failed", "error", err)
		return
	}
	s.logger.Info(fmt.Sprintf("Service %s: log rotated.", s.Identity()))
	if s.metrics != nil {
		s.metrics.LogRotateTotal.Inc()
	}
	if hook, ok := s.handler.(LogRotatedHook); ok {
		hook.LogRotated(lf)
	}
}

// processStat logs a statistics snapshot; runs in the main process
// only.
func (s *Service) processStat() {
	var buf bytes.Buffer
	s.Stat(&buf)
	s.logger.Info(fmt.Sprintf("%s statistics:\n%s", s.Identity(), buf.String()))
	if s.metrics != nil {
		s.metrics.StatTotal.Inc()
	}
}

func supplementaryGroups() string {
	groups, err := syscall.Getgroups()
	if err != nil {
		return "?"
	}
	parts := make([]string, len(groups))
	for i, g := range groups {
		parts[i] = strconv.Itoa(g)
	}
	return strings.Join(parts, " ")
}

func formatDuration(d time.Duration) string {
	days := int(d.Hours()) / 24
	hours := int(d.Hours()) % 24
	minutes := int(d.Minutes()) % 60
	seconds := int(d.Seconds()) % 60

	if days > 0 {
		return fmt.Sprintf("%dd %dh %dm %ds", days, hours, minutes, seconds)
	}
	if hours > 0 {
		return fmt.Sprintf("%dh %dm %ds", hours, minutes, seconds)
	}
	if minutes > 0 {
		return fmt.Sprintf("%dm %ds", minutes, seconds)
	}
	return fmt.Sprintf("%ds", seconds)
}
