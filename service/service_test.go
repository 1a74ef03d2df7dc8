package service

import (
	"bufio"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"sync/atomic"
	"syscall"
	"testing"
	"time"

	"github.com/larchteam/larch/ctrl"
	"github.com/larchteam/larch/internal/logging"
	"github.com/larchteam/larch/internal/shm"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// loopHandler is the minimal cooperative service used by the lifecycle
// tests.
type loopHandler struct {
	rotated atomic.Int64
	started atomic.Bool
}

func (h *loopHandler) Start(s *Service) (Cleanup, error) {
	h.started.Store(true)
	return func() {}, nil
}

func (h *loopHandler) Run(s *Service) int {
	for s.IsRunning() {
		time.Sleep(10 * time.Millisecond)
	}
	return 0
}

func (h *loopHandler) Stat(out io.Writer) {
	fmt.Fprintln(out, "loops: running")
}

func (h *loopHandler) LogRotated(path string) {
	h.rotated.Add(1)
}

// quiet mutes a freshly constructed program for tests.
func quiet(p *Program) {
	p.logger = discardLogger()
	p.sink.EnableConsole(false)
}

func newTestService(t *testing.T, h Handler) *Service {
	t.Helper()
	s := New("loopd", "0.1", 0, h)
	quiet(s.Program)
	return s
}

func dialCtrl(t *testing.T, path string) *ctrl.Client {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for {
		client, err := ctrl.Dial(path)
		if err == nil {
			return client
		}
		if time.Now().After(deadline) {
			t.Fatalf("control socket never came up: %v", err)
		}
		time.Sleep(20 * time.Millisecond)
	}
}

func TestServiceLifecycleWithCtrl(t *testing.T) {
	dir := t.TempDir()
	h := &loopHandler{}
	s := newTestService(t, h)

	logFile := filepath.Join(dir, "loopd.log")
	s.logFile = logFile
	if err := s.sink.Open(logFile, logging.ModeAppend); err != nil {
		t.Fatalf("open log: %v", err)
	}

	s.cfg.PidFile = filepath.Join(dir, "loopd.pid")
	s.cfg.CtrlPath = filepath.Join(dir, "loopd.ctrl")

	done := make(chan int, 1)
	go func() { done <- s.serve() }()

	client := dialCtrl(t, s.cfg.CtrlPath)
	defer client.Close()

	// the pid file records this process
	data, err := os.ReadFile(s.cfg.PidFile)
	if err != nil {
		t.Fatalf("pid file: %v", err)
	}
	if want := fmt.Sprintf("%d\n", os.Getpid()); string(data) != want {
		t.Errorf("pid file content = %q, want %q", data, want)
	}

	// monitor block carries the identity and pid
	lines, err := client.Command("monitor")
	if err != nil {
		t.Fatalf("monitor: %v", err)
	}
	text := strings.Join(lines, "\n")
	if !strings.HasPrefix(lines[0], "Identity: loopd 0.1") {
		t.Errorf("monitor identity line = %q", lines[0])
	}
	if !strings.Contains(text, fmt.Sprintf("Pid: %d", os.Getpid())) {
		t.Errorf("monitor output missing pid:\n%s", text)
	}

	// stat delegates to the handler
	lines, err = client.Command("stat")
	if err != nil {
		t.Fatalf("stat: %v", err)
	}
	if len(lines) != 1 || lines[0] != "loops: running" {
		t.Errorf("stat reply = %q", lines)
	}

	// external rotation: rename the log aside, schedule a rotation and
	// expect exactly one LogRotated callback and a recreated file
	rotatedAside := filepath.Join(dir, "loopd.log.1")
	if err := os.Rename(logFile, rotatedAside); err != nil {
		t.Fatalf("rename log: %v", err)
	}
	if _, err := client.Command("logrotate"); err != nil {
		t.Fatalf("logrotate: %v", err)
	}

	deadline := time.Now().Add(5 * time.Second)
	for h.rotated.Load() == 0 {
		if time.Now().After(deadline) {
			t.Fatal("LogRotated never invoked")
		}
		time.Sleep(10 * time.Millisecond)
	}
	if got := h.rotated.Load(); got != 1 {
		t.Errorf("LogRotated invocations = %d, want 1", got)
	}
	if _, err := os.Stat(logFile); err != nil {
		t.Errorf("log file not recreated after rotation: %v", err)
	}

	// terminate brings the run loop down with a clean exit
	lines, err = client.Command("terminate")
	if err != nil {
		t.Fatalf("terminate: %v", err)
	}
	if len(lines) != 1 || lines[0] != "termination scheduled, bye" {
		t.Errorf("terminate reply = %q", lines)
	}

	select {
	case code := <-done:
		if code != 0 {
			t.Errorf("serve exit code = %d, want 0", code)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("service did not terminate")
	}

	if _, err := os.Stat(s.cfg.CtrlPath); !os.IsNotExist(err) {
		t.Errorf("control socket not removed on shutdown")
	}
}

func TestStopTerminatesService(t *testing.T) {
	dir := t.TempDir()
	h := &loopHandler{}
	s := newTestService(t, h)
	s.cfg.PidFile = filepath.Join(dir, "loopd.pid")

	done := make(chan int, 1)
	go func() { done <- s.serve() }()

	deadline := time.Now().Add(5 * time.Second)
	for !h.started.Load() {
		if time.Now().After(deadline) {
			t.Fatal("service never started")
		}
		time.Sleep(10 * time.Millisecond)
	}

	s.Stop()

	select {
	case code := <-done:
		if code != 0 {
			t.Errorf("serve exit code = %d, want 0", code)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("Stop did not terminate the service")
	}
}

func TestSignalHandlerCounters(t *testing.T) {
	h := &loopHandler{}
	s := newTestService(t, h)

	sh, err := newSignalHandler(s, discardLogger(), os.Getpid())
	if err != nil {
		t.Fatalf("newSignalHandler: %v", err)
	}
	defer sh.close()
	s.sh = sh

	if sh.process() {
		t.Fatal("fresh handler reports termination")
	}

	// each rotation request triggers exactly one action
	sh.region.BumpLogRotate()
	sh.process()
	if got := h.rotated.Load(); got != 1 {
		t.Fatalf("rotations after bump = %d, want 1", got)
	}
	sh.process()
	if got := h.rotated.Load(); got != 1 {
		t.Errorf("rotations after idle tick = %d, want 1", got)
	}

	sh.region.BumpLogRotate()
	sh.process()
	if got := h.rotated.Load(); got != 2 {
		t.Errorf("rotations after second bump = %d, want 2", got)
	}
}

func TestLocalVersusGlobalTerminate(t *testing.T) {
	h := &loopHandler{}
	s := newTestService(t, h)

	sh, err := newSignalHandler(s, discardLogger(), os.Getpid())
	if err != nil {
		t.Fatalf("newSignalHandler: %v", err)
	}
	defer sh.close()
	s.sh = sh

	// not a terminator: termination stays local
	sh.markTerminated()
	if !sh.process() {
		t.Error("local termination not observed")
	}
	if sh.region.Terminated() {
		t.Error("local termination escalated to global")
	}

	// terminator membership escalates to global
	sh2, err := newSignalHandler(s, discardLogger(), os.Getpid())
	if err != nil {
		t.Fatalf("newSignalHandler: %v", err)
	}
	defer sh2.close()

	sh2.globalTerminate(true, 0)
	sh2.markTerminated()
	if !sh2.region.Terminated() {
		t.Error("terminator termination did not go global")
	}
}

func TestSignalDelivery(t *testing.T) {
	h := &loopHandler{}
	s := newTestService(t, h)

	sh, err := newSignalHandler(s, discardLogger(), os.Getpid())
	if err != nil {
		t.Fatalf("newSignalHandler: %v", err)
	}
	defer sh.close()
	s.sh = sh

	sh.start()
	defer sh.stop()

	if err := syscall.Kill(os.Getpid(), syscall.SIGHUP); err != nil {
		t.Fatalf("kill: %v", err)
	}

	deadline := time.Now().Add(5 * time.Second)
	for h.rotated.Load() == 0 {
		if time.Now().After(deadline) {
			t.Fatal("SIGHUP never produced a rotation")
		}
		sh.process()
		time.Sleep(10 * time.Millisecond)
	}

	// SIGTERM terminates locally: this handler is not a terminator
	if err := syscall.Kill(os.Getpid(), syscall.SIGTERM); err != nil {
		t.Fatalf("kill: %v", err)
	}
	deadline = time.Now().Add(5 * time.Second)
	for !sh.process() {
		if time.Now().After(deadline) {
			t.Fatal("SIGTERM never observed")
		}
		time.Sleep(10 * time.Millisecond)
	}
	if sh.region.Terminated() {
		t.Error("SIGTERM to non-terminator set the global flag")
	}
}

// TestWorkerTermination spawns real worker processes sharing the
// region and checks that only terminator workers take the daemon down.
func TestWorkerTermination(t *testing.T) {
	for _, global := range []bool{false, true} {
		name := "local"
		if global {
			name = "global"
		}
		t.Run(name, func(t *testing.T) {
			region, err := shm.New(8)
			if err != nil {
				t.Fatalf("shm.New: %v", err)
			}
			defer region.Close()

			cmd := exec.Command(os.Args[0], "-test.run=TestHelperWorkerLoop")
			cmd.Env = append(os.Environ(),
				"GO_WANT_HELPER_PROCESS=1",
				fmt.Sprintf("%s=3", shmFdEnv),
				fmt.Sprintf("%s=%d", mainPidEnv, os.Getpid()))
			if global {
				cmd.Env = append(cmd.Env, "WORKER_GLOBAL=1")
			}
			cmd.ExtraFiles = []*os.File{region.File()}

			stdout, err := cmd.StdoutPipe()
			if err != nil {
				t.Fatalf("StdoutPipe: %v", err)
			}
			if err := cmd.Start(); err != nil {
				t.Fatalf("start worker: %v", err)
			}
			defer func() {
				cmd.Process.Kill()
				cmd.Wait()
			}()

			ready := bufio.NewReader(stdout)
			line, err := ready.ReadString('\n')
			if err != nil || !strings.HasPrefix(line, "ready") {
				t.Fatalf("worker handshake failed: %q, %v", line, err)
			}

			if err := cmd.Process.Signal(syscall.SIGTERM); err != nil {
				t.Fatalf("signal worker: %v", err)
			}

			waitDone := make(chan error, 1)
			go func() { waitDone <- cmd.Wait() }()
			select {
			case <-waitDone:
			case <-time.After(10 * time.Second):
				t.Fatal("worker did not exit on SIGTERM")
			}

			if region.Terminated() != global {
				t.Errorf("global terminated = %v, want %v",
					region.Terminated(), global)
			}
		})
	}
}

// TestHelperWorkerLoop is the worker-process side of
// TestWorkerTermination.
func TestHelperWorkerLoop(t *testing.T) {
	if os.Getenv("GO_WANT_HELPER_PROCESS") != "1" {
		t.Skip("helper process")
	}

	w, err := NewWorker(discardLogger())
	if err != nil {
		fmt.Println("error:", err)
		os.Exit(1)
	}
	if os.Getenv("WORKER_GLOBAL") == "1" {
		w.GlobalTerminate(true, 0)
	}
	fmt.Println("ready")

	for w.IsRunning() {
		time.Sleep(10 * time.Millisecond)
	}
	os.Exit(0)
}
