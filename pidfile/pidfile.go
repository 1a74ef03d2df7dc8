// Package pidfile manages advisory-locked pid files that enforce the
// single-instance property of a daemon and let companion tools signal
// the running process.
package pidfile

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"syscall"
	"time"

	"golang.org/x/sys/unix"
)

// AlreadyRunningError reports that another live process holds the pid
// file's write lock.
type AlreadyRunningError struct {
	Path string
	Pid  int
}

func (e *AlreadyRunningError) Error() string {
	return fmt.Sprintf("another instance is running with pid %d (pid file %s)", e.Pid, e.Path)
}

// held keeps allocated pid files referenced for the process lifetime so
// the runtime never finalizes them; the advisory lock must outlive any
// garbage collection.
var (
	heldMu sync.Mutex
	held   []*os.File
)

func lockFile(f *os.File, typ int16) error {
	return unix.FcntlFlock(f.Fd(), unix.F_SETLK, &unix.Flock_t{
		Type:   typ,
		Whence: 0,
	})
}

// Allocate creates path, locks it and records the current pid in it.
// A pre-existing file is probed: if its lock can be taken, its content
// is our own pid, or its content cannot be parsed, the file is stale
// and gets replaced; otherwise AlreadyRunningError carries the pid of
// the live holder. The locked descriptor is intentionally kept open
// forever so the lock persists until process exit.
func Allocate(path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("cannot create pid file directory: %w", err)
	}

	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE|os.O_EXCL, 0644)
	if err != nil {
		if !os.IsExist(err) {
			return fmt.Errorf("cannot create pid file %s: %w", path, err)
		}

		f, err = os.OpenFile(path, os.O_RDWR, 0)
		if err != nil {
			return fmt.Errorf("cannot open pid file %s: %w", path, err)
		}

		pid, perr := readPid(f)
		stale := perr != nil || pid == os.Getpid() || lockFile(f, unix.F_WRLCK) == nil
		if !stale {
			f.Close()
			return &AlreadyRunningError{Path: path, Pid: pid}
		}
		f.Close()

		if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
			return fmt.Errorf("cannot unlink stale pid file %s: %w", path, err)
		}

		f, err = os.OpenFile(path, os.O_RDWR|os.O_CREATE|os.O_EXCL, 0644)
		if err != nil {
			return fmt.Errorf("cannot re-create pid file %s: %w", path, err)
		}
	}

	if err := lockFile(f, unix.F_WRLCK); err != nil {
		f.Close()
		return fmt.Errorf("cannot lock pid file %s: %w", path, err)
	}

	if _, err := fmt.Fprintf(f, "%d\n", os.Getpid()); err != nil {
		f.Close()
		return fmt.Errorf("cannot write pid file %s: %w", path, err)
	}
	if err := f.Sync(); err != nil {
		f.Close()
		return fmt.Errorf("cannot flush pid file %s: %w", path, err)
	}

	// close the descriptor on exec so spawned programs never inherit it
	if _, err := unix.FcntlInt(f.Fd(), unix.F_SETFD, unix.FD_CLOEXEC); err != nil {
		f.Close()
		return fmt.Errorf("cannot set close-on-exec on pid file %s: %w", path, err)
	}

	heldMu.Lock()
	held = append(held, f)
	heldMu.Unlock()
	return nil
}

// Signal delivers sig to the process recorded in path. Returns the pid
// on success; 0 when no live instance exists (missing file, obtainable
// lock, or a pid that no longer exists). With reportMissingPid a
// missing file returns -1 instead of 0. Signal 0 probes liveness.
func Signal(path string, sig syscall.Signal, reportMissingPid bool) (int, error) {
	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			if reportMissingPid {
				return -1, nil
			}
			return 0, nil
		}
		return 0, fmt.Errorf("cannot open pid file %s: %w", path, err)
	}
	defer f.Close()

	// A read lock succeeds exactly when no writer holds the file, so
	// the recorded process is gone.
	if lockFile(f, unix.F_RDLCK) == nil {
		return 0, nil
	}

	pid, err := readPid(f)
	if err != nil {
		return 0, fmt.Errorf("cannot parse pid file %s: %w", path, err)
	}

	if err := syscall.Kill(pid, sig); err != nil {
		if err == syscall.ESRCH {
			return 0, nil
		}
		return 0, fmt.Errorf("cannot deliver signal to pid %d: %w", pid, err)
	}
	return pid, nil
}

// Scoped is an allocated pid file that is unlinked on Release.
type Scoped struct {
	path string
	once sync.Once
}

// NewScoped retries Allocate for up to wait, polling every checkPeriod,
// and returns a handle whose Release unlinks the file. A zero wait
// makes a single attempt.
func NewScoped(path string, wait, checkPeriod time.Duration) (*Scoped, error) {
	if checkPeriod <= 0 {
		checkPeriod = 100 * time.Millisecond
	}
	deadline := time.Now().Add(wait)
	for {
		err := Allocate(path)
		if err == nil {
			return &Scoped{path: path}, nil
		}
		if time.Now().After(deadline) {
			return nil, err
		}
		time.Sleep(checkPeriod)
	}
}

// Release unlinks the pid file. Safe to call more than once.
func (s *Scoped) Release() {
	s.once.Do(func() { os.Remove(s.path) })
}

func readPid(f *os.File) (int, error) {
	if _, err := f.Seek(0, io.SeekStart); err != nil {
		return 0, err
	}
	buf := make([]byte, 64)
	n, err := f.Read(buf)
	if n == 0 && err != nil {
		return 0, err
	}
	s := strings.TrimSpace(string(buf[:n]))
	pid, err := strconv.Atoi(s)
	if err != nil || pid <= 0 {
		return 0, fmt.Errorf("malformed pid %q", s)
	}
	return pid, nil
}
