package logging

import (
	"fmt"
	"os"
	"sync"
	"time"

	"golang.org/x/sys/unix"
)

// OpenMode says what to do with a pre-existing log file on startup.
type OpenMode int

const (
	// ModeAppend keeps existing content.
	ModeAppend OpenMode = iota
	// ModeArchive renames the existing file aside before opening.
	ModeArchive
	// ModeTruncate discards existing content.
	ModeTruncate
)

// historySize bounds the in-memory tail returned by History.
const historySize = 16 * 1024

// Sink is the log byte sink: an optional reopenable file, an optional
// console, and a bounded in-memory tail. Reopen closes and re-creates
// the file under the same path, which is how external log rotation
// (rename + SIGHUP) gets a fresh file.
type Sink struct {
	mu        sync.Mutex
	path      string
	file      *os.File
	console   *os.File
	consoleOn bool

	hist     []byte
	histPos  int
	histFull bool

	syslog *SyslogForwarder
}

// NewSink creates a sink writing to the console only.
func NewSink() *Sink {
	return &Sink{
		console:   os.Stderr,
		consoleOn: true,
		hist:      make([]byte, historySize),
	}
}

// Open points the sink at path. mode handles a pre-existing file.
func (s *Sink) Open(path string, mode OpenMode) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if mode == ModeArchive {
		if _, err := os.Stat(path); err == nil {
			archived := fmt.Sprintf("%s.%s", path, time.Now().Format("20060102-150405"))
			if err := os.Rename(path, archived); err != nil {
				return fmt.Errorf("cannot archive log file %s: %w", path, err)
			}
		}
	}

	flags := os.O_WRONLY | os.O_CREATE | os.O_APPEND
	if mode == ModeTruncate {
		flags = os.O_WRONLY | os.O_CREATE | os.O_TRUNC
	}

	f, err := os.OpenFile(path, flags, 0644)
	if err != nil {
		return fmt.Errorf("cannot open log file %s: %w", path, err)
	}

	if s.file != nil {
		s.file.Close()
	}
	s.path = path
	s.file = f
	return nil
}

// Path returns the current log file path, empty when console-only.
func (s *Sink) Path() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.path
}

// Reopen closes and re-creates the log file under the same path.
func (s *Sink) Reopen() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.path == "" {
		return nil
	}
	f, err := os.OpenFile(s.path, os.O_WRONLY|os.O_CREATE|os.O_APPEND, 0644)
	if err != nil {
		return fmt.Errorf("cannot reopen log file %s: %w", s.path, err)
	}
	if s.file != nil {
		s.file.Close()
	}
	s.file = f
	return nil
}

// Chown hands the log file to the service's running persona so the
// process can still reopen it after the switch.
func (s *Sink) Chown(uid, gid int) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.file == nil {
		return nil
	}
	if err := s.file.Chown(uid, gid); err != nil {
		return fmt.Errorf("cannot chown log file %s: %w", s.path, err)
	}
	return nil
}

// EnableConsole toggles the console copy of every record.
func (s *Sink) EnableConsole(on bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.consoleOn = on
}

// EnableSyslog forwards every record to syslog under tag.
func (s *Sink) EnableSyslog(tag string) error {
	fwd, err := NewSyslogForwarder(tag)
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.syslog = fwd
	return nil
}

func (s *Sink) Write(p []byte) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.remember(p)
	if s.consoleOn && s.console != nil {
		s.console.Write(p)
	}
	if s.syslog != nil {
		s.syslog.Write(p)
	}
	if s.file != nil {
		return s.file.Write(p)
	}
	return len(p), nil
}

func (s *Sink) remember(p []byte) {
	for _, b := range p {
		s.hist[s.histPos] = b
		s.histPos = (s.histPos + 1) % len(s.hist)
		if s.histPos == 0 {
			s.histFull = true
		}
	}
}

// History returns the most recent n bytes written through the sink.
func (s *Sink) History(n int) []byte {
	s.mu.Lock()
	defer s.mu.Unlock()

	avail := s.histPos
	if s.histFull {
		avail = len(s.hist)
	}
	if n > avail {
		n = avail
	}
	if n <= 0 {
		return nil
	}

	out := make([]byte, n)
	start := s.histPos - n
	if start < 0 {
		start += len(s.hist)
	}
	for i := 0; i < n; i++ {
		out[i] = s.hist[(start+i)%len(s.hist)]
	}
	return out
}

// TieStd redirects the process stdout and stderr file descriptors into
// the sink. Anything user code prints lands in the log, with ANSI
// escapes stripped. Used when finishing daemonization.
func (s *Sink) TieStd() error {
	r, w, err := os.Pipe()
	if err != nil {
		return fmt.Errorf("cannot create log tie pipe: %w", err)
	}

	if err := unix.Dup3(int(w.Fd()), 1, 0); err != nil {
		r.Close()
		w.Close()
		return fmt.Errorf("cannot tie stdout to log: %w", err)
	}
	if err := unix.Dup3(int(w.Fd()), 2, 0); err != nil {
		r.Close()
		w.Close()
		return fmt.Errorf("cannot tie stderr to log: %w", err)
	}
	w.Close()

	go func() {
		buf := make([]byte, 4096)
		for {
			n, err := r.Read(buf)
			if n > 0 {
				s.Write(stripANSI(buf[:n]))
			}
			if err != nil {
				return
			}
		}
	}()
	return nil
}

// Close closes the file end of the sink. Console and history stay
// usable.
func (s *Sink) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.syslog != nil {
		s.syslog.Close()
		s.syslog = nil
	}
	if s.file == nil {
		return nil
	}
	err := s.file.Close()
	s.file = nil
	return err
}

// stripANSI removes ESC [ ... sequences from tied stdio output.
func stripANSI(data []byte) []byte {
	out := make([]byte, 0, len(data))
	i := 0
	for i < len(data) {
		if data[i] == 0x1b && i+1 < len(data) && data[i+1] == '[' {
			i += 2
			for i < len(data) {
				b := data[i]
				i++
				if b >= 0x40 && b <= 0x7e {
					break
				}
			}
			continue
		}
		out = append(out, data[i])
		i++
	}
	return out
}
