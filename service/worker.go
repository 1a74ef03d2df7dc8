package service

import (
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strconv"
	"sync"
	"syscall"

	"github.com/larchteam/larch/internal/shm"
)

// Worker is the scaffold side of a process spawned through
// Service.WorkerCommand: it attaches the inherited shared termination
// region and exposes the same IsRunning discipline as the service
// itself. Workers are not terminators unless they opt in, so a SIGTERM
// delivered to a worker terminates only that worker.
type Worker struct {
	logger *slog.Logger

	region  *shm.Region
	mainPid int

	ch chan os.Signal

	// OnLogRotate, when set, runs once per observed rotation request.
	OnLogRotate func()

	mu             sync.Mutex
	thisTerminated bool
	lastLogRotate  uint64
}

// NewWorker attaches to the region inherited from the spawning
// service.
func NewWorker(logger *slog.Logger) (*Worker, error) {
	fdStr := os.Getenv(shmFdEnv)
	if fdStr == "" {
		return nil, fmt.Errorf("not spawned by a service: %s unset", shmFdEnv)
	}
	fd, err := strconv.Atoi(fdStr)
	if err != nil || fd < 3 {
		return nil, fmt.Errorf("malformed %s value %q", shmFdEnv, fdStr)
	}

	region, err := shm.Attach(os.NewFile(uintptr(fd), "larch-shm"))
	if err != nil {
		return nil, err
	}

	mainPid, _ := strconv.Atoi(os.Getenv(mainPidEnv))

	w := &Worker{
		logger:        logger,
		region:        region,
		mainPid:       mainPid,
		ch:            make(chan os.Signal, 16),
		lastLogRotate: region.LogRotateEvent(),
	}
	signal.Notify(w.ch, syscall.SIGTERM, syscall.SIGINT, syscall.SIGHUP)
	return w, nil
}

// IsRunning drains pending events and reports whether the worker
// should keep running. Both local and global termination stop it.
func (w *Worker) IsRunning() bool {
	w.mu.Lock()
	defer w.mu.Unlock()

drain:
	for {
		select {
		case sig := <-w.ch:
			w.dispatch(sig)
		default:
			break drain
		}
	}

	if value := w.region.LogRotateEvent(); value != w.lastLogRotate {
		if w.OnLogRotate != nil {
			w.OnLogRotate()
		}
		w.lastLogRotate = value
	}

	return !(w.region.Terminated() || w.thisTerminated)
}

func (w *Worker) dispatch(sig os.Signal) {
	switch sig {
	case syscall.SIGTERM, syscall.SIGINT:
		w.thisTerminated = true
		if w.region.IsTerminator(0) {
			w.logger.Info("global terminate")
			w.region.SetTerminated()
		} else {
			w.logger.Info("local terminate")
		}

	case syscall.SIGHUP:
		w.region.BumpLogRotate()
	}
}

// Stop schedules global termination.
func (w *Worker) Stop() {
	w.region.SetTerminated()
}

// GlobalTerminate adds or removes pid from the terminator set. Zero
// means the calling process.
func (w *Worker) GlobalTerminate(value bool, pid int) {
	if value {
		w.region.AddTerminator(pid)
	} else {
		w.region.RemoveTerminator(pid)
	}
}

// Close detaches from the shared region.
func (w *Worker) Close() {
	signal.Stop(w.ch)
	w.region.Close()
}
