// Package shm implements the shared termination region: a small
// memfd-backed mapping that carries lifecycle flags and the terminator
// pid set across every process descended from a service's main process.
package shm

import (
	"fmt"
	"os"
	"runtime"
	"sync/atomic"
	"unsafe"

	"golang.org/x/sys/unix"
)

// FdEnv names the environment variable that carries the region file
// descriptor number into re-executed children.
const FdEnv = "LARCH_SHM_FD"

const magic = 0x4c524348 // "LRCH"

// Region header word offsets. The mapping is page-aligned, so every
// fixed offset below keeps its natural alignment.
const (
	offMagic      = 0
	offTerminated = 4
	offLogRotate  = 8
	offStat       = 16
	offLock       = 24
	offSlots      = 28
	offPids       = 32
)

// Region is a shared memory area mapped into the main process and all
// of its descendants. Structure is immutable after New; only the cells
// change, through atomic operations.
type Region struct {
	f    *os.File
	data []byte
}

// New creates a region with the given number of terminator slots.
// It must be created in the main process before any child is spawned.
func New(slots int) (*Region, error) {
	if slots <= 0 {
		return nil, fmt.Errorf("shm: invalid terminator slot count %d", slots)
	}

	size := pageRound(offPids + 4*slots)

	fd, err := unix.MemfdCreate("larch-shm", unix.MFD_CLOEXEC)
	if err != nil {
		return nil, fmt.Errorf("shm: memfd_create: %w", err)
	}
	f := os.NewFile(uintptr(fd), "larch-shm")

	if err := f.Truncate(int64(size)); err != nil {
		f.Close()
		return nil, fmt.Errorf("shm: truncate: %w", err)
	}

	data, err := unix.Mmap(int(f.Fd()), 0, size,
		unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("shm: mmap: %w", err)
	}

	r := &Region{f: f, data: data}
	atomic.StoreUint32(r.u32(offMagic), magic)
	atomic.StoreUint32(r.u32(offSlots), uint32(slots))
	return r, nil
}

// Attach maps an already-created region from an inherited descriptor.
func Attach(f *os.File) (*Region, error) {
	st, err := f.Stat()
	if err != nil {
		return nil, fmt.Errorf("shm: stat: %w", err)
	}

	data, err := unix.Mmap(int(f.Fd()), 0, int(st.Size()),
		unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		return nil, fmt.Errorf("shm: mmap: %w", err)
	}

	r := &Region{f: f, data: data}
	if atomic.LoadUint32(r.u32(offMagic)) != magic {
		unix.Munmap(data)
		return nil, fmt.Errorf("shm: inherited fd does not hold a region")
	}
	return r, nil
}

// File returns the backing memfd for passing to children via ExtraFiles.
func (r *Region) File() *os.File { return r.f }

// Close unmaps the region and closes the backing descriptor. Flags set
// by other processes remain visible to them; only this mapping goes.
func (r *Region) Close() error {
	if r.data != nil {
		if err := unix.Munmap(r.data); err != nil {
			return err
		}
		r.data = nil
	}
	return r.f.Close()
}

func (r *Region) u32(off int) *uint32 {
	return (*uint32)(unsafe.Pointer(&r.data[off]))
}

func (r *Region) u64(off int) *uint64 {
	return (*uint64)(unsafe.Pointer(&r.data[off]))
}

// Terminated reports the global termination flag.
func (r *Region) Terminated() bool {
	return atomic.LoadUint32(r.u32(offTerminated)) != 0
}

// SetTerminated flips the global termination flag.
func (r *Region) SetTerminated() {
	atomic.StoreUint32(r.u32(offTerminated), 1)
}

// LogRotateEvent returns the log rotation request counter.
func (r *Region) LogRotateEvent() uint64 {
	return atomic.LoadUint64(r.u64(offLogRotate))
}

// BumpLogRotate requests a log rotation. The counter is monotonic;
// observers compare against their last-seen value.
func (r *Region) BumpLogRotate() uint64 {
	return atomic.AddUint64(r.u64(offLogRotate), 1)
}

// StatEvent returns the statistics request counter.
func (r *Region) StatEvent() uint64 {
	return atomic.LoadUint64(r.u64(offStat))
}

// BumpStat requests a statistics snapshot.
func (r *Region) BumpStat() uint64 {
	return atomic.AddUint64(r.u64(offStat), 1)
}

// Slots returns the terminator set capacity.
func (r *Region) Slots() int {
	return int(atomic.LoadUint32(r.u32(offSlots)))
}

// lock is a cross-process spinlock guarding the terminator set. The
// critical sections are a handful of word reads, so spinning with
// Gosched backoff stands in for an interprocess mutex.
func (r *Region) lock() {
	w := r.u32(offLock)
	for !atomic.CompareAndSwapUint32(w, 0, 1) {
		runtime.Gosched()
	}
}

func (r *Region) unlock() {
	atomic.StoreUint32(r.u32(offLock), 0)
}

func (r *Region) pid(i int) *int32 {
	return (*int32)(unsafe.Pointer(&r.data[offPids+4*i]))
}

// AddTerminator inserts pid into the terminator set. Zero means the
// calling process. Idempotent when already present; reports false when
// the set is full.
func (r *Region) AddTerminator(pid int) bool {
	if pid == 0 {
		pid = os.Getpid()
	}
	r.lock()
	defer r.unlock()

	n := r.Slots()
	for i := 0; i < n; i++ {
		if *r.pid(i) == int32(pid) {
			return true
		}
	}
	for i := 0; i < n; i++ {
		if *r.pid(i) == 0 {
			*r.pid(i) = int32(pid)
			return true
		}
	}
	return false
}

// RemoveTerminator clears pid's slot, if any. Zero means self.
func (r *Region) RemoveTerminator(pid int) {
	if pid == 0 {
		pid = os.Getpid()
	}
	r.lock()
	defer r.unlock()

	n := r.Slots()
	for i := 0; i < n; i++ {
		if *r.pid(i) == int32(pid) {
			*r.pid(i) = 0
			return
		}
	}
}

// IsTerminator reports whether pid is in the terminator set. Zero
// means self.
func (r *Region) IsTerminator(pid int) bool {
	if pid == 0 {
		pid = os.Getpid()
	}
	r.lock()
	defer r.unlock()

	n := r.Slots()
	for i := 0; i < n; i++ {
		if *r.pid(i) == int32(pid) {
			return true
		}
	}
	return false
}

func pageRound(n int) int {
	page := os.Getpagesize()
	return (n + page - 1) &^ (page - 1)
}
