package shm

import (
	"os"
	"testing"
)

func TestRegionFlags(t *testing.T) {
	r, err := New(8)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer r.Close()

	if r.Terminated() {
		t.Error("fresh region reports terminated")
	}
	r.SetTerminated()
	if !r.Terminated() {
		t.Error("terminated flag not set")
	}
}

func TestRegionCounters(t *testing.T) {
	r, err := New(8)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer r.Close()

	if got := r.LogRotateEvent(); got != 0 {
		t.Fatalf("fresh logrotate counter = %d, want 0", got)
	}
	if got := r.BumpLogRotate(); got != 1 {
		t.Fatalf("BumpLogRotate = %d, want 1", got)
	}
	if got := r.BumpLogRotate(); got != 2 {
		t.Fatalf("BumpLogRotate = %d, want 2", got)
	}
	if got := r.LogRotateEvent(); got != 2 {
		t.Fatalf("logrotate counter = %d, want 2", got)
	}

	if got := r.BumpStat(); got != 1 {
		t.Fatalf("BumpStat = %d, want 1", got)
	}
	if got := r.StatEvent(); got != 1 {
		t.Fatalf("stat counter = %d, want 1", got)
	}
}

func TestTerminatorSet(t *testing.T) {
	r, err := New(4)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer r.Close()

	if r.IsTerminator(0) {
		t.Error("self in fresh terminator set")
	}

	if !r.AddTerminator(0) {
		t.Fatal("AddTerminator(self) failed")
	}
	if !r.IsTerminator(0) {
		t.Error("self missing after add")
	}
	if !r.IsTerminator(os.Getpid()) {
		t.Error("explicit pid lookup failed")
	}

	// idempotent
	if !r.AddTerminator(0) {
		t.Error("second AddTerminator(self) failed")
	}

	r.RemoveTerminator(0)
	if r.IsTerminator(0) {
		t.Error("self still present after remove")
	}
}

func TestTerminatorSetFull(t *testing.T) {
	r, err := New(2)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer r.Close()

	if !r.AddTerminator(100) || !r.AddTerminator(200) {
		t.Fatal("cannot fill terminator set")
	}
	if r.AddTerminator(300) {
		t.Error("add into full set succeeded")
	}
	// existing members still succeed
	if !r.AddTerminator(200) {
		t.Error("re-add of member in full set failed")
	}

	r.RemoveTerminator(100)
	if !r.AddTerminator(300) {
		t.Error("add after remove failed")
	}
}

func TestAttachSharesState(t *testing.T) {
	r, err := New(8)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer r.Close()

	attached, err := Attach(r.File())
	if err != nil {
		t.Fatalf("Attach: %v", err)
	}

	r.SetTerminated()
	r.BumpLogRotate()

	if !attached.Terminated() {
		t.Error("terminated flag not visible through second mapping")
	}
	if got := attached.LogRotateEvent(); got != 1 {
		t.Errorf("logrotate counter through second mapping = %d, want 1", got)
	}

	attached.AddTerminator(42)
	if !r.IsTerminator(42) {
		t.Error("terminator added through second mapping not visible")
	}
}

func TestAttachRejectsForeignFile(t *testing.T) {
	f, err := os.CreateTemp(t.TempDir(), "not-a-region")
	if err != nil {
		t.Fatalf("CreateTemp: %v", err)
	}
	defer f.Close()
	if err := f.Truncate(int64(os.Getpagesize())); err != nil {
		t.Fatalf("Truncate: %v", err)
	}

	if _, err := Attach(f); err == nil {
		t.Error("Attach accepted a file without region magic")
	}
}

func TestInvalidSlotCount(t *testing.T) {
	if _, err := New(0); err == nil {
		t.Error("New(0) succeeded")
	}
}
