package logging

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestSinkWritesFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "svc.log")
	sink := NewSink()
	sink.EnableConsole(false)

	if err := sink.Open(path, ModeAppend); err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer sink.Close()

	if _, err := sink.Write([]byte("first line\n")); err != nil {
		t.Fatalf("Write: %v", err)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("ReadFile: %v", err)
	}
	if string(data) != "first line\n" {
		t.Errorf("log content = %q", data)
	}
}

func TestSinkReopenAfterRename(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "svc.log")
	sink := NewSink()
	sink.EnableConsole(false)

	if err := sink.Open(path, ModeAppend); err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer sink.Close()

	sink.Write([]byte("before rotation\n"))

	// external log rotation renames the file aside
	rotated := filepath.Join(dir, "svc.log.1")
	if err := os.Rename(path, rotated); err != nil {
		t.Fatalf("Rename: %v", err)
	}

	// writes still land in the renamed file until reopen
	sink.Write([]byte("during rotation\n"))

	if err := sink.Reopen(); err != nil {
		t.Fatalf("Reopen: %v", err)
	}
	sink.Write([]byte("after rotation\n"))

	fresh, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("fresh log missing after Reopen: %v", err)
	}
	if string(fresh) != "after rotation\n" {
		t.Errorf("fresh log content = %q", fresh)
	}

	old, _ := os.ReadFile(rotated)
	if !strings.Contains(string(old), "during rotation") {
		t.Errorf("rotated log content = %q", old)
	}
}

func TestSinkOpenModes(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "svc.log")

	if err := os.WriteFile(path, []byte("old content\n"), 0644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}

	// truncate discards existing content
	sink := NewSink()
	sink.EnableConsole(false)
	if err := sink.Open(path, ModeTruncate); err != nil {
		t.Fatalf("Open truncate: %v", err)
	}
	sink.Write([]byte("new\n"))
	sink.Close()

	data, _ := os.ReadFile(path)
	if string(data) != "new\n" {
		t.Errorf("truncated log content = %q", data)
	}

	// archive moves the existing file aside
	sink2 := NewSink()
	sink2.EnableConsole(false)
	if err := sink2.Open(path, ModeArchive); err != nil {
		t.Fatalf("Open archive: %v", err)
	}
	sink2.Close()

	entries, err := os.ReadDir(dir)
	if err != nil {
		t.Fatalf("ReadDir: %v", err)
	}
	archived := 0
	for _, e := range entries {
		if strings.HasPrefix(e.Name(), "svc.log.") {
			archived++
		}
	}
	if archived != 1 {
		t.Errorf("archived copies = %d, want 1", archived)
	}
}

func TestSinkHistory(t *testing.T) {
	sink := NewSink()
	sink.EnableConsole(false)

	sink.Write([]byte("abc"))
	sink.Write([]byte("def"))

	if got := string(sink.History(4)); got != "cdef" {
		t.Errorf("History(4) = %q, want \"cdef\"", got)
	}
	if got := string(sink.History(100)); got != "abcdef" {
		t.Errorf("History(100) = %q, want \"abcdef\"", got)
	}
}

func TestStripANSI(t *testing.T) {
	in := []byte("plain \x1b[32mgreen\x1b[0m end")
	if got := string(stripANSI(in)); got != "plain green end" {
		t.Errorf("stripANSI = %q", got)
	}
}
