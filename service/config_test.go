package service

import (
	"os"
	"path/filepath"
	"testing"
)

func writeFile(t *testing.T, path, content string) {
	t.Helper()
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatalf("WriteFile %s: %v", path, err)
	}
}

func TestValidateAbsolutizesPaths(t *testing.T) {
	cfg := &Config{PidFile: "rel/svc.pid", CtrlPath: "rel/svc.ctrl"}
	if err := cfg.validate(); err != nil {
		t.Fatalf("validate: %v", err)
	}
	if !filepath.IsAbs(cfg.PidFile) {
		t.Errorf("pid file not absolutized: %q", cfg.PidFile)
	}
	if !filepath.IsAbs(cfg.CtrlPath) {
		t.Errorf("ctrl path not absolutized: %q", cfg.CtrlPath)
	}
}

func TestValidateCtrlRequiresPidFile(t *testing.T) {
	cfg := &Config{CtrlPath: "/tmp/svc.ctrl"}
	if err := cfg.validate(); err == nil {
		t.Error("ctrl path without pid file accepted")
	}
}

func TestValidateCtrlMode(t *testing.T) {
	cfg := &Config{PidFile: "/tmp/svc.pid", CtrlPath: "/tmp/svc.ctrl", CtrlMode: "0660"}
	if err := cfg.validate(); err != nil {
		t.Errorf("octal mode rejected: %v", err)
	}
	if got := cfg.ctrlSocketConfig().Mode; got != 0660 {
		t.Errorf("socket mode = %o, want 0660", got)
	}

	cfg = &Config{PidFile: "/tmp/svc.pid", CtrlPath: "/tmp/svc.ctrl", CtrlMode: "99"}
	if err := cfg.validate(); err == nil {
		t.Error("non-octal mode accepted")
	}
}

func TestValidateRemoteEndpoint(t *testing.T) {
	cfg := &Config{CtrlListen: "127.0.0.1:2020"}
	if err := cfg.validate(); err == nil {
		t.Error("remote endpoint without secret accepted")
	}

	cfg = &Config{CtrlListen: "127.0.0.1:2020", CtrlSecret: "s", CtrlDigest: "sha1"}
	if err := cfg.validate(); err == nil {
		t.Error("unknown digest accepted")
	}

	cfg = &Config{CtrlListen: "127.0.0.1:2020", CtrlSecret: "s", CtrlDigest: "blake2b"}
	if err := cfg.validate(); err != nil {
		t.Errorf("blake2b digest rejected: %v", err)
	}
}
