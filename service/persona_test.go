package service

import (
	"os"
	"testing"

	"github.com/larchteam/larch/internal/logging"
)

func TestLoadEffective(t *testing.T) {
	id := loadEffective()
	if id.UID != os.Geteuid() {
		t.Errorf("UID = %d, want %d", id.UID, os.Geteuid())
	}
	if id.GID != os.Getegid() {
		t.Errorf("GID = %d, want %d", id.GID, os.Getegid())
	}
}

func TestSwitchPersonaNoop(t *testing.T) {
	sink := logging.NewSink()
	sink.EnableConsole(false)

	persona, err := switchPersona(discardLogger(), &Config{}, SetRealID, sink)
	if err != nil {
		t.Fatalf("switchPersona: %v", err)
	}
	if persona.Start.UID != persona.Running.UID || persona.Start.GID != persona.Running.GID {
		t.Errorf("no-op switch changed identity: %+v", persona)
	}
	if persona.Running.UID != os.Geteuid() {
		t.Errorf("running uid = %d, want %d", persona.Running.UID, os.Geteuid())
	}
}

func TestSwitchPersonaUnknownUser(t *testing.T) {
	sink := logging.NewSink()
	sink.EnableConsole(false)

	cfg := &Config{User: "no-such-user-larch-test"}
	if _, err := switchPersona(discardLogger(), cfg, SetRealID, sink); err == nil {
		t.Error("unknown user accepted")
	}

	cfg = &Config{Group: "no-such-group-larch-test"}
	if _, err := switchPersona(discardLogger(), cfg, SetRealID, sink); err == nil {
		t.Error("unknown group accepted")
	}
}

func TestLoginShell(t *testing.T) {
	if _, err := os.Stat("/etc/passwd"); err != nil {
		t.Skip("no /etc/passwd")
	}
	// root always exists; its shell field must parse
	if shell := loginShell(0); shell == "" {
		t.Error("no shell found for uid 0")
	}
}
