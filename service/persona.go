package service

import (
	"fmt"
	"log/slog"
	"os"
	"os/user"
	"strconv"
	"strings"

	"golang.org/x/sys/unix"

	"github.com/larchteam/larch/internal/logging"
)

// SwitchMode selects which setuid/setgid variant the persona switch
// uses; it decides whether the original identity stays regainable.
type SwitchMode int

const (
	// SetRealID drops all identities permanently (setuid/setgid).
	SetRealID SwitchMode = iota

	// SetEffectiveID switches only the effective identity; the
	// original stays regainable.
	SetEffectiveID

	// SetEffectiveAndSavedID switches effective and saved identities.
	SetEffectiveAndSavedID
)

// Identity is one uid/gid pair with supplementary groups.
type Identity struct {
	UID    int
	GID    int
	Groups []int
}

// loadEffective captures the current effective identity.
func loadEffective() Identity {
	groups, _ := unix.Getgroups()
	return Identity{UID: os.Geteuid(), GID: os.Getegid(), Groups: groups}
}

// Persona records the identity the process started under and the one
// it runs under after the switch.
type Persona struct {
	Start   Identity
	Running Identity
}

// switchPersona resolves the configured user/group names and applies
// them: group first (with supplementary groups), then user. The log
// file is handed to the target identity beforehand so rotation still
// works after privileges are gone.
func switchPersona(logger *slog.Logger, cfg *Config, mode SwitchMode, sink *logging.Sink) (*Persona, error) {
	persona := &Persona{Start: loadEffective()}
	persona.Running = persona.Start

	if cfg.User == "" && cfg.Group == "" {
		return persona, nil
	}
	logger.Info("switching persona", "user", cfg.User, "group", cfg.Group)

	var username string
	switchUID, switchGID := false, false

	if cfg.User != "" {
		u, err := user.Lookup(cfg.User)
		if err != nil {
			return nil, fmt.Errorf("there is no user <%s> present on the system", cfg.User)
		}
		username = u.Username
		persona.Running.UID, _ = strconv.Atoi(u.Uid)
		persona.Running.GID, _ = strconv.Atoi(u.Gid)
		switchUID, switchGID = true, true
	}

	if cfg.Group != "" {
		g, err := user.LookupGroup(cfg.Group)
		if err != nil {
			return nil, fmt.Errorf("there is no group <%s> present on the system", cfg.Group)
		}
		persona.Running.GID, _ = strconv.Atoi(g.Gid)
		switchGID = true
	}

	if err := sink.Chown(persona.Running.UID, persona.Running.GID); err != nil {
		logger.Warn("cannot hand log file to target persona", "error", err)
	}

	if switchGID {
		logger.Info("switching gid", "gid", persona.Running.GID)
		if err := setGID(persona.Running.GID, mode); err != nil {
			return nil, fmt.Errorf("cannot switch to gid %d: %w", persona.Running.GID, err)
		}
	}

	if switchUID {
		groups, err := initGroups(username, persona.Running.GID)
		if err != nil {
			return nil, fmt.Errorf("cannot initialize supplementary groups for user %s: %w",
				username, err)
		}
		persona.Running.Groups = groups

		logger.Info("switching uid", "uid", persona.Running.UID)
		if err := setUID(persona.Running.UID, mode); err != nil {
			return nil, fmt.Errorf("cannot switch to uid %d: %w", persona.Running.UID, err)
		}
	}

	return persona, nil
}

func setGID(gid int, mode SwitchMode) error {
	switch mode {
	case SetEffectiveID:
		return unix.Setresgid(-1, gid, -1)
	case SetEffectiveAndSavedID:
		return unix.Setresgid(-1, gid, gid)
	default:
		return unix.Setgid(gid)
	}
}

func setUID(uid int, mode SwitchMode) error {
	switch mode {
	case SetEffectiveID:
		return unix.Setresuid(-1, uid, -1)
	case SetEffectiveAndSavedID:
		return unix.Setresuid(-1, uid, uid)
	default:
		return unix.Setuid(uid)
	}
}

// initGroups installs the supplementary groups of username, always
// including gid, and returns the installed list.
func initGroups(username string, gid int) ([]int, error) {
	u, err := user.Lookup(username)
	if err != nil {
		return nil, err
	}

	ids, err := u.GroupIds()
	if err != nil {
		return nil, err
	}

	groups := []int{gid}
	for _, id := range ids {
		g, err := strconv.Atoi(id)
		if err != nil || g == gid {
			continue
		}
		groups = append(groups, g)
	}

	if err := unix.Setgroups(groups); err != nil {
		return nil, err
	}
	return groups, nil
}

// applyLoginEnv derives the login environment of the running persona
// from the passwd database.
func applyLoginEnv(persona *Persona) error {
	u, err := user.LookupId(strconv.Itoa(persona.Running.UID))
	if err != nil {
		return fmt.Errorf("unable to find passwd entry for uid %d", persona.Running.UID)
	}

	os.Setenv("USER", u.Username)
	os.Setenv("LOGNAME", u.Username)
	os.Setenv("HOME", u.HomeDir)
	if shell := loginShell(persona.Running.UID); shell != "" {
		os.Setenv("SHELL", shell)
	}
	return nil
}

// loginShell digs the shell out of /etc/passwd; os/user does not carry
// it.
func loginShell(uid int) string {
	data, err := os.ReadFile("/etc/passwd")
	if err != nil {
		return ""
	}
	want := strconv.Itoa(uid)
	for _, line := range strings.Split(string(data), "\n") {
		fields := strings.Split(line, ":")
		if len(fields) >= 7 && fields[2] == want {
			return fields[6]
		}
	}
	return ""
}
