package service

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"

	"github.com/spf13/pflag"

	"github.com/larchteam/larch/ctrl"
)

// Config is the validated service configuration record the lifecycle
// engine runs from. Built during configure; immutable afterwards.
type Config struct {
	// persona switch targets
	User     string
	Group    string
	LoginEnv bool

	// single-instance and control channel
	PidFile   string
	CtrlPath  string
	CtrlUser  string
	CtrlGroup string
	CtrlMode  string

	// optional remote control endpoint
	CtrlListen    string
	CtrlComponent string
	CtrlSecret    string
	CtrlDigest    string

	// optional prometheus endpoint
	MetricsListen string

	// daemonization
	Daemonize        bool
	DaemonizeNochdir bool
	DaemonizeNoclose bool

	// management action (--signal)
	SignalVerb string
}

func (c *Config) registerFlags(fs *pflag.FlagSet) {
	fs.BoolVarP(&c.Daemonize, "daemonize", "d", false,
		"Run in daemon mode (otherwise run in foreground).")
	fs.BoolVar(&c.DaemonizeNochdir, "daemonize-nochdir", false,
		"Do not leave current directory after forking to background.")
	fs.BoolVar(&c.DaemonizeNoclose, "daemonize-noclose", false,
		"Do not close STDIN/OUT/ERR after forking to background.")
	fs.StringVar(&c.PidFile, "pidfile", "", "Path to pid file.")
	fs.StringVarP(&c.SignalVerb, "signal", "s", "",
		"Signal to be sent to running instance: stop, logrotate, stat, status. "+
			"Signal 'stop' can be followed by /timeout specifying number of "+
			"seconds to wait for running process to terminate.")
	fs.StringVar(&c.CtrlPath, "ctrl", "",
		"Path to UNIX control socket (requires --pidfile).")
	fs.StringVar(&c.CtrlUser, "ctrl.user", "", "Owner of the control socket.")
	fs.StringVar(&c.CtrlGroup, "ctrl.group", "", "Group of the control socket.")
	fs.StringVar(&c.CtrlMode, "ctrl.mode", "",
		"Permissions of the control socket (octal).")
	fs.StringVar(&c.CtrlListen, "ctrl.listen", "",
		"TCP control endpoint (host:port); guarded by challenge/response authentication.")
	fs.StringVar(&c.CtrlComponent, "ctrl.component", "",
		"Component name expected in the remote control handshake.")
	fs.StringVar(&c.CtrlSecret, "ctrl.secret", "",
		"Shared secret of the remote control handshake.")
	fs.StringVar(&c.CtrlDigest, "ctrl.digest", "md5",
		"Handshake digest: md5 (wire default) or blake2b.")
	fs.StringVar(&c.MetricsListen, "metrics.listen", "",
		"Prometheus metrics endpoint (host:port).")
	fs.StringVar(&c.User, "service.user", "",
		"Switch process persona to given username.")
	fs.StringVar(&c.Group, "service.group", "",
		"Switch process persona to given group name.")
	fs.BoolVar(&c.LoginEnv, "service.loginEnv", false,
		"Generate login-like environment variables (HOME, USER, ...).")
}

// validate absolutizes paths and checks option dependencies.
func (c *Config) validate() error {
	if c.PidFile != "" {
		abs, err := filepath.Abs(c.PidFile)
		if err != nil {
			return fmt.Errorf("cannot absolutize pid file path: %w", err)
		}
		c.PidFile = abs
	} else if c.CtrlPath != "" {
		return fmt.Errorf("specified ctrl path without pid file")
	}

	if c.CtrlPath != "" {
		abs, err := filepath.Abs(c.CtrlPath)
		if err != nil {
			return fmt.Errorf("cannot absolutize ctrl socket path: %w", err)
		}
		c.CtrlPath = abs
	}

	if c.CtrlMode != "" {
		if _, err := strconv.ParseUint(c.CtrlMode, 8, 32); err != nil {
			return fmt.Errorf("invalid ctrl socket mode %q: %w", c.CtrlMode, err)
		}
	}

	if c.CtrlListen != "" && c.CtrlSecret == "" {
		return fmt.Errorf("remote control endpoint requires --ctrl.secret")
	}

	switch c.CtrlDigest {
	case "", "md5", "blake2b":
	default:
		return fmt.Errorf("unknown ctrl digest %q", c.CtrlDigest)
	}
	return nil
}

func (c *Config) ctrlSocketConfig() ctrl.SocketConfig {
	cfg := ctrl.SocketConfig{
		Path:  c.CtrlPath,
		Owner: c.CtrlUser,
		Group: c.CtrlGroup,
	}
	if c.CtrlMode != "" {
		mode, _ := strconv.ParseUint(c.CtrlMode, 8, 32)
		cfg.Mode = os.FileMode(mode)
	}
	return cfg
}

func (c *Config) ctrlDigest() ctrl.Digest {
	if c.CtrlDigest == "blake2b" {
		return ctrl.DigestBlake2b
	}
	return ctrl.DigestMD5
}
