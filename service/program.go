// Package service turns a user-supplied implementation (start, run and
// optional capability hooks) into a well-behaved UNIX daemon: uniform
// configuration surface, daemonization, pid-file single instance,
// persona switching, signal handling, log rotation and an authenticated
// control channel. The Cmdline variant reuses the configuration
// machinery for one-shot companion tools.
package service

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"runtime"
	"sort"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/spf13/pflag"

	"github.com/larchteam/larch/internal/logging"
	"github.com/larchteam/larch/internal/version"
)

// Flags adjust program behaviour.
type Flags int

const (
	// DisableConfigHelp hides config-file options from --help output.
	DisableConfigHelp Flags = 1 << iota

	// EnableUnrecognizedOptions passes unknown options to the handler
	// instead of failing.
	EnableUnrecognizedOptions

	// DisableExcessiveLogging suppresses the terminal error log line of
	// command-line tools.
	DisableExcessiveLogging

	// ShowLicenceInfo includes licence information in --version output.
	ShowLicenceInfo

	// ShowExpandedCommandLine logs the command line after response-file
	// expansion.
	ShowExpandedCommandLine
)

// ExitCode is the immediate-exit sentinel: configuration helpers return
// it to unwind into a clean process exit with the carried code.
type ExitCode int

func (e ExitCode) Error() string {
	return fmt.Sprintf("exit with code %d", int(e))
}

// HelpPrinter supplies --help-<topic> texts.
type HelpPrinter interface {
	// List names the available topics.
	List() []string

	// Help prints the topic; false when the topic is unknown.
	Help(out io.Writer, topic string) bool
}

// funcHelpPrinter is the default HelpPrinter variant built from two
// functions; services with their own printer implement the interface
// directly.
type funcHelpPrinter struct {
	list func() []string
	help func(out io.Writer, topic string) bool
}

func (p funcHelpPrinter) List() []string {
	if p.list == nil {
		return nil
	}
	return p.list()
}

func (p funcHelpPrinter) Help(out io.Writer, topic string) bool {
	if p.help == nil {
		return false
	}
	return p.help(out, topic)
}

// DefaultHelpPrinter builds a HelpPrinter from plain functions.
func DefaultHelpPrinter(list func() []string, help func(out io.Writer, topic string) bool) HelpPrinter {
	return funcHelpPrinter{list: list, help: help}
}

// Program is the configuration layer shared by services and command
// line tools: name and version identity, the flag surface, config
// files, response files and logging setup.
type Program struct {
	Name    string
	Version string

	flags Flags

	fs     *pflag.FlagSet
	sink   *logging.Sink
	logger *slog.Logger

	logMask      string
	logFile      string
	logConsole   bool
	logPrecision int
	logArchive   bool
	logTruncate  bool
	logSyslog    bool

	configFiles   []string
	defaultConfig string

	upSince time.Time
	argv0   string

	description string
	helpPrinter HelpPrinter
}

func newProgram(name, vers string, flags Flags) *Program {
	p := &Program{
		Name:       name,
		Version:    vers,
		flags:      flags,
		sink:       logging.NewSink(),
		upSince:    time.Now(),
		logConsole: true,
	}
	p.logger = logging.New(logging.LogConfig{Output: p.sink})

	p.fs = pflag.NewFlagSet(name, pflag.ContinueOnError)
	p.fs.SortFlags = false
	p.fs.StringSliceVarP(&p.configFiles, "config", "f", nil,
		"Path to configuration file (repeatable; first occurrence of an option wins).")
	p.fs.StringVar(&p.logMask, "log.mask", "info", "Log mask (debug, info, warn, error).")
	p.fs.StringVar(&p.logFile, "log.file", "", "Log to given file.")
	p.fs.BoolVar(&p.logArchive, "log.file.archive", false,
		"Archive existing log file on startup.")
	p.fs.BoolVar(&p.logTruncate, "log.file.truncate", false,
		"Truncate existing log file on startup.")
	p.fs.BoolVar(&p.logConsole, "log.console", true, "Log to console.")
	p.fs.IntVar(&p.logPrecision, "log.timePrecision", 0,
		"Sub-second log timestamp precision (0..6).")
	p.fs.BoolVar(&p.logSyslog, "log.syslog", false, "Copy log records to syslog.")

	if flags&EnableUnrecognizedOptions != 0 {
		p.fs.ParseErrorsWhitelist.UnknownFlags = true
	}
	return p
}

// Identity returns "name-version".
func (p *Program) Identity() string {
	return p.Name + "-" + p.Version
}

// VersionInfo returns the one-line version banner.
func (p *Program) VersionInfo() string {
	var b strings.Builder
	fmt.Fprintf(&b, "%s %s (built on %s at %s", p.Name, p.Version,
		version.Date, version.Host)
	if version.Customer != "" {
		fmt.Fprintf(&b, " for %s", version.Customer)
	}
	b.WriteString(")")
	if version.Commit != "" && version.Commit != "none" {
		fmt.Fprintf(&b, " [%s]", version.Commit)
	}
	return b.String()
}

// Logger returns the program logger.
func (p *Program) Logger() *slog.Logger { return p.logger }

// Sink returns the log sink.
func (p *Program) Sink() *logging.Sink { return p.sink }

// FlagSet exposes the flag surface for handler configuration.
func (p *Program) FlagSet() *pflag.FlagSet { return p.fs }

// LogFile returns the configured log file path, empty for console-only
// logging.
func (p *Program) LogFile() string { return p.logFile }

// ConfigFiles lists the config files in command-line order, absolutized.
func (p *Program) ConfigFiles() []string { return p.configFiles }

// SetDefaultConfigFile installs a config file used when none is given
// on the command line.
func (p *Program) SetDefaultConfigFile(path string) { p.defaultConfig = path }

// SetDescription installs the one-line program description shown by
// --help.
func (p *Program) SetDescription(desc string) { p.description = desc }

// Uptime returns the time elapsed since program start.
func (p *Program) Uptime() time.Duration { return time.Since(p.upSince) }

// UpSince returns the program start time.
func (p *Program) UpSince() time.Time { return p.upSince }

// Argv0 returns the program path as invoked.
func (p *Program) Argv0() string { return p.argv0 }

// Licenced supplies copyright and licence texts for --version and
// --licence.
type Licenced interface {
	Copyright() string
	Licence() string
	Licensee() string
}

// configure parses the command line, merges config files, and brings up
// logging. Immediate exits (help, version, licence) surface as an
// ExitCode error.
func (p *Program) configure(argv []string, handler any) error {
	if len(argv) > 0 {
		p.argv0 = argv[0]
		argv = argv[1:]
	}

	args, err := expandResponseFiles(argv)
	if err != nil {
		return fmt.Errorf("%s: %w", p.Name, err)
	}
	if p.flags&ShowExpandedCommandLine != 0 {
		p.logger.Info("expanded command line", "args", strings.Join(args, " "))
	}

	if c, ok := handler.(interface{ HelpPrinter() HelpPrinter }); ok {
		p.helpPrinter = c.HelpPrinter()
	}
	if p.helpPrinter == nil {
		p.helpPrinter = p.defaultHelpPrinter(handler)
	}

	if err := p.earlyOptions(args, handler); err != nil {
		return err
	}

	p.fs.Usage = func() {}
	if err := p.fs.Parse(args); err != nil {
		if err == pflag.ErrHelp {
			p.printHelp(os.Stdout)
			return ExitCode(0)
		}
		return fmt.Errorf("%s: %v", p.Name, err)
	}

	if err := p.applyConfigFiles(); err != nil {
		return err
	}

	if err := logging.ValidatePrecision(p.logPrecision); err != nil {
		return fmt.Errorf("%s: %v", p.Name, err)
	}

	if p.logFile != "" {
		abs, err := filepath.Abs(p.logFile)
		if err == nil {
			p.logFile = abs
		}
		mode := logging.ModeAppend
		switch {
		case p.logArchive:
			mode = logging.ModeArchive
		case p.logTruncate:
			mode = logging.ModeTruncate
		}
		if err := p.sink.Open(p.logFile, mode); err != nil {
			return fmt.Errorf("%s: %v", p.Name, err)
		}
	}
	p.sink.EnableConsole(p.logConsole)
	if p.logSyslog {
		if err := p.sink.EnableSyslog(p.Name); err != nil {
			p.logger.Warn("syslog unavailable", "error", err)
		}
	}
	p.logger = logging.New(logging.LogConfig{
		Mask:          p.logMask,
		TimePrecision: p.logPrecision,
		Output:        p.sink,
	})

	if c, ok := handler.(Configurer); ok {
		if err := c.Configure(); err != nil {
			if code, ok := asExitCode(err); ok {
				return code
			}
			return fmt.Errorf("%s: %v", p.Name, err)
		}
	}

	if rest := p.fs.Args(); len(rest) > 0 {
		if c, ok := handler.(UnrecognizedHandler); ok {
			if err := c.ConfigureUnrecognized(rest); err != nil {
				return fmt.Errorf("%s: %v", p.Name, err)
			}
		} else if p.flags&EnableUnrecognizedOptions == 0 {
			return fmt.Errorf("%s: unrecognized arguments: %s",
				p.Name, strings.Join(rest, " "))
		}
	}
	return nil
}

// earlyOptions handles help/version/licence before regular parsing so
// --help-<topic> style options never reach the flag parser.
func (p *Program) earlyOptions(args []string, handler any) error {
	for _, a := range args {
		switch {
		case a == "--":
			return nil

		case a == "--help" || a == "-h":
			p.printHelp(os.Stdout)
			return ExitCode(0)

		case a == "--help-all":
			p.printHelp(os.Stdout)
			for _, topic := range p.helpPrinter.List() {
				fmt.Fprintf(os.Stdout, "\n")
				p.helpPrinter.Help(os.Stdout, topic)
			}
			return ExitCode(0)

		case strings.HasPrefix(a, "--help-"):
			topic := strings.TrimPrefix(a, "--help-")
			if !p.helpPrinter.Help(os.Stdout, topic) {
				fmt.Fprintf(os.Stderr, "%s: no help available for <%s>\n",
					p.Name, topic)
				return ExitCode(1)
			}
			return ExitCode(0)

		case a == "--version" || a == "-v":
			fmt.Fprintln(os.Stdout, p.VersionInfo())
			if lic, ok := handler.(Licenced); ok {
				fmt.Fprintln(os.Stdout, lic.Copyright())
				if p.flags&ShowLicenceInfo != 0 && lic.Licensee() != "" {
					fmt.Fprintf(os.Stdout, "licensed to %s\n", lic.Licensee())
				}
			}
			return ExitCode(0)

		case a == "--licence" || a == "--license":
			if lic, ok := handler.(Licenced); ok {
				fmt.Fprintln(os.Stdout, lic.Copyright())
				if lic.Licensee() != "" {
					fmt.Fprintf(os.Stdout, "licensed to %s\n", lic.Licensee())
				}
				fmt.Fprintln(os.Stdout, lic.Licence())
			} else {
				fmt.Fprintf(os.Stdout, "%s carries no licence information\n", p.Name)
			}
			return ExitCode(0)
		}
	}
	return nil
}

func (p *Program) defaultHelpPrinter(handler any) HelpPrinter {
	if t, ok := handler.(HelpTopics); ok {
		return DefaultHelpPrinter(t.ListHelps, t.Help)
	}
	return DefaultHelpPrinter(nil, nil)
}

func (p *Program) printHelp(out io.Writer) {
	fmt.Fprintf(out, "%s\n", p.VersionInfo())
	if p.description != "" {
		fmt.Fprintf(out, "%s\n", p.description)
	}
	fmt.Fprintf(out, "\nusage: %s [options]\n\noptions:\n", p.Name)
	if p.flags&DisableConfigHelp != 0 {
		// config-file options (dotted names) are hidden from help
		sub := pflag.NewFlagSet(p.Name, pflag.ContinueOnError)
		p.fs.VisitAll(func(f *pflag.Flag) {
			if !strings.Contains(f.Name, ".") {
				sub.AddFlag(f)
			}
		})
		fmt.Fprint(out, sub.FlagUsages())
	} else {
		fmt.Fprint(out, p.fs.FlagUsages())
	}

	if topics := p.helpPrinter.List(); len(topics) > 0 {
		fmt.Fprintf(out, "\nadditional help: ")
		for i, t := range topics {
			if i > 0 {
				fmt.Fprint(out, ", ")
			}
			fmt.Fprintf(out, "--help-%s", t)
		}
		fmt.Fprintln(out)
	}
}

// applyConfigFiles loads TOML config files and applies their values to
// flags not set on the command line. The first occurrence of an option
// across all files wins.
func (p *Program) applyConfigFiles() error {
	files := p.configFiles
	if len(files) == 0 && p.defaultConfig != "" {
		if _, err := os.Stat(p.defaultConfig); err == nil {
			files = []string{p.defaultConfig}
		}
	}
	if len(files) == 0 {
		return nil
	}

	merged := make(map[string]string)
	for i, file := range files {
		abs, err := filepath.Abs(file)
		if err == nil {
			files[i] = abs
		}

		var raw map[string]any
		if _, err := toml.DecodeFile(files[i], &raw); err != nil {
			p.logger.Error("cannot read config file", "path", files[i], "error", err)
			return ExitCode(1)
		}

		flat := make(map[string]string)
		flattenConfig("", raw, flat)
		for k, v := range flat {
			if _, seen := merged[k]; !seen {
				merged[k] = v
			}
		}
	}
	p.configFiles = files

	var keys []string
	for k := range merged {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	for _, k := range keys {
		flag := p.fs.Lookup(k)
		if flag == nil {
			if p.flags&EnableUnrecognizedOptions != 0 {
				continue
			}
			return fmt.Errorf("%s: unknown config option %q", p.Name, k)
		}
		if flag.Changed {
			// command line overrides config files
			continue
		}
		if err := p.fs.Set(k, merged[k]); err != nil {
			return fmt.Errorf("%s: config option %q: %v", p.Name, k, err)
		}
	}
	return nil
}

// flattenConfig turns nested TOML tables into dotted option names
// matching the flag surface.
func flattenConfig(prefix string, raw map[string]any, out map[string]string) {
	for k, v := range raw {
		name := k
		if prefix != "" {
			name = prefix + "." + k
		}
		switch val := v.(type) {
		case map[string]any:
			flattenConfig(name, val, out)
		case []any:
			parts := make([]string, len(val))
			for i, e := range val {
				parts[i] = fmt.Sprint(e)
			}
			out[name] = strings.Join(parts, ",")
		default:
			out[name] = fmt.Sprint(val)
		}
	}
}

// expandResponseFiles splices @file arguments: the file's whitespace
// separated tokens replace the reference in place.
func expandResponseFiles(args []string) ([]string, error) {
	var out []string
	for _, a := range args {
		if !strings.HasPrefix(a, "@") || len(a) == 1 {
			out = append(out, a)
			continue
		}
		data, err := os.ReadFile(a[1:])
		if err != nil {
			return nil, fmt.Errorf("cannot read response file %s: %w", a[1:], err)
		}
		out = append(out, strings.Fields(string(data))...)
	}
	return out, nil
}

func asExitCode(err error) (ExitCode, bool) {
	var code ExitCode
	if errors.As(err, &code) {
		return code, true
	}
	return 0, false
}

func goVersion() string {
	if version.GoVersion != "" {
		return version.GoVersion
	}
	return runtime.Version()
}
