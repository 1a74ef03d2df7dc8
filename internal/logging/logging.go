// Package logging provides structured logging for larch services using
// stdlib slog, plus the reopenable file sink the lifecycle engine needs
// for external log rotation.
package logging

import (
	"fmt"
	"log/slog"
	"strings"
	"time"
)

// LogConfig controls logger creation.
type LogConfig struct {
	Mask          string // "debug", "info", "warn", "error"
	Format        string // "text" (default), "json"
	TimePrecision int    // fractional second digits, 0..6
	Output        *Sink
}

// New creates a configured *slog.Logger writing through the sink.
func New(cfg LogConfig) *slog.Logger {
	opts := &slog.HandlerOptions{
		Level:       ParseMask(cfg.Mask),
		ReplaceAttr: timeReplacer(cfg.TimePrecision),
	}

	var handler slog.Handler
	if strings.EqualFold(cfg.Format, "json") {
		handler = slog.NewJSONHandler(cfg.Output, opts)
	} else {
		handler = slog.NewTextHandler(cfg.Output, opts)
	}

	return slog.New(handler)
}

// ParseMask maps a log mask string to a slog level. Unknown masks
// default to info.
func ParseMask(s string) slog.Level {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "err", "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// timeReplacer renders record timestamps with the requested sub-second
// precision.
func timeReplacer(precision int) func([]string, slog.Attr) slog.Attr {
	if precision < 0 {
		precision = 0
	}
	if precision > 6 {
		precision = 6
	}

	layout := "2006-01-02T15:04:05"
	if precision > 0 {
		layout += "." + strings.Repeat("0", precision)
	}
	layout += "Z07:00"

	return func(groups []string, a slog.Attr) slog.Attr {
		if a.Key == slog.TimeKey && len(groups) == 0 {
			if t, ok := a.Value.Any().(time.Time); ok {
				a.Value = slog.StringValue(t.Format(layout))
			}
		}
		return a
	}
}

// ValidatePrecision rejects out-of-range --log.timePrecision values.
func ValidatePrecision(p int) error {
	if p < 0 || p > 6 {
		return fmt.Errorf("log time precision %d out of range 0..6", p)
	}
	return nil
}
