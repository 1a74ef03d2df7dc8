package logging

import (
	"log/slog"
	"strings"
	"testing"
)

func TestParseMask(t *testing.T) {
	cases := []struct {
		in   string
		want slog.Level
	}{
		{"debug", slog.LevelDebug},
		{"info", slog.LevelInfo},
		{"warn", slog.LevelWarn},
		{"warning", slog.LevelWarn},
		{"error", slog.LevelError},
		{"err", slog.LevelError},
		{"", slog.LevelInfo},
		{"  DEBUG  ", slog.LevelDebug},
		{"bogus", slog.LevelInfo},
	}
	for _, c := range cases {
		if got := ParseMask(c.in); got != c.want {
			t.Errorf("ParseMask(%q) = %v, want %v", c.in, got, c.want)
		}
	}
}

func TestValidatePrecision(t *testing.T) {
	for _, p := range []int{0, 1, 6} {
		if err := ValidatePrecision(p); err != nil {
			t.Errorf("ValidatePrecision(%d) = %v", p, err)
		}
	}
	for _, p := range []int{-1, 7} {
		if err := ValidatePrecision(p); err == nil {
			t.Errorf("ValidatePrecision(%d) accepted", p)
		}
	}
}

func TestLoggerWritesThroughSink(t *testing.T) {
	sink := NewSink()
	sink.EnableConsole(false)

	logger := New(LogConfig{Mask: "info", Output: sink})
	logger.Info("hello", "key", "value")
	logger.Debug("filtered out")

	got := string(sink.History(historySize))
	if !strings.Contains(got, "hello") || !strings.Contains(got, "key=value") {
		t.Errorf("log record missing from sink: %q", got)
	}
	if strings.Contains(got, "filtered out") {
		t.Errorf("debug record passed an info mask: %q", got)
	}
}

func TestTimePrecision(t *testing.T) {
	sink := NewSink()
	sink.EnableConsole(false)

	logger := New(LogConfig{TimePrecision: 3, Output: sink})
	logger.Info("tick")

	got := string(sink.History(historySize))
	// time=2006-01-02T15:04:05.000+07:00 style timestamp
	i := strings.Index(got, "time=")
	if i < 0 {
		t.Fatalf("no time attribute in %q", got)
	}
	stamp := got[i+5:]
	dot := strings.IndexByte(stamp, '.')
	if dot < 0 {
		t.Fatalf("no fractional seconds in %q", stamp)
	}
	frac := stamp[dot+1:]
	digits := 0
	for digits < len(frac) && frac[digits] >= '0' && frac[digits] <= '9' {
		digits++
	}
	if digits != 3 {
		t.Errorf("fractional digits = %d, want 3 (%q)", digits, stamp)
	}
}
