package logging

import (
	"fmt"
	"log/syslog"
	"strings"
)

// SyslogForwarder copies log records to syslog.
type SyslogForwarder struct {
	writer *syslog.Writer
	tag    string
}

// NewSyslogForwarder connects to syslog under the given tag.
func NewSyslogForwarder(tag string) (*SyslogForwarder, error) {
	w, err := syslog.New(syslog.LOG_INFO|syslog.LOG_DAEMON, tag)
	if err != nil {
		return nil, fmt.Errorf("cannot connect to syslog: %w", err)
	}
	return &SyslogForwarder{writer: w, tag: tag}, nil
}

// Write forwards one record, picking severity from the record text.
func (sf *SyslogForwarder) Write(p []byte) (int, error) {
	msg := string(p)
	var err error
	switch {
	case strings.Contains(msg, "level=ERROR"):
		err = sf.writer.Err(msg)
	case strings.Contains(msg, "level=WARN"):
		err = sf.writer.Warning(msg)
	default:
		err = sf.writer.Info(msg)
	}
	if err != nil {
		return 0, err
	}
	return len(p), nil
}

// Close closes the syslog connection.
func (sf *SyslogForwarder) Close() error {
	return sf.writer.Close()
}
