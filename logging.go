package rendergraph

import (
	"os"
	"time"

	"github.com/charmbracelet/log"
)

type Logger interface {
	DebugEnabled() bool
	SetDebug(enabled bool)
	Debugf(format string, args ...any)
	Infof(format string, args ...any)
	Warnf(format string, args ...any)
	Errorf(format string, args ...any)
}

type DefaultLogger struct {
	l *log.Logger
}

func NewDefaultLogger(prefix string, debug bool) *DefaultLogger {
	l := log.NewWithOptions(os.Stderr, log.Options{
		ReportTimestamp: true,
		TimeFormat:      time.RFC3339,
		Prefix:          prefix,
	})
	if debug {
		l.SetLevel(log.DebugLevel)
	}
	return &DefaultLogger{l: l}
}

func (d *DefaultLogger) DebugEnabled() bool {
	return d.l.GetLevel() <= log.DebugLevel
}

func (d *DefaultLogger) SetDebug(enabled bool) {
	if enabled {
		d.l.SetLevel(log.DebugLevel)
	} else {
		d.l.SetLevel(log.InfoLevel)
	}
}

func (d *DefaultLogger) Debugf(format string, args ...any) { d.l.Debugf(format, args...) }
func (d *DefaultLogger) Infof(format string, args ...any)  { d.l.Infof(format, args...) }
func (d *DefaultLogger) Warnf(format string, args ...any)  { d.l.Warnf(format, args...) }
func (d *DefaultLogger) Errorf(format string, args ...any) { d.l.Errorf(format, args...) }

type nopLogger struct{}

// NewNopLogger returns a logger that discards everything. Constructors fall
// back to it when handed a nil Logger, so call sites never check.
func NewNopLogger() Logger { return &nopLogger{} }

func (n *nopLogger) DebugEnabled() bool                { return false }
func (n *nopLogger) SetDebug(enabled bool)             {}
func (n *nopLogger) Debugf(format string, args ...any) {}
func (n *nopLogger) Infof(format string, args ...any)  {}
func (n *nopLogger) Warnf(format string, args ...any)  {}
func (n *nopLogger) Errorf(format string, args ...any) {}

func orNopLogger(l Logger) Logger {
	if l == nil {
		return NewNopLogger()
	}
	return l
}
