// Package corelog wraps logrus with the level vocabulary the debug shell's
// "loglevel" command speaks (off, error, warn, info, debug, trace), so the
// shell collaborator can set a level by name without knowing about logrus.
package corelog

import (
	"fmt"

	"github.com/sirupsen/logrus"
)

// Level names recognized by the shell's `loglevel` command.
const (
	Off   = "off"
	Error = "error"
	Warn  = "warn"
	Info  = "info"
	Debug = "debug"
	Trace = "trace"
)

// New builds a process-wide logger handed to each singleton at init time.
// Per §9, components receive an opaque handle rather than reaching for a
// package-level global.
func New(levelName string) (*logrus.Logger, error) {
	l := logrus.New()
	lvl, err := parseLevel(levelName)
	if err != nil {
		return nil, err
	}
	l.SetLevel(lvl)
	l.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	return l, nil
}

// SetLevel updates an already-constructed logger's level by shell-facing name.
func SetLevel(l *logrus.Logger, levelName string) error {
	lvl, err := parseLevel(levelName)
	if err != nil {
		return err
	}
	l.SetLevel(lvl)
	return nil
}

func parseLevel(name string) (logrus.Level, error) {
	switch name {
	case Off:
		// logrus has no "off"; panic level is above everything we emit.
		return logrus.PanicLevel, nil
	case Error:
		return logrus.ErrorLevel, nil
	case Warn:
		return logrus.WarnLevel, nil
	case Info:
		return logrus.InfoLevel, nil
	case Debug:
		return logrus.DebugLevel, nil
	case Trace:
		return logrus.TraceLevel, nil
	default:
		return 0, fmt.Errorf("unknown log level %q", name)
	}
}
