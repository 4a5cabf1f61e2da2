// Package logging provides a small registry of named, level-shared
// loggers, adapted from diluga-juicefs's pkg/utils/logger.go.
//
// The original keeps a syslog hook and an ANSI color table for its CLI
// use case (humans watching a terminal). A server daemon writes to a
// log aggregator, not a tty session, so this port drops both and keeps
// only the part that matters here: a cached map of named loggers that
// all share one level, so `session` and `meta` and `transfer` can each
// log under their own name without every call site wiring a level.
package logging

import (
	"os"
	"sync"

	"github.com/sirupsen/logrus"
)

var (
	mu      sync.Mutex
	loggers = make(map[string]*logrus.Entry)
	level   = logrus.InfoLevel
)

// GetLogger returns the logger registered under name, creating it on
// first use.
func GetLogger(name string) *logrus.Entry {
	mu.Lock()
	defer mu.Unlock()

	if entry, ok := loggers[name]; ok {
		return entry
	}

	l := logrus.New()
	l.SetOutput(os.Stderr)
	l.SetLevel(level)
	l.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})

	entry := l.WithField("component", name)
	loggers[name] = entry
	return entry
}

// SetLevel sets the level for every logger created after this call,
// and updates all previously created loggers in place.
func SetLevel(lvl logrus.Level) {
	mu.Lock()
	defer mu.Unlock()
	level = lvl
	for _, entry := range loggers {
		entry.Logger.SetLevel(lvl)
	}
}

// ParseLevel is a thin re-export so callers don't need a direct
// logrus import just to parse a config string.
func ParseLevel(s string) (logrus.Level, error) {
	return logrus.ParseLevel(s)
}
