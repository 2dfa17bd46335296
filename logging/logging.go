// Package logging wraps github.com/sirupsen/logrus the way the teacher's
// pkg/logger wraps the standard log package: a package-level default
// logger plus level/format knobs, but with structured fields (peer, state,
// channel) instead of ANSI-colored string prefixes, and an explicit
// *logrus.Logger value embedders can construct instead of a single global.
package logging

import (
	"os"

	"github.com/sirupsen/logrus"
)

var defaultLogger = New()

// New returns a fresh structured logger with the library's default
// formatting (text, with timestamps, writing to stderr).
func New() *logrus.Logger {
	l := logrus.New()
	l.SetOutput(os.Stderr)
	l.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	l.SetLevel(logrus.InfoLevel)
	return l
}

// Default returns the package-level default logger, used by components
// that are not handed an explicit *logrus.Logger.
func Default() *logrus.Logger { return defaultLogger }

// SetDefault replaces the package-level default logger (for embedders that
// want to redirect every unconfigured component's output).
func SetDefault(l *logrus.Logger) { defaultLogger = l }

// ForPeer returns an entry pre-populated with the peer address field, the
// structured-field equivalent of the teacher's per-message
// session.Addr.String() log prefix.
func ForPeer(l *logrus.Logger, addr string) *logrus.Entry {
	return l.WithField("peer", addr)
}
