// Package internal holds the small pieces shared by the link and transport
// layers that have no place in either's public surface: logging helpers, the
// byte ring behind a connection's streams, polling-loop pacing, and the
// sequence-number generator.
package internal

import (
	"context"
	"encoding/binary"
	"log/slog"
)

// LevelTrace sits below slog.LevelDebug for per-frame and per-segment
// logging that would drown a debug log at line rate. Handlers that want it
// must opt in explicitly.
const LevelTrace slog.Level = slog.LevelDebug - 2

// LogEnabled reports whether l would emit a record at lvl. A nil logger
// never does, so components can skip building expensive attrs.
func LogEnabled(l *slog.Logger, lvl slog.Level) bool {
	return l != nil && l.Handler().Enabled(context.Background(), lvl)
}

// LogAttrs forwards to l.LogAttrs, tolerating a nil logger. Every component
// logger in this module routes through here so an unset logger costs one
// nil check per call and nothing more.
func LogAttrs(l *slog.Logger, lvl slog.Level, msg string, attrs ...slog.Attr) {
	if l != nil {
		l.LogAttrs(context.Background(), lvl, msg, attrs...)
	}
}

// SlogAddr6 returns a slog.Attr for a 6-byte sensor address packed into a
// uint64 without allocating a string, for the data-link's per-frame
// dispatch logging.
func SlogAddr6(key string, addr *[6]byte) slog.Attr {
	var buf [8]byte
	copy(buf[2:], addr[:])
	return slog.Uint64(key, binary.BigEndian.Uint64(buf[:]))
}
