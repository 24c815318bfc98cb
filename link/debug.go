package link

import (
	"log/slog"

	"github.com/lora-net/lnet/internal"
)

// logger gives DataLink no-op-by-default structured logging:
// a nil *slog.Logger makes every call a cheap no-op.
type logger struct {
	log *slog.Logger
}

func (l logger) logattrs(lvl slog.Level, msg string, attrs ...slog.Attr) {
	internal.LogAttrs(l.log, lvl, msg, attrs...)
}

func (l logger) trace(msg string, attrs ...slog.Attr) { l.logattrs(internal.LevelTrace, msg, attrs...) }
func (l logger) debug(msg string, attrs ...slog.Attr) { l.logattrs(slog.LevelDebug, msg, attrs...) }
func (l logger) info(msg string, attrs ...slog.Attr)  { l.logattrs(slog.LevelInfo, msg, attrs...) }
func (l logger) warn(msg string, attrs ...slog.Attr)  { l.logattrs(slog.LevelWarn, msg, attrs...) }
func (l logger) logerr(msg string, attrs ...slog.Attr) {
	l.logattrs(slog.LevelError, msg, attrs...)
}
