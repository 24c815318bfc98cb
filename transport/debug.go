package transport

import (
	"log/slog"

	"github.com/lora-net/lnet/internal"
)

// logger is embedded in Endpoint and tcb to give them no-op-by-default
// structured logging: a nil *slog.Logger makes every call a cheap no-op, and
// internal.LevelTrace (below slog.LevelDebug) covers high-frequency
// per-segment logging.
type logger struct {
	log *slog.Logger
}

func (l logger) enabled(lvl slog.Level) bool {
	return internal.LogEnabled(l.log, lvl)
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

func (l logger) traceSeg(msg string, seg Segment) {
	if !l.enabled(internal.LevelTrace) {
		return
	}
	l.trace(msg,
		slog.Int("socket_id", int(seg.SocketID)),
		slog.Uint64("seg.seq", uint64(seg.Seq)),
		slog.Uint64("seg.ack", uint64(seg.Ack)),
		slog.String("seg.flags", seg.Flags.String()),
		slog.Int("seg.data", len(seg.Payload)),
	)
}
