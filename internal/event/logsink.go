package event

import (
	"github.com/phuslu/log"
)

type LogSink struct {
	logger *log.Logger
}

func NewLogSink(logger *log.Logger) *LogSink {
	return &LogSink{logger: logger}
}

func (s *LogSink) Emit(ev Event) {
	var entry *log.Entry
	switch {
	case ev.Err != nil && ev.Kind.Failure():
		entry = s.logger.Error()
	case ev.Kind.Failure():
		entry = s.logger.Warn()
	case ev.Kind == PositionSent || ev.Kind == PositionReceived || ev.Kind == Forwarded:
		// chatty, one per tick
		entry = s.logger.Debug()
	default:
		entry = s.logger.Info()
	}
	// disabled level
	if entry == nil {
		return
	}

	if ev.Slot != 0 {
		entry = entry.Str("slot", ev.Slot.String())
	}
	if ev.Target != 0 {
		entry = entry.Str("target", ev.Target.String())
	}
	if ev.Peer != 0 {
		entry = entry.Uint32("peer", uint32(ev.Peer))
	}
	if ev.Addr != "" {
		entry = entry.Str("addr", ev.Addr)
	}
	if ev.Position != nil {
		entry = entry.Float64("x", float64(ev.Position.X)).Float64("y", float64(ev.Position.Y))
	}
	if ev.Size != 0 {
		entry = entry.Int("size", ev.Size)
	}
	if ev.Count != 0 {
		entry = entry.Int("count", ev.Count)
	}
	if ev.Elapsed != 0 {
		entry = entry.Dur("elapsed", ev.Elapsed)
	}
	if ev.Err != nil {
		entry = entry.Err(ev.Err)
	}
	entry.Msg(ev.Kind.String())
}

// ConsoleLogger is the pretty logger both binaries use.
//
// https://github.com/phuslu/log?tab=readme-ov-file#pretty-console-writer
func ConsoleLogger(level log.Level) *log.Logger {
	logger := log.DefaultLogger

	logger.Level = level
	logger.Caller = 1
	logger.TimeFormat = "15:04:05"
	logger.Writer = &log.ConsoleWriter{
		ColorOutput:    true,
		QuoteString:    true,
		EndWithMessage: true,
	}

	return &logger
}
