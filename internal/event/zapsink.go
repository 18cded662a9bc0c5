package event

import (
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"gopkg.in/natefinch/lumberjack.v2"
)

type ZapSink struct {
	logger *zap.Logger
}

func NewZapSink(logger *zap.Logger) *ZapSink {
	return &ZapSink{logger: logger}
}

func (s *ZapSink) Emit(ev Event) {
	level := zapcore.InfoLevel
	switch {
	case ev.Err != nil && ev.Kind.Failure():
		level = zapcore.ErrorLevel
	case ev.Kind.Failure():
		level = zapcore.WarnLevel
	case ev.Kind == PositionSent || ev.Kind == PositionReceived || ev.Kind == Forwarded:
		level = zapcore.DebugLevel
	}

	ce := s.logger.Check(level, ev.Kind.String())
	if ce == nil {
		return
	}

	fields := make([]zap.Field, 0, 8)
	if ev.Slot != 0 {
		fields = append(fields, zap.Stringer("slot", ev.Slot))
	}
	if ev.Target != 0 {
		fields = append(fields, zap.Stringer("target", ev.Target))
	}
	if ev.Peer != 0 {
		fields = append(fields, zap.Uint32("peer", uint32(ev.Peer)))
	}
	if ev.Addr != "" {
		fields = append(fields, zap.String("addr", ev.Addr))
	}
	if ev.Position != nil {
		fields = append(fields, zap.Float32("x", ev.Position.X), zap.Float32("y", ev.Position.Y))
	}
	if ev.Size != 0 {
		fields = append(fields, zap.Int("size", ev.Size))
	}
	if ev.Count != 0 {
		fields = append(fields, zap.Int("count", ev.Count))
	}
	if ev.Elapsed != 0 {
		fields = append(fields, zap.Duration("elapsed", ev.Elapsed))
	}
	if ev.Err != nil {
		fields = append(fields, zap.Error(ev.Err))
	}
	ce.Write(fields...)
}

// FileLogger builds a zap logger writing to a rotated file (10MB per file,
// 3 backups, a week of history).
func FileLogger(path string, level zapcore.Level) *zap.Logger {
	lj := &lumberjack.Logger{
		Filename:   path,
		MaxSize:    10, // MB
		MaxBackups: 3,
		MaxAge:     7, // days
		Compress:   false,
	}

	encCfg := zapcore.EncoderConfig{
		TimeKey:       "ts",
		LevelKey:      "level",
		NameKey:       "logger",
		CallerKey:     "caller",
		MessageKey:    "msg",
		StacktraceKey: "stack",
		LineEnding:    zapcore.DefaultLineEnding,
		EncodeLevel:   zapcore.CapitalLevelEncoder,
		EncodeTime:    zapcore.ISO8601TimeEncoder,
		EncodeCaller:  zapcore.ShortCallerEncoder,
	}
	core := zapcore.NewCore(zapcore.NewConsoleEncoder(encCfg), zapcore.AddSync(lj), level)

	return zap.New(core, zap.AddCaller())
}
