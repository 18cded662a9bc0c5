package event_test

import (
	"bytes"
	"errors"
	"strings"
	"testing"

	"github.com/blukai/coopsync/internal/event"
	"github.com/blukai/coopsync/internal/protocol"
	"github.com/matryer/is"
	"github.com/phuslu/log"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
)

func TestRecorder(t *testing.T) {
	is := is.New(t)

	rec := &event.Recorder{}
	var sink event.Sink = event.Multi{rec, event.Discard, event.OrDiscard(nil)}

	sink.Emit(event.Event{Kind: event.PeerJoined, Slot: protocol.Slot1})
	sink.Emit(event.Event{Kind: event.PeerJoined, Slot: protocol.Slot2})
	sink.Emit(event.Event{Kind: event.PeerLeft, Slot: protocol.Slot1})

	is.Equal(rec.Kinds(), []event.Kind{event.PeerJoined, event.PeerJoined, event.PeerLeft})
	is.Equal(rec.Count(event.PeerJoined), 2)

	last, ok := rec.Last(event.PeerJoined)
	is.True(ok)
	is.Equal(last.Slot, protocol.Slot2)

	_, ok = rec.Last(event.Forwarded)
	is.True(!ok)
}

func TestKindFailure(t *testing.T) {
	is := is.New(t)

	is.True(event.ForcedReset.Failure())
	is.True(event.PacketDropped.Failure())
	is.True(!event.Connected.Failure())
	is.Equal(event.Kind(200).String(), "event(200)")
}

func TestLogSink(t *testing.T) {
	is := is.New(t)

	buf := &bytes.Buffer{}
	logger := &log.Logger{
		Level:  log.InfoLevel,
		Writer: &log.IOWriter{Writer: buf},
	}
	sink := event.NewLogSink(logger)

	sink.Emit(event.Event{
		Kind:     event.PositionReceived,
		Slot:     protocol.Slot1,
		Position: &protocol.Position{X: 1, Y: 2},
	})
	is.Equal(buf.Len(), 0) // debug is below info

	sink.Emit(event.Event{
		Kind: event.PeerRejected,
		Slot: protocol.Slot2,
		Addr: "127.0.0.1:1234",
		Err:  errors.New("session is full"),
	})
	out := buf.String()
	is.True(strings.Contains(out, `"level":"error"`))
	is.True(strings.Contains(out, `"slot":"slot2"`))
	is.True(strings.Contains(out, "session is full"))
	is.True(strings.Contains(out, "peer rejected"))
}

func TestZapSink(t *testing.T) {
	is := is.New(t)

	core, logs := observer.New(zapcore.DebugLevel)
	sink := event.NewZapSink(zap.New(core))

	sink.Emit(event.Event{Kind: event.Forwarded, Slot: protocol.Slot1, Target: protocol.Slot2, Size: 13})
	sink.Emit(event.Event{Kind: event.ForcedReset, Slot: protocol.Slot2})

	entries := logs.All()
	is.Equal(len(entries), 2)

	is.Equal(entries[0].Message, "forwarded")
	is.Equal(entries[0].Level, zapcore.DebugLevel)
	fields := entries[0].ContextMap()
	is.Equal(fields["slot"], "slot1")
	is.Equal(fields["target"], "slot2")
	is.Equal(fields["size"], int64(13))

	is.Equal(entries[1].Level, zapcore.WarnLevel)
}
