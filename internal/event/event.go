// Package event is how sessions report what happens to them. sessions emit
// Events into a Sink and never log on their own; the binaries decide where
// events end up.
package event

import (
	"fmt"
	"time"

	"github.com/blukai/coopsync/internal/protocol"
	"github.com/blukai/coopsync/internal/transport"
)

type Kind uint8

const (
	_ Kind = iota

	// client
	Connecting
	Connected
	ConnectFailed
	PositionSent
	PositionReceived
	Disconnecting
	Disconnected

	// server
	Listening
	PeerJoined
	PeerRejected
	PeerLeft
	Forwarded
	ForwardFailed
	ShutdownStarted
	ShutdownFinished

	// both
	PacketDropped
	ForcedReset
)

var kindNames = map[Kind]string{
	Connecting:       "connecting",
	Connected:        "connected",
	ConnectFailed:    "connect failed",
	PositionSent:     "position sent",
	PositionReceived: "position received",
	Disconnecting:    "disconnecting",
	Disconnected:     "disconnected",
	Listening:        "listening",
	PeerJoined:       "peer joined",
	PeerRejected:     "peer rejected",
	PeerLeft:         "peer left",
	Forwarded:        "forwarded",
	ForwardFailed:    "forward failed",
	ShutdownStarted:  "shutdown started",
	ShutdownFinished: "shutdown finished",
	PacketDropped:    "packet dropped",
	ForcedReset:      "forced reset",
}

func (k Kind) String() string {
	if name, ok := kindNames[k]; ok {
		return name
	}
	return fmt.Sprintf("event(%d)", uint8(k))
}

// Failure reports whether events of this kind describe something that went
// wrong.
func (k Kind) Failure() bool {
	switch k {
	case ConnectFailed, PeerRejected, ForwardFailed, PacketDropped, ForcedReset:
		return true
	}
	return false
}

// Event carries whatever is known at the emit site; zero fields are unset.
type Event struct {
	Kind Kind
	Slot protocol.Slot
	// Target is the receiving slot of a forward.
	Target   protocol.Slot
	Peer     transport.PeerID
	Addr     string
	Position *protocol.Position
	Size     int
	Count    int
	Elapsed  time.Duration
	Err      error
}

type Sink interface {
	Emit(Event)
}

type SinkFunc func(Event)

func (f SinkFunc) Emit(ev Event) { f(ev) }

type discard struct{}

func (discard) Emit(Event) {}

// Discard drops every event. sessions fall back to it when given a nil sink.
var Discard Sink = discard{}

// OrDiscard returns sink, or Discard if sink is nil.
func OrDiscard(sink Sink) Sink {
	if sink == nil {
		return Discard
	}
	return sink
}

// Recorder keeps every event it gets. tests use it to assert on what a
// session reported.
type Recorder struct {
	Events []Event
}

func (r *Recorder) Emit(ev Event) {
	r.Events = append(r.Events, ev)
}

// Kinds lists recorded kinds in order.
func (r *Recorder) Kinds() []Kind {
	kinds := make([]Kind, len(r.Events))
	for i, ev := range r.Events {
		kinds[i] = ev.Kind
	}
	return kinds
}

// Last returns the most recent event of kind k.
func (r *Recorder) Last(k Kind) (Event, bool) {
	for i := len(r.Events) - 1; i >= 0; i-- {
		if r.Events[i].Kind == k {
			return r.Events[i], true
		}
	}
	return Event{}, false
}

func (r *Recorder) Count(k Kind) int {
	n := 0
	for _, ev := range r.Events {
		if ev.Kind == k {
			n += 1
		}
	}
	return n
}

// Multi fans every event out to all sinks.
type Multi []Sink

func (m Multi) Emit(ev Event) {
	for _, sink := range m {
		sink.Emit(ev)
	}
}
