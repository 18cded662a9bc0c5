// Package transport describes the host/peer primitive the sessions are built
// on (connect, send on a channel, poll for an event, disconnect, reset) and
// provides Session, a thin blocking-with-timeout layer on top of it.
//
// Hosts and peers are not safe for concurrent use. whoever created a host
// owns it together with all of its peers.
package transport

import (
	"errors"
	"fmt"
	"net"
	"time"
)

var (
	ErrTimedOut   = errors.New("timed out")
	ErrRefused    = errors.New("connection refused")
	ErrSendFailed = errors.New("send failed")
	ErrBindFailed = errors.New("bind failed")
	ErrClosed     = errors.New("host is closed")
)

type Channel uint8

const (
	// ChannelReliable guarantees delivery and ordering of packets sent on
	// it.
	ChannelReliable Channel = 0
	// ChannelUnreliable makes no promises at all. only for data where
	// staleness is fine.
	ChannelUnreliable Channel = 1

	ChannelCount = 2
)

func (ch Channel) String() string {
	switch ch {
	case ChannelReliable:
		return "reliable"
	case ChannelUnreliable:
		return "unreliable"
	default:
		return fmt.Sprintf("channel(%d)", uint8(ch))
	}
}

type ConnState uint8

const (
	Disconnected ConnState = iota
	Connecting
	Connected
	Disconnecting
)

func (s ConnState) String() string {
	switch s {
	case Disconnected:
		return "disconnected"
	case Connecting:
		return "connecting"
	case Connected:
		return "connected"
	case Disconnecting:
		return "disconnecting"
	default:
		return fmt.Sprintf("state(%d)", uint8(s))
	}
}

// disconnect data codes. the data word of a disconnect is free-form for the
// application, the ones below are reserved by hosts themselves.
const (
	DisconnectNormal   uint32 = 0
	DisconnectRefused  uint32 = 0xffff_fff0
	DisconnectTimedOut uint32 = 0xffff_fff1
	// DisconnectReplaced ends a peer whose remote started a new handshake
	// from the same address; the old connection is gone on the remote side.
	DisconnectReplaced uint32 = 0xffff_fff2
)

type PeerID uint32

type EventKind uint8

const (
	EventConnect EventKind = iota + 1
	EventReceive
	EventDisconnect
)

func (k EventKind) String() string {
	switch k {
	case EventConnect:
		return "connect"
	case EventReceive:
		return "receive"
	case EventDisconnect:
		return "disconnect"
	default:
		return fmt.Sprintf("event(%d)", uint8(k))
	}
}

type Event struct {
	Kind EventKind
	Peer Peer
	// Channel is set for EventReceive.
	Channel Channel
	// Data is the word passed to Connect on EventConnect (as seen by the
	// accepting side) and to Disconnect on EventDisconnect.
	Data uint32
	// Packet is set for EventReceive. it is owned by the receiver.
	Packet []byte
}

type Peer interface {
	ID() PeerID
	Addr() net.Addr
	State() ConnState
	// Send queues data on ch. it fails if the peer is not connected.
	Send(ch Channel, data []byte) error
	// Disconnect starts a graceful close. the host reports EventDisconnect
	// once the remote acknowledged it.
	Disconnect(data uint32)
	// Reset drops the peer immediately without telling the remote.
	Reset()
}

type Host interface {
	// Connect starts a handshake with address and returns without waiting
	// for it. EventConnect for the returned peer marks success.
	Connect(address string, data uint32) (Peer, error)
	// Service returns at most one event and never blocks longer than
	// timeout. zero timeout only looks at what's already there.
	Service(timeout time.Duration) (Event, bool, error)
	LocalAddr() net.Addr
	Close() error
}

// Factory creates hosts. peerLimit bounds the number of simultaneous peers,
// connects above it are refused by the host itself.
type Factory interface {
	Listen(address string, peerLimit int) (Host, error)
	Open(peerLimit int) (Host, error)
}
