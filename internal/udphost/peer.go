package udphost

import (
	"fmt"
	"net"
	"time"

	"github.com/blukai/coopsync/internal/transport"
)

// maxInFlight bounds the reliable packets a peer may have unacknowledged. a
// remote that stops acking will time out long before that in practice.
const maxInFlight = 1 << 10

type outgoing struct {
	datagram    []byte
	firstSentAt time.Time
	sentAt      time.Time
}

type Peer struct {
	host *Host

	id    transport.PeerID
	key   addrKey
	addr  *net.UDPAddr
	state transport.ConnState
	// set by Reset. events for such peer that are still queued are dropped.
	reset bool

	connectID      uint32
	connectData    uint32
	disconnectData uint32

	createdAt time.Time
	// last time a handshake packet (connect or disconnect) went out
	handshakeAt time.Time
	lastRecv    time.Time
	lastSend    time.Time

	sendSeq  uint16
	unacked  map[uint16]*outgoing
	recvSeq  uint16
	holdback map[uint16][]byte
}

var _ transport.Peer = (*Peer)(nil)

func newPeer(h *Host, addr *net.UDPAddr, state transport.ConnState, now time.Time) *Peer {
	h.nextID += 1
	return &Peer{
		host: h,

		id:    h.nextID,
		key:   makeAddrKey(addr),
		addr:  addr,
		state: state,

		createdAt: now,
		lastRecv:  now,
		lastSend:  now,

		unacked:  make(map[uint16]*outgoing),
		holdback: make(map[uint16][]byte),
	}
}

func (p *Peer) ID() transport.PeerID       { return p.id }
func (p *Peer) Addr() net.Addr             { return p.addr }
func (p *Peer) State() transport.ConnState { return p.state }

func (p *Peer) String() string {
	return fmt.Sprintf("peer(%d %s %s)", p.id, p.addr, p.state)
}

func (p *Peer) Send(ch transport.Channel, body []byte) error {
	if p.state != transport.Connected {
		return fmt.Errorf("%s is not connected", p)
	}
	if len(body) > MaxPacketSize {
		return fmt.Errorf("packet is too big (got %d; want <= %d)", len(body), MaxPacketSize)
	}

	switch ch {
	case transport.ChannelReliable:
		if len(p.unacked) >= maxInFlight {
			return fmt.Errorf("%s has too many packets in flight", p)
		}

		seq := p.sendSeq
		datagram := buildPacket(header{Type: pktData, Channel: ch, Seq: seq}, body)
		if err := p.host.write(p, datagram); err != nil {
			return err
		}

		now := time.Now()
		p.sendSeq += 1
		p.unacked[seq] = &outgoing{
			datagram:    datagram,
			firstSentAt: now,
			sentAt:      now,
		}
		return nil
	case transport.ChannelUnreliable:
		return p.host.write(p, buildPacket(header{Type: pktData, Channel: ch}, body))
	default:
		return fmt.Errorf("unknown channel %d", ch)
	}
}

func (p *Peer) Disconnect(data uint32) {
	switch p.state {
	case transport.Connected:
		p.disconnectData = data
		p.state = transport.Disconnecting
		p.unacked = make(map[uint16]*outgoing)
		p.sendHandshake(pktDisconnect, data)
	case transport.Connecting:
		// nothing to be graceful about
		p.Reset()
	}
}

func (p *Peer) Reset() {
	if p.reset {
		return
	}
	p.host.logger.Debug().
		Str("peer", p.String()).
		Msg("reset")

	p.reset = true
	p.state = transport.Disconnected
	p.host.removePeer(p)
}

func (p *Peer) sendHandshake(typ packetType, data uint32) {
	var body []byte
	if typ == pktConnect {
		body = connectIDBody(p.connectID)
	}

	p.handshakeAt = time.Now()
	if err := p.host.write(p, buildPacket(header{Type: typ, Data: data}, body)); err != nil {
		// handshakes are resent, a lost one costs a resend interval
		p.host.logger.Error().
			Str("peer", p.String()).
			Msgf("could not send %s: %v", typ, err)
	}
}

func (p *Peer) sendVerify() {
	if err := p.host.write(p, buildPacket(header{Type: pktVerify}, connectIDBody(p.connectID))); err != nil {
		p.host.logger.Error().
			Str("peer", p.String()).
			Msgf("could not send %s: %v", pktVerify, err)
	}
}

// recvReliable acks seq and returns packets that became deliverable in order.
func (p *Peer) recvReliable(seq uint16, body []byte) [][]byte {
	p.host.sendControl(p, header{Type: pktAck, Seq: seq})

	switch {
	case seq == p.recvSeq:
	case seqAhead(seq, p.recvSeq):
		if len(p.holdback) < maxInFlight {
			p.holdback[seq] = body
		}
		return nil
	default:
		// duplicate of something already delivered, the ack above is all
		// the remote needs.
		return nil
	}

	ready := [][]byte{body}
	p.recvSeq += 1
	for {
		next, ok := p.holdback[p.recvSeq]
		if !ok {
			break
		}
		delete(p.holdback, p.recvSeq)
		ready = append(ready, next)
		p.recvSeq += 1
	}
	return ready
}
