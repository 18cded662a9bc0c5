// Package udphost implements transport.Host over plain udp sockets, in the
// spirit of enet: a connect handshake, a reliable ordered channel with acks
// and resends, an unreliable channel, acknowledged disconnects, keep alive
// pings and peer timeouts.
//
// All protocol state lives on the goroutine that calls Service. the only
// other goroutine moves datagrams from the socket into an inbox.
package udphost

import (
	"errors"
	"fmt"
	"io"
	"math/rand"
	"net"
	"sync"
	"time"

	"github.com/blukai/coopsync/internal/transport"
	"github.com/cespare/xxhash/v2"
	"github.com/eapache/queue"
	"github.com/phuslu/log"
)

type addrKey uint64

func makeAddrKey(addr *net.UDPAddr) addrKey {
	return addrKey(xxhash.Sum64String(addr.String()))
}

type Options struct {
	// if nil, a silenced logger is used.
	Logger *log.Logger

	ResendInterval time.Duration
	PingInterval   time.Duration
	// PeerTimeout is how long a peer may stay silent (or leave a reliable
	// packet unacknowledged) before it's dropped.
	PeerTimeout time.Duration
	// InboxSize is how many datagrams may wait for Service. when the inbox
	// is full new datagrams are dropped; reliable ones come back as resends.
	InboxSize int
}

func DefaultOptions() Options {
	return Options{
		ResendInterval: 100 * time.Millisecond,
		PingInterval:   time.Second,
		PeerTimeout:    10 * time.Second,
		InboxSize:      256,
	}
}

func (o Options) withDefaults() Options {
	def := DefaultOptions()
	if o.ResendInterval <= 0 {
		o.ResendInterval = def.ResendInterval
	}
	if o.PingInterval <= 0 {
		o.PingInterval = def.PingInterval
	}
	if o.PeerTimeout <= 0 {
		o.PeerTimeout = def.PeerTimeout
	}
	if o.InboxSize <= 0 {
		o.InboxSize = def.InboxSize
	}
	// if logger is nil (which might be true in tests) => use default, but
	// silenced logger
	if o.Logger == nil {
		tmp := log.DefaultLogger
		o.Logger = &tmp
		o.Logger.Writer = &log.IOWriter{Writer: io.Discard}
	}
	return o
}

// Factory opens udp hosts on Network ("udp", "udp4" or "udp6").
type Factory struct {
	Network string
	Options Options
}

var _ transport.Factory = Factory{}

func (f Factory) network() string {
	if f.Network == "" {
		return "udp4"
	}
	return f.Network
}

func (f Factory) Listen(address string, peerLimit int) (transport.Host, error) {
	return Listen(f.network(), address, peerLimit, f.Options)
}

func (f Factory) Open(peerLimit int) (transport.Host, error) {
	return Listen(f.network(), "", peerLimit, f.Options)
}

type datagram struct {
	addr *net.UDPAddr
	data []byte
}

type Host struct {
	network string
	conn    *net.UDPConn

	opts   Options
	logger *log.Logger

	peerLimit int
	peers     map[addrKey]*Peer
	nextID    transport.PeerID

	// of transport.Event
	events *queue.Queue
	inbox  chan datagram

	done   chan struct{}
	closed bool
	wg     sync.WaitGroup
}

var _ transport.Host = (*Host)(nil)

// Listen binds a host to address. empty address (or ":0") picks a free port,
// which is what clients do.
func Listen(network, address string, peerLimit int, opts Options) (*Host, error) {
	if peerLimit <= 0 {
		return nil, fmt.Errorf("invalid peer limit %d", peerLimit)
	}

	var laddr *net.UDPAddr
	if address != "" {
		var err error
		laddr, err = net.ResolveUDPAddr(network, address)
		if err != nil {
			return nil, fmt.Errorf("could not resolve udp addr: %w", err)
		}
	}

	conn, err := net.ListenUDP(network, laddr)
	if err != nil {
		return nil, fmt.Errorf("%w: could not listen udp: %w", transport.ErrBindFailed, err)
	}

	opts = opts.withDefaults()
	h := &Host{
		network: network,
		conn:    conn,

		opts:   opts,
		logger: opts.Logger,

		peerLimit: peerLimit,
		peers:     make(map[addrKey]*Peer),

		events: queue.New(),
		inbox:  make(chan datagram, opts.InboxSize),

		done: make(chan struct{}),
	}

	h.wg.Add(1)
	go func() {
		defer h.wg.Done()
		h.runRecv()
	}()

	return h, nil
}

func (h *Host) LocalAddr() net.Addr {
	return h.conn.LocalAddr()
}

// Addr can be useful to retreive host's address when it was opened with
// ":0".
func (h *Host) Addr() *net.UDPAddr {
	return h.conn.LocalAddr().(*net.UDPAddr)
}

func (h *Host) runRecv() {
	buf := make([]byte, maxDatagramSize)
	for {
		n, addr, err := h.conn.ReadFromUDP(buf)
		if err != nil {
			if errors.Is(err, net.ErrClosed) {
				return
			}
			h.logger.Error().
				Msgf("could not read from udp: %v", err)
			continue
		}
		if n < HeaderSize {
			h.logger.Error().
				Msgf("invalid datagram size (got %d; want >= %d)", n, HeaderSize)
			continue
		}

		data := make([]byte, n)
		copy(data, buf[:n])

		select {
		case h.inbox <- datagram{addr: addr, data: data}:
		case <-h.done:
			return
		default:
			h.logger.Warn().
				Str("addr", addr.String()).
				Msg("inbox is full, dropping datagram")
		}
	}
}

func (h *Host) Connect(address string, data uint32) (transport.Peer, error) {
	if h.closed {
		return nil, transport.ErrClosed
	}

	addr, err := net.ResolveUDPAddr(h.network, address)
	if err != nil {
		return nil, fmt.Errorf("could not resolve udp addr: %w", err)
	}
	if _, ok := h.peers[makeAddrKey(addr)]; ok {
		return nil, fmt.Errorf("already have a peer for %s", addr)
	}
	if len(h.peers) >= h.peerLimit {
		return nil, errors.New("no available peers for initiating a connection")
	}

	p := newPeer(h, addr, transport.Connecting, time.Now())
	p.connectID = rand.Uint32()
	p.connectData = data
	h.peers[p.key] = p

	h.logger.Debug().
		Str("peer", p.String()).
		Msg("connecting")

	p.sendHandshake(pktConnect, data)
	return p, nil
}

func (h *Host) Service(timeout time.Duration) (transport.Event, bool, error) {
	if h.closed {
		return transport.Event{}, false, transport.ErrClosed
	}

	deadline := time.Now().Add(timeout)
	for {
		h.drainInbox()
		h.maintain(time.Now())
		if ev, ok := h.popEvent(); ok {
			return ev, true, nil
		}

		remaining := time.Until(deadline)
		if remaining <= 0 {
			return transport.Event{}, false, nil
		}

		// wake up at least once per resend interval so resends and pings go
		// out while the caller is blocked in here.
		timer := time.NewTimer(min(remaining, h.opts.ResendInterval))
		select {
		case dg := <-h.inbox:
			timer.Stop()
			h.handleDatagram(dg)
		case <-timer.C:
		}
	}
}

func (h *Host) Close() error {
	if h.closed {
		return nil
	}
	h.closed = true

	for _, p := range h.peers {
		p.state = transport.Disconnected
	}
	h.peers = nil

	close(h.done)
	err := h.conn.Close()
	h.wg.Wait()
	return err
}

func (h *Host) drainInbox() {
	for {
		select {
		case dg := <-h.inbox:
			h.handleDatagram(dg)
		default:
			return
		}
	}
}

func (h *Host) pushEvent(ev transport.Event) {
	h.events.Add(ev)
}

func (h *Host) popEvent() (transport.Event, bool) {
	for h.events.Length() > 0 {
		ev := h.events.Remove().(transport.Event)
		if p, ok := ev.Peer.(*Peer); ok && p.reset {
			continue
		}
		return ev, true
	}
	return transport.Event{}, false
}

func (h *Host) removePeer(p *Peer) {
	if cur, ok := h.peers[p.key]; ok && cur == p {
		delete(h.peers, p.key)
	}
}

// dropPeer removes a peer that went away on its own and tells the owner.
func (h *Host) dropPeer(p *Peer, data uint32) {
	p.state = transport.Disconnected
	h.removePeer(p)
	h.pushEvent(transport.Event{
		Kind: transport.EventDisconnect,
		Peer: p,
		Data: data,
	})
}

func (h *Host) write(p *Peer, datagram []byte) error {
	if h.closed {
		return transport.ErrClosed
	}
	if _, err := h.conn.WriteToUDP(datagram, p.addr); err != nil {
		return fmt.Errorf("could not write to udp: %w", err)
	}
	p.lastSend = time.Now()
	return nil
}

func (h *Host) sendControl(p *Peer, hdr header) {
	data, _ := hdr.MarshalBinary()
	if err := h.write(p, data); err != nil {
		h.logger.Error().
			Str("peer", p.String()).
			Msgf("could not send %s: %v", hdr.Type, err)
	}
}

// refuse answers a connect we can't take. no peer is created for it.
func (h *Host) refuse(addr *net.UDPAddr) {
	data, _ := (&header{Type: pktDisconnect, Data: transport.DisconnectRefused}).MarshalBinary()
	if _, err := h.conn.WriteToUDP(data, addr); err != nil {
		h.logger.Error().
			Str("addr", addr.String()).
			Msgf("could not refuse connect: %v", err)
	}
}

func (h *Host) handleDatagram(dg datagram) {
	hdr := header{}
	if err := hdr.UnmarshalBinary(dg.data); err != nil {
		h.logger.Error().
			Str("addr", dg.addr.String()).
			Msgf("could not unmarshal header: %v", err)
		return
	}
	body := dg.data[HeaderSize:]

	p, ok := h.peers[makeAddrKey(dg.addr)]
	if !ok {
		h.handleStranger(dg.addr, hdr, body)
		return
	}
	p.lastRecv = time.Now()

	switch hdr.Type {
	case pktConnect:
		id, ok := readConnectID(body)
		if !ok {
			return
		}
		if id == p.connectID {
			// our verify got lost
			if p.state == transport.Connected {
				p.sendVerify()
			}
			return
		}
		if p.state == transport.Connecting {
			// both ends dialing each other at once, ours stands
			return
		}
		// the remote forgot the old connection (reset, timed out on its
		// side) and starts over. nothing of the old sequence state is valid.
		h.logger.Debug().
			Str("peer", p.String()).
			Msg("replaced by a new handshake")
		h.dropPeer(p, transport.DisconnectReplaced)
		h.handleStranger(dg.addr, hdr, body)
	case pktVerify:
		if p.state != transport.Connecting {
			return
		}
		if id, ok := readConnectID(body); !ok || id != p.connectID {
			// verify of an earlier handshake that was given up on
			return
		}
		p.state = transport.Connected
		h.logger.Debug().
			Str("peer", p.String()).
			Msg("connected")
		h.pushEvent(transport.Event{
			Kind: transport.EventConnect,
			Peer: p,
			Data: p.connectData,
		})
	case pktDisconnect:
		h.sendControl(p, header{Type: pktDisconnectAck})
		h.logger.Debug().
			Str("peer", p.String()).
			Msg("disconnected by remote")
		h.dropPeer(p, hdr.Data)
	case pktDisconnectAck:
		if p.state != transport.Disconnecting {
			return
		}
		h.logger.Debug().
			Str("peer", p.String()).
			Msg("disconnect acknowledged")
		h.dropPeer(p, p.disconnectData)
	case pktAck:
		delete(p.unacked, hdr.Seq)
	case pktData:
		if p.state != transport.Connected && p.state != transport.Disconnecting {
			return
		}
		if hdr.Channel == transport.ChannelUnreliable {
			h.pushReceive(p, hdr.Channel, body)
			return
		}
		for _, packet := range p.recvReliable(hdr.Seq, body) {
			h.pushReceive(p, hdr.Channel, packet)
		}
	case pktPing:
		// lastRecv is all it's for
	}
}

func (h *Host) pushReceive(p *Peer, ch transport.Channel, packet []byte) {
	h.pushEvent(transport.Event{
		Kind:    transport.EventReceive,
		Peer:    p,
		Channel: ch,
		Packet:  packet,
	})
}

func (h *Host) handleStranger(addr *net.UDPAddr, hdr header, body []byte) {
	switch hdr.Type {
	case pktConnect:
		id, ok := readConnectID(body)
		if !ok {
			h.logger.Error().
				Str("addr", addr.String()).
				Msg("connect without a connect id")
			return
		}
		if len(h.peers) >= h.peerLimit {
			h.logger.Debug().
				Str("addr", addr.String()).
				Msg("refused connect, host is full")
			h.refuse(addr)
			return
		}

		p := newPeer(h, addr, transport.Connected, time.Now())
		p.connectID = id
		h.peers[p.key] = p
		h.logger.Debug().
			Str("peer", p.String()).
			Msg("accepted connect")

		p.sendVerify()
		h.pushEvent(transport.Event{
			Kind: transport.EventConnect,
			Peer: p,
			Data: hdr.Data,
		})
	case pktDisconnect:
		// we already forgot about it, but the remote didn't get our ack.
		data, _ := (&header{Type: pktDisconnectAck}).MarshalBinary()
		_, _ = h.conn.WriteToUDP(data, addr)
	}
}

// maintain resends what's unacknowledged, pings idle peers and drops the ones
// that went silent.
func (h *Host) maintain(now time.Time) {
	for _, p := range h.peers {
		switch p.state {
		case transport.Connecting:
			if now.Sub(p.createdAt) > h.opts.PeerTimeout {
				h.dropPeer(p, transport.DisconnectTimedOut)
				continue
			}
			if now.Sub(p.handshakeAt) >= h.opts.ResendInterval {
				p.sendHandshake(pktConnect, p.connectData)
			}
		case transport.Disconnecting:
			if now.Sub(p.handshakeAt) >= h.opts.ResendInterval {
				p.sendHandshake(pktDisconnect, p.disconnectData)
			}
			if now.Sub(p.lastRecv) > h.opts.PeerTimeout {
				h.dropPeer(p, p.disconnectData)
			}
		case transport.Connected:
			if now.Sub(p.lastRecv) > h.opts.PeerTimeout {
				h.logger.Debug().
					Str("peer", p.String()).
					Msg("timed out")
				h.dropPeer(p, transport.DisconnectTimedOut)
				continue
			}
			h.resend(p, now)
			if now.Sub(p.lastSend) >= h.opts.PingInterval {
				h.sendControl(p, header{Type: pktPing})
			}
		}
	}
}

func (h *Host) resend(p *Peer, now time.Time) {
	for seq, out := range p.unacked {
		if now.Sub(out.firstSentAt) > h.opts.PeerTimeout {
			h.logger.Debug().
				Str("peer", p.String()).
				Msgf("reliable packet %d was never acknowledged", seq)
			h.dropPeer(p, transport.DisconnectTimedOut)
			return
		}
		if now.Sub(out.sentAt) < h.opts.ResendInterval {
			continue
		}
		if err := h.write(p, out.datagram); err != nil {
			h.logger.Error().
				Str("peer", p.String()).
				Msgf("could not resend %d: %v", seq, err)
			continue
		}
		out.sentAt = now
	}
}
