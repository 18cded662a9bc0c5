// Package memhost is an in-process transport.Factory. delivery is lossless
// and immediate, which makes session behaviour reproducible in tests. a host
// can be muted to play a remote that never acknowledges disconnects.
package memhost

import (
	"errors"
	"fmt"
	"net"
	"strconv"
	"sync"
	"time"

	"github.com/blukai/coopsync/internal/transport"
)

const inboxSize = 1 << 12

type Addr string

func (a Addr) Network() string { return "mem" }
func (a Addr) String() string  { return string(a) }

type segmentKind uint8

const (
	segConnect segmentKind = iota + 1
	segVerify
	segDisconnect
	segDisconnectAck
	segData
)

type segment struct {
	from    string
	kind    segmentKind
	channel transport.Channel
	data    uint32
	body    []byte
}

type Network struct {
	mu     sync.Mutex
	hosts  map[string]*Host
	muted  map[string]bool
	nextEp int
}

var _ transport.Factory = (*Network)(nil)

func NewNetwork() *Network {
	return &Network{
		hosts: make(map[string]*Host),
		muted: make(map[string]bool),
	}
}

// SetMute makes the host at address ignore disconnects: no ack, no event,
// the peer stays. a muted host is what a hung or vanished remote looks like.
func (n *Network) SetMute(address string, mute bool) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.muted[address] = mute
}

func (n *Network) isMuted(address string) bool {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.muted[address]
}

// Listen registers a host at address. "" and ":0" pick a fresh address.
func (n *Network) Listen(address string, peerLimit int) (transport.Host, error) {
	if peerLimit <= 0 {
		return nil, fmt.Errorf("invalid peer limit %d", peerLimit)
	}

	n.mu.Lock()
	defer n.mu.Unlock()

	if address == "" || address == ":0" {
		n.nextEp += 1
		address = "ephemeral:" + strconv.Itoa(n.nextEp)
	}
	if _, ok := n.hosts[address]; ok {
		return nil, fmt.Errorf("%w: %s is already in use", transport.ErrBindFailed, address)
	}

	h := &Host{
		network:   n,
		addr:      address,
		peerLimit: peerLimit,
		peers:     make(map[string]*Peer),
		inbox:     make(chan segment, inboxSize),
	}
	n.hosts[address] = h
	return h, nil
}

func (n *Network) Open(peerLimit int) (transport.Host, error) {
	return n.Listen("", peerLimit)
}

func (n *Network) deliver(to string, seg segment) {
	n.mu.Lock()
	h, ok := n.hosts[to]
	n.mu.Unlock()
	if !ok {
		// nobody is listening, like udp
		return
	}
	select {
	case h.inbox <- seg:
	default:
	}
}

func (n *Network) unregister(h *Host) {
	n.mu.Lock()
	defer n.mu.Unlock()
	if cur, ok := n.hosts[h.addr]; ok && cur == h {
		delete(n.hosts, h.addr)
	}
}

type Host struct {
	network *Network
	addr    string

	peerLimit int
	peers     map[string]*Peer
	nextID    transport.PeerID

	inbox  chan segment
	events []transport.Event
	closed bool
}

var _ transport.Host = (*Host)(nil)

func (h *Host) LocalAddr() net.Addr { return Addr(h.addr) }

// PeerCount is the number of peers the host currently tracks.
func (h *Host) PeerCount() int { return len(h.peers) }

func (h *Host) Closed() bool { return h.closed }

func (h *Host) newPeer(remote string, state transport.ConnState) *Peer {
	h.nextID += 1
	p := &Peer{host: h, id: h.nextID, remote: remote, state: state}
	h.peers[remote] = p
	return p
}

func (h *Host) send(to string, seg segment) {
	seg.from = h.addr
	h.network.deliver(to, seg)
}

func (h *Host) Connect(address string, data uint32) (transport.Peer, error) {
	if h.closed {
		return nil, transport.ErrClosed
	}
	if _, ok := h.peers[address]; ok {
		return nil, fmt.Errorf("already have a peer for %s", address)
	}
	if len(h.peers) >= h.peerLimit {
		return nil, errors.New("no available peers for initiating a connection")
	}

	p := h.newPeer(address, transport.Connecting)
	p.connectData = data
	h.send(address, segment{kind: segConnect, data: data})
	return p, nil
}

func (h *Host) Service(timeout time.Duration) (transport.Event, bool, error) {
	if h.closed {
		return transport.Event{}, false, transport.ErrClosed
	}

	deadline := time.Now().Add(timeout)
	for {
		h.drain()
		if len(h.events) > 0 {
			ev := h.events[0]
			h.events = h.events[1:]
			return ev, true, nil
		}

		remaining := time.Until(deadline)
		if remaining <= 0 {
			return transport.Event{}, false, nil
		}

		timer := time.NewTimer(remaining)
		select {
		case seg := <-h.inbox:
			timer.Stop()
			h.handle(seg)
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
	h.events = nil
	h.network.unregister(h)
	return nil
}

func (h *Host) drain() {
	for {
		select {
		case seg := <-h.inbox:
			h.handle(seg)
		default:
			return
		}
	}
}

func (h *Host) push(ev transport.Event) {
	h.events = append(h.events, ev)
}

func (h *Host) drop(p *Peer, data uint32) {
	p.state = transport.Disconnected
	delete(h.peers, p.remote)
	h.push(transport.Event{Kind: transport.EventDisconnect, Peer: p, Data: data})
}

func (h *Host) accept(seg segment) {
	if len(h.peers) >= h.peerLimit {
		h.send(seg.from, segment{kind: segDisconnect, data: transport.DisconnectRefused})
		return
	}
	p := h.newPeer(seg.from, transport.Connected)
	h.send(seg.from, segment{kind: segVerify})
	h.push(transport.Event{Kind: transport.EventConnect, Peer: p, Data: seg.data})
}

func (h *Host) handle(seg segment) {
	p, ok := h.peers[seg.from]
	if !ok {
		switch seg.kind {
		case segConnect:
			h.accept(seg)
		case segDisconnect:
			if !h.network.isMuted(h.addr) {
				h.send(seg.from, segment{kind: segDisconnectAck})
			}
		}
		return
	}

	switch seg.kind {
	case segConnect:
		// delivery is lossless, so this is never a resend: the remote
		// dropped the old connection on its side and starts over.
		if p.state == transport.Connecting {
			return
		}
		h.drop(p, transport.DisconnectReplaced)
		h.accept(seg)
	case segVerify:
		if p.state == transport.Connecting {
			p.state = transport.Connected
			h.push(transport.Event{Kind: transport.EventConnect, Peer: p, Data: p.connectData})
		}
	case segDisconnect:
		if h.network.isMuted(h.addr) {
			return
		}
		h.send(seg.from, segment{kind: segDisconnectAck})
		h.drop(p, seg.data)
	case segDisconnectAck:
		if p.state == transport.Disconnecting {
			h.drop(p, p.disconnectData)
		}
	case segData:
		if p.state == transport.Connected || p.state == transport.Disconnecting {
			h.push(transport.Event{
				Kind:    transport.EventReceive,
				Peer:    p,
				Channel: seg.channel,
				Packet:  seg.body,
			})
		}
	}
}

type Peer struct {
	host   *Host
	id     transport.PeerID
	remote string
	state  transport.ConnState

	connectData    uint32
	disconnectData uint32
}

var _ transport.Peer = (*Peer)(nil)

func (p *Peer) ID() transport.PeerID       { return p.id }
func (p *Peer) Addr() net.Addr             { return Addr(p.remote) }
func (p *Peer) State() transport.ConnState { return p.state }

func (p *Peer) Send(ch transport.Channel, data []byte) error {
	if p.state != transport.Connected {
		return fmt.Errorf("peer %d is %s", p.id, p.state)
	}
	if ch >= transport.ChannelCount {
		return fmt.Errorf("unknown channel %d", ch)
	}
	body := make([]byte, len(data))
	copy(body, data)
	p.host.send(p.remote, segment{kind: segData, channel: ch, body: body})
	return nil
}

func (p *Peer) Disconnect(data uint32) {
	switch p.state {
	case transport.Connected:
		p.state = transport.Disconnecting
		p.disconnectData = data
		p.host.send(p.remote, segment{kind: segDisconnect, data: data})
	case transport.Connecting:
		p.Reset()
	}
}

func (p *Peer) Reset() {
	p.state = transport.Disconnected
	if cur, ok := p.host.peers[p.remote]; ok && cur == p {
		delete(p.host.peers, p.remote)
	}
	// reset peers produce no events, not even ones already queued
	kept := p.host.events[:0]
	for _, ev := range p.host.events {
		if ev.Peer != transport.Peer(p) {
			kept = append(kept, ev)
		}
	}
	p.host.events = kept
}
