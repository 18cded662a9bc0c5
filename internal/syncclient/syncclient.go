package syncclient

import (
	"errors"
	"fmt"
	"net"
	"strconv"
	"time"

	"github.com/blukai/coopsync/internal/event"
	"github.com/blukai/coopsync/internal/protocol"
	"github.com/blukai/coopsync/internal/transport"
	"github.com/eapache/queue"
)

var (
	ErrConnectionFailed = errors.New("connection failed")
	ErrNotConnected     = errors.New("not connected")
)

// ReadMode decides what GetPosition does with packets that are already
// waiting.
type ReadMode uint8

const (
	// ReadSingle looks at exactly one transport event per call. a packet
	// about another slot, or anything that isn't a position, is consumed
	// and lost. call it at least once per tick.
	ReadSingle ReadMode = iota
	// ReadLatest drains everything that is ready and keeps only the newest
	// position per slot.
	ReadLatest
	// ReadQueued drains everything that is ready and hands out positions of
	// a slot one by one, oldest first.
	ReadQueued
)

func (m ReadMode) String() string {
	switch m {
	case ReadSingle:
		return "single"
	case ReadLatest:
		return "latest"
	case ReadQueued:
		return "queued"
	default:
		return fmt.Sprintf("mode(%d)", uint8(m))
	}
}

func ParseReadMode(s string) (ReadMode, error) {
	switch s {
	case "", "single":
		return ReadSingle, nil
	case "latest":
		return ReadLatest, nil
	case "queued":
		return ReadQueued, nil
	default:
		return 0, fmt.Errorf("unknown read mode %q", s)
	}
}

type Config struct {
	// Slot is the slot asked for on connect. SlotNone takes any free one;
	// either way the server's welcome decides what gets stamped on envelopes.
	Slot              protocol.Slot
	ConnectTimeout    time.Duration
	DisconnectTimeout time.Duration
	ReadMode          ReadMode
	// QueueLimit caps pending positions per slot in ReadQueued mode; the
	// oldest ones go first.
	QueueLimit int
}

func DefaultConfig() Config {
	return Config{
		Slot:              protocol.Slot1,
		ConnectTimeout:    time.Second,
		DisconnectTimeout: time.Second,
		ReadMode:          ReadSingle,
		QueueLimit:        64,
	}
}

func (c Config) withDefaults() Config {
	def := DefaultConfig()
	if c.ConnectTimeout <= 0 {
		c.ConnectTimeout = def.ConnectTimeout
	}
	if c.DisconnectTimeout <= 0 {
		c.DisconnectTimeout = def.DisconnectTimeout
	}
	if c.QueueLimit <= 0 {
		c.QueueLimit = def.QueueLimit
	}
	return c
}

// Client keeps one connection to a relay server. it is poll driven and not
// safe for concurrent use.
type Client struct {
	cfg     Config
	sink    event.Sink
	session *transport.Session

	state  transport.ConnState
	server transport.Peer
	addr   string
	// slot the server assigned, SlotNone while not connected
	slot protocol.Slot

	// ReadLatest
	latest map[protocol.Slot]protocol.Position
	// ReadQueued, of protocol.Position
	pending map[protocol.Slot]*queue.Queue
}

// New opens a single peer host from factory. sink may be nil.
func New(factory transport.Factory, cfg Config, sink event.Sink) (*Client, error) {
	host, err := factory.Open(1)
	if err != nil {
		return nil, fmt.Errorf("could not open host: %w", err)
	}

	return &Client{
		cfg:     cfg.withDefaults(),
		sink:    event.OrDiscard(sink),
		session: transport.NewSession(host),

		state: transport.Disconnected,

		latest:  make(map[protocol.Slot]protocol.Position),
		pending: make(map[protocol.Slot]*queue.Queue),
	}, nil
}

// Slot is the assigned slot while connected and the requested one otherwise.
func (c *Client) Slot() protocol.Slot {
	if c.slot != protocol.SlotNone {
		return c.slot
	}
	return c.cfg.Slot
}

func (c *Client) State() transport.ConnState {
	return c.state
}

func (c *Client) IsConnected() bool {
	return c.state == transport.Connected
}

// LocalAddr is the address the server sees this client at.
func (c *Client) LocalAddr() net.Addr {
	return c.session.Host().LocalAddr()
}

// Connect is a no-op when already connected. otherwise it blocks for up to
// the configured connect timeout, which covers both the handshake and the
// server's welcome. a server that has no room for us disconnects instead of
// welcoming, which fails with transport.ErrRefused.
func (c *Client) Connect(host string, port int) error {
	if c.state == transport.Connected {
		return nil
	}

	addr := net.JoinHostPort(host, strconv.Itoa(port))
	c.state = transport.Connecting
	c.sink.Emit(event.Event{Kind: event.Connecting, Slot: c.cfg.Slot, Addr: addr})

	start := time.Now()
	peer, err := c.session.Connect(addr, uint32(c.cfg.Slot), c.cfg.ConnectTimeout)
	if err == nil {
		err = c.awaitWelcome(peer, c.cfg.ConnectTimeout-time.Since(start))
	}
	if err != nil {
		c.state = transport.Disconnected
		err = fmt.Errorf("%w: %w", ErrConnectionFailed, err)
		c.sink.Emit(event.Event{
			Kind:    event.ConnectFailed,
			Slot:    c.cfg.Slot,
			Addr:    addr,
			Elapsed: time.Since(start),
			Err:     err,
		})
		return err
	}

	c.server = peer
	c.addr = addr
	c.state = transport.Connected
	c.resetBuffers()
	c.sink.Emit(event.Event{
		Kind:    event.Connected,
		Slot:    c.slot,
		Peer:    peer.ID(),
		Addr:    addr,
		Elapsed: time.Since(start),
	})
	return nil
}

// awaitWelcome waits for the server to hand out a slot on peer.
func (c *Client) awaitWelcome(peer transport.Peer, timeout time.Duration) error {
	deadline := time.Now().Add(timeout)
	for {
		remaining := time.Until(deadline)
		if remaining <= 0 {
			break
		}

		ev, ok, err := c.session.Poll(remaining)
		if err != nil {
			c.session.Reset(peer)
			return err
		}
		if !ok || ev.Peer != peer {
			continue
		}

		switch ev.Kind {
		case transport.EventDisconnect:
			return fmt.Errorf("%w (data %#x)", transport.ErrRefused, ev.Data)
		case transport.EventReceive:
			envelope, err := protocol.Decode(ev.Packet)
			if err != nil {
				c.sink.Emit(event.Event{
					Kind: event.PacketDropped,
					Peer: peer.ID(),
					Size: len(ev.Packet),
					Err:  err,
				})
				continue
			}
			if _, ok := envelope.Welcome(); ok {
				c.slot = envelope.Sender
				return nil
			}
		}
	}

	c.session.Reset(peer)
	return fmt.Errorf("no welcome within %s: %w", timeout, transport.ErrTimedOut)
}

// SendPosition sends our position on the reliable channel. failures are
// returned as is, retrying is up to the caller.
func (c *Client) SendPosition(x, y float32) error {
	if c.state != transport.Connected {
		return ErrNotConnected
	}

	data := protocol.Encode(c.slot, x, y)
	if err := c.session.Send(c.server, transport.ChannelReliable, data); err != nil {
		return err
	}

	c.sink.Emit(event.Event{
		Kind:     event.PositionSent,
		Slot:     c.slot,
		Position: &protocol.Position{X: x, Y: y},
		Size:     len(data),
	})
	return nil
}

// GetPosition never blocks. it returns false when nothing new is known about
// slot; a dropped connection looks the same (stale read), check State.
func (c *Client) GetPosition(slot protocol.Slot) (protocol.Position, bool) {
	if c.state != transport.Connected {
		return protocol.Position{}, false
	}

	switch c.cfg.ReadMode {
	case ReadLatest:
		c.drain()
		pos, ok := c.latest[slot]
		if ok {
			delete(c.latest, slot)
		}
		return pos, ok
	case ReadQueued:
		c.drain()
		q, ok := c.pending[slot]
		if !ok || q.Length() == 0 {
			return protocol.Position{}, false
		}
		return q.Remove().(protocol.Position), true
	default:
		envelope, ok := c.pollOnce()
		if !ok || envelope.Sender != slot {
			return protocol.Position{}, false
		}
		return envelope.Position()
	}
}

// drain reads every event that is ready into the per slot buffers.
func (c *Client) drain() {
	for c.state == transport.Connected {
		envelope, ok, more := c.poll()
		if !more {
			return
		}
		if !ok {
			continue
		}
		pos, _ := envelope.Position()
		switch c.cfg.ReadMode {
		case ReadLatest:
			c.latest[envelope.Sender] = pos
		case ReadQueued:
			q, ok := c.pending[envelope.Sender]
			if !ok {
				q = queue.New()
				c.pending[envelope.Sender] = q
			}
			if q.Length() >= c.cfg.QueueLimit {
				q.Remove()
			}
			q.Add(pos)
		}
	}
}

func (c *Client) pollOnce() (protocol.Envelope, bool) {
	envelope, ok, _ := c.poll()
	return envelope, ok
}

// poll handles at most one transport event. ok is set when that event was a
// position envelope; more is false when there was no event at all.
func (c *Client) poll() (envelope protocol.Envelope, ok bool, more bool) {
	ev, got, err := c.session.Poll(0)
	if err != nil || !got {
		return protocol.Envelope{}, false, false
	}

	switch ev.Kind {
	case transport.EventReceive:
		if ev.Peer != c.server {
			return protocol.Envelope{}, false, true
		}
		envelope, err := protocol.Decode(ev.Packet)
		if err != nil {
			c.sink.Emit(event.Event{
				Kind: event.PacketDropped,
				Peer: ev.Peer.ID(),
				Size: len(ev.Packet),
				Err:  err,
			})
			return protocol.Envelope{}, false, true
		}
		pos, isPos := envelope.Position()
		if !isPos {
			return protocol.Envelope{}, false, true
		}
		c.sink.Emit(event.Event{
			Kind:     event.PositionReceived,
			Slot:     envelope.Sender,
			Position: &pos,
		})
		return envelope, true, true
	case transport.EventDisconnect:
		if ev.Peer == c.server {
			c.lost(ev.Data)
		}
	}
	return protocol.Envelope{}, false, true
}

// lost is for the server going away on its own: refused us, timed out or
// shut down.
func (c *Client) lost(data uint32) {
	var err error
	switch data {
	case transport.DisconnectTimedOut:
		err = transport.ErrTimedOut
	case transport.DisconnectNormal:
	default:
		err = fmt.Errorf("%w (data %#x)", transport.ErrRefused, data)
	}

	c.sink.Emit(event.Event{Kind: event.Disconnected, Slot: c.slot, Addr: c.addr, Err: err})
	c.server = nil
	c.slot = protocol.SlotNone
	c.state = transport.Disconnected
}

// Disconnect always ends in Disconnected. the server gets the configured
// disconnect timeout to acknowledge, after that the connection is reset.
func (c *Client) Disconnect() {
	if c.state != transport.Connected || c.server == nil {
		c.state = transport.Disconnected
		return
	}

	c.state = transport.Disconnecting
	c.sink.Emit(event.Event{Kind: event.Disconnecting, Slot: c.slot, Addr: c.addr})

	start := time.Now()
	acked := c.session.Disconnect(c.server, uint32(c.slot), c.cfg.DisconnectTimeout)
	if !acked {
		c.sink.Emit(event.Event{
			Kind: event.ForcedReset,
			Slot: c.slot,
			Addr: c.addr,
			Err:  fmt.Errorf("disconnect was not acknowledged within %s", c.cfg.DisconnectTimeout),
		})
	}

	c.sink.Emit(event.Event{Kind: event.Disconnected, Slot: c.slot, Addr: c.addr, Elapsed: time.Since(start)})
	c.server = nil
	c.slot = protocol.SlotNone
	c.state = transport.Disconnected
	c.resetBuffers()
}

func (c *Client) resetBuffers() {
	clear(c.latest)
	clear(c.pending)
}

// Close disconnects and releases the host.
func (c *Client) Close() error {
	c.Disconnect()
	return c.session.Close()
}
