package syncserver

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strconv"
	"time"

	"github.com/blukai/coopsync/internal/debug"
	"github.com/blukai/coopsync/internal/event"
	"github.com/blukai/coopsync/internal/protocol"
	"github.com/blukai/coopsync/internal/transport"
	"github.com/hashicorp/go-multierror"
)

var (
	ErrSessionFull    = errors.New("session is full")
	ErrSlotTaken      = errors.New("slot is taken")
	ErrInvalidSlot    = errors.New("invalid slot")
	ErrNoRouteToPeer  = errors.New("no route to peer")
	ErrSenderMismatch = errors.New("sender does not match peer's slot")
	ErrNotServing     = errors.New("not serving")
)

// disconnect data sent to peers the server turns away.
const (
	RejectSessionFull uint32 = iota + 1
	RejectSlotTaken
	RejectInvalidSlot
)

type Config struct {
	MaxConnections  int
	ShutdownTimeout time.Duration
	// PollTimeout is how long Run waits for an event per iteration.
	PollTimeout time.Duration
	// RejectTimeout is how long a turned away peer gets to acknowledge its
	// disconnect before it is reset.
	RejectTimeout time.Duration
}

func DefaultConfig() Config {
	return Config{
		MaxConnections:  2,
		ShutdownTimeout: 50 * time.Second,
		PollTimeout:     100 * time.Millisecond,
		RejectTimeout:   time.Second,
	}
}

func (c Config) withDefaults() Config {
	def := DefaultConfig()
	if c.MaxConnections <= 0 {
		c.MaxConnections = def.MaxConnections
	}
	if c.ShutdownTimeout <= 0 {
		c.ShutdownTimeout = def.ShutdownTimeout
	}
	if c.PollTimeout <= 0 {
		c.PollTimeout = def.PollTimeout
	}
	if c.RejectTimeout <= 0 {
		c.RejectTimeout = def.RejectTimeout
	}
	return c
}

type Stats struct {
	Joined        int
	Rejected      int
	Left          int
	Forwarded     int
	ForwardFailed int
	Dropped       int
	ForcedResets  int
}

type rejection struct {
	peer     transport.Peer
	deadline time.Time
}

// Server relays positions between player slots. it is poll driven and not
// safe for concurrent use.
type Server struct {
	cfg     Config
	factory transport.Factory
	sink    event.Sink

	session   *transport.Session
	table     *PeerTable
	rejecting []rejection

	stats Stats
}

func New(factory transport.Factory, cfg Config, sink event.Sink) *Server {
	cfg = cfg.withDefaults()
	return &Server{
		cfg:     cfg,
		factory: factory,
		sink:    event.OrDiscard(sink),
		table:   NewPeerTable(cfg.MaxConnections),
	}
}

// Start binds the host. one spare peer above MaxConnections is allowed at
// transport level so that over capacity connects can be turned away with a
// reason instead of silently.
func (s *Server) Start(port int) error {
	if s.session != nil {
		return errors.New("already serving")
	}

	address := net.JoinHostPort("", strconv.Itoa(port))
	host, err := s.factory.Listen(address, s.cfg.MaxConnections+1)
	if err != nil {
		if !errors.Is(err, transport.ErrBindFailed) {
			err = fmt.Errorf("%w: %w", transport.ErrBindFailed, err)
		}
		return err
	}

	s.session = transport.NewSession(host)
	s.sink.Emit(event.Event{Kind: event.Listening, Addr: host.LocalAddr().String(), Count: s.cfg.MaxConnections})
	return nil
}

func (s *Server) IsServing() bool {
	return s.session != nil
}

func (s *Server) Addr() net.Addr {
	if s.session == nil {
		return nil
	}
	return s.session.Host().LocalAddr()
}

func (s *Server) Occupied() []protocol.Slot {
	return s.table.Occupied()
}

func (s *Server) Peer(slot protocol.Slot) (transport.Peer, bool) {
	return s.table.Get(slot)
}

func (s *Server) Stats() Stats {
	return s.stats
}

// Run polls until ctx is done and then shuts down.
func (s *Server) Run(ctx context.Context) error {
	if s.session == nil {
		return ErrNotServing
	}
	for {
		select {
		case <-ctx.Done():
			return s.Shutdown(s.cfg.ShutdownTimeout)
		default:
		}

		// anything PollOnce returns has already been emitted, only a dead
		// host stops the loop.
		if err := s.PollOnce(s.cfg.PollTimeout); errors.Is(err, transport.ErrClosed) {
			return err
		}
	}
}

// PollOnce handles at most one transport event, waiting for up to timeout.
// errors describe what happened to that event; none of them are fatal for
// the session.
func (s *Server) PollOnce(timeout time.Duration) error {
	if s.session == nil {
		return ErrNotServing
	}
	s.expireRejections(time.Now())

	ev, ok, err := s.session.Poll(timeout)
	if err != nil {
		return err
	}
	if !ok {
		return nil
	}

	switch ev.Kind {
	case transport.EventConnect:
		return s.handleConnect(ev)
	case transport.EventReceive:
		return s.handleReceive(ev)
	case transport.EventDisconnect:
		s.handleDisconnect(ev)
	}
	return nil
}

func (s *Server) handleConnect(ev transport.Event) error {
	// connect data is the requested slot
	if ev.Data > 0xff {
		err := fmt.Errorf("%w: %#x", ErrInvalidSlot, ev.Data)
		s.reject(ev.Peer, protocol.SlotNone, err)
		return err
	}
	requested := protocol.Slot(ev.Data)

	slot, err := s.table.Assign(requested, ev.Peer)
	if err != nil {
		s.reject(ev.Peer, requested, err)
		return err
	}

	s.stats.Joined += 1
	s.sink.Emit(event.Event{
		Kind:  event.PeerJoined,
		Slot:  slot,
		Peer:  ev.Peer.ID(),
		Addr:  ev.Peer.Addr().String(),
		Count: s.table.Len(),
	})

	// tells the peer which slot it got
	welcome, err := protocol.EncodeEnvelope(protocol.Envelope{
		Sender:  slot,
		Content: protocol.Welcome{Capacity: uint8(s.table.Cap())},
	})
	debug.Assert(err == nil)
	if err := s.session.Send(ev.Peer, transport.ChannelReliable, welcome); err != nil {
		return fmt.Errorf("could not welcome %s: %w", slot, err)
	}
	return nil
}

func (s *Server) reject(peer transport.Peer, requested protocol.Slot, err error) {
	reason := RejectSessionFull
	switch {
	case errors.Is(err, ErrSlotTaken):
		reason = RejectSlotTaken
	case errors.Is(err, ErrInvalidSlot):
		reason = RejectInvalidSlot
	}

	peer.Disconnect(reason)
	s.rejecting = append(s.rejecting, rejection{
		peer:     peer,
		deadline: time.Now().Add(s.cfg.RejectTimeout),
	})

	s.stats.Rejected += 1
	s.sink.Emit(event.Event{
		Kind: event.PeerRejected,
		Slot: requested,
		Peer: peer.ID(),
		Addr: peer.Addr().String(),
		Err:  err,
	})
}

// expireRejections resets turned away peers that didn't go quietly.
func (s *Server) expireRejections(now time.Time) {
	kept := s.rejecting[:0]
	for _, r := range s.rejecting {
		switch {
		case r.peer.State() == transport.Disconnected:
		case now.After(r.deadline):
			s.session.Reset(r.peer)
		default:
			kept = append(kept, r)
		}
	}
	s.rejecting = kept
}

func (s *Server) handleReceive(ev transport.Event) error {
	from, ok := s.table.SlotOf(ev.Peer)
	if !ok {
		// turned away peers may still have something in flight
		s.drop(ev, protocol.SlotNone, fmt.Errorf("peer %d has no slot", ev.Peer.ID()))
		return nil
	}

	envelope, err := protocol.Decode(ev.Packet)
	if err != nil {
		s.drop(ev, from, err)
		return err
	}
	if envelope.Sender != from {
		err := fmt.Errorf("%w: envelope says %s, peer is %s", ErrSenderMismatch, envelope.Sender, from)
		s.drop(ev, from, err)
		return err
	}

	switch envelope.Content.ContentType() {
	case protocol.ContentPosition:
		return s.forward(from, ev.Packet)
	default:
		err := fmt.Errorf("%s is not relayed", envelope.Content.ContentType())
		s.drop(ev, from, err)
		return nil
	}
}

// forward relays packet, as received, to every target of from on the
// reliable channel.
func (s *Server) forward(from protocol.Slot, packet []byte) error {
	targets := s.table.Targets(from)
	if len(targets) == 0 {
		err := fmt.Errorf("%w: nobody to forward %s's packet to", ErrNoRouteToPeer, from)
		s.stats.ForwardFailed += 1
		s.sink.Emit(event.Event{Kind: event.ForwardFailed, Slot: from, Err: err})
		return err
	}

	var errs error
	for _, target := range targets {
		peer, _ := s.table.Get(target)
		if err := s.session.Send(peer, transport.ChannelReliable, packet); err != nil {
			err = fmt.Errorf("could not forward %s -> %s: %w", from, target, err)
			s.stats.ForwardFailed += 1
			s.sink.Emit(event.Event{Kind: event.ForwardFailed, Slot: from, Target: target, Err: err})
			errs = multierror.Append(errs, err)
			continue
		}
		s.stats.Forwarded += 1
		s.sink.Emit(event.Event{Kind: event.Forwarded, Slot: from, Target: target, Size: len(packet)})
	}
	return errs
}

func (s *Server) drop(ev transport.Event, from protocol.Slot, err error) {
	s.stats.Dropped += 1
	s.sink.Emit(event.Event{
		Kind: event.PacketDropped,
		Slot: from,
		Peer: ev.Peer.ID(),
		Size: len(ev.Packet),
		Err:  err,
	})
}

func (s *Server) handleDisconnect(ev transport.Event) {
	slot, ok := s.table.Remove(ev.Peer)
	if !ok {
		return
	}

	var err error
	if ev.Data == transport.DisconnectTimedOut {
		err = transport.ErrTimedOut
	}
	s.stats.Left += 1
	s.sink.Emit(event.Event{
		Kind:  event.PeerLeft,
		Slot:  slot,
		Peer:  ev.Peer.ID(),
		Count: s.table.Len(),
		Err:   err,
	})
}

// Shutdown disconnects every peer, waits up to timeout for them to
// acknowledge and resets whoever didn't. it always leaves the peer table
// empty and the host closed; the returned error is the host's close error.
func (s *Server) Shutdown(timeout time.Duration) error {
	if s.session == nil {
		return nil
	}

	start := time.Now()
	s.sink.Emit(event.Event{Kind: event.ShutdownStarted, Count: s.table.Len()})

	for _, slot := range s.table.Occupied() {
		peer, _ := s.table.Get(slot)
		peer.Disconnect(transport.DisconnectNormal)
	}
	for _, r := range s.rejecting {
		s.session.Reset(r.peer)
	}
	s.rejecting = nil

	deadline := start.Add(timeout)
	for s.table.Len() > 0 {
		remaining := time.Until(deadline)
		if remaining <= 0 {
			break
		}

		ev, ok, err := s.session.Poll(remaining)
		if err != nil {
			break
		}
		if !ok {
			continue
		}

		switch ev.Kind {
		case transport.EventReceive:
			// nobody to deliver to anymore
		case transport.EventDisconnect:
			s.handleDisconnect(ev)
		case transport.EventConnect:
			// late joiner, it doesn't get a slot
			ev.Peer.Disconnect(transport.DisconnectNormal)
		}
	}

	for _, slot := range s.table.Occupied() {
		peer, _ := s.table.Get(slot)
		s.session.Reset(peer)
		s.stats.ForcedResets += 1
		s.sink.Emit(event.Event{
			Kind: event.ForcedReset,
			Slot: slot,
			Peer: peer.ID(),
			Err:  fmt.Errorf("disconnect was not acknowledged within %s", timeout),
		})
	}
	s.table.Clear()

	var errs error
	if err := s.session.Close(); err != nil {
		errs = multierror.Append(errs, fmt.Errorf("could not close host: %w", err))
	}
	s.session = nil

	s.sink.Emit(event.Event{Kind: event.ShutdownFinished, Elapsed: time.Since(start), Err: errs})
	return errs
}
