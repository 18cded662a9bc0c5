package syncserver_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/blukai/coopsync/internal/event"
	"github.com/blukai/coopsync/internal/memhost"
	"github.com/blukai/coopsync/internal/protocol"
	"github.com/blukai/coopsync/internal/syncserver"
	"github.com/blukai/coopsync/internal/transport"
	"github.com/matryer/is"
)

const port = 8000

// player is a bare transport host standing in for a client, so that every
// step of a test runs on one goroutine.
type player struct {
	host transport.Host
	peer transport.Peer
	// slot the server welcomed us with
	slot protocol.Slot
}

func (p *player) next(t *testing.T) (transport.Event, bool) {
	t.Helper()
	ev, ok, err := p.host.Service(0)
	if err != nil {
		t.Fatalf("could not service player: %v", err)
	}
	return ev, ok
}

func (p *player) send(t *testing.T, data []byte) {
	t.Helper()
	if err := p.peer.Send(transport.ChannelReliable, data); err != nil {
		t.Fatalf("could not send: %v", err)
	}
}

func newServer(t *testing.T, network *memhost.Network, cfg syncserver.Config) (*syncserver.Server, *event.Recorder) {
	t.Helper()
	rec := &event.Recorder{}
	srv := syncserver.New(network, cfg, rec)
	if err := srv.Start(port); err != nil {
		t.Fatalf("could not start: %v", err)
	}
	t.Cleanup(func() { srv.Shutdown(0) })
	return srv, rec
}

// join connects a player asking for slot and returns what the server said
// about it. the server is polled until it decided.
func join(t *testing.T, network *memhost.Network, srv *syncserver.Server, rec *event.Recorder, slot protocol.Slot) (*player, error) {
	t.Helper()
	is := is.New(t)

	host, err := network.Open(1)
	is.NoErr(err)
	peer, err := host.Connect(srv.Addr().String(), uint32(slot))
	is.NoErr(err)

	joined, rejected := rec.Count(event.PeerJoined), rec.Count(event.PeerRejected)
	deadline := time.Now().Add(time.Second)
	for rec.Count(event.PeerJoined) == joined && rec.Count(event.PeerRejected) == rejected {
		if time.Now().After(deadline) {
			t.Fatal("server never saw the connect")
		}
		_ = srv.PollOnce(10 * time.Millisecond)
	}

	var joinErr error
	if rec.Count(event.PeerRejected) > rejected {
		ev, _ := rec.Last(event.PeerRejected)
		joinErr = ev.Err
	}

	p := &player{host: host, peer: peer}
	ev, ok := p.next(t)
	is.True(ok)
	is.Equal(ev.Kind, transport.EventConnect)
	if joinErr != nil {
		// the disconnect is left for the test
		return p, joinErr
	}

	ev, ok = p.next(t)
	is.True(ok)
	is.Equal(ev.Kind, transport.EventReceive)
	is.Equal(ev.Channel, transport.ChannelReliable)
	envelope, err := protocol.Decode(ev.Packet)
	is.NoErr(err)
	welcome, ok := envelope.Welcome()
	is.True(ok)
	is.Equal(welcome.Capacity, uint8(2)) // default capacity
	p.slot = envelope.Sender
	return p, nil
}

func TestStartBindFailed(t *testing.T) {
	is := is.New(t)

	network := memhost.NewNetwork()
	_, _ = newServer(t, network, syncserver.DefaultConfig())

	other := syncserver.New(network, syncserver.DefaultConfig(), nil)
	err := other.Start(port)
	is.True(errors.Is(err, transport.ErrBindFailed))
	is.True(!other.IsServing())
}

func TestPollBeforeStart(t *testing.T) {
	is := is.New(t)

	srv := syncserver.New(memhost.NewNetwork(), syncserver.Config{}, nil)
	is.True(errors.Is(srv.PollOnce(0), syncserver.ErrNotServing))
	is.NoErr(srv.Shutdown(time.Second))
}

func TestForwardPosition(t *testing.T) {
	is := is.New(t)

	network := memhost.NewNetwork()
	srv, rec := newServer(t, network, syncserver.DefaultConfig())

	one, err := join(t, network, srv, rec, protocol.Slot1)
	is.NoErr(err)
	two, err := join(t, network, srv, rec, protocol.Slot2)
	is.NoErr(err)
	is.Equal(srv.Occupied(), []protocol.Slot{protocol.Slot1, protocol.Slot2})

	data := protocol.Encode(protocol.Slot1, 12.5, -3.0)
	one.send(t, data)
	is.NoErr(srv.PollOnce(time.Second))

	ev, ok := two.next(t)
	is.True(ok)
	is.Equal(ev.Kind, transport.EventReceive)
	is.Equal(ev.Channel, transport.ChannelReliable)
	is.Equal(ev.Packet, data) // byte for byte

	// no echo
	_, ok = one.next(t)
	is.True(!ok)

	is.Equal(srv.Stats().Forwarded, 1)
	fwd, ok := rec.Last(event.Forwarded)
	is.True(ok)
	is.Equal(fwd.Slot, protocol.Slot1)
	is.Equal(fwd.Target, protocol.Slot2)
}

func TestForwardWithoutPartner(t *testing.T) {
	is := is.New(t)

	network := memhost.NewNetwork()
	srv, rec := newServer(t, network, syncserver.DefaultConfig())

	one, err := join(t, network, srv, rec, protocol.Slot1)
	is.NoErr(err)

	one.send(t, protocol.Encode(protocol.Slot1, 1, 1))
	err = srv.PollOnce(time.Second)
	is.True(errors.Is(err, syncserver.ErrNoRouteToPeer))
	is.Equal(srv.Stats().ForwardFailed, 1)

	// nothing came back
	_, ok := one.next(t)
	is.True(!ok)
}

func TestBadPacketsAreDropped(t *testing.T) {
	is := is.New(t)

	network := memhost.NewNetwork()
	srv, rec := newServer(t, network, syncserver.DefaultConfig())

	one, err := join(t, network, srv, rec, protocol.Slot1)
	is.NoErr(err)
	two, err := join(t, network, srv, rec, protocol.Slot2)
	is.NoErr(err)

	one.send(t, []byte{1, 2})
	err = srv.PollOnce(time.Second)
	is.True(errors.Is(err, protocol.ErrMalformed))

	one.send(t, []byte{protocol.Version, 1, 99, 0, 0})
	err = srv.PollOnce(time.Second)
	is.True(errors.Is(err, protocol.ErrUnknownContentType))

	// slot1 pretending to be slot2
	one.send(t, protocol.Encode(protocol.Slot2, 1, 1))
	err = srv.PollOnce(time.Second)
	is.True(errors.Is(err, syncserver.ErrSenderMismatch))

	is.Equal(srv.Stats().Dropped, 3)
	is.Equal(srv.Occupied(), []protocol.Slot{protocol.Slot1, protocol.Slot2})
	_, ok := two.next(t)
	is.True(!ok)

	// and the session still works
	one.send(t, protocol.Encode(protocol.Slot1, 5, 6))
	is.NoErr(srv.PollOnce(time.Second))
	ev, ok := two.next(t)
	is.True(ok)
	is.Equal(ev.Kind, transport.EventReceive)
}

func TestThirdPlayerIsRejected(t *testing.T) {
	is := is.New(t)

	network := memhost.NewNetwork()
	srv, rec := newServer(t, network, syncserver.DefaultConfig())

	_, err := join(t, network, srv, rec, protocol.Slot1)
	is.NoErr(err)
	_, err = join(t, network, srv, rec, protocol.Slot2)
	is.NoErr(err)
	onePeer, _ := srv.Peer(protocol.Slot1)

	three, err := join(t, network, srv, rec, protocol.SlotNone)
	is.True(errors.Is(err, syncserver.ErrSessionFull))

	// existing assignments are untouched
	is.Equal(srv.Occupied(), []protocol.Slot{protocol.Slot1, protocol.Slot2})
	stillOne, _ := srv.Peer(protocol.Slot1)
	is.Equal(stillOne, onePeer)

	// the rejected player is told why
	ev, ok := three.next(t)
	is.True(ok)
	is.Equal(ev.Kind, transport.EventDisconnect)
	is.Equal(ev.Data, syncserver.RejectSessionFull)

	rejected, ok := rec.Last(event.PeerRejected)
	is.True(ok)
	is.True(errors.Is(rejected.Err, syncserver.ErrSessionFull))
	is.Equal(srv.Stats().Rejected, 1)

	// the ack of the rejection doesn't disturb anything either
	is.NoErr(srv.PollOnce(10 * time.Millisecond))
	is.Equal(srv.Occupied(), []protocol.Slot{protocol.Slot1, protocol.Slot2})
}

func TestRequestedSlotTaken(t *testing.T) {
	is := is.New(t)

	network := memhost.NewNetwork()
	srv, rec := newServer(t, network, syncserver.DefaultConfig())

	_, err := join(t, network, srv, rec, protocol.Slot2)
	is.NoErr(err)

	other, err := join(t, network, srv, rec, protocol.Slot2)
	is.True(errors.Is(err, syncserver.ErrSlotTaken))
	ev, ok := other.next(t)
	is.True(ok)
	is.Equal(ev.Data, syncserver.RejectSlotTaken)

	free, err := join(t, network, srv, rec, protocol.SlotNone)
	is.NoErr(err)
	is.Equal(free.slot, protocol.Slot1) // told which one it got
	is.Equal(srv.Occupied(), []protocol.Slot{protocol.Slot1, protocol.Slot2})
}

func TestWelcomeCarriesRequestedSlot(t *testing.T) {
	is := is.New(t)

	network := memhost.NewNetwork()
	srv, rec := newServer(t, network, syncserver.DefaultConfig())

	two, err := join(t, network, srv, rec, protocol.Slot2)
	is.NoErr(err)
	is.Equal(two.slot, protocol.Slot2)

	joined, ok := rec.Last(event.PeerJoined)
	is.True(ok)
	is.Equal(joined.Slot, protocol.Slot2)

	// the welcome is not a forwarded position
	is.Equal(srv.Stats().Forwarded, 0)
}

func TestDisconnectFreesSlot(t *testing.T) {
	is := is.New(t)

	network := memhost.NewNetwork()
	srv, rec := newServer(t, network, syncserver.DefaultConfig())

	one, err := join(t, network, srv, rec, protocol.Slot1)
	is.NoErr(err)

	one.peer.Disconnect(0)
	is.NoErr(srv.PollOnce(time.Second))
	is.Equal(len(srv.Occupied()), 0)

	left, ok := rec.Last(event.PeerLeft)
	is.True(ok)
	is.Equal(left.Slot, protocol.Slot1)

	_, err = join(t, network, srv, rec, protocol.Slot1)
	is.NoErr(err)
}

func TestShutdownGraceful(t *testing.T) {
	is := is.New(t)

	network := memhost.NewNetwork()
	srv, rec := newServer(t, network, syncserver.DefaultConfig())

	one, err := join(t, network, srv, rec, protocol.Slot1)
	is.NoErr(err)
	two, err := join(t, network, srv, rec, protocol.Slot2)
	is.NoErr(err)

	// players acknowledge on their own goroutines from here on
	acked := make(chan uint32, 2)
	for _, p := range []*player{one, two} {
		go func(p *player) {
			deadline := time.Now().Add(2 * time.Second)
			for time.Now().Before(deadline) {
				ev, ok, err := p.host.Service(5 * time.Millisecond)
				if err != nil {
					return
				}
				if ok && ev.Kind == transport.EventDisconnect {
					acked <- ev.Data
					return
				}
			}
		}(p)
	}

	start := time.Now()
	is.NoErr(srv.Shutdown(5 * time.Second))
	is.True(time.Since(start) < time.Second)

	is.Equal(len(srv.Occupied()), 0)
	is.True(!srv.IsServing())
	is.Equal(srv.Stats().ForcedResets, 0)
	is.Equal(srv.Stats().Left, 2)

	is.Equal(<-acked, transport.DisconnectNormal)
	is.Equal(<-acked, transport.DisconnectNormal)
}

func TestShutdownForcesSilentPeers(t *testing.T) {
	is := is.New(t)

	network := memhost.NewNetwork()
	srv, rec := newServer(t, network, syncserver.DefaultConfig())

	one, err := join(t, network, srv, rec, protocol.Slot1)
	is.NoErr(err)
	two, err := join(t, network, srv, rec, protocol.Slot2)
	is.NoErr(err)

	network.SetMute(one.host.LocalAddr().String(), true)
	network.SetMute(two.host.LocalAddr().String(), true)

	const timeout = 100 * time.Millisecond
	start := time.Now()
	is.NoErr(srv.Shutdown(timeout))
	elapsed := time.Since(start)

	is.True(elapsed >= timeout)
	is.True(elapsed < timeout+200*time.Millisecond)
	is.Equal(len(srv.Occupied()), 0)
	is.True(!srv.IsServing())
	is.Equal(srv.Stats().ForcedResets, 2)
	is.Equal(rec.Count(event.ForcedReset), 2)

	// the port is free again
	is.NoErr(srv.Start(port))
}

func TestShutdownDiscardsPendingPackets(t *testing.T) {
	is := is.New(t)

	network := memhost.NewNetwork()
	srv, rec := newServer(t, network, syncserver.DefaultConfig())

	one, err := join(t, network, srv, rec, protocol.Slot1)
	is.NoErr(err)
	two, err := join(t, network, srv, rec, protocol.Slot2)
	is.NoErr(err)

	one.send(t, protocol.Encode(protocol.Slot1, 1, 2))
	network.SetMute(one.host.LocalAddr().String(), true)
	network.SetMute(two.host.LocalAddr().String(), true)

	is.NoErr(srv.Shutdown(50 * time.Millisecond))
	is.Equal(srv.Stats().Forwarded, 0)

	// two never sees the packet that was pending during shutdown
	for {
		ev, ok := two.next(t)
		if !ok {
			break
		}
		is.True(ev.Kind != transport.EventReceive)
	}
}

func TestRunShutsDownOnCancel(t *testing.T) {
	is := is.New(t)

	network := memhost.NewNetwork()
	cfg := syncserver.DefaultConfig()
	cfg.PollTimeout = 5 * time.Millisecond
	cfg.ShutdownTimeout = 50 * time.Millisecond
	srv, rec := newServer(t, network, cfg)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		done <- srv.Run(ctx)
	}()

	time.Sleep(20 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		is.NoErr(err)
	case <-time.After(time.Second):
		t.Fatal("run did not return")
	}
	is.True(!srv.IsServing())
	_, ok := rec.Last(event.ShutdownFinished)
	is.True(ok)
}
