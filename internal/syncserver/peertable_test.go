package syncserver_test

import (
	"errors"
	"net"
	"testing"

	"github.com/blukai/coopsync/internal/protocol"
	"github.com/blukai/coopsync/internal/syncserver"
	"github.com/blukai/coopsync/internal/transport"
	"github.com/matryer/is"
)

type stubPeer struct {
	id transport.PeerID
}

func (p *stubPeer) ID() transport.PeerID                 { return p.id }
func (p *stubPeer) Addr() net.Addr                       { return nil }
func (p *stubPeer) State() transport.ConnState           { return transport.Connected }
func (p *stubPeer) Send(transport.Channel, []byte) error { return nil }
func (p *stubPeer) Disconnect(uint32)                    {}
func (p *stubPeer) Reset()                               {}

func TestPeerTableAssign(t *testing.T) {
	is := is.New(t)

	table := syncserver.NewPeerTable(2)
	a, b, c := &stubPeer{id: 1}, &stubPeer{id: 2}, &stubPeer{id: 3}

	slot, err := table.Assign(protocol.SlotNone, a)
	is.NoErr(err)
	is.Equal(slot, protocol.Slot1)

	slot, err = table.Assign(protocol.SlotNone, b)
	is.NoErr(err)
	is.Equal(slot, protocol.Slot2)

	_, err = table.Assign(protocol.SlotNone, c)
	is.True(errors.Is(err, syncserver.ErrSessionFull))
	_, err = table.Assign(protocol.Slot1, c)
	is.True(errors.Is(err, syncserver.ErrSessionFull))

	// rejection left existing entries alone
	is.Equal(table.Occupied(), []protocol.Slot{protocol.Slot1, protocol.Slot2})
	got, ok := table.Get(protocol.Slot1)
	is.True(ok)
	is.Equal(got, transport.Peer(a))
}

func TestPeerTableRequestedSlot(t *testing.T) {
	is := is.New(t)

	table := syncserver.NewPeerTable(2)
	a, b := &stubPeer{id: 1}, &stubPeer{id: 2}

	slot, err := table.Assign(protocol.Slot2, a)
	is.NoErr(err)
	is.Equal(slot, protocol.Slot2)

	_, err = table.Assign(protocol.Slot2, b)
	is.True(errors.Is(err, syncserver.ErrSlotTaken))

	_, err = table.Assign(protocol.Slot(3), b)
	is.True(errors.Is(err, syncserver.ErrInvalidSlot))

	_, err = table.Assign(protocol.Slot1, a)
	is.True(err != nil) // a already has a slot

	slot, err = table.Assign(protocol.SlotNone, b)
	is.NoErr(err)
	is.Equal(slot, protocol.Slot1)
}

func TestPeerTableRemove(t *testing.T) {
	is := is.New(t)

	table := syncserver.NewPeerTable(2)
	a, b := &stubPeer{id: 1}, &stubPeer{id: 2}
	_, _ = table.Assign(protocol.SlotNone, a)
	_, _ = table.Assign(protocol.SlotNone, b)

	slot, ok := table.Remove(a)
	is.True(ok)
	is.Equal(slot, protocol.Slot1)
	is.Equal(table.Len(), 1)

	_, ok = table.Remove(a)
	is.True(!ok)

	// freed slot is reused
	slot, err := table.Assign(protocol.SlotNone, a)
	is.NoErr(err)
	is.Equal(slot, protocol.Slot1)

	table.Clear()
	is.Equal(table.Len(), 0)
	is.Equal(table.Cap(), 2)
}

func TestPeerTableTargets(t *testing.T) {
	is := is.New(t)

	table := syncserver.NewPeerTable(2)
	a, b := &stubPeer{id: 1}, &stubPeer{id: 2}

	_, _ = table.Assign(protocol.Slot1, a)
	is.Equal(len(table.Targets(protocol.Slot1)), 0)

	_, _ = table.Assign(protocol.Slot2, b)
	is.Equal(table.Targets(protocol.Slot1), []protocol.Slot{protocol.Slot2})
	is.Equal(table.Targets(protocol.Slot2), []protocol.Slot{protocol.Slot1})

	big := syncserver.NewPeerTable(4)
	for i := 1; i <= 3; i++ {
		_, err := big.Assign(protocol.SlotNone, &stubPeer{id: transport.PeerID(i)})
		is.NoErr(err)
	}
	is.Equal(big.Targets(protocol.Slot2), []protocol.Slot{protocol.Slot1, protocol.Slot(3)})
}
