package syncserver

import (
	"fmt"

	"github.com/blukai/coopsync/internal/protocol"
	"github.com/blukai/coopsync/internal/transport"
)

// PeerTable maps player slots to live peers. its capacity is fixed when it's
// created; slots are 1..Cap().
type PeerTable struct {
	// index is slot-1
	peers []transport.Peer
}

func NewPeerTable(capacity int) *PeerTable {
	if capacity < 1 || capacity > 255 {
		panic(fmt.Sprintf("invalid peer table capacity %d", capacity))
	}
	return &PeerTable{peers: make([]transport.Peer, capacity)}
}

func (t *PeerTable) Cap() int {
	return len(t.peers)
}

func (t *PeerTable) Len() int {
	n := 0
	for _, p := range t.peers {
		if p != nil {
			n += 1
		}
	}
	return n
}

func (t *PeerTable) Get(slot protocol.Slot) (transport.Peer, bool) {
	if !slot.Valid(t.Cap()) {
		return nil, false
	}
	p := t.peers[slot-1]
	return p, p != nil
}

func (t *PeerTable) SlotOf(peer transport.Peer) (protocol.Slot, bool) {
	for i, p := range t.peers {
		if p != nil && p == peer {
			return protocol.Slot(i + 1), true
		}
	}
	return protocol.SlotNone, false
}

// Assign puts peer into requested slot, or into the lowest free one when
// requested is SlotNone. existing entries are never touched.
func (t *PeerTable) Assign(requested protocol.Slot, peer transport.Peer) (protocol.Slot, error) {
	if _, ok := t.SlotOf(peer); ok {
		return protocol.SlotNone, fmt.Errorf("peer %d already has a slot", peer.ID())
	}

	if requested == protocol.SlotNone {
		for i, p := range t.peers {
			if p == nil {
				t.peers[i] = peer
				return protocol.Slot(i + 1), nil
			}
		}
		return protocol.SlotNone, ErrSessionFull
	}

	if !requested.Valid(t.Cap()) {
		return protocol.SlotNone, fmt.Errorf("%w: %s (have %d slots)", ErrInvalidSlot, requested, t.Cap())
	}
	if t.Len() == t.Cap() {
		return protocol.SlotNone, ErrSessionFull
	}
	if t.peers[requested-1] != nil {
		return protocol.SlotNone, fmt.Errorf("%w: %s", ErrSlotTaken, requested)
	}
	t.peers[requested-1] = peer
	return requested, nil
}

// Remove clears the entry of peer, if it has one.
func (t *PeerTable) Remove(peer transport.Peer) (protocol.Slot, bool) {
	slot, ok := t.SlotOf(peer)
	if ok {
		t.peers[slot-1] = nil
	}
	return slot, ok
}

func (t *PeerTable) Clear() {
	clear(t.peers)
}

// Occupied lists slots with a live peer in ascending order.
func (t *PeerTable) Occupied() []protocol.Slot {
	slots := make([]protocol.Slot, 0, len(t.peers))
	for i, p := range t.peers {
		if p != nil {
			slots = append(slots, protocol.Slot(i+1))
		}
	}
	return slots
}

// Targets lists the slots a message from `from` goes to. with two slots
// that's protocol.OtherSlot, with more it's every other occupied slot.
func (t *PeerTable) Targets(from protocol.Slot) []protocol.Slot {
	if t.Cap() == 2 {
		other := protocol.OtherSlot(from)
		if _, ok := t.Get(other); ok {
			return []protocol.Slot{other}
		}
		return nil
	}

	var targets []protocol.Slot
	for _, slot := range t.Occupied() {
		if slot != from {
			targets = append(targets, slot)
		}
	}
	return targets
}
