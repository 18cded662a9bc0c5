package transport

import (
	"fmt"
	"time"
)

// Session turns the asynchronous host primitive into the four blocking-ish
// operations sessions need. it owns the host.
type Session struct {
	host Host
	// events that arrived while Connect or Disconnect waited for something
	// else. Poll hands them out before asking the host.
	deferred []Event
}

func NewSession(host Host) *Session {
	return &Session{host: host}
}

func (s *Session) Host() Host {
	return s.host
}

// Connect blocks until the remote acknowledges the handshake or timeout
// passes. on timeout the half open peer is reset.
func (s *Session) Connect(address string, data uint32, timeout time.Duration) (Peer, error) {
	peer, err := s.host.Connect(address, data)
	if err != nil {
		return nil, err
	}

	deadline := time.Now().Add(timeout)
	for {
		remaining := time.Until(deadline)
		if remaining <= 0 {
			break
		}

		ev, ok, err := s.host.Service(remaining)
		if err != nil {
			peer.Reset()
			return nil, err
		}
		if !ok {
			continue
		}

		if ev.Peer != peer {
			s.deferred = append(s.deferred, ev)
			continue
		}
		switch ev.Kind {
		case EventConnect:
			return peer, nil
		case EventDisconnect:
			return nil, fmt.Errorf("%w by %s (data %#x)", ErrRefused, address, ev.Data)
		default:
			// receive before connect can't happen on a sane host, keep it
			// anyway.
			s.deferred = append(s.deferred, ev)
		}
	}

	peer.Reset()
	return nil, fmt.Errorf("could not connect to %s within %s: %w", address, timeout, ErrTimedOut)
}

func (s *Session) Send(peer Peer, ch Channel, data []byte) error {
	if err := peer.Send(ch, data); err != nil {
		return fmt.Errorf("%w: %w", ErrSendFailed, err)
	}
	return nil
}

func (s *Session) Poll(timeout time.Duration) (Event, bool, error) {
	if len(s.deferred) > 0 {
		ev := s.deferred[0]
		s.deferred = s.deferred[1:]
		return ev, true, nil
	}
	return s.host.Service(timeout)
}

// Disconnect closes peer gracefully, giving the remote up to timeout to
// acknowledge, and resets it otherwise. packets from peer that arrive in the
// meantime are thrown away. it reports whether the close was acknowledged.
func (s *Session) Disconnect(peer Peer, data uint32, timeout time.Duration) bool {
	if peer.State() == Disconnected {
		return true
	}
	peer.Disconnect(data)
	if peer.State() == Disconnected {
		// a peer that never finished connecting is simply dropped
		s.forget(peer)
		return false
	}

	deadline := time.Now().Add(timeout)
	for {
		remaining := time.Until(deadline)
		if remaining <= 0 {
			break
		}

		ev, ok, err := s.host.Service(remaining)
		if err != nil {
			break
		}
		if !ok {
			continue
		}

		if ev.Peer != peer {
			s.deferred = append(s.deferred, ev)
			continue
		}
		if ev.Kind == EventDisconnect {
			s.forget(peer)
			return true
		}
	}

	peer.Reset()
	s.forget(peer)
	return false
}

// forget drops deferred events of a peer that is gone.
func (s *Session) forget(peer Peer) {
	kept := s.deferred[:0]
	for _, ev := range s.deferred {
		if ev.Peer != peer {
			kept = append(kept, ev)
		}
	}
	s.deferred = kept
}

// Reset forcibly drops peer.
func (s *Session) Reset(peer Peer) {
	peer.Reset()
	s.forget(peer)
}

func (s *Session) Close() error {
	s.deferred = nil
	return s.host.Close()
}
