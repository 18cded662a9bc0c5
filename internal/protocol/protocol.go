package protocol

import (
	"encoding"
	"errors"
	"fmt"

	"github.com/blukai/coopsync/internal/byteorder"
	"github.com/blukai/coopsync/internal/debug"
)

// envelope layout:
//
//	0 version      uint8
//	1 sender       uint8 (slot, 0 is invalid)
//	2 content type uint8
//	3 payload size uint16
//	5 payload      [size]byte
//
// the size field is what makes content types extensible: a decoder that
// doesn't know a tag can still tell a well-formed envelope from garbage.

const (
	Version uint8 = 1

	HeaderSize     = 5
	MaxPayloadSize = 1<<16 - 1
	// MaxSize is the biggest envelope that can be represented, transports
	// may impose smaller limits.
	MaxSize = HeaderSize + MaxPayloadSize

	PositionSize = 8 // float32 (4) + float32 (4)
	WelcomeSize  = 1 // capacity (1)
)

var (
	ErrMalformed          = errors.New("malformed envelope")
	ErrUnknownContentType = errors.New("unknown content type")
)

type Slot uint8

const (
	// SlotNone is not a player. on connect it means "any free slot".
	SlotNone Slot = iota
	Slot1
	Slot2
)

func (s Slot) String() string {
	if s == SlotNone {
		return "none"
	}
	return fmt.Sprintf("slot%d", uint8(s))
}

// Valid reports whether s names one of max player slots.
func (s Slot) Valid(max int) bool {
	return s != SlotNone && int(s) <= max
}

// OtherSlot returns the partner of s in a two player session. anything that
// isn't Slot1 or Slot2 has no partner.
func OtherSlot(s Slot) Slot {
	switch s {
	case Slot1:
		return Slot2
	case Slot2:
		return Slot1
	default:
		return SlotNone
	}
}

type ContentType uint8

const (
	_ ContentType = iota
	ContentPosition
	// ContentWelcome goes from the server to a peer it just gave a slot.
	ContentWelcome

	// NOTE: new content types go here, never reuse or reorder tags; peers
	// that are already deployed rely on them.
)

func (ct ContentType) String() string {
	switch ct {
	case ContentPosition:
		return "position"
	case ContentWelcome:
		return "welcome"
	default:
		return fmt.Sprintf("content(%d)", uint8(ct))
	}
}

// Content is a closed set of payloads an envelope may carry.
type Content interface {
	encoding.BinaryMarshaler
	ContentType() ContentType
}

type decodeFunc func(payload []byte) (Content, error)

var decoders = map[ContentType]decodeFunc{
	ContentPosition: decodePosition,
	ContentWelcome:  decodeWelcome,
}

type Position struct {
	X float32
	Y float32
}

var (
	_ Content                    = Position{}
	_ encoding.BinaryUnmarshaler = (*Position)(nil)
)

func (Position) ContentType() ContentType { return ContentPosition }

func (p Position) MarshalBinary() ([]byte, error) {
	data := make([]byte, PositionSize)
	byteorder.PutF(data[0:4], p.X)
	byteorder.PutF(data[4:8], p.Y)
	return data, nil
}

func (p *Position) UnmarshalBinary(data []byte) error {
	if len(data) != PositionSize {
		return fmt.Errorf("%w: invalid position size (got %d; want %d)",
			ErrMalformed, len(data), PositionSize)
	}
	p.X = byteorder.F(data[0:4])
	p.Y = byteorder.F(data[4:8])
	return nil
}

func decodePosition(payload []byte) (Content, error) {
	p := Position{}
	if err := p.UnmarshalBinary(payload); err != nil {
		return nil, err
	}
	return p, nil
}

// Welcome is sent in an envelope whose sender is the slot the receiving peer
// was assigned.
type Welcome struct {
	// Capacity is how many slots the session has.
	Capacity uint8
}

var (
	_ Content                    = Welcome{}
	_ encoding.BinaryUnmarshaler = (*Welcome)(nil)
)

func (Welcome) ContentType() ContentType { return ContentWelcome }

func (w Welcome) MarshalBinary() ([]byte, error) {
	return []byte{w.Capacity}, nil
}

func (w *Welcome) UnmarshalBinary(data []byte) error {
	if len(data) != WelcomeSize {
		return fmt.Errorf("%w: invalid welcome size (got %d; want %d)",
			ErrMalformed, len(data), WelcomeSize)
	}
	w.Capacity = data[0]
	return nil
}

func decodeWelcome(payload []byte) (Content, error) {
	w := Welcome{}
	if err := w.UnmarshalBinary(payload); err != nil {
		return nil, err
	}
	return w, nil
}

// Envelope is a sender tagged payload. treat it as immutable.
type Envelope struct {
	Sender  Slot
	Content Content
}

var (
	_ encoding.BinaryMarshaler   = Envelope{}
	_ encoding.BinaryUnmarshaler = (*Envelope)(nil)
)

// Position returns envelope's content if it is a position.
func (e Envelope) Position() (Position, bool) {
	p, ok := e.Content.(Position)
	return p, ok
}

func (e Envelope) MarshalBinary() ([]byte, error) {
	if e.Sender == SlotNone {
		return nil, errors.New("envelope has no sender")
	}
	if e.Content == nil {
		return nil, errors.New("envelope has no content")
	}

	payload, err := e.Content.MarshalBinary()
	if err != nil {
		return nil, fmt.Errorf("could not marshal %s: %w", e.Content.ContentType(), err)
	}
	if len(payload) > MaxPayloadSize {
		return nil, fmt.Errorf("payload is too big (got %d; want <= %d)", len(payload), MaxPayloadSize)
	}

	data := make([]byte, HeaderSize+len(payload))
	data[0] = Version
	data[1] = uint8(e.Sender)
	data[2] = uint8(e.Content.ContentType())
	byteorder.PutS(data[3:5], uint16(len(payload)))
	copy(data[HeaderSize:], payload)

	return data, nil
}

func (e *Envelope) UnmarshalBinary(data []byte) error {
	if len(data) < HeaderSize {
		return fmt.Errorf("%w: too short (got %d; want >= %d)", ErrMalformed, len(data), HeaderSize)
	}
	if data[0] != Version {
		return fmt.Errorf("%w: unsupported version (got %d; want %d)", ErrMalformed, data[0], Version)
	}

	sender := Slot(data[1])
	if sender == SlotNone {
		return fmt.Errorf("%w: missing sender", ErrMalformed)
	}

	size := int(byteorder.S(data[3:5]))
	if len(data) != HeaderSize+size {
		return fmt.Errorf("%w: size mismatch (got %d; want %d)", ErrMalformed, len(data)-HeaderSize, size)
	}

	ct := ContentType(data[2])
	decode, ok := decoders[ct]
	if !ok {
		return fmt.Errorf("%w: %d", ErrUnknownContentType, uint8(ct))
	}
	content, err := decode(data[HeaderSize:])
	if err != nil {
		return err
	}

	e.Sender = sender
	e.Content = content
	return nil
}

// Welcome returns envelope's content if it is a welcome.
func (e Envelope) Welcome() (Welcome, bool) {
	w, ok := e.Content.(Welcome)
	return w, ok
}

// EncodeEnvelope is MarshalBinary, for symmetry with Decode.
func EncodeEnvelope(e Envelope) ([]byte, error) {
	return e.MarshalBinary()
}

// Encode builds a position envelope. it is a pure function of its args.
func Encode(sender Slot, x, y float32) []byte {
	debug.Assert(sender != SlotNone, "position needs a sender")

	data, err := Envelope{Sender: sender, Content: Position{X: x, Y: y}}.MarshalBinary()
	debug.Assert(err == nil)
	debug.Assert(len(data) == HeaderSize+PositionSize)

	return data
}

func Decode(data []byte) (Envelope, error) {
	e := Envelope{}
	if err := e.UnmarshalBinary(data); err != nil {
		return Envelope{}, err
	}
	return e, nil
}
