package udphost

import (
	"encoding"
	"fmt"

	"github.com/blukai/coopsync/internal/byteorder"
	"github.com/blukai/coopsync/internal/debug"
	"github.com/blukai/coopsync/internal/transport"
)

const (
	HeaderSize = 8 // type (1) + channel (1) + seq (2) + data (4)
	// MaxPacketSize is the biggest body a single datagram may carry. there's
	// no fragmentation, bigger packets are refused by Send.
	MaxPacketSize = 4 << 10

	maxDatagramSize = HeaderSize + MaxPacketSize

	connectIDSize = 4
)

type packetType uint8

const (
	_ packetType = iota
	// data: connect data, body: connect id
	pktConnect
	// body: connect id of the handshake being verified
	pktVerify
	// data: disconnect data
	pktDisconnect
	pktDisconnectAck
	// seq: acknowledged reliable seq
	pktAck
	// channel, seq (reliable only), body
	pktData
	pktPing

	pktMax
)

func (t packetType) String() string {
	switch t {
	case pktConnect:
		return "connect"
	case pktVerify:
		return "verify"
	case pktDisconnect:
		return "disconnect"
	case pktDisconnectAck:
		return "disconnect-ack"
	case pktAck:
		return "ack"
	case pktData:
		return "data"
	case pktPing:
		return "ping"
	default:
		return fmt.Sprintf("packet(%d)", uint8(t))
	}
}

type header struct {
	Type    packetType
	Channel transport.Channel
	Seq     uint16
	Data    uint32
}

var (
	_ encoding.BinaryMarshaler   = (*header)(nil)
	_ encoding.BinaryUnmarshaler = (*header)(nil)
)

func (h *header) MarshalBinary() ([]byte, error) {
	data := make([]byte, HeaderSize)
	h.put(data)
	return data, nil
}

func (h *header) put(buf []byte) {
	debug.Assertf(len(buf) >= HeaderSize, "short header buffer (got %d; want >= %d)", len(buf), HeaderSize)

	buf[0] = uint8(h.Type)
	buf[1] = uint8(h.Channel)
	byteorder.PutS(buf[2:4], h.Seq)
	byteorder.PutL(buf[4:8], h.Data)
}

// UnmarshalBinary expects callers to check the size, datagrams shorter than
// HeaderSize never get here.
func (h *header) UnmarshalBinary(data []byte) error {
	debug.Assertf(len(data) >= HeaderSize, "short datagram (got %d; want >= %d)", len(data), HeaderSize)

	h.Type = packetType(data[0])
	h.Channel = transport.Channel(data[1])
	h.Seq = byteorder.S(data[2:4])
	h.Data = byteorder.L(data[4:8])

	if h.Type == 0 || h.Type >= pktMax {
		return fmt.Errorf("unknown packet type %d", data[0])
	}
	if h.Channel >= transport.ChannelCount {
		return fmt.Errorf("unknown channel %d", data[1])
	}
	return nil
}

// every handshake gets its own connect id, so that a connect from an address
// we already have a peer for can be told apart from a resend.
func connectIDBody(id uint32) []byte {
	body := make([]byte, connectIDSize)
	byteorder.PutL(body, id)
	return body
}

func readConnectID(body []byte) (uint32, bool) {
	if len(body) < connectIDSize {
		return 0, false
	}
	return byteorder.L(body[:connectIDSize]), true
}

func buildPacket(h header, body []byte) []byte {
	data := make([]byte, HeaderSize+len(body))
	h.put(data)
	copy(data[HeaderSize:], body)
	return data
}

// seqAhead reports whether a comes after b, allowing for wrap around.
func seqAhead(a, b uint16) bool {
	return a != b && a-b < 1<<15
}
