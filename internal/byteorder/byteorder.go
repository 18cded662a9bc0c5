package byteorder

import (
	"encoding/binary"
	"math"
)

// everything that goes over the wire is little-endian.
//
// naming follows ntohs & co:
// s = short = 16 bit
// l = long  = 32 bit
// f = float = 32 bit ieee-754

var le = binary.LittleEndian

func PutS(buf []byte, val uint16) {
	le.PutUint16(buf, val)
}

func PutL(buf []byte, val uint32) {
	le.PutUint32(buf, val)
}

// PutF writes the bit pattern of val as is, so NaN payloads and -0 survive a
// round trip.
func PutF(buf []byte, val float32) {
	le.PutUint32(buf, math.Float32bits(val))
}

func S(buf []byte) uint16 {
	return le.Uint16(buf)
}

func L(buf []byte) uint32 {
	return le.Uint32(buf)
}

func F(buf []byte) float32 {
	return math.Float32frombits(le.Uint32(buf))
}
