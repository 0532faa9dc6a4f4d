package sink

import (
	"encoding/binary"
	"errors"
	"fmt"
	"math"

	"github.com/MrWong99/audiocap/pkg/audio"
)

// HeaderSize is the size of the header preceding every framed packet.
//
//	[. . . . . . . .|. . . .]. . . . . . . . . . . . . .
//	 <-------------> <-----> <-----------------------------...
//	       PTS        packet        raw packet
//	                   size
//
// The PTS word is big-endian. Its two most significant bits carry the packet
// flags, the remaining 62 bits the presentation timestamp in microseconds.
// The size is a big-endian uint32.
const HeaderSize = 12

const (
	ptsFlagConfig   = uint64(1) << 63
	ptsFlagKeyFrame = uint64(1) << 62
	ptsMask         = ptsFlagKeyFrame - 1
)

// ErrShortHeader is returned by [ParseHeader] for buffers under [HeaderSize].
var ErrShortHeader = errors.New("sink: short packet header")

// Header is a decoded packet header.
type Header struct {
	PTS    int64
	Flags  audio.Flags
	Length int
}

// PutHeader encodes the header for f into b, which must hold at least
// [HeaderSize] bytes. Config packets carry no timestamp.
func PutHeader(b []byte, f audio.Frame) {
	var word uint64
	if f.Flags&audio.FlagConfig != 0 {
		word = ptsFlagConfig
	} else {
		word = uint64(f.PTS) & ptsMask
		if f.Flags&audio.FlagKeyFrame != 0 {
			word |= ptsFlagKeyFrame
		}
	}
	binary.BigEndian.PutUint64(b[0:8], word)
	binary.BigEndian.PutUint32(b[8:12], uint32(len(f.Data)))
}

// AppendPacket appends the header and payload of f to dst.
func AppendPacket(dst []byte, f audio.Frame) []byte {
	var hdr [HeaderSize]byte
	PutHeader(hdr[:], f)
	dst = append(dst, hdr[:]...)
	return append(dst, f.Data...)
}

// ParseHeader decodes a header from the start of b.
func ParseHeader(b []byte) (Header, error) {
	if len(b) < HeaderSize {
		return Header{}, fmt.Errorf("%w: %d bytes", ErrShortHeader, len(b))
	}
	word := binary.BigEndian.Uint64(b[0:8])
	size := binary.BigEndian.Uint32(b[8:12])
	if uint64(size) > math.MaxInt32 {
		return Header{}, fmt.Errorf("sink: packet size %d out of range", size)
	}

	h := Header{PTS: int64(word & ptsMask), Length: int(size)}
	if word&ptsFlagConfig != 0 {
		h.Flags |= audio.FlagConfig
	}
	if word&ptsFlagKeyFrame != 0 {
		h.Flags |= audio.FlagKeyFrame
	}
	return h, nil
}
