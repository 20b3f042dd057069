package transport

import (
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/calacade/gocast/internal/protocol"
)

var errFrameTooLarge = errors.New("frame exceeds maximum envelope size")

// framer reassembles length-prefixed frames from arbitrarily split read
// chunks. A frame is a 4-byte big-endian length followed by that many
// payload bytes; chunk boundaries may fall anywhere, including inside the
// length header.
type framer struct {
	head    [protocol.HeaderSize]byte // partial length header
	headLen int
	pending int // payload bytes still needed; 0 = awaiting a new header
	parts   []byte
}

// push consumes one read chunk, invoking emit once per completed frame,
// in wire order. The chunk may contain zero, one, or many frames.
func (f *framer) push(data []byte, emit func(frame []byte)) error {
	for len(data) > 0 {
		if f.pending == 0 {
			n := copy(f.head[f.headLen:], data)
			f.headLen += n
			data = data[n:]
			if f.headLen < protocol.HeaderSize {
				return nil
			}
			f.headLen = 0
			length := binary.BigEndian.Uint32(f.head[:])
			if length == 0 || length > protocol.MaxEnvelopeSize {
				return fmt.Errorf("%w: %d bytes", errFrameTooLarge, length)
			}
			f.pending = int(length)
			continue
		}

		n := min(f.pending, len(data))
		f.parts = append(f.parts, data[:n]...)
		f.pending -= n
		data = data[n:]

		if f.pending == 0 {
			frame := f.parts
			f.parts = nil
			emit(frame)
		}
	}
	return nil
}
