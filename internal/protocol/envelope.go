package protocol

import (
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
)

var (
	ErrEnvelopeTooLarge = errors.New("envelope exceeds maximum size")
	ErrShortEnvelope    = errors.New("envelope truncated")
	ErrBadPayloadType   = errors.New("unknown payload type")
)

// Envelope is the wire-level message structure shared by every namespace.
// Exactly one of PayloadUTF8 / PayloadBinary is set, per PayloadType.
type Envelope struct {
	ProtocolVersion byte
	SourceID        string
	DestinationID   string
	Namespace       string
	PayloadType     PayloadType
	PayloadUTF8     string
	PayloadBinary   []byte
}

// Encode serializes an envelope into its fixed binary schema:
//
//	[1B version][u16 len + source_id][u16 len + destination_id]
//	[u16 len + namespace][1B payload_type][u32 len + payload]
//
// All integers big-endian. The 4-byte frame length prefix is written by
// the transport, not here.
func Encode(e *Envelope) ([]byte, error) {
	var payload []byte
	switch e.PayloadType {
	case PayloadString:
		payload = []byte(e.PayloadUTF8)
	case PayloadBinary:
		payload = e.PayloadBinary
	default:
		return nil, fmt.Errorf("%w: 0x%02x", ErrBadPayloadType, byte(e.PayloadType))
	}

	size := 1 + 2 + len(e.SourceID) + 2 + len(e.DestinationID) +
		2 + len(e.Namespace) + 1 + 4 + len(payload)
	if size > MaxEnvelopeSize {
		return nil, ErrEnvelopeTooLarge
	}

	buf := make([]byte, 0, size)
	buf = append(buf, e.ProtocolVersion)
	buf = appendString(buf, e.SourceID)
	buf = appendString(buf, e.DestinationID)
	buf = appendString(buf, e.Namespace)
	buf = append(buf, byte(e.PayloadType))
	buf = binary.BigEndian.AppendUint32(buf, uint32(len(payload)))
	buf = append(buf, payload...)
	return buf, nil
}

// Decode parses one envelope from a complete frame body.
func Decode(data []byte) (*Envelope, error) {
	if len(data) > MaxEnvelopeSize {
		return nil, ErrEnvelopeTooLarge
	}
	if len(data) < 1 {
		return nil, ErrShortEnvelope
	}

	e := &Envelope{ProtocolVersion: data[0]}
	rest := data[1:]

	var err error
	if e.SourceID, rest, err = readString(rest); err != nil {
		return nil, err
	}
	if e.DestinationID, rest, err = readString(rest); err != nil {
		return nil, err
	}
	if e.Namespace, rest, err = readString(rest); err != nil {
		return nil, err
	}

	if len(rest) < 1+4 {
		return nil, ErrShortEnvelope
	}
	e.PayloadType = PayloadType(rest[0])
	payloadLen := binary.BigEndian.Uint32(rest[1:5])
	rest = rest[5:]
	if uint32(len(rest)) < payloadLen {
		return nil, ErrShortEnvelope
	}

	switch e.PayloadType {
	case PayloadString:
		e.PayloadUTF8 = string(rest[:payloadLen])
	case PayloadBinary:
		e.PayloadBinary = append([]byte(nil), rest[:payloadLen]...)
	default:
		return nil, fmt.Errorf("%w: 0x%02x", ErrBadPayloadType, rest[0])
	}
	return e, nil
}

func appendString(buf []byte, s string) []byte {
	buf = binary.BigEndian.AppendUint16(buf, uint16(len(s)))
	return append(buf, s...)
}

func readString(data []byte) (string, []byte, error) {
	if len(data) < 2 {
		return "", nil, ErrShortEnvelope
	}
	n := int(binary.BigEndian.Uint16(data[0:2]))
	if len(data) < 2+n {
		return "", nil, ErrShortEnvelope
	}
	return string(data[2 : 2+n]), data[2+n:], nil
}

// PayloadHeader is the part of a JSON command payload shared by every
// request and response: a type discriminator, an optional correlation id,
// and an optional failure reason.
type PayloadHeader struct {
	Type      string `json:"type"`
	RequestID int    `json:"requestId,omitempty"`
	Reason    string `json:"reason,omitempty"`
}

// PeekHeader extracts the shared header fields from a JSON command payload
// without decoding the full command.
func PeekHeader(payload []byte) (PayloadHeader, error) {
	var h PayloadHeader
	err := json.Unmarshal(payload, &h)
	return h, err
}
