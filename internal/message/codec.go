package message

import (
	"bytes"
	"errors"
)

// MaxFrameBytes is the on-air budget for one framed message (spec.md §6).
const MaxFrameBytes = 70

// errMalformed is the single decode-error kind spec.md §4.1 calls for:
// callers never branch on a sub-cause, only on "could not decode".
var errMalformed = errors.New("message: malformed frame")

// ErrMalformed is returned by Decode for any frame that cannot be
// reconstructed into a valid Message, regardless of which step failed.
var ErrMalformed = errMalformed

// Encode serializes m into a self-delimiting COBS-framed byte stream no
// longer than MaxFrameBytes, per spec.md §6's field order: message_id
// (32-bit LE), source_id, destination_id (0 = broadcast), ttl, req_ack,
// then the tagged payload (discriminator byte + variant body).
func Encode(m Message) ([]byte, error) {
	raw, err := encodeRaw(m)
	if err != nil {
		return nil, err
	}
	stuffed := cobsEncode(raw)
	framed := append(stuffed, 0x00)
	if len(framed) > MaxFrameBytes {
		return nil, errMalformed
	}
	return framed, nil
}

func encodeRaw(m Message) ([]byte, error) {
	if m.payload == nil {
		return nil, errMalformed
	}
	body, err := m.payload.encodeBody()
	if err != nil {
		return nil, err
	}

	out := make([]byte, 0, 8+len(body))
	idBuf := make([]byte, 4)
	putUint32LE(idBuf, m.id)
	out = append(out, idBuf...)
	out = append(out, byte(m.source))
	if m.hasDest {
		out = append(out, byte(m.destination))
	} else {
		out = append(out, byte(Broadcast))
	}
	out = append(out, m.ttl)
	if m.reqAck {
		out = append(out, 1)
	} else {
		out = append(out, 0)
	}
	out = append(out, byte(m.payload.Kind()))
	out = append(out, body...)
	return out, nil
}

// Decode parses the first COBS frame (up to and including its 0x00
// terminator) out of data and reconstructs a Message. Any zero bytes
// after the terminator — padding inserted by the physical layer — are
// ignored, per spec.md §4.1.
func Decode(data []byte) (Message, error) {
	term := bytes.IndexByte(data, 0x00)
	if term < 0 {
		return Message{}, errMalformed
	}
	raw, err := cobsDecode(data[:term])
	if err != nil {
		return Message{}, errMalformed
	}
	return decodeRaw(raw)
}

func decodeRaw(raw []byte) (Message, error) {
	if len(raw) < 9 {
		return Message{}, errMalformed
	}
	id := uint32LE(raw[0:4])
	source := Uid(raw[4])
	dest := Uid(raw[5])
	ttl := raw[6]
	reqAck := raw[7] != 0
	if ttl > MaxTTL {
		return Message{}, errMalformed
	}

	payload, err := decodePayload(PayloadKind(raw[8]), raw[9:])
	if err != nil {
		return Message{}, errMalformed
	}

	m := Message{
		id:      id,
		source:  source,
		ttl:     ttl,
		reqAck:  reqAck,
		payload: payload,
	}
	if dest != Broadcast {
		m.destination = dest
		m.hasDest = true
	}
	return m, nil
}

func putUint32LE(b []byte, v uint32) {
	b[0] = byte(v)
	b[1] = byte(v >> 8)
	b[2] = byte(v >> 16)
	b[3] = byte(v >> 24)
}

func uint32LE(b []byte) uint32 {
	return uint32(b[0]) | uint32(b[1])<<8 | uint32(b[2])<<16 | uint32(b[3])<<24
}

// cobsEncode implements Consistent Overhead Byte Stuffing: it removes every
// zero byte from data by replacing each zero-free run with a length prefix,
// so the only zero byte in the returned stream is the terminator Encode
// appends afterward.
func cobsEncode(data []byte) []byte {
	out := make([]byte, 0, len(data)+len(data)/254+2)
	codeIdx := len(out)
	out = append(out, 0) // placeholder for first code byte
	code := byte(1)

	for _, b := range data {
		if b == 0 {
			out[codeIdx] = code
			codeIdx = len(out)
			out = append(out, 0)
			code = 1
			continue
		}
		out = append(out, b)
		code++
		if code == 0xFF {
			out[codeIdx] = code
			codeIdx = len(out)
			out = append(out, 0)
			code = 1
		}
	}
	out[codeIdx] = code
	return out
}

// cobsDecode reverses cobsEncode.
func cobsDecode(data []byte) ([]byte, error) {
	out := make([]byte, 0, len(data))
	i := 0
	for i < len(data) {
		code := data[i]
		if code == 0 {
			return nil, errMalformed
		}
		i++
		run := int(code) - 1
		if i+run > len(data) {
			return nil, errMalformed
		}
		out = append(out, data[i:i+run]...)
		i += run
		if code != 0xFF && i < len(data) {
			out = append(out, 0)
		}
	}
	return out, nil
}
