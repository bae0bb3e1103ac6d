package codec

import (
	"drm-client/message"
	"encoding/binary"
	"errors"
	"fmt"
)

var errShortBuffer = errors.New("BinaryCodec: short buffer")

// BinaryCodec lays out an RPCMessage as length-prefixed fields:
//
//	kindLen(2) kind payloadLen(4) payload errLen(2) err
type BinaryCodec struct{}

func (c *BinaryCodec) Encode(v any) ([]byte, error) {
	msg, ok := v.(*message.RPCMessage)
	if !ok {
		return nil, errors.New("BinaryCodec: v must be *RPCMessage")
	}
	if len(msg.Kind) > 0xffff || len(msg.Error) > 0xffff {
		return nil, fmt.Errorf("BinaryCodec: field too long for kind %q", msg.Kind)
	}

	total := 2 + len(msg.Kind) + 4 + len(msg.Payload) + 2 + len(msg.Error)
	buf := make([]byte, total)

	offset := 0
	binary.BigEndian.PutUint16(buf[offset:offset+2], uint16(len(msg.Kind)))
	offset += 2
	offset += copy(buf[offset:], msg.Kind)

	binary.BigEndian.PutUint32(buf[offset:offset+4], uint32(len(msg.Payload)))
	offset += 4
	offset += copy(buf[offset:], msg.Payload)

	binary.BigEndian.PutUint16(buf[offset:offset+2], uint16(len(msg.Error)))
	offset += 2
	copy(buf[offset:], msg.Error)
	return buf, nil
}

func (c *BinaryCodec) Decode(data []byte, v any) error {
	msg, ok := v.(*message.RPCMessage)
	if !ok {
		return errors.New("BinaryCodec: v must be *RPCMessage")
	}

	offset := 0
	kind, offset, err := readField(data, offset, 2)
	if err != nil {
		return err
	}
	msg.Kind = message.Kind(kind)

	payload, offset, err := readField(data, offset, 4)
	if err != nil {
		return err
	}
	if len(payload) > 0 {
		msg.Payload = make([]byte, len(payload))
		copy(msg.Payload, payload)
	}

	errText, _, err := readField(data, offset, 2)
	if err != nil {
		return err
	}
	msg.Error = string(errText)
	return nil
}

// readField reads a big-endian length of prefix bytes followed by that many bytes.
func readField(data []byte, offset, prefix int) ([]byte, int, error) {
	if len(data) < offset+prefix {
		return nil, offset, errShortBuffer
	}
	var n int
	if prefix == 2 {
		n = int(binary.BigEndian.Uint16(data[offset : offset+2]))
	} else {
		n = int(binary.BigEndian.Uint32(data[offset : offset+4]))
	}
	offset += prefix
	if len(data) < offset+n {
		return nil, offset, errShortBuffer
	}
	return data[offset : offset+n], offset + n, nil
}

func (c *BinaryCodec) Type() CodecType {
	return CodecTypeBinary
}
