package codec

import (
	"drm-client/message"
	"testing"
)

func roundTrip(t *testing.T, c Codec, originalMsg *message.RPCMessage) {
	t.Helper()

	data, err := c.Encode(originalMsg)
	if err != nil {
		t.Fatalf("%s Encode failed: %v", c.Type(), err)
	}

	var decodedMsg message.RPCMessage
	if err := c.Decode(data, &decodedMsg); err != nil {
		t.Fatalf("%s Decode failed: %v", c.Type(), err)
	}

	if originalMsg.Kind != decodedMsg.Kind {
		t.Errorf("Kind mismatch: got %s, want %s", decodedMsg.Kind, originalMsg.Kind)
	}
	if string(originalMsg.Payload) != string(decodedMsg.Payload) {
		t.Errorf("Payload mismatch: got %s, want %s", string(decodedMsg.Payload), string(originalMsg.Payload))
	}
	if originalMsg.Error != decodedMsg.Error {
		t.Errorf("Error mismatch: got %s, want %s", decodedMsg.Error, originalMsg.Error)
	}
}

func TestJSONCodec(t *testing.T) {
	roundTrip(t, &JSONCodec{}, &message.RPCMessage{
		Kind:    message.KindAttributeSetRequest,
		Payload: []byte(`{"dataId":"limit.max","value":"250"}`),
	})
}

func TestBinaryCodec(t *testing.T) {
	roundTrip(t, &BinaryCodec{}, &message.RPCMessage{
		Kind:    message.KindSubscriberRegResult,
		Payload: []byte(`{"dataId":"limit.max","result":true}`),
		Error:   "partial",
	})
}

func TestBinaryCodecShortBuffer(t *testing.T) {
	var msg message.RPCMessage
	if err := (&BinaryCodec{}).Decode([]byte{0x00, 0x09, 'P'}, &msg); err == nil {
		t.Fatal("expect error for truncated body")
	}
}

func TestParseCodecType(t *testing.T) {
	cases := map[string]CodecType{"": CodecTypeJSON, "JSON": CodecTypeJSON, "binary": CodecTypeBinary}
	for name, want := range cases {
		got, err := ParseCodecType(name)
		if err != nil {
			t.Fatalf("ParseCodecType(%q): %v", name, err)
		}
		if got != want {
			t.Errorf("ParseCodecType(%q) = %v, want %v", name, got, want)
		}
	}
	if _, err := ParseCodecType("xml"); err == nil {
		t.Fatal("expect error for unknown codec")
	}
}
