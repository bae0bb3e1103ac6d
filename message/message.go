// Package message defines the RPC envelope exchanged between a DRM client and the DRM server.
//
// RPCMessage is the "envelope" for every call in either direction. It gets serialized by the codec
// layer and wrapped in a protocol frame for transmission over TCP. The Kind field names the typed
// payload carried in Payload, which lets both sides dispatch without reflection.
package message

import (
	"encoding/json"
	"fmt"
)

// Kind identifies the payload type of an RPCMessage.
type Kind string

const (
	// Client → Server
	KindSubscriberRegister Kind = "SubscriberRegister" // subscribe to a dataId, reply is SubscriberRegResult
	KindPing               Kind = "Ping"               // liveness probe, reply has an empty payload

	// Server → Client (pushes)
	KindAttributeGetRequest Kind = "AttributeGetRequest" // server asks for the client's raw value
	KindAttributeSetRequest Kind = "AttributeSetRequest" // server pushes a new value
	KindSubscriberRegResult Kind = "SubscriberRegResult" // server confirms a registration
)

// PushKinds is the closed set of kinds a server may send unsolicited.
var PushKinds = []Kind{KindAttributeGetRequest, KindAttributeSetRequest, KindSubscriberRegResult}

// IsPush reports whether k is one of PushKinds.
func (k Kind) IsPush() bool {
	for _, p := range PushKinds {
		if k == p {
			return true
		}
	}
	return false
}

// RPCMessage carries the data for a single request or response.
//
//   - On request:  Kind is set, Payload contains the serialized typed payload, Error is empty.
//   - On response: Payload contains the serialized reply, Error is non-empty if the call failed.
type RPCMessage struct {
	Kind    Kind   `json:"kind"`
	Error   string `json:"error,omitempty"`
	Payload []byte `json:"payload,omitempty"`
}

// New builds a request of the given kind with v serialized as JSON payload.
func New(kind Kind, v any) (*RPCMessage, error) {
	msg := &RPCMessage{Kind: kind}
	if v == nil {
		return msg, nil
	}
	payload, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("message: encode %s payload: %w", kind, err)
	}
	msg.Payload = payload
	return msg, nil
}

// Reply builds a successful response to req carrying v.
func Reply(req *RPCMessage, v any) (*RPCMessage, error) {
	return New(req.Kind, v)
}

// Failure builds an error response to req.
func Failure(req *RPCMessage, err error) *RPCMessage {
	return &RPCMessage{Kind: req.Kind, Error: err.Error()}
}

// Decode unmarshals the payload into v.
func (m *RPCMessage) Decode(v any) error {
	if len(m.Payload) == 0 {
		return fmt.Errorf("message: empty %s payload", m.Kind)
	}
	if err := json.Unmarshal(m.Payload, v); err != nil {
		return fmt.Errorf("message: decode %s payload: %w", m.Kind, err)
	}
	return nil
}

// SubscriberRegister asks the server to start pushing values for DataID.
type SubscriberRegister struct {
	DataID     string `json:"dataId"`
	GroupID    string `json:"groupId,omitempty"`
	ClientID   string `json:"clientId"`
	InstanceID string `json:"instanceId,omitempty"`
	Zone       string `json:"zone,omitempty"`
	AccessKey  string `json:"accessKey,omitempty"`
	SecretKey  string `json:"secretKey,omitempty"`
}

// SubscriberRegResult acknowledges a registration. Value is set when the server
// already holds a value for the dataId.
type SubscriberRegResult struct {
	DataID  string  `json:"dataId"`
	Result  bool    `json:"result"`
	Message string  `json:"message,omitempty"`
	Value   *string `json:"value,omitempty"`
}

// AttributeGetRequest asks for the client's raw value of DataID.
type AttributeGetRequest struct {
	DataID string `json:"dataId"`
}

// AttributeGetResponse is the reply to AttributeGetRequest. Value is never absent:
// an unknown value is sent as "".
type AttributeGetResponse struct {
	Value string `json:"value"`
}

// AttributeSetRequest pushes Value for DataID.
type AttributeSetRequest struct {
	DataID  string `json:"dataId"`
	GroupID string `json:"groupId,omitempty"`
	Value   string `json:"value"`
	Version int64  `json:"version,omitempty"`
}
