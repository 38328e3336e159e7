package goAuthSync

import (
	"encoding/json"
	"fmt"
)

// MessageKind identifies a broadcast message.
type MessageKind string

const (
	// KindTokenUpdate announces a new token pair.
	KindTokenUpdate MessageKind = "TOKEN_UPDATE"
	// KindTokenClear announces a logout.
	KindTokenClear MessageKind = "TOKEN_CLEAR"
	// KindStateRequest asks authenticated siblings for their state.
	KindStateRequest MessageKind = "STATE_REQUEST"
	// KindStateResponse answers a STATE_REQUEST.
	KindStateResponse MessageKind = "STATE_RESPONSE"
)

func (k MessageKind) valid() bool {
	switch k {
	case KindTokenUpdate, KindTokenClear, KindStateRequest, KindStateResponse:
		return true
	default:
		return false
	}
}

// MessagePayload carries the optional fields of a broadcast message.
type MessagePayload struct {
	AccessToken       string `json:"accessToken,omitempty"`
	RefreshCredential string `json:"refreshCredential,omitempty"`
	Timestamp         int64  `json:"timestamp,omitempty"`
}

// BroadcastMessage is the wire shape of every inter-tab message.
type BroadcastMessage struct {
	Kind     MessageKind    `json:"kind"`
	Payload  MessagePayload `json:"payload"`
	OriginID string         `json:"originId"`
}

// EncodeMessage renders msg as a JSON frame.
func EncodeMessage(msg BroadcastMessage) ([]byte, error) {
	if !msg.Kind.valid() {
		return nil, fmt.Errorf("%w: unknown kind %q", ErrMalformedMessage, msg.Kind)
	}
	return json.Marshal(msg)
}

// DecodeMessage parses and validates a frame. Unknown fields are tolerated so newer
// senders can extend the payload; unknown kinds and structurally unusable frames are
// reported as [ErrMalformedMessage].
func DecodeMessage(data []byte) (BroadcastMessage, error) {
	var msg BroadcastMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		return BroadcastMessage{}, fmt.Errorf("%w: %v", ErrMalformedMessage, err)
	}
	if !msg.Kind.valid() {
		return BroadcastMessage{}, fmt.Errorf("%w: unknown kind %q", ErrMalformedMessage, msg.Kind)
	}
	if msg.OriginID == "" {
		return BroadcastMessage{}, fmt.Errorf("%w: missing originId", ErrMalformedMessage)
	}
	if msg.Payload.Timestamp < 0 {
		return BroadcastMessage{}, fmt.Errorf("%w: negative timestamp", ErrMalformedMessage)
	}
	return msg, nil
}
