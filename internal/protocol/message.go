// Package protocol implements the Phoenix Channels v2 wire format: JSON
// array frames for text messages and the compact binary layouts for
// push/reply/broadcast frames.
package protocol

import (
	"encoding/json"

	"github.com/nmxmxh/channel-gateway/pkg/errors"
)

// Client events.
const (
	EventJoin      = "phx_join"
	EventLeave     = "phx_leave"
	EventHeartbeat = "heartbeat"
)

// Server events.
const (
	EventReply         = "phx_reply"
	EventPresenceState = "presence_state"
	EventPresenceDiff  = "presence_diff"
)

// Reserved topic names, pre-created at startup and never garbage-collected.
const (
	TopicPhoenix = "phoenix"
	TopicAdmin   = "admin"
	TopicSystem  = "system"
)

// Reply statuses.
const (
	StatusOK    = "ok"
	StatusError = "error"
)

// Message is one Phoenix frame: [join_ref, ref, topic, event, payload].
// JoinRef and Ref are nullable on the wire.
type Message struct {
	JoinRef *string
	Ref     *string
	Topic   string
	Event   string
	Payload Payload
}

// Payload is the tagged variant carried by a frame. Encoders branch on the
// concrete type; text and binary payloads are never unified through a single
// serializer.
type Payload interface {
	payload()
}

// RawJSON is an arbitrary JSON value passed through verbatim.
type RawJSON []byte

// Binary is an opaque byte payload republished without parsing.
type Binary []byte

// ServerResponse is the payload of a phx_reply frame.
type ServerResponse struct {
	Status   string
	Response any
}

func (RawJSON) payload()        {}
func (Binary) payload()         {}
func (ServerResponse) payload() {}

type serverResponseJSON struct {
	Status   string `json:"status"`
	Response any    `json:"response"`
}

// DecodeText parses a text frame into a Message. The tuple must have exactly
// five elements; join_ref may be null, ref must be a string, topic and event
// must be non-empty strings. The payload is kept verbatim as RawJSON.
func DecodeText(data []byte) (Message, error) {
	var elems []json.RawMessage
	if err := json.Unmarshal(data, &elems); err != nil {
		return Message{}, errors.Wrap(errors.ErrBadFrame, "frame is not a JSON array")
	}
	if len(elems) != 5 {
		return Message{}, errors.Wrap(errors.ErrBadFrame, "frame must have exactly five elements")
	}
	joinRef, err := decodeNullableString(elems[0])
	if err != nil {
		return Message{}, errors.Wrap(errors.ErrBadFrame, "join_ref must be a string or null")
	}
	var ref string
	if err := json.Unmarshal(elems[1], &ref); err != nil {
		return Message{}, errors.Wrap(errors.ErrBadFrame, "ref must be a string")
	}
	var topic string
	if err := json.Unmarshal(elems[2], &topic); err != nil || topic == "" {
		return Message{}, errors.Wrap(errors.ErrBadFrame, "topic must be a non-empty string")
	}
	var event string
	if err := json.Unmarshal(elems[3], &event); err != nil || event == "" {
		return Message{}, errors.Wrap(errors.ErrBadFrame, "event must be a non-empty string")
	}
	payload := make(RawJSON, len(elems[4]))
	copy(payload, elems[4])
	return Message{
		JoinRef: joinRef,
		Ref:     &ref,
		Topic:   topic,
		Event:   event,
		Payload: payload,
	}, nil
}

// EncodeText serializes a Message as a JSON array frame. Binary payloads are
// rejected; they belong on binary frames.
func EncodeText(m Message) ([]byte, error) {
	var payload any
	switch p := m.Payload.(type) {
	case RawJSON:
		if len(p) == 0 {
			payload = json.RawMessage("null")
		} else {
			payload = json.RawMessage(p)
		}
	case ServerResponse:
		resp := p.Response
		if resp == nil {
			resp = map[string]any{}
		}
		payload = serverResponseJSON{Status: p.Status, Response: resp}
	case Binary:
		return nil, errors.Wrap(errors.ErrBadFrame, "binary payload cannot be encoded as text")
	case nil:
		payload = json.RawMessage("null")
	default:
		return nil, errors.Wrap(errors.ErrBadFrame, "unknown payload variant")
	}
	return json.Marshal([]any{m.JoinRef, m.Ref, m.Topic, m.Event, payload})
}

func decodeNullableString(raw json.RawMessage) (*string, error) {
	if string(raw) == "null" {
		return nil, nil
	}
	var s string
	if err := json.Unmarshal(raw, &s); err != nil {
		return nil, err
	}
	return &s, nil
}

// StringRef is a convenience for building nullable refs.
func StringRef(s string) *string {
	return &s
}
