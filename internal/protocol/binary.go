package protocol

import (
	"unicode/utf8"

	"github.com/nmxmxh/channel-gateway/pkg/errors"
)

// Binary frame opcodes.
const (
	opPush      byte = 0x00
	opReply     byte = 0x01
	opBroadcast byte = 0x02
)

// BinaryPush is a client-originated binary frame. The payload is opaque and
// republished to Redis verbatim.
type BinaryPush struct {
	JoinRef string
	Ref     string
	Topic   string
	Event   string
	Payload []byte
}

// DecodeBinaryPush parses a client binary frame. Layout: opcode 0x00, four
// length octets (join_ref, ref, topic, event), the four strings concatenated,
// then the payload. Opcodes other than push are rejected.
func DecodeBinaryPush(data []byte) (BinaryPush, error) {
	if len(data) < 5 {
		return BinaryPush{}, errors.Wrap(errors.ErrBadFrame, "binary frame shorter than 5 bytes")
	}
	if data[0] != opPush {
		return BinaryPush{}, errors.Wrap(errors.ErrBadFrame, "unsupported binary opcode from client")
	}
	joinRefLen := int(data[1])
	refLen := int(data[2])
	topicLen := int(data[3])
	eventLen := int(data[4])
	headerEnd := 5 + joinRefLen + refLen + topicLen + eventLen
	if headerEnd > len(data) {
		return BinaryPush{}, errors.Wrap(errors.ErrBadFrame, "binary header lengths overflow frame")
	}
	offset := 5
	joinRef := data[offset : offset+joinRefLen]
	offset += joinRefLen
	ref := data[offset : offset+refLen]
	offset += refLen
	topic := data[offset : offset+topicLen]
	offset += topicLen
	event := data[offset : offset+eventLen]
	offset += eventLen
	for _, s := range [][]byte{joinRef, ref, topic, event} {
		if !utf8.Valid(s) {
			return BinaryPush{}, errors.Wrap(errors.ErrBadFrame, "binary header is not valid UTF-8")
		}
	}
	payload := make([]byte, len(data)-offset)
	copy(payload, data[offset:])
	return BinaryPush{
		JoinRef: string(joinRef),
		Ref:     string(ref),
		Topic:   string(topic),
		Event:   string(event),
		Payload: payload,
	}, nil
}

// EncodeBinaryPush builds a server push frame: opcode 0x00 with join_ref,
// topic and event length octets.
func EncodeBinaryPush(joinRef, topic, event string, payload []byte) ([]byte, error) {
	if err := checkHeaderLens(joinRef, topic, event); err != nil {
		return nil, err
	}
	buf := make([]byte, 0, 4+len(joinRef)+len(topic)+len(event)+len(payload))
	buf = append(buf, opPush, byte(len(joinRef)), byte(len(topic)), byte(len(event)))
	buf = append(buf, joinRef...)
	buf = append(buf, topic...)
	buf = append(buf, event...)
	buf = append(buf, payload...)
	return buf, nil
}

// EncodeBinaryReply builds a server reply frame: opcode 0x01 with join_ref,
// ref, topic and status length octets.
func EncodeBinaryReply(joinRef, ref, topic, status string, payload []byte) ([]byte, error) {
	if err := checkHeaderLens(joinRef, ref, topic, status); err != nil {
		return nil, err
	}
	buf := make([]byte, 0, 5+len(joinRef)+len(ref)+len(topic)+len(status)+len(payload))
	buf = append(buf, opReply, byte(len(joinRef)), byte(len(ref)), byte(len(topic)), byte(len(status)))
	buf = append(buf, joinRef...)
	buf = append(buf, ref...)
	buf = append(buf, topic...)
	buf = append(buf, status...)
	buf = append(buf, payload...)
	return buf, nil
}

// EncodeBinaryBroadcast builds a server broadcast frame: opcode 0x02 with
// topic and event length octets.
func EncodeBinaryBroadcast(topic, event string, payload []byte) ([]byte, error) {
	if err := checkHeaderLens(topic, event); err != nil {
		return nil, err
	}
	buf := make([]byte, 0, 3+len(topic)+len(event)+len(payload))
	buf = append(buf, opBroadcast, byte(len(topic)), byte(len(event)))
	buf = append(buf, topic...)
	buf = append(buf, event...)
	buf = append(buf, payload...)
	return buf, nil
}

func checkHeaderLens(strs ...string) error {
	for _, s := range strs {
		if len(s) > 255 {
			return errors.Wrap(errors.ErrBadFrame, "binary header string exceeds 255 bytes")
		}
	}
	return nil
}
