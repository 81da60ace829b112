package errors

import (
	"errors"
)

var (
	// ErrChannelNotFound is returned when a topic is not in the registry.
	ErrChannelNotFound = errors.New("channel not found")
	// ErrChannelEmpty is returned when a broadcast targets a topic with no subscribers.
	ErrChannelEmpty = errors.New("channel has no subscribers")
	// ErrAgentNotInitiated is returned when an agent is used before add_agent registered it.
	ErrAgentNotInitiated = errors.New("agent not initiated")
	// ErrMessageSend is returned when a message cannot be placed on a broadcast bus.
	ErrMessageSend = errors.New("message send failed")
	// ErrBadToken is returned when a join token fails verification.
	ErrBadToken = errors.New("bad token")
	// ErrBadFrame is returned when an inbound frame violates the wire format.
	ErrBadFrame = errors.New("bad frame")
	// ErrRedisPublish is returned when a Redis PUBLISH fails.
	ErrRedisPublish = errors.New("redis publish failed")
	// ErrRedisSubscribe is returned when a Redis subscription cannot be established.
	ErrRedisSubscribe = errors.New("redis subscribe failed")
)

// Wrap wraps an error with additional context while preserving errors.Is matching.
func Wrap(err error, msg string) error {
	if err == nil {
		return nil
	}
	return &wrapped{msg: msg, err: err}
}

type wrapped struct {
	msg string
	err error
}

func (w *wrapped) Error() string { return w.msg + ": " + w.err.Error() }
func (w *wrapped) Unwrap() error { return w.err }

// Is reports whether err matches target, unwrapping as needed.
func Is(err, target error) bool {
	return errors.Is(err, target)
}
