package callreg

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

var (
	// ErrChannelClosed fails every call outstanding when the channel goes away.
	ErrChannelClosed = errors.New("channel closed")
	// ErrUnmatchedReply marks a reply whose ticket has no pending call.
	ErrUnmatchedReply = errors.New("unmatched reply")
	// ErrStaleRevision matches remote failures caused by an out-of-date revision argument.
	ErrStaleRevision = errors.New("stale revision")
)

// ClosedError is returned for calls failed by a channel closure.
type ClosedError struct {
	Cause error
}

func (e *ClosedError) Error() string {
	if e.Cause == nil {
		return ErrChannelClosed.Error()
	}
	return fmt.Sprintf("%s: %v", ErrChannelClosed, e.Cause)
}

func (e *ClosedError) Is(target error) bool {
	return target == ErrChannelClosed
}

func (e *ClosedError) Unwrap() error {
	return e.Cause
}

// RemoteError is a failure reply from the server.
type RemoteError struct {
	Call    string
	Ticket  uint32
	Payload json.RawMessage
}

// Message returns the payload as text when the server sent a string.
func (e *RemoteError) Message() string {
	var msg string
	if err := json.Unmarshal(e.Payload, &msg); err == nil {
		return msg
	}
	return string(e.Payload)
}

func (e *RemoteError) Error() string {
	return fmt.Sprintf("%s #%d failed: %s", e.Call, e.Ticket, e.Message())
}

// Is reports whether the remote failure is the server's stale revision
// rejection ("Out of date", "Out of date or bad index").
func (e *RemoteError) Is(target error) bool {
	if target != ErrStaleRevision {
		return false
	}
	return strings.HasPrefix(strings.ToLower(e.Message()), "out of date")
}
