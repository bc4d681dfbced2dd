// Package wire defines the JSON frames exchanged with the collaboration server.
//
// One JSON value travels per websocket message. Frames carrying a numeric
// "num" field are replies to a call this client issued; every other frame is
// an unsolicited push describing a change made by some actor.
package wire

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
)

// GenericFailure is the reply name the server uses for every failed call.
const GenericFailure = "generic-failure"

// GenericSuccess is the reply name of calls that only acknowledge.
const GenericSuccess = "generic-success"

// ErrMalformedFrame is returned by Decode for frames that are neither a reply
// nor a well formed push.
var ErrMalformedFrame = errors.New("malformed frame")

// Call is an outgoing request.
type Call struct {
	Num        uint32      `json:"num"`
	Request    string      `json:"request"`
	Parameters interface{} `json:"parameters"`
}

// Encode serializes the call as a single frame.
func (c Call) Encode() ([]byte, error) {
	data, err := json.Marshal(c)
	if err != nil {
		return nil, fmt.Errorf("encode call %s: %w", c.Request, err)
	}
	return data, nil
}

// Reply answers a Call with the same Num.
type Reply struct {
	Num        uint32          `json:"num"`
	Reply      string          `json:"reply"`
	Parameters json.RawMessage `json:"parameters,omitempty"`
}

// Failed reports whether the reply is a failure frame.
func (r Reply) Failed() bool {
	return r.Reply == GenericFailure
}

// Push is a server-initiated change notification.
type Push struct {
	Type        string          `json:"type"`
	ID          string          `json:"id"`
	NewRevision *uint64         `json:"new_revision,omitempty"`
	Index       *uint64         `json:"index,omitempty"`
	Data        json.RawMessage `json:"data,omitempty"`
}

// Frame is a decoded incoming frame: exactly one of Reply and Push is set.
type Frame struct {
	Reply *Reply
	Push  *Push
}

// IsReply reports whether the frame answers a call.
func (f Frame) IsReply() bool {
	return f.Reply != nil
}

// Decode classifies and decodes an incoming frame.
func Decode(raw []byte) (Frame, error) {
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(raw, &fields); err != nil {
		return Frame{}, fmt.Errorf("%w: %v", ErrMalformedFrame, err)
	}

	if num, ok := ticketOf(fields["num"]); ok {
		reply := &Reply{Num: num}
		if name, ok := fields["reply"]; ok {
			if err := json.Unmarshal(name, &reply.Reply); err != nil {
				return Frame{}, fmt.Errorf("%w: reply name: %v", ErrMalformedFrame, err)
			}
		}
		if params, ok := fields["parameters"]; ok && !isNull(params) {
			reply.Parameters = params
		}
		return Frame{Reply: reply}, nil
	}

	var push Push
	if err := json.Unmarshal(raw, &push); err != nil {
		return Frame{}, fmt.Errorf("%w: push: %v", ErrMalformedFrame, err)
	}
	if push.Type == "" || push.ID == "" {
		return Frame{}, fmt.Errorf("%w: push without type or id", ErrMalformedFrame)
	}
	return Frame{Push: &push}, nil
}

// ticketOf accepts only unsigned integers that fit a ticket.
func ticketOf(raw json.RawMessage) (uint32, bool) {
	if len(raw) == 0 {
		return 0, false
	}
	n, err := strconv.ParseUint(string(bytes.TrimSpace(raw)), 10, 32)
	if err != nil {
		return 0, false
	}
	return uint32(n), true
}

func isNull(raw json.RawMessage) bool {
	return bytes.Equal(bytes.TrimSpace(raw), []byte("null"))
}

// Tuple decodes a positional parameter array into targets, in order. Extra
// array elements are ignored; missing ones leave their target untouched. A nil
// target skips its slot.
func Tuple(raw json.RawMessage, targets ...interface{}) error {
	var items []json.RawMessage
	if err := json.Unmarshal(raw, &items); err != nil {
		return fmt.Errorf("decode parameter tuple: %w", err)
	}
	for i, target := range targets {
		if i >= len(items) {
			break
		}
		if target == nil {
			continue
		}
		if err := json.Unmarshal(items[i], target); err != nil {
			return fmt.Errorf("decode parameter %d: %w", i, err)
		}
	}
	return nil
}
