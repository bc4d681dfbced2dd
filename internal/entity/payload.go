package entity

import (
	"encoding/json"
	"errors"
	"fmt"
	"math"
)

// ServerAuthor is the author of messages the server posts itself.
const ServerAuthor uint32 = math.MaxUint32

// ErrDeltaMismatch is returned when a delta does not fit the mirror it targets.
var ErrDeltaMismatch = errors.New("delta does not fit mirror")

// Message is one entry of a conversation timeline.
type Message struct {
	Index      uint32              `json:"index"`
	Author     uint32              `json:"author"`
	Content    string              `json:"content"`
	Created    int64               `json:"created"`
	Edited     *int64              `json:"edited,omitempty"`
	Reactions  map[string][]uint32 `json:"reactions,omitempty"`
	ReplyingTo *uint32             `json:"replying_to,omitempty"`
}

// FromServer reports whether the server posted the message.
func (m Message) FromServer() bool {
	return m.Author == ServerAuthor
}

func (m Message) clone() Message {
	c := m
	if m.Edited != nil {
		edited := *m.Edited
		c.Edited = &edited
	}
	if m.ReplyingTo != nil {
		to := *m.ReplyingTo
		c.ReplyingTo = &to
	}
	if m.Reactions != nil {
		c.Reactions = make(map[string][]uint32, len(m.Reactions))
		for emoji, users := range m.Reactions {
			c.Reactions[emoji] = append([]uint32(nil), users...)
		}
	}
	return c
}

// Element styles of document elements.
const (
	StyleTitle      = "title"
	StylePart       = "part"
	StyleChapter    = "chapter"
	StyleSection    = "section"
	StyleSubsection = "subsection"
	StyleImage      = "image"
	StyleParagraph  = "paragraph"
)

// Element is one block of a document.
type Element struct {
	Data  string `json:"data"`
	Style string `json:"style"`
}

// File is one entry of a bucket listing.
type File struct {
	Name     string `json:"name"`
	SHA256   string `json:"sha256"`
	Size     int64  `json:"size"`
	Uploaded int64  `json:"uploaded"`
}

// Payload is the mirrored content of an entity.
type Payload interface {
	Kind() Kind
	clone() Payload
}

// OrderedMirror holds the contiguous, locally loaded tail of a message
// timeline. Indices in [first, first+len) are materialized; everything below
// first (the watermark) has not been fetched.
type OrderedMirror struct {
	first    uint32
	messages []Message
}

// NewOrderedMirror builds a mirror whose first message has index first.
// Message indices are rewritten to be contiguous from first.
func NewOrderedMirror(first uint32, messages []Message) OrderedMirror {
	m := OrderedMirror{first: first, messages: make([]Message, len(messages))}
	for i, msg := range messages {
		msg = msg.clone()
		msg.Index = first + uint32(i)
		m.messages[i] = msg
	}
	return m
}

// FirstLoadedIndex returns the watermark.
func (m OrderedMirror) FirstLoadedIndex() uint32 {
	return m.first
}

// LastLoadedIndex returns the highest loaded index, if any message is loaded.
func (m OrderedMirror) LastLoadedIndex() (uint32, bool) {
	if len(m.messages) == 0 {
		return 0, false
	}
	return m.first + uint32(len(m.messages)) - 1, true
}

// NextIndex is the index the next appended message must carry.
func (m OrderedMirror) NextIndex() uint32 {
	return m.first + uint32(len(m.messages))
}

// Len returns the number of loaded messages.
func (m OrderedMirror) Len() int {
	return len(m.messages)
}

// AtStart reports whether the whole history is loaded.
func (m OrderedMirror) AtStart() bool {
	return m.first == 0
}

// At returns the message at index if it is loaded.
func (m OrderedMirror) At(index uint32) (Message, bool) {
	if index < m.first || index >= m.NextIndex() {
		return Message{}, false
	}
	return m.messages[index-m.first].clone(), true
}

// Messages returns a copy of the loaded messages in index order.
func (m OrderedMirror) Messages() []Message {
	out := make([]Message, len(m.messages))
	for i, msg := range m.messages {
		out[i] = msg.clone()
	}
	return out
}

// Indices returns the loaded indices in order.
func (m OrderedMirror) Indices() []uint32 {
	out := make([]uint32, len(m.messages))
	for i := range m.messages {
		out[i] = m.first + uint32(i)
	}
	return out
}

// put appends msg when it is the next index and replaces it in place when it
// is already loaded. Messages below the watermark are ignored.
func (m *OrderedMirror) put(msg Message) (ChangeKind, error) {
	switch {
	case msg.Index == m.NextIndex():
		m.messages = append(m.messages, msg.clone())
		return ChangeMessageAppended, nil
	case msg.Index >= m.first && msg.Index < m.NextIndex():
		m.messages[msg.Index-m.first] = msg.clone()
		return ChangeMessageReplaced, nil
	case msg.Index < m.first:
		return ChangeRevision, nil
	default:
		return "", fmt.Errorf("%w: message %d after next index %d", ErrDeltaMismatch, msg.Index, m.NextIndex())
	}
}

// prepend merges an older page [first, first+len(page)). Entries reaching into
// the loaded range are dropped; what remains must end right below the
// watermark. It returns how many messages were added.
func (m *OrderedMirror) prepend(first uint32, page []Message) (int, error) {
	keep := 0
	for keep < len(page) && first+uint32(keep) < m.first {
		keep++
	}
	if keep == 0 {
		return 0, nil
	}
	if first+uint32(keep) != m.first {
		return 0, fmt.Errorf("%w: page [%d,%d) does not reach watermark %d",
			ErrDeltaMismatch, first, first+uint32(keep), m.first)
	}

	merged := make([]Message, 0, keep+len(m.messages))
	for i := 0; i < keep; i++ {
		msg := page[i].clone()
		msg.Index = first + uint32(i)
		merged = append(merged, msg)
	}
	m.messages = append(merged, m.messages...)
	m.first = first
	return keep, nil
}

func (m OrderedMirror) clone() OrderedMirror {
	return OrderedMirror{first: m.first, messages: m.Messages()}
}

// MarshalJSON exposes the mirror for snapshots and fingerprints.
func (m OrderedMirror) MarshalJSON() ([]byte, error) {
	return json.Marshal(struct {
		FirstLoadedIndex uint32    `json:"first_loaded_index"`
		Messages         []Message `json:"messages"`
	}{m.first, m.messages})
}

// Conversation mirrors a conv- entity.
type Conversation struct {
	Mirror OrderedMirror `json:"mirror"`
}

func (c *Conversation) Kind() Kind { return KindConversation }

func (c *Conversation) clone() Payload {
	return &Conversation{Mirror: c.Mirror.clone()}
}

// Document mirrors a document- entity.
type Document struct {
	Elements []Element `json:"elements"`
}

func (d *Document) Kind() Kind { return KindDocument }

func (d *Document) clone() Payload {
	return &Document{Elements: append([]Element(nil), d.Elements...)}
}

// Bucket mirrors a bucket- entity.
type Bucket struct {
	Files []File `json:"files"`
}

func (b *Bucket) Kind() Kind { return KindBucket }

func (b *Bucket) clone() Payload {
	return &Bucket{Files: append([]File(nil), b.Files...)}
}
