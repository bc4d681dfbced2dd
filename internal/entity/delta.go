package entity

import "fmt"

// Delta is an incremental change to a mirrored payload.
type Delta interface {
	isDelta()
}

// PutMessage appends a message at the next index or replaces a loaded one.
type PutMessage struct {
	Message Message
}

// InsertElement inserts an element before Index (Index == len appends).
type InsertElement struct {
	Index   uint32
	Element Element
}

// SetElement replaces the element at Index.
type SetElement struct {
	Index   uint32
	Element Element
}

// DeleteElement removes the element at Index.
type DeleteElement struct {
	Index uint32
}

// ReplaceFiles swaps the whole bucket listing.
type ReplaceFiles struct {
	Files []File
}

func (PutMessage) isDelta()    {}
func (InsertElement) isDelta() {}
func (SetElement) isDelta()    {}
func (DeleteElement) isDelta() {}
func (ReplaceFiles) isDelta()  {}

// apply mutates payload in place and reports what changed.
func apply(payload Payload, delta Delta) (Change, error) {
	switch d := delta.(type) {
	case PutMessage:
		conv, ok := payload.(*Conversation)
		if !ok {
			return Change{}, kindMismatch(payload, KindConversation)
		}
		kind, err := conv.Mirror.put(d.Message)
		if err != nil {
			return Change{}, err
		}
		return Change{Kind: kind, Index: d.Message.Index, Count: 1}, nil

	case InsertElement:
		doc, ok := payload.(*Document)
		if !ok {
			return Change{}, kindMismatch(payload, KindDocument)
		}
		if int(d.Index) > len(doc.Elements) {
			return Change{}, fmt.Errorf("%w: insert at %d of %d elements", ErrDeltaMismatch, d.Index, len(doc.Elements))
		}
		doc.Elements = append(doc.Elements, Element{})
		copy(doc.Elements[d.Index+1:], doc.Elements[d.Index:])
		doc.Elements[d.Index] = d.Element
		return Change{Kind: ChangeElementInserted, Index: d.Index, Count: 1}, nil

	case SetElement:
		doc, ok := payload.(*Document)
		if !ok {
			return Change{}, kindMismatch(payload, KindDocument)
		}
		if int(d.Index) >= len(doc.Elements) {
			return Change{}, fmt.Errorf("%w: set at %d of %d elements", ErrDeltaMismatch, d.Index, len(doc.Elements))
		}
		doc.Elements[d.Index] = d.Element
		return Change{Kind: ChangeElementSet, Index: d.Index, Count: 1}, nil

	case DeleteElement:
		doc, ok := payload.(*Document)
		if !ok {
			return Change{}, kindMismatch(payload, KindDocument)
		}
		if int(d.Index) >= len(doc.Elements) {
			return Change{}, fmt.Errorf("%w: delete at %d of %d elements", ErrDeltaMismatch, d.Index, len(doc.Elements))
		}
		doc.Elements = append(doc.Elements[:d.Index], doc.Elements[d.Index+1:]...)
		return Change{Kind: ChangeElementDeleted, Index: d.Index, Count: 1}, nil

	case ReplaceFiles:
		bucket, ok := payload.(*Bucket)
		if !ok {
			return Change{}, kindMismatch(payload, KindBucket)
		}
		bucket.Files = append([]File(nil), d.Files...)
		return Change{Kind: ChangeFilesReplaced, Count: len(d.Files)}, nil

	case nil:
		return Change{Kind: ChangeRevision}, nil

	default:
		return Change{}, fmt.Errorf("%w: unsupported delta %T", ErrDeltaMismatch, delta)
	}
}

func kindMismatch(payload Payload, want Kind) error {
	return fmt.Errorf("%w: %s delta on %s payload", ErrDeltaMismatch, want, payload.Kind())
}
