package dispatch

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/codefionn/collabsync/internal/entity"
	"github.com/codefionn/collabsync/internal/wire"
)

// Push kinds the server emits.
const (
	KindSetUser    = "set-user"
	KindNewInvite  = "new-invite"
	KindNewFriend  = "new-friend"
	KindNewGuest   = "new-guest"
	KindByeGuest   = "bye-guest"
	KindNewMessage = "new-message"
	KindNewElement = "new-element"
	KindSetElement = "set-element"
	KindByeElement = "bye-element"
	KindNewFile    = "new-file"
	KindSetFile    = "set-file"
	KindByeFile    = "bye-file"
	KindSetCell    = "set-cell"
)

// ErrUnknownPush is returned by ParseEvent for push kinds it does not know.
var ErrUnknownPush = errors.New("unknown push kind")

// Event is a decoded push. The concrete types below are the only
// implementations.
type Event interface {
	Target() entity.ID
	Revision() uint64
	isEvent()
}

// header carries the fields every push has.
type header struct {
	ID  entity.ID
	Rev uint64
}

func (h header) Target() entity.ID { return h.ID }
func (h header) Revision() uint64  { return h.Rev }

// UserSet means the user record changed.
type UserSet struct {
	header
	Data json.RawMessage
}

// InviteReceived means someone invited the user to an entity.
type InviteReceived struct {
	header
	Sender   uint32
	OrigName string
}

// FriendAdded means a friend request was accepted.
type FriendAdded struct {
	header
	Friend uint32
}

// GuestJoined means a user joined the entity.
type GuestJoined struct {
	header
	User uint32
}

// GuestLeft means a user left the entity.
type GuestLeft struct {
	header
	User uint32
}

// MessagePosted carries a new or edited message.
type MessagePosted struct {
	header
	Message entity.Message
}

// ElementInserted inserts a document element.
type ElementInserted struct {
	header
	Index   uint32
	Element entity.Element
}

// ElementSet replaces a document element.
type ElementSet struct {
	header
	Index   uint32
	Element entity.Element
}

// ElementDeleted removes a document element.
type ElementDeleted struct {
	header
	Index uint32
}

// FileOp is the kind of bucket change.
type FileOp string

const (
	FileAdded   FileOp = "new"
	FileUpdated FileOp = "set"
	FileRemoved FileOp = "bye"
)

// FileChanged means the bucket listing changed.
type FileChanged struct {
	header
	Op    FileOp
	Index uint32
}

// CellSet changes a spreadsheet cell. Sheets are not mirrored.
type CellSet struct {
	header
	Index uint32
}

func (UserSet) isEvent()         {}
func (InviteReceived) isEvent()  {}
func (FriendAdded) isEvent()     {}
func (GuestJoined) isEvent()     {}
func (GuestLeft) isEvent()       {}
func (MessagePosted) isEvent()   {}
func (ElementInserted) isEvent() {}
func (ElementSet) isEvent()      {}
func (ElementDeleted) isEvent()  {}
func (FileChanged) isEvent()     {}
func (CellSet) isEvent()         {}

// ParseEvent decodes a push into its event type.
func ParseEvent(p wire.Push) (Event, error) {
	id, err := entity.ParseID(p.ID)
	if err != nil {
		return nil, err
	}
	h := header{ID: id}
	if p.NewRevision != nil {
		h.Rev = *p.NewRevision
	}

	switch p.Type {
	case KindSetUser:
		return UserSet{header: h, Data: p.Data}, nil

	case KindNewInvite:
		var invite struct {
			Sender   uint32 `json:"sender"`
			OrigName string `json:"orig_name"`
		}
		if err := decodeData(p, &invite); err != nil {
			return nil, err
		}
		return InviteReceived{header: h, Sender: invite.Sender, OrigName: invite.OrigName}, nil

	case KindNewFriend:
		// the accepting user travels in the index field
		friend, err := indexOf(p, false)
		if err != nil {
			return nil, err
		}
		return FriendAdded{header: h, Friend: friend}, nil

	case KindNewGuest, KindByeGuest:
		var user uint32
		if err := decodeData(p, &user); err != nil {
			return nil, err
		}
		if p.Type == KindNewGuest {
			return GuestJoined{header: h, User: user}, nil
		}
		return GuestLeft{header: h, User: user}, nil

	case KindNewMessage:
		var msg entity.Message
		if err := decodeData(p, &msg); err != nil {
			return nil, err
		}
		if p.Index != nil {
			index, err := indexOf(p, true)
			if err != nil {
				return nil, err
			}
			msg.Index = index
		}
		return MessagePosted{header: h, Message: msg}, nil

	case KindNewElement, KindSetElement:
		index, err := indexOf(p, true)
		if err != nil {
			return nil, err
		}
		var elem entity.Element
		if err := decodeData(p, &elem); err != nil {
			return nil, err
		}
		if p.Type == KindNewElement {
			return ElementInserted{header: h, Index: index, Element: elem}, nil
		}
		return ElementSet{header: h, Index: index, Element: elem}, nil

	case KindByeElement:
		index, err := indexOf(p, true)
		if err != nil {
			return nil, err
		}
		return ElementDeleted{header: h, Index: index}, nil

	case KindNewFile, KindSetFile, KindByeFile:
		index, _ := indexOf(p, false)
		op := FileOp(p.Type[:len(p.Type)-len("-file")])
		return FileChanged{header: h, Op: op, Index: index}, nil

	case KindSetCell:
		index, _ := indexOf(p, false)
		return CellSet{header: h, Index: index}, nil
	}

	return nil, fmt.Errorf("%w: %q", ErrUnknownPush, p.Type)
}

func decodeData(p wire.Push, v interface{}) error {
	if len(p.Data) == 0 {
		return fmt.Errorf("%s push on %s: %w: no data", p.Type, p.ID, wire.ErrMalformedFrame)
	}
	if err := json.Unmarshal(p.Data, v); err != nil {
		return fmt.Errorf("%s push on %s: %w: %v", p.Type, p.ID, wire.ErrMalformedFrame, err)
	}
	return nil
}

func indexOf(p wire.Push, required bool) (uint32, error) {
	if p.Index == nil {
		if required {
			return 0, fmt.Errorf("%s push on %s: %w: no index", p.Type, p.ID, wire.ErrMalformedFrame)
		}
		return 0, nil
	}
	if *p.Index > uint64(^uint32(0)) {
		return 0, fmt.Errorf("%s push on %s: %w: index %d out of range", p.Type, p.ID, wire.ErrMalformedFrame, *p.Index)
	}
	return uint32(*p.Index), nil
}
