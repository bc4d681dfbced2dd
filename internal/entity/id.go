package entity

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
)

// Kind is the type prefix of an entity id.
type Kind string

const (
	KindConversation Kind = "conv"
	KindDocument     Kind = "document"
	KindBucket       Kind = "bucket"
	KindUser         Kind = "user"
	// KindSheet is recognised on the wire but not mirrored.
	KindSheet Kind = "sheet"
)

// ErrInvalidID is returned for ids that are not "<kind>-<number>".
var ErrInvalidID = errors.New("invalid entity id")

func (k Kind) valid() bool {
	switch k {
	case KindConversation, KindDocument, KindBucket, KindUser, KindSheet:
		return true
	}
	return false
}

// ID identifies an entity, e.g. "conv-7".
type ID string

// NewID builds the id of the raw entity number of kind.
func NewID(kind Kind, raw uint32) ID {
	return ID(string(kind) + "-" + strconv.FormatUint(uint64(raw), 10))
}

// UserID returns the id of a user record.
func UserID(user uint32) ID {
	return NewID(KindUser, user)
}

// ParseID validates s.
func ParseID(s string) (ID, error) {
	kind, raw, ok := strings.Cut(s, "-")
	if !ok || !Kind(kind).valid() {
		return "", fmt.Errorf("%w: %q", ErrInvalidID, s)
	}
	if _, err := strconv.ParseUint(raw, 10, 32); err != nil {
		return "", fmt.Errorf("%w: %q", ErrInvalidID, s)
	}
	return ID(s), nil
}

// Kind returns the type prefix.
func (id ID) Kind() Kind {
	kind, _, _ := strings.Cut(string(id), "-")
	return Kind(kind)
}

// Raw returns the numeric part, which is what calls take as their target.
func (id ID) Raw() uint32 {
	_, raw, _ := strings.Cut(string(id), "-")
	n, _ := strconv.ParseUint(raw, 10, 32)
	return uint32(n)
}

func (id ID) String() string {
	return string(id)
}
