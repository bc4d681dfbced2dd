// Package session holds the state of one logged-in client session: who the
// user is, which entities the two sides show, the user's entity directory
// and the username cache.
//
// A State is created after login and discarded when the channel goes away.
package session

import (
	"encoding/json"
	"sort"
	"sync"

	"github.com/google/uuid"

	"github.com/codefionn/collabsync/internal/entity"
)

// Side is one of the two view slots.
type Side int

const (
	Left Side = iota
	Right
)

func (s Side) String() string {
	if s == Right {
		return "right"
	}
	return "left"
}

// ServerName is the display name of messages the server posted.
const ServerName = "server"

// UserData is the public part of a user record.
type UserData struct {
	Name   string `json:"name"`
	Email  string `json:"email"`
	Status string `json:"status"`
}

// EntityData describes an entity the user has access to.
type EntityData struct {
	Image    json.RawMessage `json:"image,omitempty"`
	Author   uint32          `json:"author"`
	Guests   []uint32        `json:"guests"`
	Revision uint64          `json:"revision"`
}

// EntityAccess is the user's own view of an entity.
type EntityAccess struct {
	ReadOnly    bool   `json:"read_only"`
	LocalName   string `json:"local_name"`
	LastSeenRev uint64 `json:"last_seen_rev"`
}

// Invite is a pending invitation to an entity.
type Invite struct {
	OrigName string    `json:"orig_name"`
	Sender   uint32    `json:"sender"`
	Target   entity.ID `json:"target"`
	ReadOnly bool      `json:"read_only"`
}

// SecretUserData is the private part of the user record.
type SecretUserData struct {
	Invites     []Invite                   `json:"invites"`
	Entities    map[entity.ID]EntityAccess `json:"entities"`
	ServerAdmin bool                       `json:"server_admin"`
	MaxFileSize int64                      `json:"max_file_size"`
}

// SelfData is the user record returned by load-user-data for the own user.
type SelfData struct {
	Revision  uint64
	Public    UserData
	EntityMap map[entity.ID]EntityData
	Secret    SecretUserData
}

func (d SelfData) clone() SelfData {
	c := d
	c.EntityMap = make(map[entity.ID]EntityData, len(d.EntityMap))
	for id, data := range d.EntityMap {
		data.Guests = append([]uint32(nil), data.Guests...)
		c.EntityMap[id] = data
	}
	c.Secret.Invites = append([]Invite(nil), d.Secret.Invites...)
	c.Secret.Entities = make(map[entity.ID]EntityAccess, len(d.Secret.Entities))
	for id, access := range d.Secret.Entities {
		c.Secret.Entities[id] = access
	}
	return c
}

// Option configures a State.
type Option func(*State)

// WithSingleSide routes every entity to the left side, for narrow hosts.
func WithSingleSide() Option {
	return func(s *State) { s.singleSide = true }
}

// State is the session state shared by all components.
type State struct {
	mu         sync.RWMutex
	instance   string
	userID     uint32
	singleSide bool
	self       *SelfData
	sides      [2]entity.ID
	usernames  map[uint32]string
}

// New creates the state of a session logged in as userID.
func New(userID uint32, opts ...Option) *State {
	s := &State{
		instance:  uuid.NewString(),
		userID:    userID,
		usernames: map[uint32]string{entity.ServerAuthor: ServerName},
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// InstanceID identifies this session instance in logs and the journal.
func (s *State) InstanceID() string {
	return s.instance
}

// UserID returns the logged in user.
func (s *State) UserID() uint32 {
	return s.userID
}

// Self returns the entity id of the own user record.
func (s *State) Self() entity.ID {
	return entity.UserID(s.userID)
}

// SideFor returns the side an entity opens on: conversations on the right,
// everything else on the left.
func (s *State) SideFor(id entity.ID) Side {
	if s.singleSide || id.Kind() != entity.KindConversation {
		return Left
	}
	return Right
}

// Bind shows id on side and returns what the side showed before. An entity
// shown on the other side is moved.
func (s *State) Bind(side Side, id entity.ID) (previous entity.ID) {
	s.mu.Lock()
	defer s.mu.Unlock()
	previous = s.sides[side]
	other := 1 - side
	if s.sides[other] == id {
		s.sides[other] = ""
	}
	s.sides[side] = id
	return previous
}

// Unbind empties side and returns what it showed.
func (s *State) Unbind(side Side) entity.ID {
	s.mu.Lock()
	defer s.mu.Unlock()
	previous := s.sides[side]
	s.sides[side] = ""
	return previous
}

// Bound returns the entity side shows.
func (s *State) Bound(side Side) (entity.ID, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	id := s.sides[side]
	return id, id != ""
}

// BoundSide returns the side showing id.
func (s *State) BoundSide(id entity.ID) (Side, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for i, bound := range s.sides {
		if bound != "" && bound == id {
			return Side(i), true
		}
	}
	return 0, false
}

// IsBound reports whether any side shows id.
func (s *State) IsBound(id entity.ID) bool {
	_, ok := s.BoundSide(id)
	return ok
}

// SetSelfData replaces the own user record. Records older than the current
// one are ignored.
func (s *State) SetSelfData(d SelfData) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.self != nil && d.Revision < s.self.Revision {
		return false
	}
	c := d.clone()
	s.self = &c
	if d.Public.Name != "" {
		s.usernames[s.userID] = d.Public.Name
	}
	return true
}

// SelfData returns a copy of the own user record.
func (s *State) SelfData() (SelfData, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.self == nil {
		return SelfData{}, false
	}
	return s.self.clone(), true
}

// Contains reports whether the directory lists id.
func (s *State) Contains(id entity.ID) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.self == nil {
		return false
	}
	if _, ok := s.self.EntityMap[id]; ok {
		return true
	}
	_, ok := s.self.Secret.Entities[id]
	return ok
}

// Access returns the user's access record of id.
func (s *State) Access(id entity.ID) (EntityAccess, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.self == nil {
		return EntityAccess{}, false
	}
	access, ok := s.self.Secret.Entities[id]
	return access, ok
}

// Entities lists the directory in id order.
func (s *State) Entities() []entity.ID {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.self == nil {
		return nil
	}
	ids := make([]entity.ID, 0, len(s.self.Secret.Entities))
	for id := range s.self.Secret.Entities {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}

// Invites returns the pending invitations.
func (s *State) Invites() []Invite {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.self == nil {
		return nil
	}
	return append([]Invite(nil), s.self.Secret.Invites...)
}

// MarkSeen records that the user saw id at revision.
func (s *State) MarkSeen(id entity.ID, revision uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.self == nil {
		return
	}
	access, ok := s.self.Secret.Entities[id]
	if !ok {
		return
	}
	access.LastSeenRev = revision
	s.self.Secret.Entities[id] = access
	if data, ok := s.self.EntityMap[id]; ok && data.Revision < revision {
		data.Revision = revision
		s.self.EntityMap[id] = data
	}
}

// Unread reports whether id changed since the user last saw it.
func (s *State) Unread(id entity.ID) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.self == nil {
		return false
	}
	access, ok := s.self.Secret.Entities[id]
	data, listed := s.self.EntityMap[id]
	return ok && listed && access.LastSeenRev != data.Revision
}

// Username returns the cached name of user.
func (s *State) Username(user uint32) (string, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	name, ok := s.usernames[user]
	return name, ok
}

// SetUsername caches the name of user.
func (s *State) SetUsername(user uint32, name string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.usernames[user] = name
}
