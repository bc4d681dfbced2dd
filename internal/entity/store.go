// Package entity holds the client's authoritative view of open entities.
//
// The Store maps entity ids to their last observed revision and mirrored
// payload. Both write paths, results of calls this client issued and pushes
// from the server, go through the same revision guard: a delta is applied
// only when it carries a revision newer than the stored one. Entities the
// store does not know are never patched; callers must load them in full.
package entity

import (
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"github.com/cespare/xxhash/v2"
)

var (
	// ErrUnknownEntity means the entity was never materialized; load it in full.
	ErrUnknownEntity = errors.New("entity not materialized")
	// ErrStaleRevision means the write carried a revision older than the stored one.
	ErrStaleRevision = errors.New("stale revision")
)

// ChangeKind describes what an entity change did.
type ChangeKind string

const (
	ChangeLoaded          ChangeKind = "loaded"
	ChangeForgotten       ChangeKind = "forgotten"
	ChangeRevision        ChangeKind = "revision"
	ChangeMessageAppended ChangeKind = "message-appended"
	ChangeMessageReplaced ChangeKind = "message-replaced"
	ChangeHistoryMerged   ChangeKind = "history-merged"
	ChangeElementInserted ChangeKind = "element-inserted"
	ChangeElementSet      ChangeKind = "element-set"
	ChangeElementDeleted  ChangeKind = "element-deleted"
	ChangeFilesReplaced   ChangeKind = "files-replaced"
	// ChangeNotified is emitted for pushes on entities that are not mirrored.
	ChangeNotified ChangeKind = "notified"
	// ChangeDirectory is emitted after the entity directory was refreshed.
	ChangeDirectory ChangeKind = "directory"
	// ChangeMembership is emitted when guests of an entity changed.
	ChangeMembership ChangeKind = "membership"
	// ChangeUser is emitted after the own user record was refreshed.
	ChangeUser ChangeKind = "user"
)

// Source tells which path produced a change.
type Source string

const (
	SourceLoad  Source = "load"
	SourceLocal Source = "local"
	SourcePush  Source = "push"
)

// Change describes one applied change. Fingerprint hashes the payload after
// the change so consumers can skip re-rendering identical states.
type Change struct {
	ID          ID
	Kind        ChangeKind
	Source      Source
	Revision    uint64
	Index       uint32
	Count       int
	Fingerprint uint64
}

// Entity is one mirrored entity.
type Entity struct {
	ID       ID
	Revision uint64
	Payload  Payload
}

// Conversation returns the payload as a conversation.
func (e Entity) Conversation() (*Conversation, bool) {
	c, ok := e.Payload.(*Conversation)
	return c, ok
}

// Document returns the payload as a document.
func (e Entity) Document() (*Document, bool) {
	d, ok := e.Payload.(*Document)
	return d, ok
}

// Bucket returns the payload as a bucket.
func (e Entity) Bucket() (*Bucket, bool) {
	b, ok := e.Payload.(*Bucket)
	return b, ok
}

func (e Entity) clone() Entity {
	c := e
	if e.Payload != nil {
		c.Payload = e.Payload.clone()
	}
	return c
}

// Listener receives changes after they were applied.
type Listener func(Change)

// Store is the entity revision store.
//
// Changes are delivered to listeners one at a time, in the order the store
// applied them, no matter which goroutine did the write. A writer whose change
// is queued behind a delivery running on another goroutine returns without
// waiting for it.
type Store struct {
	mu        sync.RWMutex
	entities  map[ID]*Entity
	listeners []Listener

	qmu        sync.Mutex
	queue      []Change
	delivering bool
}

// NewStore creates an empty store.
func NewStore() *Store {
	return &Store{entities: make(map[ID]*Entity)}
}

// Subscribe registers l for every future change.
func (s *Store) Subscribe(l Listener) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.listeners = append(s.listeners, l)
}

// Notify delivers a change that did not go through the store itself.
func (s *Store) Notify(change Change) {
	s.enqueue(change)
	s.deliver()
}

// enqueue appends change to the delivery queue. Writers call it while still
// holding mu so the queue order is the apply order.
func (s *Store) enqueue(change Change) {
	s.qmu.Lock()
	s.queue = append(s.queue, change)
	s.qmu.Unlock()
}

// deliver drains the queue unless another goroutine already does. Listeners
// run without any store lock held, so they may read or write the store; their
// own changes are delivered after the current one.
func (s *Store) deliver() {
	s.qmu.Lock()
	if s.delivering {
		s.qmu.Unlock()
		return
	}
	s.delivering = true
	defer func() {
		s.delivering = false
		s.qmu.Unlock()
	}()

	for len(s.queue) > 0 {
		change := s.queue[0]
		s.queue = s.queue[1:]
		s.qmu.Unlock()

		s.mu.RLock()
		listeners := append([]Listener(nil), s.listeners...)
		s.mu.RUnlock()
		for _, l := range listeners {
			l(change)
		}

		s.qmu.Lock()
	}
}

// Get returns a snapshot of the entity.
func (s *Store) Get(id ID) (Entity, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	e, ok := s.entities[id]
	if !ok {
		return Entity{}, false
	}
	return e.clone(), true
}

// Revision returns the stored revision of id.
func (s *Store) Revision(id ID) (uint64, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	e, ok := s.entities[id]
	if !ok {
		return 0, false
	}
	return e.Revision, true
}

// Known reports whether id is materialized.
func (s *Store) Known(id ID) bool {
	_, ok := s.Revision(id)
	return ok
}

// Put stores a fully loaded entity. A load older than the stored revision is
// rejected with ErrStaleRevision, so a slow reload never rolls back pushes
// applied while it was in flight.
func (s *Store) Put(e Entity) (Change, error) {
	if e.Payload == nil {
		return Change{}, fmt.Errorf("put %s: nil payload", e.ID)
	}

	s.mu.Lock()
	if cur, ok := s.entities[e.ID]; ok && e.Revision < cur.Revision {
		s.mu.Unlock()
		return Change{}, fmt.Errorf("%w: load of %s at %d, stored %d", ErrStaleRevision, e.ID, e.Revision, cur.Revision)
	}
	stored := e.clone()
	s.entities[e.ID] = &stored
	change := Change{
		ID:          e.ID,
		Kind:        ChangeLoaded,
		Source:      SourceLoad,
		Revision:    e.Revision,
		Count:       payloadLen(stored.Payload),
		Fingerprint: fingerprint(stored.Payload),
	}
	s.enqueue(change)
	s.mu.Unlock()

	s.deliver()
	return change, nil
}

// Forget drops the entity from the store.
func (s *Store) Forget(id ID) {
	s.mu.Lock()
	_, ok := s.entities[id]
	delete(s.entities, id)
	if ok {
		s.enqueue(Change{ID: id, Kind: ChangeForgotten, Source: SourceLocal})
	}
	s.mu.Unlock()

	s.deliver()
}

// ApplyLocalMutationResult applies the outcome of a call this client issued.
// A result at the stored revision was already observed (typically through the
// push echo of the same mutation) and is accepted without applying delta.
func (s *Store) ApplyLocalMutationResult(id ID, newRevision uint64, delta Delta) (Change, error) {
	return s.applyDelta(id, newRevision, delta, SourceLocal)
}

// ApplyPushUpdate applies a server push. Pushes not newer than the stored
// revision are stale.
func (s *Store) ApplyPushUpdate(id ID, newRevision uint64, delta Delta) (Change, error) {
	return s.applyDelta(id, newRevision, delta, SourcePush)
}

func (s *Store) applyDelta(id ID, newRevision uint64, delta Delta, source Source) (Change, error) {
	s.mu.Lock()
	e, ok := s.entities[id]
	if !ok {
		s.mu.Unlock()
		return Change{}, fmt.Errorf("%w: %s", ErrUnknownEntity, id)
	}

	switch {
	case newRevision < e.Revision, newRevision == e.Revision && source == SourcePush:
		cur := e.Revision
		s.mu.Unlock()
		return Change{}, fmt.Errorf("%w: %s at %d, stored %d", ErrStaleRevision, id, newRevision, cur)
	case newRevision == e.Revision:
		s.mu.Unlock()
		return Change{ID: id, Kind: ChangeRevision, Source: source, Revision: newRevision}, nil
	}

	// work on a copy so a rejected delta leaves the mirror untouched
	next := e.Payload.clone()
	change, err := apply(next, delta)
	if err != nil {
		s.mu.Unlock()
		return Change{}, fmt.Errorf("apply to %s: %w", id, err)
	}
	e.Payload = next
	e.Revision = newRevision

	change.ID = id
	change.Source = source
	change.Revision = newRevision
	change.Fingerprint = fingerprint(next)
	s.enqueue(change)
	s.mu.Unlock()

	s.deliver()
	return change, nil
}

// MergeHistory prepends an older page of messages to a conversation mirror.
// History below the watermark is immutable, so the merge is not revision
// gated. The page must end right below the current watermark.
func (s *Store) MergeHistory(id ID, first uint32, page []Message) (Change, error) {
	s.mu.Lock()
	e, ok := s.entities[id]
	if !ok {
		s.mu.Unlock()
		return Change{}, fmt.Errorf("%w: %s", ErrUnknownEntity, id)
	}
	conv, ok := e.Payload.(*Conversation)
	if !ok {
		s.mu.Unlock()
		return Change{}, fmt.Errorf("merge history into %s: %w", id, kindMismatch(e.Payload, KindConversation))
	}

	added, err := conv.Mirror.prepend(first, page)
	if err != nil {
		s.mu.Unlock()
		return Change{}, fmt.Errorf("merge history into %s: %w", id, err)
	}
	change := Change{
		ID:          id,
		Kind:        ChangeHistoryMerged,
		Source:      SourceLoad,
		Revision:    e.Revision,
		Index:       conv.Mirror.FirstLoadedIndex(),
		Count:       added,
		Fingerprint: fingerprint(conv),
	}
	if added > 0 {
		s.enqueue(change)
	}
	s.mu.Unlock()

	s.deliver()
	return change, nil
}

func payloadLen(p Payload) int {
	switch v := p.(type) {
	case *Conversation:
		return v.Mirror.Len()
	case *Document:
		return len(v.Elements)
	case *Bucket:
		return len(v.Files)
	}
	return 0
}

func fingerprint(p Payload) uint64 {
	data, err := json.Marshal(p)
	if err != nil {
		return 0
	}
	return xxhash.Sum64(data)
}
