package entity

import (
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func msgs(first uint32, contents ...string) []Message {
	out := make([]Message, len(contents))
	for i, c := range contents {
		out[i] = Message{Index: first + uint32(i), Author: 1, Content: c}
	}
	return out
}

func putConversation(t *testing.T, s *Store, id ID, rev uint64, first uint32, contents ...string) {
	t.Helper()
	_, err := s.Put(Entity{
		ID:       id,
		Revision: rev,
		Payload:  &Conversation{Mirror: NewOrderedMirror(first, msgs(first, contents...))},
	})
	require.NoError(t, err)
}

func TestParseID(t *testing.T) {
	tests := []struct {
		in      string
		kind    Kind
		raw     uint32
		wantErr bool
	}{
		{in: "conv-7", kind: KindConversation, raw: 7},
		{in: "document-0", kind: KindDocument, raw: 0},
		{in: "bucket-12", kind: KindBucket, raw: 12},
		{in: "user-3", kind: KindUser, raw: 3},
		{in: "sheet-1", kind: KindSheet, raw: 1},
		{in: "conv", wantErr: true},
		{in: "file-1", wantErr: true},
		{in: "conv-x", wantErr: true},
		{in: "conv--1", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			id, err := ParseID(tt.in)
			if tt.wantErr {
				assert.True(t, errors.Is(err, ErrInvalidID))
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.kind, id.Kind())
			assert.Equal(t, tt.raw, id.Raw())
			assert.Equal(t, NewID(tt.kind, tt.raw), id)
		})
	}
}

func TestPushAppendsAndDuplicateIsStale(t *testing.T) {
	s := NewStore()
	id := NewID(KindConversation, 7)
	putConversation(t, s, id, 3, 10, "a", "b", "c")

	change, err := s.ApplyPushUpdate(id, 4, PutMessage{Message: Message{Index: 13, Author: 2, Content: "d"}})
	require.NoError(t, err)
	assert.Equal(t, ChangeMessageAppended, change.Kind)
	assert.Equal(t, SourcePush, change.Source)
	assert.Equal(t, uint64(4), change.Revision)

	_, err = s.ApplyPushUpdate(id, 4, PutMessage{Message: Message{Index: 13, Author: 2, Content: "d"}})
	assert.True(t, errors.Is(err, ErrStaleRevision))

	e, ok := s.Get(id)
	require.True(t, ok)
	conv, ok := e.Conversation()
	require.True(t, ok)
	assert.Equal(t, uint64(4), e.Revision)
	assert.Equal(t, []uint32{10, 11, 12, 13}, conv.Mirror.Indices())
}

func TestLocalResultAfterPushEcho(t *testing.T) {
	s := NewStore()
	id := NewID(KindConversation, 7)
	putConversation(t, s, id, 3, 10, "a", "b", "c")

	// the push echo of our own post arrives before the reply
	_, err := s.ApplyPushUpdate(id, 4, PutMessage{Message: Message{Index: 13, Content: "mine"}})
	require.NoError(t, err)

	change, err := s.ApplyLocalMutationResult(id, 4, PutMessage{Message: Message{Index: 13, Content: "mine"}})
	require.NoError(t, err)
	assert.Equal(t, ChangeRevision, change.Kind)

	e, _ := s.Get(id)
	conv, _ := e.Conversation()
	assert.Equal(t, 4, conv.Mirror.Len())

	_, err = s.ApplyLocalMutationResult(id, 2, nil)
	assert.True(t, errors.Is(err, ErrStaleRevision))
}

func TestUnknownEntityIsNotPatched(t *testing.T) {
	s := NewStore()
	id := NewID(KindDocument, 1)

	_, err := s.ApplyPushUpdate(id, 1, InsertElement{Index: 0})
	assert.True(t, errors.Is(err, ErrUnknownEntity))
	_, err = s.ApplyLocalMutationResult(id, 1, nil)
	assert.True(t, errors.Is(err, ErrUnknownEntity))
	assert.False(t, s.Known(id))
}

func TestDeltaMismatchKeepsRevision(t *testing.T) {
	s := NewStore()
	id := NewID(KindConversation, 7)
	putConversation(t, s, id, 3, 10, "a", "b", "c")

	_, err := s.ApplyPushUpdate(id, 5, PutMessage{Message: Message{Index: 20}})
	assert.True(t, errors.Is(err, ErrDeltaMismatch))

	rev, _ := s.Revision(id)
	assert.Equal(t, uint64(3), rev)
	e, _ := s.Get(id)
	conv, _ := e.Conversation()
	assert.Equal(t, 3, conv.Mirror.Len())
}

func TestEditReplacesLoadedMessage(t *testing.T) {
	s := NewStore()
	id := NewID(KindConversation, 7)
	putConversation(t, s, id, 3, 10, "a", "b", "c")

	edited := int64(99)
	change, err := s.ApplyPushUpdate(id, 4, PutMessage{Message: Message{Index: 11, Content: "b2", Edited: &edited}})
	require.NoError(t, err)
	assert.Equal(t, ChangeMessageReplaced, change.Kind)

	// below the watermark only the revision moves
	change, err = s.ApplyPushUpdate(id, 5, PutMessage{Message: Message{Index: 2, Content: "old"}})
	require.NoError(t, err)
	assert.Equal(t, ChangeRevision, change.Kind)

	e, _ := s.Get(id)
	conv, _ := e.Conversation()
	msg, ok := conv.Mirror.At(11)
	require.True(t, ok)
	assert.Equal(t, "b2", msg.Content)
	require.NotNil(t, msg.Edited)
	assert.Equal(t, uint64(5), e.Revision)
}

func TestMergeHistory(t *testing.T) {
	s := NewStore()
	id := NewID(KindConversation, 7)
	putConversation(t, s, id, 3, 10, "a", "b", "c")

	change, err := s.MergeHistory(id, 7, msgs(7, "x", "y", "z"))
	require.NoError(t, err)
	assert.Equal(t, 3, change.Count)
	assert.Equal(t, uint32(7), change.Index)

	e, _ := s.Get(id)
	conv, _ := e.Conversation()
	assert.Equal(t, []uint32{7, 8, 9, 10, 11, 12}, conv.Mirror.Indices())
	assert.Equal(t, uint64(3), e.Revision)

	// overlapping pages are trimmed
	change, err = s.MergeHistory(id, 5, msgs(5, "p", "q", "x", "y"))
	require.NoError(t, err)
	assert.Equal(t, 2, change.Count)

	e, _ = s.Get(id)
	conv, _ = e.Conversation()
	assert.Equal(t, uint32(5), conv.Mirror.FirstLoadedIndex())
	first, _ := conv.Mirror.At(7)
	assert.Equal(t, "x", first.Content)

	_, err = s.MergeHistory(id, 0, msgs(0, "g"))
	assert.True(t, errors.Is(err, ErrDeltaMismatch))
}

func TestPutRejectsOlderLoad(t *testing.T) {
	s := NewStore()
	id := NewID(KindBucket, 2)
	_, err := s.Put(Entity{ID: id, Revision: 5, Payload: &Bucket{}})
	require.NoError(t, err)

	_, err = s.Put(Entity{ID: id, Revision: 4, Payload: &Bucket{Files: []File{{Name: "a"}}}})
	assert.True(t, errors.Is(err, ErrStaleRevision))

	_, err = s.Put(Entity{ID: id, Revision: 5, Payload: &Bucket{Files: []File{{Name: "b"}}}})
	require.NoError(t, err)
	e, _ := s.Get(id)
	b, _ := e.Bucket()
	assert.Equal(t, "b", b.Files[0].Name)
}

func TestDocumentDeltas(t *testing.T) {
	s := NewStore()
	id := NewID(KindDocument, 1)
	_, err := s.Put(Entity{ID: id, Revision: 1, Payload: &Document{Elements: []Element{{Data: "T", Style: StyleTitle}}}})
	require.NoError(t, err)

	_, err = s.ApplyPushUpdate(id, 2, InsertElement{Index: 1, Element: Element{Data: "p", Style: StyleParagraph}})
	require.NoError(t, err)
	_, err = s.ApplyPushUpdate(id, 3, InsertElement{Index: 0, Element: Element{Data: "s", Style: StyleSection}})
	require.NoError(t, err)
	_, err = s.ApplyPushUpdate(id, 4, SetElement{Index: 2, Element: Element{Data: "p2", Style: StyleParagraph}})
	require.NoError(t, err)
	_, err = s.ApplyPushUpdate(id, 5, DeleteElement{Index: 0})
	require.NoError(t, err)

	_, err = s.ApplyPushUpdate(id, 6, DeleteElement{Index: 9})
	assert.True(t, errors.Is(err, ErrDeltaMismatch))
	_, err = s.ApplyPushUpdate(id, 6, PutMessage{})
	assert.True(t, errors.Is(err, ErrDeltaMismatch))

	e, _ := s.Get(id)
	doc, _ := e.Document()
	assert.Equal(t, []Element{{Data: "T", Style: StyleTitle}, {Data: "p2", Style: StyleParagraph}}, doc.Elements)
	assert.Equal(t, uint64(5), e.Revision)
}

func TestSnapshotsAreIsolated(t *testing.T) {
	s := NewStore()
	id := NewID(KindConversation, 7)
	putConversation(t, s, id, 1, 0, "a")

	e, _ := s.Get(id)
	conv, _ := e.Conversation()
	_, err := conv.Mirror.put(Message{Index: 1})
	require.NoError(t, err)

	again, _ := s.Get(id)
	c2, _ := again.Conversation()
	assert.Equal(t, 1, c2.Mirror.Len())
}

func TestListenersAndFingerprints(t *testing.T) {
	s := NewStore()
	var changes []Change
	s.Subscribe(func(c Change) { changes = append(changes, c) })

	id := NewID(KindConversation, 7)
	putConversation(t, s, id, 1, 0, "a")
	_, err := s.ApplyPushUpdate(id, 2, PutMessage{Message: Message{Index: 1, Content: "b"}})
	require.NoError(t, err)
	_, err = s.ApplyPushUpdate(id, 2, nil)
	require.Error(t, err)
	s.Forget(id)
	s.Forget(id)

	require.Len(t, changes, 3)
	assert.Equal(t, ChangeLoaded, changes[0].Kind)
	assert.Equal(t, ChangeMessageAppended, changes[1].Kind)
	assert.Equal(t, ChangeForgotten, changes[2].Kind)
	assert.NotEqual(t, changes[0].Fingerprint, changes[1].Fingerprint)
	assert.NotZero(t, changes[1].Fingerprint)
}

func TestListenersSeeChangesInApplyOrder(t *testing.T) {
	s := NewStore()
	id := NewID(KindConversation, 7)
	putConversation(t, s, id, 3, 0, "a")

	var mu sync.Mutex
	var revisions []uint64
	entered := make(chan struct{})
	release := make(chan struct{})
	s.Subscribe(func(c Change) {
		if c.Revision == 4 {
			close(entered)
			<-release
		}
		mu.Lock()
		revisions = append(revisions, c.Revision)
		mu.Unlock()
	})

	done := make(chan error, 1)
	go func() {
		_, err := s.ApplyLocalMutationResult(id, 4, PutMessage{Message: Message{Index: 1, Author: 1, Content: "b"}})
		done <- err
	}()
	<-entered

	// applied while the rev 4 notification is still running; must not overtake it
	_, err := s.ApplyPushUpdate(id, 5, PutMessage{Message: Message{Index: 2, Author: 2, Content: "c"}})
	require.NoError(t, err)
	rev, _ := s.Revision(id)
	assert.Equal(t, uint64(5), rev)

	close(release)
	require.NoError(t, <-done)

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []uint64{4, 5}, revisions)
}

func TestListenerMayWriteToStore(t *testing.T) {
	s := NewStore()
	id := NewID(KindConversation, 7)

	var kinds []ChangeKind
	s.Subscribe(func(c Change) {
		kinds = append(kinds, c.Kind)
		if c.Kind == ChangeLoaded {
			_, err := s.ApplyPushUpdate(id, c.Revision+1, PutMessage{Message: Message{Index: 1, Content: "b"}})
			assert.NoError(t, err)
		}
	})
	putConversation(t, s, id, 1, 0, "a")

	assert.Equal(t, []ChangeKind{ChangeLoaded, ChangeMessageAppended}, kinds)
}
