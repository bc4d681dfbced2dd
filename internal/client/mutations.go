package client

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/codefionn/collabsync/internal/callreg"
	"github.com/codefionn/collabsync/internal/entity"
)

// Mutation call names.
const (
	CallPostMessage    = "post-message"
	CallEditMessage    = "edit-message"
	CallToggleReaction = "toggle-reaction"
	CallInsertElement  = "insert-element"
	CallSetElement     = "set-element"
	CallDeleteElement  = "delete-element"
	CallDeleteFile     = "delete-file"
	CallFinishFile     = "finish-file"
)

// mutation describes one revision-carrying call: the arguments after
// [rawId, revision] and the delta the server will have applied on success.
// A nil delta means the result cannot be derived locally.
type mutation struct {
	name  string
	args  []interface{}
	delta entity.Delta
}

// prepare builds the mutation from the entity as it is right now.
type prepare func(e entity.Entity) (mutation, error)

// mutate reads the revision of id synchronously, issues the call and applies
// the result. A failure reply leaves the mirror untouched; a stale revision
// surfaces as callreg.ErrStaleRevision and the caller decides whether to
// reload.
func (c *Client) mutate(ctx context.Context, id entity.ID, build prepare) (entity.Change, error) {
	e, ok := c.store.Get(id)
	if !ok {
		return entity.Change{}, fmt.Errorf("%s: %w", id, ErrNotMaterialized)
	}
	m, err := build(e)
	if err != nil {
		return entity.Change{}, err
	}

	params := append([]interface{}{id.Raw(), e.Revision}, m.args...)
	res, err := c.mux.Call(ctx, m.name, params)
	if err != nil {
		return entity.Change{}, fmt.Errorf("%s %s at %d: %w", m.name, id, e.Revision, err)
	}

	newRev := resultRevision(res, e.Revision)
	if m.delta == nil {
		c.ReloadEntity(id)
		return entity.Change{ID: id, Kind: entity.ChangeRevision, Source: entity.SourceLocal, Revision: newRev}, nil
	}

	change, err := c.store.ApplyLocalMutationResult(id, newRev, m.delta)
	switch {
	case err == nil:
	case errors.Is(err, entity.ErrStaleRevision):
		// the mirror moved past our result already
		c.log.Debug("%s %s: %v", m.name, id, err)
		return entity.Change{ID: id, Kind: entity.ChangeRevision, Source: entity.SourceLocal, Revision: newRev}, nil
	case errors.Is(err, entity.ErrDeltaMismatch), errors.Is(err, entity.ErrUnknownEntity):
		c.log.Warn("%s %s succeeded but the mirror diverged: %v", m.name, id, err)
		c.ReloadEntity(id)
		return entity.Change{ID: id, Kind: entity.ChangeRevision, Source: entity.SourceLocal, Revision: newRev}, nil
	default:
		return entity.Change{}, err
	}

	if state := c.state.Load(); state != nil && state.IsBound(id) {
		c.markSeen(id, change.Revision)
	}
	return change, nil
}

// resultRevision is the revision the server reached with a mutation. Acks
// carry no parameters; the revision then advanced by one.
func resultRevision(res callreg.Result, sent uint64) uint64 {
	var rev uint64
	if len(res.Parameters) > 0 && json.Unmarshal(res.Parameters, &rev) == nil && rev > sent {
		return rev
	}
	return sent + 1
}

func (c *Client) selfID() uint32 {
	if state := c.state.Load(); state != nil {
		return state.UserID()
	}
	return 0
}

// PostMessage appends text to a conversation.
func (c *Client) PostMessage(ctx context.Context, id entity.ID, text string) (entity.Change, error) {
	return c.mutate(ctx, id, func(e entity.Entity) (mutation, error) {
		conv, ok := e.Conversation()
		if !ok {
			return mutation{}, fmt.Errorf("post to %s: not a conversation", id)
		}
		msg := entity.Message{
			Index:   conv.Mirror.NextIndex(),
			Author:  c.selfID(),
			Content: text,
			Created: c.now().Unix(),
		}
		return mutation{name: CallPostMessage, args: []interface{}{text}, delta: entity.PutMessage{Message: msg}}, nil
	})
}

// EditMessage replaces the content of the message at index.
func (c *Client) EditMessage(ctx context.Context, id entity.ID, index uint32, text string) (entity.Change, error) {
	return c.mutate(ctx, id, func(e entity.Entity) (mutation, error) {
		conv, ok := e.Conversation()
		if !ok {
			return mutation{}, fmt.Errorf("edit in %s: not a conversation", id)
		}
		m := mutation{name: CallEditMessage, args: []interface{}{index, text}}
		msg, loaded := conv.Mirror.At(index)
		if !loaded {
			// below the watermark: only the revision moves
			msg = entity.Message{Index: index}
		}
		edited := c.now().Unix()
		msg.Content = text
		msg.Edited = &edited
		m.delta = entity.PutMessage{Message: msg}
		return m, nil
	})
}

// ToggleReaction adds or removes the own reaction emoji on a message.
func (c *Client) ToggleReaction(ctx context.Context, id entity.ID, index uint32, emoji string) (entity.Change, error) {
	return c.mutate(ctx, id, func(e entity.Entity) (mutation, error) {
		conv, ok := e.Conversation()
		if !ok {
			return mutation{}, fmt.Errorf("react in %s: not a conversation", id)
		}
		msg, loaded := conv.Mirror.At(index)
		if !loaded {
			msg = entity.Message{Index: index}
		} else {
			msg.Reactions = toggle(msg.Reactions, emoji, c.selfID())
		}
		return mutation{name: CallToggleReaction, args: []interface{}{index, emoji}, delta: entity.PutMessage{Message: msg}}, nil
	})
}

func toggle(reactions map[string][]uint32, emoji string, user uint32) map[string][]uint32 {
	if reactions == nil {
		reactions = make(map[string][]uint32)
	}
	users := reactions[emoji]
	for i, u := range users {
		if u == user {
			users = append(users[:i], users[i+1:]...)
			if len(users) == 0 {
				delete(reactions, emoji)
			} else {
				reactions[emoji] = users
			}
			return reactions
		}
	}
	reactions[emoji] = append(users, user)
	return reactions
}

// InsertElement inserts el before index (index == len appends).
func (c *Client) InsertElement(ctx context.Context, id entity.ID, index uint32, el entity.Element) (entity.Change, error) {
	return c.mutate(ctx, id, func(entity.Entity) (mutation, error) {
		return mutation{name: CallInsertElement, args: []interface{}{index, el}, delta: entity.InsertElement{Index: index, Element: el}}, nil
	})
}

// SetElement replaces the element at index.
func (c *Client) SetElement(ctx context.Context, id entity.ID, index uint32, el entity.Element) (entity.Change, error) {
	return c.mutate(ctx, id, func(entity.Entity) (mutation, error) {
		return mutation{name: CallSetElement, args: []interface{}{index, el}, delta: entity.SetElement{Index: index, Element: el}}, nil
	})
}

// DeleteElement removes the element at index.
func (c *Client) DeleteElement(ctx context.Context, id entity.ID, index uint32) (entity.Change, error) {
	return c.mutate(ctx, id, func(entity.Entity) (mutation, error) {
		return mutation{name: CallDeleteElement, args: []interface{}{index}, delta: entity.DeleteElement{Index: index}}, nil
	})
}

// DeleteFile removes the file at index from a bucket.
func (c *Client) DeleteFile(ctx context.Context, id entity.ID, index uint32) (entity.Change, error) {
	return c.mutate(ctx, id, func(e entity.Entity) (mutation, error) {
		bucket, ok := e.Bucket()
		if !ok {
			return mutation{}, fmt.Errorf("delete file in %s: not a bucket", id)
		}
		if int(index) >= len(bucket.Files) {
			return mutation{}, fmt.Errorf("delete file %d of %d in %s: %w", index, len(bucket.Files), id, entity.ErrDeltaMismatch)
		}
		files := append(append([]entity.File(nil), bucket.Files[:index]...), bucket.Files[index+1:]...)
		return mutation{name: CallDeleteFile, args: []interface{}{index}, delta: entity.ReplaceFiles{Files: files}}, nil
	})
}

// FinishFile completes an upload named name. The listing is reloaded
// afterwards since the file metadata is computed by the server.
func (c *Client) FinishFile(ctx context.Context, id entity.ID, name string) (entity.Change, error) {
	return c.mutate(ctx, id, func(entity.Entity) (mutation, error) {
		return mutation{name: CallFinishFile, args: []interface{}{name}}, nil
	})
}
