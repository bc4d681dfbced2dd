package client

import (
	"context"
	"errors"
	"fmt"

	"github.com/codefionn/collabsync/internal/entity"
	"github.com/codefionn/collabsync/internal/history"
	"github.com/codefionn/collabsync/internal/session"
)

// Call names of the entity loaders.
const (
	callLoadDocument = "load-document"
	callLoadBucket   = "load-bucket"
	callSetLastSeen  = "set-last-seen"
)

// Open binds id to its side, replacing (and forgetting) whatever was bound
// there, and loads it.
func (c *Client) Open(ctx context.Context, id entity.ID) (entity.Entity, error) {
	state, err := c.session()
	if err != nil {
		return entity.Entity{}, err
	}
	if !mirrored(id.Kind()) {
		return entity.Entity{}, fmt.Errorf("open %s: %w", id, ErrUnsupportedKind)
	}

	side := state.SideFor(id)
	if prev := state.Bind(side, id); prev != "" && prev != id {
		c.store.Forget(prev)
	}
	c.log.Debug("bound %s to %s side", id, side)

	e, err := c.Reload(ctx, id)
	if err != nil {
		return entity.Entity{}, err
	}
	c.markSeen(id, e.Revision)
	return e, nil
}

// CloseSide unbinds whatever is shown on side.
func (c *Client) CloseSide(side session.Side) {
	state := c.state.Load()
	if state == nil {
		return
	}
	if id := state.Unbind(side); id != "" {
		c.store.Forget(id)
	}
}

// Reload fetches id in full and stores it. A load older than the mirror is
// discarded and the newer mirror returned. If id was unbound while the load
// was in flight, the loaded mirror is dropped again and ErrUnbound returned.
func (c *Client) Reload(ctx context.Context, id entity.ID) (entity.Entity, error) {
	state, err := c.session()
	if err != nil {
		return entity.Entity{}, err
	}

	switch id.Kind() {
	case entity.KindConversation:
		_, err = c.pager.LoadLatest(ctx, id)

	case entity.KindDocument:
		var rev uint64
		var elements []entity.Element
		if err = c.loadTuple(ctx, callLoadDocument, id, &rev, &elements); err == nil {
			_, err = c.store.Put(entity.Entity{ID: id, Revision: rev, Payload: &entity.Document{Elements: elements}})
		}

	case entity.KindBucket:
		var rev uint64
		var files []entity.File
		if err = c.loadTuple(ctx, callLoadBucket, id, &rev, &files); err == nil {
			_, err = c.store.Put(entity.Entity{ID: id, Revision: rev, Payload: &entity.Bucket{Files: files}})
		}

	default:
		return entity.Entity{}, fmt.Errorf("reload %s: %w", id, ErrUnsupportedKind)
	}

	if err != nil && !errors.Is(err, entity.ErrStaleRevision) {
		return entity.Entity{}, err
	}
	// a rebind forgets the previous entity before its pending load lands
	if !state.IsBound(id) {
		c.store.Forget(id)
		return entity.Entity{}, fmt.Errorf("reload %s: %w", id, ErrUnbound)
	}
	e, ok := c.store.Get(id)
	if !ok {
		// forgotten while loading
		return entity.Entity{}, fmt.Errorf("reload %s: %w", id, entity.ErrUnknownEntity)
	}
	return e, nil
}

func (c *Client) loadTuple(ctx context.Context, name string, id entity.ID, targets ...interface{}) error {
	res, err := c.mux.Call(ctx, name, []interface{}{id.Raw()})
	if err != nil {
		return fmt.Errorf("%s %s: %w", name, id, err)
	}
	if err := res.Tuple(targets...); err != nil {
		return fmt.Errorf("%s %s: %w", name, id, err)
	}
	return nil
}

// LoadBefore loads the history page right below index before.
func (c *Client) LoadBefore(ctx context.Context, id entity.ID, before uint32) (history.Page, error) {
	return c.pager.LoadBefore(ctx, id, before)
}

// MaybeLoadBefore loads older history when the viewport is close to the top.
func (c *Client) MaybeLoadBefore(ctx context.Context, id entity.ID, rowsFromTop int) (history.Page, bool, error) {
	return c.pager.MaybeLoadBefore(ctx, id, rowsFromTop)
}

// markSeen records that revision of id was shown and tells the server.
func (c *Client) markSeen(id entity.ID, revision uint64) {
	state := c.state.Load()
	if state == nil {
		return
	}
	state.MarkSeen(id, revision)

	f, err := c.mux.Issue(callSetLastSeen, []interface{}{id.String(), revision})
	if err != nil {
		c.log.Debug("set-last-seen %s: %v", id, err)
		return
	}
	go func() {
		if _, err := f.Wait(c.ctx); err != nil && c.ctx.Err() == nil {
			c.log.Warn("set-last-seen %s at %d: %v", id, revision, err)
		}
	}()
}

func mirrored(kind entity.Kind) bool {
	switch kind {
	case entity.KindConversation, entity.KindDocument, entity.KindBucket:
		return true
	}
	return false
}
