package client

import (
	"context"
	"errors"
	"fmt"

	"github.com/codefionn/collabsync/internal/actor"
	"github.com/codefionn/collabsync/internal/entity"
)

// Background work requested by the dispatcher runs on the reloader actor, in
// request order and off the read loop. Requests for the same target that
// are still queued are coalesced.

type reloadMsg struct{ id entity.ID }
type directoryMsg struct{}
type userMsg struct{}
type seenMsg struct {
	id       entity.ID
	revision uint64
}

func (reloadMsg) Type() string    { return "reload" }
func (directoryMsg) Type() string { return "directory" }
func (userMsg) Type() string      { return "user" }
func (seenMsg) Type() string      { return "seen" }

func queueKey(msg actor.Message) string {
	if m, ok := msg.(reloadMsg); ok {
		return "reload:" + string(m.id)
	}
	return msg.Type()
}

// ReloadEntity schedules a full reload of id if it is still bound when the
// job runs.
func (c *Client) ReloadEntity(id entity.ID) {
	c.enqueue(reloadMsg{id: id})
}

// RefreshDirectory schedules a reload of the own entity map.
func (c *Client) RefreshDirectory() {
	c.enqueue(directoryMsg{})
}

// RefreshUser schedules a reload of the own user record.
func (c *Client) RefreshUser() {
	c.enqueue(userMsg{})
}

// MarkSeen schedules set-last-seen for id at revision.
func (c *Client) MarkSeen(id entity.ID, revision uint64) {
	c.enqueue(seenMsg{id: id, revision: revision})
}

func (c *Client) enqueue(msg actor.Message) {
	key := queueKey(msg)
	coalesce := msg.Type() != "seen"
	if coalesce {
		if _, queued := c.queued.LoadOrStore(key, struct{}{}); queued {
			return
		}
	}
	if err := c.reloads.Send(msg); err != nil {
		if coalesce {
			c.queued.Delete(key)
		}
		c.log.Warn("dropping %s: %v", key, err)
	}
}

// reloader is the actor running background refreshes.
type reloader struct {
	c *Client
}

func (r *reloader) ID() string                  { return "reloader" }
func (r *reloader) Start(context.Context) error { return nil }
func (r *reloader) Stop(context.Context) error  { return nil }

func (r *reloader) Receive(ctx context.Context, msg actor.Message) error {
	c := r.c
	c.queued.Delete(queueKey(msg))

	state := c.state.Load()
	if state == nil {
		return nil
	}

	switch m := msg.(type) {
	case reloadMsg:
		if !state.IsBound(m.id) {
			c.log.Debug("skipping reload of unbound %s", m.id)
			return nil
		}
		e, err := c.Reload(ctx, m.id)
		if errors.Is(err, ErrUnbound) {
			c.log.Debug("%s unbound during reload", m.id)
			return nil
		}
		if err != nil {
			return fmt.Errorf("reload %s: %w", m.id, err)
		}
		c.markSeen(m.id, e.Revision)

	case directoryMsg, userMsg:
		self, err := c.LoadSelf(ctx)
		if err != nil {
			return err
		}
		kind := entity.ChangeDirectory
		if _, ok := m.(userMsg); ok {
			kind = entity.ChangeUser
		}
		c.store.Notify(entity.Change{ID: state.Self(), Kind: kind, Source: entity.SourceLoad, Revision: self.Revision})

	case seenMsg:
		c.markSeen(m.id, m.revision)

	default:
		return fmt.Errorf("unexpected message %s", msg.Type())
	}
	return nil
}
