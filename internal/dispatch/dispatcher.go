// Package dispatch applies server pushes to the entity store.
//
// Pushes are handled strictly in arrival order on the channel's read
// goroutine. Anything that needs a round trip (reloading an entity, the
// directory or the user record) is handed to a Reloader, which must not block.
package dispatch

import (
	"errors"

	"github.com/codefionn/collabsync/internal/entity"
	"github.com/codefionn/collabsync/internal/logger"
	"github.com/codefionn/collabsync/internal/wire"
)

// Bindings reports which entities are bound to a side.
type Bindings interface {
	IsBound(id entity.ID) bool
}

// Directory reports which entities the user's entity map lists.
type Directory interface {
	Contains(id entity.ID) bool
}

// Reloader schedules asynchronous refreshes. Implementations must return
// without waiting for the server.
type Reloader interface {
	ReloadEntity(id entity.ID)
	RefreshDirectory()
	RefreshUser()
	MarkSeen(id entity.ID, revision uint64)
}

// Outcome tells what Dispatch did with an event.
type Outcome int

const (
	OutcomeIgnored Outcome = iota
	OutcomeApplied
	OutcomeNotified
	OutcomeDuplicate
	OutcomeReload
	OutcomeDirectoryRefresh
	OutcomeUserRefresh
)

func (o Outcome) String() string {
	switch o {
	case OutcomeIgnored:
		return "ignored"
	case OutcomeApplied:
		return "applied"
	case OutcomeNotified:
		return "notified"
	case OutcomeDuplicate:
		return "duplicate"
	case OutcomeReload:
		return "reload"
	case OutcomeDirectoryRefresh:
		return "directory-refresh"
	case OutcomeUserRefresh:
		return "user-refresh"
	default:
		return "unknown"
	}
}

// Dispatcher routes events by whether their entity is bound to a side.
type Dispatcher struct {
	store    *entity.Store
	bindings Bindings
	dir      Directory
	reloader Reloader
	self     entity.ID
	log      *logger.Logger
}

// New creates a dispatcher for the user self.
func New(store *entity.Store, bindings Bindings, dir Directory, reloader Reloader, self entity.ID, log *logger.Logger) *Dispatcher {
	if log == nil {
		log = logger.Global().WithPrefix("dispatch")
	}
	return &Dispatcher{
		store:    store,
		bindings: bindings,
		dir:      dir,
		reloader: reloader,
		self:     self,
		log:      log,
	}
}

// HandlePush decodes and dispatches one push. It has the signature of a
// channel push handler.
func (d *Dispatcher) HandlePush(p wire.Push) {
	ev, err := ParseEvent(p)
	if err != nil {
		d.log.Warn("dropping push %s on %s: %v", p.Type, p.ID, err)
		return
	}
	outcome := d.Dispatch(ev)
	d.log.Debug("push %s on %s rev %d: %s", p.Type, p.ID, ev.Revision(), outcome)
}

// Dispatch applies one event.
func (d *Dispatcher) Dispatch(ev Event) Outcome {
	id := ev.Target()

	switch e := ev.(type) {
	case UserSet, InviteReceived, FriendAdded:
		if id != d.self {
			return OutcomeIgnored
		}
		d.reloader.RefreshUser()
		d.store.Notify(entity.Change{ID: id, Kind: entity.ChangeUser, Source: entity.SourcePush, Revision: ev.Revision()})
		return OutcomeUserRefresh

	case GuestJoined, GuestLeft:
		d.reloader.RefreshDirectory()
		d.store.Notify(entity.Change{ID: id, Kind: entity.ChangeMembership, Source: entity.SourcePush, Revision: ev.Revision()})
		return OutcomeDirectoryRefresh

	case MessagePosted:
		return d.applyBound(ev, entity.PutMessage{Message: e.Message})
	case ElementInserted:
		return d.applyBound(ev, entity.InsertElement{Index: e.Index, Element: e.Element})
	case ElementSet:
		return d.applyBound(ev, entity.SetElement{Index: e.Index, Element: e.Element})
	case ElementDeleted:
		return d.applyBound(ev, entity.DeleteElement{Index: e.Index})

	case FileChanged:
		if outcome, ok := d.unbound(ev); ok {
			return outcome
		}
		d.reloader.ReloadEntity(id)
		return OutcomeReload

	case CellSet:
		if outcome, ok := d.unbound(ev); ok {
			return outcome
		}
		d.notify(ev)
		return OutcomeNotified
	}

	d.log.Warn("no route for %T on %s", ev, id)
	return OutcomeIgnored
}

// unbound handles events for entities no side shows. ok is false when the
// entity is bound and the caller must handle the event itself.
func (d *Dispatcher) unbound(ev Event) (Outcome, bool) {
	id := ev.Target()
	if d.bindings.IsBound(id) {
		return 0, false
	}
	if !d.dir.Contains(id) {
		d.reloader.RefreshDirectory()
		return OutcomeDirectoryRefresh, true
	}
	d.notify(ev)
	return OutcomeNotified, true
}

func (d *Dispatcher) applyBound(ev Event, delta entity.Delta) Outcome {
	if outcome, ok := d.unbound(ev); ok {
		return outcome
	}

	id, rev := ev.Target(), ev.Revision()
	_, err := d.store.ApplyPushUpdate(id, rev, delta)
	switch {
	case err == nil:
		d.reloader.MarkSeen(id, rev)
		return OutcomeApplied

	case errors.Is(err, entity.ErrStaleRevision):
		// a redelivered push, or the echo of a mutation whose result was
		// applied first, carries exactly the stored revision
		if stored, ok := d.store.Revision(id); ok && stored == rev {
			return OutcomeDuplicate
		}
		d.log.Info("out of order push on %s: %v", id, err)

	case errors.Is(err, entity.ErrUnknownEntity):
		d.log.Debug("push on %s before it was loaded", id)

	default:
		d.log.Warn("push does not fit %s: %v", id, err)
	}

	d.reloader.ReloadEntity(id)
	return OutcomeReload
}

func (d *Dispatcher) notify(ev Event) {
	d.store.Notify(entity.Change{
		ID:       ev.Target(),
		Kind:     entity.ChangeNotified,
		Source:   entity.SourcePush,
		Revision: ev.Revision(),
	})
}
