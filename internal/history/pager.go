// Package history loads conversation timelines page by page, newest first.
//
// A conversation mirror holds a contiguous tail of the timeline starting at
// its watermark. LoadBefore fetches the page right below the watermark and
// prepends it. Concurrent loads for the same conversation share one call.
package history

import (
	"context"
	"errors"
	"fmt"

	"golang.org/x/sync/singleflight"

	"github.com/codefionn/collabsync/internal/callreg"
	"github.com/codefionn/collabsync/internal/entity"
	"github.com/codefionn/collabsync/internal/logger"
)

// ServerPageSize is the number of messages the server returns per call.
const ServerPageSize = 50

// LoadMessagesBefore is the call serving both pagination directions.
const LoadMessagesBefore = "load-messages-before"

// DefaultScrollThreshold is the distance to the top, in rendered rows, below
// which MaybeLoadBefore fetches more history.
const DefaultScrollThreshold = 10

// ErrHistoryGap is returned when a fetched page does not end right below the
// watermark. The mirror is left untouched.
var ErrHistoryGap = errors.New("history page not contiguous with watermark")

// Caller issues calls and waits for their reply.
type Caller interface {
	Call(ctx context.Context, name string, params interface{}) (callreg.Result, error)
}

// Cursor selects the page a load-messages-before call returns: the newest
// messages, or those strictly before Index.
type Cursor struct {
	Cursor string  `json:"cursor"`
	Index  *uint32 `json:"index,omitempty"`
}

// Latest is the cursor of the newest page.
func Latest() Cursor {
	return Cursor{Cursor: "latest"}
}

// Before is the cursor of the page ending right below index.
func Before(index uint32) Cursor {
	return Cursor{Cursor: "specific", Index: &index}
}

// Page is one fetched slice of a timeline.
type Page struct {
	Revision uint64
	First    uint32
	Messages []entity.Message
	// Added counts the messages merged into the mirror.
	Added int
	// Shared is set when the page was fetched by a concurrent load.
	Shared bool
}

// Pager loads history into the entity store.
type Pager struct {
	calls     Caller
	store     *entity.Store
	log       *logger.Logger
	threshold int
	group     singleflight.Group
}

// Option configures a Pager.
type Option func(*Pager)

// WithLogger sets the logger.
func WithLogger(l *logger.Logger) Option {
	return func(p *Pager) { p.log = l }
}

// WithScrollThreshold sets the MaybeLoadBefore threshold.
func WithScrollThreshold(rows int) Option {
	return func(p *Pager) { p.threshold = rows }
}

// New creates a pager.
func New(calls Caller, store *entity.Store, opts ...Option) *Pager {
	p := &Pager{
		calls:     calls,
		store:     store,
		threshold: DefaultScrollThreshold,
	}
	for _, opt := range opts {
		opt(p)
	}
	if p.log == nil {
		p.log = logger.Global().WithPrefix("history")
	}
	return p
}

// LoadLatest fetches the newest page of id and stores it as the mirror.
func (p *Pager) LoadLatest(ctx context.Context, id entity.ID) (Page, error) {
	if id.Kind() != entity.KindConversation {
		return Page{}, fmt.Errorf("load latest of %s: not a conversation", id)
	}
	page, err := p.fetch(ctx, id, Latest())
	if err != nil {
		return Page{}, err
	}

	_, err = p.store.Put(entity.Entity{
		ID:       id,
		Revision: page.Revision,
		Payload:  &entity.Conversation{Mirror: entity.NewOrderedMirror(page.First, page.Messages)},
	})
	if err != nil {
		return page, fmt.Errorf("store latest of %s: %w", id, err)
	}
	page.Added = len(page.Messages)
	return page, nil
}

// LoadBefore fetches the page ending right below before and merges it into
// the mirror. It does nothing when before is 0. A call made while a load for
// id is outstanding waits for that load instead of issuing another.
func (p *Pager) LoadBefore(ctx context.Context, id entity.ID, before uint32) (Page, error) {
	if before == 0 {
		return Page{}, nil
	}
	if !p.store.Known(id) {
		return Page{}, fmt.Errorf("load before %d of %s: %w", before, id, entity.ErrUnknownEntity)
	}

	// the shared load must outlive the caller who started it
	shared := context.WithoutCancel(ctx)
	ch := p.group.DoChan(string(id), func() (interface{}, error) {
		return p.loadBefore(shared, id, before)
	})

	select {
	case res := <-ch:
		if res.Err != nil {
			return Page{}, res.Err
		}
		page := res.Val.(Page)
		page.Shared = res.Shared
		return page, nil
	case <-ctx.Done():
		return Page{}, ctx.Err()
	}
}

func (p *Pager) loadBefore(ctx context.Context, id entity.ID, before uint32) (Page, error) {
	page, err := p.fetch(ctx, id, Before(before))
	if err != nil {
		return Page{}, err
	}
	if end := page.First + uint32(len(page.Messages)); end != before {
		return Page{}, fmt.Errorf("%w: %s page [%d,%d) before %d", ErrHistoryGap, id, page.First, end, before)
	}

	change, err := p.store.MergeHistory(id, page.First, page.Messages)
	if errors.Is(err, entity.ErrDeltaMismatch) {
		return Page{}, fmt.Errorf("%w: %v", ErrHistoryGap, err)
	}
	if err != nil {
		return Page{}, err
	}
	page.Added = change.Count
	p.log.Debug("merged %d of %d messages into %s, watermark %d", change.Count, len(page.Messages), id, change.Index)
	return page, nil
}

// MaybeLoadBefore loads the next older page of id when the consumer scrolled
// within the threshold of the top of the loaded range. ok is false when
// nothing was loaded.
func (p *Pager) MaybeLoadBefore(ctx context.Context, id entity.ID, rowsFromTop int) (page Page, ok bool, err error) {
	if rowsFromTop > p.threshold {
		return Page{}, false, nil
	}
	e, found := p.store.Get(id)
	if !found {
		return Page{}, false, fmt.Errorf("load history of %s: %w", id, entity.ErrUnknownEntity)
	}
	conv, isConv := e.Conversation()
	if !isConv {
		return Page{}, false, fmt.Errorf("load history of %s: not a conversation", id)
	}
	if conv.Mirror.AtStart() {
		return Page{}, false, nil
	}

	page, err = p.LoadBefore(ctx, id, conv.Mirror.FirstLoadedIndex())
	if err != nil {
		return Page{}, false, err
	}
	return page, true, nil
}

func (p *Pager) fetch(ctx context.Context, id entity.ID, cursor Cursor) (Page, error) {
	res, err := p.calls.Call(ctx, LoadMessagesBefore, []interface{}{id.Raw(), cursor})
	if err != nil {
		return Page{}, fmt.Errorf("%s %s: %w", LoadMessagesBefore, id, err)
	}

	var page Page
	if err := res.Tuple(&page.Revision, &page.First, &page.Messages); err != nil {
		return Page{}, fmt.Errorf("%s %s: %w", LoadMessagesBefore, id, err)
	}
	for i := range page.Messages {
		page.Messages[i].Index = page.First + uint32(i)
	}
	if len(page.Messages) > ServerPageSize {
		p.log.Warn("%s returned %d messages, expected at most %d", id, len(page.Messages), ServerPageSize)
	}
	return page, nil
}
