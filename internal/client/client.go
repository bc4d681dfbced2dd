// Package client is the entry point for hosts: it owns one channel, the
// entity store and the session state, and exposes typed calls.
//
// Typical use:
//
//	c, err := client.Dial(ctx, url, client.Options{})
//	err = c.Login(ctx, userID, token)
//	c.OnEntityChanged(render)
//	snapshot, err := c.Open(ctx, "conv-7")
//
// All failures of a call surface at its call site. Only a channel closure is
// reported to every caller, through OnClose. The client never reconnects.
package client

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/codefionn/collabsync/internal/actor"
	"github.com/codefionn/collabsync/internal/callreg"
	"github.com/codefionn/collabsync/internal/channel"
	"github.com/codefionn/collabsync/internal/dispatch"
	"github.com/codefionn/collabsync/internal/entity"
	"github.com/codefionn/collabsync/internal/history"
	"github.com/codefionn/collabsync/internal/logger"
	"github.com/codefionn/collabsync/internal/session"
	"github.com/codefionn/collabsync/internal/wire"
)

var (
	// ErrNotMaterialized is returned by mutations on entities that were never loaded.
	ErrNotMaterialized = errors.New("entity not materialized")
	// ErrNotLoggedIn is returned by calls that need a session.
	ErrNotLoggedIn = errors.New("not logged in")
	// ErrUnsupportedKind is returned when opening entities that are not mirrored.
	ErrUnsupportedKind = errors.New("entity kind not mirrored")
	// ErrUnbound is returned when an entity's side was rebound while it loaded.
	ErrUnbound = errors.New("entity no longer bound")
)

// DefaultReloadMailbox is the number of queued background refreshes.
const DefaultReloadMailbox = 64

// Options configures a Client.
type Options struct {
	Dial            channel.DialOptions
	Logger          *logger.Logger
	Observers       []channel.FrameObserver
	ReloadMailbox   int
	ScrollThreshold int
	SingleSide      bool
}

// Client is one session with the collaboration server.
type Client struct {
	mux   *channel.Multiplexer
	store *entity.Store
	pager *history.Pager
	log   *logger.Logger
	opts  Options
	now   func() time.Time

	state      atomic.Pointer[session.State]
	dispatcher atomic.Pointer[dispatch.Dispatcher]

	actors  *actor.System
	reloads *actor.ActorRef
	queued  sync.Map // reload keys waiting in the mailbox

	ctx    context.Context
	cancel context.CancelFunc

	closeOnce sync.Once
}

// Dial connects to url and starts the channel.
func Dial(ctx context.Context, url string, opts Options) (*Client, error) {
	if opts.Dial.HandshakeTimeout == 0 && opts.Dial.WriteTimeout == 0 {
		header := opts.Dial.Header
		opts.Dial = channel.DefaultDialOptions()
		opts.Dial.Header = header
	}
	conn, err := channel.Dial(ctx, url, opts.Dial)
	if err != nil {
		return nil, err
	}
	c, err := New(conn, opts)
	if err != nil {
		conn.Close()
		return nil, err
	}
	return c, nil
}

// New creates a client over an established connection and starts it.
func New(conn channel.Conn, opts Options) (*Client, error) {
	log := opts.Logger
	if log == nil {
		log = logger.Global()
	}
	if opts.ReloadMailbox <= 0 {
		opts.ReloadMailbox = DefaultReloadMailbox
	}
	if opts.ScrollThreshold <= 0 {
		opts.ScrollThreshold = history.DefaultScrollThreshold
	}

	ctx, cancel := context.WithCancel(context.Background())
	c := &Client{
		store:  entity.NewStore(),
		log:    log.WithPrefix("client"),
		opts:   opts,
		now:    time.Now,
		actors: actor.NewSystem(),
		ctx:    ctx,
		cancel: cancel,
	}

	muxOpts := []channel.Option{channel.WithLogger(log.WithPrefix("mux"))}
	for _, o := range opts.Observers {
		muxOpts = append(muxOpts, channel.WithObserver(o))
	}
	c.mux = channel.New(conn, c.handlePush, muxOpts...)
	c.pager = history.New(c.mux, c.store,
		history.WithLogger(log.WithPrefix("history")),
		history.WithScrollThreshold(opts.ScrollThreshold))

	ref, err := c.actors.Spawn(ctx, "reloader", &reloader{c: c}, opts.ReloadMailbox,
		actor.WithLogger(log.WithPrefix("reloader")))
	if err != nil {
		cancel()
		return nil, err
	}
	c.reloads = ref

	c.mux.OnClose(func(error) { c.cancel() })
	c.mux.Start()
	return c, nil
}

func (c *Client) handlePush(p wire.Push) {
	d := c.dispatcher.Load()
	if d == nil {
		c.log.Debug("push %s on %s before login", p.Type, p.ID)
		return
	}
	d.HandlePush(p)
}

// startSession installs the session state and starts routing pushes.
func (c *Client) startSession(userID uint32) *session.State {
	var opts []session.Option
	if c.opts.SingleSide {
		opts = append(opts, session.WithSingleSide())
	}
	state := session.New(userID, opts...)
	c.state.Store(state)
	c.dispatcher.Store(dispatch.New(c.store, state, state, c, state.Self(), c.log.WithPrefix("dispatch")))
	c.log.Info("session %s for user %d", state.InstanceID(), userID)
	return state
}

func (c *Client) session() (*session.State, error) {
	state := c.state.Load()
	if state == nil {
		return nil, ErrNotLoggedIn
	}
	return state, nil
}

// Session returns the session state, or nil before login.
func (c *Client) Session() *session.State {
	return c.state.Load()
}

// OnEntityChanged registers fn for every change of the mirrored state.
func (c *Client) OnEntityChanged(fn func(entity.Change)) {
	c.store.Subscribe(fn)
}

// GetEntitySnapshot returns a copy of the mirrored entity.
func (c *Client) GetEntitySnapshot(id entity.ID) (entity.Entity, bool) {
	return c.store.Get(id)
}

// IssueCall sends an arbitrary call and waits for its reply.
func (c *Client) IssueCall(ctx context.Context, name string, params interface{}) (callreg.Result, error) {
	return c.mux.Call(ctx, name, params)
}

// Pager returns the history pager.
func (c *Client) Pager() *history.Pager {
	return c.pager
}

// OnClose registers fn to run once when the channel closes. All pending
// calls have failed by then. The host decides whether to start over.
func (c *Client) OnClose(fn func(error)) {
	c.mux.OnClose(fn)
}

// Done is closed when the channel closes.
func (c *Client) Done() <-chan struct{} {
	return c.mux.Done()
}

// Err returns why the channel closed.
func (c *Client) Err() error {
	return c.mux.Err()
}

// Close closes the channel and stops background work.
func (c *Client) Close() error {
	var err error
	c.closeOnce.Do(func() {
		err = c.mux.Close()
		c.cancel()
		stopCtx, cancel := context.WithTimeout(context.Background(), channel.DefaultDialOptions().WriteTimeout)
		defer cancel()
		if stopErr := c.actors.StopAll(stopCtx); stopErr != nil && err == nil {
			err = fmt.Errorf("stop background work: %w", stopErr)
		}
	})
	return err
}

// Stats is a point-in-time view of the client, for debugging.
type Stats struct {
	Instance      string `json:"instance,omitempty"`
	Channel       string `json:"channel"`
	PendingCalls  int    `json:"pending_calls"`
	QueuedReloads int    `json:"queued_reloads"`
	Left          string `json:"left,omitempty"`
	Right         string `json:"right,omitempty"`
	DirectorySize int    `json:"directory_size"`
}

// Stats reports the current state of the client.
func (c *Client) Stats() Stats {
	s := Stats{
		Channel:       c.mux.State().String(),
		PendingCalls:  c.mux.Registry().Pending(),
		QueuedReloads: c.reloads.Pending(),
	}
	if state := c.state.Load(); state != nil {
		s.Instance = state.InstanceID()
		if id, ok := state.Bound(session.Left); ok {
			s.Left = string(id)
		}
		if id, ok := state.Bound(session.Right); ok {
			s.Right = string(id)
		}
		s.DirectorySize = len(state.Entities())
	}
	return s
}
