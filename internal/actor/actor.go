// Package actor runs work off the channel's read goroutine.
//
// An actor owns a mailbox and processes one message at a time, in the order
// they were sent. Send never blocks: a full mailbox is reported to the sender.
package actor

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/codefionn/collabsync/internal/logger"
)

var (
	// ErrStopped is returned by Send once the actor was stopped.
	ErrStopped = errors.New("actor stopped")
	// ErrMailboxFull is returned by Send when the mailbox has no room.
	ErrMailboxFull = errors.New("actor mailbox full")
)

// Message represents a message sent to an actor
type Message interface {
	Type() string
}

// Actor processes messages
type Actor interface {
	// Receive processes one message
	Receive(ctx context.Context, msg Message) error
	// Start is called once before the first message
	Start(ctx context.Context) error
	// Stop is called once after the last message
	Stop(ctx context.Context) error
	// ID returns the actor's unique identifier
	ID() string
}

// ActorRef is a reference to a running actor
type ActorRef struct {
	id         string
	mailbox    chan Message
	actor      Actor
	wg         sync.WaitGroup
	cancel     context.CancelFunc
	mu         sync.RWMutex
	stopped    bool
	sequential bool
	drain      bool
	sequenceMu sync.Mutex
	ctx        context.Context
	log        *logger.Logger
}

// ActorRefOption configures an ActorRef
type ActorRefOption func(*ActorRef)

// WithSequentialProcessing makes Send process the message before returning
// instead of queueing it. Tests use it to observe effects deterministically.
func WithSequentialProcessing() ActorRefOption {
	return func(ref *ActorRef) {
		ref.sequential = true
	}
}

// WithDrainOnStop processes messages still queued when Stop is called.
func WithDrainOnStop() ActorRefOption {
	return func(ref *ActorRef) {
		ref.drain = true
	}
}

// WithLogger sets the logger Receive errors are reported to.
func WithLogger(l *logger.Logger) ActorRefOption {
	return func(ref *ActorRef) {
		ref.log = l
	}
}

// NewActorRef creates a reference with the given mailbox size. The actor
// runs once Start is called.
func NewActorRef(id string, actor Actor, mailboxSize int, opts ...ActorRefOption) *ActorRef {
	ref := &ActorRef{
		id:      id,
		actor:   actor,
		mailbox: make(chan Message, mailboxSize),
		ctx:     context.Background(),
	}
	for _, opt := range opts {
		opt(ref)
	}
	if ref.log == nil {
		ref.log = logger.Global().WithPrefix("actor")
	}
	return ref
}

// ID returns the actor's ID
func (ref *ActorRef) ID() string {
	return ref.id
}

// Pending returns the number of queued messages.
func (ref *ActorRef) Pending() int {
	return len(ref.mailbox)
}

// Send queues msg without blocking.
func (ref *ActorRef) Send(msg Message) error {
	ref.mu.RLock()
	if ref.stopped {
		ref.mu.RUnlock()
		return fmt.Errorf("%s: %w", ref.id, ErrStopped)
	}
	sequential := ref.sequential
	ctx := ref.ctx
	ref.mu.RUnlock()

	if sequential {
		ref.sequenceMu.Lock()
		defer ref.sequenceMu.Unlock()
		ref.receive(ctx, msg)
		return nil
	}

	select {
	case ref.mailbox <- msg:
		return nil
	default:
		return fmt.Errorf("%s: %w", ref.id, ErrMailboxFull)
	}
}

// Start starts the actor's message processing loop
func (ref *ActorRef) Start(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)

	if err := ref.actor.Start(ctx); err != nil {
		cancel()
		return fmt.Errorf("start %s: %w", ref.id, err)
	}

	ref.mu.Lock()
	ref.cancel = cancel
	ref.ctx = ctx
	ref.mu.Unlock()

	if ref.sequential {
		return nil
	}

	ref.wg.Add(1)
	go ref.run(ctx)
	return nil
}

// Stop stops the actor and waits for the message in progress.
func (ref *ActorRef) Stop(ctx context.Context) error {
	ref.mu.Lock()
	if ref.stopped {
		ref.mu.Unlock()
		return nil
	}
	ref.stopped = true
	cancel := ref.cancel
	ref.mu.Unlock()

	if cancel != nil {
		cancel()
	}

	done := make(chan struct{})
	go func() {
		ref.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return ref.actor.Stop(ctx)
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (ref *ActorRef) run(ctx context.Context) {
	defer ref.wg.Done()

	for {
		select {
		case <-ctx.Done():
			if ref.drain {
				ref.drainMailbox()
			}
			return
		case msg := <-ref.mailbox:
			ref.receive(ctx, msg)
		}
	}
}

// drainMailbox handles what is left with a fresh context, since the run
// context is already cancelled.
func (ref *ActorRef) drainMailbox() {
	ctx := context.WithoutCancel(ref.ctx)
	for {
		select {
		case msg := <-ref.mailbox:
			ref.receive(ctx, msg)
		default:
			return
		}
	}
}

func (ref *ActorRef) receive(ctx context.Context, msg Message) {
	if err := ref.actor.Receive(ctx, msg); err != nil {
		ref.log.Error("actor %s: %s: %v", ref.id, msg.Type(), err)
	}
}

// System manages a collection of actors
type System struct {
	actors map[string]*ActorRef
	order  []string
	mu     sync.RWMutex
}

// NewSystem creates a new actor system
func NewSystem() *System {
	return &System{
		actors: make(map[string]*ActorRef),
	}
}

// Spawn creates and starts a new actor
func (s *System) Spawn(ctx context.Context, id string, actor Actor, mailboxSize int, opts ...ActorRefOption) (*ActorRef, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.actors[id]; exists {
		return nil, fmt.Errorf("actor with id %s already exists", id)
	}

	ref := NewActorRef(id, actor, mailboxSize, opts...)
	if err := ref.Start(ctx); err != nil {
		return nil, err
	}

	s.actors[id] = ref
	s.order = append(s.order, id)
	return ref, nil
}

// Get retrieves an actor reference by ID
func (s *System) Get(id string) (*ActorRef, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	ref, ok := s.actors[id]
	return ref, ok
}

// StopAll stops all actors, the most recently spawned first.
func (s *System) StopAll(ctx context.Context) error {
	s.mu.Lock()
	refs := make([]*ActorRef, 0, len(s.order))
	for i := len(s.order) - 1; i >= 0; i-- {
		refs = append(refs, s.actors[s.order[i]])
	}
	s.actors = make(map[string]*ActorRef)
	s.order = nil
	s.mu.Unlock()

	var firstErr error
	for _, ref := range refs {
		if err := ref.Stop(ctx); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}
