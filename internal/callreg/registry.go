// Package callreg correlates outstanding calls with their replies.
//
// A Registry hands out tickets that increase monotonically for the lifetime
// of one channel and are never reused. Each ticket owns a Future which is
// completed exactly once: by the matching reply, or by FailAll when the
// channel closes. Calls have no timeout of their own.
package callreg

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/codefionn/collabsync/internal/wire"
)

// Result is the payload of a successful reply.
type Result struct {
	Reply      string
	Parameters json.RawMessage
}

// Decode unmarshals the reply parameters into v.
func (r Result) Decode(v interface{}) error {
	if len(r.Parameters) == 0 {
		return fmt.Errorf("reply %s carries no parameters", r.Reply)
	}
	return json.Unmarshal(r.Parameters, v)
}

// Tuple decodes positional reply parameters, see wire.Tuple.
func (r Result) Tuple(targets ...interface{}) error {
	if len(r.Parameters) == 0 {
		return fmt.Errorf("reply %s carries no parameters", r.Reply)
	}
	return wire.Tuple(r.Parameters, targets...)
}

// Future is the completion handle of one call.
type Future struct {
	ticket uint32
	name   string
	done   chan struct{}
	result Result
	err    error
}

// Ticket returns the ticket the call was issued with.
func (f *Future) Ticket() uint32 {
	return f.ticket
}

// Name returns the call name.
func (f *Future) Name() string {
	return f.name
}

// Done is closed once the call has completed.
func (f *Future) Done() <-chan struct{} {
	return f.done
}

// Wait blocks until the call completes or ctx is done. Giving up on ctx does
// not cancel the call; it stays pending until answered or the channel closes.
func (f *Future) Wait(ctx context.Context) (Result, error) {
	select {
	case <-f.done:
		return f.result, f.err
	case <-ctx.Done():
		return Result{}, ctx.Err()
	}
}

// Registry tracks outstanding calls of one channel.
type Registry struct {
	mu       sync.Mutex
	next     uint32
	pending  map[uint32]*Future
	closed   bool
	closeErr error
}

// New creates an empty registry.
func New() *Registry {
	return &Registry{pending: make(map[uint32]*Future)}
}

// Issue assigns the next ticket to a call and registers it as pending.
func (r *Registry) Issue(name string) (*Future, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.closed {
		return nil, r.closeErr
	}

	f := &Future{ticket: r.next, name: name, done: make(chan struct{})}
	r.next++
	r.pending[f.ticket] = f
	return f, nil
}

// Resolve completes the pending call matching reply.Num. Failure frames
// reject the call with a *RemoteError. A reply without a pending call returns
// ErrUnmatchedReply; nobody is waiting for it so the caller only logs it.
func (r *Registry) Resolve(reply wire.Reply) error {
	r.mu.Lock()
	f, ok := r.pending[reply.Num]
	if ok {
		delete(r.pending, reply.Num)
	}
	r.mu.Unlock()

	if !ok {
		return fmt.Errorf("%w: ticket %d (%s)", ErrUnmatchedReply, reply.Num, reply.Reply)
	}

	if reply.Failed() {
		f.err = &RemoteError{Call: f.name, Ticket: f.ticket, Payload: reply.Parameters}
	} else {
		f.result = Result{Reply: reply.Reply, Parameters: reply.Parameters}
	}
	close(f.done)
	return nil
}

// Forget drops a pending call without completing it through a reply, failing
// it with err. It is used when a frame could not be handed to the channel.
func (r *Registry) Forget(ticket uint32, err error) {
	r.mu.Lock()
	f, ok := r.pending[ticket]
	if ok {
		delete(r.pending, ticket)
	}
	r.mu.Unlock()

	if ok {
		f.err = err
		close(f.done)
	}
}

// FailAll rejects every pending call with a *ClosedError wrapping cause and
// refuses further calls. It returns the number of calls failed.
func (r *Registry) FailAll(cause error) int {
	r.mu.Lock()
	if !r.closed {
		r.closed = true
		r.closeErr = &ClosedError{Cause: cause}
	}
	failed := r.pending
	r.pending = make(map[uint32]*Future)
	closeErr := r.closeErr
	r.mu.Unlock()

	for _, f := range failed {
		f.err = closeErr
		close(f.done)
	}
	return len(failed)
}

// Pending returns the number of outstanding calls.
func (r *Registry) Pending() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.pending)
}

// Closed reports whether FailAll has been called.
func (r *Registry) Closed() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.closed
}
