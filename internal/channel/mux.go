// Package channel multiplexes request/reply calls and server pushes over a
// single connection.
//
// Incoming frames are handled strictly in arrival order on the read pump:
// replies complete their pending call in the Registry, pushes are handed to
// the PushHandler before the next frame is read. A PushHandler therefore must
// not wait for a call reply; doing so would block the very goroutine that
// delivers it.
//
// When the connection fails or is closed, every pending call is rejected with
// callreg.ErrChannelClosed and the close hooks run once. There is no
// reconnection here; a new Multiplexer with a new Conn is a new channel.
package channel

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/codefionn/collabsync/internal/callreg"
	"github.com/codefionn/collabsync/internal/logger"
	"github.com/codefionn/collabsync/internal/wire"
)

// State is the lifecycle state of a Multiplexer
type State int32

const (
	// StateIdle means Start has not been called yet
	StateIdle State = iota
	// StateOpen means the pumps are running
	StateOpen
	// StateClosed means the channel is gone for good
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateOpen:
		return "open"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// Direction tells observers which way a frame travelled.
type Direction string

const (
	Inbound  Direction = "in"
	Outbound Direction = "out"
)

// ErrClosedByClient is the close cause after an explicit Close.
var ErrClosedByClient = errors.New("closed by client")

// PushHandler receives every push frame, in arrival order.
type PushHandler func(push wire.Push)

// FrameObserver sees every raw frame sent or received.
type FrameObserver interface {
	ObserveFrame(dir Direction, frame []byte)
}

// Option configures a Multiplexer.
type Option func(*Multiplexer)

// WithRegistry makes the multiplexer use reg instead of a fresh registry.
func WithRegistry(reg *callreg.Registry) Option {
	return func(m *Multiplexer) {
		m.registry = reg
	}
}

// WithLogger sets the logger used for protocol anomalies.
func WithLogger(l *logger.Logger) Option {
	return func(m *Multiplexer) {
		m.log = l
	}
}

// WithObserver adds a frame observer.
func WithObserver(o FrameObserver) Option {
	return func(m *Multiplexer) {
		m.observers = append(m.observers, o)
	}
}

// WithOutgoingBuffer sets how many frames may queue for the write pump.
func WithOutgoingBuffer(n int) Option {
	return func(m *Multiplexer) {
		m.outgoing = make(chan []byte, n)
	}
}

// Multiplexer owns one channel.
type Multiplexer struct {
	conn      Conn
	registry  *callreg.Registry
	log       *logger.Logger
	onPush    PushHandler
	observers []FrameObserver

	// sendMu keeps wire order equal to ticket order
	sendMu   sync.Mutex
	outgoing chan []byte

	state     atomic.Int32
	stopCh    chan struct{}
	closeOnce sync.Once
	closeErr  error

	hookMu sync.Mutex
	hooks  []func(error)
}

// New creates a multiplexer over conn. Call Start to begin pumping frames.
func New(conn Conn, onPush PushHandler, opts ...Option) *Multiplexer {
	m := &Multiplexer{
		conn:     conn,
		onPush:   onPush,
		outgoing: make(chan []byte, 256),
		stopCh:   make(chan struct{}),
	}
	for _, opt := range opts {
		opt(m)
	}
	if m.registry == nil {
		m.registry = callreg.New()
	}
	if m.log == nil {
		m.log = logger.Global().WithPrefix("mux")
	}
	m.state.Store(int32(StateIdle))
	return m
}

// Registry returns the call registry of this channel.
func (m *Multiplexer) Registry() *callreg.Registry {
	return m.registry
}

// State returns the current state.
func (m *Multiplexer) State() State {
	return State(m.state.Load())
}

// Start launches the read and write pumps.
func (m *Multiplexer) Start() {
	if !m.state.CompareAndSwap(int32(StateIdle), int32(StateOpen)) {
		return
	}
	go m.readPump()
	go m.writePump()
}

// Issue sends a call and returns its future without waiting.
func (m *Multiplexer) Issue(name string, params interface{}) (*callreg.Future, error) {
	m.sendMu.Lock()
	defer m.sendMu.Unlock()

	f, err := m.registry.Issue(name)
	if err != nil {
		return nil, err
	}

	frame, err := wire.Call{Num: f.Ticket(), Request: name, Parameters: params}.Encode()
	if err != nil {
		m.registry.Forget(f.Ticket(), err)
		return nil, err
	}

	select {
	case m.outgoing <- frame:
	case <-m.stopCh:
		// the registry already failed f with the close cause
	}
	return f, nil
}

// Call sends a call and waits for its reply.
func (m *Multiplexer) Call(ctx context.Context, name string, params interface{}) (callreg.Result, error) {
	f, err := m.Issue(name, params)
	if err != nil {
		return callreg.Result{}, err
	}
	return f.Wait(ctx)
}

// HandleFrame classifies one incoming frame and routes it.
func (m *Multiplexer) HandleFrame(raw []byte) {
	for _, o := range m.observers {
		o.ObserveFrame(Inbound, raw)
	}

	frame, err := wire.Decode(raw)
	if err != nil {
		m.log.Warn("dropping frame: %v", err)
		return
	}

	if frame.IsReply() {
		if err := m.registry.Resolve(*frame.Reply); err != nil {
			m.log.Warn("dropping reply: %v", err)
		}
		return
	}

	if m.onPush != nil {
		m.onPush(*frame.Push)
	}
}

// OnClose registers fn to run once when the channel closes. If it is closed
// already, fn runs immediately.
func (m *Multiplexer) OnClose(fn func(error)) {
	m.hookMu.Lock()
	if m.State() != StateClosed {
		m.hooks = append(m.hooks, fn)
		m.hookMu.Unlock()
		return
	}
	m.hookMu.Unlock()
	fn(m.closeErr)
}

// Done is closed when the channel is closed.
func (m *Multiplexer) Done() <-chan struct{} {
	return m.stopCh
}

// Err returns the close cause, or nil while open.
func (m *Multiplexer) Err() error {
	if m.State() != StateClosed {
		return nil
	}
	return m.closeErr
}

// Close closes the channel, failing all pending calls.
func (m *Multiplexer) Close() error {
	m.fail(ErrClosedByClient)
	return nil
}

func (m *Multiplexer) fail(cause error) {
	m.closeOnce.Do(func() {
		m.hookMu.Lock()
		m.closeErr = cause
		m.state.Store(int32(StateClosed))
		hooks := m.hooks
		m.hooks = nil
		m.hookMu.Unlock()

		failed := m.registry.FailAll(cause)
		close(m.stopCh)
		if err := m.conn.Close(); err != nil {
			m.log.Debug("closing connection: %v", err)
		}

		if isExpectedClose(cause) {
			m.log.Info("channel closed: %v (%d pending calls failed)", cause, failed)
		} else {
			m.log.Error("channel lost: %v (%d pending calls failed)", cause, failed)
		}

		for _, hook := range hooks {
			hook(cause)
		}
	})
}

func (m *Multiplexer) readPump() {
	for {
		data, err := m.conn.ReadFrame()
		if err != nil {
			if m.State() == StateClosed {
				return
			}
			m.fail(fmt.Errorf("read: %w", err))
			return
		}
		m.HandleFrame(data)
	}
}

func (m *Multiplexer) writePump() {
	for {
		select {
		case <-m.stopCh:
			return
		case frame := <-m.outgoing:
			if err := m.conn.WriteFrame(frame); err != nil {
				m.fail(fmt.Errorf("write: %w", err))
				return
			}
			for _, o := range m.observers {
				o.ObserveFrame(Outbound, frame)
			}
		}
	}
}
