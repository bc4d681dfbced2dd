package channel

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/codefionn/collabsync/internal/callreg"
	"github.com/codefionn/collabsync/internal/logger"
	"github.com/codefionn/collabsync/internal/wire"
)

// pipeConn is an in-memory Conn driven by the test.
type pipeConn struct {
	in     chan []byte
	out    chan []byte
	closed chan struct{}
	once   sync.Once
	// readErr is returned by ReadFrame once in is closed
	readErr error
}

func newPipeConn() *pipeConn {
	return &pipeConn{
		in:      make(chan []byte, 64),
		out:     make(chan []byte, 64),
		closed:  make(chan struct{}),
		readErr: io.EOF,
	}
}

func (p *pipeConn) ReadFrame() ([]byte, error) {
	select {
	case data, ok := <-p.in:
		if !ok {
			return nil, p.readErr
		}
		return data, nil
	case <-p.closed:
		return nil, errors.New("use of closed connection")
	}
}

func (p *pipeConn) WriteFrame(frame []byte) error {
	select {
	case <-p.closed:
		return errors.New("use of closed connection")
	case p.out <- append([]byte(nil), frame...):
		return nil
	}
}

func (p *pipeConn) Close() error {
	p.once.Do(func() { close(p.closed) })
	return nil
}

func (p *pipeConn) nextCall(t *testing.T) wire.Call {
	t.Helper()
	select {
	case data := <-p.out:
		var call struct {
			Num        uint32          `json:"num"`
			Request    string          `json:"request"`
			Parameters json.RawMessage `json:"parameters"`
		}
		require.NoError(t, json.Unmarshal(data, &call))
		return wire.Call{Num: call.Num, Request: call.Request, Parameters: call.Parameters}
	case <-time.After(time.Second):
		t.Fatal("no call written")
		return wire.Call{}
	}
}

type recordingObserver struct {
	mu     sync.Mutex
	frames map[Direction]int
}

func (r *recordingObserver) ObserveFrame(dir Direction, _ []byte) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.frames == nil {
		r.frames = make(map[Direction]int)
	}
	r.frames[dir]++
}

func (r *recordingObserver) count(dir Direction) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.frames[dir]
}

func quietLogger() *logger.Logger {
	return logger.NewWriter(logger.LevelNone, io.Discard, "")
}

func TestCallRoundTrip(t *testing.T) {
	conn := newPipeConn()
	obs := &recordingObserver{}
	m := New(conn, nil, WithLogger(quietLogger()), WithObserver(obs))
	m.Start()
	defer m.Close()

	f, err := m.Issue("load-document", 3)
	require.NoError(t, err)

	call := conn.nextCall(t)
	assert.Equal(t, "load-document", call.Request)
	assert.Equal(t, f.Ticket(), call.Num)

	conn.in <- []byte(`{"num":0,"reply":"document","parameters":[2,[]]}`)

	res, err := f.Wait(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "document", res.Reply)

	var rev uint64
	require.NoError(t, res.Tuple(&rev))
	assert.Equal(t, uint64(2), rev)

	assert.Equal(t, 1, obs.count(Inbound))
	assert.Eventually(t, func() bool { return obs.count(Outbound) == 1 }, time.Second, 5*time.Millisecond)
}

func TestRepliesResolveInArrivalOrder(t *testing.T) {
	conn := newPipeConn()
	m := New(conn, nil, WithLogger(quietLogger()))
	m.Start()
	defer m.Close()

	first, _ := m.Issue("load-bucket", 1)
	second, _ := m.Issue("load-bucket", 2)
	assert.Less(t, first.Ticket(), second.Ticket())
	conn.nextCall(t)
	conn.nextCall(t)

	conn.in <- []byte(`{"num":1,"reply":"bucket","parameters":[5,[]]}`)
	<-second.Done()
	select {
	case <-first.Done():
		t.Fatal("first call resolved by a reply to the second")
	default:
	}

	conn.in <- []byte(`{"num":0,"reply":"generic-failure","parameters":"No such bucket"}`)
	_, err := first.Wait(context.Background())
	var remote *callreg.RemoteError
	require.True(t, errors.As(err, &remote))
	assert.Equal(t, "No such bucket", remote.Message())
}

func TestPushesRoutedInOrder(t *testing.T) {
	conn := newPipeConn()
	var mu sync.Mutex
	var got []string
	m := New(conn, func(p wire.Push) {
		mu.Lock()
		defer mu.Unlock()
		got = append(got, p.Type+"@"+p.ID)
	}, WithLogger(quietLogger()))
	m.Start()
	defer m.Close()

	conn.in <- []byte(`{"type":"new-message","id":"conv-7","new_revision":4,"index":13,"data":{}}`)
	conn.in <- []byte(`garbage`)
	conn.in <- []byte(`{"num":99,"reply":"generic-success"}`) // unmatched, dropped
	conn.in <- []byte(`{"type":"set-element","id":"document-1","new_revision":2,"index":0,"data":{}}`)

	assert.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(got) == 2
	}, time.Second, 5*time.Millisecond)
	assert.Equal(t, []string{"new-message@conv-7", "set-element@document-1"}, got)
	assert.Equal(t, StateOpen, m.State())
}

func TestCloseFailsPendingCalls(t *testing.T) {
	conn := newPipeConn()
	m := New(conn, nil, WithLogger(quietLogger()))
	m.Start()

	var hookErr error
	hookCalls := 0
	m.OnClose(func(err error) {
		hookCalls++
		hookErr = err
	})

	const n = 4
	futures := make([]*callreg.Future, 0, n)
	for i := 0; i < n; i++ {
		f, err := m.Issue("load-messages-before", i)
		require.NoError(t, err)
		futures = append(futures, f)
	}

	require.NoError(t, m.Close())
	require.NoError(t, m.Close())

	for _, f := range futures {
		_, err := f.Wait(context.Background())
		assert.True(t, errors.Is(err, callreg.ErrChannelClosed))
	}
	assert.Equal(t, 0, m.Registry().Pending())
	assert.Equal(t, StateClosed, m.State())
	assert.Equal(t, 1, hookCalls)
	assert.True(t, errors.Is(hookErr, ErrClosedByClient))

	_, err := m.Issue("post-message", nil)
	assert.True(t, errors.Is(err, callreg.ErrChannelClosed))

	late := false
	m.OnClose(func(error) { late = true })
	assert.True(t, late)
}

func TestReadErrorFailsPendingCalls(t *testing.T) {
	conn := newPipeConn()
	conn.readErr = errors.New("connection reset")
	m := New(conn, nil, WithLogger(quietLogger()))

	closed := make(chan error, 1)
	m.OnClose(func(err error) { closed <- err })

	f, err := m.Issue("post-message", []interface{}{7, 4, "hi"})
	require.NoError(t, err)
	m.Start()
	conn.nextCall(t)

	close(conn.in)

	select {
	case err := <-closed:
		assert.Contains(t, err.Error(), "connection reset")
	case <-time.After(time.Second):
		t.Fatal("close hook not fired")
	}

	_, err = f.Wait(context.Background())
	require.Error(t, err)
	assert.True(t, errors.Is(err, callreg.ErrChannelClosed))
	assert.Contains(t, err.Error(), "connection reset")
	assert.Error(t, m.Err())
	<-m.Done()
}

func TestCallEncodeFailureIsNotLeaked(t *testing.T) {
	conn := newPipeConn()
	m := New(conn, nil, WithLogger(quietLogger()))
	defer m.Close()

	_, err := m.Issue("bad", make(chan int))
	require.Error(t, err)
	assert.Equal(t, 0, m.Registry().Pending())
}

func TestHandleFrameLogsUnmatchedReply(t *testing.T) {
	var buf bytes.Buffer
	m := New(newPipeConn(), nil, WithLogger(logger.NewWriter(logger.LevelWarn, &buf, "mux")))
	defer m.Close()

	m.HandleFrame([]byte(`{"num":7,"reply":"generic-success"}`))
	assert.Contains(t, buf.String(), "unmatched reply")
}
