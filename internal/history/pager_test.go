package history

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/codefionn/collabsync/internal/callreg"
	"github.com/codefionn/collabsync/internal/entity"
	"github.com/codefionn/collabsync/internal/logger"
)

type fakeCaller struct {
	mu      sync.Mutex
	calls   int32
	params  []json.RawMessage
	gate    chan struct{}
	reply   func(cursor Cursor) string
	failure error
}

func (f *fakeCaller) Call(ctx context.Context, name string, params interface{}) (callreg.Result, error) {
	atomic.AddInt32(&f.calls, 1)
	data, err := json.Marshal(params)
	if err != nil {
		return callreg.Result{}, err
	}
	f.mu.Lock()
	f.params = append(f.params, data)
	f.mu.Unlock()

	if f.gate != nil {
		select {
		case <-f.gate:
		case <-ctx.Done():
			return callreg.Result{}, ctx.Err()
		}
	}
	if f.failure != nil {
		return callreg.Result{}, f.failure
	}

	var args []json.RawMessage
	if err := json.Unmarshal(data, &args); err != nil {
		return callreg.Result{}, err
	}
	var cursor Cursor
	if err := json.Unmarshal(args[1], &cursor); err != nil {
		return callreg.Result{}, err
	}
	return callreg.Result{Reply: "messages", Parameters: json.RawMessage(f.reply(cursor))}, nil
}

func quiet() Option {
	return WithLogger(logger.NewWriter(logger.LevelNone, io.Discard, ""))
}

const conv7 = entity.ID("conv-7")

func seeded(t *testing.T, store *entity.Store) {
	t.Helper()
	page := []entity.Message{{Content: "m10"}, {Content: "m11"}, {Content: "m12"}}
	_, err := store.Put(entity.Entity{
		ID:       conv7,
		Revision: 3,
		Payload:  &entity.Conversation{Mirror: entity.NewOrderedMirror(10, page)},
	})
	require.NoError(t, err)
}

func TestLoadLatest(t *testing.T) {
	store := entity.NewStore()
	calls := &fakeCaller{reply: func(c Cursor) string {
		assert.Equal(t, "latest", c.Cursor)
		assert.Nil(t, c.Index)
		return `[3, 10, [{"author":1,"content":"m10","created":1},{"author":2,"content":"m11","created":2},{"author":1,"content":"m12","created":3}]]`
	}}
	p := New(calls, store, quiet())

	page, err := p.LoadLatest(context.Background(), conv7)
	require.NoError(t, err)
	assert.Equal(t, uint64(3), page.Revision)
	assert.Equal(t, uint32(10), page.First)
	assert.Equal(t, 3, page.Added)
	assert.JSONEq(t, `[7, {"cursor":"latest"}]`, string(calls.params[0]))

	e, ok := store.Get(conv7)
	require.True(t, ok)
	conv, _ := e.Conversation()
	assert.Equal(t, []uint32{10, 11, 12}, conv.Mirror.Indices())
	assert.Equal(t, uint64(3), e.Revision)

	_, err = p.LoadLatest(context.Background(), entity.ID("document-1"))
	assert.Error(t, err)
}

func TestLoadBeforeMergesPage(t *testing.T) {
	store := entity.NewStore()
	seeded(t, store)
	calls := &fakeCaller{reply: func(c Cursor) string {
		require.NotNil(t, c.Index)
		assert.Equal(t, uint32(10), *c.Index)
		return `[3, 7, [{"content":"m7"},{"content":"m8"},{"content":"m9"}]]`
	}}
	p := New(calls, store, quiet())

	page, err := p.LoadBefore(context.Background(), conv7, 10)
	require.NoError(t, err)
	assert.Equal(t, uint32(7), page.First)
	assert.Equal(t, 3, page.Added)
	assert.JSONEq(t, `[7, {"cursor":"specific","index":10}]`, string(calls.params[0]))

	e, _ := store.Get(conv7)
	conv, _ := e.Conversation()
	assert.Equal(t, []uint32{7, 8, 9, 10, 11, 12}, conv.Mirror.Indices())
	assert.Equal(t, uint32(7), conv.Mirror.FirstLoadedIndex())
	m, _ := conv.Mirror.At(9)
	assert.Equal(t, "m9", m.Content)
}

func TestLoadBeforeAtStartIsNoop(t *testing.T) {
	store := entity.NewStore()
	calls := &fakeCaller{}
	p := New(calls, store, quiet())

	page, err := p.LoadBefore(context.Background(), conv7, 0)
	require.NoError(t, err)
	assert.Zero(t, page.Added)
	assert.Equal(t, int32(0), atomic.LoadInt32(&calls.calls))
}

func TestLoadBeforeRejectsGap(t *testing.T) {
	store := entity.NewStore()
	seeded(t, store)
	calls := &fakeCaller{reply: func(Cursor) string {
		return `[3, 5, [{"content":"m5"},{"content":"m6"}]]`
	}}
	p := New(calls, store, quiet())

	_, err := p.LoadBefore(context.Background(), conv7, 10)
	assert.True(t, errors.Is(err, ErrHistoryGap))

	e, _ := store.Get(conv7)
	conv, _ := e.Conversation()
	assert.Equal(t, uint32(10), conv.Mirror.FirstLoadedIndex())
}

func TestLoadBeforeUnknownEntity(t *testing.T) {
	p := New(&fakeCaller{}, entity.NewStore(), quiet())
	_, err := p.LoadBefore(context.Background(), conv7, 10)
	assert.True(t, errors.Is(err, entity.ErrUnknownEntity))
}

func TestConcurrentLoadBeforeIssuesOneCall(t *testing.T) {
	store := entity.NewStore()
	seeded(t, store)
	calls := &fakeCaller{
		gate: make(chan struct{}),
		reply: func(Cursor) string {
			return `[3, 7, [{"content":"m7"},{"content":"m8"},{"content":"m9"}]]`
		},
	}
	p := New(calls, store, quiet())

	var wg sync.WaitGroup
	pages := make([]Page, 2)
	errs := make([]error, 2)
	for i := 0; i < 2; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			pages[i], errs[i] = p.LoadBefore(context.Background(), conv7, 10)
		}(i)
	}

	require.Eventually(t, func() bool { return atomic.LoadInt32(&calls.calls) == 1 }, time.Second, time.Millisecond)
	// give the second load time to join the first
	time.Sleep(20 * time.Millisecond)
	close(calls.gate)
	wg.Wait()

	require.NoError(t, errs[0])
	require.NoError(t, errs[1])
	assert.Equal(t, int32(1), atomic.LoadInt32(&calls.calls))
	assert.Equal(t, 3, pages[0].Added)
	assert.Equal(t, 3, pages[1].Added)

	e, _ := store.Get(conv7)
	conv, _ := e.Conversation()
	assert.Equal(t, []uint32{7, 8, 9, 10, 11, 12}, conv.Mirror.Indices())
}

func TestMaybeLoadBefore(t *testing.T) {
	store := entity.NewStore()
	seeded(t, store)
	calls := &fakeCaller{reply: func(c Cursor) string {
		if *c.Index == 10 {
			return `[3, 0, [{"content":"m0"},{"content":"m1"},{"content":"m2"},{"content":"m3"},{"content":"m4"},{"content":"m5"},{"content":"m6"},{"content":"m7"},{"content":"m8"},{"content":"m9"}]]`
		}
		t.Fatalf("unexpected cursor %d", *c.Index)
		return ""
	}}
	p := New(calls, store, quiet(), WithScrollThreshold(5))

	_, ok, err := p.MaybeLoadBefore(context.Background(), conv7, 40)
	require.NoError(t, err)
	assert.False(t, ok)

	page, ok, err := p.MaybeLoadBefore(context.Background(), conv7, 2)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, 10, page.Added)

	// the whole timeline is loaded now
	_, ok, err = p.MaybeLoadBefore(context.Background(), conv7, 0)
	require.NoError(t, err)
	assert.False(t, ok)
	assert.Equal(t, int32(1), atomic.LoadInt32(&calls.calls))
}

func TestLoadFailureSurfaces(t *testing.T) {
	store := entity.NewStore()
	seeded(t, store)
	remote := &callreg.RemoteError{Call: LoadMessagesBefore, Payload: json.RawMessage(`"Invalid cursor"`)}
	p := New(&fakeCaller{failure: remote}, store, quiet())

	_, err := p.LoadBefore(context.Background(), conv7, 10)
	var got *callreg.RemoteError
	require.True(t, errors.As(err, &got))
	assert.Equal(t, "Invalid cursor", got.Message())
}
