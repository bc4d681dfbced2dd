package callreg

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/codefionn/collabsync/internal/wire"
)

func TestIssueAssignsIncreasingTickets(t *testing.T) {
	r := New()
	seen := make(map[uint32]bool)
	var last uint32
	for i := 0; i < 100; i++ {
		f, err := r.Issue("post-message")
		require.NoError(t, err)
		assert.False(t, seen[f.Ticket()], "ticket %d reused", f.Ticket())
		if i > 0 {
			assert.Greater(t, f.Ticket(), last)
		}
		seen[f.Ticket()] = true
		last = f.Ticket()
	}
	assert.Equal(t, 100, r.Pending())
}

func TestResolveMatchesOutOfOrderReplies(t *testing.T) {
	r := New()
	a, _ := r.Issue("load-document")
	b, _ := r.Issue("load-bucket")
	c, _ := r.Issue("post-message")

	// replies arrive in a different order than issued
	require.NoError(t, r.Resolve(wire.Reply{Num: c.Ticket(), Reply: wire.GenericSuccess}))
	require.NoError(t, r.Resolve(wire.Reply{Num: a.Ticket(), Reply: "document", Parameters: json.RawMessage(`[1,[]]`)}))

	select {
	case <-b.Done():
		t.Fatal("unanswered call completed")
	default:
	}

	ctx := context.Background()
	res, err := c.Wait(ctx)
	require.NoError(t, err)
	assert.Equal(t, wire.GenericSuccess, res.Reply)

	res, err = a.Wait(ctx)
	require.NoError(t, err)
	assert.Equal(t, "document", res.Reply)
	assert.JSONEq(t, `[1,[]]`, string(res.Parameters))

	assert.Equal(t, 1, r.Pending())
}

func TestResolveAtMostOnce(t *testing.T) {
	r := New()
	f, _ := r.Issue("post-message")
	reply := wire.Reply{Num: f.Ticket(), Reply: wire.GenericSuccess}

	require.NoError(t, r.Resolve(reply))
	err := r.Resolve(reply)
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrUnmatchedReply))
}

func TestResolveUnknownTicket(t *testing.T) {
	r := New()
	err := r.Resolve(wire.Reply{Num: 42, Reply: wire.GenericSuccess})
	assert.True(t, errors.Is(err, ErrUnmatchedReply))
	assert.Equal(t, 0, r.Pending())
}

func TestFailureReplyRejectsWithRemoteError(t *testing.T) {
	r := New()
	f, _ := r.Issue("post-message")
	require.NoError(t, r.Resolve(wire.Reply{
		Num:        f.Ticket(),
		Reply:      wire.GenericFailure,
		Parameters: json.RawMessage(`"Out of date"`),
	}))

	_, err := f.Wait(context.Background())
	var remote *RemoteError
	require.True(t, errors.As(err, &remote))
	assert.Equal(t, "post-message", remote.Call)
	assert.Equal(t, "Out of date", remote.Message())
	assert.True(t, errors.Is(err, ErrStaleRevision))
	assert.False(t, errors.Is(err, ErrChannelClosed))
}

func TestRemoteErrorNotStale(t *testing.T) {
	err := error(&RemoteError{Call: "drop", Payload: json.RawMessage(`"No such conversation"`)})
	assert.False(t, errors.Is(err, ErrStaleRevision))

	err = &RemoteError{Call: "edit-message", Payload: json.RawMessage(`"Out of date or bad index"`)}
	assert.True(t, errors.Is(err, ErrStaleRevision))
}

func TestFailAllRejectsEveryPendingCall(t *testing.T) {
	r := New()
	const n = 5
	futures := make([]*Future, 0, n)
	for i := 0; i < n; i++ {
		f, err := r.Issue("load-messages-before")
		require.NoError(t, err)
		futures = append(futures, f)
	}

	cause := errors.New("socket reset")
	assert.Equal(t, n, r.FailAll(cause))
	assert.Equal(t, 0, r.Pending())

	for _, f := range futures {
		_, err := f.Wait(context.Background())
		require.Error(t, err)
		assert.True(t, errors.Is(err, ErrChannelClosed))
		assert.True(t, errors.Is(err, cause))
	}

	_, err := r.Issue("post-message")
	assert.True(t, errors.Is(err, ErrChannelClosed))
	assert.True(t, r.Closed())

	// a late reply after closure is unmatched
	assert.True(t, errors.Is(r.Resolve(wire.Reply{Num: futures[0].Ticket()}), ErrUnmatchedReply))
}

func TestWaitHonoursContext(t *testing.T) {
	r := New()
	f, _ := r.Issue("load-bucket")

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	_, err := f.Wait(ctx)
	assert.True(t, errors.Is(err, context.DeadlineExceeded))

	// giving up waiting leaves the call pending
	assert.Equal(t, 1, r.Pending())
}

func TestForget(t *testing.T) {
	r := New()
	f, _ := r.Issue("post-message")
	boom := errors.New("encode failed")
	r.Forget(f.Ticket(), boom)

	_, err := f.Wait(context.Background())
	assert.Equal(t, boom, err)
	assert.Equal(t, 0, r.Pending())
}
