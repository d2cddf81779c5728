package approval

import (
	"context"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGate_WaitUnblocksOnResolve(t *testing.T) {
	t.Parallel()

	c := NewController()
	g, err := c.Open(Request{TurnID: "t1", ToolName: "delete_file"})
	require.NoError(t, err)
	require.NotEmpty(t, g.Request().RequestID)
	require.Len(t, g.Request().Options, 2)

	type result struct {
		resp Response
		err  error
	}
	done := make(chan result, 1)
	go func() {
		resp, err := c.Wait(context.Background(), g, 5*time.Second)
		done <- result{resp, err}
	}()

	time.Sleep(10 * time.Millisecond)
	ok := c.Resolve("t1", Response{RequestID: g.Request().RequestID, SelectedOptionID: OptionApprove})
	require.True(t, ok)

	select {
	case r := <-done:
		require.NoError(t, r.err)
		assert.True(t, r.resp.Approved())
		assert.Equal(t, "t1", r.resp.TurnID)
	case <-time.After(2 * time.Second):
		t.Fatal("wait did not unblock")
	}

	// second response is a no-op
	assert.False(t, c.Resolve("t1", Response{RequestID: g.Request().RequestID, SelectedOptionID: OptionReject}))
	_, pending := c.Pending("t1")
	assert.False(t, pending)
}

func TestGate_FirstResolutionWins(t *testing.T) {
	t.Parallel()

	g := NewGate(Request{TurnID: "t", RequestID: "r"})
	assert.True(t, g.Resolve(Response{SelectedOptionID: OptionReject}))
	assert.False(t, g.Resolve(Response{SelectedOptionID: OptionApprove}))
	assert.False(t, g.Cancel())

	resp, err := g.Wait(context.Background(), time.Second)
	require.NoError(t, err)
	assert.False(t, resp.Approved())
}

func TestGate_Timeout(t *testing.T) {
	t.Parallel()

	c := NewController()
	g, err := c.Open(Request{TurnID: "t1"})
	require.NoError(t, err)

	_, err = c.Wait(context.Background(), g, 20*time.Millisecond)
	assert.True(t, errors.Is(err, ErrTimeout))
	assert.False(t, c.Resolve("t1", Response{SelectedOptionID: OptionApprove}))
}

func TestGate_ContextCancel(t *testing.T) {
	t.Parallel()

	g := NewGate(Request{TurnID: "t1"})
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := g.Wait(ctx, time.Minute)
	assert.True(t, errors.Is(err, context.Canceled))
}

func TestController_CancelUnblocksWaiter(t *testing.T) {
	t.Parallel()

	c := NewController()
	g, err := c.Open(Request{TurnID: "t1"})
	require.NoError(t, err)

	go func() {
		time.Sleep(10 * time.Millisecond)
		c.Cancel("t1")
	}()
	_, err = c.Wait(context.Background(), g, 5*time.Second)
	assert.True(t, errors.Is(err, ErrCancelled))
}

func TestController_MismatchedOrAbsentRequestIsNoop(t *testing.T) {
	t.Parallel()

	c := NewController()
	assert.False(t, c.Resolve("missing", Response{SelectedOptionID: OptionApprove}))

	g, err := c.Open(Request{TurnID: "t1", RequestID: "r1"})
	require.NoError(t, err)
	assert.False(t, c.Resolve("t1", Response{RequestID: "other", SelectedOptionID: OptionApprove}))

	select {
	case <-g.Done():
		t.Fatal("gate should still be pending")
	default:
	}

	_, err = c.Open(Request{TurnID: "t1"})
	assert.True(t, errors.Is(err, ErrGatePending))
}
