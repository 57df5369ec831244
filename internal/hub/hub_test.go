package hub

import (
	"context"
	"errors"
	"regexp"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fingerdev/finger/internal/common/logger"
)

func newTestHub(queueCap int) *Hub {
	return New(queueCap, nil, logger.Default())
}

func TestSendReturnsHighestPriorityBlockingResult(t *testing.T) {
	h := newTestHub(0)

	var calls1, calls2 int32
	h.AddRoute(&Route{
		Pattern:  Literal("test"),
		Priority: 1,
		Blocking: true,
		Handler: func(_ context.Context, _ *Message) (interface{}, error) {
			atomic.AddInt32(&calls2, 1)
			return map[string]int{"v": 2}, nil
		},
	})
	h.AddRoute(&Route{
		Pattern:  Literal("test"),
		Priority: 10,
		Blocking: true,
		Handler: func(_ context.Context, _ *Message) (interface{}, error) {
			atomic.AddInt32(&calls1, 1)
			return map[string]int{"v": 1}, nil
		},
	})

	var cbResult interface{}
	result, err := h.Send(context.Background(), &Message{Type: "test"}, func(res interface{}, err error) {
		cbResult = res
	})

	require.NoError(t, err)
	assert.Equal(t, map[string]int{"v": 1}, result)
	assert.Equal(t, map[string]int{"v": 1}, cbResult)
	assert.Equal(t, int32(1), atomic.LoadInt32(&calls1))
	assert.Equal(t, int32(1), atomic.LoadInt32(&calls2))
}

func TestSendQueuesUnroutableAndProcessQueueDrains(t *testing.T) {
	h := newTestHub(0)

	_, err := h.Send(context.Background(), &Message{Type: "later"}, nil)
	require.NoError(t, err)
	require.Equal(t, 1, h.QueueLength())

	var calls int32
	h.AddRoute(&Route{
		Pattern:  Literal("later"),
		Blocking: true,
		Handler: func(_ context.Context, _ *Message) (interface{}, error) {
			atomic.AddInt32(&calls, 1)
			return "ok", nil
		},
	})

	drained := h.ProcessQueue(context.Background())
	assert.Equal(t, 1, drained)
	assert.Equal(t, int32(1), atomic.LoadInt32(&calls))
	assert.Equal(t, 0, h.QueueLength())
}

func TestProcessQueueKeepsStillUnroutableMessages(t *testing.T) {
	h := newTestHub(0)

	_, _ = h.Send(context.Background(), &Message{Type: "a"}, nil)
	_, _ = h.Send(context.Background(), &Message{Type: "b"}, nil)

	h.AddRoute(&Route{
		Pattern:  Literal("a"),
		Blocking: true,
		Handler:  func(_ context.Context, _ *Message) (interface{}, error) { return nil, nil },
	})

	drained := h.ProcessQueue(context.Background())
	assert.Equal(t, 1, drained)
	require.Equal(t, 1, h.QueueLength())
	assert.Equal(t, "b", h.QueuedMessages()[0].Type)
}

func TestRoutesSortedByPriorityDescending(t *testing.T) {
	h := newTestHub(0)
	noop := func(_ context.Context, _ *Message) (interface{}, error) { return nil, nil }

	h.AddRoute(&Route{ID: "low", Pattern: Literal("x"), Priority: 1, Handler: noop})
	h.AddRoute(&Route{ID: "high", Pattern: Literal("x"), Priority: 9, Handler: noop})
	h.AddRoute(&Route{ID: "mid-1", Pattern: Literal("x"), Priority: 5, Handler: noop})
	h.AddRoute(&Route{ID: "mid-2", Pattern: Literal("x"), Priority: 5, Handler: noop})

	routes := h.Routes()
	require.Len(t, routes, 4)
	for i := 1; i < len(routes); i++ {
		assert.GreaterOrEqual(t, routes[i-1].Priority, routes[i].Priority)
	}
	// Ties keep insertion order.
	assert.Equal(t, "mid-1", routes[1].ID)
	assert.Equal(t, "mid-2", routes[2].ID)
}

func TestRemoveRouteRestoresCount(t *testing.T) {
	h := newTestHub(0)
	noop := func(_ context.Context, _ *Message) (interface{}, error) { return nil, nil }

	before := len(h.Routes())
	id := h.AddRoute(&Route{Pattern: Literal("x"), Handler: noop})
	require.True(t, h.RemoveRoute(id))
	assert.Len(t, h.Routes(), before)
	assert.False(t, h.RemoveRoute(id))
}

func TestRegexPatternMatchesStableJSON(t *testing.T) {
	h := newTestHub(0)

	var got *Message
	h.AddRoute(&Route{
		Pattern:  Regex(regexp.MustCompile(`"type":"agent\.[a-z]+"`)),
		Blocking: true,
		Handler: func(_ context.Context, msg *Message) (interface{}, error) {
			got = msg
			return nil, nil
		},
	})

	_, err := h.Send(context.Background(), &Message{Type: "agent.deploy"}, nil)
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, "agent.deploy", got.Type)
}

func TestPredicatePattern(t *testing.T) {
	h := newTestHub(0)

	var calls int32
	h.AddRoute(&Route{
		Pattern: Predicate(func(msg *Message) bool {
			return msg.SessionID == "s-42"
		}),
		Blocking: true,
		Handler: func(_ context.Context, _ *Message) (interface{}, error) {
			atomic.AddInt32(&calls, 1)
			return nil, nil
		},
	})

	_, _ = h.Send(context.Background(), &Message{Type: "anything", SessionID: "s-42"}, nil)
	_, _ = h.Send(context.Background(), &Message{Type: "anything", SessionID: "other"}, nil)

	assert.Equal(t, int32(1), atomic.LoadInt32(&calls))
	assert.Equal(t, 1, h.QueueLength())
}

func TestBlockingHandlerErrorPropagates(t *testing.T) {
	h := newTestHub(0)

	boom := errors.New("boom")
	h.AddRoute(&Route{
		Pattern:  Literal("fail"),
		Blocking: true,
		Handler:  func(_ context.Context, _ *Message) (interface{}, error) { return nil, boom },
	})

	_, err := h.Send(context.Background(), &Message{Type: "fail"}, nil)
	assert.ErrorIs(t, err, boom)
}

func TestSendToModule(t *testing.T) {
	h := newTestHub(0)

	h.RegisterEndpoint("agent-1", EndpointAgent, func(_ context.Context, msg *Message) (interface{}, error) {
		return "handled:" + msg.Type, nil
	})

	result, err := h.SendToModule(context.Background(), "agent-1", &Message{Type: "task"}, nil)
	require.NoError(t, err)
	assert.Equal(t, "handled:task", result)

	_, err = h.SendToModule(context.Background(), "missing", &Message{}, nil)
	assert.ErrorIs(t, err, ErrModuleNotFound)
}

func TestRouteToOutputRejectsNonOutput(t *testing.T) {
	h := newTestHub(0)
	noop := func(_ context.Context, _ *Message) (interface{}, error) { return "out", nil }

	h.RegisterEndpoint("in-1", EndpointInput, noop)
	h.RegisterEndpoint("out-1", EndpointOutput, noop)

	_, err := h.RouteToOutput(context.Background(), "in-1", &Message{}, nil)
	assert.ErrorIs(t, err, ErrNotOutput)

	result, err := h.RouteToOutput(context.Background(), "out-1", &Message{}, nil)
	require.NoError(t, err)
	assert.Equal(t, "out", result)
}

func TestQueueOverflowDropsOldest(t *testing.T) {
	h := newTestHub(2)

	_, _ = h.Send(context.Background(), &Message{ID: "m1", Type: "q"}, nil)
	_, _ = h.Send(context.Background(), &Message{ID: "m2", Type: "q"}, nil)
	_, _ = h.Send(context.Background(), &Message{ID: "m3", Type: "q"}, nil)

	queued := h.QueuedMessages()
	require.Len(t, queued, 2)
	assert.Equal(t, "m2", queued[0].ID)
	assert.Equal(t, "m3", queued[1].ID)
}

func TestPendingCallbacks(t *testing.T) {
	h := newTestHub(0)

	var got interface{}
	id := h.RegisterCallback("", func(result interface{}, err error) { got = result })
	require.NotEmpty(t, id)
	require.Contains(t, h.PendingCallbackIDs(), id)

	require.True(t, h.ResolveCallback(id, "done", nil))
	assert.Equal(t, "done", got)
	assert.False(t, h.ResolveCallback(id, "again", nil))
	assert.Empty(t, h.PendingCallbackIDs())
}

func TestClearQueue(t *testing.T) {
	h := newTestHub(0)
	_, _ = h.Send(context.Background(), &Message{Type: "a"}, nil)
	_, _ = h.Send(context.Background(), &Message{Type: "b"}, nil)

	assert.Equal(t, 2, h.ClearQueue())
	assert.Equal(t, 0, h.QueueLength())
}
