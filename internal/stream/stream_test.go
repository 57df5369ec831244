package stream

import (
	"context"
	"encoding/json"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fingerdev/finger/internal/common/logger"
	"github.com/fingerdev/finger/internal/events/bus"
)

func newStreamServer(t *testing.T) (*bus.MemoryEventBus, *websocket.Conn) {
	t.Helper()
	events := bus.NewMemoryEventBus(100, logger.Default())
	t.Cleanup(events.Close)

	hub := NewHub(events, logger.Default())
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	go hub.Run(ctx)

	gin.SetMode(gin.TestMode)
	router := gin.New()
	handler := NewHandler(hub, logger.Default())
	router.GET("/ws", handler.HandleConnection)

	server := httptest.NewServer(router)
	t.Cleanup(server.Close)

	url := "ws" + strings.TrimPrefix(server.URL, "http") + "/ws"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })

	require.Eventually(t, func() bool { return hub.ClientCount() == 1 }, time.Second, 5*time.Millisecond)
	return events, conn
}

func writeFrame(t *testing.T, conn *websocket.Conn, frame *Frame) {
	t.Helper()
	require.NoError(t, conn.WriteJSON(frame))
}

func readFrame(t *testing.T, conn *websocket.Conn) *Frame {
	t.Helper()
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, data, err := conn.ReadMessage()
	require.NoError(t, err)
	var frame Frame
	require.NoError(t, json.Unmarshal(data, &frame))
	return &frame
}

func TestSubscribeConfirmedAndEventDelivery(t *testing.T) {
	events, conn := newStreamServer(t)

	writeFrame(t, conn, &Frame{Type: FrameSubscribe, Groups: []string{"TASK"}})
	confirmed := readFrame(t, conn)
	assert.Equal(t, FrameSubscribeConfirmed, confirmed.Type)
	assert.Equal(t, []string{"TASK"}, confirmed.Groups)

	events.Emit(context.Background(), bus.New("task_status_changed", bus.GroupTask, map[string]interface{}{
		"taskId": "t-1",
	}).WithSession("sess-1"))

	frame := readFrame(t, conn)
	assert.Equal(t, "task_status_changed", frame.Type)
	assert.Equal(t, "TASK", frame.Group)
	assert.Equal(t, "sess-1", frame.SessionID)
	assert.Equal(t, "t-1", frame.Payload["taskId"])
	assert.NotEmpty(t, frame.Timestamp)
}

func TestEventsOutsideSubscriptionAreFiltered(t *testing.T) {
	events, conn := newStreamServer(t)

	writeFrame(t, conn, &Frame{Type: FrameSubscribe, Groups: []string{"SESSION"}})
	require.Equal(t, FrameSubscribeConfirmed, readFrame(t, conn).Type)

	events.Emit(context.Background(), bus.New("task_status_changed", bus.GroupTask, nil))
	events.Emit(context.Background(), bus.New("session_created", bus.GroupSession, nil))

	// Only the SESSION event arrives.
	frame := readFrame(t, conn)
	assert.Equal(t, "session_created", frame.Type)

	conn.SetReadDeadline(time.Now().Add(200 * time.Millisecond))
	_, _, err := conn.ReadMessage()
	assert.Error(t, err, "no further frames expected")
}

func TestUnsubscribeStopsDelivery(t *testing.T) {
	events, conn := newStreamServer(t)

	writeFrame(t, conn, &Frame{Type: FrameSubscribe, Groups: []string{"TASK"}})
	require.Equal(t, FrameSubscribeConfirmed, readFrame(t, conn).Type)

	writeFrame(t, conn, &Frame{Type: FrameUnsubscribe})
	assert.Equal(t, FrameUnsubscribeConfirmed, readFrame(t, conn).Type)

	events.Emit(context.Background(), bus.New("task_status_changed", bus.GroupTask, nil))
	conn.SetReadDeadline(time.Now().Add(200 * time.Millisecond))
	_, _, err := conn.ReadMessage()
	assert.Error(t, err)
}

func TestUnknownGroupRejected(t *testing.T) {
	_, conn := newStreamServer(t)

	writeFrame(t, conn, &Frame{Type: FrameSubscribe, Groups: []string{"NOT_A_GROUP"}})
	frame := readFrame(t, conn)
	assert.Equal(t, FrameError, frame.Type)
	assert.Contains(t, frame.Error, "NOT_A_GROUP")
}

func TestUnknownFrameTypeRejected(t *testing.T) {
	_, conn := newStreamServer(t)

	writeFrame(t, conn, &Frame{Type: "dance"})
	frame := readFrame(t, conn)
	assert.Equal(t, FrameError, frame.Type)
}
