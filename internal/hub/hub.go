package hub

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/fingerdev/finger/internal/common/logger"
	"github.com/fingerdev/finger/internal/events/bus"
)

// DefaultQueueCapacity bounds the unroutable message queue.
const DefaultQueueCapacity = 10000

var (
	// ErrModuleNotFound is returned when a direct dispatch targets an
	// unregistered module id.
	ErrModuleNotFound = errors.New("module not found")
	// ErrNotOutput is returned when RouteToOutput targets a module that is
	// not registered as an output.
	ErrNotOutput = errors.New("module is not an output")
)

// EndpointKind distinguishes directly addressable module handlers.
type EndpointKind string

const (
	EndpointInput  EndpointKind = "input"
	EndpointOutput EndpointKind = "output"
	EndpointAgent  EndpointKind = "agent"
)

type endpoint struct {
	kind    EndpointKind
	handler HandlerFunc
}

// Callback receives the blocking result of a send.
type Callback func(result interface{}, err error)

// Hub routes messages to handlers by pattern and to modules by id.
type Hub struct {
	mu        sync.Mutex
	routes    []*Route
	endpoints map[string]*endpoint
	pending   map[string]Callback
	queue     []*Message
	queueCap  int
	nextSeq   uint64

	events bus.EventBus
	logger *logger.Logger
}

// New creates a hub. queueCapacity <= 0 uses DefaultQueueCapacity.
// events may be nil; telemetry is then log-only.
func New(queueCapacity int, events bus.EventBus, log *logger.Logger) *Hub {
	if queueCapacity <= 0 {
		queueCapacity = DefaultQueueCapacity
	}
	return &Hub{
		endpoints: make(map[string]*endpoint),
		pending:   make(map[string]Callback),
		queueCap:  queueCapacity,
		events:    events,
		logger:    log.WithFields(zap.String("component", "hub")),
	}
}

// AddRoute inserts the route keeping the list sorted by priority descending,
// ties in insertion order. A missing id is assigned.
func (h *Hub) AddRoute(route *Route) string {
	h.mu.Lock()
	defer h.mu.Unlock()

	if route.ID == "" {
		route.ID = "route-" + uuid.New().String()
	}
	route.seq = h.nextSeq
	h.nextSeq++

	h.routes = append(h.routes, route)
	sort.SliceStable(h.routes, func(i, j int) bool {
		if h.routes[i].Priority != h.routes[j].Priority {
			return h.routes[i].Priority > h.routes[j].Priority
		}
		return h.routes[i].seq < h.routes[j].seq
	})
	return route.ID
}

// RemoveRoute deletes the route with the given id.
func (h *Hub) RemoveRoute(id string) bool {
	h.mu.Lock()
	defer h.mu.Unlock()

	for i, r := range h.routes {
		if r.ID == id {
			h.routes = append(h.routes[:i], h.routes[i+1:]...)
			return true
		}
	}
	return false
}

// Routes returns a snapshot of the routing table in evaluation order.
func (h *Hub) Routes() []*Route {
	h.mu.Lock()
	defer h.mu.Unlock()

	out := make([]*Route, len(h.routes))
	copy(out, h.routes)
	return out
}

// RegisterEndpoint makes a module directly addressable by id.
func (h *Hub) RegisterEndpoint(id string, kind EndpointKind, handler HandlerFunc) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.endpoints[id] = &endpoint{kind: kind, handler: handler}
}

// UnregisterEndpoint removes a module endpoint. Idempotent.
func (h *Hub) UnregisterEndpoint(id string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	delete(h.endpoints, id)
}

// HasEndpoint reports whether a module id is addressable.
func (h *Hub) HasEndpoint(id string) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	_, ok := h.endpoints[id]
	return ok
}

// Send routes a message. Every matching handler runs exactly once; the
// result of the first blocking handler in priority order is returned and
// passed to callback. A message matching no route is queued until a later
// ProcessQueue drains it.
func (h *Hub) Send(ctx context.Context, msg *Message, callback Callback) (interface{}, error) {
	return h.send(ctx, msg, callback, true)
}

func (h *Hub) send(ctx context.Context, msg *Message, callback Callback, enqueue bool) (interface{}, error) {
	h.mu.Lock()
	var matched []*Route
	for _, r := range h.routes {
		if r.Pattern.Matches(msg) {
			matched = append(matched, r)
		}
	}
	if len(matched) == 0 && enqueue {
		h.enqueueLocked(msg)
		h.mu.Unlock()
		if callback != nil {
			callback(nil, nil)
		}
		return nil, nil
	}
	h.mu.Unlock()

	if len(matched) == 0 {
		return nil, errNoMatch
	}

	var blocking []*Route
	for _, r := range matched {
		if r.Blocking {
			blocking = append(blocking, r)
			continue
		}
		// Fire-and-forget: completion never gates the caller.
		go func(r *Route) {
			if _, err := h.invoke(ctx, r, msg); err != nil {
				h.handlerError(r, msg, err)
			}
		}(r)
	}

	var (
		result   interface{}
		firstErr error
	)
	for i, r := range blocking {
		res, err := h.invoke(ctx, r, msg)
		if i == 0 {
			result, firstErr = res, err
			continue
		}
		if err != nil {
			h.handlerError(r, msg, err)
		}
	}

	if callback != nil {
		callback(result, firstErr)
	}
	return result, firstErr
}

var errNoMatch = errors.New("no matching route")

func (h *Hub) invoke(ctx context.Context, r *Route, msg *Message) (result interface{}, err error) {
	defer func() {
		if rec := recover(); rec != nil {
			err = fmt.Errorf("handler panic: %v", rec)
		}
	}()
	return r.Handler(ctx, msg)
}

func (h *Hub) handlerError(r *Route, msg *Message, err error) {
	h.logger.Error("route handler error",
		zap.String("route_id", r.ID),
		zap.String("message_type", msg.Type),
		zap.Error(err))
	if h.events != nil {
		h.events.Emit(context.Background(), bus.New("handler_error", bus.GroupSystem, map[string]interface{}{
			"routeId":     r.ID,
			"messageType": msg.Type,
			"error":       err.Error(),
		}))
	}
}

// enqueueLocked appends to the unroutable queue, dropping the oldest entry
// with telemetry when the queue is at capacity. Callers hold h.mu.
func (h *Hub) enqueueLocked(msg *Message) {
	if msg.ID == "" {
		msg.ID = "msg-" + uuid.New().String()
	}
	if len(h.queue) >= h.queueCap {
		dropped := h.queue[0]
		h.queue = h.queue[1:]
		h.logger.Warn("hub queue overflow, dropping oldest message",
			zap.String("dropped_id", dropped.ID),
			zap.Int("capacity", h.queueCap))
		if h.events != nil {
			go h.events.Emit(context.Background(), bus.New("hub.queue_overflow", bus.GroupSystem, map[string]interface{}{
				"droppedId": dropped.ID,
				"capacity":  h.queueCap,
			}))
		}
	}
	h.queue = append(h.queue, msg)
}

// SendToModule dispatches directly to a registered module, bypassing routes.
func (h *Hub) SendToModule(ctx context.Context, id string, msg *Message, callback Callback) (interface{}, error) {
	h.mu.Lock()
	ep, ok := h.endpoints[id]
	h.mu.Unlock()
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrModuleNotFound, id)
	}

	result, err := h.invokeEndpoint(ctx, ep, msg)
	if callback != nil {
		callback(result, err)
	}
	return result, err
}

// RouteToOutput dispatches directly to an output module, awaiting its result.
func (h *Hub) RouteToOutput(ctx context.Context, id string, msg *Message, callback Callback) (interface{}, error) {
	h.mu.Lock()
	ep, ok := h.endpoints[id]
	h.mu.Unlock()
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrModuleNotFound, id)
	}
	if ep.kind != EndpointOutput {
		return nil, fmt.Errorf("%w: %s", ErrNotOutput, id)
	}

	result, err := h.invokeEndpoint(ctx, ep, msg)
	if callback != nil {
		callback(result, err)
	}
	return result, err
}

func (h *Hub) invokeEndpoint(ctx context.Context, ep *endpoint, msg *Message) (result interface{}, err error) {
	defer func() {
		if rec := recover(); rec != nil {
			err = fmt.Errorf("handler panic: %v", rec)
		}
	}()
	return ep.handler(ctx, msg)
}

// ProcessQueue re-runs Send on every queued message and returns how many
// were drained. Messages that still match nothing stay queued in order.
func (h *Hub) ProcessQueue(ctx context.Context) int {
	h.mu.Lock()
	pendingMsgs := h.queue
	h.queue = nil
	h.mu.Unlock()

	drained := 0
	for _, msg := range pendingMsgs {
		if _, err := h.send(ctx, msg, nil, false); errors.Is(err, errNoMatch) {
			h.mu.Lock()
			h.enqueueLocked(msg)
			h.mu.Unlock()
			continue
		}
		drained++
	}
	return drained
}

// QueueLength returns the number of queued messages.
func (h *Hub) QueueLength() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.queue)
}

// QueuedMessages returns a snapshot of the unroutable queue (the mailbox).
func (h *Hub) QueuedMessages() []*Message {
	h.mu.Lock()
	defer h.mu.Unlock()
	out := make([]*Message, len(h.queue))
	copy(out, h.queue)
	return out
}

// QueuedMessage returns a queued message by id.
func (h *Hub) QueuedMessage(id string) (*Message, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for _, m := range h.queue {
		if m.ID == id {
			return m, true
		}
	}
	return nil, false
}

// ClearQueue drops every queued message and returns how many were dropped.
func (h *Hub) ClearQueue() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	n := len(h.queue)
	h.queue = nil
	return n
}

// RegisterCallback stores a pending callback under an id, creating one when
// empty, and returns the id. Used for cross-process result correlation.
func (h *Hub) RegisterCallback(id string, cb Callback) string {
	h.mu.Lock()
	defer h.mu.Unlock()
	if id == "" {
		id = "cb-" + uuid.New().String()
	}
	h.pending[id] = cb
	return id
}

// ResolveCallback invokes and removes a pending callback.
func (h *Hub) ResolveCallback(id string, result interface{}, err error) bool {
	h.mu.Lock()
	cb, ok := h.pending[id]
	delete(h.pending, id)
	h.mu.Unlock()
	if !ok {
		return false
	}
	cb(result, err)
	return true
}

// PendingCallbackIDs returns the ids of unresolved callbacks.
func (h *Hub) PendingCallbackIDs() []string {
	h.mu.Lock()
	defer h.mu.Unlock()
	ids := make([]string, 0, len(h.pending))
	for id := range h.pending {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}
