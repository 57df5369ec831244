// Package gateway supervises external connector subprocesses and proxies hub
// messages to them as line-delimited JSON envelopes over stdio.
package gateway

import "errors"

// Envelope types.
const (
	TypeRequest = "request"
	TypeAck     = "ack"
	TypeResult  = "result"
	TypeInput   = "input"
	TypeEvent   = "event"
)

// Delivery modes.
const (
	ModeSync  = "sync"
	ModeAsync = "async"
)

var (
	// ErrAckTimeout is returned when the child does not ack a request in time.
	ErrAckTimeout = errors.New("gateway ack timeout")
	// ErrResultTimeout is returned when a sync request gets no result in time.
	ErrResultTimeout = errors.New("gateway result timeout")
	// ErrRejected is returned when the child acks with accepted=false.
	ErrRejected = errors.New("gateway rejected request")
	// ErrCancelled is returned for requests in flight when the session stops.
	ErrCancelled = errors.New("gateway request cancelled")
	// ErrGatewayNotFound is returned for unknown gateway ids.
	ErrGatewayNotFound = errors.New("gateway not found")
)

// Envelope is one line of the stdio protocol. The set of populated fields
// depends on Type.
type Envelope struct {
	Type         string                 `json:"type"`
	RequestID    string                 `json:"requestId,omitempty"`
	DeliveryMode string                 `json:"deliveryMode,omitempty"`
	Message      interface{}            `json:"message,omitempty"`
	Metadata     map[string]interface{} `json:"metadata,omitempty"`

	// ack
	Accepted *bool `json:"accepted,omitempty"`

	// result
	Success *bool       `json:"success,omitempty"`
	Output  interface{} `json:"output,omitempty"`
	Error   string      `json:"error,omitempty"`

	// input
	Target   string `json:"target,omitempty"`
	Sender   string `json:"sender,omitempty"`
	Blocking bool   `json:"blocking,omitempty"`

	// event
	Name    string      `json:"name,omitempty"`
	Payload interface{} `json:"payload,omitempty"`
}

func boolPtr(v bool) *bool { return &v }
