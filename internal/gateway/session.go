package gateway

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/exec"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/fingerdev/finger/internal/common/logger"
	"github.com/fingerdev/finger/internal/common/portutil"
	"github.com/fingerdev/finger/internal/common/tracing"
	"github.com/fingerdev/finger/internal/tools/installer"
)

// Default timeouts, used when the manifest does not set them.
const (
	DefaultAckTimeout     = 5 * time.Second
	DefaultRequestTimeout = 60 * time.Second
)

// InputHandler processes an inbound input envelope and returns the result to
// send back when the envelope is blocking.
type InputHandler func(ctx context.Context, env *Envelope) (interface{}, error)

// EventHandler observes inbound event envelopes.
type EventHandler func(env *Envelope)

// ExitHandler is notified when the child terminates. err is nil for a clean
// exit.
type ExitHandler func(err error)

type pendingRequest struct {
	ack    chan *Envelope
	result chan *Envelope
	fail   chan error
}

// Session is one live gateway connection. The transport is an io.Reader /
// io.Writer pair so tests can run against in-memory pipes instead of a
// subprocess.
type Session struct {
	manifest *Manifest
	logger   *logger.Logger

	writeMu sync.Mutex
	writer  io.Writer

	mu      sync.Mutex
	pending map[string]*pendingRequest
	closed  bool

	onInput InputHandler
	onEvent EventHandler
	onExit  ExitHandler

	cmd        *exec.Cmd
	readerDone chan struct{}
}

// NewSession creates an unstarted session.
func NewSession(manifest *Manifest, onInput InputHandler, onEvent EventHandler, onExit ExitHandler, log *logger.Logger) *Session {
	return &Session{
		manifest: manifest,
		pending:  make(map[string]*pendingRequest),
		onInput:  onInput,
		onEvent:  onEvent,
		onExit:   onExit,
		logger: log.WithFields(
			zap.String("component", "gateway_session"),
			zap.String("gateway_id", manifest.ID)),
	}
}

// Attach binds the session to a transport and starts the framing reader.
func (s *Session) Attach(r io.Reader, w io.Writer) {
	s.writeMu.Lock()
	s.writer = w
	s.writeMu.Unlock()

	s.readerDone = make(chan struct{})
	go s.readLoop(r)
}

// StartProcess launches the manifest's child and attaches to its stdio.
// $PORT-style placeholders in the args are expanded to freshly allocated
// ports, which are also exported into the child environment.
func (s *Session) StartProcess(ctx context.Context) error {
	spec := s.manifest.Process
	command := spec.Command
	if !strings.ContainsRune(command, os.PathSeparator) {
		resolved, err := installer.ResolveBinary(ctx, command, nil, nil, s.logger)
		if err != nil {
			return fmt.Errorf("gateway %s command: %w", s.manifest.ID, err)
		}
		command = resolved
	}
	args, portEnv, err := portutil.ExpandArgs(spec.Args)
	if err != nil {
		return fmt.Errorf("gateway %s ports: %w", s.manifest.ID, err)
	}
	cmd := exec.CommandContext(ctx, command, args...)
	if spec.Cwd != "" {
		cmd.Dir = spec.Cwd
	}
	cmd.Env = os.Environ()
	for k, v := range spec.Env {
		cmd.Env = append(cmd.Env, k+"="+v)
	}
	for k, v := range portEnv {
		cmd.Env = append(cmd.Env, k+"="+v)
	}

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return fmt.Errorf("gateway %s stdin: %w", s.manifest.ID, err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return fmt.Errorf("gateway %s stdout: %w", s.manifest.ID, err)
	}
	cmd.Stderr = os.Stderr

	if err := cmd.Start(); err != nil {
		return fmt.Errorf("start gateway %s: %w", s.manifest.ID, err)
	}
	s.cmd = cmd
	s.Attach(stdout, stdin)

	go func() {
		err := cmd.Wait()
		s.failPending(ErrCancelled)
		if s.onExit != nil {
			s.onExit(err)
		}
	}()

	s.logger.Info("gateway child started",
		zap.String("command", spec.Command),
		zap.Int("pid", cmd.Process.Pid))
	return nil
}

// Request sends a request envelope and waits per protocol: every request
// needs an ack within the ack timeout; sync requests then need a result
// within the request timeout; async requests resolve on ack.
func (s *Session) Request(ctx context.Context, deliveryMode string, message interface{}, metadata map[string]interface{}) (interface{}, error) {
	if deliveryMode == "" {
		deliveryMode = s.manifest.Mode.Default
	}

	requestID := uuid.New().String()
	ctx, span := tracing.TraceGatewayRequest(ctx, s.manifest.ID, requestID, deliveryMode)
	defer span.End()

	output, envType, err := s.request(ctx, requestID, deliveryMode, message, metadata)
	tracing.TraceGatewayResponse(span, envType, err)
	return output, err
}

// request runs the ack/result exchange for one request id and reports which
// envelope type resolved it.
func (s *Session) request(ctx context.Context, requestID, deliveryMode string, message interface{}, metadata map[string]interface{}) (interface{}, string, error) {
	pending := &pendingRequest{
		ack:    make(chan *Envelope, 1),
		result: make(chan *Envelope, 1),
		fail:   make(chan error, 1),
	}
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil, "", fmt.Errorf("gateway %s: %w", s.manifest.ID, ErrCancelled)
	}
	s.pending[requestID] = pending
	s.mu.Unlock()
	defer s.dropPending(requestID)

	env := &Envelope{
		Type:         TypeRequest,
		RequestID:    requestID,
		DeliveryMode: deliveryMode,
		Message:      message,
		Metadata:     metadata,
	}
	if err := s.writeEnvelope(env); err != nil {
		return nil, "", err
	}

	ackTimer := time.NewTimer(s.ackTimeout())
	defer ackTimer.Stop()

	var ack *Envelope
	select {
	case ack = <-pending.ack:
	case result := <-pending.result:
		// Some children answer trivial requests without a separate ack.
		output, err := s.resolveResult(result)
		return output, TypeResult, err
	case err := <-pending.fail:
		return nil, "", err
	case <-ackTimer.C:
		return nil, "", fmt.Errorf("%w: gateway %s", ErrAckTimeout, s.manifest.ID)
	case <-ctx.Done():
		return nil, "", ctx.Err()
	}

	if ack.Accepted != nil && !*ack.Accepted {
		return nil, TypeAck, fmt.Errorf("%w: %v", ErrRejected, ack.Message)
	}
	if deliveryMode == ModeAsync {
		return ack.Message, TypeAck, nil
	}

	resultTimer := time.NewTimer(s.requestTimeout())
	defer resultTimer.Stop()
	select {
	case result := <-pending.result:
		output, err := s.resolveResult(result)
		return output, TypeResult, err
	case err := <-pending.fail:
		return nil, "", err
	case <-resultTimer.C:
		return nil, "", fmt.Errorf("%w: gateway %s", ErrResultTimeout, s.manifest.ID)
	case <-ctx.Done():
		return nil, "", ctx.Err()
	}
}

// Stop fails all in-flight requests and kills the child if one is running.
func (s *Session) Stop() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	s.mu.Unlock()

	s.failPending(ErrCancelled)
	if s.cmd != nil && s.cmd.Process != nil {
		_ = s.cmd.Process.Kill()
	}
}

func (s *Session) resolveResult(result *Envelope) (interface{}, error) {
	if result.Success != nil && !*result.Success {
		msg := result.Error
		if msg == "" {
			msg = "gateway reported failure"
		}
		return nil, fmt.Errorf("gateway %s: %s", s.manifest.ID, msg)
	}
	return result.Output, nil
}

func (s *Session) readLoop(r io.Reader) {
	defer close(s.readerDone)
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 8*1024*1024)
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		var env Envelope
		if err := json.Unmarshal(line, &env); err != nil {
			s.logger.Warn("dropping unparseable gateway line", zap.Error(err))
			continue
		}
		s.dispatch(&env)
	}
	if err := scanner.Err(); err != nil {
		s.logger.Warn("gateway read loop ended", zap.Error(err))
	}
}

func (s *Session) dispatch(env *Envelope) {
	switch env.Type {
	case TypeAck:
		if pending := s.lookupPending(env.RequestID); pending != nil {
			pending.ack <- env
		}
	case TypeResult:
		if pending := s.lookupPending(env.RequestID); pending != nil {
			pending.result <- env
		}
	case TypeInput:
		go s.handleInput(env)
	case TypeEvent:
		if s.onEvent != nil {
			s.onEvent(env)
		}
	default:
		s.logger.Warn("unknown gateway envelope type", zap.String("type", env.Type))
	}
}

// handleInput forwards a child-originated message into the hub and, for
// blocking inputs, answers with a result envelope keyed by the inbound
// request id.
func (s *Session) handleInput(env *Envelope) {
	if env.Target == "" {
		env.Target = s.manifest.DefaultTarget
	}

	var output interface{}
	var err error
	if s.onInput != nil {
		output, err = s.onInput(context.Background(), env)
	}
	if !env.Blocking {
		if err != nil {
			s.logger.Warn("gateway input dispatch failed",
				zap.String("target", env.Target), zap.Error(err))
		}
		return
	}

	reply := &Envelope{
		Type:      TypeResult,
		RequestID: env.RequestID,
		Success:   boolPtr(err == nil),
		Output:    output,
	}
	if err != nil {
		reply.Error = err.Error()
	}
	if writeErr := s.writeEnvelope(reply); writeErr != nil {
		s.logger.Warn("gateway input reply failed", zap.Error(writeErr))
	}
}

func (s *Session) writeEnvelope(env *Envelope) error {
	raw, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("marshal envelope: %w", err)
	}
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	if s.writer == nil {
		return ErrCancelled
	}
	if _, err := s.writer.Write(append(raw, '\n')); err != nil {
		return fmt.Errorf("write envelope: %w", err)
	}
	return nil
}

func (s *Session) lookupPending(requestID string) *pendingRequest {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.pending[requestID]
}

func (s *Session) dropPending(requestID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.pending, requestID)
}

// failPending fails every in-flight request with err, preserving the error
// chain so callers can match it with errors.Is.
func (s *Session) failPending(err error) {
	s.mu.Lock()
	pending := s.pending
	s.pending = make(map[string]*pendingRequest)
	s.mu.Unlock()

	failure := fmt.Errorf("gateway %s: %w", s.manifest.ID, err)
	for _, p := range pending {
		select {
		case p.fail <- failure:
		default:
		}
	}
}

func (s *Session) ackTimeout() time.Duration {
	if ms := s.manifest.Process.AckTimeoutMs; ms > 0 {
		return time.Duration(ms) * time.Millisecond
	}
	return DefaultAckTimeout
}

func (s *Session) requestTimeout() time.Duration {
	if ms := s.manifest.Process.RequestTimeoutMs; ms > 0 {
		return time.Duration(ms) * time.Millisecond
	}
	return DefaultRequestTimeout
}
