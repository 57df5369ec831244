package gateway

import (
	"bufio"
	"context"
	"encoding/json"
	"io"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fingerdev/finger/internal/common/logger"
	"github.com/fingerdev/finger/internal/events/bus"
	"github.com/fingerdev/finger/internal/hub"
	"github.com/fingerdev/finger/internal/module"
)

func testManifest(id string) *Manifest {
	m := &Manifest{
		ID:        id,
		Direction: DirectionBidirectional,
		Process: ProcessSpec{
			Command:          "fake",
			AckTimeoutMs:     200,
			RequestTimeoutMs: 500,
		},
	}
	if err := m.Validate(); err != nil {
		panic(err)
	}
	return m
}

// fakeChild reads envelopes the session writes and feeds each to respond,
// writing whatever envelopes respond returns back to the session.
func fakeChild(t *testing.T, s *Session, respond func(env *Envelope) []*Envelope) {
	t.Helper()
	toChildR, toChildW := io.Pipe()
	fromChildR, fromChildW := io.Pipe()
	s.Attach(fromChildR, toChildW)

	go func() {
		defer fromChildW.Close()
		scanner := bufio.NewScanner(toChildR)
		for scanner.Scan() {
			var env Envelope
			if err := json.Unmarshal(scanner.Bytes(), &env); err != nil {
				continue
			}
			for _, reply := range respond(&env) {
				raw, _ := json.Marshal(reply)
				if _, err := fromChildW.Write(append(raw, '\n')); err != nil {
					return
				}
			}
		}
	}()
	t.Cleanup(func() {
		toChildW.Close()
		toChildR.Close()
	})
}

func TestManifestValidation(t *testing.T) {
	m := &Manifest{ID: "gw", Direction: "sideways", Process: ProcessSpec{Command: "x"}}
	assert.Error(t, m.Validate())

	m = &Manifest{ID: "gw", Direction: DirectionOutput}
	assert.Error(t, m.Validate())

	m = &Manifest{ID: "gw", Direction: DirectionOutput, Process: ProcessSpec{Command: "x"}}
	require.NoError(t, m.Validate())
	assert.Equal(t, TransportProcessStdio, m.Transport)
	assert.Equal(t, ModeSync, m.Mode.Default)
}

func TestLoadManifestsFromDir(t *testing.T) {
	dir := t.TempDir()
	jsonManifest := `{"id":"slack","direction":"bidirectional","process":{"command":"slack-gw"}}`
	yamlManifest := "id: mail\ndirection: output\nprocess:\n  command: mail-gw\n"
	require.NoError(t, os.WriteFile(filepath.Join(dir, "slack.json"), []byte(jsonManifest), 0644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "mail.yaml"), []byte(yamlManifest), 0644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "notes.txt"), []byte("ignored"), 0644))

	manifests, err := LoadManifests(dir)
	require.NoError(t, err)
	require.Len(t, manifests, 2)
	assert.Equal(t, "mail", manifests[0].ID)
	assert.Equal(t, "slack", manifests[1].ID)

	missing, err := LoadManifests(filepath.Join(dir, "nope"))
	require.NoError(t, err)
	assert.Empty(t, missing)
}

func TestSyncRequestAckThenResult(t *testing.T) {
	s := NewSession(testManifest("gw"), nil, nil, nil, logger.Default())
	fakeChild(t, s, func(env *Envelope) []*Envelope {
		return []*Envelope{
			{Type: TypeAck, RequestID: env.RequestID, Accepted: boolPtr(true)},
			{Type: TypeResult, RequestID: env.RequestID, Success: boolPtr(true), Output: "done"},
		}
	})

	out, err := s.Request(context.Background(), ModeSync, map[string]interface{}{"text": "hi"}, nil)
	require.NoError(t, err)
	assert.Equal(t, "done", out)
}

func TestAsyncResolvesOnAck(t *testing.T) {
	s := NewSession(testManifest("gw"), nil, nil, nil, logger.Default())
	fakeChild(t, s, func(env *Envelope) []*Envelope {
		return []*Envelope{{Type: TypeAck, RequestID: env.RequestID, Accepted: boolPtr(true), Message: "accepted"}}
	})

	out, err := s.Request(context.Background(), ModeAsync, "ping", nil)
	require.NoError(t, err)
	assert.Equal(t, "accepted", out)
}

func TestAckTimeout(t *testing.T) {
	s := NewSession(testManifest("gw"), nil, nil, nil, logger.Default())
	fakeChild(t, s, func(env *Envelope) []*Envelope { return nil })

	_, err := s.Request(context.Background(), ModeSync, "ping", nil)
	assert.ErrorIs(t, err, ErrAckTimeout)
}

func TestResultTimeout(t *testing.T) {
	s := NewSession(testManifest("gw"), nil, nil, nil, logger.Default())
	fakeChild(t, s, func(env *Envelope) []*Envelope {
		return []*Envelope{{Type: TypeAck, RequestID: env.RequestID, Accepted: boolPtr(true)}}
	})

	_, err := s.Request(context.Background(), ModeSync, "ping", nil)
	assert.ErrorIs(t, err, ErrResultTimeout)
}

func TestRejectedAck(t *testing.T) {
	s := NewSession(testManifest("gw"), nil, nil, nil, logger.Default())
	fakeChild(t, s, func(env *Envelope) []*Envelope {
		return []*Envelope{{Type: TypeAck, RequestID: env.RequestID, Accepted: boolPtr(false), Message: "busy"}}
	})

	_, err := s.Request(context.Background(), ModeSync, "ping", nil)
	assert.ErrorIs(t, err, ErrRejected)
}

func TestFailedResultSurfacesError(t *testing.T) {
	s := NewSession(testManifest("gw"), nil, nil, nil, logger.Default())
	fakeChild(t, s, func(env *Envelope) []*Envelope {
		return []*Envelope{
			{Type: TypeAck, RequestID: env.RequestID, Accepted: boolPtr(true)},
			{Type: TypeResult, RequestID: env.RequestID, Success: boolPtr(false), Error: "exploded"},
		}
	})

	_, err := s.Request(context.Background(), ModeSync, "ping", nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "exploded")
}

func TestBlockingInputAnsweredWithResult(t *testing.T) {
	manifest := testManifest("gw")
	manifest.DefaultTarget = "terminal"

	handled := make(chan *Envelope, 1)
	s := NewSession(manifest, func(_ context.Context, env *Envelope) (interface{}, error) {
		handled <- env
		return "echoed", nil
	}, nil, nil, logger.Default())

	toChildR, toChildW := io.Pipe()
	fromChildR, fromChildW := io.Pipe()
	s.Attach(fromChildR, toChildW)
	t.Cleanup(func() { toChildW.Close() })

	input := &Envelope{Type: TypeInput, RequestID: "req-7", Blocking: true, Message: "hello"}
	raw, _ := json.Marshal(input)
	_, err := fromChildW.Write(append(raw, '\n'))
	require.NoError(t, err)

	select {
	case env := <-handled:
		assert.Equal(t, "terminal", env.Target, "empty target falls back to manifest defaultTarget")
	case <-time.After(time.Second):
		t.Fatal("input never dispatched")
	}

	scanner := bufio.NewScanner(toChildR)
	require.True(t, scanner.Scan())
	var reply Envelope
	require.NoError(t, json.Unmarshal(scanner.Bytes(), &reply))
	assert.Equal(t, TypeResult, reply.Type)
	assert.Equal(t, "req-7", reply.RequestID)
	require.NotNil(t, reply.Success)
	assert.True(t, *reply.Success)
	assert.Equal(t, "echoed", reply.Output)
}

func TestStopFailsInflightRequests(t *testing.T) {
	s := NewSession(testManifest("gw"), nil, nil, nil, logger.Default())
	fakeChild(t, s, func(env *Envelope) []*Envelope {
		return []*Envelope{{Type: TypeAck, RequestID: env.RequestID, Accepted: boolPtr(true)}}
	})

	errCh := make(chan error, 1)
	go func() {
		_, err := s.Request(context.Background(), ModeSync, "ping", nil)
		errCh <- err
	}()
	time.Sleep(50 * time.Millisecond)
	s.Stop()

	select {
	case err := <-errCh:
		require.Error(t, err)
		assert.ErrorIs(t, err, ErrCancelled)
	case <-time.After(time.Second):
		t.Fatal("request did not resolve on stop")
	}

	// New requests on a stopped session fail the same way.
	_, err := s.Request(context.Background(), ModeSync, "ping", nil)
	assert.ErrorIs(t, err, ErrCancelled)
}

func TestSupervisorProxiesHubMessages(t *testing.T) {
	h := hub.New(0, nil, logger.Default())
	registry := module.NewRegistry(h, logger.Default())
	events := bus.NewMemoryEventBus(100, logger.Default())
	defer events.Close()

	sup := NewSupervisor(t.TempDir(), h, registry, nil, events, logger.Default())
	session := sup.Install(testManifest("slack"))
	fakeChild(t, session, func(env *Envelope) []*Envelope {
		return []*Envelope{
			{Type: TypeAck, RequestID: env.RequestID, Accepted: boolPtr(true)},
			{Type: TypeResult, RequestID: env.RequestID, Success: boolPtr(true), Output: "posted"},
		}
	})
	require.True(t, h.HasEndpoint("slack"))

	out, err := h.RouteToOutput(context.Background(), "slack", &hub.Message{
		ID:       "m1",
		Type:     "notify",
		Blocking: true,
		Payload:  map[string]interface{}{"text": "deploy done"},
	}, nil)
	require.NoError(t, err)
	assert.Equal(t, "posted", out)

	sup.Remove(context.Background(), "slack")
	assert.False(t, h.HasEndpoint("slack"))
	_, err = sup.Get("slack")
	assert.ErrorIs(t, err, ErrGatewayNotFound)
}

func TestSupervisorEventEnvelopeOnBus(t *testing.T) {
	h := hub.New(0, nil, logger.Default())
	registry := module.NewRegistry(h, logger.Default())
	events := bus.NewMemoryEventBus(100, logger.Default())
	defer events.Close()

	sup := NewSupervisor(t.TempDir(), h, registry, nil, events, logger.Default())
	session := sup.Install(testManifest("slack"))

	fromChildR, fromChildW := io.Pipe()
	_, toChildW := io.Pipe()
	session.Attach(fromChildR, toChildW)

	raw, _ := json.Marshal(&Envelope{Type: TypeEvent, Name: "channel_joined", Payload: map[string]interface{}{"channel": "#ops"}})
	_, err := fromChildW.Write(append(raw, '\n'))
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		return len(events.History(bus.HistoryFilter{Type: "gateway_event"}, 0)) == 1
	}, time.Second, 10*time.Millisecond)
	evt := events.History(bus.HistoryFilter{Type: "gateway_event"}, 0)[0]
	assert.Equal(t, "slack", evt.Payload["gatewayId"])
	assert.Equal(t, "channel_joined", evt.Payload["name"])
}
