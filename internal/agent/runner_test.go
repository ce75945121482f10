package agent

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"tradeswarm/internal/bus"
	"tradeswarm/internal/domain"
)

type sinkSpy struct {
	mu         sync.Mutex
	heartbeats []domain.HeartbeatPayload
}

func (s *sinkSpy) Heartbeat(_ context.Context, hb domain.HeartbeatPayload) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.heartbeats = append(s.heartbeats, hb)
	return nil
}

func (s *sinkSpy) last(t *testing.T) domain.HeartbeatPayload {
	t.Helper()
	s.mu.Lock()
	defer s.mu.Unlock()
	require.NotEmpty(t, s.heartbeats)
	return s.heartbeats[len(s.heartbeats)-1]
}

func testRunnerAgent() domain.Agent {
	return domain.Agent{
		ID:           "agent-1",
		Type:         domain.AgentTypeExecution,
		Capabilities: []string{"order_execution"},
		Status:       domain.AgentStatusIdle,
	}
}

func execution(taskID string) domain.AgentMessage {
	payload, _ := json.Marshal(domain.ExecutionPayload{TaskID: taskID, Payload: []byte(`{"pair":"ETH/USDC"}`)})
	return domain.AgentMessage{
		ID:      "exec-" + taskID,
		From:    "orchestrator",
		To:      "agent-1",
		Type:    domain.MessageTypeExecution,
		Payload: payload,
	}
}

func waitCoordination(t *testing.T, inbox <-chan domain.AgentMessage) domain.CoordinationPayload {
	t.Helper()
	select {
	case msg := <-inbox:
		require.Equal(t, domain.MessageTypeCoordination, msg.Type)
		var coord domain.CoordinationPayload
		require.NoError(t, json.Unmarshal(msg.Payload, &coord))
		return coord
	case <-time.After(2 * time.Second):
		t.Fatalf("timed out waiting for coordination message")
		return domain.CoordinationPayload{}
	}
}

func TestRunnerReportsCompletion(t *testing.T) {
	msgBus := bus.New(8)
	orchInbox := msgBus.Register("orchestrator")
	sink := &sinkSpy{}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	runner := NewRunner(testRunnerAgent(), msgBus, sink, nil)
	runner.Start(ctx)

	require.NoError(t, msgBus.Send(execution("t1")))

	coord := waitCoordination(t, orchInbox)
	assert.Equal(t, "t1", coord.TaskID)
	assert.Equal(t, domain.CoordinationCompleted, coord.Status)
}

func TestRunnerReportsFailure(t *testing.T) {
	msgBus := bus.New(8)
	orchInbox := msgBus.Register("orchestrator")
	sink := &sinkSpy{}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	failing := func(context.Context, domain.ExecutionPayload) (domain.CoordinationStatus, string) {
		return domain.CoordinationFailed, "insufficient liquidity"
	}
	runner := NewRunner(testRunnerAgent(), msgBus, sink, nil, WithExecute(failing))
	runner.Start(ctx)

	require.NoError(t, msgBus.Send(execution("t1")))

	coord := waitCoordination(t, orchInbox)
	assert.Equal(t, domain.CoordinationFailed, coord.Status)
	assert.Equal(t, "insufficient liquidity", coord.Detail)
}

func TestHeartbeatMetrics(t *testing.T) {
	msgBus := bus.New(8)
	orchInbox := msgBus.Register("orchestrator")
	sink := &sinkSpy{}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	outcomes := []domain.CoordinationStatus{
		domain.CoordinationCompleted,
		domain.CoordinationCompleted,
		domain.CoordinationCompleted,
		domain.CoordinationFailed,
	}
	var execMu sync.Mutex
	i := 0
	scripted := func(context.Context, domain.ExecutionPayload) (domain.CoordinationStatus, string) {
		execMu.Lock()
		defer execMu.Unlock()
		status := outcomes[i]
		i++
		return status, ""
	}

	runner := NewRunner(testRunnerAgent(), msgBus, sink, nil, WithExecute(scripted))
	runner.Start(ctx)

	for n := range outcomes {
		require.NoError(t, msgBus.Send(execution(string(rune('a'+n)))))
		waitCoordination(t, orchInbox)
	}

	runner.SendHeartbeat(ctx)
	hb := sink.last(t)
	assert.Equal(t, "agent-1", hb.AgentID)
	assert.InDelta(t, 0.75, hb.Metrics.Efficiency, 1e-9)
	assert.InDelta(t, 0.25, hb.Metrics.ErrorRate, 1e-9)
	assert.Equal(t, 3, hb.Metrics.TasksCompleted)
	assert.False(t, hb.SentAt.IsZero())
}

func TestHeartbeatBeforeAnyWork(t *testing.T) {
	sink := &sinkSpy{}
	runner := NewRunner(testRunnerAgent(), bus.New(1), sink, nil)

	runner.SendHeartbeat(context.Background())
	hb := sink.last(t)
	assert.Equal(t, 1.0, hb.Metrics.Efficiency)
	assert.Zero(t, hb.Metrics.ErrorRate)
	assert.Zero(t, hb.Metrics.TasksCompleted)
}
