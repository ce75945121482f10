package consensus

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"tradeswarm/internal/domain"
	"tradeswarm/internal/events"
)

func candidate(id string, reputation int) domain.Agent {
	return domain.Agent{
		ID:           id,
		Type:         domain.AgentTypeRisk,
		Capabilities: []string{"risk_assessment"},
		Status:       domain.AgentStatusIdle,
		Reputation:   reputation,
	}
}

type resultSink struct {
	mu      sync.Mutex
	results []domain.ConsensusResult
	notify  chan struct{}
}

func newResultSink(emitter *events.Emitter) *resultSink {
	s := &resultSink{notify: make(chan struct{}, 16)}
	emitter.Subscribe(events.ConsensusResolved, func(ev events.Event) {
		s.mu.Lock()
		s.results = append(s.results, ev.Payload.(domain.ConsensusResult))
		s.mu.Unlock()
		s.notify <- struct{}{}
	})
	return s
}

func (s *resultSink) waitOne(t *testing.T) domain.ConsensusResult {
	t.Helper()
	select {
	case <-s.notify:
	case <-time.After(3 * time.Second):
		t.Fatalf("timed out waiting for consensus result")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.results[len(s.results)-1]
}

func TestQuorumApprovesTopCandidate(t *testing.T) {
	emitter := events.NewEmitter()
	sink := newResultSink(emitter)
	engine, err := New(Config{QuorumSize: 2, Timeout: time.Second}, emitter, nil)
	require.NoError(t, err)

	task := domain.Task{ID: "t1", RequiredAgents: []domain.AgentType{domain.AgentTypeRisk}}
	candidates := []domain.Agent{candidate("mid", 70), candidate("top", 95)}

	require.NoError(t, engine.RequestConsensus(context.Background(), task, candidates))

	result := sink.waitOne(t)
	assert.True(t, result.Approved)
	assert.Equal(t, "top", result.AgentID)
	assert.Equal(t, "t1", result.TaskID)

	engine.Wait()
	assert.Zero(t, engine.PendingProposals())
}

func TestQuorumRejectsAtTimeoutExpiry(t *testing.T) {
	emitter := events.NewEmitter()
	sink := newResultSink(emitter)

	timeout := 150 * time.Millisecond
	engine, err := New(Config{QuorumSize: 2, Timeout: timeout}, emitter, nil)
	require.NoError(t, err)

	// The proposed agent's reputation disqualifies it, so no ballot can be
	// affirmative and quorum is unreachable.
	task := domain.Task{ID: "t1"}
	candidates := []domain.Agent{candidate("a", 40), candidate("b", 30)}

	start := time.Now()
	require.NoError(t, engine.RequestConsensus(context.Background(), task, candidates))

	result := sink.waitOne(t)
	elapsed := time.Since(start)

	assert.False(t, result.Approved)
	assert.GreaterOrEqual(t, elapsed, timeout, "rejection should land at expiry, not before")
}

func TestCallerCancellationDoesNotCutRoundShort(t *testing.T) {
	emitter := events.NewEmitter()
	sink := newResultSink(emitter)

	timeout := 300 * time.Millisecond
	engine, err := New(Config{QuorumSize: 2, Timeout: timeout}, emitter, nil)
	require.NoError(t, err)

	// Quorum is unreachable, so the round can only resolve at its deadline.
	task := domain.Task{ID: "t1"}
	candidates := []domain.Agent{candidate("a", 40)}

	ctx, cancel := context.WithCancel(context.Background())
	start := time.Now()
	require.NoError(t, engine.RequestConsensus(ctx, task, candidates))

	time.Sleep(50 * time.Millisecond)
	cancel()

	result := sink.waitOne(t)
	elapsed := time.Since(start)

	assert.False(t, result.Approved)
	assert.GreaterOrEqual(t, elapsed, timeout,
		"the round's own timeout, not the caller's context, must resolve it")
}

func TestCallerCancellationDoesNotBlockApproval(t *testing.T) {
	emitter := events.NewEmitter()
	sink := newResultSink(emitter)
	engine, err := New(Config{QuorumSize: 2, Timeout: 2 * time.Second}, emitter, nil)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	task := domain.Task{ID: "t1"}
	candidates := []domain.Agent{candidate("mid", 70), candidate("top", 95)}

	require.NoError(t, engine.RequestConsensus(ctx, task, candidates))
	cancel()

	result := sink.waitOne(t)
	assert.True(t, result.Approved)
	assert.Equal(t, "top", result.AgentID)
}

func TestRequestConsensusNoCandidates(t *testing.T) {
	engine, err := New(Config{}, events.NewEmitter(), nil)
	require.NoError(t, err)

	err = engine.RequestConsensus(context.Background(), domain.Task{ID: "t1"}, nil)
	require.ErrorIs(t, err, domain.ErrNoCandidates)
}

func TestRequestConsensusDuplicateProposal(t *testing.T) {
	emitter := events.NewEmitter()
	sink := newResultSink(emitter)
	engine, err := New(Config{QuorumSize: 2, Timeout: 300 * time.Millisecond}, emitter, nil)
	require.NoError(t, err)

	task := domain.Task{ID: "t1"}
	candidates := []domain.Agent{candidate("a", 40)}

	require.NoError(t, engine.RequestConsensus(context.Background(), task, candidates))
	err = engine.RequestConsensus(context.Background(), task, candidates)
	require.ErrorIs(t, err, domain.ErrProposalInProgress)

	sink.waitOne(t)
	engine.Wait()

	// After the round resolves the task may be proposed again.
	require.NoError(t, engine.RequestConsensus(context.Background(), task, candidates))
	engine.Wait()
}

func TestRequestConsensusBoundedInFlight(t *testing.T) {
	emitter := events.NewEmitter()
	engine, err := New(Config{QuorumSize: 2, Timeout: 500 * time.Millisecond, MaxProposals: 3}, emitter, nil)
	require.NoError(t, err)

	candidates := []domain.Agent{candidate("a", 40)}
	for i := 0; i < 3; i++ {
		task := domain.Task{ID: fmt.Sprintf("t%d", i)}
		require.NoError(t, engine.RequestConsensus(context.Background(), task, candidates))
	}

	err = engine.RequestConsensus(context.Background(), domain.Task{ID: "overflow"}, candidates)
	require.ErrorIs(t, err, domain.ErrTooManyProposals)

	engine.Wait()
}

func TestUnknownAlgorithm(t *testing.T) {
	_, err := New(Config{Algorithm: "paxos"}, events.NewEmitter(), nil)
	require.Error(t, err)
}

func TestQuorumVoteCustomBallot(t *testing.T) {
	vetoed := NewQuorumVote(1, func(domain.Task, domain.Agent, domain.Agent) bool { return false })

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()

	result := vetoed.Run(ctx, domain.Task{ID: "t1"}, []domain.Agent{candidate("a", 99)})
	assert.False(t, result.Approved)
	assert.Equal(t, "a", result.AgentID)
}
