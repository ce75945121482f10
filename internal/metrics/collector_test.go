package metrics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"

	"tradeswarm/internal/domain"
	"tradeswarm/internal/events"
)

func TestCollectorTracksLifecycleEvents(t *testing.T) {
	reg := prometheus.NewRegistry()
	c := NewCollector("test", reg)
	emitter := events.NewEmitter()
	c.Observe(emitter)

	riskAgent := domain.Agent{ID: "a1", Type: domain.AgentTypeRisk}
	emitter.Emit(events.AgentRegistered, riskAgent)
	emitter.Emit(events.AgentRegistered, domain.Agent{ID: "a2", Type: domain.AgentTypeRisk})
	emitter.Emit(events.AgentDeregistered, riskAgent)
	emitter.Emit(events.AgentUnhealthy, riskAgent)
	emitter.Emit(events.TaskCompleted, domain.Task{ID: "t1"})
	emitter.Emit(events.TaskDeadLettered, domain.Task{ID: "t2"})
	emitter.Emit(events.ConsensusResolved, domain.ConsensusResult{TaskID: "t1", Approved: true})
	emitter.Emit(events.ConsensusResolved, domain.ConsensusResult{TaskID: "t2", Approved: false})
	emitter.Emit(events.CriticalAlert, domain.AlertPayload{Severity: domain.SeverityCritical})

	assert.Equal(t, 2.0, testutil.ToFloat64(c.agentsRegistered.WithLabelValues("risk")))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.agentsDeregistered))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.activeAgents))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.heartbeatTimeouts))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.tasksCompleted))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.tasksDeadLettered))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.consensusRounds.WithLabelValues("approved")))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.consensusRounds.WithLabelValues("rejected")))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.criticalAlerts))
}
