// Package metrics exposes Prometheus collectors for the orchestration core.
// The collector feeds off the lifecycle event stream, so instrumented
// components stay unaware of it.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"

	"tradeswarm/internal/domain"
	"tradeswarm/internal/events"
)

type Collector struct {
	agentsRegistered   *prometheus.CounterVec
	agentsDeregistered prometheus.Counter
	activeAgents       prometheus.Gauge
	heartbeatTimeouts  prometheus.Counter
	tasksCompleted     prometheus.Counter
	tasksDeadLettered  prometheus.Counter
	consensusRounds    *prometheus.CounterVec
	criticalAlerts     prometheus.Counter
}

func NewCollector(namespace string, reg prometheus.Registerer) *Collector {
	c := &Collector{
		agentsRegistered: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "agents_registered_total",
				Help:      "Total agents registered, by type",
			},
			[]string{"type"},
		),
		agentsDeregistered: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "agents_deregistered_total",
			Help:      "Total agents deregistered",
		}),
		activeAgents: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "active_agents",
			Help:      "Agents currently registered",
		}),
		heartbeatTimeouts: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "heartbeat_timeouts_total",
			Help:      "Agents flagged unhealthy by the heartbeat sweep",
		}),
		tasksCompleted: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "tasks_completed_total",
			Help:      "Tasks completed",
		}),
		tasksDeadLettered: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "tasks_dead_lettered_total",
			Help:      "Tasks moved to dead-letter after exhausting reassignment",
		}),
		consensusRounds: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "consensus_rounds_total",
				Help:      "Consensus rounds, by outcome",
			},
			[]string{"outcome"},
		),
		criticalAlerts: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "critical_alerts_total",
			Help:      "Critical alerts handled by the orchestrator",
		}),
	}
	reg.MustRegister(
		c.agentsRegistered,
		c.agentsDeregistered,
		c.activeAgents,
		c.heartbeatTimeouts,
		c.tasksCompleted,
		c.tasksDeadLettered,
		c.consensusRounds,
		c.criticalAlerts,
	)
	return c
}

// Observe wires the collector into the lifecycle event stream.
func (c *Collector) Observe(emitter *events.Emitter) {
	emitter.SubscribeAll(func(ev events.Event) {
		switch ev.Name {
		case events.AgentRegistered:
			if agent, ok := ev.Payload.(domain.Agent); ok {
				c.agentsRegistered.WithLabelValues(string(agent.Type)).Inc()
			}
			c.activeAgents.Inc()
		case events.AgentDeregistered:
			c.agentsDeregistered.Inc()
			c.activeAgents.Dec()
		case events.AgentUnhealthy:
			c.heartbeatTimeouts.Inc()
		case events.TaskCompleted:
			c.tasksCompleted.Inc()
		case events.TaskDeadLettered:
			c.tasksDeadLettered.Inc()
		case events.ConsensusResolved:
			outcome := "rejected"
			if result, ok := ev.Payload.(domain.ConsensusResult); ok && result.Approved {
				outcome = "approved"
			}
			c.consensusRounds.WithLabelValues(outcome).Inc()
		case events.CriticalAlert:
			c.criticalAlerts.Inc()
		}
	})
}
