// Package registry is the source of truth for agent identity, capabilities,
// status and performance metrics. Every mutation goes through this package:
// it persists to the configured store, publishes a cross-process notification
// and emits a local lifecycle event.
package registry

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"tradeswarm/internal/domain"
	"tradeswarm/internal/events"
)

// Pub/sub topics for cross-process coordination.
const (
	TopicRegister     = "agent:register"
	TopicHeartbeat    = "agent:heartbeat"
	TopicCapabilities = "agent:capabilities"
	TopicStatus       = "agent:status"
	TopicHealth       = "agent:health"
)

type Store interface {
	SaveAgent(ctx context.Context, agent domain.Agent) error
	DeleteAgent(ctx context.Context, id string) error
	LoadAgents(ctx context.Context) ([]domain.Agent, error)
}

type Notifier interface {
	Publish(ctx context.Context, topic string, payload any) error
}

// NopNotifier satisfies Notifier for single-process deployments.
type NopNotifier struct{}

func (NopNotifier) Publish(context.Context, string, any) error { return nil }

type HealthTracker interface {
	StartMonitoring(id string)
	StopMonitoring(id string)
	IsMonitored(id string) bool
}

type Config struct {
	MaxAgents        int
	HeartbeatTimeout time.Duration
	SweepInterval    time.Duration
}

func (c Config) withDefaults() Config {
	if c.MaxAgents <= 0 {
		c.MaxAgents = 50
	}
	if c.HeartbeatTimeout <= 0 {
		c.HeartbeatTimeout = 60 * time.Second
	}
	if c.SweepInterval <= 0 {
		c.SweepInterval = 10 * time.Second
	}
	return c
}

type Registry struct {
	store    Store
	notifier Notifier
	health   HealthTracker
	emitter  *events.Emitter
	cfg      Config
	logger   *zap.Logger

	mu         sync.RWMutex
	agents     map[string]domain.Agent
	order      []string // registration order, for deterministic ranking
	typeCounts map[domain.AgentType]int
}

func New(store Store, notifier Notifier, health HealthTracker, emitter *events.Emitter, cfg Config, logger *zap.Logger) *Registry {
	cfg = cfg.withDefaults()
	if notifier == nil {
		notifier = NopNotifier{}
	}
	if health == nil {
		health = NewHealthMonitor(logger)
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Registry{
		store:      store,
		notifier:   notifier,
		health:     health,
		emitter:    emitter,
		cfg:        cfg,
		logger:     logger,
		agents:     make(map[string]domain.Agent),
		typeCounts: make(map[domain.AgentType]int),
	}
}

// Load restores previously persisted agents. The store drops corrupted
// records itself; here we rebuild counters and resume monitoring for agents
// that were live when the process went down.
func (r *Registry) Load(ctx context.Context) error {
	agents, err := r.store.LoadAgents(ctx)
	if err != nil {
		return fmt.Errorf("load persisted agents: %w", err)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	for _, agent := range agents {
		if _, exists := r.agents[agent.ID]; exists {
			continue
		}
		r.agents[agent.ID] = agent
		r.order = append(r.order, agent.ID)
		r.typeCounts[agent.Type]++
		if agent.Status == domain.AgentStatusIdle || agent.Status == domain.AgentStatusExecuting {
			r.health.StartMonitoring(agent.ID)
		}
	}
	r.logger.Info("registry state restored", zap.Int("agents", len(agents)))
	return nil
}

func (r *Registry) RegisterAgent(ctx context.Context, agent domain.Agent) error {
	if err := validateAgent(agent); err != nil {
		return err
	}

	r.mu.Lock()
	if len(r.agents) >= r.cfg.MaxAgents {
		r.mu.Unlock()
		return fmt.Errorf("%w: limit %d", domain.ErrRegistryFull, r.cfg.MaxAgents)
	}
	if _, exists := r.agents[agent.ID]; exists {
		r.mu.Unlock()
		return fmt.Errorf("%w: %s", domain.ErrDuplicateAgent, agent.ID)
	}
	if agent.Status == "" {
		agent.Status = domain.AgentStatusIdle
	}
	if agent.RegisteredAt.IsZero() {
		agent.RegisteredAt = time.Now().UTC()
	}
	if agent.LastHeartbeat.IsZero() {
		agent.LastHeartbeat = agent.RegisteredAt
	}
	r.agents[agent.ID] = agent
	r.order = append(r.order, agent.ID)
	r.typeCounts[agent.Type]++
	r.mu.Unlock()

	if err := r.store.SaveAgent(ctx, agent); err != nil {
		r.rollbackRegister(agent)
		r.logger.Error("persist agent failed", zap.String("agent", agent.ID), zap.Error(err))
		return fmt.Errorf("persist agent %s: %w", agent.ID, err)
	}

	r.health.StartMonitoring(agent.ID)
	r.publish(ctx, TopicRegister, map[string]any{"agent_id": agent.ID, "type": agent.Type, "event": "registered"})
	r.emitter.Emit(events.AgentRegistered, agent)
	r.logger.Info("agent registered",
		zap.String("agent", agent.ID),
		zap.String("type", string(agent.Type)),
		zap.Strings("capabilities", agent.Capabilities))
	return nil
}

func (r *Registry) rollbackRegister(agent domain.Agent) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.agents, agent.ID)
	for i, id := range r.order {
		if id == agent.ID {
			r.order = append(r.order[:i], r.order[i+1:]...)
			break
		}
	}
	r.typeCounts[agent.Type]--
}

func (r *Registry) DeregisterAgent(ctx context.Context, id string) error {
	r.mu.Lock()
	agent, exists := r.agents[id]
	if !exists {
		r.mu.Unlock()
		return fmt.Errorf("%w: %s", domain.ErrAgentNotFound, id)
	}
	delete(r.agents, id)
	for i, aid := range r.order {
		if aid == id {
			r.order = append(r.order[:i], r.order[i+1:]...)
			break
		}
	}
	r.typeCounts[agent.Type]--
	r.mu.Unlock()

	if err := r.store.DeleteAgent(ctx, id); err != nil {
		r.logger.Error("delete persisted agent failed", zap.String("agent", id), zap.Error(err))
		return fmt.Errorf("delete agent %s: %w", id, err)
	}

	r.health.StopMonitoring(id)
	r.publish(ctx, TopicRegister, map[string]any{"agent_id": id, "event": "deregistered"})
	r.emitter.Emit(events.AgentDeregistered, agent)
	r.logger.Info("agent deregistered", zap.String("agent", id))
	return nil
}

type StatusChange struct {
	Agent  domain.Agent
	Before domain.AgentStatus
	After  domain.AgentStatus
}

func (r *Registry) UpdateAgentStatus(ctx context.Context, id string, status domain.AgentStatus) error {
	r.mu.Lock()
	agent, exists := r.agents[id]
	if !exists {
		r.mu.Unlock()
		return fmt.Errorf("%w: %s", domain.ErrAgentNotFound, id)
	}
	before := agent.Status
	agent.Status = status
	agent.LastHeartbeat = time.Now().UTC()
	r.agents[id] = agent
	r.mu.Unlock()

	if err := r.store.SaveAgent(ctx, agent); err != nil {
		r.logger.Error("persist status change failed", zap.String("agent", id), zap.Error(err))
		return fmt.Errorf("persist status for %s: %w", id, err)
	}

	r.publish(ctx, TopicStatus, map[string]any{"agent_id": id, "before": before, "after": status})
	r.emitter.Emit(events.AgentStatusChanged, StatusChange{Agent: agent, Before: before, After: status})
	return nil
}

func (r *Registry) UpdateAgentCapabilities(ctx context.Context, id string, capabilities []string) error {
	if len(capabilities) == 0 {
		return fmt.Errorf("%w: capabilities must not be empty", domain.ErrInvalidAgent)
	}

	r.mu.Lock()
	agent, exists := r.agents[id]
	if !exists {
		r.mu.Unlock()
		return fmt.Errorf("%w: %s", domain.ErrAgentNotFound, id)
	}
	agent.Capabilities = append([]string(nil), capabilities...)
	r.agents[id] = agent
	r.mu.Unlock()

	if err := r.store.SaveAgent(ctx, agent); err != nil {
		r.logger.Error("persist capabilities failed", zap.String("agent", id), zap.Error(err))
		return fmt.Errorf("persist capabilities for %s: %w", id, err)
	}

	r.publish(ctx, TopicCapabilities, map[string]any{"agent_id": id, "capabilities": capabilities})
	r.emitter.Emit(events.AgentCapabilitiesUpdated, agent)
	return nil
}

// ApplyReputationDelta adjusts an agent's reputation, clamped to [0,100],
// and returns the new value.
func (r *Registry) ApplyReputationDelta(ctx context.Context, id string, delta int) (int, error) {
	r.mu.Lock()
	agent, exists := r.agents[id]
	if !exists {
		r.mu.Unlock()
		return 0, fmt.Errorf("%w: %s", domain.ErrAgentNotFound, id)
	}
	agent.Reputation = clampReputation(agent.Reputation + delta)
	r.agents[id] = agent
	r.mu.Unlock()

	if err := r.store.SaveAgent(ctx, agent); err != nil {
		r.logger.Error("persist reputation failed", zap.String("agent", id), zap.Error(err))
		return agent.Reputation, fmt.Errorf("persist reputation for %s: %w", id, err)
	}
	return agent.Reputation, nil
}

// Heartbeat refreshes an agent's liveness timestamp and performance metrics.
// An unhealthy agent recovers to idle.
func (r *Registry) Heartbeat(ctx context.Context, hb domain.HeartbeatPayload) error {
	r.mu.Lock()
	agent, exists := r.agents[hb.AgentID]
	if !exists {
		r.mu.Unlock()
		return fmt.Errorf("%w: %s", domain.ErrAgentNotFound, hb.AgentID)
	}
	agent.LastHeartbeat = time.Now().UTC()
	if hb.Metrics != (domain.PerformanceMetrics{}) {
		agent.Metrics = hb.Metrics
	}
	recovered := agent.Status == domain.AgentStatusUnhealthy
	if recovered {
		agent.Status = domain.AgentStatusIdle
	}
	r.agents[hb.AgentID] = agent
	r.mu.Unlock()

	if err := r.store.SaveAgent(ctx, agent); err != nil {
		r.logger.Error("persist heartbeat failed", zap.String("agent", hb.AgentID), zap.Error(err))
		return fmt.Errorf("persist heartbeat for %s: %w", hb.AgentID, err)
	}

	r.publish(ctx, TopicHeartbeat, map[string]any{"agent_id": hb.AgentID, "metrics": agent.Metrics})
	if recovered {
		r.publish(ctx, TopicHealth, map[string]any{"agent_id": hb.AgentID, "event": "recovered"})
		r.emitter.Emit(events.AgentRecovered, agent)
		r.logger.Info("agent recovered", zap.String("agent", hb.AgentID))
	}
	return nil
}

func (r *Registry) GetAgent(id string) (domain.Agent, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	agent, exists := r.agents[id]
	if !exists {
		return domain.Agent{}, fmt.Errorf("%w: %s", domain.ErrAgentNotFound, id)
	}
	return cloneAgent(agent), nil
}

func (r *Registry) GetAllAgents() []domain.Agent {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]domain.Agent, 0, len(r.agents))
	for _, id := range r.order {
		out = append(out, cloneAgent(r.agents[id]))
	}
	return out
}

func (r *Registry) GetAgentsByType(t domain.AgentType) []domain.Agent {
	return r.filter(func(a domain.Agent) bool { return a.Type == t })
}

func (r *Registry) GetAgentsByStatus(s domain.AgentStatus) []domain.Agent {
	return r.filter(func(a domain.Agent) bool { return a.Status == s })
}

func (r *Registry) GetAgentsByCapability(c string) []domain.Agent {
	return r.filter(func(a domain.Agent) bool { return a.HasCapability(c) })
}

func (r *Registry) CountByType(t domain.AgentType) int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.typeCounts[t]
}

func (r *Registry) filter(keep func(domain.Agent) bool) []domain.Agent {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []domain.Agent
	for _, id := range r.order {
		if a := r.agents[id]; keep(a) {
			out = append(out, cloneAgent(a))
		}
	}
	return out
}

// Criteria narrows FindBestAgent candidates. Zero fields are ignored.
type Criteria struct {
	Type         domain.AgentType
	Capabilities []string
	Status       domain.AgentStatus
}

// FindBestAgent ranks candidates by a deterministic score and returns the
// highest. Ties resolve to the earliest-registered candidate.
func (r *Registry) FindBestAgent(criteria Criteria) (domain.Agent, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var best domain.Agent
	var bestScore float64
	found := false
	for _, id := range r.order {
		a := r.agents[id]
		if criteria.Type != "" && a.Type != criteria.Type {
			continue
		}
		if criteria.Status != "" && a.Status != criteria.Status {
			continue
		}
		if len(criteria.Capabilities) > 0 && !a.HasCapabilities(criteria.Capabilities) {
			continue
		}
		score := Score(a.Metrics)
		if !found || score > bestScore {
			best = a
			bestScore = score
			found = true
		}
	}
	if !found {
		return domain.Agent{}, false
	}
	return cloneAgent(best), true
}

// Score computes the scheduling score for a set of performance metrics.
func Score(m domain.PerformanceMetrics) float64 {
	score := m.Efficiency*100 - m.ErrorRate*50
	if latencyBonus := (5000 - m.AverageLatency) / 100; latencyBonus > 0 {
		score += latencyBonus
	}
	score += float64(m.TasksCompleted) / 10
	if score < 0 {
		return 0
	}
	return score
}

// EligibleForTask returns candidates able to take the task: required type,
// idle, reputation above 50, ranked by reputation descending (stable).
func (r *Registry) EligibleForTask(task domain.Task) []domain.Agent {
	candidates := r.filter(func(a domain.Agent) bool {
		return task.Requires(a.Type) &&
			a.Status == domain.AgentStatusIdle &&
			a.Reputation > 50
	})
	sort.SliceStable(candidates, func(i, j int) bool {
		return candidates[i].Reputation > candidates[j].Reputation
	})
	return candidates
}

// Run starts the heartbeat sweep loop and blocks until ctx is canceled.
func (r *Registry) Run(ctx context.Context) {
	ticker := time.NewTicker(r.cfg.SweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.SweepOnce(ctx)
		}
	}
}

// SweepOnce marks monitored live agents whose last heartbeat exceeded the
// timeout as unhealthy. An agent is flagged once; recovery requires a
// heartbeat.
func (r *Registry) SweepOnce(ctx context.Context) {
	now := time.Now().UTC()

	r.mu.Lock()
	var flagged []domain.Agent
	for _, id := range r.order {
		agent := r.agents[id]
		if agent.Status != domain.AgentStatusIdle && agent.Status != domain.AgentStatusExecuting {
			continue
		}
		if !r.health.IsMonitored(id) {
			continue
		}
		if now.Sub(agent.LastHeartbeat) <= r.cfg.HeartbeatTimeout {
			continue
		}
		agent.Status = domain.AgentStatusUnhealthy
		r.agents[id] = agent
		flagged = append(flagged, agent)
	}
	r.mu.Unlock()

	for _, agent := range flagged {
		if err := r.store.SaveAgent(ctx, agent); err != nil {
			r.logger.Error("persist unhealthy flag failed", zap.String("agent", agent.ID), zap.Error(err))
		}
		r.publish(ctx, TopicHealth, map[string]any{"agent_id": agent.ID, "event": "unhealthy"})
		r.emitter.Emit(events.AgentUnhealthy, agent)
		r.logger.Warn("agent unhealthy",
			zap.String("agent", agent.ID),
			zap.Time("last_heartbeat", agent.LastHeartbeat))
	}
}

func (r *Registry) publish(ctx context.Context, topic string, payload any) {
	if err := r.notifier.Publish(ctx, topic, payload); err != nil {
		r.logger.Error("publish notification failed", zap.String("topic", topic), zap.Error(err))
	}
}

func validateAgent(agent domain.Agent) error {
	if agent.ID == "" {
		return fmt.Errorf("%w: id is required", domain.ErrInvalidAgent)
	}
	if !domain.ValidAgentType(agent.Type) {
		return fmt.Errorf("%w: unknown type %q", domain.ErrInvalidAgent, agent.Type)
	}
	if len(agent.Capabilities) == 0 {
		return fmt.Errorf("%w: capabilities must not be empty", domain.ErrInvalidAgent)
	}
	return nil
}

func clampReputation(v int) int {
	if v < 0 {
		return 0
	}
	if v > 100 {
		return 100
	}
	return v
}

func cloneAgent(a domain.Agent) domain.Agent {
	a.Capabilities = append([]string(nil), a.Capabilities...)
	return a
}
