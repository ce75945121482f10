// Package orchestrator is the top-level scheduler: it spawns agents through
// the registry, assigns tasks (directly or behind consensus), routes
// inter-agent messages, and reacts to alerts and coordination signals. It is
// the only component that mutates the task map.
package orchestrator

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"tradeswarm/internal/domain"
	"tradeswarm/internal/events"
)

const orchestratorEndpoint = "orchestrator"

type Registry interface {
	RegisterAgent(ctx context.Context, agent domain.Agent) error
	DeregisterAgent(ctx context.Context, id string) error
	UpdateAgentStatus(ctx context.Context, id string, status domain.AgentStatus) error
	ApplyReputationDelta(ctx context.Context, id string, delta int) (int, error)
	GetAgent(id string) (domain.Agent, error)
	GetAllAgents() []domain.Agent
	GetAgentsByCapability(capability string) []domain.Agent
	EligibleForTask(task domain.Task) []domain.Agent
}

type Consensus interface {
	RequestConsensus(ctx context.Context, task domain.Task, candidates []domain.Agent) error
}

type Bus interface {
	Register(endpoint string) <-chan domain.AgentMessage
	Unregister(endpoint string)
	Send(msg domain.AgentMessage) error
}

type AuditLog interface {
	LogDecision(ctx context.Context, entry domain.DecisionLog) error
}

type NopAudit struct{}

func (NopAudit) LogDecision(context.Context, domain.DecisionLog) error { return nil }

type Config struct {
	MaxReassignments int
	CapabilityTable  domain.CapabilityTable
	SigningKey       string
}

func (c Config) withDefaults() Config {
	if c.MaxReassignments <= 0 {
		c.MaxReassignments = 3
	}
	if c.CapabilityTable == nil {
		c.CapabilityTable = domain.DefaultCapabilityTable()
	}
	if c.SigningKey == "" {
		c.SigningKey = "tradeswarm"
	}
	return c
}

type Service struct {
	registry  Registry
	consensus Consensus
	bus       Bus
	audit     AuditLog
	emitter   *events.Emitter
	cfg       Config
	logger    *zap.Logger

	taskMu sync.RWMutex
	tasks  map[string]domain.Task

	wg sync.WaitGroup
}

func New(registry Registry, consensus Consensus, bus Bus, audit AuditLog, emitter *events.Emitter, cfg Config, logger *zap.Logger) *Service {
	cfg = cfg.withDefaults()
	if audit == nil {
		audit = NopAudit{}
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &Service{
		registry:  registry,
		consensus: consensus,
		bus:       bus,
		audit:     audit,
		emitter:   emitter,
		cfg:       cfg,
		logger:    logger,
		tasks:     make(map[string]domain.Task),
	}
	emitter.Subscribe(events.ConsensusResolved, func(ev events.Event) {
		if result, ok := ev.Payload.(domain.ConsensusResult); ok {
			s.HandleConsensus(context.Background(), result)
		}
	})
	return s
}

// Start runs the orchestrator inbox loop until ctx is canceled.
func (s *Service) Start(ctx context.Context) {
	ch := s.bus.Register(orchestratorEndpoint)
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		defer s.bus.Unregister(orchestratorEndpoint)
		for {
			select {
			case <-ctx.Done():
				return
			case msg, ok := <-ch:
				if !ok {
					return
				}
				s.HandleMessage(ctx, msg)
			}
		}
	}()
}

func (s *Service) Wait() {
	s.wg.Wait()
}

// SpawnAgent creates an agent of the given type with capabilities from the
// configured table and registers it with the registry.
func (s *Service) SpawnAgent(ctx context.Context, agentType domain.AgentType, name string) (domain.Agent, error) {
	capabilities, ok := s.cfg.CapabilityTable[agentType]
	if !ok {
		return domain.Agent{}, fmt.Errorf("%w: no capability table entry for type %q", domain.ErrInvalidAgent, agentType)
	}

	id := uuid.NewString()
	agent := domain.Agent{
		ID:            id,
		Name:          name,
		Type:          agentType,
		Capabilities:  append([]string(nil), capabilities...),
		Status:        domain.AgentStatusIdle,
		Wallet:        walletPlaceholder(id),
		Reputation:    100,
		LastHeartbeat: time.Now().UTC(),
		RegisteredAt:  time.Now().UTC(),
	}
	if err := s.registry.RegisterAgent(ctx, agent); err != nil {
		return domain.Agent{}, err
	}
	s.emitter.Emit(events.AgentSpawned, agent)
	s.logger.Info("agent spawned",
		zap.String("agent", agent.ID),
		zap.String("type", string(agentType)),
		zap.String("name", name))
	return agent, nil
}

// AssignTask stores the task and runs the assignment pipeline. With no
// eligible agents the task stays pending: a warning, not an error.
func (s *Service) AssignTask(ctx context.Context, task domain.Task) error {
	if task.ID == "" {
		task.ID = uuid.NewString()
	}
	if task.CreatedAt.IsZero() {
		task.CreatedAt = time.Now().UTC()
	}
	task.Status = domain.TaskStatusPending
	task.UpdatedAt = time.Now().UTC()

	s.taskMu.Lock()
	s.tasks[task.ID] = task
	s.taskMu.Unlock()

	return s.runAssignment(ctx, task)
}

func (s *Service) runAssignment(ctx context.Context, task domain.Task) error {
	eligible := s.registry.EligibleForTask(task)
	if len(eligible) == 0 {
		s.logger.Warn("no eligible agents, task left unassigned",
			zap.String("task", task.ID),
			zap.String("priority", task.Priority.String()))
		s.logDecision(ctx, "task_unassigned", "no eligible agents", map[string]any{"task_id": task.ID})
		return nil
	}

	if task.Priority == domain.PriorityCritical || len(eligible) > 1 {
		// Mark the task before requesting: the engine resolves asynchronously
		// and may approve (and assign) before RequestConsensus returns, so a
		// status write here afterwards would clobber the assignment.
		s.setTaskStatus(task.ID, domain.TaskStatusConsensusPending, "")
		if err := s.consensus.RequestConsensus(ctx, task, eligible); err != nil {
			s.setTaskStatus(task.ID, domain.TaskStatusPending, "")
			return fmt.Errorf("request consensus for task %s: %w", task.ID, err)
		}
		return nil
	}
	return s.directAssignment(ctx, task, eligible[0])
}

func (s *Service) directAssignment(ctx context.Context, task domain.Task, agent domain.Agent) error {
	if err := s.registry.UpdateAgentStatus(ctx, agent.ID, domain.AgentStatusExecuting); err != nil {
		return fmt.Errorf("mark agent executing: %w", err)
	}

	payload, err := json.Marshal(domain.ExecutionPayload{
		TaskID:   task.ID,
		Priority: task.Priority,
		Payload:  task.Payload,
	})
	if err != nil {
		return fmt.Errorf("marshal execution payload: %w", err)
	}
	msg := domain.AgentMessage{
		ID:        uuid.NewString(),
		From:      orchestratorEndpoint,
		To:        agent.ID,
		Type:      domain.MessageTypeExecution,
		Payload:   payload,
		Timestamp: time.Now().UTC(),
	}
	msg.Signature = s.sign(msg)

	if err := s.bus.Send(msg); err != nil {
		// The agent never saw the message; put it back in the pool.
		_ = s.registry.UpdateAgentStatus(ctx, agent.ID, domain.AgentStatusIdle)
		s.setTaskStatus(task.ID, domain.TaskStatusPending, "")
		return fmt.Errorf("send execution message to %s: %w", agent.ID, err)
	}

	s.setTaskStatus(task.ID, domain.TaskStatusExecuting, agent.ID)
	s.logDecision(ctx, "task_assigned", "execution message sent", map[string]any{
		"task_id":  task.ID,
		"agent_id": agent.ID,
		"priority": task.Priority.String(),
	})
	s.logger.Info("task assigned",
		zap.String("task", task.ID),
		zap.String("agent", agent.ID))
	return nil
}

// HandleConsensus applies an approval result: assign on approval, leave the
// task pending on rejection. No automatic retry after a rejection.
func (s *Service) HandleConsensus(ctx context.Context, result domain.ConsensusResult) {
	s.taskMu.RLock()
	task, exists := s.tasks[result.TaskID]
	s.taskMu.RUnlock()
	if !exists {
		return
	}

	if !result.Approved {
		s.setTaskStatus(task.ID, domain.TaskStatusPending, "")
		s.logDecision(ctx, "consensus_rejected", "quorum not reached", map[string]any{
			"task_id":  result.TaskID,
			"agent_id": result.AgentID,
		})
		s.logger.Warn("consensus rejected assignment",
			zap.String("task", result.TaskID),
			zap.String("agent", result.AgentID))
		return
	}

	agent, err := s.registry.GetAgent(result.AgentID)
	if err != nil {
		s.setTaskStatus(task.ID, domain.TaskStatusPending, "")
		s.logger.Error("consensus approved unknown agent",
			zap.String("task", result.TaskID),
			zap.String("agent", result.AgentID),
			zap.Error(err))
		return
	}
	if err := s.directAssignment(ctx, task, agent); err != nil {
		s.logger.Error("post-consensus assignment failed",
			zap.String("task", result.TaskID),
			zap.Error(err))
	}
}

// HandleMessage dispatches a bus message addressed to the orchestrator.
func (s *Service) HandleMessage(ctx context.Context, msg domain.AgentMessage) {
	switch msg.Type {
	case domain.MessageTypeRequest:
		s.handleRequest(ctx, msg)
	case domain.MessageTypeAlert:
		s.handleAlert(ctx, msg)
	case domain.MessageTypeCoordination:
		s.handleCoordination(ctx, msg)
	default:
		s.logger.Debug("unhandled message type",
			zap.String("type", string(msg.Type)),
			zap.String("from", msg.From))
	}
}

func (s *Service) handleRequest(ctx context.Context, msg domain.AgentMessage) {
	var req domain.RequestPayload
	if err := json.Unmarshal(msg.Payload, &req); err != nil {
		s.logger.Warn("bad REQUEST payload", zap.String("from", msg.From), zap.Error(err))
		return
	}

	resp := domain.ResponsePayload{RequestID: msg.ID}
	providers := s.registry.GetAgentsByCapability(req.Capability)
	for _, p := range providers {
		if p.ID == msg.From || p.Status != domain.AgentStatusIdle {
			continue
		}
		resp.Provider = p.ID
		resp.Found = true
		break
	}

	payload, _ := json.Marshal(resp)
	reply := domain.AgentMessage{
		ID:        uuid.NewString(),
		From:      orchestratorEndpoint,
		To:        msg.From,
		Type:      domain.MessageTypeResponse,
		Payload:   payload,
		Timestamp: time.Now().UTC(),
	}
	reply.Signature = s.sign(reply)
	if err := s.bus.Send(reply); err != nil {
		s.logger.Warn("send RESPONSE failed", zap.String("to", msg.From), zap.Error(err))
	}
}

func (s *Service) handleAlert(ctx context.Context, msg domain.AgentMessage) {
	var alert domain.AlertPayload
	if err := json.Unmarshal(msg.Payload, &alert); err != nil {
		s.logger.Warn("bad ALERT payload", zap.String("from", msg.From), zap.Error(err))
		return
	}

	s.logger.Warn("agent alert",
		zap.String("from", msg.From),
		zap.String("severity", string(alert.Severity)),
		zap.String("reason", alert.Reason))

	if alert.Severity != domain.SeverityCritical {
		return
	}
	s.PauseAllAgents(ctx)
	s.logDecision(ctx, "critical_alert", alert.Reason, map[string]any{"from": msg.From})
	s.emitter.Emit(events.CriticalAlert, alert)
}

func (s *Service) handleCoordination(ctx context.Context, msg domain.AgentMessage) {
	var coord domain.CoordinationPayload
	if err := json.Unmarshal(msg.Payload, &coord); err != nil {
		s.logger.Warn("bad COORDINATION payload", zap.String("from", msg.From), zap.Error(err))
		return
	}

	s.taskMu.RLock()
	task, exists := s.tasks[coord.TaskID]
	s.taskMu.RUnlock()
	if !exists {
		// Duplicate completion reports are a no-op.
		return
	}

	switch coord.Status {
	case domain.CoordinationCompleted:
		s.completeTask(ctx, task, msg.From)
	case domain.CoordinationFailed:
		s.reassignTask(ctx, task, msg.From, coord.Detail)
	default:
		s.logger.Debug("ignoring coordination status",
			zap.String("task", coord.TaskID),
			zap.String("status", string(coord.Status)))
	}
}

func (s *Service) completeTask(ctx context.Context, task domain.Task, agentID string) {
	s.taskMu.Lock()
	if _, exists := s.tasks[task.ID]; !exists {
		s.taskMu.Unlock()
		return
	}
	delete(s.tasks, task.ID)
	s.taskMu.Unlock()

	if err := s.registry.UpdateAgentStatus(ctx, agentID, domain.AgentStatusIdle); err != nil {
		s.logger.Warn("free agent after completion failed", zap.String("agent", agentID), zap.Error(err))
	}
	if _, err := s.registry.ApplyReputationDelta(ctx, agentID, 5); err != nil {
		s.logger.Warn("reward reputation failed", zap.String("agent", agentID), zap.Error(err))
	}

	task.Status = domain.TaskStatusCompleted
	s.logDecision(ctx, "task_completed", "coordination reported completion", map[string]any{
		"task_id":  task.ID,
		"agent_id": agentID,
	})
	s.emitter.Emit(events.TaskCompleted, task)
	s.logger.Info("task completed",
		zap.String("task", task.ID),
		zap.String("agent", agentID))
}

// reassignTask re-runs the assignment pipeline after a failure report, with
// a bounded retry count carried on the task. Exceeding the ceiling moves the
// task to dead_letter for manual review.
func (s *Service) reassignTask(ctx context.Context, task domain.Task, agentID, detail string) {
	if err := s.registry.UpdateAgentStatus(ctx, agentID, domain.AgentStatusIdle); err != nil {
		s.logger.Warn("free agent after failure failed", zap.String("agent", agentID), zap.Error(err))
	}
	if _, err := s.registry.ApplyReputationDelta(ctx, agentID, -10); err != nil {
		s.logger.Warn("penalize reputation failed", zap.String("agent", agentID), zap.Error(err))
	}

	s.taskMu.Lock()
	current, exists := s.tasks[task.ID]
	if !exists {
		s.taskMu.Unlock()
		return
	}
	current.Reassignments++
	current.AssignedAgent = ""
	current.UpdatedAt = time.Now().UTC()
	if current.Reassignments > s.cfg.MaxReassignments {
		current.Status = domain.TaskStatusDeadLetter
		s.tasks[task.ID] = current
		s.taskMu.Unlock()

		s.logDecision(ctx, "task_dead_lettered", "reassignment ceiling reached", map[string]any{
			"task_id":       task.ID,
			"reassignments": current.Reassignments,
			"last_error":    detail,
		})
		s.emitter.Emit(events.TaskDeadLettered, current)
		s.logger.Error("task dead-lettered",
			zap.String("task", task.ID),
			zap.Int("reassignments", current.Reassignments),
			zap.String("detail", detail))
		return
	}
	current.Status = domain.TaskStatusPending
	s.tasks[task.ID] = current
	s.taskMu.Unlock()

	s.logger.Warn("reassigning task",
		zap.String("task", task.ID),
		zap.String("failed_agent", agentID),
		zap.Int("attempt", current.Reassignments))
	if err := s.runAssignment(ctx, current); err != nil {
		s.logger.Error("reassignment failed", zap.String("task", task.ID), zap.Error(err))
	}
}

func (s *Service) UpdateAgentReputation(ctx context.Context, id string, delta int) (int, error) {
	return s.registry.ApplyReputationDelta(ctx, id, delta)
}

// PauseAllAgents transitions every non-stopped agent to paused. Used for
// critical-alert containment.
func (s *Service) PauseAllAgents(ctx context.Context) {
	s.bulkStatus(ctx, domain.AgentStatusPaused)
}

// StopAllAgents transitions every agent to stopped. Used at shutdown.
func (s *Service) StopAllAgents(ctx context.Context) {
	s.bulkStatus(ctx, domain.AgentStatusStopped)
}

func (s *Service) bulkStatus(ctx context.Context, status domain.AgentStatus) {
	for _, agent := range s.registry.GetAllAgents() {
		if agent.Status == domain.AgentStatusStopped {
			continue
		}
		if err := s.registry.UpdateAgentStatus(ctx, agent.ID, status); err != nil {
			s.logger.Warn("bulk status transition failed",
				zap.String("agent", agent.ID),
				zap.String("status", string(status)),
				zap.Error(err))
		}
	}
}

// Task returns a snapshot of one active task.
func (s *Service) Task(id string) (domain.Task, error) {
	s.taskMu.RLock()
	defer s.taskMu.RUnlock()
	task, exists := s.tasks[id]
	if !exists {
		return domain.Task{}, fmt.Errorf("%w: %s", domain.ErrTaskNotFound, id)
	}
	return task, nil
}

// Tasks returns a snapshot of the active task map, newest first.
func (s *Service) Tasks() []domain.Task {
	s.taskMu.RLock()
	defer s.taskMu.RUnlock()
	out := make([]domain.Task, 0, len(s.tasks))
	for _, t := range s.tasks {
		out = append(out, t)
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.After(out[j].CreatedAt)
		}
		return out[i].ID < out[j].ID
	})
	return out
}

func (s *Service) setTaskStatus(id string, status domain.TaskStatus, assignedAgent string) {
	s.taskMu.Lock()
	defer s.taskMu.Unlock()
	task, exists := s.tasks[id]
	if !exists {
		return
	}
	task.Status = status
	task.AssignedAgent = assignedAgent
	task.UpdatedAt = time.Now().UTC()
	s.tasks[id] = task
}

func (s *Service) sign(msg domain.AgentMessage) string {
	sum := sha256.Sum256([]byte(s.cfg.SigningKey + msg.From + msg.To + string(msg.Type) + string(msg.Payload)))
	return hex.EncodeToString(sum[:])
}

func (s *Service) logDecision(ctx context.Context, action, reason string, payload map[string]any) {
	data, err := json.Marshal(payload)
	if err != nil {
		data = []byte("{}")
	}
	if err := s.audit.LogDecision(ctx, domain.DecisionLog{
		Actor:   orchestratorEndpoint,
		Action:  action,
		Reason:  reason,
		Payload: data,
	}); err != nil {
		s.logger.Debug("audit log write failed", zap.String("action", action), zap.Error(err))
	}
}

func walletPlaceholder(id string) string {
	sum := sha256.Sum256([]byte("wallet:" + id))
	return "0x" + hex.EncodeToString(sum[:20])
}
