// Package agent provides the in-process runtime for a trading agent: it
// consumes EXECUTION messages from the bus, reports outcomes back to the
// orchestrator via COORDINATION messages, and feeds heartbeats into the
// registry. Protocol-specific trade execution lives outside this module; the
// runner's Execute hook is where an integration plugs in.
package agent

import (
	"context"
	"encoding/json"
	"math/rand"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"tradeswarm/internal/domain"
)

type MessageQueue interface {
	Register(endpoint string) <-chan domain.AgentMessage
	Unregister(endpoint string)
	Send(msg domain.AgentMessage) error
}

type HeartbeatSink interface {
	Heartbeat(ctx context.Context, hb domain.HeartbeatPayload) error
}

// Execute performs the actual work for one execution order and reports the
// outcome. The default implementation simulates instant success.
type Execute func(ctx context.Context, exec domain.ExecutionPayload) (domain.CoordinationStatus, string)

type Runner struct {
	agent             domain.Agent
	queue             MessageQueue
	sink              HeartbeatSink
	execute           Execute
	heartbeatInterval time.Duration
	logger            *zap.Logger

	completed atomic.Int64
	failed    atomic.Int64
}

type Option func(*Runner)

func WithExecute(fn Execute) Option {
	return func(r *Runner) { r.execute = fn }
}

func WithHeartbeatInterval(d time.Duration) Option {
	return func(r *Runner) { r.heartbeatInterval = d }
}

func NewRunner(agent domain.Agent, queue MessageQueue, sink HeartbeatSink, logger *zap.Logger, opts ...Option) *Runner {
	if logger == nil {
		logger = zap.NewNop()
	}
	r := &Runner{
		agent:             agent,
		queue:             queue,
		sink:              sink,
		execute:           simulateExecution,
		heartbeatInterval: 15 * time.Second,
		logger:            logger.With(zap.String("agent", agent.ID), zap.String("type", string(agent.Type))),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

func (r *Runner) Start(ctx context.Context) {
	ch := r.queue.Register(r.agent.ID)
	go func() {
		defer r.queue.Unregister(r.agent.ID)
		for {
			select {
			case <-ctx.Done():
				return
			case msg, ok := <-ch:
				if !ok {
					return
				}
				r.handleMessage(ctx, msg)
			}
		}
	}()
	go r.heartbeatLoop(ctx)
}

func (r *Runner) handleMessage(ctx context.Context, msg domain.AgentMessage) {
	switch msg.Type {
	case domain.MessageTypeExecution:
		var exec domain.ExecutionPayload
		if err := json.Unmarshal(msg.Payload, &exec); err != nil {
			r.logger.Warn("bad EXECUTION payload", zap.Error(err))
			return
		}
		status, detail := r.execute(ctx, exec)
		if status == domain.CoordinationCompleted {
			r.completed.Add(1)
		} else {
			r.failed.Add(1)
		}
		r.reportCoordination(exec.TaskID, status, detail)
	case domain.MessageTypeResponse:
		r.logger.Debug("provider response received", zap.String("from", msg.From))
	default:
		r.logger.Debug("ignoring message", zap.String("type", string(msg.Type)))
	}
}

func (r *Runner) reportCoordination(taskID string, status domain.CoordinationStatus, detail string) {
	payload, _ := json.Marshal(domain.CoordinationPayload{
		TaskID: taskID,
		Status: status,
		Detail: detail,
	})
	msg := domain.AgentMessage{
		ID:        uuid.NewString(),
		From:      r.agent.ID,
		To:        "orchestrator",
		Type:      domain.MessageTypeCoordination,
		Payload:   payload,
		Timestamp: time.Now().UTC(),
	}
	if err := r.queue.Send(msg); err != nil {
		r.logger.Warn("send coordination failed", zap.String("task", taskID), zap.Error(err))
	}
}

func (r *Runner) heartbeatLoop(ctx context.Context) {
	ticker := time.NewTicker(r.heartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.SendHeartbeat(ctx)
		}
	}
}

// SendHeartbeat pushes one liveness signal with current metrics.
func (r *Runner) SendHeartbeat(ctx context.Context) {
	completed := r.completed.Load()
	failed := r.failed.Load()
	total := completed + failed
	metrics := domain.PerformanceMetrics{
		Efficiency:     1,
		TasksCompleted: int(completed),
	}
	if total > 0 {
		metrics.ErrorRate = float64(failed) / float64(total)
		metrics.Efficiency = float64(completed) / float64(total)
	}
	hb := domain.HeartbeatPayload{
		AgentID: r.agent.ID,
		Metrics: metrics,
		SentAt:  time.Now().UTC(),
	}
	if err := r.sink.Heartbeat(ctx, hb); err != nil {
		r.logger.Warn("heartbeat rejected", zap.Error(err))
	}
}

func simulateExecution(ctx context.Context, _ domain.ExecutionPayload) (domain.CoordinationStatus, string) {
	select {
	case <-ctx.Done():
		return domain.CoordinationFailed, "canceled"
	case <-time.After(time.Duration(10+rand.Intn(40)) * time.Millisecond):
		return domain.CoordinationCompleted, "simulated execution"
	}
}
