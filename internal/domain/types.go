package domain

import (
	"encoding/json"
	"time"
)

type AgentType string

const (
	AgentTypePortfolio AgentType = "portfolio"
	AgentTypeArbitrage AgentType = "arbitrage"
	AgentTypeRisk      AgentType = "risk"
	AgentTypeExecution AgentType = "execution"
	AgentTypeAnalytics AgentType = "analytics"
	AgentTypePayment   AgentType = "payment"
	AgentTypeStrategy  AgentType = "strategy"
)

func ValidAgentType(t AgentType) bool {
	switch t {
	case AgentTypePortfolio, AgentTypeArbitrage, AgentTypeRisk, AgentTypeExecution,
		AgentTypeAnalytics, AgentTypePayment, AgentTypeStrategy:
		return true
	}
	return false
}

type AgentStatus string

const (
	AgentStatusIdle      AgentStatus = "idle"
	AgentStatusExecuting AgentStatus = "executing"
	AgentStatusPaused    AgentStatus = "paused"
	AgentStatusUnhealthy AgentStatus = "unhealthy"
	AgentStatusStopped   AgentStatus = "stopped"
)

type PerformanceMetrics struct {
	Efficiency     float64 `json:"efficiency"`
	ErrorRate      float64 `json:"error_rate"`
	AverageLatency float64 `json:"average_latency"`
	TasksCompleted int     `json:"tasks_completed"`
}

type Agent struct {
	ID            string             `json:"id"`
	Name          string             `json:"name"`
	Type          AgentType          `json:"type"`
	Capabilities  []string           `json:"capabilities"`
	Status        AgentStatus        `json:"status"`
	Wallet        string             `json:"wallet"`
	Reputation    int                `json:"reputation"`
	Metrics       PerformanceMetrics `json:"metrics"`
	LastHeartbeat time.Time          `json:"last_heartbeat"`
	RegisteredAt  time.Time          `json:"registered_at"`
}

func (a Agent) HasCapability(name string) bool {
	for _, c := range a.Capabilities {
		if c == name {
			return true
		}
	}
	return false
}

func (a Agent) HasCapabilities(required []string) bool {
	for _, c := range required {
		if !a.HasCapability(c) {
			return false
		}
	}
	return true
}

type TaskPriority int

const (
	PriorityLow TaskPriority = iota
	PriorityNormal
	PriorityHigh
	PriorityCritical
)

func (p TaskPriority) String() string {
	switch p {
	case PriorityLow:
		return "low"
	case PriorityHigh:
		return "high"
	case PriorityCritical:
		return "critical"
	default:
		return "normal"
	}
}

func (p TaskPriority) MarshalJSON() ([]byte, error) {
	return json.Marshal(p.String())
}

// UnmarshalJSON accepts either the string form ("critical") or the ordinal.
func (p *TaskPriority) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err == nil {
		switch s {
		case "low":
			*p = PriorityLow
		case "high":
			*p = PriorityHigh
		case "critical":
			*p = PriorityCritical
		default:
			*p = PriorityNormal
		}
		return nil
	}
	var n int
	if err := json.Unmarshal(data, &n); err != nil {
		return err
	}
	if n < int(PriorityLow) || n > int(PriorityCritical) {
		n = int(PriorityNormal)
	}
	*p = TaskPriority(n)
	return nil
}

type TaskStatus string

const (
	TaskStatusPending          TaskStatus = "pending"
	TaskStatusConsensusPending TaskStatus = "consensus_pending"
	TaskStatusExecuting        TaskStatus = "executing"
	TaskStatusCompleted        TaskStatus = "completed"
	TaskStatusDeadLetter       TaskStatus = "dead_letter"
)

type Task struct {
	ID             string          `json:"id"`
	RequiredAgents []AgentType     `json:"required_agents"`
	Priority       TaskPriority    `json:"priority"`
	Payload        json.RawMessage `json:"payload"`
	Status         TaskStatus      `json:"status"`
	AssignedAgent  string          `json:"assigned_agent,omitempty"`
	Reassignments  int             `json:"reassignments"`
	CreatedAt      time.Time       `json:"created_at"`
	UpdatedAt      time.Time       `json:"updated_at"`
}

func (t Task) Requires(agentType AgentType) bool {
	for _, r := range t.RequiredAgents {
		if r == agentType {
			return true
		}
	}
	return false
}

type MessageType string

const (
	MessageTypeRequest      MessageType = "REQUEST"
	MessageTypeResponse     MessageType = "RESPONSE"
	MessageTypeAlert        MessageType = "ALERT"
	MessageTypeCoordination MessageType = "COORDINATION"
	MessageTypeExecution    MessageType = "EXECUTION"
)

type AgentMessage struct {
	ID        string          `json:"id"`
	From      string          `json:"from"`
	To        string          `json:"to"`
	Type      MessageType     `json:"type"`
	Payload   json.RawMessage `json:"payload"`
	Timestamp time.Time       `json:"timestamp"`
	Signature string          `json:"signature"`
}

type AlertSeverity string

const (
	SeverityInfo     AlertSeverity = "INFO"
	SeverityWarning  AlertSeverity = "WARNING"
	SeverityCritical AlertSeverity = "CRITICAL"
)

type AlertPayload struct {
	Severity AlertSeverity `json:"severity"`
	Reason   string        `json:"reason"`
}

type ExecutionPayload struct {
	TaskID   string          `json:"task_id"`
	Priority TaskPriority    `json:"priority"`
	Payload  json.RawMessage `json:"payload,omitempty"`
}

type CoordinationStatus string

const (
	CoordinationCompleted CoordinationStatus = "completed"
	CoordinationFailed    CoordinationStatus = "failed"
)

type CoordinationPayload struct {
	TaskID string             `json:"task_id"`
	Status CoordinationStatus `json:"status"`
	Detail string             `json:"detail,omitempty"`
}

type RequestPayload struct {
	Capability string          `json:"capability"`
	Params     json.RawMessage `json:"params,omitempty"`
}

type ResponsePayload struct {
	RequestID string `json:"request_id"`
	Provider  string `json:"provider,omitempty"`
	Found     bool   `json:"found"`
}

type HeartbeatPayload struct {
	AgentID string             `json:"agent_id"`
	Metrics PerformanceMetrics `json:"metrics"`
	SentAt  time.Time          `json:"sent_at"`
}

// ConsensusResult is immutable once emitted by the consensus engine.
type ConsensusResult struct {
	TaskID   string `json:"task_id"`
	AgentID  string `json:"agent_id"`
	Approved bool   `json:"approved"`
}

// DecisionLog records a noteworthy orchestration decision for audit.
type DecisionLog struct {
	ID        int64           `json:"id"`
	Actor     string          `json:"actor"`
	Action    string          `json:"action"`
	Reason    string          `json:"reason"`
	Payload   json.RawMessage `json:"payload"`
	CreatedAt time.Time       `json:"created_at"`
}

// CapabilityTable maps an agent type to the capabilities a freshly spawned
// agent of that type starts with. Kept as data so a deployment can extend the
// roster without touching orchestration logic.
type CapabilityTable map[AgentType][]string

func DefaultCapabilityTable() CapabilityTable {
	return CapabilityTable{
		AgentTypePortfolio: {"portfolio_analysis", "rebalancing", "asset_allocation"},
		AgentTypeArbitrage: {"opportunity_detection", "cross_dex_arbitrage", "price_monitoring"},
		AgentTypeRisk:      {"risk_assessment", "exposure_monitoring", "liquidation_protection"},
		AgentTypeExecution: {"order_execution", "slippage_control", "gas_optimization"},
		AgentTypeAnalytics: {"market_analysis", "trend_detection", "reporting"},
		AgentTypePayment:   {"payment_routing", "settlement", "invoice_tracking"},
		AgentTypeStrategy:  {"strategy_backtesting", "signal_generation", "parameter_tuning"},
	}
}
