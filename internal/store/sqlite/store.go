// Package sqlite persists registry state in an embedded database. Suited to
// single-process deployments; cross-process notification is handled by a
// separate notifier (or not at all).
package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"go.uber.org/zap"

	"tradeswarm/internal/domain"

	_ "modernc.org/sqlite"
)

const schema = `
CREATE TABLE IF NOT EXISTS agents (
	id TEXT PRIMARY KEY,
	name TEXT NOT NULL,
	type TEXT NOT NULL,
	capabilities TEXT NOT NULL,
	status TEXT NOT NULL,
	wallet TEXT NOT NULL DEFAULT '',
	reputation INTEGER NOT NULL DEFAULT 100,
	metrics TEXT NOT NULL DEFAULT '{}',
	last_heartbeat INTEGER NOT NULL,
	registered_at INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_agents_type ON agents(type);
CREATE INDEX IF NOT EXISTS idx_agents_status ON agents(status);

CREATE TABLE IF NOT EXISTS decision_log (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	actor TEXT NOT NULL,
	action TEXT NOT NULL,
	reason TEXT NOT NULL,
	payload TEXT NOT NULL,
	created_at INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_decision_log_created ON decision_log(created_at);
`

type Store struct {
	db     *sql.DB
	logger *zap.Logger
}

func Open(dbPath string, logger *zap.Logger) (*Store, error) {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}

	pragmas := []string{
		"PRAGMA journal_mode=WAL;",
		"PRAGMA synchronous=NORMAL;",
		"PRAGMA busy_timeout=5000;",
	}
	for _, stmt := range pragmas {
		if _, err := db.Exec(stmt); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("set sqlite pragma %q: %w", stmt, err)
		}
	}

	if logger == nil {
		logger = zap.NewNop()
	}
	return &Store{db: db, logger: logger}, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) Migrate(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("migrate schema: %w", err)
	}
	return nil
}

func (s *Store) SaveAgent(ctx context.Context, agent domain.Agent) error {
	capabilities, err := json.Marshal(agent.Capabilities)
	if err != nil {
		return fmt.Errorf("marshal capabilities: %w", err)
	}
	metrics, err := json.Marshal(agent.Metrics)
	if err != nil {
		return fmt.Errorf("marshal metrics: %w", err)
	}

	_, err = s.db.ExecContext(
		ctx,
		`INSERT INTO agents(
			id, name, type, capabilities, status, wallet, reputation, metrics, last_heartbeat, registered_at
		) VALUES(?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			name = excluded.name,
			type = excluded.type,
			capabilities = excluded.capabilities,
			status = excluded.status,
			wallet = excluded.wallet,
			reputation = excluded.reputation,
			metrics = excluded.metrics,
			last_heartbeat = excluded.last_heartbeat`,
		agent.ID, agent.Name, string(agent.Type), string(capabilities), string(agent.Status),
		agent.Wallet, agent.Reputation, string(metrics),
		agent.LastHeartbeat.UTC().Unix(), agent.RegisteredAt.UTC().Unix(),
	)
	if err != nil {
		return fmt.Errorf("save agent: %w", err)
	}
	return nil
}

func (s *Store) DeleteAgent(ctx context.Context, id string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM agents WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("delete agent: %w", err)
	}
	return nil
}

// LoadAgents returns every persisted agent. Rows that fail to decode are
// dropped and logged so a corrupted record cannot block startup.
func (s *Store) LoadAgents(ctx context.Context) ([]domain.Agent, error) {
	rows, err := s.db.QueryContext(
		ctx,
		`SELECT id, name, type, capabilities, status, wallet, reputation, metrics, last_heartbeat, registered_at
		FROM agents ORDER BY registered_at ASC, id ASC`,
	)
	if err != nil {
		return nil, fmt.Errorf("load agents: %w", err)
	}
	defer rows.Close()

	result := make([]domain.Agent, 0)
	for rows.Next() {
		var a domain.Agent
		var typ, status, capabilities, metrics string
		var lastHeartbeat, registeredAt int64
		if err := rows.Scan(
			&a.ID, &a.Name, &typ, &capabilities, &status, &a.Wallet, &a.Reputation,
			&metrics, &lastHeartbeat, &registeredAt,
		); err != nil {
			return nil, fmt.Errorf("scan agent: %w", err)
		}
		a.Type = domain.AgentType(typ)
		a.Status = domain.AgentStatus(status)
		a.LastHeartbeat = unixToTime(lastHeartbeat)
		a.RegisteredAt = unixToTime(registeredAt)
		if err := json.Unmarshal([]byte(capabilities), &a.Capabilities); err != nil {
			s.logger.Warn("dropping corrupted agent record", zap.String("agent", a.ID), zap.Error(err))
			continue
		}
		if err := json.Unmarshal([]byte(metrics), &a.Metrics); err != nil {
			s.logger.Warn("dropping corrupted agent record", zap.String("agent", a.ID), zap.Error(err))
			continue
		}
		if !domain.ValidAgentType(a.Type) || len(a.Capabilities) == 0 {
			s.logger.Warn("dropping corrupted agent record",
				zap.String("agent", a.ID), zap.String("type", typ))
			continue
		}
		result = append(result, a)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate agents: %w", err)
	}
	return result, nil
}

func (s *Store) LogDecision(ctx context.Context, entry domain.DecisionLog) error {
	payload := string(entry.Payload)
	if payload == "" {
		payload = "{}"
	}
	_, err := s.db.ExecContext(
		ctx,
		`INSERT INTO decision_log(actor, action, reason, payload, created_at)
		VALUES(?, ?, ?, ?, ?)`,
		entry.Actor, entry.Action, entry.Reason, payload, time.Now().UTC().Unix(),
	)
	if err != nil {
		return fmt.Errorf("log decision: %w", err)
	}
	return nil
}

func (s *Store) ListDecisions(ctx context.Context, limit int) ([]domain.DecisionLog, error) {
	if limit <= 0 {
		limit = 200
	}
	rows, err := s.db.QueryContext(
		ctx,
		`SELECT id, actor, action, reason, payload, created_at
		FROM decision_log ORDER BY created_at DESC, id DESC LIMIT ?`,
		limit,
	)
	if err != nil {
		return nil, fmt.Errorf("list decisions: %w", err)
	}
	defer rows.Close()

	result := make([]domain.DecisionLog, 0, limit)
	for rows.Next() {
		var item domain.DecisionLog
		var payload string
		var createdAt int64
		if err := rows.Scan(&item.ID, &item.Actor, &item.Action, &item.Reason, &payload, &createdAt); err != nil {
			return nil, fmt.Errorf("scan decision: %w", err)
		}
		item.Payload = []byte(payload)
		item.CreatedAt = unixToTime(createdAt)
		result = append(result, item)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate decisions: %w", err)
	}
	return result, nil
}

func unixToTime(v int64) time.Time {
	return time.Unix(v, 0).UTC()
}
