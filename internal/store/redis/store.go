// Package redis persists registry state in Redis and publishes registry
// notifications over Redis pub/sub, so multiple orchestrator processes can
// coordinate.
package redis

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"tradeswarm/internal/domain"
)

const (
	agentKeyPrefix = "tradeswarm:agent:"
	agentIndexKey  = "tradeswarm:agents"
	typeSetPrefix  = "tradeswarm:agents:type:"
)

type Config struct {
	Addr     string
	Password string
	DB       int
}

type Store struct {
	client *redis.Client
	logger *zap.Logger
}

func Open(cfg Config, logger *zap.Logger) (*Store, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("connect to redis: %w", err)
	}

	if logger == nil {
		logger = zap.NewNop()
	}
	return &Store{client: client, logger: logger}, nil
}

// NewWithClient wraps an existing client; used by tests backed by miniredis.
func NewWithClient(client *redis.Client, logger *zap.Logger) *Store {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Store{client: client, logger: logger}
}

func (s *Store) Close() error {
	return s.client.Close()
}

func (s *Store) SaveAgent(ctx context.Context, agent domain.Agent) error {
	data, err := json.Marshal(agent)
	if err != nil {
		return fmt.Errorf("marshal agent: %w", err)
	}

	pipe := s.client.TxPipeline()
	pipe.Set(ctx, agentKeyPrefix+agent.ID, data, 0)
	pipe.SAdd(ctx, agentIndexKey, agent.ID)
	pipe.SAdd(ctx, typeSetPrefix+string(agent.Type), agent.ID)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("save agent: %w", err)
	}
	return nil
}

func (s *Store) DeleteAgent(ctx context.Context, id string) error {
	raw, err := s.client.Get(ctx, agentKeyPrefix+id).Result()
	if err == redis.Nil {
		return nil
	}
	if err != nil {
		return fmt.Errorf("get agent for delete: %w", err)
	}
	var agent domain.Agent
	typeKnown := json.Unmarshal([]byte(raw), &agent) == nil

	pipe := s.client.TxPipeline()
	pipe.Del(ctx, agentKeyPrefix+id)
	pipe.SRem(ctx, agentIndexKey, id)
	if typeKnown {
		pipe.SRem(ctx, typeSetPrefix+string(agent.Type), id)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("delete agent: %w", err)
	}
	return nil
}

// LoadAgents reads back the whole roster. Entries that fail to decode are
// dropped and logged so one corrupted key cannot block startup.
func (s *Store) LoadAgents(ctx context.Context) ([]domain.Agent, error) {
	ids, err := s.client.SMembers(ctx, agentIndexKey).Result()
	if err != nil {
		return nil, fmt.Errorf("list agent ids: %w", err)
	}

	result := make([]domain.Agent, 0, len(ids))
	for _, id := range ids {
		raw, err := s.client.Get(ctx, agentKeyPrefix+id).Result()
		if err == redis.Nil {
			s.logger.Warn("agent id indexed but record missing", zap.String("agent", id))
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("get agent %s: %w", id, err)
		}
		var agent domain.Agent
		if err := json.Unmarshal([]byte(raw), &agent); err != nil {
			s.logger.Warn("dropping corrupted agent record", zap.String("agent", id), zap.Error(err))
			continue
		}
		if !domain.ValidAgentType(agent.Type) || len(agent.Capabilities) == 0 {
			s.logger.Warn("dropping corrupted agent record",
				zap.String("agent", id), zap.String("type", string(agent.Type)))
			continue
		}
		result = append(result, agent)
	}
	// SMEMBERS order is arbitrary; restore registration order.
	sort.Slice(result, func(i, j int) bool {
		if !result[i].RegisteredAt.Equal(result[j].RegisteredAt) {
			return result[i].RegisteredAt.Before(result[j].RegisteredAt)
		}
		return result[i].ID < result[j].ID
	})
	return result, nil
}

// Publish implements registry.Notifier over Redis pub/sub.
func (s *Store) Publish(ctx context.Context, topic string, payload any) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal notification: %w", err)
	}
	if err := s.client.Publish(ctx, topic, data).Err(); err != nil {
		return fmt.Errorf("publish %s: %w", topic, err)
	}
	return nil
}
