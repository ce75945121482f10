package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/BurntSushi/toml"

	"tradeswarm/internal/domain"
)

type Config struct {
	Addr         string             `toml:"addr"`
	LogLevel     string             `toml:"log_level"`
	Store        StoreConfig        `toml:"store"`
	Registry     RegistryConfig     `toml:"registry"`
	Consensus    ConsensusConfig    `toml:"consensus"`
	Orchestrator OrchestratorConfig `toml:"orchestrator"`
	// Capabilities extends or overrides the built-in type-to-capability table.
	Capabilities map[string][]string `toml:"capabilities"`
	Path         string              `toml:"-"`
}

type StoreConfig struct {
	// Driver selects the persistence backend: "sqlite" or "redis".
	Driver        string `toml:"driver"`
	SQLitePath    string `toml:"sqlite_path"`
	RedisAddr     string `toml:"redis_addr"`
	RedisPassword string `toml:"redis_password"`
	RedisDB       int    `toml:"redis_db"`
}

type RegistryConfig struct {
	MaxAgents             int `toml:"max_agents"`
	HeartbeatTimeoutMS    int `toml:"heartbeat_timeout_ms"`
	HealthCheckIntervalMS int `toml:"health_check_interval_ms"`
}

type ConsensusConfig struct {
	Algorithm    string `toml:"algorithm"`
	QuorumSize   int    `toml:"quorum_size"`
	TimeoutMS    int    `toml:"timeout_ms"`
	MaxProposals int    `toml:"max_proposals"`
}

type OrchestratorConfig struct {
	MaxReassignments int    `toml:"max_reassignments"`
	SigningKey       string `toml:"signing_key"`
	BusBuffer        int    `toml:"bus_buffer"`
}

// Load reads a TOML config. A missing path yields defaults rather than an
// error so the binary runs with zero configuration.
func Load(path string) (Config, error) {
	cfg := Default()
	if path == "" {
		return cfg, nil
	}

	resolved := path
	if strings.HasPrefix(resolved, "~") {
		home, err := os.UserHomeDir()
		if err != nil {
			return Config{}, fmt.Errorf("resolve home directory: %w", err)
		}
		trimmed := strings.TrimPrefix(resolved, "~")
		trimmed = strings.TrimPrefix(trimmed, "/")
		resolved = filepath.Join(home, trimmed)
	}
	resolved = filepath.Clean(resolved)

	bytes, err := os.ReadFile(resolved)
	if err != nil {
		return Config{}, fmt.Errorf("read config file %s: %w", resolved, err)
	}
	if _, err := toml.Decode(string(bytes), &cfg); err != nil {
		return Config{}, fmt.Errorf("decode config file: %w", err)
	}
	cfg.Path = resolved
	return cfg, nil
}

func Default() Config {
	return Config{
		Addr:     ":8090",
		LogLevel: "info",
		Store: StoreConfig{
			Driver:     "sqlite",
			SQLitePath: "data/tradeswarm.db",
			RedisAddr:  "localhost:6379",
		},
		Registry: RegistryConfig{
			MaxAgents:             50,
			HeartbeatTimeoutMS:    60000,
			HealthCheckIntervalMS: 10000,
		},
		Consensus: ConsensusConfig{
			Algorithm:    "quorum",
			QuorumSize:   2,
			TimeoutMS:    5000,
			MaxProposals: 32,
		},
		Orchestrator: OrchestratorConfig{
			MaxReassignments: 3,
			BusBuffer:        256,
		},
	}
}

// CapabilityTable merges the configured overrides onto the built-in table.
func (c Config) CapabilityTable() domain.CapabilityTable {
	table := domain.DefaultCapabilityTable()
	for typ, caps := range c.Capabilities {
		if len(caps) == 0 {
			continue
		}
		table[domain.AgentType(typ)] = append([]string(nil), caps...)
	}
	return table
}

func (c RegistryConfig) HeartbeatTimeout() time.Duration {
	return time.Duration(c.HeartbeatTimeoutMS) * time.Millisecond
}

func (c RegistryConfig) HealthCheckInterval() time.Duration {
	return time.Duration(c.HealthCheckIntervalMS) * time.Millisecond
}

func (c ConsensusConfig) Timeout() time.Duration {
	return time.Duration(c.TimeoutMS) * time.Millisecond
}
