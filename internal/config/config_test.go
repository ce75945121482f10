package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"tradeswarm/internal/domain"
)

func TestLoadEmptyPathReturnsDefaults(t *testing.T) {
	cfg, err := Load("")
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Addr != ":8090" {
		t.Fatalf("addr = %s", cfg.Addr)
	}
	if cfg.Store.Driver != "sqlite" {
		t.Fatalf("driver = %s", cfg.Store.Driver)
	}
	if cfg.Registry.HeartbeatTimeout() != 60*time.Second {
		t.Fatalf("heartbeat timeout = %s", cfg.Registry.HeartbeatTimeout())
	}
	if cfg.Consensus.Timeout() != 5*time.Second {
		t.Fatalf("consensus timeout = %s", cfg.Consensus.Timeout())
	}
}

func TestLoadFile(t *testing.T) {
	content := `
addr = ":9999"
log_level = "debug"

[store]
driver = "redis"
redis_addr = "redis.internal:6379"
redis_db = 3

[registry]
max_agents = 10
heartbeat_timeout_ms = 2000

[consensus]
quorum_size = 3
timeout_ms = 750

[orchestrator]
max_reassignments = 5
signing_key = "secret"

[capabilities]
risk = ["custom_risk"]
`
	path := filepath.Join(t.TempDir(), "config.toml")
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Addr != ":9999" || cfg.LogLevel != "debug" {
		t.Fatalf("top-level fields: %+v", cfg)
	}
	if cfg.Store.Driver != "redis" || cfg.Store.RedisAddr != "redis.internal:6379" || cfg.Store.RedisDB != 3 {
		t.Fatalf("store: %+v", cfg.Store)
	}
	if cfg.Registry.MaxAgents != 10 || cfg.Registry.HeartbeatTimeout() != 2*time.Second {
		t.Fatalf("registry: %+v", cfg.Registry)
	}
	// Unset fields keep their defaults.
	if cfg.Registry.HealthCheckInterval() != 10*time.Second {
		t.Fatalf("health interval = %s", cfg.Registry.HealthCheckInterval())
	}
	if cfg.Consensus.QuorumSize != 3 || cfg.Consensus.Timeout() != 750*time.Millisecond {
		t.Fatalf("consensus: %+v", cfg.Consensus)
	}
	if cfg.Orchestrator.MaxReassignments != 5 || cfg.Orchestrator.SigningKey != "secret" {
		t.Fatalf("orchestrator: %+v", cfg.Orchestrator)
	}
	if cfg.Path != path {
		t.Fatalf("path = %s", cfg.Path)
	}
}

func TestLoadMissingFile(t *testing.T) {
	if _, err := Load(filepath.Join(t.TempDir(), "absent.toml")); err == nil {
		t.Fatalf("expected error for missing file")
	}
}

func TestCapabilityTableMergesOverrides(t *testing.T) {
	cfg := Default()
	cfg.Capabilities = map[string][]string{
		"risk":    {"custom_risk"},
		"payment": {},
	}

	table := cfg.CapabilityTable()
	if got := table[domain.AgentTypeRisk]; len(got) != 1 || got[0] != "custom_risk" {
		t.Fatalf("risk capabilities = %v", got)
	}
	// An empty override is ignored; the built-in entry survives.
	if got := table[domain.AgentTypePayment]; len(got) == 0 {
		t.Fatalf("payment capabilities should keep defaults, got %v", got)
	}
	// Untouched entries come from the built-in table.
	if got := table[domain.AgentTypeExecution]; len(got) == 0 {
		t.Fatalf("execution capabilities missing")
	}
}
