package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"golang.org/x/sync/errgroup"

	"tradeswarm/internal/agent"
	"tradeswarm/internal/bus"
	"tradeswarm/internal/config"
	"tradeswarm/internal/consensus"
	"tradeswarm/internal/domain"
	"tradeswarm/internal/events"
	"tradeswarm/internal/metrics"
	"tradeswarm/internal/orchestrator"
	"tradeswarm/internal/registry"
	redisstore "tradeswarm/internal/store/redis"
	sqlitestore "tradeswarm/internal/store/sqlite"
)

type app struct {
	cfg          config.Config
	registry     *registry.Registry
	orchestrator *orchestrator.Service
	logger       *zap.Logger
}

func main() {
	configPath := flag.String("config", "", "path to config.toml")
	addrFlag := flag.String("addr", "", "http listen address override")
	driverFlag := flag.String("store", "", "store driver override (sqlite|redis)")
	demo := flag.Bool("demo", false, "spawn a demo roster and submit a sample task")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "load config: %v\n", err)
		os.Exit(1)
	}
	if *addrFlag != "" {
		cfg.Addr = *addrFlag
	}
	if *driverFlag != "" {
		cfg.Store.Driver = *driverFlag
	}

	logger, err := buildLogger(cfg.LogLevel)
	if err != nil {
		fmt.Fprintf(os.Stderr, "build logger: %v\n", err)
		os.Exit(1)
	}
	defer func() {
		_ = logger.Sync()
	}()

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	emitter := events.NewEmitter()
	collector := metrics.NewCollector("tradeswarm", prometheus.DefaultRegisterer)
	collector.Observe(emitter)

	var (
		store    registry.Store
		notifier registry.Notifier = registry.NopNotifier{}
		audit    orchestrator.AuditLog
	)
	switch cfg.Store.Driver {
	case "redis":
		rs, err := redisstore.Open(redisstore.Config{
			Addr:     cfg.Store.RedisAddr,
			Password: cfg.Store.RedisPassword,
			DB:       cfg.Store.RedisDB,
		}, logger)
		if err != nil {
			logger.Fatal("open redis store", zap.Error(err))
		}
		defer func() {
			_ = rs.Close()
		}()
		store = rs
		notifier = rs
	case "sqlite":
		if err := os.MkdirAll(filepath.Dir(cfg.Store.SQLitePath), 0o755); err != nil {
			logger.Fatal("create db directory", zap.Error(err))
		}
		ss, err := sqlitestore.Open(cfg.Store.SQLitePath, logger)
		if err != nil {
			logger.Fatal("open sqlite store", zap.Error(err))
		}
		defer func() {
			_ = ss.Close()
		}()
		if err := ss.Migrate(ctx); err != nil {
			logger.Fatal("migrate sqlite", zap.Error(err))
		}
		store = ss
		audit = ss
	default:
		logger.Fatal("unknown store driver", zap.String("driver", cfg.Store.Driver))
	}

	health := registry.NewHealthMonitor(logger)
	reg := registry.New(store, notifier, health, emitter, registry.Config{
		MaxAgents:        cfg.Registry.MaxAgents,
		HeartbeatTimeout: cfg.Registry.HeartbeatTimeout(),
		SweepInterval:    cfg.Registry.HealthCheckInterval(),
	}, logger)
	if err := reg.Load(ctx); err != nil {
		logger.Fatal("restore registry state", zap.Error(err))
	}

	engine, err := consensus.New(consensus.Config{
		Algorithm:    cfg.Consensus.Algorithm,
		QuorumSize:   cfg.Consensus.QuorumSize,
		Timeout:      cfg.Consensus.Timeout(),
		MaxProposals: cfg.Consensus.MaxProposals,
	}, emitter, logger)
	if err != nil {
		logger.Fatal("build consensus engine", zap.Error(err))
	}

	msgBus := bus.New(cfg.Orchestrator.BusBuffer)
	orch := orchestrator.New(reg, engine, msgBus, audit, emitter, orchestrator.Config{
		MaxReassignments: cfg.Orchestrator.MaxReassignments,
		CapabilityTable:  cfg.CapabilityTable(),
		SigningKey:       cfg.Orchestrator.SigningKey,
	}, logger)
	orch.Start(ctx)

	if *demo {
		bootstrapDemo(ctx, orch, reg, msgBus, logger)
	}

	a := &app{cfg: cfg, registry: reg, orchestrator: orch, logger: logger}
	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", a.handleHealth)
	mux.HandleFunc("/agents", a.handleAgents)
	mux.HandleFunc("/agents/", a.handleAgentByID)
	mux.HandleFunc("/tasks", a.handleTasks)
	mux.HandleFunc("/tasks/", a.handleTaskByID)
	mux.Handle("/metrics", promhttp.Handler())

	server := &http.Server{
		Addr:              cfg.Addr,
		Handler:           a.loggingMiddleware(mux),
		ReadHeaderTimeout: 5 * time.Second,
	}

	group, groupCtx := errgroup.WithContext(ctx)
	group.Go(func() error {
		reg.Run(groupCtx)
		return nil
	})
	group.Go(func() error {
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})
	group.Go(func() error {
		<-groupCtx.Done()
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer shutdownCancel()
		orch.StopAllAgents(shutdownCtx)
		return server.Shutdown(shutdownCtx)
	})

	logger.Info("tradeswarm orchestrator started",
		zap.String("addr", cfg.Addr),
		zap.String("store", cfg.Store.Driver))

	if err := group.Wait(); err != nil {
		logger.Fatal("orchestrator exited", zap.Error(err))
	}
}

func buildLogger(level string) (*zap.Logger, error) {
	lvl, err := zapcore.ParseLevel(level)
	if err != nil {
		lvl = zapcore.InfoLevel
	}
	cfg := zap.NewProductionConfig()
	cfg.Level = zap.NewAtomicLevelAt(lvl)
	return cfg.Build()
}

func bootstrapDemo(ctx context.Context, orch *orchestrator.Service, reg *registry.Registry, msgBus *bus.Bus, logger *zap.Logger) {
	roster := []struct {
		typ  domain.AgentType
		name string
	}{
		{domain.AgentTypePortfolio, "portfolio-1"},
		{domain.AgentTypeRisk, "risk-1"},
		{domain.AgentTypeArbitrage, "arb-1"},
		{domain.AgentTypeExecution, "exec-1"},
	}
	for _, entry := range roster {
		spawned, err := orch.SpawnAgent(ctx, entry.typ, entry.name)
		if err != nil {
			logger.Warn("demo spawn failed", zap.String("name", entry.name), zap.Error(err))
			continue
		}
		runner := agent.NewRunner(spawned, msgBus, reg, logger,
			agent.WithHeartbeatInterval(5*time.Second))
		runner.Start(ctx)
	}

	payload, _ := json.Marshal(map[string]any{"pair": "ETH/USDC", "action": "rebalance"})
	err := orch.AssignTask(ctx, domain.Task{
		RequiredAgents: []domain.AgentType{domain.AgentTypeRisk},
		Priority:       domain.PriorityNormal,
		Payload:        payload,
	})
	if err != nil {
		logger.Warn("demo task failed", zap.Error(err))
	}
}

func (a *app) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status": "ok",
		"time":   time.Now().UTC().Format(time.RFC3339),
	})
}

func (a *app) handleAgents(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		writeJSON(w, http.StatusOK, a.registry.GetAllAgents())
	case http.MethodPost:
		var req struct {
			Type domain.AgentType `json:"type"`
			Name string           `json:"name"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, http.StatusBadRequest, fmt.Errorf("invalid json body: %w", err))
			return
		}
		spawned, err := a.orchestrator.SpawnAgent(r.Context(), req.Type, req.Name)
		if err != nil {
			writeError(w, statusForError(err), err)
			return
		}
		writeJSON(w, http.StatusCreated, spawned)
	default:
		w.WriteHeader(http.StatusMethodNotAllowed)
	}
}

func (a *app) handleAgentByID(w http.ResponseWriter, r *http.Request) {
	id := strings.TrimPrefix(r.URL.Path, "/agents/")
	if id == "" {
		writeError(w, http.StatusBadRequest, fmt.Errorf("agent id is required"))
		return
	}
	switch r.Method {
	case http.MethodGet:
		found, err := a.registry.GetAgent(id)
		if err != nil {
			writeError(w, statusForError(err), err)
			return
		}
		writeJSON(w, http.StatusOK, found)
	case http.MethodDelete:
		if err := a.registry.DeregisterAgent(r.Context(), id); err != nil {
			writeError(w, statusForError(err), err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"status": "deregistered", "agent_id": id})
	default:
		w.WriteHeader(http.StatusMethodNotAllowed)
	}
}

func (a *app) handleTasks(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		writeJSON(w, http.StatusOK, a.orchestrator.Tasks())
	case http.MethodPost:
		var task domain.Task
		if err := json.NewDecoder(r.Body).Decode(&task); err != nil {
			writeError(w, http.StatusBadRequest, fmt.Errorf("invalid json body: %w", err))
			return
		}
		if len(task.RequiredAgents) == 0 {
			writeError(w, http.StatusBadRequest, fmt.Errorf("required_agents must not be empty"))
			return
		}
		if err := a.orchestrator.AssignTask(r.Context(), task); err != nil {
			writeError(w, statusForError(err), err)
			return
		}
		writeJSON(w, http.StatusAccepted, map[string]any{"status": "accepted"})
	default:
		w.WriteHeader(http.StatusMethodNotAllowed)
	}
}

func (a *app) handleTaskByID(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	id := strings.TrimPrefix(r.URL.Path, "/tasks/")
	task, err := a.orchestrator.Task(id)
	if err != nil {
		writeError(w, statusForError(err), err)
		return
	}
	writeJSON(w, http.StatusOK, task)
}

func (a *app) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		next.ServeHTTP(w, r)
		a.logger.Debug("http request",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Duration("elapsed", time.Since(start)))
	})
}

func statusForError(err error) int {
	switch {
	case errors.Is(err, domain.ErrAgentNotFound), errors.Is(err, domain.ErrTaskNotFound):
		return http.StatusNotFound
	case errors.Is(err, domain.ErrInvalidAgent):
		return http.StatusBadRequest
	case errors.Is(err, domain.ErrDuplicateAgent), errors.Is(err, domain.ErrProposalInProgress):
		return http.StatusConflict
	case errors.Is(err, domain.ErrRegistryFull), errors.Is(err, domain.ErrTooManyProposals):
		return http.StatusTooManyRequests
	default:
		return http.StatusInternalServerError
	}
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

func writeError(w http.ResponseWriter, status int, err error) {
	writeJSON(w, status, map[string]any{"error": err.Error()})
}
