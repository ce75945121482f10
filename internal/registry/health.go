package registry

import (
	"sync"

	"go.uber.org/zap"
)

// HealthMonitor tracks which agents are under liveness monitoring. It is
// deliberately separate from the registry's own timeout sweep so that an
// active-polling strategy can replace it without changing registry logic.
//
// StartMonitoring is idempotent; StopMonitoring on an unmonitored id is a
// no-op.
type HealthMonitor struct {
	mu        sync.RWMutex
	monitored map[string]struct{}
	logger    *zap.Logger
}

func NewHealthMonitor(logger *zap.Logger) *HealthMonitor {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &HealthMonitor{
		monitored: make(map[string]struct{}),
		logger:    logger,
	}
}

func (h *HealthMonitor) StartMonitoring(id string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.monitored[id]; ok {
		return
	}
	h.monitored[id] = struct{}{}
	h.logger.Debug("health monitoring started", zap.String("agent", id))
}

func (h *HealthMonitor) StopMonitoring(id string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.monitored[id]; !ok {
		return
	}
	delete(h.monitored, id)
	h.logger.Debug("health monitoring stopped", zap.String("agent", id))
}

func (h *HealthMonitor) IsMonitored(id string) bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	_, ok := h.monitored[id]
	return ok
}

func (h *HealthMonitor) MonitoredCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.monitored)
}
