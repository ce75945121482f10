// Package events provides the in-process lifecycle event fan-out used by the
// orchestration core. Emission is synchronous and at-most-once: handlers
// subscribed at emit time run inline, later subscribers see nothing.
package events

import "sync"

type Name string

const (
	AgentRegistered          Name = "agentRegistered"
	AgentDeregistered        Name = "agentDeregistered"
	AgentStatusChanged       Name = "agentStatusChanged"
	AgentCapabilitiesUpdated Name = "agentCapabilitiesUpdated"
	AgentUnhealthy           Name = "agentUnhealthy"
	AgentRecovered           Name = "agentRecovered"
	AgentSpawned             Name = "agentSpawned"
	TaskCompleted            Name = "taskCompleted"
	TaskDeadLettered         Name = "taskDeadLettered"
	CriticalAlert            Name = "criticalAlert"
	ConsensusResolved        Name = "consensus"
)

type Event struct {
	Name    Name
	Payload any
}

type Handler func(Event)

type Emitter struct {
	mu       sync.RWMutex
	handlers map[Name][]Handler
	all      []Handler
}

func NewEmitter() *Emitter {
	return &Emitter{handlers: make(map[Name][]Handler)}
}

func (e *Emitter) Subscribe(name Name, h Handler) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.handlers[name] = append(e.handlers[name], h)
}

// SubscribeAll attaches a handler for every event name.
func (e *Emitter) SubscribeAll(h Handler) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.all = append(e.all, h)
}

func (e *Emitter) Emit(name Name, payload any) {
	e.mu.RLock()
	named := make([]Handler, len(e.handlers[name]))
	copy(named, e.handlers[name])
	all := make([]Handler, len(e.all))
	copy(all, e.all)
	e.mu.RUnlock()

	ev := Event{Name: name, Payload: payload}
	for _, h := range named {
		h(ev)
	}
	for _, h := range all {
		h(ev)
	}
}
