package events

import "testing"

func TestEmitDispatchesToNamedHandlers(t *testing.T) {
	e := NewEmitter()

	var got []any
	e.Subscribe(TaskCompleted, func(ev Event) { got = append(got, ev.Payload) })
	e.Subscribe(TaskDeadLettered, func(ev Event) { t.Fatalf("wrong handler fired: %v", ev) })

	e.Emit(TaskCompleted, "t1")
	e.Emit(TaskCompleted, "t2")

	if len(got) != 2 || got[0] != "t1" || got[1] != "t2" {
		t.Fatalf("payloads = %v", got)
	}
}

func TestSubscribeAllSeesEveryEvent(t *testing.T) {
	e := NewEmitter()

	var names []Name
	e.SubscribeAll(func(ev Event) { names = append(names, ev.Name) })

	e.Emit(AgentRegistered, nil)
	e.Emit(CriticalAlert, nil)

	if len(names) != 2 || names[0] != AgentRegistered || names[1] != CriticalAlert {
		t.Fatalf("names = %v", names)
	}
}

func TestLateSubscriberSeesNothing(t *testing.T) {
	e := NewEmitter()
	e.Emit(AgentRegistered, nil)

	fired := false
	e.Subscribe(AgentRegistered, func(Event) { fired = true })
	if fired {
		t.Fatalf("handler fired for event emitted before subscription")
	}
}
