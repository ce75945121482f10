package registry

import "testing"

func TestHealthMonitorIdempotent(t *testing.T) {
	hm := NewHealthMonitor(nil)

	hm.StartMonitoring("a1")
	hm.StartMonitoring("a1")
	if !hm.IsMonitored("a1") {
		t.Fatalf("a1 should be monitored")
	}
	if got := hm.MonitoredCount(); got != 1 {
		t.Fatalf("count = %d, want 1", got)
	}

	hm.StopMonitoring("a1")
	hm.StopMonitoring("a1")
	if hm.IsMonitored("a1") {
		t.Fatalf("a1 should no longer be monitored")
	}

	// Stopping an unknown agent is a no-op.
	hm.StopMonitoring("ghost")
	if got := hm.MonitoredCount(); got != 0 {
		t.Fatalf("count = %d, want 0", got)
	}
}
