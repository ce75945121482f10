package domain

import (
	"encoding/json"
	"testing"
)

func TestTaskPriorityJSON(t *testing.T) {
	out, err := json.Marshal(PriorityCritical)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	if string(out) != `"critical"` {
		t.Fatalf("marshal = %s", out)
	}

	cases := []struct {
		in   string
		want TaskPriority
	}{
		{`"critical"`, PriorityCritical},
		{`"low"`, PriorityLow},
		{`"anything"`, PriorityNormal},
		{`3`, PriorityCritical},
		{`0`, PriorityLow},
		{`42`, PriorityNormal},
	}
	for _, tc := range cases {
		var p TaskPriority
		if err := json.Unmarshal([]byte(tc.in), &p); err != nil {
			t.Fatalf("unmarshal %s: %v", tc.in, err)
		}
		if p != tc.want {
			t.Fatalf("unmarshal %s = %v, want %v", tc.in, p, tc.want)
		}
	}
}

func TestAgentCapabilities(t *testing.T) {
	a := Agent{Capabilities: []string{"risk_assessment", "exposure_monitoring"}}
	if !a.HasCapability("risk_assessment") {
		t.Fatalf("missing capability")
	}
	if a.HasCapability("settlement") {
		t.Fatalf("unexpected capability")
	}
	if !a.HasCapabilities([]string{"risk_assessment", "exposure_monitoring"}) {
		t.Fatalf("HasCapabilities false for full set")
	}
	if a.HasCapabilities([]string{"risk_assessment", "settlement"}) {
		t.Fatalf("HasCapabilities true with missing entry")
	}
	if !a.HasCapabilities(nil) {
		t.Fatalf("empty requirement should always hold")
	}
}

func TestTaskRequires(t *testing.T) {
	task := Task{RequiredAgents: []AgentType{AgentTypeRisk, AgentTypeExecution}}
	if !task.Requires(AgentTypeRisk) {
		t.Fatalf("risk should be required")
	}
	if task.Requires(AgentTypePayment) {
		t.Fatalf("payment should not be required")
	}
}

func TestValidAgentType(t *testing.T) {
	for _, typ := range []AgentType{
		AgentTypePortfolio, AgentTypeArbitrage, AgentTypeRisk, AgentTypeExecution,
		AgentTypeAnalytics, AgentTypePayment, AgentTypeStrategy,
	} {
		if !ValidAgentType(typ) {
			t.Fatalf("%s should be valid", typ)
		}
	}
	if ValidAgentType("quant") {
		t.Fatalf("quant should be invalid")
	}
	if ValidAgentType("") {
		t.Fatalf("empty type should be invalid")
	}
}

func TestDefaultCapabilityTableCoversAllTypes(t *testing.T) {
	table := DefaultCapabilityTable()
	for _, typ := range []AgentType{
		AgentTypePortfolio, AgentTypeArbitrage, AgentTypeRisk, AgentTypeExecution,
		AgentTypeAnalytics, AgentTypePayment, AgentTypeStrategy,
	} {
		if len(table[typ]) == 0 {
			t.Fatalf("no capabilities for %s", typ)
		}
	}
}
