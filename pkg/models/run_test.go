package models

import "testing"

func TestRoleFor(t *testing.T) {
	cases := []struct {
		kind  RunKind
		level int
		want  Role
	}{
		{RunKindCoordinator, 0, RoleCoordinator},
		{RunKindSubagent, 1, RoleSubagent},
		{RunKindSubagent, 2, RoleSubsubagent},
		{RunKindSubagent, 3, RoleSubsubagent},
	}
	for _, c := range cases {
		if got := RoleFor(c.kind, c.level); got != c.want {
			t.Errorf("RoleFor(%s, %d) = %s, want %s", c.kind, c.level, got, c.want)
		}
	}
}

func TestRunStatusIsTerminal(t *testing.T) {
	terminal := []RunStatus{RunStatusCompleted, RunStatusFailed, RunStatusCancelled}
	for _, s := range terminal {
		if !s.IsTerminal() {
			t.Errorf("%s should be terminal", s)
		}
	}
	nonTerminal := []RunStatus{RunStatusPending, RunStatusRunning, RunStatusWaiting}
	for _, s := range nonTerminal {
		if s.IsTerminal() {
			t.Errorf("%s should not be terminal", s)
		}
	}
}

func TestRunCanSpawn(t *testing.T) {
	r := &Run{InputJSON: RunInput{AgentLevel: 1}}
	if !r.CanSpawn() {
		t.Error("agentLevel 1 should be able to spawn")
	}
	r.InputJSON.AgentLevel = 2
	if r.CanSpawn() {
		t.Error("agentLevel 2 must never spawn")
	}
}

func TestIsCoordinator(t *testing.T) {
	r := &Run{Kind: RunKindCoordinator, ParentRunID: ""}
	if !r.IsCoordinator() {
		t.Error("expected coordinator")
	}
	r.ParentRunID = "parent-1"
	if r.IsCoordinator() {
		t.Error("a run with a parent is never a coordinator")
	}
}
