package policy

import (
	"testing"
)

func TestResolverEdgePattern(t *testing.T) {
	r := NewResolver()

	// Register edge tools
	r.RegisterEdgeServer("sensor", []string{"temperature", "humidity", "battery"})

	tests := []struct {
		name    string
		policy  *Policy
		tool    string
		allowed bool
		reason  string
	}{
		{
			name:    "edge tool allowed by wildcard",
			policy:  NewPolicy(ProfileMinimal).WithAllow("edge:sensor.*"),
			tool:    "edge:sensor.temperature",
			allowed: true,
			reason:  "allowed by rule: edge:sensor.temperature", // Expanded from wildcard
		},
		{
			name:    "edge tool allowed by exact match",
			policy:  NewPolicy(ProfileMinimal).WithAllow("edge:sensor.temperature"),
			tool:    "edge:sensor.temperature",
			allowed: true,
			reason:  "allowed by rule: edge:sensor.temperature",
		},
		{
			name:    "edge tool denied by wildcard",
			policy:  NewPolicy(ProfileFull).WithDeny("edge:*"),
			tool:    "edge:sensor.temperature",
			allowed: false,
			reason:  "denied by rule: edge:*",
		},
		{
			name:    "edge tool denied by server wildcard",
			policy:  NewPolicy(ProfileFull).WithDeny("edge:sensor.*"),
			tool:    "edge:sensor.humidity",
			allowed: false,
			reason:  "denied by rule: edge:sensor.humidity", // Expanded from wildcard
		},
		{
			name:    "edge tool not allowed when not in allow list",
			policy:  NewPolicy(ProfileMinimal),
			tool:    "edge:sensor.temperature",
			allowed: false,
			reason:  "no matching allow rule",
		},
		{
			name:    "edge tool allowed by full profile",
			policy:  NewPolicy(ProfileFull),
			tool:    "edge:sensor.temperature",
			allowed: true,
			reason:  "allowed by profile full",
		},
		{
			name:    "all edge tools allowed",
			policy:  NewPolicy(ProfileMinimal).WithAllow("edge:*"),
			tool:    "edge:sensor.battery",
			allowed: true,
			reason:  "allowed by rule: edge:*",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			decision := r.Decide(tt.policy, tt.tool)
			if decision.Allowed != tt.allowed {
				t.Errorf("expected allowed=%v, got %v (reason: %s)", tt.allowed, decision.Allowed, decision.Reason)
			}
			if decision.Reason != tt.reason {
				t.Errorf("expected reason %q, got %q", tt.reason, decision.Reason)
			}
		})
	}
}

func TestResolverExpandEdgeGroups(t *testing.T) {
	r := NewResolver()

	// Register edge server
	r.RegisterEdgeServer("gateway", []string{"ping", "reset", "status"})

	// Test wildcard expansion
	expanded := r.ExpandGroups([]string{"edge:gateway.*"})
	if len(expanded) != 3 {
		t.Errorf("expected 3 tools, got %d: %v", len(expanded), expanded)
	}

	// Verify canonical names
	expected := map[string]bool{
		"edge:gateway.ping":   true,
		"edge:gateway.reset":  true,
		"edge:gateway.status": true,
	}
	for _, tool := range expanded {
		if !expected[tool] {
			t.Errorf("unexpected tool in expansion: %s", tool)
		}
	}
}

func TestResolverEdgeProviderKey(t *testing.T) {
	tests := []struct {
		tool     string
		expected string
	}{
		{"edge:sensor.temperature", "edge:sensor"},
		{"edge:gateway.reset", "edge:gateway"},
		{"edge:", "edge"},
		{"mcp:fs.read", "mcp:fs"},
		{"weather", "conductor"},
	}

	for _, tt := range tests {
		t.Run(tt.tool, func(t *testing.T) {
			got := toolProviderKey(tt.tool)
			if got != tt.expected {
				t.Errorf("toolProviderKey(%s) = %s, want %s", tt.tool, got, tt.expected)
			}
		})
	}
}

func TestMatchToolPattern(t *testing.T) {
	tests := []struct {
		pattern  string
		tool     string
		expected bool
	}{
		// Universal wildcard
		{"*", "anything", true},
		{"*", "mcp:fs.read", true},
		{"*", "edge:sensor.temperature", true},

		// Source wildcards
		{"mcp:*", "mcp:fs.read", true},
		{"mcp:*", "edge:sensor.temperature", false},
		{"edge:*", "edge:sensor.temperature", true},
		{"edge:*", "mcp:fs.read", false},
		{"core.*", "core.weather", true},
		{"core.*", "weather", true}, // Unqualified = core
		{"core.*", "mcp:fs.read", false},

		// Namespace wildcards
		{"mcp:fs.*", "mcp:fs.read", true},
		{"mcp:fs.*", "mcp:fs.write", true},
		{"mcp:fs.*", "mcp:git.commit", false},
		{"edge:sensor.*", "edge:sensor.temperature", true},
		{"edge:sensor.*", "edge:gateway.temperature", false},

		// Exact matches
		{"mcp:fs.read", "mcp:fs.read", true},
		{"mcp:fs.read", "mcp:fs.write", false},
		{"edge:sensor.temperature", "edge:sensor.temperature", true},
		{"edge:sensor.temperature", "edge:sensor.humidity", false},
	}

	for _, tt := range tests {
		t.Run(tt.pattern+"_"+tt.tool, func(t *testing.T) {
			if got := matchToolPattern(tt.pattern, tt.tool); got != tt.expected {
				t.Errorf("matchToolPattern(%s, %s) = %v, want %v", tt.pattern, tt.tool, got, tt.expected)
			}
		})
	}
}

func TestPolicyBuilderEdge(t *testing.T) {
	// Test that policy can be used with edge tools
	policy := NewPolicy(ProfileMinimal).
		WithAllow("mcp:filesystem.*", "weather", "edge:sensor.*")

	r := NewResolver()
	r.RegisterEdgeServer("sensor", []string{"temperature"})

	if !r.IsAllowed(policy, "edge:sensor.temperature") {
		t.Error("expected edge tool to be allowed")
	}
}

func TestResolverUnregisterEdge(t *testing.T) {
	r := NewResolver()

	// Register
	r.RegisterEdgeServer("device", []string{"tool1", "tool2"})

	// Verify group exists
	if _, ok := r.groups["edge:device"]; !ok {
		t.Error("expected edge group to exist")
	}

	// Unregister
	r.UnregisterEdgeServer("device")

	// Verify group is gone
	if _, ok := r.groups["edge:device"]; ok {
		t.Error("expected edge group to be removed")
	}
}
