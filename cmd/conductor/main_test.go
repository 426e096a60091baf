package main

import "testing"

func TestBuildRootCmdIncludesSubcommands(t *testing.T) {
	cmd := buildRootCmd()
	names := map[string]bool{}
	for _, sub := range cmd.Commands() {
		names[sub.Name()] = true
	}

	required := []string{"worker", "migrate", "once"}
	for _, name := range required {
		if !names[name] {
			t.Fatalf("expected subcommand %q to be registered", name)
		}
	}
}

func TestBuildMigrateCmdIncludesSubcommands(t *testing.T) {
	cmd := buildMigrateCmd()
	names := map[string]bool{}
	for _, sub := range cmd.Commands() {
		names[sub.Name()] = true
	}

	for _, name := range []string{"up", "down", "status"} {
		if !names[name] {
			t.Fatalf("expected migrate subcommand %q to be registered", name)
		}
	}
}

func TestResolveConfigPathPrefersFlag(t *testing.T) {
	if got := resolveConfigPath("explicit.yaml"); got != "explicit.yaml" {
		t.Fatalf("resolveConfigPath(explicit) = %q, want explicit.yaml", got)
	}
}
