package models

import "testing"

func TestParseCommandToolCall(t *testing.T) {
	cmd, err := ParseCommand(`{"type":"tool_call","name":"weather.get","args":{"city":"Bremen"}}`)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cmd.Type != CmdToolCall || cmd.ToolName != "weather.get" {
		t.Fatalf("got %+v", cmd)
	}
}

func TestParseCommandToleratesSurroundingProse(t *testing.T) {
	text := "Sure thing, here is my next step:\n" +
		`{"type":"note","category":"plan","content":"1. check weather"}` + "\nthanks"
	cmd, err := ParseCommand(text)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cmd.Type != CmdNote || cmd.Category != NotePlan {
		t.Fatalf("got %+v", cmd)
	}
}

func TestParseCommandNormalizesAliasFields(t *testing.T) {
	cmd, err := ParseCommand(`{"type":"tool_call","tool":"weather.get","arguments":{"city":"Bremen"}}`)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cmd.ToolName != "weather.get" {
		t.Fatalf("expected alias \"tool\" to normalize to \"name\", got %+v", cmd)
	}
	if string(cmd.ToolArgs) != `{"city":"Bremen"}` {
		t.Fatalf("expected alias \"arguments\" to normalize to \"args\", got %s", cmd.ToolArgs)
	}
}

func TestParseCommandRejectsUnknownType(t *testing.T) {
	_, err := ParseCommand(`{"type":"frobnicate"}`)
	if err == nil {
		t.Fatal("expected error for unknown command type")
	}
}

func TestParseCommandRejectsMissingRequiredField(t *testing.T) {
	_, err := ParseCommand(`{"type":"spawn_subagent","subagent":{}}`)
	if err == nil {
		t.Fatal("expected error for missing subagent.task")
	}
}

func TestParseCommandRejectsNonJSON(t *testing.T) {
	_, err := ParseCommand("I don't know what to do next.")
	if err == nil {
		t.Fatal("expected error for non-JSON response")
	}
}

func TestParseCommandSleepVariants(t *testing.T) {
	for _, text := range []string{
		`{"type":"sleep","wake_at":"2026-08-01T00:00:00Z"}`,
		`{"type":"sleep","delay_seconds":30}`,
		`{"type":"sleep","cron":"0 * * * *"}`,
	} {
		if _, err := ParseCommand(text); err != nil {
			t.Errorf("unexpected error for %s: %v", text, err)
		}
	}
	if _, err := ParseCommand(`{"type":"sleep"}`); err == nil {
		t.Error("expected error for sleep with no wake spec")
	}
}
