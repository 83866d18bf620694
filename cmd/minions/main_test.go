package main

import (
	"slices"
	"testing"
)

func TestParseGlobalFlags(t *testing.T) {
	global, args, err := parseGlobalFlags([]string{
		"--config", "minions.yaml", "--profile=dev", "--set", "llm.provider=mock", "--json", "run", "--recipe", "r.yaml",
	})
	if err != nil {
		t.Fatalf("parseGlobalFlags: %v", err)
	}
	if global.ConfigPath != "minions.yaml" || global.Profile != "dev" || !global.JSON {
		t.Fatalf("unexpected globals %+v", global)
	}
	wantConfig := []string{"--config", "minions.yaml", "--profile=dev", "--set", "llm.provider=mock"}
	if !slices.Equal(global.ConfigArgs, wantConfig) {
		t.Fatalf("config args = %v", global.ConfigArgs)
	}
	if !slices.Equal(args, []string{"run", "--recipe", "r.yaml"}) {
		t.Fatalf("args = %v", args)
	}
}

func TestParseGlobalFlagsEdgeCases(t *testing.T) {
	global, args, err := parseGlobalFlags([]string{"--env", "prod", "--", "--weird"})
	if err != nil || global.Profile != "prod" || !slices.Equal(args, []string{"--weird"}) {
		t.Fatalf("unexpected %+v %v %v", global, args, err)
	}

	global, _, err = parseGlobalFlags([]string{"-h", "run"})
	if err != nil || !global.Help {
		t.Fatalf("expected help, got %+v %v", global, err)
	}

	if _, _, err := parseGlobalFlags([]string{"--config"}); err == nil {
		t.Fatalf("expected missing value error")
	}
	if _, _, err := parseGlobalFlags([]string{"--verbose", "run"}); err == nil {
		t.Fatalf("expected unknown flag error")
	}
}
