package config

import (
	"strings"
	"testing"
	"time"
)

func TestLoadConfigFileTopologyOverride(t *testing.T) {
	cfg := &Config{}
	yaml := `
topology:
  queue_bindings:
    q.assist:
      - "assist.*"
    q.custom:
      - "custom.*"
      - "extra.#"
`
	if err := LoadConfigFile(strings.NewReader(yaml), cfg); err != nil {
		t.Fatal(err)
	}
	if cfg.Topology == nil {
		t.Fatal("topology not loaded")
	}
	if got := cfg.Topology.QueueBindings["q.custom"]; len(got) != 2 || got[0] != "custom.*" {
		t.Fatalf("bindings = %v", got)
	}
}

func TestGetEnvAsInt(t *testing.T) {
	t.Setenv("TEST_INT_OK", "42")
	t.Setenv("TEST_INT_BAD", "not-a-number")

	if got := getEnvAsInt("TEST_INT_OK", 7); got != 42 {
		t.Fatalf("got %d", got)
	}
	if got := getEnvAsInt("TEST_INT_BAD", 7); got != 7 {
		t.Fatalf("got %d", got)
	}
	if got := getEnvAsInt("TEST_INT_MISSING", 7); got != 7 {
		t.Fatalf("got %d", got)
	}
}

func TestGetEnvAsDuration(t *testing.T) {
	t.Setenv("TEST_DUR", "90s")
	if got := getEnvAsDuration("TEST_DUR", time.Minute); got != 90*time.Second {
		t.Fatalf("got %v", got)
	}
	if got := getEnvAsDuration("TEST_DUR_MISSING", time.Minute); got != time.Minute {
		t.Fatalf("got %v", got)
	}
}
