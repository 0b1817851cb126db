package config

import (
	"os"
	"path/filepath"
	"testing"
)

func TestNewHasValidDefaultsExceptNodeID(t *testing.T) {
	cfg := New()
	if cfg.Server.Host != "0.0.0.0" {
		t.Errorf("expected default host 0.0.0.0, got %s", cfg.Server.Host)
	}
	if cfg.Server.Port != 8080 {
		t.Errorf("expected default port 8080, got %d", cfg.Server.Port)
	}
	if cfg.Node.Role != "primary" {
		t.Errorf("expected default role primary, got %s", cfg.Node.Role)
	}
	if len(cfg.RateLimit.Tiers) == 0 {
		t.Errorf("expected default rate limit tiers to be populated")
	}

	// Node.ID has no sensible default; Validate should reject it until set.
	if err := cfg.Validate(); err == nil {
		t.Fatalf("expected Validate to require node.id")
	}
}

func TestLoadFileOverridesDefaults(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "node.yaml")
	yaml := `
node:
  id: node-a
server:
  host: 127.0.0.1
`
	if err := os.WriteFile(path, []byte(yaml), 0644); err != nil {
		t.Fatalf("write temp file: %v", err)
	}

	cfg, err := LoadFile(path)
	if err != nil {
		t.Fatalf("LoadFile: %v", err)
	}
	if cfg.Server.Host != "127.0.0.1" {
		t.Fatalf("expected server.host override, got %s", cfg.Server.Host)
	}
	if cfg.Node.ID != "node-a" {
		t.Fatalf("expected node.id override, got %s", cfg.Node.ID)
	}
	// Untouched defaults survive the partial override.
	if cfg.Server.Port != 8080 {
		t.Fatalf("expected server.port to keep its default, got %d", cfg.Server.Port)
	}
}

func TestLoadHandlesMissingFile(t *testing.T) {
	t.Setenv("CONFIG_FILE", filepath.Join(t.TempDir(), "does-not-exist.yaml"))
	t.Setenv("NODE_ID", "node-b")
	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load should ignore a missing config file: %v", err)
	}
	if cfg.Node.ID != "node-b" {
		t.Fatalf("expected NODE_ID env override, got %s", cfg.Node.ID)
	}
}

func TestValidateRejectsReplicaWithoutReplicaOf(t *testing.T) {
	cfg := New()
	cfg.Node.ID = "node-c"
	cfg.Node.Role = "replica"
	if err := cfg.Validate(); err == nil {
		t.Fatalf("expected Validate to require node.replica_of for a replica")
	}
}

func TestValidateAcceptsReplicaWithReplicaOf(t *testing.T) {
	cfg := New()
	cfg.Node.ID = "node-d"
	cfg.Node.Role = "replica"
	cfg.Node.ReplicaOf = "http://primary:8080"
	if err := cfg.Validate(); err != nil {
		t.Fatalf("Validate: %v", err)
	}
}

func TestValidateRejectsUnknownDefaultTier(t *testing.T) {
	cfg := New()
	cfg.Node.ID = "node-e"
	cfg.RateLimit.DefaultTier = "does-not-exist"
	if err := cfg.Validate(); err == nil {
		t.Fatalf("expected Validate to reject an unknown default tier")
	}
}

func TestRateLimiterConfigConvertsTiers(t *testing.T) {
	cfg := New()
	cfg.Node.ID = "node-f"
	rlCfg := cfg.RateLimiterConfig()
	tier, ok := rlCfg.Tiers["standard"]
	if !ok {
		t.Fatalf("expected a standard tier to be present")
	}
	if tier.WindowMs != 60_000 {
		t.Fatalf("WindowMs = %d, want 60000", tier.WindowMs)
	}
}
