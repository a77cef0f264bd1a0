package config

import (
	"os"
	"path/filepath"
	"testing"
)

func writeConfigFile(t *testing.T, dir, name, contents string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	if err := os.WriteFile(path, []byte(contents), 0o644); err != nil {
		t.Fatalf("write %s: %v", path, err)
	}
	return path
}

func TestLoad_AppliesDefaults(t *testing.T) {
	dir := t.TempDir()
	path := writeConfigFile(t, dir, "config.yaml", `
version: 1
llm:
  default_provider: anthropic
  providers:
    anthropic:
      api_key: sk-test
`)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Server.Host != "0.0.0.0" || cfg.Server.HTTPPort != 8080 {
		t.Errorf("server defaults not applied: %+v", cfg.Server)
	}
	if cfg.Auth.TokenExpiry == 0 {
		t.Error("expected auth.token_expiry default")
	}
	if cfg.Automation.ValidationPollInterval == 0 || cfg.Automation.HealthSweepInterval == 0 {
		t.Error("expected automation defaults")
	}
}

func TestLoad_RejectsMissingVersion(t *testing.T) {
	dir := t.TempDir()
	path := writeConfigFile(t, dir, "config.yaml", `
llm:
  default_provider: anthropic
  providers:
    anthropic: {}
`)

	if _, err := Load(path); err == nil {
		t.Fatal("expected an error for a config with no version field")
	}
}

func TestLoad_RejectsUnknownFields(t *testing.T) {
	dir := t.TempDir()
	path := writeConfigFile(t, dir, "config.yaml", `
version: 1
not_a_real_field: true
`)

	if _, err := Load(path); err == nil {
		t.Fatal("expected an error for an unknown top-level field")
	}
}

func TestLoad_ResolvesIncludes(t *testing.T) {
	dir := t.TempDir()
	writeConfigFile(t, dir, "llm.yaml", `
llm:
  default_provider: anthropic
  providers:
    anthropic:
      api_key: sk-test
`)
	path := writeConfigFile(t, dir, "config.yaml", `
version: 1
$include: llm.yaml
server:
  http_port: 9000
`)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Server.HTTPPort != 9000 {
		t.Errorf("expected the including file's fields to win, got port %d", cfg.Server.HTTPPort)
	}
	if cfg.LLM.DefaultProvider != "anthropic" {
		t.Errorf("expected the included file's llm config to merge in, got %+v", cfg.LLM)
	}
}

func TestLoad_RejectsDuplicateAPIKeys(t *testing.T) {
	dir := t.TempDir()
	path := writeConfigFile(t, dir, "config.yaml", `
version: 1
auth:
  api_keys:
    - key: dup-key
      user_id: u1
    - key: dup-key
      user_id: u2
`)

	_, err := Load(path)
	if err == nil {
		t.Fatal("expected duplicate api_keys.key to be rejected")
	}
	if _, ok := err.(*ConfigValidationError); !ok {
		t.Errorf("expected a *ConfigValidationError, got %T: %v", err, err)
	}
}

func TestLoad_RejectsShortJWTSecret(t *testing.T) {
	dir := t.TempDir()
	path := writeConfigFile(t, dir, "config.yaml", `
version: 1
auth:
  jwt_secret: too-short
`)

	if _, err := Load(path); err == nil {
		t.Fatal("expected a short jwt_secret to be rejected")
	}
}

func TestLoad_RejectsCronJobMissingSchedule(t *testing.T) {
	dir := t.TempDir()
	path := writeConfigFile(t, dir, "config.yaml", `
version: 1
cron:
  enabled: true
  jobs:
    - id: job-1
      type: message
`)

	if _, err := Load(path); err == nil {
		t.Fatal("expected a cron job without a schedule to be rejected")
	}
}

func TestJSONSchema_ReturnsValidJSON(t *testing.T) {
	schema, err := JSONSchema()
	if err != nil {
		t.Fatalf("JSONSchema: %v", err)
	}
	if len(schema) == 0 {
		t.Fatal("expected a non-empty schema")
	}
}

func TestValidateVersion(t *testing.T) {
	if err := ValidateVersion(CurrentVersion); err != nil {
		t.Errorf("expected the current version to validate, got %v", err)
	}
	if err := ValidateVersion(0); err == nil {
		t.Error("expected version 0 to be rejected")
	}
	if err := ValidateVersion(CurrentVersion + 1); err == nil {
		t.Error("expected a newer-than-supported version to be rejected")
	}
}
