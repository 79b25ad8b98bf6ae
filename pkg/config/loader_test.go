package config

import (
	"os"
	"path/filepath"
	"testing"
)

func TestLoader_LoadDefaults(t *testing.T) {
	cfg, err := NewLoader().Load()
	if err != nil {
		t.Fatalf("failed to load config: %v", err)
	}

	if cfg.App.Name != "dfm-service" {
		t.Errorf("expected app name 'dfm-service', got %s", cfg.App.Name)
	}
	if cfg.HTTP.Port != 8080 {
		t.Errorf("expected HTTP port 8080, got %d", cfg.HTTP.Port)
	}
	if cfg.Log.Level != "info" {
		t.Errorf("expected log level 'info', got %s", cfg.Log.Level)
	}
	if cfg.Metrics.Port != 9090 {
		t.Errorf("expected metrics port 9090, got %d", cfg.Metrics.Port)
	}
	if cfg.Broker.Addr != "localhost:6379" {
		t.Errorf("expected broker addr localhost:6379, got %s", cfg.Broker.Addr)
	}
}

func TestLoader_LoadFromFile(t *testing.T) {
	tmpDir := t.TempDir()
	configPath := filepath.Join(tmpDir, "config.yaml")

	configContent := `
app:
  name: custom-service
  version: 2.0.0
  environment: staging
http:
  port: 9001
log:
  level: debug
`
	err := os.WriteFile(configPath, []byte(configContent), 0644)
	if err != nil {
		t.Fatalf("failed to write config file: %v", err)
	}

	loader := NewLoader(WithConfigPaths(configPath))
	cfg, err := loader.Load()
	if err != nil {
		t.Fatalf("failed to load config: %v", err)
	}

	if cfg.App.Name != "custom-service" {
		t.Errorf("expected app name 'custom-service', got %s", cfg.App.Name)
	}
	if cfg.App.Version != "2.0.0" {
		t.Errorf("expected version '2.0.0', got %s", cfg.App.Version)
	}
	if cfg.HTTP.Port != 9001 {
		t.Errorf("expected port 9001, got %d", cfg.HTTP.Port)
	}
	if cfg.Log.Level != "debug" {
		t.Errorf("expected log level 'debug', got %s", cfg.Log.Level)
	}
}

func TestLoader_LoadFromEnv(t *testing.T) {
	os.Setenv("DFM_APP_NAME", "env-service")
	os.Setenv("DFM_HTTP_PORT", "9053")
	defer func() {
		os.Unsetenv("DFM_APP_NAME")
		os.Unsetenv("DFM_HTTP_PORT")
	}()

	cfg, err := NewLoader().Load()
	if err != nil {
		t.Fatalf("failed to load config: %v", err)
	}

	if cfg.App.Name != "env-service" {
		t.Errorf("expected app name 'env-service', got %s", cfg.App.Name)
	}
	if cfg.HTTP.Port != 9053 {
		t.Errorf("expected port 9053, got %d", cfg.HTTP.Port)
	}
}

func TestLoader_EnvOverridesFile(t *testing.T) {
	tmpDir := t.TempDir()
	configPath := filepath.Join(tmpDir, "config.yaml")

	configContent := `
app:
  name: file-service
http:
  port: 9054
`
	os.WriteFile(configPath, []byte(configContent), 0644)

	os.Setenv("DFM_APP_NAME", "env-override")
	defer os.Unsetenv("DFM_APP_NAME")

	cfg, err := NewLoader(WithConfigPaths(configPath)).Load()
	if err != nil {
		t.Fatalf("failed to load config: %v", err)
	}

	if cfg.App.Name != "env-override" {
		t.Errorf("expected env override, got %s", cfg.App.Name)
	}
	if cfg.HTTP.Port != 9054 {
		t.Errorf("expected port from file 9054, got %d", cfg.HTTP.Port)
	}
}

func TestLoader_WithEnvPrefix(t *testing.T) {
	os.Setenv("CUSTOM_APP_NAME", "custom-prefix-service")
	defer os.Unsetenv("CUSTOM_APP_NAME")

	cfg, err := NewLoader(WithEnvPrefix("CUSTOM_")).Load()
	if err != nil {
		t.Fatalf("failed to load config: %v", err)
	}

	if cfg.App.Name != "custom-prefix-service" {
		t.Errorf("expected 'custom-prefix-service', got %s", cfg.App.Name)
	}
}

func TestMustLoad_Success(t *testing.T) {
	defer func() {
		if r := recover(); r != nil {
			t.Errorf("MustLoad should not panic with valid config")
		}
	}()

	cfg := MustLoad()
	if cfg == nil {
		t.Error("expected non-nil config")
	}
}

func TestLoad_Simple(t *testing.T) {
	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() failed: %v", err)
	}
	if cfg == nil {
		t.Error("expected non-nil config")
	}
}

func TestLoadWithServiceDefaults(t *testing.T) {
	cfg, err := LoadWithServiceDefaults("test-svc", 9090)
	if err != nil {
		t.Fatalf("failed to load: %v", err)
	}

	if cfg.App.Name != "test-svc" {
		t.Errorf("expected app name 'test-svc', got %s", cfg.App.Name)
	}
	if cfg.HTTP.Port != 9090 {
		t.Errorf("expected port 9090, got %d", cfg.HTTP.Port)
	}
}

func TestLoader_ConfigEnvVar(t *testing.T) {
	tmpDir := t.TempDir()
	configPath := filepath.Join(tmpDir, "custom-config.yaml")

	configContent := `
app:
  name: config-env-var-service
`
	os.WriteFile(configPath, []byte(configContent), 0644)

	os.Setenv("CONFIG_PATH", configPath)
	defer os.Unsetenv("CONFIG_PATH")

	cfg, err := NewLoader().Load()
	if err != nil {
		t.Fatalf("failed to load config: %v", err)
	}

	if cfg.App.Name != "config-env-var-service" {
		t.Errorf("expected 'config-env-var-service', got %s", cfg.App.Name)
	}
}
