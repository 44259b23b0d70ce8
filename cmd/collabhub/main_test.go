package main

import (
	"path/filepath"
	"testing"

	"collabhub/internal/app"
	"collabhub/internal/config"
)

func TestApplication_ConfigurationValidation(t *testing.T) {
	cfg := config.DefaultConfig()
	if err := cfg.Validate(); err != nil {
		t.Errorf("Default config should be valid: %v", err)
	}

	cfg.HTTP.Port = -1
	if err := cfg.Validate(); err == nil {
		t.Error("Invalid config should fail validation")
	}
}

func TestApplication_ConstructorValidation(t *testing.T) {
	cfg := config.DefaultConfig()
	cfg.HTTP.Port = -1

	application, err := app.NewApplication(cfg)
	if err == nil {
		t.Error("Constructor should reject invalid configuration")
	}
	if application != nil {
		t.Error("Constructor should not return application with invalid config")
	}
}

func TestRun_FailsOnUnreadableConfigFile(t *testing.T) {
	t.Setenv(config.EnvPrefix+"CONFIG_FILE", filepath.Join(t.TempDir(), "missing.json"))

	if err := run(); err == nil {
		t.Error("run should fail when the config file cannot be loaded")
	}
}
