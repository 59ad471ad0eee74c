package tdac

import (
	"os"
	"path/filepath"
	"testing"
)

func TestLoadConfigCreatesDefault(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")

	config, err := LoadConfig(path)
	if err != nil {
		t.Fatalf("LoadConfig() error = %v", err)
	}

	if _, err := os.Stat(path); err != nil {
		t.Fatalf("LoadConfig() did not write a default config file: %v", err)
	}

	def := DefaultConfig()
	if config.TargetOrigin != def.TargetOrigin {
		t.Errorf("TargetOrigin = %q, want %q", config.TargetOrigin, def.TargetOrigin)
	}
	if config.LayoutOpacity != def.LayoutOpacity {
		t.Errorf("LayoutOpacity = %v, want %v", config.LayoutOpacity, def.LayoutOpacity)
	}
}

func TestLoadConfigRoundTrip(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")

	original := DefaultConfig()
	original.Language = "TH"
	original.StepTimeoutSeconds = 45
	original.BrowserProfilePath = filepath.Join(dir, "profile")
	original.EnableFallback = false
	if err := original.Save(path); err != nil {
		t.Fatalf("Save() error = %v", err)
	}

	loaded, err := LoadConfig(path)
	if err != nil {
		t.Fatalf("LoadConfig() error = %v", err)
	}

	if loaded.Language != "TH" {
		t.Errorf("Language = %q, want %q", loaded.Language, "TH")
	}
	if loaded.StepTimeoutSeconds != 45 {
		t.Errorf("StepTimeoutSeconds = %d, want 45", loaded.StepTimeoutSeconds)
	}
	if loaded.EnableFallback {
		t.Error("EnableFallback = true, want false")
	}
	if _, err := os.Stat(loaded.BrowserProfilePath); err != nil {
		t.Errorf("browser profile dir was not created: %v", err)
	}
}

func TestConfigValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr bool
	}{
		{name: "Defaults are valid", mutate: func(c *Config) {}, wantErr: false},
		{name: "Missing origin", mutate: func(c *Config) { c.TargetOrigin = "" }, wantErr: true},
		{name: "Zero-area viewport", mutate: func(c *Config) { c.ViewportWidth = 0 }, wantErr: true},
		{name: "Non-positive polling", mutate: func(c *Config) { c.MaxPollAttempts = 0 }, wantErr: true},
		{name: "Non-positive step timeout", mutate: func(c *Config) { c.StepTimeoutSeconds = -1 }, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			config := DefaultConfig()
			tt.mutate(config)
			if err := config.validate(); (err != nil) != tt.wantErr {
				t.Errorf("validate() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestConfigDerivedDurations(t *testing.T) {
	config := DefaultConfig()
	config.PollIntervalMs = 500
	config.MaxPollAttempts = 60
	config.StepTimeoutSeconds = 20

	if got := config.pollInterval().Milliseconds(); got != 500 {
		t.Errorf("pollInterval() = %dms, want 500ms", got)
	}
	if got := config.stepTimeout().Seconds(); got != 20 {
		t.Errorf("stepTimeout() = %vs, want 20s", got)
	}
	if got := config.extractionDeadline().Seconds(); got != 30 {
		t.Errorf("extractionDeadline() = %vs, want 30s", got)
	}
}
