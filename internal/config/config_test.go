package config

import "testing"

func TestValidateFillsDefaults(t *testing.T) {
	cfg := &Config{}
	if err := cfg.Validate(); err != nil {
		t.Fatalf("Validate() error = %v", err)
	}

	if cfg.Audio.SampleRate != 16000 {
		t.Errorf("SampleRate default = %d, want 16000", cfg.Audio.SampleRate)
	}
	if cfg.Batching.MinBatchDuration != 3.0 {
		t.Errorf("MinBatchDuration default = %v, want 3.0", cfg.Batching.MinBatchDuration)
	}
	if cfg.Batching.MaxBatchDuration != 30.0 {
		t.Errorf("MaxBatchDuration default = %v, want 30.0", cfg.Batching.MaxBatchDuration)
	}
	if cfg.VAD.ExitThreshold != cfg.VAD.EnterThreshold*0.6 {
		t.Errorf("ExitThreshold default = %v, want %v", cfg.VAD.ExitThreshold, cfg.VAD.EnterThreshold*0.6)
	}
	if cfg.ContextMgr.NumDynamicQuestions != 4 {
		t.Errorf("NumDynamicQuestions default = %d, want 4", cfg.ContextMgr.NumDynamicQuestions)
	}
	if cfg.Server.Port != 8765 {
		t.Errorf("Port default = %d, want 8765", cfg.Server.Port)
	}
}

func TestValidateRejectsBadDurations(t *testing.T) {
	cfg := &Config{}
	cfg.Batching.MinBatchDuration = 10
	cfg.Batching.MaxBatchDuration = 5

	if err := cfg.Validate(); err == nil {
		t.Fatal("expected error for max <= min batch duration")
	}
}

func TestLoadWithFallbackNoFilesReturnsDefaults(t *testing.T) {
	cfg, err := LoadWithFallback("")
	if err != nil {
		t.Fatalf("LoadWithFallback(\"\") error = %v", err)
	}
	if cfg == nil {
		t.Fatal("expected non-nil config")
	}
}

func TestLoadWithFallbackMissingPreferredErrors(t *testing.T) {
	_, err := LoadWithFallback("/nonexistent/path/config.toml")
	if err == nil {
		t.Fatal("expected error for missing preferred path with no fallback files present")
	}
}
