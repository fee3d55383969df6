package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/framesmith/framesmith-agent/internal/state"
)

func clearEnv(t *testing.T) {
	t.Helper()
	for _, key := range []string{
		EnvPort, EnvLogLevel, EnvDataDir, EnvProfile, EnvJobsPath, EnvJobsBackend,
		EnvExecutionProviders, EnvExecutionThreadCount, EnvExecutionQueueCount,
		EnvVideoMemoryStrategy, EnvExecutionDeviceID,
	} {
		t.Setenv(key, "")
	}
}

func TestNew_Defaults(t *testing.T) {
	clearEnv(t)

	cfg, err := New()
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	if cfg.Port() != DefaultPort {
		t.Errorf("Port() = %d, want %d", cfg.Port(), DefaultPort)
	}
	if cfg.JobsBackend() != JobsBackendFile {
		t.Errorf("JobsBackend() = %q, want %q", cfg.JobsBackend(), JobsBackendFile)
	}
	if cfg.JobsPath() != filepath.Join(cfg.DataDir(), "jobs") {
		t.Errorf("JobsPath() = %q", cfg.JobsPath())
	}

	exec := cfg.Execution()
	if exec.QueueCount != DefaultQueueCount {
		t.Errorf("QueueCount = %d, want %d", exec.QueueCount, DefaultQueueCount)
	}
	if exec.MemoryStrategy != "strict" {
		t.Errorf("MemoryStrategy = %q, want strict", exec.MemoryStrategy)
	}
	if len(exec.Providers) != 1 || exec.Providers[0] != "cpu" {
		t.Errorf("Providers = %v, want [cpu]", exec.Providers)
	}
}

func TestNew_ExecutionFromEnv(t *testing.T) {
	clearEnv(t)
	t.Setenv(EnvExecutionProviders, "CUDA, cpu")
	t.Setenv(EnvExecutionThreadCount, "4")
	t.Setenv(EnvExecutionQueueCount, "2")
	t.Setenv(EnvVideoMemoryStrategy, "moderate")

	cfg, err := New()
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	exec := cfg.Execution()
	if len(exec.Providers) != 2 || exec.Providers[0] != "cuda" || exec.Providers[1] != "cpu" {
		t.Errorf("Providers = %v, want [cuda cpu]", exec.Providers)
	}
	if exec.ThreadCount != 4 || exec.QueueCount != 2 {
		t.Errorf("ThreadCount/QueueCount = %d/%d, want 4/2", exec.ThreadCount, exec.QueueCount)
	}
	if exec.MemoryStrategy != "moderate" {
		t.Errorf("MemoryStrategy = %q, want moderate", exec.MemoryStrategy)
	}
}

func TestNew_InvalidValues(t *testing.T) {
	tests := []struct {
		name  string
		key   string
		value string
	}{
		{"port not a number", EnvPort, "abc"},
		{"port out of range", EnvPort, "70000"},
		{"zero threads", EnvExecutionThreadCount, "0"},
		{"bad strategy", EnvVideoMemoryStrategy, "lenient"},
		{"bad backend", EnvJobsBackend, "redis"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			clearEnv(t)
			t.Setenv(tt.key, tt.value)
			if _, err := New(); err == nil {
				t.Fatalf("New() with %s=%q succeeded, want error", tt.key, tt.value)
			}
		})
	}
}

func TestLoadProfile_OverridesDefaults(t *testing.T) {
	clearEnv(t)
	path := filepath.Join(t.TempDir(), "profile.yaml")
	body := `
processors: [face_blur, frame_sharpener]
face_selector_mode: many
temp_frame_format: jpg
output_video_quality: 60
processor:
  face_blur_amount: 12
execution:
  providers: [cuda]
  thread_count: 3
`
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatalf("write profile: %v", err)
	}
	t.Setenv(EnvProfile, path)

	cfg, err := New()
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}

	args := cfg.Profile().Args()
	if got := args.Strings(state.KeyProcessors); len(got) != 2 || got[0] != "face_blur" {
		t.Errorf("processors = %v", got)
	}
	if got := args.String(state.KeyFaceSelectorMode); got != "many" {
		t.Errorf("face_selector_mode = %q, want many", got)
	}
	if got := args.Int(state.KeyOutputVideoQuality); got != 60 {
		t.Errorf("output_video_quality = %d, want 60", got)
	}
	if got := args.Int("face_blur_amount"); got != 12 {
		t.Errorf("face_blur_amount = %d, want 12", got)
	}
	if got := args.String(state.KeyOutputVideoEncoder); got != "libx264" {
		t.Errorf("output_video_encoder = %q, want default libx264", got)
	}
	if exec := cfg.Execution(); exec.ThreadCount != 3 || exec.Providers[0] != "cuda" {
		t.Errorf("execution = %+v", exec)
	}
}

func TestLoadProfile_RejectsUnknownSelector(t *testing.T) {
	path := filepath.Join(t.TempDir(), "profile.yaml")
	if err := os.WriteFile(path, []byte("face_selector_mode: all\n"), 0o644); err != nil {
		t.Fatalf("write profile: %v", err)
	}
	if _, err := LoadProfile(path); err == nil {
		t.Fatal("LoadProfile() succeeded, want error")
	}
}
