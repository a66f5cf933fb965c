package config

import (
	"bytes"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte(body), 0600); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestFindConfig_Explicit(t *testing.T) {
	path := writeConfig(t, "listen:\n  port: 9999\n")

	got, err := FindConfig(path)
	if err != nil {
		t.Fatalf("FindConfig(%q) error: %v", path, err)
	}
	if got != path {
		t.Errorf("FindConfig(%q) = %q, want %q", path, got, path)
	}
}

func TestFindConfig_ExplicitMissing(t *testing.T) {
	if _, err := FindConfig("/nonexistent/config.yaml"); err == nil {
		t.Fatal("FindConfig with missing explicit path should error")
	}
}

func TestFindConfig_CWD(t *testing.T) {
	dir := t.TempDir()
	os.WriteFile(filepath.Join(dir, "config.yaml"), []byte("listen:\n  port: 8080\n"), 0600)
	t.Chdir(dir)

	got, err := FindConfig("")
	if err != nil {
		t.Fatalf("FindConfig(\"\") error: %v", err)
	}
	if got != "config.yaml" {
		t.Errorf("FindConfig(\"\") = %q, want %q", got, "config.yaml")
	}
}

func TestLoad_Defaults(t *testing.T) {
	cfg, err := Load(writeConfig(t, "log_level: debug\n"))
	if err != nil {
		t.Fatalf("Load error: %v", err)
	}

	if cfg.Listen.Port != 8080 {
		t.Errorf("listen.port = %d, want 8080", cfg.Listen.Port)
	}
	if cfg.Agent.MaxIterations != 6 {
		t.Errorf("agent.max_iterations = %d, want 6", cfg.Agent.MaxIterations)
	}
	if cfg.Reasoning.Provider != "openai" {
		t.Errorf("reasoning.provider = %q, want openai", cfg.Reasoning.Provider)
	}
	if len(cfg.Reasoning.StripParams) == 0 {
		t.Error("openai provider should strip parallel_tool_calls by default")
	}
	if cfg.Research.Model != "sonar-pro" {
		t.Errorf("research.model = %q, want sonar-pro", cfg.Research.Model)
	}
}

func TestLoad_ExpandsEnvVars(t *testing.T) {
	t.Setenv("TALLY_TEST_RESEARCH_KEY", "pplx-secret")

	cfg, err := Load(writeConfig(t, "research:\n  api_key: ${TALLY_TEST_RESEARCH_KEY}\n"))
	if err != nil {
		t.Fatalf("Load error: %v", err)
	}
	if cfg.Research.APIKey != "pplx-secret" {
		t.Errorf("api_key = %q, want %q", cfg.Research.APIKey, "pplx-secret")
	}
	if !cfg.Research.Configured() {
		t.Error("research should be configured")
	}
}

func TestLoad_ExplicitStripParamsKept(t *testing.T) {
	cfg, err := Load(writeConfig(t, "reasoning:\n  strip_params: [logprobs]\n"))
	if err != nil {
		t.Fatalf("Load error: %v", err)
	}
	if len(cfg.Reasoning.StripParams) != 1 || cfg.Reasoning.StripParams[0] != "logprobs" {
		t.Errorf("strip_params = %v, want [logprobs]", cfg.Reasoning.StripParams)
	}
}

func TestLoad_ValidationErrors(t *testing.T) {
	tests := []struct {
		name    string
		body    string
		wantErr string
	}{
		{"bad provider", "reasoning:\n  provider: bard\n", "reasoning.provider"},
		{"anthropic without key", "reasoning:\n  provider: anthropic\n", "api_key"},
		{"negative iterations", "agent:\n  max_iterations: -1\n", "max_iterations"},
		{"bad log level", "log_level: loud\n", "unknown log level"},
		{"bad log format", "log_format: xml\n", "log_format"},
		{"temperature", "reasoning:\n  temperature: 3\n", "temperature"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Load(writeConfig(t, tt.body))
			if err == nil {
				t.Fatal("expected error")
			}
			if !strings.Contains(err.Error(), tt.wantErr) {
				t.Errorf("error = %q, want substring %q", err, tt.wantErr)
			}
		})
	}
}

func TestCheckpointPath(t *testing.T) {
	cfg := Default()
	cfg.DataDir = "/var/lib/tally"
	if got := cfg.CheckpointPath(); got != "/var/lib/tally/checkpoints.db" {
		t.Errorf("CheckpointPath() = %q", got)
	}

	cfg.Checkpoint.Path = "/tmp/snap.db"
	if got := cfg.CheckpointPath(); got != "/tmp/snap.db" {
		t.Errorf("CheckpointPath() = %q, want absolute path unchanged", got)
	}
}

func TestParseLogLevel(t *testing.T) {
	tests := []struct {
		in   string
		want slog.Level
	}{
		{"", slog.LevelInfo},
		{"TRACE", LevelTrace},
		{" debug ", slog.LevelDebug},
		{"warning", slog.LevelWarn},
		{"error", slog.LevelError},
	}
	for _, tt := range tests {
		got, err := ParseLogLevel(tt.in)
		if err != nil {
			t.Errorf("ParseLogLevel(%q) error: %v", tt.in, err)
		}
		if got != tt.want {
			t.Errorf("ParseLogLevel(%q) = %v, want %v", tt.in, got, tt.want)
		}
	}
}

func TestNewLogger_TraceLabel(t *testing.T) {
	cfg := Default()
	cfg.LogLevel = "trace"
	cfg.LogFormat = "json"

	var buf bytes.Buffer
	logger := cfg.NewLogger(&buf)
	logger.Log(t.Context(), LevelTrace, "wire payload")

	if !strings.Contains(buf.String(), `"level":"TRACE"`) {
		t.Errorf("expected TRACE level label, got %s", buf.String())
	}
}
