package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestLoad(t *testing.T) {
	missing := filepath.Join(t.TempDir(), "config.yaml")

	t.Run("defaults", func(t *testing.T) {
		t.Setenv("POLY_SERVER__PORT", "")
		os.Unsetenv("POLY_SERVER__PORT")

		cfg, err := LoadFile(missing)
		if err != nil {
			t.Fatalf("LoadFile() error = %v", err)
		}

		if cfg.Server.Port != 8080 {
			t.Errorf("LoadFile() port = %v, want 8080", cfg.Server.Port)
		}
		if cfg.Storage.Type != "memory" {
			t.Errorf("LoadFile() storage = %v, want memory", cfg.Storage.Type)
		}
		if got := cfg.Server.TimeoutDuration(); got != 5*time.Minute {
			t.Errorf("TimeoutDuration() = %v, want 5m", got)
		}
		if cfg.Telemetry.ServiceName != "polyglot-llm-transcoder" {
			t.Errorf("LoadFile() service name = %v, want polyglot-llm-transcoder", cfg.Telemetry.ServiceName)
		}
	})

	t.Run("env var override", func(t *testing.T) {
		t.Setenv("POLY_SERVER__PORT", "9000")
		t.Setenv("POLY_TRANSCODER__JSON_REPAIR", "true")
		t.Setenv("POLY_TRANSCODER__DEFAULT_MODEL", "gpt-4o")

		cfg, err := LoadFile(missing)
		if err != nil {
			t.Fatalf("LoadFile() error = %v", err)
		}

		if cfg.Server.Port != 9000 {
			t.Errorf("LoadFile() port = %v, want 9000", cfg.Server.Port)
		}
		if !cfg.Transcoder.JSONRepair {
			t.Errorf("LoadFile() json_repair = %v, want true", cfg.Transcoder.JSONRepair)
		}
		if cfg.Transcoder.DefaultModel != "gpt-4o" {
			t.Errorf("LoadFile() default_model = %v, want gpt-4o", cfg.Transcoder.DefaultModel)
		}
	})

	t.Run("yaml file with upstreams", func(t *testing.T) {
		t.Setenv("TEST_ANTHROPIC_KEY", "sk-test")
		path := filepath.Join(t.TempDir(), "config.yaml")
		content := `
server:
  port: 7070
  timeout: 30s
storage:
  type: sqlite
  sqlite:
    path: /tmp/transcripts.db
upstreams:
  - name: claude
    protocol: anthropic
    base_url: https://api.anthropic.com
    api_key: ${TEST_ANTHROPIC_KEY}
    path: /v1/messages
`
		if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
			t.Fatalf("WriteFile() error = %v", err)
		}

		cfg, err := LoadFile(path)
		if err != nil {
			t.Fatalf("LoadFile() error = %v", err)
		}

		if cfg.Server.Port != 7070 {
			t.Errorf("LoadFile() port = %v, want 7070", cfg.Server.Port)
		}
		if got := cfg.Server.TimeoutDuration(); got != 30*time.Second {
			t.Errorf("TimeoutDuration() = %v, want 30s", got)
		}
		if cfg.Storage.Type != "sqlite" || cfg.Storage.SQLite.Path != "/tmp/transcripts.db" {
			t.Errorf("LoadFile() storage = %+v, want sqlite at /tmp/transcripts.db", cfg.Storage)
		}

		up, ok := cfg.Upstream("claude")
		if !ok {
			t.Fatalf("Upstream(claude) not found")
		}
		if up.APIKey != "sk-test" {
			t.Errorf("Upstream(claude).APIKey = %v, want sk-test", up.APIKey)
		}
		if up.Protocol != "anthropic" {
			t.Errorf("Upstream(claude).Protocol = %v, want anthropic", up.Protocol)
		}
		if _, ok := cfg.Upstream("missing"); ok {
			t.Errorf("Upstream(missing) found, want not found")
		}
	})
}

func TestSubstituteEnvVars(t *testing.T) {
	t.Setenv("TEST_VAR", "test-value")

	tests := []struct {
		name  string
		input string
		want  string
	}{
		{
			name:  "simple substitution",
			input: "${TEST_VAR}",
			want:  "test-value",
		},
		{
			name:  "substitution in string",
			input: "prefix-${TEST_VAR}-suffix",
			want:  "prefix-test-value-suffix",
		},
		{
			name:  "no substitution",
			input: "plain-string",
			want:  "plain-string",
		},
		{
			name:  "undefined var",
			input: "${UNDEFINED_VAR}",
			want:  "",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := substituteEnvVars(tt.input)
			if got != tt.want {
				t.Errorf("substituteEnvVars() = %v, want %v", got, tt.want)
			}
		})
	}
}
