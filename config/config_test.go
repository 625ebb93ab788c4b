package config

import (
	"testing"
	"time"
)

func TestParse_DefaultsAndEnvExpansion(t *testing.T) {
	t.Setenv("TEST_JWT_SECRET", "s3cret")

	cfg, err := Parse([]byte(`
http:
  addr: ":8080"
storage:
  backend: memory
auth:
  jwtSecret: "${TEST_JWT_SECRET}"
`))
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if cfg.Auth.JWTSecret != "s3cret" {
		t.Fatalf("env not expanded: %q", cfg.Auth.JWTSecret)
	}
	if cfg.Realtime.TypingTTL != 3*time.Second {
		t.Fatalf("typing ttl default: %v", cfg.Realtime.TypingTTL)
	}
	if cfg.Realtime.MaxContentLength != 1000 {
		t.Fatalf("max content default: %d", cfg.Realtime.MaxContentLength)
	}
	if cfg.Logging.Service != "messenger" || cfg.Metrics.Path != "/metrics" {
		t.Fatalf("defaults not applied: %+v %+v", cfg.Logging, cfg.Metrics)
	}
}

func TestParse_Validation(t *testing.T) {
	tests := []struct {
		name string
		yaml string
	}{
		{"missing http addr", "auth:\n  jwtSecret: x\nstorage:\n  backend: memory\n"},
		{"missing secret", "http:\n  addr: \":1\"\nstorage:\n  backend: memory\n"},
		{"postgres without dsn", "http:\n  addr: \":1\"\nauth:\n  jwtSecret: x\n"},
		{"unknown backend", "http:\n  addr: \":1\"\nauth:\n  jwtSecret: x\nstorage:\n  backend: mongo\n"},
		{"nats without url", "http:\n  addr: \":1\"\nauth:\n  jwtSecret: x\nstorage:\n  backend: memory\nnats:\n  enabled: true\n"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := Parse([]byte(tt.yaml)); err == nil {
				t.Fatalf("expected validation error")
			}
		})
	}
}
