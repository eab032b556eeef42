package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func writeConfig(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

func TestLoad_JSON(t *testing.T) {
	path := writeConfig(t, "config.json", `{
		"base_url": "https://inst.integration.ocp.oraclecloud.com/",
		"oauth_client_id": "client",
		"oauth_client_secret": "secret",
		"oauth_token_url": "https://idcs.example.com/oauth2/v1/token",
		"batch_size": 50,
		"max_batch_age": 30,
		"stream_endpoints": {"orders": "/custom/orders"}
	}`)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load returned error: %v", err)
	}
	if cfg.BaseURL != "https://inst.integration.ocp.oraclecloud.com" {
		t.Errorf("expected trailing slash trimmed, got %q", cfg.BaseURL)
	}
	if cfg.BatchSize != 50 {
		t.Errorf("expected batch_size 50, got %d", cfg.BatchSize)
	}
	if cfg.MaxBatchAge != 30*time.Second {
		t.Errorf("expected max_batch_age 30s, got %v", cfg.MaxBatchAge)
	}
	if cfg.MaxRetries != DefaultMaxRetries {
		t.Errorf("expected default max_retries, got %d", cfg.MaxRetries)
	}
	if cfg.StreamEndpoints["orders"] != "/custom/orders" {
		t.Errorf("expected custom endpoint mapping, got %v", cfg.StreamEndpoints)
	}
}

func TestLoad_YAML(t *testing.T) {
	path := writeConfig(t, "config.yaml", `
base_url: https://inst.integration.ocp.oraclecloud.com
oauth_client_id: client
oauth_client_secret: secret
oauth_token_url: https://idcs.example.com/oauth2/v1/token
request_timeout: 10
error_threshold: 0.05
dead_letter_sink: file
dead_letter_path: /tmp/dead.jsonl
`)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load returned error: %v", err)
	}
	if cfg.RequestTimeout != 10*time.Second {
		t.Errorf("expected request_timeout 10s, got %v", cfg.RequestTimeout)
	}
	if cfg.ErrorThreshold != 0.05 {
		t.Errorf("expected error_threshold 0.05, got %v", cfg.ErrorThreshold)
	}
	if cfg.DeadLetterSink != "file" || cfg.DeadLetterPath != "/tmp/dead.jsonl" {
		t.Errorf("dead letter settings not loaded: %q %q", cfg.DeadLetterSink, cfg.DeadLetterPath)
	}
}

func TestLoad_ExpandsEnvironment(t *testing.T) {
	t.Setenv("OIC_CLIENT_SECRET", "s3cr3t")

	path := writeConfig(t, "config.json", `{
		"base_url": "https://inst.integration.ocp.oraclecloud.com",
		"oauth_client_id": "client",
		"oauth_client_secret": "${OIC_CLIENT_SECRET}",
		"oauth_token_url": "https://idcs.example.com/oauth2/v1/token"
	}`)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load returned error: %v", err)
	}
	if cfg.OAuthClientSecret != "s3cr3t" {
		t.Errorf("expected secret expanded from environment, got %q", cfg.OAuthClientSecret)
	}
}

func TestLoad_MissingRequiredFields(t *testing.T) {
	path := writeConfig(t, "config.json", `{"batch_size": 10}`)

	_, err := Load(path)
	if err == nil {
		t.Fatal("expected validation error")
	}
	for _, want := range []string{"base_url", "oauth_client_id", "oauth_client_secret", "oauth_token_url"} {
		if !strings.Contains(err.Error(), want) {
			t.Errorf("expected error to mention %s, got %v", want, err)
		}
	}
}

func TestValidate_Ranges(t *testing.T) {
	base := func() *Settings {
		s := Default()
		s.BaseURL = "https://inst.example.com"
		s.OAuthClientID = "client"
		s.OAuthClientSecret = "secret"
		s.OAuthTokenURL = "https://idcs.example.com/token"
		return s
	}

	if err := base().Validate(); err != nil {
		t.Fatalf("expected valid settings, got %v", err)
	}

	cases := []struct {
		name   string
		mutate func(*Settings)
		want   string
	}{
		{"zero batch size", func(s *Settings) { s.BatchSize = 0 }, "batch_size"},
		{"negative retries", func(s *Settings) { s.MaxRetries = -1 }, "max_retries"},
		{"threshold above one", func(s *Settings) { s.ErrorThreshold = 1.5 }, "error_threshold"},
		{"unknown sink", func(s *Settings) { s.DeadLetterSink = "s3" }, "dead_letter_sink"},
		{"file sink without path", func(s *Settings) { s.DeadLetterSink = "file" }, "dead_letter_path"},
		{"kafka sink without brokers", func(s *Settings) { s.DeadLetterSink = "kafka" }, "dead_letter_brokers"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			s := base()
			tc.mutate(s)
			err := s.Validate()
			if err == nil || !strings.Contains(err.Error(), tc.want) {
				t.Errorf("expected error mentioning %s, got %v", tc.want, err)
			}
		})
	}
}

func TestEndpointFor(t *testing.T) {
	s := Default()
	s.StreamEndpoints["orders"] = "/custom/orders"

	if got := s.EndpointFor("orders"); got != "/custom/orders" {
		t.Errorf("expected mapped endpoint, got %q", got)
	}
	if got := s.EndpointFor("integrations"); got != "/ic/api/integration/v1/integrations" {
		t.Errorf("expected canonical endpoint, got %q", got)
	}
	if got := s.EndpointFor("users"); got != "/ic/api/integration/v1/flows/rest/users" {
		t.Errorf("expected default endpoint, got %q", got)
	}

	s.StreamEndpoints["integrations"] = "/override"
	if got := s.EndpointFor("integrations"); got != "/override" {
		t.Errorf("expected explicit mapping to win, got %q", got)
	}
}
