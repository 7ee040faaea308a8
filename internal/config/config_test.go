package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load("")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if cfg.ListenAddr != ":8080" {
		t.Errorf("expected default listen addr ':8080', got '%s'", cfg.ListenAddr)
	}
	if cfg.Registry != RegistryMemory {
		t.Errorf("expected memory registry, got '%s'", cfg.Registry)
	}
	if cfg.Transport != TransportWebSocket {
		t.Errorf("expected websocket transport, got '%s'", cfg.Transport)
	}
	if cfg.Lease != 24*time.Hour {
		t.Errorf("expected 24h lease, got %v", cfg.Lease)
	}
	if cfg.FanoutConcurrency != 32 {
		t.Errorf("expected fan-out concurrency 32, got %d", cfg.FanoutConcurrency)
	}
}

func TestLoadFromEnv(t *testing.T) {
	t.Setenv("NOTIFIER_LISTEN_ADDR", ":9090")
	t.Setenv("NOTIFIER_REGISTRY", "redis")
	t.Setenv("NOTIFIER_SINGLE_NODE", "true")
	t.Setenv("NOTIFIER_PUSH_TIMEOUT", "2s")
	t.Setenv("NOTIFIER_KAFKA_BROKERS", "k1:9092,k2:9092")
	t.Setenv("NOTIFIER_ALLOWED_ORIGINS", "https://a.example.com,https://b.example.com")

	cfg, err := Load("")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if cfg.ListenAddr != ":9090" {
		t.Errorf("expected ':9090', got '%s'", cfg.ListenAddr)
	}
	if cfg.Registry != RegistryRedis {
		t.Errorf("expected redis registry, got '%s'", cfg.Registry)
	}
	if !cfg.SingleNode {
		t.Error("expected single_node from env")
	}
	if cfg.PushTimeout != 2*time.Second {
		t.Errorf("expected 2s push timeout, got %v", cfg.PushTimeout)
	}
	if len(cfg.KafkaBrokers) != 2 || cfg.KafkaBrokers[1] != "k2:9092" {
		t.Errorf("unexpected kafka brokers %v", cfg.KafkaBrokers)
	}
	if len(cfg.AllowedOrigins) != 2 {
		t.Errorf("unexpected allowed origins %v", cfg.AllowedOrigins)
	}
}

func TestLoadFromFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "notifier.yaml")
	content := `
listen_addr: ":7070"
registry: postgres
single_node: true
operation_timeout: 3s
allowed_origins:
  - https://app.example.com
`
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatalf("writing config: %v", err)
	}
	t.Setenv("NOTIFIER_LISTEN_ADDR", ":6060")

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if cfg.ListenAddr != ":6060" {
		t.Errorf("expected env to override file, got '%s'", cfg.ListenAddr)
	}
	if cfg.Registry != RegistryPostgres {
		t.Errorf("expected postgres registry, got '%s'", cfg.Registry)
	}
	if cfg.OperationTimeout != 3*time.Second {
		t.Errorf("expected 3s operation timeout, got %v", cfg.OperationTimeout)
	}
	if len(cfg.AllowedOrigins) != 1 || cfg.AllowedOrigins[0] != "https://app.example.com" {
		t.Errorf("unexpected allowed origins %v", cfg.AllowedOrigins)
	}
	if cfg.PushTimeout != 5*time.Second {
		t.Errorf("expected default push timeout to survive, got %v", cfg.PushTimeout)
	}
}

func TestLoadMissingFile(t *testing.T) {
	if _, err := Load(filepath.Join(t.TempDir(), "missing.yaml")); err == nil {
		t.Error("expected error for missing file")
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
		want   string
	}{
		{"unknown registry", func(c *Config) { c.Registry = "etcd" }, "invalid registry"},
		{"unknown transport", func(c *Config) { c.Transport = "sse" }, "invalid transport"},
		{"apigateway without endpoint", func(c *Config) { c.Transport = TransportAPIGateway }, "apigateway_endpoint"},
		{"websocket with shared registry", func(c *Config) { c.Registry = RegistryRedis }, "needs single_node"},
		{"websocket with dynamodb registry", func(c *Config) { c.Registry = RegistryDynamoDB }, "needs single_node"},
		{"unknown bus", func(c *Config) { c.Bus = "rabbitmq" }, "invalid bus"},
		{"bad log level", func(c *Config) { c.LogLevel = "verbose" }, "invalid log level"},
		{"no verifier", func(c *Config) { c.JWTSecret = "" }, "jwt_secret or oidc_issuer"},
		{"zero lease", func(c *Config) { c.Lease = 0 }, "lease must be positive"},
		{"zero concurrency", func(c *Config) { c.FanoutConcurrency = 0 }, "fanout_concurrency"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.mutate(cfg)
			err := cfg.Validate()
			if err == nil {
				t.Fatal("expected validation error")
			}
			if !strings.Contains(err.Error(), tt.want) {
				t.Errorf("expected error mentioning %q, got %v", tt.want, err)
			}
		})
	}
}

func TestValidateDefaults(t *testing.T) {
	if err := Default().Validate(); err != nil {
		t.Errorf("expected defaults to validate, got %v", err)
	}
}

func TestValidateSharedRegistry(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"websocket single node", func(c *Config) {
			c.Registry = RegistryPostgres
			c.SingleNode = true
		}},
		{"apigateway", func(c *Config) {
			c.Registry = RegistryDynamoDB
			c.Transport = TransportAPIGateway
			c.APIGatewayEndpoint = "https://abc.execute-api.us-east-1.amazonaws.com/prod"
		}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.mutate(cfg)
			if err := cfg.Validate(); err != nil {
				t.Errorf("expected valid config, got %v", err)
			}
		})
	}
}
