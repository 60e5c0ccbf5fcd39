package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

const testSecret = "0123456789abcdef0123456789abcdef"

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

func TestLoadAppliesEnvOverrides(t *testing.T) {
	path := writeConfig(t, `
port: "8080"
databaseURL: "postgres://file"
redisAddr: "localhost:6379"
jwtSecret: "`+testSecret+`"
allowedOrigins: ["http://localhost:5173"]
seedEnabled: false
`)
	t.Setenv("DATABASE_URL", "postgres://env")
	t.Setenv("DATABASE_DRIVER", "sqlite")
	t.Setenv("CHAT_ALLOWED_ORIGINS", "https://a.example, https://b.example,")
	t.Setenv("CHAT_LOGIN_RATE_LIMIT_PER_MINUTE", "7")
	t.Setenv("CHAT_SEED_ENABLED", "true")

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.DatabaseURL != "postgres://env" || cfg.DatabaseDriver != "sqlite" {
		t.Fatalf("database overrides not applied: %+v", cfg)
	}
	if len(cfg.AllowedOrigins) != 2 || cfg.AllowedOrigins[1] != "https://b.example" {
		t.Fatalf("unexpected origins: %v", cfg.AllowedOrigins)
	}
	if cfg.LoginRateLimitPerMin != 7 || !cfg.SeedEnabled {
		t.Fatalf("numeric/bool overrides not applied: %+v", cfg)
	}
}

func TestLoadMissingFile(t *testing.T) {
	if _, err := Load(filepath.Join(t.TempDir(), "missing.yaml")); err == nil {
		t.Fatalf("expected error for missing file")
	}
}

func TestValidateConfig(t *testing.T) {
	valid := FileConfig{
		Port:        "8080",
		DatabaseURL: "postgres://x",
		RedisAddr:   "localhost:6379",
		JWTSecret:   testSecret,
	}
	if err := validateConfig(valid); err != nil {
		t.Fatalf("valid config rejected: %v", err)
	}

	tests := []struct {
		name   string
		mutate func(*FileConfig)
		want   string
	}{
		{name: "port", mutate: func(c *FileConfig) { c.Port = "" }, want: "port is required"},
		{name: "database", mutate: func(c *FileConfig) { c.DatabaseURL = "" }, want: "databaseURL is required"},
		{name: "driver", mutate: func(c *FileConfig) { c.DatabaseDriver = "mysql" }, want: "unsupported databaseDriver"},
		{name: "redis", mutate: func(c *FileConfig) { c.RedisAddr = " " }, want: "redisAddr is required"},
		{name: "short secret", mutate: func(c *FileConfig) { c.JWTSecret = "short" }, want: "jwtSecret must be at least"},
		{name: "negative limit", mutate: func(c *FileConfig) { c.MessageRateLimitPerMin = -1 }, want: "rate limits"},
		{name: "bucket", mutate: func(c *FileConfig) { c.MinioEndpoint = "minio:9000" }, want: "minioBucket is required"},
		{name: "duration", mutate: func(c *FileConfig) { c.SessionTTL = "forever" }, want: "invalid sessionTTL"},
		{name: "negative duration", mutate: func(c *FileConfig) { c.JWTLeeway = "-1s" }, want: "invalid jwtLeeway"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := valid
			tt.mutate(&cfg)
			err := validateConfig(cfg)
			if err == nil || !strings.Contains(err.Error(), tt.want) {
				t.Fatalf("expected error containing %q, got %v", tt.want, err)
			}
		})
	}
}

func TestParseDurations(t *testing.T) {
	if d, err := ParseSessionTTL(""); err != nil || d != 0 {
		t.Fatalf("empty ttl: %v %v", d, err)
	}
	if d, err := ParseSessionTTL("12h"); err != nil || d != 12*time.Hour {
		t.Fatalf("12h ttl: %v %v", d, err)
	}
	if _, err := ParseAvatarURLTTL("soon"); err == nil {
		t.Fatalf("expected parse error")
	}
}
