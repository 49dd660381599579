package config

import (
	"strings"
	"testing"
	"time"
)

func validConfig(env string) Config {
	return Config{
		App:   AppConfig{Env: env, Port: 8080, NodeID: "router-1"},
		DB:    DBConfig{Host: "localhost", Port: 5432, User: "postgres", Password: "x", Name: "routing"},
		Redis: RedisConfig{WriteHost: "localhost", WritePort: 6379},
		Auth:  AuthConfig{JWTSecret: "secret", JWTIssuer: "sbc", JWTAudience: "ops"},
	}
}

func TestLoad_ReportsMissingRequired(t *testing.T) {
	c := Config{}
	err := c.Validate()
	if err == nil {
		t.Fatalf("expected validation error")
	}
	for _, want := range []string{"APP_ENV", "NODE_ID", "DB_HOST", "REDIS_WRITE_HOST", "JWT_SECRET"} {
		if !strings.Contains(err.Error(), want) {
			t.Fatalf("expected %s in %q", want, err)
		}
	}
}

func TestValidate_ProductionRequiresSSLMode(t *testing.T) {
	c := validConfig("production")
	if err := c.Validate(); err == nil {
		t.Fatalf("expected error for production without DB_SSLMODE")
	}
}

func TestValidate_LocalDefaults(t *testing.T) {
	c := validConfig("local")
	if err := c.Validate(); err != nil {
		t.Fatalf("expected no error, got %v", err)
	}
	if c.DB.SSLMode != "disable" {
		t.Fatalf("expected sslmode disable default, got %q", c.DB.SSLMode)
	}
	if c.DB.RoutingSchema != "switch" || c.DB.RoutingFunction != "route" || c.DB.CDRTable != "cdrs" {
		t.Fatalf("unexpected routing defaults: %+v", c.DB)
	}
	if c.Resources.QueueLimit != 1024 || c.Resources.AdmissionTimeout != 3*time.Second {
		t.Fatalf("unexpected resources defaults: %+v", c.Resources)
	}
	if c.RedisReadAddr() != "" {
		t.Fatalf("expected no read server, got %q", c.RedisReadAddr())
	}
}

func TestValidate_RejectsNegativePoolSize(t *testing.T) {
	c := validConfig("local")
	c.DB.MaxOpenConns = -1
	if err := c.Validate(); err == nil || !strings.Contains(err.Error(), "DB_MAX_OPEN_CONNS") {
		t.Fatalf("expected DB_MAX_OPEN_CONNS error, got %v", err)
	}
}

func TestValidate_RejectsUnsafeIdentifiers(t *testing.T) {
	c := validConfig("local")
	c.DB.CDRTable = "cdrs; drop table x"
	err := c.Validate()
	if err == nil || !strings.Contains(err.Error(), "CDR_TABLE") {
		t.Fatalf("expected CDR_TABLE error, got %v", err)
	}
}

func TestValidate_ReadPortDefaultsToWritePort(t *testing.T) {
	c := validConfig("local")
	c.Redis.ReadHost = "replica"
	if err := c.Validate(); err != nil {
		t.Fatalf("expected no error, got %v", err)
	}
	if got := c.RedisReadAddr(); got != "replica:6379" {
		t.Fatalf("expected replica:6379, got %q", got)
	}
}

func TestLoad_FromEnv(t *testing.T) {
	t.Setenv("APP_ENV", "dev")
	t.Setenv("APP_PORT", "8081")
	t.Setenv("NODE_ID", "edge-2")
	t.Setenv("DB_HOST", "db")
	t.Setenv("DB_PORT", "5432")
	t.Setenv("DB_USER", "router")
	t.Setenv("DB_NAME", "routing")
	t.Setenv("REDIS_WRITE_HOST", "redis")
	t.Setenv("REDIS_WRITE_PORT", "6379")
	t.Setenv("JWT_SECRET", "s")
	t.Setenv("RESOURCES_OP_TIMEOUT", "500ms")
	t.Setenv("ADMIN_RATE_LIMIT_RPS", "2.5")
	t.Setenv("DB_MAX_OPEN_CONNS", "40")

	c, err := Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if c.App.NodeID != "edge-2" || c.Resources.OpTimeout != 500*time.Millisecond || c.RateLimit.RPS != 2.5 {
		t.Fatalf("unexpected config: %+v", c)
	}
	if c.DB.MaxOpenConns != 40 {
		t.Fatalf("expected DB_MAX_OPEN_CONNS=40, got %d", c.DB.MaxOpenConns)
	}
	if c.HTTPAddr() != ":8081" || c.RedisWriteAddr() != "redis:6379" {
		t.Fatalf("unexpected addresses: %s %s", c.HTTPAddr(), c.RedisWriteAddr())
	}
}

func TestLoad_ReportsBadDurations(t *testing.T) {
	t.Setenv("APP_PORT", "8081")
	t.Setenv("DB_PORT", "5432")
	t.Setenv("REDIS_WRITE_PORT", "6379")
	t.Setenv("RESOURCES_OP_TIMEOUT", "soon")

	_, err := Load()
	if err == nil || !strings.Contains(err.Error(), "RESOURCES_OP_TIMEOUT") {
		t.Fatalf("expected duration error, got %v", err)
	}
}
