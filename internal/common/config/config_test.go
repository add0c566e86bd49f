package config

import (
	"testing"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() error: %v", err)
	}

	if cfg.Server.Port != 8080 {
		t.Errorf("server.port = %d, want 8080", cfg.Server.Port)
	}
	if cfg.Database.Driver != "sqlite" {
		t.Errorf("database.driver = %q, want sqlite", cfg.Database.Driver)
	}
	if cfg.NATS.URL != "" {
		t.Errorf("nats.url should default to empty (memory bus), got %q", cfg.NATS.URL)
	}
	if cfg.Agent.SSHPortBase != 2222 {
		t.Errorf("agent.sshPortBase = %d, want 2222", cfg.Agent.SSHPortBase)
	}
	if cfg.Agent.HTTPPortBase != 8000 {
		t.Errorf("agent.httpPortBase = %d, want 8000", cfg.Agent.HTTPPortBase)
	}
	if cfg.Queue.MaxDepth != 32 {
		t.Errorf("queue.maxDepth = %d, want 32", cfg.Queue.MaxDepth)
	}
	if cfg.Retention.Activities != 7*24 {
		t.Errorf("retention.activities = %d, want %d", cfg.Retention.Activities, 7*24)
	}
}

func TestEnvOverride(t *testing.T) {
	t.Setenv("TRINITY_SERVER_PORT", "9191")
	t.Setenv("TRINITY_DB_DRIVER", "sqlite")
	t.Setenv("TRINITY_DB_PATH", t.TempDir()+"/t.db")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() error: %v", err)
	}
	if cfg.Server.Port != 9191 {
		t.Errorf("server.port = %d, want 9191 from env", cfg.Server.Port)
	}
}

func TestValidateRejectsBadDriver(t *testing.T) {
	t.Setenv("TRINITY_DATABASE_DRIVER", "oracle")
	if _, err := Load(); err == nil {
		t.Fatal("expected validation error for unsupported driver")
	}
}

func TestPostgresDSN(t *testing.T) {
	d := DatabaseConfig{
		Host: "db", Port: 5432, User: "u", Password: "p", DBName: "trinity", SSLMode: "disable",
	}
	want := "host=db port=5432 user=u password=p dbname=trinity sslmode=disable"
	if got := d.DSN(); got != want {
		t.Errorf("DSN() = %q, want %q", got, want)
	}
}
