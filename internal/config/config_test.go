package config

import (
	"testing"
	"time"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load()
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Pipeline.TimeoutDays != 45 || cfg.Pipeline.Timeout() != 45*24*time.Hour {
		t.Fatalf("unexpected timeout %d", cfg.Pipeline.TimeoutDays)
	}
	if cfg.Pipeline.SweepWorkers != 4 || cfg.Pipeline.SweepCron == "" {
		t.Fatalf("unexpected sweep config %+v", cfg.Pipeline)
	}
	if cfg.Database.Driver != "postgres" || cfg.Redis.Addr() != "127.0.0.1:6379" {
		t.Fatalf("unexpected defaults %+v %+v", cfg.Database, cfg.Redis)
	}
}

func TestLoadEnvOverrides(t *testing.T) {
	t.Setenv("DB_DRIVER", "memory")
	t.Setenv("PIPELINE_TIMEOUT_DAYS", "30")
	t.Setenv("REDIS_ENABLED", "false")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Database.Driver != "memory" {
		t.Fatalf("driver = %s", cfg.Database.Driver)
	}
	if cfg.Pipeline.Timeout() != 30*24*time.Hour {
		t.Fatalf("timeout = %s", cfg.Pipeline.Timeout())
	}
	if cfg.Redis.Enabled {
		t.Fatal("redis should be disabled")
	}
}

func TestLoadRejectsInvalid(t *testing.T) {
	t.Setenv("DB_DRIVER", "mongo")
	if _, err := Load(); err == nil {
		t.Fatal("expected error for unsupported driver")
	}

	t.Setenv("DB_DRIVER", "postgres")
	t.Setenv("PIPELINE_TIMEOUT_DAYS", "0")
	if _, err := Load(); err == nil {
		t.Fatal("expected error for non-positive timeout")
	}
}

func TestDSN(t *testing.T) {
	d := DatabaseConfig{Host: "db", Port: 5433, User: "u", Password: "p", DBName: "crm", SSLMode: "disable"}
	want := "host=db port=5433 user=u password=p dbname=crm sslmode=disable TimeZone=UTC"
	if got := d.DSN(); got != want {
		t.Fatalf("DSN() = %q", got)
	}
}
