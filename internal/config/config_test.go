package config

import (
	"strings"
	"testing"
	"time"
)

func TestLoadAppliesDefaults(t *testing.T) {
	configViper := NewViper()
	configViper.Set("site.root", "/srv/site")

	cfg, err := Load(configViper)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Database.Driver != DriverSQLite || cfg.Database.Path != defaultDatabasePath {
		t.Fatalf("unexpected database config %+v", cfg.Database)
	}
	if cfg.Locks.DefaultTTL != 30*time.Minute || cfg.Locks.MaxTTL != 2*time.Hour || !cfg.Locks.RequireForEdit {
		t.Fatalf("unexpected lock config %+v", cfg.Locks)
	}
	if cfg.Validator.BlockThreshold != 7 || cfg.Validator.MonitorThreshold != 4 {
		t.Fatalf("unexpected validator config %+v", cfg.Validator)
	}
	if cfg.Worker.MaxAttempts != 3 || cfg.Worker.PollInterval != 5*time.Second {
		t.Fatalf("unexpected worker config %+v", cfg.Worker)
	}
	if err := cfg.RequireSession(); err == nil {
		t.Fatalf("expected missing signing secret to be reported")
	}
}

func TestLoadReadsEnvironment(t *testing.T) {
	t.Setenv("PAGESYNC_SITE_ROOT", "/var/www")
	t.Setenv("PAGESYNC_DATABASE_DRIVER", "Postgres")
	t.Setenv("PAGESYNC_DATABASE_DSN", "postgres://pagesync@localhost/pagesync")
	t.Setenv("PAGESYNC_WORKER_RETRY_DELAY", "45s")
	t.Setenv("PAGESYNC_SESSION_SIGNING_SECRET", "secret")

	cfg, err := Load(NewViper())
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Site.Root != "/var/www" || cfg.Database.Driver != DriverPostgres {
		t.Fatalf("unexpected config %+v", cfg)
	}
	if cfg.Worker.RetryDelay != 45*time.Second {
		t.Fatalf("unexpected retry delay %s", cfg.Worker.RetryDelay)
	}
	if err := cfg.RequireSession(); err != nil {
		t.Fatalf("session config: %v", err)
	}
}

func TestLoadRejectsInvalidSettings(t *testing.T) {
	cases := map[string]func(values map[string]any){
		"missing root":       func(values map[string]any) { delete(values, "site.root") },
		"unknown driver":     func(values map[string]any) { values["database.driver"] = "mysql" },
		"postgres no dsn":    func(values map[string]any) { values["database.driver"] = "postgres" },
		"inverted ttl":       func(values map[string]any) { values["locks.max_ttl"] = time.Minute },
		"inverted threshold": func(values map[string]any) { values["validator.monitor_threshold"] = 9 },
	}
	for name, mutate := range cases {
		t.Run(name, func(t *testing.T) {
			values := map[string]any{"site.root": "/srv/site"}
			mutate(values)
			configViper := NewViper()
			for key, value := range values {
				configViper.Set(key, value)
			}
			if _, err := Load(configViper); err == nil {
				t.Fatalf("expected error for %s", strings.ReplaceAll(name, " ", "_"))
			}
		})
	}
}
