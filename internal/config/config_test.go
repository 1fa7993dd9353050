package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/spf13/pflag"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load("", nil)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.PollInterval != 15*time.Second || cfg.BannerDuration != 9*time.Second || cfg.DraftTTL != time.Hour {
		t.Errorf("durations = %v %v %v", cfg.PollInterval, cfg.BannerDuration, cfg.DraftTTL)
	}
	if cfg.DismissalCapacity != 25 {
		t.Errorf("dismissal_capacity = %d", cfg.DismissalCapacity)
	}
	if cfg.Role != "diner" || cfg.StoreDriver != "postgres" {
		t.Errorf("role = %q store = %q", cfg.Role, cfg.StoreDriver)
	}
}

func TestEnvironmentOverridesFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "notice.yaml")
	body := "role: kitchen\npoll_interval: 30s\nrestaurant_ids: [rest-1, rest-2]\n"
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatal(err)
	}
	t.Setenv("NOTICE_POLL_INTERVAL", "5s")
	t.Setenv("NOTICE_STORE_DRIVER", "memory")

	cfg, err := Load(path, nil)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Role != "kitchen" {
		t.Errorf("role = %q", cfg.Role)
	}
	if cfg.PollInterval != 5*time.Second {
		t.Errorf("poll_interval = %v, want env value", cfg.PollInterval)
	}
	if cfg.StoreDriver != "memory" {
		t.Errorf("store_driver = %q", cfg.StoreDriver)
	}
	if len(cfg.RestaurantIDs) != 2 || cfg.RestaurantIDs[1] != "rest-2" {
		t.Errorf("restaurant_ids = %v", cfg.RestaurantIDs)
	}
}

func TestFlagsWin(t *testing.T) {
	t.Setenv("NOTICE_ROLE", "server")
	flags := pflag.NewFlagSet("test", pflag.ContinueOnError)
	flags.String("role", "diner", "")
	flags.StringSlice("restaurant-ids", nil, "")
	if err := flags.Parse([]string{"--role=kitchen", "--restaurant-ids=rest-9"}); err != nil {
		t.Fatal(err)
	}

	cfg, err := Load("", flags)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Role != "kitchen" {
		t.Errorf("role = %q, want flag value", cfg.Role)
	}
	if len(cfg.RestaurantIDs) != 1 || cfg.RestaurantIDs[0] != "rest-9" {
		t.Errorf("restaurant_ids = %v", cfg.RestaurantIDs)
	}
}

func TestValidateRejectsUnknownRole(t *testing.T) {
	t.Setenv("NOTICE_ROLE", "manager")
	if _, err := Load("", nil); err == nil {
		t.Error("expected error for unknown role")
	}
}

func TestValidateBoundsDismissalCapacity(t *testing.T) {
	for _, value := range []string{"0", "26", "100"} {
		t.Run(value, func(t *testing.T) {
			t.Setenv("NOTICE_DISMISSAL_CAPACITY", value)
			if _, err := Load("", nil); err == nil {
				t.Errorf("dismissal_capacity %s accepted", value)
			}
		})
	}

	t.Setenv("NOTICE_DISMISSAL_CAPACITY", "10")
	cfg, err := Load("", nil)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.DismissalCapacity != 10 {
		t.Errorf("dismissal_capacity = %d, want 10", cfg.DismissalCapacity)
	}
}

func TestPostgresConfig(t *testing.T) {
	cfg := &Config{DBHost: "db", DBPort: "5433", DBUser: "u", DBPassword: "p", DBName: "n"}
	pg := cfg.Postgres()
	if pg.Host != "db" || pg.Port != "5433" || pg.Name != "n" {
		t.Errorf("postgres = %+v", pg)
	}
}
