package config

import (
	"testing"
	"time"
)

func TestGetDefaults(t *testing.T) {
	cfg := Get()
	if cfg.Mode != "self_hosted" {
		t.Fatalf("mode = %q", cfg.Mode)
	}
	if !cfg.SLAEnabled || cfg.BusinessHoursOnly {
		t.Fatalf("sla=%v bho=%v", cfg.SLAEnabled, cfg.BusinessHoursOnly)
	}
	if cfg.WarningThreshold != 0.8 {
		t.Fatalf("threshold = %v", cfg.WarningThreshold)
	}
	if cfg.AutoCloseResolvedAfterDays != 7 {
		t.Fatalf("auto close days = %d", cfg.AutoCloseResolvedAfterDays)
	}
	if err := cfg.Validate(); err != nil {
		t.Fatalf("defaults must validate: %v", err)
	}
}

func TestGetOverrides(t *testing.T) {
	t.Setenv("ESCALATED_MODE", "cloud")
	t.Setenv("HOSTED_API_URL", "https://api.example.com")
	t.Setenv("HOSTED_API_KEY", "k")
	t.Setenv("SLA_WARNING_THRESHOLD", "0.5")
	t.Setenv("SYNC_BASE_DELAY", "5s")
	cfg := Get()
	if cfg.Mode != "cloud" || cfg.WarningThreshold != 0.5 || cfg.SyncBaseDelay != 5*time.Second {
		t.Fatalf("overrides not applied: %+v", cfg)
	}
	if err := cfg.Validate(); err != nil {
		t.Fatalf("validate: %v", err)
	}
}

func TestValidateRejectsBadConfigs(t *testing.T) {
	cases := []struct {
		name string
		mod  func(*Config)
	}{
		{"bad mode", func(c *Config) { c.Mode = "hybrid" }},
		{"cloud without key", func(c *Config) { c.Mode = "cloud"; c.HostedAPIURL = "https://x"; c.HostedAPIKey = "" }},
		{"synced without redis", func(c *Config) {
			c.Mode = "synced"
			c.HostedAPIURL = "https://x"
			c.HostedAPIKey = "k"
			c.RedisAddr = ""
		}},
		{"threshold too high", func(c *Config) { c.WarningThreshold = 1.0 }},
		{"zero close days", func(c *Config) { c.AutoCloseResolvedAfterDays = 0 }},
		{"unknown day", func(c *Config) { c.BusinessDays = "mon,funday" }},
		{"bad holiday", func(c *Config) { c.Holidays = "next tuesday" }},
	}
	for _, tc := range cases {
		cfg := Get()
		tc.mod(&cfg)
		if err := cfg.Validate(); err == nil {
			t.Errorf("%s: expected error", tc.name)
		}
	}
}

func TestCalendarFromConfig(t *testing.T) {
	t.Setenv("BUSINESS_DAYS", "mon,tue,wed,thu,fri")
	t.Setenv("BUSINESS_HOLIDAYS", "2026-12-25")
	cfg := Get()
	cal, err := cfg.Calendar()
	if err != nil {
		t.Fatalf("calendar: %v", err)
	}
	// Friday Dec 25 2026 is a holiday, so work resumes Monday.
	start := time.Date(2026, 12, 24, 16, 0, 0, 0, time.UTC)
	got := cal.Add(start, 2*time.Hour)
	want := time.Date(2026, 12, 28, 10, 0, 0, 0, time.UTC)
	if !got.Equal(want) {
		t.Fatalf("Add over holiday = %v, want %v", got, want)
	}
}
