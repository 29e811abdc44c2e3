package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestSaveAndLoad(t *testing.T) {
	path := filepath.Join(t.TempDir(), "accounts.toml")

	cfg := NewAccounts()
	cfg.Accounts = append(cfg.Accounts, AccountEntry{ID: 1, Name: "work", Dir: "/tmp/work", UUID: "u-1"})
	cfg.SelectedAccount = 1
	cfg.NextID = 2
	if err := Save(path, cfg); err != nil {
		t.Fatalf("Save() error = %v", err)
	}

	loaded, err := Load(path)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if loaded.SelectedAccount != 1 || loaded.NextID != 2 {
		t.Errorf("selected=%d next=%d, want 1 and 2", loaded.SelectedAccount, loaded.NextID)
	}
	if e := loaded.FindByName("work"); e == nil || e.Dir != "/tmp/work" {
		t.Errorf("FindByName(work) = %+v", e)
	}
	if loaded.Find(7) != nil {
		t.Error("Find(7) should be nil")
	}
}

func TestLoadMissing(t *testing.T) {
	if _, err := Load("/nonexistent/accounts.toml"); err == nil {
		t.Error("Load() expected error for missing file")
	}
}

func TestLoadRepairsNextID(t *testing.T) {
	path := filepath.Join(t.TempDir(), "accounts.toml")
	content := "selected_account = 4\n\n[[accounts]]\nid = 4\nname = \"a\"\ndir = \"/x\"\nuuid = \"u\"\n"
	if err := os.WriteFile(path, []byte(content), 0600); err != nil {
		t.Fatal(err)
	}
	cfg, err := Load(path)
	if err != nil {
		t.Fatal(err)
	}
	if cfg.NextID != 5 {
		t.Errorf("NextID = %d, want 5", cfg.NextID)
	}
}

func TestSavePermissions(t *testing.T) {
	path := filepath.Join(t.TempDir(), "accounts.toml")

	if err := Save(path, NewAccounts()); err != nil {
		t.Fatal(err)
	}

	info, err := os.Stat(path)
	if err != nil {
		t.Fatal(err)
	}
	if perm := info.Mode().Perm(); perm != 0600 {
		t.Errorf("file perm = %o, want 0600", perm)
	}
}

func TestLoadSettingsDefaults(t *testing.T) {
	s, err := LoadSettings(filepath.Join(t.TempDir(), "settings.toml"))
	if err != nil {
		t.Fatalf("LoadSettings() error = %v", err)
	}
	if s.Delivery.MaxRecipients != 50 {
		t.Errorf("max_recipients = %d, want 50", s.Delivery.MaxRecipients)
	}
	if s.SecureJoin.Timeout != 15*time.Minute {
		t.Errorf("securejoin.timeout = %v, want 15m", s.SecureJoin.Timeout)
	}
	if !s.MDNsEnabled || !s.E2EEEnabled {
		t.Error("mdns and e2ee should default to enabled")
	}
	if s.Configured() {
		t.Error("empty settings should not count as configured")
	}
}

func TestSettingsRoundTripAndEnvOverride(t *testing.T) {
	path := filepath.Join(t.TempDir(), "settings.toml")

	s := DefaultSettings()
	s.Addr = "alice@example.org"
	s.IMAP.Host = "imap.example.org"
	s.SMTP.Host = "smtp.example.org"
	s.Ephemeral.DefaultTimer = time.Hour
	s.Bot = true
	if err := SaveSettings(path, s); err != nil {
		t.Fatalf("SaveSettings() error = %v", err)
	}

	t.Setenv("POSTBOX_DELIVERY_MAX_RECIPIENTS", "7")

	loaded, err := LoadSettings(path)
	if err != nil {
		t.Fatalf("LoadSettings() error = %v", err)
	}
	if loaded.Addr != "alice@example.org" || !loaded.Configured() {
		t.Errorf("addr = %q configured = %v", loaded.Addr, loaded.Configured())
	}
	if loaded.Ephemeral.DefaultTimer != time.Hour {
		t.Errorf("default_timer = %v, want 1h", loaded.Ephemeral.DefaultTimer)
	}
	if !loaded.Bot {
		t.Error("bot flag lost")
	}
	if loaded.Delivery.MaxRecipients != 7 {
		t.Errorf("env override max_recipients = %d, want 7", loaded.Delivery.MaxRecipients)
	}
	if loaded.Domain() != "example.org" {
		t.Errorf("Domain() = %q", loaded.Domain())
	}
}

func TestValidateRejectsBadValues(t *testing.T) {
	s := DefaultSettings()
	s.MediaQuality = "best"
	if err := s.Validate(); err == nil {
		t.Error("unknown media quality should fail validation")
	}
	s = DefaultSettings()
	s.Delivery.BadAddressMaxTries = 40
	if err := s.Validate(); err == nil {
		t.Error("bad-address limit above max tries should fail validation")
	}
}
