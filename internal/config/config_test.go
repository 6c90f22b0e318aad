package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestSaveAndLoad(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.toml")

	if err := Save(path, &Config{DefaultProfile: "work"}); err != nil {
		t.Fatalf("Save() error = %v", err)
	}

	loaded, err := Load(path)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if loaded.DefaultProfile != "work" {
		t.Errorf("DefaultProfile = %q, want %q", loaded.DefaultProfile, "work")
	}
}

func TestLoadMissing(t *testing.T) {
	if _, err := Load("/nonexistent/config.toml"); err == nil {
		t.Error("Load() expected error for missing file")
	}
}

func TestSavePermissions(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.toml")

	if err := Save(path, &Config{DefaultProfile: "main"}); err != nil {
		t.Fatal(err)
	}

	info, err := os.Stat(path)
	if err != nil {
		t.Fatal(err)
	}
	if perm := info.Mode().Perm(); perm != 0600 {
		t.Errorf("file permission = %o, want 0600", perm)
	}
}

func TestSaveReplacesWithoutLeftovers(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.toml")
	for _, name := range []string{"main", "work"} {
		if err := Save(path, &Config{DefaultProfile: name}); err != nil {
			t.Fatal(err)
		}
	}
	loaded, err := Load(path)
	if err != nil {
		t.Fatal(err)
	}
	if loaded.DefaultProfile != "work" {
		t.Errorf("DefaultProfile = %q, want work", loaded.DefaultProfile)
	}
	entries, err := os.ReadDir(dir)
	if err != nil {
		t.Fatal(err)
	}
	if len(entries) != 1 {
		t.Errorf("dir holds %d entries, want only config.toml", len(entries))
	}
}

func TestLoadSettingsMissingFileUsesDefaults(t *testing.T) {
	dir := t.TempDir()
	s, err := LoadSettings(filepath.Join(dir, "courier.toml"), filepath.Join(dir, ".env"))
	if err != nil {
		t.Fatalf("LoadSettings() error = %v", err)
	}
	want := Default()
	if s.Outbox.BackoffBase != want.Outbox.BackoffBase || s.Outbox.MaxAttempts != want.Outbox.MaxAttempts {
		t.Errorf("outbox settings = %+v, want defaults %+v", s.Outbox, want.Outbox)
	}
	if s.Reaper.Cron != "*/10 * * * *" {
		t.Errorf("reaper cron = %q, want */10 * * * *", s.Reaper.Cron)
	}
}

func TestLoadSettingsFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "courier.toml")
	content := `
[outbox]
backoff_base = "500ms"
backoff_cap = "30s"
max_attempts = 3

[schedule]
poll_interval = "1m"
`
	if err := os.WriteFile(path, []byte(content), 0600); err != nil {
		t.Fatal(err)
	}

	s, err := LoadSettings(path, "")
	if err != nil {
		t.Fatalf("LoadSettings() error = %v", err)
	}
	if s.Outbox.BackoffBase.Duration != 500*time.Millisecond {
		t.Errorf("backoff_base = %v, want 500ms", s.Outbox.BackoffBase)
	}
	if s.Outbox.MaxAttempts != 3 {
		t.Errorf("max_attempts = %d, want 3", s.Outbox.MaxAttempts)
	}
	if s.Schedule.PollInterval.Duration != time.Minute {
		t.Errorf("poll_interval = %v, want 1m", s.Schedule.PollInterval)
	}
	// Untouched sections keep defaults.
	if s.Connectivity.Debounce.Duration != 2*time.Second {
		t.Errorf("debounce = %v, want 2s", s.Connectivity.Debounce)
	}
}

func TestSaveSettingsRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "courier.toml")
	s := Default()
	s.Remote.Driver = DriverMemory
	s.Outbox.BackoffCap = Duration{time.Minute}

	if err := SaveSettings(path, s); err != nil {
		t.Fatal(err)
	}
	loaded, err := LoadSettings(path, "")
	if err != nil {
		t.Fatal(err)
	}
	if loaded.Remote.Driver != DriverMemory || loaded.Outbox.BackoffCap.Duration != time.Minute {
		t.Errorf("loaded = %+v", loaded)
	}
}

func TestEnvOverrides(t *testing.T) {
	dir := t.TempDir()
	envPath := filepath.Join(dir, ".env")
	if err := os.WriteFile(envPath, []byte("COURIER_MONGO_DB=fromdotenv\n"), 0600); err != nil {
		t.Fatal(err)
	}
	t.Setenv(EnvMongoURI, "mongodb://db.internal:27017")
	t.Setenv(EnvReaperCron, "*/5 * * * *")
	// godotenv never overrides variables that already exist; register a
	// restore with t.Setenv, then clear it so the .env value applies.
	t.Setenv(EnvMongoDB, "")
	_ = os.Unsetenv(EnvMongoDB)

	s, err := LoadSettings(filepath.Join(dir, "courier.toml"), envPath)
	if err != nil {
		t.Fatal(err)
	}
	if s.Remote.URI != "mongodb://db.internal:27017" {
		t.Errorf("uri = %q", s.Remote.URI)
	}
	if s.Remote.Database != "fromdotenv" {
		t.Errorf("database = %q, want fromdotenv", s.Remote.Database)
	}
	if s.Reaper.Cron != "*/5 * * * *" {
		t.Errorf("cron = %q", s.Reaper.Cron)
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Settings)
		wantErr bool
	}{
		{"defaults", func(*Settings) {}, false},
		{"memory driver", func(s *Settings) { s.Remote.Driver = DriverMemory; s.Remote.URI = "" }, false},
		{"unknown driver", func(s *Settings) { s.Remote.Driver = "firestore" }, true},
		{"short debounce", func(s *Settings) { s.Connectivity.Debounce = Duration{500 * time.Millisecond} }, true},
		{"cap below base", func(s *Settings) { s.Outbox.BackoffCap = Duration{time.Second} }, true},
		{"zero attempts", func(s *Settings) { s.Outbox.MaxAttempts = 0 }, true},
		{"bad cron", func(s *Settings) { s.Reaper.Cron = "every ten minutes" }, true},
		{"bad cron disabled", func(s *Settings) { s.Reaper.Enabled = false; s.Reaper.Cron = "nope" }, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := Default()
			tt.mutate(&s)
			err := s.Validate()
			if (err != nil) != tt.wantErr {
				t.Errorf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}
