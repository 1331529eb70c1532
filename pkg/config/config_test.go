package config

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestDefault(t *testing.T) {
	t.Parallel()
	cfg := Default("/tmp/fm")
	if cfg.Paths.DBPath != "/tmp/fm/state.db" {
		t.Errorf("DBPath = %q", cfg.Paths.DBPath)
	}
	if cfg.MaxConcurrent != 1 || cfg.MaxRetries != 3 {
		t.Errorf("MaxConcurrent=%d MaxRetries=%d", cfg.MaxConcurrent, cfg.MaxRetries)
	}
	if cfg.CompleteThreshold != 0.7 || cfg.FailThreshold != 0.3 {
		t.Errorf("thresholds = %v/%v", cfg.CompleteThreshold, cfg.FailThreshold)
	}
	if cfg.NudgeCooldown != 6*time.Minute {
		t.Errorf("NudgeCooldown = %v", cfg.NudgeCooldown)
	}
}

func TestLoadFromTOML(t *testing.T) {
	home := t.TempDir()
	toml := `
[daemon]
poll_interval_sec = 10
max_concurrent = 4
batch_monitoring = false

[health]
stuck_threshold_min = 45

[completion]
timeout_multiplier = 3.5

[mail]
host = "smtp.example.com"
to = ["ops@example.com"]
`
	if err := os.WriteFile(filepath.Join(home, "config.toml"), []byte(toml), 0o600); err != nil {
		t.Fatal(err)
	}
	cfg, err := LoadFrom(home)
	if err != nil {
		t.Fatalf("LoadFrom: %v", err)
	}
	if cfg.PollInterval != 10*time.Second {
		t.Errorf("PollInterval = %v", cfg.PollInterval)
	}
	if cfg.MaxConcurrent != 4 {
		t.Errorf("MaxConcurrent = %d", cfg.MaxConcurrent)
	}
	if cfg.BatchMonitoring {
		t.Error("BatchMonitoring should be false")
	}
	if cfg.StuckThreshold != 45*time.Minute {
		t.Errorf("StuckThreshold = %v", cfg.StuckThreshold)
	}
	if cfg.TimeoutMultiplier != 3.5 {
		t.Errorf("TimeoutMultiplier = %v", cfg.TimeoutMultiplier)
	}
	if cfg.SMTPHost != "smtp.example.com" || len(cfg.MailTo) != 1 {
		t.Errorf("mail = %q %v", cfg.SMTPHost, cfg.MailTo)
	}
}

func TestLoadFromMalformedTOML(t *testing.T) {
	home := t.TempDir()
	if err := os.WriteFile(filepath.Join(home, "config.toml"), []byte("[daemon\n"), 0o600); err != nil {
		t.Fatal(err)
	}
	if _, err := LoadFrom(home); !errors.Is(err, ErrInvalid) {
		t.Fatalf("err = %v, want ErrInvalid", err)
	}
}

func TestEnvOverridesTOML(t *testing.T) {
	home := t.TempDir()
	if err := os.WriteFile(filepath.Join(home, "config.toml"), []byte("[daemon]\nmax_concurrent = 4\n"), 0o600); err != nil {
		t.Fatal(err)
	}
	t.Setenv("FOREMAN_MAX_CONCURRENT", "2")
	t.Setenv("FOREMAN_AI_VALIDATION", "true")
	t.Setenv("FOREMAN_MIN_CHECK_DELAY_SEC", "60")
	t.Setenv("FOREMAN_MAIL_TO", "a@x.io, b@x.io")

	cfg, err := LoadFrom(home)
	if err != nil {
		t.Fatalf("LoadFrom: %v", err)
	}
	if cfg.MaxConcurrent != 2 {
		t.Errorf("MaxConcurrent = %d, want 2", cfg.MaxConcurrent)
	}
	if !cfg.AIValidation {
		t.Error("AIValidation should be true")
	}
	if cfg.MinCheckAge != time.Minute {
		t.Errorf("MinCheckAge = %v", cfg.MinCheckAge)
	}
	if len(cfg.MailTo) != 2 || cfg.MailTo[1] != "b@x.io" {
		t.Errorf("MailTo = %v", cfg.MailTo)
	}
}

func TestDotEnvDoesNotOverrideEnvironment(t *testing.T) {
	home := t.TempDir()
	env := "FOREMAN_SMTP_HOST=from-dotenv\nFOREMAN_SMTP_USERNAME=dotenv-user\n"
	if err := os.WriteFile(filepath.Join(home, ".env"), []byte(env), 0o600); err != nil {
		t.Fatal(err)
	}
	t.Setenv("FOREMAN_SMTP_HOST", "from-env")
	// Register for cleanup so the value godotenv sets does not leak.
	t.Setenv("FOREMAN_SMTP_USERNAME", "")
	os.Unsetenv("FOREMAN_SMTP_USERNAME") //nolint:errcheck

	cfg, err := LoadFrom(home)
	if err != nil {
		t.Fatalf("LoadFrom: %v", err)
	}
	if cfg.SMTPHost != "from-env" {
		t.Errorf("SMTPHost = %q, want from-env", cfg.SMTPHost)
	}
	if cfg.SMTPUsername != "dotenv-user" {
		t.Errorf("SMTPUsername = %q, want dotenv-user", cfg.SMTPUsername)
	}
}

func TestApplyEnvRejectsBadValues(t *testing.T) {
	t.Parallel()
	cfg := Default("/tmp/fm")
	env := map[string]string{
		"FOREMAN_MAX_CONCURRENT":   "zero",
		"FOREMAN_BATCH_MONITORING": "maybe",
	}
	err := applyEnv(&cfg, func(k string) string { return env[k] })
	if !errors.Is(err, ErrInvalid) {
		t.Fatalf("err = %v, want ErrInvalid", err)
	}
	if cfg.MaxConcurrent != 1 {
		t.Errorf("MaxConcurrent changed to %d", cfg.MaxConcurrent)
	}
}

func TestResolveHomeEnv(t *testing.T) {
	t.Setenv("FOREMAN_HOME", "/custom/home")
	got, err := ResolveHome()
	if err != nil {
		t.Fatal(err)
	}
	if got != "/custom/home" {
		t.Errorf("ResolveHome = %q", got)
	}
}

func TestEnsureDirs(t *testing.T) {
	t.Parallel()
	p := Default(filepath.Join(t.TempDir(), "fm")).Paths
	if err := p.EnsureDirs(); err != nil {
		t.Fatal(err)
	}
	for _, d := range []string{p.StateDir, p.LogsDir, p.Reports, p.Markers, p.LocksDir} {
		if fi, err := os.Stat(d); err != nil || !fi.IsDir() {
			t.Errorf("%s not created: %v", d, err)
		}
	}
}
