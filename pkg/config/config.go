// Package config resolves foreman configuration from built-in defaults, an
// optional TOML file, an optional .env file and environment variables, in
// that order of increasing precedence.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"foreman/pkg/protocol"

	"github.com/joho/godotenv"
	"github.com/pelletier/go-toml/v2"
)

// ErrInvalid wraps every config parse failure.
var ErrInvalid = errors.New("invalid config")

// Paths holds all resolved foreman state file paths.
type Paths struct {
	Home      string // ~/.foreman or FOREMAN_HOME
	DBPath    string // state.db or FOREMAN_DB_PATH
	PIDPath   string // foreman.pid or FOREMAN_PID_PATH
	LockPath  string // foreman.lock or FOREMAN_LOCK_PATH
	StateDir  string // per-project SessionState documents
	LogsDir   string
	Reports   string
	Markers   string
	LocksDir  string // per-project advisory lock files
	DaemonLog string
}

// Weights are the free-text scoring weights of the completion detector.
type Weights struct {
	Baseline         float64 `toml:"baseline"`
	CompletionPhrase float64 `toml:"completion_phrase"`
	AllTasksDone     float64 `toml:"all_tasks_done"`
	Decommission     float64 `toml:"decommission"`
	NoActiveWork     float64 `toml:"no_active_work"`
	ActiveWorkPerHit float64 `toml:"active_work_per_hit"`
	PositiveEmoji    float64 `toml:"positive_emoji"`
	NegativeEmoji    float64 `toml:"negative_emoji"`
	VolumeBonus      float64 `toml:"volume_bonus"`
	ErrorPenalty     float64 `toml:"error_penalty"`
}

// Config holds every tunable used by the daemon and CLI.
type Config struct {
	Paths Paths

	PollInterval    time.Duration
	MaxConcurrent   int
	MaxRetries      int
	BatchMonitoring bool
	AIValidation    bool
	BatchSweep      time.Duration
	// ResearchCommand rewrites a failed spec before retry when AIValidation is on.
	ResearchCommand []string

	// Scheduler
	DeliveryWait       time.Duration // wait before comparing pane output after a check-in
	TaskRetryDelay     time.Duration
	MaxIntervalMinutes int

	// Health
	HealthInterval      time.Duration
	StuckThreshold      time.Duration
	IdleThreshold       time.Duration
	NudgeCooldown       time.Duration
	RecoveryGrace       time.Duration
	MaxRecoveryAttempts int
	WorkerBinary        string
	WorkerStartCommand  string
	AuthCheckCommand    []string

	// Completion
	CompletionInterval    time.Duration
	MinCheckAge           time.Duration
	TimeoutMultiplier     float64
	DefaultEstimatedHours float64
	AllStuckFailAfter     time.Duration
	CompleteThreshold     float64
	FailThreshold         float64
	SeriousErrorMin       int
	ScrollbackLines       int
	Weights               Weights

	// Failure handling
	TeardownAttempts int
	TeardownBackoff  time.Duration
	LaunchTimeout    time.Duration
	LaunchCommand    string
	ReportTailLines  int
	ExternalTimeout  time.Duration

	// Cycle detection
	CycleWindow       time.Duration
	RapidCount        int
	RapidWindow       time.Duration
	FixedCount        int
	EmergencyMinCount int
	EmergencyRatio    float64
	EventBufferSize   int

	// Lock
	LockStaleAfter time.Duration
	LockHeartbeat  time.Duration

	// Notification
	SMTPHost     string
	SMTPPort     int
	SMTPUsername string
	SMTPPassword string
	MailFrom     string
	MailTo       []string

	// Telemetry
	OTLPEndpoint string
	ServiceName  string
}

// Default returns the built-in configuration rooted at home.
func Default(home string) Config {
	return Config{
		Paths:           defaultPaths(home),
		PollInterval:    30 * time.Second,
		MaxConcurrent:   protocol.DefaultMaxConcurrent,
		MaxRetries:      protocol.DefaultMaxRetries,
		BatchMonitoring: true,
		AIValidation:    false,
		BatchSweep:      3 * time.Minute,

		DeliveryWait:       5 * time.Second,
		TaskRetryDelay:     protocol.DefaultRetryDelay,
		MaxIntervalMinutes: protocol.DefaultMaxIntervalMinutes,

		HealthInterval:      time.Minute,
		StuckThreshold:      protocol.DefaultStuckThreshold,
		IdleThreshold:       protocol.DefaultIdleThreshold,
		NudgeCooldown:       protocol.DefaultNudgeCooldown,
		RecoveryGrace:       10 * time.Second,
		MaxRecoveryAttempts: 3,
		WorkerBinary:        "claude",
		WorkerStartCommand:  "claude --dangerously-skip-permissions",
		AuthCheckCommand:    []string{"claude", "--version"},

		CompletionInterval:    time.Minute,
		MinCheckAge:           600 * time.Second,
		TimeoutMultiplier:     2,
		DefaultEstimatedHours: 4,
		AllStuckFailAfter:     protocol.DefaultStuckThreshold,
		CompleteThreshold:     0.7,
		FailThreshold:         0.3,
		SeriousErrorMin:       5,
		ScrollbackLines:       2000,
		Weights: Weights{
			Baseline:         0.2,
			CompletionPhrase: 0.4,
			AllTasksDone:     0.3,
			Decommission:     0.2,
			NoActiveWork:     0.1,
			ActiveWorkPerHit: 0.1,
			PositiveEmoji:    0.05,
			NegativeEmoji:    0.1,
			VolumeBonus:      0.1,
			ErrorPenalty:     0.3,
		},

		TeardownAttempts: 3,
		TeardownBackoff:  time.Second,
		LaunchTimeout:    30 * time.Second,
		LaunchCommand:    "foreman launch-next",
		ReportTailLines:  200,
		ExternalTimeout:  30 * time.Second,

		CycleWindow:       protocol.DefaultCycleWindow,
		RapidCount:        10,
		RapidWindow:       15 * time.Minute,
		FixedCount:        5,
		EmergencyMinCount: 3,
		EmergencyRatio:    2,
		EventBufferSize:   1000,

		LockStaleAfter: protocol.DefaultLockStaleAfter,
		LockHeartbeat:  protocol.DefaultLockHeartbeat,

		SMTPPort:    587,
		ServiceName: "foreman",
	}
}

func defaultPaths(home string) Paths {
	logs := filepath.Join(home, protocol.LogsDir)
	return Paths{
		Home:      home,
		DBPath:    filepath.Join(home, "state.db"),
		PIDPath:   filepath.Join(home, "foreman.pid"),
		LockPath:  filepath.Join(home, "foreman.lock"),
		StateDir:  filepath.Join(home, protocol.StateDir),
		LogsDir:   logs,
		Reports:   filepath.Join(home, protocol.ReportsDir),
		Markers:   filepath.Join(home, protocol.MarkersDir),
		LocksDir:  filepath.Join(home, "locks"),
		DaemonLog: filepath.Join(logs, "daemon.log"),
	}
}

// ResolveHome returns FOREMAN_HOME or ~/.foreman.
func ResolveHome() (string, error) {
	if v := os.Getenv("FOREMAN_HOME"); v != "" {
		return v, nil
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("get home dir: %w", err)
	}
	return filepath.Join(home, protocol.HomeDir), nil
}

// Load resolves the full configuration. A missing config.toml or .env is not
// an error; a malformed one is.
func Load() (Config, error) {
	home, err := ResolveHome()
	if err != nil {
		return Config{}, err
	}
	return LoadFrom(home)
}

// LoadFrom is Load with an explicit home directory.
func LoadFrom(home string) (Config, error) {
	cfg := Default(home)

	tomlPath := filepath.Join(home, "config.toml")
	data, err := os.ReadFile(tomlPath) //nolint:gosec // path derived from foreman home
	switch {
	case err == nil:
		var fc fileConfig
		if err := toml.Unmarshal(data, &fc); err != nil {
			return cfg, fmt.Errorf("%w: %s: %v", ErrInvalid, tomlPath, err)
		}
		fc.apply(&cfg)
	case !errors.Is(err, os.ErrNotExist):
		return cfg, fmt.Errorf("read %s: %w", tomlPath, err)
	}

	// godotenv.Load never overrides variables already present in the environment.
	envPath := filepath.Join(home, ".env")
	if _, statErr := os.Stat(envPath); statErr == nil {
		if err := godotenv.Load(envPath); err != nil {
			return cfg, fmt.Errorf("%w: %s: %v", ErrInvalid, envPath, err)
		}
	}

	if err := applyEnv(&cfg, os.Getenv); err != nil {
		return cfg, err
	}
	return cfg, nil
}

// fileConfig is the on-disk TOML shape. Durations are whole seconds or minutes
// so the file stays hand-editable.
type fileConfig struct {
	Daemon struct {
		PollIntervalSec int      `toml:"poll_interval_sec"`
		MaxConcurrent   int      `toml:"max_concurrent"`
		MaxRetries      int      `toml:"max_retries"`
		BatchMonitoring *bool    `toml:"batch_monitoring"`
		AIValidation    *bool    `toml:"ai_validation"`
		ResearchCommand []string `toml:"research_command"`
	} `toml:"daemon"`
	Health struct {
		StuckThresholdMin   int    `toml:"stuck_threshold_min"`
		IdleThresholdMin    int    `toml:"idle_threshold_min"`
		NudgeCooldownMin    int    `toml:"nudge_cooldown_min"`
		MaxRecoveryAttempts int    `toml:"max_recovery_attempts"`
		WorkerBinary        string `toml:"worker_binary"`
		WorkerStartCommand  string `toml:"worker_start_command"`
	} `toml:"health"`
	Completion struct {
		MinCheckAgeSec    int      `toml:"min_check_age_sec"`
		TimeoutMultiplier float64  `toml:"timeout_multiplier"`
		CompleteThreshold float64  `toml:"complete_threshold"`
		FailThreshold     float64  `toml:"fail_threshold"`
		Weights           *Weights `toml:"weights"`
	} `toml:"completion"`
	Failure struct {
		TeardownAttempts int    `toml:"teardown_attempts"`
		LaunchTimeoutSec int    `toml:"launch_timeout_sec"`
		LaunchCommand    string `toml:"launch_command"`
	} `toml:"failure"`
	Mail struct {
		Host     string   `toml:"host"`
		Port     int      `toml:"port"`
		Username string   `toml:"username"`
		From     string   `toml:"from"`
		To       []string `toml:"to"`
	} `toml:"mail"`
}

func (fc fileConfig) apply(cfg *Config) {
	d := fc.Daemon
	if d.PollIntervalSec > 0 {
		cfg.PollInterval = time.Duration(d.PollIntervalSec) * time.Second
	}
	if d.MaxConcurrent > 0 {
		cfg.MaxConcurrent = d.MaxConcurrent
	}
	if d.MaxRetries > 0 {
		cfg.MaxRetries = d.MaxRetries
	}
	if d.BatchMonitoring != nil {
		cfg.BatchMonitoring = *d.BatchMonitoring
	}
	if d.AIValidation != nil {
		cfg.AIValidation = *d.AIValidation
	}
	if len(d.ResearchCommand) > 0 {
		cfg.ResearchCommand = d.ResearchCommand
	}

	h := fc.Health
	if h.StuckThresholdMin > 0 {
		cfg.StuckThreshold = time.Duration(h.StuckThresholdMin) * time.Minute
		cfg.AllStuckFailAfter = cfg.StuckThreshold
	}
	if h.IdleThresholdMin > 0 {
		cfg.IdleThreshold = time.Duration(h.IdleThresholdMin) * time.Minute
	}
	if h.NudgeCooldownMin > 0 {
		cfg.NudgeCooldown = time.Duration(h.NudgeCooldownMin) * time.Minute
	}
	if h.MaxRecoveryAttempts > 0 {
		cfg.MaxRecoveryAttempts = h.MaxRecoveryAttempts
	}
	if h.WorkerBinary != "" {
		cfg.WorkerBinary = h.WorkerBinary
	}
	if h.WorkerStartCommand != "" {
		cfg.WorkerStartCommand = h.WorkerStartCommand
	}

	c := fc.Completion
	if c.MinCheckAgeSec > 0 {
		cfg.MinCheckAge = time.Duration(c.MinCheckAgeSec) * time.Second
	}
	if c.TimeoutMultiplier > 0 {
		cfg.TimeoutMultiplier = c.TimeoutMultiplier
	}
	if c.CompleteThreshold > 0 {
		cfg.CompleteThreshold = c.CompleteThreshold
	}
	if c.FailThreshold > 0 {
		cfg.FailThreshold = c.FailThreshold
	}
	if c.Weights != nil {
		cfg.Weights = *c.Weights
	}

	f := fc.Failure
	if f.TeardownAttempts > 0 {
		cfg.TeardownAttempts = f.TeardownAttempts
	}
	if f.LaunchTimeoutSec > 0 {
		cfg.LaunchTimeout = time.Duration(f.LaunchTimeoutSec) * time.Second
	}
	if f.LaunchCommand != "" {
		cfg.LaunchCommand = f.LaunchCommand
	}

	m := fc.Mail
	if m.Host != "" {
		cfg.SMTPHost = m.Host
	}
	if m.Port > 0 {
		cfg.SMTPPort = m.Port
	}
	if m.Username != "" {
		cfg.SMTPUsername = m.Username
	}
	if m.From != "" {
		cfg.MailFrom = m.From
	}
	if len(m.To) > 0 {
		cfg.MailTo = m.To
	}
}

// applyEnv overlays FOREMAN_* environment variables onto cfg.
func applyEnv(cfg *Config, getenv func(string) string) error {
	var errs []error
	str := func(key string, dst *string) {
		if v := getenv(key); v != "" {
			*dst = v
		}
	}
	integer := func(key string, dst *int) {
		v := getenv(key)
		if v == "" {
			return
		}
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			errs = append(errs, fmt.Errorf("%w: %s=%q must be a positive integer", ErrInvalid, key, v))
			return
		}
		*dst = n
	}
	duration := func(key string, unit time.Duration, dst *time.Duration) {
		n := 0
		integer(key, &n)
		if n > 0 {
			*dst = time.Duration(n) * unit
		}
	}
	boolean := func(key string, dst *bool) {
		v := getenv(key)
		if v == "" {
			return
		}
		b, err := strconv.ParseBool(v)
		if err != nil {
			errs = append(errs, fmt.Errorf("%w: %s=%q must be a boolean", ErrInvalid, key, v))
			return
		}
		*dst = b
	}
	float := func(key string, dst *float64) {
		v := getenv(key)
		if v == "" {
			return
		}
		f, err := strconv.ParseFloat(v, 64)
		if err != nil || f <= 0 {
			errs = append(errs, fmt.Errorf("%w: %s=%q must be a positive number", ErrInvalid, key, v))
			return
		}
		*dst = f
	}

	str("FOREMAN_DB_PATH", &cfg.Paths.DBPath)
	str("FOREMAN_PID_PATH", &cfg.Paths.PIDPath)
	str("FOREMAN_LOCK_PATH", &cfg.Paths.LockPath)
	duration("FOREMAN_POLL_INTERVAL", time.Second, &cfg.PollInterval)
	integer("FOREMAN_MAX_CONCURRENT", &cfg.MaxConcurrent)
	integer("FOREMAN_MAX_RETRIES", &cfg.MaxRetries)
	duration("FOREMAN_STUCK_THRESHOLD_MIN", time.Minute, &cfg.StuckThreshold)
	duration("FOREMAN_IDLE_THRESHOLD_MIN", time.Minute, &cfg.IdleThreshold)
	duration("FOREMAN_MIN_CHECK_DELAY_SEC", time.Second, &cfg.MinCheckAge)
	float("FOREMAN_TIMEOUT_MULTIPLIER", &cfg.TimeoutMultiplier)
	boolean("FOREMAN_BATCH_MONITORING", &cfg.BatchMonitoring)
	boolean("FOREMAN_AI_VALIDATION", &cfg.AIValidation)
	if v := getenv("FOREMAN_RESEARCH_COMMAND"); v != "" {
		cfg.ResearchCommand = strings.Fields(v)
	}
	str("FOREMAN_WORKER_BINARY", &cfg.WorkerBinary)
	str("FOREMAN_LAUNCH_COMMAND", &cfg.LaunchCommand)
	str("FOREMAN_SMTP_HOST", &cfg.SMTPHost)
	integer("FOREMAN_SMTP_PORT", &cfg.SMTPPort)
	str("FOREMAN_SMTP_USERNAME", &cfg.SMTPUsername)
	str("FOREMAN_SMTP_PASSWORD", &cfg.SMTPPassword)
	str("FOREMAN_MAIL_FROM", &cfg.MailFrom)
	if v := getenv("FOREMAN_MAIL_TO"); v != "" {
		cfg.MailTo = splitList(v)
	}
	str("FOREMAN_OTLP_ENDPOINT", &cfg.OTLPEndpoint)

	return errors.Join(errs...)
}

func splitList(v string) []string {
	var out []string
	for _, part := range strings.Split(v, ",") {
		if p := strings.TrimSpace(part); p != "" {
			out = append(out, p)
		}
	}
	return out
}

// EnsureDirs creates every directory the daemon writes into.
func (p Paths) EnsureDirs() error {
	for _, dir := range []string{p.Home, p.StateDir, p.LogsDir, p.Reports, p.Markers, p.LocksDir} {
		if err := os.MkdirAll(dir, 0o700); err != nil {
			return fmt.Errorf("create %s: %w", dir, err)
		}
	}
	return nil
}
