package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/mkoga/stallmux/internal/model"
)

// RepetitionGates holds the per-tier consecutive-stall counts required
// before a mitigation fires. Critical has no gate.
type RepetitionGates struct {
	Warning  int
	Moderate int
	Severe   int
}

type TargetSpec struct {
	TargetID      string `yaml:"target_id"`
	TargetName    string `yaml:"target_name"`
	Kind          string `yaml:"kind"`
	ConnectionRef string `yaml:"connection_ref"`
	PaneRef       string `yaml:"pane_ref"`
}

type Config struct {
	SocketPath string
	DBPath     string

	CheckInterval            time.Duration
	RescueCooldown           time.Duration
	GracePeriodAfterRecovery time.Duration

	// SeverityThresholds is the ascending table of inclusive lower bounds.
	// Index 0..3 bind to warning/moderate/severe/critical; index 4 is the
	// emergency boundary inside critical.
	SeverityThresholds []time.Duration
	RepetitionGates    RepetitionGates

	QueueCapacity        int
	MaxActuationAttempts int
	RetryBackoff         []time.Duration
	ConnectTimeout       time.Duration
	CommandTimeout       time.Duration
	DrainGrace           time.Duration
	EventRetention       time.Duration

	Targets []TargetSpec
}

func DefaultConfig() Config {
	return Config{
		SocketPath:               defaultSocketPath(),
		DBPath:                   defaultDBPath(),
		CheckInterval:            30 * time.Second,
		RescueCooldown:           5 * time.Minute,
		GracePeriodAfterRecovery: 2 * time.Minute,
		SeverityThresholds: []time.Duration{
			5 * time.Minute,
			8 * time.Minute,
			10 * time.Minute,
			15 * time.Minute,
			20 * time.Minute,
		},
		RepetitionGates: RepetitionGates{
			Warning:  5,
			Moderate: 3,
			Severe:   2,
		},
		QueueCapacity:        256,
		MaxActuationAttempts: 2,
		RetryBackoff:         []time.Duration{250 * time.Millisecond, 1 * time.Second},
		ConnectTimeout:       3 * time.Second,
		CommandTimeout:       5 * time.Second,
		DrainGrace:           10 * time.Second,
		EventRetention:       7 * 24 * time.Hour,
	}
}

// fileConfig is the on-disk shape. Durations are plain seconds so the file
// stays arithmetic-free.
type fileConfig struct {
	SocketPath string `yaml:"socket_path"`
	DBPath     string `yaml:"db_path"`

	CheckIntervalSeconds  int   `yaml:"check_interval_seconds"`
	RescueCooldownSeconds int   `yaml:"rescue_cooldown_seconds"`
	GracePeriodSeconds    int   `yaml:"grace_period_seconds"`
	SeverityThresholds    []int `yaml:"severity_thresholds_seconds"`

	RepetitionGates struct {
		Warning  int `yaml:"warning"`
		Moderate int `yaml:"moderate"`
		Severe   int `yaml:"severe"`
	} `yaml:"repetition_gates"`

	QueueCapacity        int   `yaml:"queue_capacity"`
	MaxActuationAttempts int   `yaml:"max_actuation_attempts"`
	RetryBackoffMillis   []int `yaml:"retry_backoff_millis"`
	ConnectTimeoutSecs   int   `yaml:"connect_timeout_seconds"`
	CommandTimeoutSecs   int   `yaml:"command_timeout_seconds"`
	DrainGraceSeconds    int   `yaml:"drain_grace_seconds"`
	EventRetentionHours  int   `yaml:"event_retention_hours"`

	Targets []TargetSpec `yaml:"targets"`
}

// Load reads a YAML file over the defaults. A missing path returns the
// defaults unchanged.
func Load(path string) (Config, error) {
	cfg := DefaultConfig()
	if strings.TrimSpace(path) == "" {
		return cfg, nil
	}
	raw, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("read config: %w", err)
	}
	var fc fileConfig
	if err := yaml.Unmarshal(raw, &fc); err != nil {
		return Config{}, fmt.Errorf("parse config: %w", err)
	}
	if fc.SocketPath != "" {
		cfg.SocketPath = fc.SocketPath
	}
	if fc.DBPath != "" {
		cfg.DBPath = fc.DBPath
	}
	if fc.CheckIntervalSeconds > 0 {
		cfg.CheckInterval = time.Duration(fc.CheckIntervalSeconds) * time.Second
	}
	if fc.RescueCooldownSeconds > 0 {
		cfg.RescueCooldown = time.Duration(fc.RescueCooldownSeconds) * time.Second
	}
	if fc.GracePeriodSeconds > 0 {
		cfg.GracePeriodAfterRecovery = time.Duration(fc.GracePeriodSeconds) * time.Second
	}
	if len(fc.SeverityThresholds) > 0 {
		cfg.SeverityThresholds = make([]time.Duration, 0, len(fc.SeverityThresholds))
		for _, s := range fc.SeverityThresholds {
			cfg.SeverityThresholds = append(cfg.SeverityThresholds, time.Duration(s)*time.Second)
		}
	}
	if fc.RepetitionGates.Warning > 0 {
		cfg.RepetitionGates.Warning = fc.RepetitionGates.Warning
	}
	if fc.RepetitionGates.Moderate > 0 {
		cfg.RepetitionGates.Moderate = fc.RepetitionGates.Moderate
	}
	if fc.RepetitionGates.Severe > 0 {
		cfg.RepetitionGates.Severe = fc.RepetitionGates.Severe
	}
	if fc.QueueCapacity > 0 {
		cfg.QueueCapacity = fc.QueueCapacity
	}
	if fc.MaxActuationAttempts > 0 {
		cfg.MaxActuationAttempts = fc.MaxActuationAttempts
	}
	if len(fc.RetryBackoffMillis) > 0 {
		cfg.RetryBackoff = make([]time.Duration, 0, len(fc.RetryBackoffMillis))
		for _, ms := range fc.RetryBackoffMillis {
			cfg.RetryBackoff = append(cfg.RetryBackoff, time.Duration(ms)*time.Millisecond)
		}
	}
	if fc.ConnectTimeoutSecs > 0 {
		cfg.ConnectTimeout = time.Duration(fc.ConnectTimeoutSecs) * time.Second
	}
	if fc.CommandTimeoutSecs > 0 {
		cfg.CommandTimeout = time.Duration(fc.CommandTimeoutSecs) * time.Second
	}
	if fc.DrainGraceSeconds > 0 {
		cfg.DrainGrace = time.Duration(fc.DrainGraceSeconds) * time.Second
	}
	if fc.EventRetentionHours > 0 {
		cfg.EventRetention = time.Duration(fc.EventRetentionHours) * time.Hour
	}
	cfg.Targets = fc.Targets
	return cfg, nil
}

// Validate rejects configurations that must not reach the orchestrator.
// Any error here is fatal at startup.
func (c Config) Validate() error {
	if len(c.SeverityThresholds) != 5 {
		return fmt.Errorf("%s: severity_thresholds must list 5 durations, got %d", model.ErrConfigInvalid, len(c.SeverityThresholds))
	}
	for i := 0; i < len(c.SeverityThresholds); i++ {
		if c.SeverityThresholds[i] <= 0 {
			return fmt.Errorf("%s: severity threshold %d must be positive", model.ErrConfigInvalid, i)
		}
		if i > 0 && c.SeverityThresholds[i] <= c.SeverityThresholds[i-1] {
			return fmt.Errorf("%s: severity thresholds must be strictly ascending (index %d)", model.ErrConfigInvalid, i)
		}
	}
	if c.CheckInterval <= 0 {
		return fmt.Errorf("%s: check_interval must be positive", model.ErrConfigInvalid)
	}
	if c.RescueCooldown < 0 {
		return fmt.Errorf("%s: rescue_cooldown must not be negative", model.ErrConfigInvalid)
	}
	if c.GracePeriodAfterRecovery < 0 {
		return fmt.Errorf("%s: grace_period must not be negative", model.ErrConfigInvalid)
	}
	if c.QueueCapacity <= 0 {
		return fmt.Errorf("%s: queue_capacity must be positive", model.ErrConfigInvalid)
	}
	if c.MaxActuationAttempts <= 0 {
		return fmt.Errorf("%s: max_actuation_attempts must be positive", model.ErrConfigInvalid)
	}
	if c.RepetitionGates.Warning <= 0 || c.RepetitionGates.Moderate <= 0 || c.RepetitionGates.Severe <= 0 {
		return fmt.Errorf("%s: repetition gates must be positive", model.ErrConfigInvalid)
	}
	if len(c.Targets) == 0 {
		return fmt.Errorf("%s: at least one target is required", model.ErrConfigInvalid)
	}
	seen := make(map[string]struct{}, len(c.Targets))
	for _, t := range c.Targets {
		id := strings.TrimSpace(t.TargetID)
		if id == "" {
			return fmt.Errorf("%s: target_id is required", model.ErrConfigInvalid)
		}
		if _, dup := seen[id]; dup {
			return fmt.Errorf("%s: duplicate target %s", model.ErrConfigInvalid, id)
		}
		seen[id] = struct{}{}
		switch model.TargetKind(t.Kind) {
		case model.TargetKindLocal, "":
		case model.TargetKindSSH:
			if strings.TrimSpace(t.ConnectionRef) == "" {
				return fmt.Errorf("%s: ssh target %s requires connection_ref", model.ErrConfigInvalid, id)
			}
		default:
			return fmt.Errorf("%s: unsupported target kind %q for %s", model.ErrConfigInvalid, t.Kind, id)
		}
		if strings.TrimSpace(t.PaneRef) == "" {
			return fmt.Errorf("%s: target %s requires pane_ref", model.ErrConfigInvalid, id)
		}
	}
	return nil
}

// ModelTargets converts the configured registry into model targets.
func (c Config) ModelTargets(now time.Time) []model.Target {
	out := make([]model.Target, 0, len(c.Targets))
	for _, t := range c.Targets {
		kind := model.TargetKind(t.Kind)
		if kind == "" {
			kind = model.TargetKindLocal
		}
		name := t.TargetName
		if name == "" {
			name = t.TargetID
		}
		out = append(out, model.Target{
			TargetID:      t.TargetID,
			TargetName:    name,
			Kind:          kind,
			ConnectionRef: t.ConnectionRef,
			PaneRef:       t.PaneRef,
			UpdatedAt:     now,
		})
	}
	return out
}

func defaultSocketPath() string {
	runtimeDir := os.Getenv("XDG_RUNTIME_DIR")
	if runtimeDir != "" {
		return filepath.Join(runtimeDir, "stallmux", "stallmuxd.sock")
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return ".stallmuxd.sock"
	}
	return filepath.Join(home, ".local", "state", "stallmux", "stallmuxd.sock")
}

func defaultDBPath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return "stallmux.db"
	}
	return filepath.Join(home, ".local", "state", "stallmux", "audit.db")
}
