package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/MWANGAZA-LAB/BitPesa-sub000/pkg/ratelimit"
	"github.com/MWANGAZA-LAB/BitPesa-sub000/pkg/resiliency"
)

// Duration parses "30s"/"5m" strings in YAML.
type Duration time.Duration

// UnmarshalYAML implements yaml.Unmarshaler.
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var s string
	if err := value.Decode(&s); err != nil {
		return err
	}
	parsed, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", s, err)
	}
	*d = Duration(parsed)
	return nil
}

type limitEntry struct {
	Limit  int      `yaml:"limit"`
	Window Duration `yaml:"window"`
}

// LimitsProfile is the operator-tunable policy file: per-class rate limits,
// circuit breaker thresholds, and retry bounds.
type LimitsProfile struct {
	Default limitEntry            `yaml:"default"`
	Classes map[string]limitEntry `yaml:"classes"`
	Breaker struct {
		Threshold       int      `yaml:"threshold"`
		RecoveryTimeout Duration `yaml:"recovery_timeout"`
	} `yaml:"breaker"`
	Retry struct {
		MaxAttempts int      `yaml:"max_attempts"`
		BaseDelay   Duration `yaml:"base_delay"`
		MaxDelay    Duration `yaml:"max_delay"`
		Multiplier  float64  `yaml:"multiplier"`
		Jitter      Duration `yaml:"jitter"`
	} `yaml:"retry"`
}

// DefaultLimits mirrors the production policy: transaction creation is
// stricter than status polling, breakers open after 5 failures with a 30s
// cool-down, and provider calls retry 3 times from a 1s base delay.
func DefaultLimits() *LimitsProfile {
	p := &LimitsProfile{
		Default: limitEntry{Limit: 60, Window: Duration(time.Minute)},
		Classes: map[string]limitEntry{
			"transaction:create": {Limit: 5, Window: Duration(time.Minute)},
			"transaction:status": {Limit: 60, Window: Duration(time.Minute)},
			"webhook:ingest":     {Limit: 300, Window: Duration(time.Minute)},
		},
	}
	p.Breaker.Threshold = 5
	p.Breaker.RecoveryTimeout = Duration(30 * time.Second)
	p.Retry.MaxAttempts = 3
	p.Retry.BaseDelay = Duration(time.Second)
	p.Retry.MaxDelay = Duration(10 * time.Second)
	p.Retry.Multiplier = 2
	p.Retry.Jitter = Duration(250 * time.Millisecond)
	return p
}

// LoadLimits reads the YAML profile at path. A missing file returns the
// built-in defaults; a malformed file is an error.
func LoadLimits(path string) (*LimitsProfile, error) {
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return DefaultLimits(), nil
	}
	if err != nil {
		return nil, fmt.Errorf("read limits profile: %w", err)
	}
	profile := DefaultLimits()
	if err := yaml.Unmarshal(data, profile); err != nil {
		return nil, fmt.Errorf("parse limits profile %s: %w", path, err)
	}
	if err := profile.validate(); err != nil {
		return nil, fmt.Errorf("invalid limits profile %s: %w", path, err)
	}
	return profile, nil
}

func (e limitEntry) validate(name string) error {
	if e.Limit <= 0 {
		return fmt.Errorf("%s: limit must be positive, got %d", name, e.Limit)
	}
	if e.Window <= 0 {
		return fmt.Errorf("%s: window must be positive, got %s", name, time.Duration(e.Window))
	}
	return nil
}

func (p *LimitsProfile) validate() error {
	if err := p.Default.validate("default"); err != nil {
		return err
	}
	for class, e := range p.Classes {
		if err := e.validate("class " + class); err != nil {
			return err
		}
	}
	if p.Breaker.Threshold <= 0 {
		return fmt.Errorf("breaker: threshold must be positive, got %d", p.Breaker.Threshold)
	}
	if p.Breaker.RecoveryTimeout <= 0 {
		return fmt.Errorf("breaker: recovery_timeout must be positive, got %s", time.Duration(p.Breaker.RecoveryTimeout))
	}
	if p.Retry.MaxAttempts <= 0 {
		return fmt.Errorf("retry: max_attempts must be positive, got %d", p.Retry.MaxAttempts)
	}
	return nil
}

// RatePolicies converts the profile into the limiter's policy map.
func (p *LimitsProfile) RatePolicies() (map[string]ratelimit.Policy, ratelimit.Policy) {
	classes := make(map[string]ratelimit.Policy, len(p.Classes))
	for class, e := range p.Classes {
		classes[class] = ratelimit.Policy{Limit: e.Limit, Window: time.Duration(e.Window)}
	}
	fallback := ratelimit.Policy{Limit: p.Default.Limit, Window: time.Duration(p.Default.Window)}
	return classes, fallback
}

// RetryPolicy converts the profile's retry section.
func (p *LimitsProfile) RetryPolicy() resiliency.RetryPolicy {
	return resiliency.RetryPolicy{
		MaxAttempts: p.Retry.MaxAttempts,
		BaseDelay:   time.Duration(p.Retry.BaseDelay),
		MaxDelay:    time.Duration(p.Retry.MaxDelay),
		Multiplier:  p.Retry.Multiplier,
		Jitter:      time.Duration(p.Retry.Jitter),
	}
}
