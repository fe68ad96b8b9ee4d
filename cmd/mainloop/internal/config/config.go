package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"golang.org/x/mod/semver"
	"gopkg.in/yaml.v3"
)

// SupportedVersion is the newest scenario file version understood.
const SupportedVersion = "v1.1.0"

// Scenario represents the optional scenario file.
type Scenario struct {
	Version  string        `yaml:"version,omitempty"`
	Duration time.Duration `yaml:"duration,omitempty"`
	Timers   []Timer       `yaml:"timers,omitempty"`
	Idle     []Idle        `yaml:"idle,omitempty"`
	Stdin    *Watch        `yaml:"stdin,omitempty"`
	Metrics  bool          `yaml:"metrics,omitempty"`
}

// Timer describes a timer source.
type Timer struct {
	Name     string        `yaml:"name"`
	Interval time.Duration `yaml:"interval"`
	Repeat   bool          `yaml:"repeat,omitempty"`
	Priority int           `yaml:"priority,omitempty"`
	// Count is the number of dispatches after which a repeating timer is
	// removed, zero for unlimited.
	Count int `yaml:"count,omitempty"`
	// Quit stops the loop once the timer is removed.
	Quit bool `yaml:"quit,omitempty"`
}

// Idle describes an idle source.
type Idle struct {
	Name     string `yaml:"name"`
	Priority int    `yaml:"priority,omitempty"`
	// Limit is the number of dispatches after which the source is removed.
	Limit int `yaml:"limit"`
}

// Watch describes an fd watch source on stdin.
type Watch struct {
	Name string `yaml:"name,omitempty"`
	// QuitOnEOF stops the loop when stdin is closed.
	QuitOnEOF bool `yaml:"quit_on_eof,omitempty"`
}

// Default is used when no scenario file exists.
func Default() *Scenario {
	return &Scenario{
		Version:  SupportedVersion,
		Duration: 3 * time.Second,
		Timers: []Timer{
			{Name: "heartbeat", Interval: 500 * time.Millisecond, Repeat: true},
			{Name: "deadline", Interval: 2 * time.Second, Quit: true},
		},
		Idle: []Idle{
			{Name: "warmup", Limit: 3, Priority: 200},
		},
	}
}

// LoadOptional reads the scenario at path if present, otherwise returning
// Default.
func LoadOptional(path string) (*Scenario, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return Default(), nil
		}
		return nil, fmt.Errorf("failed to read %s: %w", path, err)
	}

	var s Scenario
	if err := yaml.Unmarshal(data, &s); err != nil {
		return nil, fmt.Errorf("failed to parse %s: %w", path, err)
	}

	if err := s.Validate(); err != nil {
		return nil, fmt.Errorf("invalid scenario %s: %w", path, err)
	}

	return &s, nil
}

// Validate checks the version, and the fields the loop does not check itself.
func (s *Scenario) Validate() error {
	version := strings.TrimSpace(s.Version)
	if version == "" {
		version = SupportedVersion
	}
	if !semver.IsValid(version) {
		return fmt.Errorf("version %q is not a valid semantic version", s.Version)
	}
	if semver.Major(version) != semver.Major(SupportedVersion) || semver.Compare(version, SupportedVersion) > 0 {
		return fmt.Errorf("version %s is not supported (max %s)", version, SupportedVersion)
	}
	s.Version = version

	if s.Duration < 0 {
		return errors.New("duration must not be negative")
	}
	for i, t := range s.Timers {
		if t.Name == "" {
			return fmt.Errorf("timers[%d]: name is required", i)
		}
		if t.Count < 0 {
			return fmt.Errorf("timers[%d]: count must not be negative", i)
		}
	}
	for i, idle := range s.Idle {
		if idle.Name == "" {
			return fmt.Errorf("idle[%d]: name is required", i)
		}
		if idle.Limit <= 0 {
			return fmt.Errorf("idle[%d]: limit must be positive", i)
		}
	}
	return nil
}
