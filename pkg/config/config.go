// Package config loads the YAML configuration: one main file for the
// process, plus one file per fixture in the fixtures directory. Unknown
// fields and invariant violations are errors at load time and prevent
// startup.
package config

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Duration accepts "2s"-style strings in YAML.
type Duration time.Duration

// UnmarshalYAML implements yaml.Unmarshaler.
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var s string
	if err := value.Decode(&s); err != nil {
		return fmt.Errorf("expected a duration string: %w", err)
	}
	parsed, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", s, err)
	}
	*d = Duration(parsed)
	return nil
}

// Std converts to a time.Duration.
func (d Duration) Std() time.Duration { return time.Duration(d) }

// AliasDecl binds an alias to an address.
type AliasDecl struct {
	Alias   string `yaml:"alias"`
	Address uint16 `yaml:"address"`
}

// GroupDecl binds a group name to an ordered list of output aliases.
type GroupDecl struct {
	Name    string   `yaml:"name"`
	Outputs []string `yaml:"outputs"`
}

// UniverseConfig declares the address space.
type UniverseConfig struct {
	Inputs  []AliasDecl `yaml:"inputs"`
	Outputs []AliasDecl `yaml:"outputs"`
	Groups  []GroupDecl `yaml:"groups"`
}

// TickConfig tunes the scheduler.
type TickConfig struct {
	RateHz         int      `yaml:"rate_hz"`
	Workers        int      `yaml:"workers"`
	ProgramBudget  Duration `yaml:"program_budget"`
	MaxFailures    int      `yaml:"max_failures"`
	SlowModePeriod int      `yaml:"slow_mode_period"`
}

// MQTTConfig configures the optional input-event ingress.
type MQTTConfig struct {
	BrokerURL   string `yaml:"broker_url"`
	TopicPrefix string `yaml:"topic_prefix"`
	ClientID    string `yaml:"client_id"`
}

// Config is the main configuration file.
type Config struct {
	SubmarineURL      string         `yaml:"submarine_url"`
	HTTPListenAddress string         `yaml:"http_listen_address"`
	NATSURL           string         `yaml:"nats_url"`
	StatusSubject     string         `yaml:"status_subject"`
	StatusInterval    Duration       `yaml:"status_interval"`
	MQTT              *MQTTConfig    `yaml:"mqtt"`
	StateDBPath       string         `yaml:"state_db_path"`
	FixturesPath      string         `yaml:"fixtures_path"`
	Tick              TickConfig     `yaml:"tick"`
	Universe          UniverseConfig `yaml:"universe"`
}

// ProgramDecl names a scripted program and its source path relative to the
// fixture file.
type ProgramDecl struct {
	Name string `yaml:"name"`
	Path string `yaml:"path"`
}

// FixtureFile is one per-fixture declaration.
type FixtureFile struct {
	Name                   string        `yaml:"name"`
	Outputs                []string      `yaml:"outputs"`
	Programs               []ProgramDecl `yaml:"programs"`
	DisableBuiltinPrograms bool          `yaml:"disable_builtin_programs"`
	DisableManualProgram   bool          `yaml:"disable_manual_program"`

	// Dir is the directory the file was read from, for resolving program
	// paths. Not part of the YAML.
	Dir string `yaml:"-"`
}

// ReadFile reads and validates the main configuration.
func ReadFile(path string) (*Config, error) {
	contents, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("unable to read config: %w", err)
	}

	var cfg Config
	if err := decodeStrict(contents, &cfg); err != nil {
		return nil, fmt.Errorf("unable to parse config: %w", err)
	}
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) validate() error {
	if c.SubmarineURL == "" {
		return fmt.Errorf("submarine_url must be set")
	}
	if c.FixturesPath == "" {
		return fmt.Errorf("fixtures_path must be set")
	}
	if c.Tick.RateHz < 0 || c.Tick.RateHz > 1000 {
		return fmt.Errorf("tick.rate_hz out of range: %d", c.Tick.RateHz)
	}
	if c.StatusInterval == 0 {
		c.StatusInterval = Duration(2 * time.Second)
	}
	if c.StatusSubject == "" {
		c.StatusSubject = "kaleidoscope.status"
	}
	if c.MQTT != nil && c.MQTT.BrokerURL == "" {
		return fmt.Errorf("mqtt.broker_url must be set when mqtt is configured")
	}

	seen := make(map[string]bool)
	for _, d := range append(append([]AliasDecl{}, c.Universe.Inputs...), c.Universe.Outputs...) {
		if d.Alias == "" {
			return fmt.Errorf("universe alias must not be empty")
		}
		if seen[d.Alias] {
			return fmt.Errorf("duplicate universe alias: %q", d.Alias)
		}
		seen[d.Alias] = true
	}

	return nil
}

// ReadFixtures reads every .yaml file in the fixtures directory, sorted by
// file name for deterministic load order.
func ReadFixtures(dir string) ([]FixtureFile, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("unable to list fixtures: %w", err)
	}

	var names []string
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		if ext := filepath.Ext(entry.Name()); ext != ".yaml" && ext != ".yml" {
			continue
		}
		names = append(names, entry.Name())
	}
	sort.Strings(names)

	fixtures := make([]FixtureFile, 0, len(names))
	for _, name := range names {
		path := filepath.Join(dir, name)
		contents, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("unable to read fixture %s: %w", name, err)
		}
		var f FixtureFile
		if err := decodeStrict(contents, &f); err != nil {
			return nil, fmt.Errorf("unable to parse fixture %s: %w", name, err)
		}
		if f.Name == "" {
			return nil, fmt.Errorf("fixture %s: name must be set", name)
		}
		if len(f.Outputs) == 0 {
			return nil, fmt.Errorf("fixture %s: outputs must not be empty", name)
		}
		for _, p := range f.Programs {
			if p.Name == "" || p.Path == "" {
				return nil, fmt.Errorf("fixture %s: program entries need name and path", name)
			}
			if strings.ContainsRune(p.Name, '/') {
				return nil, fmt.Errorf("fixture %s: program name %q must not contain '/'", name, p.Name)
			}
		}
		f.Dir = dir
		fixtures = append(fixtures, f)
	}

	return fixtures, nil
}

func decodeStrict(contents []byte, out interface{}) error {
	dec := yaml.NewDecoder(bytes.NewReader(contents))
	dec.KnownFields(true)
	return dec.Decode(out)
}
