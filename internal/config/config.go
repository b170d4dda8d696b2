// Package config loads treesync settings from YAML and checks them against
// an embedded CUE schema.
package config

import (
	"bytes"
	_ "embed"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"time"

	"cuelang.org/go/cue"
	"cuelang.org/go/cue/cuecontext"
	"gopkg.in/yaml.v3"

	"github.com/roach88/treesync/internal/order"
)

//go:embed schema.cue
var schemaSource string

// Config holds every tunable of a treesync process.
type Config struct {
	Database           string   `yaml:"database"`
	PollInterval       Duration `yaml:"poll_interval"`
	SpoolDir           string   `yaml:"spool_dir"`
	RebalanceThreshold float64  `yaml:"rebalance_threshold"`
	FailureBuffer      int      `yaml:"failure_buffer"`
	BackendTimeout     Duration `yaml:"backend_timeout"`
	DetachOnNodeDelete bool     `yaml:"detach_on_node_delete"`
	LogLevel           string   `yaml:"log_level"`
}

// Duration is a time.Duration written as "250ms" or "2s" in YAML.
type Duration time.Duration

// UnmarshalYAML accepts Go duration strings.
func (d *Duration) UnmarshalYAML(node *yaml.Node) error {
	var s string
	if err := node.Decode(&s); err != nil {
		return fmt.Errorf("line %d: duration must be a string: %w", node.Line, err)
	}
	v, err := time.ParseDuration(strings.TrimSpace(s))
	if err != nil {
		return fmt.Errorf("line %d: %w", node.Line, err)
	}
	*d = Duration(v)
	return nil
}

// MarshalYAML writes the duration in Go syntax.
func (d Duration) MarshalYAML() (interface{}, error) {
	return time.Duration(d).String(), nil
}

// Std returns the value as a time.Duration.
func (d Duration) Std() time.Duration { return time.Duration(d) }

// Default returns the built-in settings.
func Default() Config {
	return Config{
		Database:           "treesync.db",
		PollInterval:       Duration(250 * time.Millisecond),
		RebalanceThreshold: order.MinGap,
		FailureBuffer:      64,
		DetachOnNodeDelete: true,
		LogLevel:           "info",
	}
}

// Load reads path over the defaults. An empty file yields the defaults.
func Load(path string) (Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("failed to read config file: %w", err)
	}
	cfg, err := Parse(data)
	if err != nil {
		return Config{}, fmt.Errorf("%s: %w", path, err)
	}
	return cfg, nil
}

// Parse decodes YAML over the defaults and validates the result.
func Parse(data []byte) (Config, error) {
	cfg := Default()
	decoder := yaml.NewDecoder(bytes.NewReader(data))
	decoder.KnownFields(true)
	if err := decoder.Decode(&cfg); err != nil && !errors.Is(err, io.EOF) {
		return Config{}, fmt.Errorf("failed to parse YAML: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate unifies the config with the embedded schema.
func (c Config) Validate() error {
	ctx := cuecontext.New()
	schema := ctx.CompileString(schemaSource, cue.Filename("schema.cue"))
	if err := schema.Err(); err != nil {
		return fmt.Errorf("compiling config schema: %w", err)
	}
	def := schema.LookupPath(cue.ParsePath("#Config"))
	value := def.Unify(ctx.Encode(c.fields()))
	if err := value.Validate(cue.Concrete(true)); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}
	return nil
}

// Level parses LogLevel. Validate has already restricted its values.
func (c Config) Level() slog.Level {
	var level slog.Level
	if err := level.UnmarshalText([]byte(c.LogLevel)); err != nil {
		return slog.LevelInfo
	}
	return level
}

func (c Config) fields() map[string]any {
	return map[string]any{
		"database":              c.Database,
		"poll_interval":         int64(c.PollInterval),
		"spool_dir":             c.SpoolDir,
		"rebalance_threshold":   c.RebalanceThreshold,
		"failure_buffer":        c.FailureBuffer,
		"backend_timeout":       int64(c.BackendTimeout),
		"detach_on_node_delete": c.DetachOnNodeDelete,
		"log_level":             c.LogLevel,
	}
}
