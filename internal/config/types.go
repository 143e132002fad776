package config

import (
	"fmt"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config represents a complete repobench run definition.
type Config struct {
	Commands     []Command       `yaml:"commands"`
	Repositories []Repository    `yaml:"repositories"`
	SSHKey       string          `yaml:"ssh_key,omitempty"`
	Shell        []string        `yaml:"shell,omitempty"`
	Concurrency  int             `yaml:"concurrency,omitempty"`
	Workspace    WorkspaceConfig `yaml:"workspace"`
	Log          LogConfig       `yaml:"log"`
	Tracing      TracingConfig   `yaml:"tracing"`

	// SourcePath is the absolute path the config was loaded from.
	SourcePath string `yaml:"-"`
	// Fingerprint is the BLAKE3 digest of the raw config bytes.
	Fingerprint string `yaml:"-"`
}

// Command is one benchmark candidate.
type Command struct {
	Label   string        `yaml:"label"`
	Prepare []CommandLine `yaml:"prepare,omitempty"`
	Run     CommandLine   `yaml:"run"`
}

// Repository is one source repository every command runs against.
type Repository struct {
	URL string `yaml:"url"`
	// SSHKey overrides the global ssh_key for this repository only.
	SSHKey string `yaml:"ssh_key,omitempty"`
}

// WorkspaceConfig controls where per-job directories live and how they are torn down.
type WorkspaceConfig struct {
	BaseDir         string        `yaml:"base_dir"`
	CleanupAttempts int           `yaml:"cleanup_attempts"`
	CleanupInterval time.Duration `yaml:"cleanup_interval"`
}

// LogConfig defines diagnostic logging settings.
type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// TracingConfig defines OTLP trace export settings.
type TracingConfig struct {
	Enabled      bool    `yaml:"enabled"`
	Endpoint     string  `yaml:"endpoint"`
	SamplingRate float64 `yaml:"sampling_rate"`
}

// CommandLine is a process invocation. The YAML string form is a shell line
// handed to the configured shell; the YAML list form is an explicit argv that
// is executed without any shell.
type CommandLine struct {
	Shell string
	Args  []string
}

// ShellLine builds a CommandLine run through the shell.
func ShellLine(line string) CommandLine {
	return CommandLine{Shell: line}
}

// Argv builds a CommandLine executed directly.
func Argv(args ...string) CommandLine {
	return CommandLine{Args: args}
}

// IsZero reports whether no invocation was given.
func (c CommandLine) IsZero() bool {
	return strings.TrimSpace(c.Shell) == "" && len(c.Args) == 0
}

func (c CommandLine) String() string {
	if c.Shell != "" {
		return c.Shell
	}
	return strings.Join(c.Args, " ")
}

// UnmarshalYAML accepts either a scalar or a sequence of scalars.
func (c *CommandLine) UnmarshalYAML(node *yaml.Node) error {
	switch node.Kind {
	case yaml.ScalarNode:
		var line string
		if err := node.Decode(&line); err != nil {
			return err
		}
		*c = CommandLine{Shell: line}
		return nil
	case yaml.SequenceNode:
		var args []string
		if err := node.Decode(&args); err != nil {
			return fmt.Errorf("line %d: command argv must be a list of strings: %w", node.Line, err)
		}
		*c = CommandLine{Args: args}
		return nil
	default:
		return fmt.Errorf("line %d: command must be a string or a list of strings", node.Line)
	}
}

// MarshalYAML renders the same form that was parsed.
func (c CommandLine) MarshalYAML() (interface{}, error) {
	if c.Shell != "" {
		return c.Shell, nil
	}
	return c.Args, nil
}

// Defaults returns a Config with default values applied.
func Defaults() *Config {
	return &Config{
		Workspace: WorkspaceConfig{
			BaseDir:         ".repobench",
			CleanupAttempts: 5,
			CleanupInterval: time.Second,
		},
		Log: LogConfig{
			Level:  "info",
			Format: "json",
		},
		Tracing: TracingConfig{
			Endpoint:     "localhost:4318",
			SamplingRate: 1.0,
		},
	}
}
