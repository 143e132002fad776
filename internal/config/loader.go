package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"regexp"
	"strings"

	"gopkg.in/yaml.v3"
)

var envVarPattern = regexp.MustCompile(`\$\{([A-Za-z_][A-Za-z0-9_]*)\}`)

// Load reads, parses and validates a run definition from a YAML (or JSON) file.
func Load(configPath string) (*Config, error) {
	absPath, err := filepath.Abs(configPath)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve config path %q: %w", configPath, err)
	}

	info, err := os.Stat(absPath)
	if err != nil {
		return nil, fmt.Errorf("config file not found: %s\n"+
			"Hint: Check the path passed with --source", absPath)
	}
	if info.IsDir() {
		absPath = filepath.Join(absPath, "repobench.yaml")
	}

	data, err := os.ReadFile(absPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file %s: %w", absPath, err)
	}

	cfg, err := Parse(data)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", absPath, err)
	}
	cfg.SourcePath = absPath
	return cfg, nil
}

// Parse decodes raw config bytes, applies defaults and validates the result.
func Parse(data []byte) (*Config, error) {
	cfg := Defaults()

	dec := yaml.NewDecoder(bytes.NewReader([]byte(interpolateEnv(string(data)))))
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	applyConfigDefaults(cfg)

	if err := validate(cfg); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	cfg.Fingerprint = Fingerprint(data)
	return cfg, nil
}

// applyConfigDefaults fills zero values left by a partial document and expands
// home-relative key paths.
func applyConfigDefaults(cfg *Config) {
	defaults := Defaults()

	if strings.TrimSpace(cfg.Workspace.BaseDir) == "" {
		cfg.Workspace.BaseDir = defaults.Workspace.BaseDir
	}
	if cfg.Workspace.CleanupAttempts == 0 {
		cfg.Workspace.CleanupAttempts = defaults.Workspace.CleanupAttempts
	}
	if cfg.Workspace.CleanupInterval == 0 {
		cfg.Workspace.CleanupInterval = defaults.Workspace.CleanupInterval
	}
	if cfg.Log.Level == "" {
		cfg.Log.Level = defaults.Log.Level
	}
	if cfg.Log.Format == "" {
		cfg.Log.Format = defaults.Log.Format
	}
	if cfg.Tracing.Endpoint == "" {
		cfg.Tracing.Endpoint = defaults.Tracing.Endpoint
	}

	cfg.SSHKey = ExpandHome(cfg.SSHKey)
	for i := range cfg.Repositories {
		cfg.Repositories[i].SSHKey = ExpandHome(cfg.Repositories[i].SSHKey)
	}
}

// interpolateEnv replaces ${VAR} with the environment value. Unknown variables
// are left in place so validation can report them.
func interpolateEnv(input string) string {
	return envVarPattern.ReplaceAllStringFunc(input, func(match string) string {
		varName := envVarPattern.FindStringSubmatch(match)[1]
		if value, exists := os.LookupEnv(varName); exists {
			return value
		}
		return match
	})
}

// ExpandHome expands a leading "~/" to the user's home directory.
func ExpandHome(path string) string {
	path = strings.TrimSpace(path)
	if path != "~" && !strings.HasPrefix(path, "~/") {
		return path
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return path
	}
	if path == "~" {
		return home
	}
	return filepath.Join(home, path[2:])
}
