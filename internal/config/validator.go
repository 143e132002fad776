package config

import (
	"fmt"
	"net/url"
	"strings"
)

// validate performs structural validation on the configuration. Repository URL
// reachability is not checked here; a bad URL fails its own jobs at fetch time.
func validate(cfg *Config) error {
	if len(cfg.Commands) == 0 {
		return fmt.Errorf("commands: at least one command is required")
	}
	if len(cfg.Repositories) == 0 {
		return fmt.Errorf("repositories: at least one repository is required")
	}

	labels := make(map[string]int, len(cfg.Commands))
	for i, cmd := range cfg.Commands {
		if strings.TrimSpace(cmd.Label) == "" {
			return fmt.Errorf("commands[%d]: label is required", i)
		}
		if prev, dup := labels[cmd.Label]; dup {
			return fmt.Errorf("commands[%d]: label %q already used by commands[%d]", i, cmd.Label, prev)
		}
		labels[cmd.Label] = i

		if cmd.Run.IsZero() {
			return fmt.Errorf("commands[%d] (%s): run is required", i, cmd.Label)
		}
		if err := checkUnresolvedEnvVars(cmd.Run); err != nil {
			return fmt.Errorf("commands[%d] (%s): run: %w", i, cmd.Label, err)
		}
		for j, step := range cmd.Prepare {
			if step.IsZero() {
				return fmt.Errorf("commands[%d] (%s): prepare[%d] is empty", i, cmd.Label, j)
			}
			if err := checkUnresolvedEnvVars(step); err != nil {
				return fmt.Errorf("commands[%d] (%s): prepare[%d]: %w", i, cmd.Label, j, err)
			}
		}
	}

	for i, repo := range cfg.Repositories {
		if strings.TrimSpace(repo.URL) == "" {
			return fmt.Errorf("repositories[%d]: url is required", i)
		}
		if envVarPattern.MatchString(repo.URL) {
			matches := envVarPattern.FindStringSubmatch(repo.URL)
			return fmt.Errorf("repositories[%d]: environment variable %s not set", i, matches[1])
		}
	}

	if cfg.Concurrency < 0 {
		return fmt.Errorf("concurrency must be >= 0 (0 means unlimited)")
	}
	if cfg.Workspace.CleanupAttempts < 1 {
		return fmt.Errorf("workspace.cleanup_attempts must be >= 1")
	}
	if cfg.Workspace.CleanupInterval < 0 {
		return fmt.Errorf("workspace.cleanup_interval must not be negative")
	}
	if len(cfg.Shell) == 1 {
		return fmt.Errorf("shell must name the interpreter and its command flag, e.g. [sh, -c]")
	}

	validLogLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLogLevels[strings.ToLower(cfg.Log.Level)] {
		return fmt.Errorf("log.level must be one of: debug, info, warn, error (got %q)", cfg.Log.Level)
	}
	validLogFormats := map[string]bool{"json": true, "text": true}
	if !validLogFormats[strings.ToLower(cfg.Log.Format)] {
		return fmt.Errorf("log.format must be json or text (got %q)", cfg.Log.Format)
	}

	if cfg.Tracing.Enabled {
		if cfg.Tracing.SamplingRate < 0 || cfg.Tracing.SamplingRate > 1 {
			return fmt.Errorf("tracing.sampling_rate must be within [0, 1]")
		}
		if _, err := url.Parse("http://" + cfg.Tracing.Endpoint); err != nil {
			return fmt.Errorf("tracing.endpoint is invalid: %w", err)
		}
	}

	return nil
}

// checkUnresolvedEnvVars only inspects argv commands. Shell lines may
// legitimately reference shell variables that are expanded at run time.
func checkUnresolvedEnvVars(line CommandLine) error {
	for _, part := range line.Args {
		if envVarPattern.MatchString(part) {
			matches := envVarPattern.FindStringSubmatch(part)
			return fmt.Errorf("environment variable %s not set", matches[1])
		}
	}
	return nil
}
