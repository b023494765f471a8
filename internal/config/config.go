// Package config loads the supervisor's typed configuration from the
// process environment, validates it, and answers allowlist checks for
// commands and health-probe executables.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/viper"

	"github.com/arrowops/procsupd/internal/apperr"
	"github.com/arrowops/procsupd/internal/model"
)

const envPrefix = "PM"

// Config is the supervisor's runtime configuration, sourced entirely from
// environment variables (config-file parsing is an external collaborator,
// not part of this core).
type Config struct {
	DatabasePath               string
	LogRetentionDays           int
	MaxProcesses               int
	HealthCheckIntervalDefault int64 // ms
	AutoRestartEnabled         bool
	LogLevel                   model.LogLevel
	AllowedCommands            []string // path roots; pwd/$PWD/~ expanded at load, real paths resolved in IsCommandAllowed
	MaxLogSizeMB               int
	MaxCPUPercent              int
	MaxMemoryMB                int
	AuditLogEnabled            bool
}

// Load reads Config from the environment, applying defaults and validating
// bounds. It never reads a config file.
func Load() (*Config, error) {
	v := viper.New()
	v.SetEnvPrefix(envPrefix)
	v.AutomaticEnv()
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	for _, key := range []string{
		"database_path", "log_retention_days", "max_processes",
		"health_check_interval_default", "auto_restart_enabled", "log_level",
		"allowed_commands", "max_log_size_mb", "max_cpu_percent",
		"max_memory_mb", "audit_log",
	} {
		_ = v.BindEnv(key)
	}

	v.SetDefault("log_retention_days", 30)
	v.SetDefault("max_processes", 50)
	v.SetDefault("health_check_interval_default", 60000)
	v.SetDefault("auto_restart_enabled", true)
	v.SetDefault("log_level", "INFO")
	v.SetDefault("max_log_size_mb", 100)
	v.SetDefault("max_cpu_percent", 80)
	v.SetDefault("max_memory_mb", 1024)
	v.SetDefault("audit_log", "ON")

	dbPath := v.GetString("database_path")
	if strings.TrimSpace(dbPath) == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return nil, fmt.Errorf("%w: resolve default database path: %v", apperr.ErrInvalidConfig, err)
		}
		dbPath = filepath.Join(home, ".procsupd", "procsupd.db")
	}

	logLevel := model.LogLevel(strings.ToLower(strings.TrimSpace(v.GetString("log_level"))))
	switch logLevel {
	case model.LevelDebug, model.LevelInfo, model.LevelWarn, model.LevelError:
	default:
		return nil, fmt.Errorf("%w: logLevel %q", apperr.ErrInvalidConfig, v.GetString("log_level"))
	}

	allowed, err := expandAllowedCommands(splitList(v.GetString("allowed_commands")))
	if err != nil {
		return nil, fmt.Errorf("%w: allowedCommands: %v", apperr.ErrInvalidConfig, err)
	}

	c := &Config{
		DatabasePath:               dbPath,
		LogRetentionDays:           v.GetInt("log_retention_days"),
		MaxProcesses:               v.GetInt("max_processes"),
		HealthCheckIntervalDefault: v.GetInt64("health_check_interval_default"),
		AutoRestartEnabled:         v.GetBool("auto_restart_enabled"),
		LogLevel:                   logLevel,
		AllowedCommands:            allowed,
		MaxLogSizeMB:               v.GetInt("max_log_size_mb"),
		MaxCPUPercent:              v.GetInt("max_cpu_percent"),
		MaxMemoryMB:                v.GetInt("max_memory_mb"),
		AuditLogEnabled:            !strings.EqualFold(strings.TrimSpace(v.GetString("audit_log")), "OFF"),
	}
	if err := c.Validate(); err != nil {
		return nil, err
	}
	return c, nil
}

// Validate checks that every bounded option is within its documented range.
func (c *Config) Validate() error {
	if c.LogRetentionDays < 1 || c.LogRetentionDays > 365 {
		return fmt.Errorf("%w: logRetentionDays %d out of [1,365]", apperr.ErrInvalidConfig, c.LogRetentionDays)
	}
	if c.MaxProcesses < 1 || c.MaxProcesses > 1000 {
		return fmt.Errorf("%w: maxProcesses %d out of [1,1000]", apperr.ErrInvalidConfig, c.MaxProcesses)
	}
	if c.HealthCheckIntervalDefault < 1000 {
		return fmt.Errorf("%w: healthCheckIntervalDefault %dms below 1000", apperr.ErrInvalidConfig, c.HealthCheckIntervalDefault)
	}
	if c.MaxLogSizeMB < 1 || c.MaxLogSizeMB > 10000 {
		return fmt.Errorf("%w: maxLogSizeMB %d out of [1,10000]", apperr.ErrInvalidConfig, c.MaxLogSizeMB)
	}
	if c.MaxCPUPercent < 1 || c.MaxCPUPercent > 100 {
		return fmt.Errorf("%w: maxCpuPercent %d out of [1,100]", apperr.ErrInvalidConfig, c.MaxCPUPercent)
	}
	if c.MaxMemoryMB < 1 || c.MaxMemoryMB > 32000 {
		return fmt.Errorf("%w: maxMemoryMB %d out of [1,32000]", apperr.ErrInvalidConfig, c.MaxMemoryMB)
	}
	return nil
}

// IsCommandAllowed resolves cmd and every allowlist root to their canonical
// real path and reports whether cmd is permitted. An empty allowlist allows
// everything; any filesystem error (unresolvable path) yields false.
func (c *Config) IsCommandAllowed(cmd string) bool {
	if len(c.AllowedCommands) == 0 {
		return true
	}
	realCmd, err := filepath.EvalSymlinks(cmd)
	if err != nil {
		return false
	}
	realCmd = filepath.Clean(realCmd)
	for _, root := range c.AllowedCommands {
		realRoot, err := filepath.EvalSymlinks(root)
		if err != nil {
			continue
		}
		realRoot = filepath.Clean(realRoot)
		if realCmd == realRoot {
			return true
		}
		if strings.HasPrefix(realCmd, realRoot+string(filepath.Separator)) {
			return true
		}
	}
	return false
}

func splitList(raw string) []string {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil
	}
	parts := strings.Split(raw, string(os.PathListSeparator))
	if len(parts) == 1 && strings.Contains(raw, ",") {
		parts = strings.Split(raw, ",")
	}
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p != "" {
			out = append(out, p)
		}
	}
	return out
}

// expandAllowedCommands resolves the special tokens "pwd", "$PWD", and a
// leading "~" in each root to an absolute path at load time.
func expandAllowedCommands(roots []string) ([]string, error) {
	out := make([]string, 0, len(roots))
	for _, root := range roots {
		expanded, err := expandToken(root)
		if err != nil {
			return nil, err
		}
		out = append(out, expanded)
	}
	return out, nil
}

func expandToken(root string) (string, error) {
	switch root {
	case "pwd", "$PWD":
		return os.Getwd()
	}
	if strings.HasPrefix(root, "~") {
		home, err := os.UserHomeDir()
		if err != nil {
			return "", err
		}
		rest := strings.TrimPrefix(root, "~")
		return filepath.Join(home, rest), nil
	}
	return root, nil
}
