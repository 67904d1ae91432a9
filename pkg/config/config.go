package config

import (
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"strings"

	"github.com/bmatcuk/doublestar/v4"
	"github.com/goccy/go-json"

	"github.com/paulschiretz/pgl-sync/pkg/buildinfo"
	"github.com/paulschiretz/pgl-sync/pkg/flagparse"
	"github.com/paulschiretz/pgl-sync/pkg/plog"
	"github.com/paulschiretz/pgl-sync/pkg/snapshot"
	"github.com/paulschiretz/pgl-sync/pkg/synclog"
	"github.com/paulschiretz/pgl-sync/pkg/util"
)

// ConfigFileName is the name of the configuration file kept at the mirror root.
const ConfigFileName = ".sync_config.json"

type EngineConfig struct {
	ScanWorkers          int  `json:"scanWorkers"`
	ProgressEvery        int  `json:"progressEvery"`
	LargeFileThresholdMB int  `json:"largeFileThresholdMB"`
	CopyBufferKB         int  `json:"copyBufferKB"`
	BatchSize            int  `json:"batchSize"`
	ReplyPollMs          int  `json:"replyPollMs"`
	ReplyTimeoutSeconds  int  `json:"replyTimeoutSeconds" comment:"Seconds to wait for an answer to a prompt. 0 waits until the run is stopped."`
	LockWaitSeconds      int  `json:"lockWaitSeconds"`
	CheckFreeSpace       bool `json:"checkFreeSpace"`
}

type ExcludeConfig struct {
	DefaultPatterns []string `json:"defaultPatterns,omitempty"`
	// Note: omitempty is intentionally not used for user-configurable slices
	// so that they appear in the generated config file for better discoverability.
	UserPatterns []string `json:"userPatterns"`
}

type LogConfig struct {
	MaxSizeKB   int            `json:"maxSizeKB"`
	Keep        int            `json:"keep"`
	Compression synclog.Format `json:"compression"`
}

type HooksConfig struct {
	// PreSync is a list of shell commands to execute before the trees are scanned.
	// SECURITY: These commands are executed as provided. Ensure they are from a trusted source.
	PreSync []string `json:"preSync"`
	// PostSync is a list of shell commands to execute once the run has ended.
	// SECURITY: These commands are executed as provided. Ensure they are from a trusted source.
	PostSync []string `json:"postSync"`
	FailFast bool     `json:"failFast"`
}

// RuntimeConfig holds the per-invocation answers policy. It is never written
// to the config file.
type RuntimeConfig struct {
	AssumeYes bool
	// Conflict is "ask", "local", "remote" or "skip".
	Conflict string
	Plain    bool
}

type Config struct {
	Version  string        `json:"version"`
	Local    string        `json:"local"`
	Mirror   string        `json:"-"` // Never added to config file
	Runtime  RuntimeConfig `json:"-"` // Never added to config file
	LogLevel string        `json:"logLevel"`
	Engine   EngineConfig  `json:"engine"`
	Exclude  ExcludeConfig `json:"exclude"`
	Log      LogConfig     `json:"log"`
	Hooks    HooksConfig   `json:"hooks"`
}

// NewDefault creates and returns a Config struct with sensible default values.
func NewDefault() Config {
	return Config{
		Version:  buildinfo.Version,
		Local:    "", // Intentionally empty to force user configuration.
		Mirror:   "",
		LogLevel: "info",
		Runtime: RuntimeConfig{
			Conflict: "ask",
		},
		Engine: EngineConfig{
			ScanWorkers:          runtime.NumCPU(),
			ProgressEvery:        10,
			LargeFileThresholdMB: 10,
			CopyBufferKB:         64,
			BatchSize:            5,
			ReplyPollMs:          100,
			ReplyTimeoutSeconds:  0,
			LockWaitSeconds:      0,
			CheckFreeSpace:       true,
		},
		Exclude: ExcludeConfig{
			UserPatterns: []string{},
			DefaultPatterns: []string{
				"*.tmp",        // Temporary files
				"*.temp",       // Temporary files
				"*.swp",        // Vim swap files
				"~*",           // Files starting with a tilde (often temporary)
				"desktop.ini",  // Windows folder customization file
				".DS_Store",    // macOS folder customization file
				"Thumbs.db",    // Windows image thumbnail cache
				"$Recycle.Bin", // Windows recycle bin
				"#recycle",     // Synology recycle bin
				"@eaDir",       // Synology index folder
			},
		},
		Log: LogConfig{
			MaxSizeKB:   1024,
			Keep:        3,
			Compression: synclog.Zstd,
		},
		Hooks: HooksConfig{
			PreSync:  []string{},
			PostSync: []string{},
		},
	}
}

// Load reads the configuration from the mirror root. If the file doesn't
// exist, the defaults are returned without an error. The file is decoded over
// the defaults, so fields missing from it keep their default value.
func Load(mirrorRoot string) (Config, error) {
	absMirror, err := filepath.Abs(mirrorRoot)
	if err != nil {
		return Config{}, fmt.Errorf("could not determine absolute path for mirror %s: %w", mirrorRoot, err)
	}
	configPath := filepath.Join(absMirror, ConfigFileName)

	data, err := os.ReadFile(configPath)
	if err != nil {
		if os.IsNotExist(err) {
			cfg := NewDefault()
			cfg.Mirror = absMirror
			return cfg, nil
		}
		return Config{}, fmt.Errorf("error opening config file %s: %w", configPath, err)
	}

	plog.Info("Loading configuration", "path", configPath)
	cfg := NewDefault()
	if err := json.Unmarshal(data, &cfg); err != nil {
		return Config{}, fmt.Errorf("error parsing config file %s: %w", configPath, err)
	}
	cfg.Mirror = absMirror

	// NOTE: if cfg.Version differs from the running build a migration step goes here.
	if cfg.Version != buildinfo.Version {
		cfg.Version = buildinfo.Version
	}
	return cfg, nil
}

// Generate creates or overwrites the config file in the mirror root.
func Generate(cfg Config) error {
	if cfg.Mirror == "" {
		return fmt.Errorf("mirror path cannot be empty")
	}
	configPath := filepath.Join(cfg.Mirror, ConfigFileName)
	jsonData, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal config to JSON: %w", err)
	}
	if err := os.WriteFile(configPath, jsonData, util.UserWritableFilePerms); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}
	plog.Info("Successfully saved config file", "path", configPath)
	return nil
}

// Validate checks the configuration for logical errors and expands both roots
// into clean absolute paths. With checkLocal the local root must be set.
func (c *Config) Validate(checkLocal bool) error {
	if checkLocal && c.Local == "" {
		return fmt.Errorf("local path cannot be empty")
	}
	if c.Mirror == "" {
		return fmt.Errorf("mirror path cannot be empty")
	}

	var err error
	if c.Local != "" {
		if c.Local, err = cleanPath(c.Local); err != nil {
			return fmt.Errorf("could not expand local path: %w", err)
		}
	}
	if c.Mirror, err = cleanPath(c.Mirror); err != nil {
		return fmt.Errorf("could not expand mirror path: %w", err)
	}

	switch strings.ToLower(c.LogLevel) {
	case "debug", "notice", "info", "warn", "error":
	default:
		return fmt.Errorf("logLevel %q is not one of 'debug', 'notice', 'info', 'warn', 'error'", c.LogLevel)
	}

	if c.Engine.ScanWorkers < 1 {
		return fmt.Errorf("engine.scanWorkers must be at least 1")
	}
	if c.Engine.ProgressEvery < 1 {
		return fmt.Errorf("engine.progressEvery must be at least 1")
	}
	if c.Engine.LargeFileThresholdMB < 1 {
		return fmt.Errorf("engine.largeFileThresholdMB must be at least 1")
	}
	if c.Engine.CopyBufferKB <= 0 {
		return fmt.Errorf("engine.copyBufferKB must be greater than 0")
	}
	if c.Engine.BatchSize < 1 {
		return fmt.Errorf("engine.batchSize must be at least 1")
	}
	if c.Engine.ReplyPollMs <= 0 {
		return fmt.Errorf("engine.replyPollMs must be greater than 0")
	}
	if c.Engine.ReplyTimeoutSeconds < 0 {
		return fmt.Errorf("engine.replyTimeoutSeconds cannot be negative")
	}
	if c.Engine.LockWaitSeconds < 0 {
		return fmt.Errorf("engine.lockWaitSeconds cannot be negative")
	}

	if c.Log.MaxSizeKB <= 0 {
		return fmt.Errorf("log.maxSizeKB must be greater than 0")
	}
	if c.Log.Keep < 0 {
		return fmt.Errorf("log.keep cannot be negative")
	}
	if _, err := synclog.ParseFormat(string(c.Log.Compression)); err != nil {
		return fmt.Errorf("log.compression: %w", err)
	}

	switch c.Runtime.Conflict {
	case "", "ask":
	default:
		if _, err := snapshot.ParseResolution(c.Runtime.Conflict); err != nil {
			return fmt.Errorf("invalid conflict policy %q: must be 'ask', 'local', 'remote' or 'skip'", c.Runtime.Conflict)
		}
	}

	if err := validateGlobPatterns("exclude.defaultPatterns", c.Exclude.DefaultPatterns); err != nil {
		return err
	}
	return validateGlobPatterns("exclude.userPatterns", c.Exclude.UserPatterns)
}

func cleanPath(p string) (string, error) {
	expanded, err := util.ExpandPath(p)
	if err != nil {
		return "", err
	}
	abs, err := filepath.Abs(expanded)
	if err != nil {
		return "", err
	}
	return filepath.Clean(abs), nil
}

// ExcludePatterns returns the combined, deduplicated default and user patterns.
func (e *ExcludeConfig) ExcludePatterns() []string {
	return util.MergeAndDeduplicate(e.DefaultPatterns, e.UserPatterns)
}

// LogSummary prints a user-friendly summary of the configuration.
func (c *Config) LogSummary() {
	logArgs := []any{
		"log_level", c.LogLevel,
		"local", c.Local,
		"mirror", c.Mirror,
		"scan_workers", c.Engine.ScanWorkers,
		"batch_size", c.Engine.BatchSize,
		"large_file_mb", c.Engine.LargeFileThresholdMB,
		"copy_buffer_kb", c.Engine.CopyBufferKB,
		"check_free_space", c.Engine.CheckFreeSpace,
		"conflicts", c.Runtime.Conflict,
		"assume_yes", c.Runtime.AssumeYes,
	}
	if c.Engine.ReplyTimeoutSeconds > 0 {
		logArgs = append(logArgs, "reply_timeout_s", c.Engine.ReplyTimeoutSeconds)
	}
	logArgs = append(logArgs, "log_rotation", fmt.Sprintf("%dKB keep:%d (%s)", c.Log.MaxSizeKB, c.Log.Keep, c.Log.Compression))
	if patterns := c.Exclude.ExcludePatterns(); len(patterns) > 0 {
		logArgs = append(logArgs, "exclude", strings.Join(patterns, ", "))
	}
	if len(c.Hooks.PreSync) > 0 {
		logArgs = append(logArgs, "pre_sync_hooks", strings.Join(c.Hooks.PreSync, "; "))
	}
	if len(c.Hooks.PostSync) > 0 {
		logArgs = append(logArgs, "post_sync_hooks", strings.Join(c.Hooks.PostSync, "; "))
	}
	plog.Info("Configuration loaded", logArgs...)
}

// validateGlobPatterns checks if a list of strings are valid doublestar patterns.
func validateGlobPatterns(fieldName string, patterns []string) error {
	for _, pattern := range patterns {
		if !doublestar.ValidatePattern(filepath.ToSlash(pattern)) {
			return fmt.Errorf("invalid glob pattern for %s: %q", fieldName, pattern)
		}
	}
	return nil
}

// MergeConfigWithFlags overlays the configuration values from flags on top of a base
// configuration. It iterates over the setFlags map, which contains only the flags
// explicitly provided by the user on the command line.
func MergeConfigWithFlags(command flagparse.Command, base Config, setFlags map[string]any) Config {
	merged := base

	for name, value := range setFlags {
		switch name {
		case "local":
			merged.Local = value.(string)
		case "mirror":
			merged.Mirror = value.(string)
		case "log-level":
			merged.LogLevel = value.(string)
		case "scan-workers":
			merged.Engine.ScanWorkers = value.(int)
		case "batch-size":
			merged.Engine.BatchSize = value.(int)
		case "copy-buffer-kb":
			merged.Engine.CopyBufferKB = value.(int)
		case "reply-timeout":
			merged.Engine.ReplyTimeoutSeconds = value.(int)
		case "lock-wait":
			merged.Engine.LockWaitSeconds = value.(int)
		case "check-free-space":
			merged.Engine.CheckFreeSpace = value.(bool)
		case "exclude":
			merged.Exclude.UserPatterns = value.([]string)
		case "pre-sync-hooks":
			merged.Hooks.PreSync = value.([]string)
		case "post-sync-hooks":
			merged.Hooks.PostSync = value.([]string)
		case "yes":
			if command == flagparse.Sync {
				merged.Runtime.AssumeYes = value.(bool)
			}
		case "conflict":
			if command == flagparse.Sync {
				merged.Runtime.Conflict = value.(string)
			}
		case "plain":
			merged.Runtime.Plain = value.(bool)
		case "volume", "force", "default":
			// Consumed by the command runners.
		default:
			plog.Debug("unhandled flag in MergeConfigWithFlags", "flag", name)
		}
	}
	return merged
}
