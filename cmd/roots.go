package cmd

import (
	"fmt"
	"time"

	"github.com/paulschiretz/pgl-sync/pkg/config"
	"github.com/paulschiretz/pgl-sync/pkg/engine"
	"github.com/paulschiretz/pgl-sync/pkg/flagparse"
	"github.com/paulschiretz/pgl-sync/pkg/hook"
	"github.com/paulschiretz/pgl-sync/pkg/plog"
	"github.com/paulschiretz/pgl-sync/pkg/synclog"
	"github.com/paulschiretz/pgl-sync/pkg/util"
	"github.com/paulschiretz/pgl-sync/pkg/volumes"
)

// resolveMirror returns the mirror root named by -mirror, or derives it from
// -volume and -local as <volume>/<name of local>.
func resolveMirror(flagMap map[string]any) (string, error) {
	mirror, _ := flagMap["mirror"].(string)
	volume, _ := flagMap["volume"].(string)

	switch {
	case mirror != "" && volume != "":
		return "", fmt.Errorf("use either -mirror or -volume, not both")
	case mirror != "":
		return util.ExpandPath(mirror)
	case volume != "":
		local, _ := flagMap["local"].(string)
		if local == "" {
			return "", fmt.Errorf("the -local flag is required together with -volume")
		}
		expanded, err := util.ExpandPath(local)
		if err != nil {
			return "", fmt.Errorf("could not expand local path: %w", err)
		}
		return volumes.MirrorRoot(volume, expanded)
	default:
		return "", fmt.Errorf("the -mirror or -volume flag is required")
	}
}

// loadRunConfig loads the mirror's config, merges the flags over it and
// validates the result.
func loadRunConfig(command flagparse.Command, flagMap map[string]any) (config.Config, error) {
	mirror, err := resolveMirror(flagMap)
	if err != nil {
		return config.Config{}, err
	}

	loadedConfig, err := config.Load(mirror)
	if err != nil {
		return config.Config{}, fmt.Errorf("failed to load configuration from mirror: %w", err)
	}

	runConfig := config.MergeConfigWithFlags(command, loadedConfig, flagMap)
	runConfig.Mirror = mirror

	// CRITICAL: Validate the config for the run
	if err := runConfig.Validate(true); err != nil {
		return config.Config{}, err
	}

	plog.SetLevel(plog.LevelFromString(runConfig.LogLevel))
	return runConfig, nil
}

// engineConfig maps a validated configuration onto the engine's run settings.
func engineConfig(c config.Config) engine.Config {
	return engine.Config{
		LocalRoot:          c.Local,
		MirrorRoot:         c.Mirror,
		ScanWorkers:        c.Engine.ScanWorkers,
		ProgressEvery:      c.Engine.ProgressEvery,
		Exclusions:         c.Exclude.ExcludePatterns(),
		LargeFileThreshold: int64(c.Engine.LargeFileThresholdMB) << 20,
		CopyBufferSize:     int64(c.Engine.CopyBufferKB) << 10,
		BatchSize:          c.Engine.BatchSize,
		ReplyPollInterval:  time.Duration(c.Engine.ReplyPollMs) * time.Millisecond,
		ReplyTimeout:       time.Duration(c.Engine.ReplyTimeoutSeconds) * time.Second,
		LockWait:           time.Duration(c.Engine.LockWaitSeconds) * time.Second,
		CheckFreeSpace:     c.Engine.CheckFreeSpace,
		Hooks: hook.Plan{
			PreSync:  c.Hooks.PreSync,
			PostSync: c.Hooks.PostSync,
			FailFast: c.Hooks.FailFast,
		},
		Log: synclog.Options{
			MaxSize: int64(c.Log.MaxSizeKB) << 10,
			Keep:    c.Log.Keep,
			Format:  c.Log.Compression,
		},
	}
}
