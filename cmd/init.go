package cmd

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/paulschiretz/pgl-sync/pkg/buildinfo"
	"github.com/paulschiretz/pgl-sync/pkg/config"
	"github.com/paulschiretz/pgl-sync/pkg/flagparse"
	"github.com/paulschiretz/pgl-sync/pkg/lockfile"
	"github.com/paulschiretz/pgl-sync/pkg/plog"
	"github.com/paulschiretz/pgl-sync/pkg/preflight"
)

// RunInit handles the logic for the 'init' command.
func RunInit(ctx context.Context, flagMap map[string]any) error {
	// The mirror is where the configuration file lives.
	mirror, err := resolveMirror(flagMap)
	if err != nil {
		return err
	}
	absMirror, err := filepath.Abs(mirror)
	if err != nil {
		return fmt.Errorf("could not determine absolute mirror path for %s: %w", mirror, err)
	}

	var baseConfig config.Config

	initDefault, _ := flagMap["default"].(bool)
	if initDefault {
		force, _ := flagMap["force"].(bool)
		if !force {
			configPath := filepath.Join(absMirror, config.ConfigFileName)
			if _, err := os.Stat(configPath); err == nil {
				fmt.Printf("WARNING: Configuration file already exists at %s.\n", configPath)
				fmt.Printf("Using -default will overwrite it with default values. All custom settings will be lost.\n")
				if !PromptForConfirmation("Are you sure you want to continue?", false) {
					plog.Info(buildinfo.Name + " init operation canceled.")
					return nil
				}
			}
		}
		baseConfig = config.NewDefault()
	} else {
		// Keep the settings of an existing config. config.Load returns the
		// defaults when there is no file yet.
		baseConfig, err = config.Load(absMirror)
		if err != nil {
			plog.Warn("Could not load existing configuration, starting with defaults.", "reason", err)
			baseConfig = config.NewDefault()
		}
	}

	runConfig := config.MergeConfigWithFlags(flagparse.Init, baseConfig, flagMap)
	runConfig.Mirror = absMirror

	if runConfig.Local == "" {
		return fmt.Errorf("the -local flag is required for the init operation (unless updating an existing config)")
	}

	// CRITICAL: Validate the config for the run
	if err := runConfig.Validate(true); err != nil {
		return err
	}

	startTime := time.Now()

	// 1. Preflight Checks
	// Ensure the mirror directory exists (or can be created) and is writable.
	if err := preflight.Run(preflight.SyncPlan, runConfig.Local, runConfig.Mirror); err != nil {
		return fmt.Errorf("initialization preflight failed: %w", err)
	}

	// 2. Acquire Lock
	// Ensure no sync is running against the mirror while the file is rewritten.
	lock, err := lockfile.Acquire(ctx, runConfig.Mirror, "init-"+uuid.NewString(), 0)
	if err != nil {
		return fmt.Errorf("failed to acquire lock on mirror directory: %w", err)
	}
	defer lock.Release()

	// 3. Generate Config
	if err := config.Generate(runConfig); err != nil {
		return fmt.Errorf("failed to generate config file: %w", err)
	}

	duration := time.Since(startTime).Round(time.Millisecond)
	plog.Info(buildinfo.Name+" mirror successfully initialized.", "mirror", runConfig.Mirror, "duration", duration)
	return nil
}

// PromptForConfirmation prompts the user for a yes/no response.
func PromptForConfirmation(prompt string, defaultYes bool) bool {
	suffix := "[y/N]"
	if defaultYes {
		suffix = "[Y/n]"
	}
	fmt.Printf("%s %s: ", prompt, suffix)

	var response string
	_, _ = fmt.Scanln(&response)
	response = strings.ToLower(strings.TrimSpace(response))

	if response == "" {
		return defaultYes
	}
	return response == "y" || response == "yes"
}
