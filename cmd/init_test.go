package cmd_test

import (
	"bytes"
	"context"
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/paulschiretz/pgl-sync/cmd"
	"github.com/paulschiretz/pgl-sync/pkg/config"
)

// withStdio runs fn with input on stdin and returns what it printed to stdout.
func withStdio(t *testing.T, input string, fn func()) string {
	t.Helper()
	rIn, wIn, err := os.Pipe()
	if err != nil {
		t.Fatal(err)
	}
	rOut, wOut, err := os.Pipe()
	if err != nil {
		t.Fatal(err)
	}

	origStdin, origStdout := os.Stdin, os.Stdout
	defer func() {
		os.Stdin = origStdin
		os.Stdout = origStdout
	}()
	os.Stdin = rIn
	os.Stdout = wOut

	go func() {
		_, _ = wIn.WriteString(input)
		_ = wIn.Close()
	}()

	var buf bytes.Buffer
	done := make(chan struct{})
	go func() {
		_, _ = io.Copy(&buf, rOut)
		close(done)
	}()

	fn()
	_ = wOut.Close()
	<-done
	return buf.String()
}

func TestPromptForConfirmation(t *testing.T) {
	tests := []struct {
		name       string
		input      string
		prompt     string
		defaultYes bool
		want       bool
		wantPrompt string
	}{
		{"Explicit Yes", "y\n", "Continue?", false, true, "Continue? [y/N]: "},
		{"Explicit No", "n\n", "Continue?", true, false, "Continue? [Y/n]: "},
		{"Default Yes (Empty)", "\n", "Sure?", true, true, "Sure? [Y/n]: "},
		{"Default No (Empty)", "\n", "Sure?", false, false, "Sure? [y/N]: "},
		{"Case Insensitive", "YES\n", "Go?", false, true, "Go? [y/N]: "},
		{"End Of Input", "", "Overwrite?", false, false, "Overwrite? [y/N]: "},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var got bool
			output := withStdio(t, tt.input, func() {
				got = cmd.PromptForConfirmation(tt.prompt, tt.defaultYes)
			})
			if got != tt.want {
				t.Errorf("PromptForConfirmation() = %v, want %v", got, tt.want)
			}
			if !strings.Contains(output, tt.wantPrompt) {
				t.Errorf("Output = %q, want substring %q", output, tt.wantPrompt)
			}
		})
	}
}

func TestRunInitDefault(t *testing.T) {
	ctx := context.Background()
	local := t.TempDir()
	mirror := t.TempDir()

	if err := cmd.RunInit(ctx, map[string]any{"local": local, "mirror": mirror, "batch-size": 11}); err != nil {
		t.Fatalf("init failed: %v", err)
	}

	t.Run("Declined Overwrite Keeps Settings", func(t *testing.T) {
		var err error
		output := withStdio(t, "n\n", func() {
			err = cmd.RunInit(ctx, map[string]any{"local": local, "mirror": mirror, "default": true})
		})
		if err != nil {
			t.Fatalf("init failed: %v", err)
		}
		if !strings.Contains(output, "already exists") {
			t.Errorf("expected overwrite warning, got %q", output)
		}
		cfg, err := config.Load(mirror)
		if err != nil {
			t.Fatal(err)
		}
		if cfg.Engine.BatchSize != 11 {
			t.Errorf("expected batch size 11 to be kept, got %d", cfg.Engine.BatchSize)
		}
	})

	t.Run("Forced Overwrite Resets Settings", func(t *testing.T) {
		if err := cmd.RunInit(ctx, map[string]any{"local": local, "mirror": mirror, "default": true, "force": true}); err != nil {
			t.Fatalf("init failed: %v", err)
		}
		cfg, err := config.Load(mirror)
		if err != nil {
			t.Fatal(err)
		}
		if cfg.Engine.BatchSize != config.NewDefault().Engine.BatchSize {
			t.Errorf("expected default batch size, got %d", cfg.Engine.BatchSize)
		}
		if _, err := os.Stat(filepath.Join(mirror, config.ConfigFileName)); err != nil {
			t.Errorf("expected config file: %v", err)
		}
	})
}
