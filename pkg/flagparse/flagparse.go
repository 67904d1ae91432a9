package flagparse

import (
	"flag"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/paulschiretz/pgl-sync/pkg/buildinfo"
)

// cliFlags holds pointers to all possible command-line flags.
// Fields are pointers so we can distinguish between "not registered for this command" (nil)
// and "registered but not set by user" (non-nil pointer to zero value).
type cliFlags struct {
	// Global
	LogLevel *string

	// Shared: Sync / Plan / Init
	Local  *string
	Mirror *string
	Volume *string

	ScanWorkers    *int
	BatchSize      *int
	CopyBufferKB   *int
	ReplyTimeout   *int
	LockWait       *int
	CheckFreeSpace *bool

	Exclude       *string
	PreSyncHooks  *string
	PostSyncHooks *string

	// Sync specific
	Yes      *bool
	Conflict *string
	Plain    *bool

	// Init specific
	Force   *bool
	Default *bool
}

func registerGlobalFlags(fs *flag.FlagSet, f *cliFlags) {
	f.LogLevel = fs.String("log-level", "info", "Set the logging level: 'debug', 'notice', 'info', 'warn', 'error'.")
}

func registerRootFlags(fs *flag.FlagSet, f *cliFlags) {
	f.Local = fs.String("local", "", "Local directory to synchronize. (Required unless stored in the mirror config)")
	f.Mirror = fs.String("mirror", "", "Mirror directory, usually on a removable drive.")
	f.Volume = fs.String("volume", "", "Mount point of a removable drive. The mirror becomes <volume>/<name of local>.")
}

func registerTuningFlags(fs *flag.FlagSet, f *cliFlags) {
	f.ScanWorkers = fs.Int("scan-workers", 0, "Number of worker goroutines for hashing files.")
	f.BatchSize = fs.Int("batch-size", 0, "Number of actions executed between two progress reports.")
	f.CopyBufferKB = fs.Int("copy-buffer-kb", 0, "Size of the I/O buffer in kilobytes for streamed copies.")
	f.ReplyTimeout = fs.Int("reply-timeout", 0, "Seconds to wait for an answer to a prompt (0=wait until stopped).")
	f.LockWait = fs.Int("lock-wait", 0, "Seconds to wait for another sync to release the mirror.")
	f.CheckFreeSpace = fs.Bool("check-free-space", true, "Check that both sides have room for the incoming bytes before copying.")
	f.Exclude = fs.String("exclude", "", "Comma-separated list of case-insensitive glob patterns to exclude on both sides.")
	f.PreSyncHooks = fs.String("pre-sync-hooks", "", "Comma-separated list of commands to run before the sync.")
	f.PostSyncHooks = fs.String("post-sync-hooks", "", "Comma-separated list of commands to run after the sync.")
}

func registerSyncFlags(fs *flag.FlagSet, f *cliFlags) {
	registerRootFlags(fs, f)
	registerTuningFlags(fs, f)
	f.Yes = fs.Bool("yes", false, "Confirm every deletion without asking.")
	f.Conflict = fs.String("conflict", "ask", "Conflict policy: 'ask', 'local', 'remote' or 'skip'.")
	f.Plain = fs.Bool("plain", false, "Print progress as log lines instead of a progress bar.")
}

func registerPlanFlags(fs *flag.FlagSet, f *cliFlags) {
	registerRootFlags(fs, f)
	f.ScanWorkers = fs.Int("scan-workers", 0, "Number of worker goroutines for hashing files.")
	f.Exclude = fs.String("exclude", "", "Comma-separated list of case-insensitive glob patterns to exclude on both sides.")
}

func registerInitFlags(fs *flag.FlagSet, f *cliFlags) {
	// Init supports all sync tuning flags (to generate config) plus 'force' and 'default'.
	registerRootFlags(fs, f)
	registerTuningFlags(fs, f)
	f.Force = fs.Bool("force", false, "Bypass confirmation prompts.")
	f.Default = fs.Bool("default", false, "Overwrite existing configuration with defaults.")
}

var commandDescriptions = map[Command]string{
	Sync:    "Synchronize the local directory with its mirror.",
	Plan:    "Show what a sync would do without changing anything.",
	Volumes: "List removable drives that can hold a mirror.",
	Init:    "Write a configuration file to the mirror directory.",
}

var commandRegistrars = map[Command]func(*flag.FlagSet, *cliFlags){
	Sync:    registerSyncFlags,
	Plan:    registerPlanFlags,
	Volumes: func(*flag.FlagSet, *cliFlags) {},
	Init:    registerInitFlags,
}

// Parse parses the provided arguments (usually os.Args[1:]) and returns the command and flag map.
func Parse(args []string) (Command, map[string]any, error) {
	// If no arguments provided, print help and exit.
	if len(args) == 0 {
		fs := flag.NewFlagSet("main", flag.ContinueOnError)
		printTopLevelUsage(fs)
		return None, nil, nil
	}

	cmdStr := strings.ToLower(args[0])
	if cmdStr == "help" || cmdStr == "-h" || cmdStr == "-help" || cmdStr == "--help" {
		fs := flag.NewFlagSet("main", flag.ContinueOnError)
		printTopLevelUsage(fs)
		return None, nil, nil
	}

	command, err := ParseCommand(cmdStr)
	if err != nil {
		return None, nil, err
	}
	if command == Version {
		return command, nil, nil
	}

	register, ok := commandRegistrars[command]
	if !ok {
		return None, nil, fmt.Errorf("unknown command: %s", args[0])
	}

	f := &cliFlags{}
	fs := flag.NewFlagSet(command.String(), flag.ContinueOnError)
	registerGlobalFlags(fs, f)
	register(fs, f)
	fs.Usage = func() {
		printSubcommandUsage(command, commandDescriptions[command], fs)
	}

	if err := fs.Parse(args[1:]); err != nil {
		return command, nil, err
	}
	if fs.NArg() > 0 {
		return command, nil, fmt.Errorf("unexpected arguments: %s", strings.Join(fs.Args(), " "))
	}

	flagMap, err := flagsToMap(fs, f)
	return command, flagMap, err
}

func flagsToMap(fs *flag.FlagSet, f *cliFlags) (map[string]any, error) {
	// Create a map of the flags that were explicitly set by the user, along with their values.
	// This map is used to selectively override the base configuration.
	usedFlags := make(map[string]bool)
	fs.Visit(func(f *flag.Flag) { usedFlags[f.Name] = true })

	flagMap := make(map[string]any)

	addIfUsed(flagMap, usedFlags, "log-level", f.LogLevel)

	addIfUsed(flagMap, usedFlags, "local", f.Local)
	addIfUsed(flagMap, usedFlags, "mirror", f.Mirror)
	addIfUsed(flagMap, usedFlags, "volume", f.Volume)

	addIfUsed(flagMap, usedFlags, "scan-workers", f.ScanWorkers)
	addIfUsed(flagMap, usedFlags, "batch-size", f.BatchSize)
	addIfUsed(flagMap, usedFlags, "copy-buffer-kb", f.CopyBufferKB)
	addIfUsed(flagMap, usedFlags, "reply-timeout", f.ReplyTimeout)
	addIfUsed(flagMap, usedFlags, "lock-wait", f.LockWait)
	addIfUsed(flagMap, usedFlags, "check-free-space", f.CheckFreeSpace)

	addIfUsed(flagMap, usedFlags, "yes", f.Yes)
	addIfUsed(flagMap, usedFlags, "plain", f.Plain)
	addIfUsed(flagMap, usedFlags, "force", f.Force)
	addIfUsed(flagMap, usedFlags, "default", f.Default)

	if f.Conflict != nil && usedFlags["conflict"] {
		policy := strings.ToLower(strings.TrimSpace(*f.Conflict))
		switch policy {
		case "ask", "local", "remote", "skip":
			flagMap["conflict"] = policy
		default:
			return nil, fmt.Errorf("invalid -conflict value %q: must be 'ask', 'local', 'remote' or 'skip'", *f.Conflict)
		}
	}

	// Handle flags that require parsing/validation.
	addParsedIfUsed(flagMap, usedFlags, "exclude", f.Exclude, ParseExcludeList)
	addParsedIfUsed(flagMap, usedFlags, "pre-sync-hooks", f.PreSyncHooks, ParseCmdList)
	addParsedIfUsed(flagMap, usedFlags, "post-sync-hooks", f.PostSyncHooks, ParseCmdList)

	return flagMap, nil
}

// addIfUsed adds the value of ptr to flagMap if ptr is not nil and the flag was set.
func addIfUsed[T any](flagMap map[string]any, usedFlags map[string]bool, name string, ptr *T) {
	if ptr != nil && usedFlags[name] {
		flagMap[name] = *ptr
	}
}

// addParsedIfUsed adds the parsed value of ptr to flagMap if ptr is not nil and the flag was set.
func addParsedIfUsed(flagMap map[string]any, usedFlags map[string]bool, name string, ptr *string, parser func(string) []string) {
	if ptr != nil && usedFlags[name] {
		flagMap[name] = parser(*ptr)
	}
}

// printTopLevelUsage prints the main help message.
func printTopLevelUsage(fs *flag.FlagSet) {
	execName := filepath.Base(os.Args[0])
	fmt.Fprintf(fs.Output(), "%s(%s) ", buildinfo.Name, buildinfo.Version)
	fmt.Fprintf(fs.Output(), "Two-way synchronization between a directory and its mirror.\n\n")
	fmt.Fprintf(fs.Output(), "Usage: %s <command> [flags]\n\n", execName)
	fmt.Fprintf(fs.Output(), "Commands:\n")
	fmt.Fprintf(fs.Output(), "  sync        Synchronize a directory with its mirror\n")
	fmt.Fprintf(fs.Output(), "  plan        Show the planned actions without executing them\n")
	fmt.Fprintf(fs.Output(), "  volumes     List removable drives that can hold a mirror\n")
	fmt.Fprintf(fs.Output(), "  init        Initialize a mirror configuration\n")
	fmt.Fprintf(fs.Output(), "  version     Print the application version\n")
	fmt.Fprintf(fs.Output(), "\nRun '%s <command> -help' for more information on a command.\n", execName)
}

// printSubcommandUsage prints the help message for a specific subcommand.
func printSubcommandUsage(command Command, desc string, fs *flag.FlagSet) {
	execName := filepath.Base(os.Args[0])
	fmt.Fprintf(fs.Output(), "%s(%s) ", buildinfo.Name, buildinfo.Version)
	fmt.Fprintf(fs.Output(), "Two-way synchronization between a directory and its mirror.\n\n")
	fmt.Fprintf(fs.Output(), "Usage of the %s command: %s %s [flags]\n\n", command, execName, command)
	fmt.Fprintf(fs.Output(), "%s\n\n", desc)
	fmt.Fprintf(fs.Output(), "Flags:\n")
	fs.PrintDefaults()
}

// ParseCmdList parses a comma-separated list of shell-like commands.
// It preserves quotes and handles backslash escapes so they can be interpreted by the shell.
func ParseCmdList(s string) []string {
	return parseListInternal(s, true, true)
}

// ParseExcludeList parses a comma-separated list of file or directory patterns.
// It removes quotes, as they are only used for grouping items with spaces.
// It treats backslashes as literal characters for Windows path compatibility.
func ParseExcludeList(s string) []string {
	return parseListInternal(s, false, false)
}

// parseListInternal is the core implementation for parsing a comma-separated list. It supports
// both single (') and double (") quotes to allow items to contain commas or spaces.
// - `keepQuotes`: Preserves quote characters in the output.
// - `handleEscapes`: Treats backslashes as escape characters.
func parseListInternal(s string, keepQuotes, handleEscapes bool) []string {
	var list []string
	var current strings.Builder
	var quoteChar rune

	// Helper to add the current buffered item to the list after trimming whitespace.
	appendItem := func() {
		trimmed := strings.TrimSpace(current.String())
		if trimmed != "" {
			list = append(list, trimmed)
		}
		current.Reset()
	}

	var isEscaped bool
	for _, r := range s {
		if isEscaped {
			current.WriteRune(r)
			isEscaped = false
			continue
		}

		switch {
		case r == '\\' && handleEscapes:
			isEscaped = true
			// For commands, we also keep the backslash for the shell to interpret.
			current.WriteRune(r)
		case r == '\'' || r == '"':
			if quoteChar == 0 { // Start of a new quoted section.
				quoteChar = r
				if keepQuotes {
					current.WriteRune(r)
				}
			} else if quoteChar == r { // End of the current quoted section.
				quoteChar = 0
				if keepQuotes {
					current.WriteRune(r)
				}
			} else { // A different quote character inside an existing quoted section.
				current.WriteRune(r) // Treat it as a literal character.
			}
		case r == ',' && quoteChar == 0: // Comma outside of any quotes.
			appendItem()
		default:
			current.WriteRune(r)
		}
	}
	appendItem() // Add the final item after the loop finishes.
	return list
}
