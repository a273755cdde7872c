// Package main is the entry point for the autopilot executor.
package main

import (
	"bufio"
	"fmt"
	"os"
	"path/filepath"
	"runtime"

	"github.com/spf13/cobra"

	"github.com/devplan/autopilot-executor/internal/config"
)

var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

// configEnv names the environment variable holding the config path.
const configEnv = "EXECUTOR_CONFIG"

var configPath string

var rootCmd = &cobra.Command{
	Use:   "executor",
	Short: "Drives an AI coding assistant through a devplan task graph",
	Long: `The executor polls the devplan task graph, watches the assistant's UI and
log output, and decides each tick whether to send the next subtask, nudge a
stalled agent, cool down, or resume the work in a fresh conversation.`,
	SilenceUsage: true,
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version information",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Fprintf(cmd.OutOrStdout(), "executor %s (commit=%s, built=%s)\n", version, commit, date)
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "path to a YAML or JSON config file (default: $"+configEnv+" or executor.yaml next to the binary)")
	rootCmd.AddCommand(runCmd, statusCmd, checkpointCmd, deadLettersCmd, versionCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fatal(err.Error())
	}
}

// loadConfig resolves the config path: --config flag > EXECUTOR_CONFIG >
// auto-discovery. With nothing found, defaults and env overrides apply.
func loadConfig() (*config.Config, error) {
	path := configPath
	if path == "" {
		path = os.Getenv(configEnv)
	}
	if path == "" {
		path = discoverConfig()
	}
	cfg, err := config.Load(path)
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	return cfg, nil
}

var configNames = []string{"executor.yaml", "executor.yml", "executor.json"}

// discoverConfig looks for a config file next to the executable, then in
// the cwd.
func discoverConfig() string {
	var dirs []string
	if exe, err := os.Executable(); err == nil {
		dirs = append(dirs, filepath.Dir(exe))
	}
	dirs = append(dirs, ".")
	for _, dir := range dirs {
		for _, name := range configNames {
			candidate := filepath.Join(dir, name)
			if _, err := os.Stat(candidate); err == nil {
				return candidate
			}
		}
	}
	return ""
}

// fatal prints an error and, on Windows, waits for a keypress so the user can
// read the message when the exe is launched by double-click.
func fatal(msg string) {
	fmt.Fprintf(os.Stderr, "ERROR: %s\n", msg)
	if runtime.GOOS == "windows" {
		fmt.Fprintln(os.Stderr, "\nPress Enter to exit...")
		bufio.NewReader(os.Stdin).ReadBytes('\n')
	}
	os.Exit(1)
}
