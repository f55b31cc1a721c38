// Package cli implements the kafpage command line.
package cli

import (
	"fmt"
	"io"
	"log/slog"
	"os"

	"github.com/KafClaw/KafPage/internal/config"
	"github.com/fatih/color"
	"github.com/spf13/cobra"
)

var (
	// version can be overridden at build time via:
	// go build -ldflags "-X github.com/KafClaw/KafPage/internal/cli.version=1.2.3"
	version = "0.4.0"
	logo    = "\n" +
		"  _  __       __ ____\n" +
		" | |/ /__ _ / _|  _ \\ __ _  __ _  ___\n" +
		" | ' // _` | |_| |_) / _` |/ _` |/ _ \\\n" +
		" | . \\ (_| |  _|  __/ (_| | (_| |  __/\n" +
		" |_|\\_\\__,_|_| |_|   \\__,_|\\__, |\\___|\n" +
		"                           |___/\n"

	debugLogging bool
	jsonOutput   bool
)

var rootCmd = &cobra.Command{
	Use:   "kafpage",
	Short: "KafPage - on-call paging and escalation",
	Long:  color.CyanString(logo) + "\nTurns alert emails into pages and escalates them until someone acknowledges.",
	RunE: func(cmd *cobra.Command, args []string) error {
		return cmd.Help()
	},
	SilenceUsage: true,
}

// Execute runs the root command.
func Execute() error {
	return rootCmd.Execute()
}

func init() {
	rootCmd.PersistentFlags().BoolVar(&debugLogging, "debug", false, "Enable debug logging")
	rootCmd.PersistentFlags().BoolVar(&jsonOutput, "json", false, "Output machine-readable JSON")

	rootCmd.AddCommand(versionCmd)
	rootCmd.AddCommand(statusCmd)
	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(teamCmd)
	rootCmd.AddCommand(pageCmd)
	rootCmd.AddCommand(intakeCmd)
	rootCmd.AddCommand(purgeCmd)
}

func printHeader(w io.Writer, title string) {
	fmt.Fprintln(w, color.CyanString(logo))
	if title != "" {
		fmt.Fprintln(w, title)
		fmt.Fprintln(w, "─────────────────────")
	}
}

// loadConfig reads the config and installs the process logger.
func loadConfig() (*config.Config, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	if debugLogging {
		cfg.Log.Debug = true
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	setupLogging(os.Stderr, cfg.Log.Debug)
	return cfg, nil
}

func setupLogging(w io.Writer, debug bool) {
	level := slog.LevelInfo
	if debug {
		level = slog.LevelDebug
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(w, &slog.HandlerOptions{Level: level})))
}
