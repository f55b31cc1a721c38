package cli

import (
	"fmt"
	"os"
	"time"

	"github.com/KafClaw/KafPage/internal/config"
	"github.com/KafClaw/KafPage/internal/store"
	"github.com/spf13/cobra"
)

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version information",
	Run: func(cmd *cobra.Command, args []string) {
		printHeader(cmd.OutOrStdout(), "🏷️ KafPage Version")
		fmt.Fprintf(cmd.OutOrStdout(), "Version: %s\n", version)
	},
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show configuration and store status",
	RunE:  runStatus,
}

var purgeCmd = &cobra.Command{
	Use:   "purge",
	Short: "Delete expired pages and their schedule rows",
	RunE:  runPurge,
}

func runStatus(cmd *cobra.Command, args []string) error {
	w := cmd.OutOrStdout()
	if !jsonOutput {
		printHeader(w, "📊 KafPage Status")
		fmt.Fprintf(w, "Version: %s\n", version)
		if path, err := config.ConfigPath(); err == nil {
			if _, err := os.Stat(path); err == nil {
				fmt.Fprintf(w, "Config:  ✓ Found (%s)\n", path)
			} else {
				fmt.Fprintf(w, "Config:  ✗ Not found (%s), using defaults\n", path)
			}
		}
	}

	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	rt, err := openRuntime(cmd.Context(), cfg)
	if err != nil {
		return err
	}
	defer rt.Close()

	ctx := cmd.Context()
	teams, err := rt.store.ListTeams(ctx)
	if err != nil {
		return err
	}
	due, err := rt.store.DueSteps(ctx, time.Now(), 1000)
	if err != nil {
		return err
	}
	open := -1
	if cfg.Store.Backend == config.BackendSQLite {
		pages, err := rt.store.ListPages(ctx, store.PageFilter{OpenOnly: true, Limit: 1000})
		if err != nil {
			return err
		}
		open = len(pages)
	}

	if jsonOutput {
		out := map[string]any{
			"version":  version,
			"database": cfg.Paths.DBPath,
			"backend":  cfg.Store.Backend,
			"teams":    len(teams),
			"dueSteps": len(due),
			"intake":   cfg.Intake.Enabled,
			"events":   cfg.Events.Enabled,
		}
		if open >= 0 {
			out["openPages"] = open
		}
		return writeJSON(w, out)
	}
	fmt.Fprintf(w, "Database: %s\n", cfg.Paths.DBPath)
	fmt.Fprintf(w, "Backend:  %s\n", cfg.Store.Backend)
	fmt.Fprintf(w, "Teams:    %d\n", len(teams))
	if open >= 0 {
		fmt.Fprintf(w, "Open:     %d\n", open)
	}
	fmt.Fprintf(w, "Due now:  %d\n", len(due))
	fmt.Fprintf(w, "Intake:   %s\n", enabled(cfg.Intake.Enabled))
	fmt.Fprintf(w, "Events:   %s\n", enabled(cfg.Events.Enabled))
	return nil
}

func enabled(on bool) string {
	if on {
		return "✓ Enabled"
	}
	return "✗ Disabled"
}

func runPurge(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	rt, err := openRuntime(cmd.Context(), cfg)
	if err != nil {
		return err
	}
	defer rt.Close()

	n, err := rt.store.PurgeExpired(cmd.Context(), time.Now())
	if err != nil {
		return err
	}
	if jsonOutput {
		return writeJSON(cmd.OutOrStdout(), map[string]any{"purged": n})
	}
	fmt.Fprintf(cmd.OutOrStdout(), "purged %d expired pages\n", n)
	return nil
}
