package cli

import (
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/KafClaw/KafPage/internal/config"
	"github.com/KafClaw/KafPage/internal/escalation"
	"github.com/KafClaw/KafPage/internal/store"
	"github.com/spf13/cobra"
)

var (
	pageListTeam  string
	pageListOpen  bool
	pageListLimit int
)

var pageCmd = &cobra.Command{
	Use:   "page",
	Short: "Inspect and acknowledge pages",
	RunE: func(cmd *cobra.Command, args []string) error {
		return cmd.Help()
	},
}

var pageShowCmd = &cobra.Command{
	Use:   "show <id>",
	Short: "Show a page",
	Args:  cobra.ExactArgs(1),
	RunE:  runPageShow,
}

var pageAckCmd = &cobra.Command{
	Use:   "ack <id>",
	Short: "Acknowledge a page and stop its escalation",
	Args:  cobra.ExactArgs(1),
	RunE:  runPageAck,
}

var pageNextCmd = &cobra.Command{
	Use:   "next <id>",
	Short: "Preview the next escalation step without sending it",
	Args:  cobra.ExactArgs(1),
	RunE:  runPageNext,
}

var pageListCmd = &cobra.Command{
	Use:   "list",
	Short: "List pages, newest first",
	RunE:  runPageList,
}

func init() {
	pageListCmd.Flags().StringVar(&pageListTeam, "team", "", "Only pages for this team")
	pageListCmd.Flags().BoolVar(&pageListOpen, "open", false, "Only unacknowledged pages")
	pageListCmd.Flags().IntVar(&pageListLimit, "limit", 50, "Maximum rows to return")
	pageCmd.AddCommand(pageShowCmd, pageAckCmd, pageNextCmd, pageListCmd)
}

type pageOutput struct {
	*escalation.Page
	State escalation.State `json:"state"`
}

func runPageShow(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	rt, err := openRuntime(cmd.Context(), cfg)
	if err != nil {
		return err
	}
	defer rt.Close()

	page, err := rt.pages.GetPage(cmd.Context(), args[0])
	if err != nil {
		return err
	}
	if jsonOutput {
		return writeJSON(cmd.OutOrStdout(), pageOutput{Page: page, State: page.State()})
	}
	printPage(cmd.OutOrStdout(), page)
	return nil
}

func runPageAck(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	rt, err := openRuntime(cmd.Context(), cfg)
	if err != nil {
		return err
	}
	defer rt.Close()

	if err := rt.pages.SetAcknowledged(cmd.Context(), args[0]); err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "Page %s acknowledged\n", args[0])
	return nil
}

func runPageNext(cmd *cobra.Command, args []string) error {
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
	page, err := rt.pages.GetPage(ctx, args[0])
	if err != nil {
		return err
	}
	if page.Acknowledged {
		fmt.Fprintf(cmd.OutOrStdout(), "Page %s is acknowledged; no further steps\n", page.ID)
		return nil
	}
	team, err := rt.store.GetTeam(ctx, page.Team)
	if err != nil {
		return err
	}
	step, err := escalation.NextStep(page, team)
	if err != nil {
		return err
	}
	due, err := rt.store.GetStep(ctx, page.ID)
	if err != nil {
		return err
	}

	if jsonOutput {
		out := map[string]any{
			"pageId":     page.ID,
			"recipients": step.Recipients,
			"delay":      step.Delay.String(),
			"newStage":   step.NewStage,
		}
		if due != nil {
			out["dueAt"] = due.DueAt.Format(time.RFC3339)
		}
		return writeJSON(cmd.OutOrStdout(), out)
	}
	w := cmd.OutOrStdout()
	fmt.Fprintf(w, "Stage %d -> %d\n", page.Stage, step.NewStage)
	fmt.Fprintf(w, "Recipients: %s\n", strings.Join(step.Recipients, ", "))
	fmt.Fprintf(w, "Then wait:  %s\n", step.Delay)
	if due != nil {
		fmt.Fprintf(w, "Due at:     %s\n", due.DueAt.Format(time.RFC3339))
	}
	return nil
}

func runPageList(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	rt, err := openRuntime(cmd.Context(), cfg)
	if err != nil {
		return err
	}
	defer rt.Close()

	if cfg.Store.Backend != config.BackendSQLite {
		return fmt.Errorf("page list needs the sqlite page backend")
	}
	pages, err := rt.store.ListPages(cmd.Context(), store.PageFilter{
		Team:     pageListTeam,
		OpenOnly: pageListOpen,
		Limit:    pageListLimit,
	})
	if err != nil {
		return err
	}
	if jsonOutput {
		out := make([]pageOutput, 0, len(pages))
		for i := range pages {
			out = append(out, pageOutput{Page: &pages[i], State: pages[i].State()})
		}
		return writeJSON(cmd.OutOrStdout(), out)
	}
	for _, p := range pages {
		fmt.Fprintf(cmd.OutOrStdout(), "%s  %-12s  stage %-2d  %s  %s\n",
			shortID(p.ID), p.State(), p.Stage, p.Team, p.Subject)
	}
	return nil
}

func printPage(w io.Writer, p *escalation.Page) {
	fmt.Fprintf(w, "Page:    %s\n", p.ID)
	fmt.Fprintf(w, "Team:    %s\n", p.Team)
	fmt.Fprintf(w, "Subject: %s\n", p.Subject)
	fmt.Fprintf(w, "State:   %s (stage %d)\n", p.State(), p.Stage)
	fmt.Fprintf(w, "Created: %s\n", p.CreatedAt.Format(time.RFC3339))
	fmt.Fprintf(w, "Expires: %s\n", p.ExpiresAt.Format(time.RFC3339))
	fmt.Fprintf(w, "\n%s\n", p.Body)
}

func shortID(id string) string {
	if len(id) > 12 {
		return id[:12]
	}
	return id
}
