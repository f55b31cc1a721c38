package cli

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/KafClaw/KafPage/internal/escalation"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"
)

var teamCmd = &cobra.Command{
	Use:   "team",
	Short: "Manage teams and their escalation policies",
	RunE: func(cmd *cobra.Command, args []string) error {
		return cmd.Help()
	},
}

var teamImportCmd = &cobra.Command{
	Use:   "import <file>",
	Short: "Create or replace teams from a YAML or JSON file",
	Args:  cobra.ExactArgs(1),
	RunE:  runTeamImport,
}

var teamShowCmd = &cobra.Command{
	Use:   "show <email>",
	Short: "Show one team's escalation policy",
	Args:  cobra.ExactArgs(1),
	RunE:  runTeamShow,
}

var teamListCmd = &cobra.Command{
	Use:   "list",
	Short: "List teams",
	RunE:  runTeamList,
}

var teamDeleteCmd = &cobra.Command{
	Use:   "delete <email>",
	Short: "Delete a team",
	Args:  cobra.ExactArgs(1),
	RunE:  runTeamDelete,
}

func init() {
	teamCmd.AddCommand(teamImportCmd, teamShowCmd, teamListCmd, teamDeleteCmd)
}

// parseTeams accepts one team or a list of teams. Files ending in .json are
// decoded as JSON, everything else as YAML.
func parseTeams(name string, data []byte) ([]escalation.Team, error) {
	if strings.EqualFold(filepath.Ext(name), ".json") {
		trimmed := bytes.TrimSpace(data)
		if len(trimmed) > 0 && trimmed[0] == '[' {
			var teams []escalation.Team
			if err := json.Unmarshal(trimmed, &teams); err != nil {
				return nil, fmt.Errorf("parse %s: %w", name, err)
			}
			return teams, nil
		}
		var team escalation.Team
		if err := json.Unmarshal(trimmed, &team); err != nil {
			return nil, fmt.Errorf("parse %s: %w", name, err)
		}
		return []escalation.Team{team}, nil
	}

	var doc yaml.Node
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("parse %s: %w", name, err)
	}
	if len(doc.Content) == 0 {
		return nil, fmt.Errorf("parse %s: empty document", name)
	}
	root := doc.Content[0]
	if root.Kind == yaml.SequenceNode {
		var teams []escalation.Team
		if err := root.Decode(&teams); err != nil {
			return nil, fmt.Errorf("parse %s: %w", name, err)
		}
		return teams, nil
	}
	var team escalation.Team
	if err := root.Decode(&team); err != nil {
		return nil, fmt.Errorf("parse %s: %w", name, err)
	}
	return []escalation.Team{team}, nil
}

func runTeamImport(cmd *cobra.Command, args []string) error {
	data, err := os.ReadFile(args[0])
	if err != nil {
		return fmt.Errorf("read team file: %w", err)
	}
	teams, err := parseTeams(args[0], data)
	if err != nil {
		return err
	}
	for i := range teams {
		if err := teams[i].Validate(); err != nil {
			return err
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

	imported := make([]string, 0, len(teams))
	for i := range teams {
		if err := rt.store.PutTeam(cmd.Context(), &teams[i]); err != nil {
			return err
		}
		imported = append(imported, teams[i].Contact)
	}
	if jsonOutput {
		return writeJSON(cmd.OutOrStdout(), map[string]any{"imported": imported})
	}
	for _, contact := range imported {
		fmt.Fprintf(cmd.OutOrStdout(), "imported %s\n", contact)
	}
	return nil
}

func runTeamShow(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	rt, err := openRuntime(cmd.Context(), cfg)
	if err != nil {
		return err
	}
	defer rt.Close()

	team, err := rt.store.GetTeam(cmd.Context(), args[0])
	if err != nil {
		return err
	}
	if jsonOutput {
		return writeJSON(cmd.OutOrStdout(), team)
	}
	printTeam(cmd.OutOrStdout(), team)
	return nil
}

func runTeamList(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	rt, err := openRuntime(cmd.Context(), cfg)
	if err != nil {
		return err
	}
	defer rt.Close()

	teams, err := rt.store.ListTeams(cmd.Context())
	if err != nil {
		return err
	}
	if jsonOutput {
		return writeJSON(cmd.OutOrStdout(), teams)
	}
	for _, t := range teams {
		fmt.Fprintf(cmd.OutOrStdout(), "%s\t%d tiers\n", t.Contact, len(t.Stages))
	}
	return nil
}

func runTeamDelete(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	rt, err := openRuntime(cmd.Context(), cfg)
	if err != nil {
		return err
	}
	defer rt.Close()

	if err := rt.store.DeleteTeam(cmd.Context(), args[0]); err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "deleted %s\n", args[0])
	return nil
}

func printTeam(w io.Writer, team *escalation.Team) {
	fmt.Fprintf(w, "Team: %s\n", team.Contact)
	for _, tier := range escalation.SortedTiers(team.Stages) {
		fmt.Fprintf(w, "  tier %d  wait %s  %s\n", tier.Order, tier.Wait(), strings.Join(tier.Contacts, ", "))
	}
}

func writeJSON(w io.Writer, v any) error {
	b, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	_, err = fmt.Fprintln(w, string(b))
	return err
}
