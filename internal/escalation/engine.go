package escalation

import (
	"cmp"
	"fmt"
	"slices"
	"strings"
)

// SortedTiers returns a copy of tiers ordered by Order. Tiers that share an
// order keep the order they were listed in.
func SortedTiers(tiers []Tier) []Tier {
	out := slices.Clone(tiers)
	slices.SortStableFunc(out, func(a, b Tier) int {
		return cmp.Compare(a.Order, b.Order)
	})
	return out
}

// reached is the break condition of the policy walk: the first tier whose
// order is above the page's current stage has not been notified yet.
func reached(t Tier, stage int) bool {
	return t.Order > stage
}

// Accumulate folds the sorted tiers up to and including the first tier not
// yet notified at stage. Contacts of every visited tier are collected, so
// earlier tiers are re-notified alongside the new one. When every tier has
// already been notified the fold runs to the end and the last tier's order
// and delay are returned, which repeats the final tier until the page is
// acknowledged.
func Accumulate(tiers []Tier, stage int) Step {
	step := Step{NewStage: stage}
	seen := make(map[string]struct{})
	for _, t := range SortedTiers(tiers) {
		for _, c := range t.Contacts {
			c = strings.TrimSpace(c)
			if c == "" {
				continue
			}
			if _, dup := seen[c]; dup {
				continue
			}
			seen[c] = struct{}{}
			step.Recipients = append(step.Recipients, c)
		}
		step.NewStage = t.Order
		step.Delay = t.Wait()
		if reached(t, stage) {
			break
		}
	}
	return step
}

// NextStep decides who to notify for page and how long to wait before the
// next evaluation. It has no side effects.
func NextStep(page *Page, team *Team) (Step, error) {
	if page == nil {
		return Step{}, fmt.Errorf("next step: nil page")
	}
	if team == nil {
		return Step{}, fmt.Errorf("next step for page %s: %w", page.ID, ErrUnknownTeam)
	}
	if len(team.Stages) == 0 {
		return Step{}, fmt.Errorf("team %s: %w", team.Contact, ErrNoEscalationPolicy)
	}
	return Accumulate(team.Stages, page.Stage), nil
}
