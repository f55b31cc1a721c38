// Package escalation holds the paging data model and the pure decision
// function that walks a team's escalation policy.
package escalation

import (
	"fmt"
	"strings"
	"time"
)

const (
	// NotPaged is the stage of a page that has not notified any tier yet.
	NotPaged = -1
	// Retention is how long a page row lives before the store expires it.
	Retention = 7 * 24 * time.Hour
)

// Tier is one rung of a team's escalation policy.
type Tier struct {
	Order    int      `json:"order" yaml:"order"`
	Delay    int      `json:"delay" yaml:"delay"` // seconds
	Contacts []string `json:"email" yaml:"email"`
}

// Wait returns the tier delay as a duration.
func (t Tier) Wait() time.Duration {
	return time.Duration(t.Delay) * time.Second
}

// Team is an on-call group keyed by the address alerts are sent to.
type Team struct {
	Contact string `json:"email" yaml:"email"`
	Stages  []Tier `json:"stages" yaml:"stages"`
}

// Domain returns the part of the team key after '@', or "" when the key is
// not an address.
func (t *Team) Domain() string {
	i := strings.LastIndex(t.Contact, "@")
	if i < 0 || i == len(t.Contact)-1 {
		return ""
	}
	return t.Contact[i+1:]
}

// Validate checks a team before it is stored. Empty contact lists are
// allowed: such a tier pages nobody but still takes its turn.
func (t *Team) Validate() error {
	if strings.TrimSpace(t.Contact) == "" {
		return fmt.Errorf("team: empty contact key")
	}
	if len(t.Stages) == 0 {
		return fmt.Errorf("team %s: %w", t.Contact, ErrNoEscalationPolicy)
	}
	for _, s := range t.Stages {
		if s.Delay < 0 {
			return fmt.Errorf("team %s: tier %d has negative delay %d", t.Contact, s.Order, s.Delay)
		}
	}
	return nil
}

// State is the position of a page in the escalation loop.
type State string

const (
	StateCreated      State = "created"
	StateEscalating   State = "escalating"
	StateAcknowledged State = "acknowledged"
)

// Page is one escalation case created from an inbound alert.
type Page struct {
	ID           string    `json:"id"`
	Team         string    `json:"team"`
	Subject      string    `json:"subject"`
	Body         string    `json:"body"`
	Stage        int       `json:"stage"`
	Acknowledged bool      `json:"ack"`
	CreatedAt    time.Time `json:"timestamp"`
	ExpiresAt    time.Time `json:"ttl"`
}

// State derives the loop state from the stage and ack flag.
func (p *Page) State() State {
	switch {
	case p.Acknowledged:
		return StateAcknowledged
	case p.Stage <= NotPaged:
		return StateCreated
	default:
		return StateEscalating
	}
}

// Expired reports whether the page is past its retention window.
func (p *Page) Expired(now time.Time) bool {
	return !p.ExpiresAt.IsZero() && !now.Before(p.ExpiresAt)
}

// Step is the outcome of one engine evaluation.
type Step struct {
	Recipients []string      `json:"recipients"`
	Delay      time.Duration `json:"delay"`
	NewStage   int           `json:"new_stage"`
}
