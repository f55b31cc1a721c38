// Package intake turns inbound alert messages into pages.
package intake

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/KafClaw/KafPage/internal/escalation"
)

// fingerprintLimit caps the bytes hashed into a page id.
const fingerprintLimit = 4096

// Message is one alert addressed to one team.
type Message struct {
	From      string `json:"from"`
	Recipient string `json:"email"`
	Subject   string `json:"subject"`
	Body      string `json:"body"`
	MessageID string `json:"messageId"`
}

// TeamLookup resolves a recipient address to its team.
type TeamLookup interface {
	GetTeam(ctx context.Context, contact string) (*escalation.Team, error)
}

// PageCreator is the create-if-absent half of the page store.
type PageCreator interface {
	CreatePage(ctx context.Context, p *escalation.Page) error
}

// Fingerprint derives the page id. The same alert delivered twice to the
// same team yields the same id, which is what makes intake idempotent.
// Only the first 4096 bytes of the concatenation are hashed.
func Fingerprint(team, subject, messageID, body string) string {
	joined := team + subject + messageID + body
	if len(joined) > fingerprintLimit {
		joined = joined[:fingerprintLimit]
	}
	sum := sha256.Sum256([]byte(joined))
	return hex.EncodeToString(sum[:])
}

// AckLink is the line prepended to every page body.
func AckLink(ackURL, id string) string {
	return fmt.Sprintf("Ack page: %s/%s", strings.TrimRight(ackURL, "/"), id)
}

// Normalizer builds page records from messages.
type Normalizer struct {
	Teams  TeamLookup
	AckURL string
	Now    func() time.Time
}

// Normalize looks up the recipient's team and returns a fresh page for the
// message. It does not persist anything.
func (n *Normalizer) Normalize(ctx context.Context, msg Message) (*escalation.Page, *escalation.Team, error) {
	recipient := strings.TrimSpace(msg.Recipient)
	team, err := n.Teams.GetTeam(ctx, recipient)
	if err != nil {
		if errors.Is(err, escalation.ErrUnknownTeam) {
			slog.Error("No such team", "recipient", recipient)
		}
		return nil, nil, err
	}

	now := time.Now()
	if n.Now != nil {
		now = n.Now()
	}
	now = now.Truncate(time.Second)

	id := Fingerprint(team.Contact, msg.Subject, msg.MessageID, msg.Body)
	page := &escalation.Page{
		ID:        id,
		Team:      team.Contact,
		Subject:   msg.Subject,
		Body:      AckLink(n.AckURL, id) + "\n\nFrom: " + msg.From + "\n\n" + msg.Body,
		Stage:     escalation.NotPaged,
		CreatedAt: now,
		ExpiresAt: now.Add(escalation.Retention),
	}
	return page, team, nil
}

// Registrar normalizes messages and stores the resulting pages.
type Registrar struct {
	Normalizer
	Pages PageCreator
}

// Register creates the page for msg. A page that already exists is not an
// error: created is false and the stored page is left untouched.
func (r *Registrar) Register(ctx context.Context, msg Message) (*escalation.Page, *escalation.Team, bool, error) {
	page, team, err := r.Normalize(ctx, msg)
	if err != nil {
		return nil, nil, false, err
	}
	if err := r.Pages.CreatePage(ctx, page); err != nil {
		if errors.Is(err, escalation.ErrDuplicatePage) {
			slog.Info("Duplicate page ignored", "page_id", page.ID, "team", team.Contact)
			return page, team, false, nil
		}
		return nil, nil, false, fmt.Errorf("register page: %w", err)
	}
	slog.Info("Page registered", "page_id", page.ID, "team", team.Contact, "subject", page.Subject)
	return page, team, true, nil
}
