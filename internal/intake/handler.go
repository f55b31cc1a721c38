package intake

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/KafClaw/KafPage/internal/escalation"
	"github.com/KafClaw/KafPage/internal/events"
	"github.com/google/uuid"
)

// Notification announces one inbound email. The raw message is fetched
// from the BodySource unless Body is already set.
type Notification struct {
	From       string   `json:"from"`
	MessageID  string   `json:"messageId"`
	Subject    string   `json:"subject"`
	Recipients []string `json:"recipients"`
	Body       string   `json:"body,omitempty"`
}

// Starter begins escalation for a newly created page. Resume is called for
// a redelivered page and must only schedule it when nothing else has.
type Starter interface {
	Start(ctx context.Context, page *escalation.Page, team *escalation.Team) error
	Resume(ctx context.Context, page *escalation.Page, team *escalation.Team) error
}

// Handler fans one notification out into a page per recipient.
type Handler struct {
	Registrar *Registrar
	Source    BodySource
	Starter   Starter
	Events    events.Publisher
}

// Handle registers a page for every recipient and starts escalation for
// the ones that are new. Existing pages are resumed so a redelivery repairs
// a page whose first start failed. Recipients without a team are logged
// and skipped.
// Returns the ids of created pages.
func (h *Handler) Handle(ctx context.Context, n Notification) ([]string, error) {
	if n.MessageID == "" {
		n.MessageID = uuid.NewString()
	}
	body := n.Body
	if body == "" && h.Source != nil {
		raw, err := h.Source.Fetch(ctx, n.MessageID)
		if err != nil {
			return nil, fmt.Errorf("fetch body: %w", err)
		}
		body, err = ParseBody(raw)
		if err != nil {
			return nil, err
		}
	}

	var created []string
	var errs []error
	for _, rcpt := range n.Recipients {
		rcpt = strings.TrimSpace(rcpt)
		if rcpt == "" {
			continue
		}
		msg := Message{
			From:      n.From,
			Recipient: rcpt,
			Subject:   n.Subject,
			Body:      body,
			MessageID: n.MessageID,
		}
		page, team, isNew, err := h.Registrar.Register(ctx, msg)
		if errors.Is(err, escalation.ErrUnknownTeam) {
			slog.Warn("Skipping recipient without team", "recipient", rcpt, "message_id", n.MessageID)
			continue
		}
		if err != nil {
			errs = append(errs, fmt.Errorf("recipient %s: %w", rcpt, err))
			continue
		}
		if !isNew {
			h.publish(&events.PageEvent{Type: events.TypeDuplicate, PageID: page.ID, Team: team.Contact, Stage: page.Stage})
			if h.Starter == nil {
				continue
			}
			if err := h.Starter.Resume(ctx, page, team); err != nil {
				errs = append(errs, fmt.Errorf("resume page %s: %w", page.ID, err))
			}
			continue
		}
		h.publish(&events.PageEvent{Type: events.TypeCreated, PageID: page.ID, Team: team.Contact, Stage: page.Stage})
		created = append(created, page.ID)
		if h.Starter == nil {
			continue
		}
		if err := h.Starter.Start(ctx, page, team); err != nil {
			errs = append(errs, fmt.Errorf("start page %s: %w", page.ID, err))
		}
	}
	return created, errors.Join(errs...)
}

func (h *Handler) publish(ev *events.PageEvent) {
	if h.Events != nil {
		h.Events.Publish(ev)
	}
}
