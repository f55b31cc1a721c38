package notify

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/slack-go/slack"
)

// SlackPrefix marks a contact as a Slack channel, e.g. "slack:#ops".
const SlackPrefix = "slack:"

// IsSlack reports whether contact names a Slack channel.
func IsSlack(contact string) bool {
	return strings.HasPrefix(contact, SlackPrefix)
}

// SlackTransport posts pages to Slack channels.
type SlackTransport struct {
	api     *slack.Client
	retries int
	backoff time.Duration
}

// NewSlackTransport builds a client for token. An empty apiBase uses the
// public Slack API.
func NewSlackTransport(token, apiBase string, client *http.Client) (*SlackTransport, error) {
	token = strings.TrimSpace(token)
	if token == "" {
		return nil, errors.New("missing slack bot token")
	}
	base := strings.TrimSpace(apiBase)
	if base == "" {
		base = "https://slack.com/api"
	}
	base = strings.TrimRight(base, "/") + "/"
	if client == nil {
		client = &http.Client{Timeout: 15 * time.Second}
	}
	api := slack.New(token, slack.OptionHTTPClient(client), slack.OptionAPIURL(base))
	return &SlackTransport{api: api, retries: 3, backoff: 200 * time.Millisecond}, nil
}

// Send posts one message per channel. The delivery id is the last message
// timestamp; any channel failure fails the batch.
func (t *SlackTransport) Send(ctx context.Context, env Envelope) (string, error) {
	text := fmt.Sprintf("*%s*\n%s", env.Subject, env.Body)
	var ids []string
	var errs []error
	for _, to := range env.To {
		channel := strings.TrimPrefix(to, SlackPrefix)
		ts, err := t.post(ctx, channel, text)
		if err != nil {
			errs = append(errs, fmt.Errorf("slack %s: %w", channel, err))
			continue
		}
		ids = append(ids, ts)
	}
	if err := errors.Join(errs...); err != nil {
		return strings.Join(ids, ","), err
	}
	return strings.Join(ids, ","), nil
}

// Check verifies the bot token.
func (t *SlackTransport) Check(ctx context.Context) (string, error) {
	resp, err := t.api.AuthTestContext(ctx)
	if err != nil {
		return "", fmt.Errorf("slack auth: %w", err)
	}
	return fmt.Sprintf("authenticated as %s in %s", resp.User, resp.Team), nil
}

func (t *SlackTransport) post(ctx context.Context, channel, text string) (string, error) {
	var lastErr error
	for i := 0; i < t.retries; i++ {
		_, ts, err := t.api.PostMessageContext(ctx, channel, slack.MsgOptionText(text, false))
		if err == nil {
			return ts, nil
		}
		lastErr = err
		var rle *slack.RateLimitedError
		if !errors.As(err, &rle) || i == t.retries-1 {
			break
		}
		wait := t.backoff * time.Duration(1<<i)
		if rle.RetryAfter > 0 {
			wait = rle.RetryAfter
		}
		select {
		case <-ctx.Done():
			return "", ctx.Err()
		case <-time.After(wait):
		}
	}
	return "", lastErr
}

// PartialError reports a batch that reached some of its contacts.
type PartialError struct {
	DeliveryID string
	Sent       []string
	Failed     []string
	Err        error
}

func (e *PartialError) Error() string {
	return fmt.Sprintf("delivered to %d of %d contacts: %v", len(e.Sent), len(e.Sent)+len(e.Failed), e.Err)
}

func (e *PartialError) Unwrap() error { return e.Err }

// Router sends slack: contacts through Slack and everything else through
// Mail. A missing transport reports its contacts as failed.
type Router struct {
	Mail  Transport
	Slack Transport
}

func (r *Router) Send(ctx context.Context, env Envelope) (string, error) {
	var mail, chat []string
	for _, to := range env.To {
		if IsSlack(to) {
			chat = append(chat, to)
		} else {
			mail = append(mail, to)
		}
	}

	var ids, sent, failed []string
	var errs []error
	route := func(t Transport, name string, to []string) {
		if len(to) == 0 {
			return
		}
		if t == nil {
			failed = append(failed, to...)
			errs = append(errs, fmt.Errorf("%s not configured for %d contacts", name, len(to)))
			return
		}
		e := env
		e.To = to
		id, err := t.Send(ctx, e)
		if err != nil {
			failed = append(failed, to...)
			errs = append(errs, err)
			return
		}
		ids = append(ids, id)
		sent = append(sent, to...)
	}
	route(r.Mail, "mail", mail)
	route(r.Slack, "slack", chat)

	id := strings.Join(ids, ",")
	if len(errs) == 0 {
		return id, nil
	}
	if len(sent) == 0 {
		return "", errors.Join(errs...)
	}
	return id, &PartialError{DeliveryID: id, Sent: sent, Failed: failed, Err: errors.Join(errs...)}
}
