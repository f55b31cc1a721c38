package intake

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/KafClaw/KafPage/internal/escalation"
)

type mapTeams map[string]*escalation.Team

func (m mapTeams) GetTeam(_ context.Context, contact string) (*escalation.Team, error) {
	t, ok := m[contact]
	if !ok {
		return nil, fmt.Errorf("no such team %s: %w", contact, escalation.ErrUnknownTeam)
	}
	return t, nil
}

type memPages struct {
	pages map[string]*escalation.Page
	err   error
}

func newMemPages() *memPages { return &memPages{pages: map[string]*escalation.Page{}} }

func (m *memPages) CreatePage(_ context.Context, p *escalation.Page) error {
	if m.err != nil {
		return m.err
	}
	if _, ok := m.pages[p.ID]; ok {
		return fmt.Errorf("page %s: %w", p.ID, escalation.ErrDuplicatePage)
	}
	cp := *p
	m.pages[p.ID] = &cp
	return nil
}

func opsTeams() mapTeams {
	return mapTeams{
		"ops@example.com": {
			Contact: "ops@example.com",
			Stages:  []escalation.Tier{{Order: 0, Delay: 60, Contacts: []string{"a@example.com"}}},
		},
	}
}

func TestFingerprint(t *testing.T) {
	a := Fingerprint("ops@example.com", "disk", "m1", "body")
	if a != Fingerprint("ops@example.com", "disk", "m1", "body") {
		t.Fatal("fingerprint is not deterministic")
	}
	if a == Fingerprint("db@example.com", "disk", "m1", "body") {
		t.Fatal("different teams must not share an id")
	}
	if len(a) != 64 {
		t.Fatalf("expected hex sha256, got %q", a)
	}

	sum := sha256.Sum256([]byte("ops@example.comdiskm1body"))
	if a != hex.EncodeToString(sum[:]) {
		t.Fatal("fingerprint does not hash the plain concatenation")
	}
}

func TestFingerprintIgnoresBytesPastLimit(t *testing.T) {
	long := strings.Repeat("x", fingerprintLimit)
	a := Fingerprint("ops", "s", "m", long+"tail one")
	b := Fingerprint("ops", "s", "m", long+"tail two")
	if a != b {
		t.Fatal("bytes beyond the limit changed the id")
	}
}

func TestNormalizeBuildsPage(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	n := &Normalizer{Teams: opsTeams(), AckURL: "https://ack.example.com/", Now: func() time.Time { return now }}

	page, team, err := n.Normalize(context.Background(), Message{
		From:      "alerts@monitor.example.com",
		Recipient: " ops@example.com ",
		Subject:   "disk full",
		Body:      "/var is at 99%",
		MessageID: "m-1",
	})
	if err != nil {
		t.Fatalf("normalize: %v", err)
	}
	if team.Contact != "ops@example.com" {
		t.Fatalf("unexpected team %+v", team)
	}
	if page.ID != Fingerprint("ops@example.com", "disk full", "m-1", "/var is at 99%") {
		t.Fatal("page id is not the fingerprint of the original body")
	}
	want := "Ack page: https://ack.example.com/" + page.ID + "\n\nFrom: alerts@monitor.example.com\n\n/var is at 99%"
	if page.Body != want {
		t.Fatalf("body = %q\nwant %q", page.Body, want)
	}
	if page.Stage != escalation.NotPaged || page.Acknowledged {
		t.Fatalf("unexpected initial state %+v", page)
	}
	if !page.ExpiresAt.Equal(now.Add(7 * 24 * time.Hour)) {
		t.Fatalf("expires_at = %v", page.ExpiresAt)
	}
}

func TestNormalizeUnknownTeam(t *testing.T) {
	n := &Normalizer{Teams: opsTeams(), AckURL: "https://ack"}
	_, _, err := n.Normalize(context.Background(), Message{Recipient: "nobody@example.com"})
	if !errors.Is(err, escalation.ErrUnknownTeam) {
		t.Fatalf("expected ErrUnknownTeam, got %v", err)
	}
}

func TestRegisterIsIdempotent(t *testing.T) {
	pages := newMemPages()
	r := &Registrar{Normalizer: Normalizer{Teams: opsTeams(), AckURL: "https://ack"}, Pages: pages}
	msg := Message{From: "a", Recipient: "ops@example.com", Subject: "s", Body: "b", MessageID: "m"}

	p1, _, created, err := r.Register(context.Background(), msg)
	if err != nil || !created {
		t.Fatalf("first register: created=%v err=%v", created, err)
	}
	p2, _, created, err := r.Register(context.Background(), msg)
	if err != nil {
		t.Fatalf("duplicate register must not fail: %v", err)
	}
	if created {
		t.Fatal("duplicate register reported a new page")
	}
	if p1.ID != p2.ID || len(pages.pages) != 1 {
		t.Fatalf("expected one stored page, got %d", len(pages.pages))
	}
}

func TestRegisterStoreFailure(t *testing.T) {
	pages := newMemPages()
	pages.err = errors.New("disk I/O error")
	r := &Registrar{Normalizer: Normalizer{Teams: opsTeams()}, Pages: pages}
	_, _, _, err := r.Register(context.Background(), Message{Recipient: "ops@example.com"})
	if err == nil || errors.Is(err, escalation.ErrDuplicatePage) {
		t.Fatalf("expected store failure, got %v", err)
	}
}
