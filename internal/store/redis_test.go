package store

import (
	"context"
	"errors"
	"os"
	"testing"
	"time"

	"github.com/KafClaw/KafPage/internal/escalation"
	"github.com/google/uuid"
)

func newTestRedisPages(t *testing.T) *RedisPages {
	t.Helper()
	addr := os.Getenv("KAFPAGE_TEST_REDIS_ADDR")
	if addr == "" {
		t.Skip("KAFPAGE_TEST_REDIS_ADDR not set")
	}
	rdb, err := DialRedis(context.Background(), addr, "", 0)
	if err != nil {
		t.Fatalf("dial redis: %v", err)
	}
	pages := NewRedisPages(rdb, "kafpage-test:"+uuid.NewString()+":")
	t.Cleanup(func() { _ = pages.Close() })
	return pages
}

func TestRedisPagesLifecycle(t *testing.T) {
	r := newTestRedisPages(t)
	ctx := context.Background()
	now := time.Now().Truncate(time.Second)

	p := testPage("r1", now)
	if err := r.CreatePage(ctx, p); err != nil {
		t.Fatalf("create: %v", err)
	}
	if err := r.CreatePage(ctx, p); !errors.Is(err, escalation.ErrDuplicatePage) {
		t.Fatalf("expected ErrDuplicatePage, got %v", err)
	}

	if err := r.UpdateStage(ctx, "r1", 3); err != nil {
		t.Fatalf("update stage: %v", err)
	}
	if err := r.UpdateStage(ctx, "r1", 1); err != nil {
		t.Fatalf("update stage lower: %v", err)
	}
	got, err := r.GetPage(ctx, "r1")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.Stage != 3 || got.Team != p.Team || !got.ExpiresAt.Equal(p.ExpiresAt) {
		t.Fatalf("unexpected page %+v", got)
	}

	if err := r.SetAcknowledged(ctx, "r1"); err != nil {
		t.Fatalf("ack: %v", err)
	}
	acked, err := r.CheckAck(ctx, "r1")
	if err != nil || !acked {
		t.Fatalf("check ack: %v %v", acked, err)
	}

	if _, err := r.CheckAck(ctx, "missing"); !errors.Is(err, escalation.ErrPageNotFound) {
		t.Fatalf("expected ErrPageNotFound, got %v", err)
	}
	if err := r.UpdateStage(ctx, "missing", 0); !errors.Is(err, escalation.ErrPageNotFound) {
		t.Fatalf("expected ErrPageNotFound, got %v", err)
	}
	if err := r.SetAcknowledged(ctx, "missing"); !errors.Is(err, escalation.ErrPageNotFound) {
		t.Fatalf("expected ErrPageNotFound, got %v", err)
	}
}

func TestStoresSatisfyPageStore(t *testing.T) {
	var _ PageStore = (*Store)(nil)
	var _ PageStore = (*RedisPages)(nil)
}
