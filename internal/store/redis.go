package store

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/KafClaw/KafPage/internal/escalation"
	"github.com/redis/go-redis/v9"
)

// DefaultRedisPrefix namespaces page hashes.
const DefaultRedisPrefix = "kafpage:page:"

var (
	createScript = redis.NewScript(`
if redis.call("EXISTS", KEYS[1]) == 1 then
	return 0
end
redis.call("HSET", KEYS[1], "id", ARGV[1], "team", ARGV[2], "subject", ARGV[3],
	"body", ARGV[4], "stage", ARGV[5], "ack", ARGV[6], "created_at", ARGV[7], "expires_at", ARGV[8])
redis.call("EXPIREAT", KEYS[1], ARGV[8])
return 1
`)

	stageScript = redis.NewScript(`
local cur = redis.call("HGET", KEYS[1], "stage")
if not cur then
	return -1
end
if tonumber(ARGV[1]) > tonumber(cur) then
	redis.call("HSET", KEYS[1], "stage", ARGV[1])
end
return 1
`)

	ackScript = redis.NewScript(`
if redis.call("EXISTS", KEYS[1]) == 0 then
	return 0
end
redis.call("HSET", KEYS[1], "ack", "1")
return 1
`)
)

// RedisPages stores pages as hashes that Redis expires on its own.
type RedisPages struct {
	rdb    redis.UniversalClient
	prefix string
}

// NewRedisPages wraps a connected client. An empty prefix uses
// DefaultRedisPrefix.
func NewRedisPages(rdb redis.UniversalClient, prefix string) *RedisPages {
	if prefix == "" {
		prefix = DefaultRedisPrefix
	}
	return &RedisPages{rdb: rdb, prefix: prefix}
}

// DialRedis connects to addr and pings it.
func DialRedis(ctx context.Context, addr, password string, db int) (*redis.Client, error) {
	rdb := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})
	if err := rdb.Ping(ctx).Err(); err != nil {
		rdb.Close()
		return nil, fmt.Errorf("connect redis %s: %w", addr, err)
	}
	return rdb, nil
}

func (r *RedisPages) key(id string) string { return r.prefix + id }

func (r *RedisPages) CreatePage(ctx context.Context, p *escalation.Page) error {
	ack := "0"
	if p.Acknowledged {
		ack = "1"
	}
	n, err := createScript.Run(ctx, r.rdb, []string{r.key(p.ID)},
		p.ID, p.Team, p.Subject, p.Body, p.Stage, ack,
		p.CreatedAt.Unix(), p.ExpiresAt.Unix()).Int()
	if err != nil {
		return fmt.Errorf("create page: %w", err)
	}
	if n == 0 {
		return fmt.Errorf("page %s: %w", p.ID, escalation.ErrDuplicatePage)
	}
	return nil
}

func (r *RedisPages) GetPage(ctx context.Context, id string) (*escalation.Page, error) {
	fields, err := r.rdb.HGetAll(ctx, r.key(id)).Result()
	if err != nil {
		return nil, fmt.Errorf("get page: %w", err)
	}
	if len(fields) == 0 {
		return nil, fmt.Errorf("no such page %s: %w", id, escalation.ErrPageNotFound)
	}
	return decodePage(fields)
}

func decodePage(f map[string]string) (*escalation.Page, error) {
	stage, err := strconv.Atoi(f["stage"])
	if err != nil {
		return nil, fmt.Errorf("decode stage: %w", err)
	}
	created, err := strconv.ParseInt(f["created_at"], 10, 64)
	if err != nil {
		return nil, fmt.Errorf("decode created_at: %w", err)
	}
	expires, err := strconv.ParseInt(f["expires_at"], 10, 64)
	if err != nil {
		return nil, fmt.Errorf("decode expires_at: %w", err)
	}
	return &escalation.Page{
		ID:           f["id"],
		Team:         f["team"],
		Subject:      f["subject"],
		Body:         f["body"],
		Stage:        stage,
		Acknowledged: f["ack"] == "1",
		CreatedAt:    time.Unix(created, 0),
		ExpiresAt:    time.Unix(expires, 0),
	}, nil
}

func (r *RedisPages) UpdateStage(ctx context.Context, id string, stage int) error {
	n, err := stageScript.Run(ctx, r.rdb, []string{r.key(id)}, stage).Int()
	if err != nil {
		return fmt.Errorf("update stage: %w", err)
	}
	if n < 0 {
		return fmt.Errorf("no such page %s: %w", id, escalation.ErrPageNotFound)
	}
	return nil
}

func (r *RedisPages) SetAcknowledged(ctx context.Context, id string) error {
	n, err := ackScript.Run(ctx, r.rdb, []string{r.key(id)}).Int()
	if err != nil {
		return fmt.Errorf("acknowledge page: %w", err)
	}
	if n == 0 {
		return fmt.Errorf("no such page %s: %w", id, escalation.ErrPageNotFound)
	}
	return nil
}

func (r *RedisPages) CheckAck(ctx context.Context, id string) (bool, error) {
	v, err := r.rdb.HGet(ctx, r.key(id), "ack").Result()
	if errors.Is(err, redis.Nil) {
		return false, fmt.Errorf("no such page %s: %w", id, escalation.ErrPageNotFound)
	}
	if err != nil {
		return false, fmt.Errorf("check ack: %w", err)
	}
	return v == "1", nil
}

// Close releases the underlying client.
func (r *RedisPages) Close() error {
	return r.rdb.Close()
}
