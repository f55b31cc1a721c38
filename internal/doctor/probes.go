package doctor

import (
	"context"
	"database/sql"
	"fmt"
	"net"
	"os"
	"strings"

	"github.com/redis/go-redis/v9"
	"github.com/segmentio/kafka-go"
)

// TCPProbe dials addr.
func TCPProbe(addr string) Probe {
	return func(ctx context.Context) (string, error) {
		var d net.Dialer
		conn, err := d.DialContext(ctx, "tcp", addr)
		if err != nil {
			return "", fmt.Errorf("tcp connect failed: %w", err)
		}
		_ = conn.Close()
		return "connected", nil
	}
}

// SQLProbe pings an open database.
func SQLProbe(db *sql.DB) Probe {
	return func(ctx context.Context) (string, error) {
		if err := db.PingContext(ctx); err != nil {
			return "", err
		}
		var pages int
		if err := db.QueryRowContext(ctx, `SELECT COUNT(*) FROM pages`).Scan(&pages); err != nil {
			return "", fmt.Errorf("schema check: %w", err)
		}
		return fmt.Sprintf("schema ok; %d pages", pages), nil
	}
}

// RedisProbe pings a redis client.
func RedisProbe(rdb redis.UniversalClient) Probe {
	return func(ctx context.Context) (string, error) {
		pong, err := rdb.Ping(ctx).Result()
		if err != nil {
			return "", err
		}
		return pong, nil
	}
}

// DirProbe checks that path is a readable directory.
func DirProbe(path string) Probe {
	return func(ctx context.Context) (string, error) {
		info, err := os.Stat(path)
		if err != nil {
			return "", err
		}
		if !info.IsDir() {
			return "", fmt.Errorf("%s is not a directory", path)
		}
		return "directory present", nil
	}
}

// KafkaTopicProbe dials the first reachable broker and confirms topic has
// partitions with leaders.
func KafkaTopicProbe(brokers, topic string) Probe {
	return func(ctx context.Context) (string, error) {
		var lastErr error
		for _, addr := range strings.Split(brokers, ",") {
			addr = strings.TrimSpace(addr)
			if addr == "" {
				continue
			}
			conn, err := kafka.DialContext(ctx, "tcp", addr)
			if err != nil {
				lastErr = fmt.Errorf("broker dial %s: %w", addr, err)
				continue
			}
			defer conn.Close()
			parts, err := conn.ReadPartitions(topic)
			if err != nil {
				return "", fmt.Errorf("read partitions: %w", err)
			}
			leaders := 0
			for _, p := range parts {
				if p.Leader.Host != "" {
					leaders++
				}
			}
			if len(parts) == 0 {
				return "", fmt.Errorf("topic %s not found", topic)
			}
			return fmt.Sprintf("%d partitions, %d with leaders", len(parts), leaders), nil
		}
		if lastErr == nil {
			lastErr = fmt.Errorf("no brokers configured")
		}
		return "", lastErr
	}
}
