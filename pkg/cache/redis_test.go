package cache

import (
	"context"
	"os"
	"testing"

	"github.com/ghuser/notifier/pkg/config"
)

const testTopics = 3

func newTestConfig(url string, consumers int) *config.Config {
	return &config.Config{
		RedisURL:  url,
		Consumers: consumers,
	}
}

func TestPoolSize(t *testing.T) {
	tests := []struct {
		name      string
		consumers int
		topics    int
		want      int
	}{
		{"single consumer per topic", 1, 3, 4},
		{"competing consumers", 4, 3, 13},
		{"zero consumers treated as one", 0, 3, 4},
		{"no topics", 2, 0, 3},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := PoolSize(tt.consumers, tt.topics); got != tt.want {
				t.Errorf("PoolSize(%d, %d) = %d, want %d", tt.consumers, tt.topics, got, tt.want)
			}
		})
	}
}

func TestNewRedisClient_InvalidURL(t *testing.T) {
	_, err := NewRedisClient(newTestConfig("not-a-valid-url", 1), testTopics)
	if err == nil {
		t.Fatal("expected error for invalid URL, got nil")
	}
}

func TestNewRedisClient_UnreachableHost(t *testing.T) {
	_, err := NewRedisClient(newTestConfig("redis://localhost:19999", 1), testTopics)
	if err == nil {
		t.Fatal("expected error when Redis is unreachable, got nil")
	}
}

// Integration tests - skipped unless REDIS_URL is set.
func TestRedisIntegration(t *testing.T) {
	redisURL := os.Getenv("REDIS_URL")
	if redisURL == "" {
		t.Skip("REDIS_URL not set; skipping integration tests")
	}

	t.Run("PoolSizedForConsumers", func(t *testing.T) {
		rc, err := NewRedisClient(newTestConfig(redisURL, 4), testTopics)
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		defer rc.Close() //nolint:errcheck

		opts := rc.Client().Options()
		if opts.PoolSize != PoolSize(4, testTopics) {
			t.Errorf("PoolSize = %d, want %d", opts.PoolSize, PoolSize(4, testTopics))
		}
		if opts.MinIdleConns != testTopics {
			t.Errorf("MinIdleConns = %d, want %d", opts.MinIdleConns, testTopics)
		}
	})

	t.Run("Ping_Success", func(t *testing.T) {
		rc, err := NewRedisClient(newTestConfig(redisURL, 1), testTopics)
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		defer rc.Close() //nolint:errcheck

		if err := rc.Ping(context.Background()); err != nil {
			t.Fatalf("Ping failed: %v", err)
		}
	})

	t.Run("Close", func(t *testing.T) {
		rc, err := NewRedisClient(newTestConfig(redisURL, 1), testTopics)
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if err := rc.Close(); err != nil {
			t.Fatalf("Close failed: %v", err)
		}
	})
}
