package events

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// channelPrefix namespaces gateway events in a shared Redis instance.
const channelPrefix = "clawgate:"

// RedisMirror copies events to Redis pub/sub so external observers and
// other gateway processes can subscribe. Publishing is fire-and-forget:
// a Redis outage never blocks or fails the in-process delivery path.
type RedisMirror struct {
	client    *redis.Client
	timeout   time.Duration
	debugFunc func(format string, args ...any)
}

// NewRedisMirror connects to redis at addr and verifies the connection.
func NewRedisMirror(ctx context.Context, addr, password string, debugFunc func(format string, args ...any)) (*RedisMirror, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("connect to redis at %s: %w", addr, err)
	}
	return &RedisMirror{
		client:    client,
		timeout:   5 * time.Second,
		debugFunc: debugFunc,
	}, nil
}

// Publish copies the event to the "clawgate:{topic}" channel.
func (m *RedisMirror) Publish(topic string, e Event) {
	data, err := json.Marshal(e)
	if err != nil {
		m.debug("events: marshal event for redis: %v", err)
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), m.timeout)
	defer cancel()
	if err := m.client.Publish(ctx, channelPrefix+topic, data).Err(); err != nil {
		m.debug("events: redis publish to %s%s failed: %v", channelPrefix, topic, err)
	}
}

// Close releases the redis connection.
func (m *RedisMirror) Close() error {
	return m.client.Close()
}

func (m *RedisMirror) debug(format string, args ...any) {
	if m.debugFunc != nil {
		m.debugFunc(format, args...)
	}
}
