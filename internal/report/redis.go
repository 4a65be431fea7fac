package report

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/limiquantix/vmsim/internal/config"
)

const summaryTTL = 24 * time.Hour

// redisClient is the subset of the go-redis client the publisher uses.
type redisClient interface {
	Ping(ctx context.Context) *redis.StatusCmd
	Publish(ctx context.Context, channel string, message interface{}) *redis.IntCmd
	Set(ctx context.Context, key string, value interface{}, expiration time.Duration) *redis.StatusCmd
	Close() error
}

// RedisPublisher publishes events on a Redis channel and stores run
// summaries under vmsim:run:<run id>.
type RedisPublisher struct {
	client  redisClient
	channel string
	logger  *zap.Logger
}

// NewRedisPublisher connects to Redis and verifies the connection.
func NewRedisPublisher(cfg config.RedisConfig, logger *zap.Logger) (*RedisPublisher, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Address(),
		Password: cfg.Password,
		DB:       cfg.DB,
	})

	p, err := newRedisPublisher(client, cfg.Channel, logger)
	if err != nil {
		client.Close()
		return nil, err
	}
	logger.Info("Connected to Redis", zap.String("addr", cfg.Address()), zap.String("channel", cfg.Channel))
	return p, nil
}

func newRedisPublisher(client redisClient, channel string, logger *zap.Logger) (*RedisPublisher, error) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}

	return &RedisPublisher{
		client:  client,
		channel: channel,
		logger:  logger.With(zap.String("component", "redis-publisher")),
	}, nil
}

// Publish publishes an event to the configured channel.
func (p *RedisPublisher) Publish(ctx context.Context, event Event) error {
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now()
	}
	data, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("failed to marshal event: %w", err)
	}
	if err := p.client.Publish(ctx, p.channel, data).Err(); err != nil {
		return fmt.Errorf("failed to publish %s: %w", event.Type, err)
	}
	return nil
}

// StoreSummary stores the run summary as JSON.
func (p *RedisPublisher) StoreSummary(ctx context.Context, runID string, summary interface{}) error {
	data, err := json.Marshal(summary)
	if err != nil {
		return fmt.Errorf("failed to marshal summary: %w", err)
	}

	key := SummaryKey(runID)
	if err := p.client.Set(ctx, key, data, summaryTTL).Err(); err != nil {
		return fmt.Errorf("failed to store summary: %w", err)
	}
	p.logger.Info("Stored run summary", zap.String("key", key))
	return nil
}

// Close closes the Redis connection.
func (p *RedisPublisher) Close() error {
	return p.client.Close()
}

// SummaryKey returns the key a run summary is stored under.
func SummaryKey(runID string) string {
	return fmt.Sprintf("vmsim:run:%s", runID)
}
