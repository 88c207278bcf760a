package redis

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/valory-xyz/mechsync/pkg/mech"
	"go.uber.org/zap"
)

// DefaultStreamMaxLen caps each event stream.
const DefaultStreamMaxLen = 10000

// Options configures a Client.
type Options struct {
	Host     string
	Port     string
	Password string
	DB       int
	// StreamMaxLen is the approximate cap per stream; 0 means unlimited.
	StreamMaxLen int64
}

// Client publishes newly synchronized events to Redis streams.
type Client struct {
	client       *redis.Client
	logger       *zap.Logger
	streamMaxLen int64
}

// NewClient connects to Redis and verifies the connection with a PING.
func NewClient(ctx context.Context, opts Options, logger *zap.Logger) (*Client, error) {
	if opts.Port == "" {
		opts.Port = "6379"
	}
	addr := fmt.Sprintf("%s:%s", opts.Host, opts.Port)

	rdb := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: opts.Password,
		DB:       opts.DB,

		// Connection pool
		PoolSize:     4,
		MinIdleConns: 1,

		// Timeouts
		DialTimeout:  5 * time.Second,
		ReadTimeout:  3 * time.Second,
		WriteTimeout: 3 * time.Second,
	})

	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	if err := rdb.Ping(ctx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("failed to connect to Redis at %s: %w", addr, err)
	}

	logger.Info("Connected to Redis",
		zap.String("addr", addr),
		zap.Int("db", opts.DB),
		zap.Int64("streamMaxLen", opts.StreamMaxLen))

	return FromClient(rdb, opts.StreamMaxLen, logger), nil
}

// FromClient wraps an existing go-redis client without checking the connection.
func FromClient(rdb *redis.Client, streamMaxLen int64, logger *zap.Logger) *Client {
	return &Client{client: rdb, logger: logger, streamMaxLen: streamMaxLen}
}

// Close closes the Redis connection.
func (c *Client) Close() error {
	return c.client.Close()
}

// Health checks if Redis is healthy.
func (c *Client) Health(ctx context.Context) error {
	return c.client.Ping(ctx).Err()
}

// StreamName returns the stream holding a sender's events of one type.
func StreamName(sender, eventType string) string {
	return fmt.Sprintf("mech:%s:%s", sender, eventType)
}

// XAdd adds an entry to a stream, trimming it approximately to the configured MAXLEN.
// Errors are logged and an empty ID is returned.
func (c *Client) XAdd(ctx context.Context, stream string, values map[string]interface{}) string {
	args := &redis.XAddArgs{
		Stream: stream,
		Values: values,
	}
	if c.streamMaxLen > 0 {
		args.MaxLen = c.streamMaxLen
		args.Approx = true
	}

	id, err := c.client.XAdd(ctx, args).Result()
	if err != nil {
		c.logger.Warn("Failed to add to Redis stream",
			zap.String("stream", stream),
			zap.Error(err))
		return ""
	}
	return id
}

// PublishEvents appends events to the sender's stream. This is best-effort:
// a Redis outage never fails a sync.
func (c *Client) PublishEvents(ctx context.Context, sender, eventType string, events []mech.Event) {
	stream := StreamName(sender, eventType)
	published := 0
	for _, ev := range events {
		values, err := eventValues(ev)
		if err != nil {
			c.logger.Warn("Failed to encode event", zap.String("event_id", ev.EventID), zap.Error(err))
			continue
		}
		if c.XAdd(ctx, stream, values) == "" {
			// The connection is likely down; skip the rest of the batch.
			return
		}
		published++
	}
	c.logger.Debug("Published events", zap.String("stream", stream), zap.Int("count", published))
}

// eventValues flattens an event into stream fields; the full event is kept as JSON.
func eventValues(ev mech.Event) (map[string]interface{}, error) {
	raw, err := json.Marshal(ev)
	if err != nil {
		return nil, err
	}
	return map[string]interface{}{
		"eventId":     ev.EventID,
		"kind":        string(ev.Kind),
		"blockNumber": strconv.FormatUint(ev.BlockNumber, 10),
		"txHash":      ev.TransactionHash,
		"payload":     string(raw),
	}, nil
}
