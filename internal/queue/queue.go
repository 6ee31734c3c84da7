package queue

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/wnt/tokensync/internal/token"
)

const (
	queueKey    = "sync_queue"
	inFlightKey = "sync_inflight"
	failuresKey = "sync_failures"
	txHashesKey = "sync_tx_hashes"
)

// Client wraps Redis operations for sync job scheduling. Jobs live in a
// sorted set scored by the unix time they become due.
type Client struct {
	client *redis.Client
	logger zerolog.Logger
}

// NewClient creates a new Redis queue client
func NewClient(redisURL string, logger zerolog.Logger) (*Client, error) {
	opt, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("failed to parse Redis URL: %w", err)
	}

	client := redis.NewClient(opt)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}

	logger.Info().Str("redis_addr", opt.Addr).Msg("Connected to Redis successfully")

	return &Client{
		client: client,
		logger: logger.With().Str("component", "queue").Logger(),
	}, nil
}

// PushTarget schedules target to become due at due. Pushing a queued
// target again moves its due time.
func (c *Client) PushTarget(ctx context.Context, target token.Target, due time.Time) error {
	err := c.client.ZAdd(ctx, queueKey, redis.Z{
		Score:  float64(due.Unix()),
		Member: target.String(),
	}).Err()
	if err != nil {
		return fmt.Errorf("failed to push target to queue: %w", err)
	}

	c.logger.Debug().
		Str("target", target.String()).
		Time("due", due).
		Msg("Pushed target to queue")
	return nil
}

// PopDue claims the earliest target due at or before now. ok is false when
// nothing is due or another worker claimed the job first.
func (c *Client) PopDue(ctx context.Context, now time.Time) (token.Target, bool, error) {
	members, err := c.client.ZRangeByScore(ctx, queueKey, &redis.ZRangeBy{
		Min:   "-inf",
		Max:   strconv.FormatInt(now.Unix(), 10),
		Count: 1,
	}).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return token.Target{}, false, nil
		}
		return token.Target{}, false, fmt.Errorf("failed to read due targets: %w", err)
	}
	if len(members) == 0 {
		return token.Target{}, false, nil
	}

	member := members[0]
	removed, err := c.client.ZRem(ctx, queueKey, member).Result()
	if err != nil {
		return token.Target{}, false, fmt.Errorf("failed to claim target: %w", err)
	}
	if removed == 0 {
		return token.Target{}, false, nil
	}

	target, err := token.ParseTarget(member)
	if err != nil {
		c.logger.Warn().Err(err).Str("member", member).Msg("Dropped malformed queue entry")
		return token.Target{}, false, nil
	}

	c.logger.Debug().Str("target", member).Msg("Popped target from queue")
	return target, true, nil
}

// SetInFlight marks a target as being processed by a worker
func (c *Client) SetInFlight(ctx context.Context, target token.Target, worker string) error {
	value := fmt.Sprintf("%s,%d", worker, time.Now().Unix())
	if err := c.client.HSet(ctx, inFlightKey, target.String(), value).Err(); err != nil {
		return fmt.Errorf("failed to set target in-flight: %w", err)
	}
	return nil
}

// RemoveInFlight removes a target from the in-flight tracking
func (c *Client) RemoveInFlight(ctx context.Context, target token.Target) error {
	if err := c.client.HDel(ctx, inFlightKey, target.String()).Err(); err != nil {
		return fmt.Errorf("failed to remove target from in-flight: %w", err)
	}
	return nil
}

// IncrementFailures bumps the consecutive failure count of target and
// returns the new count
func (c *Client) IncrementFailures(ctx context.Context, target token.Target) (int64, error) {
	n, err := c.client.HIncrBy(ctx, failuresKey, target.String(), 1).Result()
	if err != nil {
		return 0, fmt.Errorf("failed to increment failures: %w", err)
	}
	return n, nil
}

// ResetFailures clears the failure count of target
func (c *Client) ResetFailures(ctx context.Context, target token.Target) error {
	if err := c.client.HDel(ctx, failuresKey, target.String()).Err(); err != nil {
		return fmt.Errorf("failed to reset failures: %w", err)
	}
	return nil
}

// GetQueueLength returns the number of scheduled targets
func (c *Client) GetQueueLength(ctx context.Context) (int64, error) {
	length, err := c.client.ZCard(ctx, queueKey).Result()
	if err != nil {
		return 0, fmt.Errorf("failed to get queue length: %w", err)
	}
	return length, nil
}

// GetDueLength returns the number of targets due at or before now
func (c *Client) GetDueLength(ctx context.Context, now time.Time) (int64, error) {
	length, err := c.client.ZCount(ctx, queueKey, "-inf", strconv.FormatInt(now.Unix(), 10)).Result()
	if err != nil {
		return 0, fmt.Errorf("failed to count due targets: %w", err)
	}
	return length, nil
}

// GetInFlight returns all targets currently being processed
func (c *Client) GetInFlight(ctx context.Context) (map[string]string, error) {
	result, err := c.client.HGetAll(ctx, inFlightKey).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to get in-flight targets: %w", err)
	}
	return result, nil
}

// RequeueStuck moves targets that have been in flight longer than timeout
// back to the queue, due immediately
func (c *Client) RequeueStuck(ctx context.Context, timeout time.Duration) error {
	inFlight, err := c.GetInFlight(ctx)
	if err != nil {
		return err
	}

	now := time.Now()
	cutoff := now.Add(-timeout).Unix()
	requeued := 0

	for member, value := range inFlight {
		worker, startTime, ok := splitValue(value)
		if !ok {
			c.logger.Warn().Str("target", member).Str("value", value).Msg("Invalid in-flight value format")
			continue
		}
		if startTime >= cutoff {
			continue
		}

		target, err := token.ParseTarget(member)
		if err != nil {
			c.logger.Warn().Err(err).Str("target", member).Msg("Dropping malformed in-flight entry")
			_ = c.client.HDel(ctx, inFlightKey, member).Err()
			continue
		}

		if err := c.PushTarget(ctx, target, now); err != nil {
			c.logger.Error().Err(err).Str("target", member).Msg("Failed to requeue stuck target")
			continue
		}
		if err := c.RemoveInFlight(ctx, target); err != nil {
			c.logger.Error().Err(err).Str("target", member).Msg("Failed to remove requeued target from in-flight")
		}

		requeued++
		c.logger.Info().
			Str("target", member).
			Str("worker", worker).
			Int64("stuck_seconds", now.Unix()-startTime).
			Msg("Requeued stuck target")
	}

	if requeued > 0 {
		c.logger.Info().Int("count", requeued).Msg("Requeued stuck targets")
	}
	return nil
}

// EnqueueTxHashes appends transaction hashes for the downstream transaction
// indexer of chainID
func (c *Client) EnqueueTxHashes(ctx context.Context, chainID int64, hashes []string) error {
	if len(hashes) == 0 {
		return nil
	}
	values := make([]interface{}, len(hashes))
	for i, h := range hashes {
		values[i] = h
	}
	if err := c.client.RPush(ctx, txHashesListKey(chainID), values...).Err(); err != nil {
		return fmt.Errorf("failed to enqueue transaction hashes: %w", err)
	}
	return nil
}

// Close closes the Redis connection
func (c *Client) Close() error {
	return c.client.Close()
}

func txHashesListKey(chainID int64) string {
	return fmt.Sprintf("%s:%d", txHashesKey, chainID)
}

// splitValue splits the in-flight value format "worker,timestamp"
func splitValue(value string) (string, int64, bool) {
	worker, ts, ok := strings.Cut(value, ",")
	if !ok {
		return "", 0, false
	}
	startTime, err := strconv.ParseInt(ts, 10, 64)
	if err != nil {
		return "", 0, false
	}
	return worker, startTime, true
}

// Backoff returns the delay before retrying a target after failures
// consecutive failures: base doubled per failure, capped at max
func Backoff(failures int64, base, max time.Duration) time.Duration {
	if failures <= 0 {
		return base
	}
	delay := base
	for i := int64(1); i < failures; i++ {
		delay *= 2
		if delay >= max {
			return max
		}
	}
	if delay > max {
		return max
	}
	return delay
}
