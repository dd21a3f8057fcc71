package store

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/BaSui01/webpilot/engine"
)

// DefaultKeyPrefix namespaces every redis key written by this package.
const DefaultKeyPrefix = "webpilot:"

// defaultStopTTL bounds how long a stop flag outlives its task.
const defaultStopTTL = 24 * time.Hour

// =============================================================================
// 🛑 RedisStopSource
// =============================================================================

// RedisStopSource stores stop requests under <prefix>task:<id>:stop so that any
// instance can stop a task running on another.
type RedisStopSource struct {
	client redis.UniversalClient
	prefix string
	ttl    time.Duration
}

var _ engine.StopSource = (*RedisStopSource)(nil)

// NewRedisStopSource creates a stop source. An empty prefix uses DefaultKeyPrefix.
func NewRedisStopSource(client redis.UniversalClient, prefix string) *RedisStopSource {
	if prefix == "" {
		prefix = DefaultKeyPrefix
	}
	return &RedisStopSource{client: client, prefix: prefix, ttl: defaultStopTTL}
}

// Key returns the stop key of a task.
func (s *RedisStopSource) Key(taskID string) string {
	return s.prefix + "task:" + taskID + ":stop"
}

// StopRequested implements engine.StopSource.
func (s *RedisStopSource) StopRequested(ctx context.Context, taskID string) (bool, error) {
	n, err := s.client.Exists(ctx, s.Key(taskID)).Result()
	if err != nil {
		return false, fmt.Errorf("check stop flag of %s: %w", taskID, err)
	}
	return n > 0, nil
}

// RequestStop sets the stop flag. Setting it twice is harmless.
func (s *RedisStopSource) RequestStop(ctx context.Context, taskID string) error {
	if err := s.client.Set(ctx, s.Key(taskID), time.Now().UTC().Format(time.RFC3339), s.ttl).Err(); err != nil {
		return fmt.Errorf("set stop flag of %s: %w", taskID, err)
	}
	return nil
}

// Clear removes the stop flag, typically once the task has finished.
func (s *RedisStopSource) Clear(ctx context.Context, taskID string) error {
	return s.client.Del(ctx, s.Key(taskID)).Err()
}

// =============================================================================
// 📡 RedisEventPublisher
// =============================================================================

// RedisEventPublisher forwards bus events as JSON to <prefix>events:<task id>.
type RedisEventPublisher struct {
	client  redis.UniversalClient
	prefix  string
	timeout time.Duration
	logger  *zap.Logger
}

// NewRedisEventPublisher creates a publisher. An empty prefix uses DefaultKeyPrefix.
func NewRedisEventPublisher(client redis.UniversalClient, prefix string, logger *zap.Logger) *RedisEventPublisher {
	if prefix == "" {
		prefix = DefaultKeyPrefix
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &RedisEventPublisher{
		client:  client,
		prefix:  prefix,
		timeout: 2 * time.Second,
		logger:  logger.With(zap.String("component", "redis_events")),
	}
}

// Channel returns the pub/sub channel of a task.
func (p *RedisEventPublisher) Channel(taskID string) string {
	return p.prefix + "events:" + taskID
}

// Handle is an engine.Handler that publishes ev.
func (p *RedisEventPublisher) Handle(ctx context.Context, ev engine.Event) error {
	payload, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("marshal %s event: %w", ev.Type, err)
	}
	ctx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()
	if err := p.client.Publish(ctx, p.Channel(ev.TaskID), payload).Err(); err != nil {
		return fmt.Errorf("publish %s event of %s: %w", ev.Type, ev.TaskID, err)
	}
	return nil
}

// Attach subscribes the publisher to bus and returns the unsubscribe func.
func (p *RedisEventPublisher) Attach(bus *engine.EventBus) func() {
	p.logger.Info("forwarding task events to redis", zap.String("prefix", p.prefix))
	return bus.Subscribe(p.Handle)
}

// Subscribe listens to the events of one task published by any instance.
// The returned channel closes when ctx ends.
func (p *RedisEventPublisher) Subscribe(ctx context.Context, taskID string) (<-chan engine.Event, error) {
	sub := p.client.Subscribe(ctx, p.Channel(taskID))
	if _, err := sub.Receive(ctx); err != nil {
		_ = sub.Close()
		return nil, fmt.Errorf("subscribe to events of %s: %w", taskID, err)
	}

	out := make(chan engine.Event, 16)
	go func() {
		defer close(out)
		defer sub.Close()
		msgs := sub.Channel()
		for {
			select {
			case <-ctx.Done():
				return
			case msg, ok := <-msgs:
				if !ok {
					return
				}
				var ev engine.Event
				if err := json.Unmarshal([]byte(msg.Payload), &ev); err != nil {
					p.logger.Warn("dropping malformed event", zap.String("channel", msg.Channel), zap.Error(err))
					continue
				}
				select {
				case out <- ev:
				case <-ctx.Done():
					return
				}
			}
		}
	}()
	return out, nil
}
