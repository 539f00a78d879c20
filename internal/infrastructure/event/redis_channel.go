package event

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/storefront/backend/internal/domain/shared"
)

// Constants for channel configuration
const (
	defaultCloseTimeout = 5 * time.Second
	DefaultChannelName  = "storefront-sync"
)

// envelope wraps a message with the endpoint that published it, so an
// endpoint can skip its own messages.
type envelope struct {
	Endpoint string  `json:"endpoint"`
	Message  Message `json:"message"`
}

// RedisChannel implements Transport using Redis Pub/Sub, reaching engines in
// other processes and on other hosts.
type RedisChannel struct {
	client     redis.UniversalClient
	ownsClient bool // true if we created the client and should close it
	channel    string
	endpoint   string
	logger     *zap.Logger

	mu       sync.Mutex
	subs     map[*mailbox]struct{}
	started  bool
	closed   bool
	cancelFn context.CancelFunc
	doneCh   chan struct{}
}

// RedisChannelOption is a functional option for configuring the channel
type RedisChannelOption func(*RedisChannel)

// WithChannelName sets the Pub/Sub channel name
func WithChannelName(channel string) RedisChannelOption {
	return func(c *RedisChannel) {
		if channel != "" {
			c.channel = channel
		}
	}
}

// WithChannelLogger sets the logger for the channel
func WithChannelLogger(logger *zap.Logger) RedisChannelOption {
	return func(c *RedisChannel) {
		if logger != nil {
			c.logger = logger
		}
	}
}

// NewRedisChannel connects to Redis and creates a channel that owns its client
func NewRedisChannel(ctx context.Context, addr, password string, db int, opts ...RedisChannelOption) (*RedisChannel, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	if err := client.Ping(pingCtx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}

	c := NewRedisChannelWithClient(client, opts...)
	c.ownsClient = true
	return c, nil
}

// NewRedisChannelWithClient creates a channel with an existing Redis client
// Note: The caller retains ownership of the client and is responsible for closing it
func NewRedisChannelWithClient(client redis.UniversalClient, opts ...RedisChannelOption) *RedisChannel {
	c := &RedisChannel{
		client:   client,
		channel:  DefaultChannelName,
		endpoint: uuid.NewString(),
		logger:   zap.NewNop(),
		subs:     make(map[*mailbox]struct{}),
		doneCh:   make(chan struct{}),
	}
	for _, opt := range opts {
		opt(c)
	}
	c.logger = c.logger.Named("redis-channel")
	return c
}

// Name implements Transport
func (c *RedisChannel) Name() string {
	return "redis"
}

// Publish implements Transport
func (c *RedisChannel) Publish(ctx context.Context, msg Message) error {
	c.mu.Lock()
	closed := c.closed
	c.mu.Unlock()
	if closed {
		return shared.ErrClosed
	}

	data, err := json.Marshal(envelope{Endpoint: c.endpoint, Message: msg})
	if err != nil {
		return fmt.Errorf("failed to marshal message: %w", err)
	}

	if err := c.client.Publish(ctx, c.channel, data).Err(); err != nil {
		c.logger.Warn("Failed to publish broadcast message",
			zap.String("channel", c.channel),
			zap.Error(err))
		return fmt.Errorf("failed to publish message: %w", err)
	}

	c.logger.Debug("Published broadcast message",
		zap.String("collection", msg.Collection),
		zap.Uint64("sequence", msg.Sequence))
	return nil
}

// Subscribe implements Transport. The first subscription opens the Redis
// subscription and returns once it is confirmed.
func (c *RedisChannel) Subscribe(h Handler) (func(), error) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil, shared.ErrClosed
	}
	mb := newMailbox(h, c.logger)
	c.subs[mb] = struct{}{}
	needStart := !c.started
	c.started = true
	c.mu.Unlock()

	cancel := func() {
		c.mu.Lock()
		delete(c.subs, mb)
		c.mu.Unlock()
		mb.close()
	}

	if needStart {
		if err := c.start(); err != nil {
			cancel()
			c.mu.Lock()
			c.started = false
			c.mu.Unlock()
			return nil, err
		}
	}
	return cancel, nil
}

func (c *RedisChannel) start() error {
	ctx, cancel := context.WithCancel(context.Background())
	pubsub := c.client.Subscribe(ctx, c.channel)

	// Wait for subscription confirmation
	if _, err := pubsub.Receive(ctx); err != nil {
		pubsub.Close()
		cancel()
		return fmt.Errorf("failed to subscribe to channel: %w", err)
	}

	c.mu.Lock()
	c.cancelFn = cancel
	c.mu.Unlock()

	c.logger.Info("Subscribed to broadcast channel", zap.String("channel", c.channel))

	go func() {
		defer close(c.doneCh)
		defer pubsub.Close()
		ch := pubsub.Channel()
		for {
			select {
			case <-ctx.Done():
				c.logger.Debug("Broadcast subscription stopped")
				return
			case msg, ok := <-ch:
				if !ok {
					c.logger.Warn("Broadcast channel closed")
					return
				}
				var env envelope
				if err := json.Unmarshal([]byte(msg.Payload), &env); err != nil {
					c.logger.Warn("Dropping malformed broadcast message",
						zap.String("channel", c.channel),
						zap.Error(err))
					continue
				}
				if env.Endpoint == c.endpoint {
					continue
				}
				c.mu.Lock()
				for mb := range c.subs {
					mb.post(env.Message)
				}
				c.mu.Unlock()
			}
		}
	}()
	return nil
}

// Close releases any resources held by the channel
func (c *RedisChannel) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	cancelFn := c.cancelFn
	subs := c.subs
	c.subs = make(map[*mailbox]struct{})
	c.mu.Unlock()

	if cancelFn != nil {
		cancelFn()
		// Wait for subscription to stop with timeout
		select {
		case <-c.doneCh:
		case <-time.After(defaultCloseTimeout):
			c.logger.Warn("Timeout waiting for subscription to stop")
		}
	}
	for mb := range subs {
		mb.close()
	}

	// Only close client if we own it
	if c.ownsClient {
		return c.client.Close()
	}
	return nil
}

var _ Transport = (*RedisChannel)(nil)
