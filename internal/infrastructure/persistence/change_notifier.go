package persistence

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

const (
	defaultCloseTimeout  = 5 * time.Second
	defaultChangeChannel = "storefront:collection-changes"
)

// ChangeNotifier wakes collection listeners as soon as a write commits, so
// they do not have to wait for their next poll.
type ChangeNotifier interface {
	// Notify announces that collection changed.
	Notify(ctx context.Context, collection string) error
	// Changes returns a channel that receives a value after collection
	// changes, plus a function that releases it.
	Changes(collection string) (<-chan struct{}, func())
	Close() error
}

// LocalChangeNotifier fans notifications out inside one process.
type LocalChangeNotifier struct {
	mu   sync.Mutex
	subs map[string]map[chan struct{}]struct{}
}

// NewLocalChangeNotifier creates an in-process notifier.
func NewLocalChangeNotifier() *LocalChangeNotifier {
	return &LocalChangeNotifier{subs: make(map[string]map[chan struct{}]struct{})}
}

// Notify implements ChangeNotifier. Wakes are coalesced per subscriber.
func (n *LocalChangeNotifier) Notify(_ context.Context, collection string) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	for ch := range n.subs[collection] {
		select {
		case ch <- struct{}{}:
		default:
		}
	}
	return nil
}

// Changes implements ChangeNotifier
func (n *LocalChangeNotifier) Changes(collection string) (<-chan struct{}, func()) {
	ch := make(chan struct{}, 1)
	n.mu.Lock()
	if n.subs[collection] == nil {
		n.subs[collection] = make(map[chan struct{}]struct{})
	}
	n.subs[collection][ch] = struct{}{}
	n.mu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			n.mu.Lock()
			delete(n.subs[collection], ch)
			if len(n.subs[collection]) == 0 {
				delete(n.subs, collection)
			}
			n.mu.Unlock()
		})
	}
}

// Close implements ChangeNotifier
func (n *LocalChangeNotifier) Close() error {
	return nil
}

// changeMessage is the payload published on the Redis change channel
type changeMessage struct {
	Collection string `json:"collection"`
	Timestamp  int64  `json:"timestamp"`
}

// RedisChangeNotifier shares change notifications between processes through
// Redis Pub/Sub. Local subscribers are woken by messages from any process,
// including this one.
type RedisChangeNotifier struct {
	client     redis.UniversalClient
	ownsClient bool
	channel    string
	logger     *zap.Logger
	local      *LocalChangeNotifier

	mu        sync.Mutex
	isRunning bool
	cancelFn  context.CancelFunc
	doneCh    chan struct{}
}

// RedisChangeNotifierOption configures a RedisChangeNotifier
type RedisChangeNotifierOption func(*RedisChangeNotifier)

// WithChangeChannel sets the Pub/Sub channel name
func WithChangeChannel(channel string) RedisChangeNotifierOption {
	return func(n *RedisChangeNotifier) {
		if channel != "" {
			n.channel = channel
		}
	}
}

// WithChangeNotifierLogger sets the logger
func WithChangeNotifierLogger(logger *zap.Logger) RedisChangeNotifierOption {
	return func(n *RedisChangeNotifier) {
		if logger != nil {
			n.logger = logger
		}
	}
}

// NewRedisChangeNotifierWithClient creates a notifier on an existing client.
// The caller retains ownership of the client.
func NewRedisChangeNotifierWithClient(client redis.UniversalClient, opts ...RedisChangeNotifierOption) *RedisChangeNotifier {
	n := &RedisChangeNotifier{
		client:  client,
		channel: defaultChangeChannel,
		logger:  zap.NewNop(),
		local:   NewLocalChangeNotifier(),
		doneCh:  make(chan struct{}),
	}
	for _, opt := range opts {
		opt(n)
	}
	n.logger = n.logger.Named("change-notifier")
	return n
}

// NewRedisChangeNotifier connects to Redis and creates a notifier that owns
// its client.
func NewRedisChangeNotifier(ctx context.Context, addr, password string, db int, opts ...RedisChangeNotifierOption) (*RedisChangeNotifier, error) {
	client := redis.NewClient(&redis.Options{Addr: addr, Password: password, DB: db})

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}

	n := NewRedisChangeNotifierWithClient(client, opts...)
	n.ownsClient = true
	return n, nil
}

// Start subscribes to the change channel. It returns once the subscription
// is confirmed; messages are then relayed in the background until Close.
func (n *RedisChangeNotifier) Start(ctx context.Context) error {
	n.mu.Lock()
	if n.isRunning {
		n.mu.Unlock()
		return fmt.Errorf("change notifier already running")
	}
	subCtx, cancel := context.WithCancel(context.Background())
	n.isRunning = true
	n.cancelFn = cancel
	n.mu.Unlock()

	pubsub := n.client.Subscribe(subCtx, n.channel)
	if _, err := pubsub.Receive(ctx); err != nil {
		pubsub.Close()
		cancel()
		n.mu.Lock()
		n.isRunning = false
		n.cancelFn = nil
		n.mu.Unlock()
		return fmt.Errorf("failed to subscribe to channel: %w", err)
	}

	n.logger.Info("Subscribed to collection change channel", zap.String("channel", n.channel))

	go func() {
		defer close(n.doneCh)
		defer pubsub.Close()
		ch := pubsub.Channel()
		for {
			select {
			case <-subCtx.Done():
				return
			case msg, ok := <-ch:
				if !ok {
					n.logger.Warn("Collection change channel closed")
					return
				}
				var cm changeMessage
				if err := json.Unmarshal([]byte(msg.Payload), &cm); err != nil || cm.Collection == "" {
					n.logger.Warn("Dropping malformed change message", zap.String("payload", msg.Payload))
					continue
				}
				_ = n.local.Notify(subCtx, cm.Collection)
			}
		}
	}()
	return nil
}

// Notify implements ChangeNotifier
func (n *RedisChangeNotifier) Notify(ctx context.Context, collection string) error {
	data, err := json.Marshal(changeMessage{Collection: collection, Timestamp: time.Now().UnixNano()})
	if err != nil {
		return fmt.Errorf("failed to marshal change message: %w", err)
	}
	if err := n.client.Publish(ctx, n.channel, data).Err(); err != nil {
		n.logger.Warn("Failed to publish change message",
			zap.String("collection", collection),
			zap.Error(err))
		return fmt.Errorf("failed to publish change message: %w", err)
	}
	return nil
}

// Changes implements ChangeNotifier
func (n *RedisChangeNotifier) Changes(collection string) (<-chan struct{}, func()) {
	return n.local.Changes(collection)
}

// Close stops the subscription and closes the client when owned.
func (n *RedisChangeNotifier) Close() error {
	n.mu.Lock()
	cancel := n.cancelFn
	n.cancelFn = nil
	n.mu.Unlock()

	if cancel != nil {
		cancel()
		select {
		case <-n.doneCh:
		case <-time.After(defaultCloseTimeout):
			n.logger.Warn("Timeout waiting for change subscription to stop")
		}
	}
	if n.ownsClient {
		return n.client.Close()
	}
	return nil
}

var (
	_ ChangeNotifier = (*LocalChangeNotifier)(nil)
	_ ChangeNotifier = (*RedisChangeNotifier)(nil)
)
